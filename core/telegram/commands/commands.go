// Package commands describes slash commands independently of how they are
// routed.
package commands

import (
	"errors"
	"strings"

	tele "gopkg.in/telebot.v4"
)

// Command is one slash command with its menu metadata.
type Command struct {
	Handler     tele.HandlerFunc
	Description string
	// AdminOnly commands are rejected for everyone but the configured admin
	// and never appear in the public menu.
	AdminOnly bool
	// Hidden commands work but are left out of the menu.
	Hidden  bool
	Aliases []string
}

// Canonical lowercases name and adds the leading slash.
func Canonical(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if name != "" && !strings.HasPrefix(name, "/") {
		name = "/" + name
	}
	return name
}

// Parse extracts the canonical command from message text such as
// "/Menu@some_bot arg". ok is false when text is not a command.
func Parse(text string) (name string, ok bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", false
	}
	word, _, _ := strings.Cut(text, " ")
	word, _, _ = strings.Cut(word, "@")
	if word == "/" {
		return "", false
	}
	return Canonical(word), true
}

// Validate reports a missing handler or description.
func (c Command) Validate() error {
	switch {
	case c.Handler == nil:
		return errors.New("handler is required")
	case strings.TrimSpace(c.Description) == "":
		return errors.New("description is required")
	}
	return nil
}

// Names returns the canonical name followed by the canonical aliases.
func (c Command) Names(name string) []string {
	out := make([]string, 0, 1+len(c.Aliases))
	out = append(out, Canonical(name))
	for _, a := range c.Aliases {
		out = append(out, Canonical(a))
	}
	return out
}

// Public reports whether the command belongs in the bot's command menu.
func (c Command) Public() bool { return !c.Hidden && !c.AdminOnly }
