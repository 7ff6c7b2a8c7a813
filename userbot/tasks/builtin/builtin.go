// Package builtin holds the task kinds compiled into the binary.
package builtin

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/m3rciful/userbots/userbot/tasks"
)

const (
	KindAutoReply = "autoreply"
	KindPing      = "ping"
)

// Kinds returns the factories for every builtin kind.
func Kinds() tasks.Kinds {
	return tasks.Kinds{
		KindAutoReply: newAutoReply,
		KindPing:      newPing,
	}
}

type params map[string]any

func (p params) str(key, def string) (string, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return def, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("param %s: want string, got %T", key, v)
	}
	return s, nil
}

func (p params) boolean(key string, def bool) (bool, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return def, nil
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("param %s: want bool, got %T", key, v)
	}
	return b, nil
}

// commandPattern matches a message consisting of exactly cmd.
func commandPattern(cmd string) (*regexp.Regexp, error) {
	cmd = strings.TrimSpace(cmd)
	if cmd == "" {
		return nil, fmt.Errorf("empty command")
	}
	return regexp.Compile(`^` + regexp.QuoteMeta(cmd) + `$`)
}
