package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	tele "gopkg.in/telebot.v4"

	"github.com/m3rciful/userbots/core/logger"
	"github.com/m3rciful/userbots/core/telegram/commands"
)

// Registry maps slash commands and callback keys to handlers.
type Registry struct {
	mu               sync.RWMutex
	commands         map[string]commands.Command
	aliases          map[string]string
	callbacks        map[string]tele.HandlerFunc
	callbackNotFound tele.HandlerFunc
}

// NewRegistry creates an empty Registry whose unknown-callback fallback
// answers with a short toast.
func NewRegistry() *Registry {
	return &Registry{
		commands:  make(map[string]commands.Command),
		aliases:   make(map[string]string),
		callbacks: make(map[string]tele.HandlerFunc),
		callbackNotFound: func(c tele.Context) error {
			return c.Respond(&tele.CallbackResponse{Text: "This button is no longer supported."})
		},
	}
}

// RegisterCommand adds a command and its aliases. Names must be unique
// across commands and aliases.
func (r *Registry) RegisterCommand(name string, cmd commands.Command) error {
	names := cmd.Names(name)
	key := names[0]
	if key == "" {
		return fmt.Errorf("register command: empty name")
	}
	if err := cmd.Validate(); err != nil {
		return fmt.Errorf("register command %s: %w", key, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range names {
		if _, taken := r.commands[n]; taken {
			return fmt.Errorf("register command %q: %s already registered", name, n)
		}
		if _, taken := r.aliases[n]; taken {
			return fmt.Errorf("register command %q: %s already registered", name, n)
		}
	}
	r.commands[key] = cmd
	for _, n := range names[1:] {
		r.aliases[n] = key
	}
	logger.TWire.LogAttrs(context.Background(), slog.LevelDebug, "register.command",
		slog.String("name", key),
		slog.Int("aliases", len(cmd.Aliases)),
		slog.Bool("admin_only", cmd.AdminOnly),
	)
	return nil
}

// LookupCommand resolves message text such as "/menu@bot arg" to the
// canonical command name and its definition.
func (r *Registry) LookupCommand(text string) (string, commands.Command, bool) {
	name, ok := commands.Parse(text)
	if !ok {
		return "", commands.Command{}, false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if target, ok := r.aliases[name]; ok {
		name = target
	}
	cmd, ok := r.commands[name]
	if !ok {
		return "", commands.Command{}, false
	}
	return name, cmd, true
}

// Commands returns a copy of the registered commands keyed by canonical name.
func (r *Registry) Commands() map[string]commands.Command {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]commands.Command, len(r.commands))
	for k, v := range r.commands {
		out[k] = v
	}
	return out
}

// Endpoints lists every name a command answers to, aliases included.
func (r *Registry) Endpoints() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.commands)+len(r.aliases))
	for k := range r.commands {
		out[k] = k
	}
	for a, k := range r.aliases {
		out[a] = k
	}
	return out
}

// ListCommands returns the public command menu sorted by name.
func (r *Registry) ListCommands() []tele.Command {
	r.mu.RLock()
	defer r.mu.RUnlock()
	list := make([]tele.Command, 0, len(r.commands))
	for name, meta := range r.commands {
		if !meta.Public() {
			continue
		}
		list = append(list, tele.Command{Text: strings.TrimPrefix(name, "/"), Description: meta.Description})
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Text < list[j].Text })
	return list
}

// RegisterCallback binds handler to a callback key.
func (r *Registry) RegisterCallback(key string, handler tele.HandlerFunc) error {
	if key == "" || handler == nil {
		return fmt.Errorf("register callback %q: key and handler are required", key)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.callbacks[key]; exists {
		return fmt.Errorf("callback already registered: %s", key)
	}
	r.callbacks[key] = handler
	return nil
}

// GetCallback returns the handler bound to key.
func (r *Registry) GetCallback(key string) (tele.HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.callbacks[key]
	return h, ok
}

// ListCallbacks returns sorted callback keys.
func (r *Registry) ListCallbacks() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.callbacks))
	for k := range r.callbacks {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// SetCallbackNotFound replaces the fallback for unknown callback keys.
func (r *Registry) SetCallbackNotFound(h tele.HandlerFunc) {
	if h == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callbackNotFound = h
}

// CallbackNotFound returns the fallback for unknown callback keys.
func (r *Registry) CallbackNotFound() tele.HandlerFunc {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.callbackNotFound
}

// InitBotCommands publishes the public command menu to Telegram.
func InitBotCommands(bot *tele.Bot, reg *Registry) {
	if err := bot.SetCommands(reg.ListCommands()); err != nil {
		logger.TWire.LogAttrs(context.Background(), slog.LevelError, "register.commands.set_failed",
			slog.String("err", err.Error()),
		)
	}
}
