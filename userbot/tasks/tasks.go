// Package tasks discovers automation task modules and attaches them to live
// userbot connections.
//
// A task is a directory under the tasks root holding a task.yaml manifest. The
// manifest names a compiled-in kind; the kind's Factory builds the Module from
// the manifest params. Directories without a manifest, with an invalid manifest,
// or with an unregistered kind are skipped.
package tasks

import (
	"github.com/m3rciful/userbots/userbot/platform"
)

// Descriptor identifies a task in the registry and in menus.
type Descriptor struct {
	ID    string
	Label string
	Kind  string
}

// Notifier delivers a text to the owning user through the bot.
// Implementations must not block.
type Notifier interface {
	Notify(userID int64, text string)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(userID int64, text string)

func (f NotifierFunc) Notify(userID int64, text string) { f(userID, text) }

// Module is one loaded task.
//
// Attach registers the task's event reactions on conn. It is called once per
// (connection, task) and again after every reconnect, so a module must keep
// per-connection state inside the handlers it registers.
type Module interface {
	Descriptor() Descriptor
	Attach(conn platform.Conn, n Notifier, userID int64) error
}

// Factory builds a module of one kind from manifest params.
type Factory func(d Descriptor, params map[string]any) (Module, error)

// Kinds maps kind names to factories.
type Kinds map[string]Factory
