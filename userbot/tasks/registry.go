package tasks

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/m3rciful/userbots/core/logger"
	"github.com/m3rciful/userbots/userbot/faults"
	"github.com/m3rciful/userbots/userbot/platform"
)

// ErrUnknownTask is returned when attaching a task ID the registry does not know.
var ErrUnknownTask = errors.New("unknown task")

type catalog struct {
	modules map[string]Module
	order   []Descriptor
}

// Registry holds the currently loaded task modules. Load replaces the catalog
// atomically so readers never observe a half-scanned directory.
type Registry struct {
	dir    string
	kinds  Kinds
	schema *jsonschema.Schema

	loadMu  sync.Mutex
	current atomic.Pointer[catalog]
}

// NewRegistry prepares a registry over dir. Call Load to scan it.
func NewRegistry(dir string, kinds Kinds) (*Registry, error) {
	sch, err := compileManifestSchema()
	if err != nil {
		return nil, err
	}
	r := &Registry{dir: dir, kinds: kinds, schema: sch}
	r.current.Store(&catalog{modules: map[string]Module{}})
	return r, nil
}

// Dir returns the scanned directory.
func (r *Registry) Dir() string { return r.dir }

// Load rescans the task directory and returns the number of loaded tasks.
// A missing directory yields an empty catalog.
func (r *Registry) Load(ctx context.Context) (int, error) {
	r.loadMu.Lock()
	defer r.loadMu.Unlock()

	start := time.Now()
	next := &catalog{modules: map[string]Module{}}
	skipped := 0

	err := filepath.WalkDir(r.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() || !isManifest(d.Name()) {
			return nil
		}
		if mod, ok := r.loadOne(ctx, path); ok {
			id := mod.Descriptor().ID
			if _, dup := next.modules[id]; dup {
				logger.Warn(ctx, logger.CompTasks, "task.duplicate",
					slog.String("task_id", id),
					slog.String("path", path),
				)
				skipped++
				return nil
			}
			next.modules[id] = mod
			next.order = append(next.order, mod.Descriptor())
		} else {
			skipped++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("tasks: scan %s: %w", r.dir, err)
	}

	sort.Slice(next.order, func(i, j int) bool { return next.order[i].ID < next.order[j].ID })
	r.current.Store(next)

	ids := make([]string, 0, len(next.order))
	for _, d := range next.order {
		ids = append(ids, d.ID)
	}
	preview, truncated := logger.SummarizeStrings(ids, 8)
	attrs := []slog.Attr{
		slog.String("path", r.dir),
		slog.Int("count", len(ids)),
		slog.Int("skipped", skipped),
		slog.Duration("duration", logger.Took(start)),
	}
	if preview != "" {
		attrs = append(attrs, slog.String("tasks", preview))
	}
	if truncated {
		attrs = append(attrs, slog.Bool("tasks_truncated", true))
	}
	logger.Info(ctx, logger.CompTasks, "tasks.loaded", attrs...)
	return len(ids), nil
}

func (r *Registry) loadOne(ctx context.Context, path string) (Module, bool) {
	m, err := readManifest(r.schema, path)
	if err != nil {
		logger.Warn(ctx, logger.CompTasks, "task.manifest.invalid",
			slog.String("path", path),
			slog.String("err", logger.SanitizeLimit(err.Error(), 256)),
		)
		return nil, false
	}
	if m.Disabled {
		logger.Debug(ctx, logger.CompTasks, "task.disabled", slog.String("task_id", m.ID))
		return nil, false
	}
	factory, ok := r.kinds[m.Kind]
	if !ok || factory == nil {
		logger.Warn(ctx, logger.CompTasks, "task.kind.unknown",
			slog.String("task_id", m.ID),
			slog.String("kind", m.Kind),
		)
		return nil, false
	}
	mod, err := factory(Descriptor{ID: m.ID, Label: m.Label, Kind: m.Kind}, m.Params)
	if err != nil {
		logger.Warn(ctx, logger.CompTasks, "task.build.failed",
			slog.String("task_id", m.ID),
			slog.String("kind", m.Kind),
			slog.String("err", err.Error()),
		)
		return nil, false
	}
	return mod, true
}

// Lookup returns the module registered under id.
func (r *Registry) Lookup(id string) (Module, bool) {
	m, ok := r.current.Load().modules[id]
	return m, ok
}

// Has reports whether id is a loaded task.
func (r *Registry) Has(id string) bool {
	_, ok := r.Lookup(id)
	return ok
}

// List returns descriptors of all loaded tasks sorted by ID.
func (r *Registry) List() []Descriptor {
	order := r.current.Load().order
	return append([]Descriptor(nil), order...)
}

// Attachment is one task attached to one connection.
type Attachment struct {
	TaskID string

	mu   sync.Mutex
	subs []*platform.Subscription
}

// Detach removes the task's event subscriptions. The connection stays open.
func (a *Attachment) Detach() {
	if a == nil {
		return
	}
	a.mu.Lock()
	subs := a.subs
	a.subs = nil
	a.mu.Unlock()
	for _, s := range subs {
		s.Cancel()
	}
}

// Subscriptions reports how many handlers the attachment holds.
func (a *Attachment) Subscriptions() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.subs)
}

func (a *Attachment) track(s *platform.Subscription) {
	a.mu.Lock()
	a.subs = append(a.subs, s)
	a.mu.Unlock()
}

// scopedConn records every subscription a task makes so Detach can undo them.
type scopedConn struct {
	platform.Conn
	att *Attachment
}

func (c scopedConn) On(f platform.Filter, h platform.Handler) *platform.Subscription {
	s := c.Conn.On(f, h)
	c.att.track(s)
	return s
}

// Attach attaches task id to conn on behalf of userID. Failures, including
// panics inside the module, are returned as *faults.TaskAttachError and leave
// no subscriptions behind.
func (r *Registry) Attach(id string, conn platform.Conn, n Notifier, userID int64) (att *Attachment, err error) {
	mod, ok := r.Lookup(id)
	if !ok {
		return nil, &faults.TaskAttachError{TaskID: id, Err: ErrUnknownTask}
	}
	att = &Attachment{TaskID: id}
	defer func() {
		if rec := recover(); rec != nil {
			logger.TASKS.Error("task attach panic",
				slog.String("event", "task.attach.panic"),
				slog.String("task_id", id),
				slog.Int64("user_id", userID),
				slog.Any("err", rec),
				slog.String("stack", string(debug.Stack())),
			)
			err = fmt.Errorf("panic: %v", rec)
		}
		if err != nil {
			att.Detach()
			att = nil
			var terr *faults.TaskAttachError
			if !errors.As(err, &terr) {
				err = &faults.TaskAttachError{TaskID: id, Err: err}
			}
		}
	}()
	err = mod.Attach(scopedConn{Conn: conn, att: att}, n, userID)
	return att, err
}
