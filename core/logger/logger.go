// Package logger is the structured logging layer: one async writer with
// optional file rotation, component-scoped loggers, and correlation ids
// carried through context.
package logger

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/m3rciful/userbots/core/buildinfo"
	coreconfig "github.com/m3rciful/userbots/core/config"
)

// Component names shared by the userbot packages.
const (
	CompSupervisor = "userbot.supervisor"
	CompLogin      = "userbot.login"
	CompTasks      = "userbot.tasks"
	CompStore      = "userbot.store"
	CompBridge     = "userbot.bridge"
	CompGateway    = "userbot.gateway"
	CompMenu       = "userbot.menu"
)

var (
	initOnce sync.Once
	shutdown sync.Once
	shutErr  error

	logWriter  *asyncWriter
	logClosers []io.Closer

	levelVar      slog.LevelVar
	debugSampler  = newRatioSampler(defaultSampleNum, defaultSampleDen)
	traceOverride atomic.Bool

	components sync.Map // component name -> *slog.Logger

	// L is the root logger. It is slog.Default until InitLogger runs.
	L *slog.Logger

	// Component loggers, rebuilt whenever the root changes.
	DB    *slog.Logger
	TG    *slog.Logger
	MIG   *slog.Logger
	TWire *slog.Logger
	TASKS *slog.Logger
	STORE *slog.Logger
	GATE  *slog.Logger
)

func init() {
	setRoot(slog.Default())
}

// setRoot replaces the root logger and rebuilds every component logger.
func setRoot(root *slog.Logger) {
	L = root
	components.Range(func(k, _ any) bool {
		components.Delete(k)
		return true
	})
	DB = Component("db")
	TG = Component("tg")
	MIG = Component("db.migrate")
	TWire = Component("tg.wire")
	TASKS = Component(CompTasks)
	STORE = Component(CompStore)
	GATE = Component(CompGateway)
}

// InitLogger configures the global structured logger. Calls after the
// first are no-ops.
func InitLogger(cfg *coreconfig.Config) error {
	var initErr error
	initOnce.Do(func() {
		s := resolveSettings(cfg)
		outputs, closers, err := s.outputs()
		if err != nil {
			initErr = err
			return
		}
		levelVar.Set(s.level)
		debugSampler.Set(s.sampleNum, s.sampleDen)
		traceOverride.Store(traceFromEnv())

		logClosers = closers
		logWriter = newAsyncWriter(outputs, 64*1024)
		root := slog.New(newStructuredHandler(handlerConfig{
			level:    &levelVar,
			writer:   logWriter,
			format:   s.format,
			keyOrder: s.keyOrder,
		}))
		slog.SetDefault(root)
		setRoot(root)
		logStartup(s)
	})
	return initErr
}

func logStartup(s settings) {
	b := buildinfo.Get()
	Component("app").LogAttrs(context.Background(), slog.LevelInfo, "startup",
		slog.String("event", "startup"),
		slog.String("go_version", runtime.Version()),
		slog.String("build_version", b.Version),
		slog.String("build_commit", b.Commit),
		slog.String("build_time", b.Date),
		slog.String("cfg_profile", s.profile),
		slog.String("log_format", string(s.format)),
	)
}

// SetLevel changes the minimum level at runtime.
func SetLevel(level slog.Level) { levelVar.Set(level) }

// Shutdown flushes buffered output and closes file sinks. Later calls
// return the first result.
func Shutdown() error {
	shutdown.Do(func() {
		var errs []error
		if logWriter != nil {
			errs = append(errs, logWriter.Close())
		}
		for _, c := range logClosers {
			errs = append(errs, c.Close())
		}
		shutErr = errors.Join(errs...)
	})
	return shutErr
}

// Component returns the logger scoped to name, cached per root logger.
func Component(name string) *slog.Logger {
	name = strings.TrimSpace(name)
	if name == "" {
		return L
	}
	if l, ok := components.Load(name); ok {
		return l.(*slog.Logger)
	}
	l, _ := components.LoadOrStore(name, L.With("component", name))
	return l.(*slog.Logger)
}

// LogEvent writes one event record. A nil logger falls back to the one
// stored in ctx.
func LogEvent(ctx context.Context, logg *slog.Logger, level slog.Level, event string, attrs ...slog.Attr) {
	if logg == nil {
		logg = FromContext(ctx)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if !logg.Enabled(ctx, level) {
		return
	}
	if event != "" {
		attrs = append([]slog.Attr{slog.String("event", event)}, attrs...)
	}
	logg.LogAttrs(ctx, level, "", attrs...)
}

// Event logs event for component.
func Event(ctx context.Context, component string, level slog.Level, event string, attrs ...slog.Attr) {
	LogEvent(ctx, Component(component), level, event, attrs...)
}

func Debug(ctx context.Context, component, event string, attrs ...slog.Attr) {
	Event(ctx, component, slog.LevelDebug, event, attrs...)
}

func Info(ctx context.Context, component, event string, attrs ...slog.Attr) {
	Event(ctx, component, slog.LevelInfo, event, attrs...)
}

func Warn(ctx context.Context, component, event string, attrs ...slog.Attr) {
	Event(ctx, component, slog.LevelWarn, event, attrs...)
}

func Error(ctx context.Context, component, event string, attrs ...slog.Attr) {
	Event(ctx, component, slog.LevelError, event, attrs...)
}

// ShouldSampleDebug reports whether a high-volume debug detail should be
// logged. TRACE=1 in the environment lets everything through.
func ShouldSampleDebug() bool {
	return traceOverride.Load() || debugSampler.Allow()
}
