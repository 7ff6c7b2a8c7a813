// Package app assembles the userbot service: credential store, task
// registry, supervisor, login flow and the bot panel.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	tele "gopkg.in/telebot.v4"

	"github.com/m3rciful/userbots/core/bootstrap"
	coredatabase "github.com/m3rciful/userbots/core/database"
	"github.com/m3rciful/userbots/core/logger"
	"github.com/m3rciful/userbots/core/telegram"
	"github.com/m3rciful/userbots/core/telegram/router"
	"github.com/m3rciful/userbots/core/telegram/state"
	"github.com/m3rciful/userbots/userbot/bridge"
	"github.com/m3rciful/userbots/userbot/login"
	"github.com/m3rciful/userbots/userbot/menu"
	"github.com/m3rciful/userbots/userbot/platform"
	"github.com/m3rciful/userbots/userbot/platform/gateway"
	"github.com/m3rciful/userbots/userbot/session"
	"github.com/m3rciful/userbots/userbot/session/memstore"
	"github.com/m3rciful/userbots/userbot/session/pgstore"
	"github.com/m3rciful/userbots/userbot/session/sqlitestore"
	"github.com/m3rciful/userbots/userbot/supervisor"
	"github.com/m3rciful/userbots/userbot/tasks"
	"github.com/m3rciful/userbots/userbot/tasks/builtin"
)

// App is the assembled service. It satisfies the runner's TelegramApp.
type App struct {
	cfg *Config

	store     session.Store
	closeFns  []func() error
	catalog   *tasks.Registry
	bridge    *bridge.Bridge
	sup       *supervisor.Supervisor
	login     *login.Flow
	fsm       state.Manager
	registry  *telegram.Registry
	fallbacks router.Fallbacks

	mu      sync.Mutex
	cancel  context.CancelFunc
	workers *errgroup.Group
}

// Bootstrap initializes logging, opens the configured store and the
// gateway dialer, and assembles the service.
func Bootstrap(cfg *Config) (*App, error) {
	var db *coredatabase.Config
	if cfg.Store.Driver == DriverPostgres {
		db = &cfg.Database
	}
	res, err := bootstrap.Run(bootstrap.Options{Config: &cfg.Core, Database: db})
	if err != nil {
		return nil, err
	}

	store, closeStore, err := openStore(cfg, res)
	if err != nil {
		return nil, err
	}
	dialer := gateway.NewDialer(gateway.Config{
		URL:              cfg.Gateway.URL,
		Token:            cfg.Gateway.Token,
		HandshakeTimeout: seconds(cfg.Gateway.HandshakeTimeoutSeconds),
		CallTimeout:      seconds(cfg.Gateway.CallTimeoutSeconds),
	})
	a, err := build(cfg, store, dialer)
	if err != nil {
		_ = closeStore()
		return nil, err
	}
	a.closeFns = append(a.closeFns, closeStore)
	return a, nil
}

func openStore(cfg *Config, res *bootstrap.Result) (session.Store, func() error, error) {
	nop := func() error { return nil }
	switch cfg.Store.Driver {
	case DriverPostgres:
		if res == nil || res.DB == nil {
			return nil, nil, errors.New("app: postgres store needs a database connection")
		}
		return pgstore.New(res.DB), res.DB.Close, nil
	case DriverSQLite:
		s, err := sqlitestore.Open(cfg.Store.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case DriverMemory:
		logger.Warn(context.Background(), logger.CompStore, "store.memory",
			slog.String("note", "sessions are lost on restart"),
		)
		return memstore.New(), nop, nil
	}
	return nil, nil, fmt.Errorf("app: unknown store driver %q", cfg.Store.Driver)
}

func build(cfg *Config, store session.Store, dialer platform.Dialer) (*App, error) {
	u := cfg.Userbot
	catalog, err := tasks.NewRegistry(u.TasksDir, builtin.Kinds())
	if err != nil {
		return nil, err
	}
	if _, err := catalog.Load(context.Background()); err != nil {
		return nil, err
	}

	br := bridge.New(bridge.Options{
		NotifyPerMinute: u.NotifyPerMinute,
		NotifyBurst:     u.NotifyBurst,
	})
	sup, err := supervisor.New(supervisor.Options{
		Store:           store,
		Dialer:          dialer,
		Tasks:           catalog,
		Bridge:          br,
		Interval:        seconds(u.ReconcileIntervalSeconds),
		OpenTimeout:     seconds(u.OpenTimeoutSeconds),
		OpenConcurrency: u.OpenConcurrency,
		RetryBase:       time.Duration(u.RetryBaseMS) * time.Millisecond,
		RetryMax:        seconds(u.RetryMaxSeconds),
	})
	if err != nil {
		return nil, err
	}
	flow, err := login.New(login.Options{
		Store:       store,
		Dialer:      dialer,
		Bridge:      br,
		StepTimeout: seconds(u.LoginStepTimeoutSeconds),
		IdleTimeout: seconds(u.LoginIdleTimeoutSeconds),
	})
	if err != nil {
		return nil, err
	}

	fsm := state.NewMemoryManager(state.WithTTL(seconds(u.LoginIdleTimeoutSeconds)))
	panel, err := menu.New(menu.Options{
		Store:      store,
		Status:     sup,
		Tasks:      catalog,
		Login:      flow,
		Reconciler: br,
		FSM:        fsm,
	})
	if err != nil {
		return nil, err
	}
	reg := telegram.NewRegistry()
	if err := panel.Register(reg); err != nil {
		return nil, err
	}
	reg.SetCallbackNotFound(panel.UnknownCallback())

	return &App{
		cfg:       cfg,
		store:     store,
		catalog:   catalog,
		bridge:    br,
		sup:       sup,
		login:     flow,
		fsm:       fsm,
		registry:  reg,
		fallbacks: panel,
	}, nil
}

// TelegramRunOptions wires routes, middlewares and lifecycle hooks.
func (a *App) TelegramRunOptions() (telegram.RunOptions, error) {
	core := a.cfg.CoreConfig()
	cmdOpts := router.CommandRouteOptions{AdminID: core.Telegram.AdminID}
	routes := router.CommandRoutes(a.registry, cmdOpts)
	routes = append(routes, router.CallbackRoute(a.registry, router.CallbackOptions{
		NotFound: a.fallbacks.UnknownCallback(),
	}))
	routes = append(routes, router.TextRoutes(a.fsm, a.registry,
		router.FallbackTextOptions(a.fallbacks, cmdOpts))...)

	return telegram.RunOptions{
		Config:      core,
		Registry:    a.registry,
		Middlewares: telegram.DefaultMiddlewares(core, nil),
		Routes:      routes,
		OnStart:     a.start,
		OnStop:      a.stop,
	}, nil
}

func (a *App) start(ctx context.Context, rt telegram.Runtime) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel != nil {
		return errors.New("app: already started")
	}

	var deliver bridge.Deliverer
	if rt.Bot != nil {
		bot := rt.Bot
		deliver = func(userID int64, text string) error {
			_, err := bot.Send(tele.ChatID(userID), text)
			return err
		}
	}
	if rt.Dispatcher != nil && deliver != nil {
		a.bridge.Attach(rt.Dispatcher, deliver)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	g := &errgroup.Group{}
	g.Go(func() error { return a.sup.Run(runCtx) })
	g.Go(func() error { return a.login.Run(runCtx) })
	if a.cfg.Userbot.Watch() {
		g.Go(func() error {
			if err := tasks.Watch(runCtx, a.catalog, 0, a.sup.ReloadTasks); err != nil {
				logger.Error(runCtx, logger.CompTasks, "tasks.watch.fail", slog.String("err", err.Error()))
			}
			return nil
		})
	}
	a.cancel = cancel
	a.workers = g

	logger.Info(ctx, logger.CompSupervisor, "userbots.start",
		slog.String("store", a.cfg.Store.Driver),
		slog.Int("tasks", len(a.catalog.List())),
		slog.Bool("watch_tasks", a.cfg.Userbot.Watch()),
	)
	return nil
}

func (a *App) stop(ctx context.Context, _ telegram.Runtime) error {
	a.mu.Lock()
	cancel, g := a.cancel, a.workers
	a.cancel, a.workers = nil, nil
	a.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	err := g.Wait()
	a.bridge.Detach()
	logger.Info(context.WithoutCancel(ctx), logger.CompSupervisor, "userbots.stop")
	return err
}

// Close stops the workers if they still run and releases the store. It is
// safe to call more than once.
func (a *App) Close() error {
	errs := []error{a.stop(context.Background(), telegram.Runtime{})}
	a.mu.Lock()
	fns := a.closeFns
	a.closeFns = nil
	a.mu.Unlock()
	for _, fn := range fns {
		errs = append(errs, fn())
	}
	return errors.Join(errs...)
}
