package database

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/m3rciful/userbots/core/logger"
	"github.com/m3rciful/userbots/core/telegram/netutil"
)

const (
	pingTimeout      = 5 * time.Second
	connectRetryBase = 500 * time.Millisecond
	connectRetryMax  = 5 * time.Second
)

// Pinger is the part of a pool Connect waits on.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Connect opens the pool and pings it until the server answers or the
// configured connect timeout passes.
func Connect(ctx context.Context, cfg Config) (*sqlx.DB, error) {
	db, err := sqlx.Open("postgres", cfg.URL())
	if err != nil {
		return nil, fmt.Errorf("db open: %w", err)
	}

	wctx, cancel := context.WithTimeout(ctx, cfg.connectTimeout())
	defer cancel()

	start := time.Now()
	attempts, err := WaitReady(wctx, db)
	took := time.Since(start)
	if err != nil {
		_ = db.Close()
		logger.DB.Error("db connect failed",
			slog.String("event", "db.connect"),
			slog.String("host", cfg.Host),
			slog.String("db", cfg.Name),
			slog.Int("attempts", attempts),
			slog.Duration("duration", logger.RoundMS(took)),
			slog.String("err", err.Error()),
		)
		return nil, fmt.Errorf("db connect: %w", err)
	}

	if cfg.MaxConnections > 0 {
		db.SetMaxOpenConns(cfg.MaxConnections)
		db.SetMaxIdleConns(cfg.MaxConnections)
	}
	logger.DB.Info("db connected",
		slog.String("event", "db.connect"),
		slog.String("host", cfg.Host),
		slog.String("port", cfg.Port),
		slog.String("db", cfg.Name),
		slog.Int("pool_open", cfg.MaxConnections),
		slog.Int("attempts", attempts),
		slog.Duration("duration", logger.RoundMS(took)),
	)
	return db, nil
}

// WaitReady pings p with exponential backoff until it succeeds or ctx
// ends. It returns the number of attempts made.
func WaitReady(ctx context.Context, p Pinger) (int, error) {
	for attempt := 1; ; attempt++ {
		pctx, cancel := context.WithTimeout(ctx, pingTimeout)
		err := p.PingContext(pctx)
		cancel()
		if err == nil {
			return attempt, nil
		}
		if ctx.Err() != nil {
			return attempt, fmt.Errorf("%w (last error: %v)", ctx.Err(), err)
		}
		logger.DB.Debug("db not ready",
			slog.String("event", "db.wait"),
			slog.Int("attempt", attempt),
			slog.String("err", err.Error()),
		)
		if err := netutil.Sleep(ctx, netutil.Backoff(attempt, connectRetryBase, connectRetryMax)); err != nil {
			return attempt, err
		}
	}
}
