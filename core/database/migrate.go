package database

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"

	"github.com/m3rciful/userbots/core/logger"
	"github.com/m3rciful/userbots/migrations"
)

// RunMigrations applies pending up migrations over a dedicated connection
// from db. The pool stays open afterwards.
func RunMigrations(ctx context.Context, db *sqlx.DB, cfg Config) error {
	fsys, origin, err := migrationSource(cfg)
	if err != nil {
		logger.MIG.Error("migrations source failed",
			slog.String("event", "resolve"),
			slog.String("err", err.Error()),
		)
		return err
	}
	files := listMigrationFiles(fsys)
	args := []any{
		slog.String("event", "resolve"),
		slog.String("source", origin),
		slog.Int("files_total", len(files)),
	}
	if preview, truncated := logger.SummarizeStrings(files, 6); preview != "" {
		args = append(args, slog.String("files_preview", preview), slog.Bool("files_truncated", truncated))
	}
	logger.MIG.Debug("migrations resolved", args...)

	m, err := newMigrator(ctx, db, fsys)
	if err != nil {
		logger.MIG.Error("init failed",
			slog.String("event", "init"),
			slog.String("err", err.Error()),
		)
		return fmt.Errorf("init migrations: %w", err)
	}
	defer func() {
		if srcErr, dbErr := m.Close(); srcErr != nil || dbErr != nil {
			logger.MIG.Warn("close failed",
				slog.String("event", "close"),
				slog.Any("source_err", srcErr),
				slog.Any("db_err", dbErr),
			)
		}
	}()

	from, err := version(m)
	if err != nil {
		return err
	}

	start := time.Now()
	upErr := m.Up()
	took := time.Since(start)
	if upErr != nil && !errors.Is(upErr, migrate.ErrNoChange) {
		logger.MIG.Error("migration failed",
			slog.String("event", "apply"),
			slog.Uint64("from_ver", uint64(from)),
			slog.Duration("duration", logger.RoundMS(took)),
			slog.String("err", upErr.Error()),
		)
		return fmt.Errorf("apply migrations: %w", upErr)
	}

	to, err := version(m)
	if err != nil {
		return err
	}
	applied := selectApplied(files, uint64(from), uint64(to))
	if preview, truncated := logger.SummarizeStrings(applied, 6); preview != "" {
		logger.MIG.Debug("applied files",
			slog.String("event", "apply"),
			slog.String("files_preview", preview),
			slog.Bool("files_truncated", truncated),
		)
	}
	logger.MIG.Info("migrations summary",
		slog.String("event", "summary"),
		slog.Uint64("from_ver", uint64(from)),
		slog.Uint64("to_ver", uint64(to)),
		slog.Int("files", len(applied)),
		slog.Duration("duration", logger.RoundMS(took)),
	)
	return nil
}

// migrationSource picks the configured directory or the embedded schema.
func migrationSource(cfg Config) (fs.FS, string, error) {
	dir, err := cfg.migrationsDir()
	if err != nil {
		return nil, "", err
	}
	if dir == "" {
		return migrations.FS, "embedded", nil
	}
	if st, err := os.Stat(dir); err != nil {
		return nil, "", fmt.Errorf("migrations dir: %w", err)
	} else if !st.IsDir() {
		return nil, "", fmt.Errorf("migrations dir %s is not a directory", dir)
	}
	return os.DirFS(dir), dir, nil
}

func newMigrator(ctx context.Context, db *sqlx.DB, fsys fs.FS) (*migrate.Migrate, error) {
	src, err := iofs.New(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("open source: %w", err)
	}
	conn, err := db.Conn(ctx)
	if err != nil {
		_ = src.Close()
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	// WithConnection leaves the pool itself open on Close.
	drv, err := postgres.WithConnection(ctx, conn, &postgres.Config{})
	if err != nil {
		_ = src.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("postgres driver: %w", err)
	}
	return migrate.NewWithInstance("iofs", src, "postgres", drv)
}

func version(m *migrate.Migrate) (uint, error) {
	v, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	if dirty {
		return v, fmt.Errorf("schema version %d is dirty; fix it by hand and force the version", v)
	}
	return v, nil
}

func listMigrationFiles(fsys fs.FS) []string {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".up.sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names
}

func parseVersion(name string) uint64 {
	head, _, _ := strings.Cut(name, "_")
	v, _ := strconv.ParseUint(head, 10, 64)
	return v
}

// selectApplied returns the files with from < version <= to.
func selectApplied(files []string, from, to uint64) []string {
	var out []string
	for _, f := range files {
		if v := parseVersion(f); v > from && v <= to {
			out = append(out, f)
		}
	}
	return out
}
