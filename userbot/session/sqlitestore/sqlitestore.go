// Package sqlitestore persists session records in an embedded SQLite file.
package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/m3rciful/userbots/core/logger"
	"github.com/m3rciful/userbots/userbot/session"
	"github.com/m3rciful/userbots/userbot/session/sqlrow"
)

// SchemaVersion is written to PRAGMA user_version after the schema applies.
const SchemaVersion = 1

const schemaV1 = `
CREATE TABLE IF NOT EXISTS userbot_sessions (
	user_id       INTEGER PRIMARY KEY,
	api_id        INTEGER NOT NULL,
	api_secret    TEXT NOT NULL,
	session_token TEXT NOT NULL DEFAULT '',
	desired_tasks TEXT NOT NULL DEFAULT '{}',
	created_at    INTEGER NOT NULL,
	updated_at    INTEGER NOT NULL
)`

const selectColumns = `SELECT ` + sqlrow.Columns + ` FROM userbot_sessions`

var _ session.Store = (*Store)(nil)

// Store is a session.Store over a single SQLite database file.
// One pooled connection serializes writers; WAL keeps readers cheap.
type Store struct {
	db *sqlx.DB
}

// Open creates or opens the database at path and applies the schema.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("sqlitestore: mkdir: %w", err)
	}
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)"
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: open: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	logger.STORE.Info("sqlite store ready",
		slog.String("event", "store.open"),
		slog.String("driver", "sqlite"),
		slog.String("path", path),
	)
	return s, nil
}

// Close checkpoints the WAL and closes the database.
func (s *Store) Close() error {
	_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	var version int
	if err := s.db.GetContext(ctx, &version, "PRAGMA user_version"); err != nil {
		return fmt.Errorf("sqlitestore: read user_version: %w", err)
	}
	if version >= SchemaVersion {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlitestore: begin migrate: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, schemaV1); err != nil {
		return fmt.Errorf("sqlitestore: create userbot_sessions: %w", err)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", SchemaVersion)); err != nil {
		return fmt.Errorf("sqlitestore: set user_version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlitestore: commit migrate: %w", err)
	}
	logger.STORE.Info("sqlite schema applied",
		slog.String("event", "store.migrate"),
		slog.Int("from_ver", version),
		slog.Int("to_ver", SchemaVersion),
	)
	return nil
}

func (s *Store) GetAll(ctx context.Context) (map[int64]session.Record, error) {
	var rows []sqlrow.Row
	if err := s.db.SelectContext(ctx, &rows, selectColumns); err != nil {
		return nil, fmt.Errorf("sqlitestore: get all: %w", err)
	}
	out, err := sqlrow.Records(rows)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: %w", err)
	}
	return out, nil
}

func get(ctx context.Context, q sqlx.QueryerContext, userID int64) (session.Record, error) {
	var r sqlrow.Row
	err := sqlx.GetContext(ctx, q, &r, selectColumns+` WHERE user_id = ?`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return session.Record{}, session.ErrNotFound
	}
	if err != nil {
		return session.Record{}, err
	}
	return r.Record()
}

func (s *Store) Get(ctx context.Context, userID int64) (session.Record, error) {
	rec, err := get(ctx, s.db, userID)
	if err != nil && !errors.Is(err, session.ErrNotFound) {
		return session.Record{}, fmt.Errorf("sqlitestore: get %d: %w", userID, err)
	}
	return rec, err
}

func upsert(ctx context.Context, ex sqlx.ExecerContext, rec session.Record) error {
	tasks, err := sqlrow.EncodeTasks(rec)
	if err != nil {
		return err
	}
	now := time.Now().Unix()
	_, err = ex.ExecContext(ctx, `
		INSERT INTO userbot_sessions (user_id, api_id, api_secret, session_token, desired_tasks, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			api_id = excluded.api_id,
			api_secret = excluded.api_secret,
			session_token = excluded.session_token,
			desired_tasks = excluded.desired_tasks,
			updated_at = excluded.updated_at
	`, rec.UserID, rec.APIID, rec.APISecret, rec.SessionToken, tasks, now, now)
	return err
}

func (s *Store) Upsert(ctx context.Context, rec session.Record) error {
	if err := upsert(ctx, s.db, rec); err != nil {
		return fmt.Errorf("sqlitestore: upsert %d: %w", rec.UserID, err)
	}
	return nil
}

// Update runs fn inside one transaction; the single connection keeps other
// writers out until it commits.
func (s *Store) Update(ctx context.Context, userID int64, fn func(*session.Record) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlitestore: begin update: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rec, err := get(ctx, tx, userID)
	if errors.Is(err, session.ErrNotFound) {
		return err
	}
	if err != nil {
		return fmt.Errorf("sqlitestore: read %d: %w", userID, err)
	}
	if err := fn(&rec); err != nil {
		return err
	}
	rec.UserID = userID
	if err := upsert(ctx, tx, rec); err != nil {
		return fmt.Errorf("sqlitestore: write %d: %w", userID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlitestore: commit %d: %w", userID, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, userID int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM userbot_sessions WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("sqlitestore: delete %d: %w", userID, err)
	}
	return nil
}
