// Package pgstore persists session records in PostgreSQL via sqlx.
// The schema lives in migrations/ and is applied by core/database.RunMigrations.
package pgstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/m3rciful/userbots/core/logger"
	"github.com/m3rciful/userbots/userbot/session"
	"github.com/m3rciful/userbots/userbot/session/sqlrow"
)

var _ session.Store = (*Store)(nil)

// Store is a session.Store over a postgres pool.
type Store struct {
	db *sqlx.DB
}

// New wraps an already migrated pool.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

const selectColumns = `SELECT ` + sqlrow.Columns + ` FROM userbot_sessions`

func (s *Store) GetAll(ctx context.Context) (map[int64]session.Record, error) {
	start := time.Now()
	var rows []sqlrow.Row
	if err := s.db.SelectContext(ctx, &rows, selectColumns); err != nil {
		return nil, fmt.Errorf("pgstore: get all: %w", err)
	}
	out, err := sqlrow.Records(rows)
	if err != nil {
		return nil, fmt.Errorf("pgstore: %w", err)
	}
	if logger.ShouldSampleDebug() {
		logger.Debug(ctx, logger.CompStore, "store.get_all",
			slog.String("driver", "postgres"),
			slog.Int("records", len(out)),
			slog.Duration("duration", logger.Took(start)),
		)
	}
	return out, nil
}

func (s *Store) Get(ctx context.Context, userID int64) (session.Record, error) {
	var r sqlrow.Row
	err := s.db.GetContext(ctx, &r, selectColumns+` WHERE user_id = $1`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return session.Record{}, session.ErrNotFound
	}
	if err != nil {
		return session.Record{}, fmt.Errorf("pgstore: get %d: %w", userID, err)
	}
	return r.Record()
}

func upsert(ctx context.Context, ex sqlx.ExecerContext, rec session.Record) error {
	tasks, err := sqlrow.EncodeTasks(rec)
	if err != nil {
		return err
	}
	_, err = ex.ExecContext(ctx, `
		INSERT INTO userbot_sessions (user_id, api_id, api_secret, session_token, desired_tasks)
		VALUES ($1, $2, $3, $4, $5::jsonb)
		ON CONFLICT (user_id) DO UPDATE SET
			api_id = EXCLUDED.api_id,
			api_secret = EXCLUDED.api_secret,
			session_token = EXCLUDED.session_token,
			desired_tasks = EXCLUDED.desired_tasks,
			updated_at = now()
	`, rec.UserID, rec.APIID, rec.APISecret, rec.SessionToken, tasks)
	return err
}

func (s *Store) Upsert(ctx context.Context, rec session.Record) error {
	if err := upsert(ctx, s.db, rec); err != nil {
		return fmt.Errorf("pgstore: upsert %d: %w", rec.UserID, err)
	}
	return nil
}

// Update locks the row with SELECT ... FOR UPDATE for the duration of fn.
func (s *Store) Update(ctx context.Context, userID int64, fn func(*session.Record) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("pgstore: begin update: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var r sqlrow.Row
	err = tx.GetContext(ctx, &r, selectColumns+` WHERE user_id = $1 FOR UPDATE`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return session.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("pgstore: read %d: %w", userID, err)
	}
	rec, err := r.Record()
	if err != nil {
		return fmt.Errorf("pgstore: %w", err)
	}
	if err := fn(&rec); err != nil {
		return err
	}
	rec.UserID = userID
	if err := upsert(ctx, tx, rec); err != nil {
		return fmt.Errorf("pgstore: write %d: %w", userID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("pgstore: commit %d: %w", userID, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, userID int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM userbot_sessions WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("pgstore: delete %d: %w", userID, err)
	}
	return nil
}
