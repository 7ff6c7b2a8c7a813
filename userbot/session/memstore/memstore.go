// Package memstore is an in-memory session.Store used by tests and the
// "memory" store driver.
package memstore

import (
	"context"
	"sync"

	"github.com/m3rciful/userbots/userbot/session"
)

var _ session.Store = (*Store)(nil)

type Store struct {
	lock    sync.RWMutex
	records map[int64]session.Record
}

func New(records ...session.Record) *Store {
	s := &Store{records: make(map[int64]session.Record)}
	for _, r := range records {
		s.records[r.UserID] = r.Clone()
	}
	return s
}

func (s *Store) GetAll(ctx context.Context) (map[int64]session.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.lock.RLock()
	defer s.lock.RUnlock()

	out := make(map[int64]session.Record, len(s.records))
	for id, r := range s.records {
		out[id] = r.Clone()
	}
	return out, nil
}

func (s *Store) Get(ctx context.Context, userID int64) (session.Record, error) {
	if err := ctx.Err(); err != nil {
		return session.Record{}, err
	}
	s.lock.RLock()
	defer s.lock.RUnlock()

	r, ok := s.records[userID]
	if !ok {
		return session.Record{}, session.ErrNotFound
	}
	return r.Clone(), nil
}

func (s *Store) Upsert(ctx context.Context, rec session.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.lock.Lock()
	defer s.lock.Unlock()

	s.records[rec.UserID] = rec.Clone()
	return nil
}

func (s *Store) Update(ctx context.Context, userID int64, fn func(*session.Record) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.lock.Lock()
	defer s.lock.Unlock()

	cur, ok := s.records[userID]
	if !ok {
		return session.ErrNotFound
	}
	next := cur.Clone()
	if err := fn(&next); err != nil {
		return err
	}
	next.UserID = userID
	s.records[userID] = next
	return nil
}

// Delete is idempotent: removing an absent record is not an error.
func (s *Store) Delete(ctx context.Context, userID int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.lock.Lock()
	defer s.lock.Unlock()

	delete(s.records, userID)
	return nil
}

// Len reports the number of stored records.
func (s *Store) Len() int {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return len(s.records)
}
