// Package session defines the durable per-user userbot record and the
// credential store contract the supervisor and the bot handlers share.
package session

import (
	"context"
	"errors"
	"maps"
	"sort"
)

// ErrNotFound is returned when a user has no stored record.
var ErrNotFound = errors.New("session record not found")

// Record is everything needed to reopen a user's connection without interaction.
// SessionToken is empty until authentication completed; such records are never
// handed to the supervisor.
type Record struct {
	UserID       int64
	APIID        int
	APISecret    string
	SessionToken string
	DesiredTasks map[string]bool
}

// HasToken reports whether the record completed authentication.
func (r Record) HasToken() bool {
	return r.SessionToken != ""
}

// Enabled returns the desired task IDs switched on, sorted.
func (r Record) Enabled() []string {
	out := make([]string, 0, len(r.DesiredTasks))
	for id, on := range r.DesiredTasks {
		if on {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Clone returns a deep copy so callers never share the DesiredTasks map.
func (r Record) Clone() Record {
	c := r
	c.DesiredTasks = maps.Clone(r.DesiredTasks)
	if c.DesiredTasks == nil {
		c.DesiredTasks = map[string]bool{}
	}
	return c
}

// Store persists session records keyed by user ID.
//
// Update performs an atomic read-modify-write of one record so concurrent
// toggles from the bot never lose each other's changes. fn receives a copy;
// returning an error aborts without writing.
type Store interface {
	GetAll(ctx context.Context) (map[int64]Record, error)
	Get(ctx context.Context, userID int64) (Record, error)
	Upsert(ctx context.Context, rec Record) error
	Update(ctx context.Context, userID int64, fn func(*Record) error) error
	Delete(ctx context.Context, userID int64) error
}

// SetTask is an Update callback that switches one desired task on or off.
func SetTask(taskID string, on bool) func(*Record) error {
	return func(r *Record) error {
		if r.DesiredTasks == nil {
			r.DesiredTasks = map[string]bool{}
		}
		if on {
			r.DesiredTasks[taskID] = true
		} else {
			delete(r.DesiredTasks, taskID)
		}
		return nil
	}
}
