// Package storetest holds the behavioural suite every session.Store must pass.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/m3rciful/userbots/userbot/session"
)

// Run exercises newStore against the store contract. newStore must return an empty store.
func Run(t *testing.T, newStore func(t *testing.T) session.Store) {
	t.Run("UpsertGetAll", func(t *testing.T) { testUpsertGetAll(t, newStore(t)) })
	t.Run("GetMissing", func(t *testing.T) { testGetMissing(t, newStore(t)) })
	t.Run("UpdateAtomic", func(t *testing.T) { testUpdateAtomic(t, newStore(t)) })
	t.Run("UpdateAbort", func(t *testing.T) { testUpdateAbort(t, newStore(t)) })
	t.Run("Delete", func(t *testing.T) { testDelete(t, newStore(t)) })
	t.Run("ReturnsCopies", func(t *testing.T) { testReturnsCopies(t, newStore(t)) })
}

func sample(userID int64) session.Record {
	return session.Record{
		UserID:       userID,
		APIID:        12345,
		APISecret:    "abc",
		SessionToken: "tok-1",
		DesiredTasks: map[string]bool{"ping": true},
	}
}

func testUpsertGetAll(t *testing.T, s session.Store) {
	ctx := context.Background()
	require.NoError(t, s.Upsert(ctx, sample(1)))
	pending := sample(2)
	pending.SessionToken = ""
	pending.DesiredTasks = nil
	require.NoError(t, s.Upsert(ctx, pending))

	all, err := s.GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "tok-1", all[1].SessionToken)
	assert.Equal(t, 12345, all[1].APIID)
	assert.Equal(t, []string{"ping"}, all[1].Enabled())
	assert.False(t, all[2].HasToken())
	assert.Empty(t, all[2].Enabled())

	replaced := sample(1)
	replaced.SessionToken = "tok-2"
	replaced.DesiredTasks = map[string]bool{}
	require.NoError(t, s.Upsert(ctx, replaced))
	got, err := s.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "tok-2", got.SessionToken)
	assert.Empty(t, got.Enabled())
}

func testGetMissing(t *testing.T, s session.Store) {
	_, err := s.Get(context.Background(), 404)
	require.ErrorIs(t, err, session.ErrNotFound)

	err = s.Update(context.Background(), 404, session.SetTask("ping", true))
	require.ErrorIs(t, err, session.ErrNotFound)
}

func testUpdateAtomic(t *testing.T, s session.Store) {
	ctx := context.Background()
	rec := sample(7)
	rec.DesiredTasks = nil
	require.NoError(t, s.Upsert(ctx, rec))

	tasks := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
	var wg sync.WaitGroup
	for _, id := range tasks {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			assert.NoError(t, s.Update(ctx, 7, session.SetTask(id, true)))
		}(id)
	}
	wg.Wait()

	got, err := s.Get(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, tasks, got.Enabled())

	require.NoError(t, s.Update(ctx, 7, session.SetTask("c", false)))
	got, err = s.Get(ctx, 7)
	require.NoError(t, err)
	assert.NotContains(t, got.Enabled(), "c")
}

func testUpdateAbort(t *testing.T, s session.Store) {
	ctx := context.Background()
	require.NoError(t, s.Upsert(ctx, sample(3)))
	boom := errors.New("abort")
	err := s.Update(ctx, 3, func(r *session.Record) error {
		r.SessionToken = "changed"
		return boom
	})
	require.ErrorIs(t, err, boom)

	got, err := s.Get(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, "tok-1", got.SessionToken)
}

func testDelete(t *testing.T, s session.Store) {
	ctx := context.Background()
	require.NoError(t, s.Upsert(ctx, sample(5)))
	require.NoError(t, s.Delete(ctx, 5))
	require.NoError(t, s.Delete(ctx, 5), "delete must be idempotent")

	all, err := s.GetAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func testReturnsCopies(t *testing.T, s session.Store) {
	ctx := context.Background()
	require.NoError(t, s.Upsert(ctx, sample(9)))
	got, err := s.Get(ctx, 9)
	require.NoError(t, err)
	got.DesiredTasks["rogue"] = true

	again, err := s.Get(ctx, 9)
	require.NoError(t, err)
	assert.Equal(t, []string{"ping"}, again.Enabled())
}
