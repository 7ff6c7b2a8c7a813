package memstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/m3rciful/userbots/userbot/session"
	"github.com/m3rciful/userbots/userbot/session/storetest"
)

func TestStoreContract(t *testing.T) {
	storetest.Run(t, func(*testing.T) session.Store { return New() })
}

func TestSeededRecordsAreCopied(t *testing.T) {
	seed := session.Record{UserID: 1, SessionToken: "tok", DesiredTasks: map[string]bool{"ping": true}}
	s := New(seed)
	seed.DesiredTasks["autoreply"] = true

	got, err := s.Get(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, []string{"ping"}, got.Enabled())
	require.Equal(t, 1, s.Len())
}

func TestCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New().GetAll(ctx)
	require.ErrorIs(t, err, context.Canceled)
}
