package bridge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/m3rciful/userbots/core/telegram/sender"
	"github.com/m3rciful/userbots/userbot/platform"
	"github.com/m3rciful/userbots/userbot/platform/platformtest"
)

func TestRequestReconciliationCoalesces(t *testing.T) {
	b := New(Options{})
	for i := 0; i < 5; i++ {
		b.RequestReconciliation()
	}
	select {
	case <-b.Requests():
	default:
		t.Fatal("expected a pending request")
	}
	select {
	case <-b.Requests():
		t.Fatal("requests were not coalesced")
	default:
	}
}

func TestHandOffFullBufferClosesConn(t *testing.T) {
	net := platformtest.NewNetwork()
	net.AddAccount(platformtest.Account{Phone: "+1"})
	open := func() *platformtest.Conn {
		c, err := net.Open(context.Background(), platform.Credentials{}, net.IssueToken("+1"))
		require.NoError(t, err)
		return c.(*platformtest.Conn)
	}

	b := New(Options{AdoptionBuffer: 1})
	first, second := open(), open()
	assert.True(t, b.HandOff(Adoption{UserID: 1, Token: first.Token(), Conn: first}))
	assert.False(t, b.HandOff(Adoption{UserID: 2, Token: second.Token(), Conn: second}))
	assert.False(t, first.Closed())
	assert.True(t, second.Closed())

	got := <-b.Adoptions()
	assert.Equal(t, int64(1), got.UserID)
	select {
	case <-b.Requests():
	default:
		t.Fatal("dropped hand-off should request reconciliation")
	}
}

type recorder struct {
	mu   sync.Mutex
	sent map[int64][]string
}

func (r *recorder) deliver(userID int64, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sent == nil {
		r.sent = map[int64][]string{}
	}
	r.sent[userID] = append(r.sent[userID], text)
	return nil
}

func (r *recorder) count(userID int64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent[userID])
}

func TestNotifyDeliversThroughDispatcherAndThrottles(t *testing.T) {
	d := sender.NewDispatcher(sender.Options{Workers: 1})
	defer d.Close()
	rec := &recorder{}

	b := New(Options{NotifyPerMinute: 1, NotifyBurst: 2})
	b.Attach(d, rec.deliver)
	for i := 0; i < 4; i++ {
		b.Notify(7, "hello")
	}
	b.Notify(8, "other")

	require.Eventually(t, func() bool { return rec.count(7) == 2 && rec.count(8) == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 2, rec.count(7))
}

type failingQueue struct{ calls int }

func (q *failingQueue) Enqueue(context.Context, string, string, func() error) error {
	q.calls++
	return errors.New("queue full")
}

func TestNotifyDetachedOrFullDoesNotBlock(t *testing.T) {
	b := New(Options{})
	b.Notify(1, "nobody listening")

	q := &failingQueue{}
	b.Attach(q, func(int64, string) error { return nil })
	b.Notify(1, "dropped")
	assert.Equal(t, 1, q.calls)

	b.Detach()
	b.Notify(1, "after detach")
	assert.Equal(t, 1, q.calls)
}

type inlineQueue struct{}

func (inlineQueue) Enqueue(_ context.Context, _, _ string, run func() error) error { return run() }

func TestLimiterSweepKeepsOnlyThrottledUsers(t *testing.T) {
	rec := &recorder{}
	b := New(Options{NotifyPerMinute: 1, NotifyBurst: 1})
	b.sweepAt = 2

	b.Attach(inlineQueue{}, rec.deliver)
	b.Notify(1, "spent")
	b.Detach()
	b.Notify(2, "unused")
	require.Len(t, b.limiters, 2)

	b.Notify(3, "unused")
	assert.Len(t, b.limiters, 2)
	assert.Contains(t, b.limiters, int64(1))
	assert.NotContains(t, b.limiters, int64(2))

	b.Attach(inlineQueue{}, rec.deliver)
	b.Notify(1, "throttled")
	assert.Equal(t, 1, rec.count(1))
}

func TestExpectSettleCounts(t *testing.T) {
	b := New(Options{})
	assert.False(t, b.Expecting(1))

	b.Expect(1)
	b.Expect(1)
	b.Settle(1)
	assert.True(t, b.Expecting(1))
	b.Settle(1)
	assert.False(t, b.Expecting(1))

	b.Settle(1)
	b.Expect(1)
	assert.True(t, b.Expecting(1), "extra settle must not go negative")
	assert.False(t, b.Expecting(2))
}

func TestDroppedHandOffSettlesExpect(t *testing.T) {
	b := New(Options{AdoptionBuffer: 1})
	require.True(t, b.HandOff(Adoption{UserID: 1}))

	b.Expect(2)
	assert.False(t, b.HandOff(Adoption{UserID: 2}))
	assert.False(t, b.Expecting(2))
}
