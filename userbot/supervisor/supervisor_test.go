package supervisor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/m3rciful/userbots/userbot/bridge"
	"github.com/m3rciful/userbots/userbot/faults"
	"github.com/m3rciful/userbots/userbot/platform"
	"github.com/m3rciful/userbots/userbot/platform/platformtest"
	"github.com/m3rciful/userbots/userbot/session"
	"github.com/m3rciful/userbots/userbot/session/memstore"
	"github.com/m3rciful/userbots/userbot/tasks"
)

const (
	waitFor = 3 * time.Second
	tick    = 5 * time.Millisecond
)

type counter struct {
	d        tasks.Descriptor
	fail     bool
	attaches *atomic.Int32
}

func (p *counter) Descriptor() tasks.Descriptor { return p.d }

func (p *counter) Attach(conn platform.Conn, _ tasks.Notifier, _ int64) error {
	p.attaches.Add(1)
	conn.On(platform.Filter{}, func(context.Context, platform.Event) error { return nil })
	if p.fail {
		return errors.New("attach refused")
	}
	return nil
}

func newRegistry(t *testing.T, attaches *atomic.Int32) *tasks.Registry {
	t.Helper()
	root := t.TempDir()
	for dir, kind := range map[string]string{"counter": "counter", "second": "counter", "explode": "explode"} {
		require.NoError(t, os.MkdirAll(filepath.Join(root, dir), 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(root, dir, "task.yaml"), []byte("kind: "+kind+"\n"), 0o644))
	}
	r, err := tasks.NewRegistry(root, tasks.Kinds{
		"counter": func(d tasks.Descriptor, _ map[string]any) (tasks.Module, error) {
			return &counter{d: d, attaches: attaches}, nil
		},
		"explode": func(d tasks.Descriptor, _ map[string]any) (tasks.Module, error) {
			return &counter{d: d, fail: true, attaches: attaches}, nil
		},
	})
	require.NoError(t, err)
	_, err = r.Load(context.Background())
	require.NoError(t, err)
	return r
}

type syncQueue struct{}

func (syncQueue) Enqueue(_ context.Context, _, _ string, run func() error) error { return run() }

type inbox struct {
	mu   sync.Mutex
	msgs map[int64][]string
}

func (in *inbox) deliver(userID int64, text string) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.msgs == nil {
		in.msgs = map[int64][]string{}
	}
	in.msgs[userID] = append(in.msgs[userID], text)
	return nil
}

func (in *inbox) get(userID int64) []string {
	in.mu.Lock()
	defer in.mu.Unlock()
	return append([]string(nil), in.msgs[userID]...)
}

type fixture struct {
	t        *testing.T
	net      *platformtest.Network
	store    *memstore.Store
	reg      *tasks.Registry
	bridge   *bridge.Bridge
	inbox    *inbox
	sup      *Supervisor
	attaches atomic.Int32
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		t:      t,
		net:    platformtest.NewNetwork(),
		store:  memstore.New(),
		bridge: bridge.New(bridge.Options{}),
		inbox:  &inbox{},
	}
	f.reg = newRegistry(t, &f.attaches)
	f.bridge.Attach(syncQueue{}, f.inbox.deliver)
	sup, err := New(Options{
		Store:     f.store,
		Dialer:    f.net,
		Tasks:     f.reg,
		Bridge:    f.bridge,
		Interval:  time.Hour,
		RetryBase: 250 * time.Millisecond,
		RetryMax:  time.Second,
	})
	require.NoError(t, err)
	f.sup = sup
	return f
}

// account registers a user on the fake network and returns a valid token.
func (f *fixture) account(userID int64, phone string) string {
	f.net.AddAccount(platformtest.Account{Phone: phone, Self: platform.Self{ID: userID, FirstName: phone}})
	return f.net.IssueToken(phone)
}

func (f *fixture) put(userID int64, token string, enabled ...string) {
	rec := session.Record{UserID: userID, APIID: 12345, APISecret: "abc", SessionToken: token, DesiredTasks: map[string]bool{}}
	for _, id := range enabled {
		rec.DesiredTasks[id] = true
	}
	require.NoError(f.t, f.store.Upsert(context.Background(), rec))
}

func (f *fixture) start() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.sup.Run(ctx) }()
	f.t.Cleanup(func() {
		cancel()
		require.NoError(f.t, <-done)
		assert.Empty(f.t, f.net.LiveConns(), "connections left open after shutdown")
	})
}

func (f *fixture) reconcile() {
	f.t.Helper()
	require.NoError(f.t, f.sup.ReconcileNow(context.Background()))
}

func (f *fixture) snapshot() []HandleInfo {
	f.t.Helper()
	out, err := f.sup.Snapshot(context.Background())
	require.NoError(f.t, err)
	return out
}

func (f *fixture) handle(userID int64) (HandleInfo, bool) {
	f.t.Helper()
	hi, ok, err := f.sup.Lookup(context.Background(), userID)
	require.NoError(f.t, err)
	return hi, ok
}

func (f *fixture) eventuallyState(userID int64, want State) {
	f.t.Helper()
	require.Eventually(f.t, func() bool {
		hi, ok := f.handle(userID)
		return ok && hi.State == want
	}, waitFor, tick)
}

func (f *fixture) liveConn(token string) *platformtest.Conn {
	f.t.Helper()
	for _, c := range f.net.LiveConns() {
		if c.Token() == token {
			return c
		}
	}
	f.t.Fatalf("no live connection for %s", token)
	return nil
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
}

func TestConvergesToOneHandlePerTokenedRecord(t *testing.T) {
	f := newFixture(t)
	f.put(1, f.account(1, "+1"))
	f.put(2, f.account(2, "+2"))
	f.put(3, "")
	f.start()

	f.reconcile()
	snap := f.snapshot()
	require.Len(t, snap, 2)
	for _, hi := range snap {
		assert.Equal(t, StateLive, hi.State)
	}
	assert.Equal(t, int64(1), snap[0].UserID)
	assert.Equal(t, "+1", snap[0].Account)

	f.bridge.RequestReconciliation()
	f.bridge.RequestReconciliation()
	f.reconcile()
	f.reconcile()
	assert.Equal(t, 2, f.net.Opens())
	assert.Len(t, f.net.LiveConns(), 2)
	assert.Len(t, f.snapshot(), 2)
}

func TestToggleConvergesWithoutReconnect(t *testing.T) {
	f := newFixture(t)
	tok := f.account(1, "+1")
	f.put(1, tok, "counter")
	f.start()
	f.reconcile()

	conn := f.liveConn(tok)
	hi, _ := f.handle(1)
	assert.Equal(t, []string{"counter"}, hi.Tasks)
	assert.Equal(t, 1, conn.Len())

	ctx := context.Background()
	require.NoError(t, f.store.Update(ctx, 1, session.SetTask("counter", false)))
	require.NoError(t, f.store.Update(ctx, 1, session.SetTask("second", true)))
	f.reconcile()
	hi, _ = f.handle(1)
	assert.Equal(t, []string{"second"}, hi.Tasks)
	assert.Equal(t, 1, conn.Len())

	require.NoError(t, f.store.Update(ctx, 1, session.SetTask("second", false)))
	f.reconcile()
	assert.Zero(t, conn.Len())

	require.NoError(t, f.store.Update(ctx, 1, session.SetTask("counter", true)))
	f.reconcile()
	assert.Equal(t, 1, conn.Len())
	assert.False(t, conn.Closed())
	assert.Equal(t, 1, f.net.Opens())
}

func TestAttachFailureSkipsOnlyThatTask(t *testing.T) {
	f := newFixture(t)
	tok := f.account(1, "+1")
	f.put(1, tok, "explode", "counter", "not-registered")
	f.start()
	f.reconcile()

	hi, ok := f.handle(1)
	require.True(t, ok)
	assert.Equal(t, StateLive, hi.State)
	assert.Equal(t, []string{"counter"}, hi.Tasks)
	assert.Equal(t, 1, f.liveConn(tok).Len())

	f.reconcile()
	assert.Equal(t, 1, f.liveConn(tok).Len())
}

func TestPermanentOpenFailureDeletesRecord(t *testing.T) {
	f := newFixture(t)
	f.put(1, "tok-never-issued", "counter")
	f.start()
	f.reconcile()

	_, err := f.store.Get(context.Background(), 1)
	require.ErrorIs(t, err, session.ErrNotFound)
	assert.Empty(t, f.snapshot())
	assert.Equal(t, []string{RevokedNotice}, f.inbox.get(1))

	f.reconcile()
	assert.Equal(t, 1, f.net.Opens())
}

func TestLiveInvalidationRemovesRecord(t *testing.T) {
	f := newFixture(t)
	tok := f.account(1, "+1")
	f.put(1, tok)
	f.start()
	f.reconcile()
	conn := f.liveConn(tok)

	f.net.Revoke(tok)
	require.Eventually(t, func() bool {
		_, ok := f.handle(1)
		return !ok
	}, waitFor, tick)
	_, err := f.store.Get(context.Background(), 1)
	require.ErrorIs(t, err, session.ErrNotFound)
	assert.True(t, conn.Closed())
	assert.Equal(t, []string{RevokedNotice}, f.inbox.get(1))
}

func TestTransientOpenFailureBacksOffThenRecovers(t *testing.T) {
	f := newFixture(t)
	tok := f.account(1, "+1")
	f.put(1, tok, "counter")
	f.net.FailOpen(tok, faults.Transient(errors.New("network unreachable")))
	f.start()
	f.reconcile()

	hi, ok := f.handle(1)
	require.True(t, ok)
	assert.Equal(t, StateFailed, hi.State)
	assert.Equal(t, 1, hi.Failures)
	assert.Contains(t, hi.LastError, "network unreachable")
	_, err := f.store.Get(context.Background(), 1)
	require.NoError(t, err)

	f.reconcile()
	assert.Equal(t, 1, f.net.Opens(), "retry before backoff elapsed")

	f.net.FailOpen(tok, nil)
	f.eventuallyState(1, StateLive)
	hi, _ = f.handle(1)
	assert.Zero(t, hi.Failures)
	assert.Equal(t, []string{"counter"}, hi.Tasks)
	assert.Equal(t, 2, f.net.Opens())
}

func TestOpenTimeoutIsTransient(t *testing.T) {
	f := newFixture(t)
	tok := f.account(1, "+1")
	f.put(1, tok)
	f.net.FailOpen(tok, context.DeadlineExceeded)
	f.start()
	f.reconcile()

	hi, ok := f.handle(1)
	require.True(t, ok)
	assert.Equal(t, StateFailed, hi.State)
	_, err := f.store.Get(context.Background(), 1)
	require.NoError(t, err)
}

func TestDroppedConnectionReconnects(t *testing.T) {
	f := newFixture(t)
	tok := f.account(1, "+1")
	f.put(1, tok, "counter")
	f.start()
	f.reconcile()
	first := f.liveConn(tok)

	first.Disconnect(faults.Transient(errors.New("connection reset")))
	require.Eventually(t, func() bool { return f.net.Opens() == 2 }, waitFor, tick)
	f.eventuallyState(1, StateLive)
	assert.True(t, first.Closed())
	second := f.liveConn(tok)
	assert.NotSame(t, first, second)
	assert.Equal(t, 1, second.Len())
}

func TestRemovedRecordClosesHandle(t *testing.T) {
	f := newFixture(t)
	tok := f.account(1, "+1")
	f.put(1, tok)
	f.start()
	f.reconcile()
	conn := f.liveConn(tok)

	require.NoError(t, f.store.Delete(context.Background(), 1))
	f.bridge.RequestReconciliation()
	require.Eventually(t, func() bool { return len(f.snapshot()) == 0 }, waitFor, tick)
	assert.True(t, conn.Closed())
}

func TestTokenChangeReplacesHandle(t *testing.T) {
	f := newFixture(t)
	oldTok := f.account(1, "+1")
	f.put(1, oldTok)
	f.start()
	f.reconcile()
	old := f.liveConn(oldTok)

	newTok := f.net.IssueToken("+1")
	f.put(1, newTok)
	f.reconcile()
	assert.True(t, old.Closed())
	assert.False(t, f.liveConn(newTok).Closed())
	assert.Len(t, f.snapshot(), 1)
}

// authorize runs a login against the fake network and returns the exported
// token with the connection the login left open.
func (f *fixture) authorize(userID int64, phone string) (string, platform.Conn) {
	f.t.Helper()
	f.net.AddAccount(platformtest.Account{Phone: phone, Code: "11111", Self: platform.Self{ID: userID, FirstName: "Ann"}})
	ctx := context.Background()
	login, err := f.net.Begin(ctx, platform.Credentials{APIID: 12345, APISecret: "abc"})
	require.NoError(f.t, err)
	req, err := login.SendCode(ctx, phone)
	require.NoError(f.t, err)
	require.NoError(f.t, login.SignIn(ctx, phone, "11111", req))
	tok, err := login.ExportSession(ctx)
	require.NoError(f.t, err)
	return tok, login.Conn()
}

func TestAdoptionSkipsReconnect(t *testing.T) {
	f := newFixture(t)
	f.start()
	f.reconcile()
	tok, conn := f.authorize(1, "+1")

	// Same order as the login flow: announce, store, then hand off. A pass
	// landing between the store write and the hand-off must not dial.
	f.bridge.Expect(1)
	f.put(1, tok, "counter")
	f.reconcile()
	_, found := f.handle(1)
	assert.False(t, found)

	require.True(t, f.bridge.HandOff(bridge.Adoption{UserID: 1, Token: tok, Conn: conn}))
	f.eventuallyState(1, StateLive)
	f.reconcile()

	assert.Zero(t, f.net.Opens())
	assert.Len(t, f.net.Conns(), 1)
	assert.False(t, f.bridge.Expecting(1))
	hi, _ := f.handle(1)
	assert.Equal(t, "Ann", hi.Account)
	assert.Equal(t, []string{"counter"}, hi.Tasks)
}

func TestQueuedAdoptionPrecedesDialing(t *testing.T) {
	f := newFixture(t)
	tok, conn := f.authorize(1, "+1")
	f.put(1, tok)
	require.True(t, f.bridge.HandOff(bridge.Adoption{UserID: 1, Token: tok, Conn: conn}))

	f.start()
	f.reconcile()
	f.eventuallyState(1, StateLive)
	assert.Zero(t, f.net.Opens())
	assert.False(t, conn.(*platformtest.Conn).Closed())
	assert.Len(t, f.net.LiveConns(), 1)
}

func TestDroppedHandOffFallsBackToStoredToken(t *testing.T) {
	f := newFixture(t)
	f.bridge = bridge.New(bridge.Options{AdoptionBuffer: 1})
	f.sup.opts.Bridge = f.bridge
	tok, conn := f.authorize(1, "+1")
	require.True(t, f.bridge.HandOff(bridge.Adoption{UserID: 2, Token: "tok-x", Conn: nil}))

	f.bridge.Expect(1)
	f.put(1, tok)
	require.False(t, f.bridge.HandOff(bridge.Adoption{UserID: 1, Token: tok, Conn: conn}))
	assert.False(t, f.bridge.Expecting(1))

	f.start()
	f.reconcile()
	f.eventuallyState(1, StateLive)
	assert.Equal(t, 1, f.net.Opens())
}

func TestAdoptionWithStaleTokenIsRejected(t *testing.T) {
	f := newFixture(t)
	tok := f.account(1, "+1")
	f.put(1, tok)
	f.start()
	f.reconcile()

	stray, err := f.net.Open(context.Background(), platform.Credentials{}, f.net.IssueToken("+1"))
	require.NoError(t, err)
	f.bridge.HandOff(bridge.Adoption{UserID: 1, Token: "tok-other", Conn: stray})
	require.Eventually(t, func() bool { return stray.(*platformtest.Conn).Closed() }, waitFor, tick)
	assert.False(t, f.liveConn(tok).Closed())
}

func TestReloadTasksReattaches(t *testing.T) {
	f := newFixture(t)
	tok := f.account(1, "+1")
	f.put(1, tok, "counter")
	f.start()
	f.reconcile()
	conn := f.liveConn(tok)

	require.Equal(t, int32(1), f.attaches.Load())

	f.sup.ReloadTasks()
	require.Eventually(t, func() bool {
		return f.attaches.Load() == 2 && conn.Len() == 1
	}, waitFor, tick)
	f.reconcile()
	assert.Equal(t, 1, conn.Len())
	assert.Equal(t, int32(2), f.attaches.Load())
	assert.Equal(t, 1, f.net.Opens())
}

func TestReloadTasksQueuesAtMostOne(t *testing.T) {
	f := newFixture(t)
	for range 3 {
		f.sup.ReloadTasks()
	}
	assert.Len(t, f.sup.reloads, 1)
}

func TestStoppedSupervisorRejectsCalls(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.sup.Run(ctx) }()
	cancel()
	require.NoError(t, <-done)

	require.ErrorIs(t, f.sup.ReconcileNow(context.Background()), ErrStopped)
	_, err := f.sup.Snapshot(context.Background())
	require.ErrorIs(t, err, ErrStopped)
}

