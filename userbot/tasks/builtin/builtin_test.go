package builtin

import (
	"context"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/m3rciful/userbots/userbot/platform"
	"github.com/m3rciful/userbots/userbot/platform/platformtest"
	"github.com/m3rciful/userbots/userbot/tasks"
)

type notes struct {
	mu   sync.Mutex
	msgs []string
}

func (n *notes) Notify(_ int64, text string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.msgs = append(n.msgs, text)
}

func (n *notes) all() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.msgs...)
}

func openConn(t *testing.T) *platformtest.Conn {
	t.Helper()
	net := platformtest.NewNetwork()
	net.AddAccount(platformtest.Account{Phone: "+1", Self: platform.Self{ID: 1, FirstName: "Ann"}})
	c, err := net.Open(context.Background(), platform.Credentials{}, net.IssueToken("+1"))
	require.NoError(t, err)
	conn := c.(*platformtest.Conn)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = conn.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return conn
}

func waitSent(t *testing.T, conn *platformtest.Conn, n int) []platformtest.Message {
	t.Helper()
	require.Eventually(t, func() bool { return len(conn.Sent()) >= n }, 2*time.Second, 5*time.Millisecond)
	return conn.Sent()
}

func TestAutoReplyAnswersTriggerAndNotifies(t *testing.T) {
	mod, err := newAutoReply(tasks.Descriptor{ID: "autoreply"}, nil)
	require.NoError(t, err)
	conn := openConn(t)
	n := &notes{}
	require.NoError(t, mod.Attach(conn, n, 42))

	conn.Inject(platform.Event{MessageID: 1, ChatID: 9, Text: "hello there", Private: true})
	conn.Inject(platform.Event{MessageID: 2, ChatID: 9, Text: "HI", Private: false})
	conn.Inject(platform.Event{MessageID: 3, ChatID: 9, Text: "hi", Private: true, Outgoing: true})
	conn.Inject(platform.Event{MessageID: 4, ChatID: 9, SenderName: "Eve", Text: " Hi ", Private: true})

	sent := waitSent(t, conn, 1)
	require.Len(t, sent, 1)
	assert.Equal(t, int64(4), sent[0].ReplyTo)
	assert.Equal(t, defaultAutoReplyText, sent[0].Text)

	require.Eventually(t, func() bool { return len(n.all()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Contains(t, n.all()[0], "Eve")
}

func TestAutoReplyParams(t *testing.T) {
	mod, err := newAutoReply(tasks.Descriptor{ID: "a"}, map[string]any{
		"trigger": "ping", "reply": "pong", "notify": false, "private_only": false,
	})
	require.NoError(t, err)
	conn := openConn(t)
	n := &notes{}
	require.NoError(t, mod.Attach(conn, n, 1))

	conn.Inject(platform.Event{MessageID: 5, ChatID: 3, Text: "PING"})
	sent := waitSent(t, conn, 1)
	assert.Equal(t, "pong", sent[0].Text)
	assert.Empty(t, n.all())

	_, err = newAutoReply(tasks.Descriptor{}, map[string]any{"trigger": 5})
	assert.Error(t, err)
	_, err = newAutoReply(tasks.Descriptor{}, map[string]any{"trigger": "  "})
	assert.Error(t, err)
	_, err = newAutoReply(tasks.Descriptor{}, map[string]any{"notify": "yes"})
	assert.Error(t, err)
}

func TestPingEditsOwnCommand(t *testing.T) {
	mod, err := newPing(tasks.Descriptor{ID: "ping", Label: "Connection tester"}, nil)
	require.NoError(t, err)
	conn := openConn(t)
	require.NoError(t, mod.Attach(conn, nil, 1))

	conn.Inject(platform.Event{MessageID: 10, ChatID: 5, Text: ".test"})
	conn.Inject(platform.Event{MessageID: 11, ChatID: 5, Text: ".test", Outgoing: true})

	sent := waitSent(t, conn, 2)
	require.Len(t, sent, 2)
	for _, m := range sent {
		assert.True(t, m.Edit)
		assert.Equal(t, int64(11), m.ID)
	}
	assert.Equal(t, "📡 Ping...", sent[0].Text)
	assert.True(t, strings.Contains(sent[1].Text, "Ann"))
	assert.Contains(t, sent[1].Text, "Connection tester")
}

func TestPingCustomCommandIsLiteral(t *testing.T) {
	mod, err := newPing(tasks.Descriptor{ID: "ping"}, map[string]any{"command": "!p.g"})
	require.NoError(t, err)
	p := mod.(*ping)
	assert.True(t, p.pattern.MatchString("!p.g"))
	assert.False(t, p.pattern.MatchString("!pxg"))

	_, err = newPing(tasks.Descriptor{}, map[string]any{"command": ""})
	assert.Error(t, err)
}

func TestShippedManifestsLoad(t *testing.T) {
	_, file, _, ok := runtime.Caller(0)
	require.True(t, ok)
	dir := filepath.Join(filepath.Dir(file), "..", "..", "..", "tasks")

	r, err := tasks.NewRegistry(dir, Kinds())
	require.NoError(t, err)
	n, err := r.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.True(t, r.Has("autoreply"))
	assert.True(t, r.Has("ping"))
}
