package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/m3rciful/userbots/userbot/faults"
	"github.com/m3rciful/userbots/userbot/platform"
)

type serverConn struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func (s *serverConn) send(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ws.WriteJSON(v)
}

type request struct {
	ID     uint64          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

type sidecar struct {
	token    string
	sessions map[string]wireSelf
	password string
	conns    chan *serverConn
}

func newSidecar(t *testing.T) (*sidecar, *httptest.Server) {
	t.Helper()
	sc := &sidecar{
		token:    "secret",
		sessions: map[string]wireSelf{"tok-ok": {ID: 501, FirstName: "Ann", Username: "ann"}},
		conns:    make(chan *serverConn, 8),
	}
	srv := httptest.NewServer(http.HandlerFunc(sc.serve))
	t.Cleanup(srv.Close)
	return sc, srv
}

func wsURL(baseURL string) string {
	return "ws://" + strings.TrimPrefix(baseURL, "http://") + "/v1/session"
}

var upgrader = websocket.Upgrader{}

func (sc *sidecar) serve(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer "+sc.token {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn := &serverConn{ws: ws}
	sc.conns <- conn
	defer ws.Close()
	for {
		var req request
		if err := ws.ReadJSON(&req); err != nil {
			return
		}
		result, werr := sc.answer(req)
		if result == nil && werr == nil {
			continue
		}
		resp := map[string]any{"id": req.ID}
		if werr != nil {
			resp["error"] = werr
		} else {
			resp["result"] = result
		}
		if err := conn.send(resp); err != nil {
			return
		}
	}
}

func (sc *sidecar) answer(req request) (any, *wireError) {
	var p map[string]any
	_ = json.Unmarshal(req.Params, &p)
	switch req.Method {
	case "session.restore":
		self, ok := sc.sessions[p["session"].(string)]
		if !ok {
			return nil, &wireError{Code: "AUTH_KEY_UNREGISTERED"}
		}
		return map[string]any{"self": self}, nil
	case "session.begin":
		return map[string]any{}, nil
	case "auth.send_code":
		if p["phone"] == "slow" {
			return nil, nil
		}
		return map[string]any{"phone_code_hash": "h1"}, nil
	case "auth.sign_in":
		if p["code"] != "11111" || p["phone_code_hash"] != "h1" {
			return nil, &wireError{Code: "PHONE_CODE_INVALID"}
		}
		if sc.password != "" {
			return nil, &wireError{Code: "SESSION_PASSWORD_NEEDED"}
		}
		return map[string]any{"self": wireSelf{ID: 9}}, nil
	case "auth.check_password":
		if p["password"] != sc.password {
			return nil, &wireError{Code: "PASSWORD_HASH_INVALID"}
		}
		return map[string]any{"self": wireSelf{ID: 9, FirstName: "Bob"}}, nil
	case "session.export":
		return map[string]any{"session": "exported-1"}, nil
	case "messages.send":
		return map[string]any{"message_id": 77}, nil
	case "messages.edit":
		return map[string]any{}, nil
	}
	return nil, &wireError{Code: "METHOD_UNKNOWN", Message: req.Method}
}

func newTestDialer(srv *httptest.Server) *Dialer {
	return NewDialer(Config{URL: wsURL(srv.URL), Token: "secret", CallTimeout: 2 * time.Second})
}

func TestOpenRestoresSelfAndDispatchesEvents(t *testing.T) {
	sc, srv := newSidecar(t)
	d := newTestDialer(srv)

	conn, err := d.Open(context.Background(), platform.Credentials{APIID: 1, APISecret: "x"}, "tok-ok")
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, "Ann", conn.Self().DisplayName())
	server := <-sc.conns

	got := make(chan platform.Event, 1)
	conn.On(platform.Filter{Incoming: true}, func(_ context.Context, ev platform.Event) error {
		got <- ev
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- conn.Run(ctx) }()

	require.NoError(t, server.send(map[string]any{
		"event": "message",
		"data":  map[string]any{"message_id": 3, "chat_id": 42, "sender_name": "Eve", "text": "hi", "private": true},
	}))
	select {
	case ev := <-got:
		assert.Equal(t, int64(42), ev.ChatID)
		assert.Equal(t, "hi", ev.Text)
		assert.True(t, ev.Private)
	case <-time.After(2 * time.Second):
		t.Fatal("event not dispatched")
	}

	id, err := conn.SendMessage(context.Background(), 42, "Hello!", 3)
	require.NoError(t, err)
	assert.Equal(t, int64(77), id)
	require.NoError(t, conn.EditMessage(context.Background(), 42, 77, "edited"))

	cancel()
	require.NoError(t, <-runErr)
}

func TestOpenUnknownSessionIsPermanent(t *testing.T) {
	_, srv := newSidecar(t)
	_, err := newTestDialer(srv).Open(context.Background(), platform.Credentials{}, "tok-revoked")
	require.Error(t, err)
	assert.True(t, faults.IsPermanent(err))

	var rpc *RPCError
	require.ErrorAs(t, err, &rpc)
	assert.Equal(t, "AUTH_KEY_UNREGISTERED", rpc.Code())
}

func TestTerminatedEventEndsRunPermanently(t *testing.T) {
	sc, srv := newSidecar(t)
	conn, err := newTestDialer(srv).Open(context.Background(), platform.Credentials{}, "tok-ok")
	require.NoError(t, err)
	defer conn.Close()
	server := <-sc.conns

	require.NoError(t, server.send(map[string]any{
		"event": "session.terminated",
		"error": map[string]string{"code": "USER_DEACTIVATED_BAN"},
	}))
	err = conn.Run(context.Background())
	assert.True(t, faults.IsPermanent(err), "got %v", err)
}

func TestServerDropIsTransient(t *testing.T) {
	sc, srv := newSidecar(t)
	conn, err := newTestDialer(srv).Open(context.Background(), platform.Credentials{}, "tok-ok")
	require.NoError(t, err)
	defer conn.Close()
	server := <-sc.conns

	_ = server.ws.Close()
	err = conn.Run(context.Background())
	require.ErrorIs(t, err, faults.ErrTransient)
}

func TestCloseEndsRunWithErrClosed(t *testing.T) {
	_, srv := newSidecar(t)
	conn, err := newTestDialer(srv).Open(context.Background(), platform.Credentials{}, "tok-ok")
	require.NoError(t, err)
	require.NoError(t, conn.Close())
	require.ErrorIs(t, conn.Run(context.Background()), platform.ErrClosed)
}

func TestLoginWithSecondFactor(t *testing.T) {
	sc, srv := newSidecar(t)
	sc.password = "pw"
	login, err := newTestDialer(srv).Begin(context.Background(), platform.Credentials{APIID: 12345, APISecret: "abc"})
	require.NoError(t, err)
	defer login.Close()

	req, err := login.SendCode(context.Background(), "+10000000000")
	require.NoError(t, err)
	assert.Equal(t, "h1", req.Hash)

	require.ErrorIs(t, login.SignIn(context.Background(), "+10000000000", "00000", req), faults.ErrCodeInvalid)
	require.ErrorIs(t, login.SignIn(context.Background(), "+10000000000", "11111", req), faults.ErrPasswordRequired)
	require.ErrorIs(t, login.CheckPassword(context.Background(), "nope"), faults.ErrPasswordInvalid)
	require.NoError(t, login.CheckPassword(context.Background(), "pw"))

	tok, err := login.ExportSession(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "exported-1", tok)
	assert.Equal(t, "Bob", login.Conn().Self().DisplayName())
}

func TestCallRespectsContextDeadline(t *testing.T) {
	_, srv := newSidecar(t)
	login, err := newTestDialer(srv).Begin(context.Background(), platform.Credentials{})
	require.NoError(t, err)
	defer login.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = login.SendCode(ctx, "slow")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHandshakeRejectedIsNotTransient(t *testing.T) {
	_, srv := newSidecar(t)
	d := NewDialer(Config{URL: wsURL(srv.URL), Token: "wrong"})
	_, err := d.Open(context.Background(), platform.Credentials{}, "tok-ok")
	require.Error(t, err)
	assert.False(t, errors.Is(err, faults.ErrTransient))
}

func TestDialFailureIsTransient(t *testing.T) {
	_, srv := newSidecar(t)
	url := wsURL(srv.URL)
	srv.Close()
	_, err := NewDialer(Config{URL: url}).Open(context.Background(), platform.Credentials{}, "tok-ok")
	require.ErrorIs(t, err, faults.ErrTransient)
}

func TestMapError(t *testing.T) {
	assert.True(t, faults.IsPermanent(mapError(&wireError{Code: "session_revoked"})))
	assert.ErrorIs(t, mapError(&wireError{Code: "FLOOD_WAIT_30"}), faults.ErrTransient)
	assert.ErrorIs(t, mapError(&wireError{Code: "PHONE_CODE_EXPIRED"}), faults.ErrCodeInvalid)
	assert.Equal(t, faults.ClassUnknown, faults.Classify(mapError(&wireError{Code: "PHONE_NUMBER_INVALID"})))
}
