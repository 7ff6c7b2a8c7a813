// Package gateway implements platform.Dialer over a WebSocket connection to an
// MTProto gateway sidecar. Each user connection is one WebSocket carrying JSON
// request/response frames and pushed message events.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/m3rciful/userbots/core/logger"
	"github.com/m3rciful/userbots/userbot/faults"
	"github.com/m3rciful/userbots/userbot/platform"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultCallTimeout      = 30 * time.Second
	writeTimeout            = 10 * time.Second
	eventBuffer             = 256
)

// Config configures the gateway endpoint.
type Config struct {
	URL              string
	Token            string
	HandshakeTimeout time.Duration
	CallTimeout      time.Duration
}

var _ platform.Dialer = (*Dialer)(nil)

// Dialer opens gateway-backed connections.
type Dialer struct {
	cfg Config
	ws  *websocket.Dialer
}

func NewDialer(cfg Config) *Dialer {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}
	return &Dialer{
		cfg: cfg,
		ws: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
	}
}

type credentialParams struct {
	APIID   int    `json:"api_id"`
	APIHash string `json:"api_hash"`
	Session string `json:"session,omitempty"`
}

type selfResult struct {
	Self wireSelf `json:"self"`
}

type wireSelf struct {
	ID        int64  `json:"id"`
	FirstName string `json:"first_name"`
	Username  string `json:"username"`
}

func (s wireSelf) toSelf() platform.Self {
	return platform.Self{ID: s.ID, FirstName: s.FirstName, Username: s.Username}
}

// Open restores a session from its exported token.
func (d *Dialer) Open(ctx context.Context, creds platform.Credentials, token string) (platform.Conn, error) {
	c, err := d.connect(ctx)
	if err != nil {
		return nil, err
	}
	var res selfResult
	params := credentialParams{APIID: creds.APIID, APIHash: creds.APISecret, Session: token}
	if err := c.call(ctx, "session.restore", params, &res); err != nil {
		_ = c.Close()
		return nil, err
	}
	c.setSelf(res.Self.toSelf())
	logger.GATE.Debug("session restored",
		slog.String("event", "gateway.restore"),
		slog.Int64("account_id", res.Self.ID),
	)
	return c, nil
}

// Begin opens an unauthenticated connection for an interactive login.
func (d *Dialer) Begin(ctx context.Context, creds platform.Credentials) (platform.LoginConn, error) {
	c, err := d.connect(ctx)
	if err != nil {
		return nil, err
	}
	params := credentialParams{APIID: creds.APIID, APIHash: creds.APISecret}
	if err := c.call(ctx, "session.begin", params, nil); err != nil {
		_ = c.Close()
		return nil, err
	}
	return &loginConn{conn: c}, nil
}

func (d *Dialer) connect(ctx context.Context) (*Conn, error) {
	if strings.TrimSpace(d.cfg.URL) == "" {
		return nil, errors.New("gateway: url not configured")
	}
	header := http.Header{}
	if d.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+d.cfg.Token)
	}
	ws, resp, err := d.ws.DialContext(ctx, d.cfg.URL, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("gateway: handshake rejected: %s", resp.Status)
		}
		return nil, faults.Transient(fmt.Errorf("gateway: dial: %w", err))
	}
	c := &Conn{
		ws:          ws,
		callTimeout: d.cfg.CallTimeout,
		pending:     make(map[uint64]chan frame),
		events:      make(chan platform.Event, eventBuffer),
		done:        make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

type frame struct {
	ID     uint64          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params any             `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *wireError      `json:"error,omitempty"`
	Event  string          `json:"event,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

type wireError struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

type wireEvent struct {
	MessageID  int64  `json:"message_id"`
	ChatID     int64  `json:"chat_id"`
	SenderID   int64  `json:"sender_id"`
	SenderName string `json:"sender_name"`
	Text       string `json:"text"`
	Outgoing   bool   `json:"out"`
	Private    bool   `json:"private"`
	Date       int64  `json:"date"`
}

const (
	eventMessage    = "message"
	eventTerminated = "session.terminated"
)

var _ platform.Conn = (*Conn)(nil)

// Conn is one gateway WebSocket.
type Conn struct {
	platform.Mux

	ws          *websocket.Conn
	writeMu     sync.Mutex
	callTimeout time.Duration
	nextID      atomic.Uint64

	mu      sync.Mutex
	self    platform.Self
	pending map[uint64]chan frame

	events    chan platform.Event
	done      chan struct{}
	termErr   error
	closing   atomic.Bool
	closeOnce sync.Once
}

func (c *Conn) setSelf(s platform.Self) {
	c.mu.Lock()
	c.self = s
	c.mu.Unlock()
}

func (c *Conn) Self() platform.Self {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.self
}

func (c *Conn) readLoop() {
	defer close(c.done)
	for {
		var f frame
		if err := c.ws.ReadJSON(&f); err != nil {
			c.mu.Lock()
			if c.termErr == nil {
				if c.closing.Load() {
					c.termErr = platform.ErrClosed
				} else {
					c.termErr = faults.Transient(fmt.Errorf("gateway: read: %w", err))
				}
			}
			c.mu.Unlock()
			return
		}
		switch {
		case f.Event == eventTerminated:
			werr := f.Error
			if werr == nil {
				werr = &wireError{Code: "SESSION_REVOKED"}
			}
			c.mu.Lock()
			c.termErr = mapError(werr)
			c.mu.Unlock()
			_ = c.ws.Close()
			return
		case f.Event == eventMessage:
			var we wireEvent
			if err := json.Unmarshal(f.Data, &we); err != nil {
				logger.GATE.Warn("bad event payload",
					slog.String("event", "gateway.decode"),
					slog.String("err", err.Error()),
				)
				continue
			}
			c.pushEvent(we.toEvent())
		case f.ID != 0:
			c.mu.Lock()
			ch, ok := c.pending[f.ID]
			delete(c.pending, f.ID)
			c.mu.Unlock()
			if ok {
				ch <- f
			}
		}
	}
}

func (we wireEvent) toEvent() platform.Event {
	ev := platform.Event{
		MessageID:  we.MessageID,
		ChatID:     we.ChatID,
		SenderID:   we.SenderID,
		SenderName: we.SenderName,
		Text:       we.Text,
		Outgoing:   we.Outgoing,
		Private:    we.Private,
	}
	if we.Date > 0 {
		ev.Date = time.Unix(we.Date, 0).UTC()
	}
	return ev
}

// pushEvent never blocks the reader; a stalled run loop drops events.
func (c *Conn) pushEvent(ev platform.Event) {
	select {
	case c.events <- ev:
	default:
		logger.GATE.Warn("event dropped",
			slog.String("event", "gateway.backpressure"),
			slog.Int64("chat_id", ev.ChatID),
		)
	}
}

func (c *Conn) call(ctx context.Context, method string, params, out any) error {
	if c.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.callTimeout)
		defer cancel()
	}

	id := c.nextID.Add(1)
	ch := make(chan frame, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.write(frame{ID: id, Method: method, Params: params}); err != nil {
		return faults.Transient(fmt.Errorf("gateway: write %s: %w", method, err))
	}

	select {
	case f := <-ch:
		if f.Error != nil {
			return mapError(f.Error)
		}
		if out != nil && len(f.Result) > 0 {
			if err := json.Unmarshal(f.Result, out); err != nil {
				return fmt.Errorf("gateway: decode %s: %w", method, err)
			}
		}
		return nil
	case <-c.done:
		return c.terminalErr()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Conn) write(f frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteJSON(f)
}

func (c *Conn) terminalErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.termErr == nil {
		return platform.ErrClosed
	}
	return c.termErr
}

func (c *Conn) SendMessage(ctx context.Context, chatID int64, text string, replyTo int64) (int64, error) {
	var res struct {
		MessageID int64 `json:"message_id"`
	}
	params := map[string]any{"chat_id": chatID, "text": text}
	if replyTo != 0 {
		params["reply_to"] = replyTo
	}
	if err := c.call(ctx, "messages.send", params, &res); err != nil {
		return 0, err
	}
	return res.MessageID, nil
}

func (c *Conn) EditMessage(ctx context.Context, chatID, messageID int64, text string) error {
	params := map[string]any{"chat_id": chatID, "message_id": messageID, "text": text}
	return c.call(ctx, "messages.edit", params, nil)
}

// Run dispatches pushed events until ctx ends or the socket fails.
func (c *Conn) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-c.events:
			c.Dispatch(ctx, ev)
		case <-c.done:
			return c.terminalErr()
		}
	}
}

func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closing.Store(true)
		c.writeMu.Lock()
		_ = c.ws.SetWriteDeadline(time.Now().Add(time.Second))
		_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}

type loginConn struct {
	conn *Conn
}

func (l *loginConn) SendCode(ctx context.Context, phone string) (platform.CodeRequest, error) {
	var res struct {
		Hash string `json:"phone_code_hash"`
	}
	if err := l.conn.call(ctx, "auth.send_code", map[string]string{"phone": phone}, &res); err != nil {
		return platform.CodeRequest{}, err
	}
	return platform.CodeRequest{Hash: res.Hash}, nil
}

func (l *loginConn) SignIn(ctx context.Context, phone, code string, req platform.CodeRequest) error {
	var res selfResult
	params := map[string]string{"phone": phone, "code": code, "phone_code_hash": req.Hash}
	if err := l.conn.call(ctx, "auth.sign_in", params, &res); err != nil {
		return err
	}
	l.conn.setSelf(res.Self.toSelf())
	return nil
}

func (l *loginConn) CheckPassword(ctx context.Context, password string) error {
	var res selfResult
	if err := l.conn.call(ctx, "auth.check_password", map[string]string{"password": password}, &res); err != nil {
		return err
	}
	l.conn.setSelf(res.Self.toSelf())
	return nil
}

func (l *loginConn) ExportSession(ctx context.Context) (string, error) {
	var res struct {
		Session string `json:"session"`
	}
	if err := l.conn.call(ctx, "session.export", nil, &res); err != nil {
		return "", err
	}
	if res.Session == "" {
		return "", errors.New("gateway: empty session export")
	}
	return res.Session, nil
}

func (l *loginConn) Conn() platform.Conn { return l.conn }

func (l *loginConn) Close() error { return l.conn.Close() }
