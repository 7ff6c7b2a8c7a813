// Package platformtest provides an in-process fake of the messaging platform
// for exercising the login flow, the supervisor, and task modules.
package platformtest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/m3rciful/userbots/userbot/faults"
	"github.com/m3rciful/userbots/userbot/platform"
)

// ErrUnregistered is the cause used for unknown or revoked session tokens.
var ErrUnregistered = errors.New("AUTH_KEY_UNREGISTERED")

// Account is a user account known to the fake network.
type Account struct {
	Phone    string
	Code     string
	Password string
	Self     platform.Self
}

var _ platform.Dialer = (*Network)(nil)

// Network is a fake platform. It implements platform.Dialer.
type Network struct {
	mu        sync.Mutex
	accounts  map[string]Account
	tokens    map[string]string
	openErr   map[string]error
	beginErr  error
	delay     time.Duration
	opens     int
	conns     []*Conn
	logins    []*loginConn
	nextToken int
}

func NewNetwork() *Network {
	return &Network{
		accounts: make(map[string]Account),
		tokens:   make(map[string]string),
		openErr:  make(map[string]error),
	}
}

// AddAccount registers an account reachable by its phone number.
func (n *Network) AddAccount(a Account) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.accounts[a.Phone] = a
}

// IssueToken returns a valid session token for the account with phone.
func (n *Network) IssueToken(phone string) string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.issueLocked(phone)
}

func (n *Network) issueLocked(phone string) string {
	n.nextToken++
	tok := fmt.Sprintf("tok-%d", n.nextToken)
	n.tokens[tok] = phone
	return tok
}

// Revoke invalidates token and drops every live connection that uses it with a permanent error.
func (n *Network) Revoke(token string) {
	n.mu.Lock()
	delete(n.tokens, token)
	conns := append([]*Conn(nil), n.conns...)
	n.mu.Unlock()
	for _, c := range conns {
		if c.token == token {
			c.Disconnect(faults.Permanent(ErrUnregistered))
		}
	}
}

// FailOpen makes Open for token fail with err until cleared with a nil err.
func (n *Network) FailOpen(token string, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err == nil {
		delete(n.openErr, token)
		return
	}
	n.openErr[token] = err
}

// FailBegin makes Begin fail with err until cleared with nil.
func (n *Network) FailBegin(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.beginErr = err
}

// SetDelay delays every login round-trip, used to provoke step timeouts.
func (n *Network) SetDelay(d time.Duration) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.delay = d
}

// Opens reports how many times Open was called.
func (n *Network) Opens() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.opens
}

// Conns returns every connection created so far, including closed ones.
func (n *Network) Conns() []*Conn {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*Conn(nil), n.conns...)
}

// LiveConns returns connections that are not closed.
func (n *Network) LiveConns() []*Conn {
	var out []*Conn
	for _, c := range n.Conns() {
		if !c.Closed() {
			out = append(out, c)
		}
	}
	return out
}

func (n *Network) Open(ctx context.Context, _ platform.Credentials, token string) (platform.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, faults.Transient(err)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.opens++
	if err, ok := n.openErr[token]; ok {
		return nil, err
	}
	phone, ok := n.tokens[token]
	if !ok {
		return nil, faults.Permanent(ErrUnregistered)
	}
	return n.newConnLocked(n.accounts[phone].Self, token), nil
}

func (n *Network) newConnLocked(self platform.Self, token string) *Conn {
	c := newConn(self, token)
	n.conns = append(n.conns, c)
	return c
}

func (n *Network) Begin(ctx context.Context, _ platform.Credentials) (platform.LoginConn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.beginErr != nil {
		return nil, n.beginErr
	}
	l := &loginConn{net: n}
	n.logins = append(n.logins, l)
	return l, nil
}

// LiveLogins counts login connections that were begun and not closed.
func (n *Network) LiveLogins() int {
	n.mu.Lock()
	logins := append([]*loginConn(nil), n.logins...)
	n.mu.Unlock()
	var live int
	for _, l := range logins {
		l.mu.Lock()
		if !l.closed {
			live++
		}
		l.mu.Unlock()
	}
	return live
}

func (n *Network) wait(ctx context.Context) error {
	n.mu.Lock()
	d := n.delay
	n.mu.Unlock()
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type loginConn struct {
	net *Network

	mu         sync.Mutex
	phone      string
	hash       string
	needsPass  bool
	authorized bool
	conn       *Conn
	closed     bool
}

func (l *loginConn) SendCode(ctx context.Context, phone string) (platform.CodeRequest, error) {
	if err := l.net.wait(ctx); err != nil {
		return platform.CodeRequest{}, err
	}
	l.net.mu.Lock()
	_, ok := l.net.accounts[phone]
	l.net.mu.Unlock()
	if !ok {
		return platform.CodeRequest{}, errors.New("PHONE_NUMBER_INVALID")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.phone = phone
	l.hash = "hash-" + phone
	return platform.CodeRequest{Hash: l.hash}, nil
}

func (l *loginConn) SignIn(ctx context.Context, phone, code string, req platform.CodeRequest) error {
	if err := l.net.wait(ctx); err != nil {
		return err
	}
	l.net.mu.Lock()
	acc, ok := l.net.accounts[phone]
	l.net.mu.Unlock()

	l.mu.Lock()
	defer l.mu.Unlock()
	if !ok || req.Hash != l.hash || phone != l.phone {
		return errors.New("PHONE_CODE_HASH_INVALID")
	}
	if code != acc.Code {
		return faults.ErrCodeInvalid
	}
	if acc.Password != "" {
		l.needsPass = true
		return faults.ErrPasswordRequired
	}
	l.authorizeLocked(acc)
	return nil
}

func (l *loginConn) CheckPassword(ctx context.Context, password string) error {
	if err := l.net.wait(ctx); err != nil {
		return err
	}
	l.net.mu.Lock()
	acc := l.net.accounts[l.phone]
	l.net.mu.Unlock()

	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.needsPass {
		return errors.New("PASSWORD_NOT_REQUESTED")
	}
	if password != acc.Password {
		return faults.ErrPasswordInvalid
	}
	l.authorizeLocked(acc)
	return nil
}

func (l *loginConn) authorizeLocked(acc Account) {
	l.authorized = true
	l.net.mu.Lock()
	tok := l.net.issueLocked(acc.Phone)
	l.conn = l.net.newConnLocked(acc.Self, tok)
	l.net.mu.Unlock()
}

func (l *loginConn) ExportSession(context.Context) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.authorized {
		return "", errors.New("AUTH_KEY_UNAUTHORIZED")
	}
	return l.conn.token, nil
}

func (l *loginConn) Conn() platform.Conn {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return nil
	}
	return l.conn
}

func (l *loginConn) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	if l.conn != nil {
		return l.conn.Close()
	}
	return nil
}

// Message is an outbound message or edit recorded by a fake connection.
type Message struct {
	ID      int64
	ChatID  int64
	Text    string
	ReplyTo int64
	Edit    bool
}

var _ platform.Conn = (*Conn)(nil)

// Conn is a fake live connection. Injected events are dispatched by Run.
type Conn struct {
	platform.Mux

	self   platform.Self
	token  string
	events chan platform.Event
	fail   chan error
	closed chan struct{}
	once   sync.Once

	mu     sync.Mutex
	out    []Message
	nextID int64
}

func newConn(self platform.Self, token string) *Conn {
	return &Conn{
		self:   self,
		token:  token,
		events: make(chan platform.Event, 64),
		fail:   make(chan error, 1),
		closed: make(chan struct{}),
	}
}

// Token returns the session token the connection was opened with.
func (c *Conn) Token() string { return c.token }

func (c *Conn) Self() platform.Self { return c.self }

// Inject queues an event for the run loop.
func (c *Conn) Inject(ev platform.Event) {
	select {
	case c.events <- ev:
	case <-c.closed:
	}
}

// Disconnect makes Run return err.
func (c *Conn) Disconnect(err error) {
	select {
	case c.fail <- err:
	default:
	}
}

// Closed reports whether Close was called.
func (c *Conn) Closed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Sent returns a copy of the recorded outbound messages and edits.
func (c *Conn) Sent() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Message(nil), c.out...)
}

func (c *Conn) SendMessage(_ context.Context, chatID int64, text string, replyTo int64) (int64, error) {
	if c.Closed() {
		return 0, platform.ErrClosed
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	c.out = append(c.out, Message{ID: c.nextID, ChatID: chatID, Text: text, ReplyTo: replyTo})
	return c.nextID, nil
}

func (c *Conn) EditMessage(_ context.Context, chatID, messageID int64, text string) error {
	if c.Closed() {
		return platform.ErrClosed
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.out = append(c.out, Message{ID: messageID, ChatID: chatID, Text: text, Edit: true})
	return nil
}

func (c *Conn) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.closed:
			return platform.ErrClosed
		case err := <-c.fail:
			return err
		case ev := <-c.events:
			c.Dispatch(ctx, ev)
		}
	}
}

func (c *Conn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}
