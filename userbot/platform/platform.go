// Package platform describes the capabilities the orchestrator needs from a
// user-account connection to the messaging platform. The wire protocol itself
// lives behind Dialer implementations such as the gateway package.
package platform

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned by operations on a connection that was closed.
var ErrClosed = errors.New("platform: connection closed")

// Credentials identify the application registered with the platform.
type Credentials struct {
	APIID     int
	APISecret string
}

// Self describes the authenticated account.
type Self struct {
	ID        int64
	FirstName string
	Username  string
}

// DisplayName returns the best human-readable name of the account.
func (s Self) DisplayName() string {
	if s.FirstName != "" {
		return s.FirstName
	}
	if s.Username != "" {
		return "@" + s.Username
	}
	return "unknown"
}

// Event is a new message observed by the connection.
type Event struct {
	MessageID  int64
	ChatID     int64
	SenderID   int64
	SenderName string
	Text       string
	Outgoing   bool
	Private    bool
	Date       time.Time
}

// Handler reacts to one event. It runs on the connection's event loop.
type Handler func(ctx context.Context, ev Event) error

// CodeRequest carries the opaque correlation handle returned when a login code is sent.
type CodeRequest struct {
	Hash string
}

// Conn is one live authenticated connection.
//
// Run blocks processing events until ctx is cancelled (nil is returned) or the
// connection fails; the error is classified with the faults package.
type Conn interface {
	Self() Self
	On(f Filter, h Handler) *Subscription
	SendMessage(ctx context.Context, chatID int64, text string, replyTo int64) (int64, error)
	EditMessage(ctx context.Context, chatID, messageID int64, text string) error
	Run(ctx context.Context) error
	Close() error
}

// LoginConn is a transient connection used by the interactive login.
// After a successful SignIn or CheckPassword, Conn returns the connection
// that can be adopted by the supervisor.
type LoginConn interface {
	SendCode(ctx context.Context, phone string) (CodeRequest, error)
	SignIn(ctx context.Context, phone, code string, req CodeRequest) error
	CheckPassword(ctx context.Context, password string) error
	ExportSession(ctx context.Context) (string, error)
	Conn() Conn
	Close() error
}

// Dialer opens connections.
type Dialer interface {
	// Open restores an authenticated connection from stored session material.
	Open(ctx context.Context, creds Credentials, token string) (Conn, error)
	// Begin opens an unauthenticated connection for an interactive login.
	Begin(ctx context.Context, creds Credentials) (LoginConn, error)
}
