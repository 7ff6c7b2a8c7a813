package platform

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"runtime/debug"
	"sync"

	"github.com/m3rciful/userbots/core/logger"
)

// Filter selects which events reach a handler. The zero value matches everything.
type Filter struct {
	Incoming    bool
	Outgoing    bool
	PrivateOnly bool
	Pattern     *regexp.Regexp
}

// Match reports whether ev passes the filter.
func (f Filter) Match(ev Event) bool {
	if f.Incoming && ev.Outgoing {
		return false
	}
	if f.Outgoing && !ev.Outgoing {
		return false
	}
	if f.PrivateOnly && !ev.Private {
		return false
	}
	if f.Pattern != nil && !f.Pattern.MatchString(ev.Text) {
		return false
	}
	return true
}

// Subscription is a handler registration that can be cancelled.
type Subscription struct {
	mux    *Mux
	id     uint64
	filter Filter
	h      Handler
}

// Cancel removes the handler. Safe to call more than once.
func (s *Subscription) Cancel() {
	if s == nil || s.mux == nil {
		return
	}
	s.mux.remove(s.id)
}

// Mux fans events out to subscribed handlers in registration order.
// Conn implementations embed it to provide On.
type Mux struct {
	mu     sync.Mutex
	nextID uint64
	subs   []*Subscription
}

// On registers h for events matching f.
func (m *Mux) On(f Filter, h Handler) *Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	sub := &Subscription{mux: m, id: m.nextID, filter: f, h: h}
	m.subs = append(m.subs, sub)
	return sub
}

func (m *Mux) remove(id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, s := range m.subs {
		if s.id == id {
			m.subs = append(m.subs[:i:i], m.subs[i+1:]...)
			return
		}
	}
}

// Len reports the number of active subscriptions.
func (m *Mux) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

// Dispatch runs every matching handler sequentially. A failing or panicking
// handler is logged and does not stop the others.
func (m *Mux) Dispatch(ctx context.Context, ev Event) {
	m.mu.Lock()
	subs := make([]*Subscription, len(m.subs))
	copy(subs, m.subs)
	m.mu.Unlock()

	for _, s := range subs {
		if !s.filter.Match(ev) {
			continue
		}
		if err := safeCall(ctx, s.h, ev); err != nil {
			logger.Warn(ctx, logger.CompTasks, "handler.failed",
				slog.Int64("chat_id", ev.ChatID),
				slog.String("err", logger.SanitizeLimit(err.Error(), 256)),
			)
		}
	}
}

func safeCall(ctx context.Context, h Handler, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
			logger.Error(ctx, logger.CompTasks, "handler.panic",
				slog.Any("err", r),
				slog.String("stack", string(debug.Stack())),
			)
		}
	}()
	return h(ctx, ev)
}
