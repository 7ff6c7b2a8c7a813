package state

import (
	"log/slog"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"github.com/m3rciful/userbots/core/logger"
	tghelpers "github.com/m3rciful/userbots/core/telegram/helpers"
)

type entry struct {
	state State
	since time.Time
}

type memoryManager struct {
	ttl time.Duration
	now func() time.Time

	mu       sync.RWMutex
	entries  map[int64]entry
	handlers map[State]tele.HandlerFunc
}

// Option tunes a memory manager.
type Option func(*memoryManager)

// WithTTL makes states older than ttl read as idle. Zero keeps them forever.
func WithTTL(ttl time.Duration) Option {
	return func(m *memoryManager) { m.ttl = ttl }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *memoryManager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewMemoryManager returns a process-local Manager. States are lost on restart.
func NewMemoryManager(opts ...Option) Manager {
	m := &memoryManager{
		now:      time.Now,
		entries:  make(map[int64]entry),
		handlers: make(map[State]tele.HandlerFunc),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *memoryManager) SetState(userID int64, st State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st == StateIdle || st == "" {
		delete(m.entries, userID)
		return
	}
	m.entries[userID] = entry{state: st, since: m.now()}
}

func (m *memoryManager) GetState(userID int64) State {
	m.mu.RLock()
	e, ok := m.entries[userID]
	m.mu.RUnlock()
	if !ok {
		return StateIdle
	}
	if m.ttl > 0 && m.now().Sub(e.since) > m.ttl {
		m.mu.Lock()
		if cur, ok := m.entries[userID]; ok && cur.since.Equal(e.since) {
			delete(m.entries, userID)
		}
		m.mu.Unlock()
		return StateIdle
	}
	return e.state
}

func (m *memoryManager) ClearState(userID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, userID)
}

func (m *memoryManager) InProgress(userID int64) bool {
	return m.GetState(userID) != StateIdle
}

func (m *memoryManager) RegisterHandler(st State, h tele.HandlerFunc) {
	if h == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[st] = h
}

func (m *memoryManager) Dispatch(c tele.Context) error {
	sender := c.Sender()
	if sender == nil {
		return nil
	}
	current := m.GetState(sender.ID)
	m.mu.RLock()
	h, ok := m.handlers[current]
	m.mu.RUnlock()

	ctx := tghelpers.BuildContext(c)
	if !ok {
		logger.Debug(ctx, "tg", "fsm.unbound",
			slog.String("status", "skip"),
			slog.String("state", string(current)),
		)
		m.ClearState(sender.ID)
		return nil
	}
	logger.Debug(ctx, "tg", "fsm.dispatch",
		slog.String("status", "ok"),
		slog.String("state", string(current)),
	)
	return h(c)
}
