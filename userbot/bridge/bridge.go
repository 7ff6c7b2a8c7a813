// Package bridge carries the only messages exchanged between the bot runtime
// and the userbot supervisor: reconciliation requests, login hand-offs, and
// owner notifications. Every operation is non-blocking.
package bridge

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/m3rciful/userbots/core/logger"
	"github.com/m3rciful/userbots/userbot/platform"
)

// Adoption hands a freshly authorized connection to the supervisor.
type Adoption struct {
	UserID int64
	Token  string
	Conn   platform.Conn
}

// Enqueuer accepts outbound jobs. *sender.Dispatcher satisfies it.
type Enqueuer interface {
	Enqueue(ctx context.Context, action, endpoint string, run func() error) error
}

// Deliverer sends text to a user through the bot.
type Deliverer func(userID int64, text string) error

// Options tunes notification throttling and the hand-off buffer.
type Options struct {
	NotifyPerMinute int
	NotifyBurst     int
	AdoptionBuffer  int
}

// Bridge is safe for concurrent use.
type Bridge struct {
	requests  chan struct{}
	adoptions chan Adoption

	perUser rate.Limit
	burst   int

	mu       sync.Mutex
	limiters map[int64]*rate.Limiter
	sweepAt  int
	expected map[int64]int
	queue    Enqueuer
	deliver  Deliverer
}

// limiterSweepAt is the limiter count that triggers dropping idle limiters.
const limiterSweepAt = 1024

func New(opts Options) *Bridge {
	if opts.NotifyPerMinute <= 0 {
		opts.NotifyPerMinute = 20
	}
	if opts.NotifyBurst <= 0 {
		opts.NotifyBurst = 5
	}
	if opts.AdoptionBuffer <= 0 {
		opts.AdoptionBuffer = 16
	}
	return &Bridge{
		requests:  make(chan struct{}, 1),
		adoptions: make(chan Adoption, opts.AdoptionBuffer),
		perUser:   rate.Every(time.Minute / time.Duration(opts.NotifyPerMinute)),
		burst:     opts.NotifyBurst,
		limiters:  make(map[int64]*rate.Limiter),
		sweepAt:   limiterSweepAt,
		expected:  make(map[int64]int),
	}
}

// RequestReconciliation asks the supervisor for a pass. At most one request
// stays queued: later ones collapse into it until the supervisor takes it, so
// a request made during a running pass still yields one more pass.
func (b *Bridge) RequestReconciliation() {
	select {
	case b.requests <- struct{}{}:
	default:
	}
}

// Requests is consumed by the supervisor.
func (b *Bridge) Requests() <-chan struct{} { return b.requests }

// Expect announces that a login connection for userID is about to be handed
// off. Until the supervisor receives it, or Settle is called, reconciliation
// passes do not dial the user's stored session. Call it before the session is
// stored.
func (b *Bridge) Expect(userID int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.expected[userID]++
}

// Settle withdraws one Expect for userID. Extra calls are ignored.
func (b *Bridge) Settle(userID int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch n := b.expected[userID]; {
	case n > 1:
		b.expected[userID] = n - 1
	case n == 1:
		delete(b.expected, userID)
	}
}

// Expecting reports whether a hand-off for userID is announced but not yet
// received.
func (b *Bridge) Expecting(userID int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.expected[userID] > 0
}

// HandOff passes an authorized login connection to the supervisor, which
// settles the matching Expect when it takes it. When the buffer is full the
// connection is closed, the Expect is settled, a reconciliation is requested
// so the stored token is used instead, and false is returned.
func (b *Bridge) HandOff(a Adoption) bool {
	select {
	case b.adoptions <- a:
		return true
	default:
	}
	logger.Warn(context.Background(), logger.CompBridge, "handoff.dropped",
		slog.Int64("user_id", a.UserID),
	)
	if a.Conn != nil {
		_ = a.Conn.Close()
	}
	b.Settle(a.UserID)
	b.RequestReconciliation()
	return false
}

// Adoptions is consumed by the supervisor.
func (b *Bridge) Adoptions() <-chan Adoption { return b.adoptions }

// Attach connects the bridge to the bot's outbound queue.
func (b *Bridge) Attach(q Enqueuer, deliver Deliverer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queue = q
	b.deliver = deliver
}

// Detach drops the outbound queue. Later notifications are discarded.
func (b *Bridge) Detach() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queue = nil
	b.deliver = nil
}

// Notify enqueues text for delivery to userID. Notifications over the
// per-user rate, or made while no queue is attached, are dropped.
func (b *Bridge) Notify(userID int64, text string) {
	ctx := context.Background()
	b.mu.Lock()
	q, deliver := b.queue, b.deliver
	lim, ok := b.limiters[userID]
	if !ok {
		if len(b.limiters) >= b.sweepAt {
			b.sweepLimiters()
		}
		lim = rate.NewLimiter(b.perUser, b.burst)
		b.limiters[userID] = lim
	}
	b.mu.Unlock()

	if q == nil || deliver == nil {
		logger.Debug(ctx, logger.CompBridge, "notify.detached", slog.Int64("user_id", userID))
		return
	}
	if !lim.Allow() {
		logger.Warn(ctx, logger.CompBridge, "notify.throttled", slog.Int64("user_id", userID))
		return
	}
	err := q.Enqueue(ctx, "notify", "sendMessage:"+strconv.FormatInt(userID, 10), func() error {
		return deliver(userID, text)
	})
	if err != nil {
		logger.Warn(ctx, logger.CompBridge, "notify.enqueue.failed",
			slog.Int64("user_id", userID),
			slog.String("err", err.Error()),
		)
	}
}

// sweepLimiters drops limiters that refilled to their burst; a fresh limiter
// behaves the same. Callers hold b.mu.
func (b *Bridge) sweepLimiters() {
	for id, lim := range b.limiters {
		if lim.Tokens() >= float64(b.burst) {
			delete(b.limiters, id)
		}
	}
}
