// Package sender runs outbound Telegram calls on a small worker pool so
// handlers and userbot notifications never wait on the Bot API.
package sender

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/m3rciful/userbots/core/logger"
	"github.com/m3rciful/userbots/core/telegram/netutil"
)

var (
	// ErrQueueClosed is returned by Enqueue after Close.
	ErrQueueClosed = errors.New("telegram sender: queue closed")
	// ErrQueueFull means the job was rejected because the queue is saturated.
	ErrQueueFull = errors.New("telegram sender: queue full")
)

const compSender = "tg.sender"

// Options controls the behaviour of the outbound dispatcher.
type Options struct {
	QueueSize  int
	Workers    int
	MaxRetries int
	// RetryBackoff is the first retry delay; it doubles up to MaxBackoff.
	RetryBackoff time.Duration
	MaxBackoff   time.Duration
	// MaxDuration bounds the time spent on one job, retries included.
	MaxDuration time.Duration
}

func (o *Options) defaults() {
	if o.QueueSize <= 0 {
		o.QueueSize = 256
	}
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = time.Second
	}
	if o.MaxBackoff < o.RetryBackoff {
		o.MaxBackoff = 8 * o.RetryBackoff
	}
	if o.MaxDuration <= 0 {
		o.MaxDuration = 30 * time.Second
	}
}

type job struct {
	ctx      context.Context
	action   string
	endpoint string
	run      func() error
}

// Dispatcher executes queued jobs with retries. It is safe for concurrent use.
type Dispatcher struct {
	opts Options

	mu     sync.RWMutex
	closed bool
	jobs   chan job

	wg     sync.WaitGroup
	failed atomic.Uint64
}

// NewDispatcher starts the workers. Zero options get defaults.
func NewDispatcher(opts Options) *Dispatcher {
	opts.defaults()
	d := &Dispatcher{opts: opts, jobs: make(chan job, opts.QueueSize)}
	d.wg.Add(opts.Workers)
	for i := 0; i < opts.Workers; i++ {
		go d.worker()
	}
	return d
}

// Enqueue schedules run without blocking. run may be called more than once.
func (d *Dispatcher) Enqueue(ctx context.Context, action, endpoint string, run func() error) error {
	if run == nil {
		return errors.New("telegram sender: nil run function")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrQueueClosed
	}
	select {
	case d.jobs <- job{ctx: ctx, action: action, endpoint: endpoint, run: run}:
		return nil
	default:
		return ErrQueueFull
	}
}

// Failed returns how many jobs gave up.
func (d *Dispatcher) Failed() uint64 { return d.failed.Load() }

// Close rejects new jobs, drains the queue and waits for the workers.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.jobs)
	}
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for j := range d.jobs {
		d.handle(j)
	}
}

func (d *Dispatcher) handle(j job) {
	// Jobs outlive the update that queued them.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(j.ctx), d.opts.MaxDuration)
	defer cancel()
	start := time.Now()
	base := jobAttrs(j)

	for attempt := 1; ; attempt++ {
		err := j.run()
		if err == nil {
			attrs := append(base, slog.Int("attempt", attempt), slog.Duration("elapsed", time.Since(start)))
			if attempt > 1 {
				logger.Info(ctx, compSender, "send.retry.success", attrs...)
			} else {
				logger.Debug(ctx, compSender, "send.success", attrs...)
			}
			return
		}
		wait, retry := d.retryDelay(err, attempt)
		if !retry || attempt > d.opts.MaxRetries {
			d.giveUp(ctx, base, err, attempt, start)
			return
		}
		logger.Debug(ctx, compSender, "send.retry.backoff",
			append(base, slog.Int("attempt", attempt), slog.Duration("delay", wait))...)
		if serr := netutil.Sleep(ctx, wait); serr != nil {
			d.giveUp(ctx, base, errors.Join(err, serr), attempt, start)
			return
		}
	}
}

// retryDelay honours Telegram's retry_after and backs off on network errors.
func (d *Dispatcher) retryDelay(err error, attempt int) (time.Duration, bool) {
	if after, ok := floodWait(err); ok {
		return after, true
	}
	if netutil.Retryable(err) {
		return netutil.Backoff(attempt, d.opts.RetryBackoff, d.opts.MaxBackoff), true
	}
	return 0, false
}

func (d *Dispatcher) giveUp(ctx context.Context, base []slog.Attr, err error, attempts int, start time.Time) {
	d.failed.Add(1)
	logger.Error(ctx, compSender, "send.fail", append(base,
		slog.String("err", redact(err)),
		slog.String("err_kind", classify(err)),
		slog.Int("attempts", attempts),
		slog.Duration("elapsed", time.Since(start)),
	)...)
}

func jobAttrs(j job) []slog.Attr {
	attrs := []slog.Attr{slog.String("action", j.action)}
	if j.endpoint != "" {
		attrs = append(attrs, slog.String("endpoint", j.endpoint))
	}
	return attrs
}
