// Package supervisor converges live userbot connections to the desired state
// held in the credential store.
//
// A single goroutine owns every connection handle. Reconciliation passes,
// run-loop exits, login hand-offs, task reloads, and snapshot queries are all
// serialized through it, so passes never overlap. Each live connection runs
// its own event loop goroutine and reports back only when that loop ends.
package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/m3rciful/userbots/core/logger"
	"github.com/m3rciful/userbots/core/telegram/netutil"
	"github.com/m3rciful/userbots/userbot/bridge"
	"github.com/m3rciful/userbots/userbot/faults"
	"github.com/m3rciful/userbots/userbot/platform"
	"github.com/m3rciful/userbots/userbot/session"
	"github.com/m3rciful/userbots/userbot/tasks"
)

// ErrStopped is returned by calls made after the supervisor loop has exited.
var ErrStopped = errors.New("supervisor: stopped")

// RevokedNotice is sent to a user whose stored session was rejected for good.
const RevokedNotice = "⚠️ Your userbot session is no longer valid and has been removed. Use /userbot to connect again."

// TaskAttacher attaches registered tasks to connections. *tasks.Registry satisfies it.
type TaskAttacher interface {
	Has(id string) bool
	Attach(id string, conn platform.Conn, n tasks.Notifier, userID int64) (*tasks.Attachment, error)
}

// Options configures a Supervisor. Store, Dialer and Tasks are required.
type Options struct {
	Store  session.Store
	Dialer platform.Dialer
	Tasks  TaskAttacher
	Bridge *bridge.Bridge

	// Interval is the safety-net reconciliation tick.
	Interval        time.Duration
	OpenTimeout     time.Duration
	OpenConcurrency int
	RetryBase       time.Duration
	RetryMax        time.Duration

	Now func() time.Time
}

type exit struct {
	userID int64
	gen    uint64
	err    error
}

// Supervisor owns every connection handle.
type Supervisor struct {
	opts Options

	handles map[int64]*handle
	gen     uint64

	exits   chan exit
	passes  chan chan struct{}
	queries chan chan []HandleInfo
	reloads chan struct{}

	quit     chan struct{}
	quitOnce sync.Once
	running  atomic.Bool
	loops    sync.WaitGroup
}

// New applies defaults to opts and returns an idle supervisor. Call Run to start it.
func New(opts Options) (*Supervisor, error) {
	if opts.Store == nil || opts.Dialer == nil || opts.Tasks == nil {
		return nil, errors.New("supervisor: store, dialer and tasks are required")
	}
	if opts.Bridge == nil {
		opts.Bridge = bridge.New(bridge.Options{})
	}
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = 20 * time.Second
	}
	if opts.OpenConcurrency <= 0 {
		opts.OpenConcurrency = 4
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = 2 * time.Second
	}
	if opts.RetryMax <= 0 {
		opts.RetryMax = 5 * time.Minute
	}
	if opts.RetryMax < opts.RetryBase {
		opts.RetryMax = opts.RetryBase
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Supervisor{
		opts:    opts,
		handles: make(map[int64]*handle),
		exits:   make(chan exit),
		passes:  make(chan chan struct{}),
		queries: make(chan chan []HandleInfo),
		reloads: make(chan struct{}, 1),
		quit:    make(chan struct{}),
	}, nil
}

// Run reconciles once, then serves triggers until ctx is done. On return
// every connection is closed and its run loop has finished.
func (s *Supervisor) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("supervisor: already running")
	}
	defer s.shutdown(ctx)

	logger.Info(ctx, logger.CompSupervisor, "supervisor.start",
		slog.Duration("interval", s.opts.Interval),
		slog.Int("open_concurrency", s.opts.OpenConcurrency),
	)
	s.reconcile(ctx, "startup")

	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.reconcile(ctx, "tick")
		case <-s.opts.Bridge.Requests():
			s.reconcile(ctx, "request")
		case a := <-s.opts.Bridge.Adoptions():
			s.adopt(ctx, a)
		case ex := <-s.exits:
			s.handleExit(ctx, ex)
		case <-s.reloads:
			s.reloadTasks(ctx)
		case done := <-s.passes:
			s.reconcile(ctx, "manual")
			close(done)
		case reply := <-s.queries:
			reply <- s.snapshot()
		}
	}
}

// ReconcileNow runs one pass and waits for it to finish.
func (s *Supervisor) ReconcileNow(ctx context.Context) error {
	done := make(chan struct{})
	select {
	case s.passes <- done:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.quit:
		return ErrStopped
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ReloadTasks re-attaches every task on live connections, picking up modules
// replaced by a registry reload. Non-blocking. At most one reload waits
// behind the one running; further calls collapse into it.
func (s *Supervisor) ReloadTasks() {
	select {
	case s.reloads <- struct{}{}:
	default:
	}
}

// Snapshot returns the handles sorted by user ID.
func (s *Supervisor) Snapshot(ctx context.Context) ([]HandleInfo, error) {
	reply := make(chan []HandleInfo, 1)
	select {
	case s.queries <- reply:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.quit:
		return nil, ErrStopped
	}
	select {
	case out := <-reply:
		return out, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Lookup returns the handle of one user.
func (s *Supervisor) Lookup(ctx context.Context, userID int64) (HandleInfo, bool, error) {
	all, err := s.Snapshot(ctx)
	if err != nil {
		return HandleInfo{}, false, err
	}
	for _, hi := range all {
		if hi.UserID == userID {
			return hi, true, nil
		}
	}
	return HandleInfo{}, false, nil
}

func (s *Supervisor) snapshot() []HandleInfo {
	out := make([]HandleInfo, 0, len(s.handles))
	for _, h := range s.handles {
		out = append(out, h.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func (s *Supervisor) reconcile(ctx context.Context, trigger string) {
	if ctx.Err() != nil {
		return
	}
	s.drainAdoptions(ctx)
	ctx = logger.WithPass(ctx, uuid.NewString())
	start := time.Now()

	recs, err := s.opts.Store.GetAll(ctx)
	if err != nil {
		logger.Error(ctx, logger.CompSupervisor, "reconcile.store.failed",
			slog.String("trigger", trigger),
			slog.String("err", err.Error()),
		)
		return
	}
	desired := make(map[int64]session.Record, len(recs))
	for uid, rec := range recs {
		if rec.HasToken() {
			desired[uid] = rec
		}
	}

	var closed int
	for uid, h := range s.handles {
		rec, ok := desired[uid]
		switch {
		case !ok:
			s.discard(ctx, h, "record_removed")
			closed++
		case rec.SessionToken != h.token:
			s.discard(ctx, h, "token_changed")
			closed++
		}
	}

	now := s.opts.Now()
	var pending []*handle
	var pendingRecs []session.Record
	var awaiting int
	for uid, rec := range desired {
		h, ok := s.handles[uid]
		if ok && (h.state != StateFailed || now.Before(h.retryAt)) {
			continue
		}
		if s.opts.Bridge.Expecting(uid) {
			// The login that stored this session hands its connection over next.
			awaiting++
			continue
		}
		if !ok {
			h = &handle{userID: uid, token: rec.SessionToken, attached: make(map[string]*tasks.Attachment)}
			s.handles[uid] = h
		}
		if h.retry != nil {
			h.retry.Stop()
			h.retry = nil
		}
		s.gen++
		h.gen = s.gen
		h.state = StateConnecting
		h.since = now
		pending = append(pending, h)
		pendingRecs = append(pendingRecs, rec)
	}

	results := s.openAll(ctx, pendingRecs)
	var opened, failed int
	for i, h := range pending {
		if s.applyOpen(ctx, h, results[i]) {
			opened++
		} else {
			failed++
		}
	}

	for uid, h := range s.handles {
		if h.state == StateLive {
			s.syncTasks(ctx, h, desired[uid])
		}
	}

	logger.Info(ctx, logger.CompSupervisor, "reconcile.done",
		slog.String("trigger", trigger),
		slog.Int("records", len(desired)),
		slog.Int("handles", len(s.handles)),
		slog.Int("opened", opened),
		slog.Int("failed", failed),
		slog.Int("closed", closed),
		slog.Int("awaiting_adoption", awaiting),
		slog.Duration("duration", logger.Took(start)),
	)
}

type openResult struct {
	conn platform.Conn
	err  error
}

func (s *Supervisor) openAll(ctx context.Context, recs []session.Record) []openResult {
	results := make([]openResult, len(recs))
	if len(recs) == 0 {
		return results
	}
	var g errgroup.Group
	g.SetLimit(s.opts.OpenConcurrency)
	for i, rec := range recs {
		g.Go(func() error {
			octx, cancel := context.WithTimeout(ctx, s.opts.OpenTimeout)
			defer cancel()
			creds := platform.Credentials{APIID: rec.APIID, APISecret: rec.APISecret}
			conn, err := s.opts.Dialer.Open(octx, creds, rec.SessionToken)
			if err != nil && errors.Is(err, context.DeadlineExceeded) {
				err = faults.Transient(err)
			}
			results[i] = openResult{conn: conn, err: err}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (s *Supervisor) applyOpen(ctx context.Context, h *handle, res openResult) bool {
	if ctx.Err() != nil {
		if res.conn != nil {
			_ = res.conn.Close()
		}
		return false
	}
	if res.err != nil {
		s.fail(ctx, h, res.err, "open")
		return false
	}
	s.goLive(ctx, h, res.conn)
	logger.Info(ctx, logger.CompSupervisor, "session.live",
		slog.Int64("user_id", h.userID),
		slog.Uint64("gen", h.gen),
		slog.String("account", logger.SanitizeLimit(res.conn.Self().DisplayName(), 64)),
	)
	return true
}

func (s *Supervisor) goLive(ctx context.Context, h *handle, conn platform.Conn) {
	// The run loop outlives the pass that started it.
	runCtx, cancel := context.WithCancel(logger.WithUser(logger.WithPass(ctx, ""), h.userID))
	h.conn = conn
	h.cancel = cancel
	h.state = StateLive
	h.since = s.opts.Now()
	h.failures = 0
	h.retryAt = time.Time{}
	h.lastErr = nil

	uid, gen := h.userID, h.gen
	s.loops.Add(1)
	go func() {
		defer s.loops.Done()
		err := conn.Run(runCtx)
		if runCtx.Err() != nil {
			return
		}
		select {
		case s.exits <- exit{userID: uid, gen: gen, err: err}:
		case <-s.quit:
		}
	}()
}

func (s *Supervisor) handleExit(ctx context.Context, ex exit) {
	h, ok := s.handles[ex.userID]
	if !ok || h.gen != ex.gen || h.state != StateLive {
		logger.Debug(ctx, logger.CompSupervisor, "session.exit.stale",
			slog.Int64("user_id", ex.userID),
			slog.Uint64("gen", ex.gen),
		)
		return
	}
	err := ex.err
	if err == nil {
		err = faults.Transient(errors.New("run loop ended"))
	}
	s.fail(ctx, h, err, "run")
}

// fail routes a connection failure: permanent errors invalidate the stored
// session, anything else marks the handle Failed and schedules a retry.
func (s *Supervisor) fail(ctx context.Context, h *handle, err error, stage string) {
	class := faults.Classify(err)
	if class == faults.ClassPermanent {
		s.invalidate(ctx, h, err, stage)
		return
	}
	h.stop()
	h.state = StateFailed
	h.failures++
	h.lastErr = err
	delay := netutil.Backoff(h.failures, s.opts.RetryBase, s.opts.RetryMax)
	h.retryAt = s.opts.Now().Add(delay)
	h.retry = time.AfterFunc(delay, s.opts.Bridge.RequestReconciliation)

	logger.Warn(ctx, logger.CompSupervisor, "session.failed",
		slog.Int64("user_id", h.userID),
		slog.String("stage", stage),
		slog.String("class", string(class)),
		slog.Int("attempt", h.failures),
		slog.Duration("retry_in", delay),
		slog.String("err", logger.SanitizeLimit(err.Error(), 256)),
	)
}

func (s *Supervisor) invalidate(ctx context.Context, h *handle, cause error, stage string) {
	h.stop()
	delete(s.handles, h.userID)

	attrs := []slog.Attr{
		slog.Int64("user_id", h.userID),
		slog.String("stage", stage),
		slog.String("err", logger.SanitizeLimit(cause.Error(), 256)),
	}
	rec, err := s.opts.Store.Get(ctx, h.userID)
	switch {
	case errors.Is(err, session.ErrNotFound):
	case err != nil:
		logger.Error(ctx, logger.CompSupervisor, "session.invalidate.read_failed",
			append(attrs, slog.String("store_err", err.Error()))...)
		return
	case rec.SessionToken != h.token:
		logger.Info(ctx, logger.CompSupervisor, "session.invalidate.superseded", attrs...)
		return
	default:
		if err := s.opts.Store.Delete(ctx, h.userID); err != nil {
			logger.Error(ctx, logger.CompSupervisor, "session.invalidate.delete_failed",
				append(attrs, slog.String("store_err", err.Error()))...)
			return
		}
	}
	logger.Warn(ctx, logger.CompSupervisor, "session.revoked", attrs...)
	s.opts.Bridge.Notify(h.userID, RevokedNotice)
}

func (s *Supervisor) discard(ctx context.Context, h *handle, reason string) {
	h.stop()
	delete(s.handles, h.userID)
	logger.Info(ctx, logger.CompSupervisor, "session.closed",
		slog.Int64("user_id", h.userID),
		slog.String("reason", reason),
	)
}

// syncTasks attaches newly desired tasks and detaches the rest. A task that
// fails to attach is skipped and retried on the next pass.
func (s *Supervisor) syncTasks(ctx context.Context, h *handle, rec session.Record) {
	want := make(map[string]bool)
	for _, id := range rec.Enabled() {
		if s.opts.Tasks.Has(id) {
			want[id] = true
		}
	}
	for id, att := range h.attached {
		if !want[id] {
			att.Detach()
			delete(h.attached, id)
			logger.Debug(logger.WithTask(ctx, id), logger.CompSupervisor, "task.detached",
				slog.Int64("user_id", h.userID),
			)
		}
	}
	for _, id := range rec.Enabled() {
		if !want[id] {
			continue
		}
		if _, ok := h.attached[id]; ok {
			continue
		}
		tctx := logger.WithTask(ctx, id)
		att, err := s.opts.Tasks.Attach(id, h.conn, s.opts.Bridge, h.userID)
		if err != nil {
			logger.Warn(tctx, logger.CompSupervisor, "task.attach.failed",
				slog.Int64("user_id", h.userID),
				slog.String("class", string(faults.Classify(err))),
				slog.String("err", logger.SanitizeLimit(err.Error(), 256)),
			)
			continue
		}
		h.attached[id] = att
		logger.Debug(tctx, logger.CompSupervisor, "task.attached",
			slog.Int64("user_id", h.userID),
		)
	}
}

// drainAdoptions adopts every queued login connection so the pass that
// follows never dials a session already handed over.
func (s *Supervisor) drainAdoptions(ctx context.Context) {
	for {
		select {
		case a := <-s.opts.Bridge.Adoptions():
			s.adopt(ctx, a)
		default:
			return
		}
	}
}

// adopt takes over a connection authorized by the login flow instead of
// dialing again. A live handle for the same user is replaced.
func (s *Supervisor) adopt(ctx context.Context, a bridge.Adoption) {
	s.opts.Bridge.Settle(a.UserID)
	reject := func(reason string) {
		if a.Conn != nil {
			_ = a.Conn.Close()
		}
		logger.Warn(ctx, logger.CompSupervisor, "adopt.rejected",
			slog.Int64("user_id", a.UserID),
			slog.String("reason", reason),
		)
		s.opts.Bridge.RequestReconciliation()
	}
	if a.Conn == nil {
		reject("no_connection")
		return
	}
	rec, err := s.opts.Store.Get(ctx, a.UserID)
	if err != nil {
		reject("record_unavailable")
		return
	}
	if !rec.HasToken() || rec.SessionToken != a.Token {
		reject("token_mismatch")
		return
	}
	if old, ok := s.handles[a.UserID]; ok {
		s.discard(ctx, old, "replaced")
	}
	s.gen++
	h := &handle{
		userID:   a.UserID,
		token:    a.Token,
		gen:      s.gen,
		attached: make(map[string]*tasks.Attachment),
	}
	s.handles[a.UserID] = h
	s.goLive(ctx, h, a.Conn)
	s.syncTasks(ctx, h, rec)
	logger.Info(ctx, logger.CompSupervisor, "session.adopted",
		slog.Int64("user_id", a.UserID),
		slog.Uint64("gen", h.gen),
		slog.String("account", logger.SanitizeLimit(a.Conn.Self().DisplayName(), 64)),
	)
}

func (s *Supervisor) reloadTasks(ctx context.Context) {
	for _, h := range s.handles {
		if h.state == StateLive {
			h.detachAll()
		}
	}
	s.reconcile(ctx, "tasks_reload")
}

func (s *Supervisor) shutdown(ctx context.Context) {
	s.quitOnce.Do(func() { close(s.quit) })
	for _, h := range s.handles {
		h.stop()
	}
	n := len(s.handles)
	clear(s.handles)
drain:
	for {
		select {
		case a := <-s.opts.Bridge.Adoptions():
			if a.Conn != nil {
				_ = a.Conn.Close()
			}
		default:
			break drain
		}
	}
	s.loops.Wait()
	logger.Info(context.WithoutCancel(ctx), logger.CompSupervisor, "supervisor.stop", slog.Int("handles", n))
}
