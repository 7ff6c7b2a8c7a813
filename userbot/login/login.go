// Package login runs the interactive, one-message-per-step authorization of
// a user's secondary account.
//
// Steps advance strictly in order:
//
//	api id -> api secret -> phone (code is sent) -> code [-> password] -> done
//
// Malformed input re-prompts without advancing. Any failure talking to the
// platform ends the attempt; nothing is stored until authorization succeeds.
package login

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/m3rciful/userbots/core/logger"
	"github.com/m3rciful/userbots/userbot/bridge"
	"github.com/m3rciful/userbots/userbot/faults"
	"github.com/m3rciful/userbots/userbot/platform"
	"github.com/m3rciful/userbots/userbot/session"
)

// Step is the input the flow is waiting for.
type Step string

const (
	StepNone      Step = ""
	StepAPIID     Step = "awaiting_api_id"
	StepAPISecret Step = "awaiting_api_secret"
	StepPhone     Step = "awaiting_phone"
	StepCode      Step = "awaiting_code"
	StepPassword  Step = "awaiting_password"
)

// Reply is what the bot answers to one inbound message.
type Reply struct {
	Text string
	// Step is the step the flow waits on after this message; StepNone once finished.
	Step   Step
	Done   bool
	Failed bool
}

const (
	promptAPIID     = "Please send your API ID (get it from my.telegram.org):"
	promptAPISecret = "Great! Now send your API hash:"
	promptPhone     = "Now send your phone number with country code, e.g. +15551234567:"
	promptCode      = "✅ Code sent! Enter the code you received (spaces are fine):"
	promptPassword  = "🔐 Two-step verification is enabled. Please send your password:"

	msgSuccess = "✅ Login successful! Your userbot is connecting. Use /userbot to manage tasks."
	msgNoLogin = "No login in progress. Use /userbot to connect."
	msgExpired = "⌛ Your login expired. Use /userbot to start again."
)

// CancelledText is the reply to an explicit cancel.
const CancelledText = "Login cancelled."

const (
	stepTimeoutDefault = 30 * time.Second
	idleTimeoutDefault = 10 * time.Minute
)

var phonePattern = regexp.MustCompile(`^\+?[0-9]{7,15}$`)

// Options configures a Flow. Store, Dialer and Bridge are required.
type Options struct {
	Store  session.Store
	Dialer platform.Dialer
	Bridge *bridge.Bridge

	// StepTimeout bounds every platform round-trip of one step.
	StepTimeout time.Duration
	// IdleTimeout discards logins that received no input for this long.
	IdleTimeout time.Duration
	Now         func() time.Time
}

type pending struct {
	mu sync.Mutex

	id        string
	userID    int64
	step      Step
	apiID     int
	apiSecret string
	phone     string
	code      platform.CodeRequest
	conn      platform.LoginConn
	touched   time.Time
	gone      bool
}

// logCtx tags logs with the login attempt and its user.
func (p *pending) logCtx(ctx context.Context) context.Context {
	return logger.WithLogin(logger.WithUser(ctx, p.userID), p.id)
}

// close releases the transient connection. Callers hold p.mu.
func (p *pending) close() {
	p.gone = true
	if p.conn != nil {
		_ = p.conn.Close()
		p.conn = nil
	}
}

// Flow holds every pending login, keyed by user.
type Flow struct {
	opts Options

	mu      sync.Mutex
	pending map[int64]*pending
}

func New(opts Options) (*Flow, error) {
	if opts.Store == nil || opts.Dialer == nil || opts.Bridge == nil {
		return nil, errors.New("login: store, dialer and bridge are required")
	}
	if opts.StepTimeout <= 0 {
		opts.StepTimeout = stepTimeoutDefault
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = idleTimeoutDefault
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Flow{opts: opts, pending: make(map[int64]*pending)}, nil
}

// Start begins a new login for userID, discarding any previous attempt.
func (f *Flow) Start(ctx context.Context, userID int64) Reply {
	p := &pending{id: uuid.NewString(), userID: userID, step: StepAPIID, touched: f.opts.Now()}
	f.mu.Lock()
	old := f.pending[userID]
	f.pending[userID] = p
	f.mu.Unlock()
	if old != nil {
		old.mu.Lock()
		old.close()
		old.mu.Unlock()
	}
	logger.Info(p.logCtx(ctx), logger.CompLogin, "login.start")
	return Reply{Text: promptAPIID, Step: StepAPIID}
}

// Active reports whether userID has a login in progress.
func (f *Flow) Active(userID int64) bool {
	return f.Step(userID) != StepNone
}

// Step returns the step userID's login waits on.
func (f *Flow) Step(userID int64) Step {
	f.mu.Lock()
	p := f.pending[userID]
	f.mu.Unlock()
	if p == nil {
		return StepNone
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.gone {
		return StepNone
	}
	return p.step
}

// Cancel discards userID's login. It reports whether one existed.
func (f *Flow) Cancel(ctx context.Context, userID int64) bool {
	p := f.take(userID, nil)
	if p == nil {
		return false
	}
	p.mu.Lock()
	p.close()
	p.mu.Unlock()
	logger.Info(p.logCtx(ctx), logger.CompLogin, "login.cancelled")
	return true
}

// take removes userID's entry; when want is set only that exact entry is removed.
func (f *Flow) take(userID int64, want *pending) *pending {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := f.pending[userID]
	if p == nil || (want != nil && p != want) {
		return nil
	}
	delete(f.pending, userID)
	return p
}

// Handle feeds one inbound message to userID's login.
func (f *Flow) Handle(ctx context.Context, userID int64, text string) Reply {
	f.mu.Lock()
	p := f.pending[userID]
	f.mu.Unlock()
	if p == nil {
		return Reply{Text: msgNoLogin, Step: StepNone}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.gone {
		return Reply{Text: msgNoLogin, Step: StepNone}
	}
	p.touched = f.opts.Now()
	text = strings.TrimSpace(text)
	ctx = p.logCtx(ctx)

	var reply Reply
	var err error
	switch p.step {
	case StepAPIID:
		reply, err = f.onAPIID(p, text)
	case StepAPISecret:
		reply, err = f.onAPISecret(p, text)
	case StepPhone:
		reply, err = f.onPhone(ctx, p, text)
	case StepCode:
		reply, err = f.onCode(ctx, p, text)
	case StepPassword:
		reply, err = f.onPassword(ctx, p, text)
	default:
		err = fmt.Errorf("login: unexpected step %q", p.step)
	}

	var verr *faults.ValidationError
	switch {
	case err == nil:
	case errors.As(err, &verr):
		logger.Debug(ctx, logger.CompLogin, "login.input.invalid",
			slog.String("step", string(p.step)),
			slog.String("field", verr.Field),
		)
	default:
		return f.abort(ctx, p, err)
	}
	if reply.Done {
		f.take(userID, p)
	}
	return reply
}

func (f *Flow) onAPIID(p *pending, text string) (Reply, error) {
	id, err := strconv.Atoi(text)
	if err != nil || id <= 0 {
		return Reply{Text: "❌ The API ID must be a positive number. " + promptAPIID, Step: StepAPIID},
			faults.Invalid("api_id", "not a positive integer")
	}
	p.apiID = id
	p.step = StepAPISecret
	return Reply{Text: promptAPISecret, Step: StepAPISecret}, nil
}

func (f *Flow) onAPISecret(p *pending, text string) (Reply, error) {
	if text == "" || strings.ContainsAny(text, " \t\n") {
		return Reply{Text: "❌ That does not look like an API hash. " + promptAPISecret, Step: StepAPISecret},
			faults.Invalid("api_secret", "empty or contains whitespace")
	}
	p.apiSecret = text
	p.step = StepPhone
	return Reply{Text: promptPhone, Step: StepPhone}, nil
}

func (f *Flow) onPhone(ctx context.Context, p *pending, text string) (Reply, error) {
	phone := strings.NewReplacer(" ", "", "-", "", "(", "", ")", "").Replace(text)
	if !phonePattern.MatchString(phone) {
		return Reply{Text: "❌ Invalid phone number. " + promptPhone, Step: StepPhone},
			faults.Invalid("phone", "expected digits with optional leading +")
	}

	sctx, cancel := f.stepContext(ctx)
	defer cancel()
	conn, err := f.opts.Dialer.Begin(sctx, platform.Credentials{APIID: p.apiID, APISecret: p.apiSecret})
	if err != nil {
		return Reply{}, f.stepErr(sctx, "connect", err)
	}
	p.conn = conn
	req, err := conn.SendCode(sctx, phone)
	if err != nil {
		return Reply{}, f.stepErr(sctx, "send_code", err)
	}
	p.phone = phone
	p.code = req
	p.step = StepCode
	return Reply{Text: promptCode, Step: StepCode}, nil
}

func (f *Flow) onCode(ctx context.Context, p *pending, text string) (Reply, error) {
	code := strings.Join(strings.Fields(text), "")
	if code == "" {
		return Reply{Text: promptCode, Step: StepCode}, faults.Invalid("code", "empty")
	}
	sctx, cancel := f.stepContext(ctx)
	defer cancel()
	err := p.conn.SignIn(sctx, p.phone, code, p.code)
	switch {
	case errors.Is(err, faults.ErrPasswordRequired):
		p.step = StepPassword
		return Reply{Text: promptPassword, Step: StepPassword}, nil
	case err != nil:
		return Reply{}, f.stepErr(sctx, "sign_in", err)
	}
	return f.finish(ctx, p)
}

func (f *Flow) onPassword(ctx context.Context, p *pending, text string) (Reply, error) {
	if text == "" {
		return Reply{Text: promptPassword, Step: StepPassword}, faults.Invalid("password", "empty")
	}
	sctx, cancel := f.stepContext(ctx)
	defer cancel()
	err := p.conn.CheckPassword(sctx, text)
	switch {
	case errors.Is(err, faults.ErrPasswordInvalid):
		logger.Info(ctx, logger.CompLogin, "login.password.invalid")
		return Reply{Text: "❌ Wrong password. Please try again:", Step: StepPassword}, nil
	case err != nil:
		return Reply{}, f.stepErr(sctx, "check_password", err)
	}
	return f.finish(ctx, p)
}

// finish stores the session and hands the authorized connection to the supervisor.
func (f *Flow) finish(ctx context.Context, p *pending) (Reply, error) {
	sctx, cancel := f.stepContext(ctx)
	defer cancel()
	token, err := p.conn.ExportSession(sctx)
	if err != nil {
		return Reply{}, f.stepErr(sctx, "export_session", err)
	}
	if token == "" {
		return Reply{}, errors.New("login: platform returned an empty session")
	}

	rec := session.Record{
		UserID:       p.userID,
		APIID:        p.apiID,
		APISecret:    p.apiSecret,
		SessionToken: token,
		DesiredTasks: map[string]bool{},
	}
	// Announce the hand-off before storing so no pass dials the new token.
	conn := p.conn.Conn()
	if conn != nil {
		f.opts.Bridge.Expect(p.userID)
	}
	if err := f.opts.Store.Upsert(ctx, rec); err != nil {
		if conn != nil {
			f.opts.Bridge.Settle(p.userID)
		}
		return Reply{}, fmt.Errorf("login: store session: %w", err)
	}

	p.conn = nil
	p.gone = true
	if conn != nil {
		f.opts.Bridge.HandOff(bridge.Adoption{UserID: p.userID, Token: token, Conn: conn})
	} else {
		f.opts.Bridge.RequestReconciliation()
	}

	logger.Info(ctx, logger.CompLogin, "login.success",
		slog.Bool("adopted", conn != nil),
	)
	return Reply{Text: msgSuccess, Step: StepNone, Done: true}, nil
}

func (f *Flow) stepContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, f.opts.StepTimeout)
}

// stepErr turns an exceeded step deadline into ErrProtocolTimeout.
func (f *Flow) stepErr(sctx context.Context, stage string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(sctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s", faults.ErrProtocolTimeout, stage)
	}
	return fmt.Errorf("%s: %w", stage, err)
}

// abort ends the login after a failure. Callers hold p.mu.
func (f *Flow) abort(ctx context.Context, p *pending, err error) Reply {
	step := p.step
	p.close()
	f.take(p.userID, p)
	class := faults.Classify(err)
	logger.Warn(p.logCtx(ctx), logger.CompLogin, "login.failed",
		slog.String("step", string(step)),
		slog.String("class", string(class)),
		slog.String("err", logger.SanitizeLimit(err.Error(), 256)),
	)
	return Reply{Text: failureText(err), Step: StepNone, Failed: true}
}

func failureText(err error) string {
	switch {
	case errors.Is(err, faults.ErrProtocolTimeout):
		return "⌛ The platform did not answer in time. Login cancelled, use /userbot to start again."
	case errors.Is(err, faults.ErrCodeInvalid):
		return "❌ The code is invalid or expired. Login cancelled, use /userbot to start again."
	}
	return "❌ Login failed: " + logger.SanitizeLimit(err.Error(), 200) + "\nUse /userbot to start again."
}

// Expire discards logins idle since before now-IdleTimeout and tells their
// users. Logins busy with a platform round-trip are skipped.
func (f *Flow) Expire(ctx context.Context, now time.Time) int {
	f.mu.Lock()
	candidates := make([]*pending, 0, len(f.pending))
	for _, p := range f.pending {
		candidates = append(candidates, p)
	}
	f.mu.Unlock()

	n := 0
	for _, p := range candidates {
		if !p.mu.TryLock() {
			continue
		}
		if p.gone || now.Sub(p.touched) < f.opts.IdleTimeout {
			p.mu.Unlock()
			continue
		}
		p.close()
		p.mu.Unlock()
		if f.take(p.userID, p) == nil {
			continue
		}
		n++
		logger.Info(p.logCtx(ctx), logger.CompLogin, "login.expired")
		f.opts.Bridge.Notify(p.userID, msgExpired)
	}
	return n
}

// Run expires idle logins until ctx is done, then discards the rest.
func (f *Flow) Run(ctx context.Context) error {
	every := f.opts.IdleTimeout / 4
	if every < time.Second {
		every = time.Second
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			f.closeAll()
			return nil
		case <-t.C:
			f.Expire(ctx, f.opts.Now())
		}
	}
}

func (f *Flow) closeAll() {
	f.mu.Lock()
	all := f.pending
	f.pending = make(map[int64]*pending)
	f.mu.Unlock()
	for _, p := range all {
		p.mu.Lock()
		p.close()
		p.mu.Unlock()
	}
}
