package middleware

import (
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"github.com/m3rciful/userbots/core/logger"
	tghelpers "github.com/m3rciful/userbots/core/telegram/helpers"
)

// RateLimitOptions configures behaviour of the rate limit middleware.
type RateLimitOptions struct {
	// Interval is the sustained gap between two updates of one user.
	Interval time.Duration
	// Burst lets a user send this many updates back to back. Defaults to 1.
	Burst int
	// Exclude lists update kinds that bypass the limiter: message, callback, inline_query.
	Exclude   map[string]struct{}
	OnLimited tele.HandlerFunc
}

type userLimiters struct {
	every rate.Limit
	burst int
	idle  time.Duration

	mu     sync.Mutex
	byUser map[int64]*userLimiter
	swept  time.Time
}

type userLimiter struct {
	lim  *rate.Limiter
	seen time.Time
}

func (u *userLimiters) allow(userID int64, now time.Time) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	if now.Sub(u.swept) > u.idle {
		for id, l := range u.byUser {
			if now.Sub(l.seen) > u.idle {
				delete(u.byUser, id)
			}
		}
		u.swept = now
	}
	l, ok := u.byUser[userID]
	if !ok {
		l = &userLimiter{lim: rate.NewLimiter(u.every, u.burst)}
		u.byUser[userID] = l
	}
	l.seen = now
	return l.lim.AllowN(now, 1)
}

func updateKind(upd tele.Update) string {
	switch {
	case upd.Callback != nil:
		return "callback"
	case upd.Message != nil:
		return "message"
	case upd.Query != nil:
		return "inline_query"
	}
	return "other"
}

// RateLimitMiddleware drops updates from users who exceed the configured pace.
func RateLimitMiddleware(opts RateLimitOptions) tele.MiddlewareFunc {
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}
	limiters := &userLimiters{
		every:  rate.Every(opts.Interval),
		burst:  burst,
		idle:   10 * time.Minute,
		byUser: make(map[int64]*userLimiter),
	}
	return func(next tele.HandlerFunc) tele.HandlerFunc {
		return func(c tele.Context) error {
			user := c.Sender()
			if user == nil || opts.Interval <= 0 {
				return next(c)
			}
			kind := updateKind(c.Update())
			if _, skip := opts.Exclude[kind]; skip {
				return next(c)
			}
			if limiters.allow(user.ID, time.Now()) {
				return next(c)
			}
			logger.Warn(tghelpers.BuildContext(c), "tg", "rate.limited",
				slog.String("status", "dropped"),
				slog.String("kind", kind),
			)
			if opts.OnLimited != nil {
				_ = opts.OnLimited(c)
			}
			return nil
		}
	}
}
