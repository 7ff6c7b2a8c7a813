package middleware

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"github.com/m3rciful/userbots/core/logger"
	"github.com/m3rciful/userbots/core/telegram/callbacks"
	tghelpers "github.com/m3rciful/userbots/core/telegram/helpers"
)

const seenCapacity = 512

// seenUpdates remembers the last update ids so a receipt is logged once even
// when the middleware wraps several routes.
type seenUpdates struct {
	mu   sync.Mutex
	ring [seenCapacity]int
	next int
	set  map[int]struct{}
}

func (s *seenUpdates) firstTime(id int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.set == nil {
		s.set = make(map[int]struct{}, seenCapacity)
	}
	if _, ok := s.set[id]; ok {
		return false
	}
	if len(s.set) == seenCapacity {
		delete(s.set, s.ring[s.next])
	}
	s.ring[s.next] = id
	s.next = (s.next + 1) % seenCapacity
	s.set[id] = struct{}{}
	return true
}

var seen seenUpdates

// LoggerMiddleware attaches the update correlation context and logs one
// receipt line per update. Free text is never logged because login answers
// carry credentials; only commands are shown verbatim.
func LoggerMiddleware(next tele.HandlerFunc) tele.HandlerFunc {
	return func(c tele.Context) error {
		upd := c.Update()
		var chatID, userID int64
		if chat := c.Chat(); chat != nil {
			chatID = chat.ID
		}
		if user := c.Sender(); user != nil {
			userID = user.ID
		}
		rid := logger.BuildRID(upd.ID, chatID, userID)
		c.Set("rid", rid)
		c.Set("update_start", time.Now())

		ctx := logger.WithRID(context.Background(), rid)
		ctx = logger.WithUpdateMeta(ctx, upd.ID, userID, chatID)
		ctx = logger.WithLogger(ctx, logger.TG)
		tghelpers.StoreContext(c, ctx)

		if logger.ShouldSampleDebug() && seen.firstTime(upd.ID) {
			logger.LogEvent(ctx, logger.TG, slog.LevelDebug, "update.received", receiptAttrs(c, upd)...)
		}
		return next(c)
	}
}

func receiptAttrs(c tele.Context, upd tele.Update) []slog.Attr {
	attrs := []slog.Attr{slog.String("status", "ok")}
	if chat := c.Chat(); chat != nil {
		attrs = append(attrs, slog.String("chat_type", string(chat.Type)))
	}
	if user := c.Sender(); user != nil && user.Username != "" {
		attrs = append(attrs, slog.String("username", logger.SanitizeLimit(user.Username, 64)))
	}
	switch {
	case upd.Callback != nil:
		key, payload := callbacks.Parse(upd.Callback)
		attrs = append(attrs, slog.String("cb_key", logger.SanitizeLimit(key, 128)))
		if payload != "" {
			attrs = append(attrs, slog.String("payload", logger.SanitizeLimit(payload, 128)))
		}
	case upd.Message != nil:
		text := c.Text()
		if strings.HasPrefix(text, "/") {
			cmd, _, _ := strings.Cut(text, " ")
			attrs = append(attrs, slog.String("command", logger.SanitizeLimit(cmd, 64)))
		} else if text != "" {
			attrs = append(attrs, slog.Int("text_len", len([]rune(text))))
		}
	}
	return attrs
}
