package builtin

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/m3rciful/userbots/core/logger"
	"github.com/m3rciful/userbots/userbot/platform"
	"github.com/m3rciful/userbots/userbot/tasks"
)

const defaultAutoReplyText = "Hello! 👋\nThis is an automated reply from my Userbot."

// autoReply answers incoming messages equal to a trigger word and tells the
// owner about it.
type autoReply struct {
	d           tasks.Descriptor
	trigger     string
	reply       string
	notify      bool
	privateOnly bool
}

func newAutoReply(d tasks.Descriptor, raw map[string]any) (tasks.Module, error) {
	p := params(raw)
	m := &autoReply{d: d}
	var err error
	if m.trigger, err = p.str("trigger", "hi"); err != nil {
		return nil, err
	}
	m.trigger = strings.TrimSpace(m.trigger)
	if m.trigger == "" {
		return nil, fmt.Errorf("param trigger: empty")
	}
	if m.reply, err = p.str("reply", defaultAutoReplyText); err != nil {
		return nil, err
	}
	if m.notify, err = p.boolean("notify", true); err != nil {
		return nil, err
	}
	if m.privateOnly, err = p.boolean("private_only", true); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *autoReply) Descriptor() tasks.Descriptor { return m.d }

func (m *autoReply) Attach(conn platform.Conn, n tasks.Notifier, userID int64) error {
	conn.On(platform.Filter{Incoming: true, PrivateOnly: m.privateOnly}, func(ctx context.Context, ev platform.Event) error {
		if !strings.EqualFold(strings.TrimSpace(ev.Text), m.trigger) {
			return nil
		}
		if _, err := conn.SendMessage(ctx, ev.ChatID, m.reply, ev.MessageID); err != nil {
			return fmt.Errorf("autoreply: send: %w", err)
		}
		logger.Debug(ctx, logger.CompTasks, "autoreply.sent",
			slog.String("task_id", m.d.ID),
			slog.Int64("user_id", userID),
			slog.Int64("chat_id", ev.ChatID),
		)
		if m.notify && n != nil {
			sender := ev.SenderName
			if sender == "" {
				sender = "Unknown"
			}
			n.Notify(userID, fmt.Sprintf("🔔 Userbot activity\n\nSender: %s\nMessage: %s\nAction: auto-reply sent.",
				sender, logger.SanitizeLimit(ev.Text, 200)))
		}
		return nil
	})
	return nil
}
