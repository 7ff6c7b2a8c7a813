package builtin

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/m3rciful/userbots/core/logger"
	"github.com/m3rciful/userbots/userbot/platform"
	"github.com/m3rciful/userbots/userbot/tasks"
)

// ping edits the owner's own command message into a status report.
type ping struct {
	d       tasks.Descriptor
	pattern *regexp.Regexp
	now     func() time.Time
}

func newPing(d tasks.Descriptor, raw map[string]any) (tasks.Module, error) {
	cmd, err := params(raw).str("command", ".test")
	if err != nil {
		return nil, err
	}
	re, err := commandPattern(cmd)
	if err != nil {
		return nil, fmt.Errorf("param command: %w", err)
	}
	return &ping{d: d, pattern: re, now: time.Now}, nil
}

func (m *ping) Descriptor() tasks.Descriptor { return m.d }

func (m *ping) Attach(conn platform.Conn, _ tasks.Notifier, _ int64) error {
	conn.On(platform.Filter{Outgoing: true, Pattern: m.pattern}, func(ctx context.Context, ev platform.Event) error {
		start := m.now()
		if err := conn.EditMessage(ctx, ev.ChatID, ev.MessageID, "📡 Ping..."); err != nil {
			return fmt.Errorf("ping: edit: %w", err)
		}
		latency := logger.RoundMS(m.now().Sub(start))
		report := fmt.Sprintf("🚀 Userbot status: ONLINE\n\nUser: %s\nPing: %s\nTask: %s",
			conn.Self().DisplayName(), latency, m.d.Label)
		if err := conn.EditMessage(ctx, ev.ChatID, ev.MessageID, report); err != nil {
			return fmt.Errorf("ping: report: %w", err)
		}
		return nil
	})
	return nil
}
