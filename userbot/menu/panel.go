package menu

import (
	"fmt"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"github.com/m3rciful/userbots/core/logger"
	"github.com/m3rciful/userbots/core/telegram/keyboard"
	"github.com/m3rciful/userbots/userbot/session"
	"github.com/m3rciful/userbots/userbot/supervisor"
	"github.com/m3rciful/userbots/userbot/tasks"
)

// Callback keys.
const (
	CbMenu       = "ub_menu"
	CbConnect    = "ub_connect"
	CbToggle     = "ub_toggle"
	CbDisconnect = "ub_disconnect"
	CbCancel     = "ub_cancel"
)

type panelView struct {
	rec       *session.Record
	handle    supervisor.HandleInfo
	hasHandle bool
	statusErr bool
	tasks     []tasks.Descriptor
	now       time.Time
}

func renderPanel(v panelView) (string, *tele.ReplyMarkup) {
	if v.rec == nil || !v.rec.HasToken() {
		text := "🤖 Userbot panel\n\nYou have no userbot connected yet.\nConnecting needs your API ID and hash from my.telegram.org and a login code."
		return text, keyboard.InlineButtons([]keyboard.InlineBtn{
			{Text: "🔗 Connect userbot", Unique: CbConnect},
		})
	}

	var b strings.Builder
	b.WriteString("🤖 Userbot panel\n\n")
	fmt.Fprintf(&b, "Status: %s\n", statusLine(v))
	fmt.Fprintf(&b, "API ID: %d\n", v.rec.APIID)

	rows := make([][]keyboard.InlineBtn, 0, len(v.tasks)+1)
	if len(v.tasks) == 0 {
		b.WriteString("\nNo tasks are installed.")
	} else {
		b.WriteString("\nTasks (tap to switch):")
		for _, d := range v.tasks {
			on := v.rec.DesiredTasks[d.ID]
			mark, next := "⬜", "on"
			if on {
				mark, next = "✅", "off"
			}
			rows = append(rows, []keyboard.InlineBtn{{
				Text:   mark + " " + d.Label,
				Unique: CbToggle,
				Data:   d.ID + "|" + next,
			}})
		}
	}
	rows = append(rows, []keyboard.InlineBtn{
		{Text: "🔄 Refresh", Unique: CbMenu},
		{Text: "🔌 Disconnect", Unique: CbDisconnect},
	})
	return b.String(), keyboard.InlineButtonsRows(rows...)
}

func statusLine(v panelView) string {
	if v.statusErr {
		return "⏳ unknown, try Refresh"
	}
	if !v.hasHandle {
		return "⚪ starting"
	}
	h := v.handle
	switch h.State {
	case supervisor.StateLive:
		if h.Account != "" {
			return "🟢 online as " + logger.SanitizeLimit(h.Account, 64)
		}
		return "🟢 online"
	case supervisor.StateConnecting:
		return "🟡 connecting"
	case supervisor.StateFailed:
		wait := h.RetryAt.Sub(v.now).Round(time.Second)
		if wait <= 0 {
			return "🔴 offline, retrying now"
		}
		return fmt.Sprintf("🔴 offline, retrying in %s", wait)
	}
	return string(h.State)
}

func formatSessions(all []supervisor.HandleInfo, now time.Time) string {
	if len(all) == 0 {
		return "No userbot sessions."
	}
	var live, failed int
	var b strings.Builder
	for _, h := range all {
		switch h.State {
		case supervisor.StateLive:
			live++
		case supervisor.StateFailed:
			failed++
		}
	}
	fmt.Fprintf(&b, "Userbot sessions: %d (live %d, failed %d)\n", len(all), live, failed)
	for _, h := range all {
		fmt.Fprintf(&b, "\n• %d %s", h.UserID, h.State)
		if h.Account != "" {
			fmt.Fprintf(&b, " as %s", logger.SanitizeLimit(h.Account, 32))
		}
		if len(h.Tasks) > 0 {
			fmt.Fprintf(&b, " [%s]", strings.Join(h.Tasks, ", "))
		}
		if h.State == supervisor.StateFailed {
			fmt.Fprintf(&b, " attempt %d, retry in %s", h.Failures, h.RetryAt.Sub(now).Round(time.Second))
		} else if !h.Since.IsZero() {
			fmt.Fprintf(&b, " for %s", now.Sub(h.Since).Round(time.Second))
		}
	}
	return b.String()
}

func parseToggle(payload string) (string, bool, error) {
	parts := strings.Split(payload, "|")
	if len(parts) != 2 || parts[0] == "" {
		return "", false, fmt.Errorf("menu: bad toggle payload %q", payload)
	}
	switch parts[1] {
	case "on":
		return parts[0], true, nil
	case "off":
		return parts[0], false, nil
	}
	return "", false, fmt.Errorf("menu: bad toggle state %q", parts[1])
}
