// Package menu is the bot-side control panel: users connect a userbot,
// switch its tasks and disconnect it; admins list every live session.
package menu

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	tele "gopkg.in/telebot.v4"

	"github.com/m3rciful/userbots/core/logger"
	"github.com/m3rciful/userbots/core/telegram"
	"github.com/m3rciful/userbots/core/telegram/callbacks"
	"github.com/m3rciful/userbots/core/telegram/commands"
	tghelpers "github.com/m3rciful/userbots/core/telegram/helpers"
	"github.com/m3rciful/userbots/core/telegram/keyboard"
	"github.com/m3rciful/userbots/core/telegram/state"
	"github.com/m3rciful/userbots/userbot/login"
	"github.com/m3rciful/userbots/userbot/session"
	"github.com/m3rciful/userbots/userbot/supervisor"
	"github.com/m3rciful/userbots/userbot/tasks"
)

// StateLogin marks a user who is typing answers to the login conversation.
const StateLogin state.State = "ub_login"

const (
	statusTimeout = 2 * time.Second

	msgNothingToCancel = "Nothing to cancel."
	msgNotConnected    = "You have no userbot connected."
	msgDisconnected    = "Userbot disconnected. Its session was removed."
	msgTaskGone        = "This task is no longer installed."
	msgUseMenu         = "Send /userbot to open the userbot panel."
	msgNoDocuments     = "Files are not supported here."
)

// Status reports what the supervisor is currently running.
type Status interface {
	Lookup(ctx context.Context, userID int64) (supervisor.HandleInfo, bool, error)
	Snapshot(ctx context.Context) ([]supervisor.HandleInfo, error)
}

// Catalog lists the installed tasks.
type Catalog interface {
	List() []tasks.Descriptor
	Has(id string) bool
}

// Reconciler is poked after every change to stored records.
type Reconciler interface {
	RequestReconciliation()
}

// Options wires the menu to the rest of the service.
type Options struct {
	Store      session.Store
	Status     Status
	Tasks      Catalog
	Login      *login.Flow
	Reconciler Reconciler
	FSM        state.Manager
	Now        func() time.Time
}

// Menu owns the bot handlers for the userbot panel.
type Menu struct {
	opts Options
}

// New validates options and builds a Menu.
func New(opts Options) (*Menu, error) {
	switch {
	case opts.Store == nil:
		return nil, errors.New("menu: store is required")
	case opts.Status == nil:
		return nil, errors.New("menu: status is required")
	case opts.Tasks == nil:
		return nil, errors.New("menu: task catalog is required")
	case opts.Login == nil:
		return nil, errors.New("menu: login flow is required")
	case opts.Reconciler == nil:
		return nil, errors.New("menu: reconciler is required")
	case opts.FSM == nil:
		return nil, errors.New("menu: state manager is required")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Menu{opts: opts}, nil
}

// Register installs commands, callbacks and the login FSM handler.
func (m *Menu) Register(reg *telegram.Registry) error {
	cmds := []struct {
		name string
		cmd  commands.Command
	}{
		{"/start", commands.Command{Handler: m.onPanel, Description: "Open the userbot panel"}},
		{"/userbot", commands.Command{Handler: m.onPanel, Description: "Manage your userbot", Aliases: []string{"/menu"}}},
		{"/cancel", commands.Command{Handler: m.onCancel, Description: "Cancel the current login"}},
		{"/sessions", commands.Command{Handler: m.onSessions, Description: "List running userbot sessions", AdminOnly: true}},
	}
	for _, c := range cmds {
		if err := reg.RegisterCommand(c.name, c.cmd); err != nil {
			return fmt.Errorf("menu: %w", err)
		}
	}

	for key, h := range map[string]tele.HandlerFunc{
		CbMenu:       m.onPanel,
		CbConnect:    m.onConnect,
		CbToggle:     m.onToggle,
		CbDisconnect: m.onDisconnect,
		CbCancel:     m.onCancel,
	} {
		if err := reg.RegisterCallback(key, h); err != nil {
			return fmt.Errorf("menu: register %s: %w", key, err)
		}
	}
	m.opts.FSM.RegisterHandler(StateLogin, m.onLoginText)
	return nil
}

// UnknownText answers messages outside any conversation.
func (m *Menu) UnknownText() tele.HandlerFunc {
	return func(c tele.Context) error { return tghelpers.SendText(c, msgUseMenu) }
}

// UnknownDocument answers uploads, which the panel never expects.
func (m *Menu) UnknownDocument() tele.HandlerFunc {
	return func(c tele.Context) error { return tghelpers.SendText(c, msgNoDocuments) }
}

// UnknownCallback answers presses on buttons from an older panel.
func (m *Menu) UnknownCallback() tele.HandlerFunc {
	return func(c tele.Context) error { return m.onPanel(c) }
}

func senderID(c tele.Context) (int64, bool) {
	if s := c.Sender(); s != nil {
		return s.ID, true
	}
	return 0, false
}

func (m *Menu) onPanel(c tele.Context) error {
	uid, ok := senderID(c)
	if !ok {
		return nil
	}
	ctx := tghelpers.WithHandler(c, "menu.panel")
	text, rm := m.panel(ctx, uid)
	return tghelpers.EditOrSendText(c, text, rm)
}

func (m *Menu) onConnect(c tele.Context) error {
	uid, ok := senderID(c)
	if !ok {
		return nil
	}
	ctx := tghelpers.WithHandler(c, "menu.connect")
	r := m.connect(ctx, uid)
	return tghelpers.SendText(c, r.Text, &tele.SendOptions{ReplyMarkup: cancelMarkup()})
}

func (m *Menu) onLoginText(c tele.Context) error {
	uid, ok := senderID(c)
	if !ok {
		return nil
	}
	ctx := tghelpers.WithHandler(c, "menu.login")
	r, secret := m.loginText(ctx, uid, c.Text())
	if secret {
		if err := c.Delete(); err != nil {
			logger.Debug(ctx, logger.CompMenu, "secret.delete.fail", slog.String("err", err.Error()))
		}
	}
	if r.Step == login.StepNone {
		return tghelpers.SendText(c, r.Text)
	}
	return tghelpers.SendText(c, r.Text, &tele.SendOptions{ReplyMarkup: cancelMarkup()})
}

func (m *Menu) onCancel(c tele.Context) error {
	uid, ok := senderID(c)
	if !ok {
		return nil
	}
	ctx := tghelpers.WithHandler(c, "menu.cancel")
	text := m.cancel(ctx, uid)
	return tghelpers.EditOrSendText(c, text)
}

func (m *Menu) onToggle(c tele.Context) error {
	uid, ok := senderID(c)
	if !ok {
		return nil
	}
	ctx := tghelpers.WithHandler(c, "menu.toggle")
	parts, err := callbacks.PayloadParts(c, "|")
	payload := ""
	if err == nil && len(parts) == 2 {
		payload = parts[0] + "|" + parts[1]
	}
	notice, err := m.toggle(ctx, uid, payload)
	if err != nil {
		logger.Warn(ctx, logger.CompMenu, "toggle.fail",
			slog.Int64("user_id", uid),
			slog.String("err", err.Error()),
		)
		notice = "Could not change the task, try again."
	}
	text, rm := m.panel(ctx, uid)
	return tghelpers.EditOrSendText(c, notice+"\n\n"+text, rm)
}

func (m *Menu) onDisconnect(c tele.Context) error {
	uid, ok := senderID(c)
	if !ok {
		return nil
	}
	ctx := tghelpers.WithHandler(c, "menu.disconnect")
	removed, err := m.disconnect(ctx, uid)
	if err != nil {
		logger.Error(ctx, logger.CompMenu, "disconnect.fail",
			slog.Int64("user_id", uid),
			slog.String("err", err.Error()),
		)
		return tghelpers.SendText(c, "Could not disconnect, try again later.")
	}
	if !removed {
		return tghelpers.EditOrSendText(c, msgNotConnected)
	}
	text, rm := m.panel(ctx, uid)
	return tghelpers.EditOrSendText(c, msgDisconnected+"\n\n"+text, rm)
}

func (m *Menu) onSessions(c tele.Context) error {
	ctx := tghelpers.WithHandler(c, "menu.sessions")
	sctx, cancel := context.WithTimeout(ctx, statusTimeout)
	defer cancel()
	all, err := m.opts.Status.Snapshot(sctx)
	if err != nil {
		return tghelpers.SendText(c, "Session list is unavailable: "+err.Error())
	}
	return tghelpers.SendText(c, formatSessions(all, m.opts.Now()))
}

func (m *Menu) panel(ctx context.Context, userID int64) (string, *tele.ReplyMarkup) {
	v := panelView{tasks: m.opts.Tasks.List(), now: m.opts.Now()}
	rec, err := m.opts.Store.Get(ctx, userID)
	switch {
	case err == nil:
		v.rec = &rec
	case errors.Is(err, session.ErrNotFound):
	default:
		logger.Warn(ctx, logger.CompMenu, "panel.store.fail",
			slog.Int64("user_id", userID),
			slog.String("err", err.Error()),
		)
		return "The userbot panel is unavailable right now, try again later.", nil
	}
	if v.rec != nil {
		sctx, cancel := context.WithTimeout(ctx, statusTimeout)
		v.handle, v.hasHandle, err = m.opts.Status.Lookup(sctx, userID)
		cancel()
		v.statusErr = err != nil
	}
	return renderPanel(v)
}

func (m *Menu) connect(ctx context.Context, userID int64) login.Reply {
	r := m.opts.Login.Start(ctx, userID)
	m.opts.FSM.SetState(userID, StateLogin)
	return r
}

// loginText feeds one answer to the login and reports whether the
// message carried a secret that should not stay in the chat.
func (m *Menu) loginText(ctx context.Context, userID int64, text string) (login.Reply, bool) {
	step := m.opts.Login.Step(userID)
	secret := step == login.StepAPISecret || step == login.StepCode || step == login.StepPassword
	r := m.opts.Login.Handle(ctx, userID, text)
	if r.Step == login.StepNone {
		m.opts.FSM.ClearState(userID)
	}
	return r, secret
}

func (m *Menu) cancel(ctx context.Context, userID int64) string {
	had := m.opts.FSM.GetState(userID) == StateLogin
	m.opts.FSM.ClearState(userID)
	if m.opts.Login.Cancel(ctx, userID) || had {
		return login.CancelledText
	}
	return msgNothingToCancel
}

func (m *Menu) toggle(ctx context.Context, userID int64, payload string) (string, error) {
	taskID, on, err := parseToggle(payload)
	if err != nil {
		return "", err
	}
	if on && !m.opts.Tasks.Has(taskID) {
		return msgTaskGone, nil
	}
	err = m.opts.Store.Update(ctx, userID, session.SetTask(taskID, on))
	if errors.Is(err, session.ErrNotFound) {
		return msgNotConnected, nil
	}
	if err != nil {
		return "", err
	}
	m.opts.Reconciler.RequestReconciliation()
	logger.Info(ctx, logger.CompMenu, "task.toggled",
		slog.Int64("user_id", userID),
		slog.String("task_id", taskID),
		slog.Bool("on", on),
	)
	if on {
		return "Task enabled.", nil
	}
	return "Task disabled.", nil
}

func (m *Menu) disconnect(ctx context.Context, userID int64) (bool, error) {
	m.opts.Login.Cancel(ctx, userID)
	m.opts.FSM.ClearState(userID)
	if _, err := m.opts.Store.Get(ctx, userID); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if err := m.opts.Store.Delete(ctx, userID); err != nil {
		return false, err
	}
	m.opts.Reconciler.RequestReconciliation()
	logger.Info(ctx, logger.CompMenu, "session.disconnected", slog.Int64("user_id", userID))
	return true, nil
}

func cancelMarkup() *tele.ReplyMarkup {
	return keyboard.SingleCancelMarkup(CbCancel)
}
