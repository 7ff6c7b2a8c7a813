package router

import (
	tele "gopkg.in/telebot.v4"

	tg "github.com/m3rciful/userbots/core/telegram"
	"github.com/m3rciful/userbots/core/telegram/middleware"
)

// FSM routes the next message of a user who is inside a conversation.
type FSM interface {
	InProgress(userID int64) bool
	Dispatch(c tele.Context) error
}

// Fallbacks answers updates that no command, callback or conversation
// claims.
type Fallbacks interface {
	UnknownText() tele.HandlerFunc
	UnknownDocument() tele.HandlerFunc
	UnknownCallback() tele.HandlerFunc
}

// TextOptions controls fallback behaviour for text and document updates.
type TextOptions struct {
	// Commands wraps commands reached through free text, e.g. "/Menu".
	Commands        CommandRouteOptions
	UnknownText     tele.HandlerFunc
	UnknownDocument tele.HandlerFunc
}

// FallbackTextOptions fills the unknown-text and unknown-document handlers
// from f.
func FallbackTextOptions(f Fallbacks, cmds CommandRouteOptions) TextOptions {
	return TextOptions{
		Commands:        cmds,
		UnknownText:     f.UnknownText(),
		UnknownDocument: f.UnknownDocument(),
	}
}

func inConversation(fsm FSM, c tele.Context) bool {
	return fsm != nil && c.Sender() != nil && fsm.InProgress(c.Sender().ID)
}

// TextRoutes sends text to the active conversation first, then to commands
// telebot did not match on its own, then to the fallback.
func TextRoutes(fsm FSM, reg *tg.Registry, opts TextOptions) []tg.Route {
	text := func(c tele.Context) error {
		if reg != nil {
			if name, def, ok := reg.LookupCommand(c.Text()); ok {
				return opts.Commands.wrap(name, def)(c)
			}
		}
		if inConversation(fsm, c) {
			return run(c, "fsm", fsm.Dispatch)
		}
		if opts.UnknownText != nil {
			return run(c, "unknown_text", opts.UnknownText)
		}
		skip(c, "unknown_text")
		return nil
	}

	document := func(c tele.Context) error {
		if inConversation(fsm, c) {
			return run(c, "fsm_document", fsm.Dispatch)
		}
		if opts.UnknownDocument != nil {
			return run(c, "unexpected_document", opts.UnknownDocument)
		}
		skip(c, "unexpected_document")
		return nil
	}

	return []tg.Route{
		{Endpoint: tele.OnText, Handler: middleware.LoggerMiddleware(middleware.RecoverMiddleware(text))},
		{Endpoint: tele.OnDocument, Handler: middleware.LoggerMiddleware(middleware.RecoverMiddleware(document))},
	}
}
