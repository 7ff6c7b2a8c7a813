package router

import (
	"log/slog"

	tele "gopkg.in/telebot.v4"

	tg "github.com/m3rciful/userbots/core/telegram"
	"github.com/m3rciful/userbots/core/telegram/callbacks"
	"github.com/m3rciful/userbots/core/telegram/middleware"
)

// CallbackOptions customises fallback behaviour for callbacks.
type CallbackOptions struct {
	NotFound tele.HandlerFunc
}

// CallbackRoute answers every button press and dispatches it by key.
func CallbackRoute(reg *tg.Registry, opts CallbackOptions) tg.Route {
	handler := func(c tele.Context) error {
		if c.Callback() == nil {
			return nil
		}
		key, _ := callbacks.Parse(c.Callback())
		name := handlerName("callback.", key)
		keyAttr := slog.String("cb_key", key)

		if h, ok := reg.GetCallback(key); ok {
			_ = c.Respond()
			return run(c, name, h, keyAttr)
		}
		fallback := opts.NotFound
		if fallback == nil {
			fallback = reg.CallbackNotFound()
		} else {
			_ = c.Respond()
		}
		if fallback == nil {
			skip(c, name)
			return nil
		}
		return run(c, name, fallback, keyAttr, slog.String("reason", "not_found"))
	}
	return tg.Route{
		Endpoint: tele.OnCallback,
		Handler:  middleware.LoggerMiddleware(middleware.RecoverMiddleware(handler)),
	}
}
