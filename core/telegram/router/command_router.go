package router

import (
	"context"
	"log/slog"

	tele "gopkg.in/telebot.v4"

	"github.com/m3rciful/userbots/core/logger"
	tg "github.com/m3rciful/userbots/core/telegram"
	"github.com/m3rciful/userbots/core/telegram/commands"
	"github.com/m3rciful/userbots/core/telegram/middleware"
)

// CommandRouteOptions configures how commands are wrapped and exposed.
type CommandRouteOptions struct {
	AdminID       int64
	OnAdminReject tele.HandlerFunc
}

func (o CommandRouteOptions) wrap(name string, def commands.Command) tele.HandlerFunc {
	h := func(c tele.Context) error { return run(c, handlerName("command.", name), def.Handler) }
	if def.AdminOnly {
		h = middleware.AdminOnlyMiddleware(middleware.AdminOptions{
			AdminID:  o.AdminID,
			OnReject: o.OnAdminReject,
		})(h)
	}
	return middleware.LoggerMiddleware(middleware.RecoverMiddleware(h))
}

// CommandRoutes returns one route per command name and alias.
func CommandRoutes(reg *tg.Registry, opts CommandRouteOptions) []tg.Route {
	if reg == nil {
		return nil
	}
	defs := reg.Commands()
	endpoints := reg.Endpoints()
	routes := make([]tg.Route, 0, len(endpoints))
	for endpoint, name := range endpoints {
		routes = append(routes, tg.Route{
			Endpoint: endpoint,
			Handler:  opts.wrap(name, defs[name]),
		})
	}
	logger.TWire.LogAttrs(context.Background(), slog.LevelInfo, "routes.commands",
		slog.Int("commands", len(defs)),
		slog.Int("endpoints", len(routes)),
		slog.Int("callbacks", len(reg.ListCallbacks())),
	)
	return routes
}
