// Package http provides the HTTP server for argus.
package http

import (
	"log/slog"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nickpending/argus/internal/auth"
	"github.com/nickpending/argus/internal/hub"
	"github.com/nickpending/argus/internal/service"
	"github.com/nickpending/argus/internal/ws"
)

// ServerOptions wires the server's collaborators.
type ServerOptions struct {
	Service      *service.Service
	Hub          *hub.Hub
	WebSocket    *ws.Server
	Keys         auth.Keys
	MaxBodyBytes int64
	Gatherer     prometheus.Gatherer
	Logger       *slog.Logger
}

// NewServer creates and configures the HTTP server. /health and /ws are
// reachable without an API key; /ws authenticates in-band.
func NewServer(opts ServerOptions) *echo.Echo {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:   true,
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			level := slog.LevelDebug
			if v.Status >= 500 {
				level = slog.LevelWarn
			}
			attrs := []any{"method", v.Method, "uri", v.URI, "status", v.Status, "latency", v.Latency}
			if v.Error != nil {
				attrs = append(attrs, "error", v.Error)
			}
			logger.Log(c.Request().Context(), level, "request", attrs...)
			return nil
		},
	}))

	// The body limit runs after the key check so unauthenticated callers
	// always see 401.
	api := []echo.MiddlewareFunc{APIKeyAuth(opts.Keys)}
	if opts.MaxBodyBytes > 0 {
		api = append(api, middleware.BodyLimit(strconv.FormatInt(opts.MaxBodyBytes, 10)))
	}

	h := NewHandler(opts.Service, opts.Hub)
	h.RegisterRoutes(e, api...)

	if opts.WebSocket != nil {
		e.GET("/ws", opts.WebSocket.HandleWebSocket)
	}
	if opts.Gatherer != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})), APIKeyAuth(opts.Keys))
	}

	return e
}
