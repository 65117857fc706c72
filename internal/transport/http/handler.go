package http

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/nickpending/argus/internal/hub"
	"github.com/nickpending/argus/internal/service"
)

// Handler handles HTTP requests.
type Handler struct {
	service *service.Service
	hub     *hub.Hub
}

// NewHandler creates a new handler.
func NewHandler(service *service.Service, hub *hub.Hub) *Handler {
	return &Handler{
		service: service,
		hub:     hub,
	}
}

// RegisterRoutes registers routes with the echo server. Everything except
// /health goes through the api middleware.
func (h *Handler) RegisterRoutes(e *echo.Echo, mw ...echo.MiddlewareFunc) {
	e.GET("/health", h.Health)

	api := e.Group("", mw...)

	// Ingestion and history
	api.POST("/events", h.PostEvent)
	api.GET("/events", h.GetEvents)
	api.GET("/events/:event_id", h.GetEvent)
	api.GET("/sources", h.GetSources)
	api.GET("/event-types", h.GetEventTypes)

	// Derived lifecycle state
	api.GET("/sessions", h.ListSessions)
	api.GET("/sessions/:session_id", h.GetSession)
	api.PATCH("/sessions/:session_id", h.EndSession)
	api.GET("/agents", h.ListAgents)
	api.GET("/agents/:agent_id", h.GetAgent)
}

// Health returns health status.
func (h *Handler) Health(c echo.Context) error {
	connections := 0
	if h.hub != nil {
		connections = h.hub.ConnectionCount()
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":      "healthy",
		"connections": connections,
	})
}
