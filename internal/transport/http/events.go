package http

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/nickpending/argus/internal/domain"
	"github.com/nickpending/argus/internal/service"
)

// PostEventResponse is returned for a captured event.
type PostEventResponse struct {
	Status  string `json:"status"`
	EventID int64  `json:"event_id"`
}

// PostEvent captures a single event.
func (h *Handler) PostEvent(c echo.Context) error {
	var in domain.EventInput
	if err := c.Bind(&in); err != nil {
		var he *echo.HTTPError
		if errors.As(err, &he) && he.Code == http.StatusRequestEntityTooLarge {
			return c.JSON(http.StatusRequestEntityTooLarge, map[string]string{"error": "request body too large"})
		}
		return c.JSON(http.StatusUnprocessableEntity, map[string]string{"error": "invalid JSON body"})
	}

	event, err := h.service.Submit(c.Request().Context(), in)
	if err != nil {
		return writeError(c, err, http.StatusUnprocessableEntity)
	}

	return c.JSON(http.StatusOK, PostEventResponse{
		Status:  "captured",
		EventID: event.ID,
	})
}

// GetEvents queries stored events, newest first.
func (h *Handler) GetEvents(c echo.Context) error {
	params := service.EventQueryParams{
		Source:    c.QueryParam("source"),
		EventType: c.QueryParam("event_type"),
		Level:     c.QueryParam("level"),
		SessionID: c.QueryParam("session_id"),
		AgentID:   c.QueryParam("agent_id"),
		Since:     c.QueryParam("since"),
		Until:     c.QueryParam("until"),
	}
	if raw := c.QueryParam("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			return writeError(c, &domain.ValidationError{Field: "limit", Message: "must be a positive integer"}, http.StatusBadRequest)
		}
		params.Limit = limit
	}

	events, err := h.service.QueryEvents(c.Request().Context(), params)
	if err != nil {
		return writeError(c, err, http.StatusBadRequest)
	}
	if events == nil {
		events = []domain.Event{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"events": events})
}

// GetEvent returns one stored event.
func (h *Handler) GetEvent(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("event_id"), 10, 64)
	if err != nil || id < 1 {
		return writeError(c, &domain.ValidationError{Field: "event_id", Message: "must be a positive integer"}, http.StatusBadRequest)
	}
	event, err := h.service.Event(c.Request().Context(), id)
	if err != nil {
		return writeError(c, err, http.StatusBadRequest)
	}
	return c.JSON(http.StatusOK, event)
}

// GetSources lists distinct event sources.
func (h *Handler) GetSources(c echo.Context) error {
	sources, err := h.service.Sources(c.Request().Context())
	if err != nil {
		return writeError(c, err, http.StatusBadRequest)
	}
	if sources == nil {
		sources = []string{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"sources": sources})
}

// GetEventTypes lists distinct event types.
func (h *Handler) GetEventTypes(c echo.Context) error {
	types, err := h.service.EventTypes(c.Request().Context())
	if err != nil {
		return writeError(c, err, http.StatusBadRequest)
	}
	if types == nil {
		types = []string{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"event_types": types})
}
