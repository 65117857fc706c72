package http

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/nickpending/argus/internal/domain"
)

// EndSessionRequest is the optional body of PATCH /sessions/:session_id.
type EndSessionRequest struct {
	Status string `json:"status"`
}

// ListSessions lists known sessions, most recently active first.
func (h *Handler) ListSessions(c echo.Context) error {
	sessions := h.service.Sessions()
	if sessions == nil {
		sessions = []domain.Session{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"sessions": sessions})
}

// GetSession returns one session.
func (h *Handler) GetSession(c echo.Context) error {
	sess, err := h.service.Session(c.Param("session_id"))
	if err != nil {
		return writeError(c, err, http.StatusBadRequest)
	}
	return c.JSON(http.StatusOK, sess)
}

// EndSession marks an active session ended.
func (h *Handler) EndSession(c echo.Context) error {
	var req EndSessionRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusUnprocessableEntity, map[string]string{"error": "invalid JSON body"})
	}
	if req.Status != "" && req.Status != string(domain.SessionStatusEnded) {
		return writeError(c, &domain.ValidationError{Field: "status", Message: "only \"ended\" is supported"}, http.StatusUnprocessableEntity)
	}

	id := c.Param("session_id")
	if _, err := h.service.EndSession(c.Request().Context(), id); err != nil {
		return writeError(c, err, http.StatusUnprocessableEntity)
	}

	sess, err := h.service.Session(id)
	if err != nil {
		return writeError(c, err, http.StatusBadRequest)
	}
	return c.JSON(http.StatusOK, sess)
}

// ListAgents lists agents, optionally scoped by ?session_id=.
func (h *Handler) ListAgents(c echo.Context) error {
	agents := h.service.Agents(c.QueryParam("session_id"))
	if agents == nil {
		agents = []domain.Agent{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"agents": agents})
}

// GetAgent returns one agent.
func (h *Handler) GetAgent(c echo.Context) error {
	agent, err := h.service.Agent(c.Param("agent_id"))
	if err != nil {
		return writeError(c, err, http.StatusBadRequest)
	}
	return c.JSON(http.StatusOK, agent)
}
