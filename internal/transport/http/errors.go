package http

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/nickpending/argus/internal/domain"
)

// writeError maps service errors to status codes. Validation failures use
// validationStatus: 422 for submitted bodies, 400 for query parameters.
func writeError(c echo.Context, err error, validationStatus int) error {
	var (
		verr *domain.ValidationError
		perr *domain.PolicyError
		cerr *domain.CommitError
	)
	switch {
	case errors.As(err, &verr):
		return c.JSON(validationStatus, map[string]string{"error": verr.Error(), "field": verr.Field})
	case errors.As(err, &perr):
		return c.JSON(http.StatusForbidden, map[string]string{"error": perr.Error()})
	case errors.Is(err, domain.ErrUnauthorized):
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": err.Error()})
	case errors.Is(err, domain.ErrNotFound):
		return c.JSON(http.StatusNotFound, map[string]string{"error": "not found"})
	case errors.Is(err, domain.ErrConflict):
		return c.JSON(http.StatusConflict, map[string]string{"error": "conflict"})
	case errors.As(err, &cerr):
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to store event"})
	default:
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
}
