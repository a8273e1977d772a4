package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ShayCichocki/fleet/internal/vault"
	"github.com/ShayCichocki/fleet/pkg/models"
)

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// statusFor maps a domain error to an HTTP status and error code.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, models.ErrInvalidLease):
		return http.StatusConflict, "invalid_lease"
	case errors.Is(err, models.ErrAgentNotFound):
		return http.StatusNotFound, "agent_not_found"
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, models.ErrInvalidArgument):
		return http.StatusBadRequest, "invalid_argument"
	case errors.Is(err, models.ErrTenantQuotaExceeded):
		return http.StatusTooManyRequests, "tenant_quota_exceeded"
	case errors.Is(err, models.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, models.ErrStaleState):
		return http.StatusConflict, "stale_state"
	case errors.Is(err, models.ErrCapacityExceeded):
		return http.StatusConflict, "capacity_exceeded"
	case errors.Is(err, vault.ErrDisabled):
		return http.StatusServiceUnavailable, "vault_unavailable"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func (s *Server) fail(c *gin.Context, err error) {
	status, code := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "route", c.FullPath(), "error", err)
		msg = "internal server error"
	}
	c.AbortWithStatusJSON(status, errorBody{Error: code, Message: msg})
}

func badRequest(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusBadRequest, errorBody{Error: "invalid_argument", Message: err.Error()})
}
