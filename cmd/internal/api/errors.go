package api

import (
	"context"
	"errors"
	"net/http"

	"parley/cmd/internal/messaging"
)

// statusFor maps engine error kinds onto HTTP status and a stable error code.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, messaging.ErrInvalidInput):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, messaging.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, messaging.ErrPermissionDenied):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, messaging.ErrConversationClosed):
		return http.StatusConflict, "conversation_closed"
	case errors.Is(err, messaging.ErrSchemaMissing), errors.Is(err, messaging.ErrNetwork):
		return http.StatusServiceUnavailable, "unavailable"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	default:
		return http.StatusInternalServerError, "server_error"
	}
}

func (h *Handler) writeServiceError(w http.ResponseWriter, op string, err error) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.Error(op+".fail", "err", err)
	} else {
		h.log.Info(op+".rejected", "code", code, "err", err)
	}
	writeError(w, status, code, messaging.UserMessage(err))
}
