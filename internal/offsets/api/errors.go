package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"carbon-scribe/agri-credit/internal/offsets"
)

// statusFor maps pipeline errors onto HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, offsets.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, offsets.ErrValidation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, offsets.ErrIntegrity), errors.Is(err, offsets.ErrQuarantined):
		return http.StatusUnprocessableEntity
	case errors.Is(err, offsets.ErrInvalidTransition),
		errors.Is(err, offsets.ErrConflict),
		errors.Is(err, offsets.ErrNotAssigned),
		errors.Is(err, offsets.ErrAlreadyAnchored),
		errors.Is(err, offsets.ErrNotOptedIn):
		return http.StatusConflict
	case errors.Is(err, offsets.ErrNoReviewerAvailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, offsets.ErrLedger):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// fail writes err as a JSON error body with any structured detail it carries
func (h *Handler) fail(c *gin.Context, msg string, err error) {
	status := statusFor(err)
	body := gin.H{"error": err.Error()}

	var validationErr *offsets.ValidationError
	if errors.As(err, &validationErr) {
		body["issues"] = validationErr.Issues
	}
	var transitionErr *offsets.TransitionError
	if errors.As(err, &transitionErr) {
		body["current_status"] = transitionErr.Current
	}
	var integrityErr *offsets.IntegrityError
	if errors.As(err, &integrityErr) {
		body["expected_hash"] = integrityErr.Expected
		body["actual_hash"] = integrityErr.Actual
	}

	if status >= http.StatusInternalServerError {
		h.logger.Error(msg, zap.Error(err), zap.String("path", c.FullPath()))
	} else {
		h.logger.Warn(msg, zap.Error(err), zap.String("path", c.FullPath()), zap.Int("status", status))
	}
	c.JSON(status, body)
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}
