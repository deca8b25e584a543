package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	match "github.com/0x5487/margin-engine"
)

// Response is the envelope of every reply.
type Response struct {
	Success   bool   `json:"success"`
	Data      any    `json:"data,omitempty"`
	Error     string `json:"error,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

func ok(c *gin.Context, status int, data any) {
	c.JSON(status, Response{
		Success:   true,
		Data:      data,
		RequestID: c.GetString(requestIDKey),
	})
}

func fail(c *gin.Context, err error) {
	status := statusOf(err)
	if status >= http.StatusInternalServerError {
		_ = c.Error(err)
	}
	c.AbortWithStatusJSON(status, Response{
		Error:     err.Error(),
		RequestID: c.GetString(requestIDKey),
	})
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, match.ErrInvalidParam),
		errors.Is(err, match.ErrInvalidAmount):
		return http.StatusBadRequest
	case errors.Is(err, match.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, match.ErrOrderNotFound),
		errors.Is(err, match.ErrUnknownMarket),
		errors.Is(err, match.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, match.ErrMarketInactive),
		errors.Is(err, match.ErrMarketHalted),
		errors.Is(err, match.ErrAccountPaused):
		return http.StatusConflict
	case errors.Is(err, match.ErrInsufficientBalance),
		errors.Is(err, match.ErrInsufficientLocked):
		return http.StatusUnprocessableEntity
	case errors.Is(err, match.ErrShutdown),
		errors.Is(err, match.ErrTimeout):
		return http.StatusServiceUnavailable
	case errors.Is(err, match.ErrNoLender):
		return http.StatusNotImplemented
	}
	return http.StatusInternalServerError
}
