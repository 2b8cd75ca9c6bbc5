package controller

import (
	"net/http"

	"github.com/nimburion/dlqreplay/pkg/observability/logger"
	"github.com/nimburion/dlqreplay/pkg/server/router"
)

// SuccessResponse wraps successful payloads.
type SuccessResponse struct {
	Message   string `json:"message,omitempty"`
	Data      any    `json:"data"`
	RequestID string `json:"request_id,omitempty"`
}

// Success sends data with HTTP 200 OK.
func Success(c router.Context, data any) error {
	return SuccessWithMessage(c, "", data)
}

// SuccessWithMessage sends data and a human-readable message with HTTP 200 OK.
func SuccessWithMessage(c router.Context, message string, data any) error {
	return c.JSON(http.StatusOK, SuccessResponse{
		Message:   message,
		Data:      data,
		RequestID: logger.RequestIDFromContext(c.Request().Context()),
	})
}

// Error sends the response MapError derives from err.
func Error(c router.Context, err error) error {
	status, body := MapError(c.Request().Context(), err)
	return c.JSON(status, body)
}
