package controller

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/nimburion/dlqreplay/pkg/observability/logger"
)

// ErrorResponse is the body of every error answer.
type ErrorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

// HTTPError carries the status code and the client-facing message of a failed request.
type HTTPError struct {
	Status  int
	Message string
	Err     error
}

func (e *HTTPError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *HTTPError) Unwrap() error { return e.Err }

// NewBadRequestError creates a 400 error.
func NewBadRequestError(message string, cause error) *HTTPError {
	return &HTTPError{Status: http.StatusBadRequest, Message: message, Err: cause}
}

// NewNotFoundError creates a 404 error.
func NewNotFoundError(message string, cause error) *HTTPError {
	return &HTTPError{Status: http.StatusNotFound, Message: message, Err: cause}
}

// NewInternalError creates a 500 error whose message is shown to the client as is.
func NewInternalError(message string, cause error) *HTTPError {
	return &HTTPError{Status: http.StatusInternalServerError, Message: message, Err: cause}
}

// MapError converts err into a status code and response body. Errors that are not an
// *HTTPError are hidden behind a generic 500 message.
func MapError(ctx context.Context, err error) (int, ErrorResponse) {
	requestID := logger.RequestIDFromContext(ctx)

	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		return http.StatusInternalServerError, ErrorResponse{
			Error:     "an unexpected error occurred",
			RequestID: requestID,
		}
	}

	status := httpErr.Status
	if status == 0 {
		status = http.StatusInternalServerError
	}
	return status, ErrorResponse{Error: httpErr.Message, RequestID: requestID}
}
