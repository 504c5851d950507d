package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/nimburion/sharedqueue/pkg/jobs"
	"github.com/nimburion/sharedqueue/pkg/mail"
)

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// mapError classifies err into a status code and error category. Unclassified
// errors are reported as internal without exposing their text.
func mapError(err error) (int, ErrorResponse) {
	switch {
	case errors.Is(err, mail.ErrInvalidMessage), errors.Is(err, jobs.ErrValidation), errors.Is(err, jobs.ErrInvalidArgument):
		return http.StatusBadRequest, ErrorResponse{Error: "validation_error", Message: err.Error()}
	case errors.Is(err, jobs.ErrNotFound):
		return http.StatusNotFound, ErrorResponse{Error: "not_found", Message: err.Error()}
	case errors.Is(err, jobs.ErrConflict):
		return http.StatusConflict, ErrorResponse{Error: "conflict", Message: err.Error()}
	case errors.Is(err, jobs.ErrClosed):
		return http.StatusServiceUnavailable, ErrorResponse{Error: "unavailable", Message: "queue backend is closed"}
	default:
		return http.StatusInternalServerError, ErrorResponse{Error: "internal_server_error", Message: "an unexpected error occurred"}
	}
}

// abortWithError writes the mapped error reply and attaches err for the
// request log.
func abortWithError(c *gin.Context, err error) {
	status, body := mapError(err)
	body.RequestID = c.GetString(requestIDKey)
	_ = c.Error(err)
	c.AbortWithStatusJSON(status, body)
}

func abortWithStatus(c *gin.Context, status int, category, message string) {
	c.AbortWithStatusJSON(status, ErrorResponse{
		Error:     category,
		Message:   message,
		RequestID: c.GetString(requestIDKey),
	})
}
