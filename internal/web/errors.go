package web

// errors.go provides unified error response handling for the web layer.
//
// Every error is logged server-side with its technical detail and the
// request id, and returned to the client as a core.UserMessage with a
// status derived from the error itself.

import (
	"errors"
	"net/http"
	"strconv"

	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/JonMunkholm/vdyp-batch/internal/core"
	"github.com/JonMunkholm/vdyp-batch/internal/fault"
)

// ErrorResponse represents the JSON structure for API error responses.
// Includes both machine-readable (Code) and human-readable (Message, Action) fields.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Action  string `json:"action,omitempty"`
	Code    string `json:"code"`
}

// retryAfterSeconds is advertised when every job slot is taken.
const retryAfterSeconds = 30

// respondError logs err and writes its user-facing form.
func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := core.MapError(err)

	requestLogger(r).Error("request error",
		"path", r.URL.Path,
		"method", r.Method,
		"status", status,
		"error", err.Error(),
		"code", msg.Code,
		"request_id", chimw.GetReqID(r.Context()),
	)

	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
	}
	writeJSON(w, r, status, ErrorResponse{
		Error:   msg.Message,
		Message: msg.Message,
		Action:  msg.Action,
		Code:    msg.Code,
	})
}

// respondBadRequest rejects a malformed request before it reaches the
// service.
func (s *Server) respondBadRequest(w http.ResponseWriter, r *http.Request, code, message string) {
	requestLogger(r).Warn("bad request",
		"path", r.URL.Path,
		"method", r.Method,
		"code", code,
		"reason", message,
	)
	writeJSON(w, r, http.StatusBadRequest, ErrorResponse{
		Error:   message,
		Message: message,
		Code:    code,
	})
}

// statusFor maps a service error to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, core.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrJobNotRunning), errors.Is(err, core.ErrArchiveUnavailable):
		return http.StatusConflict
	case errors.Is(err, core.ErrTooManyJobs):
		return http.StatusServiceUnavailable
	case fault.Is(err, fault.CategoryConfig):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
