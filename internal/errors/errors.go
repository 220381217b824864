// Package errors renders failures as the JSON envelope returned by every
// gocumulus HTTP endpoint:
//
//	{"error":{"code":"BAD_SECRET","message":"...","details":{...},"request_id":"..."}}
package errors

import (
	"encoding/json"
	stderrors "errors"
	"net/http"

	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/3leaps/gocumulus/pkg/coord"
	"github.com/3leaps/gocumulus/pkg/dispatch"
	"github.com/3leaps/gocumulus/pkg/faults"
	"github.com/3leaps/gocumulus/pkg/manifest"
	"github.com/3leaps/gocumulus/pkg/storage"
)

// Error codes.
const (
	CodeBadRequest         = "BAD_REQUEST"
	CodeBadSecret          = "BAD_SECRET"
	CodeConfiguration      = "CONFIGURATION_ERROR"
	CodeNotFound           = "NOT_FOUND"
	CodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	CodeConflict           = "CONFLICT"
	CodeNoCapacity         = "NO_CAPACITY"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeTimeout            = "TIMEOUT"
	CodeInternal           = "INTERNAL_ERROR"
)

// HTTPErrorBody is the inner object of the envelope.
type HTTPErrorBody struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

// HTTPErrorResponse is the full envelope.
type HTTPErrorResponse struct {
	Error HTTPErrorBody `json:"error"`
}

// HTTPError is an error that knows its status and code.
type HTTPError struct {
	Status  int
	Code    string
	Message string
	Details map[string]any
	Err     error
}

func New(status int, code, message string) *HTTPError {
	return &HTTPError{Status: status, Code: code, Message: message}
}

func (e *HTTPError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *HTTPError) Unwrap() error { return e.Err }

// WithDetails returns a copy of e carrying details.
func (e *HTTPError) WithDetails(details map[string]any) *HTTPError {
	c := *e
	c.Details = details
	return &c
}

// FromError maps err onto a status and code. An *HTTPError anywhere in the
// chain wins; otherwise the failure class decides.
func FromError(err error) *HTTPError {
	var he *HTTPError
	if stderrors.As(err, &he) {
		return he
	}

	msg := err.Error()
	switch {
	case stderrors.Is(err, dispatch.ErrBadSecret):
		return &HTTPError{Status: http.StatusForbidden, Code: CodeBadSecret, Message: "bad secret", Err: err}
	case stderrors.Is(err, dispatch.ErrJobNotFound), storage.IsNotFound(err):
		return &HTTPError{Status: http.StatusNotFound, Code: CodeNotFound, Message: msg, Err: err}
	case stderrors.Is(err, dispatch.ErrDuplicateJob):
		return &HTTPError{Status: http.StatusConflict, Code: CodeConflict, Message: msg, Err: err}
	case stderrors.Is(err, coord.ErrNoCapacity):
		return &HTTPError{Status: http.StatusServiceUnavailable, Code: CodeNoCapacity, Message: msg, Err: err}
	case stderrors.Is(err, dispatch.ErrClosed):
		return &HTTPError{Status: http.StatusServiceUnavailable, Code: CodeServiceUnavailable, Message: msg, Err: err}
	case stderrors.Is(err, manifest.ErrValidationFailed), stderrors.Is(err, dispatch.ErrInvalidJob):
		return &HTTPError{Status: http.StatusBadRequest, Code: CodeBadRequest, Message: msg, Err: err}
	}

	switch faults.Classify(err) {
	case faults.ClassConfiguration:
		return &HTTPError{Status: http.StatusBadRequest, Code: CodeConfiguration, Message: msg, Err: err}
	case faults.ClassTransient:
		return &HTTPError{Status: http.StatusServiceUnavailable, Code: CodeServiceUnavailable, Message: msg, Err: err}
	case faults.ClassCoordinationTimeout, faults.ClassJobTimeout:
		return &HTTPError{Status: http.StatusGatewayTimeout, Code: CodeTimeout, Message: msg, Err: err}
	}
	return &HTTPError{Status: http.StatusInternalServerError, Code: CodeInternal, Message: msg, Err: err}
}

// RespondWithError writes the envelope for err.
func RespondWithError(w http.ResponseWriter, r *http.Request, err error) {
	he := FromError(err)
	Write(w, r, he.Status, HTTPErrorBody{Code: he.Code, Message: he.Message, Details: he.Details})
}

// Write sends body with status, filling the request id from the chi context.
func Write(w http.ResponseWriter, r *http.Request, status int, body HTTPErrorBody) {
	if body.RequestID == "" && r != nil {
		body.RequestID = chimw.GetReqID(r.Context())
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(HTTPErrorResponse{Error: body})
}

// NotFoundHandler and MethodNotAllowedHandler replace chi's plain-text
// defaults.
func NotFoundHandler(w http.ResponseWriter, r *http.Request) {
	Write(w, r, http.StatusNotFound, HTTPErrorBody{Code: CodeNotFound, Message: "no route for " + r.Method + " " + r.URL.Path})
}

func MethodNotAllowedHandler(w http.ResponseWriter, r *http.Request) {
	Write(w, r, http.StatusMethodNotAllowed, HTTPErrorBody{Code: CodeMethodNotAllowed, Message: r.Method + " is not allowed on " + r.URL.Path})
}
