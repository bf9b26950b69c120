// Package bus carries correlated request/reply envelopes between an edge
// process and backend processes over NATS.
//
// A Client publishes a Request to "rpc.<backend>" with a reply subject owned by
// that client instance and waits for the Reply carrying the same correlation
// id. A Server subscribes to its backend subject, dispatches each request to
// the handler registered for its pattern and publishes the Reply.
package bus

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Request is the envelope sent by a Client.
type Request struct {
	Pattern string          `json:"pattern"`
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Reply is the envelope sent back by a Server. Exactly one of Result and Error
// is meaningful, selected by OK.
type Reply struct {
	ID     string          `json:"id"`
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ErrorInfo      `json:"error,omitempty"`
}

// ErrorInfo describes an application failure inside a Reply.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Subject returns the bus subject backend listens on.
func Subject(backend string) string {
	return "rpc." + backend
}

var (
	// ErrTimeout is returned when no matching reply arrives before the deadline.
	ErrTimeout = errors.New("bus: request timed out")
	// ErrBackendUnavailable is returned when the request could not be published
	// or the backend's circuit breaker is open.
	ErrBackendUnavailable = errors.New("bus: backend unavailable")
	// ErrClosed is returned by Invoke after Close.
	ErrClosed = errors.New("bus: client closed")
)

// Codes used by the bus itself.
const (
	CodeInternal       = "internal"
	CodeUnknownPattern = "unknown-pattern"
	CodeBadRequest     = "bad-request"
)

// ApplicationError is a failure explicitly returned by a backend handler.
// Handlers return it to choose the code seen by the caller.
type ApplicationError struct {
	Code    string
	Message string
}

func (e *ApplicationError) Error() string {
	return fmt.Sprintf("bus: application error %s: %s", e.Code, e.Message)
}

// NewError creates an ApplicationError.
func NewError(code, format string, args ...any) *ApplicationError {
	return &ApplicationError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// IsCode reports whether err is an ApplicationError with the given code.
func IsCode(err error, code string) bool {
	var appErr *ApplicationError
	return errors.As(err, &appErr) && appErr.Code == code
}

// IsTransient reports whether err is a timeout or availability failure the
// caller may retry.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrBackendUnavailable)
}
