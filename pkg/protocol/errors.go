package protocol

import "fmt"

// Error codes shared by the WebSocket control plane and internal components.
// Codes are stable strings so clients can switch on them.
const (
	ErrInvalidRequest    = "invalid_request"
	ErrInvalidParams     = "invalid_params"
	ErrMethodNotFound    = "method_not_found"
	ErrUnauthorized      = "unauthorized"
	ErrForbidden         = "forbidden"
	ErrNotFound          = "not_found"
	ErrConflict          = "conflict"
	ErrInternal          = "internal_error"
	ErrNotImplemented    = "not_implemented"
	ErrHandshakeRequired = "handshake_required"
	ErrAlreadyConnected  = "already_connected"
	ErrUnavailable       = "unavailable"
	ErrTimeout           = "timeout"
	ErrRateLimited       = "rate_limited"

	// Cron-specific codes.
	ErrInvalidSchedule = "invalid_schedule"
	ErrMissingKeys     = "missing_keys"
	ErrImmutableFields = "immutable_fields"
)

// Error is the wire-level error carried in response frames.
type Error struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError builds an Error with a formatted message.
func NewError(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithDetails attaches a details map and returns the error for chaining.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// AsError converts an arbitrary error into a protocol Error,
// passing through typed errors and wrapping everything else as internal.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	if pe, ok := err.(*Error); ok {
		return pe
	}
	return &Error{Code: ErrInternal, Message: err.Error()}
}
