package comlink

import "fmt"

// Wire error codes. Negative codes follow the JSON-RPC convention for
// protocol-level failures; the -320xx range is specific to this protocol.
const (
	CodeParseError    = -32700
	CodeInvalidFormat = -32600
	CodeUnknownAction = -32601
	CodeHandlerFailed = -32603
	CodeStaleRequest  = -32001
	CodeRateLimited   = -32002
	CodeUnauthorized  = -32003
	CodeCanceled      = -32800

	// Client-local codes, never sent on the wire.
	CodeTimeout   = -33001
	CodeThrottled = -33002
	CodeClosed    = -33003
)

// Client-safe rejection messages. Handlers may return richer *Error
// messages; anything else collapses to msgOperationFailed before it
// crosses the wire.
const (
	msgInvalidFormat   = "Invalid data format"
	msgStaleRequest    = "Request expired"
	msgRateLimited     = "Rate limit exceeded"
	msgUnauthorized    = "Not authorized"
	msgUnknownAction   = "Unknown action"
	msgOperationFailed = "Operation failed"
)

// Error represents a protocol error that is safe to send to a client.
type Error struct {
	Code    int
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a protocol error with the same code, so
// errors.Is matches the sentinel values below regardless of instance.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// Sentinels for errors.Is checks on the client side.
var (
	ErrTimeout   = &Error{Code: CodeTimeout, Message: "request timed out"}
	ErrThrottled = &Error{Code: CodeThrottled, Message: "request throttled"}
	ErrClosed    = &Error{Code: CodeClosed, Message: "connection closed"}
	ErrCanceled  = &Error{Code: CodeCanceled, Message: "request canceled"}
)

// NewError creates a new protocol error.
func NewError(code int, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WrapError creates a new protocol error wrapping an existing error.
func WrapError(code int, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// ErrInvalidFormat returns the generic malformed-request error.
func ErrInvalidFormat() *Error {
	return NewError(CodeInvalidFormat, msgInvalidFormat)
}

// ErrStaleRequest returns the replay-protection rejection.
func ErrStaleRequest() *Error {
	return NewError(CodeStaleRequest, msgStaleRequest)
}

// ErrRateLimited returns the rate-limit rejection.
func ErrRateLimited() *Error {
	return NewError(CodeRateLimited, msgRateLimited)
}

// ErrUnauthorized returns the authorization rejection.
func ErrUnauthorized() *Error {
	return NewError(CodeUnauthorized, msgUnauthorized)
}

// ErrUnknownAction returns the rejection for unregistered actions. The
// action name is deliberately not echoed back.
func ErrUnknownAction() *Error {
	return NewError(CodeUnknownAction, msgUnknownAction)
}

// ErrOperationFailed returns the generic handler failure sent to clients.
// The real cause belongs in the diagnostics log, not on the wire.
func ErrOperationFailed(cause error) *Error {
	return WrapError(CodeHandlerFailed, msgOperationFailed, cause)
}
