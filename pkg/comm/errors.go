package comm

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Call-site error kinds. Transports wrap these with context; match with errors.Is.
var (
	ErrInvalidArgument      = errors.New("invalid argument")
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrNotFound             = errors.New("not found")
	ErrCancelled            = errors.New("cancelled")
	ErrConnectionClosed     = errors.New("connection closed")
)

type cancelError struct{ cause error }

func (e cancelError) Error() string        { return "cancelled: " + e.cause.Error() }
func (e cancelError) Unwrap() error        { return e.cause }
func (e cancelError) Is(target error) bool { return target == ErrCancelled }

// Cancelled wraps a context error so that it matches both ErrCancelled and
// the underlying cause (context.Canceled or context.DeadlineExceeded).
func Cancelled(cause error) error {
	if cause == nil {
		return ErrCancelled
	}
	return cancelError{cause: cause}
}

// ErrorCode classifies an *Error.
type ErrorCode int32

const (
	CodeOK                  ErrorCode = 0
	CodeInternalServerError ErrorCode = 10
	CodeMethodNotFound      ErrorCode = 20
	CodeInvalidInvocation   ErrorCode = 30
	CodeTransportError      ErrorCode = 40
	CodeConnectionShutDown  ErrorCode = 50
)

func (c ErrorCode) String() string {
	switch c {
	case CodeOK:
		return "ok"
	case CodeInternalServerError:
		return "internal_server_error"
	case CodeMethodNotFound:
		return "method_not_found"
	case CodeInvalidInvocation:
		return "invalid_invocation"
	case CodeTransportError:
		return "transport_error"
	case CodeConnectionShutDown:
		return "connection_shut_down"
	default:
		return fmt.Sprintf("code(%d)", int32(c))
	}
}

// Error is the value form of an RPC failure. Layers and service methods
// report failures by returning one; it is carried in a Message across the
// connection and never raised as a panic.
type Error struct {
	Code     ErrorCode `json:"code" cbor:"code"`
	Message  string    `json:"message" cbor:"message"`
	UniqueID string    `json:"unique_id,omitempty" cbor:"unique_id,omitempty"`
	Inner    *Error    `json:"inner,omitempty" cbor:"inner,omitempty"`
}

// NewError builds an Error with a fresh unique id.
func NewError(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), UniqueID: uuid.NewString()}
}

// InternalServerError converts an arbitrary error. An *Error in the chain is
// kept as the inner error.
func InternalServerError(err error) *Error {
	if err == nil {
		return NewError(CodeInternalServerError, "internal server error")
	}
	e := NewError(CodeInternalServerError, "internal server error: %v", err)
	var inner *Error
	if errors.As(err, &inner) && inner != nil {
		e.Inner = inner
	}
	return e
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	s := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Inner != nil {
		s += " (" + e.Inner.Error() + ")"
	}
	return s
}

// AsError extracts an *Error from err's chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) && e != nil {
		return e, true
	}
	return nil, false
}
