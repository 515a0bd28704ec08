package comm

import (
	"github.com/pkg/errors"
)

// UnhandledErrorHandler receives failures that have no caller to report to,
// such as a panicking service method or a layer rejecting an inbound event.
// The returned Error is what the transport sends on in place of a result.
type UnhandledErrorHandler func(err error) *Error

// ToErrorHandler converts every unhandled failure into an internal server error.
func ToErrorHandler(err error) *Error { return InternalServerError(err) }

// InvokeHandler calls h once and never lets it escape with a panic or a nil result.
func InvokeHandler(h UnhandledErrorHandler, err error) (res *Error) {
	defer func() {
		if r := recover(); r != nil {
			res = InternalServerError(errors.Errorf("unhandled error handler panicked: %v (while handling: %v)", r, err))
		}
	}()
	if h == nil {
		return InternalServerError(err)
	}
	if res = h(err); res == nil {
		res = InternalServerError(err)
	}
	return res
}

// recovered turns a recover() value into an error.
func recovered(r any) error {
	if err, ok := r.(error); ok {
		return errors.Wrap(err, "panic")
	}
	return errors.Errorf("panic: %v", r)
}
