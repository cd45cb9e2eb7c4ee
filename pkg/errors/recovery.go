package errors

import (
	"fmt"
	"runtime/debug"
)

// RecoverPanic turns a recovered panic value into a fatal *Error carrying the
// stack trace of the panicking goroutine.
func RecoverPanic(r interface{}) error {
	if r == nil {
		return nil
	}

	var err error
	switch v := r.(type) {
	case error:
		err = v
	case string:
		err = fmt.Errorf("panic: %s", v)
	default:
		err = fmt.Errorf("panic: %v", v)
	}

	return ErrHandlerFailed.
		WithCause(err).
		WithDetail("panic", true).
		WithDetail("stack_trace", string(debug.Stack())).
		AsFatal()
}

// StackTrace extracts the stack recorded by RecoverPanic, if any.
func StackTrace(err error) string {
	var appErr *Error
	if As(err, &appErr) {
		if s, ok := appErr.Details["stack_trace"].(string); ok {
			return s
		}
	}
	return ""
}

// Safely runs fn and converts a panic into an error.
func Safely(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = RecoverPanic(r)
		}
	}()
	return fn()
}
