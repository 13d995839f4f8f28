package intel

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies errors surfaced at the coordinator boundary. The Facade
// maps kinds to HTTP status codes and event-channel nacks.
type Kind string

const (
	KindBadRequest Kind = "bad_request"
	KindNotFound   Kind = "not_found"
	KindTimeout    Kind = "timeout"
	KindConflict   Kind = "conflict"
	KindInternal   Kind = "internal"
)

// Error carries a boundary kind alongside the underlying cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// BadRequest builds a bad_request error.
func BadRequest(format string, args ...interface{}) *Error {
	return &Error{Kind: KindBadRequest, Msg: fmt.Sprintf(format, args...)}
}

// NotFound builds a not_found error.
func NotFound(format string, args ...interface{}) *Error {
	return &Error{Kind: KindNotFound, Msg: fmt.Sprintf(format, args...)}
}

// Conflict builds a conflict error.
func Conflict(format string, args ...interface{}) *Error {
	return &Error{Kind: KindConflict, Msg: fmt.Sprintf(format, args...)}
}

// Internal wraps a component-internal failure.
func Internal(err error, format string, args ...interface{}) *Error {
	return &Error{Kind: KindInternal, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the boundary kind from any error; context deadline errors
// surface as timeout, everything unclassified as internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindInternal
}
