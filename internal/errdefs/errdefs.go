// Package errdefs defines the error kinds returned across the command
// boundary. Every error carries one kind, so callers branch with errors.Is
// while the UI still gets a single readable line.
package errdefs

import (
	"errors"
	"fmt"
)

var (
	ErrNotInitialized = errors.New("engine not initialized")
	ErrNotFound       = errors.New("not found")
	ErrInvalidConfig  = errors.New("invalid config")
	ErrNativeFailure  = errors.New("native call failed")
	ErrIO             = errors.New("i/o failure")
	ErrCancelled      = errors.New("cancelled")
)

// Error is a one-line message tagged with a kind.
type Error struct {
	Kind error
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

// Is matches against the kind as well as the wrapped cause.
func (e *Error) Is(target error) bool {
	return target == e.Kind
}

func (e *Error) Unwrap() error { return e.Err }

func newf(kind error, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func NotInitialized() error {
	return &Error{Kind: ErrNotInitialized, Msg: "engine not initialized"}
}

func NotFoundf(format string, args ...any) error { return newf(ErrNotFound, format, args...) }

func InvalidConfigf(format string, args ...any) error {
	return newf(ErrInvalidConfig, format, args...)
}

func NativeFailuref(format string, args ...any) error {
	return newf(ErrNativeFailure, format, args...)
}

// IO wraps an underlying filesystem or network error.
func IO(err error, format string, args ...any) error {
	return &Error{Kind: ErrIO, Msg: fmt.Sprintf(format, args...), Err: err}
}

func Cancelled(format string, args ...any) error { return newf(ErrCancelled, format, args...) }

// Kind reports the kind name of err, or "internal" when err carries none.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotInitialized):
		return "not_initialized"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidConfig):
		return "invalid_config"
	case errors.Is(err, ErrNativeFailure):
		return "native_failure"
	case errors.Is(err, ErrIO):
		return "io"
	case errors.Is(err, ErrCancelled):
		return "cancelled"
	}
	return "internal"
}
