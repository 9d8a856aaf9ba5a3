// Package orcherr defines the tagged error kinds shared across the
// runtime, config, history, session and transport layers so callers can
// classify failures with errors.As instead of matching on strings.
package orcherr

import "fmt"

// Kind is the coarse classification carried by every error the core
// surfaces to a caller.
type Kind string

const (
	KindValidation Kind = "validation"
	KindNotFound   Kind = "not-found"
	KindConflict   Kind = "conflict"
	KindBusy       Kind = "busy"
	KindRuntime    Kind = "runtime"
	KindStream     Kind = "stream"
)

// RuntimeSubKind further classifies KindRuntime errors.
type RuntimeSubKind string

const (
	RuntimeExec    RuntimeSubKind = "exec"
	RuntimeFileIO  RuntimeSubKind = "file_io"
	RuntimeNetwork RuntimeSubKind = "network"
	RuntimeUnknown RuntimeSubKind = "unknown"
)

// Error is the tagged error value propagated by core operations.
type Error struct {
	Kind    Kind
	Sub     RuntimeSubKind // only meaningful when Kind == KindRuntime
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Sub != "" {
		return fmt.Sprintf("%s(%s): %s", e.Kind, e.Sub, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

func Validation(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

func NotFound(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

func Conflict(format string, args ...any) *Error {
	return &Error{Kind: KindConflict, Message: fmt.Sprintf(format, args...)}
}

func Busy(format string, args ...any) *Error {
	return &Error{Kind: KindBusy, Message: fmt.Sprintf(format, args...)}
}

func Runtime(sub RuntimeSubKind, cause error, format string, args ...any) *Error {
	return &Error{Kind: KindRuntime, Sub: sub, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if as(err, &e) {
		return e.Kind == kind
	}
	return false
}

// as walks the Unwrap chain looking for an *Error.
func as(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
