package bladerf

import (
	"fmt"

	"github.com/rfkit/bladerf/native"
)

// Kind classifies every failure the wrapper can surface. The set is
// closed: native codes outside the documented table come back as
// KindDriver with the raw code attached, never as a wrong
// classification.
type Kind int

const (
	KindNotFound Kind = iota + 1
	KindAlreadyInUse
	KindConfig
	KindDriver
	KindTimeout
	KindOverrun
	KindUnderrun
	KindSessionActive
	KindSessionFailed
	KindMalformedBuffer
	KindForcedShutdown
	KindDisconnected
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not found"
	case KindAlreadyInUse:
		return "already in use"
	case KindConfig:
		return "config error"
	case KindDriver:
		return "driver error"
	case KindTimeout:
		return "timeout"
	case KindOverrun:
		return "overrun"
	case KindUnderrun:
		return "underrun"
	case KindSessionActive:
		return "session active"
	case KindSessionFailed:
		return "session failed"
	case KindMalformedBuffer:
		return "malformed buffer"
	case KindForcedShutdown:
		return "forced shutdown"
	case KindDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Error is the taxonomy's error value. Field and Reason are set for
// KindConfig; Code carries the native return code for KindDriver and for
// any error that originated at the driver boundary.
type Error struct {
	Kind   Kind
	Field  string
	Reason string
	Code   int
	msg    string
}

func (e *Error) Error() string {
	switch {
	case e.Kind == KindConfig && e.Field != "":
		return fmt.Sprintf("config error: %s: %s", e.Field, e.Reason)
	case e.Kind == KindDriver:
		return fmt.Sprintf("driver error %d (%s)", e.Code, native.CodeName(e.Code))
	case e.msg != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.msg)
	default:
		return e.Kind.String()
	}
}

// Is matches any *Error of the same Kind, so callers can test with
// errors.Is(err, ErrTimeout) and friends.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// Kind sentinels for errors.Is.
var (
	ErrNotFound        = &Error{Kind: KindNotFound}
	ErrAlreadyInUse    = &Error{Kind: KindAlreadyInUse}
	ErrTimeout         = &Error{Kind: KindTimeout}
	ErrOverrun         = &Error{Kind: KindOverrun}
	ErrUnderrun        = &Error{Kind: KindUnderrun}
	ErrSessionActive   = &Error{Kind: KindSessionActive}
	ErrSessionFailed   = &Error{Kind: KindSessionFailed}
	ErrMalformedBuffer = &Error{Kind: KindMalformedBuffer}
	ErrForcedShutdown  = &Error{Kind: KindForcedShutdown}
	ErrDisconnected    = &Error{Kind: KindDisconnected}
)

// KindOf extracts the Kind from an error produced by this package, or 0
// for foreign errors.
func KindOf(err error) Kind {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e.Kind
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return 0
		}
		err = u.Unwrap()
	}
	return 0
}

func configErr(field, reason string) *Error {
	return &Error{Kind: KindConfig, Field: field, Reason: reason}
}

func kindErr(k Kind, format string, args ...any) *Error {
	return &Error{Kind: k, msg: fmt.Sprintf(format, args...)}
}

// fromCode maps a native return code onto the taxonomy. CodeNoDev means
// the device went away under us; the open path maps it to KindNotFound
// separately, since there it means "no matching device".
func fromCode(code int) error {
	switch code {
	case native.CodeOK:
		return nil
	case native.CodeTimeout:
		return ErrTimeout
	case native.CodeNoDev:
		return ErrDisconnected
	case native.CodeRange:
		return &Error{Kind: KindConfig, Reason: "out_of_range", Code: code}
	case native.CodeInval:
		return &Error{Kind: KindConfig, Reason: "invalid", Code: code}
	default:
		return &Error{Kind: KindDriver, Code: code}
	}
}

// fatalCode reports whether a streaming-loop code invalidates the
// session rather than a single transfer slice.
func fatalCode(code int) bool {
	switch code {
	case native.CodeNoDev, native.CodeIO, native.CodeNotInit, native.CodeUnexpected:
		return true
	default:
		return false
	}
}
