package nfiq2

import (
	"errors"
	"fmt"
)

// BoundaryCode is the code carried by ComputeFailed errors that were detected
// on the Go side of the boundary and have no native status of their own.
const BoundaryCode int32 = -1

// Kind categorizes a boundary failure. The set is closed.
type Kind int

const (
	KindNullContext Kind = iota + 1
	KindCreateFailed
	KindComputeFailed
)

func (k Kind) String() string {
	switch k {
	case KindNullContext:
		return "null_context"
	case KindCreateFailed:
		return "create_failed"
	case KindComputeFailed:
		return "compute_failed"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Error is the only error type returned by this package.
type Error struct {
	Kind Kind
	// Code is the native status for ComputeFailed, or BoundaryCode.
	Code  int32
	Cause error
}

var (
	ErrNullContext   = &Error{Kind: KindNullContext}
	ErrCreateFailed  = &Error{Kind: KindCreateFailed}
	ErrComputeFailed = &Error{Kind: KindComputeFailed}
)

func (e *Error) Error() string {
	var msg string
	switch e.Kind {
	case KindNullContext:
		msg = "nfiq2: null context provided"
	case KindCreateFailed:
		msg = "nfiq2: failed to create NFIQ2 object"
	case KindComputeFailed:
		msg = fmt.Sprintf("nfiq2: computation failed with error code: %d", e.Code)
	default:
		msg = "nfiq2: " + e.Kind.String()
	}
	if e.Cause != nil {
		msg += " (caused by: " + e.Cause.Error() + ")"
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches on Kind. A target with a non-zero Code also has to agree on
// the code, so errors.Is(err, &Error{Kind: KindComputeFailed, Code: 2}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if e.Kind != t.Kind {
		return false
	}
	return t.Code == 0 || t.Code == e.Code
}

func computeFailed(code int32) *Error {
	return &Error{Kind: KindComputeFailed, Code: code}
}

func boundaryFailure(cause error) *Error {
	return &Error{Kind: KindComputeFailed, Code: BoundaryCode, Cause: cause}
}

// KindOf reports the Kind of err, or 0 when err is not a boundary error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// CodeOf returns the compute status carried by err and whether err is a
// ComputeFailed error at all.
func CodeOf(err error) (int32, bool) {
	var e *Error
	if errors.As(err, &e) && e.Kind == KindComputeFailed {
		return e.Code, true
	}
	return 0, false
}
