// Package errs defines the tagged error kinds shared by the memory pool,
// mapped-model cache, and forward scheduler.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies a failure so callers can branch on recovery policy instead
// of matching error strings.
type Kind int

const (
	// InvalidArgument covers nil handles, nonsense sizes, and bad alignments.
	InvalidArgument Kind = iota
	// OutOfMemory is returned when an allocator is exhausted under its cap.
	OutOfMemory
	// CacheFull is returned when the mapped-model cache cannot evict enough
	// to fit an incoming layer.
	CacheFull
	// WeightLoad covers file I/O failures and descriptor mismatches.
	WeightLoad
	// BadPlan is returned when a scheduler dependency target is invalid.
	BadPlan
	// InvalidFile is returned on magic or version mismatch.
	InvalidFile
	// PrecisionMismatch is returned when a weight load is refused without an
	// explicit conversion.
	PrecisionMismatch
)

func (k Kind) String() string {
	switch k {
	case InvalidArgument:
		return "invalid_argument"
	case OutOfMemory:
		return "out_of_memory"
	case CacheFull:
		return "cache_full"
	case WeightLoad:
		return "weight_load"
	case BadPlan:
		return "bad_plan"
	case InvalidFile:
		return "invalid_file"
	case PrecisionMismatch:
		return "precision_mismatch"
	default:
		return "unknown"
	}
}

// Error is the tagged error type returned by every public function in this
// module. It wraps an optional cause and supports errors.Is/errors.As/errors.Unwrap.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target is an *Error with the same Kind, so callers can
// write errors.Is(err, errs.New(errs.OutOfMemory, "")).
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Kind == e.Kind
	}
	return false
}

// New builds a tagged error with no underlying cause.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds a tagged error around an underlying cause.
func Wrap(kind Kind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// Is reports whether err is a tagged Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
