package stage

import (
	"context"
	"errors"
	"fmt"
)

// Registry errors.
var (
	ErrNoExecutor = errors.New("no executor registered")
	ErrNoReviewer = errors.New("no reviewer registered")
)

// StructuralValidationError reports executor output that failed shape checks.
// Output carries the raw response so the repair engine can attempt a fix.
type StructuralValidationError struct {
	Reason string
	Output []byte
	Err    error
}

func (e *StructuralValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("structural validation failed: %s: %v", e.Reason, e.Err)
	}
	return "structural validation failed: " + e.Reason
}

func (e *StructuralValidationError) Unwrap() error {
	return e.Err
}

// TransientError reports a retryable failure such as a timeout or an
// unavailable provider.
type TransientError struct {
	Reason string
	Err    error
}

func (e *TransientError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transient executor failure: %s: %v", e.Reason, e.Err)
	}
	return "transient executor failure: " + e.Reason
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// FatalError reports a failure the executor declared unrecoverable. It is
// never retried.
type FatalError struct {
	Reason string
	Err    error
}

func (e *FatalError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fatal executor failure: %s: %v", e.Reason, e.Err)
	}
	return "fatal executor failure: " + e.Reason
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// ErrorClass is the handling category of an executor error.
type ErrorClass string

const (
	ClassNone       ErrorClass = ""
	ClassStructural ErrorClass = "structural"
	ClassTransient  ErrorClass = "transient"
	ClassFatal      ErrorClass = "fatal"
	ClassCancelled  ErrorClass = "cancelled"
)

// Classify maps err onto its handling category. Unknown errors are
// transient; cancellation of the caller's context is its own class so it is
// never retried.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassNone
	}
	var sv *StructuralValidationError
	var fe *FatalError
	var te *TransientError
	switch {
	case errors.As(err, &fe):
		return ClassFatal
	case errors.As(err, &sv):
		return ClassStructural
	case errors.As(err, &te):
		return ClassTransient
	case errors.Is(err, context.Canceled):
		return ClassCancelled
	default:
		return ClassTransient
	}
}
