package headers

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidHeader    = errors.New("invalid header")
	ErrMergeFailure     = errors.New("header merge failure")
	ErrCriticalConflict = errors.New("critical header conflict")
)

// InvalidHeaderError reports a malformed name, an oversized value or a value
// carrying a line break.
type InvalidHeaderError struct {
	Name   string
	Value  string
	Reason string
}

func (e *InvalidHeaderError) Error() string {
	return fmt.Sprintf("invalid header %q: %s", e.Name, e.Reason)
}

func (e *InvalidHeaderError) Is(target error) bool { return target == ErrInvalidHeader }

// MergeFailureError wraps a failure while combining the values of Name.
type MergeFailureError struct {
	Name string
	Err  error
}

func (e *MergeFailureError) Error() string {
	return fmt.Sprintf("merge header %q: %v", e.Name, e.Err)
}

func (e *MergeFailureError) Unwrap() error { return e.Err }

func (e *MergeFailureError) Is(target error) bool { return target == ErrMergeFailure }

// CriticalConflictError is returned in strict mode when a critical header
// arrives with two different values.
type CriticalConflictError struct {
	Name     string
	Existing []string
	Incoming []string
}

func (e *CriticalConflictError) Error() string {
	return fmt.Sprintf("critical header %q conflict: %q vs %q", e.Name, e.Existing, e.Incoming)
}

func (e *CriticalConflictError) Is(target error) bool { return target == ErrCriticalConflict }

// Kind names the error category for logs and API responses.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidHeader):
		return "invalid_header"
	case errors.Is(err, ErrCriticalConflict):
		return "critical_conflict"
	case errors.Is(err, ErrMergeFailure):
		return "merge_failure"
	default:
		return "unknown"
	}
}

// HeaderName extracts the offending header name from an engine error.
func HeaderName(err error) string {
	var ih *InvalidHeaderError
	if errors.As(err, &ih) {
		return ih.Name
	}
	var cc *CriticalConflictError
	if errors.As(err, &cc) {
		return cc.Name
	}
	var mf *MergeFailureError
	if errors.As(err, &mf) {
		return mf.Name
	}
	return ""
}
