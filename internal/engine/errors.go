package engine

import (
	"errors"
	"fmt"
)

// ValidationError rejects a malformed request. Nothing has been written to
// the store when one is returned.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return "engine: " + e.Msg }

// ConflictError rejects a request that lost against already-running state.
type ConflictError struct {
	Msg string
}

func (e *ConflictError) Error() string { return "engine: " + e.Msg }

// ErrJobActive is returned by CreateJob while another job holds the single
// active slot.
var ErrJobActive = &ConflictError{Msg: "another job is already active"}

// ErrAlreadyUpToDate means date resolution found no pending work for any
// requested model. It ends CreateJob before any state exists.
var ErrAlreadyUpToDate = errors.New("engine: all models already up to date")

// ErrJobNotFound is returned by lookups for an unknown job id.
var ErrJobNotFound = errors.New("engine: job not found")

// FatalJobError wraps a failure that terminates the whole job rather than a
// single model-day, such as the backfill leaving no tradeable dates or the
// store rejecting a status transition.
type FatalJobError struct {
	Stage string
	Err   error
}

func (e *FatalJobError) Error() string {
	return fmt.Sprintf("engine: %s: %v", e.Stage, e.Err)
}

func (e *FatalJobError) Unwrap() error { return e.Err }

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// IsConflict reports whether err is (or wraps) a ConflictError.
func IsConflict(err error) bool {
	var c *ConflictError
	return errors.As(err, &c)
}

// IsAlreadyUpToDate reports whether err means there was nothing to do.
func IsAlreadyUpToDate(err error) bool {
	return errors.Is(err, ErrAlreadyUpToDate)
}

func validationf(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}
