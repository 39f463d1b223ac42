package domain

import (
	"errors"
	"fmt"
)

// ─── Sentinel Errors ────────────────────────────────────────────────────────
// Domain errors carry no infrastructure dependency.

var (
	// Intake errors
	ErrInvalidSecret  = errors.New("invalid secret")
	ErrInvalidRequest = errors.New("invalid request")

	// Store errors
	ErrAlreadySubmitted  = errors.New("task already submitted for this recipient and round")
	ErrAlreadyDispatched = errors.New("task already dispatched for this recipient and round")
	ErrNotFound          = errors.New("record not found")

	// Collaborator errors
	ErrSynthesis   = errors.New("app synthesis failed")
	ErrNoFiles     = errors.New("no files to publish")
	ErrPublication = errors.New("publication failed")
	ErrNotify      = errors.New("evaluation notification failed")

	// Round driver errors
	ErrRoundOneMissing = errors.New("no round 1 dispatch to reuse")
	ErrRosterInvalid   = errors.New("roster row is invalid")
)

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}

// StoreError wraps a persistence failure. Critical writes (recording a newly
// accepted task) fail the caller's request; non-critical ones (result rows,
// dispatch bookkeeping) are logged by the caller and skipped.
type StoreError struct {
	Op       string
	Critical bool
	Err      error
}

func (e *StoreError) Error() string {
	kind := "best-effort"
	if e.Critical {
		kind = "critical"
	}
	return fmt.Sprintf("store %s (%s): %v", e.Op, kind, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// IsCriticalStoreError reports whether err carries a critical StoreError.
func IsCriticalStoreError(err error) bool {
	var se *StoreError
	return errors.As(err, &se) && se.Critical
}

// StageError records the intake pipeline stage at which a request failed.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }
