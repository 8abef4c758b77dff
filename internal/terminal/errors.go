package terminal

import (
	"errors"
	"fmt"
)

var (
	// ErrFeatureDisabled is returned when session creation is attempted while
	// TERMHUB_ENABLED is off.
	ErrFeatureDisabled = errors.New("terminal feature is disabled")

	// ErrCapacityExceeded is returned when the live-session count has reached
	// the configured maximum.
	ErrCapacityExceeded = errors.New("maximum number of terminal sessions reached")

	// ErrSessionNotFound is returned by operations targeting an id that is not
	// (or no longer) registered.
	ErrSessionNotFound = errors.New("terminal session not found")
)

// DimensionReason identifies which validation rule a size request violated.
type DimensionReason int

const (
	DimensionNonInteger DimensionReason = iota
	DimensionNonPositive
	DimensionTooSmall
	DimensionTooLarge
)

// DimensionError reports invalid terminal dimensions. The message differs per
// reason so clients can tell the user exactly what was wrong.
type DimensionError struct {
	Reason DimensionReason
	Cols   float64
	Rows   float64
}

func (e *DimensionError) Error() string {
	switch e.Reason {
	case DimensionNonInteger:
		return fmt.Sprintf("terminal dimensions must be integers, got %vx%v", e.Cols, e.Rows)
	case DimensionNonPositive:
		return fmt.Sprintf("terminal dimensions must be positive, got %vx%v", e.Cols, e.Rows)
	case DimensionTooSmall:
		return fmt.Sprintf("terminal too small: %vx%v is below the minimum %dx%d", e.Cols, e.Rows, minCols, minRows)
	default:
		return fmt.Sprintf("terminal too large: %vx%v exceeds the maximum %dx%d", e.Cols, e.Rows, maxCols, maxRows)
	}
}

// SpawnError wraps the OS-level error from a failed shell spawn. The creation
// attempt is terminal; no session is registered and no retry is attempted.
type SpawnError struct {
	Shell string
	Err   error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to spawn shell %q: %v", e.Shell, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }
