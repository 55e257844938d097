package attendance

import (
	"errors"
	"fmt"
)

// Sentinel errors for the engine's failure taxonomy. Handlers map these to
// HTTP statuses in one place.
var (
	ErrNotFound          = errors.New("not found")
	ErrForbidden         = errors.New("forbidden")
	ErrInvalidToken      = errors.New("invalid or expired token")
	ErrOutOfRange        = errors.New("outside allowed radius")
	ErrAlreadyCheckedIn  = errors.New("already checked in")
	ErrAlreadyCheckedOut = errors.New("already checked out")
	ErrInvalidTimestamp  = errors.New("invalid timestamp")
	ErrConflict          = errors.New("conflict")
	ErrUnavailable       = errors.New("backend unavailable")
)

// OutOfRangeError carries the computed distance alongside the allowed radius
// so callers can tell the user how far off they were. It unwraps to
// ErrOutOfRange.
type OutOfRangeError struct {
	DistanceMeters float64
	RadiusMeters   float64
}

func (e *OutOfRangeError) Error() string {
	return fmt.Sprintf("outside allowed radius: %.0fm away, %.0fm allowed", e.DistanceMeters, e.RadiusMeters)
}

func (e *OutOfRangeError) Unwrap() error { return ErrOutOfRange }
