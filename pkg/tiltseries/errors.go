package tiltseries

import (
	"errors"
	"fmt"
)

// Sentinel errors for assembler operations.
var (
	// ErrNotTiltFrame indicates the item carries no tilt-series identity.
	ErrNotTiltFrame = errors.New("item is not a tilt frame")

	// ErrUnknownSeries indicates no frame count is declared for the series.
	ErrUnknownSeries = errors.New("no declared frame count for series")

	// ErrDuplicateFrame indicates the (series, order) slot is already filled.
	ErrDuplicateFrame = errors.New("duplicate frame")

	// ErrOrderOutOfRange indicates the acquisition order is outside the
	// declared frame count.
	ErrOrderOutOfRange = errors.New("acquisition order out of range")
)

// FrameError wraps assembler errors with the slot they concern.
type FrameError struct {
	// SeriesID is the tilt series the frame belongs to.
	SeriesID string

	// Order is the acquisition order of the offending frame.
	Order int

	// Err is the underlying sentinel.
	Err error
}

// Error implements the error interface.
func (e *FrameError) Error() string {
	return fmt.Sprintf("series %s frame %d: %v", e.SeriesID, e.Order, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *FrameError) Unwrap() error {
	return e.Err
}

// IsDuplicateFrame returns true if the error indicates an already-filled slot.
func IsDuplicateFrame(err error) bool {
	return errors.Is(err, ErrDuplicateFrame)
}

// IsOrderOutOfRange returns true if the error indicates an order outside the
// declared frame count.
func IsOrderOutOfRange(err error) bool {
	return errors.Is(err, ErrOrderOutOfRange)
}

// IsUnknownSeries returns true if the error indicates a series without a
// declared frame count.
func IsUnknownSeries(err error) bool {
	return errors.Is(err, ErrUnknownSeries)
}
