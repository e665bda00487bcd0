package estimator

import (
	"errors"
	"fmt"
)

// Sentinel errors for estimation job failures.
var (
	// ErrExecution indicates the subprocess could not run at all, or
	// violated the output protocol (exit 0 with no report written).
	ErrExecution = errors.New("estimator execution failed")

	// ErrEstimationFailed indicates the estimator ran and exited
	// non-zero: the fit itself failed for this item.
	ErrEstimationFailed = errors.New("estimation failed")

	// ErrTimeout indicates the subprocess exceeded its wall-clock budget
	// and was killed.
	ErrTimeout = errors.New("estimation timed out")
)

// JobError wraps an estimation failure with job context.
type JobError struct {
	// Op is the operation that failed (e.g., "start", "wait", "report").
	Op string

	// ItemID identifies the item being estimated.
	ItemID string

	// Attempt is the 1-based attempt number that failed.
	Attempt int

	// ExitCode is the subprocess exit code, -1 when the process never
	// ran or was killed.
	ExitCode int

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *JobError) Error() string {
	if e.ExitCode >= 0 {
		return fmt.Sprintf("estimate %s: %s (attempt %d, exit %d): %v", e.ItemID, e.Op, e.Attempt, e.ExitCode, e.Err)
	}
	return fmt.Sprintf("estimate %s: %s (attempt %d): %v", e.ItemID, e.Op, e.Attempt, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *JobError) Unwrap() error {
	return e.Err
}

// IsExecution returns true if the error indicates the subprocess could
// not run or broke the output protocol.
func IsExecution(err error) bool {
	return errors.Is(err, ErrExecution)
}

// IsEstimationFailed returns true if the error indicates a non-zero
// estimator exit.
func IsEstimationFailed(err error) bool {
	return errors.Is(err, ErrEstimationFailed)
}

// IsTimeout returns true if the error indicates the job was killed on
// timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}
