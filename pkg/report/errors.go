package report

import (
	"errors"
	"fmt"
)

// ParseError reports an estimator report that could not be understood.
// Line is 1-based and zero when the error is not tied to a single line
// (unreadable file, no data rows).
type ParseError struct {
	Path   string
	Line   int
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	switch {
	case e.Path != "" && e.Line > 0:
		return fmt.Sprintf("report %s:%d: %s", e.Path, e.Line, e.Reason)
	case e.Path != "":
		return fmt.Sprintf("report %s: %s", e.Path, e.Reason)
	case e.Line > 0:
		return fmt.Sprintf("report line %d: %s", e.Line, e.Reason)
	default:
		return fmt.Sprintf("report: %s", e.Reason)
	}
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// IsParse returns true if the error is a report parse failure.
func IsParse(err error) bool {
	var pe *ParseError
	return errors.As(err, &pe)
}
