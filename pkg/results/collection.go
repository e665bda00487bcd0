package results

import (
	"errors"
	"fmt"
	"sync"

	"github.com/cryokit/ctfstream/pkg/ctf"
)

// ErrDuplicateResult is the sentinel wrapped by DuplicateResultError.
var ErrDuplicateResult = errors.New("duplicate result")

// DuplicateResultError reports a second append for an identifier the
// collection already holds. The collection is unchanged when this error
// is returned.
type DuplicateResultError struct {
	// Kind is "result" or "series".
	Kind string

	// ID is the item or series identifier that was appended twice.
	ID string
}

func (e *DuplicateResultError) Error() string {
	return fmt.Sprintf("duplicate %s append: %s", e.Kind, e.ID)
}

func (e *DuplicateResultError) Unwrap() error {
	return ErrDuplicateResult
}

// IsDuplicateResult returns true if the error indicates a repeated append.
func IsDuplicateResult(err error) bool {
	return errors.Is(err, ErrDuplicateResult)
}

// Collection is the append-only set of finalized run output.
//
// A single mutex guards the index maps and slices, so concurrent
// completions from the worker pool serialize here. Appends are
// exactly-once: per item ID for results, per series ID for tilt series.
// Records must not be mutated after they are appended.
type Collection struct {
	mu      sync.Mutex
	results []*ctf.Result
	series  []*ctf.TiltSeries
	items   map[string]struct{}
	names   map[string]struct{}
}

// NewCollection creates an empty collection.
func NewCollection() *Collection {
	return &Collection{
		items: make(map[string]struct{}),
		names: make(map[string]struct{}),
	}
}

// AppendResult adds a single-micrograph or per-frame result.
//
// A second append for the same item ID fails with *DuplicateResultError
// and leaves the collection unchanged.
func (c *Collection) AppendResult(res *ctf.Result) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.appendResultLocked(res)
}

// appendResultLocked requires c.mu to be held.
func (c *Collection) appendResultLocked(res *ctf.Result) error {
	if res == nil {
		return fmt.Errorf("append: nil result")
	}
	if res.ItemID == "" {
		return fmt.Errorf("append: result without item ID")
	}

	if _, ok := c.items[res.ItemID]; ok {
		return &DuplicateResultError{Kind: "result", ID: res.ItemID}
	}

	c.items[res.ItemID] = struct{}{}
	c.results = append(c.results, res)
	return nil
}

// AppendSeries adds an assembled tilt series.
//
// A second append for the same series ID fails with *DuplicateResultError
// and leaves the collection unchanged.
func (c *Collection) AppendSeries(series *ctf.TiltSeries) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.appendSeriesLocked(series)
}

// appendSeriesLocked requires c.mu to be held.
func (c *Collection) appendSeriesLocked(series *ctf.TiltSeries) error {
	if series == nil {
		return fmt.Errorf("append: nil series")
	}
	if series.SeriesID == "" {
		return fmt.Errorf("append: series without series ID")
	}

	if _, ok := c.names[series.SeriesID]; ok {
		return &DuplicateResultError{Kind: "series", ID: series.SeriesID}
	}

	c.names[series.SeriesID] = struct{}{}
	c.series = append(c.series, series)
	return nil
}

// Len returns the total number of records held.
func (c *Collection) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.results) + len(c.series)
}

// Snapshot is a point-in-time copy of the collection's contents.
//
// The slices are copies; the records they point at are shared and must be
// treated as read-only.
type Snapshot struct {
	Results []*ctf.Result     `json:"results"`
	Series  []*ctf.TiltSeries `json:"series"`
}

// Snapshot returns a copy taken under the lock. The copy is
// prefix-consistent: it reflects every append that completed before the
// call and no append that completed after.
func (c *Collection) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := Snapshot{
		Results: make([]*ctf.Result, len(c.results)),
		Series:  make([]*ctf.TiltSeries, len(c.series)),
	}
	copy(snap.Results, c.results)
	copy(snap.Series, c.series)
	return snap
}
