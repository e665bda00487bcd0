// Package tiltseries groups per-frame estimation results back into their
// acquisition series.
//
// Tilt frames finish estimation in whatever order the worker pool completes
// them. The Assembler places each result at its declared acquisition-order
// slot, so a drained series always reads 0..n-1 regardless of arrival order.
// Series still missing frames when a run stops are force-closed with
// explicit gap markers rather than silently truncated.
package tiltseries

import (
	"fmt"
	"sort"
	"sync"

	"github.com/cryokit/ctfstream/pkg/ctf"
)

// Config declares the expected shape of incoming tilt series.
type Config struct {
	// FrameCount is the uniform number of frames per series. Zero means
	// there is no uniform count and every series must appear in Frames.
	FrameCount int

	// Frames maps series identifiers to their individual frame counts,
	// overriding FrameCount where present.
	Frames map[string]int
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.FrameCount < 0 {
		return fmt.Errorf("frame count must not be negative, got %d", c.FrameCount)
	}
	for id, n := range c.Frames {
		if n <= 0 {
			return fmt.Errorf("series %s: frame count must be positive, got %d", id, n)
		}
	}
	return nil
}

// Assembler collects per-frame results into tilt series.
//
// Completions arrive on worker goroutines; an Assembler is safe for
// concurrent use by multiple goroutines.
type Assembler struct {
	frameCount int
	perSeries  map[string]int

	mu   sync.Mutex
	open map[string]*openSeries
}

type openSeries struct {
	frames []*ctf.Result
	filled int
}

// NewAssembler creates an assembler from the declared series shape.
func NewAssembler(cfg Config) (*Assembler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("tilt-series config: %w", err)
	}

	perSeries := make(map[string]int, len(cfg.Frames))
	for id, n := range cfg.Frames {
		perSeries[id] = n
	}

	return &Assembler{
		frameCount: cfg.FrameCount,
		perSeries:  perSeries,
		open:       make(map[string]*openSeries),
	}, nil
}

// Accept places a result at its acquisition-order slot. The result must be
// non-nil and belong to the item.
//
// Accept fails with ErrNotTiltFrame for items without a series identity,
// ErrUnknownSeries when no frame count is declared for the series,
// ErrOrderOutOfRange when the order exceeds the declared count, and
// ErrDuplicateFrame when the slot is already filled. A failed Accept leaves
// the series untouched.
func (a *Assembler) Accept(item ctf.InputItem, result *ctf.Result) error {
	if !item.IsTiltFrame() {
		return fmt.Errorf("item %s: %w", item.ID, ErrNotTiltFrame)
	}

	seriesID := item.TiltSeriesID
	order := item.AcquisitionOrder

	count, ok := a.perSeries[seriesID]
	if !ok {
		count = a.frameCount
	}
	if count <= 0 {
		return &FrameError{SeriesID: seriesID, Order: order, Err: ErrUnknownSeries}
	}
	if order < 0 || order >= count {
		return &FrameError{
			SeriesID: seriesID,
			Order:    order,
			Err:      fmt.Errorf("%w: declared frame count %d", ErrOrderOutOfRange, count),
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	s, ok := a.open[seriesID]
	if !ok {
		s = &openSeries{frames: make([]*ctf.Result, count)}
		a.open[seriesID] = s
	}

	if s.frames[order] != nil {
		return &FrameError{SeriesID: seriesID, Order: order, Err: ErrDuplicateFrame}
	}

	s.frames[order] = result
	s.filled++
	return nil
}

// Drain returns every fully-filled series and removes them from the
// assembler. Returned series are ordered by series identifier.
func (a *Assembler) Drain() []*ctf.TiltSeries {
	a.mu.Lock()
	defer a.mu.Unlock()

	var done []*ctf.TiltSeries
	for id, s := range a.open {
		if s.filled < len(s.frames) {
			continue
		}
		done = append(done, &ctf.TiltSeries{
			SeriesID:   id,
			FrameCount: len(s.frames),
			Frames:     s.frames,
			Complete:   true,
		})
		delete(a.open, id)
	}

	sortSeries(done)
	return done
}

// CloseAll force-closes every series still open, complete or not. Missing
// acquisition orders are recorded in Gaps and leave nil entries in Frames.
// The assembler is empty afterwards.
func (a *Assembler) CloseAll() []*ctf.TiltSeries {
	a.mu.Lock()
	defer a.mu.Unlock()

	var closed []*ctf.TiltSeries
	for id, s := range a.open {
		ts := &ctf.TiltSeries{
			SeriesID:   id,
			FrameCount: len(s.frames),
			Frames:     s.frames,
			Complete:   s.filled == len(s.frames),
		}
		if !ts.Complete {
			for order, frame := range s.frames {
				if frame == nil {
					ts.Gaps = append(ts.Gaps, order)
				}
			}
		}
		closed = append(closed, ts)
	}
	a.open = make(map[string]*openSeries)

	sortSeries(closed)
	return closed
}

// Open returns the number of series currently being assembled.
func (a *Assembler) Open() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.open)
}

func sortSeries(series []*ctf.TiltSeries) {
	sort.Slice(series, func(i, j int) bool {
		return series[i].SeriesID < series[j].SeriesID
	})
}
