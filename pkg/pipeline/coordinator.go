// Package pipeline implements the streaming coordinator that turns
// incrementally arriving micrographs into CTF results.
//
// The coordinator drives three concerns:
//   - Source polling: rate-limited discovery of new acquisition files
//   - Worker pool: bounded process-level parallelism, one estimator
//     subprocess per item
//   - Routing: each completion is parsed, sanitized, and routed to the
//     tilt-series assembler or straight to the output aggregator
//
// Items complete in whatever order the estimator finishes them; nothing
// here assumes FIFO completion. Per-item failures are recorded and never
// abort the stream. Duplicate output insertion and a broken output stream
// abort the run.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/cryokit/ctfstream/pkg/ctf"
	"github.com/cryokit/ctfstream/pkg/estimator"
	"github.com/cryokit/ctfstream/pkg/match"
	"github.com/cryokit/ctfstream/pkg/results"
	"github.com/cryokit/ctfstream/pkg/source"
	"github.com/cryokit/ctfstream/pkg/tiltseries"
)

// Coordinator errors.
var (
	// ErrStopped is returned by Admit once the coordinator's intake is
	// closed, by Stop or by the end of the run.
	ErrStopped = errors.New("coordinator stopped")

	// ErrAlreadyAdmitted is returned by Admit for an item ID that was
	// admitted before.
	ErrAlreadyAdmitted = errors.New("item already admitted")
)

// ItemState is the lifecycle state of one admitted item.
type ItemState string

const (
	// StateDiscovered means the item is registered but not yet queued.
	StateDiscovered ItemState = "discovered"

	// StateQueued means the item is waiting for a worker.
	StateQueued ItemState = "queued"

	// StateDispatched means a worker is estimating the item.
	StateDispatched ItemState = "dispatched"

	// StateFinished means the item's result was accepted.
	StateFinished ItemState = "finished"

	// StateFailed means the item failed estimation, parsing, validation
	// or routing.
	StateFailed ItemState = "failed"

	// StateCancelled means a stop or cancellation ended the item before
	// it finished.
	StateCancelled ItemState = "cancelled"
)

// Terminal reports whether the state is an end state.
func (s ItemState) Terminal() bool {
	return s == StateFinished || s == StateFailed || s == StateCancelled
}

// Completion is one item reaching a terminal state. Poll returns these.
type Completion struct {
	// Item is the input item that reached a terminal state.
	Item ctf.InputItem

	// State is finished, failed, or cancelled.
	State ItemState

	// Result is the sanitized result, set only for finished items.
	Result *ctf.Result

	// Err is the terminal error, nil for finished items.
	Err error
}

// Runner executes one estimation job per item. *estimator.Dispatcher is
// the production implementation.
type Runner interface {
	Run(ctx context.Context, item ctf.InputItem) (*estimator.Job, error)
}

// Config configures coordinator behavior.
type Config struct {
	// Workers is the number of estimation workers (subprocesses that may
	// run at once).
	// Default: 4
	Workers int

	// QueueSize is the capacity of the work queue between admission and
	// the workers. Admit blocks when the queue is saturated.
	// Default: 64
	QueueSize int

	// RateLimit is the maximum source polls per second.
	// Default: 1
	RateLimit float64

	// ProgressEvery controls how often progress records are emitted.
	// A progress record is written every N terminal items.
	// Default: 50
	ProgressEvery int

	// MaxIdlePolls ends the run after N consecutive source polls that
	// discovered nothing. Zero means run until stopped.
	// Default: 0
	MaxIdlePolls int

	// Manifest, Estimator and Version label the run.open record.
	Manifest  string
	Estimator string
	Version   string
}

// DefaultConfig returns the default coordinator configuration.
func DefaultConfig() Config {
	return Config{
		Workers:       4,
		QueueSize:     64,
		RateLimit:     1,
		ProgressEvery: 50,
		MaxIdlePolls:  0,
	}
}

// Summary contains aggregate statistics from a completed run.
type Summary struct {
	// ItemsDiscovered is the number of items admitted into the run.
	ItemsDiscovered int64

	// ItemsCompleted is the number of items with an accepted result.
	ItemsCompleted int64

	// ItemsFailed is the number of items that failed.
	ItemsFailed int64

	// ItemsCancelled is the number of items ended by stop/cancellation.
	ItemsCancelled int64

	// ItemsDegraded is the number of kept results that required
	// sanitizing.
	ItemsDegraded int64

	// SeriesCompleted is the number of tilt series assembled in full.
	SeriesCompleted int64

	// SeriesForced is the number of tilt series force-closed with gaps.
	SeriesForced int64

	// Errors is the count of error records written.
	Errors int64

	// Duration is the total run duration.
	Duration time.Duration

	// Reason states why the run ended (results.Reason* constant).
	Reason string

	// FailureKinds counts failed items by error code. Nil when nothing
	// failed.
	FailureKinds map[string]int64
}

// failureKinds holds one atomic counter per error code so workers never
// contend on a map.
type failureKinds struct {
	parse      atomic.Int64
	invalid    atomic.Int64
	execution  atomic.Int64
	estimation atomic.Int64
	timeout    atomic.Int64
	assembly   atomic.Int64
	internal   atomic.Int64
}

func (f *failureKinds) add(code string) {
	switch code {
	case results.ErrCodeParse:
		f.parse.Add(1)
	case results.ErrCodeInvalidResult:
		f.invalid.Add(1)
	case results.ErrCodeExecution:
		f.execution.Add(1)
	case results.ErrCodeEstimationFailed:
		f.estimation.Add(1)
	case results.ErrCodeTimeout:
		f.timeout.Add(1)
	case results.ErrCodeAssembly:
		f.assembly.Add(1)
	default:
		f.internal.Add(1)
	}
}

func (f *failureKinds) snapshot() map[string]int64 {
	kinds := make(map[string]int64)
	put := func(code string, n int64) {
		if n > 0 {
			kinds[code] = n
		}
	}
	put(results.ErrCodeParse, f.parse.Load())
	put(results.ErrCodeInvalidResult, f.invalid.Load())
	put(results.ErrCodeExecution, f.execution.Load())
	put(results.ErrCodeEstimationFailed, f.estimation.Load())
	put(results.ErrCodeTimeout, f.timeout.Load())
	put(results.ErrCodeAssembly, f.assembly.Load())
	put(results.ErrCodeInternal, f.internal.Load())
	if len(kinds) == 0 {
		return nil
	}
	return kinds
}

// Coordinator executes one streaming estimation run.
//
// Coordinator is safe for single use only. Create a new Coordinator for
// each run. The item table carries its own lock; callers may Admit, Poll
// and Stop from any goroutine while Run is active.
type Coordinator struct {
	runner     Runner
	aggregator *results.Aggregator
	config     Config
	runID      string

	src       source.Source
	matcher   *match.Matcher
	filter    *match.CompositeFilter
	resolver  *tiltseries.Resolver
	assembler *tiltseries.Assembler

	// Rate limiter for source polling.
	limiter *rate.Limiter

	work   chan ctf.InputItem
	stopCh chan struct{}
	errCh  chan error

	stopOnce  sync.Once
	cancelRun context.CancelFunc

	// admitWG tracks Admit calls between their intake check and their
	// queue send, so closeIntake never closes the work channel under a
	// blocked sender.
	admitWG sync.WaitGroup

	// mu guards the item table and the completion buffer.
	mu           sync.Mutex
	items        map[string]ItemState
	completions  []Completion
	pending      int
	stopped      bool
	intakeClosed bool
	inputDone    bool

	// Atomic counters for stats
	discovered      atomic.Int64
	finished        atomic.Int64
	failed          atomic.Int64
	cancelled       atomic.Int64
	degraded        atomic.Int64
	seriesCompleted atomic.Int64
	seriesForced    atomic.Int64
	errorCount      atomic.Int64
	terminal        atomic.Int64
	failures        failureKinds
}

// New creates a coordinator.
//
// Parameters:
//   - runner: Executes estimation jobs (usually *estimator.Dispatcher)
//   - agg: Output aggregator receiving accepted results
//   - runID: Correlation ID for this run
//   - cfg: Coordinator configuration (use DefaultConfig() as base)
//
// Use WithSource, WithMatcher, WithFilter and WithTiltSeries to attach
// the optional collaborators after creation.
func New(runner Runner, agg *results.Aggregator, runID string, cfg Config) *Coordinator {
	// Apply defaults for zero values
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = DefaultConfig().RateLimit
	}
	if cfg.ProgressEvery <= 0 {
		cfg.ProgressEvery = DefaultConfig().ProgressEvery
	}

	return &Coordinator{
		runner:     runner,
		aggregator: agg,
		config:     cfg,
		runID:      runID,
		limiter:    rate.NewLimiter(rate.Limit(cfg.RateLimit), 1),
		work:       make(chan ctf.InputItem, cfg.QueueSize),
		stopCh:     make(chan struct{}),
		errCh:      make(chan error, 1),
		items:      make(map[string]ItemState),
	}
}

// WithSource attaches the input source Run polls for new items. Without
// a source, Run serves caller-admitted items until Stop or cancellation.
// Returns the coordinator for method chaining.
func (c *Coordinator) WithSource(src source.Source) *Coordinator {
	c.src = src
	return c
}

// WithMatcher restricts admission to items whose names match.
func (c *Coordinator) WithMatcher(m *match.Matcher) *Coordinator {
	c.matcher = m
	return c
}

// WithFilter adds metadata filtering (size, date) after name matching.
func (c *Coordinator) WithFilter(f *match.CompositeFilter) *Coordinator {
	c.filter = f
	return c
}

// WithTiltSeries attaches tilt-series handling: the resolver derives
// series membership from item names, the assembler groups per-frame
// results. Without them every item is a single micrograph.
func (c *Coordinator) WithTiltSeries(r *tiltseries.Resolver, a *tiltseries.Assembler) *Coordinator {
	c.resolver = r
	c.assembler = a
	return c
}

// Admit queues a discovered item for estimation.
//
// Admit blocks only when the work queue is saturated. It returns
// ErrStopped once the intake is closed (after Stop, or after the run
// ended) and ErrAlreadyAdmitted for repeated item IDs.
func (c *Coordinator) Admit(item ctf.InputItem) error {
	if item.ID == "" {
		return fmt.Errorf("admit: item without ID")
	}

	c.mu.Lock()
	if c.stopped || c.intakeClosed {
		c.mu.Unlock()
		return ErrStopped
	}
	if _, ok := c.items[item.ID]; ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyAdmitted, item.ID)
	}
	c.items[item.ID] = StateDiscovered
	c.pending++
	c.admitWG.Add(1)
	c.mu.Unlock()
	defer c.admitWG.Done()

	c.discovered.Add(1)
	c.setState(item.ID, StateQueued)

	select {
	case c.work <- item:
		return nil
	case <-c.stopCh:
		// Stop raced the enqueue; the item never reached a worker.
		c.finalize(context.Background(), item, StateCancelled, nil, nil)
		return ErrStopped
	}
}

// Poll returns the items that reached a terminal state since the last
// call. Poll never blocks.
func (c *Coordinator) Poll() []Completion {
	c.mu.Lock()
	defer c.mu.Unlock()

	done := c.completions
	c.completions = nil
	return done
}

// InputExhausted reports whether the source signalled end of input and
// every admitted item is terminal.
func (c *Coordinator) InputExhausted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inputDone && c.pending == 0
}

// Stop ends the run gracefully: items still queued are cancelled,
// dispatched items finish naturally, and the assembler is drained with
// gap markers. Stop is idempotent and safe from any goroutine.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() {
		c.mu.Lock()
		c.stopped = true
		c.mu.Unlock()

		close(c.stopCh)
		c.closeIntake()
	})
}

// State returns the current state of an admitted item.
func (c *Coordinator) State(itemID string) (ItemState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.items[itemID]
	return s, ok
}

func (c *Coordinator) isStopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

func (c *Coordinator) setState(id string, s ItemState) {
	c.mu.Lock()
	c.items[id] = s
	c.mu.Unlock()
}

// markInputDone records that the source signalled end of input.
func (c *Coordinator) markInputDone() {
	c.mu.Lock()
	c.inputDone = true
	c.mu.Unlock()
}

// closeIntake rejects further Admits and closes the work channel once
// every in-flight Admit has finished its queue send.
func (c *Coordinator) closeIntake() {
	c.mu.Lock()
	if c.intakeClosed {
		c.mu.Unlock()
		return
	}
	c.intakeClosed = true
	c.mu.Unlock()

	c.admitWG.Wait()
	close(c.work)
}

// fatal records a run-aborting error and cancels the run context. Only
// the first fatal error is kept.
func (c *Coordinator) fatal(err error) {
	select {
	case c.errCh <- err:
	default:
	}
	if c.cancelRun != nil {
		c.cancelRun()
	}
}

// finalize moves an item to a terminal state and records its completion.
func (c *Coordinator) finalize(ctx context.Context, item ctf.InputItem, state ItemState, res *ctf.Result, err error) {
	c.mu.Lock()
	c.items[item.ID] = state
	c.pending--
	c.completions = append(c.completions, Completion{Item: item, State: state, Result: res, Err: err})
	c.mu.Unlock()

	switch state {
	case StateFinished:
		c.finished.Add(1)
	case StateFailed:
		c.failed.Add(1)
	case StateCancelled:
		c.cancelled.Add(1)
	}

	n := c.terminal.Add(1)
	if c.config.ProgressEvery > 0 && n%int64(c.config.ProgressEvery) == 0 {
		_ = c.writeProgress(ctx, results.PhaseStreaming)
	}
}
