// Package results collects finalized estimation outcomes and streams them
// as JSONL.
//
// Output is structured as typed record envelopes containing results,
// assembled tilt series, errors, and progress updates. Each line is a
// self-contained JSON object that can be parsed independently. The
// Collection keeps the accepted records in memory with exactly-once
// semantics; the Aggregator couples it with a Writer so acceptance and
// emission stay in the same order.
package results

import (
	"encoding/json"
	"errors"
	"time"
)

// Record type constants define the envelope types for JSONL output.
// These follow the pattern: ctfstream.<type>.v<version>
const (
	// TypeRunOpen identifies the record that opens a run's stream.
	TypeRunOpen = "ctfstream.run.open.v1"

	// TypeResult identifies single-micrograph and per-frame CTF results.
	TypeResult = "ctfstream.result.v1"

	// TypeSeries identifies assembled tilt-series records.
	TypeSeries = "ctfstream.series.v1"

	// TypeError identifies error records.
	TypeError = "ctfstream.error.v1"

	// TypeProgress identifies progress update records.
	TypeProgress = "ctfstream.progress.v1"

	// TypeSummary identifies final summary records.
	TypeSummary = "ctfstream.summary.v1"

	// TypeRunClose identifies the record that closes a run's stream.
	TypeRunClose = "ctfstream.run.close.v1"
)

// Record is the envelope for all JSONL output.
//
// Each line of JSONL output contains a Record with a type-specific
// payload in the Data field. The type field determines how to
// interpret the Data payload.
type Record struct {
	// Type identifies the record type (e.g., "ctfstream.result.v1").
	Type string `json:"type"`

	// TS is the timestamp when the record was created (RFC3339Nano).
	TS time.Time `json:"ts"`

	// RunID is the correlation ID for this estimation run.
	RunID string `json:"run_id"`

	// Source identifies the input backend (e.g., "dir", "s3").
	Source string `json:"source"`

	// Data contains the type-specific payload as raw JSON.
	Data json.RawMessage `json:"data"`
}

// RunOpenRecord is the data payload that opens a run's stream.
//
// It is emitted once, before any result record, so consumers tailing the
// stream know which estimator and manifest produced what follows.
type RunOpenRecord struct {
	// Manifest is the path of the run manifest, if one was used.
	Manifest string `json:"manifest,omitempty"`

	// Estimator is the resolved estimator binary.
	Estimator string `json:"estimator"`

	// Workers is the size of the estimation worker pool.
	Workers int `json:"workers"`

	// Version is the ctfstream build version.
	Version string `json:"version,omitempty"`
}

// RunCloseRecord is the data payload that closes a run's stream.
//
// A close record is always the last line of a completed stream, whatever
// the reason the run ended.
type RunCloseRecord struct {
	// Reason states why the run ended.
	Reason string `json:"reason"`

	// Duration is the total run duration.
	Duration time.Duration `json:"duration_ns"`

	// DurationHuman is a human-readable duration string.
	DurationHuman string `json:"duration"`
}

// Run close reasons.
const (
	// ReasonExhausted means the input source reported no further items.
	ReasonExhausted = "input_exhausted"

	// ReasonStopped means Stop() ended the run after in-flight jobs drained.
	ReasonStopped = "stopped"

	// ReasonCancelled means the run context was cancelled.
	ReasonCancelled = "cancelled"

	// ReasonFatal means a cross-cutting error aborted the run.
	ReasonFatal = "fatal"
)

// ErrorRecord is the data payload for errors.
//
// Per-item failures are emitted as records rather than failing the entire
// run, so a bad micrograph never blocks the ones still arriving.
type ErrorRecord struct {
	// Code is a machine-readable error code.
	Code string `json:"code"`

	// Message is a human-readable error description.
	Message string `json:"message"`

	// ItemID is the input item related to this error, if applicable.
	ItemID string `json:"item_id,omitempty"`

	// SeriesID is the tilt series related to this error, if applicable.
	SeriesID string `json:"series_id,omitempty"`

	// Details contains additional error context.
	Details any `json:"details,omitempty"`
}

// Error codes for ErrorRecord.
const (
	// ErrCodeParse indicates the estimator report could not be parsed.
	ErrCodeParse = "PARSE_ERROR"

	// ErrCodeInvalidResult indicates a physically implausible result.
	ErrCodeInvalidResult = "INVALID_RESULT"

	// ErrCodeExecution indicates the estimator process could not run.
	ErrCodeExecution = "EXECUTION"

	// ErrCodeEstimationFailed indicates the estimator ran and reported
	// failure.
	ErrCodeEstimationFailed = "ESTIMATION_FAILED"

	// ErrCodeTimeout indicates a job exceeded its time budget.
	ErrCodeTimeout = "TIMEOUT"

	// ErrCodeSource indicates an input source failure.
	ErrCodeSource = "SOURCE"

	// ErrCodeAssembly indicates a frame could not be placed in its series.
	ErrCodeAssembly = "ASSEMBLY"

	// ErrCodeInternal indicates an unexpected internal error.
	ErrCodeInternal = "INTERNAL"
)

// ProgressRecord is the data payload for progress updates.
//
// Progress records are emitted periodically during a run to provide
// visibility into long-running sessions.
type ProgressRecord struct {
	// Phase indicates the current run phase.
	Phase string `json:"phase"`

	// ItemsDiscovered is the total number of input items seen so far.
	ItemsDiscovered int64 `json:"items_discovered"`

	// ItemsCompleted is the number of items with an accepted result.
	ItemsCompleted int64 `json:"items_completed"`

	// ItemsFailed is the number of items that failed estimation.
	ItemsFailed int64 `json:"items_failed"`

	// SeriesOpen is the number of tilt series still being assembled.
	SeriesOpen int `json:"series_open"`
}

// Progress phase constants.
const (
	// PhaseStarting indicates the run is initializing.
	PhaseStarting = "starting"

	// PhaseStreaming indicates items are being estimated as they arrive.
	PhaseStreaming = "streaming"

	// PhaseDraining indicates no more input is expected and in-flight
	// jobs are finishing.
	PhaseDraining = "draining"

	// PhaseComplete indicates the run has finished.
	PhaseComplete = "complete"
)

// SummaryRecord is the data payload for final summaries.
//
// A summary record is emitted at the end of a run with aggregate
// statistics, just before the run close record.
type SummaryRecord struct {
	// ItemsDiscovered is the total number of input items seen.
	ItemsDiscovered int64 `json:"items_discovered"`

	// ItemsCompleted is the number of items with an accepted result.
	ItemsCompleted int64 `json:"items_completed"`

	// ItemsFailed is the number of items that failed estimation.
	ItemsFailed int64 `json:"items_failed"`

	// ItemsCancelled is the number of items cancelled by a stop or a
	// context cancellation before they finished.
	ItemsCancelled int64 `json:"items_cancelled"`

	// ItemsDegraded is the number of kept results that required
	// sanitizing.
	ItemsDegraded int64 `json:"items_degraded"`

	// SeriesCompleted is the number of tilt series assembled in full.
	SeriesCompleted int64 `json:"series_completed"`

	// SeriesForced is the number of tilt series force-closed with gaps.
	SeriesForced int64 `json:"series_forced"`

	// Duration is the total run duration.
	Duration time.Duration `json:"duration_ns"`

	// DurationHuman is a human-readable duration string.
	DurationHuman string `json:"duration"`

	// FailureKinds counts failed items by error code.
	FailureKinds map[string]int64 `json:"failure_kinds,omitempty"`
}

// Writer errors.
var (
	// ErrWriterClosed is returned when writing to a closed writer.
	ErrWriterClosed = errors.New("writer is closed")
)

// WriteError wraps errors that occur during write operations.
type WriteError struct {
	Op  string // Operation that failed (e.g., "marshal_data", "write")
	Err error  // Underlying error
}

func (e *WriteError) Error() string {
	return "results: " + e.Op + ": " + e.Err.Error()
}

func (e *WriteError) Unwrap() error {
	return e.Err
}
