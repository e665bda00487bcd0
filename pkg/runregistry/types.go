package runregistry

import "time"

// RunState is the lifecycle state of a managed estimation run.
//
// NOTE: These values are persisted in run.json and are part of the stable
// on-disk contract.
type RunState string

const (
	RunStateQueued   RunState = "queued"
	RunStateRunning  RunState = "running"
	RunStateStopping RunState = "stopping"
	RunStateStopped  RunState = "stopped"
	RunStateSuccess  RunState = "success"
	RunStatePartial  RunState = "partial"
	RunStateFailed   RunState = "failed"
	RunStateUnknown  RunState = "unknown"
)

// SourceSummary is a minimal input summary captured for operator clarity.
//
// This is intentionally shallow and string-only so the run registry stays
// stable even if the manifest schema evolves.
type SourceSummary struct {
	Backend   string `json:"backend,omitempty"`
	Root      string `json:"root,omitempty"`
	Region    string `json:"region,omitempty"`
	Estimator string `json:"estimator,omitempty"`
}

// RunRecord is the persistent record written to run.json.
//
// The schema is designed for backward-compatible extension (additive fields).
type RunRecord struct {
	RunID        string    `json:"run_id"`
	Name         string    `json:"name,omitempty"`
	State        RunState  `json:"state"`
	ManifestPath string    `json:"manifest_path"`
	ResultsPath  string    `json:"results_path,omitempty"`
	PID          int       `json:"pid,omitempty"`
	CreatedAt    time.Time `json:"created_at"`

	StartedAt     *time.Time     `json:"started_at,omitempty"`
	EndedAt       *time.Time     `json:"ended_at,omitempty"`
	LastHeartbeat *time.Time     `json:"last_heartbeat,omitempty"`
	Source        *SourceSummary `json:"source,omitempty"`
	StdoutPath    string         `json:"stdout_path,omitempty"`
	StderrPath    string         `json:"stderr_path,omitempty"`
}
