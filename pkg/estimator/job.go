package estimator

import (
	"fmt"
	"time"

	"github.com/cryokit/ctfstream/pkg/ctf"
)

// State is the lifecycle state of one estimation job.
type State string

const (
	// StatePending means the job is created but no subprocess has
	// started (initial state, and the re-armed state between retries).
	StatePending State = "pending"

	// StateRunning means the subprocess is executing.
	StateRunning State = "running"

	// StateSucceeded means the subprocess exited zero and the report
	// file exists.
	StateSucceeded State = "succeeded"

	// StateFailed means the attempt failed (non-zero exit, timeout, or
	// protocol violation).
	StateFailed State = "failed"
)

// validTransitions is the job lifecycle. failed→pending re-arms a retry.
var validTransitions = map[State][]State{
	StatePending: {StateRunning},
	StateRunning: {StateSucceeded, StateFailed},
	StateFailed:  {StatePending},
}

// Job is one estimation subprocess lifecycle for one input item.
//
// The dispatcher owns all mutation; callers treat a returned Job as
// read-only. Paths are absolute and live under the job's WorkDir.
type Job struct {
	JobID string        `json:"job_id"`
	Item  ctf.InputItem `json:"item"`
	State State         `json:"state"`

	// Attempts counts subprocess launches, 1-based once running.
	Attempts int `json:"attempts"`

	// ExitCode is the last subprocess exit code, -1 before any exit.
	ExitCode int `json:"exit_code"`

	WorkDir    string `json:"work_dir"`
	ReportPath string `json:"report_path"`
	PSDPath    string `json:"psd_path"`
	LogPath    string `json:"log_path"`

	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`

	// Err is the terminal failure, nil while pending/running and after
	// success.
	Err error `json:"-"`
}

// transition moves the job to a new state, enforcing the lifecycle. An
// invalid transition is a programming error, not an operational one.
func (j *Job) transition(to State) error {
	for _, allowed := range validTransitions[j.State] {
		if allowed == to {
			j.State = to
			return nil
		}
	}
	return fmt.Errorf("invalid job transition %s -> %s (job %s)", j.State, to, j.JobID)
}

// Succeeded reports whether the job reached its terminal success state.
func (j *Job) Succeeded() bool {
	return j.State == StateSucceeded
}

// Duration is the wall-clock span from first start to last end, zero
// while the job has not finished.
func (j *Job) Duration() time.Duration {
	if j.StartedAt == nil || j.EndedAt == nil {
		return 0
	}
	return j.EndedAt.Sub(*j.StartedAt)
}
