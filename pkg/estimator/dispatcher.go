// Package estimator runs the external CTF estimator binary, one
// subprocess per input item, and reports each job's outcome.
//
// The dispatcher knows nothing about report contents: it guarantees a
// report file exists on success and hands the path back. Parsing and
// sanitizing are the caller's concern.
package estimator

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/cryokit/ctfstream/pkg/ctf"
	"github.com/cryokit/ctfstream/pkg/report"
)

// Dispatcher launches estimation subprocesses with a shared
// configuration. It is safe for concurrent use: all per-job state lives
// on the Job.
type Dispatcher struct {
	cfg Config
}

// NewDispatcher validates the configuration and resolves the estimator
// binary. An unresolvable binary is fatal here, before any item is
// dispatched.
func NewDispatcher(cfg Config) (*Dispatcher, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	bin, err := resolveBinary(cfg.BinaryPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExecution, err)
	}
	cfg.BinaryPath = bin
	return &Dispatcher{cfg: cfg}, nil
}

// Config returns a copy of the dispatcher configuration with the binary
// path resolved.
func (d *Dispatcher) Config() Config {
	return d.cfg
}

// NewJob lays out the work directory paths for an item without starting
// anything. Exposed so planning output can show where artifacts will
// land.
func (d *Dispatcher) NewJob(item ctf.InputItem) *Job {
	workDir := filepath.Join(d.cfg.WorkDir, "item_"+pathSafe(item.ID))
	stem := strings.TrimSuffix(filepath.Base(item.Path), filepath.Ext(item.Path))
	psd := filepath.Join(workDir, stem+"_ctf.mrc")

	return &Job{
		JobID:      uuid.New().String(),
		Item:       item,
		State:      StatePending,
		ExitCode:   -1,
		WorkDir:    workDir,
		PSDPath:    psd,
		ReportPath: report.TextPath(psd),
		LogPath:    filepath.Join(workDir, "estimator.log"),
	}
}

// Run executes the estimator for one item and returns the finished job.
//
// Retryable failures (non-zero exit, timeout) are retried with a fresh
// attempt up to MaxRetries; the loop is an explicit counter so a
// pathological estimator cannot grow the stack. Protocol violations
// (exit 0 without a report) and spawn failures are not retried. The
// returned error is nil exactly when job.State is succeeded.
func (d *Dispatcher) Run(ctx context.Context, item ctf.InputItem) (*Job, error) {
	job := d.NewJob(item)
	if err := os.MkdirAll(job.WorkDir, 0755); err != nil {
		job.State = StateFailed
		job.Err = &JobError{Op: "workdir", ItemID: item.ID, ExitCode: -1, Err: fmt.Errorf("%w: %v", ErrExecution, err)}
		return job, job.Err
	}

	logFile, err := os.OpenFile(job.LogPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		job.State = StateFailed
		job.Err = &JobError{Op: "log", ItemID: item.ID, ExitCode: -1, Err: fmt.Errorf("%w: %v", ErrExecution, err)}
		return job, job.Err
	}
	defer logFile.Close()

	script := answerScript(&d.cfg, item.Path, job.PSDPath)

	maxAttempts := 1 + d.cfg.MaxRetries
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			job.State = StateFailed
			job.Err = &JobError{Op: "run", ItemID: item.ID, Attempt: attempt, ExitCode: -1, Err: err}
			return job, job.Err
		}

		job.Attempts = attempt
		if err := job.transition(StateRunning); err != nil {
			return job, err
		}
		if job.StartedAt == nil {
			now := time.Now().UTC()
			job.StartedAt = &now
		}

		attemptErr := d.runOnce(ctx, job, logFile, script)

		now := time.Now().UTC()
		job.EndedAt = &now

		if attemptErr == nil {
			if err := job.transition(StateSucceeded); err != nil {
				return job, err
			}
			job.Err = nil
			return job, nil
		}

		if err := job.transition(StateFailed); err != nil {
			return job, err
		}
		job.Err = attemptErr

		if !retryable(attemptErr) || attempt == maxAttempts {
			return job, attemptErr
		}
		if err := job.transition(StatePending); err != nil {
			return job, err
		}
	}
	// Unreachable: the loop always returns.
	return job, job.Err
}

// runOnce starts one subprocess attempt and classifies its outcome.
func (d *Dispatcher) runOnce(ctx context.Context, job *Job, logFile *os.File, script string) error {
	fmt.Fprintf(logFile, "# attempt %d: %s\n", job.Attempts, d.cfg.BinaryPath)

	attemptCtx := ctx
	var cancel context.CancelFunc
	if d.cfg.Timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, d.cfg.Timeout)
		defer cancel()
	}

	cmd := exec.Command(d.cfg.BinaryPath)
	cmd.Dir = job.WorkDir
	cmd.Stdin = strings.NewReader(script)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	// Own process group so a kill reaches estimator-spawned children too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return &JobError{Op: "start", ItemID: job.Item.ID, Attempt: job.Attempts, ExitCode: -1,
			Err: fmt.Errorf("%w: %v", ErrExecution, err)}
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	var waitErr error
	select {
	case <-attemptCtx.Done():
		if cmd.Process != nil {
			_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		}
		<-done
		job.ExitCode = -1
		if ctx.Err() != nil {
			// Parent cancellation: hard stop, not a timeout.
			return &JobError{Op: "run", ItemID: job.Item.ID, Attempt: job.Attempts, ExitCode: -1, Err: ctx.Err()}
		}
		return &JobError{Op: "run", ItemID: job.Item.ID, Attempt: job.Attempts, ExitCode: -1,
			Err: fmt.Errorf("%w after %s", ErrTimeout, d.cfg.Timeout)}
	case waitErr = <-done:
	}

	if waitErr != nil {
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			job.ExitCode = exitErr.ExitCode()
			return &JobError{Op: "wait", ItemID: job.Item.ID, Attempt: job.Attempts, ExitCode: job.ExitCode,
				Err: fmt.Errorf("%w: see %s", ErrEstimationFailed, job.LogPath)}
		}
		job.ExitCode = -1
		return &JobError{Op: "wait", ItemID: job.Item.ID, Attempt: job.Attempts, ExitCode: -1,
			Err: fmt.Errorf("%w: %v", ErrExecution, waitErr)}
	}

	job.ExitCode = 0
	if _, err := os.Stat(job.ReportPath); err != nil {
		return &JobError{Op: "report", ItemID: job.Item.ID, Attempt: job.Attempts, ExitCode: 0,
			Err: fmt.Errorf("%w: exit 0 but report missing: %s", ErrExecution, job.ReportPath)}
	}
	return nil
}

// retryable failures earn another attempt: a crashed or timed-out fit
// may succeed on retry (transient load, GPU contention). Protocol
// violations and spawn failures are deterministic and fail immediately.
func retryable(err error) bool {
	return IsEstimationFailed(err) || IsTimeout(err)
}

// pathSafe maps an item ID onto a single path segment.
func pathSafe(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, id)
}
