package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cryokit/ctfstream/pkg/ctf"
	"github.com/cryokit/ctfstream/pkg/estimator"
	"github.com/cryokit/ctfstream/pkg/match"
	"github.com/cryokit/ctfstream/pkg/report"
	"github.com/cryokit/ctfstream/pkg/results"
	"github.com/cryokit/ctfstream/pkg/source"
)

// Run executes the streaming loop and returns summary statistics.
//
// Run opens the output stream, starts the worker pool, and polls the
// source on a rate-limited interval, admitting every matched item. With
// no source attached it serves caller-admitted items instead. Run blocks
// until the input is exhausted (MaxIdlePolls), Stop is called, the
// context is cancelled, or a fatal error aborts the run.
//
// Cancellation is the hard path: in-flight subprocesses are killed and
// queued items are cancelled, and a partial summary is returned with the
// context's error. Stop is the soft path: dispatched items finish
// naturally and the assembler is force-closed with gap markers.
func (c *Coordinator) Run(ctx context.Context) (*Summary, error) {
	start := time.Now()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.cancelRun = cancel

	w := c.aggregator.Writer()
	if err := w.WriteRunOpen(runCtx, &results.RunOpenRecord{
		Manifest:  c.config.Manifest,
		Estimator: c.config.Estimator,
		Workers:   c.config.Workers,
		Version:   c.config.Version,
	}); err != nil {
		return nil, err
	}
	_ = c.writeProgress(runCtx, results.PhaseStarting)

	var workerWG sync.WaitGroup
	for i := 0; i < c.config.Workers; i++ {
		workerWG.Add(1)
		go func() {
			defer workerWG.Done()
			c.runWorker(runCtx)
		}()
	}

	if c.src != nil {
		var srcWG sync.WaitGroup
		srcWG.Add(1)
		go func() {
			defer srcWG.Done()
			if err := c.runSource(runCtx); err != nil {
				if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
					c.fatal(err)
				}
			}
		}()

		srcWG.Wait()
		c.closeIntake()
	} else {
		// Caller-fed mode: the intake stays open until Stop or
		// cancellation closes it.
		select {
		case <-c.stopCh:
		case <-runCtx.Done():
			c.closeIntake()
		}
	}

	_ = c.writeProgress(runCtx, results.PhaseDraining)
	workerWG.Wait()

	// Force-close series still missing frames. Skipped when the run was
	// cancelled or aborted: the stream no longer accepts records.
	if c.assembler != nil && runCtx.Err() == nil {
		for _, series := range c.assembler.CloseAll() {
			if err := c.aggregator.AppendSeries(runCtx, series); err != nil {
				c.fatal(err)
				break
			}
			if series.Complete {
				c.seriesCompleted.Add(1)
			} else {
				c.seriesForced.Add(1)
			}
		}
	}

	duration := time.Since(start)

	var fatalErr error
	select {
	case fatalErr = <-c.errCh:
	default:
	}

	reason := results.ReasonExhausted
	switch {
	case fatalErr != nil:
		reason = results.ReasonFatal
	case ctx.Err() != nil:
		reason = results.ReasonCancelled
	case c.isStopped():
		reason = results.ReasonStopped
	}
	summary := c.buildSummary(duration, reason)

	if fatalErr != nil {
		// Best effort: bracket the stream if it still works.
		_ = w.WriteRunClose(ctx, c.closeRecord(summary))
		return summary, fatalErr
	}
	if err := ctx.Err(); err != nil {
		// Partial summary on cancellation; the stream is gone.
		return summary, err
	}

	if err := c.writeProgress(ctx, results.PhaseComplete); err != nil {
		return summary, err
	}
	if err := c.writeSummary(ctx, summary); err != nil {
		return summary, err
	}
	if err := w.WriteRunClose(ctx, c.closeRecord(summary)); err != nil {
		return summary, err
	}
	return summary, nil
}

// runSource polls the source until the input is exhausted, the run is
// stopped, or the context is cancelled.
func (c *Coordinator) runSource(ctx context.Context) error {
	idle := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if c.isStopped() {
			return nil
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}

		items, err := c.src.Poll(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			// Misconfiguration never heals; everything else might.
			if source.IsBucketNotFound(err) || source.IsInvalidCredentials(err) {
				return err
			}
			c.writeSourceError(ctx, err)
			continue
		}

		admitted := 0
		for _, it := range items {
			input, ok := c.candidate(it)
			if !ok {
				continue
			}
			switch err := c.Admit(input); {
			case err == nil:
				admitted++
			case errors.Is(err, ErrStopped):
				return nil
			case errors.Is(err, ErrAlreadyAdmitted):
				// Sources report exactly once; tolerate repeats anyway.
			default:
				return err
			}
		}

		if admitted > 0 {
			idle = 0
			continue
		}
		idle++
		if c.config.MaxIdlePolls > 0 && idle >= c.config.MaxIdlePolls {
			c.markInputDone()
			return nil
		}
	}
}

// candidate applies name matching and metadata filters, then resolves
// tilt-series membership. The second return is false when the item
// should not be admitted.
func (c *Coordinator) candidate(it source.Item) (ctf.InputItem, bool) {
	if c.matcher != nil && !c.matcher.Match(it.Name) {
		return ctf.InputItem{}, false
	}
	if c.filter != nil && !c.filter.Match(match.Candidate{Name: it.Name, Size: it.Size, ModTime: it.ModTime}) {
		return ctf.InputItem{}, false
	}

	input := ctf.InputItem{ID: it.Name}
	if c.resolver != nil {
		if seriesID, order, ok := c.resolver.Resolve(it.Name); ok {
			input.TiltSeriesID = seriesID
			input.AcquisitionOrder = order
		}
	}
	return input, true
}

// runWorker consumes the work queue until the intake closes. Items
// pulled after a stop or cancellation are finalized as cancelled without
// running.
func (c *Coordinator) runWorker(ctx context.Context) {
	for item := range c.work {
		if ctx.Err() != nil || c.isStopped() {
			c.finalize(ctx, item, StateCancelled, nil, nil)
			continue
		}
		c.process(ctx, item)
	}
}

// process runs one item end to end: fetch, estimate, parse, sanitize,
// route. Runs on a worker goroutine.
func (c *Coordinator) process(ctx context.Context, item ctf.InputItem) {
	c.setState(item.ID, StateDispatched)

	// Items admitted from a source carry no local path yet.
	if item.Path == "" && c.src != nil {
		path, err := c.src.Fetch(ctx, item.ID)
		if err != nil {
			c.recordFailure(ctx, item, results.ErrCodeSource, err)
			c.finalize(ctx, item, StateFailed, nil, err)
			return
		}
		item.Path = path
	}

	job, err := c.runner.Run(ctx, item)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			c.finalize(ctx, item, StateCancelled, nil, err)
			return
		}
		c.recordFailure(ctx, item, failureCode(err), err)
		c.finalize(ctx, item, StateFailed, nil, err)
		return
	}

	res, err := report.Parse(job.ReportPath, item)
	if err != nil {
		c.recordFailure(ctx, item, results.ErrCodeParse, err)
		c.finalize(ctx, item, StateFailed, nil, err)
		return
	}

	res, err = ctf.Sanitize(res)
	if err != nil {
		c.recordFailure(ctx, item, results.ErrCodeInvalidResult, err)
		c.finalize(ctx, item, StateFailed, nil, err)
		return
	}
	if res.Quality == ctf.QualityDegraded {
		c.degraded.Add(1)
	}

	if item.IsTiltFrame() && c.assembler != nil {
		if err := c.assembler.Accept(item, res); err != nil {
			c.recordFailure(ctx, item, results.ErrCodeAssembly, err)
			c.finalize(ctx, item, StateFailed, nil, err)
			return
		}
		for _, series := range c.assembler.Drain() {
			if err := c.aggregator.AppendSeries(ctx, series); err != nil {
				c.fatal(err)
				break
			}
			c.seriesCompleted.Add(1)
		}
	} else {
		if err := c.aggregator.AppendResult(ctx, res); err != nil {
			// Duplicate insertion and a broken stream abort the run.
			c.fatal(err)
			c.recordFailure(ctx, item, results.ErrCodeInternal, err)
			c.finalize(ctx, item, StateFailed, nil, err)
			return
		}
	}

	c.finalize(ctx, item, StateFinished, res, nil)
}

// failureCode classifies a job error into an error-record code.
func failureCode(err error) string {
	switch {
	case estimator.IsTimeout(err):
		return results.ErrCodeTimeout
	case estimator.IsEstimationFailed(err):
		return results.ErrCodeEstimationFailed
	case estimator.IsExecution(err):
		return results.ErrCodeExecution
	case report.IsParse(err):
		return results.ErrCodeParse
	case ctf.IsInvalidResult(err):
		return results.ErrCodeInvalidResult
	default:
		return results.ErrCodeInternal
	}
}

// recordFailure emits an error record and counts the failure kind.
func (c *Coordinator) recordFailure(ctx context.Context, item ctf.InputItem, code string, err error) {
	c.errorCount.Add(1)
	c.failures.add(code)

	rec := &results.ErrorRecord{
		Code:     code,
		Message:  err.Error(),
		ItemID:   item.ID,
		SeriesID: item.TiltSeriesID,
	}

	// Best effort - don't fail the run if we can't write the error
	_ = c.aggregator.Writer().WriteError(ctx, rec)
}

// writeSourceError emits an error record for a failed source poll.
func (c *Coordinator) writeSourceError(ctx context.Context, err error) {
	c.errorCount.Add(1)

	// Best effort - don't fail the run if we can't write the error
	_ = c.aggregator.Writer().WriteError(ctx, &results.ErrorRecord{
		Code:    results.ErrCodeSource,
		Message: err.Error(),
	})
}

// writeProgress emits a progress record.
func (c *Coordinator) writeProgress(ctx context.Context, phase string) error {
	open := 0
	if c.assembler != nil {
		open = c.assembler.Open()
	}
	return c.aggregator.Writer().WriteProgress(ctx, &results.ProgressRecord{
		Phase:           phase,
		ItemsDiscovered: c.discovered.Load(),
		ItemsCompleted:  c.finished.Load(),
		ItemsFailed:     c.failed.Load(),
		SeriesOpen:      open,
	})
}

// writeSummary emits a summary record.
func (c *Coordinator) writeSummary(ctx context.Context, summary *Summary) error {
	return c.aggregator.Writer().WriteSummary(ctx, &results.SummaryRecord{
		ItemsDiscovered: summary.ItemsDiscovered,
		ItemsCompleted:  summary.ItemsCompleted,
		ItemsFailed:     summary.ItemsFailed,
		ItemsCancelled:  summary.ItemsCancelled,
		ItemsDegraded:   summary.ItemsDegraded,
		SeriesCompleted: summary.SeriesCompleted,
		SeriesForced:    summary.SeriesForced,
		Duration:        summary.Duration,
		DurationHuman:   summary.Duration.Round(time.Millisecond).String(),
		FailureKinds:    summary.FailureKinds,
	})
}

// closeRecord builds the run.close payload for a finished run.
func (c *Coordinator) closeRecord(summary *Summary) *results.RunCloseRecord {
	return &results.RunCloseRecord{
		Reason:        summary.Reason,
		Duration:      summary.Duration,
		DurationHuman: summary.Duration.Round(time.Millisecond).String(),
	}
}

// buildSummary creates a Summary from the atomic counters.
func (c *Coordinator) buildSummary(duration time.Duration, reason string) *Summary {
	return &Summary{
		ItemsDiscovered: c.discovered.Load(),
		ItemsCompleted:  c.finished.Load(),
		ItemsFailed:     c.failed.Load(),
		ItemsCancelled:  c.cancelled.Load(),
		ItemsDegraded:   c.degraded.Load(),
		SeriesCompleted: c.seriesCompleted.Load(),
		SeriesForced:    c.seriesForced.Load(),
		Errors:          c.errorCount.Load(),
		Duration:        duration,
		Reason:          reason,
		FailureKinds:    c.failures.snapshot(),
	}
}
