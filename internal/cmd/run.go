package cmd

import (
	"context"
	"fmt"
	"math"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cryokit/ctfstream/internal/observability"
	"github.com/cryokit/ctfstream/pkg/estimator"
	"github.com/cryokit/ctfstream/pkg/manifest"
	"github.com/cryokit/ctfstream/pkg/match"
	"github.com/cryokit/ctfstream/pkg/pipeline"
	"github.com/cryokit/ctfstream/pkg/results"
	"github.com/cryokit/ctfstream/pkg/runregistry"
	"github.com/cryokit/ctfstream/pkg/source"
	"github.com/cryokit/ctfstream/pkg/source/dir"
	"github.com/cryokit/ctfstream/pkg/source/s3"
	"github.com/cryokit/ctfstream/pkg/tiltseries"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run an estimation session from a manifest",
	Long: `Run a streaming CTF estimation session as defined in a YAML or JSON
manifest file.

The manifest specifies the input source, pattern matching rules, microscope
acquisition parameters, estimator invocation, tilt-series shape, and output
configuration.

Example:
  ctfstream run --manifest session.yaml
  ctfstream run --manifest session.yaml --output file:results.jsonl
  ctfstream run --manifest session.yaml --quiet
  ctfstream run --manifest session.yaml --dry-run
  ctfstream run --manifest session.yaml --background --name overnight`,
	RunE: runRun,
}

var (
	runManifestPath string
	runOutput       string
	runQuiet        bool
	runDryRun       bool
	runPlan         bool
	runBackground   bool
	runName         string
	runManagedRunID string
)

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&runManifestPath, "manifest", "m", "", "Path to run manifest (required)")
	runCmd.Flags().StringVarP(&runOutput, "output", "o", "", "Override output destination")
	runCmd.Flags().BoolVarP(&runQuiet, "quiet", "q", false, "Suppress progress records")
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "Validate manifest and show plan without executing")
	runCmd.Flags().BoolVar(&runPlan, "plan", false, "Alias for --dry-run")
	runCmd.Flags().BoolVar(&runBackground, "background", false, "Run detached as a managed background run")
	runCmd.Flags().StringVar(&runName, "name", "", "Optional name for a background run")
	runCmd.Flags().StringVar(&runManagedRunID, "_managed-run-id", "", "")
	_ = runCmd.Flags().MarkHidden("_managed-run-id")

	_ = runCmd.MarkFlagRequired("manifest")
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	m, err := manifest.Load(runManifestPath)
	if err != nil {
		observability.CLILogger.Error("Failed to load manifest",
			zap.String("path", runManifestPath),
			zap.Error(err))
		return exitError(foundry.ExitInvalidArgument, "Invalid manifest", err)
	}

	observability.CLILogger.Debug("Loaded manifest",
		zap.String("path", runManifestPath),
		zap.String("backend", m.Source.Backend),
		zap.String("estimator", m.Estimator.Binary),
		zap.Strings("includes", m.Match.Includes))

	if runOutput != "" {
		m.Output.Destination = runOutput
	}
	if runQuiet {
		enabled := false
		m.Output.Progress = &enabled
	}

	if runPlan || runDryRun {
		return showRunPlan(m)
	}

	if runBackground {
		return startBackgroundRun(runManifestPath, runName)
	}

	return executeRun(ctx, m)
}

// showRunPlan displays what would run without executing.
func showRunPlan(m *manifest.Manifest) error {
	fmt.Println("=== Run Plan (dry-run) ===")
	fmt.Println()
	fmt.Printf("Source:      %s\n", m.Source.Backend)
	switch m.Source.Backend {
	case "dir":
		fmt.Printf("Path:        %s\n", m.Source.Dir.Path)
		fmt.Printf("Settle:      %s\n", m.Source.Dir.Settle)
	case "s3":
		fmt.Printf("Bucket:      %s\n", m.Source.S3.Bucket)
		if m.Source.S3.Prefix != "" {
			fmt.Printf("Prefix:      %s\n", m.Source.S3.Prefix)
		}
		if m.Source.S3.Region != "" {
			fmt.Printf("Region:      %s\n", m.Source.S3.Region)
		}
		if m.Source.S3.Endpoint != "" {
			fmt.Printf("Endpoint:    %s\n", m.Source.S3.Endpoint)
		}
	}
	fmt.Println()
	fmt.Println("Patterns:")
	fmt.Println("  Include:")
	for _, p := range m.Match.Includes {
		fmt.Printf("    - %s\n", p)
	}
	if len(m.Match.Excludes) > 0 {
		fmt.Println("  Exclude:")
		for _, p := range m.Match.Excludes {
			fmt.Printf("    - %s\n", p)
		}
	}
	fmt.Println()

	fmt.Println("Acquisition:")
	fmt.Printf("  Pixel Size:  %g A/px\n", m.Acquisition.PixelSize)
	fmt.Printf("  Voltage:     %g kV\n", m.Acquisition.Voltage)
	fmt.Printf("  Cs:          %g mm\n", m.Acquisition.SphericalAberration)
	fmt.Printf("  Amp. Contr.: %g\n", m.Acquisition.AmplitudeContrast)
	fmt.Println()

	fmt.Println("Estimator:")
	fmt.Printf("  Binary:      %s\n", m.Estimator.Binary)
	fmt.Printf("  Window:      %d px\n", m.Estimator.WindowSize)
	fmt.Printf("  Resolution:  %g - %g A\n", m.Estimator.Resolution.Low, m.Estimator.Resolution.High)
	fmt.Printf("  Defocus:     %g - %g A (step %g)\n",
		m.Estimator.Defocus.Min, m.Estimator.Defocus.Max, m.Estimator.Defocus.Step)
	if m.Estimator.PhaseShift != nil && m.Estimator.PhaseShift.Search {
		fmt.Printf("  Phase Shift: %g - %g deg (step %g)\n",
			m.Estimator.PhaseShift.Min, m.Estimator.PhaseShift.Max, m.Estimator.PhaseShift.Step)
	}
	fmt.Printf("  Timeout:     %s\n", m.Estimator.Timeout)
	fmt.Printf("  Retries:     %d\n", m.Estimator.Retries())
	fmt.Println()

	if m.TiltSeries != nil {
		fmt.Println("Tilt Series:")
		fmt.Printf("  Pattern:     %s\n", m.TiltSeries.Pattern)
		if m.TiltSeries.FrameCount > 0 {
			fmt.Printf("  Frames:      %d per series\n", m.TiltSeries.FrameCount)
		}
		if len(m.TiltSeries.Frames) > 0 {
			fmt.Printf("  Overrides:   %d series\n", len(m.TiltSeries.Frames))
		}
		fmt.Println()
	}

	fmt.Printf("Workers:     %d\n", m.Run.Workers)
	fmt.Printf("Rate Limit:  %.1f polls/s\n", m.Run.RateLimit)
	fmt.Printf("Output:      %s\n", m.Output.Destination)
	fmt.Printf("Progress:    %v\n", m.Output.ProgressEnabled())
	fmt.Println()
	fmt.Println("Manifest validated successfully. Remove --dry-run to execute.")
	return nil
}

// startBackgroundRun detaches a managed child run and prints its handle.
func startBackgroundRun(manifestPath, name string) error {
	root, err := runsRootDir()
	if err != nil {
		return err
	}
	executor := runregistry.NewExecutor(root)

	rec, err := executor.StartRunBackground(manifestPath, name, runregistry.BackgroundOptions{Dedupe: true})
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to start background run", err)
	}

	_, _ = fmt.Fprintf(os.Stdout, "run_id=%s\n", rec.RunID)
	_, _ = fmt.Fprintf(os.Stdout, "pid=%d\n", rec.PID)
	_, _ = fmt.Fprintf(os.Stdout, "stdout=%s\n", rec.StdoutPath)
	_, _ = fmt.Fprintf(os.Stdout, "stderr=%s\n", rec.StderrPath)
	return nil
}

// executeRun runs the streaming session in the foreground.
func executeRun(ctx context.Context, m *manifest.Manifest) error {
	runID := strings.TrimSpace(runManagedRunID)
	managed := runID != ""
	if runID == "" {
		runID = uuid.New().String()
	}

	estCfg, err := buildEstimatorConfig(m)
	if err != nil {
		observability.CLILogger.Error("Invalid estimator configuration", zap.Error(err))
		return exitError(foundry.ExitInvalidArgument, "Invalid estimator configuration", err)
	}

	dispatcher, err := estimator.NewDispatcher(estCfg)
	if err != nil {
		observability.CLILogger.Error("Failed to resolve estimator", zap.Error(err))
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to resolve estimator binary", err)
	}

	matcher, err := match.New(match.Config{
		Includes:      m.Match.Includes,
		Excludes:      m.Match.Excludes,
		IncludeHidden: m.Match.IncludeHidden,
	})
	if err != nil {
		observability.CLILogger.Error("Failed to create matcher", zap.Error(err))
		return exitError(foundry.ExitInvalidArgument, "Invalid match patterns", err)
	}

	filter, err := buildRunFilter(m)
	if err != nil {
		observability.CLILogger.Error("Invalid filters", zap.Error(err))
		return exitError(foundry.ExitInvalidArgument, "Invalid filters", err)
	}

	src, err := buildSource(ctx, m, matcher, estCfg.WorkDir)
	if err != nil {
		observability.CLILogger.Error("Failed to create input source", zap.Error(err))
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to connect to input source", err)
	}

	writer, cleanup, err := createWriter(m, runID)
	if err != nil {
		observability.CLILogger.Error("Failed to create writer", zap.Error(err))
		return exitError(foundry.ExitFileWriteError, "Failed to create output", err)
	}
	defer cleanup()
	if !m.Output.ProgressEnabled() {
		writer = &progressSuppressingWriter{Writer: writer}
	}

	aggregator := results.NewAggregator(results.NewCollection(), writer)

	coordCfg := pipeline.Config{
		Workers:       m.Run.Workers,
		QueueSize:     m.Run.QueueSize,
		RateLimit:     m.Run.RateLimit,
		ProgressEvery: m.Run.ProgressEvery,
		MaxIdlePolls:  m.Run.MaxIdlePolls,
		Manifest:      runManifestPath,
		Estimator:     dispatcher.Config().BinaryPath,
		Version:       versionInfo.Version,
	}

	coordinator := pipeline.New(dispatcher, aggregator, runID, coordCfg).
		WithSource(src).
		WithMatcher(matcher)
	if filter != nil {
		coordinator.WithFilter(filter)
	}

	if m.TiltSeries != nil {
		resolver, err := tiltseries.NewResolver(m.TiltSeries.Pattern)
		if err != nil {
			observability.CLILogger.Error("Invalid tilt-series pattern", zap.Error(err))
			return exitError(foundry.ExitInvalidArgument, "Invalid tilt-series pattern", err)
		}
		assembler, err := tiltseries.NewAssembler(tiltseries.Config{
			FrameCount: m.TiltSeries.FrameCount,
			Frames:     m.TiltSeries.Frames,
		})
		if err != nil {
			observability.CLILogger.Error("Invalid tilt-series shape", zap.Error(err))
			return exitError(foundry.ExitInvalidArgument, "Invalid tilt-series shape", err)
		}
		coordinator.WithTiltSeries(resolver, assembler)
	}

	var store *runregistry.Store
	if managed {
		root, err := runsRootDir()
		if err != nil {
			return err
		}
		store = runregistry.NewStore(root)
		markRunStarted(store, runID, m)
	}

	// First SIGINT/SIGTERM drains gracefully; a second one cancels hard.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			observability.CLILogger.Warn("Signal received, draining in-flight jobs (signal again to abort)")
			coordinator.Stop()
		case <-runCtx.Done():
			return
		}
		select {
		case <-sigCh:
			observability.CLILogger.Warn("Second signal received, aborting")
			cancel()
		case <-runCtx.Done():
		}
	}()

	observability.CLILogger.Info("Starting estimation run",
		zap.String("run_id", runID),
		zap.String("backend", m.Source.Backend),
		zap.Int("workers", coordCfg.Workers))

	summary, err := coordinator.Run(runCtx)
	if managed {
		markRunEnded(store, runID, summary, err)
	}
	if err != nil {
		if runCtx.Err() != nil {
			var completed int64
			if summary != nil {
				completed = summary.ItemsCompleted
			}
			observability.CLILogger.Warn("Run cancelled",
				zap.String("run_id", runID),
				zap.Int64("items_completed", completed))
			return exitError(foundry.ExitSignalInt, "Run cancelled", err)
		}
		observability.CLILogger.Error("Run failed",
			zap.String("run_id", runID),
			zap.Error(err))
		return exitError(foundry.ExitExternalServiceUnavailable, "Run failed", err)
	}

	observability.CLILogger.Info("Run completed",
		zap.String("run_id", runID),
		zap.Int64("items_discovered", summary.ItemsDiscovered),
		zap.Int64("items_completed", summary.ItemsCompleted),
		zap.Int64("items_failed", summary.ItemsFailed),
		zap.Int64("series_completed", summary.SeriesCompleted),
		zap.String("reason", summary.Reason),
		zap.Duration("duration", summary.Duration))

	return nil
}

// buildEstimatorConfig converts manifest units (degrees, duration strings)
// into the dispatcher's native units (radians, time.Duration).
func buildEstimatorConfig(m *manifest.Manifest) (estimator.Config, error) {
	cfg := estimator.Config{
		BinaryPath:          m.Estimator.Binary,
		PixelSize:           m.Acquisition.PixelSize,
		Voltage:             m.Acquisition.Voltage,
		SphericalAberration: m.Acquisition.SphericalAberration,
		AmplitudeContrast:   m.Acquisition.AmplitudeContrast,
		WindowSize:          m.Estimator.WindowSize,
		ResolutionLow:       m.Estimator.Resolution.Low,
		ResolutionHigh:      m.Estimator.Resolution.High,
		DefocusMin:          m.Estimator.Defocus.Min,
		DefocusMax:          m.Estimator.Defocus.Max,
		DefocusStep:         m.Estimator.Defocus.Step,
		SlowSearch:          m.Estimator.SlowSearch,
		MaxRetries:          m.Estimator.Retries(),
	}

	if m.Estimator.Astigmatism != nil {
		cfg.AstigmatismRestrained = m.Estimator.Astigmatism.Restrained
		cfg.AstigmatismTolerance = m.Estimator.Astigmatism.Tolerance
	}

	if ps := m.Estimator.PhaseShift; ps != nil && ps.Search {
		cfg.PhaseShift = estimator.PhaseShiftSearch{
			Search: true,
			Min:    degToRad(ps.Min),
			Max:    degToRad(ps.Max),
			Step:   degToRad(ps.Step),
		}
	}

	timeout, err := time.ParseDuration(m.Estimator.Timeout)
	if err != nil {
		return cfg, fmt.Errorf("invalid estimator timeout %q: %w", m.Estimator.Timeout, err)
	}
	cfg.Timeout = timeout

	cfg.WorkDir = m.Estimator.WorkDir
	if cfg.WorkDir == "" {
		cfg.WorkDir = filepath.Join(os.TempDir(), "ctfstream")
	}

	return cfg, nil
}

func degToRad(deg float64) float64 {
	return deg * math.Pi / 180
}

// buildSource creates the input source declared by the manifest.
func buildSource(ctx context.Context, m *manifest.Manifest, matcher *match.Matcher, workDir string) (source.Source, error) {
	switch m.Source.Backend {
	case "dir":
		settle, err := time.ParseDuration(m.Source.Dir.Settle)
		if err != nil {
			return nil, fmt.Errorf("invalid settle %q: %w", m.Source.Dir.Settle, err)
		}
		src, err := dir.New(dir.Config{
			Path:   m.Source.Dir.Path,
			Settle: settle,
		})
		if err != nil {
			return nil, err
		}
		return src, nil
	case "s3":
		staging := m.Source.S3.StagingDir
		if staging == "" {
			staging = filepath.Join(workDir, "staging")
		}
		src, err := s3.New(ctx, s3.Config{
			Bucket:     m.Source.S3.Bucket,
			Prefix:     m.Source.S3.Prefix,
			Prefixes:   matcher.Prefixes(),
			StagingDir: staging,
			Region:     m.Source.S3.Region,
			Endpoint:   m.Source.S3.Endpoint,
			Profile:    m.Source.S3.Profile,
			// S3-compatible facility storage (MinIO etc.) requires
			// path-style URLs.
			ForcePathStyle: m.Source.S3.Endpoint != "",
		})
		if err != nil {
			return nil, err
		}
		return src, nil
	default:
		return nil, fmt.Errorf("unsupported source backend: %s", m.Source.Backend)
	}
}

func buildRunFilter(m *manifest.Manifest) (*match.CompositeFilter, error) {
	if m.Match.Filters == nil {
		return nil, nil
	}

	cfg := &match.FilterConfig{}

	if m.Match.Filters.Size != nil {
		cfg.Size = &match.SizeFilterConfig{
			Min: m.Match.Filters.Size.Min,
			Max: m.Match.Filters.Size.Max,
		}
	}
	if m.Match.Filters.Modified != nil {
		cfg.Modified = &match.DateFilterConfig{
			After:  m.Match.Filters.Modified.After,
			Before: m.Match.Filters.Modified.Before,
		}
	}

	return match.NewFilterFromConfig(cfg)
}

// createWriter creates an output writer from manifest configuration.
// Returns the writer, a cleanup function, and any error.
func createWriter(m *manifest.Manifest, runID string) (results.Writer, func(), error) {
	dest := m.Output.Destination
	backend := m.Source.Backend

	if dest == "" || dest == "stdout" {
		w := results.NewJSONLWriter(os.Stdout, runID, backend)
		return w, func() { _ = w.Close() }, nil
	}

	path := dest
	if strings.HasPrefix(dest, "file:") {
		path = strings.TrimPrefix(dest, "file:")
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create output file %s: %w", path, err)
	}

	w := results.NewJSONLWriter(f, runID, backend)
	cleanup := func() {
		_ = w.Close()
		_ = f.Close()
	}
	return w, cleanup, nil
}

// progressSuppressingWriter drops progress records for --quiet runs while
// letting every other record through.
type progressSuppressingWriter struct {
	results.Writer
}

func (w *progressSuppressingWriter) WriteProgress(ctx context.Context, prog *results.ProgressRecord) error {
	return nil
}

// markRunStarted updates the managed run record when the child begins.
func markRunStarted(store *runregistry.Store, runID string, m *manifest.Manifest) {
	rec, err := store.Get(runID)
	if err != nil {
		observability.CLILogger.Warn("Managed run record missing", zap.String("run_id", runID), zap.Error(err))
		return
	}
	now := time.Now().UTC()
	rec.State = runregistry.RunStateRunning
	rec.PID = os.Getpid()
	rec.StartedAt = &now
	rec.LastHeartbeat = &now
	rec.Source = &runregistry.SourceSummary{
		Backend:   m.Source.Backend,
		Estimator: m.Estimator.Binary,
	}
	switch m.Source.Backend {
	case "dir":
		rec.Source.Root = m.Source.Dir.Path
	case "s3":
		rec.Source.Root = "s3://" + m.Source.S3.Bucket + "/" + m.Source.S3.Prefix
		rec.Source.Region = m.Source.S3.Region
	}
	if dest := m.Output.Destination; dest != "" && dest != "stdout" {
		rec.ResultsPath = strings.TrimPrefix(dest, "file:")
	}
	if err := store.Write(rec); err != nil {
		observability.CLILogger.Warn("Failed to update run record", zap.Error(err))
	}
}

// markRunEnded records the terminal state of a managed run.
func markRunEnded(store *runregistry.Store, runID string, summary *pipeline.Summary, runErr error) {
	rec, err := store.Get(runID)
	if err != nil {
		return
	}
	now := time.Now().UTC()
	rec.EndedAt = &now
	rec.LastHeartbeat = &now

	switch {
	case runErr != nil:
		rec.State = runregistry.RunStateFailed
	case summary != nil && summary.ItemsFailed > 0:
		rec.State = runregistry.RunStatePartial
	case summary != nil && summary.Reason == results.ReasonStopped:
		rec.State = runregistry.RunStateStopped
	default:
		rec.State = runregistry.RunStateSuccess
	}
	if err := store.Write(rec); err != nil {
		observability.CLILogger.Warn("Failed to finalize run record", zap.Error(err))
	}
}
