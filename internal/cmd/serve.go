package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cryokit/ctfstream/internal/config"
	"github.com/cryokit/ctfstream/internal/observability"
	"github.com/cryokit/ctfstream/internal/server"
	"github.com/cryokit/ctfstream/internal/server/handlers"
	"github.com/cryokit/ctfstream/pkg/results"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve completed results over HTTP",
	Long: `Serve the results of an estimation run over a read-only HTTP API.

The server loads a JSONL results stream and exposes it under /api/v1
(results, series, summary) alongside health and version endpoints.

Example:
  ctfstream serve --results results.jsonl
  ctfstream serve --results results.jsonl --host 0.0.0.0 --port 9090`,
	RunE: runServe,
}

var (
	serveHost        string
	servePort        int
	serveResultsPath string
)

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveHost, "host", "", "Host to bind (overrides config)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Port to bind (overrides config)")
	serveCmd.Flags().StringVar(&serveResultsPath, "results", "", "JSONL results file to serve (required)")

	_ = serveCmd.MarkFlagRequired("results")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	cfg, err := config.Load(ctx)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Failed to load configuration", err)
	}

	host := cfg.Server.Host
	if serveHost != "" {
		host = serveHost
	}
	port := cfg.Server.Port
	if servePort != 0 {
		port = servePort
	}

	collection, stats, err := loadResultsFile(serveResultsPath)
	if err != nil {
		observability.CLILogger.Error("Failed to load results",
			zap.String("path", serveResultsPath),
			zap.Error(err))
		return exitError(foundry.ExitFileNotFound, "Failed to load results file", err)
	}

	snap := collection.Snapshot()
	observability.CLILogger.Info("Loaded results",
		zap.String("path", serveResultsPath),
		zap.String("run_id", stats.RunID),
		zap.Int("lines", stats.Lines),
		zap.Int("results", len(snap.Results)),
		zap.Int("series", len(snap.Series)),
		zap.Bool("stream_closed", stats.Closed))

	handlers.SetBuildInfo(versionInfo.Version, versionInfo.Commit, versionInfo.BuildDate)
	handlers.InitHealthManager(versionInfo.Version)
	hm := handlers.GetHealthManager()
	hm.RegisterChecker("signals", &signalHealthChecker{})
	hm.RegisterChecker("identity", &identityHealthChecker{
		binaryName: appIdentity.BinaryName,
		envPrefix:  appIdentity.EnvPrefix,
		configName: appIdentity.ConfigName,
	})
	hm.RegisterChecker("results", &resultsHealthChecker{stats: stats})

	srv := server.New(host, port,
		server.WithCollection(collection),
		server.WithTimeouts(
			cfg.Server.ReadTimeout,
			cfg.Server.WriteTimeout,
			cfg.Server.IdleTimeout,
			cfg.Server.ShutdownTimeout,
		),
		server.WithLogger(observability.CLILogger),
	)

	serveCtx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := srv.Start(serveCtx); err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Server failed", err)
	}
	return nil
}

// loadResultsFile reads a JSONL results stream into a collection.
func loadResultsFile(path string) (*results.Collection, *results.StreamStats, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	collection := results.NewCollection()
	stats, err := results.ReadStream(f, collection)
	if err != nil {
		return nil, nil, err
	}
	return collection, stats, nil
}

// signalHealthChecker reports healthy as long as the process is able to
// respond at all.
type signalHealthChecker struct{}

func (c *signalHealthChecker) CheckHealth(ctx context.Context) error {
	return nil
}

// identityHealthChecker verifies the application identity is fully
// configured.
type identityHealthChecker struct {
	binaryName string
	envPrefix  string
	configName string
}

func (c *identityHealthChecker) CheckHealth(ctx context.Context) error {
	if c.binaryName == "" {
		return fmt.Errorf("missing binary name")
	}
	if c.envPrefix == "" {
		return fmt.Errorf("missing env prefix")
	}
	if c.configName == "" {
		return fmt.Errorf("missing config name")
	}
	return nil
}

// resultsHealthChecker reports whether the loaded stream ended with a
// run.close record. A stream that never closed belongs to a crashed or
// still-running session.
type resultsHealthChecker struct {
	stats *results.StreamStats
}

func (c *resultsHealthChecker) CheckHealth(ctx context.Context) error {
	if c.stats == nil {
		return fmt.Errorf("no results loaded")
	}
	if !c.stats.Closed {
		return fmt.Errorf("results stream was not closed cleanly")
	}
	return nil
}
