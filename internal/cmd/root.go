// Package cmd implements the ctfstream command line interface.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/cryokit/ctfstream/internal/observability"
)

// AppIdentity anchors the binary name, env prefix and config name the
// CLI presents to the rest of the system.
type AppIdentity struct {
	BinaryName string
	EnvPrefix  string
	ConfigName string
}

var appIdentity *AppIdentity

// GetAppIdentity returns the CLI identity, or nil before initialization.
func GetAppIdentity() *AppIdentity {
	return appIdentity
}

// versionInfo carries build metadata injected via SetVersionInfo.
var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "none",
	BuildDate: "unknown",
}

// SetVersionInfo records build metadata from main's ldflags.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

var (
	rootLogLevel string
)

var rootCmd = &cobra.Command{
	Use:   "ctfstream",
	Short: "Streaming CTF estimation for cryo-EM acquisition sessions",
	Long: `ctfstream orchestrates contrast transfer function estimation over
micrographs as they arrive from the microscope.

It watches an input source (a local directory or an S3 bucket), dispatches
each new micrograph to an external estimator binary, sanitizes the fitted
parameters, assembles tilt-series results in acquisition order, and streams
everything as JSONL.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if rootLogLevel != "" {
			observability.SetLevel(rootLogLevel)
		}
	},
}

func init() {
	appIdentity = &AppIdentity{
		BinaryName: "ctfstream",
		EnvPrefix:  "CTFSTREAM",
		ConfigName: "ctfstream",
	}

	rootCmd.PersistentFlags().StringVar(&rootLogLevel, "log-level", "", "Log level (debug, info, warn, error)")

	setDefaults()

	rootCmd.Version = versionInfo.Version
}

// setDefaults seeds viper with the baseline configuration so flags and
// env vars have something to override.
func setDefaults() {
	viper.SetDefault("server.host", "localhost")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout", "30s")
	viper.SetDefault("server.write_timeout", "30s")
	viper.SetDefault("server.idle_timeout", "120s")
	viper.SetDefault("server.shutdown_timeout", "10s")

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.profile", "structured")

	viper.SetDefault("health.enabled", true)

	viper.SetDefault("workers", 4)

	viper.SetDefault("debug.enabled", false)
	viper.SetDefault("debug.pprof_enabled", false)
}

// Execute runs the root command. It is the single entry point for main.
func Execute() {
	defer observability.Sync()

	if err := rootCmd.Execute(); err != nil {
		observability.CLILogger.Error("Command failed", zap.Error(err))
		os.Exit(1)
	}
}

// exitError creates an error that will cause the CLI to exit with the given code.
func exitError(code int, message string, err error) error {
	return fmt.Errorf("%s: %w (exit code %d)", message, err, code)
}

// ExitWithCode logs a fatal error and exits the process with the code.
func ExitWithCode(logger *zap.Logger, code int, message string, err error) {
	logger.Error(message, zap.Error(err), zap.Int("exit_code", code))
	_ = logger.Sync()
	os.Exit(code)
}
