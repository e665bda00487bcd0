// Package observability provides the process-wide structured logger.
//
// Library packages under pkg/ never log; they return errors and emit typed
// records. Logging is a CLI concern, so the logger lives here and is
// consumed by internal/cmd and internal/server only.
package observability

import (
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// CLILogger is the process-wide logger for CLI output.
//
// On a TTY it uses a human-readable console encoder writing to stderr, so
// JSONL result output on stdout stays machine-parseable. Off a TTY (pipes,
// managed background runs) it emits structured JSON lines instead.
//
// The level defaults to info and is overridden by CTFSTREAM_LOG_LEVEL
// (debug, info, warn, error).
var CLILogger = newCLILogger()

func newCLILogger() *zap.Logger {
	level := parseLevel(os.Getenv("CTFSTREAM_LOG_LEVEL"))

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var enc zapcore.Encoder
	if isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()) {
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	} else {
		encCfg.EncodeLevel = zapcore.LowercaseLevelEncoder
		enc = zapcore.NewJSONEncoder(encCfg)
	}

	core := zapcore.NewCore(enc, zapcore.Lock(os.Stderr), level)
	return zap.New(core)
}

// InitCLILogger rebuilds the CLI logger with the binary name attached
// and an optional debug level. Called once from command setup; tests use
// it to get a predictable logger.
func InitCLILogger(name string, debug bool) {
	level := "info"
	if debug {
		level = "debug"
	}
	SetLevel(level)
	if name != "" {
		CLILogger = CLILogger.Named(name)
	}
}

// SetLevel replaces the CLI logger with one at the given level. Used by
// the --verbose and --quiet global flags.
func SetLevel(level string) {
	lvl := parseLevel(level)

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var enc zapcore.Encoder
	if isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()) {
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	} else {
		encCfg.EncodeLevel = zapcore.LowercaseLevelEncoder
		enc = zapcore.NewJSONEncoder(encCfg)
	}

	CLILogger = zap.New(zapcore.NewCore(enc, zapcore.Lock(os.Stderr), lvl))
}

// Sync flushes buffered log entries. Call before process exit.
func Sync() {
	_ = CLILogger.Sync()
}

func parseLevel(s string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
