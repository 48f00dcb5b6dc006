// Package observability owns logger construction for CLI and serve modes.
package observability

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// CLILogger is the process-wide logger used by commands.
//
// It defaults to a no-op logger so packages can log before Execute runs
// (e.g. in tests) without nil checks.
var CLILogger = zap.NewNop()

// InitCLILogger configures CLILogger for interactive CLI use.
//
// Output is console-encoded on stderr. Verbose enables debug level.
func InitCLILogger(name string, verbose bool) error {
	level := zapcore.InfoLevel
	if verbose {
		level = zapcore.DebugLevel
	}

	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	cfg.DisableStacktrace = true
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := cfg.Build()
	if err != nil {
		return fmt.Errorf("build cli logger: %w", err)
	}

	CLILogger = logger.Named(name)
	return nil
}

// NewStructuredLogger builds a JSON logger for serve mode.
func NewStructuredLogger(level string) (*zap.Logger, error) {
	parsed, err := zapcore.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		parsed = zapcore.InfoLevel
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(parsed)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build structured logger: %w", err)
	}
	return logger, nil
}

// Sync flushes any buffered log entries. Safe to call on exit.
func Sync() {
	_ = CLILogger.Sync()
}
