// Package logger provides the process-wide structured logger for beacond.
package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Logger is the global logger instance
	Logger *zap.SugaredLogger
	// JSONOutput tracks whether JSON output is enabled
	JSONOutput bool
)

func init() {
	// Initialize with a safe no-op logger at package load time.
	// This prevents nil pointer panics if the logger is used before
	// Initialize() is called (e.g. in tests).
	Logger = zap.NewNop().Sugar()
}

// Initialize sets up the global logger based on the JSON output preference.
// JSON output is intended for machine consumption; console output uses
// zap's development encoder for human-readable logs.
func Initialize(jsonOutput bool) error {
	JSONOutput = jsonOutput

	var cfg zap.Config
	if jsonOutput {
		cfg = zap.NewProductionConfig()
	} else {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)

	zapLogger, err := cfg.Build()
	if err != nil {
		return err
	}

	Logger = zapLogger.Sugar()
	return nil
}

// SetDebug raises the global logger to debug level. Called by the
// --verbose flag after Initialize.
func SetDebug() {
	cfg := zap.NewDevelopmentConfig()
	if JSONOutput {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	if zapLogger, err := cfg.Build(); err == nil {
		Logger = zapLogger.Sugar()
	}
}
