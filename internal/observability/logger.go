// Package observability owns the process-wide zap logger and prometheus
// registry used by the CLI and the HTTP server.
package observability

import (
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logging profiles.
const (
	ProfileStructured = "STRUCTURED"
	ProfileConsole    = "CONSOLE"
)

// CLILogger is the process logger. It is a no-op until InitCLILogger runs.
var CLILogger = zap.NewNop()

var loggerMu sync.Mutex

// InitCLILogger replaces CLILogger with a logger at level using profile.
// STRUCTURED writes JSON to stderr; CONSOLE writes human-readable lines.
func InitCLILogger(level, profile string) (*zap.Logger, error) {
	logger, err := NewLogger(level, profile)
	if err != nil {
		return nil, err
	}
	loggerMu.Lock()
	defer loggerMu.Unlock()
	CLILogger = logger
	return logger, nil
}

// NewLogger builds a logger without touching CLILogger.
func NewLogger(level, profile string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var cfg zap.Config
	switch strings.ToUpper(strings.TrimSpace(profile)) {
	case "", ProfileStructured:
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "timestamp"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	case ProfileConsole:
		cfg = zap.NewDevelopmentConfig()
		cfg.DisableStacktrace = true
	default:
		return nil, fmt.Errorf("unknown logging profile %q (want %s or %s)", profile, ProfileStructured, ProfileConsole)
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	return cfg.Build()
}

// Sync flushes CLILogger. Errors from syncing a terminal are ignored.
func Sync() {
	loggerMu.Lock()
	l := CLILogger
	loggerMu.Unlock()
	_ = l.Sync()
}
