// Package logger provides a thin wrapper around zap used by every component.
package logger

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LoggingConfig controls log level and output format.
type LoggingConfig struct {
	Level  string // debug, info, warn, error
	Format string // json, console
}

// Logger wraps a zap.Logger.
type Logger struct {
	*zap.Logger
}

var (
	defaultMu     sync.RWMutex
	defaultLogger = &Logger{zap.NewNop()}
)

// NewLogger builds a logger from the given config.
func NewLogger(cfg LoggingConfig) (*Logger, error) {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := level.Set(cfg.Level); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
	}

	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(level)
	switch cfg.Format {
	case "", "json":
		zc.Encoding = "json"
	case "console":
		zc.Encoding = "console"
		zc.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	default:
		return nil, fmt.Errorf("invalid log format %q", cfg.Format)
	}

	zl, err := zc.Build()
	if err != nil {
		return nil, err
	}
	return &Logger{zl}, nil
}

// NewNop returns a logger that discards everything. Used in tests.
func NewNop() *Logger {
	return &Logger{zap.NewNop()}
}

// WithFields returns a child logger with the given fields attached.
func (l *Logger) WithFields(fields ...zap.Field) *Logger {
	return &Logger{l.Logger.With(fields...)}
}

// SetDefault installs the process-wide default logger.
func SetDefault(l *Logger) {
	defaultMu.Lock()
	defaultLogger = l
	defaultMu.Unlock()
}

// Default returns the process-wide default logger.
func Default() *Logger {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultLogger
}
