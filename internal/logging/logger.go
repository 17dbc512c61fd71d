package logging

import (
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger returns a zap logger configured for structured production logging.
func NewLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()

	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	case "info", "":
		cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	case "warn", "warning":
		cfg.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zapcore.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}

	return cfg.Build()
}

// DefaultSlowThreshold is the duration above which StartTimer logs at warn level.
const DefaultSlowThreshold = 50 * time.Millisecond

// Timer measures one operation for StartTimer.
type Timer struct {
	logger    *zap.Logger
	operation string
	threshold time.Duration
	started   time.Time
}

// StartTimer begins timing operation. Stop logs the elapsed time at debug level,
// or at warn level once it exceeds threshold.
func StartTimer(logger *zap.Logger, operation string, threshold time.Duration) *Timer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if threshold <= 0 {
		threshold = DefaultSlowThreshold
	}
	return &Timer{logger: logger, operation: operation, threshold: threshold, started: time.Now()}
}

// Stop logs the elapsed time with fields and returns it.
func (t *Timer) Stop(fields ...zap.Field) time.Duration {
	elapsed := time.Since(t.started)
	attrs := append([]zap.Field{
		zap.String("operation", t.operation),
		zap.Duration("elapsed", elapsed),
	}, fields...)
	if elapsed > t.threshold {
		t.logger.Warn("slow operation", attrs...)
	} else {
		t.logger.Debug("operation finished", attrs...)
	}
	return elapsed
}
