package logging

import (
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewLoggerHonoursLevel(t *testing.T) {
	logger, err := NewLogger("warn")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if logger.Core().Enabled(zapcore.InfoLevel) {
		t.Fatalf("info must be disabled at warn level")
	}
	if !logger.Core().Enabled(zapcore.WarnLevel) {
		t.Fatalf("warn must be enabled at warn level")
	}
}

func TestTimerWarnsAboveThreshold(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)

	timer := StartTimer(logger, "dispatch.command", time.Nanosecond)
	time.Sleep(time.Millisecond)
	timer.Stop(zap.String("device_id", "D1"))

	fast := StartTimer(logger, "dispatch.notification", time.Hour)
	fast.Stop()

	entries := logs.All()
	if len(entries) != 2 {
		t.Fatalf("expected two entries, got %d", len(entries))
	}
	if entries[0].Level != zapcore.WarnLevel || entries[0].ContextMap()["device_id"] != "D1" {
		t.Fatalf("unexpected slow entry %#v", entries[0])
	}
	if entries[1].Level != zapcore.DebugLevel {
		t.Fatalf("expected debug entry for fast operation, got %v", entries[1].Level)
	}
}
