package log

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSharedLoggerSingleton(t *testing.T) {
	first := Shared()
	second := Shared()

	if first != second {
		t.Fatalf("expected singleton logger instance")
	}

	if err := Sync(); err != nil {
		t.Fatalf("sync failed: %v", err)
	}
}

func TestNewFallsBackToInfoOnUnknownLevel(t *testing.T) {
	logger, err := New("loud")
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	if logger == nil {
		t.Fatalf("expected logger")
	}
	logger.Infow("engine manager test entry", "component", "log")
}

func TestNopLoggerAcceptsFields(t *testing.T) {
	logger := NewNop()
	logger.Debugw("discarded", "key", "value")
	logger.With("component", "test").Errorw("discarded too")
	if err := logger.Sync(); err != nil {
		t.Fatalf("nop sync: %v", err)
	}
}

func TestNewWritesToLogPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.log")
	t.Setenv(EnvLogPath, path)

	logger, err := New("debug")
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	logger.Infow("written to file", "component", "log")
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), "written to file") {
		t.Fatalf("expected entry in log file, got %q", data)
	}
}
