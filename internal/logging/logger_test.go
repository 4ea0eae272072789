package logging

import (
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestNewLogger_CreatesDirAndLogger(t *testing.T) {
	dir := t.TempDir()
	log, err := NewLogger(dir)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	defer func() { _ = log.Sync() }()

	// Directory should exist
	if _, err := os.Stat(dir); err != nil {
		t.Fatalf("log dir missing: %v", err)
	}

	// Write once; just ensuring no panic / basic functionality.
	log.Info("test_message_from_logging_test")

	// lumberjack opens the file on first write.
	if _, err := os.Stat(filepath.Join(dir, "safealert.log")); err != nil {
		t.Fatalf("log file missing: %v", err)
	}
}

func TestNewLogger_Level(t *testing.T) {
	log, err := NewLogger(t.TempDir(), Options{Level: "warn"})
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	if log.Core().Enabled(zapcore.InfoLevel) {
		t.Fatal("info should be filtered at warn level")
	}
	if !log.Core().Enabled(zapcore.ErrorLevel) {
		t.Fatal("error should pass at warn level")
	}
	if _, err := NewLogger(t.TempDir(), Options{Level: "loud"}); err == nil {
		t.Fatal("expected error for unknown level")
	}
}
