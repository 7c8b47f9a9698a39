package logger

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func readRunLog(t *testing.T, fl *FileLogger) string {
	t.Helper()
	data, err := os.ReadFile(fl.RunFile())
	if err != nil {
		t.Fatalf("failed to read run log: %v", err)
	}
	return string(data)
}

func TestNewFileLogger_CreatesRunLogAndSymlink(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")

	fl, err := NewFileLogger(dir)
	if err != nil {
		t.Fatalf("NewFileLogger() error = %v", err)
	}
	defer fl.Close()

	if !strings.HasPrefix(filepath.Base(fl.RunFile()), "run-") {
		t.Errorf("unexpected run file name %q", fl.RunFile())
	}
	target, err := os.Readlink(filepath.Join(dir, "latest.log"))
	if err != nil {
		t.Fatalf("latest.log symlink missing: %v", err)
	}
	if target != filepath.Base(fl.RunFile()) {
		t.Errorf("latest.log points to %q, want %q", target, filepath.Base(fl.RunFile()))
	}
	if !strings.Contains(readRunLog(t, fl), "=== Rhythm Run Log ===") {
		t.Error("run log header missing")
	}
}

func TestNewFileLogger_ReplacesSymlink(t *testing.T) {
	dir := t.TempDir()
	if err := os.Symlink("stale.log", filepath.Join(dir, "latest.log")); err != nil {
		t.Fatalf("setup: %v", err)
	}

	fl, err := NewFileLogger(dir)
	if err != nil {
		t.Fatalf("NewFileLogger() error = %v", err)
	}
	defer fl.Close()

	target, _ := os.Readlink(filepath.Join(dir, "latest.log"))
	if target == "stale.log" {
		t.Error("stale symlink was not replaced")
	}
}

func TestFileLogger_EventsAndFiltering(t *testing.T) {
	fl, err := NewFileLoggerWithLevel(t.TempDir(), "warn")
	if err != nil {
		t.Fatalf("NewFileLoggerWithLevel() error = %v", err)
	}
	fl.WithClock(fixedNow)

	fl.LogSessionOpened(1, false)
	fl.LogBatch([]int{1}, 1, 0)
	fl.LogDegraded(errors.New("disk full"))
	fl.LogError("boom")
	if err := fl.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	content := readRunLog(t, fl)
	if strings.Contains(content, "opened session") || strings.Contains(content, "batch collected") {
		t.Errorf("info events should be filtered at warn level:\n%s", content)
	}
	if !strings.Contains(content, "[2024-03-01T14:05:09Z] [WARN] storage unavailable, keeping sessions in memory: disk full") {
		t.Errorf("degraded warning missing:\n%s", content)
	}
	if !strings.Contains(content, "[ERROR] boom") {
		t.Errorf("error message missing:\n%s", content)
	}
	if !strings.Contains(content, "Finished at:") {
		t.Errorf("footer missing:\n%s", content)
	}
}

func TestFileLogger_CloseTwice(t *testing.T) {
	fl, err := NewFileLogger(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileLogger() error = %v", err)
	}
	if err := fl.Close(); err != nil {
		t.Fatalf("first Close() error = %v", err)
	}
	if err := fl.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	fl.LogInfo("after close is dropped")
}
