package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// FileLogger logs engine events to files in the rhythm log directory.
// It creates a timestamped log file per run and maintains a latest.log
// symlink pointing to the most recent run.
// It is thread-safe and supports log level filtering.
type FileLogger struct {
	logDir   string
	runLog   *os.File
	runFile  string
	logLevel string
	now      func() time.Time
	mu       sync.Mutex
}

// NewFileLogger creates a FileLogger writing to dir at "info" level.
func NewFileLogger(logDir string) (*FileLogger, error) {
	return NewFileLoggerWithLevel(logDir, "info")
}

// NewFileLoggerWithLevel creates a FileLogger with a custom log level.
// It creates the log directory if it doesn't exist, opens a timestamped
// run log file, and creates/updates the latest.log symlink.
func NewFileLoggerWithLevel(logDir string, logLevel string) (*FileLogger, error) {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	// run-YYYYMMDD-HHMMSS.log; a second run within the same second appends.
	timestamp := time.Now().Format("20060102-150405")
	runFile := filepath.Join(logDir, fmt.Sprintf("run-%s.log", timestamp))

	file, err := os.OpenFile(runFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create run log file: %w", err)
	}

	symlinkPath := filepath.Join(logDir, "latest.log")
	if _, err := os.Lstat(symlinkPath); err == nil {
		if err := os.Remove(symlinkPath); err != nil {
			file.Close()
			return nil, fmt.Errorf("failed to remove old symlink: %w", err)
		}
	}
	if err := os.Symlink(filepath.Base(runFile), symlinkPath); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to create symlink: %w", err)
	}

	fl := &FileLogger{
		logDir:   logDir,
		runLog:   file,
		runFile:  runFile,
		logLevel: normalizeLogLevel(logLevel),
		now:      time.Now,
	}

	fl.writeRunLog("=== Rhythm Run Log ===\n")
	fl.writeRunLog(fmt.Sprintf("Started at: %s\n\n", time.Now().Format(time.RFC3339)))

	return fl, nil
}

// WithClock makes timestamps follow now.
func (fl *FileLogger) WithClock(now func() time.Time) *FileLogger {
	fl.mu.Lock()
	fl.now = now
	fl.mu.Unlock()
	return fl
}

// RunFile returns the path of this run's log file.
func (fl *FileLogger) RunFile() string {
	return fl.runFile
}

func (fl *FileLogger) shouldLog(messageLevel string) bool {
	return logLevelToInt(messageLevel) >= logLevelToInt(fl.logLevel)
}

// LogTrace logs a trace-level message (most verbose).
func (fl *FileLogger) LogTrace(message string) {
	fl.logWithLevel("TRACE", message)
}

// LogDebug logs a debug-level message.
func (fl *FileLogger) LogDebug(message string) {
	fl.logWithLevel("DEBUG", message)
}

// LogInfo logs an info-level message.
func (fl *FileLogger) LogInfo(message string) {
	fl.logWithLevel("INFO", message)
}

// LogWarn logs a warning-level message.
func (fl *FileLogger) LogWarn(message string) {
	fl.logWithLevel("WARN", message)
}

// LogError logs an error-level message.
func (fl *FileLogger) LogError(message string) {
	fl.logWithLevel("ERROR", message)
}

func (fl *FileLogger) logWithLevel(level string, message string) {
	if !fl.shouldLog(strings.ToLower(level)) {
		return
	}
	fl.mu.Lock()
	ts := fl.now().Format(time.RFC3339)
	fl.mu.Unlock()
	fl.writeRunLog(fmt.Sprintf("[%s] [%s] %s\n", ts, level, message))
}

// LogSessionOpened records a slot allocation or resumption.
func (fl *FileLogger) LogSessionOpened(slot int, resumed bool) {
	fl.LogInfo(sessionOpenedMessage(slot, resumed))
}

// LogRotation records a byte cap rotation.
func (fl *FileLogger) LogRotation(from, to int) {
	fl.LogInfo(rotationMessage(from, to))
}

// LogBatch records a batch pass.
func (fl *FileLogger) LogBatch(slots []int, sent, discarded int) {
	fl.LogInfo(batchMessage(slots, sent, discarded))
}

// LogDegraded records the switch to in-memory storage.
func (fl *FileLogger) LogDegraded(err error) {
	fl.LogWarn(degradedMessage(err))
}

// Close writes the footer and closes the run log.
func (fl *FileLogger) Close() error {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	if fl.runLog == nil {
		return nil
	}
	fmt.Fprintf(fl.runLog, "\nFinished at: %s\n", time.Now().Format(time.RFC3339))
	err := fl.runLog.Close()
	fl.runLog = nil
	return err
}

func (fl *FileLogger) writeRunLog(message string) {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	if fl.runLog != nil {
		fl.runLog.WriteString(message)
	}
}
