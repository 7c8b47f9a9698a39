// Package logger provides logging implementations for rhythm engines.
//
// Loggers report session lifecycle events (slot allocation, rotation,
// batch flushes, storage degradation) next to leveled free-form messages.
// Implementations are thread-safe and write to the console or to run log
// files.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"

	"github.com/harrison/rhythm/internal/store"
)

// Log level constants for filtering
const (
	levelTrace int = 0
	levelDebug int = 1
	levelInfo  int = 2
	levelWarn  int = 3
	levelError int = 4
)

// Logger is implemented by every logger in this package.
type Logger interface {
	LogTrace(message string)
	LogDebug(message string)
	LogInfo(message string)
	LogWarn(message string)
	LogError(message string)
	LogSessionOpened(slot int, resumed bool)
	LogRotation(from, to int)
	LogBatch(slots []int, sent, discarded int)
	LogDegraded(err error)
}

// ConsoleLogger logs engine events to a writer with timestamps and thread safety.
// All output is prefixed with [HH:MM:SS] timestamps.
// It supports log level filtering to control message verbosity.
// Color output is automatically enabled for terminal output (os.Stdout/os.Stderr).
type ConsoleLogger struct {
	writer      io.Writer
	logLevel    string
	mutex       sync.Mutex
	colorOutput bool
	now         func() time.Time
}

// NewConsoleLogger creates a ConsoleLogger that writes to the provided io.Writer.
// If writer is nil, messages are silently discarded.
// Valid levels: trace, debug, info, warn, error (case-insensitive).
// If logLevel is empty or invalid, defaults to "info".
func NewConsoleLogger(writer io.Writer, logLevel string) *ConsoleLogger {
	return &ConsoleLogger{
		writer:      writer,
		logLevel:    normalizeLogLevel(logLevel),
		colorOutput: isTerminal(writer),
		now:         time.Now,
	}
}

// WithClock makes timestamps follow now, as simulations with a fake
// clock need.
func (cl *ConsoleLogger) WithClock(now func() time.Time) *ConsoleLogger {
	cl.now = now
	return cl
}

// isTerminal reports whether w is a standard stream attached to a TTY and
// colors are not disabled through NO_COLOR.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok || (f != os.Stdout && f != os.Stderr) {
		return false
	}
	if color.NoColor {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// normalizeLogLevel converts a log level string to lowercase and validates it.
// Returns "info" as default for empty or invalid levels.
func normalizeLogLevel(level string) string {
	normalized := strings.ToLower(strings.TrimSpace(level))
	switch normalized {
	case "trace", "debug", "info", "warn", "error":
		return normalized
	default:
		return "info"
	}
}

// logLevelToInt converts a log level string to its numeric value.
func logLevelToInt(level string) int {
	switch level {
	case "trace":
		return levelTrace
	case "debug":
		return levelDebug
	case "info":
		return levelInfo
	case "warn":
		return levelWarn
	case "error":
		return levelError
	default:
		return levelInfo
	}
}

func (cl *ConsoleLogger) shouldLog(messageLevel string) bool {
	return logLevelToInt(messageLevel) >= logLevelToInt(cl.logLevel)
}

// LogTrace logs a trace-level message (most verbose).
func (cl *ConsoleLogger) LogTrace(message string) {
	cl.logWithLevel("TRACE", message)
}

// LogDebug logs a debug-level message.
func (cl *ConsoleLogger) LogDebug(message string) {
	cl.logWithLevel("DEBUG", message)
}

// LogInfo logs an info-level message.
func (cl *ConsoleLogger) LogInfo(message string) {
	cl.logWithLevel("INFO", message)
}

// LogWarn logs a warning-level message.
func (cl *ConsoleLogger) LogWarn(message string) {
	cl.logWithLevel("WARN", message)
}

// LogError logs an error-level message.
func (cl *ConsoleLogger) LogError(message string) {
	cl.logWithLevel("ERROR", message)
}

// logWithLevel writes "[HH:MM:SS] [LEVEL] message" if filtering allows it.
func (cl *ConsoleLogger) logWithLevel(level string, message string) {
	if cl.writer == nil || !cl.shouldLog(strings.ToLower(level)) {
		return
	}

	cl.mutex.Lock()
	defer cl.mutex.Unlock()

	ts := cl.now().Format("15:04:05")
	if cl.colorOutput {
		level = levelColor(level).Sprint(level)
	}
	fmt.Fprintf(cl.writer, "[%s] [%s] %s\n", ts, level, message)
}

func levelColor(level string) *color.Color {
	switch level {
	case "TRACE":
		return color.New(color.FgHiBlack)
	case "DEBUG":
		return color.New(color.FgCyan)
	case "INFO":
		return color.New(color.FgBlue)
	case "WARN":
		return color.New(color.FgYellow)
	default:
		return color.New(color.FgRed)
	}
}

// LogSessionOpened logs a slot allocation or resumption at INFO level.
func (cl *ConsoleLogger) LogSessionOpened(slot int, resumed bool) {
	cl.LogInfo(sessionOpenedMessage(slot, resumed))
}

// LogRotation logs a byte cap rotation at INFO level.
func (cl *ConsoleLogger) LogRotation(from, to int) {
	cl.LogInfo(rotationMessage(from, to))
}

// LogBatch logs a batch pass at INFO level.
func (cl *ConsoleLogger) LogBatch(slots []int, sent, discarded int) {
	cl.LogInfo(batchMessage(slots, sent, discarded))
}

// LogDegraded logs the switch to in-memory storage at WARN level.
func (cl *ConsoleLogger) LogDegraded(err error) {
	cl.LogWarn(degradedMessage(err))
}

// LogSlots prints one line per stored session with its byte usage.
// Format: "[HH:MM:SS] slot 1 open    [====      ] 1602/4000 B (40%) clicks=3 scrolls=1"
func (cl *ConsoleLogger) LogSlots(sessions []*store.Session, byteCap int) {
	if cl.writer == nil || !cl.shouldLog("info") {
		return
	}

	cl.mutex.Lock()
	defer cl.mutex.Unlock()

	ts := cl.now().Format("15:04:05")
	if len(sessions) == 0 {
		fmt.Fprintf(cl.writer, "[%s] no stored sessions\n", ts)
		return
	}
	scheme := newColorScheme(cl.colorOutput)
	for _, s := range sessions {
		gauge := NewGauge(len(s.Line()), byteCap, 10, cl.colorOutput)
		fmt.Fprintf(cl.writer, "[%s] slot %d %s %s clicks=%d scrolls=%d\n",
			ts, s.Slot, scheme.state(s.State), gauge.Render(), s.Clicks, s.Scrolls)
	}
}

func sessionOpenedMessage(slot int, resumed bool) string {
	if resumed {
		return fmt.Sprintf("resumed session in slot %d", slot)
	}
	return fmt.Sprintf("opened session in slot %d", slot)
}

func rotationMessage(from, to int) string {
	return fmt.Sprintf("slot %d reached its byte cap, continuing in slot %d", from, to)
}

func batchMessage(slots []int, sent, discarded int) string {
	return fmt.Sprintf("batch collected slots %v: %d sent, %d discarded", slots, sent, discarded)
}

func degradedMessage(err error) string {
	return fmt.Sprintf("storage unavailable, keeping sessions in memory: %v", err)
}

// NoOpLogger is a Logger implementation that discards all log messages.
// Useful for testing or when logging is disabled.
type NoOpLogger struct{}

// NewNoOpLogger creates a NoOpLogger instance.
func NewNoOpLogger() *NoOpLogger {
	return &NoOpLogger{}
}

func (n *NoOpLogger) LogTrace(string) {}
func (n *NoOpLogger) LogDebug(string) {}
func (n *NoOpLogger) LogInfo(string) {}
func (n *NoOpLogger) LogWarn(string) {}
func (n *NoOpLogger) LogError(string) {}
func (n *NoOpLogger) LogSessionOpened(int, bool) {}
func (n *NoOpLogger) LogRotation(int, int) {}
func (n *NoOpLogger) LogBatch([]int, int, int) {}
func (n *NoOpLogger) LogDegraded(error) {}

// MultiLogger forwards every call to each of its loggers.
type MultiLogger []Logger

func (m MultiLogger) LogTrace(message string) {
	for _, l := range m {
		l.LogTrace(message)
	}
}

func (m MultiLogger) LogDebug(message string) {
	for _, l := range m {
		l.LogDebug(message)
	}
}

func (m MultiLogger) LogInfo(message string) {
	for _, l := range m {
		l.LogInfo(message)
	}
}

func (m MultiLogger) LogWarn(message string) {
	for _, l := range m {
		l.LogWarn(message)
	}
}

func (m MultiLogger) LogError(message string) {
	for _, l := range m {
		l.LogError(message)
	}
}

func (m MultiLogger) LogSessionOpened(slot int, resumed bool) {
	for _, l := range m {
		l.LogSessionOpened(slot, resumed)
	}
}

func (m MultiLogger) LogRotation(from, to int) {
	for _, l := range m {
		l.LogRotation(from, to)
	}
}

func (m MultiLogger) LogBatch(slots []int, sent, discarded int) {
	for _, l := range m {
		l.LogBatch(slots, sent, discarded)
	}
}

func (m MultiLogger) LogDegraded(err error) {
	for _, l := range m {
		l.LogDegraded(err)
	}
}
