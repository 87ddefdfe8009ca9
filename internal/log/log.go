// Package log provides structured logging for the ordo kernel.
// Entries go to a log file under the data directory, never to stdout:
// stdout carries the front-end wire protocol.
package log

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Level orders entry severity.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

var levelNames = [...]string{"DEBUG", "INFO", "WARN", "ERROR"}

func (l Level) String() string {
	if l < LevelDebug || l > LevelError {
		return "UNKNOWN"
	}
	return levelNames[l]
}

// ParseLevel reads a level name from configuration. Unknown names report
// false.
func ParseLevel(s string) (Level, bool) {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug, true
	case "info":
		return LevelInfo, true
	case "warn", "warning":
		return LevelWarn, true
	case "error":
		return LevelError, true
	}
	return LevelInfo, false
}

// Category groups related log messages.
type Category string

const (
	CatKernel  Category = "kernel"  // Container lifecycle, stdio server, dispatch
	CatStore   Category = "store"   // Database operations and migrations
	CatBus     Category = "bus"     // Event bus publish/subscribe
	CatState   Category = "state"   // Configuration documents
	CatSup     Category = "sup"     // Supervisor and worker lifecycle
	CatEngine  Category = "engine"  // Worker wire traffic
	CatGateway Category = "gateway" // Request validation, security events
	CatRouter  Category = "router"  // Operation routing
	CatSched   Category = "sched"   // Scheduler queue and loop
	CatFlow    Category = "flow"    // Workflow engine
	CatAdvisor Category = "advisor" // Advisor, guardrail, drafts
	CatConfig  Category = "config"  // Bootstrap configuration
	CatCache   Category = "cache"   // Cache operations
)

// Logger is the process-wide sink. Writes serialize on one mutex; the
// kernel logs little enough that contention never matters.
type Logger struct {
	mu       sync.Mutex
	writer   io.Writer
	minLevel Level
	redact   func(string) string
}

var defaultLogger *Logger

// Init opens path for append and installs the global logger at info level.
// The returned cleanup closes the file.
func Init(path string) (func(), error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644) //nolint:gosec // G304: path is the kernel's own log file
	if err != nil {
		return nil, err
	}
	defaultLogger = &Logger{writer: f, minLevel: LevelInfo}
	return func() { _ = f.Close() }, nil
}

// InitWithWriter installs the global logger against an arbitrary writer at
// debug level. Tests use it to capture output.
func InitWithWriter(w io.Writer) {
	defaultLogger = &Logger{writer: w, minLevel: LevelDebug}
}

// SetMinLevel sets the minimum level that reaches the file.
func SetMinLevel(level Level) {
	if defaultLogger != nil {
		defaultLogger.mu.Lock()
		defaultLogger.minLevel = level
		defaultLogger.mu.Unlock()
	}
}

// SetRedactor installs a function applied to every formatted entry before it
// is written. The kernel installs the credential scrubber here so secrets
// never reach the log file regardless of call site.
func SetRedactor(fn func(string) string) {
	if defaultLogger != nil {
		defaultLogger.mu.Lock()
		defaultLogger.redact = fn
		defaultLogger.mu.Unlock()
	}
}

// Debug logs at debug level.
func Debug(cat Category, msg string, fields ...any) {
	write(LevelDebug, cat, msg, fields...)
}

// Info logs at info level.
func Info(cat Category, msg string, fields ...any) {
	write(LevelInfo, cat, msg, fields...)
}

// Warn logs at warning level.
func Warn(cat Category, msg string, fields ...any) {
	write(LevelWarn, cat, msg, fields...)
}

// Error logs at error level.
func Error(cat Category, msg string, fields ...any) {
	write(LevelError, cat, msg, fields...)
}

// ErrorErr logs an error with the error value appended as a field.
func ErrorErr(cat Category, msg string, err error, fields ...any) {
	errText := "<nil>"
	if err != nil {
		errText = err.Error()
	}
	write(LevelError, cat, msg, append(fields, "error", errText)...)
}

func write(level Level, cat Category, msg string, fields ...any) {
	l := defaultLogger
	if l == nil {
		return
	}

	// Format: 2025-12-06T10:45:00.123 [ERROR] [sched] message key=value
	var b strings.Builder
	b.WriteString(time.Now().Format("2006-01-02T15:04:05.000"))
	fmt.Fprintf(&b, " [%s] [%s] %s", level, cat, msg)
	for i := 0; i < len(fields); i += 2 {
		if i+1 < len(fields) {
			fmt.Fprintf(&b, " %v=%v", fields[i], fields[i+1])
		} else {
			// Odd field count leaves an orphan key.
			fmt.Fprintf(&b, " %v=<missing>", fields[i])
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if level < l.minLevel || l.writer == nil {
		return
	}
	entry := b.String()
	if l.redact != nil {
		entry = l.redact(entry)
	}
	_, _ = io.WriteString(l.writer, entry+"\n")
}
