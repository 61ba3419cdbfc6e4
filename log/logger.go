package log

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"wimctl/config"
)

// Compile-time interface checks
var (
	_ LibraryLogger = (*Logger)(nil)
	_ LibraryLogger = (*ContextLogger)(nil)
)

// Log file names under config.LogsPath.
const (
	OperationsLog = "00_operations.log"
	FailuresLog   = "01_failures.log"
	DebugLog      = "02_debug.log"
)

// Logger manages the wimctl log files. Files are appended to so that the
// history of a build directory survives across CLI invocations.
type Logger struct {
	operationsFile *os.File
	failuresFile   *os.File
	debugFile      *os.File
	debug          bool
	mu             sync.Mutex
}

// LogContext provides metadata for contextual logging
type LogContext struct {
	OperationID string // operation UUID (full or short)
	Op          string // mount, unmount, cleanup, ...
	BuildDir    string
}

// ContextLogger wraps Logger with context metadata for enriched log entries
type ContextLogger struct {
	logger *Logger
	ctx    LogContext
}

// NewLogger opens (or creates) the log files under cfg.LogsPath.
func NewLogger(cfg *config.Config) (*Logger, error) {
	if err := os.MkdirAll(cfg.LogsPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create logs directory: %w", err)
	}

	l := &Logger{debug: cfg.Debug}

	files := []struct {
		name string
		dst  **os.File
	}{
		{OperationsLog, &l.operationsFile},
		{FailuresLog, &l.failuresFile},
		{DebugLog, &l.debugFile},
	}
	for _, f := range files {
		fh, err := os.OpenFile(filepath.Join(cfg.LogsPath, f.name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			l.Close()
			return nil, fmt.Errorf("failed to open %s: %w", f.name, err)
		}
		*f.dst = fh
	}

	l.writeHeaders()
	return l, nil
}

// Close closes all log files
func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, f := range []*os.File{l.operationsFile, l.failuresFile, l.debugFile} {
		if f != nil {
			f.Close()
		}
	}
}

func (l *Logger) writeHeaders() {
	stamp := time.Now().Format(time.RFC3339)
	fmt.Fprintf(l.operationsFile, "\nwimctl session - %s\n%s\n", stamp, strings.Repeat("=", 70))
	fmt.Fprintf(l.debugFile, "\nDebug log - %s\n", stamp)
}

// write appends one timestamped line to each file. Callers hold no lock.
func (l *Logger) write(line string, files ...*os.File) {
	l.mu.Lock()
	defer l.mu.Unlock()

	msg := fmt.Sprintf("[%s] %s\n", time.Now().Format("15:04:05"), line)
	for _, f := range files {
		if f == nil {
			continue
		}
		f.WriteString(msg)
		f.Sync()
	}
}

// Info logs an informational message
func (l *Logger) Info(format string, args ...any) {
	line := "INFO: " + fmt.Sprintf(format, args...)
	l.write(line, l.operationsFile, l.debugFile)
}

// Debug logs debug information. The debug log always receives it.
func (l *Logger) Debug(format string, args ...any) {
	l.write("DEBUG: "+fmt.Sprintf(format, args...), l.debugFile)
}

// Warn logs a warning message (non-fatal issues)
func (l *Logger) Warn(format string, args ...any) {
	line := "WARN: " + fmt.Sprintf(format, args...)
	l.write(line, l.operationsFile, l.debugFile)
}

// Error logs an error message
func (l *Logger) Error(format string, args ...any) {
	line := "ERROR: " + fmt.Sprintf(format, args...)
	l.write(line, l.operationsFile, l.failuresFile, l.debugFile)
}

// Result records the outcome of an operation. Failures are also appended to
// the failures log.
func (l *Logger) Result(ctx LogContext, success bool, summary string) {
	prefix := ctx.prefix()
	if success {
		l.write(prefix+"SUCCESS: "+summary, l.operationsFile, l.debugFile)
		return
	}
	l.write(prefix+"FAILED: "+summary, l.operationsFile, l.failuresFile, l.debugFile)
}

// DebugEnabled reports whether the configuration asked for verbose output.
func (l *Logger) DebugEnabled() bool {
	return l.debug
}

// WithContext creates a ContextLogger with metadata for enriched logging.
// The OperationID is truncated to 8 characters for readability.
//
// Example:
//
//	opLogger := logger.WithContext(log.LogContext{
//	    OperationID: id,
//	    Op:          "unmount",
//	    BuildDir:    `C:\pe\amd64`,
//	})
//	opLogger.Info("Unmounting")
//	// Output: [15:04:05] [a1b2c3d4] unmount C:\pe\amd64: INFO: Unmounting
func (l *Logger) WithContext(ctx LogContext) *ContextLogger {
	return &ContextLogger{logger: l, ctx: ctx}
}

func (c LogContext) prefix() string {
	id := c.OperationID
	if len(id) > 8 {
		id = id[:8]
	}
	var sb strings.Builder
	if id != "" {
		sb.WriteString("[" + id + "] ")
	}
	if c.Op != "" {
		sb.WriteString(c.Op)
		if c.BuildDir != "" {
			sb.WriteString(" " + c.BuildDir)
		}
		sb.WriteString(": ")
	} else if c.BuildDir != "" {
		sb.WriteString(c.BuildDir + ": ")
	}
	return sb.String()
}

// Result records the outcome of the operation this logger is bound to.
func (cl *ContextLogger) Result(success bool, summary string) {
	cl.logger.Result(cl.ctx, success, summary)
}

// Info logs an informational message with context
func (cl *ContextLogger) Info(format string, args ...any) {
	line := cl.ctx.prefix() + "INFO: " + fmt.Sprintf(format, args...)
	cl.logger.write(line, cl.logger.operationsFile, cl.logger.debugFile)
}

// Debug logs debug information with context
func (cl *ContextLogger) Debug(format string, args ...any) {
	line := cl.ctx.prefix() + "DEBUG: " + fmt.Sprintf(format, args...)
	cl.logger.write(line, cl.logger.debugFile)
}

// Warn logs a warning message with context
func (cl *ContextLogger) Warn(format string, args ...any) {
	line := cl.ctx.prefix() + "WARN: " + fmt.Sprintf(format, args...)
	cl.logger.write(line, cl.logger.operationsFile, cl.logger.debugFile)
}

// Error logs an error message with context
func (cl *ContextLogger) Error(format string, args ...any) {
	line := cl.ctx.prefix() + "ERROR: " + fmt.Sprintf(format, args...)
	cl.logger.write(line, cl.logger.operationsFile, cl.logger.failuresFile, cl.logger.debugFile)
}
