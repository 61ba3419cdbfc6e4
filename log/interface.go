package log

import (
	"fmt"
	"io"
	"os"
	"sync"
)

// LibraryLogger is the logging contract every wimctl package depends on.
// Packages never open log files or write to the terminal themselves; the
// caller decides where messages go (file logs for the CLI, memory for tests).
type LibraryLogger interface {
	// Info logs progress of an operation (e.g., "Mounting boot.wim")
	Info(format string, args ...any)

	// Debug logs tool arguments, probe details and other diagnostics
	Debug(format string, args ...any)

	// Warn logs non-fatal issues
	Warn(format string, args ...any)

	// Error logs failures; the operation result still carries the error
	Error(format string, args ...any)
}

// NoOpLogger discards all log messages.
type NoOpLogger struct{}

func (NoOpLogger) Info(format string, args ...any)  {}
func (NoOpLogger) Debug(format string, args ...any) {}
func (NoOpLogger) Warn(format string, args ...any)  {}
func (NoOpLogger) Error(format string, args ...any) {}

// StdoutLogger prints messages with a severity prefix. Debug messages are
// only printed when Verbose is set. Out defaults to os.Stdout.
type StdoutLogger struct {
	Out     io.Writer
	Verbose bool

	mu sync.Mutex
}

func (s *StdoutLogger) write(level, format string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.Out
	if out == nil {
		out = os.Stdout
	}
	fmt.Fprintf(out, "["+level+"] "+format+"\n", args...)
}

func (s *StdoutLogger) Info(format string, args ...any) { s.write("INFO", format, args...) }

func (s *StdoutLogger) Debug(format string, args ...any) {
	if s.Verbose {
		s.write("DEBUG", format, args...)
	}
}

func (s *StdoutLogger) Warn(format string, args ...any)  { s.write("WARN", format, args...) }
func (s *StdoutLogger) Error(format string, args ...any) { s.write("ERROR", format, args...) }

// Tee fans every message out to all of the given loggers.
func Tee(loggers ...LibraryLogger) LibraryLogger {
	return teeLogger(loggers)
}

type teeLogger []LibraryLogger

func (t teeLogger) Info(format string, args ...any) {
	for _, l := range t {
		l.Info(format, args...)
	}
}

func (t teeLogger) Debug(format string, args ...any) {
	for _, l := range t {
		l.Debug(format, args...)
	}
}

func (t teeLogger) Warn(format string, args ...any) {
	for _, l := range t {
		l.Warn(format, args...)
	}
}

func (t teeLogger) Error(format string, args ...any) {
	for _, l := range t {
		l.Error(format, args...)
	}
}
