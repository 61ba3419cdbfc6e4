package log

import (
	"fmt"
	"strings"
	"sync"
)

// Levels recorded by MemoryLogger.
const (
	LevelInfo  = "INFO"
	LevelDebug = "DEBUG"
	LevelWarn  = "WARN"
	LevelError = "ERROR"
)

// MemoryLogger captures log messages in memory for tests.
// Safe for concurrent use.
type MemoryLogger struct {
	mu      sync.Mutex
	entries []Entry
}

// Entry is one captured log line.
type Entry struct {
	Level string
	Text  string
}

// NewMemoryLogger creates an empty MemoryLogger.
func NewMemoryLogger() *MemoryLogger {
	return &MemoryLogger{}
}

func (m *MemoryLogger) add(level, format string, args ...any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, Entry{Level: level, Text: fmt.Sprintf(format, args...)})
}

func (m *MemoryLogger) Info(format string, args ...any)  { m.add(LevelInfo, format, args...) }
func (m *MemoryLogger) Debug(format string, args ...any) { m.add(LevelDebug, format, args...) }
func (m *MemoryLogger) Warn(format string, args ...any)  { m.add(LevelWarn, format, args...) }
func (m *MemoryLogger) Error(format string, args ...any) { m.add(LevelError, format, args...) }

// Entries returns a copy of the captured entries, optionally restricted to
// one level.
func (m *MemoryLogger) Entries(level ...string) []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Entry
	for _, e := range m.entries {
		if len(level) == 0 || e.Level == level[0] {
			out = append(out, e)
		}
	}
	return out
}

// Contains reports whether any entry contains substr. With a level, only
// entries of that level are searched.
func (m *MemoryLogger) Contains(substr string, level ...string) bool {
	for _, e := range m.Entries(level...) {
		if strings.Contains(e.Text, substr) {
			return true
		}
	}
	return false
}

// Len returns the number of captured entries.
func (m *MemoryLogger) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Reset drops all captured entries.
func (m *MemoryLogger) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = nil
}

// String renders the captured log, for t.Log on failure.
func (m *MemoryLogger) String() string {
	var sb strings.Builder
	for i, e := range m.Entries() {
		fmt.Fprintf(&sb, "%d. [%s] %s\n", i+1, e.Level, e.Text)
	}
	return sb.String()
}
