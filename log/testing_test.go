package log

import (
	"sync"
	"testing"
)

func TestMemoryLogger_Capture(t *testing.T) {
	var _ LibraryLogger = (*MemoryLogger)(nil)

	logger := NewMemoryLogger()
	logger.Info("mounting %s", "boot.wim")
	logger.Debug("args: %v", []string{"/Mount-Wim"})
	logger.Warn("registry query failed")
	logger.Error("unmount failed with exit code %d", 5)

	if logger.Len() != 4 {
		t.Fatalf("expected 4 entries, got %d", logger.Len())
	}
	if got := len(logger.Entries(LevelWarn)); got != 1 {
		t.Errorf("expected 1 WARN entry, got %d", got)
	}
	if !logger.Contains("boot.wim") {
		t.Error("expected an entry mentioning boot.wim")
	}
	if !logger.Contains("exit code 5", LevelError) {
		t.Error("expected an ERROR entry with the exit code")
	}
	if logger.Contains("exit code 5", LevelInfo) {
		t.Error("exit code message should not be at INFO")
	}

	logger.Reset()
	if logger.Len() != 0 {
		t.Errorf("expected empty logger after Reset, got %d", logger.Len())
	}
}

func TestMemoryLogger_Concurrent(t *testing.T) {
	logger := NewMemoryLogger()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				logger.Info("worker %d message %d", n, j)
			}
		}(i)
	}
	wg.Wait()

	if logger.Len() != 200 {
		t.Errorf("expected 200 entries, got %d", logger.Len())
	}
}

func TestTee(t *testing.T) {
	a, b := NewMemoryLogger(), NewMemoryLogger()
	l := Tee(a, b, NoOpLogger{})

	l.Info("one")
	l.Debug("two")
	l.Warn("three")
	l.Error("four")

	for name, m := range map[string]*MemoryLogger{"a": a, "b": b} {
		if m.Len() != 4 {
			t.Errorf("logger %s: expected 4 entries, got %d", name, m.Len())
		}
	}
}
