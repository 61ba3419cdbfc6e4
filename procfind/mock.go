package procfind

import (
	"context"
	"sync"
)

// MockFinder is a scripted Finder for tests.
//
// Terminated processes are removed from Holders unless Stubborn is set.
type MockFinder struct {
	mu sync.Mutex

	Holders      []Process
	FindErr      error
	TerminateErr error
	Stubborn     bool

	terminated []Process
	finds      int
}

func (m *MockFinder) ProcessesHolding(ctx context.Context, path string) ([]Process, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finds++
	if m.FindErr != nil {
		return nil, m.FindErr
	}
	out := make([]Process, len(m.Holders))
	copy(out, m.Holders)
	return out, nil
}

func (m *MockFinder) Terminate(ctx context.Context, p Process) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.TerminateErr != nil {
		return m.TerminateErr
	}
	m.terminated = append(m.terminated, p)
	if !m.Stubborn {
		kept := m.Holders[:0]
		for _, h := range m.Holders {
			if h.PID != p.PID {
				kept = append(kept, h)
			}
		}
		m.Holders = kept
	}
	return nil
}

// Terminated returns the processes passed to Terminate.
func (m *MockFinder) Terminated() []Process {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Process, len(m.terminated))
	copy(out, m.terminated)
	return out
}

// FindCount returns how many times ProcessesHolding was called.
func (m *MockFinder) FindCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.finds
}
