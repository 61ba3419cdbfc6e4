package servicing

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"wimctl/pathres"
)

func init() {
	Register("mock", func(opts Options) Tool {
		m := NewMock()
		if opts.LockedExitCodes != nil {
			m.LockedExitCodes = opts.LockedExitCodes
		}
		return m
	})
}

// Exit codes the mock uses by default for the locked signal.
const (
	MockExitLocked  = 0xC1420117
	MockExitFailure = 50
)

// MockResponse scripts the next invocation of an action.
type MockResponse struct {
	ExitCode int
	Output   string
	Err      error
}

// MockCall records one invocation.
type MockCall struct {
	Action   Action
	Image    string
	MountDir string
	Commit   bool
}

// MockTool simulates a servicing tool for tests.
//
// Successful mounts populate the mount directory and add a registry entry;
// successful unmounts empty the directory and drop the entry. Scripted
// responses are consumed in order per action; once exhausted, calls succeed.
//
// Thread-safe for concurrent use.
type MockTool struct {
	LockedExitCodes []uint32

	// RegistryErr makes MountedImages fail.
	RegistryErr error

	// NoPopulate disables creating files on mount.
	NoPopulate bool

	mu       sync.Mutex
	calls    []MockCall
	script   map[Action][]MockResponse
	registry map[string]MountEntry
	hook     func(MockCall)
}

// NewMock creates a MockTool with the DISM locked codes.
func NewMock() *MockTool {
	return &MockTool{
		LockedExitCodes: []uint32{MockExitLocked},
		script:          make(map[Action][]MockResponse),
		registry:        make(map[string]MountEntry),
	}
}

// Script queues responses for an action.
func (m *MockTool) Script(action Action, responses ...MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script[action] = append(m.script[action], responses...)
}

// OnCall installs a hook run at the start of every invocation, before the
// lock is taken. Tests use it to block a call or observe ordering.
func (m *MockTool) OnCall(fn func(MockCall)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hook = fn
}

// SetEntry adds or replaces a registry entry without touching the disk.
func (m *MockTool) SetEntry(e MountEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.registry[pathres.Key(e.MountDir)] = e
}

// DropEntry removes a registry entry without touching the disk.
func (m *MockTool) DropEntry(mountDir string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.registry, pathres.Key(mountDir))
}

// Calls returns a copy of the recorded invocations.
func (m *MockTool) Calls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockCall, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many times action was invoked.
func (m *MockTool) CallCount(action Action) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Action == action {
			n++
		}
	}
	return n
}

// begin records the call and pops the scripted response. The hook runs
// first, outside the lock.
func (m *MockTool) begin(call MockCall) MockResponse {
	m.mu.Lock()
	hook := m.hook
	m.mu.Unlock()
	if hook != nil {
		hook(call)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, call)
	queue := m.script[call.Action]
	if len(queue) == 0 {
		return MockResponse{}
	}
	m.script[call.Action] = queue[1:]
	return queue[0]
}

func result(action Action, resp MockResponse) *Result {
	return &Result{Action: action, ExitCode: resp.ExitCode, Output: resp.Output}
}

func (m *MockTool) Name() string { return "mock" }

func (m *MockTool) Mount(ctx context.Context, imagePath, mountDir string) (*Result, error) {
	// Like ExecRunner, cancellation is only honored before the tool starts
	if err := ctx.Err(); err != nil {
		return nil, &ErrExecutionFailed{Op: "cancel", Command: "mock", Err: err}
	}
	resp := m.begin(MockCall{Action: ActionMount, Image: imagePath, MountDir: mountDir})
	if resp.Err != nil {
		return nil, resp.Err
	}
	if resp.ExitCode != 0 {
		return result(ActionMount, resp), nil
	}

	if !m.NoPopulate {
		system32 := filepath.Join(mountDir, "Windows", "System32")
		if err := os.MkdirAll(system32, 0755); err != nil {
			return nil, &ErrExecutionFailed{Op: "mount", Command: "mock", Err: err}
		}
		if err := os.WriteFile(filepath.Join(system32, "winload.exe"), []byte("mock"), 0644); err != nil {
			return nil, &ErrExecutionFailed{Op: "mount", Command: "mock", Err: err}
		}
	}
	m.SetEntry(MountEntry{MountDir: mountDir, ImagePath: imagePath, Index: 1, ReadWrite: true, Status: "Ok"})

	if resp.Output == "" {
		resp.Output = "The operation completed successfully."
	}
	return result(ActionMount, resp), nil
}

func (m *MockTool) Unmount(ctx context.Context, mountDir string, commit bool) (*Result, error) {
	// Like ExecRunner, cancellation is only honored before the tool starts
	if err := ctx.Err(); err != nil {
		return nil, &ErrExecutionFailed{Op: "cancel", Command: "mock", Err: err}
	}
	resp := m.begin(MockCall{Action: ActionUnmount, MountDir: mountDir, Commit: commit})
	if resp.Err != nil {
		return nil, resp.Err
	}
	if resp.ExitCode != 0 {
		return result(ActionUnmount, resp), nil
	}

	entries, _ := os.ReadDir(mountDir)
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(mountDir, e.Name())); err != nil {
			return nil, &ErrExecutionFailed{Op: "unmount", Command: "mock", Err: err}
		}
	}
	m.DropEntry(mountDir)

	if resp.Output == "" {
		resp.Output = "The operation completed successfully."
	}
	return result(ActionUnmount, resp), nil
}

func (m *MockTool) Remount(ctx context.Context, mountDir string) (*Result, error) {
	resp := m.begin(MockCall{Action: ActionRemount, MountDir: mountDir})
	if resp.Err != nil {
		return nil, resp.Err
	}
	if resp.ExitCode == 0 {
		m.mu.Lock()
		if e, ok := m.registry[pathres.Key(mountDir)]; ok {
			e.Status = "Ok"
			m.registry[pathres.Key(mountDir)] = e
		}
		m.mu.Unlock()
	}
	return result(ActionRemount, resp), nil
}

// Cleanup drops registry entries whose mount directory is gone or empty.
func (m *MockTool) Cleanup(ctx context.Context) (*Result, error) {
	resp := m.begin(MockCall{Action: ActionCleanup})
	if resp.Err != nil {
		return nil, resp.Err
	}
	if resp.ExitCode == 0 {
		m.mu.Lock()
		for key, e := range m.registry {
			entries, err := os.ReadDir(e.MountDir)
			if err != nil || len(entries) == 0 {
				delete(m.registry, key)
			}
		}
		m.mu.Unlock()
	}
	return result(ActionCleanup, resp), nil
}

func (m *MockTool) MountedImages(ctx context.Context) ([]MountEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.RegistryErr != nil {
		return nil, m.RegistryErr
	}
	entries := make([]MountEntry, 0, len(m.registry))
	for _, e := range m.registry {
		entries = append(entries, e)
	}
	return entries, nil
}

func (m *MockTool) IsLocked(res *Result) bool {
	if res == nil || res.ExitCode == 0 {
		return false
	}
	for _, c := range m.LockedExitCodes {
		if uint32(res.ExitCode) == c {
			return true
		}
	}
	return false
}
