// Package servicing drives the external image servicing tool (DISM on
// Windows, wimlib-imagex elsewhere) through its command-line contract.
//
// A Tool never interprets what a failed command means for the mount
// lifecycle; it reports exit codes and output and classifies whether a
// failure is the "image is locked" signal. Everything else is decided by the
// executor and the recovery engine.
package servicing

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"wimctl/log"
)

// Action names a tool invocation.
type Action string

const (
	ActionMount   Action = "mount"
	ActionUnmount Action = "unmount"
	ActionRemount Action = "remount"
	ActionList    Action = "list"
	ActionCleanup Action = "cleanup"
)

// Result is the outcome of one tool invocation that ran to completion.
// A non-zero ExitCode is reported here, not as an error.
type Result struct {
	Action   Action
	Args     []string
	ExitCode int
	Output   string
	Duration time.Duration
}

// OK reports whether the tool exited with code 0.
func (r *Result) OK() bool {
	return r != nil && r.ExitCode == 0
}

// MountEntry is one mount known to the tool's registry.
type MountEntry struct {
	MountDir  string `json:"mount_dir"`
	ImagePath string `json:"image_path"`
	Index     int    `json:"index"`
	ReadWrite bool   `json:"read_write"`
	Status    string `json:"status"`
}

// Healthy reports whether the registry considers the mount usable. DISM
// reports "Ok"; "Needs Remount" and "Invalid" mean the mount is stale.
func (e MountEntry) Healthy() bool {
	s := strings.ToLower(strings.TrimSpace(e.Status))
	return s == "" || s == "ok"
}

// Tool is the servicing tool contract.
//
// Mount, Unmount, Remount and Cleanup return (*Result, nil) whenever the
// tool ran, whatever its exit code. An error means the tool could not be
// run at all (not installed, timed out, cancelled, unsupported).
type Tool interface {
	Name() string
	Mount(ctx context.Context, imagePath, mountDir string) (*Result, error)
	Unmount(ctx context.Context, mountDir string, commit bool) (*Result, error)
	Remount(ctx context.Context, mountDir string) (*Result, error)
	Cleanup(ctx context.Context) (*Result, error)

	// MountedImages queries the tool's mount registry.
	MountedImages(ctx context.Context) ([]MountEntry, error)

	// IsLocked reports whether a failed result is the locked signal.
	IsLocked(res *Result) bool
}

// Options configure a tool backend.
type Options struct {
	ToolPath        string
	ImageIndex      int
	Timeout         time.Duration
	LockedExitCodes []uint32
	Runner          Runner
	Logger          log.LibraryLogger
}

func (o Options) withDefaults(toolPath string) Options {
	if o.ToolPath == "" {
		o.ToolPath = toolPath
	}
	if o.ImageIndex < 1 {
		o.ImageIndex = 1
	}
	if o.Runner == nil {
		o.Runner = ExecRunner{}
	}
	if o.Logger == nil {
		o.Logger = log.NoOpLogger{}
	}
	return o
}

// lockedCode reports whether code is one of the configured locked codes.
func (o Options) lockedCode(code int) bool {
	if code == 0 || code == -1 {
		return false
	}
	for _, c := range o.LockedExitCodes {
		if uint32(code) == c {
			return true
		}
	}
	return false
}

// NewToolFunc constructs a Tool backend.
type NewToolFunc func(opts Options) Tool

// Backend registry for tool implementations.
var backends = make(map[string]NewToolFunc)

// Register registers a tool backend. Backends register themselves from
// init(). Panics if name is already registered (programming error).
func Register(name string, fn NewToolFunc) {
	if _, exists := backends[name]; exists {
		panic(fmt.Sprintf("servicing backend already registered: %s", name))
	}
	backends[name] = fn
}

// New creates a Tool for the named backend.
func New(backend string, opts Options) (Tool, error) {
	fn, ok := backends[backend]
	if !ok {
		return nil, &ErrUnknownBackend{Backend: backend}
	}
	return fn(opts), nil
}

// Backends lists the registered backend names.
func Backends() []string {
	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ErrUnknownBackend is returned when requesting an unregistered backend.
type ErrUnknownBackend struct {
	Backend string
}

func (e *ErrUnknownBackend) Error() string {
	return fmt.Sprintf("unknown servicing backend: %s (available: %s)",
		e.Backend, strings.Join(Backends(), ", "))
}

// ErrUnsupported is returned by backends for actions the tool cannot do.
var ErrUnsupported = errors.New("not supported by this servicing backend")

// ErrTimeout is wrapped by ErrExecutionFailed when Tool_timeout expires.
var ErrTimeout = errors.New("tool timed out")

// ErrExecutionFailed indicates the tool could not be run.
//
// This is different from the tool returning a non-zero exit code, which is
// reported through Result.
type ErrExecutionFailed struct {
	Op      string // "exec", "timeout", "cancel", or the action
	Command string
	Err     error
}

func (e *ErrExecutionFailed) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s failed: command %s: %v", e.Op, e.Command, e.Err)
	}
	return fmt.Sprintf("failed to execute %s: %v", e.Command, e.Err)
}

func (e *ErrExecutionFailed) Unwrap() error {
	return e.Err
}

// Tail returns at most the last n bytes of output, for messages.
func Tail(output string, n int) string {
	output = strings.TrimSpace(output)
	if len(output) <= n {
		return output
	}
	return "..." + output[len(output)-n:]
}
