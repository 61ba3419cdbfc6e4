// Package procfind finds host processes that hold files under a directory
// and terminates them. The lock recovery engine uses it to release an image
// that cannot be unmounted because something still has it open.
package procfind

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"wimctl/log"
)

// Process is a process found holding a path.
type Process struct {
	PID  int    `json:"pid"`
	Name string `json:"name"`
	// Reference is the path (cwd, executable or open file) that matched.
	Reference string `json:"reference,omitempty"`
}

func (p Process) String() string {
	if p.Name == "" {
		return fmt.Sprintf("pid %d", p.PID)
	}
	return fmt.Sprintf("%s (pid %d)", p.Name, p.PID)
}

// Finder locates and terminates processes holding a path.
type Finder interface {
	// ProcessesHolding returns processes with a handle, working directory
	// or executable under path. The calling process is never included.
	ProcessesHolding(ctx context.Context, path string) ([]Process, error)

	// Terminate asks p to exit, then forces it after the grace period.
	// A process that already exited is not an error.
	Terminate(ctx context.Context, p Process) error
}

// Options configure the platform finder.
type Options struct {
	// Family lists executable names (e.g. dismhost.exe) that are reported
	// whenever they run, on platforms where open handles cannot be listed.
	Family []string

	// Grace is how long Terminate waits before forcing. Default 2s.
	Grace time.Duration

	Logger log.LibraryLogger
}

func (o Options) withDefaults() Options {
	if o.Grace <= 0 {
		o.Grace = 2 * time.Second
	}
	if o.Logger == nil {
		o.Logger = log.NoOpLogger{}
	}
	return o
}

func (o Options) inFamily(name string) bool {
	for _, f := range o.Family {
		if strings.EqualFold(f, name) {
			return true
		}
	}
	return false
}

// ErrUnsupported is returned on platforms without process enumeration.
var ErrUnsupported = errors.New("process enumeration not supported on this platform")
