// Package status derives the mount state of a build directory from the two
// signals that exist on disk: the mount directory contents and the servicing
// tool's registry. Nothing is cached; every query re-reads both.
package status

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"wimctl/log"
	"wimctl/op"
	"wimctl/pathres"
	"wimctl/servicing"
	"wimctl/util"
)

// State is the derived mount state of a build directory.
type State int

const (
	Unmounted State = iota
	Mounted
	Locked
	Indeterminate
)

func (s State) String() string {
	switch s {
	case Unmounted:
		return "Unmounted"
	case Mounted:
		return "Mounted"
	case Locked:
		return "Locked"
	case Indeterminate:
		return "Indeterminate"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Registry is the part of the servicing tool the tracker reads.
type Registry interface {
	MountedImages(ctx context.Context) ([]servicing.MountEntry, error)
}

// MountClock reports when a mount directory was last mounted. The history
// store implements it; a nil clock falls back to the directory mtime.
type MountClock interface {
	LastMount(mountDir string) (time.Time, bool)
}

// UnmountChecker produces the unmount precondition report for diagnostics.
type UnmountChecker interface {
	Unmount(ctx context.Context, p Probe) op.CheckReport
}

// Probe is one observation of a build directory.
type Probe struct {
	State      State  `json:"state"`
	MountDir   string `json:"mount_dir"`
	DirExists  bool   `json:"dir_exists"`
	Populated  bool   `json:"populated"`
	Registered bool   `json:"registered"`

	// Registry entry for MountDir, when Registered
	RegistryStatus string `json:"registry_status,omitempty"`
	RegistryImage  string `json:"registry_image,omitempty"`

	// Reason explains Locked and Indeterminate states
	Reason string `json:"reason,omitempty"`

	// Entries is the full registry listing, including other directories
	Entries []servicing.MountEntry `json:"-"`

	RegistryErr error `json:"-"`
}

// Derive maps the two signals onto a State. Locked requires both signals to
// agree that a mount exists while the registry reports it unhealthy;
// any disagreement is Indeterminate.
func Derive(populated, registered, healthy bool) State {
	switch {
	case populated && registered && healthy:
		return Mounted
	case populated && registered:
		return Locked
	case !populated && !registered:
		return Unmounted
	default:
		return Indeterminate
	}
}

// Tracker answers state queries. It never modifies anything.
type Tracker struct {
	registry Registry
	clock    MountClock
	logger   log.LibraryLogger
}

// NewTracker creates a Tracker. clock and logger may be nil.
func NewTracker(registry Registry, clock MountClock, logger log.LibraryLogger) *Tracker {
	if logger == nil {
		logger = log.NoOpLogger{}
	}
	return &Tracker{registry: registry, clock: clock, logger: logger}
}

// CurrentState probes buildDir. A registry that cannot be queried does not
// fail the probe: the state becomes Indeterminate when the directory looks
// mounted and Unmounted otherwise, with Reason set either way. The error is
// non-nil only when ctx is done.
func (t *Tracker) CurrentState(ctx context.Context, buildDir string) (Probe, error) {
	if err := ctx.Err(); err != nil {
		return Probe{}, err
	}

	p := Probe{MountDir: pathres.MountPoint(buildDir)}

	info, err := os.Stat(p.MountDir)
	switch {
	case err == nil:
		p.DirExists = info.IsDir()
	case !errors.Is(err, fs.ErrNotExist):
		p.State = Indeterminate
		p.Reason = fmt.Sprintf("cannot inspect mount directory: %v", err)
		return p, nil
	}

	if p.DirExists {
		populated, err := util.Populated(p.MountDir)
		if err != nil {
			p.State = Indeterminate
			p.Reason = fmt.Sprintf("cannot read mount directory: %v", err)
			return p, nil
		}
		p.Populated = populated
	}

	entries, err := t.registry.MountedImages(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return p, ctxErr
		}
		t.logger.Warn("registry query failed: %v", err)
		p.RegistryErr = err
		if p.Populated {
			p.State = Indeterminate
			p.Reason = fmt.Sprintf("mount directory is populated but the tool registry could not be queried: %v", err)
		} else {
			p.State = Unmounted
			p.Reason = fmt.Sprintf("tool registry could not be queried: %v", err)
		}
		return p, nil
	}
	p.Entries = entries

	healthy := true
	for _, e := range entries {
		if pathres.SamePath(e.MountDir, p.MountDir) {
			p.Registered = true
			p.RegistryStatus = e.Status
			p.RegistryImage = e.ImagePath
			healthy = e.Healthy()
			break
		}
	}

	p.State = Derive(p.Populated, p.Registered, healthy)
	switch p.State {
	case Locked:
		p.Reason = fmt.Sprintf("tool registry reports status %q", p.RegistryStatus)
	case Indeterminate:
		if p.Populated {
			p.Reason = "mount directory is populated but the tool registry has no entry for it"
		} else {
			p.Reason = "tool registry lists the mount but the mount directory is empty or missing"
		}
	}

	t.logger.Debug("state of %s: %s (exists=%v populated=%v registered=%v status=%q)",
		buildDir, p.State, p.DirExists, p.Populated, p.Registered, p.RegistryStatus)
	return p, nil
}
