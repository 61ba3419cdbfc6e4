package service

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime"

	"github.com/docker/go-units"

	"wimctl/status"
)

// The read-only operations below never take the guard, so they are safe to
// call while a mutating operation runs on the same directory.

// State probes the build directory's mount state.
func (s *Service) State(ctx context.Context, buildDir string) (status.Probe, error) {
	return s.tracker.CurrentState(ctx, absPath(buildDir))
}

// Diagnostics gathers state, image, mount age, registry, unmount checks,
// structure validation and host details for operator troubleshooting.
func (s *Service) Diagnostics(ctx context.Context, buildDir string) status.Diagnostics {
	dir := absPath(buildDir)
	d := s.tracker.Diagnostics(ctx, dir, s.checker, s.cfg.MediaRequired)
	d.System = s.system(dir, &d)
	if s.guard.Busy(d.MountDir) {
		d.Recommendations = append(d.Recommendations, "An operation is currently running on this build directory")
	}
	return d
}

func (s *Service) system(buildDir string, d *status.Diagnostics) *status.System {
	sys := &status.System{
		OS:       runtime.GOOS,
		Arch:     runtime.GOARCH,
		Elevated: s.host.Elevated(),
		Backend:  s.cfg.Backend,
		ToolPath: s.cfg.ToolPath,
	}
	free, err := s.host.FreeSpace(buildDir)
	if err != nil {
		d.Errors = append(d.Errors, fmt.Sprintf("free space: %v", err))
		return sys
	}
	sys.FreeSpace = free
	sys.FreeSpaceHuman = units.HumanSize(float64(free))
	return sys
}

// ValidateStructure checks the build directory layout.
func (s *Service) ValidateStructure(buildDir string) status.Validation {
	return status.ValidateStructure(absPath(buildDir), s.cfg.MediaRequired)
}

func absPath(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return p
}
