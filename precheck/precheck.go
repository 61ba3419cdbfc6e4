// Package precheck validates that a mount, unmount or ISO operation can
// proceed. Checks only read; every check runs and is reported, so one call
// tells the operator everything that is wrong.
package precheck

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/docker/go-units"

	"wimctl/log"
	"wimctl/op"
	"wimctl/pathres"
	"wimctl/procfind"
	"wimctl/status"
	"wimctl/util"
)

// Check names.
const (
	CheckParentWritable      = "mount-parent-writable"
	CheckImageReadable       = "image-readable"
	CheckImageNonEmpty       = "image-nonempty"
	CheckElevated            = "elevated"
	CheckFreeSpace           = "free-space"
	CheckMounted             = "mounted"
	CheckNoOpenHandles       = "no-open-handles"
	CheckRegistryConsistent  = "registry-consistent"
	CheckUnmounted           = "unmounted"
	CheckMediaComplete       = "media-complete"
	CheckDestinationWritable = "destination-writable"
	CheckDestinationSpace    = "destination-free-space"
)

// Host reports machine properties.
type Host interface {
	FreeSpace(path string) (uint64, error)
	Elevated() bool
}

// HolderFinder lists processes holding files under a path.
type HolderFinder interface {
	ProcessesHolding(ctx context.Context, path string) ([]procfind.Process, error)
}

// Options tune the thresholds.
type Options struct {
	FreeSpaceMultiple float64 // free space needed per byte of image
	MinimumFreeSpace  int64
	MediaRequired     []string // slash separated, relative to media/
}

// Checker runs precondition checks.
type Checker struct {
	host   Host
	finder HolderFinder
	opts   Options
	logger log.LibraryLogger
}

// New creates a Checker.
func New(host Host, finder HolderFinder, opts Options, logger log.LibraryLogger) *Checker {
	if logger == nil {
		logger = log.NoOpLogger{}
	}
	return &Checker{host: host, finder: finder, opts: opts, logger: logger}
}

// Mount checks that image can be mounted into buildDir. It never creates the
// mount directory.
func (c *Checker) Mount(ctx context.Context, buildDir string, image pathres.ImageFile) op.CheckReport {
	var r op.CheckReport

	if err := util.Writable(buildDir); err != nil {
		r.Add(CheckParentWritable, false, fmt.Sprintf("cannot create files in %s: %v", buildDir, err))
	} else {
		r.Add(CheckParentWritable, true, "")
	}

	size := int64(-1)
	if f, err := os.Open(image.Path); err != nil {
		r.Add(CheckImageReadable, false, err.Error())
	} else {
		if fi, err := f.Stat(); err == nil {
			size = fi.Size()
		}
		f.Close()
		r.Add(CheckImageReadable, true, "")
	}

	switch {
	case size > 0:
		r.Add(CheckImageNonEmpty, true, units.HumanSize(float64(size)))
	case size == 0:
		r.Add(CheckImageNonEmpty, false, image.Path+" is empty")
	default:
		r.Add(CheckImageNonEmpty, false, "image size unknown")
	}

	if c.host.Elevated() {
		r.Add(CheckElevated, true, "")
	} else {
		r.Add(CheckElevated, false, "mounting requires administrator (root) privileges")
	}

	if size < 0 {
		size = image.Size
	}
	required := uint64(float64(size) * c.opts.FreeSpaceMultiple)
	if min := uint64(c.opts.MinimumFreeSpace); required < min {
		required = min
	}
	free, err := c.host.FreeSpace(buildDir)
	switch {
	case err != nil:
		r.Add(CheckFreeSpace, false, fmt.Sprintf("cannot determine free space: %v", err))
	case free < required:
		r.Add(CheckFreeSpace, false, fmt.Sprintf("need %s, have %s",
			units.BytesSize(float64(required)), units.BytesSize(float64(free))))
	default:
		r.Add(CheckFreeSpace, true, units.BytesSize(float64(free))+" free")
	}

	c.logReport("mount", buildDir, r)
	return r
}

// Unmount checks the probed state. An Unmounted probe yields a report with
// NoOp set so the caller can return success without touching the tool.
func (c *Checker) Unmount(ctx context.Context, p status.Probe) op.CheckReport {
	var r op.CheckReport

	switch p.State {
	case status.Unmounted:
		r.NoOp = true
		r.Add(CheckMounted, true, "not mounted; nothing to unmount")
		return r
	case status.Mounted, status.Locked:
		r.Add(CheckMounted, true, p.State.String())
	default:
		r.Add(CheckMounted, false, p.Reason)
	}

	holders, err := c.finder.ProcessesHolding(ctx, p.MountDir)
	switch {
	case err != nil:
		// Enumeration is best-effort; the unmount itself will report a lock
		r.Add(CheckNoOpenHandles, true, fmt.Sprintf("could not enumerate processes: %v", err))
	case len(holders) > 0:
		names := make([]string, 0, len(holders))
		for _, h := range holders {
			names = append(names, h.String())
		}
		r.Add(CheckNoOpenHandles, false, strings.Join(names, ", "))
	default:
		r.Add(CheckNoOpenHandles, true, "")
	}

	if p.State == status.Indeterminate {
		r.Add(CheckRegistryConsistent, false, p.Reason+"; run cleanup")
	} else {
		r.Add(CheckRegistryConsistent, true, "")
	}

	c.logReport("unmount", p.MountDir, r)
	return r
}

// ISO checks that buildDir can be packaged into destination.
func (c *Checker) ISO(ctx context.Context, buildDir, destination string, p status.Probe) op.CheckReport {
	var r op.CheckReport

	if p.State == status.Unmounted {
		r.Add(CheckUnmounted, true, "")
	} else {
		r.Add(CheckUnmounted, false, "image is "+p.State.String())
	}

	media := pathres.MediaDir(buildDir)
	var missing []string
	for _, rel := range c.opts.MediaRequired {
		if !util.FileExists(filepath.Join(media, filepath.FromSlash(rel))) {
			missing = append(missing, rel)
		}
	}
	if len(missing) > 0 {
		r.Add(CheckMediaComplete, false, "missing "+strings.Join(missing, ", "))
	} else {
		r.Add(CheckMediaComplete, true, "")
	}

	destDir := util.NearestExisting(filepath.Dir(destination))
	if err := util.Writable(destDir); err != nil {
		r.Add(CheckDestinationWritable, false, fmt.Sprintf("cannot create files in %s: %v", destDir, err))
	} else {
		r.Add(CheckDestinationWritable, true, "")
	}

	treeSize, err := util.TreeSize(buildDir, pathres.MountPoint(buildDir))
	if err != nil {
		r.Add(CheckDestinationSpace, false, fmt.Sprintf("cannot size build directory: %v", err))
	} else if free, err := c.host.FreeSpace(destDir); err != nil {
		r.Add(CheckDestinationSpace, false, fmt.Sprintf("cannot determine free space: %v", err))
	} else if free <= uint64(treeSize) {
		r.Add(CheckDestinationSpace, false, fmt.Sprintf("need more than %s, have %s",
			units.BytesSize(float64(treeSize)), units.BytesSize(float64(free))))
	} else {
		r.Add(CheckDestinationSpace, true, "")
	}

	c.logReport("iso", buildDir, r)
	return r
}

func (c *Checker) logReport(operation, path string, r op.CheckReport) {
	if r.Passed() {
		c.logger.Debug("%s preconditions passed for %s", operation, path)
		return
	}
	c.logger.Info("%s preconditions failed for %s: %s", operation, path, r.Summary())
}
