package servicing

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/moby/sys/mountinfo"
)

func init() {
	Register("wimlib", func(opts Options) Tool {
		return NewWimlib(opts)
	})
}

// busyMarkers are output fragments wimlib-imagex prints when an unmount
// fails because files under the mount are still open.
var busyMarkers = []string{"busy", "files open", "still open"}

// Wimlib drives wimlib-imagex. Mounts are FUSE filesystems, so the mount
// registry is the kernel mount table rather than tool state.
type Wimlib struct {
	opts Options

	// mounts lists the mount table; replaced in tests.
	mounts func(filter mountinfo.FilterFunc) ([]*mountinfo.Info, error)
}

// NewWimlib creates a wimlib-imagex backend.
func NewWimlib(opts Options) *Wimlib {
	return &Wimlib{
		opts:   opts.withDefaults("wimlib-imagex"),
		mounts: mountinfo.GetMounts,
	}
}

func (w *Wimlib) Name() string { return "wimlib" }

func (w *Wimlib) run(ctx context.Context, action Action, args ...string) (*Result, error) {
	w.opts.Logger.Debug("wimlib %s: %s %s", action, w.opts.ToolPath, strings.Join(args, " "))

	res, err := w.opts.Runner.Run(ctx, &Command{Path: w.opts.ToolPath, Args: args, Timeout: w.opts.Timeout})
	if res != nil {
		res.Action = action
	}
	return res, err
}

func (w *Wimlib) Mount(ctx context.Context, imagePath, mountDir string) (*Result, error) {
	return w.run(ctx, ActionMount, "mountrw", imagePath, strconv.Itoa(w.opts.ImageIndex), mountDir)
}

func (w *Wimlib) Unmount(ctx context.Context, mountDir string, commit bool) (*Result, error) {
	args := []string{"unmount", mountDir}
	if commit {
		args = append(args, "--commit", "--check")
	}
	return w.run(ctx, ActionUnmount, args...)
}

// Remount has no wimlib-imagex equivalent.
func (w *Wimlib) Remount(ctx context.Context, mountDir string) (*Result, error) {
	return nil, &ErrExecutionFailed{Op: string(ActionRemount), Command: w.opts.ToolPath, Err: ErrUnsupported}
}

// Cleanup has no wimlib-imagex equivalent; stale FUSE mounts disappear with
// the process that served them.
func (w *Wimlib) Cleanup(ctx context.Context) (*Result, error) {
	return nil, &ErrExecutionFailed{Op: string(ActionCleanup), Command: w.opts.ToolPath, Err: ErrUnsupported}
}

func (w *Wimlib) MountedImages(ctx context.Context) ([]MountEntry, error) {
	infos, err := w.mounts(wimfsFilter)
	if err != nil {
		return nil, fmt.Errorf("failed to read mount table: %w", err)
	}

	entries := make([]MountEntry, 0, len(infos))
	for _, info := range infos {
		entries = append(entries, MountEntry{
			MountDir:  info.Mountpoint,
			ImagePath: info.Source,
			Index:     w.opts.ImageIndex,
			ReadWrite: hasOption(info.Options, "rw"),
			Status:    "Ok",
		})
	}
	return entries, nil
}

// IsLocked treats the configured exit codes and a failed unmount that
// reports busy files as the locked signal.
func (w *Wimlib) IsLocked(res *Result) bool {
	if res == nil || res.ExitCode == 0 {
		return false
	}
	if w.opts.lockedCode(res.ExitCode) {
		return true
	}
	if res.Action != ActionUnmount {
		return false
	}
	out := strings.ToLower(res.Output)
	for _, marker := range busyMarkers {
		if strings.Contains(out, marker) {
			return true
		}
	}
	return false
}

// wimfsFilter keeps FUSE mounts served by wimlib: subtype wimfs, or a
// plain fuse mount whose source is a .wim file.
func wimfsFilter(info *mountinfo.Info) (skip, stop bool) {
	if !strings.HasPrefix(info.FSType, "fuse") {
		return true, false
	}
	if info.FSType == "fuse.wimfs" {
		return false, false
	}
	return !strings.EqualFold(filepath.Ext(info.Source), ".wim"), false
}

func hasOption(options, name string) bool {
	for _, opt := range strings.Split(options, ",") {
		if opt == name {
			return true
		}
	}
	return false
}
