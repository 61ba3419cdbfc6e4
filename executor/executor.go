// Package executor performs the mutating mount lifecycle steps through a
// servicing tool. It is the only package besides recovery that changes the
// mount directory or the tool's registry.
//
// Every method returns an op.Result; tool errors and non-zero exit codes are
// classified here (LockedFailure vs ExternalToolError) and never escape as
// Go errors.
package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"wimctl/log"
	"wimctl/op"
	"wimctl/pathres"
	"wimctl/servicing"
	"wimctl/util"
)

// outputTail bounds how much tool output goes into result messages.
const outputTail = 512

// Executor runs mount, unmount, remount and cleanup.
type Executor struct {
	tool   servicing.Tool
	logger log.LibraryLogger
}

// New creates an Executor. logger may be nil.
func New(tool servicing.Tool, logger log.LibraryLogger) *Executor {
	if logger == nil {
		logger = log.NoOpLogger{}
	}
	return &Executor{tool: tool, logger: logger}
}

// Mount attaches image read-write at mountDir, creating the directory if
// needed. On failure a directory created by this call is removed; one that
// already existed is left as found.
func (e *Executor) Mount(ctx context.Context, image pathres.ImageFile, mountDir string) op.Result {
	start := time.Now()

	created := false
	if !util.DirExists(mountDir) {
		if err := os.MkdirAll(mountDir, 0755); err != nil {
			r := op.Failed(op.KindExternalTool, "cannot create mount directory %s: %v", mountDir, err)
			r.Duration = time.Since(start)
			return r
		}
		created = true
	}

	e.logger.Info("mounting %s at %s", image.Path, mountDir)
	res, err := e.tool.Mount(ctx, image.Path, mountDir)
	r := e.classify("mount", res, err, false)
	r.Duration = time.Since(start)

	if !r.Success && created {
		if populated, _ := util.Populated(mountDir); !populated {
			if rmErr := os.Remove(mountDir); rmErr != nil {
				r.Warn("could not remove mount directory %s: %v", mountDir, rmErr)
			}
		} else {
			r.Warn("mount directory %s was left populated by the failed mount", mountDir)
		}
	}
	if r.Success {
		r.Message = fmt.Sprintf("mounted %s at %s", image.Name, mountDir)
	}
	return r
}

// Unmount detaches the image at mountDir, committing or discarding changes.
// A locked exit code yields KindLockedFailure, which the caller hands to
// recovery; any other failure is KindExternalTool. On success an empty
// mount directory is removed.
func (e *Executor) Unmount(ctx context.Context, mountDir string, commit bool) op.Result {
	start := time.Now()

	mode := "discard"
	if commit {
		mode = "commit"
	}
	e.logger.Info("unmounting %s (%s)", mountDir, mode)

	res, err := e.tool.Unmount(ctx, mountDir, commit)
	r := e.classify("unmount", res, err, true)
	r.Duration = time.Since(start)
	if !r.Success {
		return r
	}

	r.Message = fmt.Sprintf("unmounted %s (%s)", mountDir, mode)
	if populated, perr := util.Populated(mountDir); perr == nil && !populated {
		if rmErr := os.Remove(mountDir); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			e.logger.Debug("leaving empty mount directory %s: %v", mountDir, rmErr)
		}
	}
	return r
}

// Remount re-attaches a stale mount so the tool registry is consistent
// again. It is only used during lock recovery.
func (e *Executor) Remount(ctx context.Context, image pathres.ImageFile, mountDir string) op.Result {
	start := time.Now()
	e.logger.Info("remounting %s at %s", image.Path, mountDir)

	res, err := e.tool.Remount(ctx, mountDir)
	r := e.classify("remount", res, err, false)
	r.Duration = time.Since(start)
	if r.Success {
		r.Message = fmt.Sprintf("remounted %s", mountDir)
	}
	return r
}

// Cleanup asks the tool to discard stale registry entries. Callers treat it
// as best-effort.
func (e *Executor) Cleanup(ctx context.Context) op.Result {
	start := time.Now()
	e.logger.Debug("running %s cleanup", e.tool.Name())

	res, err := e.tool.Cleanup(ctx)
	r := e.classify("cleanup", res, err, false)
	r.Duration = time.Since(start)
	if r.Success {
		r.Message = "tool cleanup completed"
	}
	return r
}

// classify turns a tool outcome into a result. lockAware enables the
// LockedFailure classification, which only unmount uses.
func (e *Executor) classify(action string, res *servicing.Result, err error, lockAware bool) op.Result {
	if err != nil {
		e.logger.Error("%s: %v", action, err)
		r := op.Failed(op.KindOf(err), "%s failed: %v", action, err)
		if res != nil {
			r.Output = res.Output
		}
		return r
	}
	if res == nil {
		e.logger.Error("%s: tool returned no result", action)
		return op.Failed(op.KindExternalTool, "%s failed: %s returned no result", action, e.tool.Name())
	}

	if res.OK() {
		r := op.Succeeded("%s completed", action)
		r.ExitCode = res.ExitCode
		r.Output = res.Output
		return r
	}

	kind := op.KindExternalTool
	if lockAware && e.tool.IsLocked(res) {
		kind = op.KindLockedFailure
	}

	msg := fmt.Sprintf("%s failed with exit code %d (0x%08X)", action, res.ExitCode, uint32(res.ExitCode))
	if tail := servicing.Tail(res.Output, outputTail); tail != "" {
		msg += ": " + tail
	}
	if kind == op.KindLockedFailure {
		e.logger.Warn("%s: image is locked (exit code %d)", action, res.ExitCode)
	} else {
		e.logger.Error("%s", msg)
	}

	r := op.Failed(kind, "%s", msg)
	r.ExitCode = res.ExitCode
	r.Output = res.Output
	return r
}
