package service

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"wimctl/op"
	"wimctl/pathres"
	"wimctl/status"
	"wimctl/util"
)

// workspaceDepth bounds how far below the root CleanupWorkspace looks for
// build directories.
const workspaceDepth = 3

// SmartCleanup brings a build directory back to Unmounted whatever state it
// is in: any mount is detached with changes discarded (recovery runs on any
// tool failure, not only a lock), a leftover mount directory is removed,
// stale tool registrations are cleaned and structure problems are reported
// as warnings.
func (s *Service) SmartCleanup(ctx context.Context, buildDir string) CleanupResult {
	dir, fail := resolveBuildDir(buildDir)
	r := s.begin("cleanup", dir)
	if fail != nil {
		return CleanupResult{Result: r.finish(*fail)}
	}
	mountDir := s.resolver.MountPoint(dir)
	r.record.MountDir = mountDir

	release, refused := r.acquire(ctx, mountDir)
	if refused != nil {
		return CleanupResult{Result: r.finish(*refused)}
	}
	defer release()

	var cr CleanupResult
	before, err := s.tracker.CurrentState(ctx, dir)
	if err != nil {
		cr.Result = r.finish(op.Failed(op.KindCancelled, "cleanup cancelled: %v", err))
		return cr
	}
	cr.Before = before.State

	var res op.Result
	if before.State != status.Unmounted {
		cr.Actions = append(cr.Actions, "unmount (discard)")
		res = s.unmount(ctx, r, dir, false, false)
		if res.RecoveryTiersUsed > 0 {
			cr.Actions = append(cr.Actions, "recovery")
		}
		if !res.Success {
			cr.After = before.State
			if after, err := s.tracker.CurrentState(ctx, dir); err == nil {
				cr.After = after.State
			}
			cr.Result = r.finish(res)
			return cr
		}
	} else {
		res = op.Succeeded("%s was not mounted", mountDir)
	}

	if util.DirExists(mountDir) {
		if populated, _ := util.Populated(mountDir); populated {
			res.Warn("mount directory %s is still populated", mountDir)
		} else if err := os.Remove(mountDir); err == nil {
			cr.Actions = append(cr.Actions, "removed empty mount directory")
		} else {
			res.Warn("could not remove %s: %v", mountDir, err)
		}
	}

	r.step("tool-cleanup", "clearing stale registrations")
	if c := s.exec.Cleanup(ctx); c.Success {
		cr.Actions = append(cr.Actions, "tool cleanup")
	} else {
		res.Warn("tool cleanup failed: %s", c.Message)
	}

	v := status.ValidateStructure(dir, s.cfg.MediaRequired)
	res.Warnings = append(res.Warnings, v.Errors...)
	res.Warnings = append(res.Warnings, v.Warnings...)

	after, err := s.tracker.CurrentState(ctx, dir)
	switch {
	case err != nil:
		res = op.Failed(op.KindCancelled, "cleanup cancelled: %v", err)
	case after.State != status.Unmounted:
		warnings := res.Warnings
		res = op.Failed(op.KindIndeterminateState, "%s is still %s after cleanup (%s)", mountDir, after.State, after.Reason)
		res.Warnings = warnings
	default:
		res.Message = "cleaned " + dir
		if cr.Before != status.Unmounted {
			res.Message += " (was " + cr.Before.String() + ")"
		}
	}
	cr.After = after.State
	cr.Result = r.finish(res)
	return cr
}

// CleanupWorkspace finds build directories under root that have a mount
// directory and runs SmartCleanup on each, at most Cleanup_workers at a
// time. One directory failing does not stop the others.
func (s *Service) CleanupWorkspace(ctx context.Context, root string) WorkspaceCleanupResult {
	start := time.Now()
	result := WorkspaceCleanupResult{Root: root}

	dirs, err := FindBuildDirs(root, workspaceDepth)
	if err != nil {
		s.logger.Error("scan %s: %v", root, err)
		result.Results = []CleanupResult{{Result: op.Failed(op.KindPathResolution, "cannot scan %s: %v", root, err)}}
		result.Failed = 1
		result.Duration = time.Since(start)
		return result
	}
	result.Found = dirs
	if len(dirs) == 0 {
		s.logger.Info("no build directories with a mount directory under %s", root)
	}

	results := make([]CleanupResult, len(dirs))
	var g errgroup.Group
	workers := s.cfg.CleanupWorkers
	if workers < 1 {
		workers = 1
	}
	g.SetLimit(workers)
	for i, dir := range dirs {
		i, dir := i, dir
		g.Go(func() error {
			results[i] = s.SmartCleanup(ctx, dir)
			return nil
		})
	}
	g.Wait()

	for _, cr := range results {
		if cr.Success {
			result.Cleaned++
		} else {
			result.Failed++
		}
	}
	result.Results = results
	result.Duration = time.Since(start)
	return result
}

// FindBuildDirs returns directories at most depth levels below root
// (root included) that contain a mount directory, sorted. Mount and media
// trees are not descended into.
func FindBuildDirs(root string, depth int) ([]string, error) {
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	var found []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			if errors.Is(err, fs.ErrPermission) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		name := d.Name()
		if path != root && (name == pathres.MountDirName || name == pathres.MediaDirName) {
			return filepath.SkipDir
		}
		if util.DirExists(pathres.MountPoint(path)) {
			found = append(found, path)
		}
		if rel, _ := filepath.Rel(root, path); rel != "." && levels(rel) >= depth {
			return filepath.SkipDir
		}
		return nil
	})
	sort.Strings(found)
	return found, err
}

func levels(rel string) int {
	n := 1
	for _, c := range rel {
		if c == filepath.Separator {
			n++
		}
	}
	return n
}
