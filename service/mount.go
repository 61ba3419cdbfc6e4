package service

import (
	"context"
	"path/filepath"
	"time"

	"wimctl/op"
	"wimctl/pathres"
	"wimctl/recovery"
	"wimctl/status"
)

// Mount mounts an image read-write at the build directory's mount point.
// The image is req.Image when set, otherwise the highest ranked WIM in the
// build tree.
func (s *Service) Mount(ctx context.Context, req MountRequest) op.Result {
	buildDir, fail := resolveBuildDir(req.BuildDir)
	r := s.begin("mount", buildDir)
	if fail != nil {
		return r.finish(*fail)
	}

	r.step("resolve", "selecting image")
	image, err := s.resolveImage(buildDir, req.Image)
	if err != nil {
		return r.finish(op.Failed(op.KindPathResolution, "%v", err))
	}
	mountDir := s.resolver.MountPoint(buildDir)
	r.record.MountDir = mountDir
	r.record.Image = image.Path

	release, refused := r.acquire(ctx, mountDir)
	if refused != nil {
		return r.finish(*refused)
	}
	defer release()

	probe, err := s.tracker.CurrentState(ctx, buildDir)
	if err != nil {
		return r.finish(op.Failed(op.KindCancelled, "mount cancelled: %v", err))
	}
	r.step("state", "%s", probe.State)
	switch probe.State {
	case status.Mounted:
		img := probe.RegistryImage
		if img == "" {
			img = "an image"
		}
		return r.finish(op.Failed(op.KindMountConflict, "%s already has %s mounted; unmount it first", mountDir, img))
	case status.Locked, status.Indeterminate:
		return r.finish(op.Failed(op.KindIndeterminateState, "%s is %s (%s); run cleanup first", mountDir, probe.State, probe.Reason))
	}

	r.step("preconditions", "checking %s", image.Path)
	report := s.checker.Mount(ctx, buildDir, image)
	if !report.Passed() {
		return r.finish(report.AsResult("mount"))
	}

	r.step("mount", "mounting %s", image.Name)
	res := s.exec.Mount(ctx, image, mountDir)
	if !res.Success {
		return r.finish(res)
	}

	if after, err := s.tracker.CurrentState(ctx, buildDir); err == nil && after.State != status.Mounted {
		res.Warn("tool reported success but the mount state is %s (%s)", after.State, after.Reason)
	}
	if s.history != nil {
		if err := s.history.MarkMounted(mountDir, image.Path, r.id, time.Now()); err != nil {
			r.logger.Warn("could not record mount time: %v", err)
		}
	}
	return r.finish(res)
}

func (s *Service) resolveImage(buildDir, explicit string) (pathres.ImageFile, error) {
	if explicit == "" {
		return s.resolver.PrimaryImage(buildDir)
	}
	if !filepath.IsAbs(explicit) {
		abs, err := filepath.Abs(explicit)
		if err != nil {
			return pathres.ImageFile{}, err
		}
		explicit = abs
	}
	return s.resolver.ImageAt(explicit)
}

// Unmount detaches the build directory's mount, committing or discarding
// changes. A directory that is not mounted is a successful no-op and the
// tool is not invoked. A locked unmount enters recovery.
func (s *Service) Unmount(ctx context.Context, req UnmountRequest) op.Result {
	buildDir, fail := resolveBuildDir(req.BuildDir)
	r := s.begin("unmount", buildDir)
	if fail != nil {
		return r.finish(*fail)
	}
	mountDir := s.resolver.MountPoint(buildDir)
	r.record.MountDir = mountDir
	r.record.Commit = req.Commit

	release, refused := r.acquire(ctx, mountDir)
	if refused != nil {
		return r.finish(*refused)
	}
	defer release()

	return r.finish(s.unmount(ctx, r, buildDir, req.Commit, true))
}

// unmount runs the unmount sequence with the guard already held. gated
// applies the unmount precondition report; cleanup skips it.
func (s *Service) unmount(ctx context.Context, r *run, buildDir string, commit, gated bool) op.Result {
	mountDir := s.resolver.MountPoint(buildDir)

	probe, err := s.tracker.CurrentState(ctx, buildDir)
	if err != nil {
		return op.Failed(op.KindCancelled, "unmount cancelled: %v", err)
	}
	r.step("state", "%s", probe.State)

	if gated {
		report := s.checker.Unmount(ctx, probe)
		if report.NoOp {
			return op.Succeeded("%s is not mounted; nothing to do", mountDir)
		}
		if !report.Passed() {
			res := report.AsResult("unmount")
			res.Message += "; resolve the failed checks and retry, or run cleanup to unmount with recovery"
			return res
		}
	} else if probe.State == status.Unmounted {
		return op.Succeeded("%s is not mounted; nothing to do", mountDir)
	}

	image := pathres.ImageFile{Path: probe.RegistryImage, Name: filepath.Base(probe.RegistryImage)}
	if r.record.Image == "" {
		r.record.Image = probe.RegistryImage
	}

	r.step("unmount", "unmounting %s", mountDir)
	res := s.exec.Unmount(ctx, mountDir, commit)
	if res.Kind == op.KindLockedFailure || (!gated && !res.Success && res.Kind != op.KindCancelled) {
		r.step("recovery", "%s", res.Message)
		rec := s.recovery.Recover(ctx, recovery.Target{
			BuildDir: buildDir,
			MountDir: mountDir,
			Image:    image,
			Commit:   commit,
			OnTier: func(i int, name string) {
				r.step("recovery", "tier %d: %s", i, name)
			},
		})
		if !rec.Success && rec.Kind == op.KindRecoveryExhausted {
			rec.Message = res.Message + "; " + rec.Message
		}
		res = rec
	}
	if !res.Success {
		return res
	}

	if after, err := s.tracker.CurrentState(ctx, buildDir); err == nil && after.State != status.Unmounted {
		res.Warn("mount state after unmount is %s (%s); run cleanup", after.State, after.Reason)
	}
	if s.history != nil {
		if err := s.history.ClearMounted(mountDir); err != nil {
			r.logger.Warn("could not clear mount record: %v", err)
		}
	}
	return res
}

// EnsureUnmounted guarantees the build directory is not mounted before
// packaging. A mounted image is unmounted with its changes discarded; a
// recovery failure is returned unchanged so packaging aborts.
func (s *Service) EnsureUnmounted(ctx context.Context, buildDir string) op.Result {
	dir, fail := resolveBuildDir(buildDir)
	r := s.begin("ensure-unmounted", dir)
	if fail != nil {
		return r.finish(*fail)
	}
	mountDir := s.resolver.MountPoint(dir)
	r.record.MountDir = mountDir

	release, refused := r.acquire(ctx, mountDir)
	if refused != nil {
		return r.finish(*refused)
	}
	defer release()

	return r.finish(s.ensureUnmounted(ctx, r, dir))
}

func (s *Service) ensureUnmounted(ctx context.Context, r *run, buildDir string) op.Result {
	probe, err := s.tracker.CurrentState(ctx, buildDir)
	if err != nil {
		return op.Failed(op.KindCancelled, "cancelled: %v", err)
	}
	switch probe.State {
	case status.Unmounted:
		return op.Succeeded("%s is not mounted; ready for packaging", buildDir)
	case status.Indeterminate:
		return op.Failed(op.KindIndeterminateState, "%s is in an inconsistent state (%s); run cleanup before packaging",
			probe.MountDir, probe.Reason)
	}

	r.step("auto-unmount", "%s is %s, discarding changes", probe.MountDir, probe.State)
	res := s.unmount(ctx, r, buildDir, false, true)
	if !res.Success {
		return res
	}
	res.Message = "auto-unmounted (changes discarded): " + res.Message + "; ready for packaging"
	return res
}
