package service

import (
	"context"
	"path/filepath"

	"wimctl/op"
	"wimctl/pathres"
)

// CreateISO packages the media tree. The build directory is unmounted first
// (changes discarded) and the guard is held throughout, so nothing can be
// mounted while the tree is being read.
func (s *Service) CreateISO(ctx context.Context, req ISORequest) op.Result {
	buildDir, fail := resolveBuildDir(req.BuildDir)
	r := s.begin("iso", buildDir)
	if fail != nil {
		return r.finish(*fail)
	}
	mountDir := s.resolver.MountPoint(buildDir)
	r.record.MountDir = mountDir

	dest := req.Destination
	if dest == "" {
		dest = filepath.Join(buildDir, filepath.Base(buildDir)+".iso")
	}
	if abs, err := filepath.Abs(dest); err == nil {
		dest = abs
	}
	r.record.Image = dest

	release, refused := r.acquire(ctx, mountDir)
	if refused != nil {
		return r.finish(*refused)
	}
	defer release()

	ready := s.ensureUnmounted(ctx, r, buildDir)
	if !ready.Success {
		return r.finish(ready)
	}

	probe, err := s.tracker.CurrentState(ctx, buildDir)
	if err != nil {
		return r.finish(op.Failed(op.KindCancelled, "iso cancelled: %v", err))
	}
	r.step("preconditions", "checking media and %s", dest)
	report := s.checker.ISO(ctx, buildDir, dest, probe)
	if !report.Passed() {
		res := report.AsResult("iso")
		res.Warnings = append(res.Warnings, ready.Warnings...)
		return r.finish(res)
	}

	r.step("package", "writing %s", dest)
	if err := s.packager.Package(ctx, pathres.MediaDir(buildDir), dest, req.VolumeLabel); err != nil {
		res := op.FromError(err)
		res.Message = "iso packaging failed: " + res.Message
		return r.finish(res)
	}

	res := op.Succeeded("wrote %s", dest)
	res.RecoveryTiersUsed = ready.RecoveryTiersUsed
	res.Warnings = ready.Warnings
	return r.finish(res)
}
