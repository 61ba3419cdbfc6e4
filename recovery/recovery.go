// Package recovery releases a locked mount. It runs an ordered list of
// tiers after an unmount fails with the locked signal; the first tier that
// detaches the image ends the sequence.
package recovery

import (
	"context"
	"fmt"
	"strings"
	"time"

	"wimctl/log"
	"wimctl/op"
	"wimctl/pathres"
	"wimctl/procfind"
	"wimctl/util"
)

// Tier names.
const (
	TierDelayRetry       = "delay-retry"
	TierRemountUnmount   = "remount-unmount"
	TierTerminateHolders = "terminate-holders"
	TierForcedRemoval    = "forced-removal"
)

// Target is the mount being recovered.
type Target struct {
	BuildDir string
	MountDir string
	Image    pathres.ImageFile
	Commit   bool

	// OnTier, when set, is called as each tier starts.
	OnTier func(index int, name string)
}

// Outcome is the result of one tier.
type Outcome struct {
	Resolved bool
	Detail   string
	ExitCode int
	Output   string
	Warnings []string
}

// Tier is one remediation step.
type Tier interface {
	Name() string
	Attempt(ctx context.Context, t Target) Outcome
}

// Unmounter is the part of the executor the tiers use.
type Unmounter interface {
	Unmount(ctx context.Context, mountDir string, commit bool) op.Result
	Remount(ctx context.Context, image pathres.ImageFile, mountDir string) op.Result
	Cleanup(ctx context.Context) op.Result
}

// Remover deletes a directory tree that resists a plain delete.
type Remover interface {
	Remove(ctx context.Context, path string) error
}

// Options configure the default tiers.
type Options struct {
	RetryDelay time.Duration

	// Sleep replaces util.Sleep in tests.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Engine runs tiers in order.
type Engine struct {
	tiers  []Tier
	logger log.LibraryLogger
}

// New creates an Engine over tiers.
func New(tiers []Tier, logger log.LibraryLogger) *Engine {
	if logger == nil {
		logger = log.NoOpLogger{}
	}
	return &Engine{tiers: tiers, logger: logger}
}

// DefaultTiers returns the four standard tiers.
func DefaultTiers(exec Unmounter, finder procfind.Finder, remover Remover, opts Options, logger log.LibraryLogger) []Tier {
	if opts.Sleep == nil {
		opts.Sleep = util.Sleep
	}
	if logger == nil {
		logger = log.NoOpLogger{}
	}
	if remover == nil {
		remover = util.ForceRemover{Attempts: 3, Delay: time.Second}
	}
	return []Tier{
		&delayRetry{exec: exec, delay: opts.RetryDelay, sleep: opts.Sleep},
		&remountUnmount{exec: exec},
		&terminateHolders{exec: exec, finder: finder, logger: logger},
		&forcedRemoval{exec: exec, remover: remover, logger: logger},
	}
}

// Tiers returns the engine's tier names in order.
func (e *Engine) Tiers() []string {
	names := make([]string, len(e.tiers))
	for i, t := range e.tiers {
		names[i] = t.Name()
	}
	return names
}

// Recover runs the tiers against target. RecoveryTiersUsed counts the tiers
// entered. Cancellation is checked before each tier; a cancelled sequence
// stops where it is without undoing earlier tiers.
func (e *Engine) Recover(ctx context.Context, target Target) op.Result {
	start := time.Now()
	var failures []string
	used := 0
	var last Outcome

	for i, tier := range e.tiers {
		if err := ctx.Err(); err != nil {
			r := op.Failed(op.KindCancelled, "recovery of %s cancelled before tier %d (%s): %v",
				target.MountDir, i+1, tier.Name(), err)
			r.RecoveryTiersUsed = used
			r.Duration = time.Since(start)
			e.logger.Warn("%s", r.Message)
			return r
		}

		used++
		if target.OnTier != nil {
			target.OnTier(i+1, tier.Name())
		}
		e.logger.Info("recovery tier %d (%s) for %s", i+1, tier.Name(), target.MountDir)

		out := tier.Attempt(ctx, target)
		last = out
		if out.Resolved {
			r := op.Succeeded("unmounted %s after recovery tier %d (%s)", target.MountDir, i+1, tier.Name())
			if out.Detail != "" {
				r.Message += ": " + out.Detail
			}
			r.RecoveryTiersUsed = used
			r.ExitCode = out.ExitCode
			r.Output = out.Output
			r.Warnings = append(r.Warnings, out.Warnings...)
			r.Duration = time.Since(start)
			e.logger.Info("%s", r.Message)
			return r
		}

		failures = append(failures, fmt.Sprintf("%d %s: %s", i+1, tier.Name(), out.Detail))
		e.logger.Warn("recovery tier %d (%s) did not resolve the lock: %s", i+1, tier.Name(), out.Detail)
	}

	r := op.Failed(op.KindRecoveryExhausted,
		"could not unmount %s, all recovery tiers failed [%s]; manual cleanup is required",
		target.MountDir, strings.Join(failures, "; "))
	r.RecoveryTiersUsed = used
	r.ExitCode = last.ExitCode
	r.Output = last.Output
	r.Warnings = last.Warnings
	r.Duration = time.Since(start)
	e.logger.Error("%s", r.Message)
	return r
}

// unmountOutcome re-issues the unmount and converts the result.
func unmountOutcome(ctx context.Context, exec Unmounter, t Target, prefix string) Outcome {
	r := exec.Unmount(ctx, t.MountDir, t.Commit)
	out := Outcome{Resolved: r.Success, ExitCode: r.ExitCode, Output: r.Output}
	if r.Success {
		out.Detail = prefix
	} else {
		out.Detail = strings.TrimPrefix(prefix+", unmount: "+r.String(), ", ")
	}
	return out
}

type delayRetry struct {
	exec  Unmounter
	delay time.Duration
	sleep func(ctx context.Context, d time.Duration) error
}

func (t *delayRetry) Name() string { return TierDelayRetry }

func (t *delayRetry) Attempt(ctx context.Context, target Target) Outcome {
	if err := t.sleep(ctx, t.delay); err != nil {
		return Outcome{Detail: fmt.Sprintf("wait interrupted: %v", err), ExitCode: op.NoExitCode}
	}
	return unmountOutcome(ctx, t.exec, target, "")
}

type remountUnmount struct {
	exec Unmounter
}

func (t *remountUnmount) Name() string { return TierRemountUnmount }

// Attempt remounts, then unmounts even when the remount failed.
func (t *remountUnmount) Attempt(ctx context.Context, target Target) Outcome {
	note := ""
	if r := t.exec.Remount(ctx, target.Image, target.MountDir); !r.Success {
		note = "remount: " + r.String()
	}
	out := unmountOutcome(ctx, t.exec, target, note)
	if out.Resolved && note != "" {
		out.Warnings = append(out.Warnings, note)
	}
	return out
}

type terminateHolders struct {
	exec   Unmounter
	finder procfind.Finder
	logger log.LibraryLogger
}

func (t *terminateHolders) Name() string { return TierTerminateHolders }

func (t *terminateHolders) Attempt(ctx context.Context, target Target) Outcome {
	var notes []string

	holders, err := t.finder.ProcessesHolding(ctx, target.MountDir)
	if err != nil {
		notes = append(notes, fmt.Sprintf("process enumeration failed: %v", err))
	}

	var terminated []string
	for _, p := range holders {
		if err := t.finder.Terminate(ctx, p); err != nil {
			notes = append(notes, fmt.Sprintf("terminate %s: %v", p, err))
			continue
		}
		t.logger.Info("terminated %s holding %s", p, target.MountDir)
		terminated = append(terminated, p.String())
	}
	if len(terminated) > 0 {
		notes = append(notes, "terminated "+strings.Join(terminated, ", "))
	} else if err == nil {
		notes = append(notes, "no holding processes found")
	}

	return unmountOutcome(ctx, t.exec, target, strings.Join(notes, "; "))
}

type forcedRemoval struct {
	exec    Unmounter
	remover Remover
	logger  log.LibraryLogger
}

func (t *forcedRemoval) Name() string { return TierForcedRemoval }

// Attempt deletes the mount directory contents. The image is not detached
// through the tool, so success carries a warning about the registry.
func (t *forcedRemoval) Attempt(ctx context.Context, target Target) Outcome {
	if err := t.remover.Remove(ctx, target.MountDir); err != nil {
		return Outcome{Detail: fmt.Sprintf("forced removal failed: %v", err), ExitCode: op.NoExitCode}
	}

	out := Outcome{
		Resolved: true,
		Detail:   "mount directory removed without a tool unmount",
		ExitCode: op.NoExitCode,
		Warnings: []string{"the servicing tool registry may still reference " + target.MountDir +
			"; changes to the image were not committed"},
	}
	if r := t.exec.Cleanup(ctx); !r.Success {
		t.logger.Warn("tool cleanup after forced removal failed: %s", r)
		out.Warnings = append(out.Warnings, "tool cleanup failed: "+r.Message)
	}
	return out
}
