package status

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/go-units"

	"wimctl/op"
	"wimctl/pathres"
	"wimctl/servicing"
	"wimctl/util"
)

// staleMountAge is when a long-lived mount is worth a recommendation.
const staleMountAge = 24 * time.Hour

// Diagnostics is a read-only snapshot of everything known about a build
// directory.
type Diagnostics struct {
	Timestamp           time.Time              `json:"timestamp"`
	BuildDir            string                 `json:"build_dir"`
	MountDir            string                 `json:"mount_dir"`
	Probe               Probe                  `json:"probe"`
	UnmountChecks       *op.CheckReport        `json:"unmount_checks,omitempty"`
	PrimaryImage        *pathres.ImageFile     `json:"primary_image,omitempty"`
	ImageSize           string                 `json:"image_size,omitempty"`
	Images              []pathres.ImageFile    `json:"images,omitempty"`
	MountedSince        *time.Time             `json:"mounted_since,omitempty"`
	MountAge            time.Duration          `json:"mount_age,omitempty"`
	Registry            []servicing.MountEntry `json:"registry"`
	Validation          Validation             `json:"validation"`
	AvailableOperations []string               `json:"available_operations"`
	System              *System                `json:"system,omitempty"`
	Recommendations     []string               `json:"recommendations,omitempty"`
	Errors              []string               `json:"errors,omitempty"`
}

// System describes the host and the configured servicing backend.
type System struct {
	OS             string `json:"os"`
	Arch           string `json:"arch"`
	Elevated       bool   `json:"elevated"`
	FreeSpace      uint64 `json:"free_space"`
	FreeSpaceHuman string `json:"free_space_human,omitempty"`
	Backend        string `json:"backend"`
	ToolPath       string `json:"tool_path,omitempty"`
}

// Diagnostics gathers state, images, mount age, registry entries and
// structure validation for buildDir. checker may be nil. Failures of
// individual probes are recorded in Errors; the call itself never fails.
func (t *Tracker) Diagnostics(ctx context.Context, buildDir string, checker UnmountChecker, required []string) Diagnostics {
	d := Diagnostics{
		Timestamp: time.Now(),
		BuildDir:  buildDir,
		MountDir:  pathres.MountPoint(buildDir),
	}

	probe, err := t.CurrentState(ctx, buildDir)
	if err != nil {
		d.Errors = append(d.Errors, fmt.Sprintf("state: %v", err))
		return d
	}
	d.Probe = probe
	d.Registry = probe.Entries
	if probe.RegistryErr != nil {
		d.Errors = append(d.Errors, fmt.Sprintf("registry: %v", probe.RegistryErr))
	}

	if images, err := pathres.DiscoverImages(buildDir); err == nil {
		d.Images = images
		primary := images[0]
		d.PrimaryImage = &primary
		d.ImageSize = units.HumanSize(float64(primary.Size))
	} else {
		d.Errors = append(d.Errors, fmt.Sprintf("images: %v", err))
	}

	if probe.State == Mounted || probe.State == Locked {
		if since, ok := t.mountedSince(probe.MountDir); ok {
			d.MountedSince = &since
			d.MountAge = time.Since(since).Truncate(time.Second)
		}
	}

	if checker != nil && probe.State != Unmounted {
		report := checker.Unmount(ctx, probe)
		d.UnmountChecks = &report
	}

	d.Validation = ValidateStructure(buildDir, required)
	d.AvailableOperations = availableOperations(probe.State, d.Validation)
	d.Recommendations = recommendations(d)
	return d
}

func (t *Tracker) mountedSince(mountDir string) (time.Time, bool) {
	if t.clock != nil {
		if ts, ok := t.clock.LastMount(mountDir); ok {
			return ts, true
		}
	}
	info, err := os.Stat(mountDir)
	if err != nil {
		return time.Time{}, false
	}
	return info.ModTime(), true
}

func availableOperations(state State, v Validation) []string {
	switch state {
	case Unmounted:
		ops := []string{"mount"}
		if v.MediaComplete {
			ops = append(ops, "iso")
		}
		return append(ops, "cleanup")
	case Mounted:
		return []string{"unmount --commit", "unmount", "cleanup"}
	case Locked:
		return []string{"unmount", "cleanup"}
	default:
		return []string{"cleanup"}
	}
}

func recommendations(d Diagnostics) []string {
	var recs []string
	p := d.Probe

	switch p.State {
	case Unmounted:
		if d.PrimaryImage == nil {
			recs = append(recs, "No WIM image found in the build directory; run the build step that creates media/sources/boot.wim")
		}
	case Mounted:
		if d.MountAge > staleMountAge {
			recs = append(recs, fmt.Sprintf("Image has been mounted for %s; commit or discard the changes", d.MountAge))
		}
	case Locked:
		recs = append(recs, fmt.Sprintf("Mount is stale (%s); unmount will remount and retry, or run cleanup", p.Reason))
	case Indeterminate:
		recs = append(recs, fmt.Sprintf("Mount state is inconsistent (%s); run cleanup to reconcile", p.Reason))
	}

	if d.UnmountChecks != nil {
		if c, ok := d.UnmountChecks.Lookup("no-open-handles"); ok && !c.Passed {
			recs = append(recs, "Close programs using files under the mount directory: "+c.Detail)
		}
	}
	if len(d.Validation.Missing) > 0 {
		recs = append(recs, "Media tree is incomplete, missing: "+strings.Join(d.Validation.Missing, ", "))
	}
	return recs
}

// Validation reports on the build directory layout.
type Validation struct {
	Valid         bool     `json:"valid"`
	Errors        []string `json:"errors,omitempty"`
	Warnings      []string `json:"warnings,omitempty"`
	HasMedia      bool     `json:"has_media"`
	HasSources    bool     `json:"has_sources"`
	HasBootWim    bool     `json:"has_boot_wim"`
	HasMountDir   bool     `json:"has_mount_dir"`
	MediaComplete bool     `json:"media_complete"`
	Missing       []string `json:"missing,omitempty"`
}

// ValidateStructure checks the build directory layout: media/,
// media/sources/boot.wim, the required media files (relative to media/,
// slash separated) and a leftover populated mount directory.
func ValidateStructure(buildDir string, required []string) Validation {
	var v Validation

	if !util.DirExists(buildDir) {
		v.Errors = append(v.Errors, "build directory does not exist: "+buildDir)
		return v
	}

	media := pathres.MediaDir(buildDir)
	v.HasMedia = util.DirExists(media)
	v.HasSources = util.DirExists(filepath.Join(media, "sources"))
	v.HasBootWim = util.FileExists(filepath.Join(media, "sources", "boot.wim"))
	v.HasMountDir = util.DirExists(pathres.MountPoint(buildDir))

	switch {
	case !v.HasMedia:
		v.Errors = append(v.Errors, "media directory missing: "+media)
	case !v.HasSources:
		v.Errors = append(v.Errors, "media/sources directory missing")
	case !v.HasBootWim:
		v.Errors = append(v.Errors, "media/sources/boot.wim missing")
	}

	if v.HasMedia {
		for _, rel := range required {
			if !util.FileExists(filepath.Join(media, filepath.FromSlash(rel))) {
				v.Missing = append(v.Missing, rel)
			}
		}
		for _, rel := range v.Missing {
			v.Warnings = append(v.Warnings, "required media file missing: "+rel)
		}
		v.MediaComplete = len(v.Missing) == 0
	}

	if v.HasMountDir {
		if populated, _ := util.Populated(pathres.MountPoint(buildDir)); populated {
			v.Warnings = append(v.Warnings, "mount directory is not empty; an image may still be mounted")
		}
	}

	v.Valid = len(v.Errors) == 0
	return v
}
