// Package pathres resolves the canonical paths of a build directory: the
// single mount point and the WIM images available for mounting.
package pathres

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"
)

// Fixed directory names inside a build directory.
const (
	MountDirName = "mount"
	MediaDirName = "media"
)

// ImageKind ranks discovered images. Lower values are preferred.
type ImageKind int

const (
	KindBoot ImageKind = iota
	KindWinPE
	KindOther
)

func (k ImageKind) String() string {
	switch k {
	case KindBoot:
		return "boot"
	case KindWinPE:
		return "winpe"
	default:
		return "other"
	}
}

func (k ImageKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

var (
	// ErrBuildDirMissing is returned when the build directory does not exist.
	ErrBuildDirMissing = errors.New("build directory does not exist")
	// ErrNotFound is returned when a build tree contains no .wim files.
	ErrNotFound = errors.New("no WIM images found")
	// ErrNoImageFound is returned by PrimaryImage when discovery is empty.
	ErrNoImageFound = errors.New("no primary image found")
)

// ResolveError wraps a resolution failure with the path involved.
type ResolveError struct {
	Op   string // "discover", "primary", "image"
	Path string
	Err  error
}

func (e *ResolveError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *ResolveError) Unwrap() error {
	return e.Err
}

// ImageFile describes one .wim file found in a build tree.
type ImageFile struct {
	Path    string    `json:"path"`
	Name    string    `json:"name"`
	Size    int64     `json:"size"`
	Kind    ImageKind `json:"kind"`
	ModTime time.Time `json:"mod_time"`
}

// MountPoint returns the mount directory for buildDir. It depends only on
// buildDir, so every caller agrees on where an image is mounted.
func MountPoint(buildDir string) string {
	return filepath.Join(buildDir, MountDirName)
}

// MediaDir returns the bootable media tree of buildDir.
func MediaDir(buildDir string) string {
	return filepath.Join(buildDir, MediaDirName)
}

// classify assigns the ranking kind from the file name.
func classify(name string) ImageKind {
	switch strings.ToLower(name) {
	case "boot.wim":
		return KindBoot
	case "winpe.wim":
		return KindWinPE
	default:
		return KindOther
	}
}

func isWim(name string) bool {
	return strings.EqualFold(filepath.Ext(name), ".wim")
}

// DiscoverImages walks buildDir and returns every .wim file, best first:
// boot.wim, then winpe.wim, then anything else, ties broken by path. The
// mount directory and symlinks are not followed. Each call rescans the tree.
func DiscoverImages(buildDir string) ([]ImageFile, error) {
	info, err := os.Stat(buildDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &ResolveError{Op: "discover", Path: buildDir, Err: ErrBuildDirMissing}
		}
		return nil, &ResolveError{Op: "discover", Path: buildDir, Err: err}
	}
	if !info.IsDir() {
		return nil, &ResolveError{Op: "discover", Path: buildDir, Err: fmt.Errorf("not a directory")}
	}

	mountDir := MountPoint(buildDir)
	var images []ImageFile

	walkErr := filepath.WalkDir(buildDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == buildDir {
				return err
			}
			// Unreadable subtrees are skipped rather than failing discovery
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.Type()&fs.ModeSymlink != 0 {
			return nil
		}
		if d.IsDir() {
			if SamePath(path, mountDir) {
				return fs.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || !isWim(d.Name()) {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return nil
		}
		images = append(images, ImageFile{
			Path:    path,
			Name:    d.Name(),
			Size:    fi.Size(),
			Kind:    classify(d.Name()),
			ModTime: fi.ModTime(),
		})
		return nil
	})
	if walkErr != nil {
		return nil, &ResolveError{Op: "discover", Path: buildDir, Err: walkErr}
	}
	if len(images) == 0 {
		return nil, &ResolveError{Op: "discover", Path: buildDir, Err: ErrNotFound}
	}

	Rank(images)
	return images, nil
}

// Rank sorts images by preference in place.
func Rank(images []ImageFile) {
	sort.SliceStable(images, func(i, j int) bool {
		if images[i].Kind != images[j].Kind {
			return images[i].Kind < images[j].Kind
		}
		return images[i].Path < images[j].Path
	})
}

// PrimaryImage returns the best image in buildDir.
func PrimaryImage(buildDir string) (ImageFile, error) {
	images, err := DiscoverImages(buildDir)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ImageFile{}, &ResolveError{Op: "primary", Path: buildDir, Err: ErrNoImageFound}
		}
		return ImageFile{}, err
	}
	return images[0], nil
}

// ImageAt describes an explicitly chosen image file.
func ImageAt(path string) (ImageFile, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return ImageFile{}, &ResolveError{Op: "image", Path: path, Err: err}
	}
	if fi.IsDir() {
		return ImageFile{}, &ResolveError{Op: "image", Path: path, Err: fmt.Errorf("is a directory")}
	}
	return ImageFile{
		Path:    path,
		Name:    fi.Name(),
		Size:    fi.Size(),
		Kind:    classify(fi.Name()),
		ModTime: fi.ModTime(),
	}, nil
}

// Key normalizes a path for use as a map key. Windows paths compare
// case-insensitively.
func Key(path string) string {
	p := filepath.Clean(path)
	if abs, err := filepath.Abs(p); err == nil {
		p = abs
	}
	if runtime.GOOS == "windows" {
		p = strings.ToLower(p)
	}
	return p
}

// SamePath reports whether a and b name the same location.
func SamePath(a, b string) bool {
	return Key(a) == Key(b)
}

// Within reports whether path is root or lies below it.
func Within(path, root string) bool {
	rel, err := filepath.Rel(Key(root), Key(path))
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

// Resolver exposes the package functions behind a value, for callers that
// take the resolver as a dependency.
type Resolver struct{}

func (Resolver) MountPoint(buildDir string) string { return MountPoint(buildDir) }

func (Resolver) PrimaryImage(buildDir string) (ImageFile, error) { return PrimaryImage(buildDir) }

func (Resolver) ImageAt(path string) (ImageFile, error) { return ImageAt(path) }
