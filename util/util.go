package util

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// AskYN prompts on out and reads one answer line from in. An empty answer
// (or no input) selects the default.
func AskYN(in io.Reader, out io.Writer, prompt string, defaultYes bool) bool {
	if defaultYes {
		fmt.Fprintf(out, "%s [Y/n]: ", prompt)
	} else {
		fmt.Fprintf(out, "%s [y/N]: ", prompt)
	}

	line, _ := bufio.NewReader(in).ReadString('\n')
	response := strings.ToLower(strings.TrimSpace(line))

	if response == "" {
		return defaultYes
	}

	return response == "y" || response == "yes"
}

// FileExists checks if a file exists
func FileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// DirExists checks if a directory exists
func DirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// Populated reports whether path is a directory with at least one entry.
func Populated(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	defer f.Close()

	names, err := f.Readdirnames(1)
	if len(names) > 0 {
		return true, nil
	}
	if err != nil && !errors.Is(err, io.EOF) {
		return false, err
	}
	return false, nil
}

// TreeSize sums the size of regular files under root, skipping the given
// directories. Unreadable entries are ignored.
func TreeSize(root string, skip ...string) (int64, error) {
	var total int64
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			return nil
		}
		if d.IsDir() {
			for _, s := range skip {
				if filepath.Clean(path) == filepath.Clean(s) {
					return fs.SkipDir
				}
			}
			return nil
		}
		if d.Type().IsRegular() {
			if info, err := d.Info(); err == nil {
				total += info.Size()
			}
		}
		return nil
	})
	return total, err
}

// Writable checks that files can be created in dir.
func Writable(dir string) error {
	f, err := os.CreateTemp(dir, ".wimctl-write-test-*")
	if err != nil {
		return err
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}

// NearestExisting returns path or its closest existing ancestor.
func NearestExisting(path string) string {
	p := filepath.Clean(path)
	for {
		if _, err := os.Stat(p); err == nil {
			return p
		}
		parent := filepath.Dir(p)
		if parent == p {
			return p
		}
		p = parent
	}
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// MakeWritable clears read-only bits on everything under path.
func MakeWritable(path string) {
	filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		mode := info.Mode().Perm()
		want := mode | 0200
		if d.IsDir() {
			want |= 0700
		}
		if want != mode {
			os.Chmod(p, want)
		}
		return nil
	})
}

// ForceRemover removes directory trees that resist a plain delete: first
// os.RemoveAll, then up to Attempts rounds of clearing read-only bits and
// retrying with Delay between rounds.
type ForceRemover struct {
	Attempts int
	Delay    time.Duration
}

// Remove deletes path entirely. A path that does not exist is not an error.
func (r ForceRemover) Remove(ctx context.Context, path string) error {
	err := os.RemoveAll(path)
	if err == nil {
		return nil
	}

	attempts := r.Attempts
	if attempts < 1 {
		attempts = 1
	}
	for i := 0; i < attempts; i++ {
		if i > 0 {
			if serr := Sleep(ctx, r.Delay); serr != nil {
				return fmt.Errorf("remove %s: %w (last error: %v)", path, serr, err)
			}
		}
		MakeWritable(path)
		if err = os.RemoveAll(path); err == nil {
			return nil
		}
	}
	return fmt.Errorf("remove %s: gave up after %d attempts: %w", path, attempts+1, err)
}

// Host answers questions about the machine wimctl runs on.
type Host struct{}

// FreeSpace returns the bytes available to this user on path's volume.
func (Host) FreeSpace(path string) (uint64, error) {
	return freeSpace(NearestExisting(path))
}

// Elevated reports whether the process runs with administrative rights.
func (Host) Elevated() bool {
	return elevated()
}
