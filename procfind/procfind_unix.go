//go:build linux || freebsd || dragonfly || netbsd

package procfind

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"wimctl/pathres"
)

// procFinder enumerates /proc.
//
// Linux: /proc/[pid]/{cwd,exe,root} and every /proc/[pid]/fd link.
// BSD: /proc/[pid]/cwd and the /proc/[pid]/file listing.
type procFinder struct {
	opts Options
	root string
}

// New returns the finder for this platform.
func New(opts Options) Finder {
	return &procFinder{opts: opts.withDefaults(), root: "/proc"}
}

func (f *procFinder) ProcessesHolding(ctx context.Context, path string) ([]Process, error) {
	entries, err := os.ReadDir(f.root)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", f.root, err)
	}

	self := os.Getpid()
	var found []Process
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return found, err
		}
		pid, err := strconv.Atoi(entry.Name())
		if err != nil || pid == self {
			continue
		}
		if ref, ok := f.references(pid, path); ok {
			found = append(found, Process{PID: pid, Name: f.name(pid), Reference: ref})
		}
	}
	return found, nil
}

// references returns the first path of pid that lies under root.
func (f *procFinder) references(pid int, root string) (string, bool) {
	base := filepath.Join(f.root, strconv.Itoa(pid))

	for _, link := range []string{"cwd", "exe", "root"} {
		if target, ok := readlink(filepath.Join(base, link)); ok && pathres.Within(target, root) {
			return target, true
		}
	}

	// Linux: one symlink per open descriptor
	if fds, err := os.ReadDir(filepath.Join(base, "fd")); err == nil {
		for _, fd := range fds {
			if target, ok := readlink(filepath.Join(base, "fd", fd.Name())); ok && pathres.Within(target, root) {
				return target, true
			}
		}
		return "", false
	}

	// DragonFly: open files listed one per line
	fh, err := os.Open(filepath.Join(base, "file"))
	if err != nil {
		return "", false
	}
	defer fh.Close()

	scanner := bufio.NewScanner(fh)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if strings.HasPrefix(line, "/") && pathres.Within(line, root) {
			return line, true
		}
	}
	return "", false
}

func readlink(path string) (string, bool) {
	target, err := os.Readlink(path)
	if err != nil || !strings.HasPrefix(target, "/") {
		return "", false
	}
	return strings.TrimSuffix(target, " (deleted)"), true
}

func (f *procFinder) name(pid int) string {
	base := filepath.Join(f.root, strconv.Itoa(pid))
	if comm, err := os.ReadFile(filepath.Join(base, "comm")); err == nil {
		return strings.TrimSpace(string(comm))
	}
	// BSD procfs: first field of status is the command name
	if status, err := os.ReadFile(filepath.Join(base, "status")); err == nil {
		if fields := strings.Fields(string(status)); len(fields) > 0 {
			return fields[0]
		}
	}
	if exe, ok := readlink(filepath.Join(base, "exe")); ok {
		return filepath.Base(exe)
	}
	return ""
}

// Terminate sends SIGTERM, waits up to the grace period, then SIGKILL.
// ESRCH is expected if the process already exited.
func (f *procFinder) Terminate(ctx context.Context, p Process) error {
	if p.PID <= 0 || p.PID == os.Getpid() {
		return fmt.Errorf("refusing to signal pid %d", p.PID)
	}

	if err := unix.Kill(p.PID, unix.SIGTERM); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return nil
		}
		return fmt.Errorf("SIGTERM %s: %w", p, err)
	}
	f.opts.Logger.Debug("sent SIGTERM to %s", p)

	deadline := time.Now().Add(f.opts.Grace)
	for time.Now().Before(deadline) {
		if !f.alive(p.PID) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}

	f.opts.Logger.Warn("%s ignored SIGTERM, sending SIGKILL", p)
	if err := unix.Kill(p.PID, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("SIGKILL %s: %w", p, err)
	}
	return nil
}

// alive reports whether pid still exists and is not a zombie.
func (f *procFinder) alive(pid int) bool {
	if err := unix.Kill(pid, 0); errors.Is(err, unix.ESRCH) {
		return false
	}
	stat, err := os.ReadFile(filepath.Join(f.root, strconv.Itoa(pid), "stat"))
	if err != nil {
		return true
	}
	// Format: pid (comm) state ...
	s := string(stat)
	if i := strings.LastIndexByte(s, ')'); i >= 0 && i+2 < len(s) {
		return s[i+2] != 'Z'
	}
	return true
}
