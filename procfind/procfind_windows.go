//go:build windows

package procfind

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"unsafe"

	"golang.org/x/sys/windows"

	"wimctl/pathres"
)

// snapshotFinder walks a Toolhelp process snapshot. Open handles of other
// processes cannot be listed without a driver, so a process is reported
// when its executable lives under the path or its name is in the family.
type snapshotFinder struct {
	opts Options
}

// New returns the finder for this platform.
func New(opts Options) Finder {
	return &snapshotFinder{opts: opts.withDefaults()}
}

func (f *snapshotFinder) ProcessesHolding(ctx context.Context, path string) ([]Process, error) {
	snap, err := windows.CreateToolhelp32Snapshot(windows.TH32CS_SNAPPROCESS, 0)
	if err != nil {
		return nil, fmt.Errorf("process snapshot: %w", err)
	}
	defer windows.CloseHandle(snap)

	var entry windows.ProcessEntry32
	entry.Size = uint32(unsafe.Sizeof(entry))
	if err := windows.Process32First(snap, &entry); err != nil {
		return nil, fmt.Errorf("process snapshot: %w", err)
	}

	self := uint32(os.Getpid())
	var found []Process
	for {
		if err := ctx.Err(); err != nil {
			return found, err
		}
		if entry.ProcessID != 0 && entry.ProcessID != self {
			name := windows.UTF16ToString(entry.ExeFile[:])
			image := imagePath(entry.ProcessID)
			switch {
			case image != "" && pathres.Within(image, path):
				found = append(found, Process{PID: int(entry.ProcessID), Name: name, Reference: image})
			case f.opts.inFamily(name):
				found = append(found, Process{PID: int(entry.ProcessID), Name: name, Reference: image})
			}
		}

		if err := windows.Process32Next(snap, &entry); err != nil {
			if errors.Is(err, windows.ERROR_NO_MORE_FILES) {
				break
			}
			return found, fmt.Errorf("process snapshot: %w", err)
		}
	}
	return found, nil
}

func imagePath(pid uint32) string {
	h, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, pid)
	if err != nil {
		return ""
	}
	defer windows.CloseHandle(h)

	buf := make([]uint16, windows.MAX_LONG_PATH)
	size := uint32(len(buf))
	if err := windows.QueryFullProcessImageName(h, 0, &buf[0], &size); err != nil {
		return ""
	}
	return filepath.Clean(windows.UTF16ToString(buf[:size]))
}

// Terminate calls TerminateProcess and waits up to the grace period for the
// process to exit. Windows has no polite termination signal for console
// tools, so the wait only confirms the exit.
func (f *snapshotFinder) Terminate(ctx context.Context, p Process) error {
	if p.PID <= 0 || p.PID == os.Getpid() {
		return fmt.Errorf("refusing to terminate pid %d", p.PID)
	}

	h, err := windows.OpenProcess(windows.PROCESS_TERMINATE|windows.SYNCHRONIZE, false, uint32(p.PID))
	if err != nil {
		if errors.Is(err, windows.ERROR_INVALID_PARAMETER) {
			// No such process
			return nil
		}
		return fmt.Errorf("open %s: %w", p, err)
	}
	defer windows.CloseHandle(h)

	if err := windows.TerminateProcess(h, 1); err != nil {
		return fmt.Errorf("terminate %s: %w", p, err)
	}
	f.opts.Logger.Debug("terminated %s", p)

	event, err := windows.WaitForSingleObject(h, uint32(f.opts.Grace.Milliseconds()))
	if err != nil {
		return fmt.Errorf("wait for %s: %w", p, err)
	}
	if event == uint32(windows.WAIT_TIMEOUT) {
		return fmt.Errorf("%s did not exit within %s", p, f.opts.Grace)
	}
	return nil
}
