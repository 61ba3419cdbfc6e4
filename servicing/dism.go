package servicing

import (
	"bufio"
	"context"
	"fmt"
	"strconv"
	"strings"
)

func init() {
	Register("dism", func(opts Options) Tool {
		return NewDism(opts)
	})
}

// Dism drives dism.exe. Output is requested in English so the mounted image
// listing can be parsed on localized systems.
type Dism struct {
	opts Options
}

// NewDism creates a DISM backend.
func NewDism(opts Options) *Dism {
	return &Dism{opts: opts.withDefaults("dism.exe")}
}

func (d *Dism) Name() string { return "dism" }

func (d *Dism) run(ctx context.Context, action Action, args ...string) (*Result, error) {
	args = append([]string{"/English"}, args...)
	d.opts.Logger.Debug("dism %s: %s %s", action, d.opts.ToolPath, strings.Join(args, " "))

	res, err := d.opts.Runner.Run(ctx, &Command{Path: d.opts.ToolPath, Args: args, Timeout: d.opts.Timeout})
	if res != nil {
		res.Action = action
	}
	return res, err
}

func (d *Dism) Mount(ctx context.Context, imagePath, mountDir string) (*Result, error) {
	return d.run(ctx, ActionMount,
		"/Mount-Wim",
		"/WimFile:"+imagePath,
		"/Index:"+strconv.Itoa(d.opts.ImageIndex),
		"/MountDir:"+mountDir)
}

func (d *Dism) Unmount(ctx context.Context, mountDir string, commit bool) (*Result, error) {
	mode := "/Discard"
	if commit {
		mode = "/Commit"
	}
	return d.run(ctx, ActionUnmount, "/Unmount-Wim", "/MountDir:"+mountDir, mode)
}

func (d *Dism) Remount(ctx context.Context, mountDir string) (*Result, error) {
	return d.run(ctx, ActionRemount, "/Remount-Wim", "/MountDir:"+mountDir)
}

func (d *Dism) Cleanup(ctx context.Context) (*Result, error) {
	return d.run(ctx, ActionCleanup, "/Cleanup-Wim")
}

func (d *Dism) MountedImages(ctx context.Context) ([]MountEntry, error) {
	res, err := d.run(ctx, ActionList, "/Get-MountedWimInfo")
	if err != nil {
		return nil, err
	}
	if !res.OK() {
		return nil, fmt.Errorf("dism /Get-MountedWimInfo exited with code %d: %s",
			res.ExitCode, Tail(res.Output, 512))
	}
	return parseMountedWimInfo(res.Output), nil
}

func (d *Dism) IsLocked(res *Result) bool {
	return res != nil && d.opts.lockedCode(res.ExitCode)
}

// parseMountedWimInfo parses the /Get-MountedWimInfo listing:
//
//	Mount Dir : C:\pe\mount
//	Image File : C:\pe\media\sources\boot.wim
//	Image Index : 1
//	Mounted Read/Write : Yes
//	Status : Ok
func parseMountedWimInfo(output string) []MountEntry {
	var entries []MountEntry
	var cur *MountEntry

	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		// Paths contain ':' so split on the padded separator only
		key, value, ok := strings.Cut(line, " : ")
		if !ok {
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimSpace(value)

		if key == "mount dir" {
			entries = append(entries, MountEntry{MountDir: value})
			cur = &entries[len(entries)-1]
			continue
		}
		if cur == nil {
			continue
		}
		switch key {
		case "image file":
			cur.ImagePath = value
		case "image index":
			cur.Index, _ = strconv.Atoi(value)
		case "mounted read/write":
			cur.ReadWrite = strings.EqualFold(value, "yes")
		case "status":
			cur.Status = value
		}
	}
	return entries
}
