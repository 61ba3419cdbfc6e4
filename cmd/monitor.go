package cmd

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"wimctl/service"
	"wimctl/status"
)

// monitor polls the mount state of buildDir every interval and prints a
// line whenever it changes. It returns when ctx ends.
//
// Usage:
//
//	wimctl status --watch C:\pe\amd64
//	wimctl status --watch --interval 5s C:\pe\amd64
func monitor(ctx context.Context, w io.Writer, svc *service.Service, buildDir string, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Second
	}
	fmt.Fprintf(w, "Watching %s (press Ctrl+C to exit)...\n\n", buildDir)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var (
		last     status.Probe
		seen     bool
		failures int
	)
	for {
		probe, err := svc.State(ctx, buildDir)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				fmt.Fprintln(w)
				return nil
			}
			failures++
			if failures == 1 || failures%5 == 0 {
				fmt.Fprintf(w, "Error reading state: %v (failed %d times)\n", err, failures)
			}
		case !seen || changed(last, probe):
			failures = 0
			printTransition(w, last, probe, seen)
			last, seen = probe, true
		}

		select {
		case <-ctx.Done():
			fmt.Fprintln(w)
			return nil
		case <-ticker.C:
		}
	}
}

func changed(a, b status.Probe) bool {
	return a.State != b.State ||
		a.Registered != b.Registered ||
		a.Populated != b.Populated ||
		a.RegistryStatus != b.RegistryStatus ||
		a.RegistryImage != b.RegistryImage
}

func printTransition(w io.Writer, from, to status.Probe, seen bool) {
	stamp := time.Now().Format("15:04:05")
	switch {
	case !seen:
		fmt.Fprintf(w, "[%s] %s", stamp, to.State)
	case from.State != to.State:
		fmt.Fprintf(w, "[%s] %s → %s", stamp, from.State, to.State)
	default:
		fmt.Fprintf(w, "[%s] %s (registry changed)", stamp, to.State)
	}
	if to.RegistryImage != "" {
		fmt.Fprintf(w, "  image: %s", filepath.Base(to.RegistryImage))
	}
	if to.Reason != "" {
		fmt.Fprintf(w, "  (%s)", to.Reason)
	}
	fmt.Fprintln(w)
}
