package cmd

import (
	"fmt"
	"io"
	"time"

	"github.com/docker/go-units"
	"github.com/spf13/cobra"

	"wimctl/status"
)

func newStatusCommand(a *app) *cobra.Command {
	var (
		watch    bool
		interval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "status <build-dir>",
		Short: "Show the mount state of a build directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, done, err := a.service(cmd)
			if err != nil {
				return err
			}
			defer done()

			if watch {
				return monitor(cmd.Context(), cmd.OutOrStdout(), svc, args[0], interval)
			}

			probe, err := svc.State(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if a.jsonOut {
				return writeJSON(cmd.OutOrStdout(), probe)
			}
			printProbe(cmd.OutOrStdout(), probe)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "Keep polling and print state changes")
	cmd.Flags().DurationVar(&interval, "interval", time.Second, "Polling interval for --watch")
	return cmd
}

func newDiagnosticsCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "diagnostics <build-dir>",
		Short: "Gather troubleshooting information for a build directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, done, err := a.service(cmd)
			if err != nil {
				return err
			}
			defer done()

			d := svc.Diagnostics(cmd.Context(), args[0])
			if a.jsonOut {
				return writeJSON(cmd.OutOrStdout(), d)
			}
			printDiagnostics(cmd.OutOrStdout(), d)
			return nil
		},
	}
}

func newValidateCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <build-dir>",
		Short: "Check the build directory layout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			v := status.ValidateStructure(absPath(args[0]), cfg.MediaRequired)
			out := cmd.OutOrStdout()
			if a.jsonOut {
				if err := writeJSON(out, v); err != nil {
					return err
				}
			} else {
				printValidation(out, v)
			}
			if !v.Valid {
				return &ExitError{Code: 1}
			}
			return nil
		},
	}
}

func printProbe(w io.Writer, p status.Probe) {
	fmt.Fprintf(w, "State:      %s\n", p.State)
	fmt.Fprintf(w, "Mount dir:  %s\n", p.MountDir)
	if p.Registered {
		fmt.Fprintf(w, "Image:      %s (%s)\n", p.RegistryImage, p.RegistryStatus)
	}
	if p.Reason != "" {
		fmt.Fprintf(w, "Reason:     %s\n", p.Reason)
	}
}

func printDiagnostics(w io.Writer, d status.Diagnostics) {
	fmt.Fprintf(w, "Build dir:  %s\n", d.BuildDir)
	printProbe(w, d.Probe)
	if d.PrimaryImage != nil {
		fmt.Fprintf(w, "Primary:    %s (%s)\n", d.PrimaryImage.Path, d.ImageSize)
	}
	if len(d.Images) > 1 {
		fmt.Fprintf(w, "Images:     %d found\n", len(d.Images))
	}
	if d.MountedSince != nil {
		fmt.Fprintf(w, "Mounted:    %s ago (since %s)\n",
			units.HumanDuration(d.MountAge), d.MountedSince.Format(time.RFC3339))
	}

	if len(d.Registry) > 0 {
		fmt.Fprintln(w, "\nServicing registry:")
		for _, e := range d.Registry {
			fmt.Fprintf(w, "  %s  %s  [%s]\n", e.MountDir, e.ImagePath, e.Status)
		}
	}

	if d.UnmountChecks != nil && len(d.UnmountChecks.Checks) > 0 {
		fmt.Fprintln(w, "\nUnmount checks:")
		for _, c := range d.UnmountChecks.Checks {
			mark := "✓"
			if !c.Passed {
				mark = "✗"
			}
			if c.Detail != "" {
				fmt.Fprintf(w, "  %s %s: %s\n", mark, c.Name, c.Detail)
			} else {
				fmt.Fprintf(w, "  %s %s\n", mark, c.Name)
			}
		}
	}

	if sys := d.System; sys != nil {
		tool := sys.ToolPath
		if tool == "" {
			tool = "(default)"
		}
		fmt.Fprintln(w, "\nSystem:")
		fmt.Fprintf(w, "  OS:         %s/%s\n", sys.OS, sys.Arch)
		fmt.Fprintf(w, "  Elevated:   %t\n", sys.Elevated)
		if sys.FreeSpaceHuman != "" {
			fmt.Fprintf(w, "  Free space: %s\n", sys.FreeSpaceHuman)
		}
		fmt.Fprintf(w, "  Backend:    %s (%s)\n", sys.Backend, tool)
	}

	fmt.Fprintln(w)
	printValidation(w, d.Validation)

	if len(d.AvailableOperations) > 0 {
		fmt.Fprintln(w, "\nAvailable operations:")
		for _, o := range d.AvailableOperations {
			fmt.Fprintf(w, "  wimctl %s %s\n", o, d.BuildDir)
		}
	}
	if len(d.Recommendations) > 0 {
		fmt.Fprintln(w, "\nRecommendations:")
		for _, r := range d.Recommendations {
			fmt.Fprintf(w, "  - %s\n", r)
		}
	}
	for _, e := range d.Errors {
		fmt.Fprintf(w, "⚠ %s\n", e)
	}
}

func printValidation(w io.Writer, v status.Validation) {
	if v.Valid {
		fmt.Fprintln(w, "✓ Build directory structure is valid")
	} else {
		fmt.Fprintln(w, "✗ Build directory structure has problems")
	}
	for _, e := range v.Errors {
		fmt.Fprintf(w, "  ✗ %s\n", e)
	}
	for _, warn := range v.Warnings {
		fmt.Fprintf(w, "  ⚠ %s\n", warn)
	}
}
