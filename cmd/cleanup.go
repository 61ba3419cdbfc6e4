package cmd

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"wimctl/service"
)

func newCleanupCommand(a *app) *cobra.Command {
	var workspace bool

	cmd := &cobra.Command{
		Use:   "cleanup <build-dir>",
		Short: "Return a build directory to a clean unmounted state",
		Long: `Unmount whatever is mounted (changes discarded, recovery on any failure),
remove the leftover mount directory and clear stale tool registrations.

With --workspace the argument is a root directory: every build directory up
to three levels below it that has a mount directory is cleaned.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, done, err := a.service(cmd)
			if err != nil {
				return err
			}
			defer done()

			out := cmd.OutOrStdout()
			if workspace {
				ws := svc.CleanupWorkspace(cmd.Context(), args[0])
				if a.jsonOut {
					if err := writeJSON(out, ws); err != nil {
						return err
					}
				} else {
					printWorkspace(out, ws)
				}
				if ws.Failed > 0 {
					return &ExitError{Code: 1}
				}
				return nil
			}

			cr := svc.SmartCleanup(cmd.Context(), args[0])
			if a.jsonOut {
				if err := writeJSON(out, cr); err != nil {
					return err
				}
				if !cr.Success {
					return &ExitError{Code: ExitCode(cr.Result), Kind: cr.Kind}
				}
				return nil
			}
			printCleanup(out, cr)
			return a.finish(io.Discard, cr.Result)
		},
	}
	cmd.Flags().BoolVarP(&workspace, "workspace", "w", false, "Clean every build directory under the given root")
	return cmd
}

func printCleanup(w io.Writer, cr service.CleanupResult) {
	printResult(w, cr.Result)
	fmt.Fprintf(w, "  state: %s → %s\n", cr.Before, cr.After)
	for _, action := range cr.Actions {
		fmt.Fprintf(w, "  - %s\n", action)
	}
}

func printWorkspace(w io.Writer, ws service.WorkspaceCleanupResult) {
	if len(ws.Found) == 0 {
		fmt.Fprintf(w, "No build directories with a mount directory under %s\n", ws.Root)
		return
	}
	fmt.Fprintf(w, "Cleaning %d build director(ies) under %s\n\n", len(ws.Found), ws.Root)
	for i, cr := range ws.Results {
		if i < len(ws.Found) {
			fmt.Fprintf(w, "%s\n", ws.Found[i])
		}
		printCleanup(w, cr)
		fmt.Fprintln(w)
	}
	fmt.Fprintf(w, "Cleaned: %d  Failed: %d  (%s)\n", ws.Cleaned, ws.Failed, ws.Duration.Round(time.Millisecond))
}
