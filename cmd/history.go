package cmd

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/spf13/cobra"

	"wimctl/history"
	"wimctl/util"
)

func newHistoryCommand(a *app) *cobra.Command {
	var (
		limit int
		reset bool
		yes   bool
	)

	cmd := &cobra.Command{
		Use:   "history [build-dir]",
		Short: "List recorded operations, newest first",
		Long: `List recorded operations for a build directory, or for every directory
when none is given. --reset deletes the history database.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, done, err := a.service(cmd)
			if err != nil {
				return err
			}
			defer done()
			out := cmd.OutOrStdout()

			if reset {
				if !yes && !util.AskYN(cmd.InOrStdin(), out, "Delete the operation history?", false) {
					fmt.Fprintln(out, "Aborted")
					return nil
				}
				res, err := svc.ResetHistory()
				if err != nil {
					return err
				}
				if res.DatabaseRemoved {
					fmt.Fprintf(out, "✓ Removed %s\n", strings.Join(res.FilesRemoved, ", "))
				} else {
					fmt.Fprintln(out, "No history database to remove")
				}
				return nil
			}

			buildDir := ""
			if len(args) == 1 {
				buildDir = args[0]
			}
			recs, err := svc.History(buildDir, limit)
			if err != nil {
				return err
			}
			if a.jsonOut {
				return writeJSON(out, recs)
			}
			printHistory(out, recs)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of records (0 for all)")
	cmd.Flags().BoolVar(&reset, "reset", false, "Delete the history database")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Do not ask for confirmation")
	return cmd
}

func printHistory(w io.Writer, recs []history.OperationRecord) {
	if len(recs) == 0 {
		fmt.Fprintln(w, "No operations recorded")
		return
	}
	for _, r := range recs {
		mark := "✓"
		if !r.Success {
			mark = "✗"
		}
		fmt.Fprintf(w, "%s %s  %-8s %s  (%s)\n",
			mark, r.StartTime.Format(time.DateTime), r.Op, r.BuildDir, units.HumanDuration(r.Duration()))
		if r.Image != "" {
			fmt.Fprintf(w, "    image: %s\n", filepath.Base(r.Image))
		}
		if r.TiersUsed > 0 {
			fmt.Fprintf(w, "    recovery tiers: %d\n", r.TiersUsed)
		}
		if !r.Success {
			fmt.Fprintf(w, "    %s: %s\n", r.Kind, r.Message)
		}
	}
}

func absPath(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return p
}
