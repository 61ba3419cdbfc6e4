package cmd

import (
	"encoding/json"
	"fmt"
	"io"

	"wimctl/op"
	"wimctl/service"
)

// ExitError ends the command with a specific exit code. The message has
// already been printed.
type ExitError struct {
	Code int
	Kind op.Kind
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%s (exit %d)", e.Kind, e.Code)
}

// Exit codes per failure kind. 1 is left for usage and config errors.
var exitCodes = map[op.Kind]int{
	op.KindPathResolution:      2,
	op.KindPreconditionFailure: 3,
	op.KindMountConflict:       4,
	op.KindExternalTool:        5,
	op.KindLockedFailure:       6,
	op.KindRecoveryExhausted:   7,
	op.KindOperationInProgress: 8,
	op.KindIndeterminateState:  9,
	op.KindCancelled:           130,
}

// ExitCode maps a result to the process exit code.
func ExitCode(res op.Result) int {
	if res.Success {
		return 0
	}
	if code, ok := exitCodes[res.Kind]; ok {
		return code
	}
	return 1
}

// finish prints res and converts a failure into an *ExitError.
func (a *app) finish(w io.Writer, res op.Result) error {
	if a.jsonOut {
		if err := writeJSON(w, res); err != nil {
			return err
		}
	} else {
		printResult(w, res)
	}
	if res.Success {
		return nil
	}
	return &ExitError{Code: ExitCode(res), Kind: res.Kind}
}

func printResult(w io.Writer, res op.Result) {
	if res.Success {
		fmt.Fprintf(w, "✓ %s\n", res.Message)
		if res.RecoveryTiersUsed > 0 {
			fmt.Fprintf(w, "  recovered after %d tier(s)\n", res.RecoveryTiersUsed)
		}
	} else {
		fmt.Fprintf(w, "✗ %s: %s\n", res.Kind, res.Message)
		if res.ExitCode != op.NoExitCode {
			fmt.Fprintf(w, "  tool exit code: %d (0x%08X)\n", res.ExitCode, uint32(res.ExitCode))
		}
		if res.Output != "" {
			fmt.Fprintf(w, "  tool output: %s\n", res.Output)
		}
	}
	for _, warn := range res.Warnings {
		fmt.Fprintf(w, "  ⚠ %s\n", warn)
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// progressPrinter shows recovery and tool steps as they happen. Bookkeeping
// steps are only shown with --debug.
func progressPrinter(w io.Writer, debug bool) service.ProgressFunc {
	return func(ev service.ProgressEvent) {
		switch ev.Step {
		case "start", "done", "state", "resolve":
			if !debug {
				return
			}
		}
		fmt.Fprintf(w, "  → %s: %s\n", ev.Step, ev.Message)
	}
}
