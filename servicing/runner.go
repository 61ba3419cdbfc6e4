package servicing

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"time"
)

// Command is one tool invocation.
type Command struct {
	Path    string
	Args    []string
	Timeout time.Duration
}

// Runner executes commands. Backends take it through Options so tests can
// observe arguments without the real tool installed.
type Runner interface {
	Run(ctx context.Context, cmd *Command) (*Result, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

// Run executes cmd and captures combined output.
//
// A non-zero exit code is NOT an error: the result carries it and err is
// nil. err is set only when the command could not run or did not finish,
// in which case ExitCode is -1.
//
// ctx is checked before the tool starts. Once started, only cmd.Timeout
// stops it, so a commit is never cut off by the caller.
func (ExecRunner) Run(ctx context.Context, cmd *Command) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return &Result{Args: cmd.Args, ExitCode: -1}, &ErrExecutionFailed{Op: "cancel", Command: cmd.Path, Err: err}
	}

	execCtx := context.WithoutCancel(ctx)
	if cmd.Timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(execCtx, cmd.Timeout)
		defer cancel()
	}

	var out bytes.Buffer
	c := exec.CommandContext(execCtx, cmd.Path, cmd.Args...)
	c.Stdout = &out
	c.Stderr = &out
	// Children that inherit the output pipe must not keep Run waiting
	// after the tool itself has been killed
	c.WaitDelay = 10 * time.Second

	start := time.Now()
	err := c.Run()
	result := &Result{
		Args:     cmd.Args,
		Output:   out.String(),
		Duration: time.Since(start),
	}

	// A killed process also surfaces as *exec.ExitError, so check the
	// timeout first.
	if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
		result.ExitCode = -1
		return result, &ErrExecutionFailed{Op: "timeout", Command: cmd.Path, Err: ErrTimeout}
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		result.ExitCode = -1
		return result, &ErrExecutionFailed{Op: "exec", Command: cmd.Path, Err: err}
	}

	result.ExitCode = 0
	return result, nil
}
