// Package op holds the result contract shared by every wimctl operation:
// the error-kind taxonomy, the tagged Result returned by the public API and
// the typed Error used internally.
package op

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind classifies a failed operation.
type Kind int

const (
	KindNone Kind = iota
	KindPathResolution
	KindPreconditionFailure
	KindMountConflict
	KindExternalTool
	KindLockedFailure
	KindRecoveryExhausted
	KindOperationInProgress
	KindIndeterminateState
	KindCancelled
)

var kindNames = map[Kind]string{
	KindNone:                "None",
	KindPathResolution:      "PathResolutionError",
	KindPreconditionFailure: "PreconditionFailure",
	KindMountConflict:       "MountConflict",
	KindExternalTool:        "ExternalToolError",
	KindLockedFailure:       "LockedFailure",
	KindRecoveryExhausted:   "RecoveryExhausted",
	KindOperationInProgress: "OperationInProgress",
	KindIndeterminateState:  "IndeterminateState",
	KindCancelled:           "Cancelled",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// MarshalText renders the kind by name in JSON output.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// NoExitCode marks a Result that did not come from a tool invocation.
const NoExitCode = -1

// Result is what every public operation returns. Success and Kind are
// mutually exclusive: a successful result always has KindNone.
type Result struct {
	Success           bool          `json:"success"`
	Kind              Kind          `json:"kind,omitempty"`
	Message           string        `json:"message"`
	RecoveryTiersUsed int           `json:"recovery_tiers_used"`
	ExitCode          int           `json:"exit_code"`
	Output            string        `json:"output,omitempty"`
	FailedChecks      []string      `json:"failed_checks,omitempty"`
	Warnings          []string      `json:"warnings,omitempty"`
	OperationID       string        `json:"operation_id,omitempty"`
	Duration          time.Duration `json:"duration"`
}

// Succeeded builds a successful result.
func Succeeded(format string, args ...any) Result {
	return Result{
		Success:  true,
		Kind:     KindNone,
		Message:  fmt.Sprintf(format, args...),
		ExitCode: NoExitCode,
	}
}

// Failed builds a failed result of the given kind.
func Failed(kind Kind, format string, args ...any) Result {
	return Result{
		Kind:     kind,
		Message:  fmt.Sprintf(format, args...),
		ExitCode: NoExitCode,
	}
}

// Warn appends a warning to the result.
func (r *Result) Warn(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// Err returns nil for a successful result and an *Error otherwise.
func (r Result) Err() error {
	if r.Success {
		return nil
	}
	return &Error{
		Kind:         r.Kind,
		Msg:          r.Message,
		ExitCode:     r.ExitCode,
		Output:       r.Output,
		FailedChecks: r.FailedChecks,
	}
}

// String renders a one-line summary for logs.
func (r Result) String() string {
	if r.Success {
		if r.RecoveryTiersUsed > 0 {
			return fmt.Sprintf("%s (recovery tiers: %d)", r.Message, r.RecoveryTiersUsed)
		}
		return r.Message
	}
	var sb strings.Builder
	sb.WriteString(r.Kind.String())
	sb.WriteString(": ")
	sb.WriteString(r.Message)
	if r.ExitCode != NoExitCode {
		fmt.Fprintf(&sb, " (exit code %d)", r.ExitCode)
	}
	return sb.String()
}

// Error is the typed error behind a failed Result.
type Error struct {
	Kind         Kind
	Op           string
	Msg          string
	ExitCode     int
	Output       string
	FailedChecks []string
	Err          error
}

func (e *Error) Error() string {
	var sb strings.Builder
	if e.Op != "" {
		sb.WriteString(e.Op)
		sb.WriteString(": ")
	}
	sb.WriteString(e.Kind.String())
	if e.Msg != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Msg)
	}
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error of the same kind, so errors.Is(err,
// &op.Error{Kind: op.KindLockedFailure}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind && t.Op == "" && t.Msg == ""
}

// KindOf classifies any error. Context cancellation maps to KindCancelled;
// unclassified errors are treated as tool failures.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCancelled
	}
	return KindExternalTool
}

// FromError converts an error into a failed Result. A nil error yields a
// successful result with an empty message.
func FromError(err error) Result {
	if err == nil {
		return Succeeded("")
	}
	r := Failed(KindOf(err), "%s", err.Error())
	var e *Error
	if errors.As(err, &e) {
		r.ExitCode = e.ExitCode
		r.Output = e.Output
		r.FailedChecks = e.FailedChecks
	}
	return r
}
