package op

import "strings"

// Check is the outcome of one named precondition.
type Check struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

// CheckReport is an ordered set of checks. Every check runs; Passed is true
// only when all of them passed.
type CheckReport struct {
	Checks []Check `json:"checks"`

	// NoOp is set when the operation has nothing to do (unmounting a
	// directory that is not mounted).
	NoOp bool `json:"noop,omitempty"`
}

// Add appends a check result.
func (r *CheckReport) Add(name string, passed bool, detail string) {
	r.Checks = append(r.Checks, Check{Name: name, Passed: passed, Detail: detail})
}

// Passed reports whether every check passed.
func (r CheckReport) Passed() bool {
	for _, c := range r.Checks {
		if !c.Passed {
			return false
		}
	}
	return true
}

// Failed returns the names of the checks that did not pass, in order.
func (r CheckReport) Failed() []string {
	var names []string
	for _, c := range r.Checks {
		if !c.Passed {
			names = append(names, c.Name)
		}
	}
	return names
}

// Lookup returns the named check.
func (r CheckReport) Lookup(name string) (Check, bool) {
	for _, c := range r.Checks {
		if c.Name == name {
			return c, true
		}
	}
	return Check{}, false
}

// Summary joins the failed checks with their details.
func (r CheckReport) Summary() string {
	var parts []string
	for _, c := range r.Checks {
		if c.Passed {
			continue
		}
		if c.Detail != "" {
			parts = append(parts, c.Name+" ("+c.Detail+")")
		} else {
			parts = append(parts, c.Name)
		}
	}
	return strings.Join(parts, "; ")
}

// AsResult converts a failed report into a PreconditionFailure result.
func (r CheckReport) AsResult(operation string) Result {
	res := Failed(KindPreconditionFailure, "%s preconditions failed: %s", operation, r.Summary())
	res.FailedChecks = r.Failed()
	return res
}
