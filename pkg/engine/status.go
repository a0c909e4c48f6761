package engine

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// RunStatus represents the overall status of a configuration run.
type RunStatus string

const (
	// RunStatusRunning indicates the run is currently executing.
	RunStatusRunning RunStatus = "running"

	// RunStatusSucceeded indicates every module parsed, validated and configured.
	RunStatusSucceeded RunStatus = "succeeded"

	// RunStatusInvalid indicates parsing or validation failed and nothing was applied.
	RunStatusInvalid RunStatus = "invalid"

	// RunStatusPartial indicates some modules were configured and others failed.
	RunStatusPartial RunStatus = "partial"

	// RunStatusFailed indicates the run failed before any module was applied.
	RunStatusFailed RunStatus = "failed"

	// RunStatusCancelled indicates the run was cancelled by the caller.
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal returns true if the run status represents a final state.
func (s RunStatus) IsTerminal() bool {
	return s != RunStatusRunning
}

// Validate checks if the run status is valid.
func (s RunStatus) Validate() error {
	switch s {
	case RunStatusRunning, RunStatusSucceeded, RunStatusInvalid,
		RunStatusPartial, RunStatusFailed, RunStatusCancelled:
		return nil
	default:
		return fmt.Errorf("invalid run status: %s", s)
	}
}

// Phase is one step of the module lifecycle.
type Phase string

const (
	PhaseParse     Phase = "parse"
	PhaseCheck     Phase = "check"
	PhaseConfigure Phase = "configure"
)

// ModuleStatus is the outcome of a module within a run.
type ModuleStatus string

const (
	// ModuleStatusOK indicates every executed phase passed.
	ModuleStatusOK ModuleStatus = "ok"

	// ModuleStatusDisabled indicates the module was not enabled; phases auto-passed.
	ModuleStatusDisabled ModuleStatus = "disabled"

	// ModuleStatusIgnored indicates the module was administratively ignored.
	ModuleStatusIgnored ModuleStatus = "ignored"

	// ModuleStatusFailed indicates a phase failed.
	ModuleStatusFailed ModuleStatus = "failed"

	// ModuleStatusSkipped indicates the module was not selected or the run
	// stopped before reaching it.
	ModuleStatusSkipped ModuleStatus = "skipped"
)

// Problem is a single validation failure reported by a module or policy.
type Problem struct {
	Module  string `json:"module,omitempty"`
	Section string `json:"section,omitempty"`
	Option  string `json:"option,omitempty"`
	Message string `json:"message"`
}

// String renders the problem in the same shape used for log output.
func (p Problem) String() string {
	var loc []string
	if p.Section != "" {
		loc = append(loc, "section "+p.Section)
	}
	if p.Option != "" {
		loc = append(loc, "option "+p.Option)
	}
	if len(loc) == 0 {
		return p.Message
	}
	return fmt.Sprintf("%s (%s)", p.Message, strings.Join(loc, ", "))
}

// CheckResult accumulates the outcome of an attribute check. Checks never
// short-circuit: every problem is recorded so an operator sees all of them in
// one run.
type CheckResult struct {
	Problems []Problem `json:"problems,omitempty"`
}

// OK reports whether no problem was recorded.
func (r CheckResult) OK() bool {
	return len(r.Problems) == 0
}

// Add records a problem.
func (r *CheckResult) Add(p Problem) {
	r.Problems = append(r.Problems, p)
}

// Addf records a problem with a formatted message.
func (r *CheckResult) Addf(module, section, option, format string, args ...any) {
	r.Add(Problem{
		Module:  module,
		Section: section,
		Option:  option,
		Message: fmt.Sprintf(format, args...),
	})
}

// Merge appends the problems of other.
func (r *CheckResult) Merge(other CheckResult) {
	r.Problems = append(r.Problems, other.Problems...)
}

// Err returns a validation error summarising the problems, or nil.
func (r CheckResult) Err() error {
	if r.OK() {
		return nil
	}
	msgs := make([]string, 0, len(r.Problems))
	for _, p := range r.Problems {
		msgs = append(msgs, p.String())
	}
	return NewValidationError(fmt.Sprintf("%d problem(s) found", len(r.Problems)),
		fmt.Errorf("%s", strings.Join(msgs, "; ")))
}

// ModuleResult records what happened to one module during a run.
type ModuleResult struct {
	Module   string        `json:"module"`
	Section  string        `json:"section"`
	Status   ModuleStatus  `json:"status"`
	Phase    Phase         `json:"phase"`
	Problems []Problem     `json:"problems,omitempty"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Failed reports whether the module failed in any phase.
func (m ModuleResult) Failed() bool {
	return m.Status == ModuleStatusFailed
}

// RunResult is the aggregate outcome of a run.
type RunResult struct {
	ID          string            `json:"id"`
	Status      RunStatus         `json:"status"`
	StartedAt   time.Time         `json:"started_at"`
	CompletedAt time.Time         `json:"completed_at"`
	Modules     []ModuleResult    `json:"modules"`
	Problems    []Problem         `json:"problems,omitempty"`
	Services    []string          `json:"services,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty"`
	Error       string            `json:"error,omitempty"`
}

// Success reports whether the run as a whole succeeded.
func (r *RunResult) Success() bool {
	return r.Status == RunStatusSucceeded
}

// Module returns the result recorded for a module, if any.
func (r *RunResult) Module(name string) (ModuleResult, bool) {
	for _, m := range r.Modules {
		if m.Module == name {
			return m, true
		}
	}
	return ModuleResult{}, false
}

// AttributeKeys returns the exported attribute names in sorted order.
func (r *RunResult) AttributeKeys() []string {
	keys := make([]string, 0, len(r.Attributes))
	for k := range r.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
