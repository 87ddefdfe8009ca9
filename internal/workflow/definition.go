// Package workflow runs multi-step orchestrations over the kernel's
// dispatch path. Definitions are immutable JSON documents; executions are
// durable: every transition is persisted before the next in-memory one, so
// a restarted kernel resumes each execution from the exact frontier it
// left.
package workflow

import (
	"strings"
	"time"
)

// Step kinds. The set is closed; new kinds extend the tag.
const (
	StepWorkerTask    = "worker-task"
	StepHumanApproval = "human-approval"
)

// On-failure policies for a step's final failure.
const (
	OnFailureFail = "fail"
	OnFailureSkip = "skip"
)

// Approval timeout policies. The fail branch is parsed and persisted; the
// auto-reject timer stays behind the approval-timeout-enforcement flag.
const (
	TimeoutWait = "wait"
	TimeoutFail = "fail"
)

// RetryPolicy bounds re-dispatch of a failed worker task. MaxAttempts
// counts the first try; BackoffMS seeds the exponential interval.
type RetryPolicy struct {
	MaxAttempts int   `json:"max_attempts"`
	BackoffMS   int64 `json:"backoff_ms"`
}

// Step is one unit of a definition: a tagged variant over the closed kind
// set with a shared envelope of retry, on-failure, and dependency metadata.
type Step struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Operation string         `json:"operation,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	Retry     *RetryPolicy   `json:"retry,omitempty"`
	OnFailure string         `json:"on_failure,omitempty"`
	DependsOn []string       `json:"depends_on,omitempty"`

	// Human-approval fields.
	Prompt         string   `json:"prompt,omitempty"`
	AllowedActions []string `json:"allowed_actions,omitempty"`
	TimeoutPolicy  string   `json:"timeout_policy,omitempty"`
}

// Definition is one immutable workflow document.
type Definition struct {
	ID             string         `json:"id"`
	Version        string         `json:"version"`
	MaxParallelism int            `json:"max_parallelism,omitempty"`
	Variables      map[string]any `json:"variables,omitempty"`
	Steps          []Step         `json:"steps"`

	// Builtin marks definitions from the embedded set.
	Builtin bool `json:"-"`
}

// IsDAG reports whether any step declares dependencies. DAG definitions run
// in dependency order; all others run in declaration order.
func (d *Definition) IsDAG() bool {
	for i := range d.Steps {
		if len(d.Steps[i].DependsOn) > 0 {
			return true
		}
	}
	return false
}

// Step returns the step with the given id, nil when absent.
func (d *Definition) Step(id string) *Step {
	for i := range d.Steps {
		if d.Steps[i].ID == id {
			return &d.Steps[i]
		}
	}
	return nil
}

// FailurePolicy returns the effective on-failure policy; fail is the
// default.
func (s *Step) FailurePolicy() string {
	if s.OnFailure == OnFailureSkip {
		return OnFailureSkip
	}
	return OnFailureFail
}

// Attempts returns the dispatch cap, counting the first try.
func (s *Step) Attempts() int {
	if s.Retry == nil || s.Retry.MaxAttempts < 1 {
		return 1
	}
	return s.Retry.MaxAttempts
}

// Backoff returns the base retry interval.
func (s *Step) Backoff() time.Duration {
	if s.Retry == nil || s.Retry.BackoffMS < 1 {
		return time.Second
	}
	return time.Duration(s.Retry.BackoffMS) * time.Millisecond
}

// Actions returns the allowed decision words for an approval step.
func (s *Step) Actions() []string {
	if len(s.AllowedActions) == 0 {
		return []string{"APPROVE", "REJECT"}
	}
	return s.AllowedActions
}

// ApprovesStep classifies a decision word by its effect: REJECT and DENY
// fail the step, every other allowed word completes it.
func ApprovesStep(decision string) bool {
	switch strings.ToUpper(strings.TrimSpace(decision)) {
	case "REJECT", "DENY":
		return false
	}
	return true
}
