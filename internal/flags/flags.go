// Package flags gates optional kernel behavior. The registry is built once
// from the bootstrap configuration and never changes afterwards; unknown
// names read as off.
package flags

import (
	"maps"

	"github.com/ordo-sh/ordo/internal/log"
)

const (
	// FlagApprovalTimeoutEnforcement controls whether approval steps with a
	// fail timeout policy are auto-rejected by a timer. The contract is
	// persisted either way; enforcement defaults off.
	FlagApprovalTimeoutEnforcement = "approval-timeout-enforcement"

	// FlagWorkerAutoRestart controls whether crashed workers are re-spawned
	// under the bounded restart policy.
	FlagWorkerAutoRestart = "worker-auto-restart"

	// FlagAdvisorEnabled controls whether the advisor subsystem serves
	// GET_AI_SUGGESTIONS and GENERATE_DRAFT.
	FlagAdvisorEnabled = "advisor-enabled"
)

// Defaults returns the flag values used when the bootstrap configuration
// carries no flags section.
func Defaults() map[string]bool {
	return map[string]bool{
		FlagApprovalTimeoutEnforcement: false,
		FlagWorkerAutoRestart:          true,
		FlagAdvisorEnabled:             true,
	}
}

// Registry is the read-only flag table. The zero of everything is off: a
// nil registry, a nil map, and an absent name all answer false, so callers
// never need a nil check before gating.
type Registry struct {
	flags map[string]bool
}

// New builds a registry from the configured flag map.
func New(flags map[string]bool) *Registry {
	r := &Registry{flags: flags}
	log.Debug(log.CatConfig, "feature flags loaded", "flags", r.All())
	return r
}

// Enabled reports whether the named flag is on.
func (r *Registry) Enabled(name string) bool {
	if r == nil {
		return false
	}
	return r.flags[name]
}

// All returns a snapshot of the table for status and logging surfaces.
func (r *Registry) All() map[string]bool {
	out := make(map[string]bool, 3)
	if r != nil {
		maps.Copy(out, r.flags)
	}
	return out
}
