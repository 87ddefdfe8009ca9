package workflow

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/ordo-sh/ordo/internal/router"
)

// Definition validation failures. Validate wraps these with the offending
// definition and step ids.
var (
	ErrNoDefinitionID    = errors.New("definition id is empty")
	ErrNoSteps           = errors.New("definition has no steps")
	ErrNoStepID          = errors.New("step id is empty")
	ErrReservedStepID    = errors.New("step id is reserved")
	ErrDuplicateStepID   = errors.New("duplicate step id")
	ErrUnknownStepType   = errors.New("unknown step type")
	ErrNoOperation       = errors.New("worker-task step has no operation")
	ErrBadOnFailure      = errors.New("on-failure must be fail or skip")
	ErrBadTimeoutPolicy  = errors.New("timeout policy must be wait or fail")
	ErrUnknownDependency = errors.New("dependency references no step")
	ErrSelfDependency    = errors.New("step depends on itself")
	ErrDependencyCycle   = errors.New("dependency cycle")
)

// Validate checks a definition's structure and its dependency graph. Every
// loaded definition passes it once, so the engine never sees an invalid
// one.
func Validate(def *Definition) error {
	if strings.TrimSpace(def.ID) == "" {
		return ErrNoDefinitionID
	}
	if len(def.Steps) == 0 {
		return fmt.Errorf("%s: %w", def.ID, ErrNoSteps)
	}

	ids := make(map[string]bool, len(def.Steps))
	for i := range def.Steps {
		s := &def.Steps[i]
		if strings.TrimSpace(s.ID) == "" {
			return fmt.Errorf("%s: step %d: %w", def.ID, i, ErrNoStepID)
		}
		// "initial" names the start context in input templates.
		if s.ID == "initial" {
			return fmt.Errorf("%s: step %q: %w", def.ID, s.ID, ErrReservedStepID)
		}
		if ids[s.ID] {
			return fmt.Errorf("%s: step %q: %w", def.ID, s.ID, ErrDuplicateStepID)
		}
		ids[s.ID] = true

		switch s.Type {
		case StepWorkerTask:
			if strings.TrimSpace(s.Operation) == "" {
				return fmt.Errorf("%s: step %q: %w", def.ID, s.ID, ErrNoOperation)
			}
			if !router.Known(s.Operation) {
				return fmt.Errorf("%s: step %q: operation %s: %w", def.ID, s.ID, s.Operation, router.ErrUnknownOperation)
			}
		case StepHumanApproval:
		default:
			return fmt.Errorf("%s: step %q: type %q: %w", def.ID, s.ID, s.Type, ErrUnknownStepType)
		}

		switch s.OnFailure {
		case "", OnFailureFail, OnFailureSkip:
		default:
			return fmt.Errorf("%s: step %q: %q: %w", def.ID, s.ID, s.OnFailure, ErrBadOnFailure)
		}
		switch s.TimeoutPolicy {
		case "", TimeoutWait, TimeoutFail:
		default:
			return fmt.Errorf("%s: step %q: %q: %w", def.ID, s.ID, s.TimeoutPolicy, ErrBadTimeoutPolicy)
		}
	}

	for i := range def.Steps {
		s := &def.Steps[i]
		for _, dep := range s.DependsOn {
			if dep == s.ID {
				return fmt.Errorf("%s: step %q: %w", def.ID, s.ID, ErrSelfDependency)
			}
			if !ids[dep] {
				return fmt.Errorf("%s: step %q: dependency %q: %w", def.ID, s.ID, dep, ErrUnknownDependency)
			}
		}
	}

	return checkAcyclic(def)
}

// checkAcyclic runs Kahn's algorithm to fixed point over the declared
// edges. Steps left unprocessed sit on a cycle.
func checkAcyclic(def *Definition) error {
	indeg := make(map[string]int, len(def.Steps))
	dependents := make(map[string][]string, len(def.Steps))
	for i := range def.Steps {
		s := &def.Steps[i]
		indeg[s.ID] = len(s.DependsOn)
		for _, dep := range s.DependsOn {
			dependents[dep] = append(dependents[dep], s.ID)
		}
	}

	queue := make([]string, 0, len(def.Steps))
	for i := range def.Steps {
		if indeg[def.Steps[i].ID] == 0 {
			queue = append(queue, def.Steps[i].ID)
		}
	}

	processed := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		processed++
		for _, dep := range dependents[id] {
			indeg[dep]--
			if indeg[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}
	if processed == len(def.Steps) {
		return nil
	}

	remaining := make([]string, 0, len(def.Steps)-processed)
	for id, n := range indeg {
		if n > 0 {
			remaining = append(remaining, id)
		}
	}
	sort.Strings(remaining)
	return fmt.Errorf("%s: %w: %s", def.ID, ErrDependencyCycle, strings.Join(remaining, ", "))
}
