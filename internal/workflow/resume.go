package workflow

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ordo-sh/ordo/internal/log"
	"github.com/ordo-sh/ordo/internal/store"
)

// ResumeInProgress re-enters every execution the previous process left
// unfinished. The kernel calls it exactly once at start, before the stdio
// server accepts requests. Completed and skipped steps never re-run; steps
// the crash caught mid-flight run again; pending approvals stay pending.
func (e *Engine) ResumeInProgress(ctx context.Context) error {
	execs, err := e.flows.ListExecutionsByStatus(ctx,
		store.ExecutionRunning, store.ExecutionPaused, store.ExecutionPausedForApproval)
	if err != nil {
		return err
	}

	resumed := 0
	for i := range execs {
		if e.resumeOne(ctx, &execs[i]) {
			resumed++
		}
	}
	if len(execs) > 0 {
		log.Info(log.CatFlow, "resumed in-progress executions", "found", len(execs), "resumed", resumed)
	}
	return nil
}

// resumeOne rebuilds one execution's in-memory state from its persisted
// rows and re-drives it from the frontier.
func (e *Engine) resumeOne(ctx context.Context, row *store.ExecutionRow) bool {
	def, err := e.library.Get(row.WorkflowID)
	if err != nil {
		msg := fmt.Sprintf("definition %s no longer available", row.WorkflowID)
		log.Warn(log.CatFlow, "cannot resume execution", "execution", row.ExecutionID, "error", msg)
		if uerr := e.flows.UpdateExecutionStatus(ctx, row.ExecutionID, store.ExecutionFailed, &msg); uerr != nil {
			log.Error(log.CatFlow, "persisting execution status failed", "execution", row.ExecutionID, "error", uerr)
		}
		return false
	}

	var initial map[string]any
	if row.InitialContext != nil {
		if err := json.Unmarshal([]byte(*row.InitialContext), &initial); err != nil {
			log.Warn(log.CatFlow, "initial context unreadable", "execution", row.ExecutionID, "error", err)
		}
	}

	ex := newExecution(def, row.ExecutionID, initial)
	ex.status = row.Status

	steps, err := e.flows.GetSteps(ctx, row.ExecutionID)
	if err != nil {
		log.Error(log.CatFlow, "loading steps failed", "execution", row.ExecutionID, "error", err)
		return false
	}

	var resolved []*store.ApprovalRow
	for _, s := range steps {
		step := ex.steps[s.StepID]
		if step == nil {
			// The definition changed shape under a live execution; rows
			// the current version no longer knows are ignored.
			log.Warn(log.CatFlow, "step row without definition step", "execution", row.ExecutionID, "step", s.StepID)
			continue
		}
		switch s.Status {
		case store.StepCompleted:
			ex.state[s.StepID] = stateCompleted
			ex.results[s.StepID] = decodeResult(s.Result)
		case store.StepSkipped:
			ex.state[s.StepID] = stateSkipped
		case store.StepFailed:
			ex.state[s.StepID] = stateFailed
			if step.FailurePolicy() == OnFailureFail && !ex.failed {
				cause := ""
				if s.ErrorMessage != nil {
					cause = *s.ErrorMessage
				}
				ex.failed = true
				ex.failure = fmt.Sprintf("step %s failed: %s", s.StepID, cause)
			}
		case store.StepRunning:
			if decision := e.reenterStep(ctx, ex, s); decision != nil {
				resolved = append(resolved, decision)
			}
		}
	}

	// Recompute the frontier: a dependency satisfied before the restart
	// stays satisfied.
	for id, deps := range ex.deps {
		n := 0
		for _, dep := range deps {
			switch ex.state[dep] {
			case stateCompleted, stateSkipped:
			default:
				n++
			}
		}
		ex.indeg[id] = n
	}

	e.mu.Lock()
	e.runs[row.ExecutionID] = ex
	e.mu.Unlock()

	// Decisions that landed between pause and crash were never applied;
	// fold them in now that the frontier is rebuilt.
	for _, approval := range resolved {
		actor, comment := "", ""
		if approval.ActorID != nil {
			actor = *approval.ActorID
		}
		if approval.Comment != nil {
			comment = *approval.Comment
		}
		e.applyDecision(ex, approval.StepID, *approval.Decision, actor, comment)
	}

	log.Info(log.CatFlow, "execution re-entered", "execution", row.ExecutionID, "workflow", row.WorkflowID, "status", row.Status)
	e.drive(ex)
	return true
}

// reenterStep classifies a step the crash left in the running state.
// Worker tasks re-run. Approval steps re-park on their pending record; a
// record resolved during the downtime is returned for application.
func (e *Engine) reenterStep(ctx context.Context, ex *execution, s store.StepRow) *store.ApprovalRow {
	if ex.steps[s.StepID].Type != StepHumanApproval {
		ex.state[s.StepID] = statePending
		return nil
	}
	row, err := e.approvals.GetByStep(ctx, ex.id, s.StepID)
	if err != nil {
		// No record yet: the crash hit between the step and approval
		// writes. The next tick re-requests it.
		ex.state[s.StepID] = statePending
		return nil
	}
	ex.state[s.StepID] = stateAwaiting
	if row.Decision == nil {
		return nil
	}
	return row
}
