// Package advisor computes advisory findings over the kernel's persisted
// state: suggestions about failing operations, retry tuning, stalled
// approvals, and parallelism, plus draft artifacts that are never
// executable. The package is read-only toward workflow, approval,
// scheduler, and supervisor state; its only writes are audit rows. Every
// suggestion and draft passes the guardrail before it leaves the process.
package advisor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ordo-sh/ordo/internal/flags"
	"github.com/ordo-sh/ordo/internal/log"
	"github.com/ordo-sh/ordo/internal/metrics"
	"github.com/ordo-sh/ordo/internal/store"
	"github.com/ordo-sh/ordo/internal/workflow"
)

// ErrAdvisorDisabled is returned while the advisor-enabled flag is off.
var ErrAdvisorDisabled = errors.New("advisor is disabled")

// analysisWindow bounds how far back the history analyses look.
const analysisWindow = 24 * time.Hour

// staleApproval is how long an approval may sit unresolved before it is
// called out as a bottleneck.
const staleApproval = 30 * time.Minute

// minFailures is the failure count below which an operation is left alone.
const minFailures = 3

// Config wires the advisor's inputs. Metrics and Flags may be nil; a nil
// Flags registry means the advisor is enabled.
type Config struct {
	Store   *store.Store
	Library *workflow.Library
	Policy  Policy
	Flags   *flags.Registry
	Metrics *metrics.Metrics
}

// Advisor computes suggestions and generates drafts. New is the only
// constructor and always installs the guardrail; no method returns
// unfiltered output.
type Advisor struct {
	store     *store.Store
	library   *workflow.Library
	guardrail *guardrail
	flags     *flags.Registry
}

// New creates an Advisor with the given policy wired into its guardrail.
func New(cfg Config) *Advisor {
	return &Advisor{
		store:     cfg.Store,
		library:   cfg.Library,
		guardrail: newGuardrail(cfg.Policy, cfg.Store, cfg.Metrics),
		flags:     cfg.Flags,
	}
}

// Policy returns the active guardrail rule set.
func (a *Advisor) Policy() Policy {
	return a.guardrail.policy
}

func (a *Advisor) enabled() bool {
	if a.flags == nil {
		return true
	}
	return a.flags.Enabled(flags.FlagAdvisorEnabled)
}

// Suggestions computes every current finding, runs each through the
// guardrail, and returns the survivors. contextFilter narrows the result
// to one context; empty means all. Each returned suggestion is audited.
func (a *Advisor) Suggestions(ctx context.Context, contextFilter string) ([]Suggestion, error) {
	if !a.enabled() {
		return nil, ErrAdvisorDisabled
	}

	found := a.analyze(ctx)

	out := make([]Suggestion, 0, len(found))
	for _, s := range found {
		if contextFilter != "" && s.Context != contextFilter {
			continue
		}
		verdict := a.guardrail.check(ctx, Subject{ID: s.ID, Kind: s.Type, Context: s.Context, Confidence: s.Confidence})
		switch verdict.Decision {
		case DecisionBlock:
			continue
		case DecisionFlag:
			s.Flagged = true
			s.FlagReason = verdict.Reason
		}

		a.store.Audit.RecordSuggestion(ctx, store.SuggestionAuditRow{
			SuggestionID:   s.ID,
			SuggestionType: s.Type,
			Context:        s.Context,
			Title:          s.Title,
			Confidence:     s.Confidence,
			Level:          s.Level,
		})
		out = append(out, s)
	}
	log.Debug(log.CatAdvisor, "suggestions computed", "found", len(found), "returned", len(out))
	return out, nil
}

func (a *Advisor) analyze(ctx context.Context) []Suggestion {
	now := time.Now()
	var out []Suggestion
	out = append(out, a.operationHealth(ctx, now)...)
	out = append(out, a.workflowFailures(ctx)...)
	out = append(out, a.approvalBottlenecks(ctx, now)...)
	out = append(out, a.parallelismHints()...)
	return out
}

// operationHealth reads the recent execution history and, per operation,
// raises a repeated-failure alert when most runs fail or a retry-tuning
// hint when failures are the minority and so look transient.
func (a *Advisor) operationHealth(ctx context.Context, now time.Time) []Suggestion {
	since := now.Add(-analysisWindow).UnixMilli()
	records := a.store.History.Query(ctx, store.HistoryFilter{Since: since, Limit: 500})

	type tally struct {
		completed int
		failed    int
		rowIDs    []int64
		lastErr   string
	}
	byOp := map[string]*tally{}
	order := []string{}
	for _, r := range records {
		tl := byOp[r.OperationType]
		if tl == nil {
			tl = &tally{}
			byOp[r.OperationType] = tl
			order = append(order, r.OperationType)
		}
		switch r.Status {
		case store.TaskCompleted:
			tl.completed++
		case store.TaskFailed:
			tl.failed++
			if len(tl.rowIDs) < 3 {
				tl.rowIDs = append(tl.rowIDs, r.ID)
			}
			if tl.lastErr == "" && r.ErrorMessage != nil {
				tl.lastErr = *r.ErrorMessage
			}
		}
	}

	var out []Suggestion
	for _, op := range order {
		tl := byOp[op]
		total := tl.completed + tl.failed
		if tl.failed < minFailures {
			continue
		}
		rate := float64(tl.failed) / float64(total)
		evidence := make([]string, 0, len(tl.rowIDs))
		for _, id := range tl.rowIDs {
			evidence = append(evidence, fmt.Sprintf("execution_history:%d", id))
		}
		limits := Limitations{
			Assumptions: []string{"every failure counts equally, regardless of cause"},
			MissingData: []string{"worker stderr output", "full input payloads (only scrubbed summaries are stored)"},
		}

		if rate >= 0.5 {
			out = append(out, Suggestion{
				ID:         uuid.NewString(),
				Type:       TypeRepeatedFailure,
				Context:    "operation:" + op,
				Title:      fmt.Sprintf("%s is failing repeatedly", op),
				Message:    fmt.Sprintf("%d of the last %d %s tasks failed (most recent error: %s). The operation looks broken rather than flaky.", tl.failed, total, op, tl.lastErr),
				Confidence: rate,
				Level:      LevelFor(rate),
				Explanation: Explanation{
					Summary:   fmt.Sprintf("Most recent runs of %s ended in failure.", op),
					Reasoning: []string{fmt.Sprintf("counted %d completed and %d failed history rows for %s in the last %s", tl.completed, tl.failed, op, analysisWindow), fmt.Sprintf("failure rate %.2f is at or above one half", rate)},
					Evidence:  evidence,
				},
				Limitations: limits,
			})
			continue
		}

		confidence := 0.4 + rate/2
		out = append(out, Suggestion{
			ID:         uuid.NewString(),
			Type:       TypeRetryTuning,
			Context:    "operation:" + op,
			Title:      fmt.Sprintf("Add retries to steps calling %s", op),
			Message:    fmt.Sprintf("%s succeeded %d times and failed %d times in the same window; a retry policy would likely absorb the failures.", op, tl.completed, tl.failed),
			Confidence: confidence,
			Level:      LevelFor(confidence),
			Explanation: Explanation{
				Summary:   fmt.Sprintf("Failures of %s are the minority, which points at transient causes.", op),
				Reasoning: []string{fmt.Sprintf("failure rate %.2f is below one half while failures still reached %d", rate, tl.failed), "an operation that mostly succeeds usually recovers on re-dispatch"},
				Evidence:  evidence,
			},
			Limitations: Limitations{
				Assumptions: []string{"failures are transient because the same operation also succeeds"},
				MissingData: []string{"whether the failures clustered inside one outage"},
			},
		})
	}
	return out
}

// workflowFailures groups failed executions by definition and alerts on
// definitions that failed more than once.
func (a *Advisor) workflowFailures(ctx context.Context) []Suggestion {
	failed, err := a.store.Workflows.ListExecutionsByStatus(ctx, store.ExecutionFailed)
	if err != nil {
		log.ErrorErr(log.CatAdvisor, "failed executions unavailable", err)
		return nil
	}

	byFlow := map[string][]store.ExecutionRow{}
	order := []string{}
	for _, row := range failed {
		if _, seen := byFlow[row.WorkflowID]; !seen {
			order = append(order, row.WorkflowID)
		}
		byFlow[row.WorkflowID] = append(byFlow[row.WorkflowID], row)
	}

	var out []Suggestion
	for _, flowID := range order {
		rows := byFlow[flowID]
		if len(rows) < 2 {
			continue
		}
		confidence := 0.3 + 0.2*float64(len(rows))
		if confidence > 0.9 {
			confidence = 0.9
		}
		evidence := []string{}
		lastErr := ""
		for i := len(rows) - 1; i >= 0 && len(evidence) < 3; i-- {
			evidence = append(evidence, "workflow_execution:"+rows[i].ExecutionID)
			if lastErr == "" && rows[i].ErrorMessage != nil {
				lastErr = *rows[i].ErrorMessage
			}
		}
		out = append(out, Suggestion{
			ID:         uuid.NewString(),
			Type:       TypeRepeatedFailure,
			Context:    "workflow:" + flowID,
			Title:      fmt.Sprintf("Workflow %s failed %d times", flowID, len(rows)),
			Message:    fmt.Sprintf("Executions of %s keep ending in failure (last error: %s).", flowID, lastErr),
			Confidence: confidence,
			Level:      LevelFor(confidence),
			Explanation: Explanation{
				Summary:   fmt.Sprintf("Several executions of %s reached the failed status.", flowID),
				Reasoning: []string{fmt.Sprintf("found %d failed executions of definition %s", len(rows), flowID)},
				Evidence:  evidence,
			},
			Limitations: Limitations{
				Assumptions: []string{"past failures predict future ones"},
				MissingData: []string{"failed executions are not time-bounded, so old incidents count too"},
			},
		})
	}
	return out
}

// approvalBottlenecks calls out pending approvals older than the
// staleness threshold. Confidence grows with age.
func (a *Advisor) approvalBottlenecks(ctx context.Context, now time.Time) []Suggestion {
	pending, err := a.store.Approvals.ListPending(ctx)
	if err != nil {
		log.ErrorErr(log.CatAdvisor, "pending approvals unavailable", err)
		return nil
	}

	var out []Suggestion
	for _, row := range pending {
		age := now.Sub(time.UnixMilli(row.RequestedAt))
		if age < staleApproval {
			continue
		}
		confidence := 0.6
		switch {
		case age >= 24*time.Hour:
			confidence = 0.9
		case age >= 2*time.Hour:
			confidence = 0.75
		}
		out = append(out, Suggestion{
			ID:         uuid.NewString(),
			Type:       TypeApprovalBottleneck,
			Context:    "execution:" + row.ExecutionID,
			Title:      fmt.Sprintf("Approval for step %s has waited %s", row.StepID, humanAge(age)),
			Message:    fmt.Sprintf("Execution %s is paused on %q and cannot progress until someone decides.", row.ExecutionID, row.Prompt),
			Confidence: confidence,
			Level:      LevelFor(confidence),
			Explanation: Explanation{
				Summary:   "A pending approval is older than the staleness threshold.",
				Reasoning: []string{fmt.Sprintf("approval requested %s ago, threshold is %s", humanAge(age), staleApproval)},
				Evidence:  []string{fmt.Sprintf("workflow_approval:%d", row.ID)},
			},
			Limitations: Limitations{
				Assumptions: []string{"an approver saw the request when it was created"},
				MissingData: []string{"who the intended approver is"},
			},
		})
	}
	return out
}

// parallelismHints inspects loaded definitions: a wide DAG with no
// parallelism cap can burst-hold worker slots, and a cap of one quietly
// serializes a graph that was written to fan out.
func (a *Advisor) parallelismHints() []Suggestion {
	if a.library == nil {
		return nil
	}

	var out []Suggestion
	for _, def := range a.library.List() {
		if !def.IsDAG() {
			continue
		}
		width := fanOutWidth(def)
		switch {
		case def.MaxParallelism == 1 && width > 1:
			out = append(out, Suggestion{
				ID:         uuid.NewString(),
				Type:       TypeParallelismHint,
				Context:    "workflow:" + def.ID,
				Title:      fmt.Sprintf("max_parallelism 1 serializes workflow %s", def.ID),
				Message:    fmt.Sprintf("The dependency graph of %s allows %d steps to run at once, but max_parallelism forces them to run one at a time.", def.ID, width),
				Confidence: 0.8,
				Level:      LevelFor(0.8),
				Explanation: Explanation{
					Summary:   "A DAG definition is capped to sequential execution.",
					Reasoning: []string{fmt.Sprintf("widest fan-out in %s is %d while max_parallelism is 1", def.ID, width)},
					Evidence:  []string{"definition:" + def.ID},
				},
				Limitations: Limitations{
					Assumptions: []string{"the cap was not chosen to protect a constrained worker"},
					MissingData: []string{"observed step durations"},
				},
			})
		case def.MaxParallelism == 0 && width >= 3:
			out = append(out, Suggestion{
				ID:         uuid.NewString(),
				Type:       TypeParallelismHint,
				Context:    "workflow:" + def.ID,
				Title:      fmt.Sprintf("Cap parallelism in workflow %s", def.ID),
				Message:    fmt.Sprintf("%s fans out to %d concurrent steps with no max_parallelism; a burst holds that many worker slots at once.", def.ID, width),
				Confidence: 0.55,
				Level:      LevelFor(0.55),
				Explanation: Explanation{
					Summary:   "A wide DAG runs uncapped.",
					Reasoning: []string{fmt.Sprintf("widest fan-out in %s is %d and no cap is set", def.ID, width)},
					Evidence:  []string{"definition:" + def.ID},
				},
				Limitations: Limitations{
					Assumptions: []string{"every branch occupies a worker slot for its full duration"},
					MissingData: []string{"observed step durations"},
				},
			})
		}
	}
	return out
}

// fanOutWidth is a cheap lower bound on how many steps of a definition can
// run at the same time: the larger of the root count and the widest single
// fan-out.
func fanOutWidth(def *workflow.Definition) int {
	roots := 0
	children := map[string]int{}
	for i := range def.Steps {
		s := &def.Steps[i]
		if len(s.DependsOn) == 0 {
			roots++
			continue
		}
		for _, dep := range s.DependsOn {
			children[dep]++
		}
	}
	width := roots
	for _, n := range children {
		if n > width {
			width = n
		}
	}
	return width
}
