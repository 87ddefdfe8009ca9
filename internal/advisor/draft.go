package advisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/ordo-sh/ordo/internal/protocol"
	"github.com/ordo-sh/ordo/internal/router"
	"github.com/ordo-sh/ordo/internal/store"
	"github.com/ordo-sh/ordo/internal/workflow"
)

// Draft kinds.
const (
	DraftWorkflowSkeleton = "workflow-skeleton"
	DraftStepParameters   = "step-parameters"
	DraftPolicyChange     = "policy-change"
	DraftDocumentation    = "documentation"
)

// DraftStatus is the only status a draft ever has; the kernel offers no
// code path that applies one.
const DraftStatus = "draft-only"

func isDraftKind(kind string) bool {
	switch kind {
	case DraftWorkflowSkeleton, DraftStepParameters, DraftPolicyChange, DraftDocumentation:
		return true
	}
	return false
}

// ErrDraftBlocked is returned when the guardrail blocks a generated draft.
var ErrDraftBlocked = errors.New("draft blocked by guardrail policy")

// ErrBadDraftRequest is returned for requests the generators cannot serve.
var ErrBadDraftRequest = errors.New("invalid draft request")

// Draft is one generated, non-executable artifact.
type Draft struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	Status      string `json:"status"`
	Title       string `json:"title"`
	Content     string `json:"content"`
	ContentHash string `json:"content_hash"`
	Context     string `json:"context"`
	CreatedAt   int64  `json:"created_at"`
	Flagged     bool   `json:"flagged,omitempty"`
	FlagReason  string `json:"flag_reason,omitempty"`
}

// DraftRequest carries the GENERATE_DRAFT parameters. Kind selects the
// generator; the other fields feed whichever generator is selected.
type DraftRequest struct {
	Kind       string        `json:"kind"`
	Context    string        `json:"context,omitempty"`
	WorkflowID string        `json:"workflow_id,omitempty"`
	StepID     string        `json:"step_id,omitempty"`
	Operations []string      `json:"operations,omitempty"`
	Policy     *PolicyChange `json:"policy,omitempty"`
}

// PolicyChange is a partial overlay for a policy-change draft. Nil fields
// keep the active value.
type PolicyChange struct {
	MinConfidence *float64 `json:"min_confidence,omitempty"`
	BlockedTypes  []string `json:"blocked_types,omitempty"`
	MaxPerContext *int     `json:"max_per_context,omitempty"`
}

// GenerateDraft builds one artifact of the requested kind, runs it through
// the guardrail, and audits it. A blocked draft is never returned.
func (a *Advisor) GenerateDraft(ctx context.Context, req DraftRequest) (*Draft, error) {
	if !a.enabled() {
		return nil, ErrAdvisorDisabled
	}

	var (
		title   string
		content string
		err     error
	)
	switch req.Kind {
	case DraftWorkflowSkeleton:
		title, content, err = a.workflowSkeleton(req)
	case DraftStepParameters:
		title, content, err = a.stepParameters(ctx, req)
	case DraftPolicyChange:
		title, content, err = a.policyChange(req)
	case DraftDocumentation:
		title, content, err = a.documentation(req)
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrBadDraftRequest, req.Kind)
	}
	if err != nil {
		return nil, err
	}

	draft := &Draft{
		ID:          uuid.NewString(),
		Kind:        req.Kind,
		Status:      DraftStatus,
		Title:       title,
		Content:     content,
		ContentHash: protocol.HashContent(content),
		Context:     draftContext(req),
		CreatedAt:   time.Now().UnixMilli(),
	}

	// Generation is deterministic, so drafts carry full confidence and
	// only the type deny-list can block them.
	verdict := a.guardrail.check(ctx, Subject{ID: draft.ID, Kind: draft.Kind, Context: draft.Context, Confidence: 1})
	switch verdict.Decision {
	case DecisionBlock:
		return nil, fmt.Errorf("%w: %s", ErrDraftBlocked, verdict.Reason)
	case DecisionFlag:
		draft.Flagged = true
		draft.FlagReason = verdict.Reason
	}

	a.store.Audit.RecordDraft(ctx, store.DraftAuditRow{
		DraftID:     draft.ID,
		Kind:        draft.Kind,
		Status:      draft.Status,
		ContentHash: draft.ContentHash,
		Context:     draft.Context,
	})
	return draft, nil
}

// workflowSkeleton renders a sequential definition document over the
// requested operations, each step feeding on the previous step's result.
func (a *Advisor) workflowSkeleton(req DraftRequest) (string, string, error) {
	if len(req.Operations) == 0 {
		return "", "", fmt.Errorf("%w: workflow-skeleton needs at least one operation", ErrBadDraftRequest)
	}
	id := req.WorkflowID
	if id == "" {
		id = "new-workflow"
	}

	def := workflow.Definition{
		ID:      id,
		Version: "0.1.0",
		Steps:   make([]workflow.Step, 0, len(req.Operations)),
	}
	for i, op := range req.Operations {
		if _, err := router.Resolve(op); err != nil {
			return "", "", fmt.Errorf("%w: %v", ErrBadDraftRequest, err)
		}
		source := "${initial}"
		if i > 0 {
			source = fmt.Sprintf("${step-%d}", i)
		}
		def.Steps = append(def.Steps, workflow.Step{
			ID:        fmt.Sprintf("step-%d", i+1),
			Type:      workflow.StepWorkerTask,
			Operation: op,
			Input:     map[string]any{"input": source},
		})
	}

	raw, err := json.MarshalIndent(def, "", "  ")
	if err != nil {
		return "", "", fmt.Errorf("rendering skeleton: %w", err)
	}
	return fmt.Sprintf("Workflow skeleton %s", id), string(raw) + "\n", nil
}

// stepParameters proposes retry settings for one worker step, sized from
// the step operation's recent failure count.
func (a *Advisor) stepParameters(ctx context.Context, req DraftRequest) (string, string, error) {
	if req.WorkflowID == "" || req.StepID == "" {
		return "", "", fmt.Errorf("%w: step-parameters needs workflow_id and step_id", ErrBadDraftRequest)
	}
	def, err := a.library.Get(req.WorkflowID)
	if err != nil {
		return "", "", err
	}
	step := def.Step(req.StepID)
	if step == nil {
		return "", "", fmt.Errorf("%w: workflow %s has no step %s", ErrBadDraftRequest, req.WorkflowID, req.StepID)
	}
	if step.Type != workflow.StepWorkerTask {
		return "", "", fmt.Errorf("%w: step %s is not a worker task", ErrBadDraftRequest, req.StepID)
	}

	since := time.Now().Add(-analysisWindow).UnixMilli()
	failed := len(a.store.History.Query(ctx, store.HistoryFilter{
		OperationType: step.Operation,
		Status:        store.TaskFailed,
		Since:         since,
		Limit:         100,
	}))
	attempts := 2
	if failed >= minFailures {
		attempts = 3
	}

	proposal := map[string]any{
		"id":        step.ID,
		"operation": step.Operation,
		"retry": map[string]any{
			"max_attempts": attempts,
			"backoff_ms":   2000,
		},
		"on_failure": step.FailurePolicy(),
	}
	raw, err := json.MarshalIndent(proposal, "", "  ")
	if err != nil {
		return "", "", fmt.Errorf("rendering step proposal: %w", err)
	}
	title := fmt.Sprintf("Retry parameters for %s/%s", req.WorkflowID, req.StepID)
	return title, string(raw) + "\n", nil
}

// policyChange overlays the requested fields on the active guardrail
// policy and renders the proposal next to a line diff against it.
func (a *Advisor) policyChange(req DraftRequest) (string, string, error) {
	if req.Policy == nil {
		return "", "", fmt.Errorf("%w: policy-change needs a policy overlay", ErrBadDraftRequest)
	}

	current := a.guardrail.policy
	proposed := current
	if req.Policy.MinConfidence != nil {
		proposed.MinConfidence = *req.Policy.MinConfidence
	}
	if req.Policy.BlockedTypes != nil {
		proposed.BlockedTypes = req.Policy.BlockedTypes
	}
	if req.Policy.MaxPerContext != nil {
		proposed.MaxPerContext = *req.Policy.MaxPerContext
	}
	if err := proposed.validate(); err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrBadDraftRequest, err)
	}

	var sb strings.Builder
	sb.WriteString("# proposed guardrail.yaml\n")
	sb.WriteString(proposed.Render())
	sb.WriteString("\n# diff against the active policy\n")
	sb.WriteString(lineDiff(current.Render(), proposed.Render()))
	return "Guardrail policy change", sb.String(), nil
}

// documentation renders a markdown description of one loaded definition.
func (a *Advisor) documentation(req DraftRequest) (string, string, error) {
	if req.WorkflowID == "" {
		return "", "", fmt.Errorf("%w: documentation needs workflow_id", ErrBadDraftRequest)
	}
	def, err := a.library.Get(req.WorkflowID)
	if err != nil {
		return "", "", err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "# Workflow %s (v%s)\n\n", def.ID, def.Version)
	if def.IsDAG() {
		sb.WriteString("Steps run in dependency order; independent steps may run concurrently.\n")
	} else {
		sb.WriteString("Steps run in declaration order.\n")
	}
	if def.MaxParallelism > 0 {
		fmt.Fprintf(&sb, "At most %d steps run at the same time.\n", def.MaxParallelism)
	}
	sb.WriteString("\n## Steps\n\n")
	for i := range def.Steps {
		s := &def.Steps[i]
		if s.Type == workflow.StepHumanApproval {
			fmt.Fprintf(&sb, "- **%s**: waits for a human decision (%s), prompt %q", s.ID, strings.Join(s.Actions(), "/"), s.Prompt)
		} else {
			fmt.Fprintf(&sb, "- **%s**: runs `%s`", s.ID, s.Operation)
			if s.Attempts() > 1 {
				fmt.Fprintf(&sb, ", up to %d attempts", s.Attempts())
			}
			if s.FailurePolicy() == workflow.OnFailureSkip {
				sb.WriteString(", skipped on failure")
			}
		}
		if len(s.DependsOn) > 0 {
			fmt.Fprintf(&sb, " (after %s)", strings.Join(s.DependsOn, ", "))
		}
		sb.WriteString("\n")
	}
	return fmt.Sprintf("Documentation for workflow %s", def.ID), sb.String(), nil
}

func draftContext(req DraftRequest) string {
	switch {
	case req.Context != "":
		return req.Context
	case req.WorkflowID != "":
		return "workflow:" + req.WorkflowID
	case req.Kind == DraftPolicyChange:
		return "policy"
	default:
		return "general"
	}
}

// lineDiff renders a line-granular diff with unified-style prefixes.
func lineDiff(before, after string) string {
	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines)

	var sb strings.Builder
	for _, d := range diffs {
		prefix := " "
		switch d.Type {
		case diffmatchpatch.DiffDelete:
			prefix = "-"
		case diffmatchpatch.DiffInsert:
			prefix = "+"
		}
		for _, line := range strings.Split(strings.TrimSuffix(d.Text, "\n"), "\n") {
			sb.WriteString(prefix)
			sb.WriteString(line)
			sb.WriteString("\n")
		}
	}
	return sb.String()
}
