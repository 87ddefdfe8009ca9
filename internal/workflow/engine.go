package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ordo-sh/ordo/internal/cachemanager"
	"github.com/ordo-sh/ordo/internal/eventbus"
	"github.com/ordo-sh/ordo/internal/flags"
	"github.com/ordo-sh/ordo/internal/log"
	"github.com/ordo-sh/ordo/internal/metrics"
	"github.com/ordo-sh/ordo/internal/protocol"
	"github.com/ordo-sh/ordo/internal/router"
	"github.com/ordo-sh/ordo/internal/store"
)

var (
	// ErrDecisionNotAllowed reports a resolution word outside the
	// approval's allowed set.
	ErrDecisionNotAllowed = errors.New("decision not allowed")

	// ErrEngineStopped reports a start attempt on a draining engine.
	ErrEngineStopped = errors.New("workflow engine stopped")
)

// Dispatch executes one routed request and returns its response. The
// kernel hands the engine the same function the scheduler uses, so workflow
// steps travel the identical path as directly submitted tasks.
type Dispatch func(ctx context.Context, route router.Route, req protocol.Request) protocol.Response

// Config wires the engine's collaborators. Library, Store, and Dispatch
// are required; the rest degrade to no-ops when nil.
type Config struct {
	Library  *Library
	Store    *store.Store
	Dispatch Dispatch
	Bus      *eventbus.Bus
	Metrics  *metrics.Metrics
	Flags    *flags.Registry
}

// Engine executes workflow definitions: sequential chains, dependency
// DAGs, and human-approval pauses. One driver goroutine advances each live
// execution; individual DAG steps run on their own goroutines under the
// definition's parallelism cap.
type Engine struct {
	library   *Library
	flows     *store.WorkflowService
	approvals *store.ApprovalService
	activity  *store.ActivityService
	dispatch  Dispatch
	bus       *eventbus.Bus
	metrics   *metrics.Metrics

	// retention keeps finished execution contexts queryable for a short
	// window after completion.
	retention *cachemanager.InMemoryCacheManager[string, FinishedContext]

	baseCtx  context.Context
	stopping atomic.Bool

	mu       sync.Mutex
	runs     map[string]*execution
	triggers map[triggerKey]eventbus.Token

	wg sync.WaitGroup
}

type triggerKey struct {
	topic      string
	workflowID string
}

// Trigger couples an event topic to a workflow start.
type Trigger struct {
	Topic      string `json:"topic"`
	WorkflowID string `json:"workflow_id"`
}

// FinishedContext is the retained snapshot of a finished execution.
type FinishedContext struct {
	WorkflowID string
	Status     string
	Results    map[string]any
	Error      string
}

// New builds an engine. Call Start before submitting work.
func New(cfg Config) *Engine {
	e := &Engine{
		library:  cfg.Library,
		dispatch: cfg.Dispatch,
		bus:      cfg.Bus,
		metrics:  cfg.Metrics,
		retention: cachemanager.NewInMemoryCacheManager[string, FinishedContext](
			"workflow-context", cachemanager.DefaultExpiration, cachemanager.DefaultCleanupInterval),
		runs:     map[string]*execution{},
		triggers: map[triggerKey]eventbus.Token{},
	}
	if cfg.Store != nil {
		e.flows = cfg.Store.Workflows
		e.approvals = cfg.Store.Approvals
		e.activity = cfg.Store.Activity
	}
	if cfg.Flags.Enabled(flags.FlagApprovalTimeoutEnforcement) {
		// The timeout contract is persisted with each definition; this
		// build arms no auto-reject timer, so fail-policy approvals wait.
		log.Warn(log.CatFlow, "approval-timeout-enforcement is set but no timer is armed")
	}
	return e
}

// Start binds the engine to its lifetime context. Step dispatches and
// persistence run on it, so it must outlive Stop.
func (e *Engine) Start(ctx context.Context) {
	e.baseCtx = ctx
}

// StartWorkflow persists a running execution for the definition and begins
// driving it. It returns the new execution's correlation id.
func (e *Engine) StartWorkflow(ctx context.Context, workflowID string, initial map[string]any) (string, error) {
	if e.stopping.Load() {
		return "", ErrEngineStopped
	}
	def, err := e.library.Get(workflowID)
	if err != nil {
		return "", err
	}

	executionID := uuid.NewString()
	var initialJSON *string
	if initial != nil {
		raw, err := json.Marshal(initial)
		if err != nil {
			return "", fmt.Errorf("encoding initial context: %w", err)
		}
		s := string(raw)
		initialJSON = &s
	}
	if err := e.flows.InsertExecution(ctx, store.ExecutionRow{
		ExecutionID:    executionID,
		WorkflowID:     workflowID,
		Status:         store.ExecutionRunning,
		InitialContext: initialJSON,
	}); err != nil {
		return "", err
	}

	ex := newExecution(def, executionID, initial)
	e.mu.Lock()
	e.runs[executionID] = ex
	e.mu.Unlock()

	log.Info(log.CatFlow, "workflow started", "workflow", workflowID, "execution", executionID, "steps", len(def.Steps))
	e.publish(eventbus.TopicWorkflowStarted, map[string]any{
		"execution_id": executionID,
		"workflow_id":  workflowID,
	})
	e.countExecution("started")
	e.recordActivity("workflow.started", executionID, store.SeverityInfo,
		fmt.Sprintf("workflow %s started", workflowID))

	e.drive(ex)
	return executionID, nil
}

// ResolveApproval writes a decision exactly once and resumes or fails the
// paused execution. A second resolution returns store.ErrAlreadyResolved.
func (e *Engine) ResolveApproval(ctx context.Context, executionID, stepID, decision, actor, comment string) error {
	row, err := e.approvals.GetByStep(ctx, executionID, stepID)
	if err != nil {
		return err
	}
	word := strings.ToUpper(strings.TrimSpace(decision))
	if !allowedDecision(row.AllowedActions, word) {
		return fmt.Errorf("%w: %q not in [%s]", ErrDecisionNotAllowed, decision, row.AllowedActions)
	}
	if err := e.approvals.Resolve(ctx, executionID, stepID, word, actor, comment); err != nil {
		return err
	}

	log.Info(log.CatFlow, "approval resolved", "execution", executionID, "step", stepID, "decision", word, "actor", actor)
	e.publish(eventbus.TopicApprovalResolved, map[string]any{
		"execution_id": executionID,
		"step_id":      stepID,
		"decision":     word,
		"actor":        actor,
	})
	e.recordActivity("approval.resolved", executionID, store.SeverityInfo,
		fmt.Sprintf("step %s %s by %s", stepID, strings.ToLower(word), actor))

	e.mu.Lock()
	ex := e.runs[executionID]
	e.mu.Unlock()
	if ex == nil {
		// The decision is durable. An execution that is no longer live
		// (already terminal) takes no further transitions from it.
		log.Warn(log.CatFlow, "approval resolved for non-live execution", "execution", executionID, "step", stepID)
		return nil
	}

	e.applyDecision(ex, stepID, word, actor, comment)
	e.drive(ex)
	return nil
}

// applyDecision folds an approval decision into the live execution state.
func (e *Engine) applyDecision(ex *execution, stepID, word, actor, comment string) {
	ex.mu.Lock()
	defer ex.mu.Unlock()

	if ex.state[stepID] != stateAwaiting {
		return
	}
	step := ex.steps[stepID]

	if ApprovesStep(word) {
		envelope := map[string]any{"decision": word, "actor": actor, "comment": comment}
		ex.state[stepID] = stateCompleted
		ex.results[stepID] = envelope
		e.finishStep(ex, stepID, store.StepCompleted, encodeResult(envelope), nil)
		ex.satisfy(stepID)
	} else {
		msg := fmt.Sprintf("approval rejected by %s", actor)
		if step.FailurePolicy() == OnFailureSkip {
			ex.state[stepID] = stateSkipped
			e.finishStep(ex, stepID, store.StepSkipped, nil, &msg)
			ex.satisfy(stepID)
		} else {
			ex.state[stepID] = stateFailed
			e.finishStep(ex, stepID, store.StepFailed, nil, &msg)
			e.failBranch(ex, stepID, msg)
		}
	}

	if ex.status == store.ExecutionPausedForApproval && !ex.terminal {
		e.persistStatus(ex, store.ExecutionRunning, nil)
	}
	if ex.driving {
		// A blocked driver re-evaluates on the wake-up; a driver mid-tick
		// sees the new state anyway.
		select {
		case ex.done <- outcome{}:
		default:
		}
	}
}

// ListPendingApprovals snapshots unresolved approvals, oldest first.
func (e *Engine) ListPendingApprovals(ctx context.Context) ([]store.ApprovalRow, error) {
	return e.approvals.ListPending(ctx)
}

// RegisterTrigger subscribes the workflow to a topic. Each fired event
// starts one execution whose initial context carries trigger_event,
// trigger_timestamp, and the event payload. Registering the same pair
// twice is a no-op.
func (e *Engine) RegisterTrigger(topic, workflowID string) error {
	if e.bus == nil {
		return errors.New("event bus not configured")
	}
	if strings.TrimSpace(topic) == "" {
		return errors.New("trigger topic is empty")
	}
	if _, err := e.library.Get(workflowID); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	key := triggerKey{topic: topic, workflowID: workflowID}
	if _, ok := e.triggers[key]; ok {
		return nil
	}
	token := e.bus.Subscribe(topic, func(evt eventbus.Event) {
		e.fireTrigger(topic, workflowID, evt.Payload)
	})
	e.triggers[key] = token
	log.Info(log.CatFlow, "trigger registered", "topic", topic, "workflow", workflowID)
	return nil
}

func (e *Engine) fireTrigger(topic, workflowID string, payload any) {
	initial := map[string]any{
		"trigger_event":     topic,
		"trigger_timestamp": time.Now().UnixMilli(),
	}
	switch p := payload.(type) {
	case map[string]any:
		for k, v := range p {
			if _, reserved := initial[k]; !reserved {
				initial[k] = v
			}
		}
	case nil:
	default:
		initial["payload"] = p
	}
	if _, err := e.StartWorkflow(e.ctx(), workflowID, initial); err != nil {
		log.Warn(log.CatFlow, "trigger start failed", "topic", topic, "workflow", workflowID, "error", err)
	}
}

// UnregisterTrigger removes the coupling.
func (e *Engine) UnregisterTrigger(topic, workflowID string) error {
	key := triggerKey{topic: topic, workflowID: workflowID}
	e.mu.Lock()
	token, ok := e.triggers[key]
	if ok {
		delete(e.triggers, key)
	}
	e.mu.Unlock()
	if !ok {
		return &store.NotFoundError{Entity: "workflow trigger", Key: topic + "/" + workflowID}
	}
	e.bus.Unsubscribe(token)
	log.Info(log.CatFlow, "trigger unregistered", "topic", topic, "workflow", workflowID)
	return nil
}

// ListTriggers returns the registered couplings sorted by topic then
// workflow.
func (e *Engine) ListTriggers() []Trigger {
	e.mu.Lock()
	out := make([]Trigger, 0, len(e.triggers))
	for key := range e.triggers {
		out = append(out, Trigger{Topic: key.topic, WorkflowID: key.workflowID})
	}
	e.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Topic != out[j].Topic {
			return out[i].Topic < out[j].Topic
		}
		return out[i].WorkflowID < out[j].WorkflowID
	})
	return out
}

// Definitions exposes the loaded definition set for status surfaces and
// the advisor.
func (e *Engine) Definitions() []*Definition {
	return e.library.List()
}

// OpenExecutions reports the number of live executions, paused included.
func (e *Engine) OpenExecutions() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.runs)
}

// FinishedExecution returns the retained context of a recently finished
// execution.
func (e *Engine) FinishedExecution(executionID string) (FinishedContext, bool) {
	return e.retention.Get(e.ctx(), executionID)
}

// Stop drains the engine: running steps finish their current dispatch, no
// new steps start, and unfinished executions persist as paused for the
// next start to resume. Triggers are dropped first so no new executions
// arrive mid-drain.
func (e *Engine) Stop() {
	if !e.stopping.CompareAndSwap(false, true) {
		return
	}

	e.mu.Lock()
	for key, token := range e.triggers {
		e.bus.Unsubscribe(token)
		delete(e.triggers, key)
	}
	e.mu.Unlock()

	e.wg.Wait()

	e.mu.Lock()
	paused := len(e.runs)
	e.mu.Unlock()
	log.Info(log.CatFlow, "workflow engine stopped", "pausedExecutions", paused)
}

func (e *Engine) ctx() context.Context {
	if e.baseCtx != nil {
		return e.baseCtx
	}
	return context.Background()
}

func (e *Engine) publish(topic string, payload any) {
	if e.bus != nil {
		e.bus.Publish(topic, payload)
	}
}

func (e *Engine) countExecution(status string) {
	if e.metrics != nil {
		e.metrics.WorkflowExecutions.WithLabelValues(status).Inc()
	}
}

func (e *Engine) recordActivity(action, executionID, severity, message string) {
	if e.activity == nil {
		return
	}
	e.activity.Record(e.ctx(), store.ActivityEntry{
		Action:     action,
		EntityType: "workflow_execution",
		EntityID:   executionID,
		Severity:   severity,
		Module:     "workflow",
		Message:    message,
	})
}

func allowedDecision(csv, word string) bool {
	for _, a := range strings.Split(csv, ",") {
		if strings.EqualFold(strings.TrimSpace(a), word) {
			return true
		}
	}
	return false
}
