package workflow

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/semaphore"

	"github.com/ordo-sh/ordo/internal/cachemanager"
	"github.com/ordo-sh/ordo/internal/eventbus"
	"github.com/ordo-sh/ordo/internal/log"
	"github.com/ordo-sh/ordo/internal/protocol"
	"github.com/ordo-sh/ordo/internal/router"
	"github.com/ordo-sh/ordo/internal/store"
)

// In-memory step states. Persisted rows use the store's status constants;
// awaiting maps to a running row with an unresolved approval.
const (
	statePending   = "pending"
	stateRunning   = "running"
	stateAwaiting  = "awaiting"
	stateCompleted = "completed"
	stateFailed    = "failed"
	stateSkipped   = "skipped"
)

// execution is the live state of one workflow run. The mutex guards every
// field below it. Step goroutines hand outcomes to the driver through done;
// an empty outcome is a wake-up after an approval resolution.
type execution struct {
	id         string
	def        *Definition
	order      []string
	steps      map[string]*Step
	deps       map[string][]string
	dependents map[string][]string

	sem  *semaphore.Weighted
	done chan outcome

	mu       sync.Mutex
	driving  bool
	terminal bool
	status   string
	state    map[string]string
	indeg    map[string]int
	results  map[string]any
	initial  map[string]any
	inflight int
	failed   bool
	failure  string
}

type outcome struct {
	stepID   string
	state    string
	result   map[string]any
	err      string
	attempts int
}

// newExecution compiles a definition into runnable state. Sequential
// definitions chain each step to its predecessor so one scheduling path
// serves both shapes.
func newExecution(def *Definition, executionID string, initial map[string]any) *execution {
	ex := &execution{
		id:         executionID,
		def:        def,
		order:      make([]string, 0, len(def.Steps)),
		steps:      make(map[string]*Step, len(def.Steps)),
		deps:       make(map[string][]string, len(def.Steps)),
		dependents: make(map[string][]string, len(def.Steps)),
		done:       make(chan outcome, len(def.Steps)+1),
		state:      make(map[string]string, len(def.Steps)),
		indeg:      make(map[string]int, len(def.Steps)),
		results:    map[string]any{},
		initial:    initial,
		status:     store.ExecutionRunning,
	}
	if n := def.MaxParallelism; n > 0 {
		ex.sem = semaphore.NewWeighted(int64(n))
	}

	dag := def.IsDAG()
	for i := range def.Steps {
		s := &def.Steps[i]
		ex.order = append(ex.order, s.ID)
		ex.steps[s.ID] = s
		ex.state[s.ID] = statePending
		switch {
		case dag:
			ex.deps[s.ID] = s.DependsOn
		case i > 0:
			ex.deps[s.ID] = []string{def.Steps[i-1].ID}
		}
		ex.indeg[s.ID] = len(ex.deps[s.ID])
		for _, dep := range ex.deps[s.ID] {
			ex.dependents[dep] = append(ex.dependents[dep], s.ID)
		}
	}
	return ex
}

// runnable returns pending steps whose dependencies are satisfied, in
// declaration order.
func (ex *execution) runnable() []string {
	out := []string{}
	for _, id := range ex.order {
		if ex.state[id] == statePending && ex.indeg[id] == 0 {
			out = append(out, id)
		}
	}
	return out
}

// satisfy releases dependents of a completed or skipped step.
func (ex *execution) satisfy(stepID string) {
	for _, dep := range ex.dependents[stepID] {
		if ex.indeg[dep] > 0 {
			ex.indeg[dep]--
		}
	}
}

func (ex *execution) awaiting() bool {
	for _, s := range ex.state {
		if s == stateAwaiting {
			return true
		}
	}
	return false
}

func (ex *execution) allTerminal() bool {
	for _, s := range ex.state {
		switch s {
		case stateCompleted, stateFailed, stateSkipped:
		default:
			return false
		}
	}
	return true
}

func (ex *execution) anyCompleted() bool {
	for _, s := range ex.state {
		if s == stateCompleted {
			return true
		}
	}
	return false
}

// drive launches the driver goroutine unless one is already running.
func (e *Engine) drive(ex *execution) {
	ex.mu.Lock()
	if ex.driving || ex.terminal {
		ex.mu.Unlock()
		return
	}
	ex.driving = true
	ex.mu.Unlock()

	e.wg.Add(1)
	log.SafeGo("workflow.drive", func() {
		defer e.wg.Done()
		e.run(ex)
	})
}

type tickResult int

const (
	tickWait tickResult = iota
	tickAgain
	tickDone
)

// run is the drive loop: each pass starts whatever is runnable, then waits
// for one outcome. It exits on pause (approval or engine stop) and on
// terminal states.
func (e *Engine) run(ex *execution) {
	for {
		switch e.tick(ex) {
		case tickWait:
			e.apply(ex, <-ex.done)
		case tickAgain:
		case tickDone:
			return
		}
	}
}

func (e *Engine) tick(ex *execution) tickResult {
	ex.mu.Lock()
	defer ex.mu.Unlock()

	stopping := e.stopping.Load()

	// A paused execution being driven again is running.
	if ex.status == store.ExecutionPaused && !stopping && !ex.terminal {
		e.persistStatus(ex, store.ExecutionRunning, nil)
	}

	if !ex.failed && !stopping {
		runnable := ex.runnable()
		for _, id := range runnable {
			if ex.steps[id].Type == StepHumanApproval {
				e.requestApproval(ex, ex.steps[id])
			}
		}
		// An unresolved approval pauses the whole execution: in-flight
		// branches drain, but nothing new starts beside it.
		if !ex.awaiting() {
			for _, id := range runnable {
				step := ex.steps[id]
				if step.Type != StepWorkerTask || ex.state[id] != statePending {
					continue
				}
				if ex.sem != nil && !ex.sem.TryAcquire(1) {
					break
				}
				e.startStep(ex, step)
			}
		}
	}

	if ex.inflight > 0 {
		return tickWait
	}

	if ex.failed {
		e.finish(ex)
		ex.driving = false
		return tickDone
	}
	if ex.awaiting() {
		if ex.status != store.ExecutionPausedForApproval {
			e.persistStatus(ex, store.ExecutionPausedForApproval, nil)
			log.Info(log.CatFlow, "execution paused for approval", "execution", ex.id, "workflow", ex.def.ID)
			e.publish(eventbus.TopicWorkflowPaused, map[string]any{
				"execution_id": ex.id,
				"workflow_id":  ex.def.ID,
				"reason":       "approval",
			})
		}
		ex.driving = false
		return tickDone
	}
	if ex.allTerminal() {
		e.finish(ex)
		ex.driving = false
		return tickDone
	}
	if stopping {
		if ex.status != store.ExecutionPaused {
			e.persistStatus(ex, store.ExecutionPaused, nil)
			log.Info(log.CatFlow, "execution paused for shutdown", "execution", ex.id)
		}
		ex.driving = false
		return tickDone
	}

	// A validated graph always leaves a runnable frontier, so an empty pass
	// means corrupted state. Fail instead of spinning.
	ex.failed = true
	ex.failure = "no runnable steps remain"
	return tickAgain
}

// apply folds one step outcome into the execution and releases dependents.
func (e *Engine) apply(ex *execution, out outcome) {
	if out.stepID == "" {
		// Wake-up after an approval resolution; tick re-evaluates.
		return
	}

	ex.mu.Lock()
	defer ex.mu.Unlock()

	ex.inflight--
	ex.state[out.stepID] = out.state

	switch out.state {
	case stateCompleted:
		ex.results[out.stepID] = out.result
		e.finishStep(ex, out.stepID, store.StepCompleted, encodeResult(out.result), nil)
		ex.satisfy(out.stepID)
		log.Debug(log.CatFlow, "step completed", "execution", ex.id, "step", out.stepID, "attempts", out.attempts)

	case stateSkipped:
		msg := out.err
		e.finishStep(ex, out.stepID, store.StepSkipped, nil, &msg)
		ex.satisfy(out.stepID)
		log.Warn(log.CatFlow, "step skipped after failure", "execution", ex.id, "step", out.stepID, "error", out.err)
		e.recordActivity("workflow.step_skipped", ex.id, store.SeverityWarning,
			fmt.Sprintf("step %s skipped: %s", out.stepID, out.err))

	case stateFailed:
		msg := out.err
		e.finishStep(ex, out.stepID, store.StepFailed, nil, &msg)
		e.failBranch(ex, out.stepID, out.err)
		log.Warn(log.CatFlow, "step failed", "execution", ex.id, "step", out.stepID, "error", out.err)
		e.recordActivity("workflow.step_failed", ex.id, store.SeverityError,
			fmt.Sprintf("step %s failed: %s", out.stepID, out.err))
	}
}

// failBranch latches the workflow failure and marks every transitive
// dependent failed without running it.
func (e *Engine) failBranch(ex *execution, stepID, cause string) {
	if !ex.failed {
		ex.failed = true
		ex.failure = fmt.Sprintf("step %s failed: %s", stepID, cause)
	}
	queue := append([]string{}, ex.dependents[stepID]...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if ex.state[id] != statePending {
			continue
		}
		ex.state[id] = stateFailed
		e.persistNeverRan(ex, id, "not run: upstream step "+stepID+" failed")
		queue = append(queue, ex.dependents[id]...)
	}
}

// requestApproval persists the approval row and parks the step. The driver
// returns control once in-flight branches drain; no goroutine waits on the
// decision.
func (e *Engine) requestApproval(ex *execution, step *Step) {
	if err := e.flows.UpsertStepRunning(e.ctx(), ex.id, step.ID, step.Type); err != nil {
		log.Error(log.CatFlow, "persisting approval step failed", "execution", ex.id, "step", step.ID, "error", err)
	}
	if _, err := e.approvals.Insert(e.ctx(), store.ApprovalRow{
		ExecutionID:    ex.id,
		StepID:         step.ID,
		Prompt:         step.Prompt,
		AllowedActions: strings.Join(step.Actions(), ","),
	}); err != nil {
		log.Error(log.CatFlow, "persisting approval failed", "execution", ex.id, "step", step.ID, "error", err)
	}
	ex.state[step.ID] = stateAwaiting

	log.Info(log.CatFlow, "approval requested", "execution", ex.id, "step", step.ID)
	e.publish(eventbus.TopicApprovalRequested, map[string]any{
		"execution_id":    ex.id,
		"step_id":         step.ID,
		"prompt":          step.Prompt,
		"allowed_actions": step.Actions(),
	})
	e.recordActivity("approval.requested", ex.id, store.SeverityInfo,
		fmt.Sprintf("step %s awaits approval", step.ID))
}

// startStep resolves the input template against the current caches and
// launches the dispatch goroutine. Called with ex.mu held.
func (e *Engine) startStep(ex *execution, step *Step) {
	ex.state[step.ID] = stateRunning
	ex.inflight++
	if err := e.flows.UpsertStepRunning(e.ctx(), ex.id, step.ID, step.Type); err != nil {
		log.Error(log.CatFlow, "persisting step start failed", "execution", ex.id, "step", step.ID, "error", err)
	}

	input := ResolveTemplate(step.Input, Scope{
		Initial:   ex.initial,
		Results:   ex.results,
		Variables: ex.def.Variables,
	})
	log.Debug(log.CatFlow, "step started", "execution", ex.id, "step", step.ID, "operation", step.Operation)

	log.SafeGo("workflow.step", func() {
		out := outcome{stepID: step.ID, state: stateFailed, err: "step goroutine aborted"}
		defer func() {
			if ex.sem != nil {
				ex.sem.Release(1)
			}
			ex.done <- out
		}()
		out = e.executeTask(ex, step, input)
	})
}

// executeTask dispatches one worker-task step under its retry policy. The
// step row's retry counter grows as attempts fail.
func (e *Engine) executeTask(ex *execution, step *Step, input map[string]any) outcome {
	route, err := router.Resolve(step.Operation)
	if err != nil {
		return outcome{stepID: step.ID, state: stateFailed, err: fmt.Sprintf("operation %s: %v", step.Operation, err)}
	}
	payload, err := json.Marshal(input)
	if err != nil {
		return outcome{stepID: step.ID, state: stateFailed, err: fmt.Sprintf("encoding input: %v", err)}
	}
	req := protocol.Request{
		ID:        ex.id + ":" + step.ID,
		Type:      step.Operation,
		Payload:   payload,
		Timestamp: time.Now().UnixMilli(),
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = step.Backoff()

	attempts := 0
	operation := func() (any, error) {
		attempts++
		resp := e.dispatch(e.ctx(), route, req)
		if !resp.Success {
			msg := "worker error"
			var code string
			if resp.Error != nil {
				msg = resp.Error.Message
				code = resp.Error.Code
			}
			failure := errors.New(msg)
			if code == protocol.CodeValidationFailed || code == protocol.CodeUnknownOperation {
				// Rejections are deterministic; retrying cannot change them.
				return nil, backoff.Permanent(failure)
			}
			return nil, failure
		}
		return resp.Result, nil
	}

	result, err := backoff.Retry(e.ctx(), operation,
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(uint(step.Attempts())),
		backoff.WithNotify(func(cause error, wait time.Duration) {
			log.Warn(log.CatFlow, "step attempt failed", "execution", ex.id, "step", step.ID,
				"attempt", attempts, "retryIn", wait, "error", cause)
			if err := e.flows.SetStepRetry(e.ctx(), ex.id, step.ID, attempts); err != nil {
				log.Error(log.CatFlow, "persisting retry count failed", "execution", ex.id, "step", step.ID, "error", err)
			}
		}),
	)
	if err != nil {
		state := stateFailed
		if step.FailurePolicy() == OnFailureSkip {
			state = stateSkipped
		}
		return outcome{stepID: step.ID, state: state, err: err.Error(), attempts: attempts}
	}
	return outcome{
		stepID:   step.ID,
		state:    stateCompleted,
		result:   map[string]any{"result": result},
		attempts: attempts,
	}
}

// finish persists the terminal status once every branch has reported.
// Steps still pending at failure time were cut off by the latch and are
// recorded as failed without running. Called with ex.mu held.
func (e *Engine) finish(ex *execution) {
	if ex.terminal {
		return
	}
	ex.terminal = true

	status := store.ExecutionCompleted
	var errMsg *string
	switch {
	case ex.failed:
		status = store.ExecutionFailed
		if ex.failure != "" {
			errMsg = &ex.failure
		}
		for _, id := range ex.order {
			switch ex.state[id] {
			case statePending:
				ex.state[id] = stateFailed
				e.persistNeverRan(ex, id, "not run: "+ex.failure)
			case stateAwaiting:
				// The approval row stays unresolved; resolving it later is
				// recorded but resumes nothing.
				ex.state[id] = stateFailed
				msg := "workflow failed before approval resolution"
				e.finishStep(ex, id, store.StepFailed, nil, &msg)
			}
		}
	case !ex.anyCompleted():
		// Completion requires at least one completed step; a run where
		// every step was skipped has produced nothing.
		status = store.ExecutionFailed
		ex.failure = "every step was skipped"
		errMsg = &ex.failure
	}

	e.persistStatus(ex, status, errMsg)

	if status == store.ExecutionCompleted {
		log.Info(log.CatFlow, "workflow completed", "execution", ex.id, "workflow", ex.def.ID)
		e.publish(eventbus.TopicWorkflowCompleted, map[string]any{
			"execution_id": ex.id,
			"workflow_id":  ex.def.ID,
		})
		e.countExecution("completed")
		e.recordActivity("workflow.completed", ex.id, store.SeverityInfo,
			fmt.Sprintf("workflow %s completed", ex.def.ID))
	} else {
		log.Warn(log.CatFlow, "workflow failed", "execution", ex.id, "workflow", ex.def.ID, "error", ex.failure)
		e.publish(eventbus.TopicWorkflowFailed, map[string]any{
			"execution_id": ex.id,
			"workflow_id":  ex.def.ID,
			"error":        ex.failure,
		})
		e.countExecution("failed")
		e.recordActivity("workflow.failed", ex.id, store.SeverityError,
			fmt.Sprintf("workflow %s failed: %s", ex.def.ID, ex.failure))
	}

	e.retention.Set(e.ctx(), ex.id, FinishedContext{
		WorkflowID: ex.def.ID,
		Status:     status,
		Results:    ex.results,
		Error:      ex.failure,
	}, cachemanager.DefaultExpiration)

	e.mu.Lock()
	delete(e.runs, ex.id)
	e.mu.Unlock()
}

func (e *Engine) persistNeverRan(ex *execution, stepID, reason string) {
	step := ex.steps[stepID]
	if err := e.flows.InsertStepTerminal(e.ctx(), ex.id, stepID, step.Type, store.StepFailed, &reason); err != nil {
		log.Error(log.CatFlow, "persisting unrun step failed", "execution", ex.id, "step", stepID, "error", err)
	}
}

func (e *Engine) finishStep(ex *execution, stepID, status string, result, errMsg *string) {
	if err := e.flows.FinishStep(e.ctx(), ex.id, stepID, status, result, errMsg); err != nil {
		log.Error(log.CatFlow, "persisting step finish failed", "execution", ex.id, "step", stepID, "status", status, "error", err)
	}
}

func (e *Engine) persistStatus(ex *execution, status string, errMsg *string) {
	ex.status = status
	if err := e.flows.UpdateExecutionStatus(e.ctx(), ex.id, status, errMsg); err != nil {
		log.Error(log.CatFlow, "persisting execution status failed", "execution", ex.id, "status", status, "error", err)
	}
}

func encodeResult(envelope map[string]any) *string {
	raw, err := json.Marshal(envelope)
	if err != nil {
		log.ErrorErr(log.CatFlow, "encoding step result failed", err)
		return nil
	}
	s := string(raw)
	return &s
}

func decodeResult(raw *string) map[string]any {
	if raw == nil {
		return map[string]any{}
	}
	var envelope map[string]any
	if err := json.Unmarshal([]byte(*raw), &envelope); err != nil {
		log.Warn(log.CatFlow, "step result unreadable", "error", err)
		return map[string]any{}
	}
	return envelope
}
