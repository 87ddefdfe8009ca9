package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Workflow execution statuses persisted in workflow_execution.status.
const (
	ExecutionRunning           = "running"
	ExecutionPaused            = "paused"
	ExecutionPausedForApproval = "paused-for-approval"
	ExecutionCompleted         = "completed"
	ExecutionFailed            = "failed"
)

// Step statuses persisted in workflow_step_execution.status.
const (
	StepRunning   = "running"
	StepCompleted = "completed"
	StepFailed    = "failed"
	StepSkipped   = "skipped"
)

// terminalSteps guards step immutability: a completed or failed row only
// ever receives the single transition that made it terminal.
var terminalSteps = []string{StepCompleted, StepFailed, StepSkipped}

// WorkflowService owns workflow_execution and workflow_step_execution.
// Unlike history and audit writes, these are durability-critical and
// return their errors: the engine persists every transition before the
// next in-memory one.
type WorkflowService struct {
	db *sql.DB
}

// InsertExecution records a new execution, normally in the running state.
func (w *WorkflowService) InsertExecution(ctx context.Context, e ExecutionRow) error {
	startedAt := e.StartedAt
	if startedAt == 0 {
		startedAt = time.Now().UnixMilli()
	}
	_, err := w.db.ExecContext(ctx,
		`INSERT INTO workflow_execution (execution_id, workflow_id, status, started_at, initial_context)
		 VALUES (?, ?, ?, ?, ?)`,
		e.ExecutionID, e.WorkflowID, e.Status, startedAt, e.InitialContext)
	if err != nil {
		return fmt.Errorf("inserting execution %s: %w", e.ExecutionID, err)
	}
	return nil
}

// UpdateExecutionStatus transitions an execution, stamping completed_at on
// terminal states.
func (w *WorkflowService) UpdateExecutionStatus(ctx context.Context, executionID, status string, errMsg *string) error {
	var completedAt *int64
	if status == ExecutionCompleted || status == ExecutionFailed {
		now := time.Now().UnixMilli()
		completedAt = &now
	}
	_, err := w.db.ExecContext(ctx,
		`UPDATE workflow_execution SET status = ?, completed_at = COALESCE(?, completed_at), error_message = COALESCE(?, error_message)
		 WHERE execution_id = ?`,
		status, completedAt, errMsg, executionID)
	if err != nil {
		return fmt.Errorf("updating execution %s to %s: %w", executionID, status, err)
	}
	return nil
}

// GetExecution loads one execution by its correlation id.
func (w *WorkflowService) GetExecution(ctx context.Context, executionID string) (*ExecutionRow, error) {
	row := w.db.QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM workflow_execution WHERE execution_id = ?`, executionID)
	e, err := scanExecution(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &NotFoundError{Entity: "workflow execution", Key: executionID}
		}
		return nil, fmt.Errorf("loading execution %s: %w", executionID, err)
	}
	return &e, nil
}

// ListExecutionsByStatus returns executions in any of the given statuses,
// oldest first so resumption re-enters in start order.
func (w *WorkflowService) ListExecutionsByStatus(ctx context.Context, statuses ...string) ([]ExecutionRow, error) {
	if len(statuses) == 0 {
		return []ExecutionRow{}, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")
	args := make([]any, len(statuses))
	for i, s := range statuses {
		args[i] = s
	}

	rows, err := w.db.QueryContext(ctx,
		`SELECT `+executionColumns+` FROM workflow_execution WHERE status IN (`+placeholders+`) ORDER BY started_at, id`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("listing executions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := []ExecutionRow{}
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning execution: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading executions: %w", err)
	}
	return out, nil
}

// UpsertStepRunning creates the step row in the running state, or re-enters
// an existing non-terminal row (resumption re-runs interrupted steps).
// Terminal rows are left untouched.
func (w *WorkflowService) UpsertStepRunning(ctx context.Context, executionID, stepID, stepType string) error {
	res, err := w.db.ExecContext(ctx,
		`UPDATE workflow_step_execution SET status = ?, started_at = COALESCE(started_at, ?)
		 WHERE execution_id = ? AND step_id = ? AND status NOT IN (`+terminalPlaceholders()+`)`,
		append([]any{StepRunning, time.Now().UnixMilli(), executionID, stepID}, terminalArgs()...)...)
	if err != nil {
		return fmt.Errorf("re-entering step %s/%s: %w", executionID, stepID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading step update count: %w", err)
	}
	if affected > 0 {
		return nil
	}

	// No live row; insert unless a terminal row already exists.
	var existing int
	err = w.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM workflow_step_execution WHERE execution_id = ? AND step_id = ?`,
		executionID, stepID).Scan(&existing)
	if err != nil {
		return fmt.Errorf("checking step %s/%s: %w", executionID, stepID, err)
	}
	if existing > 0 {
		return nil
	}

	_, err = w.db.ExecContext(ctx,
		`INSERT INTO workflow_step_execution (execution_id, step_id, step_type, status, retry_count, started_at)
		 VALUES (?, ?, ?, ?, 0, ?)`,
		executionID, stepID, stepType, StepRunning, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("inserting step %s/%s: %w", executionID, stepID, err)
	}
	return nil
}

// FinishStep moves a step to a terminal status. The guard clause keeps
// already-terminal rows immutable.
func (w *WorkflowService) FinishStep(ctx context.Context, executionID, stepID, status string, result, errMsg *string) error {
	_, err := w.db.ExecContext(ctx,
		`UPDATE workflow_step_execution SET status = ?, completed_at = ?, result = ?, error_message = ?
		 WHERE execution_id = ? AND step_id = ? AND status NOT IN (`+terminalPlaceholders()+`)`,
		append([]any{status, time.Now().UnixMilli(), result, errMsg, executionID, stepID}, terminalArgs()...)...)
	if err != nil {
		return fmt.Errorf("finishing step %s/%s as %s: %w", executionID, stepID, status, err)
	}
	return nil
}

// InsertStepTerminal records a step that reached a terminal status without
// ever starting, such as a branch cut off by an upstream failure. No-op
// when any row for the step already exists.
func (w *WorkflowService) InsertStepTerminal(ctx context.Context, executionID, stepID, stepType, status string, errMsg *string) error {
	var existing int
	err := w.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM workflow_step_execution WHERE execution_id = ? AND step_id = ?`,
		executionID, stepID).Scan(&existing)
	if err != nil {
		return fmt.Errorf("checking step %s/%s: %w", executionID, stepID, err)
	}
	if existing > 0 {
		return nil
	}

	_, err = w.db.ExecContext(ctx,
		`INSERT INTO workflow_step_execution (execution_id, step_id, step_type, status, retry_count, completed_at, error_message)
		 VALUES (?, ?, ?, ?, 0, ?, ?)`,
		executionID, stepID, stepType, status, time.Now().UnixMilli(), errMsg)
	if err != nil {
		return fmt.Errorf("recording unrun step %s/%s: %w", executionID, stepID, err)
	}
	return nil
}

// SetStepRetry stores the retry counter after a failed attempt.
func (w *WorkflowService) SetStepRetry(ctx context.Context, executionID, stepID string, retryCount int) error {
	_, err := w.db.ExecContext(ctx,
		`UPDATE workflow_step_execution SET retry_count = ? WHERE execution_id = ? AND step_id = ?`,
		retryCount, executionID, stepID)
	if err != nil {
		return fmt.Errorf("updating retry count for %s/%s: %w", executionID, stepID, err)
	}
	return nil
}

// GetSteps returns every step row of an execution in insertion order.
func (w *WorkflowService) GetSteps(ctx context.Context, executionID string) ([]StepRow, error) {
	rows, err := w.db.QueryContext(ctx,
		`SELECT `+stepColumns+` FROM workflow_step_execution WHERE execution_id = ? ORDER BY id`,
		executionID)
	if err != nil {
		return nil, fmt.Errorf("listing steps for %s: %w", executionID, err)
	}
	defer func() { _ = rows.Close() }()

	out := []StepRow{}
	for rows.Next() {
		r, err := scanStep(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning step: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading steps: %w", err)
	}
	return out, nil
}

func terminalPlaceholders() string {
	return strings.TrimSuffix(strings.Repeat("?,", len(terminalSteps)), ",")
}

func terminalArgs() []any {
	args := make([]any, len(terminalSteps))
	for i, s := range terminalSteps {
		args[i] = s
	}
	return args
}
