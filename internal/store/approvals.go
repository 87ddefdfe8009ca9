package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrAlreadyResolved reports a second resolution attempt on an approval.
var ErrAlreadyResolved = errors.New("approval already resolved")

// ApprovalService owns the workflow_approval table. Resolution is a
// compare-and-set on the decision column so concurrent resolutions of the
// same record serialize: exactly one wins.
type ApprovalService struct {
	db *sql.DB
}

// Insert records a pending approval (decision null) and returns its id.
func (a *ApprovalService) Insert(ctx context.Context, row ApprovalRow) (int64, error) {
	requestedAt := row.RequestedAt
	if requestedAt == 0 {
		requestedAt = time.Now().UnixMilli()
	}
	res, err := a.db.ExecContext(ctx,
		`INSERT INTO workflow_approval (execution_id, step_id, prompt, allowed_actions, requested_at)
		 VALUES (?, ?, ?, ?, ?)`,
		row.ExecutionID, row.StepID, row.Prompt, row.AllowedActions, requestedAt)
	if err != nil {
		return -1, fmt.Errorf("inserting approval %s/%s: %w", row.ExecutionID, row.StepID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return -1, fmt.Errorf("reading approval id: %w", err)
	}
	return id, nil
}

// Resolve writes the decision exactly once. It returns ErrAlreadyResolved
// when the record was resolved before this call, and NotFoundError when no
// approval exists for the pair.
func (a *ApprovalService) Resolve(ctx context.Context, executionID, stepID, decision, actorID, comment string) error {
	res, err := a.db.ExecContext(ctx,
		`UPDATE workflow_approval SET decision = ?, actor_id = ?, comment = ?, resolved_at = ?
		 WHERE execution_id = ? AND step_id = ? AND decision IS NULL`,
		decision, actorID, comment, time.Now().UnixMilli(), executionID, stepID)
	if err != nil {
		return fmt.Errorf("resolving approval %s/%s: %w", executionID, stepID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading approval update count: %w", err)
	}
	if affected > 0 {
		return nil
	}

	// Nothing updated: either the approval does not exist or it was
	// already resolved.
	var count int
	err = a.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM workflow_approval WHERE execution_id = ? AND step_id = ?`,
		executionID, stepID).Scan(&count)
	if err != nil {
		return fmt.Errorf("checking approval %s/%s: %w", executionID, stepID, err)
	}
	if count == 0 {
		return &NotFoundError{Entity: "approval", Key: executionID + "/" + stepID}
	}
	return ErrAlreadyResolved
}

// ListPending returns every unresolved approval, oldest first.
func (a *ApprovalService) ListPending(ctx context.Context) ([]ApprovalRow, error) {
	rows, err := a.db.QueryContext(ctx,
		`SELECT `+approvalColumns+` FROM workflow_approval WHERE decision IS NULL ORDER BY requested_at, id`)
	if err != nil {
		return nil, fmt.Errorf("listing pending approvals: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := []ApprovalRow{}
	for rows.Next() {
		row, err := scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning approval: %w", err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading approvals: %w", err)
	}
	return out, nil
}

// GetByStep loads the approval for one execution step.
func (a *ApprovalService) GetByStep(ctx context.Context, executionID, stepID string) (*ApprovalRow, error) {
	row := a.db.QueryRowContext(ctx,
		`SELECT `+approvalColumns+` FROM workflow_approval WHERE execution_id = ? AND step_id = ? ORDER BY id DESC LIMIT 1`,
		executionID, stepID)
	approval, err := scanApproval(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &NotFoundError{Entity: "approval", Key: executionID + "/" + stepID}
		}
		return nil, fmt.Errorf("loading approval %s/%s: %w", executionID, stepID, err)
	}
	return &approval, nil
}
