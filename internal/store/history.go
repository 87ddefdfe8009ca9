package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/ordo-sh/ordo/internal/log"
)

// HistoryService owns the execution_history table. Every method is
// fail-safe: errors are logged and neutral values returned, so task
// accounting can never take a request down with it.
type HistoryService struct {
	db *sql.DB
}

// Begin opens a history record in the pending state and returns its id,
// or -1 when the write fails.
func (h *HistoryService) Begin(ctx context.Context, opType, module, inputSummary string, contractID *int64) int64 {
	res, err := h.db.ExecContext(ctx,
		`INSERT INTO execution_history (operation_type, module, started_at, status, input_summary, contract_id)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		opType, module, time.Now().UnixMilli(), TaskPending, inputSummary, contractID)
	if err != nil {
		log.ErrorErr(log.CatStore, "history insert failed", err, "operation", opType)
		return -1
	}
	id, err := res.LastInsertId()
	if err != nil {
		log.ErrorErr(log.CatStore, "history insert id unavailable", err, "operation", opType)
		return -1
	}
	return id
}

// MarkRunning transitions a record from pending to running.
func (h *HistoryService) MarkRunning(ctx context.Context, id int64) {
	if id < 0 {
		return
	}
	_, err := h.db.ExecContext(ctx,
		`UPDATE execution_history SET status = ? WHERE id = ? AND status = ?`,
		TaskRunning, id, TaskPending)
	if err != nil {
		log.ErrorErr(log.CatStore, "history update failed", err, "id", id, "status", TaskRunning)
	}
}

// Complete finishes a record with its output summary.
func (h *HistoryService) Complete(ctx context.Context, id int64, outputSummary string) {
	if id < 0 {
		return
	}
	_, err := h.db.ExecContext(ctx,
		`UPDATE execution_history SET status = ?, completed_at = ?, output_summary = ? WHERE id = ?`,
		TaskCompleted, time.Now().UnixMilli(), outputSummary, id)
	if err != nil {
		log.ErrorErr(log.CatStore, "history update failed", err, "id", id, "status", TaskCompleted)
	}
}

// Fail finishes a record with an error message.
func (h *HistoryService) Fail(ctx context.Context, id int64, errMsg string) {
	if id < 0 {
		return
	}
	_, err := h.db.ExecContext(ctx,
		`UPDATE execution_history SET status = ?, completed_at = ?, error_message = ? WHERE id = ?`,
		TaskFailed, time.Now().UnixMilli(), errMsg, id)
	if err != nil {
		log.ErrorErr(log.CatStore, "history update failed", err, "id", id, "status", TaskFailed)
	}
}

// HistoryFilter narrows Query results. Zero values mean no constraint.
type HistoryFilter struct {
	Status        string
	OperationType string
	Since         int64
	Until         int64
	Limit         int
	Offset        int
}

// Query returns matching records newest first, or an empty slice when the
// read fails.
func (h *HistoryService) Query(ctx context.Context, f HistoryFilter) []TaskRecord {
	q := `SELECT ` + taskColumns + ` FROM execution_history WHERE 1=1`
	args := make([]any, 0, 6)
	if f.Status != "" {
		q += ` AND status = ?`
		args = append(args, f.Status)
	}
	if f.OperationType != "" {
		q += ` AND operation_type = ?`
		args = append(args, f.OperationType)
	}
	if f.Since > 0 {
		q += ` AND started_at >= ?`
		args = append(args, f.Since)
	}
	if f.Until > 0 {
		q += ` AND started_at <= ?`
		args = append(args, f.Until)
	}
	q += ` ORDER BY started_at DESC, id DESC`
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	q += ` LIMIT ? OFFSET ?`
	args = append(args, limit, f.Offset)

	rows, err := h.db.QueryContext(ctx, q, args...)
	if err != nil {
		log.ErrorErr(log.CatStore, "history query failed", err)
		return []TaskRecord{}
	}
	defer func() { _ = rows.Close() }()

	out := []TaskRecord{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			log.ErrorErr(log.CatStore, "history scan failed", err)
			return []TaskRecord{}
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		log.ErrorErr(log.CatStore, "history rows failed", err)
		return []TaskRecord{}
	}
	return out
}
