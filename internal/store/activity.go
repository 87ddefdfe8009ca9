package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/ordo-sh/ordo/internal/log"
)

// Severity levels for activity entries.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityError    = "error"
	SeveritySecurity = "security"
)

// ActivityService owns the activity_log table. Writes are fail-safe.
type ActivityService struct {
	db *sql.DB
}

// Record appends one structured event and returns its id, or -1 when the
// write fails.
func (a *ActivityService) Record(ctx context.Context, entry ActivityEntry) int64 {
	ts := entry.Timestamp
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}
	res, err := a.db.ExecContext(ctx,
		`INSERT INTO activity_log (timestamp, action, entity_type, entity_id, severity, module, short_message, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ts, entry.Action, entry.EntityType, entry.EntityID, entry.Severity, entry.Module, entry.Message, entry.Metadata)
	if err != nil {
		log.ErrorErr(log.CatStore, "activity insert failed", err, "action", entry.Action)
		return -1
	}
	id, err := res.LastInsertId()
	if err != nil {
		log.ErrorErr(log.CatStore, "activity insert id unavailable", err, "action", entry.Action)
		return -1
	}
	return id
}

// ActivityFilter narrows Query results. Zero values mean no constraint.
type ActivityFilter struct {
	Action   string
	Severity string
	Module   string
	Since    int64
	Until    int64
	Limit    int
	Offset   int
}

// Query returns matching entries newest first, or an empty slice when the
// read fails.
func (a *ActivityService) Query(ctx context.Context, f ActivityFilter) []ActivityEntry {
	q := `SELECT ` + activityColumns + ` FROM activity_log WHERE 1=1`
	args := make([]any, 0, 7)
	if f.Action != "" {
		q += ` AND action = ?`
		args = append(args, f.Action)
	}
	if f.Severity != "" {
		q += ` AND severity = ?`
		args = append(args, f.Severity)
	}
	if f.Module != "" {
		q += ` AND module = ?`
		args = append(args, f.Module)
	}
	if f.Since > 0 {
		q += ` AND timestamp >= ?`
		args = append(args, f.Since)
	}
	if f.Until > 0 {
		q += ` AND timestamp <= ?`
		args = append(args, f.Until)
	}
	q += ` ORDER BY timestamp DESC, id DESC`
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	q += ` LIMIT ? OFFSET ?`
	args = append(args, limit, f.Offset)

	rows, err := a.db.QueryContext(ctx, q, args...)
	if err != nil {
		log.ErrorErr(log.CatStore, "activity query failed", err)
		return []ActivityEntry{}
	}
	defer func() { _ = rows.Close() }()

	out := []ActivityEntry{}
	for rows.Next() {
		e, err := scanActivity(rows)
		if err != nil {
			log.ErrorErr(log.CatStore, "activity scan failed", err)
			return []ActivityEntry{}
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		log.ErrorErr(log.CatStore, "activity rows failed", err)
		return []ActivityEntry{}
	}
	return out
}
