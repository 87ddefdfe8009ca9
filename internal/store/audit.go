package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/ordo-sh/ordo/internal/log"
)

// AuditService owns the three advisor audit tables. Writes are fail-safe:
// an audit row that cannot be written is logged, never fatal.
type AuditService struct {
	db *sql.DB
}

// RecordSuggestion audits one computed suggestion.
func (a *AuditService) RecordSuggestion(ctx context.Context, row SuggestionAuditRow) {
	createdAt := row.CreatedAt
	if createdAt == 0 {
		createdAt = time.Now().UnixMilli()
	}
	_, err := a.db.ExecContext(ctx,
		`INSERT INTO ai_suggestion_audit (suggestion_id, suggestion_type, context, title, confidence, level, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		row.SuggestionID, row.SuggestionType, row.Context, row.Title, row.Confidence, row.Level, createdAt)
	if err != nil {
		log.ErrorErr(log.CatStore, "suggestion audit failed", err, "suggestion", row.SuggestionID)
	}
}

// RecordGuardrail audits one guardrail decision.
func (a *AuditService) RecordGuardrail(ctx context.Context, row GuardrailAuditRow) {
	createdAt := row.CreatedAt
	if createdAt == 0 {
		createdAt = time.Now().UnixMilli()
	}
	_, err := a.db.ExecContext(ctx,
		`INSERT INTO ai_guardrail_audit (suggestion_id, decision, reason, context, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		row.SuggestionID, row.Decision, row.Reason, row.Context, createdAt)
	if err != nil {
		log.ErrorErr(log.CatStore, "guardrail audit failed", err, "suggestion", row.SuggestionID)
	}
}

// RecordDraft audits one generated draft artifact.
func (a *AuditService) RecordDraft(ctx context.Context, row DraftAuditRow) {
	createdAt := row.CreatedAt
	if createdAt == 0 {
		createdAt = time.Now().UnixMilli()
	}
	status := row.Status
	if status == "" {
		status = "draft-only"
	}
	_, err := a.db.ExecContext(ctx,
		`INSERT INTO ai_draft_audit (draft_id, kind, status, content_hash, context, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		row.DraftID, row.Kind, status, row.ContentHash, row.Context, createdAt)
	if err != nil {
		log.ErrorErr(log.CatStore, "draft audit failed", err, "draft", row.DraftID)
	}
}

// CountSuggestionsSince reports how many suggestions were audited for a
// context after the given instant. The guardrail's per-context cap reads
// this; a failed read returns 0 so auditing trouble never blocks advice.
func (a *AuditService) CountSuggestionsSince(ctx context.Context, contextKey string, since int64) int {
	var count int
	err := a.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM ai_suggestion_audit WHERE context = ? AND created_at >= ?`,
		contextKey, since).Scan(&count)
	if err != nil {
		log.ErrorErr(log.CatStore, "suggestion count failed", err, "context", contextKey)
		return 0
	}
	return count
}

// GuardrailDecisions returns the audited decisions for a context, newest
// first, for tests and the status surface.
func (a *AuditService) GuardrailDecisions(ctx context.Context, contextKey string) []GuardrailAuditRow {
	rows, err := a.db.QueryContext(ctx,
		`SELECT id, suggestion_id, decision, reason, context, created_at
		 FROM ai_guardrail_audit WHERE context = ? ORDER BY created_at DESC, id DESC`, contextKey)
	if err != nil {
		log.ErrorErr(log.CatStore, "guardrail audit query failed", err, "context", contextKey)
		return []GuardrailAuditRow{}
	}
	defer func() { _ = rows.Close() }()

	out := []GuardrailAuditRow{}
	for rows.Next() {
		var r GuardrailAuditRow
		if err := rows.Scan(&r.ID, &r.SuggestionID, &r.Decision, &r.Reason, &r.Context, &r.CreatedAt); err != nil {
			log.ErrorErr(log.CatStore, "guardrail audit scan failed", err)
			return []GuardrailAuditRow{}
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		log.ErrorErr(log.CatStore, "guardrail audit rows failed", err)
		return []GuardrailAuditRow{}
	}
	return out
}

// Drafts returns audited draft rows, newest first.
func (a *AuditService) Drafts(ctx context.Context, limit int) []DraftAuditRow {
	if limit <= 0 {
		limit = 100
	}
	rows, err := a.db.QueryContext(ctx,
		`SELECT id, draft_id, kind, status, content_hash, context, created_at
		 FROM ai_draft_audit ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		log.ErrorErr(log.CatStore, "draft audit query failed", err)
		return []DraftAuditRow{}
	}
	defer func() { _ = rows.Close() }()

	out := []DraftAuditRow{}
	for rows.Next() {
		var r DraftAuditRow
		if err := rows.Scan(&r.ID, &r.DraftID, &r.Kind, &r.Status, &r.ContentHash, &r.Context, &r.CreatedAt); err != nil {
			log.ErrorErr(log.CatStore, "draft audit scan failed", err)
			return []DraftAuditRow{}
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		log.ErrorErr(log.CatStore, "draft audit rows failed", err)
		return []DraftAuditRow{}
	}
	return out
}
