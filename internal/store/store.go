package store

import (
	"context"
	"database/sql"
	"fmt"
)

// Store bundles the database handle with one service per table group.
type Store struct {
	db *sql.DB

	History   *HistoryService
	Activity  *ActivityService
	Contracts *ContractService
	Workflows *WorkflowService
	Approvals *ApprovalService
	Audit     *AuditService
}

// New wraps an open database in a Store. The caller has already run
// Migrate (Open does both).
func New(db *sql.DB) *Store {
	s := &Store{db: db}
	s.History = &HistoryService{db: db}
	s.Activity = &ActivityService{db: db}
	s.Contracts = &ContractService{db: db}
	s.Workflows = &WorkflowService{db: db}
	s.Approvals = &ApprovalService{db: db}
	s.Audit = &AuditService{db: db}
	return s
}

// DB exposes the underlying handle for tests and one-off queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

// WithTxn runs fn inside a transaction: commit when fn returns nil,
// rollback otherwise.
func (s *Store) WithTxn(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback after %w: %v", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
