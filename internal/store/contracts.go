package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// ContractService owns the contracts and payment_stages tables. The kernel
// treats both as opaque domain storage: it enforces the schema but no value
// invariants.
type ContractService struct {
	db *sql.DB
}

// Save inserts a contract when ID is zero, updates it otherwise.
func (c *ContractService) Save(ctx context.Context, contract *Contract) error {
	now := time.Now().UnixMilli()
	if contract.ID == 0 {
		res, err := c.db.ExecContext(ctx,
			`INSERT INTO contracts (contract_number, contract_name, client_name, status, total_amount, currency, start_date, end_date, created_at, updated_at, data)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			contract.ContractNumber, contract.ContractName, contract.ClientName, contract.Status,
			contract.TotalAmount, contract.Currency, contract.StartDate, contract.EndDate, now, now, contract.Data)
		if err != nil {
			return fmt.Errorf("inserting contract: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("reading contract id: %w", err)
		}
		contract.ID = id
		contract.CreatedAt = now
		contract.UpdatedAt = now
		return nil
	}

	_, err := c.db.ExecContext(ctx,
		`UPDATE contracts SET contract_number = ?, contract_name = ?, client_name = ?, status = ?, total_amount = ?, currency = ?, start_date = ?, end_date = ?, updated_at = ?, data = ?
		 WHERE id = ?`,
		contract.ContractNumber, contract.ContractName, contract.ClientName, contract.Status,
		contract.TotalAmount, contract.Currency, contract.StartDate, contract.EndDate, now, contract.Data, contract.ID)
	if err != nil {
		return fmt.Errorf("updating contract %d: %w", contract.ID, err)
	}
	contract.UpdatedAt = now
	return nil
}

// SaveStage inserts a payment stage when ID is zero, updates it otherwise.
func (c *ContractService) SaveStage(ctx context.Context, stage *PaymentStage) error {
	if stage.ID == 0 {
		res, err := c.db.ExecContext(ctx,
			`INSERT INTO payment_stages (contract_id, stage_number, stage_name, amount, due_date, status, data)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			stage.ContractID, stage.StageNumber, stage.StageName, stage.Amount, stage.DueDate, stage.Status, stage.Data)
		if err != nil {
			return fmt.Errorf("inserting payment stage: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("reading payment stage id: %w", err)
		}
		stage.ID = id
		return nil
	}

	_, err := c.db.ExecContext(ctx,
		`UPDATE payment_stages SET contract_id = ?, stage_number = ?, stage_name = ?, amount = ?, due_date = ?, status = ?, data = ?
		 WHERE id = ?`,
		stage.ContractID, stage.StageNumber, stage.StageName, stage.Amount, stage.DueDate, stage.Status, stage.Data, stage.ID)
	if err != nil {
		return fmt.Errorf("updating payment stage %d: %w", stage.ID, err)
	}
	return nil
}

// ContractFilter narrows Query results. Zero values mean no constraint.
// Search matches contract_number, contract_name, and client_name.
type ContractFilter struct {
	Status string
	Search string
	From   string
	To     string
	Limit  int
	Offset int
}

// Query returns matching contracts without their stages, newest first.
func (c *ContractService) Query(ctx context.Context, f ContractFilter) ([]Contract, error) {
	q := `SELECT ` + contractColumns + ` FROM contracts WHERE 1=1`
	args := make([]any, 0, 8)
	if f.Status != "" {
		q += ` AND status = ?`
		args = append(args, f.Status)
	}
	if f.Search != "" {
		q += ` AND (contract_number LIKE ? OR contract_name LIKE ? OR client_name LIKE ?)`
		pattern := "%" + f.Search + "%"
		args = append(args, pattern, pattern, pattern)
	}
	if f.From != "" {
		q += ` AND start_date >= ?`
		args = append(args, f.From)
	}
	if f.To != "" {
		q += ` AND start_date <= ?`
		args = append(args, f.To)
	}
	q += ` ORDER BY created_at DESC, id DESC`
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	q += ` LIMIT ? OFFSET ?`
	args = append(args, limit, f.Offset)

	rows, err := c.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying contracts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := []Contract{}
	for rows.Next() {
		contract, err := scanContract(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning contract: %w", err)
		}
		out = append(out, contract)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading contracts: %w", err)
	}
	return out, nil
}

// GetByID returns one contract with its payment stages.
func (c *ContractService) GetByID(ctx context.Context, id int64) (*Contract, error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT `+contractColumns+` FROM contracts WHERE id = ?`, id)
	contract, err := scanContract(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &NotFoundError{Entity: "contract", Key: strconv.FormatInt(id, 10)}
		}
		return nil, fmt.Errorf("loading contract %d: %w", id, err)
	}

	rows, err := c.db.QueryContext(ctx,
		`SELECT `+stageColumns+` FROM payment_stages WHERE contract_id = ? ORDER BY stage_number, id`, id)
	if err != nil {
		return nil, fmt.Errorf("loading payment stages for contract %d: %w", id, err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		stage, err := scanStage(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning payment stage: %w", err)
		}
		contract.Stages = append(contract.Stages, stage)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading payment stages: %w", err)
	}
	return &contract, nil
}
