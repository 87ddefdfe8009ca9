package testutil

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ordo-sh/ordo/internal/store"
)

// Builder accumulates domain rows and inserts them in dependency order.
type Builder struct {
	t         *testing.T
	st        *store.Store
	tasks     []store.TaskRecord
	contracts []contractData
	entries   []store.ActivityEntry
	approvals []store.ApprovalRow
}

// NewBuilder creates a builder for the given test store.
func NewBuilder(t *testing.T, st *store.Store) *Builder {
	t.Helper()
	return &Builder{t: t, st: st}
}

// WithTask adds an execution_history row, completed by default.
func (b *Builder) WithTask(opType string, opts ...TaskOption) *Builder {
	task := defaultTask(opType)
	for _, opt := range opts {
		opt(&task)
	}
	b.tasks = append(b.tasks, task)
	return b
}

// WithContract adds a contract with optional payment stages.
func (b *Builder) WithContract(number, name string, opts ...ContractOption) *Builder {
	c := defaultContract(number, name)
	for _, opt := range opts {
		opt(&c)
	}
	b.contracts = append(b.contracts, c)
	return b
}

// WithActivity adds an activity_log row.
func (b *Builder) WithActivity(action string, opts ...ActivityOption) *Builder {
	entry := defaultActivity(action)
	for _, opt := range opts {
		opt(&entry)
	}
	b.entries = append(b.entries, entry)
	return b
}

// WithPendingApproval adds an unresolved approval requested at the given
// instant.
func (b *Builder) WithPendingApproval(executionID, stepID, prompt string, requestedAt int64) *Builder {
	b.approvals = append(b.approvals, store.ApprovalRow{
		ExecutionID:    executionID,
		StepID:         stepID,
		Prompt:         prompt,
		AllowedActions: "APPROVE,REJECT",
		RequestedAt:    requestedAt,
	})
	return b
}

// Build inserts all accumulated rows: contracts first so tasks can
// reference them, then history, activity, approvals.
func (b *Builder) Build() {
	b.t.Helper()
	ctx := context.Background()

	for i := range b.contracts {
		c := &b.contracts[i]
		require.NoError(b.t, b.st.Contracts.Save(ctx, &c.contract))
		for j := range c.stages {
			c.stages[j].ContractID = c.contract.ID
			require.NoError(b.t, b.st.Contracts.SaveStage(ctx, &c.stages[j]))
		}
	}

	for _, task := range b.tasks {
		b.insertTask(task)
	}

	for _, entry := range b.entries {
		id := b.st.Activity.Record(ctx, entry)
		require.GreaterOrEqual(b.t, id, int64(0), "activity insert failed")
	}

	for _, approval := range b.approvals {
		_, err := b.st.Approvals.Insert(ctx, approval)
		require.NoError(b.t, err)
	}
}

// ContractIDs returns the ids assigned to contracts during Build, in
// declaration order.
func (b *Builder) ContractIDs() []int64 {
	ids := make([]int64, len(b.contracts))
	for i, c := range b.contracts {
		ids[i] = c.contract.ID
	}
	return ids
}

// insertTask writes the row directly so tests control every timestamp.
func (b *Builder) insertTask(task store.TaskRecord) {
	b.t.Helper()
	_, err := b.st.DB().Exec(
		`INSERT INTO execution_history (operation_type, module, started_at, completed_at, status, input_summary, output_summary, error_message, contract_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.OperationType, task.Module, task.StartedAt, task.CompletedAt,
		task.Status, task.InputSummary, task.OutputSummary, task.ErrorMessage, task.ContractID)
	require.NoError(b.t, err)
}
