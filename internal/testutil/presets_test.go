package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ordo-sh/ordo/internal/store"
)

func TestSeedFlakyOperation(t *testing.T) {
	st := NewTestStore(t)
	ctx := context.Background()

	SeedFlakyOperation(t, st, "EXTERNAL_API_CALL", 3, 7)

	completed := st.History.Query(ctx, store.HistoryFilter{
		OperationType: "EXTERNAL_API_CALL",
		Status:        store.TaskCompleted,
	})
	failed := st.History.Query(ctx, store.HistoryFilter{
		OperationType: "EXTERNAL_API_CALL",
		Status:        store.TaskFailed,
	})
	require.Len(t, completed, 3)
	require.Len(t, failed, 7)
}

func TestSeedStaleApproval(t *testing.T) {
	st := NewTestStore(t)
	ctx := context.Background()

	SeedStaleApproval(t, st, "exec-9", "sign-off", 48*time.Hour)

	pending, err := st.Approvals.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Less(t, pending[0].RequestedAt, time.Now().Add(-24*time.Hour).UnixMilli())
}

func TestSeedContractBook(t *testing.T) {
	st := NewTestStore(t)
	ctx := context.Background()

	ids := SeedContractBook(t, st)
	require.Len(t, ids, 2)

	first, err := st.Contracts.GetByID(ctx, ids[0])
	require.NoError(t, err)
	require.Len(t, first.Stages, 3)

	drafts, err := st.Contracts.Query(ctx, store.ContractFilter{Status: "draft"})
	require.NoError(t, err)
	require.Len(t, drafts, 1)
	require.Equal(t, "C-2026-002", drafts[0].ContractNumber)
}
