package testutil

import (
	"testing"
	"time"

	"github.com/ordo-sh/ordo/internal/store"
)

// SeedFlakyOperation writes interleaved completed and failed history rows
// for one operation, one minute apart, ending in the recent past.
func SeedFlakyOperation(t *testing.T, st *store.Store, opType string, completed, failed int) {
	t.Helper()
	b := NewBuilder(t, st)
	base := time.Now().Add(-2 * time.Hour).UnixMilli()
	slot := int64(0)
	for i := 0; i < completed; i++ {
		b.WithTask(opType, TaskStartedAt(base+slot*60_000))
		slot++
	}
	for i := 0; i < failed; i++ {
		b.WithTask(opType, TaskStartedAt(base+slot*60_000), TaskFailed("worker error"))
		slot++
	}
	b.Build()
}

// SeedStaleApproval writes a pending approval requested age ago.
func SeedStaleApproval(t *testing.T, st *store.Store, executionID, stepID string, age time.Duration) {
	t.Helper()
	NewBuilder(t, st).
		WithPendingApproval(executionID, stepID, "release payment?", time.Now().Add(-age).UnixMilli()).
		Build()
}

// SeedContractBook writes two contracts with payment stages and returns
// their ids.
func SeedContractBook(t *testing.T, st *store.Store) []int64 {
	t.Helper()
	b := NewBuilder(t, st).
		WithContract("C-2026-001", "Office fit-out",
			ContractClient("Nordwind AG"),
			ContractAmount(120000, "EUR"),
			ContractDates("2026-01-15", "2026-09-30"),
			ContractStage(1, "Deposit", 36000, "paid"),
			ContractStage(2, "Delivery", 60000, "open"),
			ContractStage(3, "Final", 24000, "open")).
		WithContract("C-2026-002", "Warehouse extension",
			ContractStatus("draft"),
			ContractAmount(450000, "EUR"))
	b.Build()
	return b.ContractIDs()
}
