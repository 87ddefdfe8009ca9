package store_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ordo-sh/ordo/internal/store"
	"github.com/ordo-sh/ordo/internal/testutil"
)

func TestHistory_Lifecycle(t *testing.T) {
	st := testutil.NewTestStore(t)
	ctx := context.Background()

	id := st.History.Begin(ctx, "DOC_RENDER", "python", `{"path":"a.docx"} #abc`, nil)
	require.Greater(t, id, int64(0))

	records := st.History.Query(ctx, store.HistoryFilter{OperationType: "DOC_RENDER"})
	require.Len(t, records, 1)
	require.Equal(t, store.TaskPending, records[0].Status)
	require.Equal(t, "python", records[0].Module)
	require.Nil(t, records[0].CompletedAt)

	st.History.MarkRunning(ctx, id)
	records = st.History.Query(ctx, store.HistoryFilter{Status: store.TaskRunning})
	require.Len(t, records, 1)

	st.History.Complete(ctx, id, `{"pages":3} #def`)
	records = st.History.Query(ctx, store.HistoryFilter{OperationType: "DOC_RENDER"})
	require.Len(t, records, 1)
	require.Equal(t, store.TaskCompleted, records[0].Status)
	require.NotNil(t, records[0].CompletedAt)
	require.Equal(t, `{"pages":3} #def`, records[0].OutputSummary)
}

func TestHistory_Fail(t *testing.T) {
	st := testutil.NewTestStore(t)
	ctx := context.Background()

	id := st.History.Begin(ctx, "OCR_EXTRACT", "python", "", nil)
	st.History.Fail(ctx, id, "engine timed out")

	records := st.History.Query(ctx, store.HistoryFilter{Status: store.TaskFailed})
	require.Len(t, records, 1)
	require.NotNil(t, records[0].ErrorMessage)
	require.Equal(t, "engine timed out", *records[0].ErrorMessage)
}

func TestHistory_MarkRunningOnlyFromPending(t *testing.T) {
	st := testutil.NewTestStore(t)
	ctx := context.Background()

	id := st.History.Begin(ctx, "EXPORT_PDF", "python", "", nil)
	st.History.Complete(ctx, id, "done")

	// A late MarkRunning must not regress a finished record.
	st.History.MarkRunning(ctx, id)

	records := st.History.Query(ctx, store.HistoryFilter{OperationType: "EXPORT_PDF"})
	require.Len(t, records, 1)
	require.Equal(t, store.TaskCompleted, records[0].Status)
}

func TestHistory_InvalidIDIsIgnored(t *testing.T) {
	st := testutil.NewTestStore(t)
	ctx := context.Background()

	// Ids from failed Begins are negative; updates with them are no-ops.
	st.History.MarkRunning(ctx, -1)
	st.History.Complete(ctx, -1, "x")
	st.History.Fail(ctx, -1, "x")

	require.Empty(t, st.History.Query(ctx, store.HistoryFilter{}))
}

func TestHistory_QueryFilters(t *testing.T) {
	st := testutil.NewTestStore(t)
	ctx := context.Background()

	first := st.History.Begin(ctx, "DOC_PARSE", "python", "", nil)
	second := st.History.Begin(ctx, "DOC_PARSE", "python", "", nil)
	third := st.History.Begin(ctx, "NET_FETCH", "network", "", nil)
	st.History.Complete(ctx, second, "")

	byType := st.History.Query(ctx, store.HistoryFilter{OperationType: "DOC_PARSE"})
	require.Len(t, byType, 2)

	byStatus := st.History.Query(ctx, store.HistoryFilter{Status: store.TaskCompleted})
	require.Len(t, byStatus, 1)
	require.Equal(t, second, byStatus[0].ID)

	all := st.History.Query(ctx, store.HistoryFilter{})
	require.Len(t, all, 3)
	require.Equal(t, third, all[0].ID, "newest first")
	require.Equal(t, first, all[2].ID)

	limited := st.History.Query(ctx, store.HistoryFilter{Limit: 1, Offset: 1})
	require.Len(t, limited, 1)
	require.Equal(t, second, limited[0].ID)
}

func TestHistory_FailSafeOnClosedDatabase(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "ordo.db"))
	require.NoError(t, err)
	require.NoError(t, st.Close())
	ctx := context.Background()

	// The fail-safe contract: a broken store reports neutral values
	// instead of erroring.
	require.Equal(t, int64(-1), st.History.Begin(ctx, "DOC_PARSE", "python", "", nil))
	require.Empty(t, st.History.Query(ctx, store.HistoryFilter{}))
	require.Equal(t, int64(-1), st.Activity.Record(ctx, store.ActivityEntry{Action: "x"}))
}
