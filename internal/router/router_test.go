package router

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResolve_LocalOperations(t *testing.T) {
	for _, op := range []string{
		"PING", "GET_STATUS", "GET_ENGINE_STATUS",
		"QUERY_CONTRACTS", "GET_CONTRACT_BY_ID",
		"QUERY_EXECUTION_HISTORY", "QUERY_ACTIVITY_LOGS",
		"START_WORKFLOW", "RESOLVE_APPROVAL", "GET_PENDING_APPROVALS",
		"REGISTER_WORKFLOW_TRIGGER", "UNREGISTER_WORKFLOW_TRIGGER",
		"LIST_WORKFLOW_TRIGGERS", "GET_AI_SUGGESTIONS", "GENERATE_DRAFT",
		"SHUTDOWN",
	} {
		route, err := Resolve(op)
		require.NoError(t, err, op)
		require.Equal(t, DestLocal, route.Destination, op)
		require.True(t, route.Destination.IsLocal(), op)
		require.Empty(t, route.Destination.Worker(), op)
		require.Equal(t, op, route.Method, "local operations keep their name")
	}
}

func TestResolve_RemoteDestinations(t *testing.T) {
	cases := []struct {
		op     string
		dest   Destination
		method string
	}{
		{"EXPORT_PDF", DestPython, "export_pdf"},
		{"PDF_MERGE", DestPython, "pdf_merge"},
		{"OCR_EXTRACT", DestPython, "ocr_extract"},
		{"AI_QUERY", DestPython, "ai_query"},
		{"EXTERNAL_API_CALL", DestNetwork, "external_api_call"},
		{"GET_METRICS", DestNetwork, "get_metrics"},
		{"SAVE_CREDENTIAL", DestNetwork, "save_credential"},
		{"CRYPTO_HASH", DestNative, "crypto_hash"},
		{"PARALLEL_PROCESS", DestNative, "parallel_process"},
		{"COMPRESS_DATA", DestNative, "compress_data"},
	}
	for _, tc := range cases {
		route, err := Resolve(tc.op)
		require.NoError(t, err, tc.op)
		require.Equal(t, tc.dest, route.Destination, tc.op)
		require.Equal(t, string(tc.dest), route.Destination.Worker(), tc.op)
		require.Equal(t, tc.method, route.Method, tc.op)
	}
}

func TestResolve_UnknownOperation(t *testing.T) {
	_, err := Resolve("FORMAT_DISK")
	require.ErrorIs(t, err, ErrUnknownOperation)

	// Matching is case-sensitive: the wire vocabulary is upper-case.
	_, err = Resolve("ping")
	require.ErrorIs(t, err, ErrUnknownOperation)

	require.False(t, Known(""))
	require.True(t, Known("PING"))
}

func TestOperations_SortedAndComplete(t *testing.T) {
	ops := Operations()
	require.Len(t, ops, len(table))
	require.IsIncreasing(t, ops)

	for _, op := range ops {
		require.True(t, Known(op))
	}
}
