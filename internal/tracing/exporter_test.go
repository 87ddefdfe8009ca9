package tracing

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func readRecords(t *testing.T, path string) []SpanRecord {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var records []SpanRecord
	dec := json.NewDecoder(f)
	for dec.More() {
		var rec SpanRecord
		require.NoError(t, dec.Decode(&rec))
		records = append(records, rec)
	}
	return records
}

func TestNewFileExporter_CreatesParentDirectories(t *testing.T) {
	tracePath := filepath.Join(t.TempDir(), "nested", "deeper", "traces.jsonl")

	exporter, err := NewFileExporter(tracePath)
	require.NoError(t, err)

	_, err = os.Stat(tracePath)
	require.NoError(t, err, "trace file should exist")

	require.NoError(t, exporter.Shutdown(context.Background()))
}

func TestFileExporter_RecordShape(t *testing.T) {
	tracePath := filepath.Join(t.TempDir(), "traces.jsonl")

	exporter, err := NewFileExporter(tracePath)
	require.NoError(t, err)

	start := time.Now()
	stub := tracetest.SpanStub{
		Name:      SpanKernelDispatch,
		SpanKind:  trace.SpanKindInternal,
		StartTime: start,
		EndTime:   start.Add(42 * time.Millisecond),
		Status:    sdktrace.Status{Code: codes.Ok},
		Attributes: []attribute.KeyValue{
			attribute.String(AttrRequestID, "req-7"),
			attribute.String(AttrRequestType, "DOC_PARSE"),
			attribute.Int("queue.depth", 3),
		},
		Events: []sdktrace.Event{{
			Name: "queued",
			Time: start,
			Attributes: []attribute.KeyValue{
				attribute.String(AttrTaskID, "req-7"),
			},
		}},
	}

	require.NoError(t, exporter.ExportSpans(context.Background(), []sdktrace.ReadOnlySpan{stub.Snapshot()}))
	require.NoError(t, exporter.Shutdown(context.Background()))

	records := readRecords(t, tracePath)
	require.Len(t, records, 1)

	rec := records[0]
	require.Equal(t, SpanKernelDispatch, rec.Name)
	require.Equal(t, "internal", rec.Kind)
	require.Equal(t, "Ok", rec.Status)
	require.Empty(t, rec.StatusMsg)
	require.InDelta(t, 42.0, rec.DurationMs, 0.001)
	require.NotEmpty(t, rec.StartTime)
	require.NotEmpty(t, rec.EndTime)

	require.Equal(t, "req-7", rec.Attributes[AttrRequestID])
	require.Equal(t, "DOC_PARSE", rec.Attributes[AttrRequestType])
	require.EqualValues(t, 3, rec.Attributes["queue.depth"])

	require.Len(t, rec.Events, 1)
	require.Equal(t, "queued", rec.Events[0].Name)
	require.Equal(t, "req-7", rec.Events[0].Attributes[AttrTaskID])
}

func TestFileExporter_ErrorStatus(t *testing.T) {
	tracePath := filepath.Join(t.TempDir(), "traces.jsonl")

	exporter, err := NewFileExporter(tracePath)
	require.NoError(t, err)

	stub := tracetest.SpanStub{
		Name:      SpanSupervisorSend,
		StartTime: time.Now(),
		EndTime:   time.Now().Add(time.Millisecond),
		Status:    sdktrace.Status{Code: codes.Error, Description: "engine timed out"},
	}
	require.NoError(t, exporter.ExportSpans(context.Background(), []sdktrace.ReadOnlySpan{stub.Snapshot()}))
	require.NoError(t, exporter.Shutdown(context.Background()))

	records := readRecords(t, tracePath)
	require.Len(t, records, 1)
	require.Equal(t, "Error", records[0].Status)
	require.Equal(t, "engine timed out", records[0].StatusMsg)
}

func TestFileExporter_ParentLinkage(t *testing.T) {
	tracePath := filepath.Join(t.TempDir(), "traces.jsonl")

	exporter, err := NewFileExporter(tracePath)
	require.NoError(t, err)

	parent := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: trace.TraceID{0x01},
		SpanID:  trace.SpanID{0x02},
	})
	stub := tracetest.SpanStub{
		Name:      SpanWorkflowStep,
		Parent:    parent,
		StartTime: time.Now(),
		EndTime:   time.Now().Add(time.Millisecond),
	}
	require.NoError(t, exporter.ExportSpans(context.Background(), []sdktrace.ReadOnlySpan{stub.Snapshot()}))
	require.NoError(t, exporter.Shutdown(context.Background()))

	records := readRecords(t, tracePath)
	require.Len(t, records, 1)
	require.Equal(t, parent.SpanID().String(), records[0].ParentID)
}

func TestFileExporter_AppendsToExistingFile(t *testing.T) {
	tracePath := filepath.Join(t.TempDir(), "traces.jsonl")
	require.NoError(t, os.WriteFile(tracePath, []byte(`{"name":"earlier-run"}`+"\n"), 0o600))

	exporter, err := NewFileExporter(tracePath)
	require.NoError(t, err)

	stub := tracetest.SpanStub{
		Name:      "later-run",
		StartTime: time.Now(),
		EndTime:   time.Now().Add(time.Millisecond),
	}
	require.NoError(t, exporter.ExportSpans(context.Background(), []sdktrace.ReadOnlySpan{stub.Snapshot()}))
	require.NoError(t, exporter.Shutdown(context.Background()))

	f, err := os.Open(tracePath)
	require.NoError(t, err)
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	require.Len(t, lines, 2, "earlier run's spans should survive a reopen")
	require.Contains(t, lines[0], "earlier-run")
	require.Contains(t, lines[1], "later-run")
}

func TestFileExporter_EmptyBatchWritesNothing(t *testing.T) {
	tracePath := filepath.Join(t.TempDir(), "traces.jsonl")

	exporter, err := NewFileExporter(tracePath)
	require.NoError(t, err)

	require.NoError(t, exporter.ExportSpans(context.Background(), nil))
	require.NoError(t, exporter.Shutdown(context.Background()))

	info, err := os.Stat(tracePath)
	require.NoError(t, err)
	require.Zero(t, info.Size())
}

func TestFileExporter_ShutdownIsIdempotent(t *testing.T) {
	tracePath := filepath.Join(t.TempDir(), "traces.jsonl")

	exporter, err := NewFileExporter(tracePath)
	require.NoError(t, err)

	require.NoError(t, exporter.Shutdown(context.Background()))
	require.NoError(t, exporter.Shutdown(context.Background()))

	err = exporter.ExportSpans(context.Background(), []sdktrace.ReadOnlySpan{
		tracetest.SpanStub{Name: "late"}.Snapshot(),
	})
	require.Error(t, err, "exports after shutdown should fail")
}

func TestFileExporter_ConcurrentExports(t *testing.T) {
	tracePath := filepath.Join(t.TempDir(), "traces.jsonl")

	exporter, err := NewFileExporter(tracePath)
	require.NoError(t, err)

	const goroutines, perGoroutine = 8, 25
	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				stub := tracetest.SpanStub{
					Name:      "concurrent",
					StartTime: time.Now(),
					EndTime:   time.Now().Add(time.Millisecond),
					Attributes: []attribute.KeyValue{
						attribute.Int("goroutine", g),
						attribute.Int("iteration", i),
					},
				}
				if err := exporter.ExportSpans(context.Background(), []sdktrace.ReadOnlySpan{stub.Snapshot()}); err != nil {
					t.Error(err)
					return
				}
			}
		}(g)
	}
	wg.Wait()
	require.NoError(t, exporter.Shutdown(context.Background()))

	records := readRecords(t, tracePath)
	require.Len(t, records, goroutines*perGoroutine, "interleaved writes must not corrupt lines")
}
