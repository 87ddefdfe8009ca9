package tracing

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	require.False(t, cfg.Enabled)
	require.Equal(t, ExporterFile, cfg.Exporter)
	require.Empty(t, cfg.FilePath, "path is filled in from the ordo home at boot")
	require.Equal(t, DefaultOTLPEndpoint, cfg.OTLPEndpoint)
	require.Equal(t, 1.0, cfg.SampleRate)
	require.Equal(t, DefaultServiceName, cfg.ServiceName)
}

func TestNewProvider_DisabledUsesNoop(t *testing.T) {
	provider, err := NewProvider(Config{Enabled: false})
	require.NoError(t, err)
	require.False(t, provider.Enabled())

	// Callers start spans unconditionally; the noop tracer absorbs them.
	ctx, span := provider.Tracer().Start(context.Background(), "kernel.dispatch")
	require.NotNil(t, ctx)
	require.False(t, span.SpanContext().IsValid())
	span.End()

	require.NoError(t, provider.Shutdown(context.Background()))
}

func TestNewProvider_FileExporterFlushesOnShutdown(t *testing.T) {
	path := filepath.Join(t.TempDir(), "traces.jsonl")

	provider, err := NewProvider(Config{
		Enabled:     true,
		Exporter:    ExporterFile,
		FilePath:    path,
		SampleRate:  1.0,
		ServiceName: "ordo-test",
	})
	require.NoError(t, err)
	require.True(t, provider.Enabled())

	_, span := provider.Tracer().Start(context.Background(), "kernel.dispatch")
	require.True(t, span.SpanContext().IsValid())
	span.End()

	require.NoError(t, provider.Shutdown(context.Background()))

	records := readRecords(t, path)
	require.Len(t, records, 1)
	require.Equal(t, "kernel.dispatch", records[0].Name)
}

func TestNewProvider_NoExporterStillCorrelates(t *testing.T) {
	provider, err := NewProvider(Config{
		Enabled:    true,
		Exporter:   ExporterNone,
		SampleRate: 1.0,
	})
	require.NoError(t, err)
	require.True(t, provider.Enabled())

	// Spans go nowhere but ids stay real, so log correlation keeps working.
	_, span := provider.Tracer().Start(context.Background(), "supervisor.send")
	require.True(t, span.SpanContext().TraceID().IsValid())
	span.End()

	require.NoError(t, provider.Shutdown(context.Background()))
}

func TestNewProvider_FileExporterRequiresPath(t *testing.T) {
	provider, err := NewProvider(Config{Enabled: true, Exporter: ExporterFile})
	require.Nil(t, provider)
	require.ErrorContains(t, err, "file_path required")
}

func TestNewProvider_RejectsUnknownExporter(t *testing.T) {
	provider, err := NewProvider(Config{Enabled: true, Exporter: "carrier-pigeon"})
	require.Nil(t, provider)
	require.ErrorContains(t, err, "unsupported exporter")
}

func TestNewProvider_ZeroSampleRateMeansSampleAll(t *testing.T) {
	path := filepath.Join(t.TempDir(), "traces.jsonl")

	provider, err := NewProvider(Config{
		Enabled:  true,
		Exporter: ExporterFile,
		FilePath: path,
		// SampleRate left zero; an unset rate must not silence tracing.
	})
	require.NoError(t, err)

	_, span := provider.Tracer().Start(context.Background(), "workflow.step")
	span.End()
	require.NoError(t, provider.Shutdown(context.Background()))

	require.Len(t, readRecords(t, path), 1)
}

func TestTracer_ChildSpanSharesTraceID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "traces.jsonl")
	provider, err := NewProvider(Config{Enabled: true, Exporter: ExporterFile, FilePath: path})
	require.NoError(t, err)
	defer func() { _ = provider.Shutdown(context.Background()) }()

	ctx, parent := provider.Tracer().Start(context.Background(), "kernel.dispatch")
	_, child := provider.Tracer().Start(ctx, "supervisor.send")

	require.Equal(t, parent.SpanContext().TraceID(), child.SpanContext().TraceID())
	require.NotEqual(t, parent.SpanContext().SpanID(), child.SpanContext().SpanID())

	child.End()
	parent.End()
}
