package log

import (
	"bytes"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// syncBuffer makes bytes.Buffer safe for the SafeGo test, which writes from
// another goroutine.
type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

func TestWrite_Format(t *testing.T) {
	var buf syncBuffer
	InitWithWriter(&buf)

	Info(CatSched, "queue drained", "remaining", 0, "worker", "python")

	line := buf.String()
	require.Regexp(t, regexp.MustCompile(`^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}\.\d{3} `), line)
	require.Contains(t, line, "[INFO] [sched] queue drained remaining=0 worker=python")
	require.True(t, strings.HasSuffix(line, "\n"))
}

func TestWrite_OddFieldCountMarksOrphan(t *testing.T) {
	var buf syncBuffer
	InitWithWriter(&buf)

	Warn(CatBus, "slow subscriber", "topic")

	require.Contains(t, buf.String(), "topic=<missing>")
}

func TestSetMinLevel_FiltersBelow(t *testing.T) {
	var buf syncBuffer
	InitWithWriter(&buf)
	SetMinLevel(LevelWarn)

	Debug(CatKernel, "noise")
	Info(CatKernel, "still noise")
	Warn(CatKernel, "kept")

	out := buf.String()
	require.NotContains(t, out, "noise")
	require.Contains(t, out, "kept")
}

func TestSetRedactor_AppliesToEntries(t *testing.T) {
	var buf syncBuffer
	InitWithWriter(&buf)
	SetRedactor(func(s string) string { return strings.ReplaceAll(s, "hunter2", "[redacted]") })

	Info(CatGateway, "credential saved", "password", "hunter2")

	out := buf.String()
	require.NotContains(t, out, "hunter2")
	require.Contains(t, out, "password=[redacted]")
}

func TestErrorErr_NilError(t *testing.T) {
	var buf syncBuffer
	InitWithWriter(&buf)

	ErrorErr(CatStore, "write failed", nil, "table", "contracts")

	require.Contains(t, buf.String(), "table=contracts error=<nil>")
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
		ok   bool
	}{
		{"debug", LevelDebug, true},
		{"INFO", LevelInfo, true},
		{"Warn", LevelWarn, true},
		{"warning", LevelWarn, true},
		{"error", LevelError, true},
		{"loud", LevelInfo, false},
		{"", LevelInfo, false},
	}
	for _, tt := range tests {
		got, ok := ParseLevel(tt.in)
		require.Equal(t, tt.ok, ok, "ParseLevel(%q)", tt.in)
		require.Equal(t, tt.want, got, "ParseLevel(%q)", tt.in)
	}
}

func TestSafeGo_RecoversPanic(t *testing.T) {
	var buf syncBuffer
	InitWithWriter(&buf)

	SafeGo("render", func() { panic("template exploded") })

	require.Eventually(t, func() bool {
		out := buf.String()
		return strings.Contains(out, "goroutine panic recovered") &&
			strings.Contains(out, "goroutine=render") &&
			strings.Contains(out, "template exploded")
	}, 2*time.Second, 10*time.Millisecond)
}
