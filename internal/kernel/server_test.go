package kernel

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ordo-sh/ordo/internal/protocol"
)

// syncBuffer collects response lines written from the server and the
// scheduler loop.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for _, line := range strings.Split(b.buf.String(), "\n") {
		if strings.TrimSpace(line) != "" {
			out = append(out, line)
		}
	}
	return out
}

func decodeResponse(t *testing.T, line string) protocol.Response {
	t.Helper()
	var resp protocol.Response
	require.NoError(t, json.Unmarshal([]byte(line), &resp))
	return resp
}

func TestServerAnswersPingOverStream(t *testing.T) {
	h := newTestKernel(t)
	in := strings.NewReader(`{"id":"s1","type":"PING","timestamp":1}` + "\n")
	out := &syncBuffer{}

	err := NewServer(h.k, in, out).Run(context.Background())
	require.NoError(t, err, "end of input is a clean shutdown")

	lines := out.Lines()
	require.Len(t, lines, 1)
	resp := decodeResponse(t, lines[0])
	require.Equal(t, "s1", resp.ID)
	require.True(t, resp.Success)
	result, ok := resp.Result.(map[string]any)
	require.True(t, ok)
	require.Equal(t, "PONG", result["message"])

	select {
	case <-h.k.Done():
	default:
		t.Fatal("closed input did not request shutdown")
	}
}

func TestServerReportsMalformedLines(t *testing.T) {
	h := newTestKernel(t)
	in := strings.NewReader("{nope}\n" + `{"id":"s2","type":"PING","timestamp":1}` + "\n")
	out := &syncBuffer{}

	require.NoError(t, NewServer(h.k, in, out).Run(context.Background()))

	lines := out.Lines()
	require.Len(t, lines, 2)

	bad := decodeResponse(t, lines[0])
	require.Empty(t, bad.ID)
	require.False(t, bad.Success)
	require.Equal(t, protocol.CodeValidationFailed, bad.Error.Code)
	require.Contains(t, bad.Error.Message, "malformed request")

	good := decodeResponse(t, lines[1])
	require.Equal(t, "s2", good.ID)
	require.True(t, good.Success)
}

func TestServerRecoversRequestIDFromBadRequest(t *testing.T) {
	h := newTestKernel(t)
	in := strings.NewReader(`{"id":"m3","type":7}` + "\n")
	out := &syncBuffer{}

	require.NoError(t, NewServer(h.k, in, out).Run(context.Background()))

	lines := out.Lines()
	require.Len(t, lines, 1)
	resp := decodeResponse(t, lines[0])
	require.Equal(t, "m3", resp.ID, "the id survives even when the envelope does not parse")
	require.Equal(t, protocol.CodeValidationFailed, resp.Error.Code)
}

func TestServerSkipsBlankLines(t *testing.T) {
	h := newTestKernel(t)
	in := strings.NewReader("\n  \n" + `{"id":"s4","type":"PING","timestamp":1}` + "\n\n")
	out := &syncBuffer{}

	require.NoError(t, NewServer(h.k, in, out).Run(context.Background()))
	require.Len(t, out.Lines(), 1)
}

func TestServerStopsOnShutdownRequest(t *testing.T) {
	h := newTestKernel(t)
	pr, pw := io.Pipe()
	t.Cleanup(func() { _ = pw.Close() })
	out := &syncBuffer{}

	done := make(chan error, 1)
	go func() { done <- NewServer(h.k, pr, out).Run(context.Background()) }()

	_, err := pw.Write([]byte(`{"id":"s5","type":"SHUTDOWN","timestamp":1}` + "\n"))
	require.NoError(t, err)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop after SHUTDOWN")
	}

	lines := out.Lines()
	require.Len(t, lines, 1)
	resp := decodeResponse(t, lines[0])
	require.Equal(t, "s5", resp.ID)
	require.True(t, resp.Success)
}

func TestServerServesInterleavedRequests(t *testing.T) {
	h := newTestKernel(t)
	in := strings.NewReader(strings.Join([]string{
		`{"id":"s6a","type":"PING","timestamp":1}`,
		`{"id":"s6b","type":"EXPORT_PDF","timestamp":1,"payload":{"path":"reports/summary.pdf"}}`,
		`{"id":"s6c","type":"PING","timestamp":1}`,
	}, "\n") + "\n")
	out := &syncBuffer{}

	require.NoError(t, NewServer(h.k, in, out).Run(context.Background()))

	// The worker response arrives from the scheduler loop after Run returns.
	require.Eventually(t, func() bool {
		return len(out.Lines()) == 3
	}, 5*time.Second, 10*time.Millisecond)

	seen := map[string]bool{}
	for _, line := range out.Lines() {
		resp := decodeResponse(t, line)
		require.True(t, resp.Success, "unexpected failure for %s: %+v", resp.ID, resp.Error)
		seen[resp.ID] = true
	}
	require.Equal(t, map[string]bool{"s6a": true, "s6b": true, "s6c": true}, seen)
}
