package gateway

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ordo-sh/ordo/internal/eventbus"
	"github.com/ordo-sh/ordo/internal/protocol"
)

func request(id, opType, payload string) protocol.Request {
	req := protocol.Request{ID: id, Type: opType}
	if payload != "" {
		req.Payload = json.RawMessage(payload)
	}
	return req
}

func validate(t *testing.T, g *Gateway, req protocol.Request) error {
	t.Helper()
	return g.Validate(context.Background(), req, 256)
}

func requireRule(t *testing.T, err error, rule string) {
	t.Helper()
	require.Error(t, err)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, rule, verr.Rule)
}

func TestGateway_AcceptsValidRequest(t *testing.T) {
	g := New(nil, nil)
	err := validate(t, g, request("m1", "PING", ""))
	require.NoError(t, err)
}

func TestGateway_RejectsEmptyID(t *testing.T) {
	g := New(nil, nil)

	requireRule(t, validate(t, g, request("", "PING", "")), "empty-id")
	requireRule(t, validate(t, g, request("   ", "PING", "")), "empty-id")
}

func TestGateway_RejectsEmptyOperation(t *testing.T) {
	g := New(nil, nil)

	requireRule(t, validate(t, g, request("m1", "", "")), "empty-operation")
	requireRule(t, validate(t, g, request("m1", "  ", "")), "empty-operation")
}

func TestGateway_RejectsOversizeRequest(t *testing.T) {
	g := New(nil, nil)

	err := g.Validate(context.Background(), request("m1", "PING", ""), protocol.MaxRequestBytes+1)
	requireRule(t, err, "oversize-request")

	err = g.Validate(context.Background(), request("m1", "PING", ""), protocol.MaxRequestBytes)
	require.NoError(t, err, "exactly one mebibyte is still accepted")
}

func TestGateway_RejectsTraversalSequences(t *testing.T) {
	g := New(nil, nil)

	paths := []string{
		"../secrets.pdf",
		"..\\secrets.pdf",
		"/export/../etc/passwd",
		"C:\\data\\..\\Windows\\report.pdf",
		"/export/..",
	}
	for _, p := range paths {
		payload, err := json.Marshal(map[string]any{"file_path": p})
		require.NoError(t, err)

		verr := validate(t, g, request("m1", "EXPORT_PDF", string(payload)))
		requireRule(t, verr, "path-traversal")
	}
}

func TestGateway_RejectsOverlongPath(t *testing.T) {
	g := New(nil, nil)

	long := "/export/" + strings.Repeat("a", maxPathLength) + ".pdf"
	payload, err := json.Marshal(map[string]any{"file_path": long})
	require.NoError(t, err)

	requireRule(t, validate(t, g, request("m1", "EXPORT_PDF", string(payload))), "path-too-long")
}

func TestGateway_RejectsDeniedDirectories(t *testing.T) {
	g := New(nil, nil)

	paths := []string{
		"/etc/passwd",
		"/etc",
		"/proc/self/environ",
		"/sys/kernel/config.json",
		"C:\\Windows\\system32\\drivers\\etc\\hosts",
	}
	for _, p := range paths {
		payload, err := json.Marshal(map[string]any{"path": p})
		require.NoError(t, err)

		verr := validate(t, g, request("m1", "OCR_EXTRACT", string(payload)))
		requireRule(t, verr, "path-denied")
	}
}

func TestGateway_AllowsOrdinaryPaths(t *testing.T) {
	g := New(nil, nil)

	payload := `{"file_path":"/home/user/reports/2026-q1.pdf","output_dir":"/home/user/out"}`
	require.NoError(t, validate(t, g, request("m1", "EXPORT_PDF", payload)))
}

func TestGateway_CustomDenyList(t *testing.T) {
	g := New(nil, nil, WithDenyList([]string{"/vault/**"}))

	require.NoError(t, validate(t, g, request("m1", "OCR_EXTRACT", `{"path":"/etc/passwd.txt"}`)),
		"custom deny list replaces the default")
	requireRule(t, validate(t, g, request("m2", "OCR_EXTRACT", `{"path":"/vault/keys.pdf"}`)), "path-denied")
}

func TestGateway_ExtensionAllowListForDocumentOps(t *testing.T) {
	g := New(nil, nil)

	requireRule(t,
		validate(t, g, request("m1", "EXPORT_PDF", `{"file_path":"/home/user/payload.exe"}`)),
		"extension-not-allowed")

	require.NoError(t,
		validate(t, g, request("m2", "EXPORT_PDF", `{"file_path":"/home/user/report.pdf"}`)))

	// The allow-list binds document operations only.
	require.NoError(t,
		validate(t, g, request("m3", "CRYPTO_HASH", `{"file_path":"/home/user/blob.bin"}`)))
}

func TestGateway_ExtensionlessPathPassesExtensionRule(t *testing.T) {
	g := New(nil, nil)

	require.NoError(t,
		validate(t, g, request("m1", "EXPORT_EXCEL", `{"output_dir":"/home/user/exports"}`)))
}

func TestGateway_ScreensNestedAndListPaths(t *testing.T) {
	g := New(nil, nil)

	payload := `{"options":{"watermark":{"file_path":"../stamp.png"}}}`
	requireRule(t, validate(t, g, request("m1", "PDF_WATERMARK", payload)), "path-traversal")

	payload = `{"files":["/home/user/a.pdf","/home/user/../../etc/b.pdf"]}`
	requireRule(t, validate(t, g, request("m2", "PDF_MERGE", payload)), "path-traversal")
}

func TestGateway_ViolationPublishesSecurityEvent(t *testing.T) {
	bus := eventbus.New()
	t.Cleanup(bus.Close)

	events := make(chan eventbus.Event, 1)
	bus.Subscribe(eventbus.TopicSecurityViolation, func(evt eventbus.Event) {
		events <- evt
	})

	g := New(nil, bus)
	requireRule(t, validate(t, g, request("m1", "OCR_EXTRACT", `{"path":"/etc/shadow.txt"}`)), "path-denied")

	select {
	case evt := <-events:
		payload, ok := evt.Payload.(map[string]any)
		require.True(t, ok)
		require.Equal(t, "m1", payload["id"])
		require.Equal(t, "path-denied", payload["rule"])
	case <-time.After(2 * time.Second):
		require.Fail(t, "expected a security violation event")
	}
}
