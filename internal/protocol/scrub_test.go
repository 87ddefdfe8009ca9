package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestScrubValue_RedactsSensitiveKeys(t *testing.T) {
	in := map[string]any{
		"path":          "report.docx",
		"password":      "hunter2",
		"api_key":       "sk-123",
		"apiKey":        "sk-456",
		"Authorization": "Bearer abc",
		"smtp_token":    "tok",
		"options": map[string]any{
			"client_secret": "shh",
			"timeout":       30,
		},
	}

	out, ok := ScrubValue(in).(map[string]any)
	require.True(t, ok)

	require.Equal(t, "report.docx", out["path"])
	require.Equal(t, Redacted, out["password"])
	require.Equal(t, Redacted, out["api_key"])
	require.Equal(t, Redacted, out["apiKey"])
	require.Equal(t, Redacted, out["Authorization"])
	require.Equal(t, Redacted, out["smtp_token"])

	nested := out["options"].(map[string]any)
	require.Equal(t, Redacted, nested["client_secret"])
	require.Equal(t, 30, nested["timeout"])
}

func TestScrubValue_WalksSlices(t *testing.T) {
	in := []any{
		map[string]any{"password": "a"},
		map[string]any{"name": "b"},
	}

	out := ScrubValue(in).([]any)
	require.Equal(t, Redacted, out[0].(map[string]any)["password"])
	require.Equal(t, "b", out[1].(map[string]any)["name"])
}

func TestScrubValue_LeavesOriginalUntouched(t *testing.T) {
	in := map[string]any{"password": "hunter2"}
	_ = ScrubValue(in)
	require.Equal(t, "hunter2", in["password"], "scrubbing must copy, not mutate")
}

func TestScrubJSON(t *testing.T) {
	out := ScrubJSON(json.RawMessage(`{"user":"ann","password":"hunter2"}`))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(out, &decoded))
	require.Equal(t, "ann", decoded["user"])
	require.Equal(t, Redacted, decoded["password"])
}

func TestScrubJSON_PassesThroughUnparseable(t *testing.T) {
	raw := json.RawMessage(`not json at all`)
	require.Equal(t, raw, ScrubJSON(raw))

	require.Empty(t, ScrubJSON(nil))
}

func TestScrubLine(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "key equals value",
			in:   "connecting with password=hunter2 to host",
			want: "connecting with password=" + Redacted + " to host",
		},
		{
			name: "json style pair",
			in:   `payload: {"api_key": "sk-123"}`,
			want: `payload: {"api_key": ` + Redacted + `}`,
		},
		{
			name: "case insensitive",
			in:   "TOKEN=abc123",
			want: "TOKEN=" + Redacted,
		},
		{
			name: "suffixed key",
			in:   "smtp_password=secretvalue",
			want: "smtp_password=" + Redacted,
		},
		{
			name: "no secrets",
			in:   "request req-1 completed in 40ms",
			want: "request req-1 completed in 40ms",
		},
		{
			name: "no separators",
			in:   "plain text line",
			want: "plain text line",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, ScrubLine(tt.in))
		})
	}
}
