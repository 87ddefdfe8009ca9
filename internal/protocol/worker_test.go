package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseWorkerLine_Ready(t *testing.T) {
	line := []byte(`{"type":"READY","engine":"python","version":"1.4.0","capabilities":["DOC_PARSE","DOC_RENDER"]}`)

	parsed, err := ParseWorkerLine(line)
	require.NoError(t, err)
	require.NotNil(t, parsed.Ready)
	require.Nil(t, parsed.Response)
	require.Nil(t, parsed.Event)

	require.Equal(t, "python", parsed.Ready.Engine)
	require.Equal(t, "1.4.0", parsed.Ready.Version)
	require.Equal(t, []string{"DOC_PARSE", "DOC_RENDER"}, parsed.Ready.Capabilities)
}

func TestParseWorkerLine_Response(t *testing.T) {
	line := []byte(`{"id":"req-1","success":true,"result":{"pages":3}}`)

	parsed, err := ParseWorkerLine(line)
	require.NoError(t, err)
	require.NotNil(t, parsed.Response)
	require.Equal(t, "req-1", parsed.Response.ID)
	require.True(t, parsed.Response.Success)
	require.JSONEq(t, `{"pages":3}`, string(parsed.Response.Result))
}

func TestParseWorkerLine_FailureResponse(t *testing.T) {
	line := []byte(`{"id":"req-2","success":false,"error":{"code":"ENGINE_ERROR","message":"parse failed"}}`)

	parsed, err := ParseWorkerLine(line)
	require.NoError(t, err)
	require.NotNil(t, parsed.Response)
	require.False(t, parsed.Response.Success)
	require.NotNil(t, parsed.Response.Error)
	require.Equal(t, CodeEngineError, parsed.Response.Error.Code)
	require.Equal(t, "parse failed", parsed.Response.Error.Message)
}

func TestParseWorkerLine_ResponseWithLegacyTypeField(t *testing.T) {
	// Older workers echo the command name as "type" on responses; the
	// success field decides the classification, not the type.
	line := []byte(`{"id":"req-3","type":"doc.parse","success":true}`)

	parsed, err := ParseWorkerLine(line)
	require.NoError(t, err)
	require.NotNil(t, parsed.Response)
	require.Nil(t, parsed.Event)
}

func TestParseWorkerLine_UnsolicitedEvent(t *testing.T) {
	line := []byte(`{"event":"progress","completed":40,"total":100}`)

	parsed, err := ParseWorkerLine(line)
	require.NoError(t, err)
	require.Nil(t, parsed.Ready)
	require.Nil(t, parsed.Response)
	require.JSONEq(t, string(line), string(parsed.Event))
}

func TestParseWorkerLine_IDWithoutSuccessIsEvent(t *testing.T) {
	line := []byte(`{"id":"evt-1","event":"watchdog"}`)

	parsed, err := ParseWorkerLine(line)
	require.NoError(t, err)
	require.Nil(t, parsed.Response, "a correlation id alone does not make a response")
	require.NotNil(t, parsed.Event)
}

func TestParseWorkerLine_InvalidJSON(t *testing.T) {
	_, err := ParseWorkerLine([]byte(`garbage {{{`))
	require.Error(t, err)
}

func TestEncodeWorkerCommand(t *testing.T) {
	cmd := WorkerCommand{
		ID:     "req-9",
		Method: "doc.parse",
		Params: json.RawMessage(`{"path":"a.docx"}`),
	}

	line, err := EncodeWorkerCommand(cmd)
	require.NoError(t, err)
	require.NotContains(t, string(line), "\n")

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(line, &decoded))
	require.Equal(t, "req-9", decoded["id"])
	require.Equal(t, "doc.parse", decoded["method"])
}

func TestEncodeWorkerCommand_OmitsEmptyParams(t *testing.T) {
	line, err := EncodeWorkerCommand(WorkerCommand{ID: "req-10", Method: "engine.status"})
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(line, &decoded))
	require.NotContains(t, decoded, "params")
}
