package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodeRequest(t *testing.T) {
	req, err := DecodeRequest([]byte(`{"id":"req-1","type":"DOC_PARSE","payload":{"path":"a.docx"}}`))
	require.NoError(t, err)
	require.Equal(t, "req-1", req.ID)
	require.Equal(t, "DOC_PARSE", req.Type)
	require.JSONEq(t, `{"path":"a.docx"}`, string(req.Payload))
}

func TestDecodeRequest_InvalidJSON(t *testing.T) {
	_, err := DecodeRequest([]byte(`{"id":"req-1"`))
	require.Error(t, err)
}

func TestOKResponse(t *testing.T) {
	resp := OKResponse("req-2", map[string]string{"status": "ok"})
	require.Equal(t, "req-2", resp.ID)
	require.True(t, resp.Success)
	require.Nil(t, resp.Error)
	require.NotZero(t, resp.Timestamp)
}

func TestErrResponse(t *testing.T) {
	resp := ErrResponse("req-3", CodeQueueFull, "queue is full")
	require.Equal(t, "req-3", resp.ID)
	require.False(t, resp.Success)
	require.NotNil(t, resp.Error)
	require.Equal(t, CodeQueueFull, resp.Error.Code)
	require.Equal(t, "queue is full", resp.Error.Message)
	require.NotZero(t, resp.Timestamp)
}

func TestEncodeResponse_SingleLine(t *testing.T) {
	resp := OKResponse("req-4", map[string]any{"text": "line one\nline two"})
	line, err := EncodeResponse(resp)
	require.NoError(t, err)
	require.NotContains(t, string(line), "\n", "embedded newlines must stay escaped")

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(line, &decoded))
	require.Equal(t, "req-4", decoded["id"])
	require.NotContains(t, decoded, "error", "success lines carry no error object")
}

func TestEncodeResponse_ErrorShape(t *testing.T) {
	line, err := EncodeResponse(ErrResponse("req-5", CodeTimeout, "deadline exceeded"))
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(line, &decoded))
	require.Equal(t, false, decoded["success"])
	require.NotContains(t, decoded, "result", "failure lines carry no result")
}
