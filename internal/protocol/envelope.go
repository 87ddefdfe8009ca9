// Package protocol defines the wire types spoken on the kernel's two
// boundaries: the front-end request/response envelope on the kernel's own
// stdio, and the worker command protocol on each subprocess's stdio. Both
// are line-delimited UTF-8 JSON, one message per line.
package protocol

import (
	"encoding/json"
	"time"
)

// MaxRequestBytes is the largest serialized request the kernel accepts.
const MaxRequestBytes = 1 << 20 // 1 MiB

// Request is one front-end envelope.
type Request struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

// Response is the kernel's answer to a Request. Exactly one Response is
// emitted per accepted Request, carrying the same correlation id.
type Response struct {
	ID        string     `json:"id"`
	Success   bool       `json:"success"`
	Result    any        `json:"result,omitempty"`
	Error     *ErrorInfo `json:"error,omitempty"`
	Timestamp int64      `json:"timestamp"`
}

// ErrorInfo carries a machine-readable code and a human-readable message.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes surfaced in Response.Error.Code.
const (
	CodeUnknownOperation    = "UNKNOWN_OPERATION"
	CodeValidationFailed    = "VALIDATION_FAILED"
	CodeQueueFull           = "QUEUE_FULL"
	CodeSchedulerStopped    = "SCHEDULER_STOPPED"
	CodeEngineUnavailable   = "ENGINE_UNAVAILABLE"
	CodeEngineError         = "ENGINE_ERROR"
	CodeTimeout             = "TIMEOUT"
	CodeWorkflowNotFound    = "WORKFLOW_NOT_FOUND"
	CodeApprovalAlreadyDone = "APPROVAL_ALREADY_RESOLVED"
	CodeApprovalNotFound    = "APPROVAL_NOT_FOUND"
	CodePolicyBlocked       = "POLICY_BLOCKED"
	CodeNotImplemented      = "NOT_IMPLEMENTED"
	CodeInternal            = "INTERNAL_ERROR"
)

// OKResponse builds a success Response for the given correlation id.
func OKResponse(id string, result any) Response {
	return Response{
		ID:        id,
		Success:   true,
		Result:    result,
		Timestamp: time.Now().UnixMilli(),
	}
}

// ErrResponse builds a failure Response for the given correlation id.
func ErrResponse(id, code, message string) Response {
	return Response{
		ID:        id,
		Success:   false,
		Error:     &ErrorInfo{Code: code, Message: message},
		Timestamp: time.Now().UnixMilli(),
	}
}

// DecodeRequest parses one request line. It does not validate semantics;
// the gateway owns those rules.
func DecodeRequest(line []byte) (Request, error) {
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		return Request{}, err
	}
	return req, nil
}

// EncodeResponse serializes a Response to a single JSON line without the
// trailing newline.
func EncodeResponse(resp Response) ([]byte, error) {
	return json.Marshal(resp)
}
