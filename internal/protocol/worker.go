package protocol

import (
	"encoding/json"
	"fmt"
)

// ReadyType is the type field of a worker's ready announcement.
const ReadyType = "READY"

// WorkerCommand is one kernel -> worker request line.
type WorkerCommand struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// WorkerResponse is one worker -> kernel response line.
type WorkerResponse struct {
	ID      string          `json:"id"`
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ErrorInfo      `json:"error,omitempty"`
}

// Ready is the single unsolicited announcement a worker emits on startup.
type Ready struct {
	Type         string   `json:"type"`
	Engine       string   `json:"engine"`
	Version      string   `json:"version"`
	Capabilities []string `json:"capabilities"`
}

// WorkerLine is the parse result of one line read from a worker's stdout.
// Exactly one of Ready, Response, or Event is set.
type WorkerLine struct {
	Ready    *Ready
	Response *WorkerResponse
	Event    json.RawMessage
}

// workerEnvelope is the superset shape used to sniff what a stdout line is.
// Workers written against older revisions of the protocol send "type"
// instead of "method" on responses; both spellings are accepted.
type workerEnvelope struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Success *bool  `json:"success"`
}

// ParseWorkerLine classifies one worker stdout line.
// A line that is not valid JSON is an error; the supervisor logs it and
// moves on. A JSON line with a ready type is the announcement; one with a
// correlation id and a success field is a response; anything else is an
// unsolicited event.
func ParseWorkerLine(line []byte) (WorkerLine, error) {
	var env workerEnvelope
	if err := json.Unmarshal(line, &env); err != nil {
		return WorkerLine{}, fmt.Errorf("parsing worker line: %w", err)
	}

	if env.Type == ReadyType {
		var ready Ready
		if err := json.Unmarshal(line, &ready); err != nil {
			return WorkerLine{}, fmt.Errorf("parsing ready announcement: %w", err)
		}
		return WorkerLine{Ready: &ready}, nil
	}

	if env.ID != "" && env.Success != nil {
		var resp WorkerResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			return WorkerLine{}, fmt.Errorf("parsing worker response: %w", err)
		}
		return WorkerLine{Response: &resp}, nil
	}

	raw := make(json.RawMessage, len(line))
	copy(raw, line)
	return WorkerLine{Event: raw}, nil
}

// EncodeWorkerCommand serializes a command to one JSON line without the
// trailing newline.
func EncodeWorkerCommand(cmd WorkerCommand) ([]byte, error) {
	return json.Marshal(cmd)
}
