package protocol

import (
	"encoding/json"
	"regexp"
	"strings"
)

// Redacted replaces sensitive values in logs and digests.
const Redacted = "[REDACTED]"

// sensitiveKey matches JSON object keys whose values must never reach a log
// line or a digest.
var sensitiveKey = regexp.MustCompile(`(?i)(password|passphrase|secret|token|api[_-]?key|credential|authorization)`)

// lineSecret matches key=value and "key":"value" shapes inside already
// formatted text, for the log redactor hook.
var lineSecret = regexp.MustCompile(`(?i)("?(?:password|passphrase|secret|token|api[_-]?key|credential|authorization)[a-z0-9_-]*"?\s*[:=]\s*)("[^"]*"|\S+)`)

// ScrubValue walks a decoded JSON value and replaces every value whose key
// matches the sensitive-key set. Maps and slices are copied, scalars are
// returned as-is, so callers can keep the original.
func ScrubValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			if sensitiveKey.MatchString(k) {
				out[k] = Redacted
				continue
			}
			out[k] = ScrubValue(inner)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = ScrubValue(inner)
		}
		return out
	default:
		return v
	}
}

// ScrubJSON scrubs a raw JSON document. Documents that do not parse are
// returned untouched; they carry no key structure to match against.
func ScrubJSON(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return raw
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return raw
	}
	scrubbed := ScrubValue(v)
	out, err := json.Marshal(scrubbed)
	if err != nil {
		return raw
	}
	return out
}

// ScrubLine redacts secrets inside one formatted log entry.
func ScrubLine(line string) string {
	if !strings.ContainsAny(line, ":=") {
		return line
	}
	return lineSecret.ReplaceAllString(line, "${1}"+Redacted)
}
