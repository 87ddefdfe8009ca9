package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// maxSummaryBytes bounds the readable prefix stored next to a digest.
const maxSummaryBytes = 256

// Digest returns a short stable fingerprint of a JSON value: the xxhash of
// its scrubbed serialized form, hex-encoded. Secrets are scrubbed before
// hashing so digests of credential-bearing payloads cannot be compared
// against guessed plaintexts.
func Digest(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	scrubbed := ScrubJSON(raw)
	return fmt.Sprintf("%016x", xxhash.Sum64(scrubbed))
}

// Summarize renders a scrubbed, truncated human-readable form of a JSON
// value plus its digest, for execution-history rows.
func Summarize(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	scrubbed := ScrubJSON(raw)
	s := string(scrubbed)
	if len(s) > maxSummaryBytes {
		s = s[:maxSummaryBytes] + "..."
	}
	return fmt.Sprintf("%s #%s", s, Digest(raw))
}

// HashContent fingerprints draft artifact content.
func HashContent(content string) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(content))
}
