package advisor

import (
	"fmt"
	"time"
)

// Suggestion types. Each names one analysis; the guardrail deny-list
// matches against these.
const (
	TypeRepeatedFailure    = "repeated-failure"
	TypeRetryTuning        = "retry-tuning"
	TypeApprovalBottleneck = "approval-bottleneck"
	TypeParallelismHint    = "parallelism-hint"
)

// Confidence levels.
const (
	LevelLow    = "low"
	LevelMedium = "medium"
	LevelHigh   = "high"
)

// LevelFor buckets a confidence score: low below 0.5, medium below 0.8,
// high from 0.8 up.
func LevelFor(confidence float64) string {
	switch {
	case confidence >= 0.8:
		return LevelHigh
	case confidence >= 0.5:
		return LevelMedium
	default:
		return LevelLow
	}
}

// Explanation makes a suggestion reviewable: what was concluded, the
// reasoning that led there, and references to the rows it was read from.
type Explanation struct {
	Summary   string   `json:"summary"`
	Reasoning []string `json:"reasoning"`
	Evidence  []string `json:"evidence"`
}

// Limitations names what the analysis assumed and what it could not see.
type Limitations struct {
	Assumptions []string `json:"assumptions"`
	MissingData []string `json:"missing_data"`
}

// Suggestion is one advisory finding. Flagged and FlagReason are set by
// the guardrail when it lets a suggestion through with a caveat.
type Suggestion struct {
	ID          string      `json:"id"`
	Type        string      `json:"type"`
	Context     string      `json:"context"`
	Title       string      `json:"title"`
	Message     string      `json:"message"`
	Confidence  float64     `json:"confidence"`
	Level       string      `json:"level"`
	Explanation Explanation `json:"explanation"`
	Limitations Limitations `json:"limitations"`
	Flagged     bool        `json:"flagged,omitempty"`
	FlagReason  string      `json:"flag_reason,omitempty"`
}

// humanAge renders a duration for titles: whole days, hours, or minutes,
// whichever reads best.
func humanAge(d time.Duration) string {
	switch {
	case d >= 48*time.Hour:
		return fmt.Sprintf("%d days", int(d.Hours())/24)
	case d >= 2*time.Hour:
		return fmt.Sprintf("%d hours", int(d.Hours()))
	default:
		return fmt.Sprintf("%d minutes", int(d.Minutes()))
	}
}
