package advisor

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestDefaultPolicy_AllowsTypicalFinding(t *testing.T) {
	v := DefaultPolicy().Evaluate(Subject{
		ID:         "s-1",
		Kind:       TypeRetryTuning,
		Context:    "operation:OCR_EXTRACT",
		Confidence: 0.7,
	}, 0)

	require.Equal(t, DecisionAllow, v.Decision)
	require.Equal(t, "within policy", v.Reason)
}

func TestPolicy_BlocksDeniedType(t *testing.T) {
	p := DefaultPolicy()
	p.BlockedTypes = []string{"Retry-Tuning"}

	// Deny-list matching is case-insensitive.
	v := p.Evaluate(Subject{Kind: TypeRetryTuning, Confidence: 0.9}, 0)
	require.Equal(t, DecisionBlock, v.Decision)
	require.Contains(t, v.Reason, "deny-list")
}

func TestPolicy_BlocksBelowMinimumConfidence(t *testing.T) {
	p := DefaultPolicy()
	p.MinConfidence = 0.5

	v := p.Evaluate(Subject{Kind: TypeParallelismHint, Confidence: 0.49}, 0)
	require.Equal(t, DecisionBlock, v.Decision)
	require.Contains(t, v.Reason, "below minimum")
}

func TestPolicy_BlocksSaturatedContext(t *testing.T) {
	p := DefaultPolicy()
	p.MaxPerContext = 3
	sub := Subject{Kind: TypeApprovalBottleneck, Context: "execution:exe-1", Confidence: 0.9}

	require.Equal(t, DecisionAllow, p.Evaluate(sub, 2).Decision)

	v := p.Evaluate(sub, 3)
	require.Equal(t, DecisionBlock, v.Decision)
	require.Contains(t, v.Reason, "already received")
}

func TestPolicy_ZeroCapMeansUnlimited(t *testing.T) {
	p := DefaultPolicy()
	p.MaxPerContext = 0

	v := p.Evaluate(Subject{Kind: TypeRetryTuning, Confidence: 0.9}, 10_000)
	require.Equal(t, DecisionAllow, v.Decision)
}

func TestPolicy_FlagsLowConfidence(t *testing.T) {
	v := DefaultPolicy().Evaluate(Subject{Kind: TypeApprovalBottleneck, Confidence: 0.4}, 0)

	require.Equal(t, DecisionFlag, v.Decision)
	require.Contains(t, v.Reason, "low confidence")
}

func TestLoadPolicy_MissingFileUsesDefaults(t *testing.T) {
	p, err := LoadPolicy(filepath.Join(t.TempDir(), "guardrail.yaml"))

	require.NoError(t, err)
	require.Equal(t, DefaultPolicy(), p)
}

func TestLoadPolicy_ReadsDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "guardrail.yaml")
	doc := "min_confidence: 0.6\nblocked_types: [policy-change, retry-tuning]\nmax_per_context: 5\n"
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	p, err := LoadPolicy(path)
	require.NoError(t, err)
	require.Equal(t, Policy{
		MinConfidence: 0.6,
		BlockedTypes:  []string{"policy-change", "retry-tuning"},
		MaxPerContext: 5,
	}, p)
}

func TestLoadPolicy_PartialDocumentKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "guardrail.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_per_context: 3\n"), 0o644))

	p, err := LoadPolicy(path)
	require.NoError(t, err)
	require.Equal(t, DefaultPolicy().MinConfidence, p.MinConfidence)
	require.Equal(t, 3, p.MaxPerContext)
}

func TestLoadPolicy_RejectsBadDocuments(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"malformed yaml", "min_confidence: [broken\n"},
		{"confidence above one", "min_confidence: 1.5\n"},
		{"negative cap", "max_per_context: -2\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "guardrail.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.doc), 0o644))

			_, err := LoadPolicy(path)
			require.Error(t, err)
		})
	}
}

func TestLevelFor_Boundaries(t *testing.T) {
	require.Equal(t, LevelLow, LevelFor(0))
	require.Equal(t, LevelLow, LevelFor(0.49))
	require.Equal(t, LevelMedium, LevelFor(0.5))
	require.Equal(t, LevelMedium, LevelFor(0.79))
	require.Equal(t, LevelHigh, LevelFor(0.8))
	require.Equal(t, LevelHigh, LevelFor(1))
}

func TestProperty_BelowMinimumAlwaysBlocks(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		p := DefaultPolicy()
		p.MinConfidence = rapid.Float64Range(0.05, 1).Draw(t, "min")
		confidence := p.MinConfidence * rapid.Float64Range(0, 0.99).Draw(t, "fraction")

		v := p.Evaluate(Subject{Kind: TypeRetryTuning, Confidence: confidence}, 0)
		require.Equal(t, DecisionBlock, v.Decision)
	})
}

func TestProperty_VerdictTracksLevel(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		p := DefaultPolicy()
		p.MinConfidence = 0
		confidence := rapid.Float64Range(0, 1).Draw(t, "confidence")

		v := p.Evaluate(Subject{Kind: TypeParallelismHint, Confidence: confidence}, 0)
		if LevelFor(confidence) == LevelLow {
			require.Equal(t, DecisionFlag, v.Decision)
		} else {
			require.Equal(t, DecisionAllow, v.Decision)
		}
	})
}
