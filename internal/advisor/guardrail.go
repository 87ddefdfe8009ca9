package advisor

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ordo-sh/ordo/internal/log"
	"github.com/ordo-sh/ordo/internal/metrics"
	"github.com/ordo-sh/ordo/internal/store"
)

// Guardrail decisions.
const (
	DecisionAllow = "allow"
	DecisionFlag  = "flag"
	DecisionBlock = "block"
)

// contextWindow is the rolling window behind the per-context cap.
const contextWindow = time.Hour

// Policy is the declarative guardrail rule set, normally loaded from
// guardrail.yaml in the data directory.
type Policy struct {
	MinConfidence float64  `yaml:"min_confidence"`
	BlockedTypes  []string `yaml:"blocked_types"`
	MaxPerContext int      `yaml:"max_per_context"`
}

// DefaultPolicy returns the hard-coded rules used when no policy document
// exists.
func DefaultPolicy() Policy {
	return Policy{
		MinConfidence: 0.3,
		MaxPerContext: 25,
	}
}

// LoadPolicy reads the guardrail policy document. A missing file means
// defaults; a malformed or out-of-range one is an error, so a typo cannot
// silently loosen the rules.
func LoadPolicy(path string) (Policy, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		log.Info(log.CatAdvisor, "no guardrail policy document, using defaults", "path", path)
		return DefaultPolicy(), nil
	}
	if err != nil {
		return Policy{}, fmt.Errorf("reading guardrail policy: %w", err)
	}

	p := DefaultPolicy()
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return Policy{}, fmt.Errorf("parsing guardrail policy %s: %w", path, err)
	}
	if err := p.validate(); err != nil {
		return Policy{}, fmt.Errorf("guardrail policy %s: %w", path, err)
	}
	log.Info(log.CatAdvisor, "guardrail policy loaded", "path", path,
		"min_confidence", p.MinConfidence, "blocked_types", len(p.BlockedTypes), "max_per_context", p.MaxPerContext)
	return p, nil
}

func (p Policy) validate() error {
	if p.MinConfidence < 0 || p.MinConfidence > 1 {
		return fmt.Errorf("min_confidence %v outside [0, 1]", p.MinConfidence)
	}
	if p.MaxPerContext < 0 {
		return fmt.Errorf("max_per_context %d is negative", p.MaxPerContext)
	}
	return nil
}

// Render serializes the policy as YAML, for the status surface and for
// policy-change drafts.
func (p Policy) Render() string {
	raw, err := yaml.Marshal(p)
	if err != nil {
		return ""
	}
	return string(raw)
}

// Subject is the guardrail's view of one advisory item: enough to apply
// the rules without knowing whether it is a suggestion or a draft.
type Subject struct {
	ID         string
	Kind       string
	Context    string
	Confidence float64
}

// Verdict is one guardrail ruling.
type Verdict struct {
	Decision string
	Reason   string
}

// Evaluate applies the rules to one subject. priorInContext is how many
// suggestions the subject's context already received inside the rolling
// window; the caller supplies it so evaluation stays a pure function.
func (p Policy) Evaluate(sub Subject, priorInContext int) Verdict {
	for _, blocked := range p.BlockedTypes {
		if strings.EqualFold(blocked, sub.Kind) {
			return Verdict{DecisionBlock, fmt.Sprintf("type %s is on the deny-list", sub.Kind)}
		}
	}
	if sub.Confidence < p.MinConfidence {
		return Verdict{DecisionBlock, fmt.Sprintf("confidence %.2f below minimum %.2f", sub.Confidence, p.MinConfidence)}
	}
	if p.MaxPerContext > 0 && priorInContext >= p.MaxPerContext {
		return Verdict{DecisionBlock, fmt.Sprintf("context %s already received %d suggestions inside the window", sub.Context, priorInContext)}
	}
	if LevelFor(sub.Confidence) == LevelLow {
		return Verdict{DecisionFlag, fmt.Sprintf("low confidence (%.2f)", sub.Confidence)}
	}
	return Verdict{DecisionAllow, "within policy"}
}

// guardrail applies the policy to everything leaving the advisor and
// audits every ruling. The type is unexported on purpose: the only way to
// obtain advisory output is through an Advisor, and every Advisor method
// routes through check.
type guardrail struct {
	policy  Policy
	store   *store.Store
	metrics *metrics.Metrics
}

func newGuardrail(policy Policy, st *store.Store, m *metrics.Metrics) *guardrail {
	return &guardrail{policy: policy, store: st, metrics: m}
}

// check rules on one subject, records the decision in the audit table and
// the activity log, and counts it.
func (g *guardrail) check(ctx context.Context, sub Subject) Verdict {
	prior := 0
	// The per-context cap counts delivered suggestions; drafts are exempt.
	if !isDraftKind(sub.Kind) {
		since := time.Now().Add(-contextWindow).UnixMilli()
		prior = g.store.Audit.CountSuggestionsSince(ctx, sub.Context, since)
	}

	v := g.policy.Evaluate(sub, prior)

	g.store.Audit.RecordGuardrail(ctx, store.GuardrailAuditRow{
		SuggestionID: sub.ID,
		Decision:     v.Decision,
		Reason:       v.Reason,
		Context:      sub.Context,
	})
	if v.Decision != DecisionAllow {
		g.store.Activity.Record(ctx, store.ActivityEntry{
			Action:     "guardrail." + v.Decision,
			EntityType: "advisory",
			EntityID:   sub.ID,
			Severity:   store.SeverityWarning,
			Module:     "advisor",
			Message:    v.Reason,
		})
	}
	if g.metrics != nil {
		g.metrics.GuardrailDecisions.WithLabelValues(v.Decision).Inc()
	}
	log.Debug(log.CatAdvisor, "guardrail ruling", "subject", sub.ID, "kind", sub.Kind, "decision", v.Decision, "reason", v.Reason)
	return v
}
