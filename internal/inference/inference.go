// Package inference models the external natural-language capability the
// engine consults for service-period extraction and variance root-cause
// classification. The engine never trusts a capability result directly:
// scores map to confidence tiers downstream and failures force the
// human-review path.
package inference

import (
	"context"
	"time"
)

// PeriodGuess is the capability's answer to "what service period does this
// free text describe".
type PeriodGuess struct {
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
	Score     float64   `json:"score"`
	Rationale string    `json:"rationale,omitempty"`
}

// VarianceContext is the engine-side context handed to the classifier
// capability. Amounts are decimal strings; the capability never sees binary
// floats.
type VarianceContext struct {
	Account          string            `json:"account"`
	AccountName      string            `json:"account_name,omitempty"`
	AmountA          string            `json:"amount_a"`
	AmountB          string            `json:"amount_b"`
	Delta            string            `json:"delta"`
	Percent          float64           `json:"percent"`
	KnownAdjustments []string          `json:"known_adjustments,omitempty"`
	Extra            map[string]string `json:"extra,omitempty"`
}

// VarianceCall is the capability's classification answer.
type VarianceCall struct {
	Label     string `json:"label"`
	Rationale string `json:"rationale,omitempty"`
}

// Labels a capability may return; anything else is treated as unusable and
// the variance stays unclassified.
const (
	LabelTiming          = "timing"
	LabelTrueVariance    = "true_variance"
	LabelKnownAdjustment = "known_adjustment"
)

// Capability is the consumed interface for the external inference service.
// Both calls must honor ctx cancellation; callers apply their own timeout.
type Capability interface {
	InferPeriod(ctx context.Context, freeText string, hint time.Time) (PeriodGuess, error)
	ClassifyVariance(ctx context.Context, vc VarianceContext) (VarianceCall, error)
}
