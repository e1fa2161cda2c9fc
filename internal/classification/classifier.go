// Package classification labels reconciliation variances and decides which
// of them force human review.
package classification

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/finclose/close-engine/internal"
	"github.com/finclose/close-engine/internal/inference"
	"github.com/finclose/close-engine/internal/reconciliation"
)

// Rules is the deterministic part of classification, configured per
// invocation so subsidiary overrides never leak between executions.
type Rules struct {
	Threshold        decimal.Decimal
	TimingAccounts   []string
	KnownAdjustments []string
	CallTimeout      time.Duration
}

func (r Rules) timing(account string) bool {
	for _, a := range r.TimingAccounts {
		if a == account {
			return true
		}
	}
	return false
}

// Classifier applies deterministic rules first and consults the external
// capability only for material, unresolved variances. The capability is a
// cost and latency concern, never a correctness one: when it fails, the
// variance stays Unclassified and is forced into human review. Automation
// must never auto-approve an unclassified material variance.
type Classifier struct {
	capability inference.Capability
	logger     *slog.Logger
}

func NewClassifier(capability inference.Capability, logger *slog.Logger) *Classifier {
	return &Classifier{
		capability: capability,
		logger:     logger,
	}
}

// Classify labels a single variance. Below-threshold deltas are Immaterial
// regardless of anything the capability might say, and never trigger a
// call.
func (c *Classifier) Classify(ctx context.Context, v reconciliation.Variance, rules Rules) reconciliation.Variance {
	if v.Delta.Abs().LessThanOrEqual(rules.Threshold) {
		v.Material = false
		v.Classification = reconciliation.ClassImmaterial
		v.Rationale = "delta within materiality threshold"
		return v
	}

	v.Material = true

	if rules.timing(v.Account) {
		v.Classification = reconciliation.ClassTiming
		v.Rationale = "account is on the recurring timing list"
		return v
	}

	callCtx, cancel := internal.WithTimeout(ctx, rules.CallTimeout)
	defer cancel()

	call, err := c.capability.ClassifyVariance(callCtx, inference.VarianceContext{
		Account:          v.Account,
		AccountName:      v.AccountName,
		AmountA:          v.AmountA.String(),
		AmountB:          v.AmountB.String(),
		Delta:            v.Delta.String(),
		Percent:          v.Percent,
		KnownAdjustments: rules.KnownAdjustments,
	})
	if err != nil {
		// Fail open: an unclassified material variance cannot be
		// auto-approved downstream.
		c.logger.Warn("variance classification failed, leaving unclassified",
			"account", v.Account,
			"error", err)
		v.Classification = reconciliation.ClassUnclassified
		v.Rationale = "classification capability unavailable"
		return v
	}

	v.Classification = labelToClass(call.Label)
	v.Rationale = call.Rationale
	if v.Classification == reconciliation.ClassUnclassified {
		c.logger.Warn("capability returned unknown label, leaving unclassified",
			"account", v.Account,
			"label", call.Label)
	}

	return v
}

// ClassifyAll labels a batch in order. Errors never abort the batch; each
// failed call leaves its variance unclassified.
func (c *Classifier) ClassifyAll(ctx context.Context, variances []reconciliation.Variance, rules Rules) []reconciliation.Variance {
	out := make([]reconciliation.Variance, len(variances))
	for i, v := range variances {
		out[i] = c.Classify(ctx, v, rules)
	}
	return out
}

// RequiresReview reports whether any variance forces the human-review path:
// anything material that is not an understood timing difference.
func RequiresReview(variances []reconciliation.Variance) bool {
	for _, v := range variances {
		switch v.Classification {
		case reconciliation.ClassImmaterial, reconciliation.ClassTiming:
		default:
			return true
		}
	}
	return false
}

func labelToClass(label string) reconciliation.Classification {
	switch label {
	case inference.LabelTiming:
		return reconciliation.ClassTiming
	case inference.LabelTrueVariance:
		return reconciliation.ClassTrueVariance
	case inference.LabelKnownAdjustment:
		return reconciliation.ClassKnownAdjustment
	default:
		return reconciliation.ClassUnclassified
	}
}
