package accrual

import (
	"context"
	"log/slog"

	"github.com/finclose/close-engine/internal/canonical"
	"github.com/finclose/close-engine/internal/inference"
)

// Resolved pairs a record with its service period, or marks it for manual
// review when no trustworthy period exists.
type Resolved struct {
	Record      canonical.SourceRecord `json:"record"`
	Period      canonical.Period       `json:"period"`
	Confidence  Confidence             `json:"confidence"`
	NeedsReview bool                   `json:"needs_review,omitempty"`
	Note        string                 `json:"note,omitempty"`
}

// Scores carries the tier cutoffs for mapping an extraction score to a
// confidence tier.
type Scores struct {
	High   float64
	Medium float64
}

// Resolver turns free-text invoice descriptions into service periods.
// Records with explicit dates never touch the capability.
type Resolver struct {
	capability inference.Capability
	scores     Scores
	logger     *slog.Logger
}

func NewResolver(capability inference.Capability, scores Scores, logger *slog.Logger) *Resolver {
	return &Resolver{
		capability: capability,
		scores:     scores,
		logger:     logger,
	}
}

// Resolve maps every record to a Resolved entry. Extraction failures and
// invalid ranges do not fail the batch; the record is routed to manual
// review instead of being guessed at.
func (r *Resolver) Resolve(ctx context.Context, records []canonical.SourceRecord) ([]Resolved, error) {
	resolved := make([]Resolved, 0, len(records))

	for _, rec := range records {
		if rec.HasExplicitPeriod() {
			period := canonical.Period{Start: *rec.PeriodStart, End: *rec.PeriodEnd}
			if !period.Valid() {
				resolved = append(resolved, manualEntry(rec, "extract carried an inverted service period"))
				continue
			}
			resolved = append(resolved, Resolved{
				Record:     rec,
				Period:     period,
				Confidence: ConfidenceHigh,
			})
			continue
		}

		guess, err := r.capability.InferPeriod(ctx, rec.Description, rec.SourceTime)
		if err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			r.logger.Warn("period extraction failed, routing to manual review",
				"invoice_id", rec.ID,
				"error", err)
			resolved = append(resolved, manualEntry(rec, "service period extraction failed"))
			continue
		}

		period := canonical.Period{Start: guess.Start, End: guess.End}
		if !period.Valid() {
			r.logger.Warn("extraction returned invalid period, routing to manual review",
				"invoice_id", rec.ID)
			resolved = append(resolved, manualEntry(rec, "extraction returned an invalid period"))
			continue
		}

		resolved = append(resolved, Resolved{
			Record:     rec,
			Period:     period,
			Confidence: r.tier(guess.Score),
			Note:       guess.Rationale,
		})
	}

	return resolved, nil
}

func (r *Resolver) tier(score float64) Confidence {
	switch {
	case score >= r.scores.High:
		return ConfidenceHigh
	case score >= r.scores.Medium:
		return ConfidenceMedium
	default:
		return ConfidenceLow
	}
}

func manualEntry(rec canonical.SourceRecord, note string) Resolved {
	return Resolved{
		Record:      rec,
		Confidence:  ConfidenceLow,
		NeedsReview: true,
		Note:        note,
	}
}
