// Package accrual computes day-accurate accrual amounts for pending
// invoices against a close period. All arithmetic is fixed-point; nothing
// here touches a binary float.
package accrual

import (
	"github.com/shopspring/decimal"

	"github.com/finclose/close-engine/internal"
	"github.com/finclose/close-engine/internal/canonical"
)

type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// Result is the accrual outcome for one invoice.
type Result struct {
	InvoiceID   string               `json:"invoice_id"`
	Vendor      string               `json:"vendor,omitempty"`
	Total       decimal.Decimal      `json:"total"`
	Currency    string               `json:"currency"`
	Period      canonical.Period     `json:"period"`
	TotalDays   int                  `json:"total_days"`
	AccrualDays int                  `json:"accrual_days"`
	Amount      decimal.Decimal      `json:"amount"`
	Confidence  Confidence           `json:"confidence"`
	Dims        canonical.Dimensions `json:"dims"`
	NeedsReview bool                 `json:"needs_review,omitempty"`
	Note        string               `json:"note,omitempty"`
}

// intermediate division precision; final amounts round once to currency
// precision.
const divPrecision = 8

// Prorate returns the accrual for one record: the share of the total that
// falls inside the close period, weighted by calendar days, inclusive on
// both ends.
//
// The quotient total*days/span is carried at 8 decimal digits and rounded
// once, half-even, to 2 decimals. When the close period fully contains the
// service period the exact total is used, so aggregating per-account
// accruals can never create or lose money against the invoice total.
func Prorate(record canonical.SourceRecord, period, close canonical.Period, conf Confidence) (Result, error) {
	if !period.Valid() || period.Days() == 0 {
		return Result{}, internal.ErrInvalidPeriod.WithDetails(map[string]string{
			"invoice_id": record.ID,
		})
	}

	result := Result{
		InvoiceID:  record.ID,
		Vendor:     record.Vendor,
		Total:      record.Amount,
		Currency:   record.Currency,
		Period:     period,
		TotalDays:  period.Days(),
		Confidence: conf,
		Dims:       record.Dims,
	}

	overlap, ok := period.Intersect(close)
	if !ok {
		// Nothing to accrue this close; low confidence flags the record for
		// a reviewer to confirm the period really is out of scope.
		result.Amount = decimal.Zero
		result.Confidence = ConfidenceLow
		result.Note = "service period does not overlap the close period"
		return result, nil
	}

	result.AccrualDays = overlap.Days()

	if result.AccrualDays == result.TotalDays {
		result.Amount = record.Amount
		return result, nil
	}

	days := decimal.NewFromInt(int64(result.AccrualDays))
	span := decimal.NewFromInt(int64(result.TotalDays))
	result.Amount = record.Amount.Mul(days).DivRound(span, divPrecision).RoundBank(2)

	return result, nil
}

// ManualReview builds the zero-amount placeholder result for a record whose
// service period could not be resolved. Routing treats it like any other
// low-confidence accrual: a human decides.
func ManualReview(record canonical.SourceRecord, note string) Result {
	return Result{
		InvoiceID:   record.ID,
		Vendor:      record.Vendor,
		Total:       record.Amount,
		Currency:    record.Currency,
		Amount:      decimal.Zero,
		Confidence:  ConfidenceLow,
		Dims:        record.Dims,
		NeedsReview: true,
		Note:        note,
	}
}
