package inference

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/finclose/close-engine/internal"
)

// RuleBased is the deterministic capability implementation. It extracts
// service periods from the date patterns vendors actually write on invoices
// and classifies variances with the recurring heuristics a reviewer would
// apply first. It exists so the engine's correctness can be tested without
// any external model.
type RuleBased struct{}

func NewRuleBased() *RuleBased {
	return &RuleBased{}
}

var (
	// "October 15 - November 30, 2025" or "October 15 to November 30, 2025"
	rangePattern = regexp.MustCompile(`(?i)(January|February|March|April|May|June|July|August|September|October|November|December)\s+(\d{1,2})\s*(?:-|to|through)\s*(January|February|March|April|May|June|July|August|September|October|November|December)\s+(\d{1,2}),?\s*(\d{4})`)

	// "for December 2025", "December 2025 subscription"
	monthPattern = regexp.MustCompile(`(?i)(January|February|March|April|May|June|July|August|September|October|November|December)\s+(\d{4})`)
)

// InferPeriod parses freeText for a date range or a month mention. A range
// with explicit days scores high; a bare month mention scores medium since
// the text may describe an invoice date rather than a service period. No
// match is a permanent error: guessing a period is worse than routing the
// record to review.
func (r *RuleBased) InferPeriod(_ context.Context, freeText string, _ time.Time) (PeriodGuess, error) {
	if m := rangePattern.FindStringSubmatch(freeText); m != nil {
		year, _ := strconv.Atoi(m[5])
		startDay, _ := strconv.Atoi(m[2])
		endDay, _ := strconv.Atoi(m[4])
		start := time.Date(year, monthByName(m[1]), startDay, 0, 0, 0, 0, time.UTC)
		end := time.Date(year, monthByName(m[3]), endDay, 0, 0, 0, 0, time.UTC)
		// Ranges like "December 15 - January 10, 2026" wrap a year boundary.
		if end.Before(start) {
			start = start.AddDate(-1, 0, 0)
		}
		return PeriodGuess{
			Start:     start,
			End:       end,
			Score:     0.95,
			Rationale: "explicit date range in description",
		}, nil
	}

	if m := monthPattern.FindStringSubmatch(freeText); m != nil {
		year, _ := strconv.Atoi(m[2])
		month := monthByName(m[1])
		start := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
		end := start.AddDate(0, 1, -1)
		return PeriodGuess{
			Start:     start,
			End:       end,
			Score:     0.75,
			Rationale: "single month mentioned in description",
		}, nil
	}

	return PeriodGuess{}, internal.NewPermanentExternalError(
		fmt.Sprintf("no service period found in description %q", truncate(freeText, 80)), nil)
}

// ClassifyVariance applies the deterministic rules: accounts flagged as
// known adjustments classify directly, small relative variances read as
// timing, everything else is a true variance needing investigation.
func (r *RuleBased) ClassifyVariance(_ context.Context, vc VarianceContext) (VarianceCall, error) {
	for _, acct := range vc.KnownAdjustments {
		if acct == vc.Account {
			return VarianceCall{
				Label:     LabelKnownAdjustment,
				Rationale: "account is on the known-adjustment list",
			}, nil
		}
	}

	if vc.Percent < 5 && vc.Percent > -5 {
		return VarianceCall{
			Label:     LabelTiming,
			Rationale: "variance under 5% of the source balance, consistent with accrual timing",
		}, nil
	}

	return VarianceCall{
		Label:     LabelTrueVariance,
		Rationale: "variance exceeds timing tolerance and matches no known pattern",
	}, nil
}

func monthByName(name string) time.Month {
	switch strings.ToLower(name) {
	case "january":
		return time.January
	case "february":
		return time.February
	case "march":
		return time.March
	case "april":
		return time.April
	case "may":
		return time.May
	case "june":
		return time.June
	case "july":
		return time.July
	case "august":
		return time.August
	case "september":
		return time.September
	case "october":
		return time.October
	case "november":
		return time.November
	default:
		return time.December
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
