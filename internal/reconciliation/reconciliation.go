// Package reconciliation diffs two account-keyed ledger snapshots for the
// same period and emits one variance per account.
package reconciliation

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/finclose/close-engine/internal/canonical"
)

type Classification string

const (
	ClassTiming          Classification = "timing"
	ClassTrueVariance    Classification = "true_variance"
	ClassKnownAdjustment Classification = "known_adjustment"
	ClassImmaterial      Classification = "immaterial"
	ClassUnclassified    Classification = "unclassified"
)

// Variance is one account's difference between the two sides. Created here;
// only the classifier adds the classification afterwards.
type Variance struct {
	Account        string          `json:"account"`
	AccountName    string          `json:"account_name,omitempty"`
	AmountA        decimal.Decimal `json:"amount_a"`
	AmountB        decimal.Decimal `json:"amount_b"`
	Delta          decimal.Decimal `json:"delta"`
	Percent        float64         `json:"percent"`
	Material       bool            `json:"material"`
	Classification Classification  `json:"classification,omitempty"`
	Rationale      string          `json:"rationale,omitempty"`
}

// Matched reports whether the two sides agree to the cent.
func (v Variance) Matched() bool {
	return v.Delta.IsZero()
}

// Reconcile produces one Variance per account present in either snapshot; a
// missing side counts as zero. Delta is B minus A. The materiality flag is
// strict magnitude over threshold. Output is ordered by account code
// ascending so two runs over the same snapshots are byte-identical.
func Reconcile(a, b canonical.LedgerSnapshot, threshold decimal.Decimal) []Variance {
	accounts := make(map[string]struct{}, len(a.Entries)+len(b.Entries))
	for acct := range a.Entries {
		accounts[acct] = struct{}{}
	}
	for acct := range b.Entries {
		accounts[acct] = struct{}{}
	}

	ordered := make([]string, 0, len(accounts))
	for acct := range accounts {
		ordered = append(ordered, acct)
	}
	sort.Strings(ordered)

	variances := make([]Variance, 0, len(ordered))
	for _, acct := range ordered {
		amountA := a.Amount(acct)
		amountB := b.Amount(acct)
		delta := amountB.Sub(amountA)

		v := Variance{
			Account:     acct,
			AccountName: accountName(a, b, acct),
			AmountA:     amountA,
			AmountB:     amountB,
			Delta:       delta,
			Material:    delta.Abs().GreaterThan(threshold),
		}
		if !amountA.IsZero() {
			percent, _ := delta.DivRound(amountA, 6).Mul(decimal.NewFromInt(100)).Float64()
			v.Percent = percent
		} else if !delta.IsZero() {
			v.Percent = 100
		}
		variances = append(variances, v)
	}

	return variances
}

func accountName(a, b canonical.LedgerSnapshot, acct string) string {
	if name := a.Entries[acct].AccountName; name != "" {
		return name
	}
	return b.Entries[acct].AccountName
}
