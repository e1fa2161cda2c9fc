// Package journal assembles balanced double-entry journal entries from
// accrual results.
package journal

import (
	"github.com/shopspring/decimal"

	"github.com/finclose/close-engine/internal/canonical"
)

// Line is one debit or credit leg. Exactly one of Debit/Credit is nonzero.
type Line struct {
	Dims   canonical.Dimensions `json:"dims"`
	Debit  decimal.Decimal      `json:"debit"`
	Credit decimal.Decimal      `json:"credit"`
	Memo   string               `json:"memo,omitempty"`
}

// Entry is an ordered, balanced set of lines for one subsidiary and close
// date.
type Entry struct {
	Subsidiary  string          `json:"subsidiary"`
	Date        string          `json:"date"`
	Memo        string          `json:"memo"`
	Lines       []Line          `json:"lines"`
	TotalDebit  decimal.Decimal `json:"total_debit"`
	TotalCredit decimal.Decimal `json:"total_credit"`
}

// Balanced reports whether debits equal credits exactly and no line carries
// both sides. Fixed-point comparison, no tolerance.
func (e Entry) Balanced() bool {
	debit := decimal.Zero
	credit := decimal.Zero
	for _, line := range e.Lines {
		if !line.Debit.IsZero() && !line.Credit.IsZero() {
			return false
		}
		debit = debit.Add(line.Debit)
		credit = credit.Add(line.Credit)
	}
	return debit.Equal(credit)
}

// Skipped records an accrual excluded from the entry, with the reason a
// reviewer needs.
type Skipped struct {
	InvoiceID string `json:"invoice_id"`
	Account   string `json:"account"`
	Reason    string `json:"reason"`
}
