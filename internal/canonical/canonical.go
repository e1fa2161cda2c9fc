package canonical

import (
	"time"

	"github.com/shopspring/decimal"
)

// Dimensions are the accounting dimensions carried by every record and
// journal line.
type Dimensions struct {
	Account    string `json:"account"`
	Department string `json:"department,omitempty"`
	Class      string `json:"class,omitempty"`
	Location   string `json:"location,omitempty"`
}

// SourceRecord is one normalized line from an external extract. Immutable
// once created; downstream calculators only read it.
type SourceRecord struct {
	ID          string             `json:"id"`
	Vendor      string             `json:"vendor,omitempty"`
	VendorID    string             `json:"vendor_id,omitempty"`
	Amount      decimal.Decimal    `json:"amount"`
	Currency    string             `json:"currency"`
	Dims        Dimensions         `json:"dims"`
	Description string             `json:"description,omitempty"`
	SourceTime  time.Time          `json:"source_time"`
	PeriodStart *time.Time         `json:"period_start,omitempty"`
	PeriodEnd   *time.Time         `json:"period_end,omitempty"`
}

// HasExplicitPeriod reports whether the extract carried service dates, in
// which case no extraction capability is needed.
func (r SourceRecord) HasExplicitPeriod() bool {
	return r.PeriodStart != nil && r.PeriodEnd != nil
}

// Period is an inclusive date range. Both service periods and close periods
// use it.
type Period struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Days returns the inclusive span in calendar days. Zero or negative means
// the period is invalid.
func (p Period) Days() int {
	return int(p.End.Sub(p.Start).Hours()/24) + 1
}

func (p Period) Valid() bool {
	return !p.Start.IsZero() && !p.End.IsZero() && !p.End.Before(p.Start)
}

// Intersect clips p to bounds. ok is false when the intersection is empty.
func (p Period) Intersect(bounds Period) (Period, bool) {
	start := p.Start
	if bounds.Start.After(start) {
		start = bounds.Start
	}
	end := p.End
	if bounds.End.Before(end) {
		end = bounds.End
	}
	if end.Before(start) {
		return Period{}, false
	}
	return Period{Start: start, End: end}, true
}

// Label renders the close-period month, used in natural keys and memos.
func (p Period) Label() string {
	return p.Start.Format("2006-01")
}

// LedgerEntry is one account balance on a reconciliation side.
type LedgerEntry struct {
	AccountName string          `json:"account_name,omitempty"`
	Amount      decimal.Decimal `json:"amount"`
}

// LedgerSnapshot maps account code to balance for one side of a
// reconciliation, for one period.
type LedgerSnapshot struct {
	Source  string                 `json:"source"`
	Period  string                 `json:"period"`
	Entries map[string]LedgerEntry `json:"entries"`
}

func NewLedgerSnapshot(source, period string) LedgerSnapshot {
	return LedgerSnapshot{
		Source:  source,
		Period:  period,
		Entries: make(map[string]LedgerEntry),
	}
}

// Add accumulates amount into the account entry, keeping the first non-empty
// account name seen.
func (s LedgerSnapshot) Add(account, name string, amount decimal.Decimal) {
	entry := s.Entries[account]
	if entry.AccountName == "" {
		entry.AccountName = name
	}
	entry.Amount = entry.Amount.Add(amount)
	s.Entries[account] = entry
}

func (s LedgerSnapshot) Amount(account string) decimal.Decimal {
	return s.Entries[account].Amount
}
