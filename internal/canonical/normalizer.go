package canonical

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/finclose/close-engine/internal"
)

// InvoiceRow is the raw shape a source connector hands over for one pending
// invoice line. Amounts arrive as strings so they are parsed fixed-point,
// never through a float.
type InvoiceRow struct {
	InvoiceID    string `json:"invoice_id"`
	Vendor       string `json:"vendor"`
	VendorID     string `json:"vendor_id"`
	Amount       string `json:"amount"`
	Currency     string `json:"currency"`
	InvoiceDate  string `json:"invoice_date"`
	Description  string `json:"description"`
	Account      string `json:"account"`
	Department   string `json:"department"`
	Class        string `json:"class"`
	Location     string `json:"location"`
	ServiceStart string `json:"service_start,omitempty"`
	ServiceEnd   string `json:"service_end,omitempty"`
}

// LedgerRow is one raw account balance line from a payroll or GL extract.
type LedgerRow struct {
	Account     string `json:"account"`
	AccountName string `json:"account_name"`
	Amount      string `json:"amount"`
}

const dateLayout = "2006-01-02"

// NormalizeInvoices converts raw invoice rows into SourceRecords. A row with
// a missing identifier or an unparseable amount fails the whole batch: a
// partially normalized extract must never reach the calculators.
func NormalizeInvoices(rows []InvoiceRow) ([]SourceRecord, error) {
	records := make([]SourceRecord, 0, len(rows))
	for i, row := range rows {
		rec, err := normalizeInvoice(row)
		if err != nil {
			return nil, internal.NewValidationError(
				fmt.Sprintf("invoice row %d (%s): %v", i, row.InvoiceID, err),
				internal.ErrCodeInvalidRecord,
			).WithCause(err)
		}
		records = append(records, rec)
	}
	return records, nil
}

func normalizeInvoice(row InvoiceRow) (SourceRecord, error) {
	if strings.TrimSpace(row.InvoiceID) == "" {
		return SourceRecord{}, fmt.Errorf("missing invoice identifier")
	}

	amount, err := decimal.NewFromString(strings.TrimSpace(row.Amount))
	if err != nil {
		return SourceRecord{}, fmt.Errorf("invalid amount %q: %w", row.Amount, err)
	}

	rec := SourceRecord{
		ID:       row.InvoiceID,
		Vendor:   row.Vendor,
		VendorID: row.VendorID,
		Amount:   amount,
		Currency: defaultCurrency(row.Currency),
		Dims: Dimensions{
			Account:    row.Account,
			Department: row.Department,
			Class:      row.Class,
			Location:   row.Location,
		},
		Description: row.Description,
	}

	if row.InvoiceDate != "" {
		ts, err := time.Parse(dateLayout, row.InvoiceDate)
		if err != nil {
			return SourceRecord{}, fmt.Errorf("invalid invoice date %q: %w", row.InvoiceDate, err)
		}
		rec.SourceTime = ts
	}

	// Explicit service dates make period resolution deterministic; both ends
	// must be present and parseable or neither is used.
	if row.ServiceStart != "" && row.ServiceEnd != "" {
		start, errS := time.Parse(dateLayout, row.ServiceStart)
		end, errE := time.Parse(dateLayout, row.ServiceEnd)
		if errS != nil || errE != nil {
			return SourceRecord{}, fmt.Errorf("invalid service dates %q..%q", row.ServiceStart, row.ServiceEnd)
		}
		rec.PeriodStart = &start
		rec.PeriodEnd = &end
	}

	return rec, nil
}

// NormalizeLedger folds raw balance rows into a snapshot keyed by account
// code. Duplicate account rows accumulate.
func NormalizeLedger(source, period string, rows []LedgerRow) (LedgerSnapshot, error) {
	snap := NewLedgerSnapshot(source, period)
	for i, row := range rows {
		if strings.TrimSpace(row.Account) == "" {
			return LedgerSnapshot{}, internal.NewValidationError(
				fmt.Sprintf("%s ledger row %d: missing account code", source, i),
				internal.ErrCodeInvalidRecord,
			)
		}
		amount, err := decimal.NewFromString(strings.TrimSpace(row.Amount))
		if err != nil {
			return LedgerSnapshot{}, internal.NewValidationError(
				fmt.Sprintf("%s ledger row %d (%s): invalid amount %q", source, i, row.Account, row.Amount),
				internal.ErrCodeInvalidRecord,
			).WithCause(err)
		}
		snap.Add(row.Account, row.AccountName, amount)
	}
	return snap, nil
}

func defaultCurrency(c string) string {
	if c == "" {
		return "USD"
	}
	return c
}
