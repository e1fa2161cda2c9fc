// Package connector defines the consumed interfaces for the external
// source systems and an HTTP implementation. Any connector failure is
// treated as transient and retried by the step policy.
package connector

import (
	"context"

	"github.com/finclose/close-engine/internal/canonical"
)

// InvoiceSource supplies pending invoice lines for a close period.
type InvoiceSource interface {
	FetchPendingInvoices(ctx context.Context, period canonical.Period) ([]canonical.InvoiceRow, error)
}

// PayrollLedger supplies summarized payroll balances per account.
type PayrollLedger interface {
	FetchPayrollSummary(ctx context.Context, period canonical.Period) ([]canonical.LedgerRow, error)
}

// GeneralLedger supplies posted GL balances and already-billed invoices so
// the accrual path can avoid double accrual.
type GeneralLedger interface {
	FetchLedgerBalances(ctx context.Context, period canonical.Period) ([]canonical.LedgerRow, error)
	FetchPostedBills(ctx context.Context, period canonical.Period) ([]canonical.InvoiceRow, error)
}
