package workflow

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/finclose/close-engine/internal"
	"github.com/finclose/close-engine/internal/accrual"
	"github.com/finclose/close-engine/internal/approval"
	"github.com/finclose/close-engine/internal/canonical"
	"github.com/finclose/close-engine/internal/classification"
	"github.com/finclose/close-engine/internal/connector"
	"github.com/finclose/close-engine/internal/journal"
	"github.com/finclose/close-engine/internal/reconciliation"
)

// StepFunc runs one step against the execution's working state.
type StepFunc func(ctx context.Context, ex *Execution, st *State) error

// Step is one named unit in a workflow's fixed sequence. External steps
// call out of process and get the bounded retry policy; internal steps are
// deterministic and never retried.
type Step struct {
	Name     string
	External bool
	Run      StepFunc
}

// StepDeps holds everything the step implementations need. The close
// policy is read per execution so subsidiary overrides apply.
type StepDeps struct {
	Invoices   connector.InvoiceSource
	Payroll    connector.PayrollLedger
	Ledger     connector.GeneralLedger
	Resolver   *accrual.Resolver
	Classifier *classification.Classifier
	Gate       *approval.Service
	Policy     internal.CloseConfig
	Rules      []journal.MappingRule
	Logger     *slog.Logger
}

// Steps returns the fixed ordered step list for a workflow type.
func (d *StepDeps) Steps(workflowType string) ([]Step, error) {
	switch workflowType {
	case TypeAccrual:
		return d.accrualSteps(), nil
	case TypeReconciliation:
		return d.reconciliationSteps(), nil
	}
	return nil, internal.ErrInvalidWorkflow
}

func (d *StepDeps) accrualSteps() []Step {
	return []Step{
		{Name: "extract", External: true, Run: d.extractInvoices},
		{Name: "match", External: true, Run: d.matchPostedBills},
		{Name: "resolve_period", External: true, Run: d.resolvePeriods},
		{Name: "prorate", Run: d.prorate},
		{Name: "build_entries", Run: d.buildEntries},
		{Name: "validate", Run: d.validateEntries},
		{Name: "route", Run: d.routeAccrual},
	}
}

func (d *StepDeps) reconciliationSteps() []Step {
	return []Step{
		{Name: "extract", External: true, Run: d.extractPayroll},
		{Name: "fetch_ledger", External: true, Run: d.fetchLedger},
		{Name: "reconcile", Run: d.reconcile},
		{Name: "classify", External: true, Run: d.classify},
		{Name: "decide_routing", Run: d.routeReconciliation},
		{Name: "finalize", Run: d.finalize},
	}
}

// ----------------- accrual path -----------------

func (d *StepDeps) extractInvoices(ctx context.Context, ex *Execution, st *State) error {
	rows, err := d.Invoices.FetchPendingInvoices(ctx, ex.ClosePeriod())
	if err != nil {
		return err
	}
	records, err := canonical.NormalizeInvoices(rows)
	if err != nil {
		return err
	}
	st.Records = records
	d.Logger.Info("extracted pending invoices",
		"execution_id", ex.ID,
		"count", len(records))
	return nil
}

// matchPostedBills drops invoices that already landed in the GL as posted
// bills; accruing those would double-count the expense.
func (d *StepDeps) matchPostedBills(ctx context.Context, ex *Execution, st *State) error {
	posted, err := d.Ledger.FetchPostedBills(ctx, ex.ClosePeriod())
	if err != nil {
		return err
	}

	postedIDs := make(map[string]struct{}, len(posted))
	st.PostedInvoices = st.PostedInvoices[:0]
	for _, bill := range posted {
		postedIDs[bill.InvoiceID] = struct{}{}
		st.PostedInvoices = append(st.PostedInvoices, bill.InvoiceID)
	}

	st.Matched = make([]canonical.SourceRecord, 0, len(st.Records))
	for _, rec := range st.Records {
		if _, dup := postedIDs[rec.ID]; dup {
			d.Logger.Info("invoice already billed, excluded from accrual",
				"execution_id", ex.ID,
				"invoice_id", rec.ID)
			continue
		}
		st.Matched = append(st.Matched, rec)
	}
	return nil
}

func (d *StepDeps) resolvePeriods(ctx context.Context, ex *Execution, st *State) error {
	resolved, err := d.Resolver.Resolve(ctx, st.Matched)
	if err != nil {
		return err
	}
	st.Resolved = resolved
	return nil
}

func (d *StepDeps) prorate(_ context.Context, ex *Execution, st *State) error {
	st.Accruals = st.Accruals[:0]
	for _, res := range st.Resolved {
		if res.NeedsReview {
			st.Accruals = append(st.Accruals, accrual.ManualReview(res.Record, res.Note))
			continue
		}
		result, err := accrual.Prorate(res.Record, res.Period, ex.ClosePeriod(), res.Confidence)
		if err != nil {
			return err
		}
		st.Accruals = append(st.Accruals, result)
	}
	d.Logger.Info("prorated accruals",
		"execution_id", ex.ID,
		"count", len(st.Accruals))
	return nil
}

func (d *StepDeps) buildEntries(_ context.Context, ex *Execution, st *State) error {
	label := ex.ClosePeriod().Label()
	entry, skipped, err := journal.Build(st.Accruals, journal.Policy{
		Subsidiary:           ex.Subsidiary,
		CloseDate:            ex.PeriodEnd.Format("2006-01-02"),
		Memo:                 fmt.Sprintf("Invoice accruals - %s", label),
		AccruedLiabilityAcct: d.Policy.AccruedLiabilityAcct,
		BalanceSheetAccounts: d.Policy.BalanceSheetAccounts,
		Rules:                d.Rules,
	})
	if err != nil {
		return err
	}
	st.Entry = &entry
	st.Skipped = skipped
	return nil
}

func (d *StepDeps) validateEntries(_ context.Context, _ *Execution, st *State) error {
	if st.Entry == nil {
		return internal.NewInternalError("no journal entry to validate", nil)
	}
	if !st.Entry.Balanced() {
		return internal.ErrUnbalancedEntry.WithDetails(map[string]string{
			"total_debit":  st.Entry.TotalDebit.String(),
			"total_credit": st.Entry.TotalCredit.String(),
		})
	}
	return nil
}

func (d *StepDeps) routeAccrual(ctx context.Context, ex *Execution, st *State) error {
	reason := d.accrualReviewReason(ex, st)
	if reason == "" {
		st.Routing = &RoutingDecision{
			AutoApproved: true,
			Reason:       "all accruals high confidence and entry under the auto-approval ceiling",
		}
		return nil
	}

	req, err := d.Gate.Submit(ctx, ex.ID, ex.Type, map[string]interface{}{
		"entry":    st.Entry,
		"skipped":  st.Skipped,
		"accruals": st.Accruals,
	})
	if err != nil {
		return err
	}
	st.Routing = &RoutingDecision{Reason: reason, RequestID: req.RequestID}
	return nil
}

func (d *StepDeps) accrualReviewReason(ex *Execution, st *State) string {
	for _, res := range st.Accruals {
		if res.NeedsReview {
			return fmt.Sprintf("invoice %s needs manual period review", res.InvoiceID)
		}
		if res.Confidence != accrual.ConfidenceHigh {
			return fmt.Sprintf("invoice %s has %s confidence", res.InvoiceID, res.Confidence)
		}
	}
	if st.Entry.TotalDebit.GreaterThan(d.Policy.Ceiling()) {
		return fmt.Sprintf("entry total %s exceeds the auto-approval ceiling", st.Entry.TotalDebit.String())
	}
	return ""
}

// ----------------- reconciliation path -----------------

func (d *StepDeps) extractPayroll(ctx context.Context, ex *Execution, st *State) error {
	rows, err := d.Payroll.FetchPayrollSummary(ctx, ex.ClosePeriod())
	if err != nil {
		return err
	}
	snap, err := canonical.NormalizeLedger("payroll", ex.ClosePeriod().Label(), rows)
	if err != nil {
		return err
	}
	st.PayrollSnapshot = &snap
	return nil
}

func (d *StepDeps) fetchLedger(ctx context.Context, ex *Execution, st *State) error {
	rows, err := d.Ledger.FetchLedgerBalances(ctx, ex.ClosePeriod())
	if err != nil {
		return err
	}
	snap, err := canonical.NormalizeLedger("general_ledger", ex.ClosePeriod().Label(), rows)
	if err != nil {
		return err
	}
	st.LedgerSnapshot = &snap
	return nil
}

func (d *StepDeps) reconcile(_ context.Context, ex *Execution, st *State) error {
	if st.PayrollSnapshot == nil || st.LedgerSnapshot == nil {
		return internal.NewInternalError("reconcile requires both ledger snapshots", nil)
	}
	threshold := d.Policy.Materiality(ex.Subsidiary)
	st.Variances = reconciliation.Reconcile(*st.PayrollSnapshot, *st.LedgerSnapshot, threshold)
	d.Logger.Info("reconciled snapshots",
		"execution_id", ex.ID,
		"accounts", len(st.Variances),
		"threshold", threshold.String())
	return nil
}

func (d *StepDeps) classify(ctx context.Context, ex *Execution, st *State) error {
	st.Variances = d.Classifier.ClassifyAll(ctx, st.Variances, classification.Rules{
		Threshold:        d.Policy.Materiality(ex.Subsidiary),
		TimingAccounts:   d.Policy.TimingAccounts,
		KnownAdjustments: d.Policy.KnownAdjustments,
	})
	return nil
}

func (d *StepDeps) routeReconciliation(ctx context.Context, ex *Execution, st *State) error {
	if !classification.RequiresReview(st.Variances) {
		st.Routing = &RoutingDecision{
			AutoApproved: true,
			Reason:       "all variances immaterial or timing",
		}
		return nil
	}

	req, err := d.Gate.Submit(ctx, ex.ID, ex.Type, map[string]interface{}{
		"variances": st.Variances,
	})
	if err != nil {
		return err
	}
	st.Routing = &RoutingDecision{
		Reason:    "material variances require review",
		RequestID: req.RequestID,
	}
	return nil
}

func (d *StepDeps) finalize(_ context.Context, ex *Execution, st *State) error {
	matched := 0
	material := 0
	for _, v := range st.Variances {
		if v.Matched() {
			matched++
		}
		if v.Material {
			material++
		}
	}
	st.Summary = map[string]int{
		"accounts": len(st.Variances),
		"matched":  matched,
		"material": material,
	}
	d.Logger.Info("reconciliation finalized",
		"execution_id", ex.ID,
		"accounts", len(st.Variances),
		"matched", matched,
		"material", material)
	return nil
}
