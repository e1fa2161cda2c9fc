package journal

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/finclose/close-engine/internal"
	"github.com/finclose/close-engine/internal/accrual"
	"github.com/finclose/close-engine/internal/canonical"
)

// MappingRule routes a source account to the expense account debited and
// the liability account credited. Rules are data, not code, so finance can
// change routings without a redeploy.
type MappingRule struct {
	SourceAccount    string `mapstructure:"source_account" json:"source_account"`
	DebitAccount     string `mapstructure:"debit_account" json:"debit_account"`
	LiabilityAccount string `mapstructure:"liability_account" json:"liability_account"`
}

// Policy carries the account policy for one build: the default accrued
// liability account, the balance-sheet accounts an accrual entry must never
// touch, and any mapping rules.
type Policy struct {
	Subsidiary           string
	CloseDate            string
	Memo                 string
	AccruedLiabilityAcct string
	BalanceSheetAccounts []string
	Rules                []MappingRule
}

func (p Policy) excluded(account string) bool {
	for _, a := range p.BalanceSheetAccounts {
		if a == account {
			return true
		}
	}
	return false
}

func (p Policy) rule(account string) (MappingRule, bool) {
	for _, r := range p.Rules {
		if r.SourceAccount == account {
			return r, true
		}
	}
	return MappingRule{}, false
}

// Build assembles one journal entry from accrual results: a debit line per
// distinct dimension group and one aggregate credit line per distinct
// liability account. Zero accruals and balance-sheet-mapped accruals are
// skipped with a reason. The balance invariant is validated before
// returning; a violation is an internal-consistency failure, not user
// input.
func Build(results []accrual.Result, policy Policy) (Entry, []Skipped, error) {
	type debitGroup struct {
		dims     canonical.Dimensions
		amount   decimal.Decimal
		invoices []string
	}

	groups := make(map[string]*debitGroup)
	credits := make(map[string]decimal.Decimal)
	var order []string
	var skipped []Skipped

	for _, res := range results {
		if res.Amount.IsZero() {
			skipped = append(skipped, Skipped{
				InvoiceID: res.InvoiceID,
				Account:   res.Dims.Account,
				Reason:    "zero accrual for this close period",
			})
			continue
		}

		debitAccount := res.Dims.Account
		liability := policy.AccruedLiabilityAcct
		if rule, ok := policy.rule(res.Dims.Account); ok {
			if rule.DebitAccount != "" {
				debitAccount = rule.DebitAccount
			}
			if rule.LiabilityAccount != "" {
				liability = rule.LiabilityAccount
			}
		}

		if policy.excluded(debitAccount) {
			skipped = append(skipped, Skipped{
				InvoiceID: res.InvoiceID,
				Account:   debitAccount,
				Reason:    "mapped account is in the balance-sheet exclusion set",
			})
			continue
		}

		dims := res.Dims
		dims.Account = debitAccount
		key := fmt.Sprintf("%s|%s|%s|%s", dims.Account, dims.Department, dims.Class, dims.Location)
		group, ok := groups[key]
		if !ok {
			group = &debitGroup{dims: dims}
			groups[key] = group
			order = append(order, key)
		}
		group.amount = group.amount.Add(res.Amount)
		group.invoices = append(group.invoices, res.InvoiceID)

		credits[liability] = credits[liability].Add(res.Amount)
	}

	entry := Entry{
		Subsidiary: policy.Subsidiary,
		Date:       policy.CloseDate,
		Memo:       policy.Memo,
	}

	sort.Strings(order)
	for _, key := range order {
		group := groups[key]
		entry.Lines = append(entry.Lines, Line{
			Dims:  group.dims,
			Debit: group.amount,
			Memo:  "Accrual for invoices: " + strings.Join(group.invoices, ", "),
		})
		entry.TotalDebit = entry.TotalDebit.Add(group.amount)
	}

	liabilityAccounts := make([]string, 0, len(credits))
	for acct := range credits {
		liabilityAccounts = append(liabilityAccounts, acct)
	}
	sort.Strings(liabilityAccounts)
	for _, acct := range liabilityAccounts {
		entry.Lines = append(entry.Lines, Line{
			Dims:   canonical.Dimensions{Account: acct},
			Credit: credits[acct],
			Memo:   policy.Memo,
		})
		entry.TotalCredit = entry.TotalCredit.Add(credits[acct])
	}

	if !entry.Balanced() {
		return Entry{}, skipped, internal.ErrUnbalancedEntry.WithDetails(map[string]string{
			"total_debit":  entry.TotalDebit.String(),
			"total_credit": entry.TotalCredit.String(),
		})
	}

	return entry, skipped, nil
}
