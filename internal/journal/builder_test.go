package journal_test

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/shopspring/decimal"

	"github.com/finclose/close-engine/internal/accrual"
	"github.com/finclose/close-engine/internal/canonical"
	"github.com/finclose/close-engine/internal/journal"
)

func TestJournal(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Journal Suite")
}

func result(id, account, dept string, amount string) accrual.Result {
	return accrual.Result{
		InvoiceID: id,
		Amount:    decimal.RequireFromString(amount),
		Dims:      canonical.Dimensions{Account: account, Department: dept},
	}
}

var _ = Describe("Build", func() {
	var policy journal.Policy

	BeforeEach(func() {
		policy = journal.Policy{
			Subsidiary:           "US01",
			CloseDate:            "2025-11-30",
			Memo:                 "Invoice accruals - 2025-11",
			AccruedLiabilityAcct: "2100",
			BalanceSheetAccounts: []string{"1400", "1500"},
		}
	})

	It("groups debits by dimensions and credits a single liability line", func() {
		results := []accrual.Result{
			result("INV-1", "6040", "ENG", "1000.00"),
			result("INV-2", "6040", "ENG", "250.00"),
			result("INV-3", "6050", "OPS", "99.50"),
		}

		entry, skipped, err := journal.Build(results, policy)
		Expect(err).NotTo(HaveOccurred())
		Expect(skipped).To(BeEmpty())

		// two debit groups plus one credit
		Expect(entry.Lines).To(HaveLen(3))
		Expect(entry.Lines[0].Dims.Account).To(Equal("6040"))
		Expect(entry.Lines[0].Debit.String()).To(Equal("1250"))
		Expect(entry.Lines[0].Memo).To(ContainSubstring("INV-1, INV-2"))
		Expect(entry.Lines[1].Dims.Account).To(Equal("6050"))

		credit := entry.Lines[2]
		Expect(credit.Dims.Account).To(Equal("2100"))
		Expect(credit.Credit.String()).To(Equal("1349.5"))

		Expect(entry.Balanced()).To(BeTrue())
		Expect(entry.TotalDebit.Equal(entry.TotalCredit)).To(BeTrue())
	})

	It("skips zero accruals with a reason", func() {
		results := []accrual.Result{
			result("INV-1", "6040", "", "0"),
			result("INV-2", "6040", "", "500.00"),
		}

		entry, skipped, err := journal.Build(results, policy)
		Expect(err).NotTo(HaveOccurred())

		Expect(skipped).To(HaveLen(1))
		Expect(skipped[0].InvoiceID).To(Equal("INV-1"))
		Expect(entry.TotalDebit.String()).To(Equal("500"))
	})

	It("skips accruals mapped to balance-sheet accounts", func() {
		results := []accrual.Result{
			result("INV-1", "1400", "", "750.00"),
			result("INV-2", "6040", "", "500.00"),
		}

		entry, skipped, err := journal.Build(results, policy)
		Expect(err).NotTo(HaveOccurred())

		Expect(skipped).To(HaveLen(1))
		Expect(skipped[0].Account).To(Equal("1400"))
		Expect(entry.TotalDebit.String()).To(Equal("500"))
		Expect(entry.Balanced()).To(BeTrue())
	})

	It("applies mapping rules to redirect debit and liability accounts", func() {
		policy.Rules = []journal.MappingRule{
			{SourceAccount: "6040", DebitAccount: "6045", LiabilityAccount: "2150"},
		}
		results := []accrual.Result{
			result("INV-1", "6040", "", "300.00"),
			result("INV-2", "6050", "", "200.00"),
		}

		entry, _, err := journal.Build(results, policy)
		Expect(err).NotTo(HaveOccurred())

		Expect(entry.Lines[0].Dims.Account).To(Equal("6045"))

		// one credit per distinct liability account, ordered
		var credits []journal.Line
		for _, line := range entry.Lines {
			if !line.Credit.IsZero() {
				credits = append(credits, line)
			}
		}
		Expect(credits).To(HaveLen(2))
		Expect(credits[0].Dims.Account).To(Equal("2100"))
		Expect(credits[1].Dims.Account).To(Equal("2150"))
		Expect(entry.Balanced()).To(BeTrue())
	})

	It("produces an empty balanced entry when everything is skipped", func() {
		results := []accrual.Result{
			result("INV-1", "6040", "", "0"),
		}

		entry, skipped, err := journal.Build(results, policy)
		Expect(err).NotTo(HaveOccurred())
		Expect(skipped).To(HaveLen(1))
		Expect(entry.Lines).To(BeEmpty())
		Expect(entry.Balanced()).To(BeTrue())
	})
})

var _ = Describe("Entry", func() {
	It("rejects a line carrying both debit and credit", func() {
		entry := journal.Entry{
			Lines: []journal.Line{
				{Debit: decimal.RequireFromString("10"), Credit: decimal.RequireFromString("10")},
			},
		}
		Expect(entry.Balanced()).To(BeFalse())
	})
})
