package workflow_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/finclose/close-engine/internal"
	"github.com/finclose/close-engine/internal/accrual"
	"github.com/finclose/close-engine/internal/approval"
	approvalStore "github.com/finclose/close-engine/internal/approval/postgres"
	"github.com/finclose/close-engine/internal/audit"
	auditStore "github.com/finclose/close-engine/internal/audit/postgres"
	"github.com/finclose/close-engine/internal/canonical"
	"github.com/finclose/close-engine/internal/classification"
	"github.com/finclose/close-engine/internal/core/events"
	"github.com/finclose/close-engine/internal/inference"
	"github.com/finclose/close-engine/internal/reconciliation"
	"github.com/finclose/close-engine/internal/workflow"
	workflowStore "github.com/finclose/close-engine/internal/workflow/postgres"
	"github.com/finclose/close-engine/pkg/logger"
)

func TestWorkflow(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Workflow Suite")
}

// fakeSource serves all three connector roles with canned rows and
// injectable failures.
type fakeSource struct {
	invoices []canonical.InvoiceRow
	payroll  []canonical.LedgerRow
	ledger   []canonical.LedgerRow
	bills    []canonical.InvoiceRow

	transientLeft int
	permanentErr  error
	calls         map[string]int
}

func newFakeSource() *fakeSource {
	return &fakeSource{calls: make(map[string]int)}
}

func (f *fakeSource) fail(op string) error {
	f.calls[op]++
	if f.permanentErr != nil {
		return f.permanentErr
	}
	if f.transientLeft > 0 {
		f.transientLeft--
		return internal.NewTransientExternalError("upstream flaked", nil)
	}
	return nil
}

func (f *fakeSource) FetchPendingInvoices(_ context.Context, _ canonical.Period) ([]canonical.InvoiceRow, error) {
	if err := f.fail("invoices"); err != nil {
		return nil, err
	}
	return f.invoices, nil
}

func (f *fakeSource) FetchPayrollSummary(_ context.Context, _ canonical.Period) ([]canonical.LedgerRow, error) {
	if err := f.fail("payroll"); err != nil {
		return nil, err
	}
	return f.payroll, nil
}

func (f *fakeSource) FetchLedgerBalances(_ context.Context, _ canonical.Period) ([]canonical.LedgerRow, error) {
	if err := f.fail("ledger"); err != nil {
		return nil, err
	}
	return f.ledger, nil
}

func (f *fakeSource) FetchPostedBills(_ context.Context, _ canonical.Period) ([]canonical.InvoiceRow, error) {
	if err := f.fail("bills"); err != nil {
		return nil, err
	}
	return f.bills, nil
}

var _ = Describe("Engine", func() {
	var (
		db      *gorm.DB
		repo    workflow.Repository
		source  *fakeSource
		gate    *approval.Service
		auditor *audit.Recorder
		engine  *workflow.Engine
		policy  internal.CloseConfig
	)

	november := canonical.Period{
		Start: time.Date(2025, time.November, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2025, time.November, 30, 0, 0, 0, 0, time.UTC),
	}

	newEngine := func() *workflow.Engine {
		lg := logger.LoggerWrapper()
		capability := inference.NewRuleBased()
		deps := &workflow.StepDeps{
			Invoices: source,
			Payroll:  source,
			Ledger:   source,
			Resolver: accrual.NewResolver(capability, accrual.Scores{
				High:   policy.HighScore(),
				Medium: policy.MediumScore(),
			}, lg),
			Classifier: classification.NewClassifier(capability, lg),
			Gate:       gate,
			Policy:     policy,
			Logger:     lg,
		}
		e := workflow.NewEngine(repo, deps, auditor, events.NewEventBus(lg), policy, lg)
		gate.SetFinalizer(e)
		return e
	}

	BeforeEach(func() {
		var err error
		db, err = gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
		Expect(err).NotTo(HaveOccurred())

		err = db.AutoMigrate(&workflow.Execution{}, &workflow.StepResult{}, &approval.Request{}, &audit.Event{})
		Expect(err).NotTo(HaveOccurred())

		lg := logger.LoggerWrapper()
		repo = workflowStore.NewWorkflowRepository(db)
		auditor = audit.NewRecorder(auditStore.NewAuditRepository(db), lg)
		gate = approval.NewService(approvalStore.NewApprovalRepository(db), auditor, lg)

		source = newFakeSource()
		policy = internal.CloseConfig{
			MaterialityThreshold: "1000.00",
			AutoApprovalCeiling:  "10000.00",
			AccruedLiabilityAcct: "2100",
			TimingAccounts:       []string{"6100"},
			StepRetryAttempts:    2,
			StepRetryBaseDelay:   time.Millisecond,
		}

		engine = newEngine()
	})

	AfterEach(func() {
		sqlDB, err := db.DB()
		Expect(err).NotTo(HaveOccurred())
		Expect(sqlDB.Close()).To(Succeed())
	})

	startAccrual := func() *workflow.Execution {
		ex, err := engine.Start(context.Background(), workflow.StartRequest{
			Type:        workflow.TypeAccrual,
			Subsidiary:  "US01",
			ClosePeriod: november,
		})
		Expect(err).NotTo(HaveOccurred())
		return ex
	}

	invoice := func(id, amount string) canonical.InvoiceRow {
		return canonical.InvoiceRow{
			InvoiceID:    id,
			Vendor:       "Acme Consulting",
			Amount:       amount,
			Currency:     "USD",
			InvoiceDate:  "2025-11-05",
			Account:      "6040",
			Department:   "ENG",
			ServiceStart: "2025-11-01",
			ServiceEnd:   "2025-11-30",
		}
	}

	Describe("accrual workflow", func() {
		It("runs to auto-approval when everything is high confidence and under the ceiling", func() {
			source.invoices = []canonical.InvoiceRow{invoice("INV-1", "3000.00"), invoice("INV-2", "1200.00")}

			ex := startAccrual()
			Expect(engine.Run(context.Background(), ex)).To(Succeed())

			final, steps, err := engine.Get(ex.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(final.Status).To(Equal(workflow.StatusAutoApproved))
			Expect(final.CompletedAt).NotTo(BeNil())

			Expect(steps).To(HaveLen(7))
			for _, step := range steps {
				Expect(step.Status).To(Equal(workflow.StepCompleted))
			}

			var state workflow.State
			Expect(json.Unmarshal(final.State, &state)).To(Succeed())
			Expect(state.Entry).NotTo(BeNil())
			Expect(state.Entry.TotalDebit.String()).To(Equal("4200"))
			Expect(state.Entry.Balanced()).To(BeTrue())
			Expect(state.Routing.AutoApproved).To(BeTrue())
		})

		It("excludes invoices already posted as bills", func() {
			source.invoices = []canonical.InvoiceRow{invoice("INV-1", "3000.00"), invoice("INV-2", "1200.00")}
			source.bills = []canonical.InvoiceRow{{InvoiceID: "INV-1"}}

			ex := startAccrual()
			Expect(engine.Run(context.Background(), ex)).To(Succeed())

			final, _, err := engine.Get(ex.ID)
			Expect(err).NotTo(HaveOccurred())

			var state workflow.State
			Expect(json.Unmarshal(final.State, &state)).To(Succeed())
			Expect(state.Matched).To(HaveLen(1))
			Expect(state.Matched[0].ID).To(Equal("INV-2"))
			Expect(state.Entry.TotalDebit.String()).To(Equal("1200"))
		})

		It("parks at the approval gate when a period cannot be resolved", func() {
			unresolvable := invoice("INV-9", "800.00")
			unresolvable.ServiceStart = ""
			unresolvable.ServiceEnd = ""
			unresolvable.Description = "Misc hardware purchase"
			source.invoices = []canonical.InvoiceRow{unresolvable}

			ex := startAccrual()
			Expect(engine.Run(context.Background(), ex)).To(Succeed())

			final, _, err := engine.Get(ex.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(final.Status).To(Equal(workflow.StatusAwaitingApproval))

			pending, err := gate.ListPending(0, 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(pending).To(HaveLen(1))
			Expect(pending[0].ExecutionID).To(Equal(ex.ID))
		})

		It("parks when the entry total exceeds the auto-approval ceiling", func() {
			source.invoices = []canonical.InvoiceRow{invoice("INV-1", "15000.00")}

			ex := startAccrual()
			Expect(engine.Run(context.Background(), ex)).To(Succeed())

			final, _, err := engine.Get(ex.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(final.Status).To(Equal(workflow.StatusAwaitingApproval))
		})

		It("retries transient connector failures and records the attempts", func() {
			source.invoices = []canonical.InvoiceRow{invoice("INV-1", "3000.00")}
			source.transientLeft = 1

			ex := startAccrual()
			Expect(engine.Run(context.Background(), ex)).To(Succeed())

			final, steps, err := engine.Get(ex.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(final.Status).To(Equal(workflow.StatusAutoApproved))
			Expect(steps[0].Name).To(Equal("extract"))
			Expect(steps[0].Attempts).To(Equal(2))
		})

		It("fails the execution on a permanent connector error", func() {
			source.permanentErr = internal.NewPermanentExternalError("source rejected credentials", nil)

			ex := startAccrual()
			Expect(engine.Run(context.Background(), ex)).To(HaveOccurred())

			final, steps, err := engine.Get(ex.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(final.Status).To(Equal(workflow.StatusFailed))
			Expect(*final.ErrorStep).To(Equal("extract"))

			Expect(steps).To(HaveLen(1))
			Expect(steps[0].Status).To(Equal(workflow.StepFailed))
			// permanent errors are not retried
			Expect(steps[0].Attempts).To(Equal(1))
		})

		It("fails without running any step when the context is already cancelled", func() {
			source.invoices = []canonical.InvoiceRow{invoice("INV-1", "3000.00")}

			ex := startAccrual()
			ctx, cancel := context.WithCancel(context.Background())
			cancel()

			Expect(engine.Run(ctx, ex)).To(HaveOccurred())

			final, _, err := engine.Get(ex.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(final.Status).To(Equal(workflow.StatusFailed))
			Expect(source.calls["invoices"]).To(BeZero())
		})
	})

	Describe("reconciliation workflow", func() {
		startRecon := func() *workflow.Execution {
			ex, err := engine.Start(context.Background(), workflow.StartRequest{
				Type:        workflow.TypeReconciliation,
				Subsidiary:  "US01",
				ClosePeriod: november,
			})
			Expect(err).NotTo(HaveOccurred())
			return ex
		}

		It("auto-approves when all variances are immaterial or timing", func() {
			source.payroll = []canonical.LedgerRow{
				{Account: "6100", AccountName: "Salaries", Amount: "50000.00"},
				{Account: "6200", AccountName: "Benefits", Amount: "8000.00"},
			}
			source.ledger = []canonical.LedgerRow{
				{Account: "6100", AccountName: "Salaries", Amount: "48500.00"},
				{Account: "6200", AccountName: "Benefits", Amount: "8100.00"},
			}

			ex := startRecon()
			Expect(engine.Run(context.Background(), ex)).To(Succeed())

			final, _, err := engine.Get(ex.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(final.Status).To(Equal(workflow.StatusAutoApproved))

			var state workflow.State
			Expect(json.Unmarshal(final.State, &state)).To(Succeed())
			Expect(state.Summary["accounts"]).To(Equal(2))
			Expect(state.Summary["material"]).To(Equal(1))
			Expect(state.Variances[0].Classification).To(Equal(reconciliation.ClassTiming))
		})

		It("parks for review on a material unexplained variance", func() {
			source.payroll = []canonical.LedgerRow{{Account: "6300", AccountName: "Contractors", Amount: "20000.00"}}
			source.ledger = []canonical.LedgerRow{{Account: "6300", AccountName: "Contractors", Amount: "14000.00"}}

			ex := startRecon()
			Expect(engine.Run(context.Background(), ex)).To(Succeed())

			final, _, err := engine.Get(ex.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(final.Status).To(Equal(workflow.StatusAwaitingApproval))
		})
	})

	Describe("idempotent start", func() {
		It("refuses a second start for the same close key", func() {
			source.invoices = []canonical.InvoiceRow{invoice("INV-1", "3000.00")}
			startAccrual()

			_, err := engine.Start(context.Background(), workflow.StartRequest{
				Type:        workflow.TypeAccrual,
				Subsidiary:  "US01",
				ClosePeriod: november,
			})
			appErr, ok := internal.IsAppError(err)
			Expect(ok).To(BeTrue())
			Expect(appErr.Code).To(Equal(internal.ErrCodeAlreadyRunning))
		})

		It("refuses across engine instances via the persisted execution", func() {
			source.invoices = []canonical.InvoiceRow{invoice("INV-1", "3000.00")}
			startAccrual()

			second := newEngine()
			_, err := second.Start(context.Background(), workflow.StartRequest{
				Type:        workflow.TypeAccrual,
				Subsidiary:  "US01",
				ClosePeriod: november,
			})
			appErr, ok := internal.IsAppError(err)
			Expect(ok).To(BeTrue())
			Expect(appErr.Code).To(Equal(internal.ErrCodeAlreadyRunning))
		})

		It("allows a different subsidiary to run concurrently", func() {
			source.invoices = []canonical.InvoiceRow{invoice("INV-1", "3000.00")}
			startAccrual()

			_, err := engine.Start(context.Background(), workflow.StartRequest{
				Type:        workflow.TypeAccrual,
				Subsidiary:  "DE02",
				ClosePeriod: november,
			})
			Expect(err).NotTo(HaveOccurred())
		})

		It("frees the key once the previous run is terminal", func() {
			source.invoices = []canonical.InvoiceRow{invoice("INV-1", "3000.00")}
			ex := startAccrual()
			Expect(engine.Run(context.Background(), ex)).To(Succeed())

			_, err := engine.Start(context.Background(), workflow.StartRequest{
				Type:        workflow.TypeAccrual,
				Subsidiary:  "US01",
				ClosePeriod: november,
			})
			Expect(err).NotTo(HaveOccurred())
		})
	})

	Describe("resume", func() {
		It("continues from the first unfinished step without repeating extracts", func() {
			// a reconciliation run that crashed after persisting both
			// snapshots; the connectors must not be called again
			state := workflow.State{
				PayrollSnapshot: snapshotFor("payroll", "6100", "50000.00"),
				LedgerSnapshot:  snapshotFor("general_ledger", "6100", "48500.00"),
			}
			raw, err := json.Marshal(state)
			Expect(err).NotTo(HaveOccurred())

			ex := &workflow.Execution{
				ID:          uuid.NewString(),
				Type:        workflow.TypeReconciliation,
				NaturalKey:  "reconciliation:2025-11:US01",
				Subsidiary:  "US01",
				PeriodStart: november.Start,
				PeriodEnd:   november.End,
				Status:      workflow.StatusRunning,
				StepsDone:   2,
				State:       raw,
			}
			Expect(repo.CreateExecution(ex)).To(Succeed())

			source.permanentErr = internal.NewPermanentExternalError("must not be called", nil)

			resumed, err := engine.Resume(context.Background(), ex.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(resumed.Status).To(Equal(workflow.StatusAutoApproved))
			Expect(source.calls).To(BeEmpty())
		})

		It("refuses to resume a terminal execution", func() {
			source.invoices = []canonical.InvoiceRow{invoice("INV-1", "3000.00")}
			ex := startAccrual()
			Expect(engine.Run(context.Background(), ex)).To(Succeed())

			_, err := engine.Resume(context.Background(), ex.ID)
			Expect(err).To(HaveOccurred())
		})

		It("lists only running executions whose process went quiet", func() {
			stalled := &workflow.Execution{
				ID:         uuid.NewString(),
				Type:       workflow.TypeAccrual,
				NaturalKey: "accrual:2025-10:US01",
				Subsidiary: "US01",
				Status:     workflow.StatusRunning,
				State:      json.RawMessage("{}"),
			}
			Expect(repo.CreateExecution(stalled)).To(Succeed())
			backdate(db, stalled.ID, 10*time.Minute)

			live := &workflow.Execution{
				ID:         uuid.NewString(),
				Type:       workflow.TypeAccrual,
				NaturalKey: "accrual:2025-10:DE02",
				Subsidiary: "DE02",
				Status:     workflow.StatusRunning,
				State:      json.RawMessage("{}"),
			}
			Expect(repo.CreateExecution(live)).To(Succeed())

			resumable, err := engine.ListResumable(5 * time.Minute)
			Expect(err).NotTo(HaveOccurred())
			Expect(resumable).To(HaveLen(1))
			Expect(resumable[0].ID).To(Equal(stalled.ID))
		})

		It("refuses the claim when another process touched the execution", func() {
			ex := &workflow.Execution{
				ID:         uuid.NewString(),
				Type:       workflow.TypeAccrual,
				NaturalKey: "accrual:2025-10:US01",
				Subsidiary: "US01",
				Status:     workflow.StatusRunning,
				State:      json.RawMessage("{}"),
			}
			Expect(repo.CreateExecution(ex)).To(Succeed())

			snapshot, err := repo.GetExecution(ex.ID)
			Expect(err).NotTo(HaveOccurred())

			// the owning process persists a step, bumping updated_at
			touched, err := repo.GetExecution(ex.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(repo.UpdateExecution(touched)).To(Succeed())

			claimed, err := repo.ClaimExecution(snapshot)
			Expect(err).NotTo(HaveOccurred())
			Expect(claimed).To(BeFalse())

			fresh, err := repo.GetExecution(ex.ID)
			Expect(err).NotTo(HaveOccurred())
			claimed, err = repo.ClaimExecution(fresh)
			Expect(err).NotTo(HaveOccurred())
			Expect(claimed).To(BeTrue())
		})
	})

	Describe("approval decisions", func() {
		parkExecution := func() (*workflow.Execution, *approval.Request) {
			unresolvable := invoice("INV-9", "800.00")
			unresolvable.ServiceStart = ""
			unresolvable.ServiceEnd = ""
			unresolvable.Description = "Misc hardware purchase"
			source.invoices = []canonical.InvoiceRow{unresolvable}

			ex := startAccrual()
			Expect(engine.Run(context.Background(), ex)).To(Succeed())

			pending, err := gate.ListPending(0, 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(pending).To(HaveLen(1))
			return ex, pending[0]
		}

		It("moves the execution to approved on a human approval", func() {
			ex, req := parkExecution()

			_, err := gate.Decide(context.Background(), req.RequestID, approval.StatusApproved, "maria", "reviewed")
			Expect(err).NotTo(HaveOccurred())

			final, _, err := engine.Get(ex.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(final.Status).To(Equal(workflow.StatusApproved))
			Expect(final.CompletedAt).NotTo(BeNil())
		})

		It("moves the execution to rejected on a human rejection", func() {
			ex, req := parkExecution()

			_, err := gate.Decide(context.Background(), req.RequestID, approval.StatusRejected, "maria", "numbers off")
			Expect(err).NotTo(HaveOccurred())

			final, _, err := engine.Get(ex.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(final.Status).To(Equal(workflow.StatusRejected))
		})

		It("does not enqueue a second request when the routing step re-runs", func() {
			ex, req := parkExecution()

			// rewind to just before the routing step, as if the process
			// died after the request was persisted but before the step
			// result landed
			crashed, err := repo.GetExecution(ex.ID)
			Expect(err).NotTo(HaveOccurred())

			var state workflow.State
			Expect(json.Unmarshal(crashed.State, &state)).To(Succeed())
			state.Routing = nil
			raw, err := json.Marshal(state)
			Expect(err).NotTo(HaveOccurred())

			crashed.State = raw
			crashed.StepsDone = 6
			crashed.Status = workflow.StatusRunning
			crashed.CompletedAt = nil
			Expect(repo.UpdateExecution(crashed)).To(Succeed())

			resumed, err := engine.Resume(context.Background(), ex.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(resumed.Status).To(Equal(workflow.StatusAwaitingApproval))

			pending, err := gate.ListPending(0, 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(pending).To(HaveLen(1))
			Expect(pending[0].RequestID).To(Equal(req.RequestID))
		})

		It("records the transition on the audit trail", func() {
			ex, req := parkExecution()

			_, err := gate.Decide(context.Background(), req.RequestID, approval.StatusApproved, "maria", "")
			Expect(err).NotTo(HaveOccurred())

			trail, err := engine.Trail(ex.ID)
			Expect(err).NotTo(HaveOccurred())

			var actions []string
			for _, ev := range trail {
				actions = append(actions, ev.Action)
			}
			Expect(actions).To(ContainElement("execution.started"))
			Expect(actions).To(ContainElement("execution.status_changed"))
		})
	})
})

func backdate(db *gorm.DB, executionID string, by time.Duration) {
	err := db.Model(&workflow.Execution{}).
		Where("id = ?", executionID).
		Update("updated_at", time.Now().UTC().Add(-by)).Error
	ExpectWithOffset(1, err).NotTo(HaveOccurred())
}

func snapshotFor(source, account, amount string) *canonical.LedgerSnapshot {
	snap := canonical.NewLedgerSnapshot(source, "2025-11")
	snap.Add(account, "", decimal.RequireFromString(amount))
	return &snap
}
