package workflow

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/finclose/close-engine/internal/accrual"
	"github.com/finclose/close-engine/internal/canonical"
	"github.com/finclose/close-engine/internal/journal"
	"github.com/finclose/close-engine/internal/reconciliation"
)

// Workflow types.
const (
	TypeAccrual        = "accrual"
	TypeReconciliation = "reconciliation"
)

// Execution status constants. auto_approved, approved, rejected and failed
// are terminal.
const (
	StatusPending          = "pending"
	StatusRunning          = "running"
	StatusAwaitingApproval = "awaiting_approval"
	StatusAutoApproved     = "auto_approved"
	StatusApproved         = "approved"
	StatusRejected         = "rejected"
	StatusFailed           = "failed"
)

func IsTerminal(status string) bool {
	switch status {
	case StatusAutoApproved, StatusApproved, StatusRejected, StatusFailed:
		return true
	}
	return false
}

// Execution is one workflow run. Created at start, mutated only by the
// engine, terminal once approved/rejected/failed.
type Execution struct {
	ID          string          `json:"id" gorm:"primaryKey"`
	Type        string          `json:"type" gorm:"column:workflow_type;not null"`
	NaturalKey  string          `json:"natural_key" gorm:"column:natural_key;index;not null"`
	Subsidiary  string          `json:"subsidiary" gorm:"column:subsidiary;not null"`
	PeriodStart time.Time       `json:"period_start" gorm:"column:period_start;type:date"`
	PeriodEnd   time.Time       `json:"period_end" gorm:"column:period_end;type:date"`
	Status      string          `json:"status" gorm:"column:status;default:pending"`
	CurrentStep string          `json:"current_step,omitempty" gorm:"column:current_step"`
	StepsDone   int             `json:"steps_done" gorm:"column:steps_done"`
	State       json.RawMessage `json:"-" gorm:"column:state"`
	ErrorStep   *string         `json:"error_step,omitempty" gorm:"column:error_step"`
	ErrorDetail *string         `json:"error_detail,omitempty" gorm:"column:error_detail"`
	StartedAt   *time.Time      `json:"started_at,omitempty" gorm:"column:started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty" gorm:"column:completed_at"`
	CreatedAt   time.Time       `json:"created_at" gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time       `json:"updated_at" gorm:"column:updated_at;autoUpdateTime"`
}

func (Execution) TableName() string {
	return "workflow_executions"
}

// ClosePeriod returns the close period bounds the execution was started
// with.
func (e *Execution) ClosePeriod() canonical.Period {
	return canonical.Period{Start: e.PeriodStart, End: e.PeriodEnd}
}

// StepResult is the persisted outcome of one step. A row exists only for
// steps that finished (completed or failed); progress is persisted before
// the engine advances.
type StepResult struct {
	ID          int64      `json:"id" gorm:"primaryKey"`
	ExecutionID string     `json:"execution_id" gorm:"column:execution_id;index;not null"`
	Seq         int        `json:"seq" gorm:"column:seq;not null"`
	Name        string     `json:"name" gorm:"column:name;not null"`
	Status      string     `json:"status" gorm:"column:status;not null"`
	Attempts    int        `json:"attempts" gorm:"column:attempts"`
	Error       *string    `json:"error,omitempty" gorm:"column:error"`
	StartedAt   time.Time  `json:"started_at" gorm:"column:started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" gorm:"column:completed_at"`
}

func (StepResult) TableName() string {
	return "workflow_step_results"
}

// Step result statuses.
const (
	StepCompleted = "completed"
	StepFailed    = "failed"
)

// RoutingDecision is the outcome of the final routing step.
type RoutingDecision struct {
	AutoApproved bool   `json:"auto_approved"`
	Reason       string `json:"reason"`
	RequestID    string `json:"request_id,omitempty"`
}

// State is the in-flight working set of one execution, serialized into the
// execution row after every completed step so a crash can resume without
// re-running finished steps.
type State struct {
	Records         []canonical.SourceRecord   `json:"records,omitempty"`
	PostedInvoices  []string                   `json:"posted_invoices,omitempty"`
	Matched         []canonical.SourceRecord   `json:"matched,omitempty"`
	Resolved        []accrual.Resolved         `json:"resolved,omitempty"`
	Accruals        []accrual.Result           `json:"accruals,omitempty"`
	Entry           *journal.Entry             `json:"entry,omitempty"`
	Skipped         []journal.Skipped          `json:"skipped,omitempty"`
	PayrollSnapshot *canonical.LedgerSnapshot  `json:"payroll_snapshot,omitempty"`
	LedgerSnapshot  *canonical.LedgerSnapshot  `json:"ledger_snapshot,omitempty"`
	Variances       []reconciliation.Variance  `json:"variances,omitempty"`
	Summary         map[string]int             `json:"summary,omitempty"`
	Routing         *RoutingDecision           `json:"routing,omitempty"`
}

// StartRequest asks the engine to begin one execution.
type StartRequest struct {
	Type        string           `json:"type"`
	Subsidiary  string           `json:"subsidiary"`
	ClosePeriod canonical.Period `json:"close_period"`
}

func (r StartRequest) Validate() error {
	if r.Type != TypeAccrual && r.Type != TypeReconciliation {
		return fmt.Errorf("unknown workflow type %q", r.Type)
	}
	if r.Subsidiary == "" {
		return errors.New("subsidiary is required")
	}
	if !r.ClosePeriod.Valid() {
		return errors.New("close period is invalid")
	}
	return nil
}

// NaturalKey identifies the at-most-one-in-flight unit: two executions for
// the same type, close period and subsidiary must never run concurrently.
func (r StartRequest) NaturalKey() string {
	return fmt.Sprintf("%s:%s:%s", r.Type, r.ClosePeriod.Label(), r.Subsidiary)
}

// Repository defines the persistence surface for executions and their step
// results. SaveStep must persist the step row and the updated execution
// state atomically.
type Repository interface {
	CreateExecution(ex *Execution) error
	UpdateExecution(ex *Execution) error
	GetExecution(id string) (*Execution, error)
	GetActiveByKey(key string) (*Execution, error)
	ClaimExecution(ex *Execution) (bool, error)
	SaveStep(ex *Execution, step *StepResult) error
	ListSteps(executionID string) ([]*StepResult, error)
	ListByStatus(status string) ([]*Execution, error)
	ListStalled(status string, before time.Time) ([]*Execution, error)
}
