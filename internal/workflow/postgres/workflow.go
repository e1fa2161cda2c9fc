package postgres

import (
	"time"

	"github.com/finclose/close-engine/internal"
	"github.com/finclose/close-engine/internal/workflow"
	"gorm.io/gorm"
)

// WorkflowRepository implements workflow.Repository using GORM.
type WorkflowRepository struct {
	db *gorm.DB
}

func NewWorkflowRepository(db *gorm.DB) workflow.Repository {
	return &WorkflowRepository{db: db}
}

func (r *WorkflowRepository) CreateExecution(ex *workflow.Execution) error {
	return r.db.Create(ex).Error
}

func (r *WorkflowRepository) UpdateExecution(ex *workflow.Execution) error {
	return r.db.Save(ex).Error
}

func (r *WorkflowRepository) GetExecution(id string) (*workflow.Execution, error) {
	var ex workflow.Execution
	err := r.db.Where("id = ?", id).First(&ex).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, internal.ErrExecutionNotFound
		}
		return nil, err
	}
	return &ex, nil
}

// GetActiveByKey returns the non-terminal execution holding the natural
// key, or nil when the key is free. A parked execution still holds its
// key: the same close month must not be re-run under a pending review.
func (r *WorkflowRepository) GetActiveByKey(key string) (*workflow.Execution, error) {
	var ex workflow.Execution
	err := r.db.Where("natural_key = ? AND status IN ?", key,
		[]string{workflow.StatusPending, workflow.StatusRunning, workflow.StatusAwaitingApproval}).
		Order("created_at DESC").
		First(&ex).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &ex, nil
}

// ClaimExecution takes ownership of an execution before resuming it. The
// compare-and-swap on updated_at fails when another process touched the
// row after the caller read it, so two sweepers (or a sweeper racing a
// live server) cannot both resume the same execution.
func (r *WorkflowRepository) ClaimExecution(ex *workflow.Execution) (bool, error) {
	now := time.Now().UTC()
	res := r.db.Model(&workflow.Execution{}).
		Where("id = ? AND status = ? AND updated_at = ?", ex.ID, workflow.StatusRunning, ex.UpdatedAt).
		Update("updated_at", now)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		return false, nil
	}
	ex.UpdatedAt = now
	return true, nil
}

// SaveStep persists the step row and the updated execution state in one
// transaction. Resume correctness depends on these never diverging.
func (r *WorkflowRepository) SaveStep(ex *workflow.Execution, step *workflow.StepResult) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(step).Error; err != nil {
			return err
		}
		return tx.Save(ex).Error
	})
}

func (r *WorkflowRepository) ListSteps(executionID string) ([]*workflow.StepResult, error) {
	var steps []*workflow.StepResult
	err := r.db.Where("execution_id = ?", executionID).
		Order("seq ASC, id ASC").
		Find(&steps).Error
	return steps, err
}

func (r *WorkflowRepository) ListByStatus(status string) ([]*workflow.Execution, error) {
	var exs []*workflow.Execution
	err := r.db.Where("status = ?", status).
		Order("created_at ASC").
		Find(&exs).Error
	return exs, err
}

// ListStalled returns executions in the given status not touched since
// before the cutoff. A live run bumps updated_at on every persisted step,
// so anything older than the cutoff has lost its process.
func (r *WorkflowRepository) ListStalled(status string, before time.Time) ([]*workflow.Execution, error) {
	var exs []*workflow.Execution
	err := r.db.Where("status = ? AND updated_at < ?", status, before).
		Order("created_at ASC").
		Find(&exs).Error
	return exs, err
}
