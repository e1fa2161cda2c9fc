package postgres

import (
	"github.com/finclose/close-engine/internal"
	"github.com/finclose/close-engine/internal/approval"
	"gorm.io/gorm"
)

// ApprovalRepository implements approval.Repository using GORM.
type ApprovalRepository struct {
	db *gorm.DB
}

func NewApprovalRepository(db *gorm.DB) approval.Repository {
	return &ApprovalRepository{db: db}
}

func (r *ApprovalRepository) Create(req *approval.Request) error {
	return r.db.Create(req).Error
}

func (r *ApprovalRepository) GetByRequestID(requestID string) (*approval.Request, error) {
	var req approval.Request
	err := r.db.Where("request_id = ?", requestID).First(&req).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, internal.ErrApprovalNotFound
		}
		return nil, err
	}
	return &req, nil
}

func (r *ApprovalRepository) GetPendingByExecution(executionID string) (*approval.Request, error) {
	var req approval.Request
	err := r.db.Where("execution_id = ? AND status = ?", executionID, approval.StatusPending).
		Order("created_at ASC").
		First(&req).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &req, nil
}

func (r *ApprovalRepository) ListPending(limit, offset int) ([]*approval.Request, error) {
	var reqs []*approval.Request
	err := r.db.Where("status = ?", approval.StatusPending).
		Order("created_at ASC"). // FIFO for reviewers
		Limit(limit).
		Offset(offset).
		Find(&reqs).Error
	return reqs, err
}

func (r *ApprovalRepository) Update(req *approval.Request) error {
	return r.db.Save(req).Error
}
