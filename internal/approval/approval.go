package approval

import (
	"encoding/json"
	"errors"
	"time"
)

// Request is one pending or decided human-approval request. The request ID
// is the idempotency key for decisions.
type Request struct {
	ID           int64           `json:"id" gorm:"primaryKey"`
	RequestID    string          `json:"request_id" gorm:"column:request_id;uniqueIndex;not null"`
	ExecutionID  string          `json:"execution_id" gorm:"column:execution_id;index;not null"`
	WorkflowType string          `json:"workflow_type" gorm:"column:workflow_type;not null"`
	Payload      json.RawMessage `json:"payload" gorm:"column:payload"`
	Status       string          `json:"status" gorm:"column:status;default:pending"`
	Approver     *string         `json:"approver,omitempty" gorm:"column:approver"`
	DecidedAt    *time.Time      `json:"decided_at,omitempty" gorm:"column:decided_at"`
	Comments     *string         `json:"comments,omitempty" gorm:"column:comments"`
	CreatedAt    time.Time       `json:"created_at" gorm:"column:created_at;autoCreateTime"`
	UpdatedAt    time.Time       `json:"updated_at" gorm:"column:updated_at;autoUpdateTime"`
}

func (Request) TableName() string {
	return "approval_requests"
}

// Request status constants.
const (
	StatusPending  = "pending"
	StatusApproved = "approved"
	StatusRejected = "rejected"
)

// DecideDTO is the request payload for deciding an approval.
type DecideDTO struct {
	Decision string `json:"decision"`
	Comments string `json:"comments,omitempty"`
}

func (dto DecideDTO) Validate() error {
	if dto.Decision != StatusApproved && dto.Decision != StatusRejected {
		return errors.New("decision must be either 'approved' or 'rejected'")
	}
	return nil
}

// Repository defines the data access methods for approval requests.
type Repository interface {
	Create(req *Request) error
	GetByRequestID(requestID string) (*Request, error)
	GetPendingByExecution(executionID string) (*Request, error)
	ListPending(limit, offset int) ([]*Request, error)
	Update(req *Request) error
}
