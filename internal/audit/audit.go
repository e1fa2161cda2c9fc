// Package audit owns the append-only audit trail. One event per workflow
// state transition and per approval decision; events are never mutated or
// deleted.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"
)

// Event is one appended audit record.
type Event struct {
	ID           int64           `json:"id" gorm:"primaryKey"`
	OccurredAt   time.Time       `json:"occurred_at" gorm:"column:occurred_at;not null"`
	Actor        string          `json:"actor" gorm:"column:actor;not null"`
	Action       string          `json:"action" gorm:"column:action;not null"`
	ResourceType string          `json:"resource_type" gorm:"column:resource_type;not null"`
	ResourceID   string          `json:"resource_id" gorm:"column:resource_id;index;not null"`
	Detail       json.RawMessage `json:"detail,omitempty" gorm:"column:detail"`
	CreatedAt    time.Time       `json:"created_at" gorm:"column:created_at;autoCreateTime"`
}

func (Event) TableName() string {
	return "audit_events"
}

// Resource types recorded on events.
const (
	ResourceExecution = "workflow_execution"
	ResourceApproval  = "approval_request"
)

// Repository is the persistence surface for events. Append is atomic per
// record; there is no update or delete.
type Repository interface {
	Append(event *Event) error
	ListByResource(resourceType, resourceID string) ([]*Event, error)
}

// Recorder writes audit events. Callers append the event before notifying
// anyone of the underlying transition, so the trail never misses a terminal
// event.
type Recorder struct {
	repo   Repository
	logger *slog.Logger
}

func NewRecorder(repo Repository, logger *slog.Logger) *Recorder {
	return &Recorder{
		repo:   repo,
		logger: logger,
	}
}

// Record appends one event. Detail must marshal; a detail that cannot be
// serialized is recorded without it rather than losing the event.
func (r *Recorder) Record(ctx context.Context, actor, action, resourceType, resourceID string, detail interface{}) error {
	event := &Event{
		OccurredAt:   time.Now().UTC(),
		Actor:        actor,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
	}

	if detail != nil {
		raw, err := json.Marshal(detail)
		if err != nil {
			r.logger.Error("audit detail not serializable, recording event without it",
				"action", action,
				"resource_id", resourceID,
				"error", err)
		} else {
			event.Detail = raw
		}
	}

	if err := r.repo.Append(event); err != nil {
		r.logger.Error("failed to append audit event",
			"action", action,
			"resource_id", resourceID,
			"error", err)
		return err
	}

	r.logger.Debug("audit event appended",
		"actor", actor,
		"action", action,
		"resource_type", resourceType,
		"resource_id", resourceID)

	return nil
}

// Trail returns the ordered audit history for one resource.
func (r *Recorder) Trail(resourceType, resourceID string) ([]*Event, error) {
	return r.repo.ListByResource(resourceType, resourceID)
}
