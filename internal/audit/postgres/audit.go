package postgres

import (
	"github.com/finclose/close-engine/internal/audit"
	"gorm.io/gorm"
)

// AuditRepository implements audit.Repository using GORM.
type AuditRepository struct {
	db *gorm.DB
}

func NewAuditRepository(db *gorm.DB) audit.Repository {
	return &AuditRepository{db: db}
}

func (r *AuditRepository) Append(event *audit.Event) error {
	return r.db.Create(event).Error
}

func (r *AuditRepository) ListByResource(resourceType, resourceID string) ([]*audit.Event, error) {
	var events []*audit.Event
	err := r.db.Where("resource_type = ? AND resource_id = ?", resourceType, resourceID).
		Order("id ASC").
		Find(&events).Error
	return events, err
}
