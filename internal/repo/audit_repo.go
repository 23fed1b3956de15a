// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository helpers for the enforcement
// audit trail, plus the small aggregate used for conditional responses
// (ETag generation) in the HTTP layer.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/changuard/internal/domain"
)

// AuditFilter narrows audit queries. Zero fields match everything.
type AuditFilter struct {
	GroupID int64
	UserID  int64
	Kind    domain.AuditKind
}

func (f AuditFilter) apply(q *gorm.DB) *gorm.DB {
	if f.GroupID != 0 {
		q = q.Where("group_id = ?", f.GroupID)
	}
	if f.UserID != 0 {
		q = q.Where("user_id = ?", f.UserID)
	}
	if f.Kind != "" {
		q = q.Where("kind = ?", f.Kind)
	}
	return q
}

// CreateAuditEvent inserts ev, assigning an id and UTC timestamp when unset.
func CreateAuditEvent(ctx context.Context, db *gorm.DB, ev *domain.AuditEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	return db.WithContext(ctx).Create(ev).Error
}

// ListAuditEventsPage returns matching events, newest first.
func ListAuditEventsPage(ctx context.Context, db *gorm.DB, f AuditFilter, offset, limit int) ([]domain.AuditEvent, error) {
	var out []domain.AuditEvent
	err := f.apply(db.WithContext(ctx).Model(&domain.AuditEvent{})).
		Order("created_at desc, id").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

// CountAuditEvents returns the number of matching events.
func CountAuditEvents(ctx context.Context, db *gorm.DB, f AuditFilter) (int64, error) {
	var total int64
	err := f.apply(db.WithContext(ctx).Model(&domain.AuditEvent{})).Count(&total).Error
	return total, err
}

// AuditStats returns the number of matching events and the newest CreatedAt
// among them, or nil when there are none.
func AuditStats(ctx context.Context, db *gorm.DB, f AuditFilter) (count int64, latest *time.Time, err error) {
	q := f.apply(db.WithContext(ctx).Model(&domain.AuditEvent{}))

	if err = q.Count(&count).Error; err != nil {
		return 0, nil, err
	}
	if count == 0 {
		return 0, nil, nil
	}

	// Get latest created_at (avoid MAX() -> TEXT in SQLite)
	var row struct {
		CreatedAt time.Time
	}
	if err = q.Select("created_at").Order("created_at DESC").Limit(1).Scan(&row).Error; err != nil {
		return 0, nil, err
	}
	return count, &row.CreatedAt, nil
}

// PruneAuditEvents deletes events older than cutoff and returns how many went.
func PruneAuditEvents(ctx context.Context, db *gorm.DB, cutoff time.Time) (int64, error) {
	res := db.WithContext(ctx).Where("created_at < ?", cutoff).Delete(&domain.AuditEvent{})
	return res.RowsAffected, res.Error
}
