// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for protected
// groups and the channels they enforce.
//
// All functions are context-aware and accept a *gorm.DB handle, making them
// safe for use within transactions or connection-scoped operations.
// They follow the "thin repository" approach: no business logic, only CRUD
// persistence and query composition.
//
// Error semantics:
//   - When a row is not found, functions return gorm.ErrRecordNotFound
//     (also exported here as ErrNotFound for convenience).
//   - On DB errors (constraint violations, connectivity issues, etc.),
//     the raw gorm error is propagated.
//
// Usage:
//
//	g, err := repo.GetGroup(ctx, db, groupID)
//	if errors.Is(err, repo.ErrNotFound) {
//	    // unknown group: nothing to enforce
//	} else if err != nil {
//	    // persistence failure: surface to the resolver
//	}
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/changuard/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
// It aliases gorm.ErrRecordNotFound for convenience and consistency
// across the service layer and handlers.
var ErrNotFound = gorm.ErrRecordNotFound

// GetGroup fetches a protected group by its platform id.
func GetGroup(ctx context.Context, db *gorm.DB, id int64) (*domain.ProtectedGroup, error) {
	var g domain.ProtectedGroup
	if err := db.WithContext(ctx).First(&g, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &g, nil
}

// UpsertGroup inserts the group or updates its title and config. Enabled is
// only set on insert; use SetGroupEnabled to toggle an existing group.
func UpsertGroup(ctx context.Context, db *gorm.DB, g *domain.ProtectedGroup) error {
	now := time.Now().UTC()
	g.Title = domain.NormalizeTitle(g.Title)
	if g.Config == "" {
		g.Config = "{}"
	}
	if g.CreatedAt.IsZero() {
		g.CreatedAt = now
	}
	g.UpdatedAt = now
	return db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"title", "config", "updated_at"}),
	}).Create(g).Error
}

// SetGroupEnabled toggles enforcement. Returns ErrNotFound for unknown ids.
func SetGroupEnabled(ctx context.Context, db *gorm.DB, id int64, enabled bool) error {
	res := db.WithContext(ctx).
		Model(&domain.ProtectedGroup{}).
		Where("id = ?", id).
		Updates(map[string]any{"enabled": enabled, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// ListGroups returns every protected group ordered by id.
func ListGroups(ctx context.Context, db *gorm.DB) ([]domain.ProtectedGroup, error) {
	var out []domain.ProtectedGroup
	err := db.WithContext(ctx).Order("id").Find(&out).Error
	return out, err
}

// DeleteGroup removes a group and, through the FK cascade, its links.
func DeleteGroup(ctx context.Context, db *gorm.DB, id int64) error {
	res := db.WithContext(ctx).Delete(&domain.ProtectedGroup{}, "id = ?", id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// GetChannel fetches an enforced channel by its platform id.
func GetChannel(ctx context.Context, db *gorm.DB, id int64) (*domain.EnforcedChannel, error) {
	var c domain.EnforcedChannel
	if err := db.WithContext(ctx).First(&c, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

// UpsertChannel inserts the channel or refreshes its display metadata.
func UpsertChannel(ctx context.Context, db *gorm.DB, c *domain.EnforcedChannel) error {
	now := time.Now().UTC()
	c.Title = domain.NormalizeTitle(c.Title)
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	return db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"title", "username", "invite_link", "updated_at"}),
	}).Create(c).Error
}
