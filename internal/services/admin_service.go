// Package services – AdminService
//
// This file implements the operator-facing use-cases: registering protected
// groups and enforced channels, linking them, toggling enforcement and
// browsing the audit trail. Every change to a group's requirements drops the
// resolver's cached entry so the next evaluation sees it immediately on this
// instance (other instances converge within the resolver TTL).
//
// Service-level errors (ErrGroupNotFound, ErrChannelNotFound,
// ErrLinkNotFound, ErrInvalidSettings) are returned for predictable cases so
// handlers can map them to HTTP results consistently.
package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/changuard/internal/domain"
	"github.com/tbourn/changuard/internal/repo"
	"github.com/tbourn/changuard/internal/utils"
)

// AdminService manages tenant configuration.
type AdminService struct {
	// DB is the GORM handle used for all admin operations.
	DB *gorm.DB
	// Resolver is invalidated after requirement changes. May be nil.
	Resolver Resolver
}

// GroupInput carries the writable fields of a protected group.
type GroupInput struct {
	ID      int64
	Title   string
	Enabled *bool
	// Settings is the raw config blob; empty keeps the stored value on update.
	Settings string
}

// GroupView is a group together with its required channels.
type GroupView struct {
	Group    domain.ProtectedGroup
	Settings domain.GroupSettings
	Channels []domain.EnforcedChannel
}

// UpsertGroup creates or updates a protected group. New groups default to
// enabled.
func (s *AdminService) UpsertGroup(ctx context.Context, in GroupInput) (*GroupView, error) {
	if in.ID == 0 {
		return nil, ErrInvalidID
	}
	var settings domain.GroupSettings
	if in.Settings != "" {
		parsed, err := domain.ParseGroupSettings(in.Settings)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidSettings, err)
		}
		settings = parsed
	}

	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := repo.GetGroup(ctx, tx, in.ID)
		switch {
		case errors.Is(err, repo.ErrNotFound):
			g := &domain.ProtectedGroup{ID: in.ID, Title: in.Title, Enabled: true, Config: "{}"}
			if in.Enabled != nil {
				g.Enabled = *in.Enabled
			}
			if in.Settings != "" {
				g.Config = settings.Encode()
			}
			return repo.UpsertGroup(ctx, tx, g)
		case err != nil:
			return err
		}

		existing.Title = in.Title
		if in.Settings != "" {
			existing.Config = settings.Encode()
		}
		if err := repo.UpsertGroup(ctx, tx, existing); err != nil {
			return err
		}
		if in.Enabled != nil && *in.Enabled != existing.Enabled {
			return repo.SetGroupEnabled(ctx, tx, in.ID, *in.Enabled)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.invalidate(in.ID)
	return s.GetGroup(ctx, in.ID)
}

// SetGroupEnabled toggles enforcement for a group.
func (s *AdminService) SetGroupEnabled(ctx context.Context, id int64, enabled bool) error {
	if err := repo.SetGroupEnabled(ctx, s.DB, id, enabled); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return ErrGroupNotFound
		}
		return err
	}
	s.invalidate(id)
	return nil
}

// GetGroup returns a group with decoded settings and its required channels.
func (s *AdminService) GetGroup(ctx context.Context, id int64) (*GroupView, error) {
	g, err := repo.GetGroup(ctx, s.DB, id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrGroupNotFound
		}
		return nil, err
	}
	channels, err := repo.ListRequiredChannelDetails(ctx, s.DB, id)
	if err != nil {
		return nil, err
	}
	// Stored blobs were validated on write; a bad one reads as defaults.
	settings, _ := domain.ParseGroupSettings(g.Config)
	return &GroupView{Group: *g, Settings: settings, Channels: channels}, nil
}

// ListGroups returns every protected group.
func (s *AdminService) ListGroups(ctx context.Context) ([]domain.ProtectedGroup, error) {
	return repo.ListGroups(ctx, s.DB)
}

// DeleteGroup removes a group and, by cascade, its links.
func (s *AdminService) DeleteGroup(ctx context.Context, id int64) error {
	if err := repo.DeleteGroup(ctx, s.DB, id); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return ErrGroupNotFound
		}
		return err
	}
	s.invalidate(id)
	return nil
}

// UpsertChannel registers or updates an enforced channel.
func (s *AdminService) UpsertChannel(ctx context.Context, c *domain.EnforcedChannel) error {
	if c.ID == 0 {
		return ErrInvalidID
	}
	return repo.UpsertChannel(ctx, s.DB, c)
}

// LinkChannel requires channelID in groupID at position (negative appends).
func (s *AdminService) LinkChannel(ctx context.Context, groupID, channelID int64, position int) error {
	if _, err := repo.GetGroup(ctx, s.DB, groupID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return ErrGroupNotFound
		}
		return err
	}
	if _, err := repo.GetChannel(ctx, s.DB, channelID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return ErrChannelNotFound
		}
		return err
	}
	if err := repo.LinkChannel(ctx, s.DB, groupID, channelID, position); err != nil {
		return err
	}
	s.invalidate(groupID)
	return nil
}

// UnlinkChannel drops a requirement.
func (s *AdminService) UnlinkChannel(ctx context.Context, groupID, channelID int64) error {
	if err := repo.UnlinkChannel(ctx, s.DB, groupID, channelID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return ErrLinkNotFound
		}
		return err
	}
	s.invalidate(groupID)
	return nil
}

// AuditPage returns one page of audit events, newest first, with the total.
func (s *AdminService) AuditPage(ctx context.Context, f repo.AuditFilter, page, pageSize int) ([]domain.AuditEvent, int64, error) {
	page, pageSize = utils.NormalizePage(page, pageSize)
	offset := utils.Offset(page, pageSize)

	total, err := repo.CountAuditEvents(ctx, s.DB, f)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.AuditEvent{}, 0, nil
	}
	items, err := repo.ListAuditEventsPage(ctx, s.DB, f, offset, pageSize)
	return items, total, err
}

// AuditVersion summarizes the filtered audit trail for conditional GETs.
func (s *AdminService) AuditVersion(ctx context.Context, f repo.AuditFilter) (int64, *time.Time, error) {
	return repo.AuditStats(ctx, s.DB, f)
}

// PruneAudit deletes events older than retention.
func (s *AdminService) PruneAudit(ctx context.Context, retention time.Duration) (int64, error) {
	return repo.PruneAuditEvents(ctx, s.DB, time.Now().UTC().Add(-retention))
}

func (s *AdminService) invalidate(groupID int64) {
	if s.Resolver != nil {
		s.Resolver.Invalidate(groupID)
	}
}
