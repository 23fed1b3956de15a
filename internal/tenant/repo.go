package tenant

import (
	"context"

	"gorm.io/gorm"

	"github.com/tbourn/changuard/internal/domain"
	"github.com/tbourn/changuard/internal/repo"
)

// GormRepo adapts the repo package's free functions to Repo.
type GormRepo struct{}

// GetGroup proxies repo.GetGroup.
func (GormRepo) GetGroup(ctx context.Context, db *gorm.DB, id int64) (*domain.ProtectedGroup, error) {
	return repo.GetGroup(ctx, db, id)
}

// ListRequiredChannels proxies repo.ListRequiredChannels.
func (GormRepo) ListRequiredChannels(ctx context.Context, db *gorm.DB, groupID int64) ([]int64, error) {
	return repo.ListRequiredChannels(ctx, db, groupID)
}

// GetChannel proxies repo.GetChannel; prompts use it for join buttons.
func (GormRepo) GetChannel(ctx context.Context, db *gorm.DB, id int64) (*domain.EnforcedChannel, error) {
	return repo.GetChannel(ctx, db, id)
}

var _ Repo = GormRepo{}
