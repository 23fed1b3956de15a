package repo

import (
	"context"
	"database/sql"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/changuard/internal/domain"
)

// LinkChannel requires channelID in groupID. A negative position appends
// after the current last link. Re-linking an existing pair only moves it.
func LinkChannel(ctx context.Context, db *gorm.DB, groupID, channelID int64, position int) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if position < 0 {
			var maxPos sql.NullInt64
			if err := tx.Model(&domain.GroupChannelLink{}).
				Where("group_id = ?", groupID).
				Select("MAX(position)").
				Row().Scan(&maxPos); err != nil {
				return err
			}
			position = 0
			if maxPos.Valid {
				position = int(maxPos.Int64) + 1
			}
		}
		link := &domain.GroupChannelLink{
			GroupID:   groupID,
			ChannelID: channelID,
			Position:  position,
			CreatedAt: time.Now().UTC(),
		}
		return tx.Omit(clause.Associations).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "group_id"}, {Name: "channel_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"position"}),
		}).Create(link).Error
	})
}

// UnlinkChannel drops the requirement. Returns ErrNotFound if no link existed.
func UnlinkChannel(ctx context.Context, db *gorm.DB, groupID, channelID int64) error {
	res := db.WithContext(ctx).
		Delete(&domain.GroupChannelLink{}, "group_id = ? AND channel_id = ?", groupID, channelID)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// ListRequiredChannels returns the channel ids linked to groupID ordered by
// position, then id. An unknown group yields an empty slice.
func ListRequiredChannels(ctx context.Context, db *gorm.DB, groupID int64) ([]int64, error) {
	var ids []int64
	err := db.WithContext(ctx).
		Model(&domain.GroupChannelLink{}).
		Where("group_id = ?", groupID).
		Order("position, channel_id").
		Pluck("channel_id", &ids).Error
	return ids, err
}

// ListRequiredChannelDetails returns the linked channels with display
// metadata, in the same order as ListRequiredChannels. Links whose channel
// row is missing are skipped.
func ListRequiredChannelDetails(ctx context.Context, db *gorm.DB, groupID int64) ([]domain.EnforcedChannel, error) {
	var out []domain.EnforcedChannel
	err := db.WithContext(ctx).
		Model(&domain.EnforcedChannel{}).
		Joins("JOIN group_channel_links l ON l.channel_id = enforced_channels.id").
		Where("l.group_id = ?", groupID).
		Order("l.position, enforced_channels.id").
		Find(&out).Error
	return out, err
}
