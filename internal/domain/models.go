// Package domain defines the persistence models for protected groups, the
// channels they require, and the audit trail of enforcement decisions. These
// types are mapped with GORM and form the core data layer of the engine.
package domain

import (
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// ProtectedGroup is a chat group whose members must subscribe to every
// linked channel before they may participate.
//
// Fields:
//   - ID: platform chat id (negative for supergroups); not auto-generated.
//   - Title: display title, NFC-normalized on write.
//   - Enabled: false suspends enforcement without unlinking channels.
//   - Config: opaque JSON settings blob, see GroupSettings.
//   - CreatedAt / UpdatedAt: timestamps managed by GORM.
type ProtectedGroup struct {
	ID        int64     `json:"id"         gorm:"primaryKey;autoIncrement:false"`
	Title     string    `json:"title"      gorm:"type:varchar(255);not null;default:''"`
	Enabled   bool      `json:"enabled"    gorm:"not null"`
	Config    string    `json:"config"     gorm:"type:text;not null;default:'{}'"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName returns the database table name for ProtectedGroup.
func (ProtectedGroup) TableName() string { return "protected_groups" }

// EnforcedChannel is a broadcast channel users may be required to join.
// Username and InviteLink are display metadata for the join prompt.
type EnforcedChannel struct {
	ID         int64     `json:"id"          gorm:"primaryKey;autoIncrement:false"`
	Title      string    `json:"title"       gorm:"type:varchar(255);not null;default:''"`
	Username   string    `json:"username"    gorm:"type:varchar(64);not null;default:''"`
	InviteLink string    `json:"invite_link" gorm:"type:varchar(255);not null;default:''"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// TableName returns the database table name for EnforcedChannel.
func (EnforcedChannel) TableName() string { return "enforced_channels" }

// GroupChannelLink binds a channel to a group. The pair is unique; Position
// orders the required set so prompts list channels consistently.
type GroupChannelLink struct {
	GroupID   int64     `json:"group_id"   gorm:"primaryKey;autoIncrement:false;index:idx_group_links,priority:1"`
	ChannelID int64     `json:"channel_id" gorm:"primaryKey;autoIncrement:false"`
	Position  int       `json:"position"   gorm:"not null;default:0;index:idx_group_links,priority:2"`
	CreatedAt time.Time `json:"created_at"`

	Group   ProtectedGroup  `json:"-" gorm:"foreignKey:GroupID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
	Channel EnforcedChannel `json:"-" gorm:"foreignKey:ChannelID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for GroupChannelLink.
func (GroupChannelLink) TableName() string { return "group_channel_links" }

// NormalizeTitle trims, collapses internal whitespace and applies Unicode NFC
// so visually identical titles compare equal.
func NormalizeTitle(s string) string {
	s = norm.NFC.String(s)
	return strings.Join(strings.Fields(s), " ")
}
