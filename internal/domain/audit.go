package domain

import "time"

// AuditKind classifies an AuditEvent.
type AuditKind string

const (
	AuditVerdict          AuditKind = "verdict"
	AuditRestricted       AuditKind = "restricted"
	AuditUnrestricted     AuditKind = "unrestricted"
	AuditPrompted         AuditKind = "prompted"
	AuditDeferred         AuditKind = "deferred"
	AuditDuplicate        AuditKind = "duplicate_event"
	AuditResolveFailed    AuditKind = "resolve_failed"
	AuditDispatchFailed   AuditKind = "dispatch_failed"
	AuditCacheWrite       AuditKind = "cache_write"
	AuditCacheUnavailable AuditKind = "cache_unavailable"
	AuditActuationFailed  AuditKind = "actuation_failed"
)

// Persistent reports whether events of this kind belong in the durable
// audit trail. High-volume operational kinds only go to logs and metrics.
func (k AuditKind) Persistent() bool {
	switch k {
	case AuditCacheWrite, AuditCacheUnavailable:
		return false
	}
	return true
}

// AuditEvent is one row of the enforcement audit trail.
//
// Missing and Unknown hold comma-separated channel ids: Missing lists every
// unsatisfied channel, Unknown the subset whose membership could not be
// determined.
type AuditEvent struct {
	ID        string    `json:"id"                 gorm:"type:char(36);primaryKey"`
	Kind      AuditKind `json:"kind"               gorm:"type:varchar(32);not null;index"`
	GroupID   int64     `json:"group_id"           gorm:"not null;default:0;index:idx_audit_group_time,priority:1"`
	UserID    int64     `json:"user_id"            gorm:"not null;default:0;index"`
	EventID   string    `json:"event_id,omitempty" gorm:"type:varchar(128);not null;default:''"`
	Allowed   *bool     `json:"allowed,omitempty"`
	Missing   string    `json:"missing,omitempty"  gorm:"type:text;not null;default:''"`
	Unknown   string    `json:"unknown,omitempty"  gorm:"type:text;not null;default:''"`
	Detail    string    `json:"detail,omitempty"   gorm:"type:text;not null;default:''"`
	CreatedAt time.Time `json:"created_at"         gorm:"index:idx_audit_group_time,priority:2"`
}

// TableName returns the database table name for AuditEvent.
func (AuditEvent) TableName() string { return "audit_events" }
