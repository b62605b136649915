package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// AuditLog is append-only. Audit writes are a best-effort side channel: they
// never block or fail the primary mutation they describe.
type AuditLog struct {
	ID        uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	ActorID   string         `gorm:"not null;index" json:"actor_id"`
	EventType string         `gorm:"not null;index" json:"event_type"`
	SubjectID string         `gorm:"not null;index" json:"subject_id"`
	Detail    datatypes.JSON `gorm:"type:jsonb" json:"detail,omitempty"`
	CreatedAt time.Time      `gorm:"not null;index" json:"created_at"`
}

func (AuditLog) TableName() string { return "audit_log" }

const (
	AuditEventSessionFlagged    = "crisis_session_flagged"
	AuditEventFlagStatusUpdated = "crisis_flag_status_updated"
)
