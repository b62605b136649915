package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// UserSessionStatus is the per-user aggregate maintained alongside flags.
// TotalCrisisFlags == ActiveCrisisFlags + ResolvedCrisisFlags at all times;
// dismissed flags count into the resolved bucket.
type UserSessionStatus struct {
	ID                  uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	UserID              string         `gorm:"not null;uniqueIndex" json:"user_id"`
	IsFlaggedForReview  bool           `gorm:"not null" json:"is_flagged_for_review"`
	CurrentRiskLevel    Severity       `gorm:"not null" json:"current_risk_level"`
	LastCrisisEventAt   *time.Time     `json:"last_crisis_event_at,omitempty"`
	TotalCrisisFlags    int            `gorm:"not null;default:0" json:"total_crisis_flags"`
	ActiveCrisisFlags   int            `gorm:"not null;default:0" json:"active_crisis_flags"`
	ResolvedCrisisFlags int            `gorm:"not null;default:0" json:"resolved_crisis_flags"`
	Metadata            datatypes.JSON `gorm:"type:jsonb" json:"metadata,omitempty"`
	CreatedAt           time.Time      `gorm:"not null" json:"created_at"`
	UpdatedAt           time.Time      `gorm:"not null" json:"updated_at"`
}

func (UserSessionStatus) TableName() string { return "user_session_status" }
