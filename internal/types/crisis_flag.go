package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// CrisisSessionFlag is the durable record of a detected risk event. The
// flagging service is the only writer; review dashboards read it.
type CrisisSessionFlag struct {
	ID              uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	UserID          string         `gorm:"not null;index" json:"user_id"`
	SessionID       string         `gorm:"not null;index" json:"session_id"`
	CrisisID        string         `gorm:"not null;index" json:"crisis_id"`
	Reason          string         `gorm:"type:text" json:"reason"`
	Severity        Severity       `gorm:"not null;index" json:"severity"`
	Confidence      float64        `gorm:"not null" json:"confidence"`
	DetectedRisks   datatypes.JSON `gorm:"type:jsonb" json:"detected_risks"`
	TextSample      string         `gorm:"type:text" json:"text_sample,omitempty"`
	RoutingDecision datatypes.JSON `gorm:"type:jsonb" json:"routing_decision,omitempty"`
	Metadata        datatypes.JSON `gorm:"type:jsonb" json:"metadata,omitempty"`
	Status          FlagStatus     `gorm:"not null;index" json:"status"`
	AssignedTo      string         `json:"assigned_to,omitempty"`
	ReviewerNotes   string         `gorm:"type:text" json:"reviewer_notes,omitempty"`
	ResolutionNotes string         `gorm:"type:text" json:"resolution_notes,omitempty"`
	FlaggedAt       time.Time      `gorm:"not null;index" json:"flagged_at"`
	ReviewedAt      *time.Time     `json:"reviewed_at,omitempty"`
	ResolvedAt      *time.Time     `json:"resolved_at,omitempty"`
	CreatedAt       time.Time      `gorm:"not null" json:"created_at"`
	UpdatedAt       time.Time      `gorm:"not null" json:"updated_at"`
}

func (CrisisSessionFlag) TableName() string { return "crisis_session_flag" }
