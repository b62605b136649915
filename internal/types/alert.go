package types

import (
	"time"

	"github.com/google/uuid"
)

// AlertLevel is the upstream analyzer's classification of an analysis result.
// It is a distinct scale from Severity: the analyzer's "warning" tier maps to
// severity medium on the wire.
type AlertLevel string

const (
	AlertLevelLow      AlertLevel = "low"
	AlertLevelWarning  AlertLevel = "warning"
	AlertLevelHigh     AlertLevel = "high"
	AlertLevelCritical AlertLevel = "critical"
)

// DeriveAlertLevel classifies an overall bias score with the same thresholds
// the upstream analyzer uses.
func DeriveAlertLevel(score float64) AlertLevel {
	switch {
	case score >= 0.8:
		return AlertLevelCritical
	case score >= 0.6:
		return AlertLevelHigh
	case score >= 0.3:
		return AlertLevelWarning
	default:
		return AlertLevelLow
	}
}

// AlertLevelSeverity maps an analyzer level onto the flag severity scale.
func AlertLevelSeverity(level AlertLevel) Severity {
	switch level {
	case AlertLevelCritical:
		return SeverityCritical
	case AlertLevelHigh:
		return SeverityHigh
	case AlertLevelWarning:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// LayerResult is one analysis layer's contribution to an overall result.
type LayerResult struct {
	Layer     string  `json:"layer"`
	BiasScore float64 `json:"bias_score"`
	Error     string  `json:"error,omitempty"`
}

// BiasAnalysisResult is the record the external analysis engine produces.
// This core consumes it; it never runs the analysis itself.
type BiasAnalysisResult struct {
	SessionID        string        `json:"session_id"`
	Timestamp        time.Time     `json:"timestamp"`
	OverallBiasScore float64       `json:"overall_bias_score"`
	AlertLevel       AlertLevel    `json:"alert_level"`
	Confidence       float64       `json:"confidence"`
	LayerResults     []LayerResult `json:"layer_results,omitempty"`
	Recommendations  []string      `json:"recommendations,omitempty"`
}

// BiasAlert is the ephemeral broadcast message. It is built at broadcast time
// and discarded after delivery; nothing in this core persists it.
type BiasAlert struct {
	AlertID   string         `json:"alert_id"`
	Type      string         `json:"type"`
	Level     Severity       `json:"level"`
	Message   string         `json:"message"`
	Timestamp time.Time      `json:"timestamp"`
	SessionID string         `json:"session_id"`
	Details   map[string]any `json:"details,omitempty"`
}

const (
	AlertTypeBiasDetected  = "bias_detected"
	AlertTypeCrisisFlagged = "crisis_flagged"
	AlertTypeSystemTest    = "system_test"
)

// NewBiasAlert builds the wire alert for an analysis result.
func NewBiasAlert(result *BiasAnalysisResult) *BiasAlert {
	level := result.AlertLevel
	if level == "" {
		level = DeriveAlertLevel(result.OverallBiasScore)
	}
	ts := result.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return &BiasAlert{
		AlertID:   uuid.New().String(),
		Type:      AlertTypeBiasDetected,
		Level:     AlertLevelSeverity(level),
		Message:   "bias analysis threshold exceeded",
		Timestamp: ts,
		SessionID: result.SessionID,
		Details: map[string]any{
			"overall_bias_score": result.OverallBiasScore,
			"alert_level":        level,
			"confidence":         result.Confidence,
			"layer_results":      result.LayerResults,
			"recommendations":    result.Recommendations,
		},
	}
}
