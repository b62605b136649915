package types

import "fmt"

// Severity orders risk urgency for flags and alerts.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

func ParseSeverity(raw string) (Severity, error) {
	switch Severity(raw) {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return Severity(raw), nil
	default:
		return "", fmt.Errorf("unknown severity %q", raw)
	}
}

// SeverityRank gives a total order; unknown values sort lowest.
func SeverityRank(s Severity) int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// FlagStatus is the flag lifecycle state. Every flag is born pending.
type FlagStatus string

const (
	FlagStatusPending     FlagStatus = "pending"
	FlagStatusUnderReview FlagStatus = "under_review"
	FlagStatusReviewed    FlagStatus = "reviewed"
	FlagStatusResolved    FlagStatus = "resolved"
	FlagStatusEscalated   FlagStatus = "escalated"
	FlagStatusDismissed   FlagStatus = "dismissed"
)

// ParseUpdatableFlagStatus accepts the statuses a review action may set.
// pending is creation-only and never a valid update target.
func ParseUpdatableFlagStatus(raw string) (FlagStatus, error) {
	switch FlagStatus(raw) {
	case FlagStatusUnderReview, FlagStatusReviewed, FlagStatusResolved, FlagStatusEscalated, FlagStatusDismissed:
		return FlagStatus(raw), nil
	default:
		return "", fmt.Errorf("unknown flag status %q", raw)
	}
}

// IsTerminalFlagStatus reports whether a status closes the case. resolved and
// dismissed reject any further transition.
func IsTerminalFlagStatus(s FlagStatus) bool {
	return s == FlagStatusResolved || s == FlagStatusDismissed
}

// IsClosedFlagStatus reports whether a flag counts into the resolved bucket
// of the user aggregate.
func IsClosedFlagStatus(s FlagStatus) bool {
	return s == FlagStatusResolved || s == FlagStatusDismissed
}
