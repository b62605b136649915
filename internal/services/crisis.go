package services

import (
	"context"
	"encoding/json"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/pixelhealth/biasalert-backend/internal/logger"
	"github.com/pixelhealth/biasalert-backend/internal/repos"
	"github.com/pixelhealth/biasalert-backend/internal/serviceerr"
	"github.com/pixelhealth/biasalert-backend/internal/types"
)

const defaultPendingLimit = 50

type FlagSessionRequest struct {
	UserID          string         `json:"user_id"`
	SessionID       string         `json:"session_id"`
	CrisisID        string         `json:"crisis_id"`
	Reason          string         `json:"reason"`
	Severity        string         `json:"severity"`
	DetectedRisks   []string       `json:"detected_risks"`
	Confidence      float64        `json:"confidence"`
	TextSample      string         `json:"text_sample,omitempty"`
	RoutingDecision map[string]any `json:"routing_decision,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// UpdateFlagStatusRequest carries partial-update semantics: nil pointer
// fields are left untouched on the flag.
type UpdateFlagStatusRequest struct {
	FlagID          string         `json:"flag_id"`
	Status          string         `json:"status"`
	AssignedTo      *string        `json:"assigned_to,omitempty"`
	ReviewerNotes   *string        `json:"reviewer_notes,omitempty"`
	ResolutionNotes *string        `json:"resolution_notes,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	ActorID         string         `json:"actor_id,omitempty"`
}

type CrisisService interface {
	FlagSessionForReview(ctx context.Context, req FlagSessionRequest) (*types.CrisisSessionFlag, error)
	UpdateFlagStatus(ctx context.Context, req UpdateFlagStatusRequest) (*types.CrisisSessionFlag, error)
	GetUserCrisisFlags(ctx context.Context, userID string, includeResolved bool) ([]*types.CrisisSessionFlag, error)
	GetUserSessionStatus(ctx context.Context, userID string) (*types.UserSessionStatus, error)
	GetPendingCrisisFlags(ctx context.Context, limit int) ([]*types.CrisisSessionFlag, error)
}

type crisisService struct {
	db         *gorm.DB
	log        *logger.Logger
	flagRepo   repos.CrisisFlagRepo
	statusRepo repos.SessionStatusRepo
	audit      AuditService
	notifier   AlertNotifier

	// flagLocks serializes read-modify-write per flag id; userLocks does the
	// same for the per-user aggregate. Lock order is always flag before user.
	flagLocks sync.Map
	userLocks sync.Map
}

func NewCrisisService(
	db *gorm.DB,
	baseLog *logger.Logger,
	flagRepo repos.CrisisFlagRepo,
	statusRepo repos.SessionStatusRepo,
	audit AuditService,
	notifier AlertNotifier,
) CrisisService {
	return &crisisService{
		db:         db,
		log:        baseLog.With("service", "CrisisService"),
		flagRepo:   flagRepo,
		statusRepo: statusRepo,
		audit:      audit,
		notifier:   notifier,
	}
}

func keyedLock(m *sync.Map, key string) *sync.Mutex {
	actual, _ := m.LoadOrStore(key, &sync.Mutex{})
	return actual.(*sync.Mutex)
}

func (s *crisisService) FlagSessionForReview(ctx context.Context, req FlagSessionRequest) (*types.CrisisSessionFlag, error) {
	userID := strings.TrimSpace(req.UserID)
	sessionID := strings.TrimSpace(req.SessionID)
	crisisID := strings.TrimSpace(req.CrisisID)
	if userID == "" {
		return nil, serviceerr.Validation("user_id is required")
	}
	if sessionID == "" {
		return nil, serviceerr.Validation("session_id is required")
	}
	if crisisID == "" {
		return nil, serviceerr.Validation("crisis_id is required")
	}
	severity, err := types.ParseSeverity(req.Severity)
	if err != nil {
		return nil, serviceerr.Validation("invalid severity %q", req.Severity)
	}
	// Out-of-range confidence is rejected, never clamped.
	if math.IsNaN(req.Confidence) || req.Confidence < 0 || req.Confidence > 1 {
		return nil, serviceerr.Validation("confidence %v outside [0, 1]", req.Confidence)
	}

	now := time.Now().UTC()
	risks := req.DetectedRisks
	if risks == nil {
		risks = []string{}
	}
	risksJSON, _ := json.Marshal(risks)

	flag := &types.CrisisSessionFlag{
		ID:            uuid.New(),
		UserID:        userID,
		SessionID:     sessionID,
		CrisisID:      crisisID,
		Reason:        req.Reason,
		Severity:      severity,
		Confidence:    req.Confidence,
		DetectedRisks: datatypes.JSON(risksJSON),
		TextSample:    req.TextSample,
		Status:        types.FlagStatusPending,
		FlaggedAt:     now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if len(req.RoutingDecision) > 0 {
		b, mErr := json.Marshal(req.RoutingDecision)
		if mErr != nil {
			return nil, serviceerr.Validation("routing_decision is not serializable: %v", mErr)
		}
		flag.RoutingDecision = datatypes.JSON(b)
	}
	if len(req.Metadata) > 0 {
		b, mErr := json.Marshal(req.Metadata)
		if mErr != nil {
			return nil, serviceerr.Validation("metadata is not serializable: %v", mErr)
		}
		flag.Metadata = datatypes.JSON(b)
	}

	userMu := keyedLock(&s.userLocks, userID)
	userMu.Lock()
	defer userMu.Unlock()

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, cErr := s.flagRepo.Create(ctx, tx, flag); cErr != nil {
			return cErr
		}
		return s.recomputeUserStatus(ctx, tx, userID, now)
	})
	if txErr != nil {
		s.log.Error("flag write failed", "user_id", userID, "crisis_id", crisisID, "error", txErr)
		return nil, serviceerr.Persistence("failed to persist crisis flag", txErr)
	}

	// Audit and notification are side channels: the flag write above already
	// succeeded, so their failures are logged inside and never surfaced.
	s.audit.Record(ctx, userID, types.AuditEventSessionFlagged, flag.ID.String(), map[string]any{
		"crisis_id":      crisisID,
		"severity":       string(severity),
		"reason":         req.Reason,
		"confidence":     req.Confidence,
		"detected_risks": risks,
	})
	if s.notifier != nil {
		s.notifier.NotifyCrisisFlag(ctx, flag)
	}

	s.log.Info("session flagged for review",
		"flag_id", flag.ID, "user_id", userID, "session_id", sessionID,
		"crisis_id", crisisID, "severity", severity)
	return flag, nil
}

func (s *crisisService) UpdateFlagStatus(ctx context.Context, req UpdateFlagStatusRequest) (*types.CrisisSessionFlag, error) {
	flagID, err := uuid.Parse(strings.TrimSpace(req.FlagID))
	if err != nil {
		return nil, serviceerr.Validation("invalid flag id %q", req.FlagID)
	}
	newStatus, err := types.ParseUpdatableFlagStatus(req.Status)
	if err != nil {
		return nil, serviceerr.Validation("invalid flag status %q", req.Status)
	}

	flagMu := keyedLock(&s.flagLocks, flagID.String())
	flagMu.Lock()
	defer flagMu.Unlock()

	flag, err := s.flagRepo.GetByID(ctx, nil, flagID)
	if err != nil {
		return nil, serviceerr.Persistence("failed to load crisis flag", err)
	}
	if flag == nil {
		return nil, serviceerr.NotFound("crisis flag %s not found", flagID)
	}
	// Closed cases stay closed: no flip-flopping on resolved or dismissed
	// flags.
	if types.IsTerminalFlagStatus(flag.Status) {
		return nil, serviceerr.Conflict("crisis flag %s is already %s", flagID, flag.Status)
	}

	now := time.Now().UTC()
	cols := map[string]any{
		"status":     newStatus,
		"updated_at": now,
	}
	if newStatus == types.FlagStatusUnderReview && req.AssignedTo != nil {
		cols["assigned_to"] = *req.AssignedTo
	}
	if (newStatus == types.FlagStatusReviewed || newStatus == types.FlagStatusResolved) && flag.ReviewedAt == nil {
		cols["reviewed_at"] = now
	}
	if newStatus == types.FlagStatusResolved {
		cols["resolved_at"] = now
	}
	if req.ReviewerNotes != nil {
		cols["reviewer_notes"] = *req.ReviewerNotes
	}
	if req.ResolutionNotes != nil {
		cols["resolution_notes"] = *req.ResolutionNotes
	}
	if len(req.Metadata) > 0 {
		merged := map[string]any{}
		if len(flag.Metadata) > 0 {
			if uErr := json.Unmarshal(flag.Metadata, &merged); uErr != nil {
				s.log.Warn("existing flag metadata unreadable, overwriting", "flag_id", flagID, "error", uErr)
				merged = map[string]any{}
			}
		}
		for k, v := range req.Metadata {
			merged[k] = v
		}
		b, mErr := json.Marshal(merged)
		if mErr != nil {
			return nil, serviceerr.Validation("metadata is not serializable: %v", mErr)
		}
		cols["metadata"] = datatypes.JSON(b)
	}

	userMu := keyedLock(&s.userLocks, flag.UserID)
	userMu.Lock()
	defer userMu.Unlock()

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if uErr := s.flagRepo.UpdateColumns(ctx, tx, flagID, cols); uErr != nil {
			return uErr
		}
		return s.recomputeUserStatus(ctx, tx, flag.UserID, now)
	})
	if txErr != nil {
		s.log.Error("flag status update failed", "flag_id", flagID, "error", txErr)
		return nil, serviceerr.Persistence("failed to update crisis flag", txErr)
	}

	updated, err := s.flagRepo.GetByID(ctx, nil, flagID)
	if err != nil {
		return nil, serviceerr.Persistence("failed to reload crisis flag", err)
	}

	actor := req.ActorID
	if actor == "" && req.AssignedTo != nil {
		actor = *req.AssignedTo
	}
	s.audit.Record(ctx, actor, types.AuditEventFlagStatusUpdated, flagID.String(), map[string]any{
		"from_status": string(flag.Status),
		"to_status":   string(newStatus),
		"assigned_to": updated.AssignedTo,
	})

	s.log.Info("crisis flag status updated",
		"flag_id", flagID, "user_id", flag.UserID,
		"from", flag.Status, "to", newStatus)
	return updated, nil
}

func (s *crisisService) GetUserCrisisFlags(ctx context.Context, userID string, includeResolved bool) ([]*types.CrisisSessionFlag, error) {
	flags, err := s.flagRepo.GetByUserID(ctx, nil, strings.TrimSpace(userID), includeResolved)
	if err != nil {
		return nil, serviceerr.Persistence("failed to load user crisis flags", err)
	}
	if flags == nil {
		flags = []*types.CrisisSessionFlag{}
	}
	return flags, nil
}

// GetUserSessionStatus returns (nil, nil) for a user that has never been
// flagged. "No status yet" is expected, not exceptional.
func (s *crisisService) GetUserSessionStatus(ctx context.Context, userID string) (*types.UserSessionStatus, error) {
	status, err := s.statusRepo.GetByUserID(ctx, nil, strings.TrimSpace(userID))
	if err != nil {
		return nil, serviceerr.Persistence("failed to load user session status", err)
	}
	return status, nil
}

func (s *crisisService) GetPendingCrisisFlags(ctx context.Context, limit int) ([]*types.CrisisSessionFlag, error) {
	if limit <= 0 {
		limit = defaultPendingLimit
	}
	flags, err := s.flagRepo.GetPending(ctx, nil, limit)
	if err != nil {
		return nil, serviceerr.Persistence("failed to load pending crisis flags", err)
	}
	if flags == nil {
		flags = []*types.CrisisSessionFlag{}
	}
	return flags, nil
}

// recomputeUserStatus rebuilds the aggregate from the user's flags inside the
// caller's transaction, keeping total == active + resolved exact.
func (s *crisisService) recomputeUserStatus(ctx context.Context, tx *gorm.DB, userID string, now time.Time) error {
	flags, err := s.flagRepo.GetByUserID(ctx, tx, userID, true)
	if err != nil {
		return err
	}

	var (
		active    int
		resolved  int
		riskLevel types.Severity
		lastEvent *time.Time
	)
	for _, f := range flags {
		if types.IsClosedFlagStatus(f.Status) {
			resolved++
		} else {
			active++
			if types.SeverityRank(f.Severity) > types.SeverityRank(riskLevel) {
				riskLevel = f.Severity
			}
		}
		if lastEvent == nil || f.FlaggedAt.After(*lastEvent) {
			t := f.FlaggedAt
			lastEvent = &t
		}
	}

	status, err := s.statusRepo.GetByUserID(ctx, tx, userID)
	if err != nil {
		return err
	}
	if status == nil {
		status = &types.UserSessionStatus{
			ID:        uuid.New(),
			UserID:    userID,
			CreatedAt: now,
		}
	}
	if riskLevel == "" {
		// No active flags left; keep the last known level visible to
		// reviewers.
		riskLevel = status.CurrentRiskLevel
		if riskLevel == "" {
			riskLevel = types.SeverityLow
		}
	}

	status.IsFlaggedForReview = active > 0
	status.CurrentRiskLevel = riskLevel
	status.LastCrisisEventAt = lastEvent
	status.TotalCrisisFlags = active + resolved
	status.ActiveCrisisFlags = active
	status.ResolvedCrisisFlags = resolved
	status.UpdatedAt = now

	return s.statusRepo.Save(ctx, tx, status)
}
