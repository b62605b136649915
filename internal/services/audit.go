package services

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/pixelhealth/biasalert-backend/internal/logger"
	"github.com/pixelhealth/biasalert-backend/internal/repos"
	"github.com/pixelhealth/biasalert-backend/internal/types"
)

// AuditService records mutating actions. Writes are best-effort: a failed
// audit append is logged and swallowed so it can never mask or undo the
// primary mutation it describes.
type AuditService interface {
	Record(ctx context.Context, actorID, eventType, subjectID string, detail map[string]any)
}

type auditService struct {
	log  *logger.Logger
	repo repos.AuditLogRepo
}

func NewAuditService(baseLog *logger.Logger, repo repos.AuditLogRepo) AuditService {
	return &auditService{
		log:  baseLog.With("service", "AuditService"),
		repo: repo,
	}
}

func (s *auditService) Record(ctx context.Context, actorID, eventType, subjectID string, detail map[string]any) {
	var payload datatypes.JSON
	if len(detail) > 0 {
		b, err := json.Marshal(detail)
		if err != nil {
			s.log.Warn("audit detail marshal failed", "event_type", eventType, "error", err)
		} else {
			payload = datatypes.JSON(b)
		}
	}
	entry := &types.AuditLog{
		ID:        uuid.New(),
		ActorID:   actorID,
		EventType: eventType,
		SubjectID: subjectID,
		Detail:    payload,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.repo.Append(ctx, nil, entry); err != nil {
		s.log.Warn("audit append failed", "event_type", eventType, "subject_id", subjectID, "error", err)
	}
}
