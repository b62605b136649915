package repos

import (
	"context"

	"gorm.io/gorm"

	"github.com/pixelhealth/biasalert-backend/internal/logger"
	"github.com/pixelhealth/biasalert-backend/internal/types"
)

type AuditLogRepo interface {
	Append(ctx context.Context, tx *gorm.DB, entry *types.AuditLog) error
}

type auditLogRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewAuditLogRepo(db *gorm.DB, baseLog *logger.Logger) AuditLogRepo {
	repoLog := baseLog.With("repo", "AuditLogRepo")
	return &auditLogRepo{db: db, log: repoLog}
}

func (r *auditLogRepo) Append(ctx context.Context, tx *gorm.DB, entry *types.AuditLog) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}

	if entry == nil {
		return nil
	}

	if err := transaction.WithContext(ctx).Create(entry).Error; err != nil {
		return err
	}
	return nil
}
