package repos

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/pixelhealth/biasalert-backend/internal/logger"
	"github.com/pixelhealth/biasalert-backend/internal/types"
)

type SessionStatusRepo interface {
	GetByUserID(ctx context.Context, tx *gorm.DB, userID string) (*types.UserSessionStatus, error)
	Save(ctx context.Context, tx *gorm.DB, status *types.UserSessionStatus) error
}

type sessionStatusRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewSessionStatusRepo(db *gorm.DB, baseLog *logger.Logger) SessionStatusRepo {
	repoLog := baseLog.With("repo", "SessionStatusRepo")
	return &sessionStatusRepo{db: db, log: repoLog}
}

// GetByUserID returns (nil, nil) for a user that has never been flagged.
// That is the expected case, not a lookup failure.
func (r *sessionStatusRepo) GetByUserID(ctx context.Context, tx *gorm.DB, userID string) (*types.UserSessionStatus, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}

	if userID == "" {
		return nil, nil
	}

	var result types.UserSessionStatus
	if err := transaction.WithContext(ctx).
		Where("user_id = ?", userID).
		First(&result).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &result, nil
}

func (r *sessionStatusRepo) Save(ctx context.Context, tx *gorm.DB, status *types.UserSessionStatus) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}

	if status == nil {
		return nil
	}

	if err := transaction.WithContext(ctx).Save(status).Error; err != nil {
		return err
	}
	return nil
}
