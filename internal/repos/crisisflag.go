package repos

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/pixelhealth/biasalert-backend/internal/logger"
	"github.com/pixelhealth/biasalert-backend/internal/types"
)

type CrisisFlagRepo interface {
	Create(ctx context.Context, tx *gorm.DB, flag *types.CrisisSessionFlag) (*types.CrisisSessionFlag, error)
	GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.CrisisSessionFlag, error)
	UpdateColumns(ctx context.Context, tx *gorm.DB, id uuid.UUID, cols map[string]any) error
	GetByUserID(ctx context.Context, tx *gorm.DB, userID string, includeClosed bool) ([]*types.CrisisSessionFlag, error)
	GetPending(ctx context.Context, tx *gorm.DB, limit int) ([]*types.CrisisSessionFlag, error)
}

type crisisFlagRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewCrisisFlagRepo(db *gorm.DB, baseLog *logger.Logger) CrisisFlagRepo {
	repoLog := baseLog.With("repo", "CrisisFlagRepo")
	return &crisisFlagRepo{db: db, log: repoLog}
}

func (r *crisisFlagRepo) Create(ctx context.Context, tx *gorm.DB, flag *types.CrisisSessionFlag) (*types.CrisisSessionFlag, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}

	if flag == nil {
		return nil, nil
	}

	if err := transaction.WithContext(ctx).Create(flag).Error; err != nil {
		return nil, err
	}
	return flag, nil
}

// GetByID returns (nil, nil) when no row exists; callers decide whether that
// is an error.
func (r *crisisFlagRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.CrisisSessionFlag, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}

	if id == uuid.Nil {
		return nil, nil
	}

	var result types.CrisisSessionFlag
	if err := transaction.WithContext(ctx).
		Where("id = ?", id).
		First(&result).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &result, nil
}

func (r *crisisFlagRepo) UpdateColumns(ctx context.Context, tx *gorm.DB, id uuid.UUID, cols map[string]any) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}

	if id == uuid.Nil || len(cols) == 0 {
		return nil
	}

	if err := transaction.WithContext(ctx).
		Model(&types.CrisisSessionFlag{}).
		Where("id = ?", id).
		Updates(cols).Error; err != nil {
		return err
	}
	return nil
}

func (r *crisisFlagRepo) GetByUserID(ctx context.Context, tx *gorm.DB, userID string, includeClosed bool) ([]*types.CrisisSessionFlag, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}

	var results []*types.CrisisSessionFlag
	if userID == "" {
		return results, nil
	}

	query := transaction.WithContext(ctx).Where("user_id = ?", userID)
	if !includeClosed {
		query = query.Where("status NOT IN ?", []types.FlagStatus{types.FlagStatusResolved, types.FlagStatusDismissed})
	}
	if err := query.
		Order("flagged_at DESC").
		Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

// GetPending returns the triage queue oldest first: staleness itself is a
// risk signal, so older unresolved crises surface before newer ones
// regardless of severity.
func (r *crisisFlagRepo) GetPending(ctx context.Context, tx *gorm.DB, limit int) ([]*types.CrisisSessionFlag, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}

	if limit <= 0 {
		limit = 50
	}

	var results []*types.CrisisSessionFlag
	if err := transaction.WithContext(ctx).
		Where("status IN ?", []types.FlagStatus{types.FlagStatusPending, types.FlagStatusUnderReview}).
		Order("flagged_at ASC").
		Limit(limit).
		Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}
