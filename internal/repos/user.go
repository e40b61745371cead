package repos

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/saathihealth/saathi-backend/internal/platform/logger"
	"github.com/saathihealth/saathi-backend/internal/types"
)

// UserUpdate is one entry of a bulk update against the user store.
type UserUpdate struct {
	ID     uuid.UUID
	Fields map[string]any
}

type UserRepo interface {
	GetByIDs(ctx context.Context, tx *gorm.DB, ids []uuid.UUID) ([]*types.User, error)
	BulkUpdate(ctx context.Context, tx *gorm.DB, updates []UserUpdate) error
}

type userRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewUserRepo(db *gorm.DB, baseLog *logger.Logger) UserRepo {
	return &userRepo{db: db, log: baseLog.With("repo", "UserRepo")}
}

func (r *userRepo) GetByIDs(ctx context.Context, tx *gorm.DB, ids []uuid.UUID) ([]*types.User, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}

	var results []*types.User
	if len(ids) == 0 {
		return results, nil
	}

	if err := transaction.WithContext(ctx).
		Where("id IN ?", ids).
		Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func (r *userRepo) BulkUpdate(ctx context.Context, tx *gorm.DB, updates []UserUpdate) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if len(updates) == 0 {
		return nil
	}

	return transaction.WithContext(ctx).Transaction(func(innerTx *gorm.DB) error {
		for _, up := range updates {
			if len(up.Fields) == 0 {
				continue
			}
			if err := innerTx.Model(&types.User{}).
				Where("id = ?", up.ID).
				Updates(up.Fields).Error; err != nil {
				return err
			}
		}
		return nil
	})
}
