package repos

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/saathihealth/saathi-backend/internal/platform/logger"
	"github.com/saathihealth/saathi-backend/internal/types"
)

// MessageUpdate is one entry of a bulk update against the message store.
type MessageUpdate struct {
	ID     string
	Fields map[string]any
}

type MessageRepo interface {
	GetByIDs(ctx context.Context, tx *gorm.DB, ids []string) ([]*types.MessageRecord, error)
	// UpsertMany inserts records keyed on the channel-assigned message id;
	// redelivered creates land on the conflict path and update in place.
	UpsertMany(ctx context.Context, tx *gorm.DB, recs []*types.MessageRecord) error
	BulkUpdate(ctx context.Context, tx *gorm.DB, updates []MessageUpdate) error
	// ClaimStatusTransition atomically replaces the info payload only while
	// the stored verification status still equals from. Returns false when a
	// concurrent transition already moved the record; the caller takes the
	// no-op branch.
	ClaimStatusTransition(ctx context.Context, tx *gorm.DB, id string, from types.VerificationStatus, next *types.MessageInfo) (bool, error)
}

type messageRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewMessageRepo(db *gorm.DB, baseLog *logger.Logger) MessageRepo {
	return &messageRepo{db: db, log: baseLog.With("repo", "MessageRepo")}
}

func (r *messageRepo) GetByIDs(ctx context.Context, tx *gorm.DB, ids []string) ([]*types.MessageRecord, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}

	var results []*types.MessageRecord
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

func (r *messageRepo) UpsertMany(ctx context.Context, tx *gorm.DB, recs []*types.MessageRecord) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if len(recs) == 0 {
		return nil
	}

	err := transaction.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"english_text", "info", "cross_id", "cross_message_ids", "updated_at",
			}),
		}).
		Create(&recs).Error
	if err != nil && isUniqueViolation(err) {
		// Conflict target mismatch on older schemas; redelivery made the
		// rows exist already, which is the outcome we wanted.
		r.log.Warn("UpsertMany hit unique violation, treating as applied", "error", err)
		return nil
	}
	return err
}

func (r *messageRepo) BulkUpdate(ctx context.Context, tx *gorm.DB, updates []MessageUpdate) error {
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
			if err := innerTx.Model(&types.MessageRecord{}).
				Where("id = ?", up.ID).
				Updates(up.Fields).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *messageRepo) ClaimStatusTransition(ctx context.Context, tx *gorm.DB, id string, from types.VerificationStatus, next *types.MessageInfo) (bool, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}

	res := transaction.WithContext(ctx).
		Model(&types.MessageRecord{}).
		Where("id = ?", id).
		Where(datatypes.JSONQuery("info").Equals(string(from), "verification", "status")).
		Updates(map[string]any{
			"info":       types.EncodeMessageInfo(next),
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
