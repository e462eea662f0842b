package purchases

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/packfinderz-settlement/pkg/db/models"
	"github.com/angelmondragon/packfinderz-settlement/pkg/enums"
)

// Repository persists purchase records.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, record *models.PurchaseRecord) error
	FindByID(ctx context.Context, id uuid.UUID) (*models.PurchaseRecord, error)
	FindByHoldRef(ctx context.Context, holdRef string) (*models.PurchaseRecord, error)
	FindByHoldRefForUpdate(ctx context.Context, holdRef string) (*models.PurchaseRecord, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, from enums.PaymentStatus, update StatusUpdate) (bool, error)
	DeletePending(ctx context.Context, id uuid.UUID) (bool, error)
	ListPendingBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.PurchaseRecord, error)
}

// StatusUpdate carries the columns written by a payment status transition.
type StatusUpdate struct {
	PaymentStatus enums.PaymentStatus
	HoldStatus    enums.HoldStatus
	CompletedAt   *time.Time
	FailureReason *string
}

type repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) Repository {
	if db == nil {
		return nil
	}
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) Create(ctx context.Context, record *models.PurchaseRecord) error {
	return r.db.WithContext(ctx).Create(record).Error
}

func (r *repository) FindByID(ctx context.Context, id uuid.UUID) (*models.PurchaseRecord, error) {
	return r.first(r.db.WithContext(ctx), "id = ?", id)
}

func (r *repository) FindByHoldRef(ctx context.Context, holdRef string) (*models.PurchaseRecord, error) {
	return r.first(r.db.WithContext(ctx), "hold_ref = ?", holdRef)
}

func (r *repository) FindByHoldRefForUpdate(ctx context.Context, holdRef string) (*models.PurchaseRecord, error) {
	return r.first(r.db.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}), "hold_ref = ?", holdRef)
}

func (r *repository) first(q *gorm.DB, where string, arg any) (*models.PurchaseRecord, error) {
	var record models.PurchaseRecord
	if err := q.First(&record, where, arg).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

// UpdateStatus applies update only while the record is still in from.
func (r *repository) UpdateStatus(ctx context.Context, id uuid.UUID, from enums.PaymentStatus, update StatusUpdate) (bool, error) {
	values := map[string]any{
		"payment_status": update.PaymentStatus,
	}
	if update.HoldStatus != "" {
		values["hold_status"] = update.HoldStatus
	}
	if update.CompletedAt != nil {
		values["completed_at"] = *update.CompletedAt
	}
	if update.FailureReason != nil {
		values["failure_reason"] = *update.FailureReason
	}
	res := r.db.WithContext(ctx).
		Model(&models.PurchaseRecord{}).
		Where("id = ? AND payment_status = ?", id, from).
		Updates(values)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// DeletePending removes a record only while it is still PENDING.
func (r *repository) DeletePending(ctx context.Context, id uuid.UUID) (bool, error) {
	res := r.db.WithContext(ctx).
		Where("id = ? AND payment_status = ?", id, enums.PaymentStatusPending).
		Delete(&models.PurchaseRecord{})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repository) ListPendingBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.PurchaseRecord, error) {
	var records []models.PurchaseRecord
	err := r.db.WithContext(ctx).
		Where("payment_status = ? AND created_at < ?", enums.PaymentStatusPending, cutoff).
		Order("created_at ASC").
		Limit(limit).
		Find(&records).Error
	return records, err
}
