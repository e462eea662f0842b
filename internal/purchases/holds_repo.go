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

var terminalHoldStatuses = []enums.HoldStatus{enums.HoldStatusSucceeded, enums.HoldStatusCanceled}

// HoldRepository persists the local mirror of processor holds.
type HoldRepository interface {
	WithTx(tx *gorm.DB) HoldRepository
	Upsert(ctx context.Context, hold *models.HoldAuthorization) error
	FindByRef(ctx context.Context, holdRef string) (*models.HoldAuthorization, error)
	FindOpen(ctx context.Context, unitID, buyerID uuid.UUID) (*models.HoldAuthorization, error)
	UpdateStatus(ctx context.Context, holdRef string, status enums.HoldStatus) error
	ListStale(ctx context.Context, cutoff time.Time, limit int) ([]models.HoldAuthorization, error)
}

type holdRepository struct {
	db *gorm.DB
}

func NewHoldRepository(db *gorm.DB) HoldRepository {
	if db == nil {
		return nil
	}
	return &holdRepository{db: db}
}

func (r *holdRepository) WithTx(tx *gorm.DB) HoldRepository {
	if tx == nil {
		return r
	}
	return &holdRepository{db: tx}
}

// Upsert inserts the mirror or refreshes status and client secret when the
// processor returned a hold that is already known.
func (r *holdRepository) Upsert(ctx context.Context, hold *models.HoldAuthorization) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "hold_ref"}},
			DoUpdates: clause.AssignmentColumns([]string{"status", "client_secret", "updated_at"}),
		}).
		Create(hold).Error
}

func (r *holdRepository) FindByRef(ctx context.Context, holdRef string) (*models.HoldAuthorization, error) {
	var hold models.HoldAuthorization
	if err := r.db.WithContext(ctx).First(&hold, "hold_ref = ?", holdRef).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &hold, nil
}

// FindOpen returns the newest non-terminal hold for buyer and unit.
func (r *holdRepository) FindOpen(ctx context.Context, unitID, buyerID uuid.UUID) (*models.HoldAuthorization, error) {
	var hold models.HoldAuthorization
	err := r.db.WithContext(ctx).
		Where("unit_id = ? AND buyer_id = ? AND status NOT IN ?", unitID, buyerID, terminalHoldStatuses).
		Order("created_at DESC").
		First(&hold).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &hold, nil
}

func (r *holdRepository) UpdateStatus(ctx context.Context, holdRef string, status enums.HoldStatus) error {
	return r.db.WithContext(ctx).
		Model(&models.HoldAuthorization{}).
		Where("hold_ref = ?", holdRef).
		Update("status", status).Error
}

// ListStale returns open holds older than cutoff that never backed a purchase.
func (r *holdRepository) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]models.HoldAuthorization, error) {
	var holds []models.HoldAuthorization
	err := r.db.WithContext(ctx).
		Where("status NOT IN ? AND created_at < ?", terminalHoldStatuses, cutoff).
		Where("NOT EXISTS (SELECT 1 FROM purchase_records pr WHERE pr.hold_ref = hold_authorizations.hold_ref)").
		Order("created_at ASC").
		Limit(limit).
		Find(&holds).Error
	return holds, err
}
