package inventory

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/packfinderz-settlement/pkg/db/models"
	"github.com/angelmondragon/packfinderz-settlement/pkg/enums"
)

// Repository persists sellable units.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, unit *models.SellableUnit) error
	FindByID(ctx context.Context, id uuid.UUID) (*models.SellableUnit, error)
	FindForUpdate(ctx context.Context, id uuid.UUID) (*models.SellableUnit, error)
	CompareAndSetStatus(ctx context.Context, id uuid.UUID, version int64, from, to enums.UnitStatus) (bool, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository builds a unit repository backed by the provided DB.
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

func (r *repository) Create(ctx context.Context, unit *models.SellableUnit) error {
	return r.db.WithContext(ctx).Create(unit).Error
}

func (r *repository) FindByID(ctx context.Context, id uuid.UUID) (*models.SellableUnit, error) {
	var unit models.SellableUnit
	if err := r.db.WithContext(ctx).First(&unit, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &unit, nil
}

// FindForUpdate locks the row until the surrounding transaction ends.
func (r *repository) FindForUpdate(ctx context.Context, id uuid.UUID) (*models.SellableUnit, error) {
	var unit models.SellableUnit
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&unit, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &unit, nil
}

// CompareAndSetStatus only writes when both status and version still match
// what the caller read.
func (r *repository) CompareAndSetStatus(ctx context.Context, id uuid.UUID, version int64, from, to enums.UnitStatus) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.SellableUnit{}).
		Where("id = ? AND status = ? AND version = ?", id, from, version).
		Updates(map[string]any{
			"status":  to,
			"version": gorm.Expr("version + 1"),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}
