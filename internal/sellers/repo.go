package sellers

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/packfinderz-settlement/pkg/db/models"
)

// Repository persists seller payout accounts.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, account *models.SellerPayoutAccount) error
	FindBySellerID(ctx context.Context, sellerID uuid.UUID) (*models.SellerPayoutAccount, error)
	UpdateCapabilities(ctx context.Context, processorAccountID string, chargesEnabled, payoutsEnabled bool) (bool, error)
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

func (r *repository) Create(ctx context.Context, account *models.SellerPayoutAccount) error {
	return r.db.WithContext(ctx).Create(account).Error
}

func (r *repository) FindBySellerID(ctx context.Context, sellerID uuid.UUID) (*models.SellerPayoutAccount, error) {
	var account models.SellerPayoutAccount
	if err := r.db.WithContext(ctx).First(&account, "seller_id = ?", sellerID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &account, nil
}

// UpdateCapabilities reports false when no local seller maps to the account.
func (r *repository) UpdateCapabilities(ctx context.Context, processorAccountID string, chargesEnabled, payoutsEnabled bool) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.SellerPayoutAccount{}).
		Where("processor_account_id = ?", processorAccountID).
		Updates(map[string]any{
			"charges_enabled": chargesEnabled,
			"payouts_enabled": payoutsEnabled,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
