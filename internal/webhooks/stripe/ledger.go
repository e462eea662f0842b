package stripewebhook

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/packfinderz-settlement/pkg/db/models"
)

// Provider is the ledger provider value for Stripe deliveries.
const Provider = "stripe"

// LedgerRepository records handled webhook events.
type LedgerRepository interface {
	WithTx(tx *gorm.DB) LedgerRepository
	Exists(ctx context.Context, eventID string) (bool, error)
	Insert(ctx context.Context, entry *models.ProcessorWebhookEvent) (bool, error)
}

type ledgerRepository struct {
	db *gorm.DB
}

func NewLedgerRepository(db *gorm.DB) LedgerRepository {
	if db == nil {
		return nil
	}
	return &ledgerRepository{db: db}
}

func (r *ledgerRepository) WithTx(tx *gorm.DB) LedgerRepository {
	if tx == nil {
		return r
	}
	return &ledgerRepository{db: tx}
}

func (r *ledgerRepository) Exists(ctx context.Context, eventID string) (bool, error) {
	var entry models.ProcessorWebhookEvent
	err := r.db.WithContext(ctx).
		Where("provider = ? AND event_id = ?", Provider, eventID).
		First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Insert returns false when the event was already recorded.
func (r *ledgerRepository) Insert(ctx context.Context, entry *models.ProcessorWebhookEvent) (bool, error) {
	entry.Provider = Provider
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "provider"}, {Name: "event_id"}},
			DoNothing: true,
		}).
		Create(entry)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}
