package models

import (
	"time"

	"github.com/google/uuid"
)

// SellerPayoutAccount mirrors the processor-side connected account of a seller.
type SellerPayoutAccount struct {
	SellerID           uuid.UUID `gorm:"column:seller_id;type:uuid;primaryKey"`
	ProcessorAccountID string    `gorm:"column:processor_account_id;not null;uniqueIndex"`
	ChargesEnabled     bool      `gorm:"column:charges_enabled;not null;default:false"`
	PayoutsEnabled     bool      `gorm:"column:payouts_enabled;not null;default:false"`
	CreatedAt          time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt          time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (SellerPayoutAccount) TableName() string { return "seller_payout_accounts" }

// Eligible reports whether holds may be authorized on behalf of the seller.
func (a SellerPayoutAccount) Eligible() bool {
	return a.ProcessorAccountID != "" && a.ChargesEnabled && a.PayoutsEnabled
}
