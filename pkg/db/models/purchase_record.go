package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/angelmondragon/packfinderz-settlement/pkg/enums"
)

// PurchaseRecord is one buyer to unit transaction backed by a funds hold.
type PurchaseRecord struct {
	ID                uuid.UUID           `gorm:"column:id;type:uuid;primaryKey"`
	UnitID            uuid.UUID           `gorm:"column:unit_id;type:uuid;not null;index"`
	BuyerID           uuid.UUID           `gorm:"column:buyer_id;type:uuid;not null;index"`
	SellerID          uuid.UUID           `gorm:"column:seller_id;type:uuid;not null"`
	AmountCents       int64               `gorm:"column:amount_cents;not null"`
	PlatformFeeCents  int64               `gorm:"column:platform_fee_cents;not null"`
	PayeeNetCents     int64               `gorm:"column:payee_net_cents;not null"`
	HoldRef           string              `gorm:"column:hold_ref;not null;uniqueIndex:ux_purchase_records_hold_ref"`
	PaymentStatus     enums.PaymentStatus `gorm:"column:payment_status;type:text;not null;default:'pending'"`
	HoldStatus        enums.HoldStatus    `gorm:"column:hold_status;type:text;not null"`
	CollectionDetails datatypes.JSON      `gorm:"column:collection_details;type:jsonb"`
	CompletedAt       *time.Time          `gorm:"column:completed_at"`
	FailureReason     *string             `gorm:"column:failure_reason"`
	CreatedAt         time.Time           `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt         time.Time           `gorm:"column:updated_at;autoUpdateTime"`
}

func (PurchaseRecord) TableName() string { return "purchase_records" }

func (p *PurchaseRecord) BeforeCreate(*gorm.DB) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return nil
}
