package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/packfinderz-settlement/pkg/enums"
)

// HoldAuthorization mirrors a processor-side funds hold created for a buyer.
type HoldAuthorization struct {
	ID               uuid.UUID        `gorm:"column:id;type:uuid;primaryKey"`
	UnitID           uuid.UUID        `gorm:"column:unit_id;type:uuid;not null;index:ix_hold_authorizations_unit_buyer"`
	BuyerID          uuid.UUID        `gorm:"column:buyer_id;type:uuid;not null;index:ix_hold_authorizations_unit_buyer"`
	HoldRef          string           `gorm:"column:hold_ref;not null;uniqueIndex:ux_hold_authorizations_hold_ref"`
	AmountCents      int64            `gorm:"column:amount_cents;not null"`
	PlatformFeeCents int64            `gorm:"column:platform_fee_cents;not null"`
	IdempotencyKey   string           `gorm:"column:idempotency_key;not null"`
	Status           enums.HoldStatus `gorm:"column:status;type:text;not null"`
	ClientSecret     string           `gorm:"column:client_secret"`
	CreatedAt        time.Time        `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt        time.Time        `gorm:"column:updated_at;autoUpdateTime"`
}

func (HoldAuthorization) TableName() string { return "hold_authorizations" }

func (h *HoldAuthorization) BeforeCreate(*gorm.DB) error {
	if h.ID == uuid.Nil {
		h.ID = uuid.New()
	}
	return nil
}
