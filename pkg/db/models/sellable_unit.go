package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/packfinderz-settlement/pkg/enums"
)

// SellableUnit is one listed good that at most one buyer may own.
type SellableUnit struct {
	ID             uuid.UUID        `gorm:"column:id;type:uuid;primaryKey"`
	OwnerID        uuid.UUID        `gorm:"column:owner_id;type:uuid;not null;index"`
	Title          string           `gorm:"column:title;not null"`
	UnitPriceCents int64            `gorm:"column:unit_price_cents;not null"`
	Quantity       int64            `gorm:"column:quantity;not null;default:1"`
	Status         enums.UnitStatus `gorm:"column:status;type:text;not null;default:'available'"`
	Version        int64            `gorm:"column:version;not null;default:0"`
	CreatedAt      time.Time        `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt      time.Time        `gorm:"column:updated_at;autoUpdateTime"`
}

func (SellableUnit) TableName() string { return "sellable_units" }

func (u *SellableUnit) BeforeCreate(*gorm.DB) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	return nil
}

// TotalCents is the price the buyer must authorize for the unit.
func (u SellableUnit) TotalCents() int64 {
	return u.UnitPriceCents * u.Quantity
}
