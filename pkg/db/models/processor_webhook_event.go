package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ProcessorWebhookEvent records a processed webhook delivery.
type ProcessorWebhookEvent struct {
	ID          uuid.UUID `gorm:"column:id;type:uuid;primaryKey"`
	Provider    string    `gorm:"column:provider;not null;uniqueIndex:ux_processor_webhook_events_provider_event"`
	EventID     string    `gorm:"column:event_id;not null;uniqueIndex:ux_processor_webhook_events_provider_event"`
	EventType   string    `gorm:"column:event_type;not null"`
	Result      string    `gorm:"column:result;not null"`
	ProcessedAt time.Time `gorm:"column:processed_at;not null"`
}

func (ProcessorWebhookEvent) TableName() string { return "processor_webhook_events" }

func (e *ProcessorWebhookEvent) BeforeCreate(*gorm.DB) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	return nil
}
