package enums

import "fmt"

// OutboxAggregateType maps to the aggregate_type column of outbox_events.
type OutboxAggregateType string

const (
	AggregatePurchase     OutboxAggregateType = "purchase"
	AggregateSellableUnit OutboxAggregateType = "sellable_unit"
	AggregateHold         OutboxAggregateType = "hold"
)

var validAggregateTypes = []OutboxAggregateType{
	AggregatePurchase,
	AggregateSellableUnit,
	AggregateHold,
}

// IsValid reports whether the value matches a known aggregate type.
func (a OutboxAggregateType) IsValid() bool {
	for _, candidate := range validAggregateTypes {
		if candidate == a {
			return true
		}
	}
	return false
}

// ParseOutboxAggregateType converts raw input into OutboxAggregateType.
func ParseOutboxAggregateType(value string) (OutboxAggregateType, error) {
	for _, candidate := range validAggregateTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid aggregate type %q", value)
}

// OutboxEventType maps to the event_type column of outbox_events.
type OutboxEventType string

const (
	EventPurchaseReserved           OutboxEventType = "purchase_reserved"
	EventPurchaseCompleted          OutboxEventType = "purchase_completed"
	EventPurchaseFailed             OutboxEventType = "purchase_failed"
	EventPurchaseReleased           OutboxEventType = "purchase_released"
	EventManualInterventionRequired OutboxEventType = "manual_intervention_required"
)

var validOutboxEventTypes = []OutboxEventType{
	EventPurchaseReserved,
	EventPurchaseCompleted,
	EventPurchaseFailed,
	EventPurchaseReleased,
	EventManualInterventionRequired,
}

// IsValid reports whether the value matches a known event type.
func (e OutboxEventType) IsValid() bool {
	for _, candidate := range validOutboxEventTypes {
		if candidate == e {
			return true
		}
	}
	return false
}

// IsAlert reports whether the event is routed to operational alerting.
func (e OutboxEventType) IsAlert() bool {
	return e == EventManualInterventionRequired
}

// ParseOutboxEventType converts raw input into OutboxEventType.
func ParseOutboxEventType(value string) (OutboxEventType, error) {
	for _, candidate := range validOutboxEventTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid event type %q", value)
}
