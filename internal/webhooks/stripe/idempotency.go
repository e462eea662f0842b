package stripewebhook

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/angelmondragon/packfinderz-settlement/pkg/redis"
)

// DeliveryScope namespaces webhook delivery keys in Redis.
const DeliveryScope = "stripe_webhook"

// DeliveryGuard remembers events whose handling has committed so redeliveries
// are acknowledged without touching the database. A mark is written only after
// the ledger entry is durable; a missing mark never means the event was
// handled.
type DeliveryGuard struct {
	store redis.IdempotencyStore
	ttl   time.Duration
}

func NewDeliveryGuard(store redis.IdempotencyStore, ttl time.Duration) (*DeliveryGuard, error) {
	if store == nil {
		return nil, errors.New("idempotency store is required")
	}
	if ttl <= 0 {
		return nil, errors.New("ttl must be positive")
	}
	return &DeliveryGuard{store: store, ttl: ttl}, nil
}

// Seen reports whether eventID was marked handled.
func (g *DeliveryGuard) Seen(ctx context.Context, eventID string) (bool, error) {
	if eventID == "" {
		return false, errors.New("event id is required")
	}
	_, err := g.store.Get(ctx, g.store.IdempotencyKey(DeliveryScope, eventID))
	if errors.Is(err, goredis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read webhook delivery mark: %w", err)
	}
	return true, nil
}

// MarkHandled records that eventID was durably handled.
func (g *DeliveryGuard) MarkHandled(ctx context.Context, eventID string) error {
	if eventID == "" {
		return errors.New("event id is required")
	}
	if _, err := g.store.SetNX(ctx, g.store.IdempotencyKey(DeliveryScope, eventID), time.Now().UTC().Format(time.RFC3339), g.ttl); err != nil {
		return fmt.Errorf("mark webhook delivery: %w", err)
	}
	return nil
}
