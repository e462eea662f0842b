package stripewebhook

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeliveryGuardMarksOnlyHandledEvents(t *testing.T) {
	store := newMemoryStore()
	guard, err := NewDeliveryGuard(store, time.Hour)
	require.NoError(t, err)
	ctx := context.Background()

	seen, err := guard.Seen(ctx, "evt_1")
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, guard.MarkHandled(ctx, "evt_1"))
	seen, err = guard.Seen(ctx, "evt_1")
	require.NoError(t, err)
	assert.True(t, seen)
	assert.Equal(t, time.Hour, store.ttls["test:"+DeliveryScope+":evt_1"])

	// A second mark keeps the first one.
	require.NoError(t, guard.MarkHandled(ctx, "evt_1"))
	seen, err = guard.Seen(ctx, "evt_2")
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestDeliveryGuardValidation(t *testing.T) {
	_, err := NewDeliveryGuard(nil, time.Hour)
	assert.Error(t, err)
	_, err = NewDeliveryGuard(newMemoryStore(), 0)
	assert.Error(t, err)

	guard, err := NewDeliveryGuard(newMemoryStore(), time.Hour)
	require.NoError(t, err)
	_, err = guard.Seen(context.Background(), "")
	assert.Error(t, err)
	assert.Error(t, guard.MarkHandled(context.Background(), ""))
}

func TestDeliveryGuardSurfacesStoreErrors(t *testing.T) {
	store := newMemoryStore()
	store.err = errors.New("redis down")
	guard, err := NewDeliveryGuard(store, time.Hour)
	require.NoError(t, err)

	_, err = guard.Seen(context.Background(), "evt_2")
	assert.ErrorContains(t, err, "redis down")
	assert.ErrorContains(t, guard.MarkHandled(context.Background(), "evt_2"), "redis down")
}

type memoryStore struct {
	mu   sync.Mutex
	data map[string]string
	ttls map[string]time.Duration
	err  error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{data: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (m *memoryStore) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	value, ok := m.data[key]
	if !ok {
		return "", goredis.Nil
	}
	return value, nil
}

func (m *memoryStore) SetNX(_ context.Context, key string, value any, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return false, m.err
	}
	if _, ok := m.data[key]; ok {
		return false, nil
	}
	m.data[key], _ = value.(string)
	m.ttls[key] = ttl
	return true, nil
}

func (m *memoryStore) IdempotencyKey(scope, id string) string {
	return "test:" + scope + ":" + id
}

func (m *memoryStore) Del(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range keys {
		delete(m.data, key)
	}
	return nil
}
