package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v84"

	stripewebhook "github.com/angelmondragon/packfinderz-settlement/internal/webhooks/stripe"
	pkgerrors "github.com/angelmondragon/packfinderz-settlement/pkg/errors"
)

const testSecret = "whsec_test"

func newHandler(t *testing.T, service *fakeStripeWebhookService) (http.HandlerFunc, *inMemoryStore) {
	t.Helper()
	store := newInMemoryStore()
	guard, err := stripewebhook.NewDeliveryGuard(store, time.Minute)
	require.NoError(t, err)
	return StripeWebhook(service, &fakeSigningClient{secret: testSecret}, guard, nil), store
}

func deliver(handler http.Handler, payload []byte, header string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/stripe", bytes.NewReader(payload))
	if header != "" {
		req.Header.Set("Stripe-Signature", header)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestStripeWebhookProcessesOnceAndAcksDuplicates(t *testing.T) {
	service := &fakeStripeWebhookService{}
	handler, _ := newHandler(t, service)
	payload, header := buildSignedEvent(t, stripe.EventTypePaymentIntentSucceeded)

	first := deliver(handler, payload, header)
	require.Equal(t, http.StatusOK, first.Code, first.Body.String())

	second := deliver(handler, payload, header)
	require.Equal(t, http.StatusOK, second.Code, second.Body.String())
	assert.Contains(t, second.Body.String(), "duplicate")
	assert.Equal(t, 1, service.calls)
}

func TestStripeWebhookRejectsBadSignatures(t *testing.T) {
	service := &fakeStripeWebhookService{}
	handler, _ := newHandler(t, service)
	payload, _ := buildSignedEvent(t, stripe.EventTypePaymentIntentSucceeded)

	missing := deliver(handler, payload, "")
	assert.Equal(t, http.StatusBadRequest, missing.Code)

	forged := deliver(handler, payload, "t=1,v1=invalid")
	assert.Equal(t, http.StatusBadRequest, forged.Code)

	wrongKey := deliver(handler, payload, buildStripeSignatureHeader(payload, "whsec_other", time.Now().Unix()))
	assert.Equal(t, http.StatusBadRequest, wrongKey.Code)

	assert.Zero(t, service.calls)
}

func TestStripeWebhookRedeliversUntilHandlingCommits(t *testing.T) {
	service := &fakeStripeWebhookService{err: pkgerrors.New(pkgerrors.CodeDependency, "db down")}
	handler, store := newHandler(t, service)
	payload, header := buildSignedEvent(t, stripe.EventTypeChargeRefunded)

	failed := deliver(handler, payload, header)
	require.Equal(t, http.StatusServiceUnavailable, failed.Code)
	assert.Empty(t, store.data, "no mark until the event is handled")

	service.err = nil
	retried := deliver(handler, payload, header)
	require.Equal(t, http.StatusOK, retried.Code)
	assert.Contains(t, retried.Body.String(), "processed")
	assert.Equal(t, 2, service.calls)
	assert.Len(t, store.data, 1)
}

func TestStripeWebhookUnmarkedEventIsHandledAgain(t *testing.T) {
	service := &fakeStripeWebhookService{}
	handler, store := newHandler(t, service)
	payload, header := buildSignedEvent(t, stripe.EventTypeChargeRefunded)

	// The first attempt committed but the mark was never written.
	store.setErr = errors.New("redis write timeout")
	first := deliver(handler, payload, header)
	require.Equal(t, http.StatusOK, first.Code)
	assert.Empty(t, store.data)

	store.setErr = nil
	second := deliver(handler, payload, header)
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, 2, service.calls, "the ledger decides, not the mark")
}

func TestStripeWebhookHandlesEventsDuringRedisOutage(t *testing.T) {
	service := &fakeStripeWebhookService{}
	store := newInMemoryStore()
	store.err = errors.New("redis unavailable")
	guard, err := stripewebhook.NewDeliveryGuard(store, time.Minute)
	require.NoError(t, err)
	handler := StripeWebhook(service, &fakeSigningClient{secret: testSecret}, guard, nil)
	payload, header := buildSignedEvent(t, stripe.EventTypePaymentIntentCanceled)

	rec := deliver(handler, payload, header)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 1, service.calls)
}

func TestStripeWebhookRejectsServiceFailureWithoutMark(t *testing.T) {
	service := &fakeStripeWebhookService{err: pkgerrors.New(pkgerrors.CodeConflict, "purchase changed concurrently")}
	handler, store := newHandler(t, service)
	payload, header := buildSignedEvent(t, stripe.EventTypePaymentIntentSucceeded)

	rec := deliver(handler, payload, header)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Empty(t, store.data)
}

func buildSignedEvent(t *testing.T, eventType stripe.EventType) ([]byte, string) {
	t.Helper()
	intent := &stripe.PaymentIntent{
		ID:     "pi_" + uuid.NewString(),
		Amount: 1000,
		Status: stripe.PaymentIntentStatusSucceeded,
		Metadata: map[string]string{
			"unit_id":  uuid.NewString(),
			"buyer_id": uuid.NewString(),
		},
	}
	rawIntent, err := json.Marshal(intent)
	require.NoError(t, err)
	event := &stripe.Event{
		ID:         "evt_" + uuid.NewString(),
		Type:       eventType,
		Object:     "event",
		APIVersion: stripe.APIVersion,
		Data:       &stripe.EventData{Raw: rawIntent},
	}
	payload, err := json.Marshal(event)
	require.NoError(t, err)
	return payload, buildStripeSignatureHeader(payload, testSecret, time.Now().Unix())
}

func buildStripeSignatureHeader(payload []byte, secret string, ts int64) string {
	signedPayload := fmt.Sprintf("%d.%s", ts, payload)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(signedPayload))
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

type fakeStripeWebhookService struct {
	calls int
	err   error
}

func (f *fakeStripeWebhookService) HandleEvent(ctx context.Context, event *stripe.Event) error {
	f.calls++
	return f.err
}

type fakeSigningClient struct {
	secret string
}

func (c *fakeSigningClient) SigningSecret() string {
	return c.secret
}

type inMemoryStore struct {
	mu     sync.Mutex
	data   map[string]string
	err    error
	setErr error
}

func newInMemoryStore() *inMemoryStore {
	return &inMemoryStore{data: make(map[string]string)}
}

func (s *inMemoryStore) Get(ctx context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	if v, ok := s.data[key]; ok {
		return v, nil
	}
	return "", redis.Nil
}

func (s *inMemoryStore) SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return false, s.err
	}
	if s.setErr != nil {
		return false, s.setErr
	}
	if _, exists := s.data[key]; exists {
		return false, nil
	}
	s.data[key] = fmt.Sprintf("%v", value)
	return true, nil
}

func (s *inMemoryStore) IdempotencyKey(scope, id string) string {
	return fmt.Sprintf("settlement:idempotency:%s:%s", scope, id)
}

func (s *inMemoryStore) Del(ctx context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		delete(s.data, key)
	}
	return nil
}
