package processor

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stripe/stripe-go/v84"

	"github.com/angelmondragon/packfinderz-settlement/pkg/enums"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		declined bool
	}{
		{name: "card error", err: &stripe.Error{Type: stripe.ErrorTypeCard, Code: stripe.ErrorCodeCardDeclined, HTTPStatusCode: http.StatusPaymentRequired}, declined: true},
		{name: "invalid request", err: &stripe.Error{Type: stripe.ErrorTypeInvalidRequest, HTTPStatusCode: http.StatusBadRequest}, declined: true},
		{name: "rate limited", err: &stripe.Error{Type: stripe.ErrorTypeInvalidRequest, HTTPStatusCode: http.StatusTooManyRequests}},
		{name: "idempotency conflict", err: &stripe.Error{Type: stripe.ErrorTypeIdempotency, HTTPStatusCode: http.StatusBadRequest}},
		{name: "server error", err: &stripe.Error{Type: stripe.ErrorTypeAPI, HTTPStatusCode: http.StatusInternalServerError}},
		{name: "network", err: errors.New("read tcp: i/o timeout")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.declined, IsDeclined(classify(tt.err)))
		})
	}
}

func TestDeclineReasonPrefersCode(t *testing.T) {
	err := classify(&stripe.Error{Type: stripe.ErrorTypeCard, Code: stripe.ErrorCodeCardDeclined})
	var declined *DeclinedError
	assert.True(t, errors.As(err, &declined))
	assert.Equal(t, string(stripe.ErrorCodeCardDeclined), declined.Reason)
}

func TestHoldFromIntent(t *testing.T) {
	assert.Nil(t, HoldFromIntent(nil))

	hold := HoldFromIntent(&stripe.PaymentIntent{
		ID:                   "pi_1",
		Status:               stripe.PaymentIntentStatusRequiresCapture,
		Amount:               1000,
		AmountCapturable:     1000,
		ApplicationFeeAmount: 200,
		ClientSecret:         "pi_1_secret",
		Metadata:             map[string]string{MetadataBuyerID: "buyer"},
	})
	assert.Equal(t, "pi_1", hold.Ref)
	assert.Equal(t, enums.HoldStatusRequiresCapture, hold.Status)
	assert.Equal(t, int64(200), hold.PlatformFeeCents)
	assert.Equal(t, "buyer", hold.Metadata[MetadataBuyerID])
}

func TestFollowUpKeys(t *testing.T) {
	assert.Equal(t, "capture:pi_1", CaptureKey("pi_1"))
	assert.Equal(t, "cancel:pi_1", CancelKey("pi_1"))
	assert.Equal(t, "refund:pi_1", RefundKey("pi_1"))
}
