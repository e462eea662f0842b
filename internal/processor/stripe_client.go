package processor

import (
	"context"
	"net/http"
	"strings"

	"github.com/stripe/stripe-go/v84"
	"github.com/stripe/stripe-go/v84/paymentintent"
	"github.com/stripe/stripe-go/v84/refund"

	"github.com/angelmondragon/packfinderz-settlement/pkg/enums"
	pkgstripe "github.com/angelmondragon/packfinderz-settlement/pkg/stripe"
)

type stripeClient struct {
	currency string
}

// NewStripeClient adapts Stripe PaymentIntents with manual capture to Client.
func NewStripeClient(api *pkgstripe.Client) Client {
	if api == nil {
		return nil
	}
	return &stripeClient{currency: api.Currency()}
}

func (c *stripeClient) CreateHold(ctx context.Context, req CreateHoldRequest) (*Hold, error) {
	params := &stripe.PaymentIntentParams{
		Amount:               stripe.Int64(req.AmountCents),
		Currency:             stripe.String(c.currency),
		CaptureMethod:        stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
		ApplicationFeeAmount: stripe.Int64(req.PlatformFeeCents),
		TransferData: &stripe.PaymentIntentTransferDataParams{
			Destination: stripe.String(req.Destination),
		},
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	params.Context = ctx
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}
	pi, err := paymentintent.New(params)
	if err != nil {
		return nil, classify(err)
	}
	return holdFromIntent(pi), nil
}

func (c *stripeClient) Capture(ctx context.Context, holdRef, idempotencyKey string) (*Hold, error) {
	params := &stripe.PaymentIntentCaptureParams{}
	params.Context = ctx
	if idempotencyKey != "" {
		params.SetIdempotencyKey(idempotencyKey)
	}
	pi, err := paymentintent.Capture(holdRef, params)
	if err != nil {
		return nil, classify(err)
	}
	return holdFromIntent(pi), nil
}

func (c *stripeClient) Cancel(ctx context.Context, holdRef, idempotencyKey string) (*Hold, error) {
	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx
	if idempotencyKey != "" {
		params.SetIdempotencyKey(idempotencyKey)
	}
	pi, err := paymentintent.Cancel(holdRef, params)
	if err != nil {
		return nil, classify(err)
	}
	return holdFromIntent(pi), nil
}

func (c *stripeClient) Refund(ctx context.Context, holdRef, idempotencyKey string) (*Refund, error) {
	params := &stripe.RefundParams{
		PaymentIntent:        stripe.String(holdRef),
		ReverseTransfer:      stripe.Bool(true),
		RefundApplicationFee: stripe.Bool(true),
	}
	params.Context = ctx
	if idempotencyKey != "" {
		params.SetIdempotencyKey(idempotencyKey)
	}
	r, err := refund.New(params)
	if err != nil {
		return nil, classify(err)
	}
	return &Refund{Ref: r.ID, Status: string(r.Status)}, nil
}

func (c *stripeClient) Retrieve(ctx context.Context, holdRef string) (*Hold, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	pi, err := paymentintent.Get(holdRef, params)
	if err != nil {
		return nil, classify(err)
	}
	return holdFromIntent(pi), nil
}

// HoldFromIntent converts a PaymentIntent payload, e.g. from a webhook.
func HoldFromIntent(pi *stripe.PaymentIntent) *Hold {
	return holdFromIntent(pi)
}

func holdFromIntent(pi *stripe.PaymentIntent) *Hold {
	if pi == nil {
		return nil
	}
	return &Hold{
		Ref:              pi.ID,
		Status:           enums.HoldStatus(pi.Status),
		AmountCents:      pi.Amount,
		CapturableCents:  pi.AmountCapturable,
		PlatformFeeCents: pi.ApplicationFeeAmount,
		ClientSecret:     pi.ClientSecret,
		Metadata:         pi.Metadata,
	}
}

// classify marks 4xx responses other than rate limits and idempotency
// conflicts as declines. Network failures and 5xx keep the outcome unknown.
func classify(err error) error {
	stripeErr, ok := err.(*stripe.Error)
	if !ok {
		return err
	}
	switch {
	case stripeErr.Type == stripe.ErrorTypeCard:
		return &DeclinedError{Reason: declineReason(stripeErr), Err: err}
	case stripeErr.Type == stripe.ErrorTypeIdempotency:
		return err
	case stripeErr.HTTPStatusCode == http.StatusTooManyRequests:
		return err
	case stripeErr.HTTPStatusCode >= 400 && stripeErr.HTTPStatusCode < 500:
		return &DeclinedError{Reason: declineReason(stripeErr), Err: err}
	default:
		return err
	}
}

func declineReason(err *stripe.Error) string {
	if code := strings.TrimSpace(string(err.Code)); code != "" {
		return code
	}
	return string(err.Type)
}
