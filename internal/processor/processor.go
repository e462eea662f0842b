package processor

import (
	"context"
	"errors"
	"fmt"

	"github.com/angelmondragon/packfinderz-settlement/pkg/enums"
)

// Metadata keys stamped on every hold so webhooks and retries can be traced
// back to the local buyer and unit.
const (
	MetadataBuyerID  = "buyer_id"
	MetadataUnitID   = "unit_id"
	MetadataSellerID = "seller_id"
)

// Hold is the processor's view of a funds hold.
type Hold struct {
	Ref              string
	Status           enums.HoldStatus
	AmountCents      int64
	CapturableCents  int64
	PlatformFeeCents int64
	ClientSecret     string
	Metadata         map[string]string
}

// CreateHoldRequest describes a manual-capture authorization.
type CreateHoldRequest struct {
	AmountCents      int64
	PlatformFeeCents int64
	Destination      string
	IdempotencyKey   string
	Metadata         map[string]string
}

// Refund is the outcome of a refund request.
type Refund struct {
	Ref    string
	Status string
}

// Client is the payment processor boundary.
type Client interface {
	CreateHold(ctx context.Context, req CreateHoldRequest) (*Hold, error)
	Capture(ctx context.Context, holdRef, idempotencyKey string) (*Hold, error)
	Cancel(ctx context.Context, holdRef, idempotencyKey string) (*Hold, error)
	Refund(ctx context.Context, holdRef, idempotencyKey string) (*Refund, error)
	Retrieve(ctx context.Context, holdRef string) (*Hold, error)
}

// DeclinedError marks a request the processor received and definitively
// rejected. Any other error leaves the outcome unknown.
type DeclinedError struct {
	Reason string
	Err    error
}

func (e *DeclinedError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("processor declined: %s", e.Reason)
	}
	return fmt.Sprintf("processor declined: %s: %v", e.Reason, e.Err)
}

func (e *DeclinedError) Unwrap() error {
	return e.Err
}

// IsDeclined reports whether err is a definitive processor rejection.
func IsDeclined(err error) bool {
	var declined *DeclinedError
	return errors.As(err, &declined)
}

// Idempotency keys for follow-up calls are derived from the hold so retries of
// the same step collapse on the processor side.
func CaptureKey(holdRef string) string { return "capture:" + holdRef }
func CancelKey(holdRef string) string  { return "cancel:" + holdRef }
func RefundKey(holdRef string) string  { return "refund:" + holdRef }
