package payloads

import (
	"github.com/google/uuid"

	"github.com/angelmondragon/packfinderz-settlement/pkg/enums"
)

// PurchaseEvent is emitted on every purchase status transition.
type PurchaseEvent struct {
	PurchaseID       uuid.UUID           `json:"purchase_id"`
	UnitID           uuid.UUID           `json:"unit_id"`
	BuyerID          uuid.UUID           `json:"buyer_id"`
	SellerID         uuid.UUID           `json:"seller_id"`
	HoldRef          string              `json:"hold_ref"`
	AmountCents      int64               `json:"amount_cents"`
	PlatformFeeCents int64               `json:"platform_fee_cents"`
	PayeeNetCents    int64               `json:"payee_net_cents"`
	PaymentStatus    enums.PaymentStatus `json:"payment_status"`
	UnitStatus       enums.UnitStatus    `json:"unit_status"`
	Reason           string              `json:"reason,omitempty"`
}

// ManualInterventionEvent asks an operator to reconcile a purchase by hand.
type ManualInterventionEvent struct {
	Reason     string     `json:"reason"`
	HoldRef    string     `json:"hold_ref"`
	PurchaseID *uuid.UUID `json:"purchase_id,omitempty"`
	UnitID     *uuid.UUID `json:"unit_id,omitempty"`
	Detail     string     `json:"detail"`
	Error      string     `json:"error,omitempty"`
}
