package controllers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/angelmondragon/packfinderz-settlement/api/middleware"
	"github.com/angelmondragon/packfinderz-settlement/api/responses"
	"github.com/angelmondragon/packfinderz-settlement/api/validators"
	"github.com/angelmondragon/packfinderz-settlement/internal/settlement"
	"github.com/angelmondragon/packfinderz-settlement/pkg/db/models"
	pkgerrors "github.com/angelmondragon/packfinderz-settlement/pkg/errors"
	"github.com/angelmondragon/packfinderz-settlement/pkg/logger"
)

// SettlementService is the buyer-facing surface of the settlement orchestrator.
type SettlementService interface {
	Authorize(ctx context.Context, input settlement.AuthorizeInput) (*settlement.HoldHandle, error)
	Settle(ctx context.Context, input settlement.CommitInput) (*settlement.SettleResult, error)
	GetPurchase(ctx context.Context, buyerID, purchaseID uuid.UUID) (*models.PurchaseRecord, error)
}

type authorizeRequest struct {
	UnitID      uuid.UUID `json:"unit_id" validate:"required"`
	AmountCents int64     `json:"amount_cents" validate:"gt=0"`
}

type settleRequest struct {
	UnitID     uuid.UUID       `json:"unit_id" validate:"required"`
	HoldRef    string          `json:"hold_ref" validate:"required,max=255"`
	Collection json.RawMessage `json:"collection" validate:"required"`
}

type purchaseResponse struct {
	PurchaseID       uuid.UUID  `json:"purchase_id"`
	UnitID           uuid.UUID  `json:"unit_id"`
	HoldRef          string     `json:"hold_ref"`
	PaymentStatus    string     `json:"payment_status,omitempty"`
	Outcome          string     `json:"outcome,omitempty"`
	AmountCents      int64      `json:"amount_cents"`
	PlatformFeeCents int64      `json:"platform_fee_cents"`
	PayeeNetCents    int64      `json:"payee_net_cents"`
	Replayed         bool       `json:"replayed,omitempty"`
	FailureReason    *string    `json:"failure_reason,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

// AuthorizeHold places or reuses a funds hold for the caller on a unit.
func AuthorizeHold(svc SettlementService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "settlement service unavailable"))
			return
		}
		buyerID, err := buyerIDFromContext(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var payload authorizeRequest
		if err := validators.DecodeJSONBody(w, r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		handle, err := svc.Authorize(r.Context(), settlement.AuthorizeInput{
			UnitID:      payload.UnitID,
			BuyerID:     buyerID,
			AmountCents: payload.AmountCents,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		status := http.StatusCreated
		if handle.Reused {
			status = http.StatusOK
		}
		responses.WriteSuccessStatus(w, status, handle)
	}
}

// SettlePurchase commits the hold as a purchase and attempts capture. A
// capture that could not be confirmed answers 202 with the pending purchase.
func SettlePurchase(svc SettlementService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "settlement service unavailable"))
			return
		}
		buyerID, err := buyerIDFromContext(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var payload settleRequest
		if err := validators.DecodeJSONBody(w, r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		result, err := svc.Settle(r.Context(), settlement.CommitInput{
			UnitID:     payload.UnitID,
			BuyerID:    buyerID,
			HoldRef:    payload.HoldRef,
			Collection: payload.Collection,
		})
		if err != nil && !(result != nil && result.Status == settlement.FinalizePending && transient(err)) {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		body := newPurchaseResponse(result.Purchase)
		body.Outcome = string(result.Status)
		body.Replayed = result.Replayed
		if result.Status == settlement.FinalizeCompensated {
			// the record no longer exists
			body.PaymentStatus = ""
		}
		responses.WriteSuccessStatus(w, settleStatus(result.Status), body)
	}
}

// GetPurchase lets a buyer poll a purchase after a pending outcome.
func GetPurchase(svc SettlementService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "settlement service unavailable"))
			return
		}
		buyerID, err := buyerIDFromContext(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		purchaseID, err := validators.ParseUUID("purchaseId", chi.URLParam(r, "purchaseId"))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		record, err := svc.GetPurchase(r.Context(), buyerID, purchaseID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, newPurchaseResponse(record))
	}
}

func buyerIDFromContext(r *http.Request) (uuid.UUID, error) {
	raw := middleware.UserIDFromContext(r.Context())
	if raw == "" {
		return uuid.Nil, pkgerrors.New(pkgerrors.CodeUnauthorized, "missing buyer identity")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, pkgerrors.Wrap(pkgerrors.CodeUnauthorized, err, "invalid buyer identity")
	}
	return id, nil
}

func transient(err error) bool {
	return pkgerrors.IsCode(err, pkgerrors.CodeCaptureAmbiguous) ||
		pkgerrors.IsCode(err, pkgerrors.CodeProcessorUnavailable) ||
		pkgerrors.IsCode(err, pkgerrors.CodeHoldNotReady)
}

func settleStatus(status settlement.FinalizeStatus) int {
	switch status {
	case settlement.FinalizeCompleted:
		return http.StatusCreated
	case settlement.FinalizePending:
		return http.StatusAccepted
	default:
		return http.StatusOK
	}
}

func newPurchaseResponse(record *models.PurchaseRecord) purchaseResponse {
	if record == nil {
		return purchaseResponse{}
	}
	return purchaseResponse{
		PurchaseID:       record.ID,
		UnitID:           record.UnitID,
		HoldRef:          record.HoldRef,
		PaymentStatus:    string(record.PaymentStatus),
		AmountCents:      record.AmountCents,
		PlatformFeeCents: record.PlatformFeeCents,
		PayeeNetCents:    record.PayeeNetCents,
		FailureReason:    record.FailureReason,
		CompletedAt:      record.CompletedAt,
		CreatedAt:        record.CreatedAt,
	}
}
