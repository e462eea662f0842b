package settlement

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/angelmondragon/packfinderz-settlement/internal/alerts"
	"github.com/angelmondragon/packfinderz-settlement/internal/processor"
	"github.com/angelmondragon/packfinderz-settlement/pkg/db/models"
	"github.com/angelmondragon/packfinderz-settlement/pkg/enums"
	pkgerrors "github.com/angelmondragon/packfinderz-settlement/pkg/errors"
	"github.com/angelmondragon/packfinderz-settlement/pkg/outbox"
)

// FinalizeStatus is the settled state of a purchase after Finalize.
type FinalizeStatus string

const (
	FinalizeCompleted   FinalizeStatus = "completed"
	FinalizeCompensated FinalizeStatus = "compensated"
	FinalizeFailed      FinalizeStatus = "failed"
	FinalizePending     FinalizeStatus = "pending"
)

// Outcome reports how Finalize left the purchase. Purchase is the removed row
// when the purchase was compensated.
type Outcome struct {
	Status   FinalizeStatus
	Purchase *models.PurchaseRecord
}

// Finalize captures the hold behind a PENDING purchase. A declined capture
// compensates by releasing the unit and the hold. An unknown capture outcome
// leaves the purchase PENDING for the webhook or the pending sweep.
func (s *Service) Finalize(ctx context.Context, purchaseID uuid.UUID) (*Outcome, error) {
	outcome, err := s.finalize(ctx, purchaseID)
	label := outcomeOf(err)
	if err == nil {
		label = string(outcome.Status)
	}
	s.metrics.IncOperation("finalize", label)
	return outcome, err
}

func (s *Service) finalize(ctx context.Context, purchaseID uuid.UUID) (*Outcome, error) {
	record, err := s.purchases.FindByID(ctx, purchaseID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load purchase")
	}
	if record == nil {
		return nil, purchaseNotFound(purchaseID)
	}
	ctx = s.logg.WithHoldRef(s.logg.WithPurchaseID(ctx, record.ID.String()), record.HoldRef)

	switch record.PaymentStatus {
	case enums.PaymentStatusCompleted:
		return &Outcome{Status: FinalizeCompleted, Purchase: record}, nil
	case enums.PaymentStatusFailed:
		return &Outcome{Status: FinalizeFailed, Purchase: record}, nil
	}

	callCtx, cancel := s.captureCtx(ctx)
	defer cancel()

	hold, err := s.processor.Retrieve(callCtx, record.HoldRef)
	if err != nil {
		return &Outcome{Status: FinalizePending, Purchase: record},
			pkgerrors.Wrap(pkgerrors.CodeProcessorUnavailable, err, "retrieve hold")
	}

	switch hold.Status {
	case enums.HoldStatusSucceeded:
		return s.complete(ctx, record)
	case enums.HoldStatusCanceled:
		return s.compensate(ctx, record, "hold canceled before capture")
	case enums.HoldStatusRequiresPaymentMethod:
		return s.failCapture(ctx, record)
	case enums.HoldStatusRequiresCapture:
	default:
		return &Outcome{Status: FinalizePending, Purchase: record},
			pkgerrors.New(pkgerrors.CodeHoldNotReady, "hold is not capturable").
				WithDetails(map[string]any{"hold_status": hold.Status})
	}

	_, err = s.processor.Capture(callCtx, record.HoldRef, processor.CaptureKey(record.HoldRef))
	if err == nil {
		return s.complete(ctx, record)
	}
	if processor.IsDeclined(err) {
		s.logg.Warn(ctx, fmt.Sprintf("capture declined: %v", err))
		return s.compensate(ctx, record, "capture declined")
	}

	// The capture may still land. Only a terminal answer from the processor
	// settles the purchase here; anything else stays PENDING for the webhook
	// or the pending sweep.
	s.logg.Warn(ctx, fmt.Sprintf("capture outcome unknown: %v", err))
	recheckCtx, recheckCancel := s.processorCtx(context.WithoutCancel(ctx))
	defer recheckCancel()
	hold, recheckErr := s.processor.Retrieve(recheckCtx, record.HoldRef)
	if recheckErr == nil {
		switch hold.Status {
		case enums.HoldStatusSucceeded:
			return s.complete(ctx, record)
		case enums.HoldStatusCanceled:
			return s.compensate(ctx, record, "hold canceled during capture")
		case enums.HoldStatusRequiresPaymentMethod:
			return s.failCapture(ctx, record)
		}
	}
	s.logg.Warn(s.logg.WithField(ctx, "manual_review", true), "capture unresolved; purchase left pending for reconciliation")
	return &Outcome{Status: FinalizePending, Purchase: record},
		pkgerrors.Wrap(pkgerrors.CodeCaptureAmbiguous, err, "capture outcome unknown")
}

func (s *Service) complete(ctx context.Context, record *models.PurchaseRecord) (*Outcome, error) {
	result, err := s.Reconcile(ctx, Transition{
		HoldRef:    record.HoldRef,
		Signal:     SignalCaptured,
		HoldStatus: enums.HoldStatusSucceeded,
		Actor:      outbox.RoleSystem,
	})
	if err != nil {
		// Funds are captured; the webhook or the pending sweep will retry the
		// local write.
		s.logg.Error(ctx, "record capture failed", err)
		return &Outcome{Status: FinalizePending, Purchase: record},
			pkgerrors.Wrap(pkgerrors.CodeCaptureAmbiguous, err, "capture recorded pending reconciliation")
	}
	if result.Purchase == nil {
		purchaseID, unitID := record.ID, record.UnitID
		alert := alerts.ManualIntervention{
			Reason:     alerts.ReasonCapturedWithoutRecord,
			HoldRef:    record.HoldRef,
			PurchaseID: &purchaseID,
			UnitID:     &unitID,
			Detail:     "hold captured after its purchase was removed",
		}
		s.alerts.Raise(ctx, alert)
		if err := s.releaseHold(ctx, record.HoldRef, &purchaseID, &unitID); err != nil {
			return &Outcome{Status: FinalizeCompensated, Purchase: record}, err
		}
		return &Outcome{Status: FinalizeCompensated, Purchase: record}, alert.Error()
	}
	return outcomeFromResult(result, record), nil
}

// failCapture marks the purchase FAILED and frees the unit when the processor
// reports the payment method was rejected at capture. It covers a lost
// payment_failed delivery.
func (s *Service) failCapture(ctx context.Context, record *models.PurchaseRecord) (*Outcome, error) {
	result, err := s.Reconcile(context.WithoutCancel(ctx), Transition{
		HoldRef:    record.HoldRef,
		Signal:     SignalCaptureFailed,
		HoldStatus: enums.HoldStatusRequiresPaymentMethod,
		Reason:     "payment method rejected at capture",
		Actor:      outbox.RoleSystem,
	})
	if err != nil {
		return &Outcome{Status: FinalizePending, Purchase: record},
			pkgerrors.Wrap(pkgerrors.CodeDependency, err, "record capture failure")
	}
	s.logg.Warn(ctx, "capture failed at processor; purchase marked failed")
	return outcomeFromResult(result, record), nil
}

// compensate deletes the PENDING purchase and frees the unit atomically, then
// releases the hold at the processor.
func (s *Service) compensate(ctx context.Context, record *models.PurchaseRecord, reason string) (*Outcome, error) {
	result, err := s.Reconcile(context.WithoutCancel(ctx), Transition{
		HoldRef: record.HoldRef,
		Signal:  SignalCaptureDeclined,
		Reason:  reason,
		Actor:   outbox.RoleSystem,
	})
	if err != nil {
		purchaseID, unitID := record.ID, record.UnitID
		alert := alerts.ManualIntervention{
			Reason:     alerts.ReasonCompensationWriteFailed,
			HoldRef:    record.HoldRef,
			PurchaseID: &purchaseID,
			UnitID:     &unitID,
			Detail:     "capture failed and compensation could not be written",
			Err:        err,
		}
		s.alerts.Raise(ctx, alert)
		return &Outcome{Status: FinalizePending, Purchase: record}, alert.Error()
	}
	if result.Action != ActionRelease {
		// A webhook settled the purchase first.
		return outcomeFromResult(result, record), nil
	}
	s.logg.Info(ctx, "purchase compensated")
	if err := s.releaseHold(ctx, record.HoldRef, &record.ID, &record.UnitID); err != nil {
		return &Outcome{Status: FinalizeCompensated, Purchase: result.Purchase}, err
	}
	return &Outcome{Status: FinalizeCompensated, Purchase: result.Purchase}, nil
}

// releaseHold cancels an uncaptured hold or refunds a captured one. It runs
// after the local record is gone, so failures are raised as alerts rather
// than retried.
func (s *Service) releaseHold(ctx context.Context, holdRef string, purchaseID, unitID *uuid.UUID) error {
	ctx = context.WithoutCancel(ctx)
	raise := func(reason alerts.Reason, detail string, err error) error {
		alert := alerts.ManualIntervention{
			Reason:     reason,
			HoldRef:    holdRef,
			PurchaseID: purchaseID,
			UnitID:     unitID,
			Detail:     detail,
			Err:        err,
		}
		s.alerts.Raise(ctx, alert)
		return alert.Error()
	}

	callCtx, cancel := s.processorCtx(ctx)
	defer cancel()
	hold, err := s.processor.Retrieve(callCtx, holdRef)
	if err != nil {
		return raise(alerts.ReasonCancelFailed, "hold state unknown after compensation", err)
	}

	if hold.Status.Cancelable() {
		_, err := s.processor.Cancel(callCtx, holdRef, processor.CancelKey(holdRef))
		if err == nil {
			s.updateMirror(ctx, holdRef, enums.HoldStatusCanceled)
			return nil
		}
		// The capture may have landed between retrieve and cancel.
		hold, err = s.processor.Retrieve(callCtx, holdRef)
		if err != nil || hold.Status != enums.HoldStatusSucceeded {
			return raise(alerts.ReasonCancelFailed, "hold could not be canceled after compensation", err)
		}
	}

	switch hold.Status {
	case enums.HoldStatusSucceeded:
		if _, err := s.processor.Refund(callCtx, holdRef, processor.RefundKey(holdRef)); err != nil {
			return raise(alerts.ReasonRefundFailed, "captured funds could not be refunded after compensation", err)
		}
		s.logg.Warn(s.logg.WithHoldRef(ctx, holdRef), "captured funds refunded after compensation")
		s.updateMirror(ctx, holdRef, enums.HoldStatusSucceeded)
	case enums.HoldStatusCanceled:
		s.updateMirror(ctx, holdRef, enums.HoldStatusCanceled)
	default:
		return raise(alerts.ReasonCancelFailed, fmt.Sprintf("hold in %s cannot be released", hold.Status), nil)
	}
	return nil
}

func (s *Service) updateMirror(ctx context.Context, holdRef string, status enums.HoldStatus) {
	if err := s.holds.UpdateStatus(ctx, holdRef, status); err != nil {
		s.logg.Warn(s.logg.WithHoldRef(ctx, holdRef), fmt.Sprintf("update hold mirror failed: %v", err))
	}
}

func outcomeFromResult(result *TransitionResult, fallback *models.PurchaseRecord) *Outcome {
	record := result.Purchase
	if record == nil {
		return &Outcome{Status: FinalizeCompensated, Purchase: fallback}
	}
	switch {
	case result.Action == ActionRelease:
		return &Outcome{Status: FinalizeCompensated, Purchase: record}
	case record.PaymentStatus == enums.PaymentStatusCompleted:
		return &Outcome{Status: FinalizeCompleted, Purchase: record}
	case record.PaymentStatus == enums.PaymentStatusFailed:
		return &Outcome{Status: FinalizeFailed, Purchase: record}
	default:
		return &Outcome{Status: FinalizePending, Purchase: record}
	}
}
