package settlement

import (
	"context"

	"github.com/angelmondragon/packfinderz-settlement/internal/alerts"
	"github.com/angelmondragon/packfinderz-settlement/internal/processor"
	"github.com/angelmondragon/packfinderz-settlement/pkg/db/models"
	"github.com/angelmondragon/packfinderz-settlement/pkg/enums"
	pkgerrors "github.com/angelmondragon/packfinderz-settlement/pkg/errors"
)

// ReleaseStaleHold cancels an open hold that never backed a purchase. A hold
// that was captured anyway is refunded and raised for review. The returned
// status is the hold's status afterwards.
func (s *Service) ReleaseStaleHold(ctx context.Context, hold models.HoldAuthorization) (enums.HoldStatus, error) {
	ctx = s.logg.WithHoldRef(ctx, hold.HoldRef)
	record, err := s.purchases.FindByHoldRef(ctx, hold.HoldRef)
	if err != nil {
		return hold.Status, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load purchase")
	}
	if record != nil {
		return hold.Status, nil
	}

	callCtx, cancel := s.processorCtx(ctx)
	defer cancel()
	current, err := s.processor.Retrieve(callCtx, hold.HoldRef)
	if err != nil {
		return hold.Status, pkgerrors.Wrap(pkgerrors.CodeProcessorUnavailable, err, "retrieve hold")
	}

	switch {
	case current.Status == enums.HoldStatusSucceeded:
		unitID := hold.UnitID
		_, refundErr := s.processor.Refund(callCtx, hold.HoldRef, processor.RefundKey(hold.HoldRef))
		s.alerts.Raise(ctx, alerts.ManualIntervention{
			Reason:  alerts.ReasonCapturedWithoutRecord,
			HoldRef: hold.HoldRef,
			UnitID:  &unitID,
			Detail:  "hold captured without a purchase record",
			Err:     refundErr,
		})
		s.updateMirror(ctx, hold.HoldRef, current.Status)
		if refundErr != nil {
			return current.Status, pkgerrors.Wrap(pkgerrors.CodeProcessorUnavailable, refundErr, "refund orphaned capture")
		}
		return current.Status, nil
	case current.Status.Cancelable():
		if _, err := s.processor.Cancel(callCtx, hold.HoldRef, processor.CancelKey(hold.HoldRef)); err != nil {
			return current.Status, pkgerrors.Wrap(pkgerrors.CodeProcessorUnavailable, err, "cancel stale hold")
		}
		s.updateMirror(ctx, hold.HoldRef, enums.HoldStatusCanceled)
		s.logg.Info(ctx, "stale hold canceled")
		return enums.HoldStatusCanceled, nil
	default:
		s.updateMirror(ctx, hold.HoldRef, current.Status)
		return current.Status, nil
	}
}
