package settlement

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/packfinderz-settlement/internal/purchases"
	"github.com/angelmondragon/packfinderz-settlement/pkg/db/models"
	"github.com/angelmondragon/packfinderz-settlement/pkg/enums"
	pkgerrors "github.com/angelmondragon/packfinderz-settlement/pkg/errors"
	"github.com/angelmondragon/packfinderz-settlement/pkg/outbox"
	"github.com/angelmondragon/packfinderz-settlement/pkg/outbox/payloads"
)

// Signal is an observed processor outcome for a hold, from either the
// synchronous capture path or a webhook delivery.
type Signal string

const (
	SignalCaptured        Signal = "captured"
	SignalCaptureFailed   Signal = "capture_failed"
	SignalCanceled        Signal = "canceled"
	SignalRefunded        Signal = "refunded"
	SignalCaptureDeclined Signal = "capture_declined"
)

// Action is what a signal does to a purchase record.
type Action string

const (
	ActionNoop     Action = "noop"
	ActionComplete Action = "complete"
	ActionFail     Action = "fail"
	ActionRelease  Action = "release"
)

type transitionKey struct {
	signal Signal
	status enums.PaymentStatus
}

// transitions is the only place purchase state changes are decided. Pairs
// that are absent are no-ops, which makes duplicate and out-of-order
// deliveries converge on the same final state.
var transitions = map[transitionKey]Action{
	{SignalCaptured, enums.PaymentStatusPending}:        ActionComplete,
	{SignalCaptureFailed, enums.PaymentStatusPending}:   ActionFail,
	{SignalCanceled, enums.PaymentStatusPending}:        ActionRelease,
	{SignalCaptureDeclined, enums.PaymentStatusPending}: ActionRelease,
	{SignalRefunded, enums.PaymentStatusPending}:        ActionFail,
	{SignalRefunded, enums.PaymentStatusCompleted}:      ActionFail,
}

// Decide returns the action for signal against a record in status.
func Decide(signal Signal, status enums.PaymentStatus) Action {
	if action, ok := transitions[transitionKey{signal, status}]; ok {
		return action
	}
	return ActionNoop
}

// Transition is one signal to apply to the purchase behind HoldRef.
type Transition struct {
	HoldRef    string
	Signal     Signal
	HoldStatus enums.HoldStatus
	Reason     string
	Actor      string
}

// TransitionResult reports what a transition did. Purchase is the record as
// it stands afterwards, or the removed row for ActionRelease. It is nil when
// no record exists for the hold.
type TransitionResult struct {
	Action   Action
	Previous enums.PaymentStatus
	Purchase *models.PurchaseRecord
}

// ApplyTx applies t inside tx. The purchase row is locked for the duration of
// tx so the synchronous path and webhooks serialize on it.
func (s *Service) ApplyTx(ctx context.Context, tx *gorm.DB, t Transition) (*TransitionResult, error) {
	if tx == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "transition requires a transaction")
	}
	repo := s.purchases.WithTx(tx)
	record, err := repo.FindByHoldRefForUpdate(ctx, t.HoldRef)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "lock purchase")
	}
	if t.HoldStatus != "" {
		if err := s.holds.WithTx(tx).UpdateStatus(ctx, t.HoldRef, t.HoldStatus); err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update hold mirror")
		}
	}
	if record == nil {
		return &TransitionResult{Action: ActionNoop}, nil
	}

	result := &TransitionResult{
		Action:   Decide(t.Signal, record.PaymentStatus),
		Previous: record.PaymentStatus,
		Purchase: record,
	}
	if result.Action == ActionNoop {
		return result, nil
	}

	fromUnit := record.PaymentStatus.UnitStatus()
	var (
		eventType enums.OutboxEventType
		unitTo    enums.UnitStatus
	)
	switch result.Action {
	case ActionComplete:
		now := s.now()
		update := purchases.StatusUpdate{
			PaymentStatus: enums.PaymentStatusCompleted,
			HoldStatus:    enums.HoldStatusSucceeded,
			CompletedAt:   &now,
		}
		if err := s.updateStatus(ctx, repo, record, update); err != nil {
			return nil, err
		}
		record.PaymentStatus = enums.PaymentStatusCompleted
		record.HoldStatus = enums.HoldStatusSucceeded
		record.CompletedAt = &now
		eventType = enums.EventPurchaseCompleted
	case ActionFail:
		reason := failureReason(t)
		update := purchases.StatusUpdate{
			PaymentStatus: enums.PaymentStatusFailed,
			HoldStatus:    t.HoldStatus,
			FailureReason: &reason,
		}
		if err := s.updateStatus(ctx, repo, record, update); err != nil {
			return nil, err
		}
		record.PaymentStatus = enums.PaymentStatusFailed
		if t.HoldStatus != "" {
			record.HoldStatus = t.HoldStatus
		}
		record.FailureReason = &reason
		eventType = enums.EventPurchaseFailed
	case ActionRelease:
		deleted, err := repo.DeletePending(ctx, record.ID)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "delete purchase")
		}
		if !deleted {
			return nil, pkgerrors.New(pkgerrors.CodeConflict, "purchase changed concurrently")
		}
		eventType = enums.EventPurchaseReleased
	}
	unitTo = record.PaymentStatus.UnitStatus()
	if result.Action == ActionRelease {
		unitTo = enums.UnitStatusAvailable
	}

	drifted, err := s.guard.Move(ctx, tx, record.UnitID, fromUnit, unitTo)
	if err != nil {
		return nil, err
	}
	if drifted {
		s.logg.Warn(s.logg.WithFields(ctx, map[string]any{
			"unit_id":  record.UnitID.String(),
			"hold_ref": record.HoldRef,
			"expected": string(fromUnit),
		}), "unit status drifted from its purchase; corrected")
	}

	if err := s.emitPurchase(ctx, tx, eventType, record, unitTo, t.Reason, t.Actor); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Service) updateStatus(ctx context.Context, repo purchases.Repository, record *models.PurchaseRecord, update purchases.StatusUpdate) error {
	ok, err := repo.UpdateStatus(ctx, record.ID, record.PaymentStatus, update)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update purchase status")
	}
	if !ok {
		return pkgerrors.New(pkgerrors.CodeConflict, "purchase changed concurrently")
	}
	return nil
}

func failureReason(t Transition) string {
	if t.Reason != "" {
		return t.Reason
	}
	return string(t.Signal)
}

func (s *Service) emitPurchase(ctx context.Context, tx *gorm.DB, eventType enums.OutboxEventType, record *models.PurchaseRecord, unitStatus enums.UnitStatus, reason, role string) error {
	actor := &outbox.ActorRef{Role: role}
	if role == "" {
		actor.Role = outbox.RoleSystem
	}
	if actor.Role == outbox.RoleBuyer {
		actor.UserID = record.BuyerID
	}
	err := s.outbox.Emit(ctx, tx, outbox.DomainEvent{
		EventType:     eventType,
		AggregateType: enums.AggregatePurchase,
		AggregateID:   record.ID,
		Actor:         actor,
		Data: payloads.PurchaseEvent{
			PurchaseID:       record.ID,
			UnitID:           record.UnitID,
			BuyerID:          record.BuyerID,
			SellerID:         record.SellerID,
			HoldRef:          record.HoldRef,
			AmountCents:      record.AmountCents,
			PlatformFeeCents: record.PlatformFeeCents,
			PayeeNetCents:    record.PayeeNetCents,
			PaymentStatus:    record.PaymentStatus,
			UnitStatus:       unitStatus,
			Reason:           reason,
		},
	})
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "emit purchase event")
	}
	return nil
}

// Reconcile applies t in its own transaction.
func (s *Service) Reconcile(ctx context.Context, t Transition) (*TransitionResult, error) {
	var result *TransitionResult
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		var err error
		result, err = s.ApplyTx(ctx, tx, t)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func purchaseNotFound(id uuid.UUID) error {
	return pkgerrors.New(pkgerrors.CodeNotFound, "purchase not found").
		WithDetails(map[string]any{"purchase_id": id.String()})
}
