package settlement

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/angelmondragon/packfinderz-settlement/internal/processor"
	"github.com/angelmondragon/packfinderz-settlement/pkg/db/models"
	"github.com/angelmondragon/packfinderz-settlement/pkg/enums"
	pkgerrors "github.com/angelmondragon/packfinderz-settlement/pkg/errors"
)

// AuthorizeInput is a buyer's request to hold funds for a unit.
type AuthorizeInput struct {
	UnitID      uuid.UUID
	BuyerID     uuid.UUID
	AmountCents int64
}

// HoldHandle is what the buyer needs to confirm and later commit a hold.
type HoldHandle struct {
	Ref              string           `json:"hold_ref"`
	ClientSecret     string           `json:"client_secret"`
	Status           enums.HoldStatus `json:"status"`
	AmountCents      int64            `json:"amount_cents"`
	PlatformFeeCents int64            `json:"platform_fee_cents"`
	PayeeNetCents    int64            `json:"payee_net_cents"`
	Reused           bool             `json:"reused"`
}

// Authorize creates a manual-capture hold for the unit, or returns the
// buyer's open hold when it still matches the price. Nothing reaches the
// processor until every local check passes.
func (s *Service) Authorize(ctx context.Context, input AuthorizeInput) (*HoldHandle, error) {
	handle, err := s.authorize(ctx, input)
	s.metrics.IncOperation("authorize", outcomeOf(err))
	return handle, err
}

func (s *Service) authorize(ctx context.Context, input AuthorizeInput) (*HoldHandle, error) {
	if input.UnitID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "unit id required")
	}
	if input.BuyerID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "buyer id required")
	}
	if input.AmountCents <= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "amount must be positive")
	}

	unit, err := s.guard.Check(ctx, input.UnitID)
	if err != nil {
		return nil, err
	}
	if unit.OwnerID == input.BuyerID {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "sellers cannot buy their own units")
	}
	expected := unit.TotalCents()
	if !withinTolerance(input.AmountCents, expected, s.cfg.AmountToleranceCents) {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "amount does not match unit price").
			WithDetails(map[string]any{"expected_cents": expected, "amount_cents": input.AmountCents})
	}

	destination, err := s.sellers.PayoutDestination(ctx, unit.OwnerID)
	if err != nil {
		return nil, err
	}

	breakdown, err := s.fees.Calculate(input.AmountCents)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "calculate fee")
	}

	reused, err := s.reuseOpenHold(ctx, input)
	if err != nil {
		return nil, err
	}
	if reused != nil {
		reused.PayeeNetCents = breakdown.PayeeNetCents
		return reused, nil
	}

	key := s.holdIdempotencyKey(input)
	callCtx, cancel := s.processorCtx(ctx)
	defer cancel()
	hold, err := s.processor.CreateHold(callCtx, processor.CreateHoldRequest{
		AmountCents:      breakdown.TotalCents,
		PlatformFeeCents: breakdown.PlatformFeeCents,
		Destination:      destination,
		IdempotencyKey:   key,
		Metadata: map[string]string{
			processor.MetadataBuyerID:  input.BuyerID.String(),
			processor.MetadataUnitID:   unit.ID.String(),
			processor.MetadataSellerID: unit.OwnerID.String(),
		},
	})
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeProcessorUnavailable, err, "create hold")
	}

	mirror := &models.HoldAuthorization{
		UnitID:           unit.ID,
		BuyerID:          input.BuyerID,
		HoldRef:          hold.Ref,
		AmountCents:      hold.AmountCents,
		PlatformFeeCents: breakdown.PlatformFeeCents,
		IdempotencyKey:   key,
		Status:           hold.Status,
		ClientSecret:     hold.ClientSecret,
	}
	if err := s.holds.Upsert(ctx, mirror); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "store hold")
	}

	s.logg.Info(s.logg.WithHoldRef(ctx, hold.Ref), "hold authorized")
	return &HoldHandle{
		Ref:              hold.Ref,
		ClientSecret:     hold.ClientSecret,
		Status:           hold.Status,
		AmountCents:      breakdown.TotalCents,
		PlatformFeeCents: breakdown.PlatformFeeCents,
		PayeeNetCents:    breakdown.PayeeNetCents,
	}, nil
}

// reuseOpenHold returns the buyer's open hold for the unit when its amount
// still matches. A mismatched open hold is canceled so it cannot leak.
func (s *Service) reuseOpenHold(ctx context.Context, input AuthorizeInput) (*HoldHandle, error) {
	open, err := s.holds.FindOpen(ctx, input.UnitID, input.BuyerID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load open hold")
	}
	if open == nil {
		return nil, nil
	}

	callCtx, cancel := s.processorCtx(ctx)
	defer cancel()
	current, err := s.processor.Retrieve(callCtx, open.HoldRef)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeProcessorUnavailable, err, "retrieve open hold")
	}
	if current.Status != open.Status {
		if err := s.holds.UpdateStatus(ctx, open.HoldRef, current.Status); err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "refresh hold mirror")
		}
	}
	if current.Status.IsTerminal() {
		return nil, nil
	}

	if open.AmountCents == input.AmountCents {
		return &HoldHandle{
			Ref:              open.HoldRef,
			ClientSecret:     open.ClientSecret,
			Status:           current.Status,
			AmountCents:      open.AmountCents,
			PlatformFeeCents: open.PlatformFeeCents,
			Reused:           true,
		}, nil
	}

	logCtx := s.logg.WithHoldRef(ctx, open.HoldRef)
	if !current.Status.Cancelable() {
		s.logg.Warn(logCtx, "stale hold is not cancelable; authorizing a new one")
		return nil, nil
	}
	if _, err := s.processor.Cancel(callCtx, open.HoldRef, processor.CancelKey(open.HoldRef)); err != nil {
		s.logg.Warn(logCtx, fmt.Sprintf("cancel stale hold failed: %v", err))
		return nil, nil
	}
	if err := s.holds.UpdateStatus(ctx, open.HoldRef, enums.HoldStatusCanceled); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update hold mirror")
	}
	return nil, nil
}

// holdIdempotencyKey collapses retries within the same time bucket onto one
// processor hold.
func (s *Service) holdIdempotencyKey(input AuthorizeInput) string {
	now := s.now()
	bucket := s.cfg.IdempotencyBucket
	if bucket > 0 {
		now = now.Truncate(bucket)
	}
	return fmt.Sprintf("hold_%s_%s_%d_%d", input.UnitID, input.BuyerID, input.AmountCents, now.Unix())
}

func outcomeOf(err error) string {
	if err == nil {
		return "success"
	}
	if typed := pkgerrors.As(err); typed != nil {
		return string(typed.Code())
	}
	return string(pkgerrors.CodeInternal)
}
