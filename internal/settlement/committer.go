package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/angelmondragon/packfinderz-settlement/internal/processor"
	"github.com/angelmondragon/packfinderz-settlement/pkg/db"
	"github.com/angelmondragon/packfinderz-settlement/pkg/db/models"
	"github.com/angelmondragon/packfinderz-settlement/pkg/enums"
	pkgerrors "github.com/angelmondragon/packfinderz-settlement/pkg/errors"
	"github.com/angelmondragon/packfinderz-settlement/pkg/outbox"
)

// CommitInput binds a confirmed hold to a purchase of the unit.
type CommitInput struct {
	UnitID     uuid.UUID
	BuyerID    uuid.UUID
	HoldRef    string
	Collection json.RawMessage
}

// CommitResult is the committed purchase. Replayed is true when the record
// already existed for the hold.
type CommitResult struct {
	Purchase *models.PurchaseRecord
	Replayed bool
}

var errHoldAlreadyCommitted = errors.New("hold already committed")

// Commit reserves the unit and writes a PENDING purchase in one transaction.
// The processor is only read here; capture happens in Finalize.
func (s *Service) Commit(ctx context.Context, input CommitInput) (*CommitResult, error) {
	result, err := s.commit(ctx, input)
	outcome := outcomeOf(err)
	if err == nil && result.Replayed {
		outcome = "replayed"
	}
	s.metrics.IncOperation("commit", outcome)
	return result, err
}

func (s *Service) commit(ctx context.Context, input CommitInput) (*CommitResult, error) {
	input.HoldRef = strings.TrimSpace(input.HoldRef)
	if input.UnitID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "unit id required")
	}
	if input.BuyerID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "buyer id required")
	}
	if input.HoldRef == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "hold reference required")
	}
	if len(input.Collection) > 0 && !json.Valid(input.Collection) {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "collection details must be valid json")
	}
	ctx = s.logg.WithHoldRef(ctx, input.HoldRef)

	callCtx, cancel := s.processorCtx(ctx)
	hold, err := s.processor.Retrieve(callCtx, input.HoldRef)
	cancel()
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeProcessorUnavailable, err, "retrieve hold")
	}
	if !hold.Status.ReadyForCommit() {
		return nil, pkgerrors.New(pkgerrors.CodeHoldNotReady, "hold is not authorized").
			WithDetails(map[string]any{"hold_status": hold.Status})
	}
	if err := s.checkHoldOwnership(ctx, hold, input); err != nil {
		return nil, err
	}

	var (
		result     *CommitResult
		cancelHold bool
	)
	err = s.db.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.purchases.WithTx(tx)
		existing, err := repo.FindByHoldRef(ctx, input.HoldRef)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load purchase")
		}
		if existing != nil {
			result = &CommitResult{Purchase: existing, Replayed: true}
			return nil
		}

		unit, err := s.units.WithTx(tx).FindByID(ctx, input.UnitID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load unit")
		}
		if unit == nil {
			return pkgerrors.New(pkgerrors.CodeNotFound, "unit not found")
		}
		expected := unit.TotalCents()
		if !withinTolerance(hold.AmountCents, expected, s.cfg.AmountToleranceCents) {
			cancelHold = true
			return pkgerrors.New(pkgerrors.CodeHoldMismatch, "hold amount does not match unit price").
				WithDetails(map[string]any{"expected_cents": expected, "hold_cents": hold.AmountCents})
		}
		breakdown, err := s.fees.Calculate(hold.AmountCents)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "calculate fee")
		}
		if hold.PlatformFeeCents > 0 && hold.PlatformFeeCents != breakdown.PlatformFeeCents {
			cancelHold = true
			return pkgerrors.New(pkgerrors.CodeHoldMismatch, "hold fee does not match platform fee").
				WithDetails(map[string]any{"expected_fee_cents": breakdown.PlatformFeeCents, "hold_fee_cents": hold.PlatformFeeCents})
		}

		if _, err := s.guard.TryReserve(ctx, tx, unit.ID); err != nil {
			if pkgerrors.IsCode(err, pkgerrors.CodeUnitUnavailable) {
				cancelHold = true
			}
			return err
		}

		record := &models.PurchaseRecord{
			UnitID:            unit.ID,
			BuyerID:           input.BuyerID,
			SellerID:          unit.OwnerID,
			AmountCents:       breakdown.TotalCents,
			PlatformFeeCents:  breakdown.PlatformFeeCents,
			PayeeNetCents:     breakdown.PayeeNetCents,
			HoldRef:           hold.Ref,
			PaymentStatus:     enums.PaymentStatusPending,
			HoldStatus:        hold.Status,
			CollectionDetails: datatypes.JSON(input.Collection),
		}
		if err := repo.Create(ctx, record); err != nil {
			if db.IsUniqueViolation(err, "ux_purchase_records_hold_ref") {
				return errHoldAlreadyCommitted
			}
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "insert purchase")
		}
		if err := s.holds.WithTx(tx).UpdateStatus(ctx, hold.Ref, hold.Status); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update hold mirror")
		}
		if err := s.emitPurchase(ctx, tx, enums.EventPurchaseReserved, record, enums.UnitStatusReserved, "", outbox.RoleBuyer); err != nil {
			return err
		}
		result = &CommitResult{Purchase: record}
		return nil
	})

	if errors.Is(err, errHoldAlreadyCommitted) {
		existing, findErr := s.purchases.FindByHoldRef(ctx, input.HoldRef)
		if findErr != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, findErr, "load purchase")
		}
		if existing == nil {
			return nil, pkgerrors.New(pkgerrors.CodeConflict, "purchase for hold changed concurrently")
		}
		result, err = &CommitResult{Purchase: existing, Replayed: true}, nil
	}
	if err != nil {
		if cancelHold {
			s.cancelRejectedHold(ctx, hold)
		}
		return nil, err
	}
	if result.Replayed && result.Purchase.BuyerID != input.BuyerID {
		return nil, pkgerrors.New(pkgerrors.CodeHoldMismatch, "hold belongs to another buyer")
	}
	if !result.Replayed {
		s.logg.Info(s.logg.WithPurchaseID(ctx, result.Purchase.ID.String()), "purchase committed")
	}
	return result, nil
}

// checkHoldOwnership rejects holds authorized for a different buyer or unit.
// Ownership comes from the hold's processor metadata, or from the local hold
// mirror when the metadata is missing. A hold with neither is rejected. Such
// holds are never canceled here since they may belong to someone else.
func (s *Service) checkHoldOwnership(ctx context.Context, hold *processor.Hold, input CommitInput) error {
	buyer := hold.Metadata[processor.MetadataBuyerID]
	unit := hold.Metadata[processor.MetadataUnitID]
	if buyer == "" || unit == "" {
		mirror, err := s.holds.FindByRef(ctx, hold.Ref)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load hold authorization")
		}
		if mirror == nil {
			return pkgerrors.New(pkgerrors.CodeHoldMismatch, "hold ownership unknown")
		}
		if buyer == "" {
			buyer = mirror.BuyerID.String()
		}
		if unit == "" {
			unit = mirror.UnitID.String()
		}
	}
	if buyer != input.BuyerID.String() {
		return pkgerrors.New(pkgerrors.CodeHoldMismatch, "hold belongs to another buyer")
	}
	if unit != input.UnitID.String() {
		return pkgerrors.New(pkgerrors.CodeHoldMismatch, "hold was authorized for another unit")
	}
	return nil
}

// cancelRejectedHold releases a hold whose commit was refused so the buyer's
// funds are not left authorized.
func (s *Service) cancelRejectedHold(ctx context.Context, hold *processor.Hold) {
	if !hold.Status.Cancelable() {
		return
	}
	callCtx, cancel := s.processorCtx(ctx)
	defer cancel()
	if _, err := s.processor.Cancel(callCtx, hold.Ref, processor.CancelKey(hold.Ref)); err != nil {
		s.logg.Warn(ctx, fmt.Sprintf("cancel rejected hold failed: %v", err))
		return
	}
	if err := s.holds.UpdateStatus(ctx, hold.Ref, enums.HoldStatusCanceled); err != nil {
		s.logg.Warn(ctx, fmt.Sprintf("update hold mirror after cancel failed: %v", err))
	}
}
