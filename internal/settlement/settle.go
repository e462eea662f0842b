package settlement

import (
	"context"

	"github.com/google/uuid"

	"github.com/angelmondragon/packfinderz-settlement/pkg/db/models"
	pkgerrors "github.com/angelmondragon/packfinderz-settlement/pkg/errors"
)

// SettleResult is the outcome of a commit followed by finalize.
type SettleResult struct {
	Purchase *models.PurchaseRecord
	Status   FinalizeStatus
	Replayed bool
}

// Settle commits the hold and immediately attempts capture. Capture runs
// outside the commit transaction. A retried call returns the committed
// purchase and re-drives finalize, which is a no-op once settled.
func (s *Service) Settle(ctx context.Context, input CommitInput) (*SettleResult, error) {
	committed, err := s.Commit(ctx, input)
	if err != nil {
		return nil, err
	}
	outcome, err := s.Finalize(ctx, committed.Purchase.ID)
	if outcome == nil {
		return nil, err
	}
	return &SettleResult{
		Purchase: outcome.Purchase,
		Status:   outcome.Status,
		Replayed: committed.Replayed,
	}, err
}

// GetPurchase returns the buyer's purchase. Purchases of other buyers are
// reported as not found.
func (s *Service) GetPurchase(ctx context.Context, buyerID, purchaseID uuid.UUID) (*models.PurchaseRecord, error) {
	record, err := s.purchases.FindByID(ctx, purchaseID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load purchase")
	}
	if record == nil || record.BuyerID != buyerID {
		return nil, purchaseNotFound(purchaseID)
	}
	return record, nil
}
