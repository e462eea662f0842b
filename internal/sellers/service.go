package sellers

import (
	"context"
	"strings"

	"github.com/google/uuid"

	pkgerrors "github.com/angelmondragon/packfinderz-settlement/pkg/errors"
)

// Service answers payout eligibility for sellers onboarded with the processor.
type Service struct {
	repo Repository
}

func NewService(repo Repository) (*Service, error) {
	if repo == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "seller repository required")
	}
	return &Service{repo: repo}, nil
}

// PayoutDestination returns the processor account that receives the seller's
// share, or PAYOUT_INELIGIBLE when charges or payouts are disabled.
func (s *Service) PayoutDestination(ctx context.Context, sellerID uuid.UUID) (string, error) {
	account, err := s.repo.FindBySellerID(ctx, sellerID)
	if err != nil {
		return "", pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load payout account")
	}
	if account == nil || !account.Eligible() {
		return "", pkgerrors.New(pkgerrors.CodePayoutIneligible, "seller payout account is not enabled")
	}
	return account.ProcessorAccountID, nil
}

// SyncCapabilities applies charges/payouts flags pushed by the processor.
func (s *Service) SyncCapabilities(ctx context.Context, processorAccountID string, chargesEnabled, payoutsEnabled bool) (bool, error) {
	processorAccountID = strings.TrimSpace(processorAccountID)
	if processorAccountID == "" {
		return false, pkgerrors.New(pkgerrors.CodeValidation, "processor account id required")
	}
	updated, err := s.repo.UpdateCapabilities(ctx, processorAccountID, chargesEnabled, payoutsEnabled)
	if err != nil {
		return false, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update payout account")
	}
	return updated, nil
}
