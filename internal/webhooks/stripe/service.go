package stripewebhook

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/stripe/stripe-go/v84"
	"gorm.io/gorm"

	"github.com/angelmondragon/packfinderz-settlement/internal/processor"
	"github.com/angelmondragon/packfinderz-settlement/internal/purchases"
	"github.com/angelmondragon/packfinderz-settlement/internal/settlement"
	"github.com/angelmondragon/packfinderz-settlement/pkg/db/models"
	pkgerrors "github.com/angelmondragon/packfinderz-settlement/pkg/errors"
	"github.com/angelmondragon/packfinderz-settlement/pkg/logger"
	"github.com/angelmondragon/packfinderz-settlement/pkg/metrics"
	"github.com/angelmondragon/packfinderz-settlement/pkg/outbox"
)

// Ledger result values.
const (
	ResultApplied   = "applied"
	ResultNoop      = "noop"
	ResultMirrored  = "mirrored"
	ResultSynced    = "synced"
	ResultIgnored   = "ignored"
	ResultDuplicate = "duplicate"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type transitionApplier interface {
	ApplyTx(ctx context.Context, tx *gorm.DB, t settlement.Transition) (*settlement.TransitionResult, error)
}

type capabilitySyncer interface {
	SyncCapabilities(ctx context.Context, processorAccountID string, chargesEnabled, payoutsEnabled bool) (bool, error)
}

type ServiceParams struct {
	Settlement        transitionApplier
	Holds             purchases.HoldRepository
	Sellers           capabilitySyncer
	Ledger            LedgerRepository
	TransactionRunner txRunner
	Logger            *logger.Logger
	Metrics           *metrics.SettlementMetrics
}

// Service reconciles purchases against Stripe webhook deliveries. Each event
// is recorded in the ledger in the same transaction as the state change it
// causes, so redeliveries are recognized no-ops.
type Service struct {
	settlement transitionApplier
	holds      purchases.HoldRepository
	sellers    capabilitySyncer
	ledger     LedgerRepository
	txRunner   txRunner
	logg       *logger.Logger
	metrics    *metrics.SettlementMetrics
	now        func() time.Time
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Settlement == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "settlement service required")
	}
	if params.Holds == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "hold repo required")
	}
	if params.Sellers == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "seller service required")
	}
	if params.Ledger == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "webhook ledger required")
	}
	if params.TransactionRunner == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "transaction runner required")
	}
	if params.Logger == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "logger required")
	}
	return &Service{
		settlement: params.Settlement,
		holds:      params.Holds,
		sellers:    params.Sellers,
		ledger:     params.Ledger,
		txRunner:   params.TransactionRunner,
		logg:       params.Logger,
		metrics:    params.Metrics,
		now:        func() time.Time { return time.Now().UTC() },
	}, nil
}

var errAlreadyRecorded = errors.New("webhook event already recorded")

// HandleEvent returns nil once the event is durably handled or recognized as
// a no-op. Any error means the processor should redeliver.
func (s *Service) HandleEvent(ctx context.Context, event *stripe.Event) error {
	if event == nil || event.Data == nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "stripe event data required")
	}
	if event.ID == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "stripe event id required")
	}
	ctx = s.logg.WithFields(ctx, map[string]any{"event_id": event.ID, "event_type": string(event.Type)})

	result, err := s.handle(ctx, event)
	if err != nil {
		s.metrics.IncWebhook(string(event.Type), "error")
		return err
	}
	s.metrics.IncWebhook(string(event.Type), result)
	return nil
}

func (s *Service) handle(ctx context.Context, event *stripe.Event) (string, error) {
	switch event.Type {
	case stripe.EventTypePaymentIntentSucceeded,
		stripe.EventTypePaymentIntentPaymentFailed,
		stripe.EventTypePaymentIntentCanceled:
		hold, err := decodeIntent(event)
		if err != nil {
			return "", err
		}
		transition := settlement.Transition{
			HoldRef:    hold.Ref,
			HoldStatus: hold.Status,
			Actor:      outbox.RoleProcessor,
		}
		switch event.Type {
		case stripe.EventTypePaymentIntentSucceeded:
			transition.Signal = settlement.SignalCaptured
		case stripe.EventTypePaymentIntentPaymentFailed:
			transition.Signal = settlement.SignalCaptureFailed
			transition.Reason = failureReason(event)
		default:
			transition.Signal = settlement.SignalCanceled
		}
		return s.applyTransition(ctx, event, transition)

	case stripe.EventTypeChargeRefunded:
		var charge stripe.Charge
		if err := json.Unmarshal(event.Data.Raw, &charge); err != nil {
			return "", pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode charge event")
		}
		if !charge.Refunded || charge.PaymentIntent == nil || charge.PaymentIntent.ID == "" {
			// Partial refunds leave the purchase settled.
			return s.record(ctx, event, fixed(ResultIgnored))
		}
		return s.applyTransition(ctx, event, settlement.Transition{
			HoldRef: charge.PaymentIntent.ID,
			Signal:  settlement.SignalRefunded,
			Reason:  "charge refunded",
			Actor:   outbox.RoleProcessor,
		})

	case stripe.EventTypePaymentIntentAmountCapturableUpdated:
		hold, err := decodeIntent(event)
		if err != nil {
			return "", err
		}
		return s.record(ctx, event, func(tx *gorm.DB) (string, error) {
			if err := s.holds.WithTx(tx).UpdateStatus(ctx, hold.Ref, hold.Status); err != nil {
				return "", pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update hold mirror")
			}
			return ResultMirrored, nil
		})

	case stripe.EventTypeAccountUpdated:
		var account stripe.Account
		if err := json.Unmarshal(event.Data.Raw, &account); err != nil {
			return "", pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode account event")
		}
		// Capability sync is an absolute write, so repeating it on a
		// redelivery is harmless.
		updated, err := s.sellers.SyncCapabilities(ctx, account.ID, account.ChargesEnabled, account.PayoutsEnabled)
		if err != nil {
			return "", err
		}
		if !updated {
			s.logg.Warn(ctx, "account update for unknown payout account")
		}
		return s.record(ctx, event, fixed(ResultSynced))

	default:
		return s.record(ctx, event, fixed(ResultIgnored))
	}
}

func (s *Service) applyTransition(ctx context.Context, event *stripe.Event, transition settlement.Transition) (string, error) {
	ctx = s.logg.WithHoldRef(ctx, transition.HoldRef)
	var action settlement.Action
	result, err := s.record(ctx, event, func(tx *gorm.DB) (string, error) {
		applied, err := s.settlement.ApplyTx(ctx, tx, transition)
		if err != nil {
			return "", err
		}
		action = applied.Action
		return resultFor(action), nil
	})
	if err != nil || result == ResultDuplicate {
		return result, err
	}
	s.logg.Info(s.logg.WithField(ctx, "action", string(action)), "webhook reconciled")
	return result, nil
}

// record runs apply and writes the ledger entry in one transaction. An event
// that is already in the ledger is skipped without running apply.
func (s *Service) record(ctx context.Context, event *stripe.Event, apply func(tx *gorm.DB) (string, error)) (string, error) {
	var result string
	err := s.txRunner.WithTx(ctx, func(tx *gorm.DB) error {
		ledger := s.ledger.WithTx(tx)
		seen, err := ledger.Exists(ctx, event.ID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "check webhook ledger")
		}
		if seen {
			return errAlreadyRecorded
		}
		result, err = apply(tx)
		if err != nil {
			return err
		}
		inserted, err := ledger.Insert(ctx, &models.ProcessorWebhookEvent{
			EventID:     event.ID,
			EventType:   string(event.Type),
			Result:      result,
			ProcessedAt: s.now(),
		})
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "record webhook event")
		}
		if !inserted {
			return errAlreadyRecorded
		}
		return nil
	})
	if errors.Is(err, errAlreadyRecorded) {
		s.logg.Info(ctx, "duplicate webhook delivery")
		return ResultDuplicate, nil
	}
	if err != nil {
		return "", err
	}
	return result, nil
}

func fixed(result string) func(tx *gorm.DB) (string, error) {
	return func(*gorm.DB) (string, error) { return result, nil }
}

func resultFor(action settlement.Action) string {
	if action == settlement.ActionNoop {
		return ResultNoop
	}
	return ResultApplied
}

func decodeIntent(event *stripe.Event) (*processor.Hold, error) {
	var pi stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode payment intent event")
	}
	if pi.ID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "payment intent id missing")
	}
	hold := processor.HoldFromIntent(&pi)
	if !hold.Status.IsValid() {
		hold.Status = ""
	}
	return hold, nil
}

func failureReason(event *stripe.Event) string {
	code := event.GetObjectValue("last_payment_error", "code")
	if code == "" {
		return "capture failed"
	}
	return "capture failed: " + code
}
