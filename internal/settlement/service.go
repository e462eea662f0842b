package settlement

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/packfinderz-settlement/internal/alerts"
	"github.com/angelmondragon/packfinderz-settlement/internal/fees"
	"github.com/angelmondragon/packfinderz-settlement/internal/inventory"
	"github.com/angelmondragon/packfinderz-settlement/internal/processor"
	"github.com/angelmondragon/packfinderz-settlement/internal/purchases"
	"github.com/angelmondragon/packfinderz-settlement/pkg/config"
	pkgerrors "github.com/angelmondragon/packfinderz-settlement/pkg/errors"
	"github.com/angelmondragon/packfinderz-settlement/pkg/logger"
	"github.com/angelmondragon/packfinderz-settlement/pkg/metrics"
	"github.com/angelmondragon/packfinderz-settlement/pkg/outbox"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type payoutChecker interface {
	PayoutDestination(ctx context.Context, sellerID uuid.UUID) (string, error)
}

type ServiceParams struct {
	DB        txRunner
	Units     inventory.Repository
	Purchases purchases.Repository
	Holds     purchases.HoldRepository
	Sellers   payoutChecker
	Processor processor.Client
	Fees      *fees.Calculator
	Outbox    outbox.Emitter
	Alerts    alerts.Sink
	Logger    *logger.Logger
	Metrics   *metrics.SettlementMetrics
	Config    config.SettlementConfig
	Clock     func() time.Time
}

// Service runs the purchase settlement saga: hold authorization, commit,
// capture with compensation, and reconciliation of processor events.
type Service struct {
	db        txRunner
	units     inventory.Repository
	guard     *inventory.Guard
	purchases purchases.Repository
	holds     purchases.HoldRepository
	sellers   payoutChecker
	processor processor.Client
	fees      *fees.Calculator
	outbox    outbox.Emitter
	alerts    alerts.Sink
	logg      *logger.Logger
	metrics   *metrics.SettlementMetrics
	cfg       config.SettlementConfig
	now       func() time.Time
}

func NewService(params ServiceParams) (*Service, error) {
	if params.DB == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "transaction runner required")
	}
	if params.Units == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "unit repository required")
	}
	if params.Purchases == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "purchase repository required")
	}
	if params.Holds == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "hold repository required")
	}
	if params.Sellers == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "payout checker required")
	}
	if params.Processor == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "processor client required")
	}
	if params.Fees == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "fee calculator required")
	}
	if params.Outbox == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "outbox emitter required")
	}
	if params.Alerts == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "alert sink required")
	}
	if params.Logger == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "logger required")
	}
	guard, err := inventory.NewGuard(params.Units)
	if err != nil {
		return nil, err
	}
	clock := params.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		db:        params.DB,
		units:     params.Units,
		guard:     guard,
		purchases: params.Purchases,
		holds:     params.Holds,
		sellers:   params.Sellers,
		processor: params.Processor,
		fees:      params.Fees,
		outbox:    params.Outbox,
		alerts:    params.Alerts,
		logg:      params.Logger,
		metrics:   params.Metrics,
		cfg:       params.Config,
		now:       func() time.Time { return clock().UTC() },
	}, nil
}

func (s *Service) processorCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return withTimeout(ctx, s.cfg.ProcessorTimeout)
}

func (s *Service) captureCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return withTimeout(ctx, s.cfg.CaptureTimeout)
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func withinTolerance(a, b, tolerance int64) bool {
	diff := a - b
	if diff < 0 {
		diff = -diff
	}
	return diff <= tolerance
}
