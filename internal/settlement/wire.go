package settlement

import (
	"gorm.io/gorm"

	"github.com/angelmondragon/packfinderz-settlement/internal/alerts"
	"github.com/angelmondragon/packfinderz-settlement/internal/fees"
	"github.com/angelmondragon/packfinderz-settlement/internal/inventory"
	"github.com/angelmondragon/packfinderz-settlement/internal/processor"
	"github.com/angelmondragon/packfinderz-settlement/internal/purchases"
	"github.com/angelmondragon/packfinderz-settlement/internal/sellers"
	"github.com/angelmondragon/packfinderz-settlement/pkg/config"
	pkgerrors "github.com/angelmondragon/packfinderz-settlement/pkg/errors"
	"github.com/angelmondragon/packfinderz-settlement/pkg/logger"
	"github.com/angelmondragon/packfinderz-settlement/pkg/metrics"
	"github.com/angelmondragon/packfinderz-settlement/pkg/outbox"
)

type gormTxRunner interface {
	txRunner
	DB() *gorm.DB
}

type WireParams struct {
	DB        gormTxRunner
	Processor processor.Client
	Config    config.SettlementConfig
	Logger    *logger.Logger
	Metrics   *metrics.SettlementMetrics
}

// Components are the settlement service plus the repositories the webhook
// reconciler and the cron sweeps read from directly.
type Components struct {
	Service   *Service
	Purchases purchases.Repository
	Holds     purchases.HoldRepository
	Sellers   *sellers.Service
}

// Wire builds the settlement service and its collaborators on one database
// handle, shared by the api and cron-worker binaries.
func Wire(params WireParams) (*Components, error) {
	if params.DB == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "database client required")
	}
	conn := params.DB.DB()

	sellerService, err := sellers.NewService(sellers.NewRepository(conn))
	if err != nil {
		return nil, err
	}
	calculator, err := fees.NewCalculator(params.Config.PlatformFeeBps)
	if err != nil {
		return nil, err
	}
	emitter := outbox.NewService(outbox.NewRepository(conn), params.Logger)
	sink, err := alerts.NewOutboxSink(alerts.OutboxSinkParams{
		DB:      params.DB,
		Outbox:  emitter,
		Logger:  params.Logger,
		Metrics: params.Metrics,
	})
	if err != nil {
		return nil, err
	}

	purchaseRepo := purchases.NewRepository(conn)
	holdRepo := purchases.NewHoldRepository(conn)
	service, err := NewService(ServiceParams{
		DB:        params.DB,
		Units:     inventory.NewRepository(conn),
		Purchases: purchaseRepo,
		Holds:     holdRepo,
		Sellers:   sellerService,
		Processor: params.Processor,
		Fees:      calculator,
		Outbox:    emitter,
		Alerts:    sink,
		Logger:    params.Logger,
		Metrics:   params.Metrics,
		Config:    params.Config,
	})
	if err != nil {
		return nil, err
	}
	return &Components{
		Service:   service,
		Purchases: purchaseRepo,
		Holds:     holdRepo,
		Sellers:   sellerService,
	}, nil
}
