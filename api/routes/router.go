package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/angelmondragon/packfinderz-settlement/api/controllers"
	webhookcontrollers "github.com/angelmondragon/packfinderz-settlement/api/controllers/webhooks"
	"github.com/angelmondragon/packfinderz-settlement/api/middleware"
	stripewebhook "github.com/angelmondragon/packfinderz-settlement/internal/webhooks/stripe"
	"github.com/angelmondragon/packfinderz-settlement/pkg/config"
	"github.com/angelmondragon/packfinderz-settlement/pkg/db"
	"github.com/angelmondragon/packfinderz-settlement/pkg/logger"
	"github.com/angelmondragon/packfinderz-settlement/pkg/redis"
	"github.com/angelmondragon/packfinderz-settlement/pkg/stripe"
)

// redisClient is what the router needs from Redis: readiness pings and the
// idempotency store.
type redisClient interface {
	redis.Pinger
	redis.IdempotencyStore
}

func NewRouter(
	cfg *config.Config,
	logg *logger.Logger,
	dbP db.Pinger,
	redisClient redisClient,
	gatherer prometheus.Gatherer,
	settlementService controllers.SettlementService,
	stripeClient *stripe.Client,
	stripeWebhookService *stripewebhook.Service,
	stripeWebhookGuard *stripewebhook.DeliveryGuard,
) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
	)

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg, dbP, redisClient))
	})

	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	if stripeWebhookService != nil && stripeClient != nil && stripeWebhookGuard != nil {
		r.Route("/api/v1/webhooks", func(r chi.Router) {
			r.Post("/stripe", webhookcontrollers.StripeWebhook(stripeWebhookService, stripeClient, stripeWebhookGuard, logg))
		})
	}

	r.Route("/api/v1/settlement", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWT, logg))
		r.Use(middleware.Idempotency(redisClient, cfg.Eventing.HTTPIdempotencyTTL, logg))

		r.Post("/holds", controllers.AuthorizeHold(settlementService, logg))
		r.Post("/purchases", controllers.SettlePurchase(settlementService, logg))
		r.Get("/purchases/{purchaseId}", controllers.GetPurchase(settlementService, logg))
	})

	return r
}
