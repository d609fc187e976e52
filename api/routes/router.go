package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/angelmondragon/tabsplit-backend/api/controllers"
	"github.com/angelmondragon/tabsplit-backend/api/middleware"
	"github.com/angelmondragon/tabsplit-backend/internal/audit"
	"github.com/angelmondragon/tabsplit-backend/internal/intake"
	"github.com/angelmondragon/tabsplit-backend/internal/optout"
	"github.com/angelmondragon/tabsplit-backend/pkg/config"
	"github.com/angelmondragon/tabsplit-backend/pkg/logger"
	"github.com/angelmondragon/tabsplit-backend/pkg/metrics"
	"github.com/angelmondragon/tabsplit-backend/pkg/redis"
)

func NewRouter(
	cfg *config.Config,
	logg *logger.Logger,
	dbP controllers.Pinger,
	redisClient *redis.Client,
	httpMetrics *metrics.HTTPMetrics,
	gatherer prometheus.Gatherer,
	intakeService intake.Service,
	auditService audit.Service,
	optOutService optout.Service,
	queue controllers.QueueDepthReader,
) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
		middleware.Metrics(httpMetrics),
	)

	deps := map[string]controllers.Pinger{"db": dbP}
	// producers submit through the intake route only; without redis the
	// limiter falls back to per-replica buckets and replays are not cached
	intakePolicy := middleware.RateLimitPolicy{
		Name:   "intake",
		Limit:  cfg.Intake.RateLimit,
		Window: cfg.Intake.RateWindow,
	}
	var intakeGuards []func(http.Handler) http.Handler
	if redisClient != nil {
		deps["redis"] = redisClient
		intakeGuards = append(intakeGuards,
			middleware.RateLimit(intakePolicy, redisClient, logg),
			middleware.Idempotency(redisClient, cfg.Intake.IdempotencyTTL, logg),
		)
	} else {
		intakeGuards = append(intakeGuards, middleware.RateLimit(intakePolicy, middleware.NewLocalLimiter(), logg))
	}

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg, deps))
	})
	if gatherer != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler(gatherer))
	}

	r.Route("/api/v1/notifications", func(r chi.Router) {
		r.With(intakeGuards...).Post("/intents", controllers.SubmitIntent(intakeService, logg))
		r.Put("/opt-outs", controllers.SetOptOut(optOutService, logg))
	})

	r.Route("/api/admin/v1/notifications", func(r chi.Router) {
		r.Get("/stats", controllers.AdminNotificationStats(intakeService, queue, logg))
		r.Delete("/intents/{intentId}", controllers.AdminCancelIntent(intakeService, logg))
		r.Post("/intents/cancel", controllers.AdminCancelIntents(intakeService, logg))
		r.Get("/audit", controllers.AdminAuditList(auditService, logg))
	})

	return r
}
