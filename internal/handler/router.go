package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/boddenberg/battery-aggregator-bfa/internal/domain"
	"github.com/boddenberg/battery-aggregator-bfa/internal/infra/observability"
	"github.com/boddenberg/battery-aggregator-bfa/internal/service"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("handler")

// HealthCheck probes one dependency for /healthz and /readyz.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Deps are the services served by the router. Poller, Auth and Stream are optional.
type Deps struct {
	Engine      *service.MetricsStore
	Trading     *service.TradingAggregator
	Poller      *service.TradingPoller
	Auth        *service.OperatorAuth
	Stream      http.Handler
	Checks      []HealthCheck
	Location    *time.Location
	CORSOrigins []string
	Metrics     *observability.Metrics
	Logger      *zap.Logger
}

// NewRouter creates the HTTP router with all routes and middleware.
func NewRouter(d Deps) http.Handler {
	if d.Location == nil {
		d.Location = time.UTC
	}
	origins := d.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	logger := d.Logger

	r := chi.NewRouter()

	// --- Middleware ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(observability.ZapLoggerMiddleware(logger))
	r.Use(observability.TracingMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))
	r.Use(middleware.Heartbeat("/ping"))

	// --- Operational endpoints ---
	r.Get("/healthz", healthzHandler(d.Checks))
	r.Get("/readyz", readyzHandler(d.Checks, logger))
	r.Handle("/metrics", promhttp.HandlerFor(d.Metrics.Registry, promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		r.Get("/metrics/engine", engineMetricsHandler(d.Metrics))
		r.Post("/auth/token", issueTokenHandler(d.Auth, logger))

		if d.Stream != nil {
			r.Handle("/stream", d.Stream)
		}

		// --- Batteries ---
		r.Route("/batteries", func(r chi.Router) {
			r.Get("/", listSourcesHandler(d.Engine, logger))
			r.Get("/aggregate", getAggregateHandler(d.Engine, logger))
			r.Post("/{sourceId}/cumulative", recordHandler(d.Engine, domain.StyleCumulative, logger))
			r.Post("/{sourceId}/daily", recordHandler(d.Engine, domain.StyleDaily, logger))
			r.Delete("/{sourceId}", removeSourceHandler(d.Engine, logger))

			r.Group(func(r chi.Router) {
				r.Use(OperatorAuthMiddleware(d.Auth, logger))
				r.Delete("/", clearAllHandler(d.Engine, logger))
				r.Post("/reset", emergencyResetHandler(d.Engine, logger))
				r.Post("/reset/schedule", scheduleResetHandler(d.Engine, logger))
			})
		})

		// --- Trading results ---
		r.Route("/trading", func(r chi.Router) {
			r.Get("/results", tradingResultsHandler(d.Trading, d.Location, logger))
			r.Get("/latest", tradingLatestHandler(d.Poller, logger))
			r.Get("/sources", tradingSourcesHandler(d.Trading, logger))
			r.Get("/sources/{sourceId}/mode", tradingModeHandler(d.Trading, logger))
		})
	})

	return r
}

func runChecks(ctx context.Context, checks []HealthCheck) []domain.ServiceHealth {
	now := time.Now().Format(time.RFC3339)
	services := []domain.ServiceHealth{
		{Name: "bfa-api", Status: "healthy", LastChecked: now},
	}
	for _, c := range checks {
		start := time.Now()
		err := c.Check(ctx)
		status := "healthy"
		if err != nil {
			status = "degraded"
		}
		services = append(services, domain.ServiceHealth{
			Name:        c.Name,
			Status:      status,
			LatencyMs:   time.Since(start).Milliseconds(),
			LastChecked: now,
		})
	}
	return services
}

func healthzHandler(checks []HealthCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		services := runChecks(r.Context(), checks)

		overallStatus := "healthy"
		for _, s := range services {
			if s.Status == "unhealthy" {
				overallStatus = "unhealthy"
				break
			}
			if s.Status == "degraded" {
				overallStatus = "degraded"
			}
		}

		writeJSON(w, http.StatusOK, domain.HealthStatus{
			Status:   overallStatus,
			Services: services,
		})
	}
}

func readyzHandler(checks []HealthCheck, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		for _, s := range runChecks(r.Context(), checks) {
			if s.Status != "healthy" {
				logger.Warn("not ready", zap.String("dependency", s.Name))
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready", "dependency": s.Name})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}

func engineMetricsHandler(metrics *observability.Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, metrics.GetEngineSnapshot())
	}
}
