package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/boddenberg/battery-aggregator-bfa/internal/domain"
	"github.com/boddenberg/battery-aggregator-bfa/internal/service"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// ============================================================
// Batteries: daily energy engine
// ============================================================

func recordHandler(engine *service.MetricsStore, style domain.ReportStyle, logger *zap.Logger) http.HandlerFunc {
	op := "POST /v1/batteries/{sourceId}/" + string(style)
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), op)
		defer span.End()

		sourceID := chi.URLParam(r, "sourceId")
		span.SetAttributes(attribute.String("battery.id", sourceID))

		var report domain.BatteryReport
		if err := json.NewDecoder(r.Body).Decode(&report); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		var (
			agg *domain.Aggregate
			err error
		)
		if style == domain.StyleDaily {
			agg, err = engine.RecordDaily(ctx, sourceID, report)
		} else {
			agg, err = engine.RecordCumulative(ctx, sourceID, report)
		}
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}

		writeJSON(w, http.StatusOK, agg)
	}
}

func getAggregateHandler(engine *service.MetricsStore, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /v1/batteries/aggregate")
		defer span.End()

		agg, err := engine.GetAggregate(ctx)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, agg)
	}
}

func listSourcesHandler(engine *service.MetricsStore, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /v1/batteries")
		defer span.End()

		sources, err := engine.TrackedSources(ctx)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"data":  sources,
			"total": len(sources),
		})
	}
}

func removeSourceHandler(engine *service.MetricsStore, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "DELETE /v1/batteries/{sourceId}")
		defer span.End()

		sourceID := chi.URLParam(r, "sourceId")
		span.SetAttributes(attribute.String("battery.id", sourceID))

		agg, err := engine.RemoveSource(ctx, sourceID)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, agg)
	}
}

// --- Operator routes ---

func clearAllHandler(engine *service.MetricsStore, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "DELETE /v1/batteries")
		defer span.End()

		agg, err := engine.ClearAll(ctx)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}

		logger.Warn("all battery state cleared", zap.String("token_id", TokenIDFromContext(ctx)))
		writeJSON(w, http.StatusOK, agg)
	}
}

func emergencyResetHandler(engine *service.MetricsStore, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/batteries/reset")
		defer span.End()

		var sourceID *string
		if v := r.URL.Query().Get("source_id"); v != "" {
			sourceID = &v
			span.SetAttributes(attribute.String("battery.id", v))
		}

		agg, err := engine.EmergencyReset(ctx, sourceID)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}

		logger.Info("emergency reset",
			zap.Bool("all", sourceID == nil),
			zap.String("token_id", TokenIDFromContext(ctx)),
		)
		writeJSON(w, http.StatusOK, agg)
	}
}

type scheduleResetRequest struct {
	At time.Time `json:"at"`
}

func scheduleResetHandler(engine *service.MetricsStore, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, span := tracer.Start(r.Context(), "POST /v1/batteries/reset/schedule")
		defer span.End()

		var req scheduleResetRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body, expected {\"at\": RFC3339}")
			return
		}
		if req.At.IsZero() {
			writeError(w, http.StatusBadRequest, "at is required")
			return
		}

		if err := engine.ScheduleOneShotReset(req.At); err != nil {
			handleServiceError(w, err, logger)
			return
		}

		writeJSON(w, http.StatusAccepted, domain.SuccessResponse{
			Message: "reset scheduled for " + req.At.Format(time.RFC3339),
		})
	}
}
