package handler

import (
	"net/http"
	"time"

	"github.com/boddenberg/battery-aggregator-bfa/internal/domain"
	"github.com/boddenberg/battery-aggregator-bfa/internal/service"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// ============================================================
// Trading results across batteries
// ============================================================

// tradingResultsHandler aggregates ?start=&end= (YYYY-MM-DD, default today)
// over ?source_id=... or every known battery.
func tradingResultsHandler(trading *service.TradingAggregator, loc *time.Location, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /v1/trading/results")
		defer span.End()

		today := time.Now().In(loc)
		start, err := parseDate(r, "start", loc, today)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		end, err := parseDate(r, "end", loc, today)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}

		ids := sourceIDsFromQuery(r)
		if len(ids) == 0 {
			ids, err = trading.SourceIDs(ctx)
			if err != nil {
				handleServiceError(w, err, logger)
				return
			}
		}
		span.SetAttributes(attribute.Int("battery.count", len(ids)))

		agg, _, err := trading.AggregateFinancialResults(ctx, ids, start, end)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}

		writeJSON(w, http.StatusOK, agg)
	}
}

func tradingLatestHandler(poller *service.TradingPoller, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if poller == nil {
			handleServiceError(w, &domain.ErrNotFound{Resource: "trading snapshot", ID: "latest"}, logger)
			return
		}
		snap, err := poller.Latest()
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, snap)
	}
}

func tradingSourcesHandler(trading *service.TradingAggregator, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /v1/trading/sources")
		defer span.End()

		batteries, err := trading.Sources(ctx)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		if batteries == nil {
			batteries = []domain.Battery{}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"data":  batteries,
			"total": len(batteries),
		})
	}
}

type tradingModeResponse struct {
	SourceID    string             `json:"source_id"`
	Mode        domain.TradingMode `json:"mode"`
	Description string             `json:"description"`
}

func tradingModeHandler(trading *service.TradingAggregator, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /v1/trading/sources/{sourceId}/mode")
		defer span.End()

		sourceID := chi.URLParam(r, "sourceId")
		mode, err := trading.TradingMode(ctx, sourceID)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}

		writeJSON(w, http.StatusOK, tradingModeResponse{
			SourceID:    sourceID,
			Mode:        mode,
			Description: mode.Description(),
		})
	}
}
