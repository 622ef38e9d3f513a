package observability_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/boddenberg/battery-aggregator-bfa/internal/infra/observability"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"
)

func TestEngineSnapshot(t *testing.T) {
	m := observability.NewMetrics()
	m.IncrRollover("automatic")
	m.IncrRollover("catch_up")
	m.IncrRollover("catch_up")
	m.IncrCounterRegression("charged")
	m.IncrPersistenceError("save")
	m.IncrPersistenceError("load")
	m.IncrTradingFailure("b-1")
	m.IncrTradingFailure("b-2")
	m.IncrTradingFailure("b-2")
	m.SetEnergyAggregate(12.5, 4, 50, 3)

	snap := m.GetEngineSnapshot()
	assert.Equal(t, 1.0, snap.Rollovers["automatic"])
	assert.Equal(t, 2.0, snap.Rollovers["catch_up"])
	assert.Equal(t, 0.0, snap.Rollovers["manual"])
	assert.Equal(t, 1.0, snap.CounterRegressions["charged"])
	assert.Equal(t, 2.0, snap.PersistenceErrors)
	assert.Equal(t, 3.0, snap.TradingFailures)
	assert.Equal(t, 12.5, snap.DailyChargedKwh)
	assert.Equal(t, 4.0, snap.DailyDischargedKwh)
	assert.Equal(t, 3.0, snap.SourceCount)

	// a second registry does not panic on duplicate registration
	assert.NotNil(t, observability.NewMetrics())
}

func TestTracingMiddleware_EchoesTraceID(t *testing.T) {
	otel.SetTextMapPropagator(propagation.TraceContext{})
	h := observability.TracingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/batteries", nil)
	req.Header.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", rec.Header().Get("X-Trace-Id"))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/batteries", nil))
	assert.Empty(t, rec.Header().Get("X-Trace-Id"))
}

func TestZapLoggerMiddleware_PassesThrough(t *testing.T) {
	h := observability.ZapLoggerMiddleware(zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
}
