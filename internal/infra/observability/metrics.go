package observability

import (
	"time"

	"github.com/boddenberg/battery-aggregator-bfa/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
)

// Metrics holds all Prometheus metrics for the aggregator.
type Metrics struct {
	// Registry is the Prometheus registry that owns these metrics.
	// Exposed so the /metrics endpoint can use it.
	Registry *prometheus.Registry

	requestDuration    *prometheus.HistogramVec
	externalErrors     *prometheus.CounterVec
	cacheHits          *prometheus.CounterVec
	cacheMisses        *prometheus.CounterVec
	rollovers          *prometheus.CounterVec
	counterRegressions *prometheus.CounterVec
	persistenceErrors  *prometheus.CounterVec
	tradingFailures    *prometheus.CounterVec
	energy             *prometheus.GaugeVec
	batteries          prometheus.Gauge
	tradingResult      *prometheus.GaugeVec
	measurements       *prometheus.CounterVec
	ranks              *prometheus.GaugeVec
}

// NewMetrics creates a dedicated Prometheus registry and registers all
// application metrics in it. Using a private registry avoids "duplicate
// collector" panics when NewMetrics is called more than once (e.g. in tests).
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "bfa_request_duration_seconds",
				Help:    "Duration of requests by operation.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		externalErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bfa_external_errors_total",
				Help: "Total errors from external services.",
			},
			[]string{"service"},
		),
		cacheHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bfa_cache_hits_total",
				Help: "Total cache hits.",
			},
			[]string{"cache"},
		),
		cacheMisses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bfa_cache_misses_total",
				Help: "Total cache misses.",
			},
			[]string{"cache"},
		),
		rollovers: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "battery_rollovers_total",
				Help: "Accounting days closed, by trigger.",
			},
			[]string{"trigger"},
		),
		counterRegressions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "battery_counter_regressions_total",
				Help: "Cumulative readings below their start-of-day baseline.",
			},
			[]string{"metric"},
		),
		persistenceErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "battery_state_errors_total",
				Help: "State store failures by operation.",
			},
			[]string{"op"},
		),
		tradingFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trading_fetch_failures_total",
				Help: "Per-battery trading result fetch failures.",
			},
			[]string{"battery_id"},
		),
		energy: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "battery_daily_energy_kwh",
				Help: "Today's aggregated energy by direction.",
			},
			[]string{"direction"},
		),
		batteries: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "battery_tracked_sources",
				Help: "Number of batteries tracked by the engine.",
			},
		),
		tradingResult: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "trading_period_result_eur",
				Help: "Latest aggregated trading result by field.",
			},
			[]string{"field"},
		),
		measurements: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trading_measurements_total",
				Help: "Results board uploads by outcome.",
			},
			[]string{"outcome"},
		),
		ranks: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "trading_rank",
				Help: "Latest results board rank by board.",
			},
			[]string{"board"},
		),
	}
}

// RecordRequestDuration records the duration of an operation.
func (m *Metrics) RecordRequestDuration(operation string, d time.Duration) {
	m.requestDuration.WithLabelValues(operation).Observe(d.Seconds())
}

// IncrExternalError increments the external error counter.
func (m *Metrics) IncrExternalError(service string) {
	m.externalErrors.WithLabelValues(service).Inc()
}

// IncrCacheHit increments the cache hit counter.
func (m *Metrics) IncrCacheHit(cache string) {
	m.cacheHits.WithLabelValues(cache).Inc()
}

// IncrCacheMiss increments the cache miss counter.
func (m *Metrics) IncrCacheMiss(cache string) {
	m.cacheMisses.WithLabelValues(cache).Inc()
}

// IncrRollover counts a closed accounting day.
func (m *Metrics) IncrRollover(trigger string) {
	m.rollovers.WithLabelValues(trigger).Inc()
}

// IncrCounterRegression counts a clamped cumulative reading.
func (m *Metrics) IncrCounterRegression(metric string) {
	m.counterRegressions.WithLabelValues(metric).Inc()
}

// IncrPersistenceError counts a failed state store operation.
func (m *Metrics) IncrPersistenceError(op string) {
	m.persistenceErrors.WithLabelValues(op).Inc()
}

// IncrTradingFailure counts a battery whose trading results could not be fetched.
func (m *Metrics) IncrTradingFailure(batteryID string) {
	m.tradingFailures.WithLabelValues(batteryID).Inc()
}

// SetEnergyAggregate publishes the latest energy aggregate.
func (m *Metrics) SetEnergyAggregate(charged, discharged, avgPercentage float64, sources int) {
	m.energy.WithLabelValues("charged").Set(charged)
	m.energy.WithLabelValues("discharged").Set(discharged)
	m.energy.WithLabelValues("average_percentage").Set(avgPercentage)
	m.batteries.Set(float64(sources))
}

// SetTradingResult publishes one aggregated trading field.
func (m *Metrics) SetTradingResult(field string, value float64) {
	m.tradingResult.WithLabelValues(field).Set(value)
}

// IncrMeasurement counts a results board upload ("sent", "skipped" or "failed").
func (m *Metrics) IncrMeasurement(outcome string) {
	m.measurements.WithLabelValues(outcome).Inc()
}

// SetRank publishes a results board rank.
func (m *Metrics) SetRank(board string, rank int) {
	m.ranks.WithLabelValues(board).Set(float64(rank))
}

// MeasurementCount reads the upload counter for one outcome.
func (m *Metrics) MeasurementCount(outcome string) float64 {
	return getCounterValue(m.measurements, outcome)
}

// GetEngineSnapshot reads current metric values for GET /v1/metrics/engine.
func (m *Metrics) GetEngineSnapshot() *domain.EngineMetrics {
	snap := &domain.EngineMetrics{
		Rollovers:          map[string]float64{},
		CounterRegressions: map[string]float64{},
	}
	for _, trigger := range []string{"automatic", "catch_up", "manual"} {
		snap.Rollovers[trigger] = getCounterValue(m.rollovers, trigger)
	}
	for _, metric := range []string{"charged", "discharged"} {
		snap.CounterRegressions[metric] = getCounterValue(m.counterRegressions, metric)
	}
	for _, op := range []string{"load", "save", "clear"} {
		snap.PersistenceErrors += getCounterValue(m.persistenceErrors, op)
	}
	snap.TradingFailures = sumCounterVec(m.tradingFailures)
	snap.DailyChargedKwh = getGaugeValue(m.energy.WithLabelValues("charged"))
	snap.DailyDischargedKwh = getGaugeValue(m.energy.WithLabelValues("discharged"))
	snap.SourceCount = getGaugeValue(m.batteries)
	return snap
}

// getCounterValue extracts the current float64 value from a CounterVec for a given label.
func getCounterValue(cv *prometheus.CounterVec, label string) float64 {
	counter := cv.WithLabelValues(label)
	m := &dto.Metric{}
	if err := counter.(prometheus.Metric).Write(m); err != nil {
		return 0
	}
	if m.Counter != nil && m.Counter.Value != nil {
		return *m.Counter.Value
	}
	return 0
}

func getGaugeValue(g prometheus.Gauge) float64 {
	m := &dto.Metric{}
	if err := g.Write(m); err != nil {
		return 0
	}
	if m.Gauge != nil && m.Gauge.Value != nil {
		return *m.Gauge.Value
	}
	return 0
}

// sumCounterVec adds up every label combination of a counter vector.
func sumCounterVec(cv *prometheus.CounterVec) float64 {
	ch := make(chan prometheus.Metric, 64)
	go func() {
		cv.Collect(ch)
		close(ch)
	}()
	var total float64
	for metric := range ch {
		m := &dto.Metric{}
		if err := metric.Write(m); err == nil && m.Counter != nil && m.Counter.Value != nil {
			total += *m.Counter.Value
		}
	}
	return total
}
