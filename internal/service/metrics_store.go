// Package service provides the business logic layer (use cases).
// MetricsStore turns per-battery energy reports into one daily aggregate;
// TradingAggregator sums trading results fetched per battery.
package service

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/boddenberg/battery-aggregator-bfa/internal/domain"
	"github.com/boddenberg/battery-aggregator-bfa/internal/infra/observability"
	"github.com/boddenberg/battery-aggregator-bfa/internal/port"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var metricsTracer = otel.Tracer("service/metrics")

// DefaultTimeZone is the zone whose calendar defines the accounting day.
const DefaultTimeZone = "Europe/Amsterdam"

// timerTimeout bounds the work done by a fired reset timer.
const timerTimeout = 30 * time.Second

// MetricsStoreConfig carries the dependencies of a MetricsStore.
type MetricsStoreConfig struct {
	Store     port.StateStore
	Scheduler port.Scheduler
	Location  *time.Location
	Publisher port.DailySummaryPublisher // optional
	Listener  port.AggregateListener     // optional
	Metrics   *observability.Metrics
	Logger    *zap.Logger
}

// MetricsStore is the daily baseline/delta engine for one account.
// All state access is serialized by mu; reset timers are guarded by timerMu.
type MetricsStore struct {
	store     port.StateStore
	sched     port.Scheduler
	loc       *time.Location
	publisher port.DailySummaryPublisher
	listener  port.AggregateListener
	metrics   *observability.Metrics
	logger    *zap.Logger

	mu  sync.Mutex
	seq uint64 // bumped under mu on every commit

	pubMu     sync.Mutex
	published uint64

	timerMu   sync.Mutex
	automatic port.Timer
	oneShot   port.Timer
	closed    bool
}

// NewMetricsStore creates the engine. A nil Location defaults to
// Europe/Amsterdam; nil Metrics and Logger get private defaults.
func NewMetricsStore(cfg MetricsStoreConfig) (*MetricsStore, error) {
	if cfg.Store == nil {
		return nil, errors.New("metrics store: state store is required")
	}
	if cfg.Scheduler == nil {
		return nil, errors.New("metrics store: scheduler is required")
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NewMetrics()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	loc := cfg.Location
	if loc == nil {
		var err error
		loc, err = time.LoadLocation(DefaultTimeZone)
		if err != nil {
			return nil, err
		}
	}
	return &MetricsStore{
		store:     cfg.Store,
		sched:     cfg.Scheduler,
		loc:       loc,
		publisher: cfg.Publisher,
		listener:  cfg.Listener,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
	}, nil
}

func (s *MetricsStore) dateOf(t time.Time) string {
	return t.In(s.loc).Format(domain.DateLayout)
}

// ============================================================
// Recording
// ============================================================

// RecordCumulative stores lifetime totals for a battery and returns the new aggregate.
// The first report of a battery becomes its start-of-day baseline.
func (s *MetricsStore) RecordCumulative(ctx context.Context, sourceID string, report domain.BatteryReport) (*domain.Aggregate, error) {
	ctx, span := metricsTracer.Start(ctx, "MetricsStore.RecordCumulative")
	defer span.End()
	span.SetAttributes(attribute.String("battery.id", sourceID))

	if err := validateReport(sourceID, report); err != nil {
		return nil, err
	}

	return s.mutate(ctx, "record_cumulative", func(st *domain.EngineState, now time.Time) (bool, error) {
		rec, known := st.Baselines[sourceID]
		if !known {
			rec = domain.BaselineRecord{
				StartOfDayCharged:    report.ChargedKwh,
				StartOfDayDischarged: report.DischargedKwh,
				RegisteredAt:         now,
			}
			if daily, ok := st.DailyDirect[sourceID]; ok {
				rec.RegisteredAt = daily.RegisteredAt
				delete(st.DailyDirect, sourceID)
				s.logger.Info("metrics store: battery switched to cumulative reporting",
					zap.String("battery_id", sourceID))
			} else {
				s.logger.Info("metrics store: initialized start-of-day baseline",
					zap.String("battery_id", sourceID),
					zap.Float64("charged_kwh", report.ChargedKwh),
					zap.Float64("discharged_kwh", report.DischargedKwh),
				)
			}
		}

		s.noteRegression(sourceID, "charged", report.ChargedKwh, rec.StartOfDayCharged)
		s.noteRegression(sourceID, "discharged", report.DischargedKwh, rec.StartOfDayDischarged)

		rec.CurrentCharged = report.ChargedKwh
		rec.CurrentDischarged = report.DischargedKwh
		rec.Percentage = report.Percentage
		rec.LastSeenAt = now
		st.Baselines[sourceID] = rec

		s.logger.Debug("metrics store: updated battery",
			zap.String("battery_id", sourceID),
			zap.Float64("charged_kwh", report.ChargedKwh),
			zap.Float64("discharged_kwh", report.DischargedKwh),
			zap.Float64("percentage", report.Percentage),
		)
		return true, nil
	})
}

// RecordDaily stores today's totals for a battery that reports them directly.
func (s *MetricsStore) RecordDaily(ctx context.Context, sourceID string, report domain.BatteryReport) (*domain.Aggregate, error) {
	ctx, span := metricsTracer.Start(ctx, "MetricsStore.RecordDaily")
	defer span.End()
	span.SetAttributes(attribute.String("battery.id", sourceID))

	if err := validateReport(sourceID, report); err != nil {
		return nil, err
	}

	return s.mutate(ctx, "record_daily", func(st *domain.EngineState, now time.Time) (bool, error) {
		rec, known := st.DailyDirect[sourceID]
		if !known {
			rec.RegisteredAt = now
			if base, ok := st.Baselines[sourceID]; ok {
				rec.RegisteredAt = base.RegisteredAt
				delete(st.Baselines, sourceID)
				s.logger.Info("metrics store: battery switched to daily reporting",
					zap.String("battery_id", sourceID))
			}
		}

		rec.DailyCharged = report.ChargedKwh
		rec.DailyDischarged = report.DischargedKwh
		rec.Percentage = report.Percentage
		rec.LastSeenAt = now
		st.DailyDirect[sourceID] = rec

		s.logger.Debug("metrics store: updated daily battery",
			zap.String("battery_id", sourceID),
			zap.Float64("daily_charged_kwh", report.ChargedKwh),
			zap.Float64("daily_discharged_kwh", report.DischargedKwh),
			zap.Float64("percentage", report.Percentage),
		)
		return true, nil
	})
}

// GetAggregate returns the current aggregate without new data.
// A rollover that is due is still applied and persisted first.
func (s *MetricsStore) GetAggregate(ctx context.Context) (*domain.Aggregate, error) {
	ctx, span := metricsTracer.Start(ctx, "MetricsStore.GetAggregate")
	defer span.End()

	return s.mutate(ctx, "get_aggregate", func(*domain.EngineState, time.Time) (bool, error) {
		return false, nil
	})
}

// ============================================================
// Source management
// ============================================================

// RemoveSource stops tracking a single battery.
func (s *MetricsStore) RemoveSource(ctx context.Context, sourceID string) (*domain.Aggregate, error) {
	ctx, span := metricsTracer.Start(ctx, "MetricsStore.RemoveSource")
	defer span.End()

	if sourceID == "" {
		return nil, &domain.ErrValidation{Field: "battery_id", Message: "must not be empty"}
	}

	return s.mutate(ctx, "remove_source", func(st *domain.EngineState, _ time.Time) (bool, error) {
		_, cumulative := st.Baselines[sourceID]
		_, daily := st.DailyDirect[sourceID]
		if !cumulative && !daily {
			return false, &domain.ErrNotFound{Resource: "battery", ID: sourceID}
		}
		delete(st.Baselines, sourceID)
		delete(st.DailyDirect, sourceID)
		s.logger.Info("metrics store: removed battery", zap.String("battery_id", sourceID))
		return true, nil
	})
}

// ClearAll forgets every battery. The next load starts empty, dated today.
func (s *MetricsStore) ClearAll(ctx context.Context) (*domain.Aggregate, error) {
	ctx, span := metricsTracer.Start(ctx, "MetricsStore.ClearAll")
	defer span.End()

	s.mu.Lock()
	if err := s.store.Clear(ctx); err != nil {
		s.mu.Unlock()
		s.metrics.IncrPersistenceError("clear")
		return nil, &domain.ErrPersistence{Op: "clear", Err: err}
	}
	now := s.sched.Now()
	agg := AggregateState(domain.NewEngineState(s.dateOf(now)), now)
	seq := s.commitSeq()
	s.mu.Unlock()

	s.logger.Info("metrics store: cleared all batteries")
	s.publishAggregate(seq, agg)
	return &agg, nil
}

// TrackedSources lists every battery known to the engine, sorted by id.
func (s *MetricsStore) TrackedSources(ctx context.Context) ([]domain.TrackedSource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.load(ctx, s.sched.Now())
	if err != nil {
		return nil, err
	}

	out := make([]domain.TrackedSource, 0, len(state.Baselines)+len(state.DailyDirect))
	for _, id := range sortedKeys(state.Baselines) {
		r := state.Baselines[id]
		out = append(out, domain.TrackedSource{ID: id, Style: domain.StyleCumulative, LastSeenAt: r.LastSeenAt, RegisteredAt: r.RegisteredAt})
	}
	for _, id := range sortedKeys(state.DailyDirect) {
		r := state.DailyDirect[id]
		out = append(out, domain.TrackedSource{ID: id, Style: domain.StyleDaily, LastSeenAt: r.LastSeenAt, RegisteredAt: r.RegisteredAt})
	}
	return out, nil
}

// ============================================================
// Internal helpers
// ============================================================

// mutate runs fn against a copy of the state after applying any owed
// rollover. The copy is persisted when anything changed; nothing is
// considered committed unless the save succeeds.
func (s *MetricsStore) mutate(ctx context.Context, op string, fn func(st *domain.EngineState, now time.Time) (bool, error)) (*domain.Aggregate, error) {
	start := time.Now()
	defer func() {
		s.metrics.RecordRequestDuration(op, time.Since(start))
	}()

	s.mu.Lock()
	now := s.sched.Now()
	state, err := s.load(ctx, now)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}

	next := state.Clone()
	closed, rolled := s.rollover(&next, now)

	changed, err := fn(&next, now)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}

	if rolled || changed {
		if err := s.save(ctx, next); err != nil {
			s.mu.Unlock()
			return nil, err
		}
	}
	agg := AggregateState(next, now)
	seq := s.commitSeq()
	s.mu.Unlock()

	if rolled {
		s.rolloverCommitted(ctx, "catch_up", closed, now)
	}
	if rolled || changed {
		s.publishAggregate(seq, agg)
	}
	return &agg, nil
}

// commitSeq numbers a commit. Callers hold mu.
func (s *MetricsStore) commitSeq() uint64 {
	s.seq++
	return s.seq
}

// publishAggregate pushes agg to the gauges and the listener unless a later
// commit was already published.
func (s *MetricsStore) publishAggregate(seq uint64, agg domain.Aggregate) {
	s.pubMu.Lock()
	defer s.pubMu.Unlock()
	if seq <= s.published {
		return
	}
	s.published = seq
	s.metrics.SetEnergyAggregate(agg.DailyCharged, agg.DailyDischarged, agg.AveragePercentage, agg.SourceCount)
	if s.listener != nil {
		s.listener.AggregateChanged(agg)
	}
}

// noteRegression logs a cumulative counter that dropped below its baseline.
// The delta is clamped to zero by the aggregate; nothing else happens.
func (s *MetricsStore) noteRegression(sourceID, metric string, current, startOfDay float64) {
	if current >= startOfDay {
		return
	}
	s.metrics.IncrCounterRegression(metric)
	s.logger.Warn("metrics store: cumulative counter below start-of-day baseline, clamping delta to zero",
		zap.String("battery_id", sourceID),
		zap.String("metric", metric),
		zap.Float64("current_kwh", current),
		zap.Float64("start_of_day_kwh", startOfDay),
	)
}

func validateReport(sourceID string, r domain.BatteryReport) error {
	if sourceID == "" {
		return &domain.ErrValidation{Field: "battery_id", Message: "must not be empty"}
	}
	for field, v := range map[string]float64{
		"charged_kwh":    r.ChargedKwh,
		"discharged_kwh": r.DischargedKwh,
		"percentage":     r.Percentage,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return &domain.ErrValidation{Field: field, Message: "must be a finite number"}
		}
		if v < 0 {
			return &domain.ErrValidation{Field: field, Message: "must not be negative"}
		}
	}
	if r.Percentage > 100 {
		return &domain.ErrValidation{Field: "percentage", Message: "must be between 0 and 100"}
	}
	return nil
}
