package service

import (
	"context"
	"time"

	"github.com/boddenberg/battery-aggregator-bfa/internal/domain"

	"go.uber.org/zap"
)

// ============================================================
// Day rollover and reset timers
// ============================================================

// NextMidnight returns the first 00:00 in loc strictly after now.
// Computed on the calendar, so it stays exact across DST transitions.
func NextMidnight(now time.Time, loc *time.Location) time.Time {
	y, m, d := now.In(loc).Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, loc)
}

// EnsureRolloverForToday applies the day rollover if the stored reset date is
// not today. It is cheap and idempotent; call it once at startup.
func (s *MetricsStore) EnsureRolloverForToday(ctx context.Context) (bool, error) {
	ctx, span := metricsTracer.Start(ctx, "MetricsStore.EnsureRolloverForToday")
	defer span.End()

	return s.rolloverNow(ctx, "catch_up")
}

func (s *MetricsStore) rolloverNow(ctx context.Context, trigger string) (bool, error) {
	s.mu.Lock()
	now := s.sched.Now()
	state, err := s.load(ctx, now)
	if err != nil {
		s.mu.Unlock()
		return false, err
	}

	next := state.Clone()
	closed, rolled := s.rollover(&next, now)
	if !rolled {
		s.mu.Unlock()
		return false, nil
	}
	if err := s.save(ctx, next); err != nil {
		s.mu.Unlock()
		return false, err
	}
	agg := AggregateState(next, now)
	seq := s.commitSeq()
	s.mu.Unlock()

	s.rolloverCommitted(ctx, trigger, closed, now)
	s.publishAggregate(seq, agg)
	return true, nil
}

// rollover moves every cumulative reading into its start-of-day slot and
// zeroes daily records when the accounting day changed. It returns the totals
// of the day being closed.
func (s *MetricsStore) rollover(st *domain.EngineState, now time.Time) (domain.DailySummary, bool) {
	today := s.dateOf(now)
	if st.LastResetDate == today {
		return domain.DailySummary{}, false
	}

	closed := summarize(*st, now)

	for id, r := range st.Baselines {
		r.StartOfDayCharged = r.CurrentCharged
		r.StartOfDayDischarged = r.CurrentDischarged
		st.Baselines[id] = r
	}
	for id, r := range st.DailyDirect {
		// percentage carries over
		r.DailyCharged = 0
		r.DailyDischarged = 0
		st.DailyDirect[id] = r
	}

	s.logger.Info("metrics store: new day detected, resetting daily counters",
		zap.String("previous_date", st.LastResetDate),
		zap.String("today", today),
	)
	st.LastResetDate = today
	return closed, true
}

func (s *MetricsStore) rolloverCommitted(ctx context.Context, trigger string, closed domain.DailySummary, now time.Time) {
	s.metrics.IncrRollover(trigger)
	closed.Trigger = trigger
	closed.ClosedAt = now
	s.logger.Info("metrics store: day closed",
		zap.String("date", closed.Date),
		zap.String("trigger", trigger),
		zap.Float64("daily_charged_kwh", closed.DailyCharged),
		zap.Float64("daily_discharged_kwh", closed.DailyDischarged),
		zap.Int("batteries", closed.SourceCount),
	)
	s.publishSummary(ctx, closed)
}

func summarize(st domain.EngineState, now time.Time) domain.DailySummary {
	agg := AggregateState(st, now)
	return domain.DailySummary{
		Date:              st.LastResetDate,
		DailyCharged:      agg.DailyCharged,
		DailyDischarged:   agg.DailyDischarged,
		AveragePercentage: agg.AveragePercentage,
		SourceCount:       agg.SourceCount,
	}
}

func (s *MetricsStore) publishSummary(ctx context.Context, summary domain.DailySummary) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.PublishDailySummary(ctx, summary); err != nil {
		s.logger.Warn("metrics store: failed to publish daily summary",
			zap.String("date", summary.Date),
			zap.String("trigger", summary.Trigger),
			zap.Error(err),
		)
	}
}

// EmergencyReset makes the current readings the new zero point, for one
// cumulative battery or for all of them when sourceID is nil. Daily records
// are left alone.
func (s *MetricsStore) EmergencyReset(ctx context.Context, sourceID *string) (*domain.Aggregate, error) {
	ctx, span := metricsTracer.Start(ctx, "MetricsStore.EmergencyReset")
	defer span.End()

	return s.mutate(ctx, "emergency_reset", func(st *domain.EngineState, _ time.Time) (bool, error) {
		if err := resetBaselines(st, sourceID); err != nil {
			return false, err
		}
		if sourceID != nil {
			s.logger.Warn("EMERGENCY RESET: baseline set to current values",
				zap.String("battery_id", *sourceID))
		} else {
			s.logger.Warn("EMERGENCY RESET: baseline for all batteries set to current values",
				zap.Int("batteries", len(st.Baselines)))
		}
		return true, nil
	})
}

func resetBaselines(st *domain.EngineState, sourceID *string) error {
	if sourceID != nil {
		r, ok := st.Baselines[*sourceID]
		if !ok {
			return &domain.ErrNotFound{Resource: "cumulative battery", ID: *sourceID}
		}
		r.StartOfDayCharged = r.CurrentCharged
		r.StartOfDayDischarged = r.CurrentDischarged
		st.Baselines[*sourceID] = r
		return nil
	}
	for id, r := range st.Baselines {
		r.StartOfDayCharged = r.CurrentCharged
		r.StartOfDayDischarged = r.CurrentDischarged
		st.Baselines[id] = r
	}
	return nil
}

// ============================================================
// Timers
// ============================================================

// ScheduleAutomaticReset arms the rollover for the next local midnight.
// Each firing re-arms for the following midnight. Returns the armed deadline.
func (s *MetricsStore) ScheduleAutomaticReset() time.Time {
	s.timerMu.Lock()
	defer s.timerMu.Unlock()

	if s.closed {
		return time.Time{}
	}
	if s.automatic != nil {
		s.automatic.Stop()
	}

	now := s.sched.Now()
	at := NextMidnight(now, s.loc)
	s.automatic = s.sched.AfterFunc(at.Sub(now), s.onAutomaticTimer)

	s.logger.Info("metrics store: scheduled automatic reset",
		zap.Time("at", at),
		zap.String("time_zone", s.loc.String()),
		zap.Duration("in", at.Sub(now)),
	)
	return at
}

func (s *MetricsStore) onAutomaticTimer() {
	if s.isClosed() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), timerTimeout)
	defer cancel()

	if _, err := s.rolloverNow(ctx, "automatic"); err != nil {
		// the stale reset date is kept, so the next call retries
		s.logger.Error("metrics store: automatic reset failed", zap.Error(err))
	}
	s.ScheduleAutomaticReset()
}

// ScheduleOneShot arms action to run once at the given time, replacing any
// previously armed one-shot.
func (s *MetricsStore) ScheduleOneShot(at time.Time, action func()) error {
	s.timerMu.Lock()
	defer s.timerMu.Unlock()

	if s.closed {
		return &domain.ErrValidation{Field: "at", Message: "metrics store is closed"}
	}
	now := s.sched.Now()
	if !at.After(now) {
		return &domain.ErrValidation{Field: "at", Message: "must be in the future"}
	}
	if s.oneShot != nil {
		s.oneShot.Stop()
	}
	s.oneShot = s.sched.AfterFunc(at.Sub(now), func() {
		if s.isClosed() {
			return
		}
		action()
	})
	return nil
}

// ScheduleOneShotReset captures the day's totals at the given time and then
// resets every cumulative baseline to its current reading.
func (s *MetricsStore) ScheduleOneShotReset(at time.Time) error {
	err := s.ScheduleOneShot(at, func() {
		ctx, cancel := context.WithTimeout(context.Background(), timerTimeout)
		defer cancel()
		if err := s.captureAndReset(ctx); err != nil {
			s.logger.Error("metrics store: scheduled reset failed", zap.Error(err))
		}
	})
	if err != nil {
		return err
	}
	s.logger.Info("metrics store: scheduled one-shot reset", zap.Time("at", at.In(s.loc)))
	return nil
}

func (s *MetricsStore) captureAndReset(ctx context.Context) error {
	var captured domain.DailySummary
	_, err := s.mutate(ctx, "scheduled_reset", func(st *domain.EngineState, now time.Time) (bool, error) {
		captured = summarize(*st, now)
		captured.Trigger = "manual"
		captured.ClosedAt = now
		return true, resetBaselines(st, nil)
	})
	if err != nil {
		return err
	}
	s.metrics.IncrRollover("manual")
	s.publishSummary(ctx, captured)
	return nil
}

func (s *MetricsStore) isClosed() bool {
	s.timerMu.Lock()
	defer s.timerMu.Unlock()
	return s.closed
}

// Close cancels the pending reset timers. Timers that fire afterwards do nothing.
func (s *MetricsStore) Close() {
	s.timerMu.Lock()
	defer s.timerMu.Unlock()

	s.closed = true
	if s.automatic != nil {
		s.automatic.Stop()
		s.automatic = nil
	}
	if s.oneShot != nil {
		s.oneShot.Stop()
		s.oneShot = nil
	}
	s.logger.Info("metrics store: timers cancelled")
}
