package service

import (
	"sort"
	"time"

	"github.com/boddenberg/battery-aggregator-bfa/internal/domain"
)

// AggregateState merges every tracked source into one "today" view.
// Cumulative sources contribute their clamped deltas plus their current and
// start-of-day totals; daily sources contribute their daily values only.
func AggregateState(state domain.EngineState, now time.Time) domain.Aggregate {
	agg := domain.Aggregate{
		Sources:    make([]domain.SourceSnapshot, 0, len(state.Baselines)+len(state.DailyDirect)),
		ResetDate:  state.LastResetDate,
		ComputedAt: now,
	}

	var totalPercentage float64

	for _, id := range sortedKeys(state.Baselines) {
		r := state.Baselines[id]
		dailyCharged := domain.Delta(r.CurrentCharged, r.StartOfDayCharged)
		dailyDischarged := domain.Delta(r.CurrentDischarged, r.StartOfDayDischarged)

		agg.Sources = append(agg.Sources, domain.SourceSnapshot{
			ID:                id,
			Style:             domain.StyleCumulative,
			DailyCharged:      dailyCharged,
			DailyDischarged:   dailyDischarged,
			CurrentCharged:    r.CurrentCharged,
			CurrentDischarged: r.CurrentDischarged,
			Percentage:        r.Percentage,
			LastSeenAt:        r.LastSeenAt,
		})

		agg.DailyCharged += dailyCharged
		agg.DailyDischarged += dailyDischarged
		agg.CurrentCharged += r.CurrentCharged
		agg.CurrentDischarged += r.CurrentDischarged
		agg.StartOfDayCharged += r.StartOfDayCharged
		agg.StartOfDayDischarged += r.StartOfDayDischarged
		totalPercentage += r.Percentage
	}

	for _, id := range sortedKeys(state.DailyDirect) {
		r := state.DailyDirect[id]
		agg.Sources = append(agg.Sources, domain.SourceSnapshot{
			ID:              id,
			Style:           domain.StyleDaily,
			DailyCharged:    r.DailyCharged,
			DailyDischarged: r.DailyDischarged,
			Percentage:      r.Percentage,
			LastSeenAt:      r.LastSeenAt,
		})

		agg.DailyCharged += r.DailyCharged
		agg.DailyDischarged += r.DailyDischarged
		totalPercentage += r.Percentage
	}

	agg.SourceCount = len(agg.Sources)
	if agg.SourceCount > 0 {
		agg.AveragePercentage = totalPercentage / float64(agg.SourceCount)
	}
	return agg
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
