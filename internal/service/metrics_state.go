package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/boddenberg/battery-aggregator-bfa/internal/domain"

	"go.uber.org/zap"
)

// ============================================================
// Engine state persistence
// ============================================================

// legacyState is the unversioned blob written by the first generation of the
// metrics store: one map per metric, keyed by battery id.
type legacyState struct {
	Current struct {
		Discharged map[string]float64 `json:"discharged"`
		Charged    map[string]float64 `json:"charged"`
		Percentage map[string]float64 `json:"percentage"`
	} `json:"current"`
	StartOfDay struct {
		Discharged map[string]float64 `json:"discharged"`
		Charged    map[string]float64 `json:"charged"`
	} `json:"startOfDay"`
	DailyOnly *struct {
		DailyCharged    map[string]float64 `json:"dailyCharged"`
		DailyDischarged map[string]float64 `json:"dailyDischarged"`
		Percentage      map[string]float64 `json:"percentage"`
	} `json:"dailyOnly"`
	LastUpdated   map[string]int64 `json:"lastUpdated"` // ms since epoch
	LastResetDate string           `json:"lastResetDate"`
}

// decodeState parses a stored blob, upgrading legacy shapes.
// migrated reports whether the blob was not in the current version.
func decodeState(blob []byte) (state domain.EngineState, migrated bool, err error) {
	var header struct {
		Version int `json:"version"`
	}
	if err := json.Unmarshal(blob, &header); err != nil {
		return domain.EngineState{}, false, fmt.Errorf("decode engine state: %w", err)
	}

	switch {
	case header.Version == 0:
		var legacy legacyState
		if err := json.Unmarshal(blob, &legacy); err != nil {
			return domain.EngineState{}, false, fmt.Errorf("decode legacy engine state: %w", err)
		}
		return migrateLegacy(legacy), true, nil
	case header.Version > domain.StateVersion:
		return domain.EngineState{}, false, fmt.Errorf("engine state version %d is newer than supported version %d", header.Version, domain.StateVersion)
	}

	if err := json.Unmarshal(blob, &state); err != nil {
		return domain.EngineState{}, false, fmt.Errorf("decode engine state: %w", err)
	}
	if state.Baselines == nil {
		state.Baselines = make(map[string]domain.BaselineRecord)
	}
	if state.DailyDirect == nil {
		state.DailyDirect = make(map[string]domain.DailyRecord)
	}
	return state, false, nil
}

func migrateLegacy(l legacyState) domain.EngineState {
	state := domain.NewEngineState(l.LastResetDate)

	seen := func(id string) time.Time {
		if ms, ok := l.LastUpdated[id]; ok {
			return time.UnixMilli(ms).UTC()
		}
		return time.Time{}
	}

	for _, id := range unionKeys(l.Current.Charged, l.Current.Discharged) {
		charged := l.Current.Charged[id]
		discharged := l.Current.Discharged[id]
		startCharged, ok := l.StartOfDay.Charged[id]
		if !ok {
			startCharged = charged
		}
		startDischarged, ok := l.StartOfDay.Discharged[id]
		if !ok {
			startDischarged = discharged
		}
		ts := seen(id)
		state.Baselines[id] = domain.BaselineRecord{
			CurrentCharged:       charged,
			CurrentDischarged:    discharged,
			StartOfDayCharged:    startCharged,
			StartOfDayDischarged: startDischarged,
			Percentage:           l.Current.Percentage[id],
			LastSeenAt:           ts,
			RegisteredAt:         ts,
		}
	}

	if l.DailyOnly != nil {
		for _, id := range unionKeys(l.DailyOnly.DailyCharged, l.DailyOnly.DailyDischarged) {
			// a battery cannot be tracked both ways; the cumulative record wins
			if _, dup := state.Baselines[id]; dup {
				continue
			}
			ts := seen(id)
			state.DailyDirect[id] = domain.DailyRecord{
				DailyCharged:    l.DailyOnly.DailyCharged[id],
				DailyDischarged: l.DailyOnly.DailyDischarged[id],
				Percentage:      l.DailyOnly.Percentage[id],
				LastSeenAt:      ts,
				RegisteredAt:    ts,
			}
		}
	}
	return state
}

func unionKeys(a, b map[string]float64) []string {
	set := make(map[string]struct{}, len(a)+len(b))
	for k := range a {
		set[k] = struct{}{}
	}
	for k := range b {
		set[k] = struct{}{}
	}
	return sortedKeys(set)
}

func encodeState(state domain.EngineState) ([]byte, error) {
	state.Version = domain.StateVersion
	return json.Marshal(state)
}

// load reads the engine state, creating an empty one dated today when the
// store has nothing. Legacy blobs are upgraded and written back once.
func (s *MetricsStore) load(ctx context.Context, now time.Time) (domain.EngineState, error) {
	blob, found, err := s.store.Load(ctx)
	if err != nil {
		s.metrics.IncrPersistenceError("load")
		return domain.EngineState{}, &domain.ErrPersistence{Op: "load", Err: err}
	}
	if !found {
		return domain.NewEngineState(s.dateOf(now)), nil
	}

	state, migrated, err := decodeState(blob)
	if err != nil {
		s.metrics.IncrPersistenceError("load")
		return domain.EngineState{}, &domain.ErrPersistence{Op: "load", Err: err}
	}
	if state.LastResetDate == "" {
		state.LastResetDate = s.dateOf(now)
	}

	if migrated {
		s.logger.Info("metrics store: upgrading legacy engine state",
			zap.Int("cumulative_sources", len(state.Baselines)),
			zap.Int("daily_sources", len(state.DailyDirect)),
			zap.Int("version", domain.StateVersion),
		)
		if err := s.save(ctx, state); err != nil {
			return domain.EngineState{}, err
		}
	}
	return state, nil
}

func (s *MetricsStore) save(ctx context.Context, state domain.EngineState) error {
	blob, err := encodeState(state)
	if err != nil {
		return &domain.ErrPersistence{Op: "save", Err: err}
	}
	if err := s.store.Save(ctx, blob); err != nil {
		s.metrics.IncrPersistenceError("save")
		s.logger.Error("metrics store: failed to save engine state", zap.Error(err))
		return &domain.ErrPersistence{Op: "save", Err: err}
	}
	return nil
}
