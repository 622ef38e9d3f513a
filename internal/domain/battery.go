package domain

import (
	"math"
	"time"
)

// ============================================================
// Battery metrics: engine state and aggregate output
// ============================================================

// DateLayout is the calendar date format used for reset markers and ledger queries.
const DateLayout = "2006-01-02"

// StateVersion is the current persisted EngineState shape.
const StateVersion = 2

// ReportStyle tells how a source reports its energy counters.
type ReportStyle string

const (
	// StyleCumulative sources report ever-increasing lifetime totals.
	StyleCumulative ReportStyle = "cumulative"
	// StyleDaily sources report today's totals directly.
	StyleDaily ReportStyle = "daily"
)

// BaselineRecord tracks a cumulative source and its start-of-day reading.
type BaselineRecord struct {
	CurrentCharged       float64   `json:"current_charged_kwh"`
	CurrentDischarged    float64   `json:"current_discharged_kwh"`
	StartOfDayCharged    float64   `json:"start_of_day_charged_kwh"`
	StartOfDayDischarged float64   `json:"start_of_day_discharged_kwh"`
	Percentage           float64   `json:"percentage"`
	LastSeenAt           time.Time `json:"last_seen_at"`
	RegisteredAt         time.Time `json:"registered_at"`
}

// DailyRecord tracks a source that reports today's values directly.
type DailyRecord struct {
	DailyCharged    float64   `json:"daily_charged_kwh"`
	DailyDischarged float64   `json:"daily_discharged_kwh"`
	Percentage      float64   `json:"percentage"`
	LastSeenAt      time.Time `json:"last_seen_at"`
	RegisteredAt    time.Time `json:"registered_at"`
}

// EngineState is the single persisted blob of the metrics engine.
type EngineState struct {
	Version       int                       `json:"version"`
	Baselines     map[string]BaselineRecord `json:"baselines"`
	DailyDirect   map[string]DailyRecord    `json:"daily_direct"`
	LastResetDate string                    `json:"last_reset_date"`
}

// NewEngineState returns an empty state whose reset marker is the given date.
func NewEngineState(today string) EngineState {
	return EngineState{
		Version:       StateVersion,
		Baselines:     make(map[string]BaselineRecord),
		DailyDirect:   make(map[string]DailyRecord),
		LastResetDate: today,
	}
}

// Clone returns a deep copy so mutations can be discarded when a save fails.
func (s EngineState) Clone() EngineState {
	out := EngineState{
		Version:       s.Version,
		Baselines:     make(map[string]BaselineRecord, len(s.Baselines)),
		DailyDirect:   make(map[string]DailyRecord, len(s.DailyDirect)),
		LastResetDate: s.LastResetDate,
	}
	for id, r := range s.Baselines {
		out.Baselines[id] = r
	}
	for id, r := range s.DailyDirect {
		out.DailyDirect[id] = r
	}
	return out
}

// Delta returns the non-negative daily delta between two cumulative readings.
func Delta(current, startOfDay float64) float64 {
	return math.Max(0, current-startOfDay)
}

// SourceSnapshot is the per-source view included in an Aggregate.
type SourceSnapshot struct {
	ID                string      `json:"id"`
	Style             ReportStyle `json:"style"`
	DailyCharged      float64     `json:"daily_charged_kwh"`
	DailyDischarged   float64     `json:"daily_discharged_kwh"`
	CurrentCharged    float64     `json:"current_charged_kwh"`
	CurrentDischarged float64     `json:"current_discharged_kwh"`
	Percentage        float64     `json:"percentage"`
	LastSeenAt        time.Time   `json:"last_seen_at"`
}

// Aggregate is the merged "today" view across all tracked sources.
type Aggregate struct {
	DailyCharged         float64          `json:"daily_charged_kwh"`
	DailyDischarged      float64          `json:"daily_discharged_kwh"`
	CurrentCharged       float64          `json:"current_charged_kwh"`
	CurrentDischarged    float64          `json:"current_discharged_kwh"`
	StartOfDayCharged    float64          `json:"start_of_day_charged_kwh"`
	StartOfDayDischarged float64          `json:"start_of_day_discharged_kwh"`
	AveragePercentage    float64          `json:"average_percentage"`
	SourceCount          int              `json:"source_count"`
	Sources              []SourceSnapshot `json:"sources"`
	ResetDate            string           `json:"reset_date"`
	ComputedAt           time.Time        `json:"computed_at"`
}

// TrackedSource describes a source known to the engine.
type TrackedSource struct {
	ID           string      `json:"id"`
	Style        ReportStyle `json:"style"`
	LastSeenAt   time.Time   `json:"last_seen_at"`
	RegisteredAt time.Time   `json:"registered_at"`
}

// DailySummary is published when an accounting day is closed.
type DailySummary struct {
	Date              string    `json:"date"`
	DailyCharged      float64   `json:"daily_charged_kwh"`
	DailyDischarged   float64   `json:"daily_discharged_kwh"`
	AveragePercentage float64   `json:"average_percentage"`
	SourceCount       int       `json:"source_count"`
	Trigger           string    `json:"trigger"` // automatic, catch_up, manual
	ClosedAt          time.Time `json:"closed_at"`
}

// BatteryReport is an inbound reading, as received over HTTP or MQTT.
type BatteryReport struct {
	ChargedKwh    float64 `json:"charged_kwh"`
	DischargedKwh float64 `json:"discharged_kwh"`
	Percentage    float64 `json:"percentage"`
}
