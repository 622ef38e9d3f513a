package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ============================================================
// Trading results per battery
// ============================================================

// Battery is a smart battery registered on the trading account.
type Battery struct {
	ID                string           `json:"id" yaml:"id"`
	ExternalReference string           `json:"externalReference" yaml:"name"`
	Brand             string           `json:"brand,omitempty" yaml:"brand,omitempty"`
	Provider          string           `json:"provider,omitempty" yaml:"provider,omitempty"`
	Capacity          float64          `json:"capacity,omitempty" yaml:"capacity,omitempty"`
	Settings          *BatterySettings `json:"settings,omitempty" yaml:"-"`
}

// DisplayName returns the external reference or a short id-based fallback.
func (b Battery) DisplayName() string {
	if b.ExternalReference != "" {
		return b.ExternalReference
	}
	return FallbackDisplayName(b.ID)
}

// FallbackDisplayName builds "Battery <first 8 chars of id>".
func FallbackDisplayName(id string) string {
	short := id
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("Battery %s", short)
}

// BatterySettings holds the trading configuration of a battery.
type BatterySettings struct {
	BatteryMode              string `json:"batteryMode"`
	ImbalanceTradingStrategy string `json:"imbalanceTradingStrategy"`
	TradingAlgorithm         string `json:"tradingAlgorithm,omitempty"`
}

// Session is one trading day of a battery.
type Session struct {
	CumulativeResult float64 `json:"cumulativeResult"`
	Date             string  `json:"date"`
	Result           float64 `json:"result"`
	Status           string  `json:"status"`
	TradeIndex       *int    `json:"tradeIndex"`
}

// SessionResult is the ledger answer for one battery over a date range.
type SessionResult struct {
	DeviceID              string    `json:"deviceId"`
	FairUsePolicyVerified bool      `json:"fairUsePolicyVerified"`
	PeriodStartDate       string    `json:"periodStartDate"`
	PeriodEndDate         string    `json:"periodEndDate"`
	PeriodEpexResult      float64   `json:"periodEpexResult"`
	PeriodFrankSlim       float64   `json:"periodFrankSlim"`
	PeriodImbalanceResult float64   `json:"periodImbalanceResult"`
	PeriodTotalResult     float64   `json:"periodTotalResult"`
	PeriodTradeIndex      *int      `json:"periodTradeIndex"`
	PeriodTradingResult   float64   `json:"periodTradingResult"`
	Sessions              []Session `json:"sessions"`
}

// SourceFailure records a battery whose results could not be fetched.
type SourceFailure struct {
	SourceID    string `json:"source_id"`
	DisplayName string `json:"display_name"`
	Error       string `json:"error"`
}

// FinancialAggregate sums trading results across batteries.
type FinancialAggregate struct {
	RunID                 string          `json:"run_id"`
	StartDate             string          `json:"start_date"`
	EndDate               string          `json:"end_date"`
	PeriodTotalResult     decimal.Decimal `json:"period_total_result"`
	TotalTradingResult    decimal.Decimal `json:"total_trading_result"`
	PeriodEpexResult      decimal.Decimal `json:"period_epex_result"`
	PeriodTradingResult   decimal.Decimal `json:"period_trading_result"`
	PeriodFrankSlim       decimal.Decimal `json:"period_frank_slim"`
	PeriodImbalanceResult decimal.Decimal `json:"period_imbalance_result"`
	SourceCount           int             `json:"source_count"`
	SucceededCount        int             `json:"succeeded_count"`
	Sessions              []SessionResult `json:"sessions"`
	Failures              []SourceFailure `json:"failures"`
}

// Measurement is one upload of today's aggregated results to the results board.
type Measurement struct {
	Timestamp              time.Time
	BatteryResult          decimal.Decimal // period trading result
	BatteryResultTotal     decimal.Decimal // lifetime trading result
	BatteryResultEpex      decimal.Decimal
	BatteryResultImbalance decimal.Decimal
	BatteryResultCustom    decimal.Decimal // Frank Slim bonus
	Mode                   TradingMode     // omitted when empty
}

// NewMeasurement builds the upload for an aggregate.
func NewMeasurement(agg *FinancialAggregate, mode TradingMode, at time.Time) Measurement {
	return Measurement{
		Timestamp:              at,
		BatteryResult:          agg.PeriodTradingResult,
		BatteryResultTotal:     agg.TotalTradingResult,
		BatteryResultEpex:      agg.PeriodEpexResult,
		BatteryResultImbalance: agg.PeriodImbalanceResult,
		BatteryResultCustom:    agg.PeriodFrankSlim,
		Mode:                   mode,
	}
}

// Ranking is today's position of the account on the results board.
type Ranking struct {
	OverallRank  *int `json:"overall_rank"`
	ProviderRank *int `json:"provider_rank"`
}

// TradingMode is the trading strategy a battery runs under.
type TradingMode string

const (
	ModeImbalance           TradingMode = "imbalance"
	ModeImbalanceAggressive TradingMode = "imbalance_aggressive"
	ModeManual              TradingMode = "manual"
	ModeDayAhead            TradingMode = "day_ahead"
	ModeSelfConsumption     TradingMode = "self_consumption"
	ModeSelfConsumptionPlus TradingMode = "self_consumption_plus"
)

// DetectTradingMode derives the trading mode from battery settings.
func DetectTradingMode(s BatterySettings) TradingMode {
	switch {
	case s.BatteryMode == "IMBALANCE_TRADING" && s.ImbalanceTradingStrategy == "STANDARD":
		return ModeImbalance
	case s.BatteryMode == "IMBALANCE_TRADING" && s.ImbalanceTradingStrategy == "AGGRESSIVE":
		return ModeImbalanceAggressive
	case s.BatteryMode == "SELF_CONSUMPTION_MIX":
		return ModeSelfConsumptionPlus
	default:
		return ModeManual
	}
}

// Description is the human-readable name of a trading mode.
func (m TradingMode) Description() string {
	switch m {
	case ModeImbalance:
		return "Imbalance Trading (Standard)"
	case ModeImbalanceAggressive:
		return "Imbalance Trading (Aggressive)"
	case ModeManual:
		return "Manual Mode"
	case ModeDayAhead:
		return "Day-Ahead Trading"
	case ModeSelfConsumption:
		return "Self Consumption"
	case ModeSelfConsumptionPlus:
		return "Self Consumption Plus"
	}
	return string(m)
}

// ScaleEnergyValue multiplies a per-battery average by the battery count.
// A nil average stays nil.
func ScaleEnergyValue(average *float64, batteryCount int) *float64 {
	if average == nil {
		return nil
	}
	v := *average * float64(batteryCount)
	return &v
}
