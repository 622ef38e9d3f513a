// Package port defines the interfaces (ports) for external dependencies.
// Following hexagonal architecture, these ports decouple the domain/service
// layer from concrete implementations.
package port

import (
	"context"
	"time"

	"github.com/boddenberg/battery-aggregator-bfa/internal/domain"
)

// StateStore persists the engine state as a single opaque blob.
type StateStore interface {
	// Load returns the stored blob; found is false when nothing was saved yet.
	Load(ctx context.Context) (blob []byte, found bool, err error)
	Save(ctx context.Context, blob []byte) error
	Clear(ctx context.Context) error
}

// SessionFetcher retrieves trading session results for one battery.
type SessionFetcher interface {
	FetchSessions(ctx context.Context, sourceID string, start, end time.Time) (*domain.SessionResult, error)
}

// BatteryLister lists the batteries registered on the trading account.
type BatteryLister interface {
	ListBatteries(ctx context.Context) ([]domain.Battery, error)
}

// BatteryDetailer fetches a single battery including its trading settings.
type BatteryDetailer interface {
	GetBattery(ctx context.Context, sourceID string) (*domain.Battery, error)
}

// MeasurementSender uploads aggregated trading results to the results board.
type MeasurementSender interface {
	SendMeasurement(ctx context.Context, m domain.Measurement) error
}

// RankingFetcher reads the account's current ranking from the results board.
type RankingFetcher interface {
	FetchRanking(ctx context.Context) (*domain.Ranking, error)
}

// Timer is a pending scheduled callback.
type Timer interface {
	// Stop cancels the timer. It returns false if the timer already fired or was stopped.
	Stop() bool
}

// Scheduler provides the current time and one-shot timers.
type Scheduler interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Cache provides generic caching with TTL.
type Cache[T any] interface {
	Get(key string) (T, bool)
	Set(key string, value T)
	Delete(key string)
}

// DailySummaryPublisher ships the totals of a closed accounting day.
type DailySummaryPublisher interface {
	PublishDailySummary(ctx context.Context, summary domain.DailySummary) error
}

// AggregateListener is notified after every committed engine mutation.
type AggregateListener interface {
	AggregateChanged(agg domain.Aggregate)
}
