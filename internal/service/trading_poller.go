package service

import (
	"context"
	"sync"
	"time"

	"github.com/boddenberg/battery-aggregator-bfa/internal/domain"
	"github.com/boddenberg/battery-aggregator-bfa/internal/infra/observability"
	"github.com/boddenberg/battery-aggregator-bfa/internal/port"

	"go.uber.org/zap"
)

// TradingSnapshot is the latest result kept by the poller. When later polls
// failed, Stale is set and LastError holds the most recent failure.
type TradingSnapshot struct {
	Aggregate  *domain.FinancialAggregate `json:"aggregate"`
	Failures   []domain.SourceFailure     `json:"failures"`
	Mode       domain.TradingMode         `json:"mode,omitempty"`
	Ranking    *domain.Ranking            `json:"ranking,omitempty"`
	FetchedAt  time.Time                  `json:"fetched_at"`
	UploadedAt *time.Time                 `json:"uploaded_at,omitempty"`
	Stale      bool                       `json:"stale"`
	LastError  string                     `json:"last_error,omitempty"`
}

// TradingPollerConfig carries the dependencies of a TradingPoller.
type TradingPollerConfig struct {
	Aggregator *TradingAggregator
	Scheduler  port.Scheduler
	Interval   time.Duration
	Sender     port.MeasurementSender // optional, uploads results with a non-zero trading result
	Rankings   port.RankingFetcher    // optional
	Metrics    *observability.Metrics
	Logger     *zap.Logger
}

// TradingPoller refreshes today's trading results on a fixed interval.
type TradingPoller struct {
	agg      *TradingAggregator
	sched    port.Scheduler
	interval time.Duration
	sender   port.MeasurementSender
	rankings port.RankingFetcher
	metrics  *observability.Metrics
	logger   *zap.Logger

	mu      sync.RWMutex
	latest  *TradingSnapshot
	lastErr error

	timerMu sync.Mutex
	timer   port.Timer
	stopped bool
}

// NewTradingPoller creates a poller. Call Start to begin polling.
func NewTradingPoller(cfg TradingPollerConfig) *TradingPoller {
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NewMetrics()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &TradingPoller{
		agg:      cfg.Aggregator,
		sched:    cfg.Scheduler,
		interval: cfg.Interval,
		sender:   cfg.Sender,
		rankings: cfg.Rankings,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
	}
}

// Start arms the first poll after one interval.
func (p *TradingPoller) Start() {
	p.arm()
	p.logger.Info("trading poller started", zap.Duration("interval", p.interval))
}

func (p *TradingPoller) arm() {
	p.timerMu.Lock()
	defer p.timerMu.Unlock()
	if p.stopped {
		return
	}
	p.timer = p.sched.AfterFunc(p.interval, p.tick)
}

func (p *TradingPoller) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), p.interval)
	defer cancel()

	if err := p.PollOnce(ctx); err != nil {
		p.logger.Warn("trading poll failed", zap.Error(err))
	}
	p.arm()
}

// PollOnce aggregates today's results for every known battery.
func (p *TradingPoller) PollOnce(ctx context.Context) error {
	ids, err := p.agg.SourceIDs(ctx)
	if err != nil {
		p.setErr(err)
		return err
	}
	if len(ids) == 0 {
		p.logger.Debug("trading poll skipped, no batteries")
		return nil
	}

	now := p.sched.Now()
	agg, failures, err := p.agg.AggregateFinancialResults(ctx, ids, now, now)
	if err != nil {
		p.setErr(err)
		return err
	}

	p.metrics.SetTradingResult("period_total_result", agg.PeriodTotalResult.InexactFloat64())
	p.metrics.SetTradingResult("period_trading_result", agg.PeriodTradingResult.InexactFloat64())
	p.metrics.SetTradingResult("period_epex_result", agg.PeriodEpexResult.InexactFloat64())
	p.metrics.SetTradingResult("period_imbalance_result", agg.PeriodImbalanceResult.InexactFloat64())
	p.metrics.SetTradingResult("period_frank_slim", agg.PeriodFrankSlim.InexactFloat64())
	p.metrics.SetTradingResult("total_trading_result", agg.TotalTradingResult.InexactFloat64())

	snap := &TradingSnapshot{Aggregate: agg, Failures: failures, FetchedAt: now}
	// the first battery's settings stand for the account
	snap.Mode = p.tradingMode(ctx, ids[0])
	snap.UploadedAt = p.upload(ctx, agg, snap.Mode, now)
	snap.Ranking = p.ranking(ctx)

	p.mu.Lock()
	p.latest = snap
	p.lastErr = nil
	p.mu.Unlock()
	return nil
}

func (p *TradingPoller) tradingMode(ctx context.Context, id string) domain.TradingMode {
	mode, err := p.agg.TradingMode(ctx, id)
	if err != nil {
		p.logger.Warn("trading mode unavailable", zap.String("battery_id", id), zap.Error(err))
		return ""
	}
	return mode
}

// upload sends the aggregate to the results board. Days without a trading
// result are not sent. Failures are logged; they do not fail the poll.
func (p *TradingPoller) upload(ctx context.Context, agg *domain.FinancialAggregate, mode domain.TradingMode, now time.Time) *time.Time {
	if p.sender == nil {
		return nil
	}
	if agg.PeriodTradingResult.IsZero() {
		p.metrics.IncrMeasurement("skipped")
		p.logger.Debug("measurement skipped, no trading result yet")
		return nil
	}
	if err := p.sender.SendMeasurement(ctx, domain.NewMeasurement(agg, mode, now)); err != nil {
		p.metrics.IncrMeasurement("failed")
		p.metrics.IncrExternalError("onbalansmarkt")
		p.logger.Warn("failed to send measurement", zap.String("run_id", agg.RunID), zap.Error(err))
		return nil
	}
	p.metrics.IncrMeasurement("sent")
	p.logger.Info("measurement sent",
		zap.String("run_id", agg.RunID),
		zap.String("battery_result", agg.PeriodTradingResult.StringFixed(2)),
		zap.String("mode", string(mode)),
	)
	return &now
}

func (p *TradingPoller) ranking(ctx context.Context) *domain.Ranking {
	if p.rankings == nil {
		return nil
	}
	rank, err := p.rankings.FetchRanking(ctx)
	if err != nil {
		p.metrics.IncrExternalError("onbalansmarkt")
		p.logger.Warn("failed to fetch ranking", zap.Error(err))
		return nil
	}
	if rank.OverallRank != nil {
		p.metrics.SetRank("overall", *rank.OverallRank)
	}
	if rank.ProviderRank != nil {
		p.metrics.SetRank("provider", *rank.ProviderRank)
	}
	return rank
}

func (p *TradingPoller) setErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastErr = err
}

// Latest returns the most recent successful poll, marked stale when a later
// poll failed. Before the first success it returns the last poll error, or
// ErrNotFound when nothing ran yet.
func (p *TradingPoller) Latest() (*TradingSnapshot, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.latest == nil {
		if p.lastErr != nil {
			return nil, p.lastErr
		}
		return nil, &domain.ErrNotFound{Resource: "trading snapshot", ID: "latest"}
	}
	snap := *p.latest
	if p.lastErr != nil {
		snap.Stale = true
		snap.LastError = p.lastErr.Error()
	}
	return &snap, nil
}

// Stop cancels the pending poll.
func (p *TradingPoller) Stop() {
	p.timerMu.Lock()
	defer p.timerMu.Unlock()
	p.stopped = true
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}
