package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/boddenberg/battery-aggregator-bfa/internal/domain"
	"github.com/boddenberg/battery-aggregator-bfa/internal/infra/observability"
	"github.com/boddenberg/battery-aggregator-bfa/internal/infra/resilience"
	"github.com/boddenberg/battery-aggregator-bfa/internal/port"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var tradingTracer = otel.Tracer("service/trading")

const batteryListKey = "batteries"

// TradingAggregatorConfig carries the dependencies of a TradingAggregator.
type TradingAggregatorConfig struct {
	Fetcher    port.SessionFetcher
	Lister     port.BatteryLister                    // optional, used when Configured is empty
	Detailer   port.BatteryDetailer                  // optional
	Configured []domain.Battery                      // batteries from the sources file
	ListCache  port.Cache[[]domain.Battery]          // optional
	Results    port.Cache[*domain.FinancialAggregate] // optional, only complete results are cached
	Bulkhead   *resilience.Bulkhead
	Location   *time.Location
	Metrics    *observability.Metrics
	Logger     *zap.Logger
}

// TradingAggregator sums trading results of several batteries over a period.
type TradingAggregator struct {
	fetcher    port.SessionFetcher
	lister     port.BatteryLister
	detailer   port.BatteryDetailer
	configured []domain.Battery
	listCache  port.Cache[[]domain.Battery]
	results    port.Cache[*domain.FinancialAggregate]
	bulkhead   *resilience.Bulkhead
	loc        *time.Location
	metrics    *observability.Metrics
	logger     *zap.Logger
}

// NewTradingAggregator creates the aggregator. A nil Bulkhead allows four
// concurrent fetches; a nil Location means UTC.
func NewTradingAggregator(cfg TradingAggregatorConfig) *TradingAggregator {
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NewMetrics()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Bulkhead == nil {
		cfg.Bulkhead = resilience.NewBulkhead(4)
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &TradingAggregator{
		fetcher:    cfg.Fetcher,
		lister:     cfg.Lister,
		detailer:   cfg.Detailer,
		configured: cfg.Configured,
		listCache:  cfg.ListCache,
		results:    cfg.Results,
		bulkhead:   cfg.Bulkhead,
		loc:        cfg.Location,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger,
	}
}

type fetchOutcome struct {
	result *domain.SessionResult
	err    error
}

// AggregateFinancialResults fetches every battery's results concurrently and
// sums them. Failed batteries are reported next to the aggregate; when every
// battery fails no aggregate is returned and the error is ErrAllSourcesFailed.
func (a *TradingAggregator) AggregateFinancialResults(ctx context.Context, sourceIDs []string, start, end time.Time) (*domain.FinancialAggregate, []domain.SourceFailure, error) {
	ctx, span := tradingTracer.Start(ctx, "TradingAggregator.AggregateFinancialResults")
	defer span.End()
	span.SetAttributes(attribute.Int("battery.count", len(sourceIDs)))

	sourceIDs = uniqueIDs(sourceIDs)
	if len(sourceIDs) == 0 {
		return nil, nil, &domain.ErrValidation{Field: "source_id", Message: "at least one battery is required"}
	}
	if start.After(end) {
		return nil, nil, &domain.ErrValidation{Field: "start", Message: "must not be after end"}
	}

	startDate := start.In(a.loc).Format(domain.DateLayout)
	endDate := end.In(a.loc).Format(domain.DateLayout)

	cacheKey := resultKey(sourceIDs, startDate, endDate)
	if a.results != nil {
		if cached, ok := a.results.Get(cacheKey); ok {
			a.metrics.IncrCacheHit("trading_results")
			return cached, nil, nil
		}
		a.metrics.IncrCacheMiss("trading_results")
	}

	begin := time.Now()
	defer func() {
		a.metrics.RecordRequestDuration("aggregate_trading", time.Since(begin))
	}()

	outcomes := make([]fetchOutcome, len(sourceIDs))

	// every fetch reports into its own slot; none returns an error, so the
	// group only joins and never cancels siblings
	var g errgroup.Group
	for i, id := range sourceIDs {
		g.Go(func() error {
			var res *domain.SessionResult
			err := a.bulkhead.Do(ctx, func() error {
				var fetchErr error
				res, fetchErr = a.fetcher.FetchSessions(ctx, id, start, end)
				return fetchErr
			})
			outcomes[i] = fetchOutcome{result: res, err: err}
			return nil
		})
	}
	_ = g.Wait()

	agg := &domain.FinancialAggregate{
		RunID:       uuid.NewString(),
		StartDate:   startDate,
		EndDate:     endDate,
		SourceCount: len(sourceIDs),
		Sessions:    make([]domain.SessionResult, 0, len(sourceIDs)),
	}
	var failures []domain.SourceFailure

	for i, out := range outcomes {
		id := sourceIDs[i]
		if out.err == nil && out.result == nil {
			out.err = fmt.Errorf("empty result")
		}
		if out.err != nil {
			name := a.displayName(id)
			a.logger.Error("failed to fetch trading results",
				zap.String("battery_id", id),
				zap.String("battery_name", name),
				zap.Error(out.err),
			)
			a.metrics.IncrTradingFailure(id)
			a.metrics.IncrExternalError("trading_ledger")
			failures = append(failures, domain.SourceFailure{SourceID: id, DisplayName: name, Error: out.err.Error()})
			continue
		}

		r := out.result
		agg.PeriodTotalResult = agg.PeriodTotalResult.Add(decimal.NewFromFloat(r.PeriodTotalResult))
		agg.PeriodEpexResult = agg.PeriodEpexResult.Add(decimal.NewFromFloat(r.PeriodEpexResult))
		agg.PeriodTradingResult = agg.PeriodTradingResult.Add(decimal.NewFromFloat(r.PeriodTradingResult))
		agg.PeriodFrankSlim = agg.PeriodFrankSlim.Add(decimal.NewFromFloat(r.PeriodFrankSlim))
		agg.PeriodImbalanceResult = agg.PeriodImbalanceResult.Add(decimal.NewFromFloat(r.PeriodImbalanceResult))
		if len(r.Sessions) > 0 {
			// the ledger returns the most recent session first
			agg.TotalTradingResult = agg.TotalTradingResult.Add(decimal.NewFromFloat(r.Sessions[0].CumulativeResult))
		}
		agg.Sessions = append(agg.Sessions, *r)
		agg.SucceededCount++
	}
	agg.Failures = failures

	span.SetAttributes(
		attribute.Int("battery.succeeded", agg.SucceededCount),
		attribute.Int("battery.failed", len(failures)),
	)

	if agg.SucceededCount == 0 {
		return nil, failures, &domain.ErrAllSourcesFailed{Failures: failures}
	}
	if len(failures) > 0 {
		a.logger.Warn("partial trading results",
			zap.String("run_id", agg.RunID),
			zap.Int("succeeded", agg.SucceededCount),
			zap.Int("failed", len(failures)),
		)
	} else if a.results != nil {
		a.results.Set(cacheKey, agg)
	}

	a.logger.Info("aggregated trading results",
		zap.String("run_id", agg.RunID),
		zap.String("start_date", startDate),
		zap.String("end_date", endDate),
		zap.Int("batteries", agg.SucceededCount),
		zap.String("period_total_result", agg.PeriodTotalResult.StringFixed(2)),
	)
	return agg, failures, nil
}

// Sources returns the batteries to aggregate: the configured list when
// present, otherwise the account's batteries as listed by the ledger.
func (a *TradingAggregator) Sources(ctx context.Context) ([]domain.Battery, error) {
	ctx, span := tradingTracer.Start(ctx, "TradingAggregator.Sources")
	defer span.End()

	if len(a.configured) > 0 {
		return a.configured, nil
	}
	if a.lister == nil {
		return nil, nil
	}
	if a.listCache != nil {
		if cached, ok := a.listCache.Get(batteryListKey); ok {
			a.metrics.IncrCacheHit("batteries")
			return cached, nil
		}
		a.metrics.IncrCacheMiss("batteries")
	}

	batteries, err := a.lister.ListBatteries(ctx)
	if err != nil {
		a.metrics.IncrExternalError("trading_ledger")
		return nil, fmt.Errorf("list batteries: %w", err)
	}
	sort.Slice(batteries, func(i, j int) bool { return batteries[i].ID < batteries[j].ID })
	if a.listCache != nil {
		a.listCache.Set(batteryListKey, batteries)
	}
	a.logger.Info("discovered batteries", zap.Int("count", len(batteries)))
	return batteries, nil
}

// SourceIDs returns the ids of Sources.
func (a *TradingAggregator) SourceIDs(ctx context.Context) ([]string, error) {
	batteries, err := a.Sources(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(batteries))
	for _, b := range batteries {
		ids = append(ids, b.ID)
	}
	return ids, nil
}

// TradingMode looks up a battery's settings and derives its trading mode.
func (a *TradingAggregator) TradingMode(ctx context.Context, sourceID string) (domain.TradingMode, error) {
	ctx, span := tradingTracer.Start(ctx, "TradingAggregator.TradingMode")
	defer span.End()
	span.SetAttributes(attribute.String("battery.id", sourceID))

	if a.detailer == nil {
		return "", &domain.ErrNotFound{Resource: "battery settings", ID: sourceID}
	}
	b, err := a.detailer.GetBattery(ctx, sourceID)
	if err != nil {
		return "", err
	}
	if b.Settings == nil {
		return domain.ModeManual, nil
	}
	return domain.DetectTradingMode(*b.Settings), nil
}

// displayName prefers a known external reference over the id-based fallback.
// Only already known names are used; no request is made.
func (a *TradingAggregator) displayName(id string) string {
	for _, b := range a.configured {
		if b.ID == id {
			return b.DisplayName()
		}
	}
	if a.listCache != nil {
		if listed, ok := a.listCache.Get(batteryListKey); ok {
			for _, b := range listed {
				if b.ID == id {
					return b.DisplayName()
				}
			}
		}
	}
	return domain.FallbackDisplayName(id)
}

// uniqueIDs drops empty and repeated ids, keeping the first occurrence.
func uniqueIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func resultKey(ids []string, startDate, endDate string) string {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	return fmt.Sprintf("%s|%s|%s", strings.Join(sorted, ","), startDate, endDate)
}
