package service_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/boddenberg/battery-aggregator-bfa/internal/domain"
	"github.com/boddenberg/battery-aggregator-bfa/internal/infra/cache"
	"github.com/boddenberg/battery-aggregator-bfa/internal/infra/clock"
	"github.com/boddenberg/battery-aggregator-bfa/internal/infra/observability"
	"github.com/boddenberg/battery-aggregator-bfa/internal/infra/resilience"
	"github.com/boddenberg/battery-aggregator-bfa/internal/service"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// --- Mocks ---

type mockSessionFetcher struct {
	mu       sync.Mutex
	results  map[string]*domain.SessionResult
	errs     map[string]error
	calls    int32
	inFlight int32
	peak     int32
	delay    time.Duration
}

func (m *mockSessionFetcher) FetchSessions(_ context.Context, id string, _, _ time.Time) (*domain.SessionResult, error) {
	atomic.AddInt32(&m.calls, 1)
	n := atomic.AddInt32(&m.inFlight, 1)
	defer atomic.AddInt32(&m.inFlight, -1)
	for {
		p := atomic.LoadInt32(&m.peak)
		if n <= p || atomic.CompareAndSwapInt32(&m.peak, p, n) {
			break
		}
	}
	if m.delay > 0 {
		time.Sleep(m.delay)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.errs[id]; ok {
		return nil, err
	}
	return m.results[id], nil
}

type mockLister struct {
	batteries []domain.Battery
	err       error
	calls     int
}

func (m *mockLister) ListBatteries(context.Context) ([]domain.Battery, error) {
	m.calls++
	return m.batteries, m.err
}

type mockSender struct {
	mu   sync.Mutex
	sent []domain.Measurement
	err  error
}

func (m *mockSender) SendMeasurement(_ context.Context, meas domain.Measurement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, meas)
	return m.err
}

func (m *mockSender) all() []domain.Measurement {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.Measurement(nil), m.sent...)
}

type mockRankings struct {
	rank *domain.Ranking
	err  error
}

func (m *mockRankings) FetchRanking(context.Context) (*domain.Ranking, error) {
	return m.rank, m.err
}

type mockDetailer struct {
	battery *domain.Battery
	err     error
}

func (m *mockDetailer) GetBattery(context.Context, string) (*domain.Battery, error) {
	return m.battery, m.err
}

func sessionResult(total, epex, trading, frankSlim, imbalance float64, cumulative ...float64) *domain.SessionResult {
	r := &domain.SessionResult{
		PeriodTotalResult:     total,
		PeriodEpexResult:      epex,
		PeriodTradingResult:   trading,
		PeriodFrankSlim:       frankSlim,
		PeriodImbalanceResult: imbalance,
	}
	for _, c := range cumulative {
		r.Sessions = append(r.Sessions, domain.Session{CumulativeResult: c})
	}
	return r
}

func newTradingAggregator(fetcher *mockSessionFetcher, cfg service.TradingAggregatorConfig) *service.TradingAggregator {
	cfg.Fetcher = fetcher
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NewMetrics()
	}
	cfg.Logger = zap.NewNop()
	return service.NewTradingAggregator(cfg)
}

var (
	periodStart = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	periodEnd   = time.Date(2024, 6, 10, 0, 0, 0, 0, time.UTC)
)

// --- Tests ---

func TestAggregateFinancialResults_SumsAllSources(t *testing.T) {
	fetcher := &mockSessionFetcher{results: map[string]*domain.SessionResult{
		"b-1": sessionResult(10.10, 1, 2, 0.5, 6.6, 140.25, 130),
		"b-2": sessionResult(0.20, 0.1, 0.05, 0.05, 0, 20.5),
		"b-3": sessionResult(-1.05, 0, 0, 0, -1.05),
	}}
	agg := newTradingAggregator(fetcher, service.TradingAggregatorConfig{})

	res, failures, err := agg.AggregateFinancialResults(context.Background(), []string{"b-1", "b-2", "b-3"}, periodStart, periodEnd)
	require.NoError(t, err)
	assert.Empty(t, failures)

	assert.True(t, decimal.RequireFromString("9.25").Equal(res.PeriodTotalResult), "got %s", res.PeriodTotalResult)
	assert.True(t, decimal.RequireFromString("1.1").Equal(res.PeriodEpexResult))
	assert.True(t, decimal.RequireFromString("2.05").Equal(res.PeriodTradingResult))
	assert.True(t, decimal.RequireFromString("0.55").Equal(res.PeriodFrankSlim))
	assert.True(t, decimal.RequireFromString("5.55").Equal(res.PeriodImbalanceResult))
	// only the first session's cumulative result counts; b-3 has no sessions
	assert.True(t, decimal.RequireFromString("160.75").Equal(res.TotalTradingResult))

	assert.Equal(t, 3, res.SourceCount)
	assert.Equal(t, 3, res.SucceededCount)
	assert.Len(t, res.Sessions, 3)
	assert.Equal(t, "2024-06-01", res.StartDate)
	assert.Equal(t, "2024-06-10", res.EndDate)
	assert.NotEmpty(t, res.RunID)
}

func TestAggregateFinancialResults_PartialFailure(t *testing.T) {
	fetcher := &mockSessionFetcher{
		results: map[string]*domain.SessionResult{
			"aaaaaaaa-1111": sessionResult(5, 0, 0, 0, 0, 50),
			"cccccccc-3333": sessionResult(3, 0, 0, 0, 0, 30),
		},
		errs: map[string]error{
			"bbbbbbbb-2222": errors.New("ledger timeout"),
			"dddddddd-4444": errors.New("not authorised"),
		},
	}
	metrics := observability.NewMetrics()
	agg := newTradingAggregator(fetcher, service.TradingAggregatorConfig{
		Configured: []domain.Battery{{ID: "bbbbbbbb-2222", ExternalReference: "Garage"}},
		Metrics:    metrics,
	})

	ids := []string{"aaaaaaaa-1111", "bbbbbbbb-2222", "cccccccc-3333", "dddddddd-4444"}
	res, failures, err := agg.AggregateFinancialResults(context.Background(), ids, periodStart, periodEnd)
	require.NoError(t, err)

	assert.True(t, decimal.NewFromInt(8).Equal(res.PeriodTotalResult))
	assert.True(t, decimal.NewFromInt(80).Equal(res.TotalTradingResult))
	assert.Equal(t, 2, res.SucceededCount)
	assert.Equal(t, 4, res.SourceCount)

	require.Len(t, failures, 2)
	assert.Equal(t, domain.SourceFailure{SourceID: "bbbbbbbb-2222", DisplayName: "Garage", Error: "ledger timeout"}, failures[0])
	assert.Equal(t, domain.SourceFailure{SourceID: "dddddddd-4444", DisplayName: "Battery dddddddd", Error: "not authorised"}, failures[1])
	assert.Equal(t, failures, res.Failures)

	assert.Equal(t, 2.0, metrics.GetEngineSnapshot().TradingFailures)
	assert.Equal(t, int32(4), atomic.LoadInt32(&fetcher.calls), "no fail-fast")
}

func TestAggregateFinancialResults_AllFailed(t *testing.T) {
	fetcher := &mockSessionFetcher{errs: map[string]error{
		"b-1": errors.New("boom"),
		"b-2": errors.New("bang"),
	}}
	agg := newTradingAggregator(fetcher, service.TradingAggregatorConfig{})

	res, failures, err := agg.AggregateFinancialResults(context.Background(), []string{"b-1", "b-2"}, periodStart, periodEnd)
	assert.Nil(t, res)
	require.Len(t, failures, 2)

	var allFailed *domain.ErrAllSourcesFailed
	require.True(t, errors.As(err, &allFailed))
	assert.Len(t, allFailed.Failures, 2)
	assert.Contains(t, err.Error(), "all 2 batteries")
}

func TestAggregateFinancialResults_Validation(t *testing.T) {
	agg := newTradingAggregator(&mockSessionFetcher{}, service.TradingAggregatorConfig{})
	var validation *domain.ErrValidation

	_, _, err := agg.AggregateFinancialResults(context.Background(), nil, periodStart, periodEnd)
	assert.True(t, errors.As(err, &validation))

	_, _, err = agg.AggregateFinancialResults(context.Background(), []string{"b-1"}, periodEnd, periodStart)
	assert.True(t, errors.As(err, &validation))
}

func TestAggregateFinancialResults_BulkheadLimitsConcurrency(t *testing.T) {
	results := map[string]*domain.SessionResult{}
	ids := make([]string, 0, 10)
	for _, id := range []string{"b-0", "b-1", "b-2", "b-3", "b-4", "b-5", "b-6", "b-7", "b-8", "b-9"} {
		results[id] = sessionResult(1, 0, 0, 0, 0)
		ids = append(ids, id)
	}
	fetcher := &mockSessionFetcher{results: results, delay: 5 * time.Millisecond}
	agg := newTradingAggregator(fetcher, service.TradingAggregatorConfig{Bulkhead: resilience.NewBulkhead(2)})

	res, _, err := agg.AggregateFinancialResults(context.Background(), ids, periodStart, periodEnd)
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(10).Equal(res.PeriodTotalResult))
	assert.LessOrEqual(t, atomic.LoadInt32(&fetcher.peak), int32(2))
}

func TestAggregateFinancialResults_CachesCompleteResults(t *testing.T) {
	fetcher := &mockSessionFetcher{
		results: map[string]*domain.SessionResult{"b-1": sessionResult(1, 0, 0, 0, 0)},
		errs:    map[string]error{"b-2": errors.New("down")},
	}
	results := cache.New[*domain.FinancialAggregate](time.Minute)
	defer results.Stop()
	agg := newTradingAggregator(fetcher, service.TradingAggregatorConfig{Results: results})
	ctx := context.Background()

	first, _, err := agg.AggregateFinancialResults(ctx, []string{"b-1"}, periodStart, periodEnd)
	require.NoError(t, err)
	second, _, err := agg.AggregateFinancialResults(ctx, []string{"b-1"}, periodStart, periodEnd)
	require.NoError(t, err)
	assert.Equal(t, first.RunID, second.RunID)
	assert.Equal(t, int32(1), atomic.LoadInt32(&fetcher.calls))

	// partial results are not cached
	_, _, err = agg.AggregateFinancialResults(ctx, []string{"b-1", "b-2"}, periodStart, periodEnd)
	require.NoError(t, err)
	_, _, err = agg.AggregateFinancialResults(ctx, []string{"b-2", "b-1"}, periodStart, periodEnd)
	require.NoError(t, err)
	assert.Equal(t, int32(5), atomic.LoadInt32(&fetcher.calls))
}

func TestSources_ConfiguredThenDiscovered(t *testing.T) {
	configured := []domain.Battery{{ID: "b-1", ExternalReference: "Shed"}}
	agg := newTradingAggregator(&mockSessionFetcher{}, service.TradingAggregatorConfig{Configured: configured})

	got, err := agg.Sources(context.Background())
	require.NoError(t, err)
	assert.Equal(t, configured, got)

	lister := &mockLister{batteries: []domain.Battery{{ID: "z-2"}, {ID: "a-1"}}}
	listCache := cache.New[[]domain.Battery](time.Minute)
	defer listCache.Stop()
	agg = newTradingAggregator(&mockSessionFetcher{}, service.TradingAggregatorConfig{Lister: lister, ListCache: listCache})

	ids, err := agg.SourceIDs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a-1", "z-2"}, ids)

	_, err = agg.Sources(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, lister.calls, "second call is served from cache")
}

func TestSources_ListerError(t *testing.T) {
	agg := newTradingAggregator(&mockSessionFetcher{}, service.TradingAggregatorConfig{
		Lister: &mockLister{err: errors.New("ledger down")},
	})
	_, err := agg.Sources(context.Background())
	assert.ErrorContains(t, err, "ledger down")
}

func TestTradingMode(t *testing.T) {
	agg := newTradingAggregator(&mockSessionFetcher{}, service.TradingAggregatorConfig{
		Detailer: &mockDetailer{battery: &domain.Battery{ID: "b-1", Settings: &domain.BatterySettings{
			BatteryMode:              "IMBALANCE_TRADING",
			ImbalanceTradingStrategy: "STANDARD",
		}}},
	})
	mode, err := agg.TradingMode(context.Background(), "b-1")
	require.NoError(t, err)
	assert.Equal(t, domain.ModeImbalance, mode)

	agg = newTradingAggregator(&mockSessionFetcher{}, service.TradingAggregatorConfig{
		Detailer: &mockDetailer{battery: &domain.Battery{ID: "b-2"}},
	})
	mode, err = agg.TradingMode(context.Background(), "b-2")
	require.NoError(t, err)
	assert.Equal(t, domain.ModeManual, mode)
}

func TestTradingPoller(t *testing.T) {
	fetcher := &mockSessionFetcher{results: map[string]*domain.SessionResult{
		"b-1": sessionResult(2.5, 0, 0, 0, 0, 12),
	}}
	agg := newTradingAggregator(fetcher, service.TradingAggregatorConfig{
		Configured: []domain.Battery{{ID: "b-1"}},
	})
	fake := clock.NewFake(time.Date(2024, 6, 10, 9, 0, 0, 0, time.UTC))
	poller := service.NewTradingPoller(service.TradingPollerConfig{
		Aggregator: agg,
		Scheduler:  fake,
		Interval:   5 * time.Minute,
		Metrics:    observability.NewMetrics(),
		Logger:     zap.NewNop(),
	})

	_, err := poller.Latest()
	var notFound *domain.ErrNotFound
	assert.True(t, errors.As(err, &notFound))

	poller.Start()
	fake.Advance(5 * time.Minute)

	snap, err := poller.Latest()
	require.NoError(t, err)
	assert.True(t, decimal.NewFromFloat(2.5).Equal(snap.Aggregate.PeriodTotalResult))
	assert.Equal(t, "2024-06-10", snap.Aggregate.StartDate)
	assert.Equal(t, 1, fake.Pending(), "poller re-arms itself")

	fake.Advance(5 * time.Minute)
	assert.Equal(t, int32(2), atomic.LoadInt32(&fetcher.calls))

	poller.Stop()
	assert.Equal(t, 0, fake.Pending())
}

func TestAggregateFinancialResults_DuplicateIDsCountOnce(t *testing.T) {
	fetcher := &mockSessionFetcher{results: map[string]*domain.SessionResult{
		"a": sessionResult(4.5, 1, 2, 0.5, 1, 60),
	}}
	agg := newTradingAggregator(fetcher, service.TradingAggregatorConfig{})

	res, failures, err := agg.AggregateFinancialResults(context.Background(), []string{"a", "a"}, periodStart, periodEnd)
	require.NoError(t, err)
	assert.Empty(t, failures)

	assert.True(t, decimal.RequireFromString("4.5").Equal(res.PeriodTotalResult), "got %s", res.PeriodTotalResult)
	assert.True(t, decimal.RequireFromString("2").Equal(res.PeriodTradingResult))
	assert.True(t, decimal.RequireFromString("60").Equal(res.TotalTradingResult))
	assert.Equal(t, 1, res.SourceCount)
	assert.Equal(t, 1, res.SucceededCount)
	assert.Len(t, res.Sessions, 1)
	assert.Equal(t, int32(1), atomic.LoadInt32(&fetcher.calls))

	_, _, err = agg.AggregateFinancialResults(context.Background(), []string{"", ""}, periodStart, periodEnd)
	var validation *domain.ErrValidation
	assert.True(t, errors.As(err, &validation))
}

func TestNewTradingAggregator_NilMetricsAndLogger(t *testing.T) {
	agg := service.NewTradingAggregator(service.TradingAggregatorConfig{
		Fetcher: &mockSessionFetcher{errs: map[string]error{"b-1": errors.New("down")}},
	})
	_, failures, err := agg.AggregateFinancialResults(context.Background(), []string{"b-1"}, periodStart, periodEnd)
	var allFailed *domain.ErrAllSourcesFailed
	assert.True(t, errors.As(err, &allFailed))
	assert.Len(t, failures, 1)
}

func newUploadingPoller(fetcher *mockSessionFetcher, sender *mockSender, rankings *mockRankings, metrics *observability.Metrics) *service.TradingPoller {
	agg := newTradingAggregator(fetcher, service.TradingAggregatorConfig{
		Configured: []domain.Battery{{ID: "b-1"}, {ID: "b-2"}},
		Detailer: &mockDetailer{battery: &domain.Battery{ID: "b-1", Settings: &domain.BatterySettings{
			BatteryMode: "IMBALANCE_TRADING", ImbalanceTradingStrategy: "AGGRESSIVE",
		}}},
	})
	cfg := service.TradingPollerConfig{
		Aggregator: agg,
		Scheduler:  clock.NewFake(time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC)),
		Interval:   5 * time.Minute,
		Metrics:    metrics,
	}
	if sender != nil {
		cfg.Sender = sender
	}
	if rankings != nil {
		cfg.Rankings = rankings
	}
	return service.NewTradingPoller(cfg)
}

func TestTradingPoller_SendsMeasurement(t *testing.T) {
	fetcher := &mockSessionFetcher{results: map[string]*domain.SessionResult{
		"b-1": sessionResult(3, 1, 1.5, 0.25, 0.5, 100),
		"b-2": sessionResult(1, 0.5, 0.5, 0, 0, 40),
	}}
	sender := &mockSender{}
	overall := 42
	metrics := observability.NewMetrics()
	poller := newUploadingPoller(fetcher, sender, &mockRankings{rank: &domain.Ranking{OverallRank: &overall}}, metrics)

	require.NoError(t, poller.PollOnce(context.Background()))

	sent := sender.all()
	require.Len(t, sent, 1)
	m := sent[0]
	assert.True(t, decimal.RequireFromString("2").Equal(m.BatteryResult), "got %s", m.BatteryResult)
	assert.True(t, decimal.RequireFromString("140").Equal(m.BatteryResultTotal))
	assert.True(t, decimal.RequireFromString("1.5").Equal(m.BatteryResultEpex))
	assert.True(t, decimal.RequireFromString("0.5").Equal(m.BatteryResultImbalance))
	assert.True(t, decimal.RequireFromString("0.25").Equal(m.BatteryResultCustom))
	assert.Equal(t, domain.ModeImbalanceAggressive, m.Mode)
	assert.Equal(t, time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC), m.Timestamp)

	snap, err := poller.Latest()
	require.NoError(t, err)
	assert.Equal(t, domain.ModeImbalanceAggressive, snap.Mode)
	require.NotNil(t, snap.UploadedAt)
	require.NotNil(t, snap.Ranking)
	assert.Equal(t, 42, *snap.Ranking.OverallRank)
	assert.Equal(t, 1.0, metrics.MeasurementCount("sent"))
}

func TestTradingPoller_SkipsZeroTradingResult(t *testing.T) {
	fetcher := &mockSessionFetcher{results: map[string]*domain.SessionResult{
		"b-1": sessionResult(1, 1, 0, 0, 0, 10),
		"b-2": sessionResult(0, 0, 0, 0, 0, 5),
	}}
	sender := &mockSender{}
	metrics := observability.NewMetrics()
	poller := newUploadingPoller(fetcher, sender, nil, metrics)

	require.NoError(t, poller.PollOnce(context.Background()))
	assert.Empty(t, sender.all())
	assert.Equal(t, 1.0, metrics.MeasurementCount("skipped"))

	snap, err := poller.Latest()
	require.NoError(t, err)
	assert.Nil(t, snap.UploadedAt)
	assert.Nil(t, snap.Ranking)
}

func TestTradingPoller_UploadFailureKeepsPoll(t *testing.T) {
	fetcher := &mockSessionFetcher{results: map[string]*domain.SessionResult{
		"b-1": sessionResult(3, 0, 3, 0, 0, 10),
		"b-2": sessionResult(1, 0, 1, 0, 0, 5),
	}}
	sender := &mockSender{err: errors.New("board down")}
	metrics := observability.NewMetrics()
	poller := newUploadingPoller(fetcher, sender, &mockRankings{err: errors.New("board down")}, metrics)

	require.NoError(t, poller.PollOnce(context.Background()))
	assert.Len(t, sender.all(), 1)
	assert.Equal(t, 1.0, metrics.MeasurementCount("failed"))

	snap, err := poller.Latest()
	require.NoError(t, err)
	assert.Nil(t, snap.UploadedAt)
	assert.False(t, snap.Stale)
}

func TestTradingPoller_SnapshotGoesStale(t *testing.T) {
	fetcher := &mockSessionFetcher{results: map[string]*domain.SessionResult{
		"b-1": sessionResult(3, 0, 3, 0, 0, 10),
		"b-2": sessionResult(1, 0, 1, 0, 0, 5),
	}}
	poller := newUploadingPoller(fetcher, nil, nil, observability.NewMetrics())
	ctx := context.Background()

	require.NoError(t, poller.PollOnce(ctx))
	snap, err := poller.Latest()
	require.NoError(t, err)
	assert.False(t, snap.Stale)
	assert.Empty(t, snap.LastError)

	fetcher.mu.Lock()
	fetcher.errs = map[string]error{"b-1": errors.New("ledger down"), "b-2": errors.New("ledger down")}
	fetcher.mu.Unlock()

	require.Error(t, poller.PollOnce(ctx))
	snap, err = poller.Latest()
	require.NoError(t, err)
	assert.True(t, snap.Stale)
	assert.Contains(t, snap.LastError, "all")
	assert.True(t, decimal.RequireFromString("4").Equal(snap.Aggregate.PeriodTotalResult), "the last good aggregate is kept")

	fetcher.mu.Lock()
	fetcher.errs = nil
	fetcher.mu.Unlock()

	require.NoError(t, poller.PollOnce(ctx))
	snap, err = poller.Latest()
	require.NoError(t, err)
	assert.False(t, snap.Stale)
}

func TestScaleEnergyValue(t *testing.T) {
	assert.Nil(t, domain.ScaleEnergyValue(nil, 3))

	avg := 2.5
	got := domain.ScaleEnergyValue(&avg, 4)
	require.NotNil(t, got)
	assert.Equal(t, 10.0, *got)
}

func TestDetectTradingMode(t *testing.T) {
	cases := map[domain.TradingMode]domain.BatterySettings{
		domain.ModeImbalance:           {BatteryMode: "IMBALANCE_TRADING", ImbalanceTradingStrategy: "STANDARD"},
		domain.ModeImbalanceAggressive: {BatteryMode: "IMBALANCE_TRADING", ImbalanceTradingStrategy: "AGGRESSIVE"},
		domain.ModeSelfConsumptionPlus: {BatteryMode: "SELF_CONSUMPTION_MIX"},
		domain.ModeManual:              {BatteryMode: "SOMETHING_NEW"},
	}
	for want, settings := range cases {
		assert.Equal(t, want, domain.DetectTradingMode(settings), settings.BatteryMode)
		assert.NotEmpty(t, want.Description())
	}
}
