package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/boddenberg/battery-aggregator-bfa/internal/config"
	"github.com/boddenberg/battery-aggregator-bfa/internal/domain"
	"github.com/boddenberg/battery-aggregator-bfa/internal/handler"
	"github.com/boddenberg/battery-aggregator-bfa/internal/infra/cache"
	"github.com/boddenberg/battery-aggregator-bfa/internal/infra/client"
	"github.com/boddenberg/battery-aggregator-bfa/internal/infra/clock"
	"github.com/boddenberg/battery-aggregator-bfa/internal/infra/kafkapub"
	"github.com/boddenberg/battery-aggregator-bfa/internal/infra/mqttingest"
	"github.com/boddenberg/battery-aggregator-bfa/internal/infra/observability"
	"github.com/boddenberg/battery-aggregator-bfa/internal/infra/resilience"
	"github.com/boddenberg/battery-aggregator-bfa/internal/infra/statestore"
	"github.com/boddenberg/battery-aggregator-bfa/internal/infra/supabase"
	"github.com/boddenberg/battery-aggregator-bfa/internal/infra/ws"
	"github.com/boddenberg/battery-aggregator-bfa/internal/port"
	"github.com/boddenberg/battery-aggregator-bfa/internal/service"

	"go.uber.org/zap"
)

func main() {
	// --- Load .env file (for local development) ---
	_ = config.LoadDotEnv(".env")

	// --- Config ---
	cfg := config.Load()

	// --- Logger ---
	logger := observability.NewLogger(cfg.LogLevel)
	defer logger.Sync()

	logger.Info("configuration loaded",
		zap.Int("port", cfg.Port),
		zap.String("log_level", cfg.LogLevel),
		zap.String("engine_id", cfg.EngineID),
		zap.String("time_zone", cfg.TimeZone),
		zap.String("state_backend", cfg.StateBackend),
		zap.Duration("poll_interval", cfg.PollInterval),
		zap.Duration("http_timeout", cfg.HTTPTimeout),
		zap.Duration("cache_ttl", cfg.CacheTTL),
		zap.Int("max_retries", cfg.MaxRetries),
		zap.Bool("mqtt", cfg.MQTTBrokerURL != ""),
		zap.Bool("kafka", len(cfg.KafkaBrokers) > 0),
	)

	loc, err := time.LoadLocation(cfg.TimeZone)
	if err != nil {
		logger.Fatal("invalid time zone", zap.String("time_zone", cfg.TimeZone), zap.Error(err))
	}

	// --- Tracing ---
	shutdownTracer, err := observability.InitTracer(cfg.OTLPEndpoint, "battery-aggregator-bfa")
	if err != nil {
		logger.Fatal("failed to init tracer", zap.Error(err))
	}
	defer shutdownTracer(context.Background())

	// --- Metrics ---
	metrics := observability.NewMetrics()

	// --- Resilience ---
	resilienceCfg := resilience.Config{
		MaxRetries:     cfg.MaxRetries,
		InitialBackoff: cfg.InitialBackoff,
		MaxBackoff:     cfg.MaxBackoff,
		MaxConcurrency: cfg.MaxConcurrency,
	}

	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}

	// --- Supabase (state store and/or summary archive) ---
	var supabaseClient *supabase.Client
	if cfg.SupabaseURL != "" {
		supabaseClient = supabase.NewClient(
			httpClient,
			cfg.SupabaseURL,
			cfg.SupabaseAnonKey,
			cfg.SupabaseServiceKey,
			resilience.NewCircuitBreaker("supabase", logger),
			resilienceCfg,
			logger,
		)
	}

	// --- State store ---
	var store port.StateStore
	switch {
	case cfg.UseSupabase():
		logger.Info("engine state in Supabase", zap.String("supabase_url", cfg.SupabaseURL))
		store = supabase.NewStateStore(supabaseClient, cfg.EngineID)
	case cfg.StateBackend == "memory":
		logger.Warn("engine state in memory, it is lost on restart")
		store = statestore.NewMemory()
	default:
		logger.Info("engine state in file", zap.String("path", cfg.StateFile))
		store = statestore.NewFile(cfg.StateFile, logger)
	}

	// --- Daily summary publishers ---
	hub := ws.NewHub(logger)
	publishers := service.SummaryFanout{hub}

	var kafkaPub *kafkapub.Publisher
	if len(cfg.KafkaBrokers) > 0 {
		kafkaPub, err = kafkapub.New(kafkapub.Config{
			Brokers:  cfg.KafkaBrokers,
			Topic:    cfg.KafkaTopic,
			EngineID: cfg.EngineID,
		}, logger)
		if err != nil {
			logger.Fatal("failed to create kafka publisher", zap.Error(err))
		}
		publishers = append(publishers, kafkaPub)
	}
	if supabaseClient != nil && cfg.ArchiveSummaries {
		publishers = append(publishers, supabase.NewSummaryArchive(supabaseClient, cfg.EngineID))
	}

	// --- Engine ---
	sched := clock.NewReal()
	engine, err := service.NewMetricsStore(service.MetricsStoreConfig{
		Store:     store,
		Scheduler: sched,
		Location:  loc,
		Publisher: publishers,
		Listener:  hub,
		Metrics:   metrics,
		Logger:    logger,
	})
	if err != nil {
		logger.Fatal("failed to create metrics store", zap.Error(err))
	}

	startupCtx, cancelStartup := context.WithTimeout(context.Background(), 30*time.Second)
	if _, err := engine.EnsureRolloverForToday(startupCtx); err != nil {
		// retried on the first report
		logger.Error("startup rollover failed", zap.Error(err))
	}
	cancelStartup()
	nextReset := engine.ScheduleAutomaticReset()
	logger.Info("automatic reset armed", zap.Time("next_reset", nextReset))

	// --- Trading results ---
	batteries, err := config.LoadSources(cfg.SourcesFile)
	if err != nil {
		logger.Fatal("failed to load sources file", zap.String("path", cfg.SourcesFile), zap.Error(err))
	}
	ledger := client.NewLedgerClient(
		httpClient,
		cfg.LedgerURL,
		cfg.LedgerToken,
		loc,
		resilience.NewCircuitBreaker("trading-ledger", logger),
		resilienceCfg,
	)
	listCache := cache.New[[]domain.Battery](cfg.CacheTTL)
	defer listCache.Stop()
	resultCache := cache.New[*domain.FinancialAggregate](cfg.CacheTTL)
	defer resultCache.Stop()

	trading := service.NewTradingAggregator(service.TradingAggregatorConfig{
		Fetcher:    ledger,
		Lister:     ledger,
		Detailer:   ledger,
		Configured: batteries,
		ListCache:  listCache,
		Results:    resultCache,
		Bulkhead:   resilience.NewBulkhead(cfg.MaxConcurrency),
		Location:   loc,
		Metrics:    metrics,
		Logger:     logger,
	})

	pollerCfg := service.TradingPollerConfig{
		Aggregator: trading,
		Scheduler:  sched,
		Interval:   cfg.PollInterval,
		Metrics:    metrics,
		Logger:     logger,
	}
	if cfg.OnbalansmarktAPIKey != "" {
		board := client.NewOnbalansmarktClient(
			httpClient,
			cfg.OnbalansmarktURL,
			cfg.OnbalansmarktAPIKey,
			resilience.NewCircuitBreaker("onbalansmarkt", logger),
			resilienceCfg,
		)
		pollerCfg.Rankings = board
		if cfg.SendMeasurements {
			pollerCfg.Sender = board
		}
	}
	logger.Info("results board",
		zap.Bool("rankings", pollerCfg.Rankings != nil),
		zap.Bool("send_measurements", pollerCfg.Sender != nil),
	)

	var poller *service.TradingPoller
	if cfg.LedgerToken != "" && cfg.PollInterval > 0 {
		poller = service.NewTradingPoller(pollerCfg)
		poller.Start()
	} else {
		logger.Warn("trading poller disabled", zap.Bool("ledger_token_set", cfg.LedgerToken != ""))
	}

	// --- MQTT ingest ---
	checks := []handler.HealthCheck{}
	var subscriber *mqttingest.Subscriber
	if cfg.MQTTBrokerURL != "" {
		subscriber = mqttingest.New(mqttingest.Config{
			BrokerURL:   cfg.MQTTBrokerURL,
			ClientID:    cfg.MQTTClientID,
			Username:    cfg.MQTTUsername,
			Password:    cfg.MQTTPassword,
			TopicPrefix: cfg.MQTTTopicPrefix,
			QoS:         byte(cfg.MQTTQoS),
		}, engine, logger)
		if err := subscriber.Start(); err != nil {
			logger.Fatal("failed to connect to mqtt broker", zap.Error(err))
		}
		checks = append(checks, handler.HealthCheck{Name: "mqtt", Check: func(context.Context) error {
			if !subscriber.Connected() {
				return errors.New("mqtt broker not connected")
			}
			return nil
		}})
	}
	if supabaseClient != nil {
		checks = append(checks, handler.HealthCheck{Name: "supabase", Check: supabaseClient.Ping})
	}

	// --- Operator auth ---
	auth := service.NewOperatorAuth(cfg.OperatorPasswordHash, cfg.JWTSecret, cfg.JWTAccessTTL, logger)
	if !auth.Enabled() {
		logger.Warn("operator auth: OPERATOR_PASSWORD_HASH or JWT_SECRET not set, operator routes unavailable")
	}

	// --- Router ---
	router := handler.NewRouter(handler.Deps{
		Engine:      engine,
		Trading:     trading,
		Poller:      poller,
		Auth:        auth,
		Stream:      ws.NewHandler(hub, engine, cfg.CORSOrigins, logger),
		Checks:      checks,
		Location:    loc,
		CORSOrigins: cfg.CORSOrigins,
		Metrics:     metrics,
		Logger:      logger,
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// --- Graceful shutdown ---
	go func() {
		logger.Info("server starting", zap.Int("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("server shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server forced shutdown", zap.Error(err))
	}

	if subscriber != nil {
		subscriber.Stop()
	}
	if poller != nil {
		poller.Stop()
	}
	engine.Close()
	if kafkaPub != nil {
		if err := kafkaPub.Close(); err != nil {
			logger.Warn("kafka publisher close failed", zap.Error(err))
		}
	}

	logger.Info("server stopped")
}
