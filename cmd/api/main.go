package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/davidleathers/workspace-activity/internal/api/middleware"
	"github.com/davidleathers/workspace-activity/internal/api/rest"
	"github.com/davidleathers/workspace-activity/internal/api/websocket"
	"github.com/davidleathers/workspace-activity/internal/domain/activity"
	"github.com/davidleathers/workspace-activity/internal/infrastructure/cache"
	"github.com/davidleathers/workspace-activity/internal/infrastructure/config"
	"github.com/davidleathers/workspace-activity/internal/infrastructure/database"
	"github.com/davidleathers/workspace-activity/internal/infrastructure/memory"
	"github.com/davidleathers/workspace-activity/internal/infrastructure/telemetry"
	"github.com/davidleathers/workspace-activity/internal/metrics"
	"github.com/davidleathers/workspace-activity/internal/service/access"
	activitysvc "github.com/davidleathers/workspace-activity/internal/service/activity"
	"github.com/davidleathers/workspace-activity/internal/service/analytics"
)

func main() {
	var (
		configPath = flag.String("config", "", "Path to configuration file")
		migrate    = flag.Bool("migrate", false, "Apply database migrations before serving")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := telemetry.NewLogger(cfg.LogLevel, cfg.Environment)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *migrate, logger); err != nil {
		logger.Fatal("activity service failed", zap.Error(err))
	}
}

// stores bundles the repositories selected by database.driver
type stores struct {
	events    activity.EventRepository
	summaries activity.SummaryRepository
	members   activity.MembershipDirectory
	names     activity.NameDirectory
	pool      *pgxpool.Pool
}

func openStores(ctx context.Context, cfg *config.Config, migrate bool, logger *zap.Logger) (*stores, error) {
	if cfg.Database.Driver == "memory" {
		logger.Warn("using in-memory storage; events are lost on restart")
		dir := memory.NewDirectory()
		return &stores{
			events:    memory.NewEventStore(),
			summaries: memory.NewSummaryStore(),
			members:   dir,
			names:     dir,
		}, nil
	}

	if migrate {
		m, err := database.NewMigrator(cfg.Database.URL)
		if err != nil {
			return nil, err
		}
		upErr := m.Up()
		_ = m.Close()
		if upErr != nil {
			return nil, upErr
		}
		logger.Info("database migrations applied")
	}

	pool, err := database.NewPool(ctx, cfg.Database, logger)
	if err != nil {
		return nil, err
	}
	dir := database.NewDirectory(pool)
	return &stores{
		events:    database.NewEventStore(pool),
		summaries: database.NewSummaryStore(pool),
		members:   dir,
		names:     dir,
		pool:      pool,
	}, nil
}

func run(ctx context.Context, cfg *config.Config, migrate bool, logger *zap.Logger) error {
	otelCfg := telemetry.DefaultConfig()
	otelCfg.Enabled = cfg.Telemetry.Enabled
	otelCfg.ServiceName = cfg.Telemetry.ServiceName
	otelCfg.ServiceVersion = cfg.Version
	otelCfg.Environment = cfg.Environment
	otelCfg.OTLPEndpoint = cfg.Telemetry.OTLPEndpoint
	otelCfg.SamplingRate = cfg.Telemetry.SamplingRate

	provider, err := telemetry.InitializeOpenTelemetry(ctx, otelCfg)
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}()

	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	promReg := newPrometheusRegistry(cfg.Version, cfg.Environment)
	registry := metrics.NewRegistry(promReg)

	st, err := openStores(ctx, cfg, migrate, logger)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	if st.pool != nil {
		defer st.pool.Close()
		promReg.MustRegister(database.NewPoolCollector("activity", st.pool))
	}

	health := rest.NewHealthService(cfg.Telemetry.ServiceName, cfg.Version, 2*time.Second)
	if st.pool != nil {
		health.Register("database", database.HealthCheck(st.pool))
	}

	var statsCache analytics.Cache
	if cfg.Redis.URL != "" {
		redisCache, err := cache.NewRedisCache(ctx, cfg.Redis, logger)
		if err != nil {
			return fmt.Errorf("connecting to redis: %w", err)
		}
		defer func() { _ = redisCache.Close() }()
		statsCache = redisCache
		health.Register("redis", redisCache.Ping)
	}

	hubConfig := websocket.DefaultHubConfig()
	if cfg.Security.MaxStreamClients > 0 {
		hubConfig.MaxClients = cfg.Security.MaxStreamClients
	}
	hub := websocket.NewHub(hubConfig, logger, registry)
	go hub.Run(ctx)

	ingester, err := activitysvc.NewIngester(activitysvc.IngesterConfig{
		QueueSize:        cfg.Ingestion.QueueSize,
		Workers:          cfg.Ingestion.Workers,
		WriteTimeout:     cfg.Ingestion.WriteTimeout,
		DeadLetterSize:   cfg.Ingestion.DeadLetterSize,
		FailureThreshold: cfg.Ingestion.FailureThreshold,
		CircuitTimeout:   activitysvc.DefaultIngesterConfig().CircuitTimeout,
		DrainTimeout:     cfg.Ingestion.DrainTimeout,
	}, st.events, logger, registry, hub)
	if err != nil {
		return fmt.Errorf("creating ingester: %w", err)
	}
	ingester.Start(ctx)
	defer func() { _ = ingester.Close() }()

	verifier := access.NewDefaultVerifier(st.members, logger, registry)
	query := activitysvc.NewQueryService(st.events, verifier, st.members, st.names, loc, logger)

	stats := analytics.NewService(st.events, st.summaries, statsCache, analytics.Config{
		Location:       loc,
		TopN:           cfg.Aggregation.TopN,
		SecurityAlerts: cfg.Aggregation.SecurityAlerts,
		SecurityWindow: cfg.Aggregation.SecurityWindow,
	}, logger, registry)

	schedulerConfig := analytics.DefaultSchedulerConfig()
	schedulerConfig.Interval = cfg.Aggregation.Interval
	schedulerConfig.Lookback = cfg.Aggregation.Lookback
	scheduler := analytics.NewScheduler(stats, ingester, schedulerConfig, logger, registry)
	scheduler.Start(ctx)
	defer scheduler.Stop()

	auth, err := rest.NewAuthMiddleware(rest.AuthConfig{
		JWTSecret:   []byte(cfg.Security.JWTSecret),
		Issuer:      cfg.Security.Issuer,
		TokenExpiry: cfg.Security.TokenExpiry,
	})
	if err != nil {
		return fmt.Errorf("creating auth middleware: %w", err)
	}

	activityMW, err := middleware.NewActivityMiddleware(ingester, middleware.DefaultConfig(), logger)
	if err != nil {
		return fmt.Errorf("creating activity middleware: %w", err)
	}

	var contract *rest.ContractValidator
	if cfg.Server.ValidateRequests {
		contract, err = rest.NewContractValidator()
		if err != nil {
			return fmt.Errorf("loading API contract: %w", err)
		}
	}

	router := rest.NewRouter(rest.RouterConfig{
		Handlers: rest.NewHandlers(rest.HandlerDeps{
			Query:           query,
			Analytics:       stats,
			Verifier:        verifier,
			Directory:       st.members,
			Hub:             hub,
			Emitter:         ingester,
			Events:          ingester,
			Logger:          logger,
			ExportPerMinute: cfg.Security.ExportRateLimit,
			ExportBurst:     cfg.Security.ExportBurst,
		}),
		Auth:     auth,
		Activity: activityMW,
		Health:   health,
		Metrics:  registry,
		Gatherer: promReg,
		Contract: contract,
		Logger:   logger,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("activity API listening",
			zap.String("addr", server.Addr),
			zap.String("driver", cfg.Database.Driver),
			zap.String("environment", cfg.Environment))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down activity API")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	return nil
}
