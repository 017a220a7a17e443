package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sifan077/quicklink/config"
	appmodel "github.com/sifan077/quicklink/internal/app/model"
	apprepository "github.com/sifan077/quicklink/internal/app/repository"
	appserver "github.com/sifan077/quicklink/internal/app/server"
	appservice "github.com/sifan077/quicklink/internal/app/service"
	"github.com/sifan077/quicklink/internal/http/handler"
	"github.com/sifan077/quicklink/internal/infra/logger"
	infraNATS "github.com/sifan077/quicklink/internal/infra/nats"
	infraPostgres "github.com/sifan077/quicklink/internal/infra/postgres"
	infraPrometheus "github.com/sifan077/quicklink/internal/infra/prometheus"
	infraRedis "github.com/sifan077/quicklink/internal/infra/redis"
	"github.com/sifan077/quicklink/internal/infra/wshub"
	"go.uber.org/zap"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallback, _ := zap.NewProduction()
		fallback.Fatal("Failed to load config", zap.Error(err))
	}

	log, err := logger.Init(cfg.Log)
	if err != nil {
		fallback, _ := zap.NewProduction()
		fallback.Fatal("Failed to build logger", zap.Error(err))
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("Configuration loaded successfully",
		zap.String("app_addr", cfg.App.Addr),
		zap.String("dashboard_addr", cfg.Dashboard.Addr),
		zap.String("postgres_host", cfg.Postgres.Host),
		zap.String("postgres_db", cfg.Postgres.Database),
		zap.String("redis_addr", infraRedis.Addr(cfg.Redis)),
		zap.String("nats_url", infraNATS.URL(cfg.NATS)),
		zap.String("change_stream", cfg.ChangeStream.Stream),
	)

	gormDB, err := infraPostgres.NewGorm(cfg.Postgres)
	if err != nil {
		log.Fatal("Failed to open GORM connection", zap.Error(err))
	}
	sqlDB, err := gormDB.DB()
	if err != nil {
		log.Fatal("Failed to access underlying SQL DB", zap.Error(err))
	}
	defer sqlDB.Close()

	if err := infraPostgres.AutoMigrate(ctx, gormDB, &appmodel.Link{}); err != nil {
		log.Fatal("Failed to run database migrations", zap.Error(err))
	}

	pool, err := infraPostgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		log.Fatal("Failed to connect to Postgres", zap.Error(err))
	}
	defer pool.Close()
	log.Info("Connected to Postgres successfully")

	redisClient, err := infraRedis.NewClient(ctx, cfg.Redis)
	if err != nil {
		log.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer redisClient.Close()
	log.Info("Connected to Redis successfully")

	natsConn, js, err := infraNATS.Connect(ctx, cfg.NATS)
	if err != nil {
		log.Fatal("Failed to connect to NATS", zap.Error(err))
	}
	defer natsConn.Drain()
	if err := infraNATS.EnsureAccessStream(js); err != nil {
		log.Fatal("Failed to prepare access stream", zap.Error(err))
	}
	log.Info("Connected to NATS successfully")

	registry := prom.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := infraPrometheus.NewMetrics(registry)

	promServer := infraPrometheus.NewServer(cfg.Prometheus, registry)
	go func() {
		log.Info("Starting Prometheus metrics server", zap.String("addr", promServer.Addr))
		if err := promServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Prometheus metrics server stopped unexpectedly", zap.Error(err))
		}
	}()

	// Link catalog and counters
	linkRepo := apprepository.NewLinkRepository(gormDB)
	linkStore := apprepository.NewLinkStore(redisClient, cfg.ChangeStream.Stream, cfg.ChangeStream.MaxLen)
	codes := appservice.NewCodeGenerator()
	if n, err := appservice.WarmCodes(ctx, linkRepo, codes); err != nil {
		log.Warn("Failed to warm short code filter", zap.Error(err))
	} else {
		log.Info("Short code filter warmed", zap.Int("codes", n))
	}
	linkService := appservice.NewLinkService(linkRepo, linkStore, codes, logger.Named("links"))

	// Live dashboard
	connections := apprepository.NewConnectionRegistry(redisClient, cfg.Dashboard.RegistryKey, cfg.Dashboard.ScanPageSize)

	var dispatcher *appservice.DashboardDispatcher
	hub := wshub.NewHub(wshub.Config{
		InstanceID: cfg.Dashboard.InstanceID,
		PingPeriod: cfg.Dashboard.PingPeriod,
		PongWait:   cfg.Dashboard.PongWait,
		WriteWait:  cfg.Dashboard.WriteWait,
		SendBuffer: cfg.Dashboard.SendBuffer,
	}, wshub.SignalFunc(func(ctx context.Context, sig appmodel.ConnectionSignal) error {
		return dispatcher.HandleSignal(ctx, sig)
	}), connections, logger.Named("wshub"), metrics)

	relay := wshub.NewNATSRelay(natsConn, cfg.Dashboard.RelaySubject, logger.Named("relay"))
	hub.SetForwarder(relay)
	if err := relay.Listen(ctx, hub.InstanceID(), hub); err != nil {
		log.Fatal("Failed to start dashboard relay", zap.Error(err))
	}

	broadcaster := appservice.NewFanoutBroadcaster(connections, hub, appservice.FanoutConfig{
		DeliveryTimeout: cfg.Fanout.DeliveryTimeout,
		BatchDeadline:   cfg.Fanout.BatchDeadline,
		Concurrency:     cfg.Fanout.Concurrency,
		PruneGone:       cfg.Fanout.PruneGone,
	}, logger.Named("fanout"), metrics)

	dispatcher = appservice.NewDashboardDispatcher(appservice.DispatcherDeps{
		Registry:    connections,
		Normalizer:  appservice.NewChangeNormalizer(logger.Named("normalizer"), metrics),
		Broadcaster: broadcaster,
		Logger:      logger.Named("dispatcher"),
		Metrics:     metrics,
	})

	reader := appservice.NewChangeStreamReader(redisClient, appservice.ChangeStreamConfig{
		Stream:    cfg.ChangeStream.Stream,
		Group:     cfg.ChangeStream.Group,
		Consumer:  cfg.ChangeStream.Consumer,
		BatchSize: cfg.ChangeStream.BatchSize,
		Block:     cfg.ChangeStream.Block,
		RetryWait: cfg.ChangeStream.RetryWait,
	}, dispatcher, logger.Named("change-stream"))
	if err := reader.Start(ctx); err != nil {
		log.Fatal("Failed to start change stream reader", zap.Error(err))
	}

	sweeper := appservice.NewConnectionSweeper(logger.Named("sweeper"), connections,
		cfg.Dashboard.StaleAfter, cfg.Dashboard.SweepInterval, metrics)
	sweeper.Start()
	defer sweeper.Stop()

	// Click counting
	updater := appservice.NewCounterUpdater(linkStore, logger.Named("counter"), metrics)
	consumer := appservice.NewCounterConsumer(js, updater, logger.Named("counter"))
	if err := consumer.Start(ctx); err != nil {
		log.Fatal("Failed to start access event consumer", zap.Error(err))
	}
	publisher := appservice.NewAccessPublisher(js, logger.Named("access"), metrics)

	dashboardServer := wshub.NewServer(cfg.Dashboard.Addr, cfg.Dashboard.Path, hub)
	go func() {
		log.Info("Starting dashboard WebSocket server",
			zap.String("addr", cfg.Dashboard.Addr),
			zap.String("instance_id", hub.InstanceID()))
		if err := dashboardServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Dashboard server stopped unexpectedly", zap.Error(err))
			stop()
		}
	}()

	server := appserver.New(appserver.Dependencies{
		Logger:     log.Named("http"),
		Redis:      redisClient,
		Links:      linkService,
		Recorder:   publisher,
		Dispatcher: dispatcher,
		BaseURL:    cfg.App.BaseURL,
		HealthChecks: map[string]handler.HealthCheck{
			"postgres": pool.Ping,
			"redis":    func(ctx context.Context) error { return redisClient.Ping(ctx).Err() },
			"nats": func(context.Context) error {
				if natsConn.Status() != nats.CONNECTED {
					return errors.New(natsConn.Status().String())
				}
				return nil
			},
		},
	})
	go func() {
		log.Info("Starting HTTP server", zap.String("addr", cfg.App.Addr))
		if err := server.Listen(cfg.App.Addr); err != nil {
			log.Error("Fiber server exited", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("Failed to stop HTTP server", zap.Error(err))
	}
	hub.Close()
	if err := dashboardServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("Failed to stop dashboard server", zap.Error(err))
	}
	if err := promServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("Failed to stop Prometheus server", zap.Error(err))
	}
}
