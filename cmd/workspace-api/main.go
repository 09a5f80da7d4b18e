package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/bizmatters/collab/event-relay/internal/auth"
	"github.com/bizmatters/collab/event-relay/internal/broker"
	"github.com/bizmatters/collab/event-relay/internal/config"
	"github.com/bizmatters/collab/event-relay/internal/database"
	"github.com/bizmatters/collab/event-relay/internal/gateway"
	"github.com/bizmatters/collab/event-relay/internal/health"
	"github.com/bizmatters/collab/event-relay/internal/logging"
	"github.com/bizmatters/collab/event-relay/internal/metrics"
	"github.com/bizmatters/collab/event-relay/internal/outbox"
	"github.com/bizmatters/collab/event-relay/internal/telemetry"
	"github.com/bizmatters/collab/event-relay/internal/workspace"
)

// @title Workspace API
// @version 1.0
// @description Channel and workspace lifecycle with transactional outbox delivery
// @BasePath /api

// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
// @description Type "Bearer" followed by a space and the JWT token.

func main() {
	cfg := config.MustLoad()

	logger, err := logging.New(logging.Config{Level: cfg.App.LogLevel, Env: cfg.App.Env})
	if err != nil {
		log.Fatalf("failed to create logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	if err := run(cfg, logger); err != nil {
		logger.Fatal("workspace api exited", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	telemetryCfg := telemetry.Config{
		ServiceName:  cfg.App.Name + "-workspace-api",
		Environment:  cfg.App.Env,
		Exporter:     cfg.Telemetry.Exporter,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
	}
	shutdownTracer, err := telemetry.InitTracer(ctx, telemetryCfg)
	if err != nil {
		return err
	}
	defer shutdownTracer(context.Background()) //nolint:errcheck

	shutdownMeter, err := telemetry.InitMeter(ctx, telemetryCfg)
	if err != nil {
		return err
	}
	defer shutdownMeter(context.Background()) //nolint:errcheck

	pipelineMetrics, err := metrics.NewPipelineMetrics()
	if err != nil {
		return err
	}

	if cfg.Postgres.MigrationsURL != "" {
		if err := database.Migrate(ctx, cfg.Postgres.MigrationsURL, cfg.Postgres.URL, logger); err != nil {
			return err
		}
	}

	pool, err := database.Connect(ctx, database.Config{
		URL:               cfg.Postgres.URL,
		MaxConns:          cfg.Postgres.MaxConns,
		MinConns:          cfg.Postgres.MinConns,
		ConnectAttempts:   cfg.Postgres.ConnectAttempts,
		ConnectRetryDelay: cfg.Postgres.ConnectRetryDelay,
	}, logger)
	if err != nil {
		return err
	}
	defer pool.Close()

	jwtManager, err := auth.NewJWTManager(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	if err != nil {
		return err
	}

	status := health.NewStatus(health.WithPublisher())

	producer := broker.NewProducer(broker.ProducerConfig{
		URL:            cfg.RabbitMQ.URL,
		Exchange:       cfg.RabbitMQ.Exchange,
		ConfirmTimeout: cfg.Publisher.ConfirmTimeout,
	},
		broker.WithProducerLogger(logger),
		broker.WithConnectionListener(status.SetPublisherConnected),
	)
	if err := producer.Connect(ctx); err != nil {
		// Rows stay pending until the broker is reachable.
		logging.Warn(ctx, logger, "broker not reachable at startup", zap.Error(err))
	}

	store := outbox.NewStore(pool)
	publisher := outbox.NewPublisher(pool, store, producer,
		outbox.WithBatchSize(cfg.Publisher.BatchSize),
		outbox.WithPollInterval(cfg.Publisher.PollInterval),
		outbox.WithPublishTimeout(cfg.Publisher.PublishTimeout),
		outbox.WithMaxAttempts(cfg.Publisher.MaxAttempts),
		outbox.WithLogger(logger),
		outbox.WithMetrics(pipelineMetrics),
	)
	sweeper := outbox.NewSweeper(store, cfg.Publisher.RetentionWindow, cfg.Publisher.CleanupInterval, logger, pipelineMetrics)

	if cfg.App.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gateway.NewRouter(gateway.RouterConfig{
		Handler:    gateway.NewHandler(workspace.NewService(pool, store, logger), store, cfg.Publisher.MaxAttempts, logger),
		JWTManager: jwtManager,
		AdminRole:  cfg.Auth.AdminRole,
		Health:     status,
		DB:         pool,
		Logger:     logger,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.HTTP.Port,
		Handler:      router,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	if err := publisher.Start(); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logging.Info(gctx, logger, "workspace api listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		return sweeper.Run(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		logging.Info(ctx, logger, "shutting down workspace api")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()

		// Stop taking requests before the publisher drains its last cycle.
		httpErr := srv.Shutdown(shutdownCtx)
		return errors.Join(httpErr, publisher.Stop(shutdownCtx))
	})

	return g.Wait()
}
