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

	"github.com/bizmatters/collab/event-relay/internal/backoff"
	"github.com/bizmatters/collab/event-relay/internal/config"
	"github.com/bizmatters/collab/event-relay/internal/consumer"
	"github.com/bizmatters/collab/event-relay/internal/database"
	"github.com/bizmatters/collab/event-relay/internal/health"
	"github.com/bizmatters/collab/event-relay/internal/logging"
	"github.com/bizmatters/collab/event-relay/internal/messages"
	"github.com/bizmatters/collab/event-relay/internal/metrics"
	"github.com/bizmatters/collab/event-relay/internal/models"
	"github.com/bizmatters/collab/event-relay/internal/telemetry"
)

const (
	channelDeletedQueue   = "messages_channel_deleted"
	workspaceDeletedQueue = "messages_workspace_deleted"
)

func main() {
	cfg := config.MustLoad()

	logger, err := logging.New(logging.Config{Level: cfg.App.LogLevel, Env: cfg.App.Env})
	if err != nil {
		log.Fatalf("failed to create logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	if err := run(cfg, logger); err != nil {
		logger.Fatal("message worker exited", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	telemetryCfg := telemetry.Config{
		ServiceName:  cfg.App.Name + "-message-worker",
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

	purger := messages.NewPurger(pool)
	consumerOpts := []consumer.Option{
		consumer.WithLogger(logger),
		consumer.WithMetrics(pipelineMetrics),
	}

	channelDeleted, err := consumer.New(consumerConfig(cfg, models.EventTypeChannelDeleted, channelDeletedQueue),
		messages.ChannelDeletedHandler(purger, logger), consumerOpts...)
	if err != nil {
		return err
	}
	workspaceDeleted, err := consumer.New(consumerConfig(cfg, models.EventTypeWorkspaceDeleted, workspaceDeletedQueue),
		messages.WorkspaceDeletedHandler(purger, logger), consumerOpts...)
	if err != nil {
		return err
	}

	status := health.NewStatus(health.WithConsumer())
	orchestrator := consumer.NewOrchestrator(consumer.OrchestratorConfig{
		URL:                  cfg.RabbitMQ.URL,
		Exchange:             cfg.RabbitMQ.Exchange,
		MaxReconnectAttempts: cfg.Consumer.MaxReconnectAttempts,
		Reconnect:            backoff.Policy{Base: cfg.Consumer.ReconnectBase, Cap: cfg.Consumer.ReconnectCap},
		CloseTimeout:         cfg.Consumer.CloseTimeout,
	},
		consumer.WithHealth(status),
		consumer.WithOrchestratorLogger(logger),
		consumer.WithOrchestratorMetrics(pipelineMetrics),
	)
	for _, r := range []consumer.Runner{channelDeleted, workspaceDeleted} {
		if err := orchestrator.Register(r); err != nil {
			return err
		}
	}

	if cfg.App.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	status.RegisterRoutes(router, pool)

	srv := &http.Server{
		Addr:         ":" + cfg.HTTP.Port,
		Handler:      router,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logging.Info(gctx, logger, "message worker health endpoint listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	// An exhausted orchestrator keeps the process up so /health can report it
	// and the platform restarts the pod.
	g.Go(func() error {
		if err := orchestrator.Run(gctx); err != nil {
			logging.Error(gctx, logger, "consumer orchestrator stopped", zap.Error(err))
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logging.Info(ctx, logger, "shutting down message worker")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()

		closeErr := orchestrator.Close(shutdownCtx)
		return errors.Join(closeErr, srv.Shutdown(shutdownCtx))
	})

	return g.Wait()
}

func consumerConfig(cfg *config.Config, eventType, queuePrefix string) consumer.Config {
	return consumer.Config{
		Exchange:       cfg.RabbitMQ.Exchange,
		EventType:      eventType,
		QueuePrefix:    queuePrefix,
		MaxRetries:     cfg.Consumer.MaxRetries,
		WaitingRoomTTL: cfg.Consumer.WaitingRoomTTL,
		Prefetch:       cfg.Consumer.Prefetch,
	}
}
