package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/edvin/edgedeploy/internal/admission"
	"github.com/edvin/edgedeploy/internal/artifact"
	"github.com/edvin/edgedeploy/internal/config"
	"github.com/edvin/edgedeploy/internal/core"
	"github.com/edvin/edgedeploy/internal/db"
	"github.com/edvin/edgedeploy/internal/logging"
	"github.com/edvin/edgedeploy/internal/metrics"
	"github.com/edvin/edgedeploy/internal/queue"
	"github.com/edvin/edgedeploy/internal/sandbox"
	"github.com/edvin/edgedeploy/internal/statestore"
	"github.com/edvin/edgedeploy/internal/template"
	"github.com/edvin/edgedeploy/internal/workflow"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.Validate("worker"); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	metrics.RegisterPgxPoolMetrics(pool, "worker")

	redisClient, err := queue.NewClient(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to redis")
	}
	defer redisClient.Close()

	transport := queue.NewRedisTransport(redisClient, cfg.QueueName, queue.DefaultGroup, cfg.WorkerID, cfg.RetryVisibilityTimeout)
	if err := transport.EnsureGroup(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to create consumer group")
	}

	docker, err := sandbox.NewDockerProvider(cfg.DockerHost, int64(cfg.SandboxMemoryMB))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create docker sandbox provider")
	}

	templates, err := template.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load templates")
	}
	logger.Info().Strs("templates", templates.Names()).Msg("project templates loaded")

	projects := core.NewProjectService(pool)
	states := statestore.New(projects, logger)

	engine := workflow.New(workflow.Deps{
		Projects:  projects,
		State:     states,
		Quota:     admission.NewController(projects, core.NewQuotaService(pool), logger),
		Sandboxes: sandbox.NewManager(docker, logger),
		Templates: templates,
		Artifacts: artifact.New(cfg, logger),
		Prober:    workflow.NewHTTPProber(10 * time.Second),
		Settings: workflow.Settings{
			PlatformAPIToken:  cfg.PlatformAPIToken,
			PlatformAccountID: cfg.PlatformAccountID,
			PlatformDomain:    cfg.PlatformDomain,
			SandboxLifetime:   cfg.SandboxTimeout,
		},
		Logger: logger,
	})

	consumer := queue.NewConsumer(transport, engine, states, queue.ConsumerConfig{
		Queue:             cfg.QueueName,
		BatchSize:         cfg.BatchSize,
		MaxRetries:        cfg.MaxRetries,
		ProcessingTimeout: cfg.ProcessingTimeout,
		HeartbeatInterval: cfg.RetryVisibilityTimeout / 3,
	}, logger)

	if cfg.MetricsAddr != "" {
		metricsSrv := metrics.NewServer(cfg.MetricsAddr)
		go func() {
			logger.Info().Str("addr", cfg.MetricsAddr).Msg("starting metrics server")
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error().Err(err).Msg("metrics server failed")
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		logger.Info().Str("queue", cfg.QueueName).Str("worker", cfg.WorkerID).Msg("starting queue consumer")
		if err := consumer.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Fatal().Err(err).Msg("consumer failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down worker")
	cancel()
	<-done
}
