package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/edvin/edgedeploy/internal/admission"
	"github.com/edvin/edgedeploy/internal/api"
	"github.com/edvin/edgedeploy/internal/config"
	"github.com/edvin/edgedeploy/internal/core"
	"github.com/edvin/edgedeploy/internal/db"
	"github.com/edvin/edgedeploy/internal/logging"
	"github.com/edvin/edgedeploy/internal/metrics"
	"github.com/edvin/edgedeploy/internal/queue"
	"github.com/edvin/edgedeploy/internal/statestore"
)

func main() {
	migrateFlag := flag.Bool("migrate", false, "Run database migrations before starting")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.Validate("deploy-api"); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg)

	if *migrateFlag {
		logger.Info().Msg("running database migrations")
		if err := db.RunMigrations(cfg.DatabaseURL); err != nil {
			logger.Fatal().Err(err).Msg("migration failed")
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	metrics.RegisterPgxPoolMetrics(pool, "deploy-api")

	redisClient, err := queue.NewClient(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to redis")
	}
	defer redisClient.Close()

	transport := queue.NewRedisTransport(redisClient, cfg.QueueName, queue.DefaultGroup, cfg.WorkerID, cfg.RetryVisibilityTimeout)
	if err := transport.EnsureGroup(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to create consumer group")
	}

	projects := core.NewProjectService(pool)
	quota := core.NewQuotaService(pool)

	srv := api.NewServer(logger, api.Deps{
		Admission: admission.NewController(projects, quota, logger),
		Queue:     queue.NewProducer(transport, cfg.QueueName, logger),
		States:    statestore.New(projects, logger),
		Database:  projects,
		Broker:    transport,
	})

	httpServer := &http.Server{
		Addr:         cfg.HTTPListenAddr,
		Handler:      srv,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.HTTPListenAddr).Msg("starting deploy API server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	httpServer.Shutdown(shutdownCtx)
}
