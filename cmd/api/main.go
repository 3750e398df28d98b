// Package main is the entry point for the paygate API server.
//
// The server exposes the metering service over gRPC (JSON codec) and the
// same operations over REST, plus health, readiness and Prometheus
// endpoints on the HTTP port.
//
// The server initializes:
// 1. The SQL store (feedback, audit, and the ledger unless it lives in Redis)
// 2. The Redis ledger store and cache broadcast, when configured
// 3. The ledger, cost estimator and feedback engine
// 4. The recompute dispatcher (in-process pool or asynq queue)
// 5. The reservation sweeper
// 6. gRPC and HTTP servers
//
// Configuration comes from paygate.yaml and the environment, see
// internal/config.
//
// Lifecycle:
// 1. Load configuration
// 2. Initialize dependencies
// 3. Start servers and background jobs
// 4. Wait for shutdown signal
// 5. Gracefully drain connections and queues
// 6. Clean up resources
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/kelpejol/paygate/internal/api"
	"github.com/kelpejol/paygate/internal/audit"
	"github.com/kelpejol/paygate/internal/config"
	"github.com/kelpejol/paygate/internal/feedback"
	"github.com/kelpejol/paygate/internal/ledger"
	"github.com/kelpejol/paygate/internal/logging"
	"github.com/kelpejol/paygate/internal/pricing"
	"github.com/kelpejol/paygate/internal/rest"
	"github.com/kelpejol/paygate/internal/store/redisstore"
	"github.com/kelpejol/paygate/internal/store/sqlstore"
	"github.com/kelpejol/paygate/internal/sweep"
	"github.com/kelpejol/paygate/internal/worker"
)

func main() {
	var configPath string
	cmd := &cobra.Command{
		Use:           "paygate-api",
		Short:         "Run the paygate gRPC and HTTP servers",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			serve(cfg)
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "Path to paygate.yaml")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// serve runs the servers until SIGINT or SIGTERM.
func serve(cfg *config.Config) {
	logger := logging.New(cfg.Log.Level, cfg.Log.Environment)
	logger.Info().
		Str("environment", cfg.Log.Environment).
		Str("grpc_port", cfg.Server.GRPCPort).
		Str("http_port", cfg.Server.HTTPPort).
		Str("ledger_backend", cfg.Ledger.Backend).
		Msg("starting paygate api server")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// SQL store backs feedback and audit, and the ledger by default
	initCtx, initCancel := context.WithTimeout(ctx, 30*time.Second)
	sqlStore, err := sqlstore.Open(initCtx, cfg.Database.Driver, cfg.Database.DSN, sqlstore.Options{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	}, logger)
	initCancel()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open sql store")
	}
	defer sqlStore.Close()

	var ledgerStore ledger.Store = sqlStore
	ready := sqlStore.Ping
	var redisStore *redisstore.Store
	if cfg.Ledger.Backend == config.BackendRedis || cfg.Feedback.Broadcast {
		redisStore, err = redisstore.Dial(ctx, redisOptions(cfg.Redis), logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer redisStore.Close()
		logger.Info().Str("addr", cfg.Redis.Addr).Msg("connected to redis")
	}
	if cfg.Ledger.Backend == config.BackendRedis {
		ledgerStore = redisStore
		ready = func(ctx context.Context) error {
			return errors.Join(sqlStore.Ping(ctx), redisStore.Ping(ctx))
		}
	}

	reg := prometheus.DefaultRegisterer

	// Audit trail
	var recorder *audit.Recorder
	if cfg.Audit.Enabled {
		recorder = audit.NewRecorder(sqlStore, logger, audit.Options{
			Workers:     cfg.Audit.Workers,
			QueueSize:   cfg.Audit.QueueSize,
			MaxAttempts: cfg.Audit.MaxAttempts,
		})
		defer recorder.Close()
	}

	ledgerOpts := []ledger.Option{
		ledger.WithMetrics(ledger.NewMetrics(reg)),
		ledger.WithCurrency(cfg.Ledger.Currency),
	}
	if recorder != nil {
		ledgerOpts = append(ledgerOpts, ledger.WithAuditor(recorder))
	}
	ldgr := ledger.New(ledgerStore, logger, ledgerOpts...)
	logger.Info().Msg("ledger initialized")

	// Cost estimation
	estimator, err := newEstimator(cfg.Pricing, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize cost estimator")
	}

	// Feedback engine
	feedbackOpts := []feedback.Option{
		feedback.WithCache(feedback.NewMultiplierCache(cfg.Feedback.CacheTTL, time.Now)),
		feedback.WithMetrics(feedback.NewMetrics(reg)),
	}
	if recorder != nil {
		feedbackOpts = append(feedbackOpts, feedback.WithAuditor(recorder))
	}
	var broadcaster *feedback.RedisBroadcaster
	if cfg.Feedback.Broadcast {
		broadcaster = feedback.NewRedisBroadcaster(redisStore.Client(), cfg.Feedback.Channel, logger)
		feedbackOpts = append(feedbackOpts, feedback.WithBroadcaster(broadcaster))
	}
	engine := feedback.NewEngine(sqlStore, logger, feedbackOpts...)

	if broadcaster != nil {
		go func() {
			if err := broadcaster.Listen(ctx, engine.InvalidateLocal); err != nil {
				logger.Error().Err(err).Msg("cache invalidation listener stopped")
			}
		}()
	}

	// Recompute dispatcher
	var workerServer *asynq.Server
	switch cfg.Feedback.Dispatcher {
	case config.DispatcherAsynq:
		redisOpt := asynq.RedisClientOpt{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}
		enqueuer := worker.NewEnqueuer(redisOpt, worker.EnqueuerOptions{
			Queue:    cfg.Worker.Queue,
			MaxRetry: cfg.Worker.MaxRetry,
			Timeout:  cfg.Worker.Timeout,
		}, logger)
		defer enqueuer.Close()
		engine.SetDispatcher(enqueuer)

		workerServer = worker.NewServer(redisOpt, worker.ServerOptions{
			Concurrency: cfg.Worker.Concurrency,
			Queue:       cfg.Worker.Queue,
		}, logger)
		if err := workerServer.Start(worker.NewMux(engine, logger)); err != nil {
			logger.Fatal().Err(err).Msg("failed to start recompute worker")
		}
		logger.Info().Str("queue", cfg.Worker.Queue).Msg("recompute worker started")
	default:
		pool := feedback.NewPool(feedback.PoolOptions{
			Workers:   cfg.Feedback.PoolWorkers,
			QueueSize: cfg.Feedback.PoolQueueSize,
		}, logger)
		engine.SetDispatcher(pool)
		pool.Start(engine)
		defer pool.Close()
	}

	// Reservation sweeper
	sweeper := sweep.New(ldgr, sweep.Options{
		ReservationTimeout: cfg.Ledger.ReservationTimeout,
		SweepSchedule:      cfg.Ledger.SweepSchedule,
		VerifySchedule:     cfg.Ledger.VerifySchedule,
		BatchSize:          cfg.Ledger.SweepBatchSize,
		SampleSize:         cfg.Ledger.VerifySampleSize,
	}, logger)
	if err := sweeper.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to start sweeper")
	}
	defer sweeper.Stop()

	svc := api.NewMeteringService(ldgr, estimator, engine, logger)

	grpcServer := api.NewGRPCServer(svc, api.ServerOptions{
		Reflection: cfg.Log.Development(),
	}, logger)

	go func() {
		listener, err := net.Listen("tcp", ":"+cfg.Server.GRPCPort)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to create listener")
		}

		logger.Info().
			Str("port", cfg.Server.GRPCPort).
			Msg("grpc server listening")

		if err := grpcServer.Serve(listener); err != nil {
			logger.Fatal().Err(err).Msg("grpc server failed")
		}
	}()

	handler := rest.NewHandler(svc, rest.Options{
		Ready:    ready,
		Gatherer: prometheus.DefaultGatherer,
		CORS:     cfg.Server.CORS,
	}, logger)
	httpServer := &http.Server{
		Addr:         ":" + cfg.Server.HTTPPort,
		Handler:      handler.Routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logger.Info().
			Str("port", cfg.Server.HTTPPort).
			Msg("http server listening")

		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received, starting graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	// Stop accepting new work before draining queues
	grpcServer.GracefulStop()
	logger.Info().Msg("grpc server stopped")

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http server shutdown failed")
	}
	logger.Info().Msg("http server stopped")

	if workerServer != nil {
		workerServer.Shutdown()
		logger.Info().Msg("recompute worker stopped")
	}

	// Remaining resources are released by the deferred closers
	logger.Info().Msg("shutdown complete")
}

func redisOptions(c config.RedisConfig) redisstore.Options {
	return redisstore.Options{
		Addr:         c.Addr,
		Password:     c.Password,
		DB:           c.DB,
		Prefix:       c.Prefix,
		DialTimeout:  c.DialTimeout,
		ReadTimeout:  c.ReadTimeout,
		WriteTimeout: c.WriteTimeout,
		PoolSize:     c.PoolSize,
		MinIdleConns: c.MinIdleConns,
	}
}

func newEstimator(c config.PricingConfig, logger zerolog.Logger) (*pricing.Estimator, error) {
	table, err := pricing.TableFromSpecs(c.Models)
	if err != nil {
		return nil, err
	}
	if len(table.Models()) == 0 {
		logger.Warn().Msg("no model prices configured, every estimate will fail")
	}
	margin, err := c.Margin()
	if err != nil {
		return nil, err
	}
	return pricing.NewEstimator(table, pricing.EstimatorConfig{
		SafetyMargin:  margin,
		CharsPerToken: c.CharsPerToken,
	}, logger)
}
