// Command worker executes queued payout and withdrawal transfers.
//
// The API server enqueues transfers on Redis when REDIS_URL is set; this
// process consumes them with retries. Without Redis the server runs
// transfers inline and no worker is needed.
package main

import (
	"context"
	"os"

	"github.com/hibiken/asynq"

	"github.com/hireloop/payments/internal/config"
	"github.com/hireloop/payments/internal/logging"
	"github.com/hireloop/payments/internal/payout"
	"github.com/hireloop/payments/internal/server"
	"github.com/hireloop/payments/internal/traces"
)

var Version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New("info", "json").Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	if cfg.RedisURL == "" {
		logger.Error("REDIS_URL is required for the payout worker")
		os.Exit(1)
	}
	redisOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		logger.Error("invalid REDIS_URL", "error", err)
		os.Exit(1)
	}

	shutdownTracing, err := traces.Init(context.Background(), cfg.OTLPEndpoint, Version, logger)
	if err != nil {
		logger.Error("failed to init tracing", "error", err)
		os.Exit(1)
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	// Same wiring as the API so transfers see the same stores and gateway
	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}
	defer srv.Close()

	mux := asynq.NewServeMux()
	payout.NewTaskHandler(srv.Payouts(), logger).Register(mux)

	worker := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: cfg.WorkerConcurrency,
		Queues:      map[string]int{payout.QueueName: 1},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			logger.Warn("payout task failed", "type", task.Type(), "error", err)
		}),
	})

	logger.Info("payout worker started", "concurrency", cfg.WorkerConcurrency, "queue", payout.QueueName)
	// Run blocks until SIGTERM or SIGINT
	if err := worker.Run(mux); err != nil {
		logger.Error("worker error", "error", err)
		os.Exit(1)
	}
}
