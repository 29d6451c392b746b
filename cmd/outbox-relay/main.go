// Package main provides the outbox relay service entry point.
// Publishes cohort-run outcome events written by the run repository.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/drfirst/go-medindex/internal/config"
	"github.com/drfirst/go-medindex/internal/infrastructure/postgres"
	"github.com/drfirst/go-medindex/internal/infrastructure/redpanda"
	"github.com/drfirst/go-medindex/internal/observability/logging"
	"github.com/drfirst/go-medindex/internal/observability/metrics"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	logger := logging.Must(cfg.Env, cfg.LogLevel)
	defer logger.Sync()

	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	// Connect to database
	pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer pool.Close()
	if err := postgres.EnsureSchema(context.Background(), pool); err != nil {
		logger.Fatal("schema setup failed", zap.Error(err))
	}

	logger.Info("connected to database")

	m := metrics.New()

	// Create Redpanda producer
	producerCfg := redpanda.DefaultProducerConfig()
	producerCfg.Brokers = cfg.KafkaBrokers
	producerCfg.OnProduced = m.KafkaMessagesProduced.Inc

	producer, err := redpanda.NewProducer(producerCfg, logger)
	if err != nil {
		logger.Fatal("producer creation failed", zap.Error(err))
	}
	defer producer.Close()

	logger.Info("connected to Redpanda", zap.Strings("brokers", cfg.KafkaBrokers))

	// Create outbox processor
	outboxCfg := postgres.DefaultOutboxConfig()
	outboxCfg.DeadLetterTopic = redpanda.TopicDeadLetter
	outboxCfg.OnStats = func(s postgres.OutboxStats) {
		m.OutboxPending.Set(float64(s.Pending))
	}
	outbox := postgres.NewOutbox(pool, producer, outboxCfg, logger)

	// Start processing
	outbox.Start()
	logger.Info("outbox relay started")

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	server := &http.Server{Addr: ":" + cfg.Port, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()

	// Wait for shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	outbox.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	server.Shutdown(ctx)
	if err := producer.Flush(ctx); err != nil {
		logger.Warn("producer flush failed", zap.Error(err))
	}
	logger.Info("outbox relay stopped")
}
