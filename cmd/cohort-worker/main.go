// Package main provides the cohort worker entry point.
// Consumes build requests, builds cohorts over stored datasets and records each run.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/drfirst/go-medindex/internal/config"
	"github.com/drfirst/go-medindex/internal/domain/cohortrun"
	"github.com/drfirst/go-medindex/internal/domain/medstate"
	"github.com/drfirst/go-medindex/internal/infrastructure/postgres"
	"github.com/drfirst/go-medindex/internal/infrastructure/redpanda"
	"github.com/drfirst/go-medindex/internal/observability/logging"
	"github.com/drfirst/go-medindex/internal/observability/metrics"
	"github.com/drfirst/go-medindex/internal/observability/tracing"
	"github.com/drfirst/go-medindex/internal/runner"
	"github.com/drfirst/go-medindex/internal/taxonomy"
	"github.com/drfirst/go-medindex/pkg/circuitbreaker"
	"github.com/drfirst/go-medindex/pkg/idempotency"
	"github.com/drfirst/go-medindex/pkg/workerpool"
)

const serviceName = "cohort-worker"

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
	ctx := context.Background()

	traceCfg := tracing.DefaultConfig(serviceName)
	traceCfg.Environment = cfg.Env
	traceCfg.OTLPEndpoint = cfg.OTLPEndpoint
	traceCfg.SampleRate = cfg.TraceSampleRate
	tp, err := tracing.Init(ctx, traceCfg)
	if err != nil {
		logger.Fatal("tracing init failed", zap.Error(err))
	}
	defer tp.Shutdown(context.Background())

	tax, err := taxonomy.Load(cfg.TaxonomyFile)
	if err != nil {
		logger.Fatal("taxonomy load failed", zap.Error(err))
	}

	// Connect to database
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer pool.Close()
	if err := postgres.EnsureSchema(ctx, pool); err != nil {
		logger.Fatal("schema setup failed", zap.Error(err))
	}

	m := metrics.New()

	// Guard extract loads; missing datasets say nothing about database health.
	cbManager := circuitbreaker.NewManager(logger)
	breakerCfg := circuitbreaker.DefaultConfig("extract-store")
	breakerCfg.Ignore = runner.Permanent
	breakerCfg.OnStateChange = func(name string, to circuitbreaker.State) {
		m.BreakerState(name, to.Code())
	}
	breaker, err := cbManager.GetOrCreate(breakerCfg.Name, breakerCfg)
	if err != nil {
		logger.Fatal("circuit breaker creation failed", zap.Error(err))
	}

	// Create worker pool
	poolCfg := workerpool.DefaultConfig()
	poolCfg.Workers = cfg.Workers
	poolCfg.Permanent = runner.Permanent

	hostname, _ := os.Hostname()
	r := runner.New(runner.Config{
		Worker:      fmt.Sprintf("%s/%s", serviceName, hostname),
		MaxAttempts: poolCfg.MaxRetries + 1,
	},
		medstate.NewEngine(tax, logger),
		postgres.NewExtractStore(pool, logger),
		breaker,
		cohortrun.NewRepository(pool, redpanda.TopicCohortEvents, logger),
		m,
		logger,
	)

	workerPool, err := workerpool.New(poolCfg, r.Process, logger)
	if err != nil {
		logger.Fatal("worker pool creation failed", zap.Error(err))
	}
	workerPool.Start()
	defer workerPool.Stop()

	inboxCfg := idempotency.DefaultInboxConfig()
	inboxCfg.Terminal = runner.Permanent
	inbox := idempotency.NewInbox(pool, inboxCfg, logger)
	inbox.StartCleanup()
	defer inbox.Stop()
	if n, err := inbox.RecoverStaleEntries(ctx); err != nil {
		logger.Warn("inbox recovery failed", zap.Error(err))
	} else if n > 0 {
		logger.Info("recovered stale inbox entries", zap.Int64("count", n))
	}

	handle := func(ctx context.Context, msg *redpanda.ConsumedMessage) error {
		req, err := runner.DecodeRequest(msg.Key, msg.Value)
		if err != nil {
			// Malformed messages can never succeed; log and skip them.
			logger.Error("dropping build request", zap.Int64("offset", msg.Offset), zap.Error(err))
			return nil
		}
		_, err = inbox.Process(ctx, "run:"+req.RunID, serviceName, msg.Value,
			func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
				res, err := workerPool.SubmitWait(ctx, &workerpool.Task{ID: req.RunID, Payload: req, Context: ctx})
				if err != nil {
					return nil, err
				}
				if !res.Success {
					return nil, res.Error
				}
				return json.Marshal(res.Data)
			})
		switch {
		case err == nil, errors.Is(err, idempotency.ErrPreviouslyFailed):
			return nil
		case runner.Permanent(err):
			// The run is recorded as failed; commit past it.
			return nil
		default:
			return err
		}
	}

	// Create consumer
	consumerCfg := redpanda.DefaultConsumerConfig()
	consumerCfg.Brokers = cfg.KafkaBrokers
	consumerCfg.OnConsumed = m.KafkaMessagesConsumed.Inc

	consumer, err := redpanda.NewConsumer(consumerCfg, handle, logger)
	if err != nil {
		logger.Fatal("consumer creation failed", zap.Error(err))
	}
	consumer.Start()

	metricsServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           observabilityMux(m, cbManager, workerPool),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()

	logger.Info("cohort worker started",
		zap.Int("workers", poolCfg.Workers),
		zap.Strings("topics", consumerCfg.Topics))

	// Wait for shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	consumer.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	metricsServer.Shutdown(shutdownCtx)
	logger.Info("cohort worker stopped")
}

func observabilityMux(m *metrics.Metrics, breakers *circuitbreaker.Manager, pool *workerpool.Pool) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		if !pool.IsHealthy() {
			status = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"service":  serviceName,
			"pool":     pool.Stats(),
			"breakers": breakers.GetHealthStatus(),
		})
	})
	return mux
}
