// Package main provides the cohort API service entry point.
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/drfirst/go-medindex/internal/api/handlers"
	"github.com/drfirst/go-medindex/internal/api/middleware"
	"github.com/drfirst/go-medindex/internal/config"
	"github.com/drfirst/go-medindex/internal/domain/cohortrun"
	"github.com/drfirst/go-medindex/internal/domain/medstate"
	"github.com/drfirst/go-medindex/internal/export/workbook"
	"github.com/drfirst/go-medindex/internal/infrastructure/postgres"
	"github.com/drfirst/go-medindex/internal/infrastructure/rediscache"
	"github.com/drfirst/go-medindex/internal/infrastructure/redpanda"
	"github.com/drfirst/go-medindex/internal/observability/logging"
	"github.com/drfirst/go-medindex/internal/observability/metrics"
	"github.com/drfirst/go-medindex/internal/observability/tracing"
	"github.com/drfirst/go-medindex/internal/taxonomy"
)

const (
	serviceName    = "cohort-api"
	serviceVersion = "0.1.0"
	maxBodyBytes   = 64 << 20
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

	ctx := context.Background()

	traceCfg := tracing.DefaultConfig(serviceName)
	traceCfg.ServiceVersion = serviceVersion
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
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		logger.Fatal("database ping failed", zap.Error(err))
	}
	if err := postgres.EnsureSchema(ctx, pool); err != nil {
		logger.Fatal("schema setup failed", zap.Error(err))
	}
	logger.Info("connected to database")

	m := metrics.New()

	producerCfg := redpanda.DefaultProducerConfig()
	producerCfg.Brokers = cfg.KafkaBrokers
	producerCfg.OnProduced = m.KafkaMessagesProduced.Inc
	producer, err := redpanda.NewProducer(producerCfg, logger)
	if err != nil {
		logger.Fatal("producer creation failed", zap.Error(err))
	}
	defer producer.Close()

	// The cache is optional; builds run uncached without Redis.
	var cache handlers.Cache
	if cfg.RedisURL != "" {
		rc, err := rediscache.New(ctx, cfg.RedisURL, "cohort:", logger)
		if err != nil {
			logger.Warn("redis unavailable, caching disabled", zap.Error(err))
		} else {
			defer rc.Close()
			cache = rc
		}
	}

	engine := medstate.NewEngine(tax, logger)
	writer := workbook.NewWriter(workbook.DefaultConfig(), logger)
	runs := cohortrun.NewRepository(pool, redpanda.TopicCohortEvents, logger)

	cohortHandler := handlers.NewCohortHandler(engine, writer, cache, cfg.CacheTTL, m, logger)
	runHandler := handlers.NewRunHandler(runs, producer, redpanda.TopicBuildRequests, logger)

	// Setup router
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS)
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Tracing(serviceName))

	// Health check (no auth)
	r.Get("/health", healthHandler)
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := pool.Ping(r.Context()); err != nil {
			http.Error(w, "database not ready", http.StatusServiceUnavailable)
			return
		}
		if err := redpanda.HealthCheck(r.Context(), cfg.KafkaBrokers); err != nil {
			http.Error(w, "broker not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ready"))
	})
	r.Handle("/metrics", m.Handler())

	// API routes (with auth)
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(cfg.APIKeys))
		r.Use(middleware.MaxBody(maxBodyBytes))
		r.Mount("/cohorts", cohortHandler.Routes())
		r.Mount("/runs", runHandler.Routes())
	})

	// Start server
	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info("shutting down server")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Error("shutdown error", zap.Error(err))
		}
	}()

	logger.Info("starting cohort API", zap.String("port", cfg.Port), zap.Bool("cache", cache != nil))
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		logger.Fatal("server error", zap.Error(err))
	}

	logger.Info("server stopped")
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"service": serviceName,
		"version": serviceVersion,
	})
}
