// Package runner executes queued cohort runs: it loads the dataset, builds the cohort
// and records the outcome on the run aggregate.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-medindex/internal/domain/cohortrun"
	"github.com/drfirst/go-medindex/internal/domain/medstate"
	"github.com/drfirst/go-medindex/internal/extract"
	"github.com/drfirst/go-medindex/internal/infrastructure/postgres"
	"github.com/drfirst/go-medindex/internal/observability/metrics"
	"github.com/drfirst/go-medindex/pkg/circuitbreaker"
	"github.com/drfirst/go-medindex/pkg/workerpool"
)

// Loader reads stored extracts. *postgres.ExtractStore implements it.
type Loader interface {
	Load(ctx context.Context, dataset string) (extract.Set, error)
}

// Builder runs cohort builds. *medstate.Engine implements it.
type Builder interface {
	Build(ctx context.Context, in medstate.Input, requested ...medstate.Kind) (*medstate.Result, error)
}

// Config holds runner configuration
type Config struct {
	// Worker names this process in CohortBuildStarted events.
	Worker string
	// MaxAttempts is the attempt after which a transient failure fails the run.
	MaxAttempts int
}

// Runner executes one run per call.
type Runner struct {
	cfg     Config
	builder Builder
	loader  Loader
	breaker *circuitbreaker.CircuitBreaker
	runs    cohortrun.Store
	metrics *metrics.Metrics
	logger  *zap.Logger
	tracer  trace.Tracer
}

// New creates a runner. Loads go through breaker when it is not nil; m may be nil.
func New(cfg Config, builder Builder, loader Loader, breaker *circuitbreaker.CircuitBreaker, runs cohortrun.Store, m *metrics.Metrics, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	return &Runner{
		cfg:     cfg,
		builder: builder,
		loader:  loader,
		breaker: breaker,
		runs:    runs,
		metrics: m,
		logger:  logger,
		tracer:  otel.Tracer("cohort-runner"),
	}
}

// Permanent reports whether a run error cannot be fixed by retrying: schema and
// configuration errors and datasets that do not exist.
func Permanent(err error) bool {
	return medstate.IsPermanent(err) || errors.Is(err, postgres.ErrDatasetNotFound)
}

// Process adapts Run to the worker pool. The task payload is a cohortrun.Request.
func (r *Runner) Process(ctx context.Context, task *workerpool.Task) *workerpool.Result {
	req, ok := task.Payload.(cohortrun.Request)
	if !ok {
		return &workerpool.Result{TaskID: task.ID, Error: &medstate.ConfigError{
			Field: "payload", Reason: fmt.Sprintf("unexpected task payload %T", task.Payload)}}
	}
	summary, err := r.Run(ctx, req, task.Attempt)
	if err != nil {
		return &workerpool.Result{TaskID: task.ID, Error: err}
	}
	return &workerpool.Result{TaskID: task.ID, Success: true, Data: summary}
}

// Run executes a build request. A request for an unknown run is accepted as a new
// run; a run that already finished is returned as is.
func (r *Runner) Run(ctx context.Context, req cohortrun.Request, attempt int) (*cohortrun.Snapshot, error) {
	ctx, span := r.tracer.Start(ctx, "run_cohort",
		trace.WithAttributes(
			attribute.String("run_id", req.RunID),
			attribute.String("dataset", req.Dataset),
			attribute.Int("attempt", attempt),
		))
	defer span.End()

	agg, err := r.runs.Load(ctx, req.RunID)
	switch {
	case errors.Is(err, cohortrun.ErrNotFound):
		agg = cohortrun.NewAggregate(req.RunID)
		if err := agg.Submit(req); err != nil {
			return nil, &medstate.ConfigError{Field: "request", Reason: err.Error(), Err: err}
		}
	case err != nil:
		return nil, fmt.Errorf("load run: %w", err)
	}
	if agg.Terminal() {
		snap := agg.Snapshot()
		r.logger.Info("run already finished", zap.String("run_id", req.RunID), zap.String("status", string(snap.Status)))
		return &snap, nil
	}
	// The stored request wins over the message body.
	req = agg.Request()

	r.metrics.RunStarted()
	defer r.metrics.RunFinished()

	if err := agg.Start(r.cfg.Worker); err != nil {
		return nil, err
	}
	if err := r.runs.Save(ctx, agg, nil); err != nil {
		return nil, fmt.Errorf("save started run: %w", err)
	}

	res, err := r.build(ctx, req)
	if err != nil {
		span.RecordError(err)
		if Permanent(err) || attempt >= r.cfg.MaxAttempts {
			r.fail(ctx, agg, err)
		}
		return nil, err
	}

	if err := agg.Complete(cohortrun.SummaryOf(res.Report)); err != nil {
		return nil, err
	}
	if err := r.runs.Save(ctx, agg, res.Cohort); err != nil {
		return nil, fmt.Errorf("save completed run: %w", err)
	}

	r.logger.Info("run completed",
		zap.String("run_id", req.RunID),
		zap.String("dataset", req.Dataset),
		zap.String("strategy", string(res.Strategy)),
		zap.Int("rows", res.Report.Rows),
		zap.Int("attempt", attempt))
	snap := agg.Snapshot()
	return &snap, nil
}

func (r *Runner) build(ctx context.Context, req cohortrun.Request) (*medstate.Result, error) {
	kinds := make([]medstate.Kind, 0, len(req.Strategies))
	for _, s := range req.Strategies {
		k, err := medstate.ParseKind(s)
		if err != nil {
			return nil, err
		}
		kinds = append(kinds, k)
	}
	strategy, err := medstate.SelectStrategy(kinds...)
	if err != nil {
		return nil, err
	}

	set, err := r.load(ctx, req.Dataset)
	if err != nil {
		return nil, err
	}

	started := time.Now()
	res, err := r.builder.Build(ctx, medstate.Input{Extracts: set}, kinds...)
	r.metrics.ObserveBuild(string(strategy.Kind()), started, res, err)
	return res, err
}

func (r *Runner) load(ctx context.Context, dataset string) (extract.Set, error) {
	if r.breaker == nil {
		return r.loader.Load(ctx, dataset)
	}
	v, err := r.breaker.Execute(ctx, func() (interface{}, error) {
		return r.loader.Load(ctx, dataset)
	})
	if err != nil {
		return nil, fmt.Errorf("load dataset %s: %w", dataset, err)
	}
	return v.(extract.Set), nil
}

func (r *Runner) fail(ctx context.Context, agg *cohortrun.Aggregate, cause error) {
	if err := agg.Fail(cause); err != nil {
		r.logger.Error("fail run", zap.String("run_id", agg.ID()), zap.Error(err))
		return
	}
	if err := r.runs.Save(ctx, agg, nil); err != nil {
		r.logger.Error("save failed run", zap.String("run_id", agg.ID()), zap.Error(err))
		return
	}
	r.logger.Warn("run failed",
		zap.String("run_id", agg.ID()),
		zap.Bool("permanent", Permanent(cause)),
		zap.Error(cause))
}

// DecodeRequest parses a build-request message.
func DecodeRequest(key, value []byte) (cohortrun.Request, error) {
	var req cohortrun.Request
	if err := json.Unmarshal(value, &req); err != nil {
		return req, &medstate.ConfigError{Field: "message", Reason: "malformed build request", Err: err}
	}
	if req.RunID == "" {
		req.RunID = string(key)
	}
	if req.RunID == "" {
		return req, &medstate.ConfigError{Field: "message", Reason: "build request has no run id"}
	}
	return req, nil
}
