// Package handlers provides HTTP handlers for the cohort API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-medindex/internal/api/middleware"
	"github.com/drfirst/go-medindex/internal/domain/medstate"
	"github.com/drfirst/go-medindex/internal/export/workbook"
	"github.com/drfirst/go-medindex/internal/extract"
	"github.com/drfirst/go-medindex/internal/observability/metrics"
	"github.com/drfirst/go-medindex/pkg/idempotency"
)

// xlsxContentType is the media type of an Office Open XML workbook.
const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// Builder runs cohort builds. *medstate.Engine implements it.
type Builder interface {
	Build(ctx context.Context, in medstate.Input, requested ...medstate.Kind) (*medstate.Result, error)
}

// Cache stores rendered build responses. *rediscache.Cache implements it.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error
}

// CohortHandler serves synchronous builds from inline extracts.
type CohortHandler struct {
	builder  Builder
	writer   *workbook.Writer
	cache    Cache
	cacheTTL time.Duration
	metrics  *metrics.Metrics
	logger   *zap.Logger
	tracer   trace.Tracer
}

// NewCohortHandler creates a handler. cache and m may be nil.
func NewCohortHandler(builder Builder, writer *workbook.Writer, cache Cache, cacheTTL time.Duration, m *metrics.Metrics, logger *zap.Logger) *CohortHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if writer == nil {
		writer = workbook.NewWriter(workbook.DefaultConfig(), logger)
	}
	return &CohortHandler{
		builder:  builder,
		writer:   writer,
		cache:    cache,
		cacheTTL: cacheTTL,
		metrics:  m,
		logger:   logger,
		tracer:   otel.Tracer("cohort-handler"),
	}
}

// Routes returns the handler routes
func (h *CohortHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Build)
	r.Post("/workbook", h.Workbook)
	return r
}

// BuildRequest carries the extracts of one synchronous build. Tables are keyed by
// extract name (prescriptions, demographics, ...).
type BuildRequest struct {
	Strategies []string                  `json:"strategies"`
	Tables     map[string]*extract.Table `json:"tables"`
	External   []medstate.IndexRecord    `json:"external,omitempty"`
	// ExternalEventIDs keys the external records by event and adds an EVENT_ID column.
	ExternalEventIDs bool `json:"external_event_ids,omitempty"`
	Markers    []medstate.NaiveMarker    `json:"markers,omitempty"`
}

// BuildResponse is the body returned by POST /cohorts.
type BuildResponse struct {
	Strategy medstate.Kind    `json:"strategy"`
	Cohort   *medstate.Cohort `json:"cohort"`
	Report   *medstate.Report `json:"report"`
}

// input validates the request and converts it to engine input.
func (req *BuildRequest) input() (medstate.Input, []medstate.Kind, error) {
	kinds, err := parseKinds(req.Strategies)
	if err != nil {
		return medstate.Input{}, nil, err
	}
	known := make(map[string]bool, len(extract.Names))
	for _, n := range extract.Names {
		known[n] = true
	}
	set := make(extract.Set, len(req.Tables))
	for name, t := range req.Tables {
		key := strings.ToLower(strings.TrimSpace(name))
		if !known[key] {
			return medstate.Input{}, nil, &medstate.ConfigError{Field: "tables", Reason: fmt.Sprintf("unknown extract %q", name)}
		}
		if t == nil {
			continue
		}
		t = t.Normalize()
		t.Name = key
		set[key] = t
	}
	return medstate.Input{
		Extracts:         set,
		External:         req.External,
		ExternalEventIDs: req.ExternalEventIDs,
		Markers:          req.Markers,
	}, kinds, nil
}

func parseKinds(names []string) ([]medstate.Kind, error) {
	if len(names) == 0 {
		return nil, &medstate.ConfigError{Field: "strategies", Reason: "at least one strategy is required", Err: medstate.ErrNoStrategy}
	}
	kinds := make([]medstate.Kind, 0, len(names))
	for _, n := range names {
		k, err := medstate.ParseKind(n)
		if err != nil {
			return nil, err
		}
		kinds = append(kinds, k)
	}
	return kinds, nil
}

// Build handles POST /cohorts
func (h *CohortHandler) Build(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "build_cohort_request")
	defer span.End()

	var req BuildRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	key, err := idempotency.FingerprintJSON(req)
	if err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	key = "build:" + key
	span.SetAttributes(attribute.String("fingerprint", key))

	if body, ok := h.cached(ctx, key); ok {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Cache", "HIT")
		w.Write(body)
		return
	}

	res, ok := h.run(ctx, w, &req)
	if !ok {
		return
	}
	body, err := json.Marshal(BuildResponse{Strategy: res.Strategy, Cohort: res.Cohort, Report: res.Report})
	if err != nil {
		h.logger.Error("encode response failed", zap.Error(err))
		jsonError(w, "failed to encode cohort", http.StatusInternalServerError)
		return
	}
	if h.cache != nil {
		if err := h.cache.Set(ctx, key, body, h.cacheTTL); err != nil {
			h.logger.Warn("cache store failed", zap.String("key", key), zap.Error(err))
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Cache", "MISS")
	w.Write(body)
}

// Workbook handles POST /cohorts/workbook
func (h *CohortHandler) Workbook(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "build_cohort_workbook")
	defer span.End()

	var req BuildRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	res, ok := h.run(ctx, w, &req)
	if !ok {
		return
	}

	filename := "cohort_" + strings.ToLower(string(res.Strategy)) + ".xlsx"
	w.Header().Set("Content-Type", xlsxContentType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
	if err := h.writer.Write(w, res.Cohort); err != nil {
		// Headers are gone once the workbook starts streaming.
		h.logger.Error("workbook write failed", zap.Error(err))
	}
}

// run builds the cohort and writes the error response when the build fails.
func (h *CohortHandler) run(ctx context.Context, w http.ResponseWriter, req *BuildRequest) (*medstate.Result, bool) {
	in, kinds, err := req.input()
	if err != nil {
		h.fail(w, err)
		return nil, false
	}

	started := time.Now()
	res, err := h.builder.Build(ctx, in, kinds...)
	strategy := "unknown"
	if s, serr := medstate.SelectStrategy(kinds...); serr == nil {
		strategy = string(s.Kind())
	}
	h.metrics.ObserveBuild(strategy, started, res, err)
	if err != nil {
		h.fail(w, err)
		return nil, false
	}

	h.logger.Info("cohort built",
		zap.String("request_id", middleware.GetRequestID(ctx)),
		zap.String("client", middleware.GetClientID(ctx)),
		zap.String("strategy", string(res.Strategy)),
		zap.Int("rows", res.Report.Rows),
		zap.Int("issues", len(res.Report.Issues)),
	)
	return res, true
}

func (h *CohortHandler) cached(ctx context.Context, key string) ([]byte, bool) {
	if h.cache == nil {
		return nil, false
	}
	body, ok, err := h.cache.Get(ctx, key)
	if err != nil {
		h.logger.Warn("cache lookup failed", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	h.metrics.CacheHit(ok)
	return body, ok
}

func (h *CohortHandler) fail(w http.ResponseWriter, err error) {
	code := statusOf(err)
	if code == http.StatusInternalServerError {
		h.logger.Error("cohort build failed", zap.Error(err))
		jsonError(w, "cohort build failed", code)
		return
	}
	jsonError(w, err.Error(), code)
}

// statusOf maps build errors to HTTP status codes.
func statusOf(err error) int {
	var se *medstate.SchemaError
	var ce *medstate.ConfigError
	switch {
	case errors.As(err, &ce):
		return http.StatusBadRequest
	case errors.As(err, &se):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func jsonError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
