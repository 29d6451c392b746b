package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-medindex/internal/api/middleware"
	"github.com/drfirst/go-medindex/internal/domain/cohortrun"
	"github.com/drfirst/go-medindex/pkg/idempotency"
)

// Publisher sends a message to a topic. *redpanda.Producer implements it.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// RunHandler queues asynchronous builds over stored datasets.
type RunHandler struct {
	runs      cohortrun.Store
	publisher Publisher
	topic     string
	logger    *zap.Logger
	tracer    trace.Tracer
}

// NewRunHandler creates a handler that publishes build requests to topic.
func NewRunHandler(runs cohortrun.Store, publisher Publisher, topic string, logger *zap.Logger) *RunHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RunHandler{
		runs:      runs,
		publisher: publisher,
		topic:     topic,
		logger:    logger,
		tracer:    otel.Tracer("run-handler"),
	}
}

// Routes returns the handler routes
func (h *RunHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Submit)
	r.Get("/{id}", h.Get)
	r.Get("/{id}/events", h.GetEvents)
	return r
}

// SubmitRequest is the body of POST /runs.
type SubmitRequest struct {
	Dataset    string   `json:"dataset"`
	Strategies []string `json:"strategies"`
}

// Submit handles POST /runs
func (h *RunHandler) Submit(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "submit_run")
	defer span.End()

	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	dataset := strings.TrimSpace(req.Dataset)
	if dataset == "" {
		jsonError(w, "dataset is required", http.StatusBadRequest)
		return
	}
	kinds, err := parseKinds(req.Strategies)
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	strategies := make([]string, len(kinds))
	for i, k := range kinds {
		strategies[i] = string(k)
	}
	sort.Strings(strategies)

	runID := uuid.New().String()
	span.SetAttributes(attribute.String("run_id", runID), attribute.String("dataset", dataset))

	agg := cohortrun.NewAggregate(runID)
	err = agg.Submit(cohortrun.Request{
		Dataset:     dataset,
		Strategies:  strategies,
		RequestedBy: middleware.GetClientID(ctx),
		Fingerprint: idempotency.Fingerprint(append([]string{dataset}, strategies...)...),
	})
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.runs.Save(ctx, agg, nil); err != nil {
		h.logger.Error("save run failed", zap.String("run_id", runID), zap.Error(err))
		jsonError(w, "failed to save run", http.StatusInternalServerError)
		return
	}

	payload, err := json.Marshal(agg.Request())
	if err == nil {
		err = h.publisher.Publish(ctx, h.topic, runID, payload)
	}
	if err != nil {
		h.logger.Error("publish build request failed", zap.String("run_id", runID), zap.Error(err))
		if ferr := agg.Fail(err); ferr == nil {
			if serr := h.runs.Save(ctx, agg, nil); serr != nil {
				h.logger.Error("save failed run", zap.String("run_id", runID), zap.Error(serr))
			}
		}
		jsonError(w, "failed to queue run", http.StatusServiceUnavailable)
		return
	}

	h.logger.Info("run queued",
		zap.String("run_id", runID),
		zap.String("dataset", dataset),
		zap.Strings("strategies", strategies),
		zap.String("request_id", middleware.GetRequestID(ctx)),
	)

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Location", "/api/v1/runs/"+runID)
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(agg.Snapshot())
}

// Get handles GET /runs/{id}
func (h *RunHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	agg, err := h.runs.Load(r.Context(), id)
	if errors.Is(err, cohortrun.ErrNotFound) {
		jsonError(w, "run not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.logger.Error("load run failed", zap.String("run_id", id), zap.Error(err))
		jsonError(w, "failed to load run", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(agg.Snapshot())
}

// GetEvents handles GET /runs/{id}/events
func (h *RunHandler) GetEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	events, err := h.runs.GetEvents(r.Context(), id)
	if err != nil {
		h.logger.Error("load events failed", zap.String("run_id", id), zap.Error(err))
		jsonError(w, "failed to get events", http.StatusInternalServerError)
		return
	}
	if len(events) == 0 {
		jsonError(w, "run not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(events)
}
