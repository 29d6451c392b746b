package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap/zaptest"

	"github.com/drfirst/go-medindex/internal/domain/cohortrun"
	"github.com/drfirst/go-medindex/internal/domain/medstate"
)

const latestBody = `{
  "strategies": ["latest"],
  "tables": {
    "prescriptions": {
      "columns": ["patient_id", "medication_name", "moa_class", "start_date", "end_date", "source"],
      "rows": [
        ["P1", "Adalimumab", "Biologic", "01/01/2020", "", "EMR"],
        ["P1", "Azathioprine", "Immunomodulator", "01/02/2020", "01/05/2020", "EMR"]
      ]
    },
    "encounters": {
      "columns": ["PATIENT_ID", "ENCOUNTER_DATE", "ENCOUNTER_TYPE"],
      "rows": [["P1", "01/03/2020", "Office"]]
    }
  }
}`

type memCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func (c *memCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	return v, ok, nil
}

func (c *memCache) Set(_ context.Context, key string, val []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = val
	return nil
}

type fakePublisher struct {
	mu       sync.Mutex
	err      error
	messages map[string][]byte
}

func (p *fakePublisher) Publish(_ context.Context, topic, key string, value []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	if p.messages == nil {
		p.messages = make(map[string][]byte)
	}
	p.messages[topic+"/"+key] = value
	return nil
}

func newCohortRouter(t *testing.T, cache Cache) http.Handler {
	logger := zaptest.NewLogger(t)
	h := NewCohortHandler(medstate.NewEngine(nil, logger), nil, cache, time.Minute, nil, logger)
	r := chi.NewRouter()
	r.Mount("/cohorts", h.Routes())
	return r
}

func TestBuildCohort(t *testing.T) {
	router := newCohortRouter(t, &memCache{data: make(map[string][]byte)})

	var first []byte
	for i, wantCache := range []string{"MISS", "HIT"} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/cohorts/", strings.NewReader(latestBody)))
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
		}
		if got := rec.Header().Get("X-Cache"); got != wantCache {
			t.Errorf("request %d: X-Cache = %s, want %s", i, got, wantCache)
		}
		if i == 0 {
			first = rec.Body.Bytes()
		} else if !bytes.Equal(first, rec.Body.Bytes()) {
			t.Error("cached body differs from the built body")
		}
	}

	var resp struct {
		Strategy string `json:"strategy"`
		Cohort   struct {
			Rows [][]string `json:"rows"`
		} `json:"cohort"`
		Report medstate.Report `json:"report"`
	}
	if err := json.Unmarshal(first, &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Strategy != "LATEST" {
		t.Errorf("strategy = %s", resp.Strategy)
	}
	if len(resp.Cohort.Rows) != 1 || resp.Report.Rows != 1 {
		t.Errorf("rows = %d, report rows = %d, want 1", len(resp.Cohort.Rows), resp.Report.Rows)
	}
}

func TestBuildCohortErrors(t *testing.T) {
	router := newCohortRouter(t, nil)

	tests := []struct {
		name string
		body string
		want int
	}{
		{"malformed", `{`, http.StatusBadRequest},
		{"no strategy", `{"tables": {}}`, http.StatusBadRequest},
		{"unknown strategy", `{"strategies": ["FIRST"]}`, http.StatusBadRequest},
		{"unknown table", `{"strategies": ["LATEST"], "tables": {"labs": {"columns": ["A"]}}}`, http.StatusBadRequest},
		{"missing encounters", `{"strategies": ["LATEST"], "tables": {"prescriptions": {"columns": ["PATIENT_ID", "MEDICATION_NAME", "START_DATE"]}}}`, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/cohorts/", strings.NewReader(tt.body)))
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d: %s", rec.Code, tt.want, rec.Body.String())
			}
			if !strings.Contains(rec.Body.String(), `"error"`) {
				t.Errorf("body has no error message: %s", rec.Body.String())
			}
		})
	}
}

func TestBuildWorkbook(t *testing.T) {
	router := newCohortRouter(t, nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/cohorts/workbook", strings.NewReader(latestBody)))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != xlsxContentType {
		t.Errorf("content type = %s", ct)
	}
	if cd := rec.Header().Get("Content-Disposition"); !strings.Contains(cd, "cohort_latest.xlsx") {
		t.Errorf("content disposition = %s", cd)
	}
	// xlsx files are zip archives.
	if !bytes.HasPrefix(rec.Body.Bytes(), []byte("PK")) {
		t.Error("body is not a zip archive")
	}
}

func TestRuns(t *testing.T) {
	store := cohortrun.NewMemoryStore()
	pub := &fakePublisher{}
	h := NewRunHandler(store, pub, "cohort.build.requests", zaptest.NewLogger(t))
	router := chi.NewRouter()
	router.Mount("/runs", h.Routes())

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/runs/",
		strings.NewReader(`{"dataset": "ibd-2024", "strategies": ["latest", "endoscopy"]}`)))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var snap cohortrun.Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatal(err)
	}
	if snap.Status != cohortrun.StatusRequested {
		t.Errorf("status = %s", snap.Status)
	}
	if got := snap.Request.Strategies; len(got) != 2 || got[0] != "ENDOSCOPY" || got[1] != "LATEST" {
		t.Errorf("strategies = %v", got)
	}

	msg, ok := pub.messages["cohort.build.requests/"+snap.ID]
	if !ok {
		t.Fatal("build request was not published")
	}
	var req cohortrun.Request
	if err := json.Unmarshal(msg, &req); err != nil {
		t.Fatal(err)
	}
	if req.RunID != snap.ID || req.Dataset != "ibd-2024" || req.Fingerprint == "" {
		t.Errorf("published request = %+v", req)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runs/"+snap.ID, nil))
	if rec.Code != http.StatusOK {
		t.Errorf("get status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runs/"+snap.ID+"/events", nil))
	var events []cohortrun.Event
	if err := json.Unmarshal(rec.Body.Bytes(), &events); err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].EventType != cohortrun.EventBuildRequested {
		t.Errorf("events = %+v", events)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runs/missing", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing run status = %d", rec.Code)
	}
}

func TestRunPublishFailure(t *testing.T) {
	store := cohortrun.NewMemoryStore()
	h := NewRunHandler(store, &fakePublisher{err: errors.New("broker down")}, "cohort.build.requests", zaptest.NewLogger(t))
	router := chi.NewRouter()
	router.Mount("/runs", h.Routes())

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/runs/",
		strings.NewReader(`{"dataset": "ibd-2024", "strategies": ["LATEST"]}`)))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestSubmitValidation(t *testing.T) {
	h := NewRunHandler(cohortrun.NewMemoryStore(), &fakePublisher{}, "t", nil)
	for _, body := range []string{`{"strategies": ["LATEST"]}`, `{"dataset": "d"}`, `{"dataset": "d", "strategies": ["NOPE"]}`} {
		rec := httptest.NewRecorder()
		h.Submit(rec, httptest.NewRequest(http.MethodPost, "/runs", strings.NewReader(body)))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d", body, rec.Code)
		}
	}
}
