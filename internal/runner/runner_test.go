package runner

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/drfirst/go-medindex/internal/domain/cohortrun"
	"github.com/drfirst/go-medindex/internal/domain/medstate"
	"github.com/drfirst/go-medindex/internal/extract"
	"github.com/drfirst/go-medindex/internal/infrastructure/postgres"
	"github.com/drfirst/go-medindex/pkg/circuitbreaker"
	"github.com/drfirst/go-medindex/pkg/workerpool"
)

type fakeLoader struct {
	calls int
	errs  []error
}

func (l *fakeLoader) Load(_ context.Context, dataset string) (extract.Set, error) {
	l.calls++
	if len(l.errs) > 0 {
		err := l.errs[0]
		l.errs = l.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	if dataset == "missing" {
		return nil, fmt.Errorf("%w: %s", postgres.ErrDatasetNotFound, dataset)
	}
	return extract.Set{
		extract.Prescriptions: extract.NewTable(extract.Prescriptions,
			[]string{"PATIENT_ID", "MEDICATION_NAME", "START_DATE", "END_DATE", "SOURCE"},
			[][]string{{"P1", "Adalimumab", "01/01/2020", "", "EMR"}}),
		extract.Encounters: extract.NewTable(extract.Encounters,
			[]string{"PATIENT_ID", "ENCOUNTER_DATE", "ENCOUNTER_TYPE"},
			[][]string{{"P1", "01/03/2020", "Office"}}),
	}, nil
}

func newRunner(t *testing.T, loader Loader, store cohortrun.Store, maxAttempts int) *Runner {
	logger := zaptest.NewLogger(t)
	return New(Config{Worker: "test", MaxAttempts: maxAttempts}, medstate.NewEngine(nil, logger), loader, nil, store, nil, logger)
}

func request(id, dataset string) cohortrun.Request {
	return cohortrun.Request{RunID: id, Dataset: dataset, Strategies: []string{"LATEST"}, Fingerprint: "fp-" + id}
}

func TestRunCompletes(t *testing.T) {
	store := cohortrun.NewMemoryStore()
	loader := &fakeLoader{}
	r := newRunner(t, loader, store, 3)

	snap, err := r.Run(context.Background(), request("run-1", "ibd"), 1)
	if err != nil {
		t.Fatal(err)
	}
	if snap.Status != cohortrun.StatusCompleted {
		t.Fatalf("status = %s", snap.Status)
	}
	if snap.Summary == nil || snap.Summary.Rows != 1 || snap.Summary.Strategy != "LATEST" {
		t.Errorf("summary = %+v", snap.Summary)
	}
	if c, ok := store.Cohort("run-1"); !ok || len(c.Rows) != 1 {
		t.Error("cohort rows were not stored")
	}

	// A redelivered request does not rebuild.
	snap, err = r.Run(context.Background(), request("run-1", "ibd"), 1)
	if err != nil || snap.Status != cohortrun.StatusCompleted {
		t.Fatalf("redelivery: %v, %+v", err, snap)
	}
	if loader.calls != 1 {
		t.Errorf("loader calls = %d, want 1", loader.calls)
	}

	events, _ := store.GetEvents(context.Background(), "run-1")
	want := []cohortrun.EventType{cohortrun.EventBuildRequested, cohortrun.EventBuildStarted, cohortrun.EventBuildCompleted}
	if len(events) != len(want) {
		t.Fatalf("events = %d, want %d", len(events), len(want))
	}
	for i, e := range events {
		if e.EventType != want[i] || e.Version != i+1 {
			t.Errorf("event %d = %s v%d", i, e.EventType, e.Version)
		}
	}
}

func TestRunMissingDatasetFailsPermanently(t *testing.T) {
	store := cohortrun.NewMemoryStore()
	r := newRunner(t, &fakeLoader{}, store, 3)

	_, err := r.Run(context.Background(), request("run-2", "missing"), 1)
	if !Permanent(err) {
		t.Fatalf("err = %v, want a permanent error", err)
	}
	agg, err := store.Load(context.Background(), "run-2")
	if err != nil {
		t.Fatal(err)
	}
	snap := agg.Snapshot()
	if snap.Status != cohortrun.StatusFailed || snap.Failure == "" {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestRunTransientFailure(t *testing.T) {
	store := cohortrun.NewMemoryStore()
	loader := &fakeLoader{errs: []error{errors.New("connection reset"), errors.New("connection reset")}}
	r := newRunner(t, loader, store, 2)
	ctx := context.Background()

	if _, err := r.Run(ctx, request("run-3", "ibd"), 1); err == nil || Permanent(err) {
		t.Fatalf("attempt 1: err = %v", err)
	}
	agg, _ := store.Load(ctx, "run-3")
	if agg.Status() != cohortrun.StatusRunning {
		t.Errorf("after attempt 1 status = %s, want running", agg.Status())
	}

	if _, err := r.Run(ctx, request("run-3", "ibd"), 2); err == nil {
		t.Fatal("attempt 2 should fail")
	}
	agg, _ = store.Load(ctx, "run-3")
	if agg.Status() != cohortrun.StatusFailed {
		t.Errorf("after last attempt status = %s, want failed", agg.Status())
	}
}

func TestRunThroughPoolAndBreaker(t *testing.T) {
	logger := zaptest.NewLogger(t)
	store := cohortrun.NewMemoryStore()
	loader := &fakeLoader{errs: []error{errors.New("timeout")}}

	bcfg := circuitbreaker.DefaultConfig("extract-store")
	bcfg.Ignore = Permanent
	breaker, err := circuitbreaker.New(bcfg, logger)
	if err != nil {
		t.Fatal(err)
	}

	pcfg := workerpool.DefaultConfig()
	pcfg.Workers = 1
	pcfg.RetryDelay = time.Millisecond
	pcfg.Permanent = Permanent
	r := New(Config{Worker: "w1", MaxAttempts: pcfg.MaxRetries + 1},
		medstate.NewEngine(nil, logger), loader, breaker, store, nil, logger)

	pool, err := workerpool.New(pcfg, r.Process, logger)
	if err != nil {
		t.Fatal(err)
	}
	pool.Start()
	defer pool.Stop()

	res, err := pool.SubmitWait(context.Background(), &workerpool.Task{ID: "run-4", Payload: request("run-4", "ibd")})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success {
		t.Fatalf("task failed: %v", res.Error)
	}
	snap := res.Data.(*cohortrun.Snapshot)
	if snap.Status != cohortrun.StatusCompleted || snap.Attempts != 2 {
		t.Errorf("snapshot = %+v, want completed on attempt 2", snap)
	}

	res, err = pool.SubmitWait(context.Background(), &workerpool.Task{ID: "bad", Payload: "not a request"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Success || !Permanent(res.Error) {
		t.Errorf("bad payload result = %+v", res)
	}
}

func TestDecodeRequest(t *testing.T) {
	req, err := DecodeRequest([]byte("run-9"), []byte(`{"dataset":"ibd","strategies":["LATEST"]}`))
	if err != nil {
		t.Fatal(err)
	}
	if req.RunID != "run-9" || req.Dataset != "ibd" {
		t.Errorf("request = %+v", req)
	}
	if _, err := DecodeRequest(nil, []byte(`{`)); !Permanent(err) {
		t.Errorf("malformed message err = %v", err)
	}
	if _, err := DecodeRequest(nil, []byte(`{}`)); !Permanent(err) {
		t.Errorf("missing run id err = %v", err)
	}
}
