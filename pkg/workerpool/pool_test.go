package workerpool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

var errPermanent = errors.New("bad request")

func TestRetriesUntilSuccess(t *testing.T) {
	var calls int32
	fn := func(ctx context.Context, task *Task) *Result {
		if atomic.AddInt32(&calls, 1) < 3 {
			return &Result{TaskID: task.ID, Error: errors.New("transient")}
		}
		return &Result{TaskID: task.ID, Success: true, Data: task.Attempt}
	}
	cfg := DefaultConfig()
	cfg.RetryDelay = time.Millisecond
	pool, err := New(cfg, fn, nil)
	if err != nil {
		t.Fatal(err)
	}
	pool.Start()
	defer pool.Stop()

	res, err := pool.SubmitWait(context.Background(), &Task{ID: "run-1"})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success || res.Data.(int) != 3 {
		t.Errorf("result = %+v", res)
	}
	if got := pool.Stats().TasksRetried; got != 2 {
		t.Errorf("retried = %d", got)
	}
}

func TestPermanentErrorsSkipRetries(t *testing.T) {
	var calls int32
	fn := func(ctx context.Context, task *Task) *Result {
		atomic.AddInt32(&calls, 1)
		return &Result{TaskID: task.ID, Error: errPermanent}
	}
	cfg := DefaultConfig()
	cfg.RetryDelay = time.Millisecond
	cfg.Permanent = func(err error) bool { return errors.Is(err, errPermanent) }
	pool, _ := New(cfg, fn, nil)
	pool.Start()
	defer pool.Stop()

	res, err := pool.SubmitWait(context.Background(), &Task{ID: "run-2"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Success || !errors.Is(res.Error, errPermanent) {
		t.Errorf("result = %+v", res)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if pool.Stats().TasksFailed != 1 {
		t.Errorf("stats = %+v", pool.Stats())
	}
}

func TestQueueFullAndStop(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	fn := func(ctx context.Context, task *Task) *Result {
		started <- struct{}{}
		<-release
		return &Result{TaskID: task.ID, Success: true}
	}
	pool, _ := New(Config{Workers: 1, QueueSize: 1, GracefulShutdownTimeout: time.Second}, fn, nil)
	pool.Start()

	first := make(chan *Result, 1)
	go func() {
		res, _ := pool.SubmitWait(context.Background(), &Task{ID: "a"})
		first <- res
	}()
	<-started

	// The worker is busy; the queued task fills the only slot.
	go pool.SubmitWait(context.Background(), &Task{ID: "b"})
	deadline := time.After(5 * time.Second)
	for pool.Stats().Queued != 1 {
		select {
		case <-deadline:
			t.Fatal("task b was never queued")
		case <-time.After(time.Millisecond):
		}
	}
	if pool.IsHealthy() {
		t.Error("a full queue should report unhealthy")
	}
	if _, err := pool.SubmitWait(context.Background(), &Task{ID: "c"}); !errors.Is(err, ErrQueueFull) {
		t.Errorf("err = %v, want ErrQueueFull", err)
	}

	close(release)
	if res := <-first; res == nil || !res.Success {
		t.Errorf("first result = %+v", res)
	}
	if err := pool.Stop(); err != nil {
		t.Fatal(err)
	}
	if _, err := pool.SubmitWait(context.Background(), &Task{ID: "late"}); !errors.Is(err, ErrStopped) {
		t.Errorf("err after stop = %v, want ErrStopped", err)
	}
	if pool.Stop() != nil {
		t.Error("second stop should be a no-op")
	}
}
