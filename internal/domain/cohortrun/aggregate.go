package cohortrun

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/drfirst/go-medindex/internal/domain/medstate"
)

// Status represents run status
type Status string

const (
	StatusNew       Status = "new"
	StatusRequested Status = "requested"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// ErrInvalidTransition is returned when a command does not fit the run's status.
var ErrInvalidTransition = errors.New("invalid run transition")

// Aggregate represents the cohort-run aggregate root
type Aggregate struct {
	id        string
	version   int
	status    Status
	request   Request
	attempts  int
	summary   *Summary
	failure   string
	createdAt time.Time
	updatedAt time.Time
	changes   []*Event
}

// NewAggregate creates a new run aggregate
func NewAggregate(id string) *Aggregate {
	now := time.Now().UTC()
	return &Aggregate{
		id:        id,
		status:    StatusNew,
		createdAt: now,
		updatedAt: now,
		changes:   make([]*Event, 0),
	}
}

// ID returns the aggregate ID
func (a *Aggregate) ID() string { return a.id }

// Version returns the current version
func (a *Aggregate) Version() int { return a.version }

// Status returns the current status
func (a *Aggregate) Status() Status { return a.status }

// Request returns the accepted build request.
func (a *Aggregate) Request() Request { return a.request }

// Changes returns uncommitted events
func (a *Aggregate) Changes() []*Event { return a.changes }

// ClearChanges clears uncommitted events
func (a *Aggregate) ClearChanges() { a.changes = make([]*Event, 0) }

// Submit records the build request.
func (a *Aggregate) Submit(req Request) error {
	if a.status != StatusNew {
		return fmt.Errorf("%w: run %s already %s", ErrInvalidTransition, a.id, a.status)
	}
	if req.Dataset == "" {
		return errors.New("dataset is required")
	}
	if len(req.Strategies) == 0 {
		return medstate.ErrNoStrategy
	}
	req.RunID = a.id
	return a.record(EventBuildRequested, &BuildRequestedData{Request: req, RequestedAt: time.Now().UTC()})
}

// Start marks the run as picked up by a worker. A running run may be restarted after a retry.
func (a *Aggregate) Start(worker string) error {
	if a.status != StatusRequested && a.status != StatusRunning {
		return fmt.Errorf("%w: cannot start %s run %s", ErrInvalidTransition, a.status, a.id)
	}
	return a.record(EventBuildStarted, &BuildStartedData{
		RunID:     a.id,
		Worker:    worker,
		Attempt:   a.attempts + 1,
		StartedAt: time.Now().UTC(),
	})
}

// Complete records a successful build.
func (a *Aggregate) Complete(summary Summary) error {
	if a.status != StatusRunning {
		return fmt.Errorf("%w: cannot complete %s run %s", ErrInvalidTransition, a.status, a.id)
	}
	return a.record(EventBuildCompleted, &BuildCompletedData{RunID: a.id, Summary: summary, CompletedAt: time.Now().UTC()})
}

// Fail records a failed build.
func (a *Aggregate) Fail(cause error) error {
	if a.status == StatusCompleted || a.status == StatusFailed || a.status == StatusNew {
		return fmt.Errorf("%w: cannot fail %s run %s", ErrInvalidTransition, a.status, a.id)
	}
	return a.record(EventBuildFailed, &BuildFailedData{
		RunID:     a.id,
		Reason:    cause.Error(),
		Permanent: medstate.IsPermanent(cause),
		FailedAt:  time.Now().UTC(),
	})
}

// Terminal reports whether the run has finished.
func (a *Aggregate) Terminal() bool {
	return a.status == StatusCompleted || a.status == StatusFailed
}

func (a *Aggregate) record(t EventType, data interface{}) error {
	event, err := NewEvent(a.id, t, data)
	if err != nil {
		return err
	}
	if err := a.apply(event); err != nil {
		return err
	}
	event.WithCorrelation(a.request.Fingerprint)
	a.changes = append(a.changes, event)
	return nil
}

// apply applies an event to update state
func (a *Aggregate) apply(event *Event) error {
	switch event.EventType {
	case EventBuildRequested:
		var data BuildRequestedData
		if err := json.Unmarshal(event.EventData, &data); err != nil {
			return fmt.Errorf("decode %s: %w", event.EventType, err)
		}
		a.status = StatusRequested
		a.request = data.Request
		a.createdAt = data.RequestedAt
	case EventBuildStarted:
		var data BuildStartedData
		if err := json.Unmarshal(event.EventData, &data); err != nil {
			return fmt.Errorf("decode %s: %w", event.EventType, err)
		}
		a.status = StatusRunning
		a.attempts = data.Attempt
	case EventBuildCompleted:
		var data BuildCompletedData
		if err := json.Unmarshal(event.EventData, &data); err != nil {
			return fmt.Errorf("decode %s: %w", event.EventType, err)
		}
		a.status = StatusCompleted
		a.summary = &data.Summary
	case EventBuildFailed:
		var data BuildFailedData
		if err := json.Unmarshal(event.EventData, &data); err != nil {
			return fmt.Errorf("decode %s: %w", event.EventType, err)
		}
		a.status = StatusFailed
		a.failure = data.Reason
	default:
		return fmt.Errorf("unknown event type %q", event.EventType)
	}
	a.version++
	a.updatedAt = event.Timestamp
	return nil
}

// LoadFromHistory rebuilds state from events
func (a *Aggregate) LoadFromHistory(events []*Event) error {
	for _, event := range events {
		if err := a.apply(event); err != nil {
			return err
		}
	}
	return nil
}

// Snapshot is the read model served by the API.
type Snapshot struct {
	ID        string    `json:"id"`
	Status    Status    `json:"status"`
	Version   int       `json:"version"`
	Request   Request   `json:"request"`
	Attempts  int       `json:"attempts"`
	Summary   *Summary  `json:"summary,omitempty"`
	Failure   string    `json:"failure,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Snapshot returns the current state.
func (a *Aggregate) Snapshot() Snapshot {
	return Snapshot{
		ID:        a.id,
		Status:    a.status,
		Version:   a.version,
		Request:   a.request,
		Attempts:  a.attempts,
		Summary:   a.summary,
		Failure:   a.failure,
		CreatedAt: a.createdAt,
		UpdatedAt: a.updatedAt,
	}
}

// SummaryOf condenses a build report.
func SummaryOf(r *medstate.Report) Summary {
	s := Summary{
		Strategy:     string(r.Strategy),
		Patients:     r.Patients,
		IndexRecords: r.IndexRecords,
		Rows:         r.Rows,
		Excluded:     r.Excluded,
	}
	if counts := r.CountsByKind(); len(counts) > 0 {
		s.Issues = make(map[string]int, len(counts))
		for k, n := range counts {
			s.Issues[string(k)] = n
		}
	}
	return s
}
