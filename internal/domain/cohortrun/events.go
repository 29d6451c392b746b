// Package cohortrun implements the cohort-run aggregate and its domain events.
package cohortrun

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// AggregateType names cohort runs in the event store and the outbox.
const AggregateType = "CohortRun"

// EventType represents the type of domain event
type EventType string

const (
	EventBuildRequested EventType = "CohortBuildRequested"
	EventBuildStarted   EventType = "CohortBuildStarted"
	EventBuildCompleted EventType = "CohortBuildCompleted"
	EventBuildFailed    EventType = "CohortBuildFailed"
)

// Terminal reports whether the event closes a run.
func (t EventType) Terminal() bool {
	return t == EventBuildCompleted || t == EventBuildFailed
}

// Event represents a domain event
type Event struct {
	ID            string          `json:"id"`
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	EventType     EventType       `json:"event_type"`
	EventData     json.RawMessage `json:"event_data"`
	Version       int             `json:"version"`
	Timestamp     time.Time       `json:"timestamp"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// NewEvent creates a new event
func NewEvent(aggregateID string, eventType EventType, data interface{}) (*Event, error) {
	eventData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:            uuid.New().String(),
		AggregateID:   aggregateID,
		AggregateType: AggregateType,
		EventType:     eventType,
		EventData:     eventData,
		Timestamp:     time.Now().UTC(),
	}, nil
}

// Request describes what a run builds. It is also the Kafka build-request payload.
type Request struct {
	RunID       string   `json:"run_id"`
	Dataset     string   `json:"dataset"`
	Strategies  []string `json:"strategies"`
	RequestedBy string   `json:"requested_by,omitempty"`
	Fingerprint string   `json:"fingerprint,omitempty"`
}

// BuildRequestedData contains the accepted request.
type BuildRequestedData struct {
	Request
	RequestedAt time.Time `json:"requested_at"`
}

// BuildStartedData records the worker that picked the run up.
type BuildStartedData struct {
	RunID     string    `json:"run_id"`
	Worker    string    `json:"worker"`
	Attempt   int       `json:"attempt"`
	StartedAt time.Time `json:"started_at"`
}

// Summary condenses a build report.
type Summary struct {
	Strategy     string         `json:"strategy"`
	Patients     int            `json:"patients"`
	IndexRecords int            `json:"index_records"`
	Rows         int            `json:"rows"`
	Excluded     []string       `json:"excluded,omitempty"`
	Issues       map[string]int `json:"issues,omitempty"`
}

// BuildCompletedData contains the outcome of a successful build.
type BuildCompletedData struct {
	RunID string `json:"run_id"`
	Summary
	CompletedAt time.Time `json:"completed_at"`
}

// BuildFailedData contains the failure reason.
type BuildFailedData struct {
	RunID     string    `json:"run_id"`
	Reason    string    `json:"reason"`
	Permanent bool      `json:"permanent"`
	FailedAt  time.Time `json:"failed_at"`
}

// WithCorrelation sets the correlation ID
func (e *Event) WithCorrelation(id string) *Event {
	e.CorrelationID = id
	return e
}
