package cohortrun

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/drfirst/go-medindex/internal/domain/medstate"
	"github.com/drfirst/go-medindex/internal/infrastructure/postgres"
)

// ErrNotFound is returned when a run has no events.
var ErrNotFound = errors.New("run not found")

// Store persists runs. The Postgres Repository is the production implementation.
type Store interface {
	Save(ctx context.Context, agg *Aggregate, cohort *medstate.Cohort) error
	Load(ctx context.Context, id string) (*Aggregate, error)
	GetEvents(ctx context.Context, id string) ([]*Event, error)
}

// Repository provides event sourcing persistence
type Repository struct {
	pool   *pgxpool.Pool
	topic  string
	logger *zap.Logger
}

// NewRepository creates a new repository. Terminal events are written to the
// outbox for topic.
func NewRepository(pool *pgxpool.Pool, topic string, logger *zap.Logger) *Repository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repository{pool: pool, topic: topic, logger: logger}
}

// Save persists new events for a run. When a terminal event is among them the outbox
// entry, and for completed runs the cohort rows, are written in the same transaction.
func (r *Repository) Save(ctx context.Context, agg *Aggregate, cohort *medstate.Cohort) error {
	if len(agg.Changes()) == 0 {
		return nil
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for i, event := range agg.Changes() {
		event.Version = agg.Version() - len(agg.Changes()) + i + 1
		if err := r.insertEvent(ctx, tx, event); err != nil {
			return err
		}
		if !event.EventType.Terminal() {
			continue
		}
		payload, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("encode outbox payload: %w", err)
		}
		entry := &postgres.OutboxEntry{
			AggregateID:   agg.ID(),
			AggregateType: AggregateType,
			EventType:     string(event.EventType),
			Payload:       payload,
			KafkaTopic:    r.topic,
			KafkaKey:      agg.ID(),
		}
		if err := postgres.WriteEntry(ctx, tx, entry); err != nil {
			return err
		}
	}

	if cohort != nil && agg.Status() == StatusCompleted {
		n, err := r.insertRows(ctx, tx, agg.ID(), cohort)
		if err != nil {
			return err
		}
		r.logger.Debug("cohort rows stored", zap.String("run_id", agg.ID()), zap.Int64("rows", n))
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	agg.ClearChanges()
	return nil
}

func (r *Repository) insertEvent(ctx context.Context, tx pgx.Tx, event *Event) error {
	query := `
		INSERT INTO cohort_run_events
		(id, aggregate_id, event_type, event_data, version, timestamp, correlation_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := tx.Exec(ctx, query,
		event.ID,
		event.AggregateID,
		event.EventType,
		event.EventData,
		event.Version,
		event.Timestamp,
		event.CorrelationID,
	)
	if err != nil {
		return fmt.Errorf("insert %s event: %w", event.EventType, err)
	}
	return nil
}

func (r *Repository) insertRows(ctx context.Context, tx pgx.Tx, runID string, cohort *medstate.Cohort) (int64, error) {
	header := cohort.Header()
	records := cohort.Records()
	n, err := tx.CopyFrom(ctx,
		pgx.Identifier{"cohort_rows"},
		[]string{"run_id", "row_num", "patient_id", "index_date", "vals"},
		pgx.CopyFromSlice(len(records), func(i int) ([]any, error) {
			vals := make(map[string]string, len(header))
			for j, name := range header {
				vals[name] = records[i][j]
			}
			row := cohort.Rows[i]
			return []any{runID, i, row.PatientID, row.IndexDate.String(), vals}, nil
		}),
	)
	if err != nil {
		return 0, fmt.Errorf("copy cohort rows: %w", err)
	}
	return n, nil
}

// Load retrieves a run by ID
func (r *Repository) Load(ctx context.Context, id string) (*Aggregate, error) {
	events, err := r.GetEvents(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	agg := NewAggregate(id)
	if err := agg.LoadFromHistory(events); err != nil {
		return nil, err
	}
	return agg, nil
}

// GetEvents retrieves all events for a run
func (r *Repository) GetEvents(ctx context.Context, aggregateID string) ([]*Event, error) {
	query := `
		SELECT id, aggregate_id, event_type, event_data, version, timestamp, correlation_id
		FROM cohort_run_events
		WHERE aggregate_id = $1
		ORDER BY version ASC
	`

	rows, err := r.pool.Query(ctx, query, aggregateID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{AggregateType: AggregateType}
		err := rows.Scan(
			&e.ID, &e.AggregateID, &e.EventType, &e.EventData,
			&e.Version, &e.Timestamp, &e.CorrelationID,
		)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// GetRows returns the stored cohort rows of a completed run in row order.
func (r *Repository) GetRows(ctx context.Context, runID string) ([]map[string]string, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT vals FROM cohort_rows WHERE run_id = $1 ORDER BY row_num ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("query cohort rows: %w", err)
	}
	defer rows.Close()

	var out []map[string]string
	for rows.Next() {
		var vals map[string]string
		if err := rows.Scan(&vals); err != nil {
			return nil, fmt.Errorf("scan cohort row: %w", err)
		}
		out = append(out, vals)
	}
	return out, rows.Err()
}
