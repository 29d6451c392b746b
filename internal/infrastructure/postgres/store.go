package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/drfirst/go-medindex/internal/extract"
)

//go:embed schema.sql
var schema string

// EnsureSchema creates the tables the services use when they do not exist.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// ErrDatasetNotFound is returned when a dataset has no extract tables.
var ErrDatasetNotFound = errors.New("dataset not found")

// ExtractStore keeps extract tables per dataset.
type ExtractStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
	tracer trace.Tracer
}

// NewExtractStore creates a store on pool.
func NewExtractStore(pool *pgxpool.Pool, logger *zap.Logger) *ExtractStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExtractStore{pool: pool, logger: logger, tracer: otel.Tracer("extract-store")}
}

// Load reads every known extract of a dataset concurrently. Extracts the dataset
// lacks are absent from the set.
func (s *ExtractStore) Load(ctx context.Context, dataset string) (extract.Set, error) {
	ctx, span := s.tracer.Start(ctx, "extract_store_load",
		trace.WithAttributes(attribute.String("dataset", dataset)))
	defer span.End()

	var mu sync.Mutex
	set := make(extract.Set)
	g, gctx := errgroup.WithContext(ctx)
	for _, name := range extract.Names {
		g.Go(func() error {
			t, err := s.loadTable(gctx, dataset, name)
			if err != nil || t == nil {
				return err
			}
			mu.Lock()
			set[name] = t
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		return nil, err
	}
	if len(set) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrDatasetNotFound, dataset)
	}

	span.SetAttributes(attribute.Int("tables", len(set)))
	s.logger.Debug("extracts loaded", zap.String("dataset", dataset), zap.Int("tables", len(set)))
	return set, nil
}

func (s *ExtractStore) loadTable(ctx context.Context, dataset, name string) (*extract.Table, error) {
	var columns []string
	err := s.pool.QueryRow(ctx,
		`SELECT columns FROM extract_tables WHERE dataset = $1 AND name = $2`,
		dataset, name).Scan(&columns)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load %s columns: %w", name, err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT cells FROM extract_rows WHERE dataset = $1 AND name = $2 ORDER BY row_num ASC`,
		dataset, name)
	if err != nil {
		return nil, fmt.Errorf("load %s rows: %w", name, err)
	}
	cells, err := pgx.CollectRows(rows, pgx.RowTo[[]string])
	if err != nil {
		return nil, fmt.Errorf("scan %s rows: %w", name, err)
	}
	return extract.NewTable(name, columns, cells), nil
}

// Import replaces a dataset's extracts with set.
func (s *ExtractStore) Import(ctx context.Context, dataset string, set extract.Set) error {
	ctx, span := s.tracer.Start(ctx, "extract_store_import",
		trace.WithAttributes(attribute.String("dataset", dataset)))
	defer span.End()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM extract_tables WHERE dataset = $1`, dataset); err != nil {
		return fmt.Errorf("clear dataset: %w", err)
	}

	total := 0
	for _, name := range extract.Names {
		t := set.Get(name)
		if t == nil {
			continue
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO extract_tables (dataset, name, columns) VALUES ($1, $2, $3)`,
			dataset, name, t.Columns); err != nil {
			return fmt.Errorf("insert %s: %w", name, err)
		}
		n, err := tx.CopyFrom(ctx,
			pgx.Identifier{"extract_rows"},
			[]string{"dataset", "name", "row_num", "cells"},
			pgx.CopyFromSlice(len(t.Rows), func(i int) ([]any, error) {
				return []any{dataset, name, i, t.Rows[i]}, nil
			}))
		if err != nil {
			span.RecordError(err)
			return fmt.Errorf("copy %s rows: %w", name, err)
		}
		total += int(n)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	s.logger.Info("dataset imported", zap.String("dataset", dataset), zap.Int("rows", total))
	return nil
}

// Datasets lists the stored datasets.
func (s *ExtractStore) Datasets(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT dataset FROM extract_tables ORDER BY dataset`)
	if err != nil {
		return nil, fmt.Errorf("list datasets: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}
