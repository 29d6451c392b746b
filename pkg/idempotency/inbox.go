// Package idempotency deduplicates build requests with a Postgres inbox keyed by run,
// and derives request fingerprints: a SHA-256 over the canonical request fields.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Status is the processing state of an inbox entry
type Status string

const (
	StatusStarted     Status = "STARTED"
	StatusFinished    Status = "FINISHED"
	StatusRecoverable Status = "RECOVERABLE"
	StatusFailed      Status = "FAILED"
)

var (
	// ErrMessageInProgress means another worker holds the key.
	ErrMessageInProgress = errors.New("message in progress by another handler")
	// ErrPreviouslyFailed means the key failed permanently before.
	ErrPreviouslyFailed = errors.New("message previously failed permanently")
)

// InboxConfig holds configuration for the inbox
type InboxConfig struct {
	// TTL is how long an entry is kept
	TTL time.Duration
	// CleanupInterval is how often expired entries are deleted
	CleanupInterval time.Duration
	// RecoveryTimeout is the age after which a STARTED entry may be taken over
	RecoveryTimeout time.Duration
	// Terminal marks handler errors that must not be reprocessed.
	Terminal func(error) bool
}

// DefaultInboxConfig returns defaults for build requests
func DefaultInboxConfig() InboxConfig {
	return InboxConfig{
		TTL:             7 * 24 * time.Hour,
		CleanupInterval: time.Hour,
		RecoveryTimeout: 15 * time.Minute,
		Terminal:        func(error) bool { return false },
	}
}

// Inbox records which keys were processed and how they ended.
type Inbox struct {
	pool   *pgxpool.Pool
	config InboxConfig
	logger *zap.Logger
	tracer trace.Tracer

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewInbox creates an inbox
func NewInbox(pool *pgxpool.Pool, cfg InboxConfig, logger *zap.Logger) *Inbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Terminal == nil {
		cfg.Terminal = func(error) bool { return false }
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Inbox{
		pool:   pool,
		config: cfg,
		logger: logger,
		tracer: otel.Tracer("inbox"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// ProcessResult is the outcome of Process.
type ProcessResult struct {
	// Duplicate is set when the key had already finished; Result is the stored result.
	Duplicate bool
	Result    json.RawMessage
}

// ProcessFunc handles one payload.
type ProcessFunc func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)

// Process runs fn unless key already finished, failed or is held by another worker.
// Handler errors mark the key FAILED when Terminal says so and RECOVERABLE otherwise.
func (i *Inbox) Process(ctx context.Context, key, handlerName string, payload json.RawMessage, fn ProcessFunc) (*ProcessResult, error) {
	ctx, span := i.tracer.Start(ctx, "inbox_process",
		trace.WithAttributes(
			attribute.String("idempotency_key", key),
			attribute.String("handler", handlerName),
		))
	defer span.End()

	claimed, err := i.claim(ctx, key, handlerName, payload)
	if err != nil {
		return nil, fmt.Errorf("claim inbox key %s: %w", key, err)
	}
	if !claimed {
		status, result, err := i.lookup(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("read inbox key %s: %w", key, err)
		}
		span.SetAttributes(attribute.String("existing_status", string(status)))
		return rejection(key, status, result)
	}

	result, handlerErr := fn(ctx, payload)
	if handlerErr != nil {
		status := StatusRecoverable
		if i.config.Terminal(handlerErr) {
			status = StatusFailed
		}
		errResult, _ := json.Marshal(map[string]string{"error": handlerErr.Error()})
		if err := i.finish(ctx, key, status, errResult); err != nil {
			i.logger.Error("failed to record inbox failure", zap.String("key", key), zap.Error(err))
		}
		span.RecordError(handlerErr)
		return nil, handlerErr
	}

	if err := i.finish(ctx, key, StatusFinished, result); err != nil {
		// The handler succeeded; a redelivery finds the run already completed.
		i.logger.Error("failed to record inbox result", zap.String("key", key), zap.Error(err))
	}
	return &ProcessResult{Result: result}, nil
}

// rejection explains why an existing entry could not be claimed.
func rejection(key string, status Status, result json.RawMessage) (*ProcessResult, error) {
	switch status {
	case StatusFinished:
		return &ProcessResult{Duplicate: true, Result: result}, nil
	case StatusFailed:
		return nil, fmt.Errorf("%w: %s", ErrPreviouslyFailed, key)
	default:
		// STARTED and fresh, or taken over between the claim and the lookup.
		return nil, ErrMessageInProgress
	}
}

// claim inserts the key as STARTED, or takes over a RECOVERABLE entry or a STARTED
// entry older than RecoveryTimeout. It reports false when the key belongs to someone else.
func (i *Inbox) claim(ctx context.Context, key, handlerName string, payload json.RawMessage) (bool, error) {
	const query = `
		INSERT INTO inbox (idempotency_key, handler_name, status, payload, expires_at)
		VALUES ($1, $2, 'STARTED', $3, $4)
		ON CONFLICT (idempotency_key) DO UPDATE
		SET status = 'STARTED', handler_name = EXCLUDED.handler_name, updated_at = NOW()
		WHERE inbox.status = 'RECOVERABLE'
		   OR (inbox.status = 'STARTED' AND inbox.updated_at < NOW() - make_interval(secs => $5))
		RETURNING idempotency_key
	`
	var returned string
	err := i.pool.QueryRow(ctx, query, key, handlerName, payload,
		time.Now().Add(i.config.TTL), i.config.RecoveryTimeout.Seconds()).Scan(&returned)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (i *Inbox) lookup(ctx context.Context, key string) (Status, json.RawMessage, error) {
	var status Status
	var result json.RawMessage
	err := i.pool.QueryRow(ctx,
		`SELECT status, result FROM inbox WHERE idempotency_key = $1`, key).Scan(&status, &result)
	if errors.Is(err, pgx.ErrNoRows) {
		// Deleted by cleanup since the claim; the next delivery claims it.
		return StatusRecoverable, nil, nil
	}
	return status, result, err
}

func (i *Inbox) finish(ctx context.Context, key string, status Status, result json.RawMessage) error {
	_, err := i.pool.Exec(ctx, `
		UPDATE inbox
		SET status = $1, result = $2, updated_at = NOW()
		WHERE idempotency_key = $3
	`, status, result, key)
	return err
}

// Fingerprint derives a deterministic key from request fields. Field order matters;
// callers sort set-valued fields first.
func Fingerprint(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(strings.TrimSpace(p)))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// FingerprintJSON fingerprints the JSON encoding of v.
func FingerprintJSON(v interface{}) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode fingerprint input: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// StartCleanup deletes expired entries every CleanupInterval until Stop.
func (i *Inbox) StartCleanup() {
	i.wg.Add(1)
	go func() {
		defer i.wg.Done()
		ticker := time.NewTicker(i.config.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-i.ctx.Done():
				return
			case <-ticker.C:
				if err := i.cleanup(i.ctx); err != nil {
					i.logger.Error("inbox cleanup failed", zap.Error(err))
				}
			}
		}
	}()
	i.logger.Info("inbox cleanup started", zap.Duration("interval", i.config.CleanupInterval))
}

// Stop ends the cleanup loop. It is safe to call without StartCleanup.
func (i *Inbox) Stop() {
	i.stopOnce.Do(func() {
		i.cancel()
		i.wg.Wait()
		i.logger.Info("inbox stopped")
	})
}

func (i *Inbox) cleanup(ctx context.Context) error {
	tag, err := i.pool.Exec(ctx, `DELETE FROM inbox WHERE expires_at < NOW()`)
	if err != nil {
		return err
	}
	if n := tag.RowsAffected(); n > 0 {
		i.logger.Info("inbox cleanup completed", zap.Int64("deleted", n))
	}
	return nil
}

// RecoverStaleEntries marks STARTED entries older than RecoveryTimeout as RECOVERABLE,
// so runs interrupted by a crash are picked up on redelivery.
func (i *Inbox) RecoverStaleEntries(ctx context.Context) (int64, error) {
	tag, err := i.pool.Exec(ctx, `
		UPDATE inbox
		SET status = 'RECOVERABLE', updated_at = NOW()
		WHERE status = 'STARTED'
		  AND updated_at < NOW() - make_interval(secs => $1)
	`, i.config.RecoveryTimeout.Seconds())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
