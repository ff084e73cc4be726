package dispatch

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// BatchStore keeps batch history.
type BatchStore interface {
	Save(ctx context.Context, b Batch) error
	Get(ctx context.Context, id string) (Batch, error)
}

// MemoryStore is a process-local BatchStore.
type MemoryStore struct {
	mu      sync.RWMutex
	batches map[string]Batch
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{batches: make(map[string]Batch)}
}

func (s *MemoryStore) Save(_ context.Context, b Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b.Results = append([]DeliveryResult(nil), b.Results...)
	s.batches[b.ID] = b
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.batches[id]
	if !ok {
		return Batch{}, ErrNotFound
	}
	b.Results = append([]DeliveryResult(nil), b.Results...)
	return b, nil
}

type rowQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

var storeTracer = otel.Tracer("payreminder.dispatch.store")

// PostgresStore persists batches in the batches table.
type PostgresStore struct {
	pool rowQuerier
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	if pool == nil {
		panic("dispatch: pgx pool required")
	}
	return &PostgresStore{pool: pool}
}

func newPostgresStoreWithExec(exec rowQuerier) *PostgresStore {
	if exec == nil {
		panic("dispatch: exec required")
	}
	return &PostgresStore{pool: exec}
}

// Save upserts the batch row including its delivery results.
func (s *PostgresStore) Save(ctx context.Context, b Batch) error {
	ctx, span := storeTracer.Start(ctx, "dispatch.store.save")
	defer span.End()
	span.SetAttributes(attribute.String("batch.id", b.ID), attribute.String("batch.status", string(b.Status)))

	results := b.Results
	if results == nil {
		results = []DeliveryResult{}
	}
	payload, err := json.Marshal(results)
	if err != nil {
		return fmt.Errorf("dispatch: encode results: %w", err)
	}
	query := `
		INSERT INTO batches (id, template_name, status, total, processed, successful, failed, results, created_at, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			processed = EXCLUDED.processed,
			successful = EXCLUDED.successful,
			failed = EXCLUDED.failed,
			results = EXCLUDED.results,
			started_at = EXCLUDED.started_at,
			finished_at = EXCLUDED.finished_at
	`
	if _, err := s.pool.Exec(ctx, query, b.ID, b.TemplateName, string(b.Status), b.Total, b.Processed,
		b.Successful, b.Failed, payload, b.CreatedAt, b.StartedAt, b.FinishedAt); err != nil {
		span.RecordError(err)
		return fmt.Errorf("dispatch: save batch: %w", err)
	}
	return nil
}

// Get loads a batch by id.
func (s *PostgresStore) Get(ctx context.Context, id string) (Batch, error) {
	ctx, span := storeTracer.Start(ctx, "dispatch.store.get")
	defer span.End()
	span.SetAttributes(attribute.String("batch.id", id))

	query := `
		SELECT id, template_name, status, total, processed, successful, failed, results, created_at, started_at, finished_at
		FROM batches
		WHERE id = $1
	`
	var (
		b        Batch
		status   string
		payload  []byte
		started  sql.NullTime
		finished sql.NullTime
	)
	err := s.pool.QueryRow(ctx, query, id).Scan(&b.ID, &b.TemplateName, &status, &b.Total, &b.Processed,
		&b.Successful, &b.Failed, &payload, &b.CreatedAt, &started, &finished)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Batch{}, ErrNotFound
		}
		span.RecordError(err)
		return Batch{}, fmt.Errorf("dispatch: get batch: %w", err)
	}
	b.Status = BatchStatus(status)
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &b.Results); err != nil {
			return Batch{}, fmt.Errorf("dispatch: decode results: %w", err)
		}
	}
	if started.Valid {
		v := started.Time
		b.StartedAt = &v
	}
	if finished.Valid {
		v := finished.Time
		b.FinishedAt = &v
	}
	return b, nil
}
