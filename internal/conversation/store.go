package conversation

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

// Store persists conversations. Save writes the header and appends only the
// given new messages; existing history is never rewritten.
type Store interface {
	Load(ctx context.Context, phone string) (Conversation, error)
	Save(ctx context.Context, conv Conversation, appended []Message) error
}

// MemoryStore keeps conversations in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	convs map[string]Conversation
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{convs: make(map[string]Conversation)}
}

func (s *MemoryStore) Load(_ context.Context, phone string) (Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.convs[phone]
	if !ok {
		return Conversation{}, ErrNotFound
	}
	return conv.Clone(), nil
}

func (s *MemoryStore) Save(_ context.Context, conv Conversation, appended []Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	history := s.convs[conv.Phone].Messages
	next := conv.Clone()
	next.Messages = append(append([]Message(nil), history...), Conversation{Messages: appended}.Clone().Messages...)
	s.convs[conv.Phone] = next
	return nil
}

type rowQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Begin(ctx context.Context) (pgx.Tx, error)
}

var tracer = otel.Tracer("payreminder.conversation")

// PostgresStore persists conversations and their message history. The header
// and the appended messages of one Save commit together.
type PostgresStore struct {
	pool rowQuerier
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	if pool == nil {
		panic("conversation: pgx pool required")
	}
	return &PostgresStore{pool: pool}
}

func newPostgresStoreWithExec(exec rowQuerier) *PostgresStore {
	if exec == nil {
		panic("conversation: exec required")
	}
	return &PostgresStore{pool: exec}
}

func (s *PostgresStore) Load(ctx context.Context, phone string) (Conversation, error) {
	ctx, span := tracer.Start(ctx, "conversation.store.load")
	defer span.End()
	span.SetAttributes(attribute.String("conversation.phone", phone))

	var (
		conv   Conversation
		state  string
		rawCtx []byte
	)
	err := s.pool.QueryRow(ctx, `
		SELECT phone, state, context, created_at, updated_at
		FROM conversations
		WHERE phone = $1
	`, phone).Scan(&conv.Phone, &state, &rawCtx, &conv.CreatedAt, &conv.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Conversation{}, ErrNotFound
		}
		span.RecordError(err)
		return Conversation{}, fmt.Errorf("conversation: load: %w", err)
	}
	conv.State = State(state)
	if len(rawCtx) > 0 {
		if err := json.Unmarshal(rawCtx, &conv.Context); err != nil {
			return Conversation{}, fmt.Errorf("conversation: decode context: %w", err)
		}
	}

	rows, err := s.pool.Query(ctx, `
		SELECT direction, text, intent, confidence, provider_message_id, delivery_status, created_at
		FROM conversation_messages
		WHERE phone = $1
		ORDER BY id
	`, phone)
	if err != nil {
		span.RecordError(err)
		return Conversation{}, fmt.Errorf("conversation: load messages: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			m          Message
			direction  string
			confidence sql.NullFloat64
		)
		if err := rows.Scan(&direction, &m.Text, &m.Intent, &confidence, &m.ProviderMessageID, &m.DeliveryStatus, &m.Timestamp); err != nil {
			return Conversation{}, fmt.Errorf("conversation: scan message: %w", err)
		}
		m.Direction = Direction(direction)
		if confidence.Valid {
			v := confidence.Float64
			m.Confidence = &v
		}
		conv.Messages = append(conv.Messages, m)
	}
	if err := rows.Err(); err != nil {
		return Conversation{}, fmt.Errorf("conversation: iterate messages: %w", err)
	}
	return conv, nil
}

func (s *PostgresStore) Save(ctx context.Context, conv Conversation, appended []Message) error {
	ctx, span := tracer.Start(ctx, "conversation.store.save")
	defer span.End()
	span.SetAttributes(
		attribute.String("conversation.phone", conv.Phone),
		attribute.String("conversation.state", string(conv.State)),
		attribute.Int("conversation.appended", len(appended)),
	)

	rawCtx, err := json.Marshal(conv.Context)
	if err != nil {
		return fmt.Errorf("conversation: encode context: %w", err)
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("conversation: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		INSERT INTO conversations (phone, state, context, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (phone) DO UPDATE SET
			state = EXCLUDED.state,
			context = EXCLUDED.context,
			updated_at = EXCLUDED.updated_at
	`, conv.Phone, string(conv.State), rawCtx, conv.CreatedAt, conv.UpdatedAt); err != nil {
		span.RecordError(err)
		return fmt.Errorf("conversation: save: %w", err)
	}
	for _, m := range appended {
		if _, err := tx.Exec(ctx, `
			INSERT INTO conversation_messages (phone, direction, text, intent, confidence, provider_message_id, delivery_status, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, conv.Phone, string(m.Direction), m.Text, m.Intent, m.Confidence, m.ProviderMessageID, m.DeliveryStatus, m.Timestamp); err != nil {
			span.RecordError(err)
			return fmt.Errorf("conversation: append message: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		span.RecordError(err)
		return fmt.Errorf("conversation: commit: %w", err)
	}
	return nil
}
