package hl7v2

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// MigrationHL7Messages is the DDL for the hl7_messages table. It is safe to
// execute repeatedly.
const MigrationHL7Messages = `
CREATE TABLE IF NOT EXISTS hl7_messages (
    id            UUID PRIMARY KEY,
    control_id    TEXT NOT NULL DEFAULT '',
    message_type  TEXT NOT NULL DEFAULT '',
    body          TEXT NOT NULL,
    segment_count INTEGER NOT NULL,
    created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_hl7_messages_created_at
    ON hl7_messages (created_at DESC);
`

// pgRows is the subset of pgx.Rows the store iterates over.
type pgRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close()
}

// pgConn is the minimal database interface required by PGMessageStore, so
// tests can substitute a fake for *pgxpool.Pool.
type pgConn interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgRows, error)
	Exec(ctx context.Context, sql string, args ...any) error
}

// PGMessageStore is a PostgreSQL-backed MessageStore.
type PGMessageStore struct {
	db pgConn
}

// NewPGMessageStore creates a store over db.
func NewPGMessageStore(db pgConn) *PGMessageStore {
	return &PGMessageStore{db: db}
}

// NewPGMessageStoreFromPool wraps a pgx pool.
func NewPGMessageStoreFromPool(pool *pgxpool.Pool) *PGMessageStore {
	return &PGMessageStore{db: &pgxPoolWrapper{pool: pool}}
}

// EnsureSchema creates the hl7_messages table if it does not exist.
func (s *PGMessageStore) EnsureSchema(ctx context.Context) error {
	if err := s.db.Exec(ctx, MigrationHL7Messages); err != nil {
		return fmt.Errorf("create hl7_messages table: %w", err)
	}
	return nil
}

func (s *PGMessageStore) Save(ctx context.Context, msg *ArchivedMessage) error {
	prepareArchived(msg)

	const query = `INSERT INTO hl7_messages (id, control_id, message_type, body, segment_count, created_at)
VALUES ($1, $2, $3, $4, $5, $6)`

	if err := s.db.Exec(ctx, query, msg.ID, msg.ControlID, msg.MessageType, msg.Body, msg.SegmentCount, msg.CreatedAt); err != nil {
		return fmt.Errorf("save hl7 message: %w", err)
	}
	return nil
}

func (s *PGMessageStore) Get(ctx context.Context, id uuid.UUID) (*ArchivedMessage, error) {
	const query = `SELECT id, control_id, message_type, body, segment_count, created_at
FROM hl7_messages WHERE id = $1`

	msg := &ArchivedMessage{}
	err := s.db.QueryRow(ctx, query, id).Scan(
		&msg.ID, &msg.ControlID, &msg.MessageType, &msg.Body, &msg.SegmentCount, &msg.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrMessageNotFound
		}
		return nil, fmt.Errorf("get hl7 message: %w", err)
	}
	return msg, nil
}

func (s *PGMessageStore) List(ctx context.Context, limit, offset int) ([]*ArchivedMessage, int, error) {
	var total int
	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM hl7_messages`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count hl7 messages: %w", err)
	}

	const query = `SELECT id, control_id, message_type, body, segment_count, created_at
FROM hl7_messages ORDER BY created_at DESC, id LIMIT $1 OFFSET $2`

	rows, err := s.db.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list hl7 messages: %w", err)
	}
	defer rows.Close()

	var out []*ArchivedMessage
	for rows.Next() {
		msg := &ArchivedMessage{}
		if err := rows.Scan(&msg.ID, &msg.ControlID, &msg.MessageType, &msg.Body, &msg.SegmentCount, &msg.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("scan hl7 message: %w", err)
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate hl7 messages: %w", err)
	}
	return out, total, nil
}

// pgxPoolWrapper adapts *pgxpool.Pool to pgConn.
type pgxPoolWrapper struct {
	pool *pgxpool.Pool
}

func (w *pgxPoolWrapper) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return w.pool.QueryRow(ctx, sql, args...)
}

func (w *pgxPoolWrapper) Query(ctx context.Context, sql string, args ...any) (pgRows, error) {
	return w.pool.Query(ctx, sql, args...)
}

func (w *pgxPoolWrapper) Exec(ctx context.Context, sql string, args ...any) error {
	_, err := w.pool.Exec(ctx, sql, args...)
	return err
}
