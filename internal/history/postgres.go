package history

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quickchat/realtime-service/internal/event"
)

// PostgresStore persists event history in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS realtime_events (
			id TEXT PRIMARY KEY,
			event_type TEXT NOT NULL,
			topic TEXT NOT NULL,
			payload JSONB,
			schema_version INT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_realtime_events_topic_created ON realtime_events (topic, created_at);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) Insert(ctx context.Context, ev event.Event) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO realtime_events (id, event_type, topic, payload, schema_version, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		ev.ID,
		string(ev.Type),
		ev.Topic,
		[]byte(ev.Payload),
		ev.SchemaVersion,
		ev.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func (s *PostgresStore) Recent(ctx context.Context, topic string, limit int) ([]event.Event, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, event_type, topic, payload, schema_version, created_at
		 FROM realtime_events WHERE topic=$1 ORDER BY created_at DESC LIMIT $2`,
		topic,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent events: %w", err)
	}
	defer rows.Close()

	items := make([]event.Event, 0, limit)
	for rows.Next() {
		var ev event.Event
		var evType string
		var payload []byte
		if err := rows.Scan(&ev.ID, &evType, &ev.Topic, &payload, &ev.SchemaVersion, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		ev.Type = event.Type(evType)
		ev.Payload = payload
		items = append(items, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate event rows: %w", err)
	}

	// Reverse into chronological order.
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}

	return items, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
