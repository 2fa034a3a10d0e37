package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/lib/pq"
)

const insertEventQuery = `
	INSERT INTO gateway.events (event_id, aggregate_id, event_type, payload, metadata, version, occurred_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
	ON CONFLICT (event_id) DO NOTHING
`

// PostgresSink archives flushed events into a Postgres table. The
// whole batch goes in one transaction; a partial batch is never left
// behind, so re-queued batches stay safe to retry (the event_id
// conflict clause makes retries idempotent).
type PostgresSink struct {
	db *sql.DB
}

// NewPostgresSink creates a sink writing to gateway.events.
func NewPostgresSink(db *sql.DB) *PostgresSink {
	return &PostgresSink{db: db}
}

func (s *PostgresSink) Name() string { return "postgres" }

func (s *PostgresSink) Write(ctx context.Context, events []Event) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, e := range events {
		payload, err := json.Marshal(e.Data)
		if err != nil {
			return fmt.Errorf("marshal payload %s: %w", e.ID, err)
		}
		meta, err := json.Marshal(e.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata %s: %w", e.ID, err)
		}

		_, err = tx.ExecContext(ctx, insertEventQuery,
			e.ID, e.AggregateID, e.EventType, payload, meta, e.Version, e.Timestamp,
		)
		if err != nil {
			return fmt.Errorf("insert event %s: %w", e.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
