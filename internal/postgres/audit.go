package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// AuditRecord is one durably stored lifecycle event: indexed columns pulled
// from the envelope plus the verbatim wire payload.
type AuditRecord struct {
	EventID       string    `json:"event_id"`
	EventType     string    `json:"event_type"`
	TaskID        string    `json:"task_id"`
	ActorID       string    `json:"actor_id,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	PartitionDate string    `json:"partition_date"`
	Payload       json.RawMessage
}

// AuditStore is the append-only, time-partitioned event log. There is no
// update or delete surface.
type AuditStore interface {
	// AppendBatch durably appends a batch. Duplicate event ids are ignored,
	// so redelivered batches are safe.
	AppendBatch(ctx context.Context, records []AuditRecord) error
	// ListByTask returns the full event history for one task in ascending
	// timestamp order.
	ListByTask(ctx context.Context, taskID string) ([]AuditRecord, error)
}

type auditStore struct {
	pool *pgxpool.Pool
}

// NewAuditStore wraps a pgxpool with the AuditStore interface.
func NewAuditStore(pool *pgxpool.Pool) AuditStore {
	return &auditStore{pool: pool}
}

func (s *auditStore) AppendBatch(ctx context.Context, records []AuditRecord) error {
	if len(records) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, r := range records {
		batch.Queue(`
			INSERT INTO audit_events
				(event_id, event_type, task_id, actor_id, occurred_at, partition_date, payload)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (event_id) DO NOTHING
		`, r.EventID, r.EventType, r.TaskID, nullableString(r.ActorID),
			r.Timestamp, r.PartitionDate, []byte(r.Payload))
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("append audit batch of %d: %w", len(records), err)
	}
	return nil
}

func (s *auditStore) ListByTask(ctx context.Context, taskID string) ([]AuditRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT event_id, event_type, task_id, actor_id, occurred_at, partition_date, payload
		FROM audit_events
		WHERE task_id = $1
		ORDER BY occurred_at, event_id
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list audit events for task %s: %w", taskID, err)
	}
	defer rows.Close()

	var records []AuditRecord
	for rows.Next() {
		var (
			r       AuditRecord
			actorID *string
			payload []byte
		)
		if err := rows.Scan(&r.EventID, &r.EventType, &r.TaskID, &actorID,
			&r.Timestamp, &r.PartitionDate, &payload); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		if actorID != nil {
			r.ActorID = *actorID
		}
		r.Payload = json.RawMessage(payload)
		records = append(records, r)
	}
	return records, rows.Err()
}
