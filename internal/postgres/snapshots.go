package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/taskpulse/taskpulse/internal/domain"
)

// SnapshotStore persists the reminder scheduler's queue state so the
// in-memory heap can be rebuilt after a restart.
type SnapshotStore interface {
	// SavePending atomically replaces the durable pending set with the
	// scheduler's current queue contents.
	SavePending(ctx context.Context, entries []domain.ReminderScheduleEntry) error
	// MarkStatus records a terminal transition (triggered or cancelled)
	// between snapshots. Best effort: a miss is repaired by the next snapshot.
	MarkStatus(ctx context.Context, reminderID string, status domain.ReminderStatus) error
	// LoadPending returns all pending entries, earliest trigger first.
	LoadPending(ctx context.Context) ([]domain.ReminderScheduleEntry, error)
}

type snapshotStore struct {
	pool *pgxpool.Pool
}

// NewSnapshotStore wraps a pgxpool with the SnapshotStore interface.
func NewSnapshotStore(pool *pgxpool.Pool) SnapshotStore {
	return &snapshotStore{pool: pool}
}

func (s *snapshotStore) SavePending(ctx context.Context, entries []domain.ReminderScheduleEntry) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin snapshot tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM reminder_snapshots WHERE status = 'PENDING'`); err != nil {
		return fmt.Errorf("clear pending snapshot rows: %w", err)
	}

	batch := &pgx.Batch{}
	for _, e := range entries {
		batch.Queue(`
			INSERT INTO reminder_snapshots
				(reminder_id, task_id, owner_id, trigger_at, due_date, status, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, 'PENDING', $6, $7)
			ON CONFLICT (reminder_id) DO UPDATE
				SET trigger_at = EXCLUDED.trigger_at,
				    due_date   = EXCLUDED.due_date,
				    status     = 'PENDING',
				    updated_at = EXCLUDED.updated_at
		`, e.ReminderID, e.TaskID, e.OwnerID, e.TriggerAt, e.DueDate, e.CreatedAt, e.UpdatedAt)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("write snapshot batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit snapshot: %w", err)
	}
	return nil
}

func (s *snapshotStore) MarkStatus(ctx context.Context, reminderID string, status domain.ReminderStatus) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE reminder_snapshots
		SET status = $1, updated_at = $2
		WHERE reminder_id = $3 AND status = 'PENDING'
	`, string(status), time.Now().UTC(), reminderID)
	if err != nil {
		return fmt.Errorf("mark reminder %s %s: %w", reminderID, status, err)
	}
	return nil
}

func (s *snapshotStore) LoadPending(ctx context.Context) ([]domain.ReminderScheduleEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT reminder_id, task_id, owner_id, trigger_at, due_date, status, created_at, updated_at
		FROM reminder_snapshots
		WHERE status = 'PENDING'
		ORDER BY trigger_at
	`)
	if err != nil {
		return nil, fmt.Errorf("load pending reminders: %w", err)
	}
	defer rows.Close()

	var entries []domain.ReminderScheduleEntry
	for rows.Next() {
		var e domain.ReminderScheduleEntry
		var status string
		if err := rows.Scan(&e.ReminderID, &e.TaskID, &e.OwnerID,
			&e.TriggerAt, &e.DueDate, &status, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan reminder snapshot: %w", err)
		}
		e.Status = domain.ReminderStatus(status)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
