package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/taskpulse/taskpulse/internal/domain"
)

const uniqueViolation = "23505"

// TaskStore abstracts the relational task store. The lifecycle producer is
// the only mutation caller; the recurring processor reads the recurrence
// scan surface.
type TaskStore interface {
	Create(ctx context.Context, task *domain.Task) error
	Update(ctx context.Context, task *domain.Task) error
	Complete(ctx context.Context, id string, at time.Time) error
	Delete(ctx context.Context, id string) error
	GetByID(ctx context.Context, id string) (*domain.Task, error)
	ListActiveRecurring(ctx context.Context, now time.Time) ([]*domain.Task, error)
	OccurrenceExists(ctx context.Context, parentID string, occurrence time.Time) (bool, error)
}

type taskStore struct {
	pool *pgxpool.Pool
}

// NewTaskStore wraps a pgxpool with the TaskStore interface.
func NewTaskStore(pool *pgxpool.Pool) TaskStore {
	return &taskStore{pool: pool}
}

// NewPool creates a pgxpool and verifies connectivity.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return pool, nil
}

func (s *taskStore) Create(ctx context.Context, task *domain.Task) error {
	var offsetNS *int64
	if task.ReminderOffset != nil {
		ns := int64(*task.ReminderOffset)
		offsetNS = &ns
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tasks
			(id, owner_id, title, description, status, due_date,
			 recurrence_pattern, recurrence_end_date, parent_task_id, occurrence_date,
			 reminder_offset_ns, reminder_status, created_at, updated_at)
		VALUES
			($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`,
		task.ID, task.OwnerID, task.Title, task.Description, string(task.Status), task.DueDate,
		nullableString(task.RecurrencePattern), task.RecurrenceEnd, task.ParentTaskID, task.OccurrenceDate,
		offsetNS, string(task.ReminderStatus), task.CreatedAt, task.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && task.ParentTaskID != nil {
			return &domain.ConflictError{
				ParentTaskID:   *task.ParentTaskID,
				OccurrenceDate: *task.OccurrenceDate,
			}
		}
		return fmt.Errorf("create task %s: %w", task.ID, err)
	}
	return nil
}

func (s *taskStore) Update(ctx context.Context, task *domain.Task) error {
	var offsetNS *int64
	if task.ReminderOffset != nil {
		ns := int64(*task.ReminderOffset)
		offsetNS = &ns
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE tasks
		SET title = $1, description = $2, due_date = $3,
		    recurrence_pattern = $4, recurrence_end_date = $5,
		    reminder_offset_ns = $6, reminder_status = $7, updated_at = $8
		WHERE id = $9 AND status = 'OPEN'
	`,
		task.Title, task.Description, task.DueDate,
		nullableString(task.RecurrencePattern), task.RecurrenceEnd,
		offsetNS, string(task.ReminderStatus), task.UpdatedAt, task.ID,
	)
	if err != nil {
		return fmt.Errorf("update task %s: %w", task.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return &domain.TaskNotFoundError{TaskID: task.ID}
	}
	return nil
}

func (s *taskStore) Complete(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tasks
		SET status = 'COMPLETED', completed_at = $1, updated_at = $1
		WHERE id = $2 AND status = 'OPEN'
	`, at, id)
	if err != nil {
		return fmt.Errorf("complete task %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return &domain.TaskNotFoundError{TaskID: id}
	}
	return nil
}

// Delete is a soft delete: the row survives so the occurrence uniqueness
// constraint keeps deduplicating recurring instances.
func (s *taskStore) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tasks
		SET status = 'DELETED', updated_at = $1
		WHERE id = $2 AND status <> 'DELETED'
	`, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("delete task %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return &domain.TaskNotFoundError{TaskID: id}
	}
	return nil
}

func (s *taskStore) GetByID(ctx context.Context, id string) (*domain.Task, error) {
	row := s.pool.QueryRow(ctx, taskSelect+` WHERE id = $1`, id)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &domain.TaskNotFoundError{TaskID: id}
		}
		return nil, err
	}
	return task, nil
}

// ListActiveRecurring returns open parent tasks whose recurrence window is
// still open at now.
func (s *taskStore) ListActiveRecurring(ctx context.Context, now time.Time) ([]*domain.Task, error) {
	rows, err := s.pool.Query(ctx, taskSelect+`
		WHERE recurrence_pattern IS NOT NULL
		  AND status = 'OPEN'
		  AND parent_task_id IS NULL
		  AND (recurrence_end_date IS NULL OR recurrence_end_date > $1)
		ORDER BY created_at
	`, now)
	if err != nil {
		return nil, fmt.Errorf("list recurring tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*domain.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func (s *taskStore) OccurrenceExists(ctx context.Context, parentID string, occurrence time.Time) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM tasks WHERE parent_task_id = $1 AND occurrence_date = $2
		)
	`, parentID, occurrence).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("occurrence lookup for %s: %w", parentID, err)
	}
	return exists, nil
}

const taskSelect = `
	SELECT id, owner_id, title, description, status, due_date,
	       recurrence_pattern, recurrence_end_date, parent_task_id, occurrence_date,
	       reminder_offset_ns, reminder_status, created_at, updated_at, completed_at
	FROM tasks`

// scanTask reads a task row from any pgx row type.
func scanTask(row interface {
	Scan(...any) error
}) (*domain.Task, error) {
	var (
		task       domain.Task
		status     string
		reminder   string
		recurrence *string
		offsetNS   *int64
	)
	err := row.Scan(
		&task.ID, &task.OwnerID, &task.Title, &task.Description, &status, &task.DueDate,
		&recurrence, &task.RecurrenceEnd, &task.ParentTaskID, &task.OccurrenceDate,
		&offsetNS, &reminder, &task.CreatedAt, &task.UpdatedAt, &task.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan task: %w", err)
	}
	task.Status = domain.TaskStatus(status)
	task.ReminderStatus = domain.ReminderStatus(reminder)
	if recurrence != nil {
		task.RecurrencePattern = *recurrence
	}
	if offsetNS != nil {
		d := time.Duration(*offsetNS)
		task.ReminderOffset = &d
	}
	return &task, nil
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
