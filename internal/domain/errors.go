package domain

import (
	"fmt"
	"time"
)

// TaskNotFoundError is returned when a task ID does not exist in the store.
type TaskNotFoundError struct {
	TaskID string
}

func (e *TaskNotFoundError) Error() string {
	return fmt.Sprintf("task not found: %s", e.TaskID)
}

// ValidationError is returned when a task or event payload violates an
// invariant. It is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %q: %s", e.Field, e.Reason)
}

// ConflictError is returned when an insert collides with the uniqueness
// constraint on (parent_task_id, occurrence_date). The recurring processor
// treats it as an already-generated outcome, not a failure.
type ConflictError struct {
	ParentTaskID   string
	OccurrenceDate time.Time
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("instance of recurring task %s already exists for %s",
		e.ParentTaskID, e.OccurrenceDate.Format("2006-01-02"))
}

// PublishError is returned by the event bus after all publish attempts are
// exhausted and the event was routed to the dead-letter topic.
type PublishError struct {
	Topic    string
	Attempts int
	Err      error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish to %s failed after %d attempts: %v", e.Topic, e.Attempts, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// ConnectionCapacityError is returned when a user already holds the maximum
// number of concurrent notification streams.
type ConnectionCapacityError struct {
	OwnerID string
	Limit   int
}

func (e *ConnectionCapacityError) Error() string {
	return fmt.Sprintf("owner %s already has %d open notification streams", e.OwnerID, e.Limit)
}
