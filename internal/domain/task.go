package domain

import "time"

// TaskStatus represents the lifecycle states of a task.
type TaskStatus string

const (
	TaskOpen      TaskStatus = "OPEN"
	TaskCompleted TaskStatus = "COMPLETED"
	TaskDeleted   TaskStatus = "DELETED"
)

// IsTerminal returns true if no further mutations are allowed.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskDeleted
}

// ReminderStatus tracks the state of a task's due-date reminder.
type ReminderStatus string

const (
	ReminderNone         ReminderStatus = "NONE"
	ReminderPending      ReminderStatus = "PENDING"
	ReminderSent         ReminderStatus = "SENT"
	ReminderAcknowledged ReminderStatus = "ACKNOWLEDGED"
	ReminderCancelled    ReminderStatus = "CANCELLED"
)

// Task is the core domain entity. The relational store owns it; this
// subsystem reads and mutates it only through the lifecycle producer.
type Task struct {
	ID                string         `json:"id"`
	OwnerID           string         `json:"owner_id"`
	Title             string         `json:"title"`
	Description       string         `json:"description,omitempty"`
	Status            TaskStatus     `json:"status"`
	DueDate           *time.Time     `json:"due_date,omitempty"`
	RecurrencePattern string         `json:"recurrence_pattern,omitempty"`
	RecurrenceEnd     *time.Time     `json:"recurrence_end_date,omitempty"`
	ParentTaskID      *string        `json:"parent_task_id,omitempty"`
	OccurrenceDate    *time.Time     `json:"occurrence_date,omitempty"`
	ReminderOffset    *time.Duration `json:"reminder_offset,omitempty"`
	ReminderStatus    ReminderStatus `json:"reminder_status"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
	CompletedAt       *time.Time     `json:"completed_at,omitempty"`
}

// Validate enforces the structural invariants that tie the recurrence and
// reminder fields together. It returns a *ValidationError naming the first
// violated field.
func (t *Task) Validate() error {
	if t.Title == "" {
		return &ValidationError{Field: "title", Reason: "must not be empty"}
	}
	if t.OwnerID == "" {
		return &ValidationError{Field: "owner_id", Reason: "must not be empty"}
	}
	if t.RecurrencePattern != "" {
		if t.DueDate == nil {
			return &ValidationError{Field: "recurrence_pattern", Reason: "requires a due date"}
		}
		if _, err := ParseRecurrence(t.RecurrencePattern); err != nil {
			return &ValidationError{Field: "recurrence_pattern", Reason: err.Error()}
		}
	}
	if t.RecurrenceEnd != nil && t.RecurrencePattern == "" {
		return &ValidationError{Field: "recurrence_end_date", Reason: "requires a recurrence pattern"}
	}
	if (t.ParentTaskID != nil) != (t.OccurrenceDate != nil) {
		return &ValidationError{Field: "parent_task_id", Reason: "parent task id and occurrence date must be set together"}
	}
	if t.ReminderOffset != nil {
		if t.DueDate == nil {
			return &ValidationError{Field: "reminder_offset", Reason: "requires a due date"}
		}
		if *t.ReminderOffset < 0 {
			return &ValidationError{Field: "reminder_offset", Reason: "must not be negative"}
		}
	}
	return nil
}

// ReminderScheduleEntry is the durable snapshot form of one pending reminder
// held in the scheduler's in-memory queue.
type ReminderScheduleEntry struct {
	ReminderID string         `json:"reminder_id"`
	TaskID     string         `json:"task_id"`
	OwnerID    string         `json:"owner_id"`
	TriggerAt  time.Time      `json:"trigger_at"`
	DueDate    time.Time      `json:"due_date"`
	Status     ReminderStatus `json:"status"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}
