package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// EventType identifies one of the five lifecycle event kinds.
type EventType string

const (
	EventTaskCreated       EventType = "task.created"
	EventTaskUpdated       EventType = "task.updated"
	EventTaskCompleted     EventType = "task.completed"
	EventTaskDeleted       EventType = "task.deleted"
	EventReminderTriggered EventType = "task.reminder-triggered"
)

// Valid reports whether t is one of the known event types.
func (t EventType) Valid() bool {
	switch t {
	case EventTaskCreated, EventTaskUpdated, EventTaskCompleted,
		EventTaskDeleted, EventReminderTriggered:
		return true
	}
	return false
}

// FieldChange records an old/new value pair inside a task.updated payload.
type FieldChange struct {
	Old any `json:"old"`
	New any `json:"new"`
}

// TaskSnapshot is the task view embedded in a task.created payload.
type TaskSnapshot struct {
	ID                string         `json:"id"                           validate:"required"`
	Title             string         `json:"title"                        validate:"required"`
	Description       string         `json:"description,omitempty"`
	DueDate           *time.Time     `json:"due_date,omitempty"`
	RecurrencePattern string         `json:"recurrence_pattern,omitempty"`
	ReminderOffset    *time.Duration `json:"reminder_offset,omitempty"`
}

// EventPayload is the closed union of per-type payloads. Exactly one variant
// exists per EventType; payloads are validated at the deserialization
// boundary, so consumers can access fields without re-checking shape.
type EventPayload interface {
	EventType() EventType
}

type TaskCreatedPayload struct {
	Task TaskSnapshot `json:"task" validate:"required"`
}

func (TaskCreatedPayload) EventType() EventType { return EventTaskCreated }

type TaskUpdatedPayload struct {
	Changes map[string]FieldChange `json:"changes" validate:"required,min=1"`
}

func (TaskUpdatedPayload) EventType() EventType { return EventTaskUpdated }

type TaskCompletedPayload struct {
	CompletedAt time.Time `json:"completed_at" validate:"required"`
}

func (TaskCompletedPayload) EventType() EventType { return EventTaskCompleted }

type TaskDeletedPayload struct{}

func (TaskDeletedPayload) EventType() EventType { return EventTaskDeleted }

type ReminderTriggeredPayload struct {
	UserID       string    `json:"user_id"       validate:"required"`
	ReminderType string    `json:"reminder_type" validate:"required"`
	DueDate      time.Time `json:"due_date"      validate:"required"`
}

func (ReminderTriggeredPayload) EventType() EventType { return EventReminderTriggered }

// TaskEvent is the immutable envelope published on the bus. EventID is the
// idempotency key; events for the same TaskID are partitioned together so
// per-task publish order is preserved.
type TaskEvent struct {
	EventID       string
	Type          EventType
	TaskID        string
	ActorID       string
	Timestamp     time.Time
	CorrelationID string
	Payload       EventPayload
}

// PartitionKey returns the calendar date (UTC) the event belongs to.
func (e *TaskEvent) PartitionKey() string {
	return e.Timestamp.UTC().Format("2006-01-02")
}

// eventHeader is the shared wire fields, flattened alongside the payload.
type eventHeader struct {
	EventType     EventType `json:"event_type"`
	EventID       string    `json:"event_id"`
	Timestamp     time.Time `json:"timestamp"`
	ActorID       string    `json:"actor_id,omitempty"`
	TaskID        string    `json:"task_id,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// MarshalJSON flattens the envelope and the payload into a single object so
// the wire format matches the fixed external schema.
func (e *TaskEvent) MarshalJSON() ([]byte, error) {
	if e.Payload == nil || e.Payload.EventType() != e.Type {
		return nil, fmt.Errorf("event %s: payload does not match type %s", e.EventID, e.Type)
	}

	hdr := eventHeader{
		EventType:     e.Type,
		EventID:       e.EventID,
		Timestamp:     e.Timestamp.UTC(),
		ActorID:       e.ActorID,
		TaskID:        e.TaskID,
		CorrelationID: e.CorrelationID,
	}
	// task.created carries the task id inside the embedded snapshot only.
	if e.Type == EventTaskCreated {
		hdr.TaskID = ""
	}

	merged := map[string]json.RawMessage{}
	for _, part := range []any{hdr, e.Payload} {
		raw, err := json.Marshal(part)
		if err != nil {
			return nil, err
		}
		fields := map[string]json.RawMessage{}
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, err
		}
		for k, v := range fields {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// DecodeEvent parses and validates a wire-format event. A malformed or
// schema-violating payload yields a *ValidationError, which consumers must
// reject without retrying.
func DecodeEvent(data []byte) (*TaskEvent, error) {
	var hdr eventHeader
	if err := json.Unmarshal(data, &hdr); err != nil {
		return nil, &ValidationError{Field: "event", Reason: "malformed JSON: " + err.Error()}
	}
	if !hdr.EventType.Valid() {
		return nil, &ValidationError{Field: "event_type", Reason: fmt.Sprintf("unknown event type %q", hdr.EventType)}
	}
	if hdr.EventID == "" {
		return nil, &ValidationError{Field: "event_id", Reason: "must not be empty"}
	}
	if hdr.Timestamp.IsZero() {
		return nil, &ValidationError{Field: "timestamp", Reason: "must not be zero"}
	}

	ev := &TaskEvent{
		EventID:       hdr.EventID,
		Type:          hdr.EventType,
		TaskID:        hdr.TaskID,
		ActorID:       hdr.ActorID,
		Timestamp:     hdr.Timestamp,
		CorrelationID: hdr.CorrelationID,
	}

	switch hdr.EventType {
	case EventTaskCreated:
		var p TaskCreatedPayload
		if err := decodePayload(data, &p); err != nil {
			return nil, err
		}
		ev.TaskID = p.Task.ID
		ev.Payload = p
	case EventTaskUpdated:
		var p TaskUpdatedPayload
		if err := decodePayload(data, &p); err != nil {
			return nil, err
		}
		ev.Payload = p
	case EventTaskCompleted:
		var p TaskCompletedPayload
		if err := decodePayload(data, &p); err != nil {
			return nil, err
		}
		ev.Payload = p
	case EventTaskDeleted:
		ev.Payload = TaskDeletedPayload{}
	case EventReminderTriggered:
		var p ReminderTriggeredPayload
		if err := decodePayload(data, &p); err != nil {
			return nil, err
		}
		ev.Payload = p
	}

	if ev.TaskID == "" {
		return nil, &ValidationError{Field: "task_id", Reason: "must not be empty"}
	}
	return ev, nil
}

func decodePayload(data []byte, dst any) error {
	if err := json.Unmarshal(data, dst); err != nil {
		return &ValidationError{Field: "payload", Reason: "malformed JSON: " + err.Error()}
	}
	if err := validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return &ValidationError{
				Field:  strings.ToLower(verrs[0].Field()),
				Reason: "failed " + verrs[0].Tag() + " check",
			}
		}
		return &ValidationError{Field: "payload", Reason: err.Error()}
	}
	return nil
}
