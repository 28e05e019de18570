// Package producer implements the task lifecycle producer: the only
// component allowed to emit task.created/updated/completed/deleted events.
// The recurring processor and the API gateway both mutate tasks exclusively
// through it.
package producer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/taskpulse/taskpulse/internal/domain"
	"github.com/taskpulse/taskpulse/internal/postgres"
	"github.com/taskpulse/taskpulse/pkg/telemetry"
)

// EventPublisher is the publish side of the bus as the producer sees it.
type EventPublisher interface {
	Publish(ctx context.Context, ev *domain.TaskEvent) error
}

// Producer wraps the task store's mutation operations. Every successful
// mutation emits the corresponding lifecycle event fire-and-forget: a failed
// publish is logged and counted but never rolls back or fails the mutation.
type Producer struct {
	store      postgres.TaskStore
	publisher  EventPublisher
	logger     *slog.Logger
	pubTimeout time.Duration

	wg sync.WaitGroup
}

// Option configures a Producer.
type Option func(*Producer)

// WithPublishTimeout bounds each background publish attempt.
func WithPublishTimeout(d time.Duration) Option {
	return func(p *Producer) { p.pubTimeout = d }
}

// New constructs a Producer.
func New(store postgres.TaskStore, publisher EventPublisher, logger *slog.Logger, opts ...Option) *Producer {
	p := &Producer{
		store:      store,
		publisher:  publisher,
		logger:     logger,
		pubTimeout: 15 * time.Second,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Create validates and persists a new task, then emits task.created.
func (p *Producer) Create(ctx context.Context, task *domain.Task, actorID string) (*domain.Task, error) {
	now := time.Now().UTC()
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	task.Status = domain.TaskOpen
	task.CreatedAt = now
	task.UpdatedAt = now
	if task.ReminderOffset != nil {
		task.ReminderStatus = domain.ReminderPending
	} else if task.ReminderStatus == "" {
		task.ReminderStatus = domain.ReminderNone
	}

	if err := task.Validate(); err != nil {
		telemetry.ProducerMutations.WithLabelValues("create", "invalid").Inc()
		return nil, err
	}
	if err := p.store.Create(ctx, task); err != nil {
		telemetry.ProducerMutations.WithLabelValues("create", "error").Inc()
		return nil, err
	}
	telemetry.ProducerMutations.WithLabelValues("create", "ok").Inc()

	p.emit(&domain.TaskEvent{
		EventID:   uuid.New().String(),
		Type:      domain.EventTaskCreated,
		TaskID:    task.ID,
		ActorID:   actorID,
		Timestamp: now,
		Payload: domain.TaskCreatedPayload{Task: domain.TaskSnapshot{
			ID:                task.ID,
			Title:             task.Title,
			Description:       task.Description,
			DueDate:           task.DueDate,
			RecurrencePattern: task.RecurrencePattern,
			ReminderOffset:    task.ReminderOffset,
		}},
	})
	return task, nil
}

// Update applies the desired field values to an open task and emits
// task.updated with an old/new change set. Fields not present in desired
// keep their stored values.
func (p *Producer) Update(ctx context.Context, desired *domain.Task, actorID string) (*domain.Task, error) {
	current, err := p.store.GetByID(ctx, desired.ID)
	if err != nil {
		telemetry.ProducerMutations.WithLabelValues("update", "error").Inc()
		return nil, err
	}

	next := *current
	next.Title = desired.Title
	next.Description = desired.Description
	next.DueDate = desired.DueDate
	next.RecurrencePattern = desired.RecurrencePattern
	next.RecurrenceEnd = desired.RecurrenceEnd
	next.ReminderOffset = desired.ReminderOffset
	next.UpdatedAt = time.Now().UTC()
	if next.ReminderOffset != nil && current.ReminderOffset == nil {
		next.ReminderStatus = domain.ReminderPending
	}
	if next.ReminderOffset == nil && current.ReminderOffset != nil {
		next.ReminderStatus = domain.ReminderNone
	}

	if err := next.Validate(); err != nil {
		telemetry.ProducerMutations.WithLabelValues("update", "invalid").Inc()
		return nil, err
	}

	changes := diffTasks(current, &next)
	if len(changes) == 0 {
		telemetry.ProducerMutations.WithLabelValues("update", "noop").Inc()
		return current, nil
	}

	if err := p.store.Update(ctx, &next); err != nil {
		telemetry.ProducerMutations.WithLabelValues("update", "error").Inc()
		return nil, err
	}
	telemetry.ProducerMutations.WithLabelValues("update", "ok").Inc()

	p.emit(&domain.TaskEvent{
		EventID:   uuid.New().String(),
		Type:      domain.EventTaskUpdated,
		TaskID:    next.ID,
		ActorID:   actorID,
		Timestamp: next.UpdatedAt,
		Payload:   domain.TaskUpdatedPayload{Changes: changes},
	})
	return &next, nil
}

// Complete marks an open task completed and emits task.completed. The
// response is built from the pre-read task plus the applied transition, so a
// read hiccup after the commit cannot fail a mutation that succeeded.
func (p *Producer) Complete(ctx context.Context, id, actorID string) (*domain.Task, error) {
	task, err := p.store.GetByID(ctx, id)
	if err != nil {
		telemetry.ProducerMutations.WithLabelValues("complete", "error").Inc()
		return nil, err
	}

	now := time.Now().UTC()
	if err := p.store.Complete(ctx, id, now); err != nil {
		telemetry.ProducerMutations.WithLabelValues("complete", "error").Inc()
		return nil, err
	}
	telemetry.ProducerMutations.WithLabelValues("complete", "ok").Inc()

	task.Status = domain.TaskCompleted
	task.CompletedAt = &now
	task.UpdatedAt = now

	p.emit(&domain.TaskEvent{
		EventID:   uuid.New().String(),
		Type:      domain.EventTaskCompleted,
		TaskID:    id,
		ActorID:   actorID,
		Timestamp: now,
		Payload:   domain.TaskCompletedPayload{CompletedAt: now},
	})
	return task, nil
}

// Delete soft-deletes a task and emits task.deleted.
func (p *Producer) Delete(ctx context.Context, id, actorID string) error {
	if err := p.store.Delete(ctx, id); err != nil {
		telemetry.ProducerMutations.WithLabelValues("delete", "error").Inc()
		return err
	}
	telemetry.ProducerMutations.WithLabelValues("delete", "ok").Inc()

	p.emit(&domain.TaskEvent{
		EventID:   uuid.New().String(),
		Type:      domain.EventTaskDeleted,
		TaskID:    id,
		ActorID:   actorID,
		Timestamp: time.Now().UTC(),
		Payload:   domain.TaskDeletedPayload{},
	})
	return nil
}

// Get reads one task. Provided so callers never touch the store directly.
func (p *Producer) Get(ctx context.Context, id string) (*domain.Task, error) {
	return p.store.GetByID(ctx, id)
}

// emit publishes in the background. The mutation has already committed; the
// publisher owns retries and dead-lettering, so all that remains here is to
// record the degraded outcome.
func (p *Producer) emit(ev *domain.TaskEvent) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), p.pubTimeout)
		defer cancel()
		if err := p.publisher.Publish(ctx, ev); err != nil {
			telemetry.ProducerPublishFailures.WithLabelValues(string(ev.Type)).Inc()
			p.logger.Error("lifecycle event publish failed, continuing degraded",
				slog.String("event_id", ev.EventID),
				slog.String("event_type", string(ev.Type)),
				slog.String("task_id", ev.TaskID),
				slog.String("error", err.Error()),
			)
		}
	}()
}

// Wait blocks until all in-flight background publishes finish. Call on
// shutdown.
func (p *Producer) Wait() { p.wg.Wait() }

func diffTasks(old, new *domain.Task) map[string]domain.FieldChange {
	changes := make(map[string]domain.FieldChange)
	if old.Title != new.Title {
		changes["title"] = domain.FieldChange{Old: old.Title, New: new.Title}
	}
	if old.Description != new.Description {
		changes["description"] = domain.FieldChange{Old: old.Description, New: new.Description}
	}
	if !equalTimePtr(old.DueDate, new.DueDate) {
		changes["due_date"] = domain.FieldChange{Old: old.DueDate, New: new.DueDate}
	}
	if old.RecurrencePattern != new.RecurrencePattern {
		changes["recurrence_pattern"] = domain.FieldChange{Old: old.RecurrencePattern, New: new.RecurrencePattern}
	}
	if !equalTimePtr(old.RecurrenceEnd, new.RecurrenceEnd) {
		changes["recurrence_end_date"] = domain.FieldChange{Old: old.RecurrenceEnd, New: new.RecurrenceEnd}
	}
	if !equalDurationPtr(old.ReminderOffset, new.ReminderOffset) {
		changes["reminder_offset"] = domain.FieldChange{Old: old.ReminderOffset, New: new.ReminderOffset}
	}
	return changes
}

func equalTimePtr(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func equalDurationPtr(a, b *time.Duration) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
