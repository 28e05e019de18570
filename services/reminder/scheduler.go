// Package reminder implements the reminder scheduler: it consumes lifecycle
// events, maintains a durable time-ordered trigger queue, and emits
// task.reminder-triggered events when reminders come due.
package reminder

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/taskpulse/taskpulse/internal/bus"
	"github.com/taskpulse/taskpulse/internal/dedupe"
	"github.com/taskpulse/taskpulse/internal/domain"
	"github.com/taskpulse/taskpulse/internal/postgres"
	"github.com/taskpulse/taskpulse/pkg/telemetry"
)

const consumerGroup = "reminder-scheduler"

// ConsumerGroup returns the Kafka group id the scheduler consumes under.
func ConsumerGroup() string { return consumerGroup }

// EventPublisher is the publish side of the bus as the scheduler sees it.
type EventPublisher interface {
	Publish(ctx context.Context, ev *domain.TaskEvent) error
}

// command is the only way event handlers reach the queue. All queue
// mutations are serialized through the owner goroutine in Run, so the tick
// is atomic with respect to schedule and cancel operations.
type command struct {
	cancel bool
	taskID string
	entry  domain.ReminderScheduleEntry
}

// Scheduler owns the in-memory trigger queue and its durable snapshots.
type Scheduler struct {
	consumer  bus.Consumer
	publisher EventPublisher
	tasks     postgres.TaskStore
	snapshots postgres.SnapshotStore
	recent    *dedupe.Cache
	logger    *slog.Logger

	cmds  chan command
	queue *queue

	tickInterval     time.Duration
	snapshotInterval time.Duration
	now              func() time.Time
}

// Option configures a Scheduler.
type Option func(*Scheduler)

func WithTickInterval(d time.Duration) Option     { return func(s *Scheduler) { s.tickInterval = d } }
func WithSnapshotInterval(d time.Duration) Option { return func(s *Scheduler) { s.snapshotInterval = d } }
func WithClock(now func() time.Time) Option       { return func(s *Scheduler) { s.now = now } }

// NewScheduler constructs a Scheduler with the given dependencies.
func NewScheduler(
	consumer bus.Consumer,
	publisher EventPublisher,
	tasks postgres.TaskStore,
	snapshots postgres.SnapshotStore,
	logger *slog.Logger,
	opts ...Option,
) *Scheduler {
	s := &Scheduler{
		consumer:         consumer,
		publisher:        publisher,
		tasks:            tasks,
		snapshots:        snapshots,
		recent:           dedupe.New(dedupe.DefaultCapacity),
		logger:           logger,
		cmds:             make(chan command, 256),
		queue:            newQueue(),
		tickInterval:     10 * time.Second,
		snapshotInterval: 5 * time.Minute,
		now:              func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run restores queue state from the last snapshot, starts the event
// consumer, and runs the owner loop until ctx is cancelled. A final snapshot
// is written on shutdown.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.restore(ctx); err != nil {
		return err
	}

	consumeErr := make(chan error, 1)
	go func() {
		consumeErr <- s.consumer.Subscribe(ctx, s.handleEvent)
	}()

	trigger := time.NewTicker(s.tickInterval)
	defer trigger.Stop()
	snapshot := time.NewTicker(s.snapshotInterval)
	defer snapshot.Stop()

	for {
		select {
		case <-ctx.Done():
			s.finalSnapshot()
			return nil
		case err := <-consumeErr:
			s.finalSnapshot()
			return err
		case cmd := <-s.cmds:
			s.apply(ctx, cmd)
		case <-trigger.C:
			s.triggerDue(ctx)
		case <-snapshot.C:
			s.snapshot(ctx)
		}
	}
}

// restore reloads pending snapshot rows into the heap. Entries already past
// due are fired immediately as a catch-up pass.
func (s *Scheduler) restore(ctx context.Context) error {
	entries, err := s.snapshots.LoadPending(ctx)
	if err != nil {
		return err
	}
	for _, e := range entries {
		s.queue.upsert(e)
	}
	telemetry.ReminderQueueDepth.Set(float64(s.queue.len()))
	s.logger.Info("reminder queue restored", slog.Int("pending", s.queue.len()))

	s.triggerDue(ctx)
	return nil
}

// handleEvent is the bus HandlerFunc. It never mutates the queue directly:
// it converts events into commands for the owner loop.
func (s *Scheduler) handleEvent(ctx context.Context, msg bus.Message) error {
	ev, err := domain.DecodeEvent(msg.Value)
	if err != nil {
		var verr *domain.ValidationError
		if errors.As(err, &verr) {
			telemetry.ConsumerRejected.WithLabelValues(consumerGroup).Inc()
			s.logger.Error("rejecting malformed event",
				slog.String("error", err.Error()),
				slog.String("payload", string(msg.Value)),
			)
			return nil // commit: a malformed event never becomes valid
		}
		return err
	}

	if s.recent.Contains(ev.EventID) {
		telemetry.ConsumerDuplicates.WithLabelValues(consumerGroup).Inc()
		return nil
	}

	switch ev.Type {
	case domain.EventTaskCreated, domain.EventTaskUpdated:
		if err := s.scheduleFromStore(ctx, ev.TaskID); err != nil {
			return err
		}
	case domain.EventTaskCompleted, domain.EventTaskDeleted:
		if err := s.send(ctx, command{cancel: true, taskID: ev.TaskID}); err != nil {
			return err
		}
	}
	// Other types, task.reminder-triggered included, are our own output and
	// fall through with nothing to do.

	// Recorded only once the command is accepted: a transient failure above
	// leaves the offset uncommitted and the redelivery must be processed.
	s.recent.Add(ev.EventID)
	return nil
}

// scheduleFromStore reads the task's current due date and offset and issues
// the matching schedule or cancel command. The store read keeps the
// scheduler correct under redelivered or reordered update events.
func (s *Scheduler) scheduleFromStore(ctx context.Context, taskID string) error {
	task, err := s.tasks.GetByID(ctx, taskID)
	if err != nil {
		var notFound *domain.TaskNotFoundError
		if errors.As(err, &notFound) {
			return s.send(ctx, command{cancel: true, taskID: taskID})
		}
		return err
	}

	if task.Status != domain.TaskOpen || task.DueDate == nil || task.ReminderOffset == nil {
		return s.send(ctx, command{cancel: true, taskID: taskID})
	}

	now := s.now()
	entry := domain.ReminderScheduleEntry{
		ReminderID: uuid.New().String(),
		TaskID:     task.ID,
		OwnerID:    task.OwnerID,
		TriggerAt:  task.DueDate.Add(-*task.ReminderOffset),
		DueDate:    *task.DueDate,
		Status:     domain.ReminderPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	return s.send(ctx, command{entry: entry})
}

func (s *Scheduler) send(ctx context.Context, cmd command) error {
	select {
	case s.cmds <- cmd:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// apply executes one command inside the owner loop.
func (s *Scheduler) apply(ctx context.Context, cmd command) {
	if cmd.cancel {
		entry, ok := s.queue.remove(cmd.taskID)
		if !ok {
			return // idempotent no-op
		}
		telemetry.RemindersCancelled.Inc()
		telemetry.ReminderQueueDepth.Set(float64(s.queue.len()))
		s.markStatus(ctx, entry.ReminderID, domain.ReminderCancelled)
		s.logger.Info("reminder cancelled",
			slog.String("task_id", cmd.taskID),
			slog.String("reminder_id", entry.ReminderID),
		)
		return
	}

	if !cmd.entry.TriggerAt.After(s.now()) {
		// Already due: fire without queueing. Replace semantics still hold —
		// a previously queued entry for this task is superseded.
		if old, ok := s.queue.remove(cmd.entry.TaskID); ok {
			s.markStatus(ctx, old.ReminderID, domain.ReminderCancelled)
		}
		s.fire(ctx, cmd.entry)
		return
	}

	s.queue.upsert(cmd.entry)
	telemetry.RemindersScheduled.Inc()
	telemetry.ReminderQueueDepth.Set(float64(s.queue.len()))
	s.logger.Info("reminder scheduled",
		slog.String("task_id", cmd.entry.TaskID),
		slog.Time("trigger_at", cmd.entry.TriggerAt),
	)
}

// triggerDue pops and fires every entry due at or before now.
func (s *Scheduler) triggerDue(ctx context.Context) {
	due := s.queue.popDue(s.now())
	for _, entry := range due {
		s.fire(ctx, entry)
	}
	if len(due) > 0 {
		telemetry.ReminderQueueDepth.Set(float64(s.queue.len()))
	}
}

// fire publishes task.reminder-triggered for one entry and records the
// terminal transition. Snapshot bookkeeping is best effort and never blocks
// triggering.
func (s *Scheduler) fire(ctx context.Context, entry domain.ReminderScheduleEntry) {
	ctx, span := otel.Tracer("reminder").Start(ctx, "reminder.fire")
	defer span.End()
	span.SetAttributes(
		attribute.String("task.id", entry.TaskID),
		attribute.String("reminder.id", entry.ReminderID),
	)

	ev := &domain.TaskEvent{
		EventID:   uuid.New().String(),
		Type:      domain.EventReminderTriggered,
		TaskID:    entry.TaskID,
		Timestamp: s.now(),
		Payload: domain.ReminderTriggeredPayload{
			UserID:       entry.OwnerID,
			ReminderType: "due_date",
			DueDate:      entry.DueDate,
		},
	}
	if err := s.publisher.Publish(ctx, ev); err != nil {
		// The publisher has already dead-lettered the event; the trigger is
		// spent either way.
		s.logger.Error("reminder event publish failed",
			slog.String("task_id", entry.TaskID),
			slog.String("error", err.Error()),
		)
	}

	telemetry.RemindersTriggered.Inc()
	s.markStatus(ctx, entry.ReminderID, domain.ReminderSent)
	s.logger.Info("reminder triggered",
		slog.String("task_id", entry.TaskID),
		slog.Time("due_date", entry.DueDate),
	)
}

// finalSnapshot persists the queue on shutdown with its own bounded context,
// so a hung store write cannot stall the process exit.
func (s *Scheduler) finalSnapshot() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.snapshot(ctx)
}

// snapshot writes the current pending set. A failure is logged and counted;
// the in-memory queue stays authoritative and the next interval retries.
func (s *Scheduler) snapshot(ctx context.Context) {
	if err := s.snapshots.SavePending(ctx, s.queue.pending()); err != nil {
		telemetry.ReminderSnapshotFailures.Inc()
		s.logger.Error("reminder snapshot failed", slog.String("error", err.Error()))
		return
	}
	s.logger.Debug("reminder queue snapshotted", slog.Int("pending", s.queue.len()))
}

func (s *Scheduler) markStatus(ctx context.Context, reminderID string, status domain.ReminderStatus) {
	if err := s.snapshots.MarkStatus(ctx, reminderID, status); err != nil {
		s.logger.Warn("reminder status mark failed",
			slog.String("reminder_id", reminderID),
			slog.String("error", err.Error()),
		)
	}
}
