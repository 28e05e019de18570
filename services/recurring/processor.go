// Package recurring implements the periodic batch job that materializes due
// instances of recurring tasks. It never publishes events itself: instances
// are created through the lifecycle producer, which emits the standard
// task.created event.
package recurring

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/taskpulse/taskpulse/internal/domain"
	"github.com/taskpulse/taskpulse/internal/postgres"
	"github.com/taskpulse/taskpulse/internal/producer"
	"github.com/taskpulse/taskpulse/internal/redis"
	"github.com/taskpulse/taskpulse/pkg/telemetry"
)

// actorID identifies instance creations in lifecycle events and audit rows.
const actorID = "system:recurring"

// TaskCreator is the slice of the producer API the processor needs.
type TaskCreator interface {
	Create(ctx context.Context, task *domain.Task, actorID string) (*domain.Task, error)
}

var _ TaskCreator = (*producer.Producer)(nil)

// Leaser gates the scan so only one replica generates instances at a time.
type Leaser interface {
	Acquire(ctx context.Context) (bool, error)
}

var _ Leaser = (*redis.Lease)(nil)

// Processor scans recurring task definitions on a fixed interval and creates
// the instance for the current day when the pattern fires.
type Processor struct {
	creator TaskCreator
	store   postgres.TaskStore
	lease   Leaser
	logger  *slog.Logger

	interval time.Duration
	now      func() time.Time
}

// Option configures a Processor.
type Option func(*Processor)

func WithInterval(d time.Duration) Option   { return func(p *Processor) { p.interval = d } }
func WithClock(now func() time.Time) Option { return func(p *Processor) { p.now = now } }

// NewProcessor constructs a Processor.
func NewProcessor(creator TaskCreator, store postgres.TaskStore, lease Leaser, logger *slog.Logger, opts ...Option) *Processor {
	p := &Processor{
		creator:  creator,
		store:    store,
		lease:    lease,
		logger:   logger,
		interval: 5 * time.Minute,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run scans once immediately, then on every interval tick until ctx is
// cancelled.
func (p *Processor) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

func (p *Processor) tick(ctx context.Context) {
	leader, err := p.lease.Acquire(ctx)
	if err != nil {
		telemetry.RecurringScans.WithLabelValues("lease_error").Inc()
		p.logger.Error("lease acquire failed", slog.String("error", err.Error()))
		return
	}
	if !leader {
		telemetry.RecurringScans.WithLabelValues("follower").Inc()
		return
	}
	telemetry.RecurringScans.WithLabelValues("leader").Inc()

	if err := p.Scan(ctx); err != nil {
		p.logger.Error("recurring scan failed", slog.String("error", err.Error()))
	}
}

// Scan materializes the current day's instance for every active recurring
// task whose pattern fires today. Duplicate generation attempts surface as
// store conflicts and are treated as already-generated.
func (p *Processor) Scan(ctx context.Context) error {
	ctx, span := otel.Tracer("recurring").Start(ctx, "recurring.scan")
	defer span.End()

	now := p.now()
	parents, err := p.store.ListActiveRecurring(ctx, now)
	if err != nil {
		return err
	}
	span.SetAttributes(attribute.Int("recurring.parents", len(parents)))

	for _, parent := range parents {
		if err := p.generate(ctx, parent, now); err != nil {
			p.logger.Error("instance generation failed",
				slog.String("parent_task_id", parent.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

func (p *Processor) generate(ctx context.Context, parent *domain.Task, now time.Time) error {
	pattern, err := domain.ParseRecurrence(parent.RecurrencePattern)
	if err != nil {
		// Validated at creation time, so this indicates stored corruption.
		p.logger.Error("unparseable recurrence pattern, skipping",
			slog.String("parent_task_id", parent.ID),
			slog.String("pattern", parent.RecurrencePattern),
		)
		return nil
	}
	if parent.DueDate == nil || !pattern.FiresOn(now, *parent.DueDate) {
		return nil
	}

	occurrence := domain.DateOnly(now)
	exists, err := p.store.OccurrenceExists(ctx, parent.ID, occurrence)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	dueAt := pattern.DueAt(occurrence, *parent.DueDate)
	instance := &domain.Task{
		OwnerID:        parent.OwnerID,
		Title:          parent.Title,
		Description:    parent.Description,
		DueDate:        &dueAt,
		ParentTaskID:   &parent.ID,
		OccurrenceDate: &occurrence,
		ReminderOffset: parent.ReminderOffset,
	}

	if _, err := p.creator.Create(ctx, instance, actorID); err != nil {
		var conflict *domain.ConflictError
		if errors.As(err, &conflict) {
			// A concurrent or redundant run got there first. Idempotent outcome.
			telemetry.RecurringConflicts.Inc()
			p.logger.Debug("instance already generated",
				slog.String("parent_task_id", parent.ID),
				slog.Time("occurrence", occurrence),
			)
			return nil
		}
		return err
	}

	telemetry.RecurringGenerated.Inc()
	p.logger.Info("recurring instance generated",
		slog.String("parent_task_id", parent.ID),
		slog.Time("occurrence", occurrence),
		slog.Time("due_at", dueAt),
	)
	return nil
}
