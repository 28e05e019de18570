package notify

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/taskpulse/taskpulse/internal/bus"
	"github.com/taskpulse/taskpulse/internal/dedupe"
	"github.com/taskpulse/taskpulse/internal/domain"
	"github.com/taskpulse/taskpulse/internal/postgres"
	"github.com/taskpulse/taskpulse/internal/redis"
	"github.com/taskpulse/taskpulse/pkg/telemetry"
)

const (
	consumerGroup = "notification-fanout"

	heartbeatInterval = 30 * time.Second
	staleAfter        = 60 * time.Second
)

// Fanout consumes lifecycle events and pushes them to the owner's live
// notification streams. Delivery is best effort: offsets are committed once
// an event has been routed, whether or not any stream was connected.
type Fanout struct {
	consumer bus.Consumer
	tasks    postgres.TaskStore
	registry *Registry
	replay   *redis.ReplayBuffer
	recent   *dedupe.Cache
	logger   *slog.Logger

	heartbeatEvery time.Duration
	now            func() time.Time
}

// FanoutOption adjusts Fanout defaults, mainly for tests.
type FanoutOption func(*Fanout)

// WithHeartbeatInterval overrides the heartbeat sweep interval.
func WithHeartbeatInterval(d time.Duration) FanoutOption {
	return func(f *Fanout) { f.heartbeatEvery = d }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) FanoutOption {
	return func(f *Fanout) { f.now = now }
}

// NewFanout wires the fan-out consumer. replay may be nil, in which case
// reconnect catch-up is disabled and clients always resume from live events.
func NewFanout(consumer bus.Consumer, tasks postgres.TaskStore, registry *Registry, replay *redis.ReplayBuffer, logger *slog.Logger, opts ...FanoutOption) *Fanout {
	f := &Fanout{
		consumer:       consumer,
		tasks:          tasks,
		registry:       registry,
		replay:         replay,
		recent:         dedupe.New(dedupe.DefaultCapacity),
		logger:         logger,
		heartbeatEvery: heartbeatInterval,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Run consumes events and sweeps connections until ctx is cancelled.
func (f *Fanout) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- f.consumer.Subscribe(ctx, f.handleEvent)
	}()

	ticker := time.NewTicker(f.heartbeatEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return <-errCh
		case err := <-errCh:
			return err
		case <-ticker.C:
			f.sweep(f.now())
		}
	}
}

// handleEvent routes one bus message to the owner's connections.
func (f *Fanout) handleEvent(ctx context.Context, msg bus.Message) error {
	ev, err := domain.DecodeEvent(msg.Value)
	if err != nil {
		var verr *domain.ValidationError
		if errors.As(err, &verr) {
			telemetry.ConsumerRejected.WithLabelValues(consumerGroup).Inc()
			f.logger.Warn("rejecting malformed event",
				slog.Int64("offset", msg.Offset),
				slog.String("error", verr.Error()),
			)
			return nil // commit: redelivery cannot fix a bad payload
		}
		return err
	}

	if f.recent.Contains(ev.EventID) {
		telemetry.ConsumerDuplicates.WithLabelValues(consumerGroup).Inc()
		return nil
	}

	ownerID, err := f.resolveOwner(ctx, ev)
	if err != nil {
		var nf *domain.TaskNotFoundError
		if errors.As(err, &nf) {
			// Task purged before this event was consumed; no one to notify.
			f.logger.Debug("no owner for event, skipping",
				slog.String("event_id", ev.EventID),
				slog.String("task_id", ev.TaskID),
			)
			f.recent.Add(ev.EventID)
			return nil
		}
		// Transient store failure: leave the id unrecorded so the
		// redelivery is routed, not swallowed.
		return err
	}

	f.deliver(ctx, ownerID, ev, msg.Value)
	f.recent.Add(ev.EventID)
	return nil
}

// resolveOwner maps an event to the user who should be notified. Reminder
// events carry the recipient inline; lifecycle events are resolved through
// the task record, which survives deletion as a tombstone row.
func (f *Fanout) resolveOwner(ctx context.Context, ev *domain.TaskEvent) (string, error) {
	if p, ok := ev.Payload.(domain.ReminderTriggeredPayload); ok {
		return p.UserID, nil
	}
	task, err := f.tasks.GetByID(ctx, ev.TaskID)
	if err != nil {
		return "", err
	}
	return task.OwnerID, nil
}

func (f *Fanout) deliver(ctx context.Context, ownerID string, ev *domain.TaskEvent, raw []byte) {
	frame := Frame{
		ID:    ev.EventID,
		Event: string(ev.Type),
		Data:  raw,
	}

	if f.replay != nil {
		rf := redis.Frame{EventID: frame.ID, Event: frame.Event, Data: raw}
		if err := f.replay.Append(ctx, ownerID, rf); err != nil {
			// Replay is a convenience; live delivery proceeds regardless.
			f.logger.Warn("replay buffer append failed",
				slog.String("owner_id", ownerID),
				slog.String("error", err.Error()),
			)
		}
	}

	now := f.now()
	for _, conn := range f.registry.ForOwner(ownerID) {
		conn.Enqueue(now, frame)
		telemetry.NotifyDelivered.WithLabelValues(string(ev.Type)).Inc()
	}
}

// sweep sends a heartbeat to every live connection, flushes any stranded
// coalescing summaries, and prunes connections whose writes have stalled.
func (f *Fanout) sweep(now time.Time) {
	hb := Frame{
		Event: "heartbeat",
		Data:  []byte(`{"ts":"` + now.UTC().Format(time.RFC3339) + `"}`),
	}
	for _, conn := range f.registry.All() {
		if conn.Stale(now, staleAfter) {
			f.logger.Info("pruning stale stream connection",
				slog.String("owner_id", conn.OwnerID),
				slog.String("conn_id", conn.ID),
				slog.String("remote_addr", conn.RemoteAddr),
			)
			f.registry.Remove(conn.OwnerID, conn.ID)
			continue
		}
		conn.FlushCoalesced(now)
		conn.EnqueueSystem(hb)
	}
}

// ConsumerGroup returns the Kafka group id the fan-out consumes under.
func ConsumerGroup() string { return consumerGroup }
