package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/taskpulse/taskpulse/internal/domain"
	"github.com/taskpulse/taskpulse/pkg/retry"
	"github.com/taskpulse/taskpulse/pkg/telemetry"
)

const (
	publishAttempts  = 3
	publishBaseDelay = 200 * time.Millisecond

	// Consecutive dead-letters before the publisher reports itself unready.
	unhealthyThreshold = 3
)

// Publisher is the publish side of the event bus abstraction. It serializes
// a TaskEvent, publishes it keyed by task id, retries transient broker
// errors with exponential backoff, and dead-letters the event after
// exhaustion. Callers receive a *domain.PublishError only after the event
// has been parked on the dead-letter topic.
type Publisher struct {
	producer Producer
	logger   *slog.Logger

	consecutiveFailures atomic.Int64
}

// NewPublisher wraps a Producer with the retry and dead-letter policy.
func NewPublisher(producer Producer, logger *slog.Logger) *Publisher {
	return &Publisher{producer: producer, logger: logger}
}

// Publish sends one event to TopicEvents.
func (p *Publisher) Publish(ctx context.Context, ev *domain.TaskEvent) error {
	ctx, span := otel.Tracer("bus").Start(ctx, "bus.publish")
	defer span.End()
	span.SetAttributes(
		attribute.String("event.id", ev.EventID),
		attribute.String("event.type", string(ev.Type)),
		attribute.String("task.id", ev.TaskID),
	)

	value, err := json.Marshal(ev)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "marshal failed")
		return fmt.Errorf("marshal event %s: %w", ev.EventID, err)
	}

	pubErr := retry.Do(ctx, retry.Config{
		MaxAttempts: publishAttempts,
		BaseDelay:   publishBaseDelay,
		OnRetry: func(attempt int, retryErr error) {
			telemetry.BusPublishRetries.Inc()
			p.logger.Warn("publish attempt failed, retrying",
				slog.String("event_id", ev.EventID),
				slog.Int("attempt", attempt),
				slog.String("error", retryErr.Error()),
			)
		},
	}, func() error {
		return p.producer.Publish(ctx, TopicEvents, ev.TaskID, value)
	})

	if pubErr != nil {
		p.consecutiveFailures.Add(1)
		telemetry.BusDeadLettered.Inc()
		span.RecordError(pubErr)
		span.SetStatus(codes.Error, "publish exhausted, dead-lettering")

		if dlqErr := p.producer.Publish(ctx, TopicDeadLetter, ev.TaskID, value); dlqErr != nil {
			p.logger.Error("dead-letter publish failed, event lost",
				slog.String("event_id", ev.EventID),
				slog.String("error", dlqErr.Error()),
			)
		}
		return &domain.PublishError{Topic: TopicEvents, Attempts: publishAttempts, Err: pubErr}
	}

	p.consecutiveFailures.Store(0)
	telemetry.BusPublished.WithLabelValues(string(ev.Type)).Inc()
	return nil
}

// Ready reports whether the broker path looks usable. It turns false after
// several consecutive publish exhaustions and recovers on the next success,
// degrading readiness without affecting liveness.
func (p *Publisher) Ready() bool {
	return p.consecutiveFailures.Load() < unhealthyThreshold
}

// Close releases the underlying producer.
func (p *Publisher) Close() error {
	return p.producer.Close()
}
