// Package audit consumes every lifecycle event and appends it to the
// durable, append-only audit log in batches.
package audit

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/taskpulse/taskpulse/internal/bus"
	"github.com/taskpulse/taskpulse/internal/dedupe"
	"github.com/taskpulse/taskpulse/internal/domain"
	"github.com/taskpulse/taskpulse/internal/postgres"
	"github.com/taskpulse/taskpulse/pkg/telemetry"
)

const (
	consumerGroup = "audit-writer"

	// batchSize triggers an immediate flush; flushInterval bounds how long a
	// partial batch may sit in memory.
	batchSize     = 100
	flushInterval = time.Second
)

// Writer buffers consumed events and flushes them to the audit store when
// the buffer fills, on an interval, and on shutdown. Flush failures keep the
// buffered records for the next trigger; the store ignores duplicate event
// ids, so retries and redelivery never double-write.
type Writer struct {
	consumer bus.Consumer
	store    postgres.AuditStore
	recent   *dedupe.Cache
	logger   *slog.Logger

	flushEvery time.Duration
	now        func() time.Time

	// flushMu serializes whole flushes: the size-triggered flush runs on the
	// consumer goroutine while interval and shutdown flushes run on the Run
	// goroutine, and two interleaved trims would corrupt the buffer.
	flushMu sync.Mutex

	mu  sync.Mutex
	buf []postgres.AuditRecord
}

// WriterOption adjusts Writer defaults, mainly for tests.
type WriterOption func(*Writer)

// WithFlushInterval overrides the interval flush period.
func WithFlushInterval(d time.Duration) WriterOption {
	return func(w *Writer) { w.flushEvery = d }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) WriterOption {
	return func(w *Writer) { w.now = now }
}

// NewWriter wires the audit log writer.
func NewWriter(consumer bus.Consumer, store postgres.AuditStore, logger *slog.Logger, opts ...WriterOption) *Writer {
	w := &Writer{
		consumer:   consumer,
		store:      store,
		recent:     dedupe.New(dedupe.DefaultCapacity),
		logger:     logger,
		flushEvery: flushInterval,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run consumes and flushes until ctx is cancelled, then drains the buffer.
func (w *Writer) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- w.consumer.Subscribe(ctx, w.handleEvent)
	}()

	ticker := time.NewTicker(w.flushEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			err := <-errCh
			// Flush whatever is buffered with a fresh context; losing the
			// tail of the log on a clean shutdown is not acceptable.
			drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if ferr := w.flush(drainCtx, "shutdown"); ferr != nil {
				w.logger.Error("shutdown flush failed, buffered events rely on redelivery",
					slog.String("error", ferr.Error()),
				)
			}
			return err
		case err := <-errCh:
			return err
		case <-ticker.C:
			if err := w.flush(ctx, "interval"); err != nil {
				w.logger.Error("interval flush failed, retrying next tick",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// handleEvent buffers one event, flushing synchronously when the batch is
// full. On a full-batch flush failure the offset is not committed, so the
// broker redelivers and the duplicate insert is ignored by the store.
func (w *Writer) handleEvent(ctx context.Context, msg bus.Message) error {
	ev, err := domain.DecodeEvent(msg.Value)
	if err != nil {
		var verr *domain.ValidationError
		if errors.As(err, &verr) {
			telemetry.ConsumerRejected.WithLabelValues(consumerGroup).Inc()
			w.logger.Warn("rejecting malformed event",
				slog.Int64("offset", msg.Offset),
				slog.String("error", verr.Error()),
			)
			return nil
		}
		return err
	}

	if w.recent.Contains(ev.EventID) {
		telemetry.ConsumerDuplicates.WithLabelValues(consumerGroup).Inc()
		return nil
	}

	rec := postgres.AuditRecord{
		EventID:       ev.EventID,
		EventType:     string(ev.Type),
		TaskID:        ev.TaskID,
		ActorID:       ev.ActorID,
		Timestamp:     ev.Timestamp,
		PartitionDate: ev.PartitionKey(),
		Payload:       msg.Value,
	}

	w.mu.Lock()
	w.buf = append(w.buf, rec)
	full := len(w.buf) >= batchSize
	w.mu.Unlock()

	// The buffered record is the durable intent; a failed size flush below
	// keeps it for the next trigger, so the redelivery is a true duplicate.
	w.recent.Add(ev.EventID)

	if full {
		return w.flush(ctx, "size")
	}
	return nil
}

// flush appends the buffered records in one batch. The buffer is cleared
// only on success, so a failed flush is retried by the next trigger. Only one
// flush runs at a time; records buffered while a flush is in progress stay
// behind the trimmed prefix for the next trigger.
func (w *Writer) flush(ctx context.Context, trigger string) error {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()

	w.mu.Lock()
	pending := w.buf[:len(w.buf):len(w.buf)]
	w.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}

	start := w.now()
	if err := w.store.AppendBatch(ctx, pending); err != nil {
		return err
	}
	telemetry.AuditFlushDuration.Observe(w.now().Sub(start).Seconds())
	telemetry.AuditFlushes.WithLabelValues(trigger).Inc()
	telemetry.AuditEventsWritten.Add(float64(len(pending)))

	w.mu.Lock()
	w.buf = w.buf[len(pending):]
	w.mu.Unlock()

	w.logger.Debug("flushed audit batch",
		slog.Int("count", len(pending)),
		slog.String("trigger", trigger),
	)
	return nil
}

// Pending returns the number of buffered, unflushed records.
func (w *Writer) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.buf)
}

// ConsumerGroup returns the Kafka group id the writer consumes under.
func ConsumerGroup() string { return consumerGroup }
