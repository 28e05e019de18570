package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskpulse/taskpulse/internal/bus"
	"github.com/taskpulse/taskpulse/internal/domain"
	"github.com/taskpulse/taskpulse/internal/postgres"
)

// ── fakes ────────────────────────────────────────────────────────────────────

type fakeAuditStore struct {
	mu      sync.Mutex
	records []postgres.AuditRecord
	batches int
	err     error

	// gate, when set, holds AppendBatch open until closed.
	gate chan struct{}
}

func (s *fakeAuditStore) AppendBatch(_ context.Context, records []postgres.AuditRecord) error {
	if s.gate != nil {
		<-s.gate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.batches++
	// Duplicate event ids are absorbed, matching the store's insert conflict
	// handling.
	seen := make(map[string]bool, len(s.records))
	for _, r := range s.records {
		seen[r.EventID] = true
	}
	for _, r := range records {
		if !seen[r.EventID] {
			s.records = append(s.records, r)
			seen[r.EventID] = true
		}
	}
	return nil
}

func (s *fakeAuditStore) ListByTask(_ context.Context, taskID string) ([]postgres.AuditRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []postgres.AuditRecord
	for _, r := range s.records {
		if r.TaskID == taskID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *fakeAuditStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// stubConsumer blocks until cancelled; tests call handleEvent directly.
type stubConsumer struct{}

func (stubConsumer) Subscribe(ctx context.Context, _ bus.HandlerFunc) error {
	<-ctx.Done()
	return nil
}
func (stubConsumer) Close() error { return nil }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ── helpers ──────────────────────────────────────────────────────────────────

var eventTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func completedEvent(t *testing.T, eventID, taskID string) []byte {
	t.Helper()
	raw, err := json.Marshal(&domain.TaskEvent{
		EventID:   eventID,
		Type:      domain.EventTaskCompleted,
		TaskID:    taskID,
		ActorID:   "alice",
		Timestamp: eventTime,
		Payload:   domain.TaskCompletedPayload{CompletedAt: eventTime},
	})
	require.NoError(t, err)
	return raw
}

func feed(t *testing.T, w *Writer, raw []byte) error {
	t.Helper()
	return w.handleEvent(context.Background(), bus.Message{Value: raw})
}

// ── tests ────────────────────────────────────────────────────────────────────

func TestWriter_BuffersUntilBatchFull(t *testing.T) {
	store := &fakeAuditStore{}
	w := NewWriter(stubConsumer{}, store, discardLogger())

	for i := 0; i < batchSize-1; i++ {
		require.NoError(t, feed(t, w, completedEvent(t, fmt.Sprintf("ev-%d", i), "t-1")))
	}
	assert.Equal(t, batchSize-1, w.Pending())
	assert.Equal(t, 0, store.count(), "no write before the batch fills")

	require.NoError(t, feed(t, w, completedEvent(t, "ev-last", "t-1")))
	assert.Equal(t, 0, w.Pending())
	assert.Equal(t, batchSize, store.count())
	assert.Equal(t, 1, store.batches, "a full batch is one store round trip")
}

func TestWriter_RecordFields(t *testing.T) {
	store := &fakeAuditStore{}
	w := NewWriter(stubConsumer{}, store, discardLogger())

	raw := completedEvent(t, "ev-1", "t-1")
	require.NoError(t, feed(t, w, raw))
	require.NoError(t, w.flush(context.Background(), "interval"))

	require.Equal(t, 1, store.count())
	rec := store.records[0]
	assert.Equal(t, "ev-1", rec.EventID)
	assert.Equal(t, "task.completed", rec.EventType)
	assert.Equal(t, "t-1", rec.TaskID)
	assert.Equal(t, "alice", rec.ActorID)
	assert.Equal(t, "2026-03-01", rec.PartitionDate)
	assert.JSONEq(t, string(raw), string(rec.Payload), "the verbatim wire payload is preserved")
}

func TestWriter_DuplicateEventBufferedOnce(t *testing.T) {
	store := &fakeAuditStore{}
	w := NewWriter(stubConsumer{}, store, discardLogger())

	require.NoError(t, feed(t, w, completedEvent(t, "ev-1", "t-1")))
	require.NoError(t, feed(t, w, completedEvent(t, "ev-1", "t-1"))) // redelivery
	assert.Equal(t, 1, w.Pending())
}

func TestWriter_MalformedEventCommitsWithoutBuffering(t *testing.T) {
	w := NewWriter(stubConsumer{}, &fakeAuditStore{}, discardLogger())
	require.NoError(t, w.handleEvent(context.Background(), bus.Message{Value: []byte(`not json`)}))
	assert.Equal(t, 0, w.Pending())
}

func TestWriter_FailedFlushKeepsBuffer(t *testing.T) {
	store := &fakeAuditStore{err: errors.New("pg down")}
	w := NewWriter(stubConsumer{}, store, discardLogger())

	require.NoError(t, feed(t, w, completedEvent(t, "ev-1", "t-1")))
	require.Error(t, w.flush(context.Background(), "interval"))
	assert.Equal(t, 1, w.Pending(), "records survive a failed flush")

	store.mu.Lock()
	store.err = nil
	store.mu.Unlock()
	require.NoError(t, w.flush(context.Background(), "interval"))
	assert.Equal(t, 0, w.Pending())
	assert.Equal(t, 1, store.count())
}

func TestWriter_ConcurrentFlushesSerialized(t *testing.T) {
	gate := make(chan struct{})
	store := &fakeAuditStore{gate: gate}
	w := NewWriter(stubConsumer{}, store, discardLogger())

	require.NoError(t, feed(t, w, completedEvent(t, "ev-1", "t-1")))

	// A size flush on the consumer goroutine and an interval flush on the
	// run loop can fire together; both must complete without corrupting the
	// buffer or dropping a record buffered mid-flush.
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = w.flush(context.Background(), "interval")
		}(i)
	}

	require.NoError(t, feed(t, w, completedEvent(t, "ev-2", "t-1")))
	close(gate)
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	require.NoError(t, w.flush(context.Background(), "interval"))
	assert.Equal(t, 2, store.count())
	assert.Equal(t, 0, w.Pending())
}

func TestWriter_EmptyFlushIsNoop(t *testing.T) {
	store := &fakeAuditStore{}
	w := NewWriter(stubConsumer{}, store, discardLogger())
	require.NoError(t, w.flush(context.Background(), "interval"))
	assert.Equal(t, 0, store.batches)
}

func TestRun_IntervalFlushAndShutdownDrain(t *testing.T) {
	store := &fakeAuditStore{}
	w := NewWriter(stubConsumer{}, store, discardLogger(), WithFlushInterval(10*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.NoError(t, feed(t, w, completedEvent(t, "ev-1", "t-1")))
	require.Eventually(t, func() bool { return store.count() == 1 },
		time.Second, 5*time.Millisecond, "interval flush picks up a partial batch")

	// A record buffered just before shutdown is drained, not lost.
	require.NoError(t, feed(t, w, completedEvent(t, "ev-2", "t-1")))
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Equal(t, 2, store.count())
	assert.Equal(t, 0, w.Pending())
}
