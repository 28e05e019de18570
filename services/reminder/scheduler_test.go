package reminder

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskpulse/taskpulse/internal/bus"
	"github.com/taskpulse/taskpulse/internal/domain"
)

// ── fakes ────────────────────────────────────────────────────────────────────

type fakeTaskStore struct {
	mu    sync.Mutex
	tasks map[string]*domain.Task

	// getErr fails the next GetByID once, then clears.
	getErr error
}

func newFakeTaskStore() *fakeTaskStore {
	return &fakeTaskStore{tasks: make(map[string]*domain.Task)}
}

func (s *fakeTaskStore) put(task *domain.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[task.ID] = task
}

func (s *fakeTaskStore) Create(_ context.Context, task *domain.Task) error {
	s.put(task)
	return nil
}
func (s *fakeTaskStore) Update(_ context.Context, task *domain.Task) error {
	s.put(task)
	return nil
}
func (s *fakeTaskStore) Complete(_ context.Context, _ string, _ time.Time) error { return nil }
func (s *fakeTaskStore) Delete(_ context.Context, _ string) error                { return nil }
func (s *fakeTaskStore) GetByID(_ context.Context, id string) (*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		err := s.getErr
		s.getErr = nil
		return nil, err
	}
	task, ok := s.tasks[id]
	if !ok {
		return nil, &domain.TaskNotFoundError{TaskID: id}
	}
	cp := *task
	return &cp, nil
}
func (s *fakeTaskStore) ListActiveRecurring(_ context.Context, _ time.Time) ([]*domain.Task, error) {
	return nil, nil
}
func (s *fakeTaskStore) OccurrenceExists(_ context.Context, _ string, _ time.Time) (bool, error) {
	return false, nil
}

type fakeSnapshots struct {
	mu            sync.Mutex
	pending       []domain.ReminderScheduleEntry
	statuses      map[string]domain.ReminderStatus
	saves         int
	saveDeadlines []bool
}

func newFakeSnapshots() *fakeSnapshots {
	return &fakeSnapshots{statuses: make(map[string]domain.ReminderStatus)}
}

func (s *fakeSnapshots) SavePending(ctx context.Context, entries []domain.ReminderScheduleEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append([]domain.ReminderScheduleEntry(nil), entries...)
	s.saves++
	_, bounded := ctx.Deadline()
	s.saveDeadlines = append(s.saveDeadlines, bounded)
	return nil
}
func (s *fakeSnapshots) MarkStatus(_ context.Context, id string, st domain.ReminderStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[id] = st
	return nil
}
func (s *fakeSnapshots) LoadPending(_ context.Context) ([]domain.ReminderScheduleEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.ReminderScheduleEntry(nil), s.pending...), nil
}

type fakePublisher struct {
	mu     sync.Mutex
	events []*domain.TaskEvent
}

func (p *fakePublisher) Publish(_ context.Context, ev *domain.TaskEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}
func (p *fakePublisher) published() []*domain.TaskEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*domain.TaskEvent(nil), p.events...)
}

// idleConsumer blocks until the context is cancelled; tests drive the
// scheduler through handleEvent and the command channel directly.
type idleConsumer struct{}

func (idleConsumer) Subscribe(ctx context.Context, _ bus.HandlerFunc) error {
	<-ctx.Done()
	return nil
}
func (idleConsumer) Close() error { return nil }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ── helpers ──────────────────────────────────────────────────────────────────

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	s     *Scheduler
	store *fakeTaskStore
	snaps *fakeSnapshots
	pub   *fakePublisher
	now   time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store: newFakeTaskStore(),
		snaps: newFakeSnapshots(),
		pub:   &fakePublisher{},
		now:   baseTime,
	}
	h.s = NewScheduler(idleConsumer{}, h.pub, h.store, h.snaps, discardLogger(),
		WithClock(func() time.Time { return h.now }))
	return h
}

// drain applies every command the handler enqueued, emulating one pass of
// the owner loop.
func (h *harness) drain(t *testing.T) {
	t.Helper()
	for {
		select {
		case cmd := <-h.s.cmds:
			h.s.apply(context.Background(), cmd)
		default:
			return
		}
	}
}

func (h *harness) deliver(t *testing.T, ev *domain.TaskEvent) {
	t.Helper()
	raw, err := json.Marshal(ev)
	require.NoError(t, err)
	require.NoError(t, h.s.handleEvent(context.Background(), bus.Message{Value: raw}))
	h.drain(t)
}

func reminderTask(id string, due time.Time, offset time.Duration) *domain.Task {
	return &domain.Task{
		ID:             id,
		OwnerID:        "alice",
		Title:          "task " + id,
		Status:         domain.TaskOpen,
		DueDate:        &due,
		ReminderOffset: &offset,
		ReminderStatus: domain.ReminderPending,
	}
}

func createdEvent(eventID, taskID string) *domain.TaskEvent {
	return &domain.TaskEvent{
		EventID:   eventID,
		Type:      domain.EventTaskCreated,
		TaskID:    taskID,
		Timestamp: baseTime,
		Payload:   domain.TaskCreatedPayload{Task: domain.TaskSnapshot{ID: taskID, Title: "t"}},
	}
}

// ── queue tests ──────────────────────────────────────────────────────────────

func entryAt(taskID string, at time.Time) domain.ReminderScheduleEntry {
	return domain.ReminderScheduleEntry{
		ReminderID: "r-" + taskID,
		TaskID:     taskID,
		OwnerID:    "alice",
		TriggerAt:  at,
		DueDate:    at.Add(time.Hour),
		Status:     domain.ReminderPending,
	}
}

func TestQueue_PopDueOrdersByTriggerTime(t *testing.T) {
	q := newQueue()
	q.upsert(entryAt("c", baseTime.Add(3*time.Minute)))
	q.upsert(entryAt("a", baseTime.Add(1*time.Minute)))
	q.upsert(entryAt("b", baseTime.Add(2*time.Minute)))

	due := q.popDue(baseTime.Add(2 * time.Minute))
	require.Len(t, due, 2)
	assert.Equal(t, "a", due[0].TaskID)
	assert.Equal(t, "b", due[1].TaskID)
	assert.Equal(t, 1, q.len())
}

func TestQueue_UpsertReplacesSameTask(t *testing.T) {
	q := newQueue()
	q.upsert(entryAt("a", baseTime.Add(time.Minute)))
	q.upsert(entryAt("a", baseTime.Add(time.Hour)))

	require.Equal(t, 1, q.len(), "one pending reminder per task")
	due := q.popDue(baseTime.Add(30 * time.Minute))
	assert.Empty(t, due, "the earlier trigger time was replaced")
}

func TestQueue_RemoveUnknownIsNoop(t *testing.T) {
	q := newQueue()
	_, ok := q.remove("missing")
	assert.False(t, ok)
}

// ── scheduler tests ──────────────────────────────────────────────────────────

func TestCreatedEventSchedulesReminder(t *testing.T) {
	h := newHarness(t)
	h.store.put(reminderTask("t-1", baseTime.Add(2*time.Hour), 30*time.Minute))

	h.deliver(t, createdEvent("ev-1", "t-1"))

	require.Equal(t, 1, h.s.queue.len())
	entry := h.s.queue.pending()[0]
	assert.Equal(t, "t-1", entry.TaskID)
	assert.True(t, entry.TriggerAt.Equal(baseTime.Add(90*time.Minute)), "trigger = due - offset")
}

func TestDuplicateEventIsIgnored(t *testing.T) {
	h := newHarness(t)
	h.store.put(reminderTask("t-1", baseTime.Add(2*time.Hour), 30*time.Minute))

	h.deliver(t, createdEvent("ev-1", "t-1"))
	first := h.s.queue.pending()[0].ReminderID

	h.deliver(t, createdEvent("ev-1", "t-1")) // redelivery
	require.Equal(t, 1, h.s.queue.len())
	assert.Equal(t, first, h.s.queue.pending()[0].ReminderID, "duplicate must not reschedule")
}

func TestUpdatedEventReplacesPendingEntry(t *testing.T) {
	h := newHarness(t)
	h.store.put(reminderTask("t-1", baseTime.Add(2*time.Hour), 30*time.Minute))
	h.deliver(t, createdEvent("ev-1", "t-1"))

	// Due date moves out; the same task keeps a single queue slot.
	h.store.put(reminderTask("t-1", baseTime.Add(6*time.Hour), 30*time.Minute))
	h.deliver(t, &domain.TaskEvent{
		EventID: "ev-2", Type: domain.EventTaskUpdated, TaskID: "t-1", Timestamp: baseTime,
		Payload: domain.TaskUpdatedPayload{Changes: map[string]domain.FieldChange{
			"due_date": {Old: "x", New: "y"},
		}},
	})

	require.Equal(t, 1, h.s.queue.len())
	entry := h.s.queue.pending()[0]
	assert.True(t, entry.TriggerAt.Equal(baseTime.Add(330*time.Minute)))
}

func TestCompletionCancelsBeforeFire(t *testing.T) {
	h := newHarness(t)
	h.store.put(reminderTask("t-1", baseTime.Add(2*time.Hour), 30*time.Minute))
	h.deliver(t, createdEvent("ev-1", "t-1"))
	reminderID := h.s.queue.pending()[0].ReminderID

	h.deliver(t, &domain.TaskEvent{
		EventID: "ev-2", Type: domain.EventTaskCompleted, TaskID: "t-1", Timestamp: baseTime,
		Payload: domain.TaskCompletedPayload{CompletedAt: baseTime},
	})

	assert.Equal(t, 0, h.s.queue.len())
	assert.Equal(t, domain.ReminderCancelled, h.snaps.statuses[reminderID])

	// The trigger time passing afterwards must fire nothing.
	h.now = baseTime.Add(3 * time.Hour)
	h.s.triggerDue(context.Background())
	assert.Empty(t, h.pub.published())
}

func TestCancelForUnknownTaskIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.deliver(t, &domain.TaskEvent{
		EventID: "ev-1", Type: domain.EventTaskDeleted, TaskID: "never-seen", Timestamp: baseTime,
		Payload: domain.TaskDeletedPayload{},
	})
	assert.Equal(t, 0, h.s.queue.len())
	assert.Empty(t, h.pub.published())
}

func TestTriggerDueFiresReminderTriggered(t *testing.T) {
	h := newHarness(t)
	due := baseTime.Add(time.Hour)
	h.store.put(reminderTask("t-1", due, 30*time.Minute))
	h.deliver(t, createdEvent("ev-1", "t-1"))

	h.now = baseTime.Add(31 * time.Minute)
	h.s.triggerDue(context.Background())

	events := h.pub.published()
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventReminderTriggered, events[0].Type)
	assert.Equal(t, "t-1", events[0].TaskID)

	payload, ok := events[0].Payload.(domain.ReminderTriggeredPayload)
	require.True(t, ok)
	assert.Equal(t, "alice", payload.UserID)
	assert.Equal(t, "due_date", payload.ReminderType)
	assert.True(t, payload.DueDate.Equal(due))
	assert.Equal(t, 0, h.s.queue.len())
}

func TestPastDueScheduleFiresImmediately(t *testing.T) {
	h := newHarness(t)
	// Due in 10 minutes with a 30 minute offset: the trigger time is already
	// in the past when the event arrives.
	h.store.put(reminderTask("t-1", baseTime.Add(10*time.Minute), 30*time.Minute))

	h.deliver(t, createdEvent("ev-1", "t-1"))

	events := h.pub.published()
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventReminderTriggered, events[0].Type)
	assert.Equal(t, 0, h.s.queue.len(), "nothing should remain queued")
}

func TestRestoreCatchUpFiresMissedReminders(t *testing.T) {
	h := newHarness(t)
	h.snaps.pending = []domain.ReminderScheduleEntry{
		entryAt("missed", baseTime.Add(-time.Hour)),
		entryAt("future", baseTime.Add(time.Hour)),
	}

	require.NoError(t, h.s.restore(context.Background()))

	events := h.pub.published()
	require.Len(t, events, 1, "only the past-due entry fires on restore")
	assert.Equal(t, "missed", events[0].TaskID)
	assert.Equal(t, 1, h.s.queue.len())
	assert.Equal(t, "future", h.s.queue.pending()[0].TaskID)
}

func TestSnapshotRoundTrip(t *testing.T) {
	h := newHarness(t)
	h.store.put(reminderTask("t-1", baseTime.Add(2*time.Hour), 30*time.Minute))
	h.store.put(reminderTask("t-2", baseTime.Add(3*time.Hour), time.Hour))
	h.deliver(t, createdEvent("ev-1", "t-1"))
	h.deliver(t, createdEvent("ev-2", "t-2"))

	h.s.snapshot(context.Background())
	require.Len(t, h.snaps.pending, 2)

	// A fresh scheduler rebuilt from the snapshot holds the same queue.
	h2 := &harness{store: h.store, snaps: h.snaps, pub: &fakePublisher{}, now: baseTime}
	h2.s = NewScheduler(idleConsumer{}, h2.pub, h2.store, h2.snaps, discardLogger(),
		WithClock(func() time.Time { return h2.now }))
	require.NoError(t, h2.s.restore(context.Background()))
	assert.Equal(t, 2, h2.s.queue.len())
	assert.Empty(t, h2.pub.published())
}

func TestRun_ShutdownSnapshotIsBounded(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, h.s.Run(ctx))

	require.Equal(t, 1, h.snaps.saves, "shutdown writes a final snapshot")
	assert.True(t, h.snaps.saveDeadlines[0],
		"the final snapshot must carry a deadline so a hung store cannot stall exit")
}

func TestTransientStoreFailureScheduledOnRedelivery(t *testing.T) {
	h := newHarness(t)
	h.store.put(reminderTask("t-1", baseTime.Add(2*time.Hour), 30*time.Minute))
	h.store.getErr = errors.New("pg down")

	raw, err := json.Marshal(createdEvent("ev-1", "t-1"))
	require.NoError(t, err)
	require.Error(t, h.s.handleEvent(context.Background(), bus.Message{Value: raw}),
		"a transient store failure must not commit the offset")
	h.drain(t)
	require.Equal(t, 0, h.s.queue.len())

	// The broker redelivers; the failed attempt must not read as a duplicate.
	h.deliver(t, createdEvent("ev-1", "t-1"))
	assert.Equal(t, 1, h.s.queue.len())
}

func TestMalformedEventCommitsWithoutScheduling(t *testing.T) {
	h := newHarness(t)
	err := h.s.handleEvent(context.Background(), bus.Message{Value: []byte(`{"event_type":"task.created"`)})
	require.NoError(t, err, "malformed events are committed, not retried")
	h.drain(t)
	assert.Equal(t, 0, h.s.queue.len())
}
