package producer_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskpulse/taskpulse/internal/domain"
	"github.com/taskpulse/taskpulse/internal/producer"
)

// ── fakes ────────────────────────────────────────────────────────────────────

type fakeStore struct {
	mu    sync.Mutex
	tasks map[string]*domain.Task

	createErr error
	// getErrAfterComplete fails every GetByID once Complete has run,
	// simulating a read hiccup right after a committed mutation.
	getErrAfterComplete error
	completed           bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{tasks: make(map[string]*domain.Task)}
}

func (s *fakeStore) Create(_ context.Context, task *domain.Task) error {
	if s.createErr != nil {
		return s.createErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *task
	s.tasks[task.ID] = &cp
	return nil
}

func (s *fakeStore) Update(_ context.Context, task *domain.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.tasks[task.ID]
	if !ok || cur.Status != domain.TaskOpen {
		return &domain.TaskNotFoundError{TaskID: task.ID}
	}
	cp := *task
	s.tasks[task.ID] = &cp
	return nil
}

func (s *fakeStore) Complete(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.tasks[id]
	if !ok || cur.Status != domain.TaskOpen {
		return &domain.TaskNotFoundError{TaskID: id}
	}
	cur.Status = domain.TaskCompleted
	cur.CompletedAt = &at
	s.completed = true
	return nil
}

func (s *fakeStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.tasks[id]
	if !ok || cur.Status == domain.TaskDeleted {
		return &domain.TaskNotFoundError{TaskID: id}
	}
	cur.Status = domain.TaskDeleted
	return nil
}

func (s *fakeStore) GetByID(_ context.Context, id string) (*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.completed && s.getErrAfterComplete != nil {
		return nil, s.getErrAfterComplete
	}
	cur, ok := s.tasks[id]
	if !ok {
		return nil, &domain.TaskNotFoundError{TaskID: id}
	}
	cp := *cur
	return &cp, nil
}

func (s *fakeStore) ListActiveRecurring(_ context.Context, _ time.Time) ([]*domain.Task, error) {
	return nil, nil
}

func (s *fakeStore) OccurrenceExists(_ context.Context, _ string, _ time.Time) (bool, error) {
	return false, nil
}

type fakePublisher struct {
	mu     sync.Mutex
	events []*domain.TaskEvent
	err    error
}

func (p *fakePublisher) Publish(_ context.Context, ev *domain.TaskEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, ev)
	return nil
}

func (p *fakePublisher) published() []*domain.TaskEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*domain.TaskEvent(nil), p.events...)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newProducer(t *testing.T) (*producer.Producer, *fakeStore, *fakePublisher) {
	t.Helper()
	store := newFakeStore()
	pub := &fakePublisher{}
	return producer.New(store, pub, discardLogger()), store, pub
}

// ── tests ────────────────────────────────────────────────────────────────────

func TestCreate_PersistsAndEmits(t *testing.T) {
	p, store, pub := newProducer(t)

	created, err := p.Create(context.Background(), &domain.Task{
		OwnerID: "alice",
		Title:   "write report",
	}, "alice")
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)
	assert.Equal(t, domain.TaskOpen, created.Status)

	stored, err := store.GetByID(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, "write report", stored.Title)

	p.Wait()
	events := pub.published()
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventTaskCreated, events[0].Type)
	assert.Equal(t, created.ID, events[0].TaskID)
	assert.Equal(t, "alice", events[0].ActorID)

	payload, ok := events[0].Payload.(domain.TaskCreatedPayload)
	require.True(t, ok)
	assert.Equal(t, created.ID, payload.Task.ID)
}

func TestCreate_InvalidTaskEmitsNothing(t *testing.T) {
	p, _, pub := newProducer(t)

	_, err := p.Create(context.Background(), &domain.Task{OwnerID: "alice"}, "alice")
	var verr *domain.ValidationError
	require.True(t, errors.As(err, &verr))

	p.Wait()
	assert.Empty(t, pub.published(), "validation failures must not publish")
}

func TestCreate_PublishFailureDoesNotFailMutation(t *testing.T) {
	store := newFakeStore()
	pub := &fakePublisher{err: errors.New("broker down")}
	p := producer.New(store, pub, discardLogger())

	created, err := p.Create(context.Background(), &domain.Task{
		OwnerID: "alice",
		Title:   "still persists",
	}, "alice")
	require.NoError(t, err, "publish failures are absorbed, the mutation stands")

	p.Wait()
	_, err = store.GetByID(context.Background(), created.ID)
	assert.NoError(t, err)
}

func TestUpdate_EmitsChangeSet(t *testing.T) {
	p, _, pub := newProducer(t)
	ctx := context.Background()

	created, err := p.Create(ctx, &domain.Task{OwnerID: "alice", Title: "old title"}, "alice")
	require.NoError(t, err)
	p.Wait() // drain the create event so ordering below is deterministic

	desired := *created
	desired.Title = "new title"
	desired.Description = "now with details"
	_, err = p.Update(ctx, &desired, "alice")
	require.NoError(t, err)

	p.Wait()
	events := pub.published()
	require.Len(t, events, 2)
	assert.Equal(t, domain.EventTaskUpdated, events[1].Type)

	payload, ok := events[1].Payload.(domain.TaskUpdatedPayload)
	require.True(t, ok)
	require.Len(t, payload.Changes, 2)
	assert.Equal(t, "old title", payload.Changes["title"].Old)
	assert.Equal(t, "new title", payload.Changes["title"].New)
	assert.Contains(t, payload.Changes, "description")
}

func TestUpdate_NoopSkipsEvent(t *testing.T) {
	p, _, pub := newProducer(t)
	ctx := context.Background()

	created, err := p.Create(ctx, &domain.Task{OwnerID: "alice", Title: "same"}, "alice")
	require.NoError(t, err)
	p.Wait() // drain the create event so ordering below is deterministic

	desired := *created
	_, err = p.Update(ctx, &desired, "alice")
	require.NoError(t, err)

	p.Wait()
	assert.Len(t, pub.published(), 1, "an update that changes nothing must not publish")
}

func TestComplete_TerminalAndEmits(t *testing.T) {
	p, _, pub := newProducer(t)
	ctx := context.Background()

	created, err := p.Create(ctx, &domain.Task{OwnerID: "alice", Title: "finish me"}, "alice")
	require.NoError(t, err)
	p.Wait() // drain the create event so ordering below is deterministic

	completed, err := p.Complete(ctx, created.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskCompleted, completed.Status)
	require.NotNil(t, completed.CompletedAt)

	// Completed tasks accept no further mutations.
	_, err = p.Complete(ctx, created.ID, "alice")
	var nf *domain.TaskNotFoundError
	assert.True(t, errors.As(err, &nf))

	p.Wait()
	events := pub.published()
	require.Len(t, events, 2)
	assert.Equal(t, domain.EventTaskCompleted, events[1].Type)
}

func TestComplete_ReadHiccupAfterCommitDoesNotFailMutation(t *testing.T) {
	p, store, pub := newProducer(t)
	ctx := context.Background()

	created, err := p.Create(ctx, &domain.Task{OwnerID: "alice", Title: "finish me"}, "alice")
	require.NoError(t, err)
	p.Wait() // drain the create event so ordering below is deterministic

	// Reads start failing the moment the completion commits. The response is
	// built from the pre-read task, so the caller still sees success.
	store.getErrAfterComplete = errors.New("connection reset")

	completed, err := p.Complete(ctx, created.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskCompleted, completed.Status)
	require.NotNil(t, completed.CompletedAt)

	p.Wait()
	events := pub.published()
	require.Len(t, events, 2)
	assert.Equal(t, domain.EventTaskCompleted, events[1].Type)
}

func TestDelete_SoftDeletesAndEmits(t *testing.T) {
	p, store, pub := newProducer(t)
	ctx := context.Background()

	created, err := p.Create(ctx, &domain.Task{OwnerID: "alice", Title: "remove me"}, "alice")
	require.NoError(t, err)
	p.Wait() // drain the create event so ordering below is deterministic
	require.NoError(t, p.Delete(ctx, created.ID, "alice"))

	stored, err := store.GetByID(ctx, created.ID)
	require.NoError(t, err, "deletion is a tombstone, the row survives")
	assert.Equal(t, domain.TaskDeleted, stored.Status)

	p.Wait()
	events := pub.published()
	require.Len(t, events, 2)
	assert.Equal(t, domain.EventTaskDeleted, events[1].Type)
}
