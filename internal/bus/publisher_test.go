package bus_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskpulse/taskpulse/internal/bus"
	"github.com/taskpulse/taskpulse/internal/domain"
)

// ── fakes ────────────────────────────────────────────────────────────────────

type publishedMsg struct {
	topic string
	key   string
	value []byte
}

type fakeProducer struct {
	msgs     []publishedMsg
	failures int // fail this many calls to TopicEvents before succeeding
	dlqErr   error
}

func (p *fakeProducer) Publish(_ context.Context, topic, key string, value []byte) error {
	if topic == bus.TopicEvents && p.failures > 0 {
		p.failures--
		return errors.New("broker unavailable")
	}
	if topic == bus.TopicDeadLetter && p.dlqErr != nil {
		return p.dlqErr
	}
	p.msgs = append(p.msgs, publishedMsg{topic, key, value})
	return nil
}
func (p *fakeProducer) Close() error { return nil }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testEvent(id string) *domain.TaskEvent {
	return &domain.TaskEvent{
		EventID:   id,
		Type:      domain.EventTaskDeleted,
		TaskID:    "t-1",
		Timestamp: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		Payload:   domain.TaskDeletedPayload{},
	}
}

// ── tests ────────────────────────────────────────────────────────────────────

func TestPublish_KeyedByTaskID(t *testing.T) {
	fp := &fakeProducer{}
	p := bus.NewPublisher(fp, discardLogger())

	require.NoError(t, p.Publish(context.Background(), testEvent("ev-1")))
	require.Len(t, fp.msgs, 1)
	assert.Equal(t, bus.TopicEvents, fp.msgs[0].topic)
	assert.Equal(t, "t-1", fp.msgs[0].key, "partition key must be the task id")
}

func TestPublish_RetriesTransientFailures(t *testing.T) {
	fp := &fakeProducer{failures: 2}
	p := bus.NewPublisher(fp, discardLogger())

	require.NoError(t, p.Publish(context.Background(), testEvent("ev-1")))
	require.Len(t, fp.msgs, 1, "should succeed on the third attempt")
	assert.Equal(t, bus.TopicEvents, fp.msgs[0].topic)
}

func TestPublish_DeadLettersAfterExhaustion(t *testing.T) {
	fp := &fakeProducer{failures: 3}
	p := bus.NewPublisher(fp, discardLogger())

	err := p.Publish(context.Background(), testEvent("ev-1"))

	var pubErr *domain.PublishError
	require.True(t, errors.As(err, &pubErr), "want *PublishError, got %v", err)
	assert.Equal(t, 3, pubErr.Attempts)

	require.Len(t, fp.msgs, 1)
	assert.Equal(t, bus.TopicDeadLetter, fp.msgs[0].topic, "exhausted event must land on the dead-letter topic")
}

func TestPublish_DLQFailureStillReturnsPublishError(t *testing.T) {
	fp := &fakeProducer{failures: 3, dlqErr: errors.New("dlq down")}
	p := bus.NewPublisher(fp, discardLogger())

	err := p.Publish(context.Background(), testEvent("ev-1"))
	var pubErr *domain.PublishError
	assert.True(t, errors.As(err, &pubErr))
	assert.Empty(t, fp.msgs)
}

func TestReady_DegradesAndRecovers(t *testing.T) {
	fp := &fakeProducer{failures: 9, dlqErr: errors.New("dlq down")}
	p := bus.NewPublisher(fp, discardLogger())
	ctx := context.Background()

	assert.True(t, p.Ready())
	for i := 0; i < 3; i++ {
		_ = p.Publish(ctx, testEvent("ev-fail"))
	}
	assert.False(t, p.Ready(), "three consecutive exhaustions should mark the publisher unready")

	require.NoError(t, p.Publish(ctx, testEvent("ev-ok")))
	assert.True(t, p.Ready(), "a successful publish should restore readiness")
}
