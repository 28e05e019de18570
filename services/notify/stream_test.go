package notify

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskpulse/taskpulse/internal/auth"
)

// safeRecorder is a ResponseWriter whose body can be read while the stream
// handler is still writing from its own goroutine.
type safeRecorder struct {
	mu     sync.Mutex
	code   int
	header http.Header
	body   bytes.Buffer
}

func newSafeRecorder() *safeRecorder {
	return &safeRecorder{code: http.StatusOK, header: make(http.Header)}
}

func (r *safeRecorder) Header() http.Header { return r.header }
func (r *safeRecorder) WriteHeader(code int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.code = code
}
func (r *safeRecorder) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.body.Write(p)
}
func (r *safeRecorder) Flush() {}
func (r *safeRecorder) bodyString() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.body.String()
}

func streamRequest(ctx context.Context, ownerID string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/notifications/stream", nil)
	return req.WithContext(auth.WithOwner(ctx, ownerID))
}

func TestStream_RequiresAuthenticatedOwner(t *testing.T) {
	h := NewStreamHandler(NewRegistry(), nil, discardLogger())
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/notifications/stream", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestStream_RejectsFourthConnection(t *testing.T) {
	registry := NewRegistry()
	for i := 0; i < maxPerOwner; i++ {
		require.NoError(t, registry.Add(newConnection("alice", "10.0.0.1", connTime)))
	}
	h := NewStreamHandler(registry, nil, discardLogger())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, streamRequest(context.Background(), "alice"))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestStream_WritesFramesInSSEFormat(t *testing.T) {
	registry := NewRegistry()
	h := NewStreamHandler(registry, nil, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rec := newSafeRecorder()

	done := make(chan struct{})
	go func() {
		h.ServeHTTP(rec, streamRequest(ctx, "alice"))
		close(done)
	}()

	require.Eventually(t, func() bool {
		return len(registry.ForOwner("alice")) == 1
	}, time.Second, 5*time.Millisecond)

	conn := registry.ForOwner("alice")[0]
	conn.EnqueueSystem(Frame{ID: "ev-1", Event: "task.updated", Data: []byte(`{"title":"new"}`)})

	require.Eventually(t, func() bool {
		return strings.Contains(rec.bodyString(), "data:")
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler did not return after client disconnect")
	}

	body := rec.bodyString()
	assert.Contains(t, body, "id: ev-1\n")
	assert.Contains(t, body, "event: task.updated\n")
	assert.Contains(t, body, "data: {\"title\":\"new\"}\n\n")
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	assert.Empty(t, registry.ForOwner("alice"), "slot released on disconnect")
}

func TestStream_RegistryRemoveEndsHandler(t *testing.T) {
	registry := NewRegistry()
	h := NewStreamHandler(registry, nil, discardLogger())

	rec := newSafeRecorder()
	done := make(chan struct{})
	go func() {
		h.ServeHTTP(rec, streamRequest(context.Background(), "alice"))
		close(done)
	}()

	require.Eventually(t, func() bool {
		return len(registry.ForOwner("alice")) == 1
	}, time.Second, 5*time.Millisecond)

	conn := registry.ForOwner("alice")[0]
	registry.Remove("alice", conn.ID)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler did not return after prune")
	}
}
