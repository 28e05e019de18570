package notify

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/taskpulse/taskpulse/internal/auth"
	"github.com/taskpulse/taskpulse/internal/domain"
	"github.com/taskpulse/taskpulse/internal/redis"
)

// StreamHandler serves the server-sent-events notification stream.
type StreamHandler struct {
	registry *Registry
	replay   *redis.ReplayBuffer
	logger   *slog.Logger
	now      func() time.Time
}

// NewStreamHandler wires the SSE endpoint. replay may be nil.
func NewStreamHandler(registry *Registry, replay *redis.ReplayBuffer, logger *slog.Logger) *StreamHandler {
	return &StreamHandler{registry: registry, replay: replay, logger: logger, now: time.Now}
}

// ServeHTTP handles GET /notifications/stream. The response stays open until
// the client disconnects or the connection is pruned; events are written in
// SSE framing with the event id echoed so clients can resume with
// Last-Event-ID after a reconnect.
func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ownerID, err := auth.OwnerFromContext(r.Context())
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	conn := newConnection(ownerID, r.RemoteAddr, h.now())
	if err := h.registry.Add(conn); err != nil {
		var capErr *domain.ConnectionCapacityError
		if errors.As(err, &capErr) {
			http.Error(w, capErr.Error(), http.StatusTooManyRequests)
			return
		}
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	defer h.registry.Remove(ownerID, conn.ID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	h.logger.Info("stream connected",
		slog.String("owner_id", ownerID),
		slog.String("conn_id", conn.ID),
		slog.String("remote_addr", r.RemoteAddr),
	)

	h.replayMissed(w, r, ownerID)
	flusher.Flush()
	conn.Touch(h.now())

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-conn.Done():
			return
		case frame := <-conn.Out():
			if err := writeFrame(w, frame); err != nil {
				h.logger.Debug("stream write failed, closing",
					slog.String("conn_id", conn.ID),
					slog.String("error", err.Error()),
				)
				return
			}
			flusher.Flush()
			conn.Touch(h.now())
		}
	}
}

// replayMissed writes the frames recorded after the client's Last-Event-ID.
// Best effort: on any failure the client simply resumes from live events.
func (h *StreamHandler) replayMissed(w http.ResponseWriter, r *http.Request, ownerID string) {
	if h.replay == nil {
		return
	}
	lastID := r.Header.Get("Last-Event-ID")
	if lastID == "" {
		return
	}
	frames, err := h.replay.Since(r.Context(), ownerID, lastID)
	if err != nil {
		h.logger.Warn("replay lookup failed",
			slog.String("owner_id", ownerID),
			slog.String("error", err.Error()),
		)
		return
	}
	for _, f := range frames {
		if err := writeFrame(w, Frame{ID: f.EventID, Event: f.Event, Data: f.Data}); err != nil {
			return
		}
	}
}

func writeFrame(w http.ResponseWriter, f Frame) error {
	if f.ID != "" {
		if _, err := fmt.Fprintf(w, "id: %s\n", f.ID); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", f.Event, f.Data); err != nil {
		return err
	}
	return nil
}
