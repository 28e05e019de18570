package audit

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/taskpulse/taskpulse/internal/postgres"
)

// Handler serves read access to the audit log.
type Handler struct {
	store  postgres.AuditStore
	logger *slog.Logger
}

// NewHandler wires the audit query endpoint.
func NewHandler(store postgres.AuditStore, logger *slog.Logger) *Handler {
	return &Handler{store: store, logger: logger}
}

// Routes mounts the audit endpoints on a chi router.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/audit/tasks/{task_id}", h.listByTask)
}

type auditEntry struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	TaskID        string          `json:"task_id"`
	ActorID       string          `json:"actor_id,omitempty"`
	Timestamp     string          `json:"timestamp"`
	PartitionDate string          `json:"partition_date"`
	Event         json.RawMessage `json:"event"`
}

// listByTask returns a task's full event history as a JSON array, oldest
// first. An unknown task id yields an empty array rather than a 404: the log
// is the source of truth and absence of entries is a valid answer.
func (h *Handler) listByTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "task_id")
	if taskID == "" {
		http.Error(w, `{"error":"task_id is required"}`, http.StatusBadRequest)
		return
	}

	records, err := h.store.ListByTask(r.Context(), taskID)
	if err != nil {
		h.logger.Error("audit query failed",
			slog.String("task_id", taskID),
			slog.String("error", err.Error()),
		)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}

	entries := make([]auditEntry, 0, len(records))
	for _, rec := range records {
		entries = append(entries, auditEntry{
			EventID:       rec.EventID,
			EventType:     rec.EventType,
			TaskID:        rec.TaskID,
			ActorID:       rec.ActorID,
			Timestamp:     rec.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
			PartitionDate: rec.PartitionDate,
			Event:         rec.Payload,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(entries); err != nil {
		h.logger.Error("audit response encode failed", slog.String("error", err.Error()))
	}
}
