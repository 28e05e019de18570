// Package handler implements the task API's HTTP surface. All writes go
// through the lifecycle producer so every mutation emits its event.
package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/taskpulse/taskpulse/internal/auth"
	"github.com/taskpulse/taskpulse/internal/domain"
	"github.com/taskpulse/taskpulse/internal/producer"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// REST handles HTTP requests for the task API.
type REST struct {
	producer *producer.Producer
	logger   *slog.Logger
	ready    func() bool
}

// NewREST creates the REST handler. ready reports whether the event bus is
// accepting publishes; it backs the /readyz endpoint.
func NewREST(p *producer.Producer, logger *slog.Logger, ready func() bool) *REST {
	return &REST{producer: p, logger: logger, ready: ready}
}

// CreateTaskRequest is the JSON body for POST /api/v1/tasks.
type CreateTaskRequest struct {
	Title             string     `json:"title"                         validate:"required,max=500"`
	Description       string     `json:"description,omitempty"`
	DueDate           *time.Time `json:"due_date,omitempty"`
	RecurrencePattern string     `json:"recurrence_pattern,omitempty"`
	RecurrenceEnd     *time.Time `json:"recurrence_end_date,omitempty"`
	ReminderOffset    string     `json:"reminder_offset,omitempty"`
}

// UpdateTaskRequest is the JSON body for PATCH /api/v1/tasks/{id}. Absent
// fields keep their stored values; an explicit empty reminder_offset clears
// the reminder.
type UpdateTaskRequest struct {
	Title             *string    `json:"title,omitempty"               validate:"omitempty,max=500"`
	Description       *string    `json:"description,omitempty"`
	DueDate           *time.Time `json:"due_date,omitempty"`
	RecurrencePattern *string    `json:"recurrence_pattern,omitempty"`
	RecurrenceEnd     *time.Time `json:"recurrence_end_date,omitempty"`
	ReminderOffset    *string    `json:"reminder_offset,omitempty"`
}

// TaskResponse is the task representation returned by every endpoint.
type TaskResponse struct {
	ID                string     `json:"id"`
	Title             string     `json:"title"`
	Description       string     `json:"description,omitempty"`
	Status            string     `json:"status"`
	DueDate           *time.Time `json:"due_date,omitempty"`
	RecurrencePattern string     `json:"recurrence_pattern,omitempty"`
	RecurrenceEnd     *time.Time `json:"recurrence_end_date,omitempty"`
	ParentTaskID      *string    `json:"parent_task_id,omitempty"`
	OccurrenceDate    *string    `json:"occurrence_date,omitempty"`
	ReminderOffset    string     `json:"reminder_offset,omitempty"`
	ReminderStatus    string     `json:"reminder_status"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
}

func toResponse(t *domain.Task) TaskResponse {
	resp := TaskResponse{
		ID:                t.ID,
		Title:             t.Title,
		Description:       t.Description,
		Status:            string(t.Status),
		DueDate:           t.DueDate,
		RecurrencePattern: t.RecurrencePattern,
		RecurrenceEnd:     t.RecurrenceEnd,
		ParentTaskID:      t.ParentTaskID,
		ReminderStatus:    string(t.ReminderStatus),
		CreatedAt:         t.CreatedAt,
		UpdatedAt:         t.UpdatedAt,
		CompletedAt:       t.CompletedAt,
	}
	if t.OccurrenceDate != nil {
		d := t.OccurrenceDate.Format("2006-01-02")
		resp.OccurrenceDate = &d
	}
	if t.ReminderOffset != nil {
		resp.ReminderOffset = t.ReminderOffset.String()
	}
	return resp
}

// CreateTask handles POST /api/v1/tasks.
func (h *REST) CreateTask(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("gateway").Start(r.Context(), "gateway.create_task")
	defer span.End()

	ownerID, err := auth.OwnerFromContext(ctx)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req CreateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, requestErrorMessage(err))
		return
	}

	offset, err := parseOffset(req.ReminderOffset)
	if err != nil {
		writeError(w, http.StatusBadRequest, "field 'reminder_offset' must be a duration like \"30m\"")
		return
	}

	task := &domain.Task{
		OwnerID:           ownerID,
		Title:             strings.TrimSpace(req.Title),
		Description:       req.Description,
		DueDate:           req.DueDate,
		RecurrencePattern: req.RecurrencePattern,
		RecurrenceEnd:     req.RecurrenceEnd,
		ReminderOffset:    offset,
	}

	created, err := h.producer.Create(ctx, task, ownerID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create failed")
		h.writeDomainError(w, err, "")
		return
	}

	span.SetAttributes(attribute.String("task.id", created.ID))
	h.logger.Info("task created",
		slog.String("task_id", created.ID),
		slog.String("owner_id", ownerID),
	)
	writeJSON(w, http.StatusCreated, toResponse(created))
}

// GetTask handles GET /api/v1/tasks/{id}.
func (h *REST) GetTask(w http.ResponseWriter, r *http.Request) {
	task, ok := h.loadOwned(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toResponse(task))
}

// UpdateTask handles PATCH /api/v1/tasks/{id}.
func (h *REST) UpdateTask(w http.ResponseWriter, r *http.Request) {
	current, ok := h.loadOwned(w, r)
	if !ok {
		return
	}
	ownerID, _ := auth.OwnerFromContext(r.Context())

	var req UpdateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, requestErrorMessage(err))
		return
	}

	desired := *current
	if req.Title != nil {
		desired.Title = strings.TrimSpace(*req.Title)
	}
	if req.Description != nil {
		desired.Description = *req.Description
	}
	if req.DueDate != nil {
		desired.DueDate = req.DueDate
	}
	if req.RecurrencePattern != nil {
		desired.RecurrencePattern = *req.RecurrencePattern
	}
	if req.RecurrenceEnd != nil {
		desired.RecurrenceEnd = req.RecurrenceEnd
	}
	if req.ReminderOffset != nil {
		offset, err := parseOffset(*req.ReminderOffset)
		if err != nil {
			writeError(w, http.StatusBadRequest, "field 'reminder_offset' must be a duration like \"30m\"")
			return
		}
		desired.ReminderOffset = offset
	}

	updated, err := h.producer.Update(r.Context(), &desired, ownerID)
	if err != nil {
		h.writeDomainError(w, err, current.ID)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(updated))
}

// CompleteTask handles POST /api/v1/tasks/{id}/complete.
func (h *REST) CompleteTask(w http.ResponseWriter, r *http.Request) {
	task, ok := h.loadOwned(w, r)
	if !ok {
		return
	}
	ownerID, _ := auth.OwnerFromContext(r.Context())

	completed, err := h.producer.Complete(r.Context(), task.ID, ownerID)
	if err != nil {
		h.writeDomainError(w, err, task.ID)
		return
	}
	h.logger.Info("task completed",
		slog.String("task_id", task.ID),
		slog.String("owner_id", ownerID),
	)
	writeJSON(w, http.StatusOK, toResponse(completed))
}

// DeleteTask handles DELETE /api/v1/tasks/{id}.
func (h *REST) DeleteTask(w http.ResponseWriter, r *http.Request) {
	task, ok := h.loadOwned(w, r)
	if !ok {
		return
	}
	ownerID, _ := auth.OwnerFromContext(r.Context())

	if err := h.producer.Delete(r.Context(), task.ID, ownerID); err != nil {
		h.writeDomainError(w, err, task.ID)
		return
	}
	h.logger.Info("task deleted",
		slog.String("task_id", task.ID),
		slog.String("owner_id", ownerID),
	)
	w.WriteHeader(http.StatusNoContent)
}

// Healthz handles GET /healthz.
func (h *REST) Healthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

// Readyz handles GET /readyz — reflects event bus publish health.
func (h *REST) Readyz(w http.ResponseWriter, r *http.Request) {
	if h.ready != nil && !h.ready() {
		writeError(w, http.StatusServiceUnavailable, "event bus unavailable")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ready"}`))
}

// loadOwned fetches the path task and enforces ownership. A task belonging
// to someone else reads as not found so ids cannot be enumerated.
func (h *REST) loadOwned(w http.ResponseWriter, r *http.Request) (*domain.Task, bool) {
	ownerID, err := auth.OwnerFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return nil, false
	}
	taskID := chi.URLParam(r, "id")
	if taskID == "" {
		writeError(w, http.StatusBadRequest, "task ID is required")
		return nil, false
	}

	task, err := h.producer.Get(r.Context(), taskID)
	if err != nil {
		h.writeDomainError(w, err, taskID)
		return nil, false
	}
	if task.OwnerID != ownerID || task.Status == domain.TaskDeleted {
		writeError(w, http.StatusNotFound, "task not found")
		return nil, false
	}
	return task, true
}

func (h *REST) writeDomainError(w http.ResponseWriter, err error, taskID string) {
	var (
		notFound *domain.TaskNotFoundError
		invalid  *domain.ValidationError
		conflict *domain.ConflictError
	)
	switch {
	case errors.As(err, &notFound):
		writeError(w, http.StatusNotFound, "task not found")
	case errors.As(err, &invalid):
		writeError(w, http.StatusBadRequest, invalid.Error())
	case errors.As(err, &conflict):
		writeError(w, http.StatusConflict, conflict.Error())
	default:
		h.logger.Error("request failed",
			slog.String("task_id", taskID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func parseOffset(s string) (*time.Duration, error) {
	if s == "" {
		return nil, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return nil, errors.New("invalid reminder offset")
	}
	return &d, nil
}

func requestErrorMessage(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		return "field '" + strings.ToLower(verrs[0].Field()) + "' failed " + verrs[0].Tag() + " check"
	}
	return "invalid request"
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
