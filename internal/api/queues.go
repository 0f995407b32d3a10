package api

import (
	"database/sql"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/finchboard/finchboard/internal/middleware"
	"github.com/finchboard/finchboard/internal/models"
	"github.com/finchboard/finchboard/internal/store"
	"github.com/finchboard/finchboard/internal/ws"
)

// QueuesHandler handles queue registry operations.
type QueuesHandler struct {
	Store *store.QueueStore
	DB    *sql.DB
	Hub   *ws.Hub
}

type createQueueRequest struct {
	Name             string  `json:"name"`
	Description      *string `json:"description,omitempty"`
	MaxParallelItems int     `json:"max_parallel_items,omitempty"`
}

type updateQueueRequest struct {
	Name             *string `json:"name,omitempty"`
	Description      *string `json:"description,omitempty"`
	MaxParallelItems *int    `json:"max_parallel_items,omitempty"`
	Status           *string `json:"status,omitempty"`
}

type setQueueStatusRequest struct {
	Status string `json:"status"`
}

type listQueuesResponse struct {
	Queues []store.QueueWithStats `json:"queues"`
}

// Create handles POST /api/queues.
func (h *QueuesHandler) Create(w http.ResponseWriter, r *http.Request) {
	projectID := middleware.ProjectFromContext(r.Context())

	var req createQueueRequest
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		sendJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON payload", Code: "validation_failed"})
		return
	}

	queue, err := h.Store.Create(r.Context(), store.CreateQueueInput{
		ProjectID:        projectID,
		Name:             req.Name,
		Description:      req.Description,
		MaxParallelItems: req.MaxParallelItems,
	})
	if err != nil {
		sendError(w, err)
		return
	}

	if h.Hub != nil {
		h.Hub.BroadcastEvent(projectID, ws.MessageQueueCreated, queue)
	}
	sendJSON(w, http.StatusCreated, queue)
}

// List handles GET /api/queues: every queue in the project paired with
// statistics recomputed from the current items.
func (h *QueuesHandler) List(w http.ResponseWriter, r *http.Request) {
	projectID := middleware.ProjectFromContext(r.Context())

	queues, err := h.Store.ListWithStats(r.Context(), projectID)
	if err != nil {
		sendError(w, err)
		return
	}

	sendJSON(w, http.StatusOK, listQueuesResponse{Queues: queues})
}

// Get handles GET /api/queues/{queueID}.
func (h *QueuesHandler) Get(w http.ResponseWriter, r *http.Request) {
	queueID, ok := parseID(w, chi.URLParam(r, "queueID"))
	if !ok {
		return
	}

	queue, err := h.Store.GetByID(r.Context(), queueID)
	if err != nil {
		sendError(w, err)
		return
	}

	stats, err := store.AggregateQueueStats(r.Context(), h.DB, queueID)
	if err != nil {
		sendError(w, err)
		return
	}

	sendJSON(w, http.StatusOK, store.QueueWithStats{Queue: *queue, Stats: *stats})
}

// Update handles PATCH /api/queues/{queueID}.
func (h *QueuesHandler) Update(w http.ResponseWriter, r *http.Request) {
	queueID, ok := parseID(w, chi.URLParam(r, "queueID"))
	if !ok {
		return
	}

	var req updateQueueRequest
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		sendJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON payload", Code: "validation_failed"})
		return
	}

	queue, err := h.Store.Update(r.Context(), queueID, store.UpdateQueueInput{
		Name:             req.Name,
		Description:      req.Description,
		MaxParallelItems: req.MaxParallelItems,
		Status:           req.Status,
	})
	if err != nil {
		sendError(w, err)
		return
	}

	if h.Hub != nil {
		h.Hub.BroadcastEvent(queue.ProjectID, ws.MessageQueueUpdated, queue)
	}
	sendJSON(w, http.StatusOK, queue)
}

// SetStatus handles POST /api/queues/{queueID}/status: pause or resume.
func (h *QueuesHandler) SetStatus(w http.ResponseWriter, r *http.Request) {
	queueID, ok := parseID(w, chi.URLParam(r, "queueID"))
	if !ok {
		return
	}

	var req setQueueStatusRequest
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		sendJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON payload", Code: "validation_failed"})
		return
	}
	if req.Status != models.QueueStatusActive && req.Status != models.QueueStatusPaused {
		sendJSON(w, http.StatusBadRequest, errorResponse{Error: "status must be active or paused", Code: "validation_failed"})
		return
	}

	queue, err := h.Store.SetStatus(r.Context(), queueID, req.Status)
	if err != nil {
		sendError(w, err)
		return
	}

	if h.Hub != nil {
		h.Hub.BroadcastEvent(queue.ProjectID, ws.MessageQueueUpdated, queue)
	}
	sendJSON(w, http.StatusOK, queue)
}

// Delete handles DELETE /api/queues/{queueID}. With ?cascade=true the
// queue's items return to the unqueued pool first.
func (h *QueuesHandler) Delete(w http.ResponseWriter, r *http.Request) {
	queueID, ok := parseID(w, chi.URLParam(r, "queueID"))
	if !ok {
		return
	}

	cascade := false
	if raw := strings.TrimSpace(r.URL.Query().Get("cascade")); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			sendJSON(w, http.StatusBadRequest, errorResponse{Error: "cascade must be a boolean", Code: "validation_failed"})
			return
		}
		cascade = parsed
	}

	queue, err := h.Store.GetByID(r.Context(), queueID)
	if err != nil {
		sendError(w, err)
		return
	}

	if err := h.Store.Delete(r.Context(), queueID, cascade); err != nil {
		sendError(w, err)
		return
	}

	if h.Hub != nil {
		h.Hub.BroadcastEvent(queue.ProjectID, ws.MessageQueueDeleted, map[string]int64{"queue_id": queueID})
	}
	w.WriteHeader(http.StatusNoContent)
}

func parseID(w http.ResponseWriter, raw string) (int64, bool) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id <= 0 {
		sendJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid id", Code: "validation_failed"})
		return 0, false
	}
	return id, true
}
