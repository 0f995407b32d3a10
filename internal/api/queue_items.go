package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/finchboard/finchboard/internal/lifecycle"
	"github.com/finchboard/finchboard/internal/middleware"
	"github.com/finchboard/finchboard/internal/store"
	"github.com/finchboard/finchboard/internal/ws"
)

// ItemsHandler handles queue item reads and lifecycle operations.
type ItemsHandler struct {
	Items  *store.QueueItemStore
	Engine *lifecycle.Engine
	Hub    *ws.Hub
}

type enqueueRequest struct {
	TicketID     *int64 `json:"ticket_id,omitempty"`
	TaskID       *int64 `json:"task_id,omitempty"`
	Priority     int    `json:"priority"`
	IncludeTasks bool   `json:"include_tasks"`
}

type moveItemRequest struct {
	TargetQueueID int64 `json:"target_queue_id"`
	TargetIndex   *int  `json:"target_index,omitempty"`
	Priority      *int  `json:"priority,omitempty"`
}

type reorderRequest struct {
	TargetIndex int `json:"target_index"`
}

type updateStatusRequest struct {
	Status       string  `json:"status"`
	AgentID      *string `json:"agent_id,omitempty"`
	ErrorMessage *string `json:"error_message,omitempty"`
}

type batchStatusRequest struct {
	Updates []batchStatusUpdate `json:"updates"`
}

type batchStatusUpdate struct {
	ItemID       int64   `json:"item_id"`
	Status       string  `json:"status"`
	AgentID      *string `json:"agent_id,omitempty"`
	ErrorMessage *string `json:"error_message,omitempty"`
}

type batchStatusResponse struct {
	Results []batchStatusResult `json:"results"`
}

type batchStatusResult struct {
	ItemID int64            `json:"item_id"`
	OK     bool             `json:"ok"`
	Item   *store.QueueItem `json:"item,omitempty"`
	Error  string           `json:"error,omitempty"`
	Code   string           `json:"code,omitempty"`
}

type listItemsResponse struct {
	Items []store.QueueItem `json:"items"`
}

// ListQueueItems handles GET /api/queues/{queueID}/items, ordered by
// position ascending.
func (h *ItemsHandler) ListQueueItems(w http.ResponseWriter, r *http.Request) {
	queueID, ok := parseID(w, chi.URLParam(r, "queueID"))
	if !ok {
		return
	}

	filter := store.ItemFilter{QueueID: &queueID}
	if status, ok := parseStatusFilter(w, r); !ok {
		return
	} else if status != nil {
		filter.Status = status
	}

	items, err := h.Items.List(r.Context(), filter)
	if err != nil {
		sendError(w, err)
		return
	}

	sendJSON(w, http.StatusOK, listItemsResponse{Items: items})
}

// ListUnqueued handles GET /api/items: the project's unqueued pool, ordered
// by creation time.
func (h *ItemsHandler) ListUnqueued(w http.ResponseWriter, r *http.Request) {
	filter := store.ItemFilter{ProjectID: middleware.ProjectFromContext(r.Context())}
	if status, ok := parseStatusFilter(w, r); !ok {
		return
	} else if status != nil {
		filter.Status = status
	}

	items, err := h.Items.List(r.Context(), filter)
	if err != nil {
		sendError(w, err)
		return
	}

	sendJSON(w, http.StatusOK, listItemsResponse{Items: items})
}

// GetItem handles GET /api/items/{itemID}.
func (h *ItemsHandler) GetItem(w http.ResponseWriter, r *http.Request) {
	itemID, ok := parseID(w, chi.URLParam(r, "itemID"))
	if !ok {
		return
	}

	item, err := h.Items.GetByID(r.Context(), itemID)
	if err != nil {
		sendError(w, err)
		return
	}

	sendJSON(w, http.StatusOK, item)
}

// DeleteItem handles DELETE /api/items/{itemID}: hard removal of the queue
// association. The underlying ticket or task is untouched, and the item no
// longer contributes to any statistics.
func (h *ItemsHandler) DeleteItem(w http.ResponseWriter, r *http.Request) {
	itemID, ok := parseID(w, chi.URLParam(r, "itemID"))
	if !ok {
		return
	}

	item, err := h.Items.GetByID(r.Context(), itemID)
	if err != nil {
		sendError(w, err)
		return
	}

	if err := h.Items.Delete(r.Context(), itemID); err != nil {
		sendError(w, err)
		return
	}

	if h.Hub != nil {
		h.Hub.BroadcastEvent(item.ProjectID, ws.MessageQueueItemDeleted, map[string]int64{"item_id": itemID})
	}
	w.WriteHeader(http.StatusNoContent)
}

// Enqueue handles POST /api/queues/{queueID}/enqueue. The body references
// either a ticket (optionally with its tasks) or a single task.
func (h *ItemsHandler) Enqueue(w http.ResponseWriter, r *http.Request) {
	queueID, ok := parseID(w, chi.URLParam(r, "queueID"))
	if !ok {
		return
	}

	var req enqueueRequest
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		sendJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON payload", Code: "validation_failed"})
		return
	}

	switch {
	case req.TicketID != nil && req.TaskID != nil:
		sendJSON(w, http.StatusBadRequest, errorResponse{Error: "provide ticket_id or task_id, not both", Code: "validation_failed"})
		return
	case req.TicketID != nil:
		items, err := h.Engine.EnqueueTicket(r.Context(), *req.TicketID, queueID, req.Priority, req.IncludeTasks)
		if err != nil {
			sendError(w, err)
			return
		}
		h.broadcastItems(ws.MessageQueueItemEnqueued, items)
		sendJSON(w, http.StatusCreated, listItemsResponse{Items: items})
	case req.TaskID != nil:
		item, err := h.Engine.EnqueueTask(r.Context(), *req.TaskID, queueID, req.Priority)
		if err != nil {
			sendError(w, err)
			return
		}
		h.broadcastItems(ws.MessageQueueItemEnqueued, []store.QueueItem{*item})
		sendJSON(w, http.StatusCreated, item)
	default:
		sendJSON(w, http.StatusBadRequest, errorResponse{Error: "ticket_id or task_id is required", Code: "validation_failed"})
	}
}

// DequeueTicket handles POST /api/tickets/{ticketID}/dequeue: the ticket
// item and all of its queued task items return to the unqueued pool.
func (h *ItemsHandler) DequeueTicket(w http.ResponseWriter, r *http.Request) {
	ticketID, ok := parseID(w, chi.URLParam(r, "ticketID"))
	if !ok {
		return
	}

	items, err := h.Engine.DequeueTicket(r.Context(), ticketID)
	if err != nil {
		sendError(w, err)
		return
	}

	h.broadcastItems(ws.MessageQueueItemDequeued, items)
	sendJSON(w, http.StatusOK, listItemsResponse{Items: items})
}

// DequeueTask handles POST /api/tasks/{taskID}/dequeue.
func (h *ItemsHandler) DequeueTask(w http.ResponseWriter, r *http.Request) {
	taskID, ok := parseID(w, chi.URLParam(r, "taskID"))
	if !ok {
		return
	}

	item, err := h.Engine.DequeueTask(r.Context(), taskID)
	if err != nil {
		sendError(w, err)
		return
	}
	if item == nil {
		sendJSON(w, http.StatusOK, listItemsResponse{Items: []store.QueueItem{}})
		return
	}

	h.broadcastItems(ws.MessageQueueItemDequeued, []store.QueueItem{*item})
	sendJSON(w, http.StatusOK, item)
}

// Move handles POST /api/items/{itemID}/move: cross-queue reassignment,
// moving a ticket's queued tasks along with it.
func (h *ItemsHandler) Move(w http.ResponseWriter, r *http.Request) {
	itemID, ok := parseID(w, chi.URLParam(r, "itemID"))
	if !ok {
		return
	}

	var req moveItemRequest
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		sendJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON payload", Code: "validation_failed"})
		return
	}
	if req.TargetQueueID <= 0 {
		sendJSON(w, http.StatusBadRequest, errorResponse{Error: "target_queue_id is required", Code: "validation_failed"})
		return
	}

	items, err := h.Engine.MoveItem(r.Context(), lifecycle.MoveItemInput{
		ItemID:        itemID,
		TargetQueueID: req.TargetQueueID,
		TargetIndex:   req.TargetIndex,
		Priority:      req.Priority,
	})
	if err != nil {
		sendError(w, err)
		return
	}

	h.broadcastItems(ws.MessageQueueItemMoved, items)
	sendJSON(w, http.StatusOK, listItemsResponse{Items: items})
}

// Reorder handles POST /api/items/{itemID}/reorder within a queue.
func (h *ItemsHandler) Reorder(w http.ResponseWriter, r *http.Request) {
	itemID, ok := parseID(w, chi.URLParam(r, "itemID"))
	if !ok {
		return
	}

	var req reorderRequest
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		sendJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON payload", Code: "validation_failed"})
		return
	}

	item, err := h.Engine.Reorder(r.Context(), itemID, req.TargetIndex)
	if err != nil {
		sendError(w, err)
		return
	}

	h.broadcastItems(ws.MessageQueueItemReordered, []store.QueueItem{*item})
	sendJSON(w, http.StatusOK, item)
}

// UpdateStatus handles POST /api/items/{itemID}/status.
func (h *ItemsHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	itemID, ok := parseID(w, chi.URLParam(r, "itemID"))
	if !ok {
		return
	}

	var req updateStatusRequest
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		sendJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON payload", Code: "validation_failed"})
		return
	}

	item, err := h.Engine.UpdateStatus(r.Context(), lifecycle.UpdateStatusInput{
		ItemID:       itemID,
		Status:       store.ItemStatus(req.Status),
		AgentID:      req.AgentID,
		ErrorMessage: req.ErrorMessage,
	})
	if err != nil {
		sendError(w, err)
		return
	}

	h.broadcastItems(ws.MessageQueueItemStatusChanged, []store.QueueItem{*item})
	sendJSON(w, http.StatusOK, item)
}

// Retry handles POST /api/items/{itemID}/retry.
func (h *ItemsHandler) Retry(w http.ResponseWriter, r *http.Request) {
	itemID, ok := parseID(w, chi.URLParam(r, "itemID"))
	if !ok {
		return
	}

	item, err := h.Engine.Retry(r.Context(), itemID)
	if err != nil {
		sendError(w, err)
		return
	}

	h.broadcastItems(ws.MessageQueueItemStatusChanged, []store.QueueItem{*item})
	sendJSON(w, http.StatusOK, item)
}

// BatchUpdateStatus handles POST /api/items/status. Each update is applied
// independently; the response reports a per-item outcome.
func (h *ItemsHandler) BatchUpdateStatus(w http.ResponseWriter, r *http.Request) {
	var req batchStatusRequest
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		sendJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON payload", Code: "validation_failed"})
		return
	}
	if len(req.Updates) == 0 {
		sendJSON(w, http.StatusBadRequest, errorResponse{Error: "updates must not be empty", Code: "validation_failed"})
		return
	}

	updates := make([]lifecycle.UpdateStatusInput, 0, len(req.Updates))
	for _, update := range req.Updates {
		updates = append(updates, lifecycle.UpdateStatusInput{
			ItemID:       update.ItemID,
			Status:       store.ItemStatus(update.Status),
			AgentID:      update.AgentID,
			ErrorMessage: update.ErrorMessage,
		})
	}

	results := h.Engine.BatchUpdateStatus(r.Context(), updates)

	resp := batchStatusResponse{Results: make([]batchStatusResult, 0, len(results))}
	for _, result := range results {
		out := batchStatusResult{ItemID: result.ItemID, OK: result.Err == nil, Item: result.Item}
		if result.Err != nil {
			out.Error = result.Err.Error()
			out.Code = errorCode(result.Err)
		} else if result.Item != nil {
			h.broadcastItems(ws.MessageQueueItemStatusChanged, []store.QueueItem{*result.Item})
		}
		resp.Results = append(resp.Results, out)
	}

	sendJSON(w, http.StatusOK, resp)
}

func (h *ItemsHandler) broadcastItems(eventType ws.MessageType, items []store.QueueItem) {
	if h.Hub == nil {
		return
	}
	for _, item := range items {
		h.Hub.BroadcastEvent(item.ProjectID, eventType, item)
	}
}

func parseStatusFilter(w http.ResponseWriter, r *http.Request) (*store.ItemStatus, bool) {
	raw := r.URL.Query().Get("status")
	if raw == "" {
		return nil, true
	}
	status := store.ItemStatus(raw)
	if !store.KnownItemStatus(status) {
		sendJSON(w, http.StatusBadRequest, errorResponse{Error: "unknown status filter", Code: "validation_failed"})
		return nil, false
	}
	return &status, true
}
