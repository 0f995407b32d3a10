package lifecycle

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/finchboard/finchboard/internal/models"
	"github.com/finchboard/finchboard/internal/store"
)

// Engine drives queue item lifecycle operations: enqueue, dequeue, move,
// reorder, status transitions, and retry. Every mutating operation runs in
// one transaction so capacity checks and position shifts apply atomically.
type Engine struct {
	db      *sql.DB
	tickets *store.TicketStore
	Now     func() time.Time
}

// NewEngine creates an Engine on the given database connection.
func NewEngine(db *sql.DB) *Engine {
	return &Engine{
		db:      db,
		tickets: store.NewTicketStore(db),
		Now: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// EnqueueTicket places a ticket into a queue as a queued item. With
// includeTasks, one item per task of the ticket is created alongside it,
// contiguously positioned after the ticket, all in one transaction. An
// existing unqueued item for the ticket is adopted rather than duplicated,
// and re-enqueueing into the same queue refreshes the item's priority.
func (e *Engine) EnqueueTicket(ctx context.Context, ticketID, queueID int64, priority int, includeTasks bool) ([]store.QueueItem, error) {
	ticket, err := e.tickets.GetTicket(ctx, ticketID)
	if err != nil {
		return nil, err
	}

	var tasks []models.Task
	if includeTasks {
		tasks, err = e.tickets.GetTasksForTicket(ctx, ticketID)
		if err != nil {
			return nil, err
		}
	}

	var created []store.QueueItem
	err = store.InTx(ctx, e.db, func(tx *sql.Tx) error {
		if _, _, err := store.LockQueue(ctx, tx, queueID); err != nil {
			return err
		}

		ticketItem, err := e.placeTicketItem(ctx, tx, ticket, queueID, priority)
		if err != nil {
			return err
		}
		created = append(created, *ticketItem)

		for _, task := range tasks {
			taskItem, err := e.placeTaskItem(ctx, tx, task, queueID, priority)
			if err != nil {
				return err
			}
			created = append(created, *taskItem)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return created, nil
}

// EnqueueTask places a single task into a queue. It fails with a conflict
// when the task's parent ticket is itself an item of a different queue;
// groups are kept coherent rather than split across queues.
func (e *Engine) EnqueueTask(ctx context.Context, taskID, queueID int64, priority int) (*store.QueueItem, error) {
	task, err := e.tickets.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	var item *store.QueueItem
	err = store.InTx(ctx, e.db, func(tx *sql.Tx) error {
		if _, _, err := store.LockQueue(ctx, tx, queueID); err != nil {
			return err
		}

		parentItem, err := store.FindActiveTicketItem(ctx, tx, task.TicketID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if parentItem != nil && parentItem.QueueID != nil && *parentItem.QueueID != queueID {
			return ConflictError{Reason: fmt.Sprintf("parent ticket %d is queued in another queue", task.TicketID)}
		}

		item, err = e.placeTaskItem(ctx, tx, *task, queueID, priority)
		return err
	})
	if err != nil {
		return nil, err
	}

	return item, nil
}

func (e *Engine) placeTicketItem(ctx context.Context, tx *sql.Tx, ticket *models.Ticket, queueID int64, priority int) (*store.QueueItem, error) {
	existing, err := store.FindActiveTicketItem(ctx, tx, ticket.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	if existing != nil {
		if existing.QueueID != nil {
			if *existing.QueueID == queueID {
				return store.UpdateFields(ctx, tx, existing.ID, store.UpdateItemFields{Priority: &priority})
			}
			return nil, ConflictError{Reason: fmt.Sprintf("ticket %d is already queued", ticket.ID)}
		}
		return adoptPooledItem(ctx, tx, existing, queueID, priority)
	}

	tid := ticket.ID
	return store.CreateItemInTx(ctx, tx, store.CreateItemInput{
		ProjectID: ticket.ProjectID,
		QueueID:   &queueID,
		TicketID:  &tid,
		Priority:  priority,
	})
}

func (e *Engine) placeTaskItem(ctx context.Context, tx *sql.Tx, task models.Task, queueID int64, priority int) (*store.QueueItem, error) {
	existing, err := store.FindActiveTaskItem(ctx, tx, task.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	if existing != nil {
		if existing.QueueID != nil {
			if *existing.QueueID == queueID {
				return store.UpdateFields(ctx, tx, existing.ID, store.UpdateItemFields{Priority: &priority})
			}
			return nil, ConflictError{Reason: fmt.Sprintf("task %d is already queued", task.ID)}
		}
		return adoptPooledItem(ctx, tx, existing, queueID, priority)
	}

	ticket, err := e.tickets.GetTicket(ctx, task.TicketID)
	if err != nil {
		return nil, err
	}

	taskID := task.ID
	parentID := task.TicketID
	return store.CreateItemInTx(ctx, tx, store.CreateItemInput{
		ProjectID:      ticket.ProjectID,
		QueueID:        &queueID,
		TaskID:         &taskID,
		ParentTicketID: &parentID,
		Priority:       priority,
	})
}

// adoptPooledItem moves an existing unqueued item into a queue at the back.
func adoptPooledItem(ctx context.Context, tx *sql.Tx, item *store.QueueItem, queueID int64, priority int) (*store.QueueItem, error) {
	pos, err := store.NextPosition(ctx, tx, queueID)
	if err != nil {
		return nil, err
	}
	if err := store.SetPlacement(ctx, tx, item.ID, &queueID, &pos); err != nil {
		return nil, err
	}
	return store.UpdateFields(ctx, tx, item.ID, store.UpdateItemFields{Priority: &priority})
}

// DequeueTicket returns a ticket's queued items, the ticket item and all of
// its currently queued task items, to the unqueued pool atomically. A
// ticket with nothing queued is a no-op. A group member in progress blocks
// the dequeue with a conflict.
func (e *Engine) DequeueTicket(ctx context.Context, ticketID int64) ([]store.QueueItem, error) {
	if _, err := e.tickets.GetTicket(ctx, ticketID); err != nil {
		return nil, err
	}

	var dequeued []store.QueueItem
	err := store.InTx(ctx, e.db, func(tx *sql.Tx) error {
		group, err := store.ListGroupForUpdate(ctx, tx, ticketID)
		if err != nil {
			return err
		}

		var queued []store.QueueItem
		for _, item := range group {
			if item.QueueID == nil {
				continue
			}
			switch item.Status {
			case store.ItemStatusInProgress:
				return ConflictError{Reason: fmt.Sprintf("item %d is in progress", item.ID)}
			case store.ItemStatusQueued:
				queued = append(queued, item)
			}
		}

		dequeued, err = unqueueAll(ctx, tx, queued)
		return err
	})
	if err != nil {
		return nil, err
	}

	return dequeued, nil
}

// DequeueTask returns a single task's queued item to the unqueued pool.
// No-op when the task is not queued.
func (e *Engine) DequeueTask(ctx context.Context, taskID int64) (*store.QueueItem, error) {
	if _, err := e.tickets.GetTask(ctx, taskID); err != nil {
		return nil, err
	}

	var dequeued *store.QueueItem
	err := store.InTx(ctx, e.db, func(tx *sql.Tx) error {
		item, err := store.FindActiveTaskItem(ctx, tx, taskID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil
			}
			return err
		}
		if item.QueueID == nil {
			dequeued = item
			return nil
		}
		if item.Status == store.ItemStatusInProgress {
			return ConflictError{Reason: fmt.Sprintf("item %d is in progress", item.ID)}
		}

		out, err := unqueueAll(ctx, tx, []store.QueueItem{*item})
		if err != nil {
			return err
		}
		dequeued = &out[0]
		return nil
	})
	if err != nil {
		return nil, err
	}

	return dequeued, nil
}

// unqueueAll detaches items from their queues, closing each position gap.
// Items are processed per queue in descending position order so earlier
// removals never invalidate the recorded positions of later ones.
func unqueueAll(ctx context.Context, tx *sql.Tx, items []store.QueueItem) ([]store.QueueItem, error) {
	byPos := make([]store.QueueItem, len(items))
	copy(byPos, items)
	for i := 0; i < len(byPos); i++ {
		for j := i + 1; j < len(byPos); j++ {
			if pos(byPos[j]) > pos(byPos[i]) {
				byPos[i], byPos[j] = byPos[j], byPos[i]
			}
		}
	}

	out := make([]store.QueueItem, 0, len(items))
	for _, item := range byPos {
		if err := store.SetPlacement(ctx, tx, item.ID, nil, nil); err != nil {
			return nil, err
		}
		if item.QueueID != nil && item.Position != nil {
			if err := store.CloseGap(ctx, tx, *item.QueueID, *item.Position); err != nil {
				return nil, err
			}
		}
		updated, err := store.UpdateFields(ctx, tx, item.ID, store.UpdateItemFields{})
		if err != nil {
			return nil, err
		}
		out = append(out, *updated)
	}
	return out, nil
}

func pos(item store.QueueItem) int {
	if item.Position == nil {
		return -1
	}
	return *item.Position
}

// MoveItemInput describes a cross-queue move. A nil TargetIndex appends to
// the end of the target queue. A nil Priority leaves priority unchanged.
type MoveItemInput struct {
	ItemID        int64
	TargetQueueID int64
	TargetIndex   *int
	Priority      *int
}

// MoveItem reassigns an item (and, for ticket items, its queued task items)
// to another queue with contiguous positions, preserving relative order.
// In-progress items cannot be moved.
func (e *Engine) MoveItem(ctx context.Context, input MoveItemInput) ([]store.QueueItem, error) {
	var moved []store.QueueItem
	err := store.InTx(ctx, e.db, func(tx *sql.Tx) error {
		item, err := store.GetForUpdate(ctx, tx, input.ItemID)
		if err != nil {
			return err
		}
		if item.Status == store.ItemStatusInProgress {
			return ConflictError{Reason: "in-progress items cannot be moved"}
		}

		if item.QueueID != nil && *item.QueueID == input.TargetQueueID {
			if input.TargetIndex == nil {
				moved = []store.QueueItem{*item}
				return nil
			}
			reordered, err := reorderInTx(ctx, tx, item, *input.TargetIndex)
			if err != nil {
				return err
			}
			moved = []store.QueueItem{*reordered}
			return nil
		}

		if _, _, err := store.LockQueue(ctx, tx, input.TargetQueueID); err != nil {
			return err
		}

		group := []store.QueueItem{*item}
		if ref, ok := item.Ref().(store.TicketRef); ok {
			all, err := store.ListGroupForUpdate(ctx, tx, ref.TicketID)
			if err != nil {
				return err
			}
			for _, member := range all {
				if member.ID == item.ID || member.QueueID == nil {
					continue
				}
				if member.Status == store.ItemStatusInProgress {
					return ConflictError{Reason: fmt.Sprintf("item %d is in progress", member.ID)}
				}
				// Only task items sharing the ticket's source queue travel
				// with it. A pooled ticket item has no source queue and
				// moves alone.
				if member.Status == store.ItemStatusQueued && item.QueueID != nil && *member.QueueID == *item.QueueID {
					group = append(group, member)
				}
			}
		}

		if ref, ok := item.Ref().(store.TaskRef); ok {
			parentItem, err := store.FindActiveTicketItem(ctx, tx, ref.ParentTicketID)
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				return err
			}
			if parentItem != nil && parentItem.QueueID != nil && *parentItem.QueueID != input.TargetQueueID {
				return ConflictError{Reason: fmt.Sprintf("parent ticket %d is queued in another queue", ref.ParentTicketID)}
			}
		}

		// Detach the whole group from its source queue first so target
		// positions come out contiguous.
		if _, err := unqueueAll(ctx, tx, group); err != nil {
			return err
		}

		base, err := store.NextPosition(ctx, tx, input.TargetQueueID)
		if err != nil {
			return err
		}
		if input.TargetIndex != nil {
			index := *input.TargetIndex
			if index < 0 {
				index = 0
			}
			if index > base {
				index = base
			}
			if err := store.OpenGapN(ctx, tx, input.TargetQueueID, index, len(group)); err != nil {
				return err
			}
			base = index
		}

		moved = moved[:0]
		for i, member := range group {
			position := base + i
			if err := store.SetPlacement(ctx, tx, member.ID, &input.TargetQueueID, &position); err != nil {
				return err
			}
			updated, err := store.UpdateFields(ctx, tx, member.ID, store.UpdateItemFields{Priority: input.Priority})
			if err != nil {
				return err
			}
			moved = append(moved, *updated)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return moved, nil
}

// Reorder moves an item to a target index within its current queue. The
// intervening items shift by one; positions stay contiguous. O(n) in the
// queue's item count.
func (e *Engine) Reorder(ctx context.Context, itemID int64, targetIndex int) (*store.QueueItem, error) {
	var item *store.QueueItem
	err := store.InTx(ctx, e.db, func(tx *sql.Tx) error {
		current, err := store.GetForUpdate(ctx, tx, itemID)
		if err != nil {
			return err
		}
		item, err = reorderInTx(ctx, tx, current, targetIndex)
		return err
	})
	if err != nil {
		return nil, err
	}
	return item, nil
}

func reorderInTx(ctx context.Context, tx *sql.Tx, item *store.QueueItem, targetIndex int) (*store.QueueItem, error) {
	if item.QueueID == nil || item.Position == nil {
		return nil, ConflictError{Reason: "unqueued items have no order"}
	}

	queueID := *item.QueueID
	count, err := store.CountItems(ctx, tx, queueID)
	if err != nil {
		return nil, err
	}

	old := *item.Position
	target := ClampIndex(count, targetIndex)
	if target == old {
		return item, nil
	}

	if target < old {
		err = store.ShiftPositionRange(ctx, tx, queueID, target, old-1, +1)
	} else {
		err = store.ShiftPositionRange(ctx, tx, queueID, old+1, target, -1)
	}
	if err != nil {
		return nil, err
	}

	if err := store.SetPlacement(ctx, tx, item.ID, &queueID, &target); err != nil {
		return nil, err
	}

	return store.UpdateFields(ctx, tx, item.ID, store.UpdateItemFields{})
}

// UpdateStatusInput describes a status transition request.
type UpdateStatusInput struct {
	ItemID int64
	Status store.ItemStatus
	// AgentID records the claiming worker on transitions into in_progress.
	AgentID *string
	// ErrorMessage is recorded on transitions into failed or timeout.
	ErrorMessage *string
}

// UpdateStatus validates and applies a status transition. Transitions into
// in_progress enforce the queue's pause state and max_parallel_items cap
// inside the same transaction that applies the change. Cancelling an item
// already in a terminal state is a no-op, not an error.
func (e *Engine) UpdateStatus(ctx context.Context, input UpdateStatusInput) (*store.QueueItem, error) {
	var item *store.QueueItem
	err := store.InTx(ctx, e.db, func(tx *sql.Tx) error {
		current, err := store.GetForUpdate(ctx, tx, input.ItemID)
		if err != nil {
			return err
		}

		if input.Status == store.ItemStatusCancelled && current.Status.IsTerminal() {
			item = current
			return nil
		}

		if err := ValidateTransition(current.Status, input.Status); err != nil {
			return err
		}

		now := e.Now()
		fields := store.UpdateItemFields{Status: &input.Status}

		switch input.Status {
		case store.ItemStatusInProgress:
			if current.QueueID == nil {
				return ConflictError{Reason: "unqueued items cannot enter in_progress"}
			}
			queueStatus, maxParallel, err := store.LockQueue(ctx, tx, *current.QueueID)
			if err != nil {
				return err
			}
			if queueStatus == models.QueueStatusPaused {
				return ConflictError{Reason: fmt.Sprintf("queue %d is paused", *current.QueueID)}
			}
			inProgress, err := store.CountInProgress(ctx, tx, *current.QueueID)
			if err != nil {
				return err
			}
			if inProgress >= maxParallel {
				return CapacityExceededError{QueueID: *current.QueueID, MaxParallel: maxParallel}
			}
			fields.StartedAt = &now
			fields.AgentID = input.AgentID
		case store.ItemStatusCompleted, store.ItemStatusCancelled:
			fields.CompletedAt = &now
		case store.ItemStatusFailed, store.ItemStatusTimeout:
			fields.CompletedAt = &now
			fields.ErrorMessage = input.ErrorMessage
		}

		item, err = store.UpdateFields(ctx, tx, input.ItemID, fields)
		return err
	})
	if err != nil {
		return nil, err
	}

	return item, nil
}

// Retry resets a failed, cancelled, or timed-out item back to queued,
// clearing its error, agent, and processing timestamps. The item re-enters
// its queue at the back so waiting items are not starved.
func (e *Engine) Retry(ctx context.Context, itemID int64) (*store.QueueItem, error) {
	var item *store.QueueItem
	err := store.InTx(ctx, e.db, func(tx *sql.Tx) error {
		current, err := store.GetForUpdate(ctx, tx, itemID)
		if err != nil {
			return err
		}
		if !CanRetry(current.Status) {
			return InvalidTransitionError{From: current.Status, To: store.ItemStatusQueued}
		}

		if current.QueueID != nil && current.Position != nil {
			queueID := *current.QueueID
			if err := store.CloseGap(ctx, tx, queueID, *current.Position); err != nil {
				return err
			}
			back, err := store.NextPosition(ctx, tx, queueID)
			if err != nil {
				return err
			}
			if err := store.SetPlacement(ctx, tx, itemID, &queueID, &back); err != nil {
				return err
			}
		}

		status := store.ItemStatusQueued
		item, err = store.UpdateFields(ctx, tx, itemID, store.UpdateItemFields{
			Status:       &status,
			ClearAgent:   true,
			ClearError:   true,
			ClearStarted: true,
			ClearDone:    true,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	return item, nil
}

// BatchResult reports the outcome of one update within a batch.
type BatchResult struct {
	ItemID int64
	Item   *store.QueueItem
	Err    error
}

// BatchUpdateStatus applies UpdateStatus to each update independently. A
// failing item does not abort the batch; every item gets its own atomic
// update and its own result.
func (e *Engine) BatchUpdateStatus(ctx context.Context, updates []UpdateStatusInput) []BatchResult {
	results := make([]BatchResult, 0, len(updates))
	for _, update := range updates {
		item, err := e.UpdateStatus(ctx, update)
		results = append(results, BatchResult{ItemID: update.ItemID, Item: item, Err: err})
	}
	return results
}
