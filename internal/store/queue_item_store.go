package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ItemStatus represents the lifecycle status of a queue item.
type ItemStatus string

// Queue item status constants.
const (
	ItemStatusQueued     ItemStatus = "queued"
	ItemStatusInProgress ItemStatus = "in_progress"
	ItemStatusCompleted  ItemStatus = "completed"
	ItemStatusFailed     ItemStatus = "failed"
	ItemStatusCancelled  ItemStatus = "cancelled"
	ItemStatusTimeout    ItemStatus = "timeout"
)

// KnownItemStatus reports whether status is a recognized item status.
func KnownItemStatus(status ItemStatus) bool {
	switch status {
	case ItemStatusQueued, ItemStatusInProgress, ItemStatusCompleted,
		ItemStatusFailed, ItemStatusCancelled, ItemStatusTimeout:
		return true
	}
	return false
}

// IsTerminal reports whether status permits no further transitions.
func (s ItemStatus) IsTerminal() bool {
	switch s {
	case ItemStatusCompleted, ItemStatusFailed, ItemStatusCancelled, ItemStatusTimeout:
		return true
	}
	return false
}

// QueueItem tracks one ticket's or one task's placement, status, and
// processing metadata within a queue or the unqueued pool. A nil QueueID
// means the item sits in the unqueued pool: unordered (nil Position) and
// uncapped.
type QueueItem struct {
	ID             int64      `json:"id"`
	ProjectID      int64      `json:"project_id"`
	QueueID        *int64     `json:"queue_id,omitempty"`
	TicketID       *int64     `json:"ticket_id,omitempty"`
	TaskID         *int64     `json:"task_id,omitempty"`
	ParentTicketID *int64     `json:"parent_ticket_id,omitempty"`
	Position       *int       `json:"position,omitempty"`
	Status         ItemStatus `json:"status"`
	Priority       int        `json:"priority"`
	AgentID        *string    `json:"agent_id,omitempty"`
	ErrorMessage   *string    `json:"error_message,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// ItemRef is the tagged variant identifying what a queue item references:
// either a ticket or a single task belonging to a ticket.
type ItemRef interface {
	isItemRef()
}

// TicketRef identifies a ticket-type item.
type TicketRef struct {
	TicketID int64
}

func (TicketRef) isItemRef() {}

// TaskRef identifies a task-type item, always with its parent ticket.
type TaskRef struct {
	TaskID         int64
	ParentTicketID int64
}

func (TaskRef) isItemRef() {}

// Ref returns the item's reference as a tagged variant, eliminating
// is-this-field-present checks at call sites.
func (i *QueueItem) Ref() ItemRef {
	if i.TaskID != nil {
		var parent int64
		if i.ParentTicketID != nil {
			parent = *i.ParentTicketID
		}
		return TaskRef{TaskID: *i.TaskID, ParentTicketID: parent}
	}
	if i.TicketID != nil {
		return TicketRef{TicketID: *i.TicketID}
	}
	return nil
}

// QueueItemStore provides access to queue item records.
type QueueItemStore struct {
	db *sql.DB
}

// NewQueueItemStore creates a new QueueItemStore with the given database
// connection.
func NewQueueItemStore(db *sql.DB) *QueueItemStore {
	return &QueueItemStore{db: db}
}

const queueItemSelectColumns = "id, project_id, queue_id, ticket_id, task_id, parent_ticket_id, position, status, priority, agent_id, error_message, created_at, started_at, completed_at"

// CreateItemInput defines the input for creating a queue item. Exactly one
// of TicketID and TaskID must be set; TaskID requires ParentTicketID.
type CreateItemInput struct {
	ProjectID      int64
	QueueID        *int64
	TicketID       *int64
	TaskID         *int64
	ParentTicketID *int64
	Priority       int
}

// Create inserts a queue item. When a target queue is given the item is
// appended at the end of that queue's position sequence; unqueued items get
// no position.
func (s *QueueItemStore) Create(ctx context.Context, input CreateItemInput) (*QueueItem, error) {
	var item *QueueItem
	err := InTx(ctx, s.db, func(tx *sql.Tx) error {
		created, err := CreateItemInTx(ctx, tx, input)
		if err != nil {
			return err
		}
		item = created
		return nil
	})
	if err != nil {
		return nil, err
	}
	return item, nil
}

// CreateItemInTx inserts a queue item using the caller's transaction. The
// lifecycle engine uses this so bulk enqueues position items contiguously
// within one atomic unit.
func CreateItemInTx(ctx context.Context, q Querier, input CreateItemInput) (*QueueItem, error) {
	if err := validateItemRef(input.TicketID, input.TaskID, input.ParentTicketID); err != nil {
		return nil, err
	}

	var position interface{}
	if input.QueueID != nil {
		next, err := NextPosition(ctx, q, *input.QueueID)
		if err != nil {
			return nil, err
		}
		position = next
	}

	query := `INSERT INTO queue_items (
		project_id, queue_id, ticket_id, task_id, parent_ticket_id, position, status, priority
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	RETURNING ` + queueItemSelectColumns

	item, err := scanQueueItem(q.QueryRowContext(ctx, query,
		input.ProjectID,
		nullableInt64(input.QueueID),
		nullableInt64(input.TicketID),
		nullableInt64(input.TaskID),
		nullableInt64(input.ParentTicketID),
		position,
		ItemStatusQueued,
		input.Priority,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create queue item: %w", err)
	}

	return &item, nil
}

// GetByID retrieves a queue item by ID.
func (s *QueueItemStore) GetByID(ctx context.Context, id int64) (*QueueItem, error) {
	return getItem(ctx, s.db, id, false)
}

// GetForUpdate retrieves a queue item with a row lock, serializing
// concurrent status and position mutations on the same item. Must run
// inside a transaction.
func GetForUpdate(ctx context.Context, q Querier, id int64) (*QueueItem, error) {
	return getItem(ctx, q, id, true)
}

func getItem(ctx context.Context, q Querier, id int64, forUpdate bool) (*QueueItem, error) {
	query := "SELECT " + queueItemSelectColumns + " FROM queue_items WHERE id = $1"
	if forUpdate {
		query += " FOR UPDATE"
	}
	item, err := scanQueueItem(q.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get queue item: %w", err)
	}
	return &item, nil
}

// ItemFilter defines filtering options for listing queue items.
type ItemFilter struct {
	// ProjectID scopes the unqueued pool; ignored when QueueID is set.
	ProjectID int64
	// QueueID selects a queue; nil selects the unqueued pool.
	QueueID *int64
	Status  *ItemStatus
}

// List retrieves queue items. Queue listings are ordered by position
// ascending; the unqueued pool is ordered by creation time.
func (s *QueueItemStore) List(ctx context.Context, filter ItemFilter) ([]QueueItem, error) {
	conditions := []string{}
	args := []interface{}{}

	if filter.QueueID != nil {
		args = append(args, *filter.QueueID)
		conditions = append(conditions, fmt.Sprintf("queue_id = $%d", len(args)))
	} else {
		args = append(args, filter.ProjectID)
		conditions = append(conditions, fmt.Sprintf("project_id = $%d", len(args)), "queue_id IS NULL")
	}
	if filter.Status != nil {
		args = append(args, *filter.Status)
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)))
	}

	order := "position, id"
	if filter.QueueID == nil {
		order = "created_at, id"
	}

	query := "SELECT " + queueItemSelectColumns + " FROM queue_items WHERE " +
		strings.Join(conditions, " AND ") + " ORDER BY " + order

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list queue items: %w", err)
	}
	defer rows.Close()

	items := make([]QueueItem, 0)
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan queue item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error reading queue items: %w", err)
	}

	return items, nil
}

// ListGroup returns a ticket item and its task items, queued or not, in
// creation order. Used for bulk moves and dequeues.
func (s *QueueItemStore) ListGroup(ctx context.Context, ticketID int64) ([]QueueItem, error) {
	query := "SELECT " + queueItemSelectColumns + ` FROM queue_items
		WHERE ticket_id = $1 OR parent_ticket_id = $1
		ORDER BY (ticket_id IS NULL), created_at, id`

	rows, err := s.db.QueryContext(ctx, query, ticketID)
	if err != nil {
		return nil, fmt.Errorf("failed to list item group: %w", err)
	}
	defer rows.Close()

	items := make([]QueueItem, 0)
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan queue item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error reading item group: %w", err)
	}

	return items, nil
}

// Delete hard-removes a queue item, closing the position gap it leaves
// behind. The underlying ticket/task record is untouched.
func (s *QueueItemStore) Delete(ctx context.Context, id int64) error {
	return InTx(ctx, s.db, func(tx *sql.Tx) error {
		item, err := GetForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, "DELETE FROM queue_items WHERE id = $1", id); err != nil {
			return fmt.Errorf("failed to delete queue item: %w", err)
		}

		if item.QueueID != nil && item.Position != nil {
			if err := CloseGap(ctx, tx, *item.QueueID, *item.Position); err != nil {
				return err
			}
		}
		return nil
	})
}

// NextPosition returns the append position for a queue: one past the
// current maximum, or 0 for an empty queue.
func NextPosition(ctx context.Context, q Querier, queueID int64) (int, error) {
	var next int
	err := q.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(position) + 1, 0) FROM queue_items WHERE queue_id = $1",
		queueID).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("failed to compute next position: %w", err)
	}
	return next, nil
}

// CloseGap decrements positions above a removed position so the queue's
// sequence stays contiguous.
func CloseGap(ctx context.Context, q Querier, queueID int64, removed int) error {
	_, err := q.ExecContext(ctx,
		"UPDATE queue_items SET position = position - 1 WHERE queue_id = $1 AND position > $2",
		queueID, removed)
	if err != nil {
		return fmt.Errorf("failed to close position gap: %w", err)
	}
	return nil
}

// SetPlacement moves an item to a queue and position (both nullable for the
// unqueued pool). Callers are responsible for keeping sequences contiguous.
func SetPlacement(ctx context.Context, q Querier, id int64, queueID *int64, position *int) error {
	var pos interface{}
	if position != nil {
		pos = *position
	}
	_, err := q.ExecContext(ctx,
		"UPDATE queue_items SET queue_id = $1, position = $2 WHERE id = $3",
		nullableInt64(queueID), pos, id)
	if err != nil {
		return fmt.Errorf("failed to set item placement: %w", err)
	}
	return nil
}

// UpdateItemFields is the generic field patch applied by the lifecycle
// engine inside its transactions. It is not a public status-transition API;
// transition rules are enforced before calling it.
type UpdateItemFields struct {
	Status       *ItemStatus
	Priority     *int
	AgentID      *string
	ClearAgent   bool
	ErrorMessage *string
	ClearError   bool
	StartedAt    *time.Time
	ClearStarted bool
	CompletedAt  *time.Time
	ClearDone    bool
}

// UpdateFields applies the patch and returns the updated item.
func UpdateFields(ctx context.Context, q Querier, id int64, fields UpdateItemFields) (*QueueItem, error) {
	sets := []string{}
	args := []interface{}{}

	if fields.Status != nil {
		args = append(args, *fields.Status)
		sets = append(sets, fmt.Sprintf("status = $%d", len(args)))
	}
	if fields.Priority != nil {
		args = append(args, *fields.Priority)
		sets = append(sets, fmt.Sprintf("priority = $%d", len(args)))
	}
	if fields.ClearAgent {
		sets = append(sets, "agent_id = NULL")
	} else if fields.AgentID != nil {
		args = append(args, nullableString(fields.AgentID))
		sets = append(sets, fmt.Sprintf("agent_id = $%d", len(args)))
	}
	if fields.ClearError {
		sets = append(sets, "error_message = NULL")
	} else if fields.ErrorMessage != nil {
		args = append(args, nullableString(fields.ErrorMessage))
		sets = append(sets, fmt.Sprintf("error_message = $%d", len(args)))
	}
	if fields.ClearStarted {
		sets = append(sets, "started_at = NULL")
	} else if fields.StartedAt != nil {
		args = append(args, *fields.StartedAt)
		sets = append(sets, fmt.Sprintf("started_at = $%d", len(args)))
	}
	if fields.ClearDone {
		sets = append(sets, "completed_at = NULL")
	} else if fields.CompletedAt != nil {
		args = append(args, *fields.CompletedAt)
		sets = append(sets, fmt.Sprintf("completed_at = $%d", len(args)))
	}

	if len(sets) == 0 {
		return getItem(ctx, q, id, false)
	}

	args = append(args, id)
	query := fmt.Sprintf("UPDATE queue_items SET %s WHERE id = $%d RETURNING %s",
		strings.Join(sets, ", "), len(args), queueItemSelectColumns)

	item, err := scanQueueItem(q.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to update queue item: %w", err)
	}

	return &item, nil
}

// CountInProgress returns the number of in_progress items in a queue. The
// lifecycle engine calls this with the queue row locked so the capacity
// check and transition apply atomically.
func CountInProgress(ctx context.Context, q Querier, queueID int64) (int, error) {
	var count int
	err := q.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM queue_items WHERE queue_id = $1 AND status = $2",
		queueID, ItemStatusInProgress).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count in-progress items: %w", err)
	}
	return count, nil
}

// LockQueue acquires the queue row lock used to serialize capacity checks
// per queue. Returns the queue's status and cap.
func LockQueue(ctx context.Context, q Querier, queueID int64) (status string, maxParallel int, err error) {
	err = q.QueryRowContext(ctx,
		"SELECT status, max_parallel_items FROM queues WHERE id = $1 FOR UPDATE",
		queueID).Scan(&status, &maxParallel)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", 0, ErrNotFound
		}
		return "", 0, fmt.Errorf("failed to lock queue: %w", err)
	}
	return status, maxParallel, nil
}

// FindActiveTicketItem returns the ticket-type item for a ticket that is
// still queued or in progress, with a row lock. ErrNotFound when none.
func FindActiveTicketItem(ctx context.Context, q Querier, ticketID int64) (*QueueItem, error) {
	query := "SELECT " + queueItemSelectColumns + ` FROM queue_items
		WHERE ticket_id = $1 AND status IN ($2, $3)
		ORDER BY id DESC LIMIT 1 FOR UPDATE`
	item, err := scanQueueItem(q.QueryRowContext(ctx, query, ticketID, ItemStatusQueued, ItemStatusInProgress))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to find ticket item: %w", err)
	}
	return &item, nil
}

// FindActiveTaskItem returns the task-type item for a task that is still
// queued or in progress, with a row lock. ErrNotFound when none.
func FindActiveTaskItem(ctx context.Context, q Querier, taskID int64) (*QueueItem, error) {
	query := "SELECT " + queueItemSelectColumns + ` FROM queue_items
		WHERE task_id = $1 AND status IN ($2, $3)
		ORDER BY id DESC LIMIT 1 FOR UPDATE`
	item, err := scanQueueItem(q.QueryRowContext(ctx, query, taskID, ItemStatusQueued, ItemStatusInProgress))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to find task item: %w", err)
	}
	return &item, nil
}

// ListGroupForUpdate locks and returns a ticket's item group: the ticket
// item first, then its task items ordered by queue position and creation.
func ListGroupForUpdate(ctx context.Context, q Querier, ticketID int64) ([]QueueItem, error) {
	query := "SELECT " + queueItemSelectColumns + ` FROM queue_items
		WHERE ticket_id = $1 OR parent_ticket_id = $1
		ORDER BY (ticket_id IS NULL), position NULLS LAST, created_at, id
		FOR UPDATE`

	rows, err := q.QueryContext(ctx, query, ticketID)
	if err != nil {
		return nil, fmt.Errorf("failed to lock item group: %w", err)
	}
	defer rows.Close()

	items := make([]QueueItem, 0)
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan queue item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error reading item group: %w", err)
	}

	return items, nil
}

// OpenGapN shifts positions at or above index up by n, making room for a
// contiguous block insertion (bulk moves).
func OpenGapN(ctx context.Context, q Querier, queueID int64, index, n int) error {
	if n <= 0 {
		return nil
	}
	_, err := q.ExecContext(ctx,
		"UPDATE queue_items SET position = position + $3 WHERE queue_id = $1 AND position >= $2",
		queueID, index, n)
	if err != nil {
		return fmt.Errorf("failed to open position gap: %w", err)
	}
	return nil
}

// ShiftPositionRange adds delta to every position p with lo <= p <= hi.
// Used by reorders to move the intervening block by one.
func ShiftPositionRange(ctx context.Context, q Querier, queueID int64, lo, hi, delta int) error {
	_, err := q.ExecContext(ctx,
		"UPDATE queue_items SET position = position + $4 WHERE queue_id = $1 AND position >= $2 AND position <= $3",
		queueID, lo, hi, delta)
	if err != nil {
		return fmt.Errorf("failed to shift positions: %w", err)
	}
	return nil
}

// CountItems returns the number of items currently assigned to a queue.
func CountItems(ctx context.Context, q Querier, queueID int64) (int, error) {
	var count int
	err := q.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM queue_items WHERE queue_id = $1", queueID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count queue items: %w", err)
	}
	return count, nil
}

func validateItemRef(ticketID, taskID, parentTicketID *int64) error {
	switch {
	case ticketID == nil && taskID == nil:
		return ValidationError{Field: "item", Reason: "must reference a ticket or a task"}
	case ticketID != nil && taskID != nil:
		return ValidationError{Field: "item", Reason: "must reference a ticket or a task, not both"}
	case taskID != nil && parentTicketID == nil:
		return ValidationError{Field: "parent_ticket_id", Reason: "is required for task items"}
	}
	return nil
}

func scanQueueItem(scanner interface{ Scan(...any) error }) (QueueItem, error) {
	var item QueueItem
	var queueID sql.NullInt64
	var ticketID sql.NullInt64
	var taskID sql.NullInt64
	var parentTicketID sql.NullInt64
	var position sql.NullInt32
	var agentID sql.NullString
	var errorMessage sql.NullString
	var startedAt sql.NullTime
	var completedAt sql.NullTime

	err := scanner.Scan(
		&item.ID,
		&item.ProjectID,
		&queueID,
		&ticketID,
		&taskID,
		&parentTicketID,
		&position,
		&item.Status,
		&item.Priority,
		&agentID,
		&errorMessage,
		&item.CreatedAt,
		&startedAt,
		&completedAt,
	)
	if err != nil {
		return item, err
	}

	if queueID.Valid {
		item.QueueID = &queueID.Int64
	}
	if ticketID.Valid {
		item.TicketID = &ticketID.Int64
	}
	if taskID.Valid {
		item.TaskID = &taskID.Int64
	}
	if parentTicketID.Valid {
		item.ParentTicketID = &parentTicketID.Int64
	}
	if position.Valid {
		pos := int(position.Int32)
		item.Position = &pos
	}
	if agentID.Valid {
		item.AgentID = &agentID.String
	}
	if errorMessage.Valid {
		item.ErrorMessage = &errorMessage.String
	}
	if startedAt.Valid {
		item.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		item.CompletedAt = &completedAt.Time
	}

	return item, nil
}
