package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/finchboard/finchboard/internal/models"
)

// Queue represents a named, capacity-bounded ordered collection of work
// items belonging to a project.
type Queue struct {
	ID               int64     `json:"id"`
	ProjectID        int64     `json:"project_id"`
	Name             string    `json:"name"`
	Description      *string   `json:"description,omitempty"`
	Status           string    `json:"status"`
	MaxParallelItems int       `json:"max_parallel_items"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// QueueStore provides access to queue definitions.
type QueueStore struct {
	db *sql.DB
}

// NewQueueStore creates a new QueueStore with the given database connection.
func NewQueueStore(db *sql.DB) *QueueStore {
	return &QueueStore{db: db}
}

const queueSelectColumns = "id, project_id, name, description, status, max_parallel_items, created_at, updated_at"

// CreateQueueInput defines the input for creating a new queue.
type CreateQueueInput struct {
	ProjectID        int64
	Name             string
	Description      *string
	MaxParallelItems int
}

// Create creates a new queue. MaxParallelItems defaults to 1 when zero.
func (s *QueueStore) Create(ctx context.Context, input CreateQueueInput) (*Queue, error) {
	if strings.TrimSpace(input.Name) == "" {
		return nil, ValidationError{Field: "name", Reason: "must not be empty"}
	}
	if input.MaxParallelItems == 0 {
		input.MaxParallelItems = 1
	}
	if input.MaxParallelItems < 1 {
		return nil, ValidationError{Field: "max_parallel_items", Reason: "must be at least 1"}
	}

	query := `INSERT INTO queues (project_id, name, description, status, max_parallel_items)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING ` + queueSelectColumns

	queue, err := scanQueue(s.db.QueryRowContext(ctx, query,
		input.ProjectID,
		strings.TrimSpace(input.Name),
		nullableString(input.Description),
		models.QueueStatusActive,
		input.MaxParallelItems,
	))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ValidationError{Field: "name", Reason: "must be unique within project"}
		}
		return nil, fmt.Errorf("failed to create queue: %w", err)
	}

	return &queue, nil
}

// GetByID retrieves a queue by ID.
func (s *QueueStore) GetByID(ctx context.Context, id int64) (*Queue, error) {
	query := "SELECT " + queueSelectColumns + " FROM queues WHERE id = $1"
	queue, err := scanQueue(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get queue: %w", err)
	}
	return &queue, nil
}

// List retrieves all queues in a project ordered by creation time.
func (s *QueueStore) List(ctx context.Context, projectID int64) ([]Queue, error) {
	query := "SELECT " + queueSelectColumns + " FROM queues WHERE project_id = $1 ORDER BY created_at, id"
	rows, err := s.db.QueryContext(ctx, query, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list queues: %w", err)
	}
	defer rows.Close()

	queues := make([]Queue, 0)
	for rows.Next() {
		queue, err := scanQueue(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan queue: %w", err)
		}
		queues = append(queues, queue)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error reading queues: %w", err)
	}

	return queues, nil
}

// UpdateQueueInput defines a partial update to a queue. Nil fields are left
// unchanged.
type UpdateQueueInput struct {
	Name             *string
	Description      *string
	MaxParallelItems *int
	Status           *string
}

// Update applies a partial update to a queue.
func (s *QueueStore) Update(ctx context.Context, id int64, input UpdateQueueInput) (*Queue, error) {
	sets := []string{"updated_at = NOW()"}
	args := []interface{}{}

	if input.Name != nil {
		if strings.TrimSpace(*input.Name) == "" {
			return nil, ValidationError{Field: "name", Reason: "must not be empty"}
		}
		args = append(args, strings.TrimSpace(*input.Name))
		sets = append(sets, fmt.Sprintf("name = $%d", len(args)))
	}
	if input.Description != nil {
		args = append(args, nullableString(input.Description))
		sets = append(sets, fmt.Sprintf("description = $%d", len(args)))
	}
	if input.MaxParallelItems != nil {
		if *input.MaxParallelItems < 1 {
			return nil, ValidationError{Field: "max_parallel_items", Reason: "must be at least 1"}
		}
		args = append(args, *input.MaxParallelItems)
		sets = append(sets, fmt.Sprintf("max_parallel_items = $%d", len(args)))
	}
	if input.Status != nil {
		if *input.Status != models.QueueStatusActive && *input.Status != models.QueueStatusPaused {
			return nil, ValidationError{Field: "status", Reason: "must be active or paused"}
		}
		args = append(args, *input.Status)
		sets = append(sets, fmt.Sprintf("status = $%d", len(args)))
	}

	args = append(args, id)
	query := fmt.Sprintf("UPDATE queues SET %s WHERE id = $%d RETURNING %s",
		strings.Join(sets, ", "), len(args), queueSelectColumns)

	queue, err := scanQueue(s.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		if isUniqueViolation(err) {
			return nil, ValidationError{Field: "name", Reason: "must be unique within project"}
		}
		return nil, fmt.Errorf("failed to update queue: %w", err)
	}

	return &queue, nil
}

// SetStatus pauses or resumes a queue. Pausing blocks new in_progress
// transitions but does not affect enqueue, dequeue, or reorder.
func (s *QueueStore) SetStatus(ctx context.Context, id int64, status string) (*Queue, error) {
	return s.Update(ctx, id, UpdateQueueInput{Status: &status})
}

// Delete removes a queue. Without cascade, deletion fails with ErrConflict
// while any items remain assigned. With cascade, queued items return to the
// unqueued pool and finished items are removed with the queue, as one
// transaction. An in-progress item blocks deletion either way; the pool
// only holds items waiting to run.
func (s *QueueStore) Delete(ctx context.Context, id int64, cascade bool) error {
	return InTx(ctx, s.db, func(tx *sql.Tx) error {
		var remaining int
		err := tx.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM queue_items WHERE queue_id = $1", id).Scan(&remaining)
		if err != nil {
			return fmt.Errorf("failed to count queue items: %w", err)
		}

		if remaining > 0 {
			if !cascade {
				return fmt.Errorf("%w: queue has %d assigned items", ErrConflict, remaining)
			}

			var active int
			err = tx.QueryRowContext(ctx,
				"SELECT COUNT(*) FROM queue_items WHERE queue_id = $1 AND status = $2",
				id, ItemStatusInProgress).Scan(&active)
			if err != nil {
				return fmt.Errorf("failed to count in-progress items: %w", err)
			}
			if active > 0 {
				return fmt.Errorf("%w: queue has %d items in progress", ErrConflict, active)
			}

			_, err = tx.ExecContext(ctx,
				"UPDATE queue_items SET queue_id = NULL, position = NULL WHERE queue_id = $1 AND status = $2",
				id, ItemStatusQueued)
			if err != nil {
				return fmt.Errorf("failed to unqueue items: %w", err)
			}
			_, err = tx.ExecContext(ctx,
				"DELETE FROM queue_items WHERE queue_id = $1", id)
			if err != nil {
				return fmt.Errorf("failed to remove finished items: %w", err)
			}
		}

		result, err := tx.ExecContext(ctx, "DELETE FROM queues WHERE id = $1", id)
		if err != nil {
			return fmt.Errorf("failed to delete queue: %w", err)
		}
		rowsAffected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to check delete result: %w", err)
		}
		if rowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// QueueWithStats pairs a queue with its derived statistics.
type QueueWithStats struct {
	Queue Queue      `json:"queue"`
	Stats QueueStats `json:"stats"`
}

// ListWithStats retrieves all queues in a project together with statistics
// recomputed from the current queue item records.
func (s *QueueStore) ListWithStats(ctx context.Context, projectID int64) ([]QueueWithStats, error) {
	queues, err := s.List(ctx, projectID)
	if err != nil {
		return nil, err
	}

	out := make([]QueueWithStats, 0, len(queues))
	for _, queue := range queues {
		stats, err := AggregateQueueStats(ctx, s.db, queue.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, QueueWithStats{Queue: queue, Stats: *stats})
	}

	return out, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func scanQueue(scanner interface{ Scan(...any) error }) (Queue, error) {
	var queue Queue
	var description sql.NullString

	err := scanner.Scan(
		&queue.ID,
		&queue.ProjectID,
		&queue.Name,
		&description,
		&queue.Status,
		&queue.MaxParallelItems,
		&queue.CreatedAt,
		&queue.UpdatedAt,
	)
	if err != nil {
		return queue, err
	}

	if description.Valid {
		queue.Description = &description.String
	}

	return queue, nil
}
