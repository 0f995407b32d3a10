package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/finchboard/finchboard/internal/models"
)

// TicketStore provides read-only lookups into the ticket/task domain. The
// queue core resolves ticket references and discovers task sets through it
// but never mutates ticket or task content.
type TicketStore struct {
	db *sql.DB
}

// NewTicketStore creates a new TicketStore with the given database
// connection.
func NewTicketStore(db *sql.DB) *TicketStore {
	return &TicketStore{db: db}
}

// GetTicket retrieves a ticket by ID.
func (s *TicketStore) GetTicket(ctx context.Context, id int64) (*models.Ticket, error) {
	var ticket models.Ticket
	err := s.db.QueryRowContext(ctx,
		"SELECT id, project_id, title, created_at FROM tickets WHERE id = $1", id).
		Scan(&ticket.ID, &ticket.ProjectID, &ticket.Title, &ticket.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get ticket: %w", err)
	}
	return &ticket, nil
}

// GetTask retrieves a task by ID.
func (s *TicketStore) GetTask(ctx context.Context, id int64) (*models.Task, error) {
	var task models.Task
	err := s.db.QueryRowContext(ctx,
		"SELECT id, ticket_id, title, created_at FROM tasks WHERE id = $1", id).
		Scan(&task.ID, &task.TicketID, &task.Title, &task.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return &task, nil
}

// GetTasksForTicket retrieves a ticket's tasks in creation order. Used to
// discover the task set on bulk enqueue and dequeue.
func (s *TicketStore) GetTasksForTicket(ctx context.Context, ticketID int64) ([]models.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, ticket_id, title, created_at FROM tasks WHERE ticket_id = $1 ORDER BY created_at, id",
		ticketID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	tasks := make([]models.Task, 0)
	for rows.Next() {
		var task models.Task
		if err := rows.Scan(&task.ID, &task.TicketID, &task.Title, &task.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error reading tasks: %w", err)
	}

	return tasks, nil
}
