// Package models defines shared domain models for Finchboard.
//
// Note: The queue and queue-item definitions live in the store package
// alongside their data access methods. This package provides the types the
// queue core reads but does not own.
package models

import "time"

// Project represents a board that owns queues and tickets.
type Project struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Ticket represents a board ticket. The queue core only reads tickets; it
// never mutates their content.
type Ticket struct {
	ID        int64     `json:"id"`
	ProjectID int64     `json:"project_id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
}

// Task represents a task belonging to a ticket.
type Task struct {
	ID        int64     `json:"id"`
	TicketID  int64     `json:"ticket_id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
}

// Queue status constants.
const (
	QueueStatusActive = "active"
	QueueStatusPaused = "paused"
)
