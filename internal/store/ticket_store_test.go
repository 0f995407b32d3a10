package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTicketStore_GetTicket(t *testing.T) {
	connStr := getTestDatabaseURL(t)
	db := setupTestDatabase(t, connStr)
	ctx := context.Background()

	projectID := createTestProject(t, db, "ticket-get")
	ticketID := createTestTicket(t, db, projectID, "Fix the flaky importer")

	store := NewTicketStore(db)

	ticket, err := store.GetTicket(ctx, ticketID)
	require.NoError(t, err)
	assert.Equal(t, ticketID, ticket.ID)
	assert.Equal(t, projectID, ticket.ProjectID)
	assert.Equal(t, "Fix the flaky importer", ticket.Title)

	_, err = store.GetTicket(ctx, 999999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTicketStore_GetTask(t *testing.T) {
	connStr := getTestDatabaseURL(t)
	db := setupTestDatabase(t, connStr)
	ctx := context.Background()

	projectID := createTestProject(t, db, "task-get")
	ticketID := createTestTicket(t, db, projectID, "Parent")
	taskID := createTestTask(t, db, ticketID, "Write the parser")

	store := NewTicketStore(db)

	task, err := store.GetTask(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, taskID, task.ID)
	assert.Equal(t, ticketID, task.TicketID)

	_, err = store.GetTask(ctx, 999999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTicketStore_GetTasksForTicket(t *testing.T) {
	connStr := getTestDatabaseURL(t)
	db := setupTestDatabase(t, connStr)
	ctx := context.Background()

	projectID := createTestProject(t, db, "task-list")
	ticketID := createTestTicket(t, db, projectID, "Parent")
	otherTicket := createTestTicket(t, db, projectID, "Other")

	first := createTestTask(t, db, ticketID, "First")
	second := createTestTask(t, db, ticketID, "Second")
	createTestTask(t, db, otherTicket, "Unrelated")

	tasks, err := NewTicketStore(db).GetTasksForTicket(ctx, ticketID)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, first, tasks[0].ID)
	assert.Equal(t, second, tasks[1].ID)

	none, err := NewTicketStore(db).GetTasksForTicket(ctx, 999999)
	require.NoError(t, err)
	assert.Empty(t, none)
}
