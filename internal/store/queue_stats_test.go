package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAggregateQueueStats_Empty(t *testing.T) {
	connStr := getTestDatabaseURL(t)
	db := setupTestDatabase(t, connStr)

	projectID := createTestProject(t, db, "stats-empty")
	queue := createTestQueue(t, db, projectID, "Empty", 1)

	stats, err := AggregateQueueStats(context.Background(), db, queue.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.TotalItems)
	assert.Nil(t, stats.AverageProcessingMs)
	assert.Empty(t, stats.CurrentAgents)
}

func TestAggregateQueueStats_CountsAndAverage(t *testing.T) {
	connStr := getTestDatabaseURL(t)
	db := setupTestDatabase(t, connStr)
	ctx := context.Background()

	projectID := createTestProject(t, db, "stats-counts")
	queue := createTestQueue(t, db, projectID, "Busy", 5)
	items := NewQueueItemStore(db)

	newItem := func() *QueueItem {
		ticketID := createTestTicket(t, db, projectID, "Ticket")
		item, err := items.Create(ctx, CreateItemInput{ProjectID: projectID, QueueID: &queue.ID, TicketID: &ticketID})
		require.NoError(t, err)
		return item
	}

	newItem() // stays queued

	started := time.Now().UTC().Add(-10 * time.Second)

	inProgress := newItem()
	agent := "finch-7"
	_, err := UpdateFields(ctx, db, inProgress.ID, UpdateItemFields{
		Status:    statusPtr(ItemStatusInProgress),
		AgentID:   &agent,
		StartedAt: &started,
	})
	require.NoError(t, err)

	// Two completed items, 2s and 4s of processing time each.
	for _, seconds := range []int{2, 4} {
		item := newItem()
		done := started.Add(time.Duration(seconds) * time.Second)
		_, err := UpdateFields(ctx, db, item.ID, UpdateItemFields{
			Status:      statusPtr(ItemStatusCompleted),
			StartedAt:   &started,
			CompletedAt: &done,
		})
		require.NoError(t, err)
	}

	failed := newItem()
	msg := "agent crashed"
	_, err = UpdateFields(ctx, db, failed.ID, UpdateItemFields{
		Status:       statusPtr(ItemStatusFailed),
		ErrorMessage: &msg,
	})
	require.NoError(t, err)

	stats, err := AggregateQueueStats(ctx, db, queue.ID)
	require.NoError(t, err)

	assert.Equal(t, 5, stats.TotalItems)
	assert.Equal(t, 1, stats.QueuedItems)
	assert.Equal(t, 1, stats.InProgressItems)
	assert.Equal(t, 2, stats.CompletedItems)
	assert.Equal(t, 1, stats.FailedItems)
	assert.Equal(t, 0, stats.CancelledItems)
	assert.Equal(t, 0, stats.TimeoutItems)

	require.NotNil(t, stats.AverageProcessingMs)
	assert.InDelta(t, 3000, *stats.AverageProcessingMs, 1)

	assert.Equal(t, []string{"finch-7"}, stats.CurrentAgents)
}

func statusPtr(status ItemStatus) *ItemStatus {
	return &status
}
