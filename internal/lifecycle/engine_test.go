package lifecycle

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finchboard/finchboard/internal/store"
)

const testDBURLKey = "FINCH_TEST_DATABASE_URL"

func setupEngineTest(t *testing.T) (*sql.DB, *Engine) {
	t.Helper()
	connStr := os.Getenv(testDBURLKey)
	if connStr == "" {
		t.Skipf("set %s to a dedicated test database", testDBURLKey)
	}

	db, err := sql.Open("postgres", connStr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	dir, err := filepath.Abs(filepath.Join("..", "..", "migrations"))
	require.NoError(t, err)

	m, err := migrate.New("file://"+dir, connStr)
	require.NoError(t, err)
	t.Cleanup(func() { _, _ = m.Close() })

	if err := m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		require.NoError(t, err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		require.NoError(t, err)
	}

	return db, NewEngine(db)
}

func seedProject(t *testing.T, db *sql.DB, name string) int64 {
	t.Helper()
	var id int64
	require.NoError(t, db.QueryRow(
		"INSERT INTO projects (name) VALUES ($1) RETURNING id", name).Scan(&id))
	return id
}

func seedTicket(t *testing.T, db *sql.DB, projectID int64, title string) int64 {
	t.Helper()
	var id int64
	require.NoError(t, db.QueryRow(
		"INSERT INTO tickets (project_id, title) VALUES ($1, $2) RETURNING id",
		projectID, title).Scan(&id))
	return id
}

func seedTask(t *testing.T, db *sql.DB, ticketID int64, title string) int64 {
	t.Helper()
	var id int64
	require.NoError(t, db.QueryRow(
		"INSERT INTO tasks (ticket_id, title) VALUES ($1, $2) RETURNING id",
		ticketID, title).Scan(&id))
	return id
}

func seedQueue(t *testing.T, db *sql.DB, projectID int64, name string, maxParallel int) *store.Queue {
	t.Helper()
	queue, err := store.NewQueueStore(db).Create(context.Background(), store.CreateQueueInput{
		ProjectID:        projectID,
		Name:             name,
		MaxParallelItems: maxParallel,
	})
	require.NoError(t, err)
	return queue
}

func queueItems(t *testing.T, db *sql.DB, queueID int64) []store.QueueItem {
	t.Helper()
	items, err := store.NewQueueItemStore(db).List(context.Background(), store.ItemFilter{QueueID: &queueID})
	require.NoError(t, err)
	return items
}

func startItem(t *testing.T, engine *Engine, itemID int64, agent string) *store.QueueItem {
	t.Helper()
	item, err := engine.UpdateStatus(context.Background(), UpdateStatusInput{
		ItemID:  itemID,
		Status:  store.ItemStatusInProgress,
		AgentID: &agent,
	})
	require.NoError(t, err)
	return item
}

func TestEngine_EnqueueTicket_WithTasks(t *testing.T) {
	db, engine := setupEngineTest(t)
	ctx := context.Background()

	projectID := seedProject(t, db, "enqueue-ticket")
	ticketID := seedTicket(t, db, projectID, "Ship the release")
	taskA := seedTask(t, db, ticketID, "Build")
	taskB := seedTask(t, db, ticketID, "Test")
	taskC := seedTask(t, db, ticketID, "Publish")
	queue := seedQueue(t, db, projectID, "Release", 1)

	created, err := engine.EnqueueTicket(ctx, ticketID, queue.ID, 2, true)
	require.NoError(t, err)
	require.Len(t, created, 4)

	// Ticket item leads at position 0, tasks follow contiguously.
	require.NotNil(t, created[0].TicketID)
	assert.Equal(t, ticketID, *created[0].TicketID)
	assert.Equal(t, taskA, *created[1].TaskID)
	assert.Equal(t, taskB, *created[2].TaskID)
	assert.Equal(t, taskC, *created[3].TaskID)
	for i, item := range created {
		require.NotNil(t, item.Position)
		assert.Equal(t, i, *item.Position)
		assert.Equal(t, queue.ID, *item.QueueID)
		assert.Equal(t, store.ItemStatusQueued, item.Status)
		assert.Equal(t, 2, item.Priority)
	}

	// Enqueueing again into the same queue adds nothing.
	again, err := engine.EnqueueTicket(ctx, ticketID, queue.ID, 2, true)
	require.NoError(t, err)
	assert.Len(t, again, 4)
	assert.Len(t, queueItems(t, db, queue.ID), 4)
}

func TestEngine_EnqueueTicket_SameQueueRefreshesPriority(t *testing.T) {
	db, engine := setupEngineTest(t)
	ctx := context.Background()

	projectID := seedProject(t, db, "enqueue-reprioritize")
	ticketID := seedTicket(t, db, projectID, "Bumped work")
	seedTask(t, db, ticketID, "Step one")
	queue := seedQueue(t, db, projectID, "Urgent", 1)

	created, err := engine.EnqueueTicket(ctx, ticketID, queue.ID, 2, true)
	require.NoError(t, err)
	require.Len(t, created, 2)

	// Re-enqueueing into the same queue applies the new priority to the
	// existing items, same as adopting them from the pool would.
	bumped, err := engine.EnqueueTicket(ctx, ticketID, queue.ID, 7, true)
	require.NoError(t, err)
	require.Len(t, bumped, 2)
	for i, item := range bumped {
		assert.Equal(t, created[i].ID, item.ID)
		assert.Equal(t, 7, item.Priority)
		assert.Equal(t, i, *item.Position)
	}
	assert.Len(t, queueItems(t, db, queue.ID), 2)
}

func TestEngine_EnqueueTicket_AdoptsPooledItem(t *testing.T) {
	db, engine := setupEngineTest(t)
	ctx := context.Background()

	projectID := seedProject(t, db, "enqueue-adopt")
	ticketID := seedTicket(t, db, projectID, "Pooled first")
	queue := seedQueue(t, db, projectID, "Target", 1)

	pooled, err := store.NewQueueItemStore(db).Create(ctx, store.CreateItemInput{
		ProjectID: projectID,
		TicketID:  &ticketID,
	})
	require.NoError(t, err)

	created, err := engine.EnqueueTicket(ctx, ticketID, queue.ID, 5, false)
	require.NoError(t, err)
	require.Len(t, created, 1)

	// Same item row, now placed and reprioritized.
	assert.Equal(t, pooled.ID, created[0].ID)
	require.NotNil(t, created[0].QueueID)
	assert.Equal(t, queue.ID, *created[0].QueueID)
	assert.Equal(t, 0, *created[0].Position)
	assert.Equal(t, 5, created[0].Priority)
}

func TestEngine_EnqueueTicket_ConflictAcrossQueues(t *testing.T) {
	db, engine := setupEngineTest(t)
	ctx := context.Background()

	projectID := seedProject(t, db, "enqueue-conflict")
	ticketID := seedTicket(t, db, projectID, "Contested")
	queueA := seedQueue(t, db, projectID, "A", 1)
	queueB := seedQueue(t, db, projectID, "B", 1)

	_, err := engine.EnqueueTicket(ctx, ticketID, queueA.ID, 0, false)
	require.NoError(t, err)

	_, err = engine.EnqueueTicket(ctx, ticketID, queueB.ID, 0, false)
	assert.ErrorIs(t, err, store.ErrConflict)
}

func TestEngine_EnqueueTicket_UnknownTicketOrQueue(t *testing.T) {
	db, engine := setupEngineTest(t)
	ctx := context.Background()

	projectID := seedProject(t, db, "enqueue-missing")
	ticketID := seedTicket(t, db, projectID, "Exists")
	queue := seedQueue(t, db, projectID, "Exists", 1)

	_, err := engine.EnqueueTicket(ctx, 999999, queue.ID, 0, false)
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = engine.EnqueueTicket(ctx, ticketID, 999999, 0, false)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestEngine_EnqueueTask_ParentElsewhereConflicts(t *testing.T) {
	db, engine := setupEngineTest(t)
	ctx := context.Background()

	projectID := seedProject(t, db, "enqueue-task")
	ticketID := seedTicket(t, db, projectID, "Parent")
	taskID := seedTask(t, db, ticketID, "Child")
	queueA := seedQueue(t, db, projectID, "A", 1)
	queueB := seedQueue(t, db, projectID, "B", 1)

	_, err := engine.EnqueueTicket(ctx, ticketID, queueA.ID, 0, false)
	require.NoError(t, err)

	_, err = engine.EnqueueTask(ctx, taskID, queueB.ID, 0)
	assert.ErrorIs(t, err, store.ErrConflict)

	// Same queue as the parent is allowed.
	item, err := engine.EnqueueTask(ctx, taskID, queueA.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, *item.Position)
	require.NotNil(t, item.ParentTicketID)
	assert.Equal(t, ticketID, *item.ParentTicketID)
}

func TestEngine_DequeueTicket_RoundTrip(t *testing.T) {
	db, engine := setupEngineTest(t)
	ctx := context.Background()

	projectID := seedProject(t, db, "dequeue-ticket")
	ticketID := seedTicket(t, db, projectID, "Round trip")
	seedTask(t, db, ticketID, "One")
	seedTask(t, db, ticketID, "Two")
	otherTicket := seedTicket(t, db, projectID, "Stays behind")
	queue := seedQueue(t, db, projectID, "Main", 1)

	_, err := engine.EnqueueTicket(ctx, ticketID, queue.ID, 0, true)
	require.NoError(t, err)
	stayed, err := engine.EnqueueTicket(ctx, otherTicket, queue.ID, 0, false)
	require.NoError(t, err)
	assert.Equal(t, 3, *stayed[0].Position)

	dequeued, err := engine.DequeueTicket(ctx, ticketID)
	require.NoError(t, err)
	require.Len(t, dequeued, 3)
	for _, item := range dequeued {
		assert.Nil(t, item.QueueID)
		assert.Nil(t, item.Position)
		assert.Equal(t, store.ItemStatusQueued, item.Status)
	}

	// The remaining item's position closed down to 0.
	remaining := queueItems(t, db, queue.ID)
	require.Len(t, remaining, 1)
	assert.Equal(t, otherTicket, *remaining[0].TicketID)
	assert.Equal(t, 0, *remaining[0].Position)

	// Dequeueing an unqueued ticket is a no-op, not an error.
	again, err := engine.DequeueTicket(ctx, ticketID)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestEngine_DequeueTicket_InProgressBlocks(t *testing.T) {
	db, engine := setupEngineTest(t)
	ctx := context.Background()

	projectID := seedProject(t, db, "dequeue-blocked")
	ticketID := seedTicket(t, db, projectID, "Busy")
	queue := seedQueue(t, db, projectID, "Main", 1)

	created, err := engine.EnqueueTicket(ctx, ticketID, queue.ID, 0, false)
	require.NoError(t, err)
	startItem(t, engine, created[0].ID, "finch-1")

	_, err = engine.DequeueTicket(ctx, ticketID)
	assert.ErrorIs(t, err, store.ErrConflict)
}

func TestEngine_DequeueTask(t *testing.T) {
	db, engine := setupEngineTest(t)
	ctx := context.Background()

	projectID := seedProject(t, db, "dequeue-task")
	ticketID := seedTicket(t, db, projectID, "Parent")
	taskID := seedTask(t, db, ticketID, "Child")
	queue := seedQueue(t, db, projectID, "Main", 1)

	_, err := engine.EnqueueTask(ctx, taskID, queue.ID, 0)
	require.NoError(t, err)

	dequeued, err := engine.DequeueTask(ctx, taskID)
	require.NoError(t, err)
	require.NotNil(t, dequeued)
	assert.Nil(t, dequeued.QueueID)

	// Not queued anymore; still a success.
	again, err := engine.DequeueTask(ctx, taskID)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Nil(t, again.QueueID)
}

func TestEngine_Reorder(t *testing.T) {
	db, engine := setupEngineTest(t)
	ctx := context.Background()

	projectID := seedProject(t, db, "reorder")
	queue := seedQueue(t, db, projectID, "Main", 1)

	var ids []int64
	for _, title := range []string{"a", "b", "c", "d", "e"} {
		ticketID := seedTicket(t, db, projectID, title)
		created, err := engine.EnqueueTicket(ctx, ticketID, queue.ID, 0, false)
		require.NoError(t, err)
		ids = append(ids, created[0].ID)
	}

	// Move the item at position 2 to the front; everything before it
	// shifts down by one, everything after stays put.
	moved, err := engine.Reorder(ctx, ids[2], 0)
	require.NoError(t, err)
	assert.Equal(t, 0, *moved.Position)

	items := queueItems(t, db, queue.ID)
	require.Len(t, items, 5)
	want := []int64{ids[2], ids[0], ids[1], ids[3], ids[4]}
	for i, item := range items {
		assert.Equal(t, want[i], item.ID)
		assert.Equal(t, i, *item.Position)
	}

	// Oversized target indexes clamp to the back.
	moved, err = engine.Reorder(ctx, ids[2], 99)
	require.NoError(t, err)
	assert.Equal(t, 4, *moved.Position)

	// Unqueued items cannot be reordered.
	pooledTicket := seedTicket(t, db, projectID, "pooled")
	pooled, err := store.NewQueueItemStore(db).Create(ctx, store.CreateItemInput{
		ProjectID: projectID,
		TicketID:  &pooledTicket,
	})
	require.NoError(t, err)
	_, err = engine.Reorder(ctx, pooled.ID, 0)
	assert.ErrorIs(t, err, store.ErrConflict)
}

func TestEngine_MoveItem_GroupAcrossQueues(t *testing.T) {
	db, engine := setupEngineTest(t)
	ctx := context.Background()

	projectID := seedProject(t, db, "move-group")
	ticketID := seedTicket(t, db, projectID, "Travels")
	seedTask(t, db, ticketID, "One")
	seedTask(t, db, ticketID, "Two")
	source := seedQueue(t, db, projectID, "Source", 1)
	target := seedQueue(t, db, projectID, "Target", 1)

	occupant := seedTicket(t, db, projectID, "Occupant")
	_, err := engine.EnqueueTicket(ctx, occupant, target.ID, 0, false)
	require.NoError(t, err)

	created, err := engine.EnqueueTicket(ctx, ticketID, source.ID, 0, true)
	require.NoError(t, err)

	// Insert the three-item group at the front of the target queue.
	front := 0
	moved, err := engine.MoveItem(ctx, MoveItemInput{
		ItemID:        created[0].ID,
		TargetQueueID: target.ID,
		TargetIndex:   &front,
	})
	require.NoError(t, err)
	require.Len(t, moved, 3)

	assert.Empty(t, queueItems(t, db, source.ID))

	items := queueItems(t, db, target.ID)
	require.Len(t, items, 4)
	assert.Equal(t, ticketID, *items[0].TicketID)
	require.NotNil(t, items[1].TaskID)
	require.NotNil(t, items[2].TaskID)
	assert.Equal(t, occupant, *items[3].TicketID)
	for i, item := range items {
		assert.Equal(t, i, *item.Position)
	}
}

func TestEngine_MoveItem_AppendAndPriority(t *testing.T) {
	db, engine := setupEngineTest(t)
	ctx := context.Background()

	projectID := seedProject(t, db, "move-append")
	source := seedQueue(t, db, projectID, "Source", 1)
	target := seedQueue(t, db, projectID, "Target", 1)

	seedInto := func(queueID int64, titles ...string) []int64 {
		var out []int64
		for _, title := range titles {
			ticketID := seedTicket(t, db, projectID, title)
			created, err := engine.EnqueueTicket(ctx, ticketID, queueID, 1, false)
			require.NoError(t, err)
			out = append(out, created[0].ID)
		}
		return out
	}

	sourceIDs := seedInto(source.ID, "a", "b", "c")
	targetIDs := seedInto(target.ID, "x", "y")

	// Move the middle source item; no target index means append.
	priority := 9
	moved, err := engine.MoveItem(ctx, MoveItemInput{
		ItemID:        sourceIDs[1],
		TargetQueueID: target.ID,
		Priority:      &priority,
	})
	require.NoError(t, err)
	require.Len(t, moved, 1)
	assert.Equal(t, target.ID, *moved[0].QueueID)
	assert.Equal(t, 2, *moved[0].Position)
	assert.Equal(t, 9, moved[0].Priority)

	// Source closed its gap; target grew contiguously at the back.
	remaining := queueItems(t, db, source.ID)
	require.Len(t, remaining, 2)
	assert.Equal(t, sourceIDs[0], remaining[0].ID)
	assert.Equal(t, 0, *remaining[0].Position)
	assert.Equal(t, sourceIDs[2], remaining[1].ID)
	assert.Equal(t, 1, *remaining[1].Position)

	grown := queueItems(t, db, target.ID)
	require.Len(t, grown, 3)
	assert.Equal(t, []int64{targetIDs[0], targetIDs[1], sourceIDs[1]},
		[]int64{grown[0].ID, grown[1].ID, grown[2].ID})
}

func TestEngine_MoveItem_InProgressBlocks(t *testing.T) {
	db, engine := setupEngineTest(t)
	ctx := context.Background()

	projectID := seedProject(t, db, "move-blocked")
	ticketID := seedTicket(t, db, projectID, "Busy")
	source := seedQueue(t, db, projectID, "Source", 1)
	target := seedQueue(t, db, projectID, "Target", 1)

	created, err := engine.EnqueueTicket(ctx, ticketID, source.ID, 0, false)
	require.NoError(t, err)
	startItem(t, engine, created[0].ID, "finch-1")

	_, err = engine.MoveItem(ctx, MoveItemInput{ItemID: created[0].ID, TargetQueueID: target.ID})
	assert.ErrorIs(t, err, store.ErrConflict)
}

func TestEngine_MoveItem_PooledTicketWithQueuedTask(t *testing.T) {
	db, engine := setupEngineTest(t)
	ctx := context.Background()

	projectID := seedProject(t, db, "move-pooled")
	ticketID := seedTicket(t, db, projectID, "Parked parent")
	taskID := seedTask(t, db, ticketID, "Picked up early")
	queueA := seedQueue(t, db, projectID, "A", 1)
	queueB := seedQueue(t, db, projectID, "B", 1)

	created, err := engine.EnqueueTicket(ctx, ticketID, queueA.ID, 0, true)
	require.NoError(t, err)
	require.Len(t, created, 2)
	ticketItemID := created[0].ID

	// Park the whole group, then queue just the task elsewhere. The
	// ticket item stays in the pool with no queue of its own.
	_, err = engine.DequeueTicket(ctx, ticketID)
	require.NoError(t, err)
	taskItem, err := engine.EnqueueTask(ctx, taskID, queueB.ID, 0)
	require.NoError(t, err)

	// Moving the pooled ticket item must not drag the task along or trip
	// over the missing source queue.
	moved, err := engine.MoveItem(ctx, MoveItemInput{
		ItemID:        ticketItemID,
		TargetQueueID: queueA.ID,
	})
	require.NoError(t, err)
	require.Len(t, moved, 1)
	assert.Equal(t, ticketItemID, moved[0].ID)
	require.NotNil(t, moved[0].QueueID)
	assert.Equal(t, queueA.ID, *moved[0].QueueID)
	assert.Equal(t, 0, *moved[0].Position)

	unchanged := queueItems(t, db, queueB.ID)
	require.Len(t, unchanged, 1)
	assert.Equal(t, taskItem.ID, unchanged[0].ID)
	assert.Equal(t, 0, *unchanged[0].Position)
}

func TestEngine_UpdateStatus_HappyPath(t *testing.T) {
	db, engine := setupEngineTest(t)
	ctx := context.Background()

	projectID := seedProject(t, db, "status-happy")
	ticketID := seedTicket(t, db, projectID, "Processed")
	queue := seedQueue(t, db, projectID, "Main", 1)

	created, err := engine.EnqueueTicket(ctx, ticketID, queue.ID, 0, false)
	require.NoError(t, err)

	inProgress := startItem(t, engine, created[0].ID, "finch-1")
	assert.Equal(t, store.ItemStatusInProgress, inProgress.Status)
	require.NotNil(t, inProgress.StartedAt)
	require.NotNil(t, inProgress.AgentID)
	assert.Equal(t, "finch-1", *inProgress.AgentID)

	done, err := engine.UpdateStatus(ctx, UpdateStatusInput{
		ItemID: created[0].ID,
		Status: store.ItemStatusCompleted,
	})
	require.NoError(t, err)
	assert.Equal(t, store.ItemStatusCompleted, done.Status)
	require.NotNil(t, done.CompletedAt)
}

func TestEngine_UpdateStatus_FailureRecordsError(t *testing.T) {
	db, engine := setupEngineTest(t)
	ctx := context.Background()

	projectID := seedProject(t, db, "status-failed")
	ticketID := seedTicket(t, db, projectID, "Doomed")
	queue := seedQueue(t, db, projectID, "Main", 1)

	created, err := engine.EnqueueTicket(ctx, ticketID, queue.ID, 0, false)
	require.NoError(t, err)
	startItem(t, engine, created[0].ID, "finch-1")

	msg := "agent ran out of context"
	failed, err := engine.UpdateStatus(ctx, UpdateStatusInput{
		ItemID:       created[0].ID,
		Status:       store.ItemStatusFailed,
		ErrorMessage: &msg,
	})
	require.NoError(t, err)
	assert.Equal(t, store.ItemStatusFailed, failed.Status)
	require.NotNil(t, failed.ErrorMessage)
	assert.Equal(t, msg, *failed.ErrorMessage)
	require.NotNil(t, failed.CompletedAt)
}

func TestEngine_UpdateStatus_CapacityCap(t *testing.T) {
	db, engine := setupEngineTest(t)
	ctx := context.Background()

	projectID := seedProject(t, db, "status-capacity")
	queue := seedQueue(t, db, projectID, "Narrow", 2)

	var items []store.QueueItem
	for _, title := range []string{"a", "b", "c"} {
		ticketID := seedTicket(t, db, projectID, title)
		created, err := engine.EnqueueTicket(ctx, ticketID, queue.ID, 0, false)
		require.NoError(t, err)
		items = append(items, created[0])
	}

	startItem(t, engine, items[0].ID, "finch-1")
	startItem(t, engine, items[1].ID, "finch-2")

	_, err := engine.UpdateStatus(ctx, UpdateStatusInput{
		ItemID: items[2].ID,
		Status: store.ItemStatusInProgress,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCapacityExceeded)
	var capacity CapacityExceededError
	require.ErrorAs(t, err, &capacity)
	assert.Equal(t, queue.ID, capacity.QueueID)
	assert.Equal(t, 2, capacity.MaxParallel)

	// Finishing one item frees a slot.
	_, err = engine.UpdateStatus(ctx, UpdateStatusInput{ItemID: items[0].ID, Status: store.ItemStatusCompleted})
	require.NoError(t, err)
	startItem(t, engine, items[2].ID, "finch-3")
}

func TestEngine_UpdateStatus_SerialQueueAllowsOneAtATime(t *testing.T) {
	db, engine := setupEngineTest(t)
	ctx := context.Background()

	projectID := seedProject(t, db, "status-serial")
	queue := seedQueue(t, db, projectID, "Main", 1)

	first, err := engine.EnqueueTicket(ctx, seedTicket(t, db, projectID, "first"), queue.ID, 5, false)
	require.NoError(t, err)
	second, err := engine.EnqueueTicket(ctx, seedTicket(t, db, projectID, "second"), queue.ID, 5, false)
	require.NoError(t, err)

	startItem(t, engine, first[0].ID, "finch-1")

	_, err = engine.UpdateStatus(ctx, UpdateStatusInput{
		ItemID: second[0].ID,
		Status: store.ItemStatusInProgress,
	})
	assert.ErrorIs(t, err, ErrCapacityExceeded)
}

func TestEngine_UpdateStatus_PausedQueueBlocksStart(t *testing.T) {
	db, engine := setupEngineTest(t)
	ctx := context.Background()

	projectID := seedProject(t, db, "status-paused")
	ticketID := seedTicket(t, db, projectID, "Waiting")
	queue := seedQueue(t, db, projectID, "Pausable", 1)

	created, err := engine.EnqueueTicket(ctx, ticketID, queue.ID, 0, false)
	require.NoError(t, err)

	_, err = store.NewQueueStore(db).SetStatus(ctx, queue.ID, "paused")
	require.NoError(t, err)

	_, err = engine.UpdateStatus(ctx, UpdateStatusInput{
		ItemID: created[0].ID,
		Status: store.ItemStatusInProgress,
	})
	assert.ErrorIs(t, err, store.ErrConflict)

	// Cancelling while paused still works; pause only gates starts.
	cancelled, err := engine.UpdateStatus(ctx, UpdateStatusInput{
		ItemID: created[0].ID,
		Status: store.ItemStatusCancelled,
	})
	require.NoError(t, err)
	assert.Equal(t, store.ItemStatusCancelled, cancelled.Status)
}

func TestEngine_UpdateStatus_UnqueuedCannotStart(t *testing.T) {
	db, engine := setupEngineTest(t)
	ctx := context.Background()

	projectID := seedProject(t, db, "status-pooled")
	ticketID := seedTicket(t, db, projectID, "Pooled")

	pooled, err := store.NewQueueItemStore(db).Create(ctx, store.CreateItemInput{
		ProjectID: projectID,
		TicketID:  &ticketID,
	})
	require.NoError(t, err)

	_, err = engine.UpdateStatus(ctx, UpdateStatusInput{
		ItemID: pooled.ID,
		Status: store.ItemStatusInProgress,
	})
	assert.ErrorIs(t, err, store.ErrConflict)
}

func TestEngine_UpdateStatus_InvalidAndIdempotentCancel(t *testing.T) {
	db, engine := setupEngineTest(t)
	ctx := context.Background()

	projectID := seedProject(t, db, "status-invalid")
	ticketID := seedTicket(t, db, projectID, "Shortcut")
	queue := seedQueue(t, db, projectID, "Main", 1)

	created, err := engine.EnqueueTicket(ctx, ticketID, queue.ID, 0, false)
	require.NoError(t, err)

	// queued -> completed skips in_progress.
	_, err = engine.UpdateStatus(ctx, UpdateStatusInput{
		ItemID: created[0].ID,
		Status: store.ItemStatusCompleted,
	})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = engine.UpdateStatus(ctx, UpdateStatusInput{
		ItemID: created[0].ID,
		Status: "sideways",
	})
	assert.ErrorIs(t, err, ErrUnknownStatus)

	cancelled, err := engine.UpdateStatus(ctx, UpdateStatusInput{
		ItemID: created[0].ID,
		Status: store.ItemStatusCancelled,
	})
	require.NoError(t, err)
	assert.Equal(t, store.ItemStatusCancelled, cancelled.Status)

	// Cancelling a terminal item again is a quiet no-op.
	again, err := engine.UpdateStatus(ctx, UpdateStatusInput{
		ItemID: created[0].ID,
		Status: store.ItemStatusCancelled,
	})
	require.NoError(t, err)
	assert.Equal(t, store.ItemStatusCancelled, again.Status)
}

func TestEngine_Retry(t *testing.T) {
	db, engine := setupEngineTest(t)
	ctx := context.Background()

	projectID := seedProject(t, db, "retry")
	queue := seedQueue(t, db, projectID, "Main", 1)

	failingTicket := seedTicket(t, db, projectID, "Fails first")
	waitingTicket := seedTicket(t, db, projectID, "Waits")

	failing, err := engine.EnqueueTicket(ctx, failingTicket, queue.ID, 0, false)
	require.NoError(t, err)
	waiting, err := engine.EnqueueTicket(ctx, waitingTicket, queue.ID, 0, false)
	require.NoError(t, err)

	startItem(t, engine, failing[0].ID, "finch-1")
	msg := "flaky network"
	_, err = engine.UpdateStatus(ctx, UpdateStatusInput{
		ItemID:       failing[0].ID,
		Status:       store.ItemStatusFailed,
		ErrorMessage: &msg,
	})
	require.NoError(t, err)

	retried, err := engine.Retry(ctx, failing[0].ID)
	require.NoError(t, err)

	assert.Equal(t, store.ItemStatusQueued, retried.Status)
	assert.Nil(t, retried.AgentID)
	assert.Nil(t, retried.ErrorMessage)
	assert.Nil(t, retried.StartedAt)
	assert.Nil(t, retried.CompletedAt)

	// The retried item goes to the back; the waiting item moves up.
	items := queueItems(t, db, queue.ID)
	require.Len(t, items, 2)
	assert.Equal(t, waiting[0].ID, items[0].ID)
	assert.Equal(t, 0, *items[0].Position)
	assert.Equal(t, failing[0].ID, items[1].ID)
	assert.Equal(t, 1, *items[1].Position)

	// Only terminal failure states are retryable.
	_, err = engine.Retry(ctx, failing[0].ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestEngine_BatchUpdateStatus(t *testing.T) {
	db, engine := setupEngineTest(t)
	ctx := context.Background()

	projectID := seedProject(t, db, "batch")
	queue := seedQueue(t, db, projectID, "Main", 2)

	okTicket := seedTicket(t, db, projectID, "Fine")
	badTicket := seedTicket(t, db, projectID, "Refused")

	ok, err := engine.EnqueueTicket(ctx, okTicket, queue.ID, 0, false)
	require.NoError(t, err)
	bad, err := engine.EnqueueTicket(ctx, badTicket, queue.ID, 0, false)
	require.NoError(t, err)

	agent := "finch-1"
	results := engine.BatchUpdateStatus(ctx, []UpdateStatusInput{
		{ItemID: ok[0].ID, Status: store.ItemStatusInProgress, AgentID: &agent},
		{ItemID: bad[0].ID, Status: store.ItemStatusCompleted},
		{ItemID: 999999, Status: store.ItemStatusCancelled},
	})
	require.Len(t, results, 3)

	assert.NoError(t, results[0].Err)
	require.NotNil(t, results[0].Item)
	assert.Equal(t, store.ItemStatusInProgress, results[0].Item.Status)

	assert.ErrorIs(t, results[1].Err, ErrInvalidTransition)
	assert.ErrorIs(t, results[2].Err, store.ErrNotFound)

	// The failing entries did not poison the successful one.
	item, err := store.NewQueueItemStore(db).GetByID(ctx, ok[0].ID)
	require.NoError(t, err)
	assert.Equal(t, store.ItemStatusInProgress, item.Status)
}
