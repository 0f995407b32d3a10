package store

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
	"github.com/stretchr/testify/require"
)

const testDBURLKey = "FINCH_TEST_DATABASE_URL"

func getTestDatabaseURL(t *testing.T) string {
	t.Helper()
	connStr := os.Getenv(testDBURLKey)
	if connStr == "" {
		t.Skipf("set %s to a dedicated test database", testDBURLKey)
	}
	return connStr
}

func getMigrationsDir(t *testing.T) string {
	t.Helper()
	dir, err := filepath.Abs(filepath.Join("..", "..", "migrations"))
	require.NoError(t, err)
	return dir
}

func setupTestDatabase(t *testing.T, connStr string) *sql.DB {
	t.Helper()
	db, err := sql.Open("postgres", connStr)
	require.NoError(t, err)

	m, err := migrate.New("file://"+getMigrationsDir(t), connStr)
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = m.Close()
	})

	err = m.Down()
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		require.NoError(t, err)
	}

	err = m.Up()
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		require.NoError(t, err)
	}

	t.Cleanup(func() {
		_ = db.Close()
	})

	return db
}

func createTestProject(t *testing.T, db *sql.DB, name string) int64 {
	t.Helper()
	var id int64
	err := db.QueryRow(
		"INSERT INTO projects (name) VALUES ($1) RETURNING id", name).Scan(&id)
	require.NoError(t, err)
	return id
}

func createTestTicket(t *testing.T, db *sql.DB, projectID int64, title string) int64 {
	t.Helper()
	var id int64
	err := db.QueryRow(
		"INSERT INTO tickets (project_id, title) VALUES ($1, $2) RETURNING id",
		projectID, title).Scan(&id)
	require.NoError(t, err)
	return id
}

func createTestTask(t *testing.T, db *sql.DB, ticketID int64, title string) int64 {
	t.Helper()
	var id int64
	err := db.QueryRow(
		"INSERT INTO tasks (ticket_id, title) VALUES ($1, $2) RETURNING id",
		ticketID, title).Scan(&id)
	require.NoError(t, err)
	return id
}

func createTestQueue(t *testing.T, db *sql.DB, projectID int64, name string, maxParallel int) *Queue {
	t.Helper()
	queue, err := NewQueueStore(db).Create(context.Background(), CreateQueueInput{
		ProjectID:        projectID,
		Name:             name,
		MaxParallelItems: maxParallel,
	})
	require.NoError(t, err)
	return queue
}
