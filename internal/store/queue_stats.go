package store

import (
	"context"
	"fmt"
)

// QueueStats holds per-queue statistics derived from the queue item records.
// Stats are recomputed on every read; nothing here is stored.
type QueueStats struct {
	TotalItems      int `json:"total_items"`
	QueuedItems     int `json:"queued_items"`
	InProgressItems int `json:"in_progress_items"`
	CompletedItems  int `json:"completed_items"`
	FailedItems     int `json:"failed_items"`
	CancelledItems  int `json:"cancelled_items"`
	TimeoutItems    int `json:"timeout_items"`
	// AverageProcessingMs is the mean of (completed_at - started_at) across
	// completed items with both timestamps set. Nil when no such items exist.
	AverageProcessingMs *float64 `json:"average_processing_ms,omitempty"`
	// CurrentAgents lists distinct non-null agent IDs among in_progress items.
	CurrentAgents []string `json:"current_agents"`
}

const queueStatsSQL = `
SELECT
	COUNT(*),
	COUNT(*) FILTER (WHERE status = 'queued'),
	COUNT(*) FILTER (WHERE status = 'in_progress'),
	COUNT(*) FILTER (WHERE status = 'completed'),
	COUNT(*) FILTER (WHERE status = 'failed'),
	COUNT(*) FILTER (WHERE status = 'cancelled'),
	COUNT(*) FILTER (WHERE status = 'timeout'),
	AVG(EXTRACT(EPOCH FROM (completed_at - started_at)) * 1000)
		FILTER (WHERE status = 'completed' AND started_at IS NOT NULL AND completed_at IS NOT NULL)
FROM queue_items
WHERE queue_id = $1
`

const queueAgentsSQL = `
SELECT DISTINCT agent_id
FROM queue_items
WHERE queue_id = $1 AND status = 'in_progress' AND agent_id IS NOT NULL
ORDER BY agent_id
`

// AggregateQueueStats computes statistics for one queue in a single pass
// over its items. This is the only aggregation path; every read surface
// (queue listings, dashboards) goes through it.
func AggregateQueueStats(ctx context.Context, q Querier, queueID int64) (*QueueStats, error) {
	var stats QueueStats
	var avgMs *float64

	err := q.QueryRowContext(ctx, queueStatsSQL, queueID).Scan(
		&stats.TotalItems,
		&stats.QueuedItems,
		&stats.InProgressItems,
		&stats.CompletedItems,
		&stats.FailedItems,
		&stats.CancelledItems,
		&stats.TimeoutItems,
		&avgMs,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate queue stats: %w", err)
	}
	stats.AverageProcessingMs = avgMs

	rows, err := q.QueryContext(ctx, queueAgentsSQL, queueID)
	if err != nil {
		return nil, fmt.Errorf("failed to list current agents: %w", err)
	}
	defer rows.Close()

	stats.CurrentAgents = make([]string, 0)
	for rows.Next() {
		var agent string
		if err := rows.Scan(&agent); err != nil {
			return nil, fmt.Errorf("failed to scan agent: %w", err)
		}
		stats.CurrentAgents = append(stats.CurrentAgents, agent)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error reading current agents: %w", err)
	}

	return &stats, nil
}
