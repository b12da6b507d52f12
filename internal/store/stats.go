package store

import (
	"time"
)

// FeedStats summarizes the ingested entries of one feed over a time
// window, bucketed by status.
type FeedStats struct {
	Feed        string
	Total       int
	ByStatus    map[string]int
	AvgDuration float64
	From        time.Time
	To          time.Time
}

// ===== Aggregation =====

// GetFeedStats computes per-status counts and the mean duration for a
// feed. Zero From/To leave the corresponding bound open.
func (db *DB) GetFeedStats(feed string, from, to time.Time) (*FeedStats, error) {
	query := `
		SELECT status, COUNT(*), COALESCE(AVG(duration), 0)
		FROM entries
		WHERE feed = ?
	`
	args := []any{feed}

	if !from.IsZero() {
		query += " AND updated_at >= ?"
		args = append(args, from.UTC())
	}
	if !to.IsZero() {
		query += " AND updated_at < ?"
		args = append(args, to.UTC())
	}
	query += " GROUP BY status"

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := &FeedStats{
		Feed:     feed,
		ByStatus: make(map[string]int),
		From:     from,
		To:       to,
	}

	var durationSum float64
	for rows.Next() {
		var status string
		var count int
		var avg float64
		if err := rows.Scan(&status, &count, &avg); err != nil {
			return nil, err
		}
		stats.ByStatus[status] = count
		stats.Total += count
		durationSum += avg * float64(count)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if stats.Total > 0 {
		stats.AvgDuration = durationSum / float64(stats.Total)
	}

	return stats, nil
}
