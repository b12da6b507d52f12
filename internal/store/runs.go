package store

import (
	"database/sql"
	"time"
)

// Sync run outcomes.
const (
	RunOutcomeRunning = "running"
	RunOutcomeDone    = "done"
	RunOutcomeFailed  = "failed"
)

// CreateSyncRun records the start of a sync run.
func (db *DB) CreateSyncRun(run *SyncRun) error {
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	if run.Outcome == "" {
		run.Outcome = RunOutcomeRunning
	}

	query := `
		INSERT INTO sync_runs (id, feed, started_at, records, chunks, outcome, error)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := db.Exec(query,
		run.ID,
		run.Feed,
		run.StartedAt.UTC(),
		run.Records,
		run.Chunks,
		run.Outcome,
		run.Error,
	)
	return err
}

// FinishSyncRun marks a sync run as completed with its final counters.
func (db *DB) FinishSyncRun(id string, outcome string, records, chunks int, errMsg *string) error {
	now := time.Now().UTC()

	query := `
		UPDATE sync_runs
		SET finished_at = ?, records = ?, chunks = ?, outcome = ?, error = ?
		WHERE id = ?
	`

	result, err := db.Exec(query, now, records, chunks, outcome, errMsg, id)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

// GetSyncRun retrieves a sync run by ID.
func (db *DB) GetSyncRun(id string) (*SyncRun, error) {
	run := &SyncRun{}

	query := `
		SELECT id, feed, started_at, finished_at, records, chunks, outcome, error
		FROM sync_runs
		WHERE id = ?
	`

	err := db.QueryRow(query, id).Scan(
		&run.ID,
		&run.Feed,
		&run.StartedAt,
		&run.FinishedAt,
		&run.Records,
		&run.Chunks,
		&run.Outcome,
		&run.Error,
	)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return run, nil
}

// ListSyncRuns returns the most recent runs, newest first. An empty
// feed selects every feed.
func (db *DB) ListSyncRuns(feed string, limit int) ([]SyncRun, error) {
	if limit <= 0 {
		limit = 20
	}

	query := `
		SELECT id, feed, started_at, finished_at, records, chunks, outcome, error
		FROM sync_runs
	`
	var args []any
	if feed != "" {
		query += " WHERE feed = ?"
		args = append(args, feed)
	}
	query += " ORDER BY started_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []SyncRun
	for rows.Next() {
		var run SyncRun
		err := rows.Scan(
			&run.ID,
			&run.Feed,
			&run.StartedAt,
			&run.FinishedAt,
			&run.Records,
			&run.Chunks,
			&run.Outcome,
			&run.Error,
		)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	if runs == nil {
		runs = []SyncRun{}
	}

	return runs, nil
}
