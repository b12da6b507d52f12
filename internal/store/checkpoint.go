package store

import (
	"database/sql"
	"time"
)

// LoadCheckpoint retrieves the checkpoint for a feed. Returns
// ErrNotFound when the feed has never completed a chunk.
func (db *DB) LoadCheckpoint(feed string) (*Checkpoint, error) {
	cp := &Checkpoint{}

	query := `
		SELECT feed, last_timestamp, last_id, batch_id, committed_at
		FROM checkpoints
		WHERE feed = ?
	`

	err := db.QueryRow(query, feed).Scan(
		&cp.Feed,
		&cp.Timestamp,
		&cp.LastID,
		&cp.BatchID,
		&cp.CommittedAt,
	)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return cp, nil
}

// ListCheckpoints returns the checkpoint of every feed.
func (db *DB) ListCheckpoints() ([]Checkpoint, error) {
	query := `
		SELECT feed, last_timestamp, last_id, batch_id, committed_at
		FROM checkpoints
		ORDER BY feed
	`

	rows, err := db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var checkpoints []Checkpoint
	for rows.Next() {
		var cp Checkpoint
		err := rows.Scan(
			&cp.Feed,
			&cp.Timestamp,
			&cp.LastID,
			&cp.BatchID,
			&cp.CommittedAt,
		)
		if err != nil {
			return nil, err
		}
		checkpoints = append(checkpoints, cp)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	if checkpoints == nil {
		checkpoints = []Checkpoint{}
	}

	return checkpoints, nil
}

// CommitCheckpoint advances the feed's checkpoint within the
// transaction. Callers pair it with the chunk write it covers; the
// orchestrator never calls it on its own.
func (tx *Tx) CommitCheckpoint(cp Checkpoint) error {
	committedAt := cp.CommittedAt
	if committedAt.IsZero() {
		committedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO checkpoints (feed, last_timestamp, last_id, batch_id, committed_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(feed) DO UPDATE SET
			last_timestamp = excluded.last_timestamp,
			last_id = excluded.last_id,
			batch_id = excluded.batch_id,
			committed_at = excluded.committed_at
	`

	_, err := tx.Exec(query, cp.Feed, cp.Timestamp.UTC(), cp.LastID, cp.BatchID, committedAt)
	return err
}
