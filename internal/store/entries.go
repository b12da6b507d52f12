package store

import (
	"fmt"
	"time"
)

// Query pagination bounds.
const (
	DefaultQueryLimit = 100
	MaxQueryLimit     = 1000
)

// EntryFilter selects entries for the query API. Zero values mean
// "no constraint" for the corresponding field.
type EntryFilter struct {
	Feed   string
	Status string
	Team   string
	Topic  string
	Since  time.Time
	Until  time.Time
	Limit  int
	Offset int
}

// UpsertEntries writes a batch of entries within the transaction,
// keyed by entry ID. Re-writing an identical batch changes nothing
// observable; a changed record supersedes the stored row. The first
// ingestion timestamp is preserved across upserts.
func (tx *Tx) UpsertEntries(entries []Entry) (int, error) {
	stmt, err := tx.Prepare(`
		INSERT INTO entries (id, feed, name, status, team, topic, duration, tags, created_at, updated_at, extra)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			feed = excluded.feed,
			name = excluded.name,
			status = excluded.status,
			team = excluded.team,
			topic = excluded.topic,
			duration = excluded.duration,
			tags = excluded.tags,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at,
			extra = excluded.extra
	`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	for i, e := range entries {
		if e.ID == "" {
			return i, fmt.Errorf("store: entry %d has empty id", i)
		}
		_, err := stmt.Exec(
			e.ID,
			e.Feed,
			e.Name,
			e.Status,
			e.Team,
			e.Topic,
			e.Duration,
			e.Tags,
			e.CreatedAt.UTC(),
			e.UpdatedAt.UTC(),
			e.Extra,
		)
		if err != nil {
			return i, err
		}
	}

	return len(entries), nil
}

// WriteChunk persists one chunk of entries and advances the feed's
// checkpoint in the same transaction: both commit or neither does.
func (db *DB) WriteChunk(entries []Entry, cp Checkpoint) error {
	return db.WithTransaction(func(tx *Tx) error {
		if _, err := tx.UpsertEntries(entries); err != nil {
			return err
		}
		return tx.CommitCheckpoint(cp)
	})
}

// QueryEntries returns entries matching the filter, ordered by
// (updated_at, id) ascending.
func (db *DB) QueryEntries(filter EntryFilter) ([]Entry, error) {
	query := `
		SELECT id, feed, name, status, team, topic, duration, tags, created_at, updated_at, extra
		FROM entries
		WHERE 1 = 1
	`
	var args []any

	if filter.Feed != "" {
		query += " AND feed = ?"
		args = append(args, filter.Feed)
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, filter.Status)
	}
	if filter.Team != "" {
		query += " AND team = ?"
		args = append(args, filter.Team)
	}
	if filter.Topic != "" {
		query += " AND topic = ?"
		args = append(args, filter.Topic)
	}
	if !filter.Since.IsZero() {
		query += " AND updated_at >= ?"
		args = append(args, filter.Since.UTC())
	}
	if !filter.Until.IsZero() {
		query += " AND updated_at < ?"
		args = append(args, filter.Until.UTC())
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultQueryLimit
	}
	if limit > MaxQueryLimit {
		limit = MaxQueryLimit
	}

	query += " ORDER BY updated_at, id LIMIT ? OFFSET ?"
	args = append(args, limit, filter.Offset)

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		err := rows.Scan(
			&e.ID,
			&e.Feed,
			&e.Name,
			&e.Status,
			&e.Team,
			&e.Topic,
			&e.Duration,
			&e.Tags,
			&e.CreatedAt,
			&e.UpdatedAt,
			&e.Extra,
		)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	// Return empty slice instead of nil
	if entries == nil {
		entries = []Entry{}
	}

	return entries, nil
}

// CountEntries returns the number of entries for a feed, all feeds
// when feed is empty.
func (db *DB) CountEntries(feed string) (int, error) {
	query := "SELECT COUNT(*) FROM entries"
	var args []any
	if feed != "" {
		query += " WHERE feed = ?"
		args = append(args, feed)
	}

	var count int
	err := db.QueryRow(query, args...).Scan(&count)
	return count, err
}
