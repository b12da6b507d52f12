package store

import (
	"fmt"
	"time"
)

// Entry is the store-resident representation of one ingested job.
// It is a deterministic function of the source record; columns the
// query API filters on are lifted out, everything else lives in Extra.
type Entry struct {
	ID        string
	Feed      string
	Name      string
	Status    string
	Team      string
	Topic     string
	Duration  float64
	Tags      string // JSON array
	CreatedAt time.Time
	UpdatedAt time.Time
	Extra     string // JSON object of fields outside the fixed schema
}

// Checkpoint is the high-water mark of the last durably ingested
// record for one feed. BatchID ties it to the chunk write that
// produced it.
type Checkpoint struct {
	Feed        string
	Timestamp   time.Time
	LastID      string
	BatchID     string
	CommittedAt time.Time
}

// SyncRun records one end-to-end execution of the ingestion pipeline.
// Observability only; correctness does not depend on these rows.
type SyncRun struct {
	ID         string
	Feed       string
	StartedAt  time.Time
	FinishedAt *time.Time
	Records    int
	Chunks     int
	Outcome    string // 'running', 'done', 'failed'
	Error      *string
}

// migration is one versioned schema change, applied in a transaction.
type migration struct {
	version int
	name    string
	sql     string
}

var migrations = []migration{
	{
		version: 1,
		name:    "initial schema",
		sql: `
			CREATE TABLE entries (
				id          TEXT PRIMARY KEY,
				feed        TEXT NOT NULL,
				name        TEXT NOT NULL DEFAULT '',
				status      TEXT NOT NULL,
				team        TEXT NOT NULL DEFAULT '',
				topic       TEXT NOT NULL DEFAULT '',
				duration    REAL NOT NULL DEFAULT 0,
				tags        TEXT NOT NULL DEFAULT '[]',
				created_at  TIMESTAMP NOT NULL,
				updated_at  TIMESTAMP NOT NULL,
				extra       TEXT NOT NULL DEFAULT '{}',
				ingested_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
			);

			CREATE INDEX idx_entries_feed_updated ON entries(feed, updated_at, id);
			CREATE INDEX idx_entries_status ON entries(status);

			CREATE TABLE checkpoints (
				feed           TEXT PRIMARY KEY,
				last_timestamp TIMESTAMP NOT NULL,
				last_id        TEXT NOT NULL,
				batch_id       TEXT NOT NULL,
				committed_at   TIMESTAMP NOT NULL
			);

			CREATE TABLE sync_runs (
				id          TEXT PRIMARY KEY,
				feed        TEXT NOT NULL,
				started_at  TIMESTAMP NOT NULL,
				finished_at TIMESTAMP,
				records     INTEGER NOT NULL DEFAULT 0,
				chunks      INTEGER NOT NULL DEFAULT 0,
				outcome     TEXT NOT NULL DEFAULT 'running',
				error       TEXT
			);

			CREATE INDEX idx_sync_runs_feed_started ON sync_runs(feed, started_at);
		`,
	},
}

// Migrate applies pending schema migrations. Each migration runs in
// its own transaction together with its schema_migrations row.
func (db *DB) Migrate() error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    INTEGER PRIMARY KEY,
			applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("failed to create schema_migrations table: %w", err)
	}

	applied, err := db.appliedVersions()
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if applied[m.version] {
			continue
		}
		err := db.WithTransaction(func(tx *Tx) error {
			if _, err := tx.Exec(m.sql); err != nil {
				return err
			}
			_, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", m.version)
			return err
		})
		if err != nil {
			return fmt.Errorf("failed to apply migration %d (%s): %w", m.version, m.name, err)
		}
	}

	return nil
}

// SchemaVersion returns the highest applied migration version, 0 when
// the store is empty.
func (db *DB) SchemaVersion() (int, error) {
	var version int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	if err != nil {
		return 0, err
	}
	return version, nil
}

func (db *DB) appliedVersions() (map[int]bool, error) {
	rows, err := db.Query("SELECT version FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		applied[version] = true
	}
	return applied, rows.Err()
}
