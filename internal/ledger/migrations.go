package ledger

import (
	"database/sql"
	"fmt"
	"time"
)

// Migration is one step of the ledger schema. Versions are contiguous from 1.
type Migration struct {
	Version     int
	Description string
	Up          string
	Down        string
}

var migrations = []Migration{
	{
		Version:     1,
		Description: "Initial schema with runs and artifact versions",
		Up:          migrationV1Up,
		Down:        migrationV1Down,
	},
	{
		Version:     2,
		Description: "Add results table for per-seed detection metrics",
		Up:          migrationV2Up,
		Down:        migrationV2Down,
	},
	{
		Version:     3,
		Description: "Add scores table for compressed score records",
		Up:          migrationV3Up,
		Down:        migrationV3Down,
	},
}

const migrationV1Up = `
-- One row per pipeline command or experiment seed
CREATE TABLE IF NOT EXISTS runs (
    id              TEXT PRIMARY KEY,
    stage           TEXT NOT NULL,
    seed            INTEGER,
    started_at      INTEGER NOT NULL,
    finished_at     INTEGER,
    status          TEXT NOT NULL DEFAULT 'running',
    detail          TEXT
);

CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
CREATE INDEX IF NOT EXISTS idx_runs_stage ON runs(stage);

-- Every write through the artifact store
CREATE TABLE IF NOT EXISTS artifacts (
    key             TEXT NOT NULL,
    version         INTEGER NOT NULL,
    digest          TEXT NOT NULL,
    size            INTEGER NOT NULL,
    run_id          TEXT,
    stored_at       INTEGER NOT NULL,
    PRIMARY KEY (key, version)
);

CREATE INDEX IF NOT EXISTS idx_artifacts_run ON artifacts(run_id);
`

const migrationV1Down = `
DROP INDEX IF EXISTS idx_artifacts_run;
DROP TABLE IF EXISTS artifacts;
DROP INDEX IF EXISTS idx_runs_stage;
DROP INDEX IF EXISTS idx_runs_started;
DROP TABLE IF EXISTS runs;
`

const migrationV2Up = `
CREATE TABLE IF NOT EXISTS results (
    run_id                  TEXT PRIMARY KEY REFERENCES runs(id),
    seed                    INTEGER NOT NULL,
    num_attack_identities   INTEGER NOT NULL,
    roc_auc                 REAL NOT NULL,
    tpr_1pct                REAL NOT NULL,
    tpr_01pct               REAL NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_results_seed ON results(seed);
`

const migrationV2Down = `
DROP INDEX IF EXISTS idx_results_seed;
DROP TABLE IF EXISTS results;
`

const migrationV3Up = `
CREATE TABLE IF NOT EXISTS scores (
    run_id      TEXT PRIMARY KEY REFERENCES runs(id),
    encoding    TEXT NOT NULL,
    count       INTEGER NOT NULL,
    payload     BLOB NOT NULL
);
`

const migrationV3Down = `
DROP TABLE IF EXISTS scores;
`

const migrationsTable = `
CREATE TABLE IF NOT EXISTS schema_migrations (
    version     INTEGER PRIMARY KEY,
    applied_at  INTEGER NOT NULL,
    description TEXT
)`

// inTx runs fn in a transaction, rolling back if fn fails.
func inTx(db *sql.DB, fn func(*sql.Tx) error) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func schemaVersion(db *sql.DB) (int, error) {
	var v int
	if err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&v); err != nil {
		return 0, fmt.Errorf("get current version: %w", err)
	}
	return v, nil
}

// MigrateDB brings the ledger schema up to the latest version. Each
// migration commits on its own, so a failure leaves earlier ones applied.
func MigrateDB(db *sql.DB) error {
	if _, err := db.Exec(migrationsTable); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}
	current, err := schemaVersion(db)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		err := inTx(db, func(tx *sql.Tx) error {
			if _, err := tx.Exec(m.Up); err != nil {
				return err
			}
			_, err := tx.Exec("INSERT INTO schema_migrations (version, applied_at, description) VALUES (?, ?, ?)",
				m.Version, time.Now().UnixNano(), m.Description)
			return err
		})
		if err != nil {
			return fmt.Errorf("apply migration %d (%s): %w", m.Version, m.Description, err)
		}
	}
	return nil
}

// RollbackMigration reverts the most recently applied migration.
func RollbackMigration(db *sql.DB) error {
	current, err := schemaVersion(db)
	if err != nil {
		return err
	}
	if current == 0 {
		return fmt.Errorf("no migrations to rollback")
	}
	if current > len(migrations) {
		return fmt.Errorf("migration %d not found", current)
	}
	m := migrations[current-1]

	err = inTx(db, func(tx *sql.Tx) error {
		if _, err := tx.Exec(m.Down); err != nil {
			return err
		}
		_, err := tx.Exec("DELETE FROM schema_migrations WHERE version = ?", m.Version)
		return err
	})
	if err != nil {
		return fmt.Errorf("rollback migration %d: %w", m.Version, err)
	}
	return nil
}

// MigrationStatus describes the applied and pending migrations.
type MigrationStatus struct {
	CurrentVersion int
	LatestVersion  int
	Pending        []Migration
	Applied        []AppliedMigration
}

type AppliedMigration struct {
	Version     int
	AppliedAt   time.Time
	Description string
}

// GetMigrationStatus reports which migrations have been applied. A database
// that was never migrated has every migration pending.
func GetMigrationStatus(db *sql.DB) (*MigrationStatus, error) {
	status := &MigrationStatus{LatestVersion: len(migrations)}

	rows, err := db.Query("SELECT version, applied_at, description FROM schema_migrations ORDER BY version")
	if err != nil {
		status.Pending = migrations
		return status, nil
	}
	defer rows.Close()

	for rows.Next() {
		var (
			am AppliedMigration
			ns int64
		)
		if err := rows.Scan(&am.Version, &ns, &am.Description); err != nil {
			return nil, fmt.Errorf("scan migration: %w", err)
		}
		am.AppliedAt = time.Unix(0, ns)
		status.Applied = append(status.Applied, am)
		status.CurrentVersion = max(status.CurrentVersion, am.Version)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, m := range migrations {
		if m.Version > status.CurrentVersion {
			status.Pending = append(status.Pending, m)
		}
	}
	return status, nil
}

// requiredTables are the tables a fully migrated ledger holds.
var requiredTables = []string{"runs", "artifacts", "results", "scores", "schema_migrations"}

// ValidateSchema checks that every ledger table exists.
func ValidateSchema(db *sql.DB) error {
	for _, table := range requiredTables {
		var n int
		if err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?", table).Scan(&n); err != nil {
			return fmt.Errorf("check table %s: %w", table, err)
		}
		if n == 0 {
			return fmt.Errorf("missing required table: %s", table)
		}
	}
	return nil
}
