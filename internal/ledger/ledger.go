package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang/snappy"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"fedpoison/internal/artifact"
)

// scoreEncoding names the payload format of the scores table.
const scoreEncoding = "json+snappy"

// ErrRunNotFound is returned when a run ID is unknown.
var ErrRunNotFound = errors.New("ledger: run not found")

// Ledger is the SQLite experiment ledger.
type Ledger struct {
	db *sql.DB
}

// Open opens or creates the ledger at path and applies pending migrations.
func Open(path string) (*Ledger, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create ledger directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}

	if err := MigrateDB(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate ledger: %w", err)
	}

	return &Ledger{db: db}, nil
}

// Close closes the database connection.
func (l *Ledger) Close() error {
	if l.db != nil {
		return l.db.Close()
	}
	return nil
}

// MigrationStatus reports applied and pending schema migrations.
func (l *Ledger) MigrationStatus() (*MigrationStatus, error) {
	return GetMigrationStatus(l.db)
}

// Validate checks that the ledger schema is complete.
func (l *Ledger) Validate() error {
	return ValidateSchema(l.db)
}

// BeginRun inserts a running entry for stage and returns its ID.
// seed may be nil for stages that do not take one.
func (l *Ledger) BeginRun(ctx context.Context, stage string, seed *int64) (string, error) {
	id := uuid.NewString()
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO runs (id, stage, seed, started_at, status)
		VALUES (?, ?, ?, ?, ?)`,
		id, stage, seed, time.Now().UnixNano(), StatusRunning,
	)
	if err != nil {
		return "", fmt.Errorf("begin run: %w", err)
	}
	return id, nil
}

// FinishRun marks the run finished. A nil runErr marks it ok.
func (l *Ledger) FinishRun(ctx context.Context, id string, runErr error) error {
	status, detail := StatusOK, ""
	if runErr != nil {
		status, detail = StatusFailed, runErr.Error()
	}

	res, err := l.db.ExecContext(ctx, `
		UPDATE runs SET finished_at = ?, status = ?, detail = ? WHERE id = ?`,
		time.Now().UnixNano(), status, detail, id,
	)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return nil
}

// GetRun retrieves a run by ID.
func (l *Ledger) GetRun(ctx context.Context, id string) (*Run, error) {
	row := l.db.QueryRowContext(ctx, `
		SELECT id, stage, seed, started_at, finished_at, status, detail
		FROM runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
		}
		return nil, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}

// Runs returns the most recent runs, newest first. limit <= 0 means all.
func (l *Ledger) Runs(ctx context.Context, limit int) ([]Run, error) {
	query := `
		SELECT id, stage, seed, started_at, finished_at, status, detail
		FROM runs ORDER BY started_at DESC, rowid DESC`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (*Run, error) {
	var r Run
	var seed sql.NullInt64
	var startedAt int64
	var finishedAt sql.NullInt64
	var status string
	var detail sql.NullString

	if err := s.Scan(&r.ID, &r.Stage, &seed, &startedAt, &finishedAt, &status, &detail); err != nil {
		return nil, err
	}
	if seed.Valid {
		v := seed.Int64
		r.Seed = &v
	}
	r.StartedAt = time.Unix(0, startedAt)
	if finishedAt.Valid {
		t := time.Unix(0, finishedAt.Int64)
		r.FinishedAt = &t
	}
	r.Status = RunStatus(status)
	r.Detail = detail.String
	return &r, nil
}

// RecordArtifact stores a new version of rec.Key and returns its number.
func (l *Ledger) RecordArtifact(ctx context.Context, rec artifact.Record) (int, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var version int
	if err := tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(version), 0) + 1 FROM artifacts WHERE key = ?", rec.Key,
	).Scan(&version); err != nil {
		return 0, fmt.Errorf("next artifact version: %w", err)
	}

	var runID any
	if rec.RunID != "" {
		runID = rec.RunID
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO artifacts (key, version, digest, size, run_id, stored_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.Key, version, rec.Digest, rec.Size, runID, time.Now().UnixNano(),
	); err != nil {
		return 0, fmt.Errorf("insert artifact: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit transaction: %w", err)
	}
	return version, nil
}

// ArtifactHistory returns every recorded version of key, oldest first.
func (l *Ledger) ArtifactHistory(ctx context.Context, key string) ([]ArtifactVersion, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT key, version, digest, size, run_id, stored_at
		FROM artifacts WHERE key = ? ORDER BY version`, key)
	if err != nil {
		return nil, fmt.Errorf("artifact history: %w", err)
	}
	defer rows.Close()
	return scanArtifacts(rows)
}

// LatestArtifacts returns the newest version of every recorded key, ordered by key.
func (l *Ledger) LatestArtifacts(ctx context.Context) ([]ArtifactVersion, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT a.key, a.version, a.digest, a.size, a.run_id, a.stored_at
		FROM artifacts a
		JOIN (SELECT key, MAX(version) AS version FROM artifacts GROUP BY key) m
		  ON a.key = m.key AND a.version = m.version
		ORDER BY a.key`)
	if err != nil {
		return nil, fmt.Errorf("latest artifacts: %w", err)
	}
	defer rows.Close()
	return scanArtifacts(rows)
}

func scanArtifacts(rows *sql.Rows) ([]ArtifactVersion, error) {
	var out []ArtifactVersion
	for rows.Next() {
		var a ArtifactVersion
		var runID sql.NullString
		var storedAt int64
		if err := rows.Scan(&a.Key, &a.Version, &a.Digest, &a.Size, &runID, &storedAt); err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		a.RunID = runID.String
		a.StoredAt = time.Unix(0, storedAt)
		out = append(out, a)
	}
	return out, rows.Err()
}

// RecordResult stores the detection metrics of a run.
func (l *Ledger) RecordResult(ctx context.Context, r Result) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO results (run_id, seed, num_attack_identities, roc_auc, tpr_1pct, tpr_01pct)
		VALUES (?, ?, ?, ?, ?, ?)`,
		r.RunID, r.Seed, r.NumAttackIdentities, r.ROCAUC, r.TPRAt1Pct, r.TPRAt01Pct,
	)
	if err != nil {
		return fmt.Errorf("record result: %w", err)
	}
	return nil
}

// Results returns every recorded result ordered by seed.
func (l *Ledger) Results(ctx context.Context) ([]Result, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT run_id, seed, num_attack_identities, roc_auc, tpr_1pct, tpr_01pct
		FROM results ORDER BY seed, run_id`)
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	defer rows.Close()

	var out []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.RunID, &r.Seed, &r.NumAttackIdentities, &r.ROCAUC, &r.TPRAt1Pct, &r.TPRAt01Pct); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// RecordScores stores the score records of a run as snappy-compressed JSON.
func (l *Ledger) RecordScores(ctx context.Context, runID string, scores []Score) error {
	raw, err := json.Marshal(scores)
	if err != nil {
		return fmt.Errorf("encode scores: %w", err)
	}
	payload := snappy.Encode(nil, raw)

	_, err = l.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO scores (run_id, encoding, count, payload)
		VALUES (?, ?, ?, ?)`,
		runID, scoreEncoding, len(scores), payload,
	)
	if err != nil {
		return fmt.Errorf("record scores: %w", err)
	}
	return nil
}

// Scores returns the score records stored for runID.
func (l *Ledger) Scores(ctx context.Context, runID string) ([]Score, error) {
	var encoding string
	var payload []byte
	err := l.db.QueryRowContext(ctx,
		"SELECT encoding, payload FROM scores WHERE run_id = ?", runID,
	).Scan(&encoding, &payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		return nil, fmt.Errorf("get scores: %w", err)
	}
	if encoding != scoreEncoding {
		return nil, fmt.Errorf("unsupported score encoding %q", encoding)
	}

	raw, err := snappy.Decode(nil, payload)
	if err != nil {
		return nil, fmt.Errorf("decompress scores: %w", err)
	}
	var scores []Score
	if err := json.Unmarshal(raw, &scores); err != nil {
		return nil, fmt.Errorf("decode scores: %w", err)
	}
	return scores, nil
}
