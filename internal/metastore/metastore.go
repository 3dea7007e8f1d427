// Package metastore persists sync bookkeeping inside the local DuckDB
// file: one row per table recording its last sync outcome, and one
// append-only row per sync run.
package metastore

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Table-level sync outcomes.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusPartial   = "partial"
)

// TableRecord is the per-table sync record, upserted after every sync
// attempt on that table.
type TableRecord struct {
	TableName    string    `json:"table_name"`
	LastSyncTime time.Time `json:"last_sync_time"`
	Direction    string    `json:"last_direction"`
	Status       string    `json:"status"`
	ErrorMessage string    `json:"error_message,omitempty"`
}

// RunRecord is one row per invocation of a full sync sweep.
type RunRecord struct {
	RunID         int64      `json:"run_id"`
	StartedAt     time.Time  `json:"started_at"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
	Status        string     `json:"status"`
	TablesSynced  int        `json:"tables_synced"`
	RecordsSynced int64      `json:"records_synced"`
	ErrorMessage  string     `json:"error_message,omitempty"`
}

// Store manages the two metadata tables. It writes through the raw
// pool rather than a classified handle: metadata writes are internal
// bookkeeping and must never appear in the dirty set.
type Store struct {
	db *sql.DB
}

// Open creates the metadata tables idempotently and returns the store.
// The tables carry the reserved dewey_sync_ prefix so ListTables can
// exclude them from syncing.
func Open(ctx context.Context, db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		return nil, fmt.Errorf("initializing sync metadata: %w", err)
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	schema := `
	CREATE SEQUENCE IF NOT EXISTS dewey_sync_run_seq START 1;

	CREATE TABLE IF NOT EXISTS dewey_sync_metadata (
		table_name VARCHAR PRIMARY KEY,
		last_sync_time TIMESTAMP NOT NULL,
		last_direction VARCHAR NOT NULL,
		status VARCHAR NOT NULL,
		error_message VARCHAR
	);

	CREATE TABLE IF NOT EXISTS dewey_sync_runs (
		run_id BIGINT PRIMARY KEY DEFAULT nextval('dewey_sync_run_seq'),
		started_at TIMESTAMP NOT NULL,
		ended_at TIMESTAMP,
		status VARCHAR NOT NULL DEFAULT 'running',
		tables_synced INTEGER NOT NULL DEFAULT 0,
		records_synced BIGINT NOT NULL DEFAULT 0,
		error_message VARCHAR
	);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// RecordTableSync upserts the per-table record after a sync attempt.
func (s *Store) RecordTableSync(ctx context.Context, table, direction, status, errMsg string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dewey_sync_metadata (table_name, last_sync_time, last_direction, status, error_message)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (table_name) DO UPDATE SET
			last_sync_time = excluded.last_sync_time,
			last_direction = excluded.last_direction,
			status = excluded.status,
			error_message = excluded.error_message
	`, table, time.Now().UTC(), direction, status, errMsg)
	if err != nil {
		return fmt.Errorf("recording sync of %s: %w", table, err)
	}
	return nil
}

// LastSyncTime returns the last sync timestamp for a table, or ok=false
// if the table has never been synced.
func (s *Store) LastSyncTime(ctx context.Context, table string) (time.Time, bool, error) {
	var ts time.Time
	err := s.db.QueryRowContext(ctx, `
		SELECT last_sync_time FROM dewey_sync_metadata WHERE table_name = $1
	`, table).Scan(&ts)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return ts, true, nil
}

// TableRecord returns the sync record for one table, or nil if absent.
func (s *Store) TableRecord(ctx context.Context, table string) (*TableRecord, error) {
	var r TableRecord
	var errMsg sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT table_name, last_sync_time, last_direction, status, error_message
		FROM dewey_sync_metadata WHERE table_name = $1
	`, table).Scan(&r.TableName, &r.LastSyncTime, &r.Direction, &r.Status, &errMsg)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r.ErrorMessage = errMsg.String
	return &r, nil
}

// TableRecords returns all per-table records ordered by table name.
func (s *Store) TableRecords(ctx context.Context) ([]TableRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT table_name, last_sync_time, last_direction, status, error_message
		FROM dewey_sync_metadata ORDER BY table_name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []TableRecord
	for rows.Next() {
		var r TableRecord
		var errMsg sql.NullString
		if err := rows.Scan(&r.TableName, &r.LastSyncTime, &r.Direction, &r.Status, &errMsg); err != nil {
			return nil, err
		}
		r.ErrorMessage = errMsg.String
		records = append(records, r)
	}
	return records, rows.Err()
}

// BeginRun appends a new run row and returns its monotonic id.
func (s *Store) BeginRun(ctx context.Context) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO dewey_sync_runs (started_at, status)
		VALUES ($1, $2) RETURNING run_id
	`, time.Now().UTC(), StatusRunning).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("beginning sync run: %w", err)
	}
	return id, nil
}

// EndRun records the outcome of a run.
func (s *Store) EndRun(ctx context.Context, runID int64, status string, tablesSynced int, recordsSynced int64, errMsg string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE dewey_sync_runs
		SET ended_at = $1, status = $2, tables_synced = $3, records_synced = $4, error_message = $5
		WHERE run_id = $6
	`, time.Now().UTC(), status, tablesSynced, recordsSynced, errMsg, runID)
	if err != nil {
		return fmt.Errorf("ending sync run %d: %w", runID, err)
	}
	return nil
}

// LastSuccessfulRunEnd returns when the most recent fully successful
// run finished, or ok=false if none exists yet.
func (s *Store) LastSuccessfulRunEnd(ctx context.Context) (time.Time, bool, error) {
	var ts time.Time
	err := s.db.QueryRowContext(ctx, `
		SELECT ended_at FROM dewey_sync_runs
		WHERE status = $1 AND ended_at IS NOT NULL
		ORDER BY run_id DESC LIMIT 1
	`, StatusCompleted).Scan(&ts)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return ts, true, nil
}

// RecentRuns returns up to limit runs, newest first.
func (s *Store) RecentRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, started_at, ended_at, status, tables_synced, records_synced, error_message
		FROM dewey_sync_runs ORDER BY run_id DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []RunRecord
	for rows.Next() {
		var r RunRecord
		var ended sql.NullTime
		var errMsg sql.NullString
		if err := rows.Scan(&r.RunID, &r.StartedAt, &ended, &r.Status, &r.TablesSynced, &r.RecordsSynced, &errMsg); err != nil {
			return nil, err
		}
		if ended.Valid {
			t := ended.Time
			r.EndedAt = &t
		}
		r.ErrorMessage = errMsg.String
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
