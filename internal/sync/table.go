// Package sync implements the synchronization engine proper: the
// per-table full-replace copy, the background auto-sync scheduler, and
// the orchestrator that composes them over the two connection handles.
package sync

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/deweyhq/dewey-sync/internal/conn"
	"github.com/deweyhq/dewey-sync/internal/dirty"
	"github.com/deweyhq/dewey-sync/internal/logging"
	"github.com/deweyhq/dewey-sync/internal/metastore"
	"github.com/deweyhq/dewey-sync/internal/reconcile"
)

// Direction of a table sync.
type Direction string

const (
	// DirectionPull copies cloud peer -> local.
	DirectionPull Direction = "pull"
	// DirectionPush copies local -> cloud peer.
	DirectionPush Direction = "push"
)

// TableSyncer performs one-directional full-table synchronization:
// reconcile the schema, drop and recreate the target table, and copy
// every row, all inside one target-side transaction so interim readers
// never observe a half-copied table.
type TableSyncer struct {
	local     *conn.Handle
	peer      *conn.Handle
	meta      *metastore.Store
	dirty     *dirty.Tracker
	maxTries  uint
	batchSize int
}

// NewTableSyncer wires a syncer over the two handles. maxTries bounds
// retry attempts for transient connection/lock failures during the
// copy; batchSize caps rows per INSERT statement.
func NewTableSyncer(local, peer *conn.Handle, meta *metastore.Store, tracker *dirty.Tracker, maxTries uint, batchSize int) *TableSyncer {
	if maxTries == 0 {
		maxTries = 3
	}
	if batchSize <= 0 {
		batchSize = 500
	}
	return &TableSyncer{
		local:     local,
		peer:      peer,
		meta:      meta,
		dirty:     tracker,
		maxTries:  maxTries,
		batchSize: batchSize,
	}
}

// SyncTable synchronizes one table in the given direction and returns
// the number of rows transferred. A table missing on the source is a
// logged skip in both directions, never an error: deleted-upstream
// tables are not deleted on the target. On failure the outcome is
// recorded in the metadata store and the table stays dirty (for push),
// so it is retried on the next cycle.
func (s *TableSyncer) SyncTable(ctx context.Context, table string, dir Direction) (int64, error) {
	source, target := s.peer, s.local
	if dir == DirectionPush {
		source, target = s.local, s.peer
	}

	exists, err := source.TableExists(ctx, table)
	if err != nil {
		return 0, s.fail(ctx, table, dir, fmt.Errorf("checking source table %s: %w", table, err))
	}
	if !exists {
		logging.Info("table %s not found on %s source, skipping", table, dir)
		return 0, nil
	}

	srcSchema, err := source.Schema(ctx, table)
	if err != nil {
		return 0, s.fail(ctx, table, dir, fmt.Errorf("reading source schema of %s: %w", table, err))
	}

	var tgtSchema conn.TableSchema
	tgtExists, err := target.TableExists(ctx, table)
	if err != nil {
		return 0, s.fail(ctx, table, dir, fmt.Errorf("checking target table %s: %w", table, err))
	}
	if tgtExists {
		if tgtSchema, err = target.Schema(ctx, table); err != nil {
			return 0, s.fail(ctx, table, dir, fmt.Errorf("reading target schema of %s: %w", table, err))
		}
	}

	if err := reconcile.ReconcileTable(ctx, table, srcSchema, tgtSchema, target); err != nil {
		return 0, s.fail(ctx, table, dir, err)
	}

	rows, err := s.copyWithRetry(ctx, source, target, table, srcSchema)
	if err != nil {
		return 0, s.fail(ctx, table, dir, err)
	}

	if err := s.meta.RecordTableSync(ctx, table, string(dir), metastore.StatusCompleted, ""); err != nil {
		logging.Warn("recording sync metadata for %s: %v", table, err)
	}
	if dir == DirectionPush {
		// Cleared only after the push is confirmed; a failed push
		// leaves the table dirty for the next cycle.
		s.dirty.Clear(table)
	}

	logging.Debug("synced %s (%s): %d rows", table, dir, rows)
	return rows, nil
}

// fail records the failed outcome and returns the error to the caller.
func (s *TableSyncer) fail(ctx context.Context, table string, dir Direction, err error) error {
	if recErr := s.meta.RecordTableSync(ctx, table, string(dir), metastore.StatusFailed, err.Error()); recErr != nil {
		logging.Warn("recording failure metadata for %s: %v", table, recErr)
	}
	return err
}

// copyWithRetry runs the full-replace copy, retrying transient
// connection and lock failures with exponential backoff. Query-level
// errors are permanent and surface immediately.
func (s *TableSyncer) copyWithRetry(ctx context.Context, source, target *conn.Handle, table string, schema conn.TableSchema) (int64, error) {
	operation := func() (int64, error) {
		n, err := s.replaceTable(ctx, source, target, table, schema)
		if err != nil && !conn.IsRetryable(err) {
			return 0, backoff.Permanent(err)
		}
		if err != nil {
			logging.Warn("transient failure copying %s, will retry: %v", table, err)
		}
		return n, err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 250 * time.Millisecond

	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(s.maxTries))
}

// replaceTable drops, recreates, and refills the target table from the
// source inside one target-side transaction. An empty source table
// still goes through recreation, so downstream consumers always see
// the correct - possibly empty - shape.
func (s *TableSyncer) replaceTable(ctx context.Context, source, target *conn.Handle, table string, schema conn.TableSchema) (int64, error) {
	cols := make([]string, len(schema))
	for i, c := range schema {
		cols[i] = conn.QuoteIdent(c.Name)
	}
	colList := strings.Join(cols, ", ")

	srcRows, err := source.Query(ctx, fmt.Sprintf("SELECT %s FROM %s", colList, conn.QuoteIdent(table)))
	if err != nil {
		return 0, err
	}
	defer srcRows.Close()

	tx, err := target.DB().BeginTx(ctx, nil)
	if err != nil {
		return 0, conn.WrapDBError("begin transaction", table, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+conn.QuoteIdent(table)); err != nil {
		return 0, conn.WrapDBError("drop table", table, err)
	}
	if _, err := tx.ExecContext(ctx, reconcile.CreateTableDDL(table, schema)); err != nil {
		return 0, conn.WrapDBError("create table", table, err)
	}

	// Cap rows per INSERT so the placeholder count stays reasonable.
	batchRows := s.batchSize
	if maxRows := 2000 / len(schema); batchRows > maxRows {
		batchRows = maxRows
	}
	if batchRows < 1 {
		batchRows = 1
	}

	var total int64
	batch := make([][]any, 0, batchRows)
	for srcRows.Next() {
		row := make([]any, len(schema))
		ptrs := make([]any, len(schema))
		for i := range row {
			ptrs[i] = &row[i]
		}
		if err := srcRows.Scan(ptrs...); err != nil {
			return 0, conn.WrapDBError("scan row", table, err)
		}
		batch = append(batch, row)
		if len(batch) == batchRows {
			if err := insertBatch(ctx, tx, table, colList, len(schema), batch); err != nil {
				return 0, err
			}
			total += int64(len(batch))
			batch = batch[:0]
		}
	}
	if err := srcRows.Err(); err != nil {
		return 0, conn.WrapDBError("read source rows", table, err)
	}
	if len(batch) > 0 {
		if err := insertBatch(ctx, tx, table, colList, len(schema), batch); err != nil {
			return 0, err
		}
		total += int64(len(batch))
	}

	if err := tx.Commit(); err != nil {
		return 0, conn.WrapDBError("commit", table, err)
	}
	return total, nil
}

func insertBatch(ctx context.Context, tx *sql.Tx, table, colList string, numCols int, batch [][]any) error {
	var sb strings.Builder
	fmt.Fprintf(&sb, "INSERT INTO %s (%s) VALUES ", conn.QuoteIdent(table), colList)
	args := make([]any, 0, len(batch)*numCols)
	for i, row := range batch {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteByte('(')
		for j := range row {
			if j > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "$%d", len(args)+1)
			args = append(args, row[j])
		}
		sb.WriteByte(')')
	}
	if _, err := tx.ExecContext(ctx, sb.String(), args...); err != nil {
		return conn.WrapDBError("insert batch", table, err)
	}
	return nil
}
