// Package reconcile aligns table shapes between the two engines before
// a copy. Reconciliation is additive-only: missing tables are created
// and missing columns added using the source definition as ground
// truth; columns dropped or renamed on the source are never propagated.
package reconcile

import (
	"context"
	"fmt"
	"strings"

	"github.com/deweyhq/dewey-sync/internal/conn"
	"github.com/deweyhq/dewey-sync/internal/logging"
)

// ReconcileError reports a DDL failure for one table. It aborts
// reconciliation for that table only; other tables in the same sync
// run proceed.
type ReconcileError struct {
	Table string
	Err   error
}

func (e *ReconcileError) Error() string {
	return fmt.Sprintf("reconciling schema of %s: %v", e.Table, e.Err)
}

func (e *ReconcileError) Unwrap() error { return e.Err }

// ReconcileTable brings the target's definition of a table up to the
// source's. If targetSchema is nil the table is created outright from
// the source column list; otherwise each column present in the source
// but absent on the target is added, in source order. Column types are
// carried over verbatim: the two engines are assumed to share a
// compatible type vocabulary.
func ReconcileTable(ctx context.Context, table string, sourceSchema, targetSchema conn.TableSchema, target *conn.Handle) error {
	if len(sourceSchema) == 0 {
		return &ReconcileError{Table: table, Err: fmt.Errorf("source schema is empty")}
	}

	if targetSchema == nil {
		ddl := CreateTableDDL(table, sourceSchema)
		logging.Debug("creating table %s on %s", table, target.Role())
		if _, err := target.Exec(ctx, ddl); err != nil {
			return &ReconcileError{Table: table, Err: err}
		}
		return nil
	}

	for _, col := range sourceSchema {
		if targetSchema.Has(col.Name) {
			continue
		}
		ddl := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s",
			conn.QuoteIdent(table), conn.QuoteIdent(col.Name), col.Type)
		logging.Debug("adding column %s.%s on %s", table, col.Name, target.Role())
		if _, err := target.Exec(ctx, ddl); err != nil {
			return &ReconcileError{Table: table, Err: fmt.Errorf("adding column %s: %w", col.Name, err)}
		}
	}
	return nil
}

// CreateTableDDL builds a CREATE TABLE statement from an introspected
// schema, columns in source order.
func CreateTableDDL(table string, schema conn.TableSchema) string {
	cols := make([]string, len(schema))
	for i, c := range schema {
		cols[i] = fmt.Sprintf("%s %s", conn.QuoteIdent(c.Name), c.Type)
	}
	return fmt.Sprintf("CREATE TABLE %s (%s)", conn.QuoteIdent(table), strings.Join(cols, ", "))
}
