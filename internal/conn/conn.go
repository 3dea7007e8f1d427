// Package conn owns the live database connections used by the sync
// engine: one to the local DuckDB file and one to the cloud peer. Both
// are reached through database/sql so everything above this package is
// engine-agnostic; schema introspection goes through information_schema,
// which both engines expose.
package conn

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/duckdb/duckdb-go/v2"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// MetadataTablePrefix is reserved for the sync engine's own state
// tables. Tables with this prefix are never listed for syncing and
// writes to them never mark anything dirty.
const MetadataTablePrefix = "dewey_sync_"

// systemPrefixes are engine catalog namespaces excluded from ListTables.
var systemPrefixes = []string{"pg_", "sqlite_", "duckdb_", "information_schema"}

// Role distinguishes the local engine from the cloud peer.
type Role string

const (
	RoleLocal Role = "local"
	RolePeer  Role = "peer"
)

// DirtyReporter receives the names of locally modified tables.
type DirtyReporter interface {
	Mark(table string)
}

// Handle owns one live connection to either engine. It executes
// statements, introspects schema, and - for local handles constructed
// with a reporter - classifies writes and reports the modified table.
type Handle struct {
	db    *sql.DB
	role  Role
	dirty DirtyReporter
}

// OpenLocal opens the local DuckDB database file. The reporter may be
// nil; the sync engine's own handle passes nil so that sync output is
// not mistaken for user writes.
func OpenLocal(path string, dirty DirtyReporter) (*Handle, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, &ConnectionError{Op: "open local", Err: err}
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, &ConnectionError{Op: "open local", Err: err}
	}
	return &Handle{db: db, role: RoleLocal, dirty: dirty}, nil
}

// OpenPeer opens the cloud peer using the given driver ("duckdb" for a
// MotherDuck-style peer, "pgx" for PostgreSQL). Peer handles never
// report dirty tables: writes on the peer are sync output, not user
// intent.
func OpenPeer(driverName, dsn string) (*Handle, error) {
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, &ConnectionError{Op: "open peer", Err: err}
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, &ConnectionError{Op: "open peer", Err: err}
	}
	return &Handle{db: db, role: RolePeer}, nil
}

// NewHandle wraps an already-open database. Used by tests and by
// callers that manage the *sql.DB lifetime themselves.
func NewHandle(db *sql.DB, role Role, dirty DirtyReporter) *Handle {
	return &Handle{db: db, role: role, dirty: dirty}
}

// Role returns which engine this handle is bound to.
func (h *Handle) Role() Role { return h.role }

// DB exposes the underlying pool for transaction control.
func (h *Handle) DB() *sql.DB { return h.db }

// Close closes the underlying connection pool.
func (h *Handle) Close() error {
	return h.db.Close()
}

// Exec runs a statement, classifying it first: a write statement on a
// local handle reports its target table to the dirty reporter.
func (h *Handle) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	res, err := h.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, classifyError("exec", query, err)
	}
	h.reportWrite(query)
	return res, nil
}

// Query runs a statement that returns rows. Queries are classified too:
// a write smuggled through Query (INSERT ... RETURNING) still marks the
// table dirty on a local handle.
func (h *Handle) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	rows, err := h.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classifyError("query", query, err)
	}
	h.reportWrite(query)
	return rows, nil
}

func (h *Handle) reportWrite(query string) {
	if h.role != RoleLocal || h.dirty == nil {
		return
	}
	isWrite, table := ClassifyStatement(query)
	if !isWrite || table == "" {
		return
	}
	if strings.HasPrefix(table, MetadataTablePrefix) {
		return
	}
	h.dirty.Mark(table)
}

// ListTables returns user tables in the current schema, excluding
// engine catalogs and the sync engine's own metadata tables.
func (h *Handle) ListTables(ctx context.Context) ([]string, error) {
	rows, err := h.db.QueryContext(ctx, `
		SELECT table_name FROM information_schema.tables
		WHERE table_schema = current_schema() AND table_type = 'BASE TABLE'
		ORDER BY table_name`)
	if err != nil {
		return nil, classifyError("list tables", "information_schema.tables", err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scanning table name: %w", err)
		}
		if isInternalTable(name) {
			continue
		}
		tables = append(tables, name)
	}
	return tables, rows.Err()
}

func isInternalTable(name string) bool {
	lower := strings.ToLower(name)
	if strings.HasPrefix(lower, MetadataTablePrefix) {
		return true
	}
	for _, p := range systemPrefixes {
		if strings.HasPrefix(lower, p) {
			return true
		}
	}
	return false
}

// TableExists reports whether a user table exists in the current schema.
func (h *Handle) TableExists(ctx context.Context, name string) (bool, error) {
	var count int
	err := h.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM information_schema.tables
		WHERE table_schema = current_schema() AND table_name = $1`, name).Scan(&count)
	if err != nil {
		return false, classifyError("table exists", name, err)
	}
	return count > 0, nil
}

// Schema returns the ordered column definitions for a table.
func (h *Handle) Schema(ctx context.Context, name string) (TableSchema, error) {
	rows, err := h.db.QueryContext(ctx, `
		SELECT column_name, data_type FROM information_schema.columns
		WHERE table_schema = current_schema() AND table_name = $1
		ORDER BY ordinal_position`, name)
	if err != nil {
		return nil, classifyError("get schema", name, err)
	}
	defer rows.Close()

	var schema TableSchema
	for rows.Next() {
		var col Column
		if err := rows.Scan(&col.Name, &col.Type); err != nil {
			return nil, fmt.Errorf("scanning column of %s: %w", name, err)
		}
		schema = append(schema, col)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyError("get schema", name, err)
	}
	if len(schema) == 0 {
		return nil, &QueryError{Query: name, Err: fmt.Errorf("table %s has no columns or does not exist", name)}
	}
	return schema, nil
}

// RowCount returns the number of rows in a table.
func (h *Handle) RowCount(ctx context.Context, name string) (int64, error) {
	var count int64
	q := fmt.Sprintf(`SELECT COUNT(*) FROM %s`, QuoteIdent(name))
	if err := h.db.QueryRowContext(ctx, q).Scan(&count); err != nil {
		return 0, classifyError("row count", q, err)
	}
	return count, nil
}

// QuoteIdent double-quotes an identifier, escaping embedded quotes.
// Both engines accept standard double-quoted identifiers.
func QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
