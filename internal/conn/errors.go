package conn

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ConnectionError wraps transport, lock, and authentication failures.
// These are the failures worth retrying at a higher level; the handle
// itself never retries.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection error during %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// QueryError wraps failures caused by the statement itself (syntax,
// unknown column, constraint violation). Retrying these is pointless.
type QueryError struct {
	Query string
	Err   error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("query error: %v (statement: %s)", e.Err, truncateQuery(e.Query))
}

func (e *QueryError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is a transient connection-level
// failure that a caller may retry.
func IsRetryable(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}

// transient message fragments observed from the duckdb and pgx drivers
// for lock conflicts and transport failures.
var transientFragments = []string{
	"database is locked",
	"could not set lock",
	"conflicting lock",
	"connection refused",
	"connection reset",
	"connection closed",
	"database is closed",
	"broken pipe",
	"i/o timeout",
	"io error",
	"timeout expired",
	"too many clients",
	"server closed",
	"unexpected eof",
}

func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, frag := range transientFragments {
		if strings.Contains(msg, frag) {
			return true
		}
	}
	return false
}

// WrapDBError classifies a raw driver error for callers that talk to
// the pool directly (transactions bypass the handle).
func WrapDBError(op, query string, err error) error {
	return classifyError(op, query, err)
}

// classifyError buckets a driver error into the two-level taxonomy,
// preserving the original message for logging.
func classifyError(op, query string, err error) error {
	if err == nil {
		return nil
	}
	if isTransient(err) {
		return &ConnectionError{Op: op, Err: err}
	}
	return &QueryError{Query: query, Err: err}
}

func truncateQuery(q string) string {
	q = strings.Join(strings.Fields(q), " ")
	if len(q) > 120 {
		return q[:120] + "..."
	}
	return q
}
