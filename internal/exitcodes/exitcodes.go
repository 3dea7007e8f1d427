// Package exitcodes defines stable exit codes for the CLI so cron jobs
// and orchestration environments can distinguish failure classes.
package exitcodes

import (
	"context"
	"errors"
	"os"
	"strings"

	"github.com/deweyhq/dewey-sync/internal/conn"
	"github.com/deweyhq/dewey-sync/internal/sync"
)

const (
	// Success - sync completed without errors
	Success = 0

	// ConfigError - configuration parsing or validation failed (don't retry)
	ConfigError = 1

	// ConnectionError - local or peer database unreachable (recoverable)
	ConnectionError = 2

	// SyncError - a sync operation failed outright (non-recoverable)
	SyncError = 3

	// PartialError - some tables synced, some failed (recoverable)
	PartialError = 4

	// Cancelled - user cancelled via SIGINT/SIGTERM (recoverable)
	Cancelled = 5

	// IOError - file I/O errors (recoverable)
	IOError = 6
)

// FromError determines the appropriate exit code for an error, using
// the typed errors the engine returns and falling back to message
// inspection for errors that cross a fmt.Errorf boundary untyped.
func FromError(err error) int {
	if err == nil {
		return Success
	}

	var partial *sync.PartialError
	if errors.As(err, &partial) {
		return PartialError
	}
	var connErr *conn.ConnectionError
	if errors.As(err, &connErr) {
		return ConnectionError
	}
	if errors.Is(err, context.Canceled) {
		return Cancelled
	}
	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		return IOError
	}

	errStr := strings.ToLower(err.Error())
	switch {
	case containsAny(errStr, []string{"parsing config", "invalid config", "yaml:", "configuration file not found"}):
		return ConfigError
	case containsAny(errStr, []string{"connection", "connect", "dial", "refused", "timeout", "no such host", "ping"}):
		return ConnectionError
	case containsAny(errStr, []string{"cancel", "interrupt"}):
		return Cancelled
	case containsAny(errStr, []string{"no such file", "permission denied", "is a directory"}):
		return IOError
	}
	return SyncError
}

// IsRecoverable returns true if the error is recoverable (safe to retry).
func IsRecoverable(code int) bool {
	switch code {
	case ConnectionError, PartialError, Cancelled, IOError:
		return true
	default:
		return false
	}
}

// Description returns a human-readable description of the exit code.
func Description(code int) string {
	switch code {
	case Success:
		return "success"
	case ConfigError:
		return "configuration error"
	case ConnectionError:
		return "connection error (recoverable)"
	case SyncError:
		return "sync error"
	case PartialError:
		return "partial sync (recoverable)"
	case Cancelled:
		return "cancelled (recoverable)"
	case IOError:
		return "I/O error (recoverable)"
	default:
		return "unknown error"
	}
}

func containsAny(s string, substrs []string) bool {
	for _, substr := range substrs {
		if strings.Contains(s, substr) {
			return true
		}
	}
	return false
}
