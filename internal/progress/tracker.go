// Package progress renders CLI progress for a manual sync sweep.
package progress

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/deweyhq/dewey-sync/internal/logging"
)

// Tracker tracks tables processed during one sync sweep. The table
// count is not known up front (it depends on what the peer reports),
// so the bar runs in spinner mode.
type Tracker struct {
	bar       *progressbar.ProgressBar
	tables    atomic.Int64
	rows      atomic.Int64
	startTime time.Time
}

// New creates a new progress tracker
func New() *Tracker {
	return &Tracker{
		startTime: time.Now(),
		bar: progressbar.NewOptions64(
			-1,
			progressbar.OptionSetDescription("Syncing"),
			progressbar.OptionShowCount(),
			progressbar.OptionSetWidth(40),
			progressbar.OptionThrottle(100*time.Millisecond),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("tables"),
			progressbar.OptionSpinnerType(14),
		),
	}
}

// TableDone records one finished table attempt.
func (t *Tracker) TableDone(table string, rows int64) {
	t.tables.Add(1)
	t.rows.Add(rows)
	t.bar.Describe(fmt.Sprintf("Syncing (last: %s)", table))
	t.bar.Add64(1)
}

// Finish completes the bar and logs a summary.
func (t *Tracker) Finish() {
	t.bar.Finish()
	fmt.Println()

	elapsed := time.Since(t.startTime)
	logging.Info("Sync complete: %d tables, %d records in %s",
		t.tables.Load(), t.rows.Load(), elapsed.Round(time.Second))
}
