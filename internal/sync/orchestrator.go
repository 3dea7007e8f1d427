package sync

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	gosync "sync"
	"time"

	"github.com/google/uuid"

	"github.com/deweyhq/dewey-sync/internal/config"
	"github.com/deweyhq/dewey-sync/internal/conn"
	"github.com/deweyhq/dewey-sync/internal/dirty"
	"github.com/deweyhq/dewey-sync/internal/logging"
	"github.com/deweyhq/dewey-sync/internal/metastore"
	"github.com/deweyhq/dewey-sync/internal/notify"
)

// PartialError reports a run in which some tables failed while others
// succeeded. Per-table details live in the metadata store; this error
// is the run-level summary.
type PartialError struct {
	Synced int
	Failed []string
}

func (e *PartialError) Error() string {
	return fmt.Sprintf("sync partially failed: %d tables synced, %d failed (%s)",
		e.Synced, len(e.Failed), strings.Join(e.Failed, ", "))
}

// Orchestrator is the façade over the sync engine. Construct one at
// application start and inject it wherever tables are written; there
// is no package-level singleton.
//
// One mutex serializes sync operations so a manual sync and the
// scheduler's automatic sync never interleave against the same pair of
// connections. The dirty tracker keeps its own finer lock, so marking
// a table modified during an in-flight push never blocks.
type Orchestrator struct {
	cfg       *config.Config
	local     *conn.Handle
	peer      *conn.Handle
	tracker   *dirty.Tracker
	meta      *metastore.Store
	syncer    *TableSyncer
	scheduler *Scheduler
	notifier  *notify.Notifier

	syncMu gosync.Mutex

	// OnTableSynced, when set before any sync starts, is invoked after
	// each table attempt (CLI progress reporting).
	OnTableSynced func(table string, dir Direction, rows int64, err error)
}

// NewOrchestrator opens both connections, initializes the metadata
// store inside the local database, and wires the scheduler. The
// scheduler is not started; call StartScheduler (the daemon does this
// when auto-start is configured).
func NewOrchestrator(ctx context.Context, cfg *config.Config) (*Orchestrator, error) {
	local, err := conn.OpenLocal(cfg.Local.Path, nil)
	if err != nil {
		return nil, fmt.Errorf("opening local database: %w", err)
	}

	peer, err := conn.OpenPeer(cfg.PeerDriver(), cfg.PeerDSN())
	if err != nil {
		local.Close()
		return nil, fmt.Errorf("opening peer database: %w", err)
	}

	meta, err := metastore.Open(ctx, local.DB())
	if err != nil {
		peer.Close()
		local.Close()
		return nil, err
	}

	tracker := dirty.NewTracker()
	o := &Orchestrator{
		cfg:      cfg,
		local:    local,
		peer:     peer,
		tracker:  tracker,
		meta:     meta,
		syncer:   NewTableSyncer(local, peer, meta, tracker, uint(cfg.Sync.MaxRetries), cfg.Sync.BatchSize),
		notifier: notify.New(&cfg.Notify),
	}
	o.scheduler = NewScheduler(cfg.Sync.Interval(), tracker, meta, o.SyncAll)
	return o, nil
}

// MarkTableModified records a local write. The application's write
// path calls this after any successful local write.
func (o *Orchestrator) MarkTableModified(table string) {
	o.tracker.Mark(table)
}

// DirtyTables returns the current dirty snapshot.
func (o *Orchestrator) DirtyTables() []string {
	return o.tracker.Snapshot()
}

// StartScheduler starts the background auto-sync loop.
func (o *Orchestrator) StartScheduler() {
	o.scheduler.Start()
}

// StopScheduler signals the background loop to stop without blocking.
func (o *Orchestrator) StopScheduler() {
	o.scheduler.Stop()
}

// SchedulerRunning reports whether the background loop is active.
func (o *Orchestrator) SchedulerRunning() bool {
	return o.scheduler.Running()
}

// SyncAll runs one full bidirectional sweep: pull every non-internal
// table from the peer, then push every dirty table. Both phases are
// best-effort per table; the pull phase fully precedes the push phase.
// Returns nil only when every attempted table succeeded, a
// *PartialError when some failed, and a hard error only when a phase
// could not start at all.
func (o *Orchestrator) SyncAll(ctx context.Context) error {
	return o.sweep(ctx, true, true)
}

// SyncAllFromCloud pulls every non-internal table from the peer.
func (o *Orchestrator) SyncAllFromCloud(ctx context.Context) error {
	return o.sweep(ctx, true, false)
}

// SyncModifiedToCloud pushes every table currently marked dirty.
func (o *Orchestrator) SyncModifiedToCloud(ctx context.Context) error {
	return o.sweep(ctx, false, true)
}

func (o *Orchestrator) sweep(ctx context.Context, pull, push bool) error {
	o.syncMu.Lock()
	defer o.syncMu.Unlock()

	corr := uuid.New().String()[:8]
	start := time.Now()

	runID, err := o.meta.BeginRun(ctx)
	if err != nil {
		return err
	}
	logging.Info("sync run %d (%s) starting", runID, corr)

	var synced int
	var records int64
	var failed []string

	if pull {
		tables, err := o.peer.ListTables(ctx)
		if err != nil {
			endErr := fmt.Errorf("listing peer tables: %w", err)
			o.endRun(ctx, runID, metastore.StatusFailed, synced, records, endErr.Error())
			o.notifier.RunFailed(runID, corr, endErr, time.Since(start))
			return endErr
		}
		for _, table := range o.filterTables(tables) {
			if ctx.Err() != nil {
				return o.abortRun(ctx, runID, corr, synced, records)
			}
			n, err := o.syncer.SyncTable(ctx, table, DirectionPull)
			o.reportTable(table, DirectionPull, n, err)
			if err != nil {
				logging.Warn("pull of %s failed: %v", table, err)
				failed = append(failed, table)
				continue
			}
			synced++
			records += n
		}
	}

	if push {
		for _, table := range o.tracker.Snapshot() {
			if o.excluded(table) {
				// Excluded tables never push; clear them so they do
				// not sit in the queue keeping a sync due.
				logging.Debug("table %s excluded from push", table)
				o.tracker.Clear(table)
				continue
			}
			if ctx.Err() != nil {
				return o.abortRun(ctx, runID, corr, synced, records)
			}
			n, err := o.syncer.SyncTable(ctx, table, DirectionPush)
			o.reportTable(table, DirectionPush, n, err)
			if err != nil {
				logging.Warn("push of %s failed: %v", table, err)
				failed = append(failed, table)
				continue
			}
			synced++
			records += n
		}
	}

	duration := time.Since(start)
	if len(failed) == 0 {
		o.endRun(ctx, runID, metastore.StatusCompleted, synced, records, "")
		o.notifier.RunCompleted(runID, corr, duration, synced, records)
		logging.Info("sync run %d (%s) completed: %d tables, %d records in %s",
			runID, corr, synced, records, duration.Round(time.Millisecond))
		return nil
	}

	perr := &PartialError{Synced: synced, Failed: failed}
	o.endRun(ctx, runID, metastore.StatusPartial, synced, records, perr.Error())
	o.notifier.RunPartial(runID, corr, duration, synced, failed, records)
	logging.Warn("sync run %d (%s) partial: %v", runID, corr, perr)
	return perr
}

// abortRun records a stop mid-sweep. The current table has already
// finished; unattempted tables stay dirty for the next run.
// Bookkeeping uses a detached context because the sweep's own context
// is already cancelled.
func (o *Orchestrator) abortRun(ctx context.Context, runID int64, corr string, synced int, records int64) error {
	err := ctx.Err()
	o.endRun(context.WithoutCancel(ctx), runID, metastore.StatusFailed, synced, records,
		fmt.Sprintf("sync stopped: %v", err))
	logging.Info("sync run %d (%s) stopped after %d tables", runID, corr, synced)
	return err
}

func (o *Orchestrator) endRun(ctx context.Context, runID int64, status string, tables int, records int64, errMsg string) {
	if err := o.meta.EndRun(ctx, runID, status, tables, records, errMsg); err != nil {
		logging.Warn("recording run %d outcome: %v", runID, err)
	}
}

func (o *Orchestrator) reportTable(table string, dir Direction, rows int64, err error) {
	if o.OnTableSynced != nil {
		o.OnTableSynced(table, dir, rows, err)
	}
}

// excluded reports whether a table is off-limits to sync: the engine's
// own metadata tables or anything matching a configured exclude glob.
func (o *Orchestrator) excluded(table string) bool {
	if strings.HasPrefix(strings.ToLower(table), conn.MetadataTablePrefix) {
		return true
	}
	for _, pattern := range o.cfg.Sync.ExcludeTables {
		if match, _ := filepath.Match(strings.ToLower(pattern), strings.ToLower(table)); match {
			return true
		}
	}
	return false
}

func (o *Orchestrator) filterTables(tables []string) []string {
	var kept []string
	for _, t := range tables {
		if o.excluded(t) {
			logging.Debug("table %s excluded by filter", t)
			continue
		}
		kept = append(kept, t)
	}
	return kept
}

// TableStatus returns the per-table sync records.
func (o *Orchestrator) TableStatus(ctx context.Context) ([]metastore.TableRecord, error) {
	return o.meta.TableRecords(ctx)
}

// History returns recent sync runs, newest first.
func (o *Orchestrator) History(ctx context.Context, limit int) ([]metastore.RunRecord, error) {
	return o.meta.RecentRuns(ctx, limit)
}

// Close stops the scheduler, waiting up to a bounded timeout, then
// closes both connections. Close failures are logged, not raised.
func (o *Orchestrator) Close() {
	o.scheduler.Stop()
	if !o.scheduler.Wait(5 * time.Second) {
		logging.Warn("auto-sync scheduler did not stop within 5s")
	}
	if err := o.peer.Close(); err != nil {
		logging.Warn("closing peer connection: %v", err)
	}
	if err := o.local.Close(); err != nil {
		logging.Warn("closing local connection: %v", err)
	}
}
