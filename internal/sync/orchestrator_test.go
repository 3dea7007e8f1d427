package sync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/deweyhq/dewey-sync/internal/config"
	"github.com/deweyhq/dewey-sync/internal/metastore"
	"github.com/deweyhq/dewey-sync/internal/notify"
)

// newTestOrchestrator assembles an orchestrator over the in-memory
// engine pair, bypassing NewOrchestrator's connection opening.
func newTestOrchestrator(t *testing.T, cfg *config.Config) (*Orchestrator, *testEngine) {
	t.Helper()
	e := newTestEngine(t)
	if cfg == nil {
		cfg = &config.Config{}
	}
	o := &Orchestrator{
		cfg:      cfg,
		local:    e.local,
		peer:     e.peer,
		tracker:  e.tracker,
		meta:     e.meta,
		syncer:   e.syncer,
		notifier: notify.New(&cfg.Notify),
	}
	o.scheduler = NewScheduler(time.Hour, e.tracker, e.meta, o.SyncAll)
	return o, e
}

func TestSyncAllPullsAndPushes(t *testing.T) {
	o, e := newTestOrchestrator(t, nil)
	ctx := context.Background()

	e.exec(t, e.peer, "CREATE TABLE cloud_only (id INTEGER)")
	e.exec(t, e.peer, "INSERT INTO cloud_only VALUES (1), (2)")
	e.exec(t, e.local, "CREATE TABLE local_notes (id INTEGER)")
	e.exec(t, e.local, "INSERT INTO local_notes VALUES (1)")
	o.MarkTableModified("local_notes")

	if err := o.SyncAll(ctx); err != nil {
		t.Fatalf("SyncAll: %v", err)
	}

	if got := e.rowCount(t, e.local, "cloud_only"); got != 2 {
		t.Errorf("cloud_only not pulled: %d rows", got)
	}
	if got := e.rowCount(t, e.peer, "local_notes"); got != 1 {
		t.Errorf("local_notes not pushed: %d rows", got)
	}
	if len(o.DirtyTables()) != 0 {
		t.Errorf("dirty tables remain: %v", o.DirtyTables())
	}

	runs, err := o.History(ctx, 5)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("run count = %d, want 1", len(runs))
	}
	if runs[0].Status != metastore.StatusCompleted {
		t.Errorf("run status = %q, want completed", runs[0].Status)
	}
	if runs[0].TablesSynced != 2 {
		t.Errorf("tables synced = %d, want 2", runs[0].TablesSynced)
	}
	if runs[0].RecordsSynced != 3 {
		t.Errorf("records synced = %d, want 3", runs[0].RecordsSynced)
	}
}

func TestSyncAllPartialFailure(t *testing.T) {
	o, e := newTestOrchestrator(t, nil)
	ctx := context.Background()

	e.exec(t, e.peer, "CREATE TABLE good (id INTEGER)")
	e.exec(t, e.peer, "INSERT INTO good VALUES (1)")
	e.exec(t, e.peer, "CREATE TABLE bad (id INTEGER)")
	// A local view with the same name makes the pull's CREATE TABLE fail.
	if _, err := e.local.DB().ExecContext(ctx, "CREATE VIEW bad AS SELECT 1 AS id"); err != nil {
		t.Fatalf("creating view: %v", err)
	}

	err := o.SyncAll(ctx)
	var perr *PartialError
	if !errors.As(err, &perr) {
		t.Fatalf("SyncAll = %v, want *PartialError", err)
	}
	if perr.Synced != 1 {
		t.Errorf("Synced = %d, want 1", perr.Synced)
	}
	if len(perr.Failed) != 1 || perr.Failed[0] != "bad" {
		t.Errorf("Failed = %v, want [bad]", perr.Failed)
	}

	// The successful table still landed.
	if got := e.rowCount(t, e.local, "good"); got != 1 {
		t.Errorf("good not pulled: %d rows", got)
	}

	runs, err := o.History(ctx, 5)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if runs[0].Status != metastore.StatusPartial {
		t.Errorf("run status = %q, want partial", runs[0].Status)
	}
	if runs[0].ErrorMessage == "" {
		t.Error("partial run has empty error message")
	}
}

func TestSyncModifiedToCloudOnlyPushesDirty(t *testing.T) {
	o, e := newTestOrchestrator(t, nil)
	ctx := context.Background()

	e.exec(t, e.local, "CREATE TABLE touched (id INTEGER)")
	e.exec(t, e.local, "CREATE TABLE untouched (id INTEGER)")
	e.exec(t, e.local, "INSERT INTO touched VALUES (1)")
	o.MarkTableModified("touched")

	if err := o.SyncModifiedToCloud(ctx); err != nil {
		t.Fatalf("SyncModifiedToCloud: %v", err)
	}

	exists, err := e.peer.TableExists(ctx, "touched")
	if err != nil {
		t.Fatalf("TableExists: %v", err)
	}
	if !exists {
		t.Error("dirty table not pushed")
	}

	exists, err = e.peer.TableExists(ctx, "untouched")
	if err != nil {
		t.Fatalf("TableExists: %v", err)
	}
	if exists {
		t.Error("clean table was pushed")
	}
}

func TestSyncAllFromCloudDoesNotPush(t *testing.T) {
	o, e := newTestOrchestrator(t, nil)
	ctx := context.Background()

	e.exec(t, e.local, "CREATE TABLE local_notes (id INTEGER)")
	o.MarkTableModified("local_notes")

	if err := o.SyncAllFromCloud(ctx); err != nil {
		t.Fatalf("SyncAllFromCloud: %v", err)
	}

	if len(o.DirtyTables()) != 1 {
		t.Errorf("pull-only sync touched the dirty set: %v", o.DirtyTables())
	}
	exists, err := e.peer.TableExists(ctx, "local_notes")
	if err != nil {
		t.Fatalf("TableExists: %v", err)
	}
	if exists {
		t.Error("pull-only sync pushed a table")
	}
}

func TestExcludedTablesAreSkipped(t *testing.T) {
	cfg := &config.Config{}
	cfg.Sync.ExcludeTables = []string{"tmp_*", "staging"}
	o, e := newTestOrchestrator(t, cfg)
	ctx := context.Background()

	e.exec(t, e.peer, "CREATE TABLE tmp_scratch (id INTEGER)")
	e.exec(t, e.peer, "CREATE TABLE staging (id INTEGER)")
	e.exec(t, e.peer, "CREATE TABLE kept (id INTEGER)")

	if err := o.SyncAll(ctx); err != nil {
		t.Fatalf("SyncAll: %v", err)
	}

	for _, name := range []string{"tmp_scratch", "staging"} {
		exists, err := e.local.TableExists(ctx, name)
		if err != nil {
			t.Fatalf("TableExists: %v", err)
		}
		if exists {
			t.Errorf("excluded table %s was synced", name)
		}
	}
	exists, err := e.local.TableExists(ctx, "kept")
	if err != nil {
		t.Fatalf("TableExists: %v", err)
	}
	if !exists {
		t.Error("non-excluded table was not synced")
	}
}

func TestExcludedDirtyTableClearedAfterRun(t *testing.T) {
	cfg := &config.Config{}
	cfg.Sync.ExcludeTables = []string{"tmp_*"}
	o, e := newTestOrchestrator(t, cfg)
	ctx := context.Background()

	e.exec(t, e.local, "CREATE TABLE tmp_scratch (id INTEGER)")
	o.MarkTableModified("tmp_scratch")

	if err := o.SyncAll(ctx); err != nil {
		t.Fatalf("SyncAll: %v", err)
	}

	// An excluded table never pushes; a successful run must drop it
	// from the dirty set rather than leave the scheduler perpetually
	// due.
	if dirty := o.DirtyTables(); len(dirty) != 0 {
		t.Errorf("excluded table still dirty after successful run: %v", dirty)
	}
	if o.scheduler.syncDue(ctx) {
		t.Error("sync reported due immediately after a fully successful run")
	}
	exists, err := e.peer.TableExists(ctx, "tmp_scratch")
	if err != nil {
		t.Fatalf("TableExists: %v", err)
	}
	if exists {
		t.Error("excluded table was pushed")
	}
}

func TestSyncStopsBetweenTables(t *testing.T) {
	o, e := newTestOrchestrator(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	e.exec(t, e.peer, "CREATE TABLE alpha (id INTEGER)")
	e.exec(t, e.peer, "CREATE TABLE beta (id INTEGER)")
	e.exec(t, e.peer, "CREATE TABLE gamma (id INTEGER)")

	var synced int
	o.OnTableSynced = func(table string, dir Direction, rows int64, err error) {
		synced++
		cancel()
	}

	err := o.SyncAll(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("SyncAll = %v, want context.Canceled", err)
	}
	if synced != 1 {
		t.Errorf("tables attempted after cancel = %d, want 1", synced)
	}

	// The first table completed; the rest were never started.
	for _, tc := range []struct {
		name string
		want bool
	}{
		{"alpha", true},
		{"beta", false},
		{"gamma", false},
	} {
		exists, err := e.local.TableExists(context.Background(), tc.name)
		if err != nil {
			t.Fatalf("TableExists: %v", err)
		}
		if exists != tc.want {
			t.Errorf("%s exists = %v, want %v", tc.name, exists, tc.want)
		}
	}

	// The interrupted run is still recorded.
	runs, err := o.History(context.Background(), 5)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("run count = %d, want 1", len(runs))
	}
	if runs[0].Status != metastore.StatusFailed {
		t.Errorf("run status = %q, want failed", runs[0].Status)
	}
	if runs[0].ErrorMessage == "" {
		t.Error("interrupted run has empty error message")
	}
}

func TestOnTableSyncedCallback(t *testing.T) {
	o, e := newTestOrchestrator(t, nil)
	ctx := context.Background()

	e.exec(t, e.peer, "CREATE TABLE books (id INTEGER)")
	e.exec(t, e.peer, "INSERT INTO books VALUES (1), (2)")

	type event struct {
		table string
		dir   Direction
		rows  int64
	}
	var events []event
	o.OnTableSynced = func(table string, dir Direction, rows int64, err error) {
		if err == nil {
			events = append(events, event{table, dir, rows})
		}
	}

	if err := o.SyncAllFromCloud(ctx); err != nil {
		t.Fatalf("SyncAllFromCloud: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("events = %v, want 1", events)
	}
	if events[0].table != "books" || events[0].dir != DirectionPull || events[0].rows != 2 {
		t.Errorf("event = %+v", events[0])
	}
}

func TestTableStatusReflectsOutcomes(t *testing.T) {
	o, e := newTestOrchestrator(t, nil)
	ctx := context.Background()

	e.exec(t, e.peer, "CREATE TABLE books (id INTEGER)")
	if err := o.SyncAll(ctx); err != nil {
		t.Fatalf("SyncAll: %v", err)
	}

	records, err := o.TableStatus(ctx)
	if err != nil {
		t.Fatalf("TableStatus: %v", err)
	}
	if len(records) != 1 || records[0].TableName != "books" {
		t.Fatalf("TableStatus = %+v, want books", records)
	}
	if records[0].Status != metastore.StatusCompleted {
		t.Errorf("status = %q, want completed", records[0].Status)
	}
}

func TestMetadataTablesNeverSynced(t *testing.T) {
	o, e := newTestOrchestrator(t, nil)
	ctx := context.Background()

	// The local metastore tables exist; a full sweep must not push or
	// pull them even if someone marks one dirty.
	o.MarkTableModified("dewey_sync_metadata")
	e.exec(t, e.peer, "CREATE TABLE books (id INTEGER)")

	_ = o.SyncAll(ctx)

	exists, err := e.peer.TableExists(ctx, "dewey_sync_metadata")
	if err != nil {
		t.Fatalf("TableExists: %v", err)
	}
	if exists {
		t.Error("metadata table pushed to peer")
	}
}
