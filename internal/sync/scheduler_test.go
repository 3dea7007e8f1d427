package sync

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestSchedulerStartStop(t *testing.T) {
	e := newTestEngine(t)
	s := NewScheduler(time.Hour, e.tracker, e.meta, func(context.Context) error { return nil })

	if s.Running() {
		t.Error("Running = true before Start")
	}

	s.Start()
	if !s.Running() {
		t.Error("Running = false after Start")
	}

	// Second Start is a no-op, not a second worker.
	s.Start()

	s.Stop()
	if !s.Wait(5 * time.Second) {
		t.Fatal("scheduler did not stop in time")
	}
	if s.Running() {
		t.Error("Running = true after stop")
	}
}

func TestSchedulerStopIdempotent(t *testing.T) {
	e := newTestEngine(t)
	s := NewScheduler(time.Hour, e.tracker, e.meta, func(context.Context) error { return nil })

	// Stop before Start must not panic.
	s.Stop()
	if !s.Wait(time.Second) {
		t.Error("Wait blocked with no worker")
	}

	s.Start()
	s.Stop()
	s.Stop()
	if !s.Wait(5 * time.Second) {
		t.Fatal("scheduler did not stop in time")
	}
}

func TestSchedulerRestart(t *testing.T) {
	e := newTestEngine(t)
	var calls atomic.Int32
	s := NewScheduler(time.Hour, e.tracker, e.meta, func(context.Context) error {
		calls.Add(1)
		return nil
	})

	s.Start()
	s.Stop()
	if !s.Wait(5 * time.Second) {
		t.Fatal("first stop timed out")
	}

	s.Start()
	if !s.Running() {
		t.Error("Running = false after restart")
	}
	s.Stop()
	if !s.Wait(5 * time.Second) {
		t.Fatal("second stop timed out")
	}
}

func TestSchedulerRestartWhileStopping(t *testing.T) {
	e := newTestEngine(t)
	var calls atomic.Int32
	entered := make(chan struct{}, 16)
	release := make(chan struct{})
	s := NewScheduler(time.Hour, e.tracker, e.meta, func(context.Context) error {
		calls.Add(1)
		entered <- struct{}{}
		<-release
		return nil
	})

	e.tracker.Mark("notes")
	s.Start()
	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("worker never entered syncFn")
	}

	// Stop while the worker is mid-sync, then restart. Start must join
	// the outgoing worker rather than race a second one against it.
	s.Stop()
	restarted := make(chan struct{})
	go func() {
		s.Start()
		close(restarted)
	}()

	select {
	case <-restarted:
		t.Fatal("Start returned while the old worker was still active")
	case <-time.After(200 * time.Millisecond):
	}

	close(release)
	select {
	case <-restarted:
	case <-time.After(5 * time.Second):
		t.Fatal("Start never returned after the old worker exited")
	}
	if !s.Running() {
		t.Error("Running = false after restart")
	}

	s.Stop()
	if !s.Wait(5 * time.Second) {
		t.Fatal("restarted scheduler did not stop in time")
	}
	if s.Running() {
		t.Error("Running = true after final stop")
	}

	// No worker survives the final stop to keep invoking syncFn.
	n := calls.Load()
	time.Sleep(1500 * time.Millisecond)
	if got := calls.Load(); got != n {
		t.Errorf("syncFn called after stop: %d -> %d", n, got)
	}
}

func TestSchedulerStopCancelsRunningSync(t *testing.T) {
	e := newTestEngine(t)
	running := make(chan context.Context, 1)
	s := NewScheduler(time.Hour, e.tracker, e.meta, func(ctx context.Context) error {
		running <- ctx
		<-ctx.Done()
		return ctx.Err()
	})

	e.tracker.Mark("notes")
	s.Start()

	var ctx context.Context
	select {
	case ctx = <-running:
	case <-time.After(5 * time.Second):
		t.Fatal("worker never entered syncFn")
	}

	s.Stop()
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("Stop did not cancel the in-flight sync context")
	}
	if !s.Wait(5 * time.Second) {
		t.Fatal("scheduler did not stop in time")
	}
}

func TestSyncDue(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	s := NewScheduler(time.Hour, e.tracker, e.meta, func(context.Context) error { return nil })

	// No successful run yet.
	if !s.syncDue(ctx) {
		t.Error("syncDue = false with no prior run")
	}

	id, err := e.meta.BeginRun(ctx)
	if err != nil {
		t.Fatalf("BeginRun: %v", err)
	}
	if err := e.meta.EndRun(ctx, id, "completed", 0, 0, ""); err != nil {
		t.Fatalf("EndRun: %v", err)
	}

	// Recent successful run, hour-long interval, nothing dirty.
	if s.syncDue(ctx) {
		t.Error("syncDue = true right after a successful run")
	}

	// Dirty tables make a sync due regardless of the interval.
	e.tracker.Mark("notes")
	if !s.syncDue(ctx) {
		t.Error("syncDue = false with dirty tables")
	}
	e.tracker.Clear("notes")

	// An elapsed interval makes a sync due.
	s.interval = time.Nanosecond
	if !s.syncDue(ctx) {
		t.Error("syncDue = false after interval elapsed")
	}
}

func TestSchedulerTriggersWhenDue(t *testing.T) {
	e := newTestEngine(t)
	var calls atomic.Int32
	s := NewScheduler(time.Hour, e.tracker, e.meta, func(context.Context) error {
		calls.Add(1)
		// Record a successful run so the next tick is no longer due.
		id, err := e.meta.BeginRun(context.Background())
		if err != nil {
			return err
		}
		return e.meta.EndRun(context.Background(), id, "completed", 0, 0, "")
	})

	e.tracker.Mark("notes")
	s.Start()
	defer func() {
		s.Stop()
		s.Wait(5 * time.Second)
	}()

	deadline := time.After(5 * time.Second)
	for calls.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("scheduler never triggered a due sync")
		case <-time.After(50 * time.Millisecond):
		}
	}
}
