package sync

import (
	"context"
	"sync"
	"time"

	"github.com/deweyhq/dewey-sync/internal/dirty"
	"github.com/deweyhq/dewey-sync/internal/logging"
	"github.com/deweyhq/dewey-sync/internal/metastore"
)

type schedulerState int

const (
	stateStopped schedulerState = iota
	stateRunning
	stateStopping
)

// Scheduler is the background auto-sync loop. It wakes at most once a
// second, checks whether a sync is due, and triggers one without
// blocking the caller. The stop signal is honored within a second even
// when the sync interval is hours long; an in-flight sync finishes its
// current table before the loop exits.
type Scheduler struct {
	interval   time.Duration
	errBackoff time.Duration
	tracker    *dirty.Tracker
	meta       *metastore.Store
	syncFn     func(context.Context) error

	mu     sync.Mutex
	state  schedulerState
	stopCh chan struct{}
	doneCh chan struct{}
	cancel context.CancelFunc
}

// NewScheduler builds a scheduler that invokes syncFn when dirty
// tables are present or the interval since the last successful run has
// elapsed.
func NewScheduler(interval time.Duration, tracker *dirty.Tracker, meta *metastore.Store, syncFn func(context.Context) error) *Scheduler {
	return &Scheduler{
		interval:   interval,
		errBackoff: 10 * time.Second,
		tracker:    tracker,
		meta:       meta,
		syncFn:     syncFn,
	}
}

// Start spawns the background worker. Calling Start while already
// running is a logged no-op. Calling it while a previous worker is
// still winding down joins that worker first, so two workers never
// run at once.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.state == stateRunning {
		s.mu.Unlock()
		logging.Info("auto-sync scheduler already running")
		return
	}
	prev := s.doneCh
	s.mu.Unlock()

	if prev != nil {
		<-prev
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == stateRunning {
		logging.Info("auto-sync scheduler already running")
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.state = stateRunning
	go s.loop(ctx, s.stopCh, s.doneCh)
	logging.Info("auto-sync scheduler started (interval %s)", s.interval)
}

// Stop signals the worker without blocking. The in-flight sweep's
// context is cancelled, so it finishes its current table and exits
// before starting the next. Callers that need synchronous shutdown
// follow up with Wait.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateRunning {
		return
	}
	s.state = stateStopping
	close(s.stopCh)
	s.cancel()
}

// Wait blocks until the worker exits or the timeout elapses, and
// reports whether shutdown completed in time.
func (s *Scheduler) Wait(timeout time.Duration) bool {
	s.mu.Lock()
	done := s.doneCh
	s.mu.Unlock()
	if done == nil {
		return true
	}
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Running reports whether the background worker is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == stateRunning
}

func (s *Scheduler) loop(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer func() {
		s.mu.Lock()
		// Only the current worker may move the state to Stopped; after
		// a restart the channels belong to a newer worker.
		if s.stopCh == stop {
			s.state = stateStopped
		}
		s.mu.Unlock()
		close(done)
		logging.Info("auto-sync scheduler stopped")
	}()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if !s.syncDue(ctx) {
				continue
			}
			if err := s.syncFn(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				logging.Warn("auto sync failed: %v (backing off %s)", err, s.errBackoff)
				select {
				case <-stop:
					return
				case <-time.After(s.errBackoff):
				}
			}
		}
	}
}

// syncDue reports whether a sync should run now: dirty tables are
// waiting, no successful run exists yet, or the interval has elapsed.
func (s *Scheduler) syncDue(ctx context.Context) bool {
	if s.tracker.Len() > 0 {
		return true
	}
	last, ok, err := s.meta.LastSuccessfulRunEnd(ctx)
	if err != nil {
		logging.Warn("checking last sync time: %v", err)
		return false
	}
	if !ok {
		return true
	}
	return time.Since(last) > s.interval
}
