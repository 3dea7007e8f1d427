// Package dirty tracks which tables have local writes not yet confirmed
// pushed to the cloud peer.
package dirty

import "sync"

// Tracker is a mutex-guarded set of table names modified locally since
// the last successful push. It is rebuilt from zero at process start;
// a crash before the first successful push means a table is not known
// to need pushing until it is written to again. That at-least-once
// behavior is accepted, not worked around.
//
// A Tracker has its own lock, finer than the sync operation lock, so
// marking a table dirty during an in-flight push never blocks.
type Tracker struct {
	mu     sync.Mutex
	tables map[string]struct{}
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{tables: make(map[string]struct{})}
}

// Mark records a table as modified. Idempotent.
func (t *Tracker) Mark(table string) {
	if table == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tables[table] = struct{}{}
}

// Clear removes a table from the set. Call only after its push to the
// peer is confirmed successful.
func (t *Tracker) Clear(table string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.tables, table)
}

// Snapshot returns the current contents without clearing. No ordering
// guarantee.
func (t *Tracker) Snapshot() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.tables))
	for name := range t.tables {
		out = append(out, name)
	}
	return out
}

// Drain returns the current contents and clears the set atomically.
func (t *Tracker) Drain() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.tables))
	for name := range t.tables {
		out = append(out, name)
	}
	t.tables = make(map[string]struct{})
	return out
}

// Len returns the number of dirty tables.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.tables)
}
