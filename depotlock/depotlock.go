// Package depotlock implements the hive's in-memory, per-(branch,file)
// advisory lock table (C6). Locks are process-local and do not survive a
// hive restart: every in-flight submit is considered abandoned on
// startup, so this package carries no persistence of its own.
package depotlock

import "sync"

// Key identifies one lockable (branch, file) pair.
type Key struct {
	BranchID string
	FileID   string
}

// Table is a single-mutex-guarded map from (branch, file) to the ticket
// that holds it. The critical section is always plain map operations, so
// latency is bounded by O(len(files)) regardless of table size.
type Table struct {
	mu    sync.Mutex
	locks map[Key]string
}

// NewTable returns an empty lock table.
func NewTable() *Table {
	return &Table{locks: make(map[Key]string)}
}

// TryLock attempts to acquire every (branchID, fileID) lock in files under
// one critical section, for ticketID. If any file is already held by a
// different ticket, none are acquired: this is the all-or-nothing variant
// launch-submit requires, since partial acquisition followed by a
// caller-side unlock would let another goroutine observe the
// intermediate, partially-locked state.
func (t *Table) TryLock(branchID string, files []string, ticketID string) (locked, conflicted []string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, f := range files {
		key := Key{BranchID: branchID, FileID: f}
		if held, ok := t.locks[key]; ok && held != ticketID {
			conflicted = append(conflicted, f)
		}
	}
	if len(conflicted) > 0 {
		return nil, conflicted
	}

	for _, f := range files {
		t.locks[Key{BranchID: branchID, FileID: f}] = ticketID
	}
	return append([]string(nil), files...), nil
}

// Unlock releases the named (branchID, file) locks. Missing keys are
// ignored.
func (t *Table) Unlock(branchID string, files []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, f := range files {
		delete(t.locks, Key{BranchID: branchID, FileID: f})
	}
}

// Check reports the ticket currently holding (branchID, fileID), if any.
func (t *Table) Check(branchID, fileID string) (ticketID string, held bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ticketID, held = t.locks[Key{BranchID: branchID, FileID: fileID}]
	return ticketID, held
}

// UnlockTicket releases every lock currently held by ticketID, e.g. when a
// submit ticket is finalized or times out.
func (t *Table) UnlockTicket(ticketID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, v := range t.locks {
		if v == ticketID {
			delete(t.locks, k)
		}
	}
}

// Len reports the number of locks currently held, for diagnostics.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.locks)
}
