package ondemand

import (
	"os"
	"sync"
	"time"

	"anonet/core/ecrs"
	"anonet/core/sqstore"
)

// outbox queues ONDEMAND rows discovered stale during a store iterator
// pass. Deletions are applied only after the iterator completes, since
// deleting through the same backing store while its own cursor is live is
// unsafe: spec.md §9 flags this exact hazard in the original encoder's
// asyncDelete-at-zero-delay and directs implementations to defer rather
// than delete in place.
type outbox struct {
	mu   sync.Mutex
	rows []uint64
}

func (o *outbox) push(rowID uint64) {
	o.mu.Lock()
	o.rows = append(o.rows, rowID)
	o.mu.Unlock()
}

func (o *outbox) drain() []uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	rows := o.rows
	o.rows = nil
	return rows
}

// ReapStale scans every unexpired ONDEMAND row in store, checking whether its
// symlink target is still reachable. Rows whose target has been missing
// for longer than grace are queued and deleted only after the scan
// completes. Returns the number of rows reaped.
func (e *Encoder) ReapStale(store sqstore.Store) (int, error) {
	ob := &outbox{}

	err := store.IterateLowPriority(ecrs.TypeOnDemand, func(row *sqstore.Entry) sqstore.IterResult {
		rec, err := decodeRecordPayload(row.Payload)
		if err != nil {
			return sqstore.Continue
		}
		link := e.symlinkPath(rec.FileID)
		if _, statErr := os.Stat(link); statErr == nil {
			e.mu.Lock()
			delete(e.stateByID, rec.FileID)
			e.mu.Unlock()
			return sqstore.Continue
		}
		e.mu.Lock()
		st, ok := e.stateByID[rec.FileID]
		if !ok {
			e.stateByID[rec.FileID] = &fileState{firstUnavailable: time.Now()}
			e.mu.Unlock()
			return sqstore.Continue
		}
		stale := time.Since(st.firstUnavailable) > grace
		e.mu.Unlock()
		if stale {
			ob.push(row.RowID)
		}
		return sqstore.Continue
	})
	if err != nil {
		return 0, err
	}

	stale := ob.drain()
	return len(stale), e.reapRows(store, stale)
}

// reapRows deletes the given rows and, for each one, drops every in-memory
// record, the symlink, and the state entry of its file-id.
func (e *Encoder) reapRows(store sqstore.Store, rowIDs []uint64) error {
	if len(rowIDs) == 0 {
		return nil
	}
	pending := make(map[uint64]bool, len(rowIDs))
	for _, id := range rowIDs {
		pending[id] = true
	}
	return store.IterateLowPriority(ecrs.TypeOnDemand, func(row *sqstore.Entry) sqstore.IterResult {
		if !pending[row.RowID] {
			return sqstore.Continue
		}
		rec, err := decodeRecordPayload(row.Payload)
		if err == nil {
			e.mu.Lock()
			e.dropFileLocked(rec.FileID)
			e.mu.Unlock()
		}
		return sqstore.DeleteAndContinue
	})
}
