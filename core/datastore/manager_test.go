package datastore

import (
	"path/filepath"
	"testing"
	"time"

	"anonet/core/bloom"
	"anonet/core/ecrs"
	"anonet/core/sqstore"
	"anonet/pkg/result"
)

func newTestManager(t *testing.T, quota uint64) (*Manager, *sqstore.BoltStore) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ds.db")
	store, err := sqstore.Open(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	filter := bloom.New(4096, 4)
	m := New(store, filter, quota, time.Now(), nil)
	return m, store
}

func mkEntry(tag byte, priority uint32, size int) *sqstore.Entry {
	var q ecrs.Query
	q[0] = tag
	var ph [64]byte
	ph[0] = tag
	return &sqstore.Entry{
		Query:          q,
		Type:           ecrs.TypeData,
		Priority:       priority,
		ExpirationTime: uint64(time.Now().Add(time.Hour).Unix()),
		PayloadHash:    ph,
		Payload:        make([]byte, size),
	}
}

func TestPutThenGet(t *testing.T) {
	m, _ := newTestManager(t, 1<<20)
	e := mkEntry(1, 5, 128)
	code, err := m.Put(e)
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if code != result.OK {
		t.Fatalf("expected OK, got %v", code)
	}
	var found bool
	n, err := m.Get(e.Query, ecrs.TypeAny, func(*sqstore.Entry) sqstore.IterResult {
		found = true
		return sqstore.Continue
	})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if n != 1 || !found {
		t.Fatalf("expected to retrieve the inserted block, n=%d found=%v", n, found)
	}
}

func TestGetOnAbsentKeyIsFilteredWithoutStoreHit(t *testing.T) {
	m, _ := newTestManager(t, 1<<20)
	var q ecrs.Query
	q[0] = 99
	n, err := m.Get(q, ecrs.TypeAny, func(*sqstore.Entry) sqstore.IterResult { return sqstore.Continue })
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected zero matches for absent key")
	}
	if m.Stats().Filtered != 1 {
		t.Fatalf("expected filtered counter to increment")
	}
}

func TestPutDuplicateUpdatesPriorityInstead(t *testing.T) {
	m, _ := newTestManager(t, 1<<20)
	e := mkEntry(2, 3, 64)
	if _, err := m.Put(e); err != nil {
		t.Fatalf("put: %v", err)
	}
	dup := mkEntry(2, 9, 64)
	code, err := m.Put(dup)
	if err != nil {
		t.Fatalf("put dup: %v", err)
	}
	if code != result.OK {
		t.Fatalf("expected OK on duplicate, got %v", code)
	}
	if m.Stats().Puts != 1 {
		t.Fatalf("duplicate put should not count as a new insert, puts=%d", m.Stats().Puts)
	}
}

func TestQuotaRejectsOversizedPut(t *testing.T) {
	m, _ := newTestManager(t, 100)
	e := mkEntry(3, 5, 1000)
	code, err := m.Put(e)
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if code != result.NO {
		t.Fatalf("expected NO (quota full), got %v", code)
	}
}

func TestDelClearsBloomExactly(t *testing.T) {
	m, _ := newTestManager(t, 1<<20)
	e := mkEntry(4, 2, 32)
	if _, err := m.Put(e); err != nil {
		t.Fatalf("put: %v", err)
	}
	code, err := m.Del(e.Query, e.PayloadHash)
	if err != nil {
		t.Fatalf("del: %v", err)
	}
	if code != result.OK {
		t.Fatalf("expected OK, got %v", code)
	}
	if m.FastGet(e.Query) {
		t.Fatalf("expected fast_get to be false after del (counting bloom remove is exact)")
	}
}

func TestRunMaintenanceSweepsExpiredRows(t *testing.T) {
	m, store := newTestManager(t, 1<<20)

	var q ecrs.Query
	q[0] = 5
	var ph [64]byte
	ph[0] = 5
	expired := &sqstore.Entry{
		Query:          q,
		Type:           ecrs.TypeData,
		Priority:       5,
		ExpirationTime: uint64(time.Now().Add(-time.Hour).Unix()),
		PayloadHash:    ph,
		Payload:        []byte("stale"),
	}
	if _, err := store.Put(expired); err != nil {
		t.Fatalf("put expired row directly: %v", err)
	}
	m.filter.Insert(queryKeyBytes(q))

	sizeBefore, err := store.GetSize()
	if err != nil {
		t.Fatalf("getsize: %v", err)
	}
	if sizeBefore == 0 {
		t.Fatalf("expected nonzero size before maintenance")
	}

	m.runMaintenance()

	n, err := store.Get(q, nil, nil, func(*sqstore.Entry) sqstore.IterResult { return sqstore.Continue })
	if err != nil {
		t.Fatalf("get after maintenance: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected expired row to be deleted by maintenance, still matched %d", n)
	}
	sizeAfter, err := store.GetSize()
	if err != nil {
		t.Fatalf("getsize after: %v", err)
	}
	if sizeAfter != 0 {
		t.Fatalf("expected store to be empty after sweeping the only (expired) row, size=%d", sizeAfter)
	}
}
