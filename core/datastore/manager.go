// Package datastore implements the Datastore Manager (spec.md §4.4, C4):
// the only entry point clients use for content, enforcing a byte-quota
// and keeping the bloom filter in sync with SQstore.
package datastore

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"anonet/core/bloom"
	"anonet/core/ecrs"
	"anonet/core/sqstore"
	"anonet/pkg/result"
)

const (
	// maintenanceInterval is the cadence of the background maintenance
	// loop (spec.md §4.4: "every 10 seconds").
	maintenanceInterval = 10 * time.Second
	// expiredSweepBudget bounds how long the expired-row sweep phase may
	// run before yielding to foreground work (spec.md §4.4).
	expiredSweepBudget = 5 * time.Second
	// agingPeriod is the divisor in the aging-bonus formula (spec.md
	// §4.4: "(now − db_creation_time) / 30 days").
	agingPeriod = 30 * 24 * time.Hour
)

// Stats tracks the counters named in spec.md §4.4/§8 (`filtered`,
// `filter_false_positive`, bloom hits) for observability and tests.
type Stats struct {
	mu                   sync.Mutex
	Filtered             uint64
	FilterFalsePositive  uint64
	FilterHits           uint64
	Puts                 uint64
	Deletes              uint64
}

func (s *Stats) incFiltered()            { s.mu.Lock(); s.Filtered++; s.mu.Unlock() }
func (s *Stats) incFalsePositive()       { s.mu.Lock(); s.FilterFalsePositive++; s.mu.Unlock() }
func (s *Stats) incHit()                 { s.mu.Lock(); s.FilterHits++; s.mu.Unlock() }
func (s *Stats) incPut()                 { s.mu.Lock(); s.Puts++; s.mu.Unlock() }
func (s *Stats) incDelete()              { s.mu.Lock(); s.Deletes++; s.mu.Unlock() }

// Snapshot returns a copy of the current counters.
func (s *Stats) Snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Filtered:            s.Filtered,
		FilterFalsePositive: s.FilterFalsePositive,
		FilterHits:          s.FilterHits,
		Puts:                s.Puts,
		Deletes:             s.Deletes,
	}
}

// OnDemandGetter produces the ciphertext for an ONDEMAND row's query on
// the fly (spec.md §4.5 get_indexed), so Get can dispatch ONDEMAND hits
// to it instead of handing the caller the raw on-disk {file-id, offset,
// length} record.
type OnDemandGetter interface {
	GetIndexed(query ecrs.Query) (ecrs.Encoded, error)
}

// Manager is the quota-enforcing wrapper over an sqstore.Store and a
// bloom.Filter (spec.md §4.4).
type Manager struct {
	// lock covers both SQstore and bloom mutations so they stay
	// consistent (spec.md §5: "single mutex `lock`").
	lock sync.Mutex

	store    sqstore.Store
	filter   *bloom.Filter
	log      *zap.SugaredLogger
	ondemand OnDemandGetter

	quotaBytes   uint64
	dbCreatedAt  time.Time
	minPriority  uint32

	stats Stats

	stopCh chan struct{}
	doneCh chan struct{}
}

// SetOnDemandEncoder wires the on-demand encoder (C5) into Get's dispatch
// path. It is expected to be called once during startup, before Start, so
// no additional locking is needed around reads of the field.
func (m *Manager) SetOnDemandEncoder(g OnDemandGetter) {
	m.ondemand = g
}

// New constructs a Manager over an already-open store and filter.
// dbCreatedAt is the per-installation creation time used by the aging
// bonus (spec.md §3 "Priority aging").
func New(store sqstore.Store, filter *bloom.Filter, quotaBytes uint64, dbCreatedAt time.Time, logger *zap.SugaredLogger) *Manager {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Manager{
		store:       store,
		filter:      filter,
		log:         logger,
		quotaBytes:  quotaBytes,
		dbCreatedAt: dbCreatedAt,
	}
}

func queryKeyBytes(q ecrs.Query) []byte { return q[:] }

// agingBonus implements spec.md §4.4: "max(1, (now − db_creation_time) /
// 30 days)", applied once at insert.
func (m *Manager) agingBonus(now time.Time) uint32 {
	elapsed := now.Sub(m.dbCreatedAt)
	months := uint32(elapsed / agingPeriod)
	if months < 1 {
		return 1
	}
	return months
}

// Put implements spec.md §4.4 put(query, value): duplicate-priority-bump
// on an exact payload match, else quota+priority admission and insert.
func (m *Manager) Put(e *sqstore.Entry) (result.Code, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	key := queryKeyBytes(e.Query)
	if m.filter.Test(key) {
		var dup *sqstore.Entry
		_, err := m.store.Get(e.Query, &e.PayloadHash, nil, func(found *sqstore.Entry) sqstore.IterResult {
			dup = found
			return sqstore.Abort
		})
		if err != nil {
			return result.SYSERR, err
		}
		if dup != nil {
			if err := m.store.Update(dup.RowID, int64(e.Priority), e.ExpirationTime); err != nil {
				return result.SYSERR, err
			}
			return result.OK, nil
		}
	}

	size := uint64(len(e.Payload))
	curSize, err := m.store.GetSize()
	if err != nil {
		return result.SYSERR, err
	}
	available := uint64(0)
	if m.quotaBytes > curSize {
		available = m.quotaBytes - curSize
	}
	bonus := m.agingBonus(time.Now())
	effectivePriority := e.Priority + bonus
	if available < size || effectivePriority <= m.minPriority {
		return result.NO, nil
	}

	e.Priority = effectivePriority
	if _, err := m.store.Put(e); err != nil {
		return result.SYSERR, err
	}
	m.filter.Insert(key)
	m.stats.incPut()
	return result.OK, nil
}

// Get implements spec.md §4.4 get(query, type, iter): bloom probe first.
// ONDEMAND hits are dispatched through the on-demand encoder (spec.md
// §4.5 get_indexed) so the caller sees produced ciphertext rather than the
// stored {file-id, offset, length} indirection record.
func (m *Manager) Get(query ecrs.Query, typ ecrs.BlockType, iter sqstore.IterFunc) (int, error) {
	if !m.filter.Test(queryKeyBytes(query)) {
		m.stats.incFiltered()
		return 0, nil
	}
	m.stats.incHit()
	n, err := m.store.Get(query, nil, &typ, func(e *sqstore.Entry) sqstore.IterResult {
		if e.Type == ecrs.TypeOnDemand && m.ondemand != nil {
			encoded, err := m.ondemand.GetIndexed(e.Query)
			if err != nil {
				m.log.Warnw("datastore: get_indexed failed", "error", err)
				return sqstore.Continue
			}
			dispatched := *e
			dispatched.Payload = encoded.Ciphertext
			return iter(&dispatched)
		}
		return iter(e)
	})
	if err != nil {
		return 0, err
	}
	if n == 0 {
		m.stats.incFalsePositive()
	}
	return n, nil
}

// IterateMigrationOrder passes through to the backing store's migration
// cursor (spec.md §4.3 iterate_migration_order), used by gap.Router's
// migration-push path (SPEC_FULL.md "SUPPLEMENTED FEATURES" §2).
func (m *Manager) IterateMigrationOrder(iter sqstore.IterFunc) error {
	return m.store.IterateMigrationOrder(iter)
}

// FastGet implements spec.md §4.4 fast_get(query) → bool: bloom probe only.
func (m *Manager) FastGet(query ecrs.Query) bool {
	return m.filter.Test(queryKeyBytes(query))
}

// Del implements spec.md §4.4 del(query, value): bloom-probed, matched
// against payload hash, clears the bloom entry exactly since it is
// counting.
func (m *Manager) Del(query ecrs.Query, payloadHash [64]byte) (result.Code, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	key := queryKeyBytes(query)
	if !m.filter.Test(key) {
		return result.NO, nil
	}
	deleted := false
	_, err := m.store.Get(query, &payloadHash, nil, func(e *sqstore.Entry) sqstore.IterResult {
		deleted = true
		return sqstore.DeleteAndContinue
	})
	if err != nil {
		return result.SYSERR, err
	}
	if !deleted {
		return result.NO, nil
	}
	m.filter.Remove(key)
	m.stats.incDelete()
	return result.OK, nil
}

// Stats returns a snapshot of the manager's counters.
func (m *Manager) Stats() Stats { return m.stats.Snapshot() }

// Start launches the background maintenance loop (spec.md §4.4); Stop
// ends it.
func (m *Manager) Start() {
	m.lock.Lock()
	if m.stopCh != nil {
		m.lock.Unlock()
		return
	}
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	m.lock.Unlock()

	go m.maintenanceLoop()
}

// Stop signals the maintenance loop to exit and waits for it to finish.
func (m *Manager) Stop() {
	m.lock.Lock()
	stop := m.stopCh
	done := m.doneCh
	m.lock.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}

func (m *Manager) maintenanceLoop() {
	defer close(m.doneCh)
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.runMaintenance()
		}
	}
}

// runMaintenance implements the two-phase maintenance algorithm of
// spec.md §4.4.
func (m *Manager) runMaintenance() {
	m.lock.Lock()
	defer m.lock.Unlock()

	if err := m.sweepExpired(); err != nil {
		m.log.Errorw("maintenance: expired sweep failed", "error", err)
	}
	if err := m.reclaimFreeFloor(); err != nil {
		m.log.Errorw("maintenance: free-floor reclaim failed", "error", err)
	}
}

// sweepExpired deletes expired rows in expiration-time order until either
// none remain or the fairness budget elapses (spec.md §4.4 phase 1).
func (m *Manager) sweepExpired() error {
	deadline := time.Now().Add(expiredSweepBudget)
	now := uint64(time.Now().Unix())
	return m.store.IterateExpirationTime(ecrs.TypeAny, true, func(e *sqstore.Entry) sqstore.IterResult {
		if time.Now().After(deadline) {
			return sqstore.Abort
		}
		if e.ExpirationTime >= now {
			return sqstore.Abort
		}
		m.filter.Remove(queryKeyBytes(e.Query))
		m.stats.incDelete()
		return sqstore.DeleteAndContinue
	})
}

// reclaimFreeFloor implements spec.md §4.4 phase 2: if available space
// drops below quota/100, delete rows in priority-ascending order until
// the floor is restored. minPriority ends up holding the priority of the
// *last deleted* row, not the last retained row — this reproduces the
// original datastore.c behavior verbatim (see DESIGN.md Open Questions).
func (m *Manager) reclaimFreeFloor() error {
	curSize, err := m.store.GetSize()
	if err != nil {
		return err
	}
	floor := m.quotaBytes / 100
	available := uint64(0)
	if m.quotaBytes > curSize {
		available = m.quotaBytes - curSize
	}
	if available >= floor {
		return nil
	}
	return m.store.IterateLowPriority(ecrs.TypeAny, func(e *sqstore.Entry) sqstore.IterResult {
		curSize, err := m.store.GetSize()
		if err != nil {
			return sqstore.Abort
		}
		available := uint64(0)
		if m.quotaBytes > curSize {
			available = m.quotaBytes - curSize
		}
		if available >= floor {
			return sqstore.Abort
		}
		m.minPriority = e.Priority
		m.filter.Remove(queryKeyBytes(e.Query))
		m.stats.incDelete()
		return sqstore.DeleteAndContinue
	})
}
