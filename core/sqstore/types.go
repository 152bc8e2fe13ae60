// Package sqstore implements the ordered persistent block store of
// spec.md §4.3 (C3): an SQstore of (query, header, payload) triples keyed
// by a monotonically assigned row id, secondarily indexed by query,
// priority, and expiration time. There is no anonymity-level index;
// IterateNonAnonymous filters a priority-ordered scan.
package sqstore

import "anonet/core/ecrs"

// IterResult is the caller's decision returned from an iterator callback,
// mirroring the OK/NO/SYSERR convention of spec.md §7 (continue /
// delete-then-continue / abort).
type IterResult int

const (
	// Continue keeps iterating without modifying the current row.
	Continue IterResult = iota
	// DeleteAndContinue deletes the current row, then keeps iterating.
	DeleteAndContinue
	// Abort stops iteration immediately.
	Abort
)

// Entry is one stored row: header fields plus the opaque payload.
type Entry struct {
	RowID          uint64
	Query          ecrs.Query
	Type           ecrs.BlockType
	Priority       uint32
	AnonymityLevel uint32
	ExpirationTime uint64
	PayloadHash    [64]byte
	Payload        []byte
}

// IterFunc is called once per matching row during an iteration; its
// return value is the row's disposition (spec.md §4.3: "iter returns OK
// (continue), NO (delete-then-continue), SYSERR (abort)").
type IterFunc func(e *Entry) IterResult

// Store is the SQstore contract of spec.md §4.3.
type Store interface {
	// Put inserts a new row, returning its assigned row id.
	Put(e *Entry) (uint64, error)
	// Get iterates all rows matching query (and, if non-nil,
	// payloadHash/typ) starting from a uniformly random offset among the
	// matches, so that prefix-only consumers see a diverse sample.
	Get(query ecrs.Query, payloadHash *[64]byte, typ *ecrs.BlockType, iter IterFunc) (int, error)
	// IterateLowPriority yields rows of typ (or any type, if TypeAny) in
	// ascending priority order.
	IterateLowPriority(typ ecrs.BlockType, iter IterFunc) error
	// IterateNonAnonymous yields only rows with AnonymityLevel == 0.
	IterateNonAnonymous(typ ecrs.BlockType, iter IterFunc) error
	// IterateExpirationTime yields rows in ascending expiration order. When
	// includeExpired is false, rows with ExpirationTime < now are skipped
	// (used by lookup paths); when true, already-expired rows are yielded
	// first, as required by the expired-row maintenance sweep.
	IterateExpirationTime(typ ecrs.BlockType, includeExpired bool, iter IterFunc) error
	// IterateMigrationOrder yields rows suitable for cover/migration
	// traffic; never yields ONDEMAND blocks (spec.md §4.3 invariant 2).
	IterateMigrationOrder(iter IterFunc) error
	// IterateAllNow yields every row regardless of expiration, including
	// rows with expiration < now (spec.md §4.3 invariant 1's exception).
	IterateAllNow(iter IterFunc) error
	// Update applies a saturating priority delta and raises expiration to
	// the max of old and new.
	Update(rowID uint64, deltaPriority int64, newExpiration uint64) error
	// GetSize returns the total on-disk payload+header size in bytes.
	GetSize() (uint64, error)
	// Drop deletes the entire store.
	Drop() error
	// Close releases underlying resources.
	Close() error
}
