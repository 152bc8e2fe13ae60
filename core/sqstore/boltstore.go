package sqstore

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"math/big"
	"time"

	"github.com/boltdb/bolt"

	"anonet/core/ecrs"
)

var (
	bucketRows       = []byte("rows")
	bucketByQuery    = []byte("idx_query")
	bucketByPriority = []byte("idx_priority")
	bucketByExpire   = []byte("idx_expire")
)

// BoltStore is the boltdb-backed SQstore implementation (spec.md §4.3):
// an embedded B-tree holding the primary row table plus secondary
// indices for query, priority, and expiration ordering.
type BoltStore struct {
	db *bolt.DB
}

// Open opens (creating if necessary) a BoltStore at path.
func Open(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("sqstore: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketRows, bucketByQuery, bucketByPriority, bucketByExpire} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("sqstore: init buckets: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func rowKey(id uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, id)
	return b
}

func priorityIndexKey(priority uint32, id uint64) []byte {
	b := make([]byte, 12)
	binary.BigEndian.PutUint32(b[:4], priority)
	binary.BigEndian.PutUint64(b[4:], id)
	return b
}

func expireIndexKey(expire uint64, id uint64) []byte {
	b := make([]byte, 16)
	binary.BigEndian.PutUint64(b[:8], expire)
	binary.BigEndian.PutUint64(b[8:], id)
	return b
}

func queryIndexKey(q ecrs.Query, id uint64) []byte {
	b := make([]byte, 64+8)
	copy(b[:64], q[:])
	binary.BigEndian.PutUint64(b[64:], id)
	return b
}

func encodeEntry(e *Entry) []byte {
	buf := make([]byte, 64+4+4+4+8+64+4+len(e.Payload))
	off := 0
	copy(buf[off:], e.Query[:])
	off += 64
	binary.BigEndian.PutUint32(buf[off:], uint32(e.Type))
	off += 4
	binary.BigEndian.PutUint32(buf[off:], e.Priority)
	off += 4
	binary.BigEndian.PutUint32(buf[off:], e.AnonymityLevel)
	off += 4
	binary.BigEndian.PutUint64(buf[off:], e.ExpirationTime)
	off += 8
	copy(buf[off:], e.PayloadHash[:])
	off += 64
	binary.BigEndian.PutUint32(buf[off:], uint32(len(e.Payload)))
	off += 4
	copy(buf[off:], e.Payload)
	return buf
}

func decodeEntry(rowID uint64, buf []byte) (*Entry, error) {
	const fixed = 64 + 4 + 4 + 4 + 8 + 64 + 4
	if len(buf) < fixed {
		return nil, fmt.Errorf("sqstore: truncated row %d", rowID)
	}
	e := &Entry{RowID: rowID}
	off := 0
	copy(e.Query[:], buf[off:off+64])
	off += 64
	e.Type = ecrs.BlockType(binary.BigEndian.Uint32(buf[off:]))
	off += 4
	e.Priority = binary.BigEndian.Uint32(buf[off:])
	off += 4
	e.AnonymityLevel = binary.BigEndian.Uint32(buf[off:])
	off += 4
	e.ExpirationTime = binary.BigEndian.Uint64(buf[off:])
	off += 8
	copy(e.PayloadHash[:], buf[off:off+64])
	off += 64
	plen := binary.BigEndian.Uint32(buf[off:])
	off += 4
	if len(buf[off:]) < int(plen) {
		return nil, fmt.Errorf("sqstore: truncated payload in row %d", rowID)
	}
	e.Payload = append([]byte(nil), buf[off:off+int(plen)]...)
	return e, nil
}

// Put implements Store.
func (s *BoltStore) Put(e *Entry) (uint64, error) {
	var rowID uint64
	err := s.db.Update(func(tx *bolt.Tx) error {
		rows := tx.Bucket(bucketRows)
		id, err := rows.NextSequence()
		if err != nil {
			return err
		}
		rowID = id
		e.RowID = id
		if err := rows.Put(rowKey(id), encodeEntry(e)); err != nil {
			return err
		}
		if err := tx.Bucket(bucketByQuery).Put(queryIndexKey(e.Query, id), nil); err != nil {
			return err
		}
		if err := tx.Bucket(bucketByPriority).Put(priorityIndexKey(e.Priority, id), rowKey(id)); err != nil {
			return err
		}
		return tx.Bucket(bucketByExpire).Put(expireIndexKey(e.ExpirationTime, id), rowKey(id))
	})
	if err != nil {
		return 0, fmt.Errorf("sqstore: put: %w", err)
	}
	return rowID, nil
}

func (s *BoltStore) deleteRow(tx *bolt.Tx, e *Entry) error {
	if err := tx.Bucket(bucketRows).Delete(rowKey(e.RowID)); err != nil {
		return err
	}
	if err := tx.Bucket(bucketByQuery).Delete(queryIndexKey(e.Query, e.RowID)); err != nil {
		return err
	}
	if err := tx.Bucket(bucketByPriority).Delete(priorityIndexKey(e.Priority, e.RowID)); err != nil {
		return err
	}
	return tx.Bucket(bucketByExpire).Delete(expireIndexKey(e.ExpirationTime, e.RowID))
}

func randOffset(n int) int {
	if n <= 1 {
		return 0
	}
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0
	}
	return int(v.Int64())
}

// Get implements Store, applying a uniformly random starting offset among
// matching rows and skipping rows whose expiration time has passed
// (spec.md §4.3, invariant 1).
func (s *BoltStore) Get(query ecrs.Query, payloadHash *[64]byte, typ *ecrs.BlockType, iter IterFunc) (int, error) {
	matched := 0
	now := uint64(time.Now().Unix())
	err := s.db.Update(func(tx *bolt.Tx) error {
		qb := tx.Bucket(bucketByQuery)
		c := qb.Cursor()
		prefix := query[:]
		var ids []uint64
		for k, _ := c.Seek(prefix); k != nil && len(k) >= 64 && string(k[:64]) == string(prefix); k, _ = c.Next() {
			ids = append(ids, binary.BigEndian.Uint64(k[64:]))
		}
		if len(ids) == 0 {
			return nil
		}
		start := randOffset(len(ids))
		rows := tx.Bucket(bucketRows)
		for i := 0; i < len(ids); i++ {
			id := ids[(start+i)%len(ids)]
			raw := rows.Get(rowKey(id))
			if raw == nil {
				continue
			}
			e, err := decodeEntry(id, raw)
			if err != nil {
				return err
			}
			if e.ExpirationTime < now {
				continue
			}
			if typ != nil && *typ != ecrs.TypeAny && e.Type != *typ {
				continue
			}
			if payloadHash != nil && e.PayloadHash != *payloadHash {
				continue
			}
			matched++
			switch iter(e) {
			case Abort:
				return nil
			case DeleteAndContinue:
				if err := s.deleteRow(tx, e); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return matched, fmt.Errorf("sqstore: get: %w", err)
	}
	return matched, nil
}

func (s *BoltStore) scanBucketAscending(bucketName []byte, now uint64, includeExpired bool, filter func(e *Entry) bool, iter IterFunc) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		idx := tx.Bucket(bucketName)
		rows := tx.Bucket(bucketRows)
		c := idx.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			id := binary.BigEndian.Uint64(v)
			raw := rows.Get(rowKey(id))
			if raw == nil {
				continue
			}
			e, err := decodeEntry(id, raw)
			if err != nil {
				return err
			}
			if !includeExpired && e.ExpirationTime < now {
				continue
			}
			if filter != nil && !filter(e) {
				continue
			}
			switch iter(e) {
			case Abort:
				return nil
			case DeleteAndContinue:
				if err := s.deleteRow(tx, e); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func (s *BoltStore) scanBucketDescending(bucketName []byte, now uint64, includeExpired bool, filter func(e *Entry) bool, iter IterFunc) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		idx := tx.Bucket(bucketName)
		rows := tx.Bucket(bucketRows)
		c := idx.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			id := binary.BigEndian.Uint64(v)
			raw := rows.Get(rowKey(id))
			if raw == nil {
				continue
			}
			e, err := decodeEntry(id, raw)
			if err != nil {
				return err
			}
			if !includeExpired && e.ExpirationTime < now {
				continue
			}
			if filter != nil && !filter(e) {
				continue
			}
			switch iter(e) {
			case Abort:
				return nil
			case DeleteAndContinue:
				if err := s.deleteRow(tx, e); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func typeFilter(typ ecrs.BlockType) func(e *Entry) bool {
	if typ == ecrs.TypeAny {
		return nil
	}
	return func(e *Entry) bool { return e.Type == typ }
}

// IterateLowPriority implements Store: ascending priority order.
func (s *BoltStore) IterateLowPriority(typ ecrs.BlockType, iter IterFunc) error {
	now := uint64(time.Now().Unix())
	return s.scanBucketAscending(bucketByPriority, now, false, typeFilter(typ), iter)
}

// IterateNonAnonymous implements Store: AnonymityLevel == 0 only.
func (s *BoltStore) IterateNonAnonymous(typ ecrs.BlockType, iter IterFunc) error {
	now := uint64(time.Now().Unix())
	base := typeFilter(typ)
	filter := func(e *Entry) bool {
		if e.AnonymityLevel != 0 {
			return false
		}
		return base == nil || base(e)
	}
	return s.scanBucketAscending(bucketByPriority, now, false, filter, iter)
}

// IterateExpirationTime implements Store: ascending expiration order. With
// includeExpired set, already-expired rows are surfaced first (they sort
// lowest by expiration time) instead of being filtered out, so maintenance
// sweeps can see and delete them.
func (s *BoltStore) IterateExpirationTime(typ ecrs.BlockType, includeExpired bool, iter IterFunc) error {
	now := uint64(time.Now().Unix())
	return s.scanBucketAscending(bucketByExpire, now, includeExpired, typeFilter(typ), iter)
}

// IterateMigrationOrder implements Store: descending expiration order
// (longest-lived content migrated first, per the original SQL backends'
// cursor walk), excluding ONDEMAND blocks (spec.md §4.3 invariant 2).
func (s *BoltStore) IterateMigrationOrder(iter IterFunc) error {
	now := uint64(time.Now().Unix())
	filter := func(e *Entry) bool { return e.Type != ecrs.TypeOnDemand }
	return s.scanBucketDescending(bucketByExpire, now, false, filter, iter)
}

// IterateAllNow implements Store: every row, including already-expired
// ones (spec.md §4.3 invariant 1's named exception).
func (s *BoltStore) IterateAllNow(iter IterFunc) error {
	return s.scanBucketAscending(bucketByExpire, 0, true, nil, iter)
}

// Update implements Store: saturating priority delta, monotonic
// expiration raise.
func (s *BoltStore) Update(rowID uint64, deltaPriority int64, newExpiration uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		rows := tx.Bucket(bucketRows)
		raw := rows.Get(rowKey(rowID))
		if raw == nil {
			return fmt.Errorf("sqstore: update: row %d not found", rowID)
		}
		e, err := decodeEntry(rowID, raw)
		if err != nil {
			return err
		}
		oldPriority := e.Priority
		oldExpire := e.ExpirationTime
		newPriority := int64(e.Priority) + deltaPriority
		if newPriority < 0 {
			newPriority = 0
		}
		e.Priority = uint32(newPriority)
		if newExpiration > e.ExpirationTime {
			e.ExpirationTime = newExpiration
		}
		if err := rows.Put(rowKey(rowID), encodeEntry(e)); err != nil {
			return err
		}
		if e.Priority != oldPriority {
			if err := tx.Bucket(bucketByPriority).Delete(priorityIndexKey(oldPriority, rowID)); err != nil {
				return err
			}
			if err := tx.Bucket(bucketByPriority).Put(priorityIndexKey(e.Priority, rowID), rowKey(rowID)); err != nil {
				return err
			}
		}
		if e.ExpirationTime != oldExpire {
			if err := tx.Bucket(bucketByExpire).Delete(expireIndexKey(oldExpire, rowID)); err != nil {
				return err
			}
			if err := tx.Bucket(bucketByExpire).Put(expireIndexKey(e.ExpirationTime, rowID), rowKey(rowID)); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetSize implements Store.
func (s *BoltStore) GetSize() (uint64, error) {
	var total uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		rows := tx.Bucket(bucketRows)
		return rows.ForEach(func(k, v []byte) error {
			total += uint64(len(v))
			return nil
		})
	})
	if err != nil {
		return 0, fmt.Errorf("sqstore: getsize: %w", err)
	}
	return total, nil
}

// Drop implements Store.
func (s *BoltStore) Drop() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketRows, bucketByQuery, bucketByPriority, bucketByExpire} {
			if err := tx.DeleteBucket(name); err != nil && err != bolt.ErrBucketNotFound {
				return err
			}
			if _, err := tx.CreateBucket(name); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close implements Store.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

var _ Store = (*BoltStore)(nil)
