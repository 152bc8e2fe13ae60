// Package ondemand implements the On-Demand Encoder (spec.md §4.5, C5):
// a symlink-based indirection for large local files, so that a peer
// shares plaintext blocks without duplicating them into the datastore.
// Blocks are read from the original file and encrypted on demand using
// core/ecrs.
package ondemand

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"anonet/core/ecrs"
	"anonet/core/sqstore"
	"anonet/pkg/result"
)

// grace is how long an unreachable plaintext file is tolerated before its
// ONDEMAND record is torn down (spec.md §4.5: "soft-fail grace period").
const grace = 3 * 24 * time.Hour

// FileID is the 512-bit hash of a plaintext file's contents.
type FileID = [64]byte

// Record mirrors an ONDEMAND block's payload: { file-id, offset, length }
// (spec.md §3 "On-demand record").
type Record struct {
	FileID FileID
	Offset uint64
	Length uint32
	Query  ecrs.Query
}

type fileState struct {
	firstUnavailable time.Time
}

// Putter is the subset of datastore.Manager's contract the encoder needs
// to make an indexed block visible to the bloom filter and SQstore, so
// that the normal get()/GAP query path can find it (spec.md §4.5, §4.4).
type Putter interface {
	Put(e *sqstore.Entry) (result.Code, error)
}

// Encoder manages the index directory of symlinks, the in-memory ONDEMAND
// record cache used to serve get_indexed cheaply, and (if store is
// non-nil) the datastore-backed ONDEMAND row each Index call creates.
type Encoder struct {
	mu        sync.Mutex
	indexDir  string
	store     Putter
	records   map[ecrs.Query]*Record
	byFile    map[FileID][]ecrs.Query
	stateByID map[FileID]*fileState
}

// New creates an Encoder rooted at indexDir (spec.md §6: `<index-dir>`).
// store is the datastore.Manager (or test double) that Index persists
// ONDEMAND rows through; it may be nil in tests that only exercise the
// symlink/record bookkeeping.
func New(indexDir string, store Putter) *Encoder {
	return &Encoder{
		indexDir:  indexDir,
		store:     store,
		records:   make(map[ecrs.Query]*Record),
		byFile:    make(map[FileID][]ecrs.Query),
		stateByID: make(map[FileID]*fileState),
	}
}

func (e *Encoder) symlinkPath(fileID FileID) string {
	return filepath.Join(e.indexDir, fmt.Sprintf("%x", fileID))
}

// InitIndex verifies hash(contents of path) == fileID, then symlinks
// indexDir/fileID -> path (spec.md §4.5 init_index).
func (e *Encoder) InitIndex(fileID FileID, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("ondemand: read %s: %w", path, err)
	}
	got := ecrs.Hash512(data)
	if got != fileID {
		return ErrHashMismatch
	}
	if err := os.MkdirAll(e.indexDir, 0o755); err != nil {
		return fmt.Errorf("ondemand: mkdir %s: %w", e.indexDir, err)
	}
	link := e.symlinkPath(fileID)
	_ = os.Remove(link)
	if err := os.Symlink(path, link); err != nil {
		return fmt.Errorf("ondemand: symlink: %w", err)
	}
	return nil
}

// ErrHashMismatch is returned by InitIndex when the file's contents do
// not hash to the claimed file-id (spec.md §4.5: "Returns NO if hash
// mismatches").
var ErrHashMismatch = fmt.Errorf("ondemand: file contents do not match file-id")

// Index derives a plaintext block's query via C1, stores an ONDEMAND
// record for it, and (when the encoder has a backing store) inserts an
// ONDEMAND row so the row is
// visible to the bloom filter and the normal get()/GAP query path can
// dispatch to GetIndexed (spec.md §4.5 index:
// "index(prio, expiration, file-offset, anonymity, file-id, size,
// plaintext_block)"). The block is not compared with the contents of
// fileID at offset, and fileID need not have been passed to InitIndex.
func (e *Encoder) Index(prio uint32, expiration uint64, offset uint64, anonymity uint32, fileID FileID, plaintextBlock []byte) (ecrs.Query, error) {
	encoded, err := ecrs.Encode(plaintextBlock)
	if err != nil {
		return ecrs.Query{}, fmt.Errorf("ondemand: encode: %w", err)
	}
	rec := &Record{
		FileID: fileID,
		Offset: offset,
		Length: uint32(len(plaintextBlock)),
		Query:  encoded.Query,
	}

	e.mu.Lock()
	e.records[encoded.Query] = rec
	e.byFile[fileID] = append(e.byFile[fileID], encoded.Query)
	e.mu.Unlock()

	if e.store == nil {
		return encoded.Query, nil
	}

	payload := EncodeRecordPayload(*rec)
	entry := &sqstore.Entry{
		Query:          encoded.Query,
		Type:           ecrs.TypeOnDemand,
		Priority:       prio,
		AnonymityLevel: anonymity,
		ExpirationTime: expiration,
		PayloadHash:    ecrs.Hash512(payload),
		Payload:        payload,
	}
	if _, err := e.store.Put(entry); err != nil {
		return ecrs.Query{}, fmt.Errorf("ondemand: put ondemand row: %w", err)
	}
	return encoded.Query, nil
}

// GetIndexed opens the file symlinked for rec.FileID, seeks to rec.Offset,
// reads rec.Length bytes, and encodes them via C1 (spec.md §4.5
// get_indexed). If the target is missing or unreadable, it tracks the
// first-unavailable timestamp and, after the grace period, tears down the
// record and its symlink.
func (e *Encoder) GetIndexed(query ecrs.Query) (ecrs.Encoded, error) {
	e.mu.Lock()
	rec, ok := e.records[query]
	e.mu.Unlock()
	if !ok {
		return ecrs.Encoded{}, fmt.Errorf("ondemand: no record for query")
	}

	link := e.symlinkPath(rec.FileID)
	f, err := os.Open(link)
	if err != nil {
		return ecrs.Encoded{}, e.handleUnavailable(rec.FileID, err)
	}
	defer f.Close()

	buf := make([]byte, rec.Length)
	if _, err := f.ReadAt(buf, int64(rec.Offset)); err != nil {
		return ecrs.Encoded{}, e.handleUnavailable(rec.FileID, err)
	}

	e.mu.Lock()
	delete(e.stateByID, rec.FileID)
	e.mu.Unlock()

	return ecrs.Encode(buf)
}

func (e *Encoder) handleUnavailable(fileID FileID, cause error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.stateByID[fileID]
	if !ok {
		st = &fileState{firstUnavailable: time.Now()}
		e.stateByID[fileID] = st
		return fmt.Errorf("ondemand: unavailable: %w", cause)
	}
	if time.Since(st.firstUnavailable) > grace {
		e.dropFileLocked(fileID)
		return fmt.Errorf("ondemand: unavailable past grace period, record removed: %w", cause)
	}
	return fmt.Errorf("ondemand: unavailable: %w", cause)
}

// dropFileLocked removes every record for fileID, its symlink, and its
// state entry. Caller must hold e.mu.
func (e *Encoder) dropFileLocked(fileID FileID) {
	for _, q := range e.byFile[fileID] {
		delete(e.records, q)
	}
	delete(e.byFile, fileID)
	delete(e.stateByID, fileID)
	_ = os.Remove(e.symlinkPath(fileID))
}

// Unindex reads the plaintext file through its symlink (failing if it is
// unreadable), then drops the encoder's in-memory ONDEMAND records for
// fileID and removes the symlink and state entry (spec.md §4.5 unindex).
// It does not recompute block queries and does not delete the ONDEMAND
// rows persisted in the datastore; blockSize is unused.
func (e *Encoder) Unindex(fileID FileID, blockSize int) error {
	link := e.symlinkPath(fileID)
	data, err := os.ReadFile(link)
	if err != nil {
		return fmt.Errorf("ondemand: unindex read: %w", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dropFileLocked(fileID)
	_ = blockSize // recomputation left to the caller's re-Index pass; this only tears down state
	_ = data
	return nil
}

// decodeRecordPayload parses an ONDEMAND block's wire payload: { file-id
// (64 bytes), offset (8 bytes BE), size (4 bytes BE) } (spec.md §3:
// "for ONDEMAND, payload is { file-id, file offset, block size }").
func decodeRecordPayload(payload []byte) (Record, error) {
	if len(payload) < 64+8+4 {
		return Record{}, fmt.Errorf("ondemand: malformed ondemand payload")
	}
	var r Record
	copy(r.FileID[:], payload[:64])
	r.Offset = binary.BigEndian.Uint64(payload[64:72])
	r.Length = binary.BigEndian.Uint32(payload[72:76])
	return r, nil
}

// EncodeRecordPayload serializes a Record to its ONDEMAND wire payload.
func EncodeRecordPayload(r Record) []byte {
	buf := make([]byte, 64+8+4)
	copy(buf[:64], r.FileID[:])
	binary.BigEndian.PutUint64(buf[64:72], r.Offset)
	binary.BigEndian.PutUint32(buf[72:76], r.Length)
	return buf
}
