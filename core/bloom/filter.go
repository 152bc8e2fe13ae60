// Package bloom implements the content index of spec.md §4.2 (C2): a
// counting bloom filter gating expensive SQstore lookups. Counting cells
// are one byte wide so that remove stays exact rather than probabilistic,
// matching the original GNUnet filter's destructive-remove design.
package bloom

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"os"
	"sync"

	"lukechampine.com/blake3"
)

// Filter is a counting bloom filter backed by a fixed-size on-disk byte
// array (spec.md §4.2: "persisted to a file of fixed size derived from
// quota").
type Filter struct {
	mu     sync.Mutex
	cells  []byte
	k      int
	path   string
}

// OptimalParams computes the bit-array size and number of hash functions
// for n expected elements and a target false-positive rate p, the
// standard bloom-filter sizing formula (spec.md §3: "optimal-k hash
// functions").
func OptimalParams(n uint64, p float64) (bits uint64, k int) {
	if n == 0 {
		n = 1
	}
	m := math.Ceil(-1 * float64(n) * math.Log(p) / (math.Ln2 * math.Ln2))
	bits = uint64(m)
	if bits == 0 {
		bits = 1
	}
	kf := math.Round(float64(bits) / float64(n) * math.Ln2)
	k = int(kf)
	if k < 1 {
		k = 1
	}
	if k > 16 {
		k = 16
	}
	return bits, k
}

// New creates an in-memory filter of the given cell count and hash-function
// count.
func New(cells uint64, k int) *Filter {
	if k < 1 {
		k = 1
	}
	return &Filter{cells: make([]byte, cells), k: k}
}

// NewForQuota sizes a filter for quotaBytes of datastore space, assuming
// avgEntrySize bytes per stored block on average, at a 1% target
// false-positive rate (spec.md §3: "bit array sized to a configured
// fraction of quota").
func NewForQuota(quotaBytes uint64, avgEntrySize uint64) *Filter {
	if avgEntrySize == 0 {
		avgEntrySize = 1024
	}
	n := quotaBytes / avgEntrySize
	bits, k := OptimalParams(n, 0.01)
	return New(bits, k)
}

// Load reads a persisted filter from path, created previously by Save.
func Load(path string) (*Filter, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("bloom: open %s: %w", path, err)
	}
	defer f.Close()
	var header [4]byte
	if _, err := io.ReadFull(f, header[:]); err != nil {
		return nil, fmt.Errorf("bloom: read header: %w", err)
	}
	k := int(header[0])
	size := int(header[1]) | int(header[2])<<8 | int(header[3])<<16
	cells := make([]byte, size)
	if _, err := io.ReadFull(f, cells); err != nil {
		return nil, fmt.Errorf("bloom: read cells: %w", err)
	}
	return &Filter{cells: cells, k: k, path: path}, nil
}

// Save persists the filter to its configured path, or to path if given.
func (b *Filter) Save(path string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if path == "" {
		path = b.path
	}
	if path == "" {
		return fmt.Errorf("bloom: save: no path configured")
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("bloom: create %s: %w", path, err)
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	size := len(b.cells)
	header := [4]byte{byte(b.k), byte(size), byte(size >> 8), byte(size >> 16)}
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	if _, err := w.Write(b.cells); err != nil {
		return err
	}
	b.path = path
	return w.Flush()
}

func (b *Filter) slots(key []byte) []uint64 {
	n := uint64(len(b.cells))
	slots := make([]uint64, b.k)
	h := blake3.New(8*b.k, nil)
	h.Write(key)
	digest := h.Sum(nil)
	for i := 0; i < b.k; i++ {
		var v uint64
		for j := 0; j < 8; j++ {
			v = v<<8 | uint64(digest[i*8+j])
		}
		slots[i] = v % n
	}
	return slots
}

// Insert adds key to the filter (spec.md §4.2 insert(key)).
func (b *Filter) Insert(key []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, slot := range b.slots(key) {
		if b.cells[slot] < 255 {
			b.cells[slot]++
		}
	}
}

// Remove reverses a prior Insert of key, exact because cells count
// instead of merely flagging (spec.md §4.2: "counting variant... so that
// removes are accurate").
func (b *Filter) Remove(key []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, slot := range b.slots(key) {
		if b.cells[slot] > 0 {
			b.cells[slot]--
		}
	}
}

// Test reports whether key may be present (spec.md §4.2 test(key) →
// maybe|no). A false result is definitive; a true result may be a false
// positive.
func (b *Filter) Test(key []byte) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, slot := range b.slots(key) {
		if b.cells[slot] == 0 {
			return false
		}
	}
	return true
}

// Reset zeroes all cells, used before a Rebuild pass.
func (b *Filter) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.cells {
		b.cells[i] = 0
	}
}

// RebuildProgress is called by Rebuild every time progress crosses another
// 1% of total, per spec.md §4.2 ("progress reported every 1% to stdout").
type RebuildProgress func(percent int)

// Rebuild clears the filter and re-inserts every key yielded by next,
// reporting progress via report every time a new percentage point is
// crossed. next must return io.EOF when exhausted.
func Rebuild(b *Filter, total int, next func() ([]byte, error), report RebuildProgress) error {
	b.Reset()
	if total <= 0 {
		for {
			key, err := next()
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return err
			}
			b.Insert(key)
		}
	}
	lastPct := -1
	for i := 0; i < total; i++ {
		key, err := next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("bloom: rebuild: %w", err)
		}
		b.Insert(key)
		pct := (i + 1) * 100 / total
		if pct != lastPct && report != nil {
			report(pct)
			lastPct = pct
		}
	}
	return nil
}
