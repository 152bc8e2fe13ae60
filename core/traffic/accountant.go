// Package traffic implements the Traffic Accountant (spec.md §4.8, C8): a
// rotating-window cover-traffic admission test used to decide whether an
// anonymity-constrained send is backed by enough recent received
// traffic to hide in.
package traffic

import (
	"sync"
	"time"
)

const (
	// slots is the rotating-window depth H = 32 (spec.md §4.8).
	slots = 32
	// slotDuration is U = 5 seconds per slot.
	slotDuration = 5 * time.Second
	// diversitySize bounds the peer-diversity ring at 15 entries.
	diversitySize = 15
)

// Direction distinguishes sent vs. received traffic.
type Direction int

const (
	// Sent is outgoing traffic.
	Sent Direction = iota
	// Received is incoming traffic.
	Received
)

type window struct {
	count    [slots]uint64
	avgSize  [slots]float64
	mask     uint32
	cur      int
	lastTick time.Time
}

func newWindow(now time.Time) *window {
	return &window{lastTick: now}
}

// advance rolls the window forward by the number of slot durations that
// have elapsed since lastTick, zeroing every slot traversed (spec.md
// §4.8 step 1).
func (w *window) advance(now time.Time) {
	if w.lastTick.IsZero() {
		w.lastTick = now
		return
	}
	elapsed := now.Sub(w.lastTick)
	if elapsed < slotDuration {
		return
	}
	steps := int(elapsed / slotDuration)
	if steps > slots {
		steps = slots
	}
	for i := 0; i < steps; i++ {
		w.cur = (w.cur + 1) % slots
		w.count[w.cur] = 0
		w.avgSize[w.cur] = 0
		w.mask &^= 1 << uint(w.cur)
	}
	w.lastTick = w.lastTick.Add(time.Duration(steps) * slotDuration)
}

func (w *window) record(now time.Time, size int) {
	w.advance(now)
	n := w.count[w.cur]
	w.avgSize[w.cur] = (w.avgSize[w.cur]*float64(n) + float64(size)) / float64(n+1)
	w.count[w.cur] = n + 1
	w.mask |= 1 << uint(w.cur)
}

func (w *window) totalCount(now time.Time) uint64 {
	w.advance(now)
	var total uint64
	for _, c := range w.count {
		total += c
	}
	return total
}

type diversityEntry struct {
	peerPrefix [8]byte
	slot       int
	seenAt     time.Time
}

// Accountant is the C8 contract: per-type/direction rotating windows plus
// a peer-diversity ring.
type Accountant struct {
	mu         sync.Mutex
	windows    map[uint32]*window // key: type<<1 | direction
	diversity  []diversityEntry
}

// New creates an empty Accountant.
func New() *Accountant {
	return &Accountant{windows: make(map[uint32]*window)}
}

func windowKey(msgType uint16, dir Direction) uint32 {
	return uint32(msgType)<<1 | uint32(dir)
}

func (a *Accountant) windowFor(key uint32, now time.Time) *window {
	w, ok := a.windows[key]
	if !ok {
		w = newWindow(now)
		a.windows[key] = w
	}
	return w
}

// peerPrefix extracts the first 8 bytes of a 512-bit peer identity for
// the diversity ring.
func peerPrefix(peerID [64]byte) [8]byte {
	var p [8]byte
	copy(p[:], peerID[:8])
	return p
}

// Record updates the window for (msgType, dir) and refreshes the
// peer-diversity ring (spec.md §4.8 "Update on message").
func (a *Accountant) Record(msgType uint16, dir Direction, peerID [64]byte, size int, now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()

	key := windowKey(msgType, dir)
	w := a.windowFor(key, now)
	w.record(now, size)

	prefix := peerPrefix(peerID)
	for i, e := range a.diversity {
		if e.peerPrefix == prefix {
			a.diversity[i] = diversityEntry{peerPrefix: prefix, slot: w.cur, seenAt: now}
			return
		}
	}
	entry := diversityEntry{peerPrefix: prefix, slot: w.cur, seenAt: now}
	if len(a.diversity) < diversitySize {
		a.diversity = append(a.diversity, entry)
		return
	}
	oldest := 0
	for i, e := range a.diversity {
		if e.seenAt.Before(a.diversity[oldest].seenAt) {
			oldest = i
		}
	}
	a.diversity[oldest] = entry
}

// receivedTotals sums received_count and distinct peers over every
// message-type window, as of now.
func (a *Accountant) receivedTotals(now time.Time) (count uint64, peers int) {
	for key, w := range a.windows {
		if key&1 == uint32(Received) {
			count += w.totalCount(now)
		}
	}
	seen := make(map[[8]byte]bool)
	cutoff := now.Add(-time.Duration(slots) * slotDuration)
	for _, e := range a.diversity {
		if e.seenAt.After(cutoff) {
			seen[e.peerPrefix] = true
		}
	}
	return count, len(seen)
}

// CoverSufficient implements spec.md §4.8's admission test: reject the
// send iff received traffic over the window cannot plausibly hide a
// message at anonymity level L.
func (a *Accountant) CoverSufficient(level uint32) bool {
	if level == 0 {
		return true
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	now := time.Now()
	count, peers := a.receivedTotals(now)
	if level <= 1000 {
		return count >= uint64(level)
	}
	return uint64(peers) >= uint64(level/1000) && count >= uint64(level%1000)
}
