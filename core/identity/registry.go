// Package identity implements the Peer-Identity Registry (spec.md §4.6,
// C6): a durable directory of every peer ever seen, plus an in-memory
// ring of unconfirmed temporary peers, blacklist back-off, and trust
// accounting.
package identity

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"anonet/internal/base32"
	"anonet/internal/wire"
)

const (
	// temporaryRingSize bounds unconfirmed peers (spec.md §4.6, §5).
	temporaryRingSize = 32
	// blacklistCap is the maximum back-off delay (spec.md §4.6).
	blacklistCap = 4 * time.Hour
	// trustFlushInterval is how often dirty trust values hit disk
	// (spec.md §4.6: "Flushed to disk every 5 minutes").
	trustFlushInterval = 5 * time.Minute
	// rescanInterval re-validates the host directory (spec.md §4.6).
	rescanInterval = 15 * time.Minute
	// expirySweepInterval removes stale HELLOs (spec.md §4.6).
	expirySweepInterval = 24 * time.Hour
	// helloMaxAge is the mtime cutoff for the expiry sweep.
	helloMaxAge = 90 * 24 * time.Hour
)

// PeerID is a 512-bit peer identity: hash(public key) (spec.md §3).
type PeerID = [64]byte

type blacklistState struct {
	until  time.Time
	delta  time.Duration
	strict bool
}

// hostEntry is one registry row: identity, HELLOs keyed by protocol,
// blacklist state, trust value, and a dirty bit (spec.md §3 "Host entry").
type hostEntry struct {
	id        PeerID
	hellos    map[uint16]*wire.Hello
	blacklist *blacklistState
	trust     uint32
	dirty     bool
}

// Registry is the C6 contract: durable host/trust directories plus the
// temporary ring.
type Registry struct {
	mu sync.Mutex

	hostDir  string
	trustDir string

	hosts     map[PeerID]*hostEntry
	temporary [temporaryRingSize]*wire.Hello
	ringNext  int

	log *logrus.Entry

	stopCh chan struct{}
	doneCh chan struct{}
}

var fileNamePattern = regexp.MustCompile(`^[0-9A-HJ-NP-TV-Z]+\.([0-9]{1,5})$`)

// New constructs a Registry rooted at hostDir/trustDir (spec.md §6
// on-disk layout: `<home>/data/hosts`, `<home>/data/credit`).
func New(hostDir, trustDir string, log *logrus.Entry) *Registry {
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}
	return &Registry{
		hostDir:  hostDir,
		trustDir: trustDir,
		hosts:    make(map[PeerID]*hostEntry),
		log:      log,
	}
}

func peerIDOf(h *wire.Hello) PeerID {
	var id PeerID
	copy(id[:], h.PeerID[:])
	return id
}

func (r *Registry) hostFilePath(id PeerID, protocol uint16) string {
	return filepath.Join(r.hostDir, fmt.Sprintf("%s.%d", base32.Encode(id[:]), protocol))
}

func (r *Registry) trustFilePath(id PeerID) string {
	return filepath.Join(r.trustDir, base32.Encode(id[:]))
}

// AddHost verifies identity-key consistency and keeps the later-expiring
// HELLO for (peer, protocol) (spec.md §4.6 add_host). A HELLO whose peer
// id does not hash from its public key, or whose signature does not
// verify under that key, is rejected outright (spec.md §3).
func (r *Registry) AddHost(h *wire.Hello) error {
	if err := verifyHello(h); err != nil {
		return fmt.Errorf("identity: reject hello: %w", err)
	}

	id := peerIDOf(h)

	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.hosts[id]
	if !ok {
		entry = &hostEntry{id: id, hellos: make(map[uint16]*wire.Hello)}
		r.hosts[id] = entry
	}
	if existing, ok := entry.hellos[h.Protocol]; ok && existing.Expiration >= h.Expiration {
		return nil
	}
	entry.hellos[h.Protocol] = h

	if err := os.MkdirAll(r.hostDir, 0o755); err != nil {
		return fmt.Errorf("identity: mkdir host dir: %w", err)
	}
	buf, err := h.Encode()
	if err != nil {
		return fmt.Errorf("identity: encode hello: %w", err)
	}
	if err := os.WriteFile(r.hostFilePath(id, h.Protocol), buf, 0o644); err != nil {
		return fmt.Errorf("identity: write hello: %w", err)
	}
	return nil
}

// AddTemporary inserts h into the fixed-capacity ring, reusing any
// existing slot for the same peer (spec.md §4.6 add_temporary).
func (r *Registry) AddTemporary(h *wire.Hello) {
	id := peerIDOf(h)
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, existing := range r.temporary {
		if existing != nil && peerIDOf(existing) == id {
			r.temporary[i] = h
			return
		}
	}
	r.temporary[r.ringNext] = h
	r.ringNext = (r.ringNext + 1) % temporaryRingSize
}

const protocolAny = 0xFFFF

// IdentityToHello returns a copy of the HELLO for (peer, protocol); if
// protocol is protocolAny and multiple exist, one is chosen uniformly at
// random (spec.md §4.6 identity_to_hello).
func (r *Registry) IdentityToHello(peer PeerID, protocol uint16, allowTemporary bool) (*wire.Hello, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var candidates []*wire.Hello
	if entry, ok := r.hosts[peer]; ok {
		if protocol == protocolAny {
			for _, h := range entry.hellos {
				candidates = append(candidates, h)
			}
		} else if h, ok := entry.hellos[protocol]; ok {
			candidates = append(candidates, h)
		}
	}
	if allowTemporary {
		for _, h := range r.temporary {
			if h == nil || peerIDOf(h) != peer {
				continue
			}
			if protocol == protocolAny || h.Protocol == protocol {
				candidates = append(candidates, h)
			}
		}
	}
	if len(candidates) == 0 {
		return nil, false
	}
	if len(candidates) == 1 {
		cp := *candidates[0]
		return &cp, true
	}
	idx := randomIndex(len(candidates))
	cp := *candidates[idx]
	return &cp, true
}

func randomIndex(n int) int {
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0
	}
	return int(v.Int64())
}

// HostVisitor is called once per visited peer by ForEachHost.
type HostVisitor func(peer PeerID, strict bool)

// ForEachHost visits every peer in the host table that is not currently
// blacklisted (every one of them when now is the zero time), plus every
// temporary peer that has no host-table entry (spec.md §4.6
// for_each_host). The blacklist check uses the current clock, not now.
func (r *Registry) ForEachHost(now time.Time, visit HostVisitor) {
	r.mu.Lock()
	type visitRow struct {
		peer   PeerID
		strict bool
	}
	var rows []visitRow
	for id, entry := range r.hosts {
		if now.IsZero() || !r.isBlacklistedLocked(entry, false) {
			strict := entry.blacklist != nil && entry.blacklist.strict
			rows = append(rows, visitRow{id, strict})
		}
	}
	for _, h := range r.temporary {
		if h == nil {
			continue
		}
		id := peerIDOf(h)
		if _, persisted := r.hosts[id]; persisted {
			continue
		}
		rows = append(rows, visitRow{id, false})
	}
	r.mu.Unlock()

	for _, row := range rows {
		visit(row.peer, row.strict)
	}
}

// Trust returns the current trust value for peer, or 0 if unknown. It
// performs no mutation, unlike ChangeTrust.
func (r *Registry) Trust(peer PeerID) uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.hosts[peer]
	if !ok {
		return 0
	}
	return entry.trust
}

// ChangeTrust applies a saturating delta and returns the delta actually
// applied (spec.md §4.6 change_trust).
func (r *Registry) ChangeTrust(peer PeerID, delta int64) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.hosts[peer]
	if !ok {
		entry = &hostEntry{id: peer, hellos: make(map[uint16]*wire.Hello)}
		r.hosts[peer] = entry
	}
	before := int64(entry.trust)
	after := before + delta
	if after < 0 {
		after = 0
	}
	if after > int64(^uint32(0)>>1) {
		after = int64(^uint32(0) >> 1)
	}
	entry.trust = uint32(after)
	entry.dirty = true
	return after - before
}

// Blacklist applies the back-off rule of spec.md §4.6: a fresh block gets
// delta = random(0, desperation+1) seconds; a renewed block adds another
// random(0, desperation+1) seconds; capped at 4 hours; strict upgrades
// but never downgrades.
func (r *Registry) Blacklist(peer PeerID, desperation uint32, strict bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.hosts[peer]
	if !ok {
		entry = &hostEntry{id: peer, hellos: make(map[uint16]*wire.Hello)}
		r.hosts[peer] = entry
	}
	now := time.Now()
	addend := time.Duration(randomIndex(int(desperation)+1)) * time.Second
	if entry.blacklist == nil || now.After(entry.blacklist.until) {
		entry.blacklist = &blacklistState{delta: addend, strict: strict}
	} else {
		entry.blacklist.delta += addend
		if strict {
			entry.blacklist.strict = true
		}
	}
	if entry.blacklist.delta > blacklistCap {
		entry.blacklist.delta = blacklistCap
	}
	entry.blacklist.until = now.Add(entry.blacklist.delta)
}

// Whitelist clears any blacklist state for peer.
func (r *Registry) Whitelist(peer PeerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.hosts[peer]; ok {
		entry.blacklist = nil
	}
}

// IsBlacklisted reports whether peer is currently blacklisted under the
// given strictness query (spec.md §4.6 is_blacklisted).
func (r *Registry) IsBlacklisted(peer PeerID, strictQuery bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.hosts[peer]
	if !ok {
		return false
	}
	return r.isBlacklistedLocked(entry, strictQuery)
}

func (r *Registry) isBlacklistedLocked(entry *hostEntry, strictQuery bool) bool {
	if entry.blacklist == nil {
		return false
	}
	if time.Now().After(entry.blacklist.until) {
		return false
	}
	return entry.blacklist.strict || !strictQuery
}

// FlushTrust writes every dirty trust value to disk.
func (r *Registry) FlushTrust() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := os.MkdirAll(r.trustDir, 0o755); err != nil {
		return fmt.Errorf("identity: mkdir trust dir: %w", err)
	}
	for id, entry := range r.hosts {
		if !entry.dirty {
			continue
		}
		buf := []byte{byte(entry.trust >> 24), byte(entry.trust >> 16), byte(entry.trust >> 8), byte(entry.trust)}
		if err := os.WriteFile(r.trustFilePath(id), buf, 0o644); err != nil {
			return fmt.Errorf("identity: write trust: %w", err)
		}
		entry.dirty = false
	}
	return nil
}

// Start launches the periodic rescan and expiry-sweep tasks (spec.md
// §4.6 "Periodic tasks").
func (r *Registry) Start() {
	r.mu.Lock()
	if r.stopCh != nil {
		r.mu.Unlock()
		return
	}
	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})
	r.mu.Unlock()
	go r.periodicLoop()
}

// Stop signals the periodic tasks to exit and waits for them to finish.
func (r *Registry) Stop() {
	r.mu.Lock()
	stop := r.stopCh
	done := r.doneCh
	r.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}

func (r *Registry) periodicLoop() {
	defer close(r.doneCh)
	trustTicker := time.NewTicker(trustFlushInterval)
	rescanTicker := time.NewTicker(rescanInterval)
	expiryTicker := time.NewTicker(expirySweepInterval)
	defer trustTicker.Stop()
	defer rescanTicker.Stop()
	defer expiryTicker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-trustTicker.C:
			if err := r.FlushTrust(); err != nil {
				r.log.WithError(err).Warn("identity: trust flush failed")
			}
		case <-rescanTicker.C:
			if err := r.RescanHostDir(); err != nil {
				r.log.WithError(err).Warn("identity: host dir rescan failed")
			}
		case <-expiryTicker.C:
			r.SweepExpiredHellos()
		}
	}
}

// RescanHostDir accepts files whose name matches <base32>.<uint16>
// and deletes files that do not (spec.md §4.6). The length of the base32
// part is not checked.
func (r *Registry) RescanHostDir() error {
	entries, err := os.ReadDir(r.hostDir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("identity: read host dir: %w", err)
	}
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		m := fileNamePattern.FindStringSubmatch(ent.Name())
		valid := m != nil
		if valid {
			if proto, err := strconv.Atoi(m[1]); err != nil || proto > 0xFFFF {
				valid = false
			}
		}
		if !valid {
			_ = os.Remove(filepath.Join(r.hostDir, ent.Name()))
		}
	}
	return nil
}

// SweepExpiredHellos deletes persisted HELLOs whose mtime exceeds
// helloMaxAge (spec.md §4.6: "every 24 hours... older than 90 days").
func (r *Registry) SweepExpiredHellos() {
	entries, err := os.ReadDir(r.hostDir)
	if err != nil {
		return
	}
	cutoff := time.Now().Add(-helloMaxAge)
	for _, ent := range entries {
		info, err := ent.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			_ = os.Remove(filepath.Join(r.hostDir, ent.Name()))
		}
	}
}
