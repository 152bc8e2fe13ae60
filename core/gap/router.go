// Package gap implements the GAP Router (spec.md §4.10, C10): the
// anonymity-preserving content-routing state machine tying together the
// datastore, traffic accountant, and identity registry.
package gap

import (
	"context"
	"crypto/rand"
	"math/big"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"anonet/core/datastore"
	"anonet/core/ecrs"
	"anonet/core/sqstore"
	"anonet/core/traffic"
)

// PeerID is a 512-bit peer identity.
type PeerID = [64]byte

// Requester is either a remote peer or a local client awaiting replies.
type Requester struct {
	IsLocal bool
	Peer    PeerID
	ClientID uint64
}

// Fingerprint identifies an outstanding query: its query hash plus the
// number of keys requested (spec.md §4.10 "fingerprint (query hash +
// keycount)").
type Fingerprint struct {
	Query    ecrs.Query
	KeyCount int
}

// tableEntry is one outstanding query (spec.md §4.10 "Data model").
type tableEntry struct {
	fingerprint    Fingerprint
	ttlRemaining   int32
	priority       uint32
	anonymityLevel uint32
	requesters     []Requester
	startedAt      time.Time
	hopSeenPeers   map[PeerID]bool
	deliveredHash  map[[64]byte]bool
}

func (e *tableEntry) expiry() time.Time {
	const unit = 500 * time.Millisecond
	const slack = 2 * time.Second
	return e.startedAt.Add(time.Duration(e.ttlRemaining)*unit + slack)
}

// PeerSender abstracts the transport used to deliver queries/replies to a
// specific peer (an adapter over core/p2p.PeerManager).
type PeerSender interface {
	SendQuery(peer PeerID, q Fingerprint, ttl int32, priority uint32, keys []ecrs.Query, replyTo PeerID) error
	SendReply(peer PeerID, block *sqstore.Entry) error
	Candidates() []PeerInfo
}

// PeerInfo is the weighted-selection input for forwarding (spec.md §4.10:
// "Weights are trust × bandwidth_share").
type PeerInfo struct {
	Peer           PeerID
	Trust          uint32
	BandwidthShare float64
}

const (
	// maxTableCapacity bounds the outstanding-query table (spec.md §4.10
	// "Retry and backpressure").
	maxTableCapacity = 4096
	// forwardFanout is N, the number of peers a query forwards to.
	forwardFanout = 3
	ttlDecrement  = 4
	ttlJitterMax  = 3

	// migratePushInterval is the low-frequency ticker cadence for
	// unsolicited migration-content pushes (SPEC_FULL.md "SUPPLEMENTED
	// FEATURES" §2: "migration vs. query-driven routing distinction"),
	// kept separate from the query/reply forward path.
	migratePushInterval = 5 * time.Minute
	// migratePushBatch bounds how many rows one MigratePush call sends so
	// a single tick cannot flood a peer with the whole store.
	migratePushBatch = 16
)

// Router is the C10 contract.
type Router struct {
	mu sync.Mutex

	store    *datastore.Manager
	acct     *traffic.Accountant
	sender   PeerSender
	log      *logrus.Entry

	table   map[Fingerprint]*tableEntry
	dropped uint64

	changeTrust func(peer PeerID, delta int64)

	stopCh chan struct{}
	doneCh chan struct{}
}

// New constructs a Router.
func New(store *datastore.Manager, acct *traffic.Accountant, sender PeerSender, changeTrust func(PeerID, int64), log *logrus.Entry) *Router {
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}
	return &Router{
		store:       store,
		acct:        acct,
		sender:      sender,
		changeTrust: changeTrust,
		table:       make(map[Fingerprint]*tableEntry),
		log:         log,
	}
}

// DroppedCount reports how many inbound queries were dropped for load
// (spec.md §4.10 "# gap requests dropped due to load").
func (r *Router) DroppedCount() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// HandleQuery implements the forward path (spec.md §4.10): inbound query
// from peer P, or a local client if from.IsLocal.
func (r *Router) HandleQuery(from Requester, fp Fingerprint, keys []ecrs.Query, ttl int32, priority, anonymity uint32) error {
	r.mu.Lock()
	entry, existed := r.table[fp]
	if !existed {
		if len(r.table) >= maxTableCapacity {
			r.dropped++
			r.mu.Unlock()
			return ErrTableFull
		}
		entry = &tableEntry{
			fingerprint:    fp,
			ttlRemaining:   ttl,
			priority:       priority,
			anonymityLevel: anonymity,
			startedAt:      time.Now(),
			hopSeenPeers:   make(map[PeerID]bool),
			deliveredHash:  make(map[[64]byte]bool),
		}
		r.table[fp] = entry
	}
	entry.requesters = append(entry.requesters, from)
	if !from.IsLocal {
		entry.hopSeenPeers[from.Peer] = true
	}
	r.mu.Unlock()

	localHits := 0
	for _, key := range keys {
		n, err := r.store.Get(key, ecrs.TypeAny, func(e *sqstore.Entry) sqstore.IterResult {
			localHits++
			r.sendReplyToRequester(from, e, anonymity)
			return sqstore.Continue
		})
		if err != nil {
			r.log.WithError(err).Warn("gap: local lookup failed")
		}
		_ = n
	}

	if ttl > 0 && localHits == 0 {
		r.forward(entry, keys)
	}
	return nil
}

// ErrTableFull is returned when the outstanding-query table is saturated
// (spec.md §4.10 backpressure).
var ErrTableFull = errTableFull{}

type errTableFull struct{}

func (errTableFull) Error() string { return "gap: query table full, request dropped" }

// sendReplyToRequester applies the C8 cover-traffic admission test before
// sending a reply we produce (spec.md §4.10 forward path step 1: "Apply
// anonymity-level admission to replies we will send, not to forwarding").
func (r *Router) sendReplyToRequester(to Requester, block *sqstore.Entry, anonymity uint32) {
	if !r.acct.CoverSufficient(anonymity) {
		return
	}
	if to.IsLocal || r.sender == nil {
		return
	}
	if err := r.sender.SendReply(to.Peer, block); err != nil {
		r.log.WithError(err).Warn("gap: send reply failed")
	}
}

// forward selects N peers by weighted random selection over peers not in
// hop_seen_peers and forwards the query, decrementing TTL and priority
// (spec.md §4.10 forward path step 3).
func (r *Router) forward(entry *tableEntry, keys []ecrs.Query) {
	if r.sender == nil {
		return
	}
	r.mu.Lock()
	candidates := r.sender.Candidates()
	var eligible []PeerInfo
	for _, c := range candidates {
		if !entry.hopSeenPeers[c.Peer] {
			eligible = append(eligible, c)
		}
	}
	chosen := weightedSample(eligible, forwardFanout)
	for _, c := range chosen {
		entry.hopSeenPeers[c.Peer] = true
	}
	newTTL := entry.ttlRemaining - ttlDecrement - int32(randN(ttlJitterMax))
	if newTTL < 0 {
		newTTL = 0
	}
	fanoutCount := int32(len(chosen))
	newPriority := entry.priority
	if fanoutCount > 0 {
		newPriority = entry.priority / uint32(fanoutCount+1)
	}
	entry.ttlRemaining = newTTL
	entry.priority = newPriority
	r.mu.Unlock()

	for _, c := range chosen {
		if err := r.sender.SendQuery(c.Peer, entry.fingerprint, newTTL, newPriority, keys, entry.fingerprint.Query); err != nil {
			r.log.WithError(err).Warn("gap: forward send failed")
		}
	}
}

// weightedSample chooses up to n peers without replacement, weighted by
// trust × bandwidth_share.
func weightedSample(peers []PeerInfo, n int) []PeerInfo {
	pool := append([]PeerInfo(nil), peers...)
	var chosen []PeerInfo
	for len(pool) > 0 && len(chosen) < n {
		total := 0.0
		for _, p := range pool {
			total += float64(p.Trust) * p.BandwidthShare
		}
		if total <= 0 {
			idx := randN(len(pool))
			chosen = append(chosen, pool[idx])
			pool = append(pool[:idx], pool[idx+1:]...)
			continue
		}
		target := randFloat() * total
		acc := 0.0
		idx := 0
		for i, p := range pool {
			acc += float64(p.Trust) * p.BandwidthShare
			if acc >= target {
				idx = i
				break
			}
		}
		chosen = append(chosen, pool[idx])
		pool = append(pool[:idx], pool[idx+1:]...)
	}
	return chosen
}

func randN(n int) int {
	if n <= 0 {
		return 0
	}
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0
	}
	return int(v.Int64())
}

func randFloat() float64 {
	v, err := rand.Int(rand.Reader, big.NewInt(1<<53))
	if err != nil {
		return 0.5
	}
	return float64(v.Int64()) / float64(int64(1)<<53)
}

// HandleReply implements the reply path (spec.md §4.10): inbound reply R
// for query Q. deliveredFrom is the peer that sent us this reply, used
// for the trust update.
func (r *Router) HandleReply(deliveredFrom PeerID, e *sqstore.Entry) error {
	// Put adds the local aging bonus to e.Priority; trust is credited with
	// the priority the reply arrived with.
	replyPriority := e.Priority
	code, err := r.store.Put(e)
	if err != nil {
		return err
	}
	_ = code // NO (admission rejected: quota full or priority too low) is ignored silently per spec.md §4.10

	payloadHash := e.PayloadHash
	r.mu.Lock()
	var matches []*tableEntry
	for _, entry := range r.table {
		if entry.fingerprint.Query == e.Query {
			matches = append(matches, entry)
		}
	}
	r.mu.Unlock()

	for _, entry := range matches {
		r.mu.Lock()
		if entry.deliveredHash[payloadHash] {
			r.mu.Unlock()
			continue
		}
		entry.deliveredHash[payloadHash] = true
		requesters := append([]Requester(nil), entry.requesters...)
		anonymity := entry.anonymityLevel
		r.mu.Unlock()

		for _, req := range requesters {
			r.sendReplyToRequester(req, e, anonymity)
		}
	}

	if r.changeTrust != nil {
		r.changeTrust(deliveredFrom, int64(replyPriority))
	}
	return nil
}

// Expire drops table entries past their expiry (spec.md §4.10: "Entry
// expires TTL × unit + slack").
func (r *Router) Expire(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for fp, entry := range r.table {
		if now.After(entry.expiry()) {
			delete(r.table, fp)
			removed++
		}
	}
	return removed
}

// MigratePush sends a bounded batch of locally-stored content to peer,
// unsolicited, in iterate_migration_order (spec.md §4.3 C3, which never
// yields ONDEMAND blocks), as cover/migration traffic distinct from
// query-driven forward/reply (SPEC_FULL.md "SUPPLEMENTED FEATURES" §2).
// Each candidate row still passes the anonymity-level admission check
// replies already use (spec.md §4.8).
func (r *Router) MigratePush(ctx context.Context, peer PeerID) error {
	if r.sender == nil {
		return nil
	}
	sent := 0
	return r.store.IterateMigrationOrder(func(e *sqstore.Entry) sqstore.IterResult {
		select {
		case <-ctx.Done():
			return sqstore.Abort
		default:
		}
		if sent >= migratePushBatch {
			return sqstore.Abort
		}
		if !r.acct.CoverSufficient(e.AnonymityLevel) {
			return sqstore.Continue
		}
		if err := r.sender.SendReply(peer, e); err != nil {
			r.log.WithError(err).Warn("gap: migrate push send failed")
			return sqstore.Continue
		}
		sent++
		return sqstore.Continue
	})
}

// Start launches the cooperative migration-push ticker loop.
func (r *Router) Start(ctx context.Context) {
	r.mu.Lock()
	if r.stopCh != nil {
		r.mu.Unlock()
		return
	}
	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})
	r.mu.Unlock()

	go r.run(ctx)
}

// Stop signals the migration-push loop to exit and waits for it to finish.
func (r *Router) Stop() {
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

func (r *Router) run(ctx context.Context) {
	defer close(r.doneCh)
	ticker := time.NewTicker(migratePushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.migrateTick(ctx)
		}
	}
}

// migrateTick pushes a migration batch to every currently known peer
// candidate.
func (r *Router) migrateTick(ctx context.Context) {
	if r.sender == nil {
		return
	}
	for _, c := range r.sender.Candidates() {
		if err := r.MigratePush(ctx, c.Peer); err != nil {
			r.log.WithError(err).Warn("gap: migrate push failed")
		}
	}
}
