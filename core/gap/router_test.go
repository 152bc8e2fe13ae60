package gap

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"anonet/core/bloom"
	"anonet/core/datastore"
	"anonet/core/ecrs"
	"anonet/core/sqstore"
	"anonet/core/traffic"
)

type fakeSender struct {
	queriesSent []PeerID
	repliesSent []PeerID
	candidates  []PeerInfo
}

func (f *fakeSender) SendQuery(peer PeerID, q Fingerprint, ttl int32, priority uint32, keys []ecrs.Query, replyTo PeerID) error {
	f.queriesSent = append(f.queriesSent, peer)
	return nil
}

func (f *fakeSender) SendReply(peer PeerID, block *sqstore.Entry) error {
	f.repliesSent = append(f.repliesSent, peer)
	return nil
}

func (f *fakeSender) Candidates() []PeerInfo { return f.candidates }

func newTestRouter(t *testing.T, sender PeerSender) *Router {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gap.db")
	store, err := sqstore.Open(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	filter := bloom.New(4096, 4)
	mgr := datastore.New(store, filter, 1<<20, time.Now(), nil)
	acct := traffic.New()
	return New(mgr, acct, sender, nil, nil)
}

func mkPeer(tag byte) PeerID {
	var p PeerID
	p[0] = tag
	return p
}

func TestHandleQueryForwardsWhenNoLocalHit(t *testing.T) {
	sender := &fakeSender{candidates: []PeerInfo{
		{Peer: mkPeer(1), Trust: 10, BandwidthShare: 1},
		{Peer: mkPeer(2), Trust: 5, BandwidthShare: 1},
	}}
	r := newTestRouter(t, sender)

	var q ecrs.Query
	q[0] = 42
	fp := Fingerprint{Query: q, KeyCount: 1}

	err := r.HandleQuery(Requester{IsLocal: true}, fp, []ecrs.Query{q}, 10, 5, 0)
	if err != nil {
		t.Fatalf("handle query: %v", err)
	}
	if len(sender.queriesSent) == 0 {
		t.Fatalf("expected forwarding to at least one peer")
	}
}

func TestHandleQueryDoesNotForwardPastHopSeenPeers(t *testing.T) {
	sender := &fakeSender{candidates: []PeerInfo{
		{Peer: mkPeer(3), Trust: 1, BandwidthShare: 1},
	}}
	r := newTestRouter(t, sender)
	var q ecrs.Query
	q[0] = 7
	fp := Fingerprint{Query: q, KeyCount: 1}

	err := r.HandleQuery(Requester{IsLocal: false, Peer: mkPeer(3)}, fp, []ecrs.Query{q}, 10, 5, 0)
	if err != nil {
		t.Fatalf("handle query: %v", err)
	}
	if len(sender.queriesSent) != 0 {
		t.Fatalf("expected no forward to the peer that already sent this query (hop_seen_peers), got %v", sender.queriesSent)
	}
}

func TestHandleReplyDeliversToMatchingRequesterAndUpdatesTrust(t *testing.T) {
	sender := &fakeSender{}
	var changedPeer PeerID
	var changedDelta int64
	path := filepath.Join(t.TempDir(), "gap2.db")
	store, err := sqstore.Open(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	filter := bloom.New(4096, 4)
	mgr := datastore.New(store, filter, 1<<20, time.Now(), nil)
	acct := traffic.New()
	r := New(mgr, acct, sender, func(peer PeerID, delta int64) {
		changedPeer = peer
		changedDelta = delta
	}, nil)

	var q ecrs.Query
	q[0] = 55
	fp := Fingerprint{Query: q, KeyCount: 1}
	requester := Requester{IsLocal: false, Peer: mkPeer(9)}
	if err := r.HandleQuery(requester, fp, []ecrs.Query{q}, 10, 5, 0); err != nil {
		t.Fatalf("handle query: %v", err)
	}

	var ph [64]byte
	ph[0] = 55
	entry := &sqstore.Entry{
		Query:          q,
		Type:           ecrs.TypeData,
		Priority:       5,
		ExpirationTime: uint64(time.Now().Add(time.Hour).Unix()),
		PayloadHash:    ph,
		Payload:        []byte("reply-payload"),
	}
	deliverer := mkPeer(77)
	if err := r.HandleReply(deliverer, entry); err != nil {
		t.Fatalf("handle reply: %v", err)
	}
	if len(sender.repliesSent) != 1 || sender.repliesSent[0] != mkPeer(9) {
		t.Fatalf("expected reply delivered to the original requester, got %v", sender.repliesSent)
	}
	if changedPeer != deliverer || changedDelta != 5 {
		t.Fatalf("expected trust update for delivering peer with delta=5, got peer=%v delta=%d", changedPeer, changedDelta)
	}
}

func TestHandleReplySuppressesDuplicatePayload(t *testing.T) {
	sender := &fakeSender{}
	r := newTestRouter(t, sender)

	var q ecrs.Query
	q[0] = 3
	fp := Fingerprint{Query: q, KeyCount: 1}
	requester := Requester{IsLocal: false, Peer: mkPeer(11)}
	if err := r.HandleQuery(requester, fp, []ecrs.Query{q}, 10, 5, 0); err != nil {
		t.Fatalf("handle query: %v", err)
	}

	var ph [64]byte
	ph[0] = 3
	mk := func() *sqstore.Entry {
		return &sqstore.Entry{
			Query:          q,
			Type:           ecrs.TypeData,
			Priority:       5,
			ExpirationTime: uint64(time.Now().Add(time.Hour).Unix()),
			PayloadHash:    ph,
			Payload:        []byte("same-payload"),
		}
	}
	if err := r.HandleReply(mkPeer(1), mk()); err != nil {
		t.Fatalf("handle reply: %v", err)
	}
	if err := r.HandleReply(mkPeer(1), mk()); err != nil {
		t.Fatalf("handle reply: %v", err)
	}
	if len(sender.repliesSent) != 1 {
		t.Fatalf("expected duplicate reply suppressed, sent %d times", len(sender.repliesSent))
	}
}

func TestMigratePushSendsStoredContentToPeer(t *testing.T) {
	sender := &fakeSender{}
	r := newTestRouter(t, sender)

	var q ecrs.Query
	q[0] = 21
	var ph [64]byte
	ph[0] = 21
	entry := &sqstore.Entry{
		Query:          q,
		Type:           ecrs.TypeData,
		Priority:       5,
		ExpirationTime: uint64(time.Now().Add(time.Hour).Unix()),
		PayloadHash:    ph,
		Payload:        []byte("migration-candidate"),
	}
	if _, err := r.store.Put(entry); err != nil {
		t.Fatalf("put: %v", err)
	}

	peer := mkPeer(66)
	if err := r.MigratePush(context.Background(), peer); err != nil {
		t.Fatalf("migrate push: %v", err)
	}
	if len(sender.repliesSent) != 1 || sender.repliesSent[0] != peer {
		t.Fatalf("expected stored content pushed to peer, got %v", sender.repliesSent)
	}
}

func TestMigratePushExcludesOnDemandBlocks(t *testing.T) {
	sender := &fakeSender{}
	r := newTestRouter(t, sender)

	var q ecrs.Query
	q[0] = 22
	var ph [64]byte
	ph[0] = 22
	entry := &sqstore.Entry{
		Query:          q,
		Type:           ecrs.TypeOnDemand,
		Priority:       5,
		ExpirationTime: uint64(time.Now().Add(time.Hour).Unix()),
		PayloadHash:    ph,
		Payload:        []byte("ondemand-record"),
	}
	if _, err := r.store.Put(entry); err != nil {
		t.Fatalf("put: %v", err)
	}

	if err := r.MigratePush(context.Background(), mkPeer(67)); err != nil {
		t.Fatalf("migrate push: %v", err)
	}
	if len(sender.repliesSent) != 0 {
		t.Fatalf("expected ONDEMAND rows never pushed as migration traffic, got %v", sender.repliesSent)
	}
}

func TestExpireDropsOldEntries(t *testing.T) {
	sender := &fakeSender{}
	r := newTestRouter(t, sender)
	var q ecrs.Query
	q[0] = 1
	fp := Fingerprint{Query: q, KeyCount: 1}
	if err := r.HandleQuery(Requester{IsLocal: true}, fp, []ecrs.Query{q}, 0, 1, 0); err != nil {
		t.Fatalf("handle query: %v", err)
	}
	removed := r.Expire(time.Now().Add(time.Hour))
	if removed != 1 {
		t.Fatalf("expected one expired entry removed, got %d", removed)
	}
}
