package identity

import (
	"crypto/rand"
	"crypto/rsa"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"anonet/core/ecrs"
	"anonet/internal/wire"
)

// testKeysByTag hands out one RSA key per tag, generated lazily and cached
// so repeated mkHello calls for the same tag produce the same peer
// identity (tests rely on that to distinguish or reuse peers).
var (
	testKeysMu  sync.Mutex
	testKeysTag = map[byte]*rsa.PrivateKey{}
)

func testKeyForTag(t *testing.T, tag byte) *rsa.PrivateKey {
	t.Helper()
	testKeysMu.Lock()
	defer testKeysMu.Unlock()
	if k, ok := testKeysTag[tag]; ok {
		return k
	}
	k, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate rsa key: %v", err)
	}
	testKeysTag[tag] = k
	return k
}

func mkHello(t *testing.T, tag byte, protocol uint16, expiration uint32) *wire.Hello {
	t.Helper()
	h := &wire.Hello{Protocol: protocol, Expiration: expiration, MTU: 1500, Address: []byte("127.0.0.1:4001")}
	if err := SignHello(testKeyForTag(t, tag), h); err != nil {
		t.Fatalf("sign hello: %v", err)
	}
	return h
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	dir := t.TempDir()
	return New(filepath.Join(dir, "hosts"), filepath.Join(dir, "credit"), nil)
}

func TestAddHostKeepsLaterExpiration(t *testing.T) {
	r := newTestRegistry(t)
	old := mkHello(t, 1, 6, 100)
	newer := mkHello(t, 1, 6, 200)
	if err := r.AddHost(old); err != nil {
		t.Fatalf("add host: %v", err)
	}
	if err := r.AddHost(newer); err != nil {
		t.Fatalf("add host: %v", err)
	}
	stale := mkHello(t, 1, 6, 150)
	if err := r.AddHost(stale); err != nil {
		t.Fatalf("add host: %v", err)
	}
	got, ok := r.IdentityToHello(peerIDOf(old), 6, false)
	if !ok {
		t.Fatalf("expected hello present")
	}
	if got.Expiration != 200 {
		t.Fatalf("expected newer HELLO (expiration 200) to win, got %d", got.Expiration)
	}
}

func TestAddTemporaryReplacesSamePeerSlot(t *testing.T) {
	r := newTestRegistry(t)
	first := mkHello(t, 2, 1, 100)
	second := mkHello(t, 2, 1, 200)
	r.AddTemporary(first)
	r.AddTemporary(second)
	used := 0
	for _, h := range r.temporary {
		if h != nil {
			used++
		}
	}
	if used != 1 {
		t.Fatalf("expected one ring slot used for repeated peer, got %d", used)
	}
}

func TestBlacklistBackoffAndCap(t *testing.T) {
	r := newTestRegistry(t)
	var peer PeerID
	peer[0] = 3
	r.Blacklist(peer, 0, false)
	if !r.IsBlacklisted(peer, false) {
		t.Fatalf("expected peer blacklisted immediately after Blacklist")
	}
	r.mu.Lock()
	r.hosts[peer].blacklist.until = time.Now().Add(-time.Second)
	r.mu.Unlock()
	if r.IsBlacklisted(peer, false) {
		t.Fatalf("expected blacklist to have expired")
	}
}

func TestIsBlacklistedStrictness(t *testing.T) {
	r := newTestRegistry(t)
	var peer PeerID
	peer[0] = 4
	r.Blacklist(peer, 100, true)
	if !r.IsBlacklisted(peer, true) {
		t.Fatalf("expected strict blacklist to satisfy a strict query")
	}
	if !r.IsBlacklisted(peer, false) {
		t.Fatalf("expected strict blacklist to also satisfy a non-strict query")
	}
}

func TestWhitelistClearsBlacklist(t *testing.T) {
	r := newTestRegistry(t)
	var peer PeerID
	peer[0] = 5
	r.Blacklist(peer, 10, false)
	r.Whitelist(peer)
	if r.IsBlacklisted(peer, false) {
		t.Fatalf("expected whitelist to clear blacklist state")
	}
}

func TestChangeTrustSaturatesAtZero(t *testing.T) {
	r := newTestRegistry(t)
	var peer PeerID
	peer[0] = 6
	r.ChangeTrust(peer, 5)
	applied := r.ChangeTrust(peer, -100)
	if applied != -5 {
		t.Fatalf("expected applied delta to saturate at -5, got %d", applied)
	}
}

func TestForEachHostSkipsBlacklistedWhenNowNonZero(t *testing.T) {
	r := newTestRegistry(t)
	blocked := mkHello(t, 7, 1, 100)
	open := mkHello(t, 8, 1, 100)
	if err := r.AddHost(blocked); err != nil {
		t.Fatalf("add host: %v", err)
	}
	if err := r.AddHost(open); err != nil {
		t.Fatalf("add host: %v", err)
	}
	r.Blacklist(peerIDOf(blocked), 9999, true)

	seen := make(map[PeerID]bool)
	r.ForEachHost(time.Now(), func(peer PeerID, strict bool) {
		seen[peer] = true
	})
	if seen[peerIDOf(blocked)] {
		t.Fatalf("expected blacklisted peer to be skipped")
	}
	if !seen[peerIDOf(open)] {
		t.Fatalf("expected non-blacklisted peer to be visited")
	}
}

func TestAddHostRejectsPeerIDNotHashOfPublicKey(t *testing.T) {
	r := newTestRegistry(t)
	h := mkHello(t, 10, 6, 100)
	h.PeerID[0] ^= 0xFF
	if err := r.AddHost(h); err == nil {
		t.Fatalf("expected rejection when peer id does not hash from public key")
	}
}

func TestAddHostRejectsInvalidSignature(t *testing.T) {
	r := newTestRegistry(t)
	h := mkHello(t, 11, 6, 100)
	h.Signature[0] ^= 0xFF
	if err := r.AddHost(h); err == nil {
		t.Fatalf("expected rejection for a corrupted signature")
	}
}

func TestVerifyPeerSignatureUsesCachedHello(t *testing.T) {
	r := newTestRegistry(t)
	h := mkHello(t, 12, 6, 100)
	if err := r.AddHost(h); err != nil {
		t.Fatalf("add host: %v", err)
	}
	key := testKeyForTag(t, 12)

	data := []byte("gap reply authenticity check")
	sig, err := ecrs.SignRSA(key, data)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := r.VerifyPeerSignature(peerIDOf(h), data, sig); err != nil {
		t.Fatalf("expected signature to verify against cached hello's public key: %v", err)
	}

	sig[0] ^= 0xFF
	if err := r.VerifyPeerSignature(peerIDOf(h), data, sig); err == nil {
		t.Fatalf("expected corrupted signature to fail verification")
	}

	var unknown PeerID
	unknown[0] = 0xEE
	if err := r.VerifyPeerSignature(unknown, data, sig); err == nil {
		t.Fatalf("expected lookup failure for a peer with no cached hello")
	}
}
