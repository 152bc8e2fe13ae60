package gap

import (
	"crypto/rand"
	"crypto/rsa"
	"testing"
	"time"

	"anonet/core/ecrs"
	"anonet/core/identity"
	"anonet/core/p2p"
	"anonet/core/sqstore"
	"anonet/internal/wire"
)

type fakeTransport struct {
	peers     []p2p.PeerInfo
	sentCode  []byte
	sentTo    []p2p.NodeID
	sentProto []string
}

func (f *fakeTransport) Peers() []p2p.PeerInfo { return f.peers }
func (f *fakeTransport) Connect(addr string) error { return nil }
func (f *fakeTransport) Disconnect(id p2p.NodeID) error { return nil }
func (f *fakeTransport) Sample(n int) []p2p.NodeID { return nil }
func (f *fakeTransport) SendAsync(peerID p2p.NodeID, proto string, code byte, payload []byte) error {
	f.sentTo = append(f.sentTo, peerID)
	f.sentProto = append(f.sentProto, proto)
	f.sentCode = append(f.sentCode, code)
	return nil
}
func (f *fakeTransport) Subscribe(proto string) <-chan p2p.InboundMsg {
	ch := make(chan p2p.InboundMsg)
	close(ch)
	return ch
}
func (f *fakeTransport) Unsubscribe(proto string)                 {}
func (f *fakeTransport) Broadcast(topic string, data []byte) error { return nil }
func (f *fakeTransport) Close() error                              { return nil }

// newRegistryWithPeer signs a real HELLO for a freshly generated RSA key
// and registers it, since AddHost now verifies peer-id/signature
// consistency (spec.md §3). It returns the peer id derived from that key,
// which callers must use in place of any caller-chosen placeholder.
func newRegistryWithPeer(t *testing.T, nodeID p2p.NodeID) (*identity.Registry, PeerID) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate rsa key: %v", err)
	}
	dir := t.TempDir()
	reg := identity.New(dir+"/hosts", dir+"/trust", nil)
	h := &wire.Hello{
		Protocol:   6,
		Expiration: uint32(time.Now().Add(time.Hour).Unix()),
		Address:    []byte(nodeID),
	}
	if err := identity.SignHello(key, h); err != nil {
		t.Fatalf("sign hello: %v", err)
	}
	if err := reg.AddHost(h); err != nil {
		t.Fatalf("add host: %v", err)
	}
	return reg, h.PeerID
}

func TestAdapterSendQueryResolvesNodeIDAndEncodes(t *testing.T) {
	reg, peer := newRegistryWithPeer(t, "node-5")
	transport := &fakeTransport{}
	adapter := NewTransportAdapter(transport, reg)

	var q ecrs.Query
	q[0] = 9
	err := adapter.SendQuery(peer, Fingerprint{Query: q, KeyCount: 1}, 5, 3, []ecrs.Query{q}, mkPeer(1))
	if err != nil {
		t.Fatalf("send query: %v", err)
	}
	if len(transport.sentTo) != 1 || transport.sentTo[0] != "node-5" {
		t.Fatalf("expected send to resolved node id, got %v", transport.sentTo)
	}
	if transport.sentCode[0] != byte(wire.TypeGapQuery) {
		t.Fatalf("expected gap query message code")
	}
}

func TestAdapterSendQueryFailsWithoutKnownAddress(t *testing.T) {
	dir := t.TempDir()
	reg := identity.New(dir+"/hosts", dir+"/trust", nil)
	transport := &fakeTransport{}
	adapter := NewTransportAdapter(transport, reg)

	var q ecrs.Query
	err := adapter.SendQuery(mkPeer(9), Fingerprint{Query: q, KeyCount: 1}, 5, 3, []ecrs.Query{q}, mkPeer(1))
	if err == nil {
		t.Fatalf("expected an error for an unknown peer")
	}
}

func TestAdapterCandidatesJoinsTransportPeersWithRegistryTrust(t *testing.T) {
	reg, peer := newRegistryWithPeer(t, "node-7")
	reg.ChangeTrust(peer, 42)
	transport := &fakeTransport{peers: []p2p.PeerInfo{
		{ID: "node-7", RTT: 10},
		{ID: "node-unknown", RTT: 5},
	}}
	adapter := NewTransportAdapter(transport, reg)

	candidates := adapter.Candidates()
	if len(candidates) != 1 {
		t.Fatalf("expected only the peer resolvable via the registry, got %d", len(candidates))
	}
	if candidates[0].Peer != peer || candidates[0].Trust != 42 {
		t.Fatalf("expected resolved peer with trust 42, got %+v", candidates[0])
	}
}

func TestAdapterSendReplyEncodesBlock(t *testing.T) {
	reg, peer := newRegistryWithPeer(t, "node-3")
	transport := &fakeTransport{}
	adapter := NewTransportAdapter(transport, reg)

	var q ecrs.Query
	entry := &sqstore.Entry{
		Query:          q,
		Type:           ecrs.TypeData,
		Priority:       7,
		AnonymityLevel: 1,
		ExpirationTime: uint64(time.Now().Add(time.Hour).Unix()),
		Payload:        []byte("hello"),
	}
	if err := adapter.SendReply(peer, entry); err != nil {
		t.Fatalf("send reply: %v", err)
	}
	if len(transport.sentTo) != 1 || transport.sentCode[0] != byte(wire.TypeGapReply) {
		t.Fatalf("expected a reply message sent to resolved node id")
	}
}
