package gap

import (
	"fmt"
	"time"

	"anonet/core/ecrs"
	"anonet/core/identity"
	"anonet/core/p2p"
	"anonet/core/sqstore"
	"anonet/internal/wire"
)

// protocolAny mirrors identity's unexported protocolAny constant: pass it
// to IdentityToHello to accept a HELLO for any transport protocol.
const protocolAny = 0xFFFF

// gapProtocolID is the libp2p stream protocol the router's wire messages
// travel on.
const gapProtocolID = "/anonet/gap/1.0.0"

// TransportAdapter implements PeerSender over a p2p.PeerManager and an
// identity.Registry. It bridges the two identity spaces the router and
// transport layers use: gap.PeerID is the 512-bit content-routing
// identity (spec.md §4.6), while p2p.NodeID is the libp2p peer ID string.
// The bridge is the HELLO record's Address field, which this adapter
// expects to carry the peer's NodeID as raw bytes. Nothing in this
// repository builds such HELLOs (cmd/anonetd does not); a peer whose
// HELLO carries any other address cannot be resolved by this adapter.
type TransportAdapter struct {
	transport p2p.PeerManager
	registry  *identity.Registry
}

// NewTransportAdapter constructs a TransportAdapter.
func NewTransportAdapter(transport p2p.PeerManager, registry *identity.Registry) *TransportAdapter {
	return &TransportAdapter{transport: transport, registry: registry}
}

func (a *TransportAdapter) nodeIDFor(peer PeerID) (p2p.NodeID, bool) {
	h, ok := a.registry.IdentityToHello(peer, protocolAny, true)
	if !ok || len(h.Address) == 0 {
		return "", false
	}
	return p2p.NodeID(h.Address), true
}

// SendQuery encodes fp/keys into a wire.Query and sends it over a libp2p
// stream to peer.
func (a *TransportAdapter) SendQuery(peer PeerID, q Fingerprint, ttl int32, priority uint32, keys []ecrs.Query, replyTo PeerID) error {
	nodeID, ok := a.nodeIDFor(peer)
	if !ok {
		return fmt.Errorf("gap: no known transport address for peer")
	}
	wireKeys := make([][wire.HashSize]byte, len(keys))
	for i, k := range keys {
		wireKeys[i] = k
	}
	wq := wire.Query{
		Priority:    priority,
		TTL:         uint32(ttl),
		Keys:        wireKeys,
		ReplyToPeer: replyTo,
	}
	buf, err := wq.Encode()
	if err != nil {
		return fmt.Errorf("gap: encode query: %w", err)
	}
	return a.transport.SendAsync(nodeID, gapProtocolID, byte(wire.TypeGapQuery), buf)
}

// SendReply encodes block into a wire.Reply and sends it to peer.
func (a *TransportAdapter) SendReply(peer PeerID, block *sqstore.Entry) error {
	nodeID, ok := a.nodeIDFor(peer)
	if !ok {
		return fmt.Errorf("gap: no known transport address for peer")
	}
	wr := wire.Reply{Block: wire.Block{
		BlockHeader: wire.BlockHeader{
			Type:           uint32(block.Type),
			Priority:       block.Priority,
			AnonymityLevel: block.AnonymityLevel,
			ExpirationTime: block.ExpirationTime,
		},
		Payload: block.Payload,
	}}
	buf, err := wr.Encode()
	if err != nil {
		return fmt.Errorf("gap: encode reply: %w", err)
	}
	return a.transport.SendAsync(nodeID, gapProtocolID, byte(wire.TypeGapReply), buf)
}

// Candidates lists connected peers with trust and a bandwidth-share
// proxy derived from RTT (lower RTT implies a larger live-bandwidth
// share; spec.md §4.10 leaves the bandwidth_share source to the
// transport layer).
func (a *TransportAdapter) Candidates() []PeerInfo {
	infos := a.transport.Peers()
	out := make([]PeerInfo, 0, len(infos))
	for _, info := range infos {
		peer, ok := a.peerIDFor(info.ID)
		if !ok {
			continue
		}
		share := 1.0
		if info.RTT > 0 {
			share = 1000.0 / info.RTT
		}
		out = append(out, PeerInfo{
			Peer:           peer,
			Trust:          a.registry.Trust(peer),
			BandwidthShare: share,
		})
	}
	return out
}

// peerIDFor reverses nodeIDFor by scanning the registry's known hosts.
// The registry is small enough (one entry per known peer, not per
// connection) that a linear scan on each forward decision is cheap
// relative to the network round-trip it gates.
func (a *TransportAdapter) peerIDFor(nodeID p2p.NodeID) (PeerID, bool) {
	var found PeerID
	var ok bool
	a.registry.ForEachHost(time.Now(), func(peer identity.PeerID, strict bool) {
		if ok {
			return
		}
		if h, has := a.registry.IdentityToHello(peer, protocolAny, true); has && p2p.NodeID(h.Address) == nodeID {
			found = peer
			ok = true
		}
	})
	return found, ok
}
