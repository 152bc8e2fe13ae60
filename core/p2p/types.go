// Package p2p is the external-collaborator transport layer behind the
// PeerManager contract (spec.md §1, §9): raw socket/libp2p bindings are
// out of scope for the core subsystems, which only ever see this
// interface. Node is the one concrete (libp2p-backed) implementation
// shipped with this repo.
package p2p

import "time"

// NodeID identifies a peer at the transport layer (a libp2p peer ID
// string). It is distinct from identity.PeerID, which is the 512-bit
// hash-of-public-key used by the content-routing layer; the HELLO
// record's sender address is what lets the two be correlated.
type NodeID string

// Peer is a transport-layer connection record.
type Peer struct {
	ID      NodeID
	Addr    string
	Latency time.Duration
}

// Message is a pubsub message delivered on a topic.
type Message struct {
	From  NodeID
	Topic string
	Data  []byte
}

// InboundMsg is a stream message delivered on a protocol ID, carrying an
// application-level one-byte message code (spec.md §6 client/daemon and
// GAP wire framing use a small code space for dispatch).
type InboundMsg struct {
	PeerID  string
	Code    byte
	Payload []byte
	Topic   string
	Ts      int64
}

// PeerInfo is a snapshot of one known peer, used for weighted selection
// in the GAP router (spec.md §4.10) and diagnostics.
type PeerInfo struct {
	ID      NodeID
	Addr    string
	RTT     float64
	Updated int64
}

// Config configures a Node.
type Config struct {
	ListenAddr     string
	BootstrapPeers []string
	DiscoveryTag   string
}

// PeerManager is the transport contract consumed by core/gap's
// TransportAdapter. It deliberately says nothing
// about TCP/UDP/SMTP specifics (spec.md §1 Non-goals) beyond what an
// anonymity-preserving overlay needs: connect, send, broadcast, and
// subscribe.
type PeerManager interface {
	Peers() []PeerInfo
	Connect(addr string) error
	Disconnect(id NodeID) error
	Sample(n int) []NodeID
	SendAsync(peerID NodeID, proto string, code byte, payload []byte) error
	Subscribe(proto string) <-chan InboundMsg
	Unsubscribe(proto string)
	Broadcast(topic string, data []byte) error
	Close() error
}
