package p2p

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/sirupsen/logrus"
)

// sendTimeout bounds how long SendAsync waits to open a stream.
const sendTimeout = 5 * time.Second

// Node is a libp2p-backed PeerManager. It owns the host, a gossipsub
// instance, and mDNS discovery.
type Node struct {
	host   host.Host
	pubsub *pubsub.PubSub

	topicLock sync.RWMutex
	topics    map[string]*pubsub.Topic
	subs      map[string]*pubsub.Subscription

	peerLock sync.RWMutex
	peers    map[NodeID]*Peer

	nat *NATManager

	ctx    context.Context
	cancel context.CancelFunc
	cfg    Config
}

// NewNode creates and bootstraps a peer node: a libp2p host, gossipsub,
// NAT mapping (best effort), bootstrap dialing, and mDNS discovery.
func NewNode(cfg Config) (*Node, error) {
	ctx, cancel := context.WithCancel(context.Background())

	h, err := libp2p.New(libp2p.ListenAddrStrings(cfg.ListenAddr))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("p2p: create host: %w", err)
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		h.Close()
		cancel()
		return nil, fmt.Errorf("p2p: create pubsub: %w", err)
	}

	n := &Node{
		host:   h,
		pubsub: ps,
		topics: make(map[string]*pubsub.Topic),
		subs:   make(map[string]*pubsub.Subscription),
		peers:  make(map[NodeID]*Peer),
		ctx:    ctx,
		cancel: cancel,
		cfg:    cfg,
	}

	if natMgr, err := NewNATManager(); err == nil {
		if port, err := parsePort(cfg.ListenAddr); err == nil {
			if err := natMgr.Map(port); err != nil {
				logrus.Warnf("p2p: NAT map failed: %v", err)
			}
		}
		n.nat = natMgr
	} else {
		logrus.Warnf("p2p: NAT discovery failed: %v", err)
	}

	if err := n.DialSeed(cfg.BootstrapPeers); err != nil {
		logrus.Warnf("p2p: dial seed warning: %v", err)
	}

	mdns.NewMdnsService(h, cfg.DiscoveryTag, n)

	return n, nil
}

var _ mdns.Notifee = (*Node)(nil)

// HandlePeerFound implements mdns.Notifee: connect to discovered peers,
// ignoring self and already-known peers.
func (n *Node) HandlePeerFound(info peer.AddrInfo) {
	if info.ID == n.host.ID() {
		return
	}
	id := NodeID(info.ID.String())
	n.peerLock.RLock()
	_, exists := n.peers[id]
	n.peerLock.RUnlock()
	if exists {
		return
	}
	if err := n.host.Connect(n.ctx, info); err != nil {
		logrus.Warnf("p2p: connect to discovered peer %s: %v", id, err)
		return
	}
	n.peerLock.Lock()
	n.peers[id] = &Peer{ID: id, Addr: info.String()}
	n.peerLock.Unlock()
	logrus.Infof("p2p: connected to %s via mDNS", id)
}

// DialSeed connects to a list of bootstrap peer multiaddresses.
func (n *Node) DialSeed(seeds []string) error {
	var errs []string
	for _, addr := range seeds {
		pi, err := peer.AddrInfoFromString(addr)
		if err != nil {
			errs = append(errs, fmt.Sprintf("invalid addr %s: %v", addr, err))
			continue
		}
		if err := n.host.Connect(n.ctx, *pi); err != nil {
			errs = append(errs, fmt.Sprintf("connect %s: %v", addr, err))
			continue
		}
		id := NodeID(pi.ID.String())
		n.peerLock.Lock()
		n.peers[id] = &Peer{ID: id, Addr: addr}
		n.peerLock.Unlock()
		logrus.Infof("p2p: bootstrapped to %s", addr)
	}
	if len(errs) > 0 {
		return fmt.Errorf("p2p: dial errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Connect establishes a connection to the given multi-address.
func (n *Node) Connect(addr string) error {
	pi, err := peer.AddrInfoFromString(addr)
	if err != nil {
		return fmt.Errorf("p2p: invalid address: %w", err)
	}
	if err := n.host.Connect(n.ctx, *pi); err != nil {
		return err
	}
	id := NodeID(pi.ID.String())
	n.peerLock.Lock()
	n.peers[id] = &Peer{ID: id, Addr: addr}
	n.peerLock.Unlock()
	return nil
}

// Disconnect drops the bookkeeping entry for id. Closing the underlying
// libp2p connection is left to the host's own connection manager.
func (n *Node) Disconnect(id NodeID) error {
	n.peerLock.Lock()
	delete(n.peers, id)
	n.peerLock.Unlock()
	return nil
}

// Peers returns a snapshot of known peers.
func (n *Node) Peers() []PeerInfo {
	n.peerLock.RLock()
	defer n.peerLock.RUnlock()
	out := make([]PeerInfo, 0, len(n.peers))
	for _, p := range n.peers {
		out = append(out, PeerInfo{ID: p.ID, Addr: p.Addr, RTT: float64(p.Latency.Milliseconds())})
	}
	return out
}

// Sample returns up to n peer IDs chosen uniformly at random without
// replacement.
func (n *Node) Sample(count int) []NodeID {
	peers := n.Peers()
	if count > len(peers) {
		count = len(peers)
	}
	if err := shufflePeerInfo(peers); err != nil {
		// crypto/rand failure: fall back to the unshuffled prefix rather
		// than fail the caller outright.
		logrus.Warnf("p2p: sample shuffle failed: %v", err)
	}
	ids := make([]NodeID, count)
	for i := 0; i < count; i++ {
		ids[i] = peers[i].ID
	}
	return ids
}

// SendAsync opens a libp2p stream and writes a one-byte message code
// followed by payload.
func (n *Node) SendAsync(peerID NodeID, proto string, code byte, payload []byte) error {
	pid, err := peer.Decode(string(peerID))
	if err != nil {
		return fmt.Errorf("p2p: decode peer id: %w", err)
	}
	ctx, cancel := context.WithTimeout(n.ctx, sendTimeout)
	defer cancel()
	s, err := n.host.NewStream(ctx, pid, protocol.ID(proto))
	if err != nil {
		return err
	}
	defer s.Close()
	msg := append([]byte{code}, payload...)
	_, err = s.Write(msg)
	return err
}

// Broadcast publishes data on a gossipsub topic, joining it on first use.
func (n *Node) Broadcast(topic string, data []byte) error {
	n.topicLock.Lock()
	t, ok := n.topics[topic]
	if !ok {
		var err error
		t, err = n.pubsub.Join(topic)
		if err != nil {
			n.topicLock.Unlock()
			return fmt.Errorf("p2p: join topic %s: %w", topic, err)
		}
		n.topics[topic] = t
	}
	n.topicLock.Unlock()
	return t.Publish(n.ctx, data)
}

// Subscribe returns a channel of InboundMsg for topic/protocol proto.
func (n *Node) Subscribe(proto string) <-chan InboundMsg {
	n.topicLock.Lock()
	t, ok := n.topics[proto]
	if !ok {
		var err error
		t, err = n.pubsub.Join(proto)
		if err != nil {
			n.topicLock.Unlock()
			logrus.Warnf("p2p: join %s failed: %v", proto, err)
			ch := make(chan InboundMsg)
			close(ch)
			return ch
		}
		n.topics[proto] = t
	}
	sub, ok := n.subs[proto]
	if !ok {
		var err error
		sub, err = t.Subscribe()
		if err != nil {
			n.topicLock.Unlock()
			logrus.Warnf("p2p: subscribe %s failed: %v", proto, err)
			ch := make(chan InboundMsg)
			close(ch)
			return ch
		}
		n.subs[proto] = sub
	}
	n.topicLock.Unlock()

	out := make(chan InboundMsg)
	go func() {
		for {
			msg, err := sub.Next(n.ctx)
			if err != nil {
				close(out)
				return
			}
			out <- InboundMsg{PeerID: msg.GetFrom().String(), Payload: msg.Data, Topic: proto, Ts: nowMillis()}
		}
	}()
	return out
}

// Unsubscribe cancels a subscription created via Subscribe.
func (n *Node) Unsubscribe(proto string) {
	n.topicLock.Lock()
	defer n.topicLock.Unlock()
	if sub, ok := n.subs[proto]; ok {
		sub.Cancel()
		delete(n.subs, proto)
	}
}

// Close tears down the node.
func (n *Node) Close() error {
	n.cancel()
	if n.nat != nil {
		_ = n.nat.Unmap()
	}
	return n.host.Close()
}

func parsePort(addr string) (int, error) {
	parts := strings.Split(addr, "/")
	for i := 0; i < len(parts)-1; i++ {
		if parts[i] == "tcp" {
			return strconv.Atoi(parts[i+1])
		}
	}
	return 0, fmt.Errorf("no tcp port in %s", addr)
}

var _ PeerManager = (*Node)(nil)
