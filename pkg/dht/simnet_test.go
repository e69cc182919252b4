package dht

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/busybox42/aegis-routing/pkg/digest"
	"github.com/busybox42/aegis-routing/pkg/types"
)

var errUnreachable = errors.New("peer unreachable")

// simNetwork delivers messages between in-process handlers.
type simNetwork struct {
	mu    sync.RWMutex
	nodes map[types.ID]*simNode
}

type simNode struct {
	addr      types.PeerAddress
	dht       *DHT
	handler   *MessageHandler
	transport *simTransport
	digests   *memDigests
}

func newSimNetwork() *simNetwork {
	return &simNetwork{nodes: make(map[types.ID]*simNode)}
}

func simAddress(i int) types.PeerAddress {
	return types.PeerAddress{
		ID:   types.HashID([]byte(fmt.Sprintf("peer-%d", i))),
		Addr: netip.AddrPortFrom(netip.AddrFrom4([4]byte{10, 0, byte(i >> 8), byte(i)}), 4000),
	}
}

func (n *simNetwork) addNode(t *testing.T, addr types.PeerAddress) *simNode {
	t.Helper()
	table := newTestTable(t, addr, DefaultTableConfig())
	node := &simNode{
		addr:      addr,
		transport: &simTransport{net: n, self: addr},
		digests:   newMemDigests(),
	}
	node.dht = NewDHT(table, node.transport, WithDigestProvider(node.digests))
	node.handler = NewMessageHandler(node.dht, node.digests)

	n.mu.Lock()
	n.nodes[addr.ID] = node
	n.mu.Unlock()
	return node
}

// know records peers in node's table as if they had answered it.
func (node *simNode) know(t *testing.T, peers ...*simNode) {
	t.Helper()
	for _, p := range peers {
		_, err := node.dht.RoutingTable().AddOrUpdate(p.addr, true)
		require.NoError(t, err)
	}
}

func (n *simNetwork) deliver(ctx context.Context, to types.PeerAddress, msg *Message) (*Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n.mu.RLock()
	node, ok := n.nodes[to.ID]
	n.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", errUnreachable, to)
	}
	return node.handler.HandleMessage(ctx, msg)
}

// simTransport is one node's view of the network. It records the peers
// asked for neighbors in order, with the target each request carried.
type simTransport struct {
	net  *simNetwork
	self types.PeerAddress

	mu      sync.Mutex
	asked   []types.PeerAddress
	targets map[types.ID]types.ID
}

func (s *simTransport) FindNeighbors(ctx context.Context, peer types.PeerAddress, spec SearchSpec, kind QueryKind) (*NeighborResponse, error) {
	s.mu.Lock()
	s.asked = append(s.asked, peer)
	if s.targets == nil {
		s.targets = make(map[types.ID]types.ID)
	}
	s.targets[peer.ID] = spec.Target
	s.mu.Unlock()

	resp, err := s.net.deliver(ctx, peer, &Message{Type: FindNeighbors, Sender: s.self, Spec: spec, Kind: kind})
	if err != nil {
		return nil, err
	}
	return NeighborResponseFrom(resp), nil
}

func (s *simTransport) Ping(ctx context.Context, peer types.PeerAddress) error {
	_, err := s.net.deliver(ctx, peer, &Message{Type: Ping, Sender: s.self})
	return err
}

func (s *simTransport) NotifyQuit(ctx context.Context, peer types.PeerAddress) error {
	_, err := s.net.deliver(ctx, peer, &Message{Type: Quit, Sender: s.self})
	return err
}

func (s *simTransport) askedPeers() []types.PeerAddress {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.PeerAddress(nil), s.asked...)
}

func (s *simTransport) requestTargets() map[types.ID]types.ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[types.ID]types.ID, len(s.targets))
	for k, v := range s.targets {
		out[k] = v
	}
	return out
}

// memDigests reports a fixed digest per location.
type memDigests struct {
	mu      sync.Mutex
	entries map[types.ID]digest.Digest
}

func newMemDigests() *memDigests {
	return &memDigests{entries: make(map[types.ID]digest.Digest)}
}

func (m *memDigests) put(location types.ID, d digest.Digest) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[location] = d
}

func (m *memDigests) DigestFor(location, domain, content types.ID) digest.Digest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries[location]
}

func (m *memDigests) DigestRange(from, to types.VersionKey, limit int, ascending bool) digest.Digest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries[from.Location]
}
