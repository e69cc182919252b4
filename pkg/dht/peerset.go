package dht

import (
	"sort"

	"github.com/busybox42/aegis-routing/pkg/types"
)

// peerSet is a set of peers kept sorted by a total order on identifiers.
// Membership is by identifier.
type peerSet struct {
	cmp   types.Comparator
	peers []types.PeerAddress
}

func newPeerSet(cmp types.Comparator) *peerSet {
	return &peerSet{cmp: cmp}
}

func (s *peerSet) search(id types.ID) (int, bool) {
	i := sort.Search(len(s.peers), func(i int) bool {
		return s.cmp(s.peers[i].ID, id) >= 0
	})
	return i, i < len(s.peers) && s.peers[i].ID == id
}

// insert adds p unless a peer with the same identifier is present.
func (s *peerSet) insert(p types.PeerAddress) bool {
	i, found := s.search(p.ID)
	if found {
		return false
	}
	s.peers = append(s.peers, types.PeerAddress{})
	copy(s.peers[i+1:], s.peers[i:])
	s.peers[i] = p
	return true
}

func (s *peerSet) remove(id types.ID) bool {
	i, found := s.search(id)
	if !found {
		return false
	}
	s.removeAt(i)
	return true
}

func (s *peerSet) removeAt(i int) types.PeerAddress {
	p := s.peers[i]
	s.peers = append(s.peers[:i], s.peers[i+1:]...)
	return p
}

func (s *peerSet) contains(id types.ID) bool {
	_, found := s.search(id)
	return found
}

func (s *peerSet) first() (types.PeerAddress, bool) {
	if len(s.peers) == 0 {
		return types.PeerAddress{}, false
	}
	return s.peers[0], true
}

func (s *peerSet) len() int {
	return len(s.peers)
}

func (s *peerSet) list() []types.PeerAddress {
	return append([]types.PeerAddress(nil), s.peers...)
}
