package dht

import (
	"math/rand"

	"github.com/busybox42/aegis-routing/pkg/digest"
	"github.com/busybox42/aegis-routing/pkg/types"
)

type directHit struct {
	peer   types.PeerAddress
	digest digest.Digest
}

// lookupState is the bookkeeping of one lookup. It is driven by a single
// goroutine and is not safe for concurrent use.
//
// A peer is in at most one of queue, potential and direct. Asked peers never
// re-enter the queue.
type lookupState struct {
	cfg     RoutingConfig
	self    types.PeerAddress
	random  bool
	filters Filters
	cmp     types.Comparator

	queue     *peerSet
	asked     map[types.ID]struct{}
	path      []types.PeerAddress
	potential *peerSet
	direct    map[types.ID]directHit

	successes int
	failures  int
	noNewInfo int
	best      types.PeerAddress
	hasBest   bool

	cancelled bool
	reason    Termination
}

func newLookupState(self types.PeerAddress, target types.ID, random bool, cfg RoutingConfig, filters Filters, seeds []types.PeerAddress) *lookupState {
	cmp := types.DistanceOrder(target)
	if random {
		cmp = types.RawOrder
	}
	s := &lookupState{
		cfg:       cfg,
		self:      self,
		random:    random,
		filters:   filters,
		cmp:       cmp,
		queue:     newPeerSet(cmp),
		asked:     make(map[types.ID]struct{}),
		potential: newPeerSet(cmp),
		direct:    make(map[types.ID]directHit),
	}
	for _, p := range seeds {
		if p.ID != self.ID {
			s.queue.insert(p)
		}
	}
	s.best, s.hasBest = s.queue.first()
	return s
}

// addDirectHit records a hit found before any request, e.g. the local node.
func (s *lookupState) addDirectHit(p types.PeerAddress, d digest.Digest) {
	s.queue.remove(p.ID)
	s.potential.remove(p.ID)
	s.direct[p.ID] = directHit{peer: p, digest: d}
}

func (s *lookupState) directHitsReached() bool {
	return s.cfg.MaxDirectHits > 0 && len(s.direct) >= s.cfg.MaxDirectHits
}

func (s *lookupState) finished() bool {
	return s.cancelled || s.reason != NotFinished
}

func (s *lookupState) pollNearest() (types.PeerAddress, bool) {
	if s.cancelled || s.queue.len() == 0 {
		return types.PeerAddress{}, false
	}
	return s.markAsked(s.queue.removeAt(0)), true
}

// pollRandom picks uniformly from the queue. The queue order is fixed for a
// given population, so a seeded rng yields a reproducible sequence.
func (s *lookupState) pollRandom(rng *rand.Rand) (types.PeerAddress, bool) {
	if s.cancelled || s.queue.len() == 0 {
		return types.PeerAddress{}, false
	}
	return s.markAsked(s.queue.removeAt(rng.Intn(s.queue.len()))), true
}

func (s *lookupState) markAsked(p types.PeerAddress) types.PeerAddress {
	s.asked[p.ID] = struct{}{}
	s.path = append(s.path, p)
	return p
}

// recordSuccess merges a response and reports whether the lookup is done.
// Merging the same neighbors twice leaves the queue unchanged.
func (s *lookupState) recordSuccess(responder types.PeerAddress, d digest.Digest, neighbors []types.PeerAddress, isLast bool) bool {
	if s.finished() {
		return true
	}
	s.successes++

	switch {
	case d.HasData() && !s.filters.rejectDirectHit(responder):
		s.potential.remove(responder.ID)
		s.direct[responder.ID] = directHit{peer: responder, digest: d}
	case !s.filters.rejectPotentialHit(responder):
		if _, hit := s.direct[responder.ID]; !hit {
			s.potential.insert(responder)
		}
	}

	if s.merge(neighbors) {
		s.noNewInfo = 0
	} else {
		s.noNewInfo++
	}

	for _, t := range s.cfg.terminationOrder() {
		if s.holds(t, isLast) {
			s.reason = t
			return true
		}
	}
	return false
}

// merge queues unseen neighbors and reports whether they brought new
// information: a better best candidate, or in random mode any new peer.
func (s *lookupState) merge(neighbors []types.PeerAddress) bool {
	added := 0
	for _, n := range neighbors {
		if !s.eligible(n) {
			continue
		}
		if s.queue.insert(n) {
			added++
		}
	}
	if s.random {
		return added > 0
	}

	head, ok := s.queue.first()
	if !ok {
		return false
	}
	if !s.hasBest || s.cmp(head.ID, s.best.ID) < 0 {
		s.best, s.hasBest = head, true
		return true
	}
	return false
}

func (s *lookupState) eligible(n types.PeerAddress) bool {
	if n.ID == s.self.ID {
		return false
	}
	if _, ok := s.asked[n.ID]; ok {
		return false
	}
	if _, ok := s.direct[n.ID]; ok {
		return false
	}
	if s.potential.contains(n.ID) {
		return false
	}
	return !s.filters.rejectTable(n)
}

func (s *lookupState) holds(t Termination, isLast bool) bool {
	switch t {
	case TerminatedDirectHits:
		return s.directHitsReached()
	case TerminatedNoNewInfo:
		return s.cfg.MaxNoNewInfo > 0 && s.noNewInfo >= s.cfg.MaxNoNewInfo
	case TerminatedMaxSuccess:
		return s.cfg.MaxSuccess > 0 && s.successes >= s.cfg.MaxSuccess
	case TerminatedExhausted:
		return isLast && s.queue.len() == 0
	default:
		return false
	}
}

// recordFailure counts a failed request. Only an exhausted failure budget
// ends the lookup.
func (s *lookupState) recordFailure() bool {
	if s.finished() {
		return true
	}
	s.failures++
	if s.cfg.MaxFailures > 0 && s.failures >= s.cfg.MaxFailures {
		s.reason = TerminatedMaxFailures
		return true
	}
	return false
}

// cancel makes the state ignore every later result.
func (s *lookupState) cancel(reason Termination) {
	s.cancelled = true
	if s.reason == NotFinished {
		s.reason = reason
	}
}

func (s *lookupState) outcome(success bool) Outcome {
	o := Outcome{
		Success:       success,
		DirectHits:    make(map[types.PeerAddress]digest.Digest, len(s.direct)),
		PotentialHits: s.potential.list(),
		RoutingPath:   append([]types.PeerAddress(nil), s.path...),
		Reason:        s.reason,
	}
	for _, h := range s.direct {
		o.DirectHits[h.peer] = h.digest
	}
	return o
}
