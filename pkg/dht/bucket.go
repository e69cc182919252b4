package dht

import (
	"sync"
	"time"

	"github.com/busybox42/aegis-routing/pkg/types"
)

// tierDelta is the change in tier sizes caused by one bucket mutation.
type tierDelta struct {
	verified    int
	nonVerified int
}

// Bucket holds the peers of one distance class in two tiers: verified peers
// that answered us directly and non-verified peers we only heard about.
// A peer is in at most one tier.
type Bucket struct {
	mu          sync.RWMutex
	verified    map[types.ID]*PeerStatistic
	nonVerified map[types.ID]*PeerStatistic
}

func newBucket() *Bucket {
	return &Bucket{
		verified:    make(map[types.ID]*PeerStatistic),
		nonVerified: make(map[types.ID]*PeerStatistic),
	}
}

func (b *Bucket) sizes() (int, int) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.verified), len(b.nonVerified)
}

// addVerified records direct contact with addr. A full verified tier demotes
// its stalest peer to the non-verified tier. Returns the demoted peer, if any.
func (b *Bucket) addVerified(addr types.PeerAddress, now time.Time, capacity, overflow int) (bool, *PeerStatistic, tierDelta) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v0, nv0 := len(b.verified), len(b.nonVerified)

	if s, ok := b.verified[addr.ID]; ok {
		s.markSeen(addr, now)
		return false, nil, tierDelta{}
	}

	s, ok := b.nonVerified[addr.ID]
	if ok {
		delete(b.nonVerified, addr.ID)
	} else {
		s = &PeerStatistic{CreatedAt: now}
	}
	s.Verified = true
	s.UnverifiedSince = time.Time{}
	s.markSeen(addr, now)

	var demoted *PeerStatistic
	if len(b.verified) >= capacity {
		stale := oldestBy(b.verified, func(p *PeerStatistic) time.Time { return p.LastSeenOnline })
		delete(b.verified, stale.Address.ID)
		stale.Verified = false
		stale.UnverifiedSince = now
		b.insertNonVerified(stale, overflow)
		cp := *stale
		demoted = &cp
	}
	b.verified[addr.ID] = s

	return true, demoted, tierDelta{
		verified:    len(b.verified) - v0,
		nonVerified: len(b.nonVerified) - nv0,
	}
}

// addNonVerified records hearsay about addr. Known peers are left untouched.
func (b *Bucket) addNonVerified(addr types.PeerAddress, now time.Time, overflow int) (bool, tierDelta) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.verified[addr.ID]; ok {
		return false, tierDelta{}
	}
	if _, ok := b.nonVerified[addr.ID]; ok {
		return false, tierDelta{}
	}
	nv0 := len(b.nonVerified)
	added := b.insertNonVerified(&PeerStatistic{Address: addr, CreatedAt: now, UnverifiedSince: now}, overflow)
	return added, tierDelta{nonVerified: len(b.nonVerified) - nv0}
}

// insertNonVerified evicts the entry longest in the tier when it is full.
// Caller holds the write lock.
func (b *Bucket) insertNonVerified(s *PeerStatistic, overflow int) bool {
	if overflow <= 0 {
		return false
	}
	if len(b.nonVerified) >= overflow {
		oldest := oldestBy(b.nonVerified, func(p *PeerStatistic) time.Time { return p.UnverifiedSince })
		delete(b.nonVerified, oldest.Address.ID)
	}
	b.nonVerified[s.Address.ID] = s
	return true
}

// fail counts a failed contact. Non-verified peers are dropped at once,
// verified peers once they reach threshold consecutive failures.
func (b *Bucket) fail(id types.ID, threshold int) (PeerStatistic, bool, tierDelta) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if s, ok := b.nonVerified[id]; ok {
		s.FailureCount++
		delete(b.nonVerified, id)
		return *s, true, tierDelta{nonVerified: -1}
	}
	s, ok := b.verified[id]
	if !ok {
		return PeerStatistic{}, false, tierDelta{}
	}
	s.FailureCount++
	if s.FailureCount >= threshold {
		delete(b.verified, id)
		return *s, true, tierDelta{verified: -1}
	}
	return *s, false, tierDelta{}
}

func (b *Bucket) remove(id types.ID) (PeerStatistic, bool, tierDelta) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if s, ok := b.verified[id]; ok {
		delete(b.verified, id)
		return *s, true, tierDelta{verified: -1}
	}
	if s, ok := b.nonVerified[id]; ok {
		delete(b.nonVerified, id)
		return *s, true, tierDelta{nonVerified: -1}
	}
	return PeerStatistic{}, false, tierDelta{}
}

func (b *Bucket) get(id types.ID) (PeerStatistic, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if s, ok := b.verified[id]; ok {
		return *s, true
	}
	if s, ok := b.nonVerified[id]; ok {
		return *s, true
	}
	return PeerStatistic{}, false
}

func (b *Bucket) peers(verified bool) []types.PeerAddress {
	b.mu.RLock()
	defer b.mu.RUnlock()

	tier := b.nonVerified
	if verified {
		tier = b.verified
	}
	out := make([]types.PeerAddress, 0, len(tier))
	for _, s := range tier {
		out = append(out, s.Address)
	}
	return out
}

func (b *Bucket) statistics() []PeerStatistic {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]PeerStatistic, 0, len(b.verified)+len(b.nonVerified))
	for _, s := range b.verified {
		out = append(out, *s)
	}
	for _, s := range b.nonVerified {
		out = append(out, *s)
	}
	return out
}

// nextDue returns the most overdue peer of this bucket that is not excluded.
// Non-verified peers go first when the verified tier is below urgency.
func (b *Bucket) nextDue(now time.Time, intervals []int, urgency int, exclude map[types.ID]struct{}) (PeerStatistic, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	pick := func(tier map[types.ID]*PeerStatistic) *PeerStatistic {
		var best *PeerStatistic
		for id, s := range tier {
			if _, skip := exclude[id]; skip {
				continue
			}
			if !s.needsMaintenance(now, intervals) {
				continue
			}
			if best == nil || staler(s, best) {
				best = s
			}
		}
		return best
	}

	if len(b.verified) < urgency {
		if s := pick(b.nonVerified); s != nil {
			return *s, true
		}
	}
	if s := pick(b.verified); s != nil {
		return *s, true
	}
	return PeerStatistic{}, false
}

// expireNonVerified drops non-verified entries that entered the tier before
// cutoff.
func (b *Bucket) expireNonVerified(cutoff time.Time) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for id, s := range b.nonVerified {
		if s.UnverifiedSince.Before(cutoff) {
			delete(b.nonVerified, id)
			n++
		}
	}
	return n
}

func staler(a, b *PeerStatistic) bool {
	if !a.LastSeenOnline.Equal(b.LastSeenOnline) {
		return a.LastSeenOnline.Before(b.LastSeenOnline)
	}
	return a.Address.ID.Compare(b.Address.ID) < 0
}

// oldestBy picks the entry with the earliest timestamp, breaking ties by ID
// so eviction does not depend on map iteration order.
func oldestBy(tier map[types.ID]*PeerStatistic, ts func(*PeerStatistic) time.Time) *PeerStatistic {
	var oldest *PeerStatistic
	for _, s := range tier {
		if oldest == nil {
			oldest = s
			continue
		}
		a, o := ts(s), ts(oldest)
		if a.Before(o) || (a.Equal(o) && s.Address.ID.Compare(oldest.Address.ID) < 0) {
			oldest = s
		}
	}
	return oldest
}
