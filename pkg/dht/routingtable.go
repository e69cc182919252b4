package dht

import (
	"fmt"
	"sort"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"

	"github.com/busybox42/aegis-routing/pkg/metrics"
	"github.com/busybox42/aegis-routing/pkg/types"
)

// RoutingTable groups known peers into IDBits distance classes relative to
// the local identifier. Class i holds peers whose XOR distance to the local
// node has bit length i+1, so class 0 is the closest. Each bucket carries
// its own lock; there is no table-wide lock.
type RoutingTable struct {
	self    types.PeerAddress
	cfg     TableConfig
	clock   clock.Clock
	filter  PeerFilter
	buckets [types.IDBits]*Bucket
	offline *expirable.LRU[types.ID, types.PeerAddress]
}

// TableOption customises a RoutingTable.
type TableOption func(*RoutingTable)

// WithClock replaces the wall clock, mostly for tests.
func WithClock(c clock.Clock) TableOption {
	return func(rt *RoutingTable) {
		rt.clock = c
	}
}

// WithTableFilter installs the filter consulted by AddOrUpdate.
func WithTableFilter(f PeerFilter) TableOption {
	return func(rt *RoutingTable) {
		rt.filter = f
	}
}

func NewRoutingTable(self types.PeerAddress, cfg TableConfig, opts ...TableOption) (*RoutingTable, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	rt := &RoutingTable{
		self:  self,
		cfg:   cfg,
		clock: clock.New(),
	}
	for _, opt := range opts {
		opt(rt)
	}
	for i := range rt.buckets {
		rt.buckets[i] = newBucket()
	}
	rt.offline = expirable.NewLRU[types.ID, types.PeerAddress](cfg.OfflineCapacity, nil, cfg.OfflineTTL)
	return rt, nil
}

// Self returns the local peer address.
func (rt *RoutingTable) Self() types.PeerAddress {
	return rt.self
}

// bucketIndex returns -1 for the local identifier itself.
func (rt *RoutingTable) bucketIndex(id types.ID) int {
	return rt.self.ID.Xor(id).BitLen() - 1
}

// AddOrUpdate records a peer. verified means the peer answered us directly;
// otherwise we only heard of it from someone else. Returns true when the
// peer was new to its tier.
func (rt *RoutingTable) AddOrUpdate(addr types.PeerAddress, verified bool) (bool, error) {
	if addr.ID == rt.self.ID {
		return false, ErrSelf
	}
	if rt.filter != nil && rt.filter(addr) {
		return false, fmt.Errorf("%w: %s", ErrRejected, addr)
	}
	if verified {
		rt.offline.Remove(addr.ID)
	} else if _, held := rt.offline.Peek(addr.ID); held {
		return false, fmt.Errorf("%w: %s", ErrPeerOffline, addr)
	}

	b := rt.buckets[rt.bucketIndex(addr.ID)]
	now := rt.clock.Now()
	if !verified {
		added, delta := b.addNonVerified(addr, now, rt.cfg.OverflowSize)
		rt.track(delta)
		return added, nil
	}

	added, demoted, delta := b.addVerified(addr, now, rt.cfg.BucketSize, rt.cfg.OverflowSize)
	rt.track(delta)
	if demoted != nil {
		metrics.TableEvictionsTotal.WithLabelValues("capacity").Inc()
		log.WithFields(logrus.Fields{
			"peer":    demoted.Address.String(),
			"replace": addr.String(),
		}).Debug("Demoted stale peer from full bucket")
	}
	return added, nil
}

// MarkFailed counts a failed contact. The peer is removed and held offline
// once it reaches the offline threshold; unverified peers on first failure.
func (rt *RoutingTable) MarkFailed(addr types.PeerAddress) bool {
	if addr.ID == rt.self.ID {
		return false
	}
	s, removed, delta := rt.buckets[rt.bucketIndex(addr.ID)].fail(addr.ID, rt.cfg.OfflineThreshold)
	rt.track(delta)
	if removed {
		rt.offline.Add(addr.ID, s.Address)
		metrics.TableEvictionsTotal.WithLabelValues("failures").Inc()
		log.WithFields(logrus.Fields{
			"peer":     s.Address.String(),
			"failures": s.FailureCount,
		}).Debug("Peer marked offline")
	}
	return removed
}

// MarkOffline removes the peer immediately and holds it offline.
func (rt *RoutingTable) MarkOffline(addr types.PeerAddress) bool {
	if addr.ID == rt.self.ID {
		return false
	}
	_, removed, delta := rt.buckets[rt.bucketIndex(addr.ID)].remove(addr.ID)
	rt.track(delta)
	rt.offline.Add(addr.ID, addr)
	if removed {
		metrics.TableEvictionsTotal.WithLabelValues("offline").Inc()
	}
	return removed
}

// IsOffline reports whether the peer is in the offline holding set.
func (rt *RoutingTable) IsOffline(id types.ID) bool {
	_, held := rt.offline.Peek(id)
	return held
}

// ClosePeers returns up to count peers closest to target, sorted by XOR
// distance. Verified peers are preferred; non-verified peers only fill the
// remaining slots.
func (rt *RoutingTable) ClosePeers(target types.ID, count int) []types.PeerAddress {
	if count <= 0 {
		return nil
	}
	cmp := types.DistanceOrder(target)
	closest := func(verified bool, n int) []types.PeerAddress {
		found := rt.collect(target, verified, n)
		sort.Slice(found, func(i, j int) bool { return cmp(found[i].ID, found[j].ID) < 0 })
		if len(found) > n {
			found = found[:n]
		}
		return found
	}

	result := closest(true, count)
	if len(result) < count {
		result = append(result, closest(false, count-len(result))...)
		sort.Slice(result, func(i, j int) bool { return cmp(result[i].ID, result[j].ID) < 0 })
	}
	return result
}

// collect gathers at least n candidates of one tier when that many exist,
// walking classes so that every skipped peer is farther than every
// collected one. Classes below the target's class are unordered relative
// to each other and are taken together.
func (rt *RoutingTable) collect(target types.ID, verified bool, n int) []types.PeerAddress {
	c := rt.bucketIndex(target)
	var out []types.PeerAddress
	if c >= 0 {
		out = append(out, rt.buckets[c].peers(verified)...)
	}
	if len(out) < n {
		for i := c - 1; i >= 0; i-- {
			out = append(out, rt.buckets[i].peers(verified)...)
		}
	}
	for i := c + 1; i < len(rt.buckets) && len(out) < n; i++ {
		out = append(out, rt.buckets[i].peers(verified)...)
	}
	return out
}

// NextForMaintenance returns the closest peer due for a liveness check, or
// nil when nothing is due. Peers in exclude are skipped.
func (rt *RoutingTable) NextForMaintenance(exclude map[types.ID]struct{}) *PeerStatistic {
	now := rt.clock.Now()
	for _, b := range rt.buckets {
		if s, ok := b.nextDue(now, rt.cfg.MaintenanceIntervals, rt.cfg.UrgencyThreshold, exclude); ok {
			return &s
		}
	}
	return nil
}

// ExpireNonVerified drops non-verified peers that stayed unconfirmed for
// NonVerifiedTTL since entering the tier.
func (rt *RoutingTable) ExpireNonVerified() int {
	cutoff := rt.clock.Now().Add(-rt.cfg.NonVerifiedTTL)
	total := 0
	for _, b := range rt.buckets {
		total += b.expireNonVerified(cutoff)
	}
	if total > 0 {
		rt.track(tierDelta{nonVerified: -total})
		metrics.TableEvictionsTotal.WithLabelValues("expired").Add(float64(total))
	}
	return total
}

// Size returns the number of verified and non-verified peers.
func (rt *RoutingTable) Size() (verified, nonVerified int) {
	for _, b := range rt.buckets {
		v, nv := b.sizes()
		verified += v
		nonVerified += nv
	}
	return verified, nonVerified
}

// Statistic returns a snapshot of the peer's record.
func (rt *RoutingTable) Statistic(id types.ID) (PeerStatistic, bool) {
	if id == rt.self.ID {
		return PeerStatistic{}, false
	}
	return rt.buckets[rt.bucketIndex(id)].get(id)
}

func (rt *RoutingTable) Contains(id types.ID) bool {
	_, ok := rt.Statistic(id)
	return ok
}

// Peers returns snapshots of every record, closest classes first.
func (rt *RoutingTable) Peers() []PeerStatistic {
	var out []PeerStatistic
	for _, b := range rt.buckets {
		out = append(out, b.statistics()...)
	}
	return out
}

func (rt *RoutingTable) track(d tierDelta) {
	if d.verified != 0 {
		metrics.TablePeers.WithLabelValues("verified").Add(float64(d.verified))
	}
	if d.nonVerified != 0 {
		metrics.TablePeers.WithLabelValues("unverified").Add(float64(d.nonVerified))
	}
}

