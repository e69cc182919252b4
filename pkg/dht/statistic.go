package dht

import (
	"sort"
	"time"

	"github.com/busybox42/aegis-routing/pkg/types"
)

// PeerStatistic is the liveness record the routing table keeps per peer.
// Callers always receive copies; the table mutates its own records under the
// owning bucket's lock.
type PeerStatistic struct {
	Address         types.PeerAddress
	CreatedAt       time.Time
	LastSeenOnline  time.Time
	SuccessCount    int
	FailureCount    int
	Verified        bool
	// UnverifiedSince is when the peer entered the non-verified tier, either
	// as hearsay or by demotion. Zero while verified.
	UnverifiedSince time.Time
}

// OnlineTime is how long the peer has been known to be online.
func (s PeerStatistic) OnlineTime() time.Duration {
	if s.LastSeenOnline.IsZero() || s.LastSeenOnline.Before(s.CreatedAt) {
		return 0
	}
	return s.LastSeenOnline.Sub(s.CreatedAt)
}

// checkInterval picks the re-check interval for a peer from an ascending
// table: the first entry not below the peer's online time in seconds.
func checkInterval(onlineTime time.Duration, intervals []int) time.Duration {
	onlineSec := int(onlineTime / time.Second)
	idx := len(intervals) - 1
	if onlineSec <= 0 {
		idx = 0
	} else if i := sort.SearchInts(intervals, onlineSec); i < len(intervals) {
		idx = i
	}
	return time.Duration(intervals[idx]) * time.Second
}

// needsMaintenance reports whether the peer has gone unconfirmed for longer
// than its check interval. Peers never seen online are always due.
func (s PeerStatistic) needsMaintenance(now time.Time, intervals []int) bool {
	if s.LastSeenOnline.IsZero() {
		return true
	}
	return now.Sub(s.LastSeenOnline) > checkInterval(s.OnlineTime(), intervals)
}

func (s *PeerStatistic) markSeen(addr types.PeerAddress, now time.Time) {
	s.Address = addr
	s.LastSeenOnline = now
	s.SuccessCount++
	s.FailureCount = 0
}
