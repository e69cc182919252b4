package dht

import (
	"math/rand"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/busybox42/aegis-routing/pkg/types"
)

func smallTableConfig() TableConfig {
	cfg := DefaultTableConfig()
	cfg.BucketSize = 2
	cfg.OverflowSize = 2
	cfg.OfflineThreshold = 2
	cfg.MaintenanceIntervals = []int{5, 10}
	return cfg
}

func TestNewRoutingTableRejectsInvalidConfig(t *testing.T) {
	cfg := DefaultTableConfig()
	cfg.BucketSize = 0
	_, err := NewRoutingTable(testPeer(types.ZeroID, 4000), cfg)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestAddOrUpdate(t *testing.T) {
	self := testPeer(types.ZeroID, 4000)

	t.Run("self", func(t *testing.T) {
		rt := newTestTable(t, self, DefaultTableConfig())
		_, err := rt.AddOrUpdate(self, true)
		assert.ErrorIs(t, err, ErrSelf)
	})

	t.Run("filtered", func(t *testing.T) {
		rt := newTestTable(t, self, DefaultTableConfig(), WithTableFilter(RejectFirewalled))
		_, err := rt.AddOrUpdate(testPeer(idFromUint(7), 4001).WithFlags(types.Firewalled), true)
		assert.ErrorIs(t, err, ErrRejected)

		added, err := rt.AddOrUpdate(testPeer(idFromUint(8), 4002), true)
		require.NoError(t, err)
		assert.True(t, added)
	})

	t.Run("verified update resets failures", func(t *testing.T) {
		clk := newMockClock()
		rt := newTestTable(t, self, smallTableConfig(), WithClock(clk))
		p := testPeer(idFromUint(9), 4003)

		added, err := rt.AddOrUpdate(p, true)
		require.NoError(t, err)
		assert.True(t, added)

		assert.False(t, rt.MarkFailed(p))
		clk.Add(3 * time.Second)

		added, err = rt.AddOrUpdate(p, true)
		require.NoError(t, err)
		assert.False(t, added)

		s, ok := rt.Statistic(p.ID)
		require.True(t, ok)
		assert.Equal(t, 2, s.SuccessCount)
		assert.Equal(t, 0, s.FailureCount)
		assert.Equal(t, clk.Now(), s.LastSeenOnline)
		assert.Equal(t, 3*time.Second, s.OnlineTime())
	})

	t.Run("hearsay does not touch a verified peer", func(t *testing.T) {
		rt := newTestTable(t, self, smallTableConfig())
		p := testPeer(idFromUint(9), 4003)
		_, err := rt.AddOrUpdate(p, true)
		require.NoError(t, err)

		added, err := rt.AddOrUpdate(p, false)
		require.NoError(t, err)
		assert.False(t, added)

		v, nv := rt.Size()
		assert.Equal(t, 1, v)
		assert.Equal(t, 0, nv)
	})
}

func TestPromoteKeepsSingleEntry(t *testing.T) {
	clk := newMockClock()
	rt := newTestTable(t, testPeer(types.ZeroID, 4000), smallTableConfig(), WithClock(clk))
	p := testPeer(idFromUint(0x40), 4001)

	_, err := rt.AddOrUpdate(p, false)
	require.NoError(t, err)
	created := clk.Now()

	clk.Add(time.Second)
	added, err := rt.AddOrUpdate(p, true)
	require.NoError(t, err)
	assert.True(t, added)

	v, nv := rt.Size()
	assert.Equal(t, 1, v)
	assert.Equal(t, 0, nv)

	s, ok := rt.Statistic(p.ID)
	require.True(t, ok)
	assert.True(t, s.Verified)
	assert.Equal(t, created, s.CreatedAt)
	assert.Len(t, rt.Peers(), 1)
}

func TestVerifiedCapacityDemotesStalest(t *testing.T) {
	clk := newMockClock()
	rt := newTestTable(t, testPeer(types.ZeroID, 4000), smallTableConfig(), WithClock(clk))

	// All three share distance class 7.
	a := testPeer(idFromUint(0x80), 4001)
	b := testPeer(idFromUint(0x81), 4002)
	c := testPeer(idFromUint(0x82), 4003)

	for _, p := range []types.PeerAddress{a, b} {
		_, err := rt.AddOrUpdate(p, true)
		require.NoError(t, err)
		clk.Add(time.Second)
	}
	// Refresh a so b becomes the stalest.
	_, err := rt.AddOrUpdate(a, true)
	require.NoError(t, err)
	clk.Add(time.Second)

	added, err := rt.AddOrUpdate(c, true)
	require.NoError(t, err)
	assert.True(t, added)

	v, nv := rt.Size()
	assert.Equal(t, 2, v)
	assert.Equal(t, 1, nv)

	sb, ok := rt.Statistic(b.ID)
	require.True(t, ok)
	assert.False(t, sb.Verified)

	sa, ok := rt.Statistic(a.ID)
	require.True(t, ok)
	assert.True(t, sa.Verified)
}

func TestNonVerifiedOverflowEvictsOldest(t *testing.T) {
	clk := newMockClock()
	rt := newTestTable(t, testPeer(types.ZeroID, 4000), smallTableConfig(), WithClock(clk))

	peers := []types.PeerAddress{
		testPeer(idFromUint(0x80), 4001),
		testPeer(idFromUint(0x90), 4002),
		testPeer(idFromUint(0xa0), 4003),
	}
	for _, p := range peers {
		_, err := rt.AddOrUpdate(p, false)
		require.NoError(t, err)
		clk.Add(time.Second)
	}

	assert.False(t, rt.Contains(peers[0].ID))
	assert.True(t, rt.Contains(peers[1].ID))
	assert.True(t, rt.Contains(peers[2].ID))
}

func TestMarkFailed(t *testing.T) {
	self := testPeer(types.ZeroID, 4000)

	t.Run("verified peer after threshold", func(t *testing.T) {
		rt := newTestTable(t, self, smallTableConfig())
		p := testPeer(idFromUint(3), 4001)
		_, err := rt.AddOrUpdate(p, true)
		require.NoError(t, err)

		assert.False(t, rt.MarkFailed(p))
		s, ok := rt.Statistic(p.ID)
		require.True(t, ok)
		assert.Equal(t, 1, s.FailureCount)

		assert.True(t, rt.MarkFailed(p))
		assert.False(t, rt.Contains(p.ID))
		assert.True(t, rt.IsOffline(p.ID))

		_, err = rt.AddOrUpdate(p, false)
		assert.ErrorIs(t, err, ErrPeerOffline)

		added, err := rt.AddOrUpdate(p, true)
		require.NoError(t, err)
		assert.True(t, added)
		assert.False(t, rt.IsOffline(p.ID))
	})

	t.Run("unverified peer on first failure", func(t *testing.T) {
		rt := newTestTable(t, self, smallTableConfig())
		p := testPeer(idFromUint(5), 4002)
		_, err := rt.AddOrUpdate(p, false)
		require.NoError(t, err)

		assert.True(t, rt.MarkFailed(p))
		assert.False(t, rt.Contains(p.ID))
		assert.True(t, rt.IsOffline(p.ID))
	})

	t.Run("unknown peer", func(t *testing.T) {
		rt := newTestTable(t, self, smallTableConfig())
		assert.False(t, rt.MarkFailed(testPeer(idFromUint(6), 4003)))
		assert.False(t, rt.IsOffline(idFromUint(6)))
	})
}

func TestMarkOffline(t *testing.T) {
	rt := newTestTable(t, testPeer(types.ZeroID, 4000), smallTableConfig())
	p := testPeer(idFromUint(11), 4001)
	_, err := rt.AddOrUpdate(p, true)
	require.NoError(t, err)

	assert.True(t, rt.MarkOffline(p))
	assert.False(t, rt.Contains(p.ID))
	assert.True(t, rt.IsOffline(p.ID))
}

func bruteForceClosest(peers []types.PeerAddress, target types.ID, count int) []types.PeerAddress {
	sorted := append([]types.PeerAddress(nil), peers...)
	sort.Slice(sorted, func(i, j int) bool {
		return types.CompareDistance(target, sorted[i].ID, sorted[j].ID) < 0
	})
	if len(sorted) > count {
		sorted = sorted[:count]
	}
	return sorted
}

func TestClosePeersMatchesBruteForce(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	self := testPeer(types.RandomID(rng), 4000)

	cfg := DefaultTableConfig()
	cfg.BucketSize = 1000
	rt := newTestTable(t, self, cfg)

	var peers []types.PeerAddress
	for i := 0; i < 500; i++ {
		p := testPeer(types.RandomID(rng), uint16(5000+i))
		_, err := rt.AddOrUpdate(p, true)
		require.NoError(t, err)
		peers = append(peers, p)
	}

	targets := []types.ID{self.ID, peers[17].ID, types.MaxID, types.ZeroID}
	for i := 0; i < 20; i++ {
		targets = append(targets, types.RandomID(rng))
	}

	for _, target := range targets {
		for _, count := range []int{1, 3, 20, 600} {
			got := rt.ClosePeers(target, count)
			assert.Equal(t, bruteForceClosest(peers, target, count), got, "target %s count %d", target.Short(), count)
		}
	}
}

func TestClosePeersPrefersVerified(t *testing.T) {
	rt := newTestTable(t, testPeer(types.ZeroID, 4000), DefaultTableConfig())
	near := testPeer(idFromUint(1), 4001)
	far := testPeer(idFromUint(0x1000), 4002)

	_, err := rt.AddOrUpdate(near, false)
	require.NoError(t, err)
	_, err = rt.AddOrUpdate(far, true)
	require.NoError(t, err)

	assert.Equal(t, []types.PeerAddress{far}, rt.ClosePeers(types.ZeroID, 1))
	assert.Equal(t, []types.PeerAddress{near, far}, rt.ClosePeers(types.ZeroID, 5))
	assert.Empty(t, rt.ClosePeers(types.ZeroID, 0))
}

func TestNextForMaintenance(t *testing.T) {
	self := testPeer(types.ZeroID, 4000)

	t.Run("due after interval", func(t *testing.T) {
		clk := newMockClock()
		rt := newTestTable(t, self, smallTableConfig(), WithClock(clk))
		p := testPeer(idFromUint(1), 4001)
		_, err := rt.AddOrUpdate(p, true)
		require.NoError(t, err)

		assert.Nil(t, rt.NextForMaintenance(nil))

		clk.Add(6 * time.Second)
		s := rt.NextForMaintenance(nil)
		require.NotNil(t, s)
		assert.Equal(t, p, s.Address)

		assert.Nil(t, rt.NextForMaintenance(map[types.ID]struct{}{p.ID: {}}))
	})

	t.Run("long-lived peers are checked less often", func(t *testing.T) {
		clk := newMockClock()
		rt := newTestTable(t, self, smallTableConfig(), WithClock(clk))
		old := testPeer(idFromUint(1), 4001)
		young := testPeer(idFromUint(0x100), 4002)

		_, err := rt.AddOrUpdate(old, true)
		require.NoError(t, err)
		clk.Add(100 * time.Second)
		_, err = rt.AddOrUpdate(old, true)
		require.NoError(t, err)
		_, err = rt.AddOrUpdate(young, true)
		require.NoError(t, err)

		clk.Add(8 * time.Second)
		s := rt.NextForMaintenance(nil)
		require.NotNil(t, s)
		assert.Equal(t, young, s.Address)
	})

	t.Run("closest class first", func(t *testing.T) {
		clk := newMockClock()
		rt := newTestTable(t, self, smallTableConfig(), WithClock(clk))
		far := testPeer(idFromUint(0x10000), 4001)
		near := testPeer(idFromUint(2), 4002)
		for _, p := range []types.PeerAddress{far, near} {
			_, err := rt.AddOrUpdate(p, true)
			require.NoError(t, err)
		}

		clk.Add(time.Minute)
		s := rt.NextForMaintenance(nil)
		require.NotNil(t, s)
		assert.Equal(t, near, s.Address)
	})

	t.Run("urgent bucket probes unverified first", func(t *testing.T) {
		clk := newMockClock()
		rt := newTestTable(t, self, smallTableConfig(), WithClock(clk))
		verified := testPeer(idFromUint(0x80), 4001)
		hearsay := testPeer(idFromUint(0x81), 4002)

		_, err := rt.AddOrUpdate(verified, true)
		require.NoError(t, err)
		_, err = rt.AddOrUpdate(hearsay, false)
		require.NoError(t, err)

		s := rt.NextForMaintenance(nil)
		require.NotNil(t, s)
		assert.Equal(t, hearsay, s.Address)
		assert.False(t, s.Verified)
	})

	t.Run("full bucket ignores unverified", func(t *testing.T) {
		clk := newMockClock()
		rt := newTestTable(t, self, smallTableConfig(), WithClock(clk))
		for i, id := range []uint64{0x80, 0x81} {
			_, err := rt.AddOrUpdate(testPeer(idFromUint(id), uint16(4001+i)), true)
			require.NoError(t, err)
		}
		_, err := rt.AddOrUpdate(testPeer(idFromUint(0x82), 4003), false)
		require.NoError(t, err)

		assert.Nil(t, rt.NextForMaintenance(nil))
	})
}

func TestExpireNonVerified(t *testing.T) {
	clk := newMockClock()
	cfg := smallTableConfig()
	cfg.NonVerifiedTTL = time.Minute
	rt := newTestTable(t, testPeer(types.ZeroID, 4000), cfg, WithClock(clk))

	stale := testPeer(idFromUint(1), 4001)
	kept := testPeer(idFromUint(2), 4002)
	_, err := rt.AddOrUpdate(stale, false)
	require.NoError(t, err)
	_, err = rt.AddOrUpdate(kept, true)
	require.NoError(t, err)

	clk.Add(2 * time.Minute)
	assert.Equal(t, 1, rt.ExpireNonVerified())
	assert.False(t, rt.Contains(stale.ID))
	assert.True(t, rt.Contains(kept.ID))
}

func TestDemotedPeerAgesFromDemotion(t *testing.T) {
	cfg := smallTableConfig()
	cfg.BucketSize = 1
	cfg.NonVerifiedTTL = 10 * time.Minute

	// a, b, heard and later share distance class 7.
	a := testPeer(idFromUint(0x80), 4001)
	b := testPeer(idFromUint(0x81), 4002)
	heard := testPeer(idFromUint(0x90), 4003)
	later := testPeer(idFromUint(0xa0), 4004)

	setup := func(t *testing.T) (*RoutingTable, *clock.Mock) {
		clk := newMockClock()
		rt := newTestTable(t, testPeer(types.ZeroID, 4000), cfg, WithClock(clk))

		_, err := rt.AddOrUpdate(a, true)
		require.NoError(t, err)
		clk.Add(time.Minute)
		_, err = rt.AddOrUpdate(heard, false)
		require.NoError(t, err)

		clk.Add(11 * time.Minute)
		_, err = rt.AddOrUpdate(a, true)
		require.NoError(t, err)
		clk.Add(time.Second)

		// b takes the only verified slot and demotes a.
		_, err = rt.AddOrUpdate(b, true)
		require.NoError(t, err)
		return rt, clk
	}

	t.Run("expiry", func(t *testing.T) {
		rt, clk := setup(t)

		sa, ok := rt.Statistic(a.ID)
		require.True(t, ok)
		assert.False(t, sa.Verified)
		assert.Equal(t, clk.Now(), sa.UnverifiedSince)

		assert.Equal(t, 1, rt.ExpireNonVerified(), "only the old hearsay expires")
		assert.True(t, rt.Contains(a.ID))
		assert.False(t, rt.Contains(heard.ID))

		clk.Add(11 * time.Minute)
		assert.Equal(t, 1, rt.ExpireNonVerified())
		assert.False(t, rt.Contains(a.ID))
		assert.True(t, rt.Contains(b.ID))
	})

	t.Run("overflow", func(t *testing.T) {
		rt, _ := setup(t)

		_, err := rt.AddOrUpdate(later, false)
		require.NoError(t, err)

		assert.True(t, rt.Contains(a.ID))
		assert.True(t, rt.Contains(later.ID))
		assert.False(t, rt.Contains(heard.ID))
	})
}

func TestRoutingTableConcurrentAccess(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	rt := newTestTable(t, testPeer(types.RandomID(rng), 4000), DefaultTableConfig())

	peers := make([]types.PeerAddress, 200)
	for i := range peers {
		peers[i] = testPeer(types.RandomID(rng), uint16(5000+i))
	}

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i, p := range peers {
				switch (i + w) % 4 {
				case 0:
					_, _ = rt.AddOrUpdate(p, true)
				case 1:
					_, _ = rt.AddOrUpdate(p, false)
				case 2:
					rt.MarkFailed(p)
				default:
					rt.ClosePeers(p.ID, K)
					rt.NextForMaintenance(nil)
				}
			}
		}(w)
	}
	wg.Wait()

	v, nv := rt.Size()
	assert.LessOrEqual(t, v+nv, len(peers))
}
