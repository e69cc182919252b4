package dht

import (
	"encoding/binary"
	"net/netip"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/busybox42/aegis-routing/pkg/types"
)

// idFromUint places v in the low eight bytes of an identifier.
func idFromUint(v uint64) types.ID {
	var id types.ID
	binary.BigEndian.PutUint64(id[types.IDLength-8:], v)
	return id
}

func testPeer(id types.ID, port uint16) types.PeerAddress {
	return types.PeerAddress{
		ID:   id,
		Addr: netip.AddrPortFrom(netip.AddrFrom4([4]byte{127, 0, 0, 1}), port),
	}
}

func newTestTable(t *testing.T, self types.PeerAddress, cfg TableConfig, opts ...TableOption) *RoutingTable {
	t.Helper()
	rt, err := NewRoutingTable(self, cfg, opts...)
	require.NoError(t, err)
	return rt
}

func newMockClock() *clock.Mock {
	c := clock.NewMock()
	c.Set(time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC))
	return c
}

func secs(n int) time.Duration {
	return time.Duration(n) * time.Second
}
