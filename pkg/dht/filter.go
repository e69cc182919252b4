package dht

import (
	"net/netip"

	"github.com/busybox42/aegis-routing/pkg/types"
)

// PeerFilter rejects a single candidate when it returns true.
type PeerFilter func(candidate types.PeerAddress) bool

// SetFilter rejects a candidate in the context of the whole candidate set.
type SetFilter func(candidate types.PeerAddress, all []types.PeerAddress) bool

// Filters are the rejection predicates consulted by the table and by lookups.
// Nil fields accept everything.
type Filters struct {
	Table        PeerFilter
	PreRouting   SetFilter
	PotentialHit PeerFilter
	DirectHit    PeerFilter
}

func (f Filters) rejectTable(p types.PeerAddress) bool {
	return f.Table != nil && f.Table(p)
}

func (f Filters) rejectPotentialHit(p types.PeerAddress) bool {
	return f.PotentialHit != nil && f.PotentialHit(p)
}

func (f Filters) rejectDirectHit(p types.PeerAddress) bool {
	return f.DirectHit != nil && f.DirectHit(p)
}

// applyPreRouting removes rejected candidates, preserving order.
func (f Filters) applyPreRouting(candidates []types.PeerAddress) []types.PeerAddress {
	if f.PreRouting == nil {
		return candidates
	}
	out := make([]types.PeerAddress, 0, len(candidates))
	for _, c := range candidates {
		if !f.PreRouting(c, candidates) {
			out = append(out, c)
		}
	}
	return out
}

// RejectFirewalled refuses peers that cannot accept inbound connections.
func RejectFirewalled(candidate types.PeerAddress) bool {
	return candidate.Flags.Has(types.Firewalled)
}

// AnyOf rejects when any of the given filters rejects.
func AnyOf(filters ...PeerFilter) PeerFilter {
	return func(candidate types.PeerAddress) bool {
		for _, f := range filters {
			if f != nil && f(candidate) {
				return true
			}
		}
		return false
	}
}

// LimitPerSubnet keeps at most n candidates per network prefix of the given
// length. Candidates earlier in the set win. The prefix length applies to
// IPv4 addresses; IPv6 addresses use four times as many bits.
func LimitPerSubnet(n, bits int) SetFilter {
	return func(candidate types.PeerAddress, all []types.PeerAddress) bool {
		prefix, ok := subnetOf(candidate.Addr, bits)
		if !ok {
			return false
		}
		seen := 0
		for _, other := range all {
			if other.ID == candidate.ID {
				return seen >= n
			}
			if p, ok := subnetOf(other.Addr, bits); ok && p == prefix {
				seen++
			}
		}
		return false
	}
}

func subnetOf(addr netip.AddrPort, bits int) (netip.Prefix, bool) {
	ip := addr.Addr().Unmap()
	if !ip.IsValid() {
		return netip.Prefix{}, false
	}
	if ip.Is6() {
		bits *= 4
	}
	if bits > ip.BitLen() {
		bits = ip.BitLen()
	}
	p, err := ip.Prefix(bits)
	if err != nil {
		return netip.Prefix{}, false
	}
	return p, true
}
