package types

import (
	"crypto/ed25519"
	"fmt"
	"net"
	"net/netip"
)

// PeerFlags describes capabilities a peer announces about itself.
type PeerFlags uint8

const (
	// Firewalled peers cannot accept inbound connections.
	Firewalled PeerFlags = 1 << iota
	// Relayed peers are only reachable through a relay.
	Relayed
	// Slow peers answer with high latency.
	Slow
)

func (f PeerFlags) Has(flag PeerFlags) bool {
	return f&flag != 0
}

// PeerAddress identifies a peer and where to reach it. It is comparable and
// immutable, so it can be used as a map key and shared without locking.
type PeerAddress struct {
	ID    ID
	Addr  netip.AddrPort
	Flags PeerFlags
}

// NewPeerAddress derives the peer identifier from the SHA-1 of its public key.
func NewPeerAddress(publicKey ed25519.PublicKey, addr netip.AddrPort) PeerAddress {
	var id ID
	if publicKey != nil {
		id = HashID(publicKey)
	}
	return PeerAddress{
		ID:   id,
		Addr: addr,
	}
}

// PeerAddressFromTCP converts a *net.TCPAddr endpoint. IPv4-mapped
// addresses are unmapped.
func PeerAddressFromTCP(id ID, addr *net.TCPAddr) PeerAddress {
	ap := addr.AddrPort()
	return PeerAddress{
		ID:   id,
		Addr: netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()),
	}
}

// WithFlags returns a copy of p carrying flags.
func (p PeerAddress) WithFlags(flags PeerFlags) PeerAddress {
	p.Flags = flags
	return p
}

// TCPAddr returns the endpoint as a *net.TCPAddr.
func (p PeerAddress) TCPAddr() *net.TCPAddr {
	return net.TCPAddrFromAddrPort(p.Addr)
}

func (p PeerAddress) String() string {
	return fmt.Sprintf("%s@%s", p.ID.Short(), p.Addr)
}
