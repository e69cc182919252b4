package types

import (
	"crypto/ed25519"
	"crypto/sha1"
	"net"
	"net/netip"
	"testing"
)

func TestNewPeerAddress(t *testing.T) {
	// Generate a random Ed25519 key pair for testing
	publicKey, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("Failed to generate test key: %v", err)
	}

	addr := netip.MustParseAddrPort("127.0.0.1:8080")
	peer := NewPeerAddress(publicKey, addr)

	// ID is the SHA-1 of the public key
	if peer.ID != ID(sha1.Sum(publicKey)) {
		t.Errorf("Expected ID to be the SHA-1 of the public key, got %s", peer.ID)
	}

	if peer.Addr != addr {
		t.Errorf("Expected address %v, got %v", addr, peer.Addr)
	}

	if peer.Flags != 0 {
		t.Errorf("Expected no flags, got %v", peer.Flags)
	}
}

func TestPeerAddressIsComparable(t *testing.T) {
	pub, _, _ := ed25519.GenerateKey(nil)
	a := NewPeerAddress(pub, netip.MustParseAddrPort("10.0.0.1:4000"))
	b := NewPeerAddress(pub, netip.MustParseAddrPort("10.0.0.1:4000"))

	seen := map[PeerAddress]bool{a: true}
	if !seen[b] {
		t.Error("Equal peer addresses should hit the same map entry")
	}

	flagged := a.WithFlags(Firewalled | Slow)
	if flagged == a {
		t.Error("Flags should take part in equality")
	}
	if !flagged.Flags.Has(Firewalled) || flagged.Flags.Has(Relayed) {
		t.Errorf("Unexpected flags %b", flagged.Flags)
	}
	if a.Flags != 0 {
		t.Error("WithFlags must not modify the receiver")
	}
}

func TestPeerAddressFromTCP(t *testing.T) {
	id := HashID([]byte("peer"))
	addr := &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 9000}

	peer := PeerAddressFromTCP(id, addr)
	if peer.TCPAddr().String() != addr.String() {
		t.Errorf("Expected address %s, got %s", addr, peer.TCPAddr())
	}
}
