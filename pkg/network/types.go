package network

import (
	"context"
	"errors"

	"golang.org/x/net/proxy"

	"github.com/busybox42/aegis-routing/pkg/crypto"
	"github.com/busybox42/aegis-routing/pkg/dht"
	"github.com/busybox42/aegis-routing/pkg/types"
)

// ErrClosed is returned by a transport that has been stopped.
var ErrClosed = errors.New("network: transport closed")

// ErrRemote wraps an error reported by the remote peer.
var ErrRemote = errors.New("network: remote error")

// Handler serves inbound DHT requests. *dht.MessageHandler implements it.
type Handler interface {
	HandleMessage(ctx context.Context, msg *dht.Message) (*dht.Message, error)
}

type Config struct {
	// Host is the address to listen on and to advertise to other peers.
	Host string
	// Port 0 picks a free port.
	Port    int
	KeyPair *crypto.KeyPair
	// Flags are announced with every message we send.
	Flags types.PeerFlags
	// Dialer overrides the outbound dialer, e.g. with a Tor SOCKS5 proxy.
	Dialer proxy.Dialer
}
