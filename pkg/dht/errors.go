package dht

import "errors"

var (
	// ErrInvalidConfig is wrapped by every configuration validation failure.
	ErrInvalidConfig = errors.New("dht: invalid config")

	// ErrNoSeeds is returned when a bootstrap is started without seed peers.
	ErrNoSeeds = errors.New("dht: no bootstrap seeds")

	// ErrNoRouteFound means a bootstrap reached no peer other than the local node.
	ErrNoRouteFound = errors.New("dht: no route found")

	// ErrSelf is returned when the local node is offered to its own table.
	ErrSelf = errors.New("dht: cannot add self to routing table")

	// ErrPeerOffline means the peer is held offline and cannot be re-learned yet.
	ErrPeerOffline = errors.New("dht: peer is offline")

	// ErrRejected means a peer filter refused the peer.
	ErrRejected = errors.New("dht: peer rejected by filter")

	// ErrResponderMismatch means a response came from another peer than the one asked.
	ErrResponderMismatch = errors.New("dht: responder does not match requested peer")

	// ErrNoTransport is returned when a lookup needs the network but none is configured.
	ErrNoTransport = errors.New("dht: no transport configured")
)
