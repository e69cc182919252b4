package dht

import (
	"fmt"

	"github.com/busybox42/aegis-routing/pkg/digest"
	"github.com/busybox42/aegis-routing/pkg/types"
)

type MessageType uint8

const (
	FindNeighbors MessageType = iota
	Ping
	Quit
)

func (t MessageType) String() string {
	switch t {
	case FindNeighbors:
		return "find_neighbors"
	case Ping:
		return "ping"
	case Quit:
		return "quit"
	default:
		return fmt.Sprintf("message(%d)", uint8(t))
	}
}

// QueryKind selects what a find-neighbors request asks besides close peers.
type QueryKind uint8

const (
	// QueryNeighbors asks only for close peers.
	QueryNeighbors QueryKind = iota
	// QueryDigestDomain also asks for the digest of a whole domain.
	QueryDigestDomain
	// QueryDigestContent also asks for the digest of one content key.
	QueryDigestContent
	// QueryDigestRange also asks for the digest of a version key range.
	QueryDigestRange
)

// WantsDigest reports whether responders attach a local digest.
func (k QueryKind) WantsDigest() bool {
	return k != QueryNeighbors
}

func (k QueryKind) String() string {
	switch k {
	case QueryNeighbors:
		return "neighbors"
	case QueryDigestDomain:
		return "digest_domain"
	case QueryDigestContent:
		return "digest_content"
	case QueryDigestRange:
		return "digest_range"
	default:
		return fmt.Sprintf("query(%d)", uint8(k))
	}
}

// SearchSpec describes what a lookup routes toward. Target is the location
// key; the remaining fields only matter for digest queries.
type SearchSpec struct {
	Target    types.ID
	Domain    types.ID
	Content   types.ID
	From      types.VersionKey
	To        types.VersionKey
	Limit     int
	Ascending bool
}

// Message is a DHT request or response as seen by the Handler.
type Message struct {
	Type      MessageType
	Sender    types.PeerAddress
	Kind      QueryKind
	Spec      SearchSpec
	Neighbors []types.PeerAddress
	Digest    digest.Digest
}

// NeighborResponse is the answer to a find-neighbors request.
type NeighborResponse struct {
	Responder     types.PeerAddress
	Neighbors     []types.PeerAddress
	ResultCount   int
	KeyDigest     types.ID
	ContentDigest types.ID
}

// Digest reassembles the responder's digest.
func (r *NeighborResponse) Digest() digest.Digest {
	return digest.Digest{
		Size:        r.ResultCount,
		KeyHash:     r.KeyDigest,
		ContentHash: r.ContentDigest,
	}
}

// NeighborResponseFrom converts a find-neighbors reply message.
func NeighborResponseFrom(msg *Message) *NeighborResponse {
	return &NeighborResponse{
		Responder:     msg.Sender,
		Neighbors:     msg.Neighbors,
		ResultCount:   msg.Digest.Size,
		KeyDigest:     msg.Digest.KeyHash,
		ContentDigest: msg.Digest.ContentHash,
	}
}
