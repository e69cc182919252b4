package network

import (
	"fmt"
	"net/netip"

	"github.com/sirupsen/logrus"

	"github.com/busybox42/aegis-routing/pkg/digest"
	"github.com/busybox42/aegis-routing/pkg/dht"
	"github.com/busybox42/aegis-routing/pkg/protocol"
	"github.com/busybox42/aegis-routing/pkg/types"
)

var log logrus.FieldLogger = logrus.WithField("component", "network")

func toPeerInfo(p types.PeerAddress) protocol.PeerInfo {
	return protocol.PeerInfo{
		ID:      p.ID,
		Address: p.Addr.String(),
		Flags:   uint8(p.Flags),
	}
}

func fromPeerInfo(p protocol.PeerInfo) (types.PeerAddress, error) {
	addr, err := netip.ParseAddrPort(p.Address)
	if err != nil {
		return types.PeerAddress{}, fmt.Errorf("invalid peer address %q: %w", p.Address, err)
	}
	return types.PeerAddress{
		ID:    p.ID,
		Addr:  addr,
		Flags: types.PeerFlags(p.Flags),
	}, nil
}

// fromPeerInfos drops entries with unparsable addresses.
func fromPeerInfos(infos []protocol.PeerInfo) []types.PeerAddress {
	peers := make([]types.PeerAddress, 0, len(infos))
	for _, info := range infos {
		p, err := fromPeerInfo(info)
		if err != nil {
			log.WithError(err).Debug("Dropping peer")
			continue
		}
		peers = append(peers, p)
	}
	return peers
}

func toPeerInfos(peers []types.PeerAddress) []protocol.PeerInfo {
	infos := make([]protocol.PeerInfo, len(peers))
	for i, p := range peers {
		infos[i] = toPeerInfo(p)
	}
	return infos
}

func toQuery(spec dht.SearchSpec, kind dht.QueryKind) protocol.Query {
	limit := spec.Limit
	if limit < 0 {
		limit = 0
	}
	return protocol.Query{
		Kind:      uint8(kind),
		Target:    spec.Target,
		Domain:    spec.Domain,
		Content:   spec.Content,
		From:      spec.From,
		To:        spec.To,
		Limit:     uint32(limit),
		Ascending: spec.Ascending,
	}
}

func fromQuery(q protocol.Query) (dht.SearchSpec, dht.QueryKind) {
	return dht.SearchSpec{
		Target:    q.Target,
		Domain:    q.Domain,
		Content:   q.Content,
		From:      q.From,
		To:        q.To,
		Limit:     int(q.Limit),
		Ascending: q.Ascending,
	}, dht.QueryKind(q.Kind)
}

var requestTypes = map[dht.MessageType]protocol.MessageType{
	dht.FindNeighbors: protocol.FindNeighborsRequest,
	dht.Ping:          protocol.PingRequest,
	dht.Quit:          protocol.QuitRequest,
}

var responseTypes = map[dht.MessageType]protocol.MessageType{
	dht.FindNeighbors: protocol.FindNeighborsResponse,
	dht.Ping:          protocol.PingResponse,
	dht.Quit:          protocol.QuitResponse,
}

// fromRequest converts a verified inbound request for the handler.
func fromRequest(msg *protocol.Message) (*dht.Message, error) {
	var msgType dht.MessageType
	switch msg.Type {
	case protocol.FindNeighborsRequest:
		msgType = dht.FindNeighbors
	case protocol.PingRequest:
		msgType = dht.Ping
	case protocol.QuitRequest:
		msgType = dht.Quit
	default:
		return nil, fmt.Errorf("unexpected request type %s", msg.Type)
	}

	sender, err := fromPeerInfo(msg.Sender)
	if err != nil {
		return nil, err
	}
	spec, kind := fromQuery(msg.Query)
	return &dht.Message{
		Type:   msgType,
		Sender: sender,
		Kind:   kind,
		Spec:   spec,
	}, nil
}

func fillResponse(out *protocol.Message, resp *dht.Message) {
	out.Peers = toPeerInfos(resp.Neighbors)
	out.ResultCount = uint32(resp.Digest.Size)
	out.KeyDigest = resp.Digest.KeyHash
	out.ContentDigest = resp.Digest.ContentHash
}

func neighborResponse(msg *protocol.Message) (*dht.NeighborResponse, error) {
	responder, err := fromPeerInfo(msg.Sender)
	if err != nil {
		return nil, err
	}
	return dht.NeighborResponseFrom(&dht.Message{
		Type:      dht.FindNeighbors,
		Sender:    responder,
		Neighbors: fromPeerInfos(msg.Peers),
		Digest: digest.Digest{
			Size:        int(msg.ResultCount),
			KeyHash:     msg.KeyDigest,
			ContentHash: msg.ContentDigest,
		},
	}), nil
}

// SetLogger replaces the package logger.
func SetLogger(l logrus.FieldLogger) {
	log = l.WithField("component", "network")
}
