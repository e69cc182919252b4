package dht

import (
	"context"
	"errors"
	"fmt"

	"github.com/busybox42/aegis-routing/pkg/digest"
	"github.com/busybox42/aegis-routing/pkg/types"
)

// DigestProvider summarises locally stored data for digest queries.
type DigestProvider interface {
	DigestRange(from, to types.VersionKey, limit int, ascending bool) digest.Digest
	DigestFor(location, domain, content types.ID) digest.Digest
}

// localDigest evaluates a query against the local store. Domain queries
// leave content zero to match every content key in the domain.
func localDigest(p DigestProvider, spec SearchSpec, kind QueryKind) digest.Digest {
	switch kind {
	case QueryDigestDomain:
		return p.DigestFor(spec.Target, spec.Domain, types.ZeroID)
	case QueryDigestContent:
		return p.DigestFor(spec.Target, spec.Domain, spec.Content)
	case QueryDigestRange:
		return p.DigestRange(spec.From, spec.To, spec.Limit, spec.Ascending)
	default:
		return digest.Empty
	}
}

// MessageHandler answers DHT requests from other peers.
type MessageHandler struct {
	dht     *DHT
	digests DigestProvider
}

// NewMessageHandler serves requests from the DHT's routing table. digests
// may be nil, in which case digest queries report no data.
func NewMessageHandler(dht *DHT, digests DigestProvider) *MessageHandler {
	return &MessageHandler{
		dht:     dht,
		digests: digests,
	}
}

func (h *MessageHandler) HandleMessage(ctx context.Context, msg *Message) (*Message, error) {
	if msg == nil {
		return nil, errors.New("nil message")
	}
	switch msg.Type {
	case FindNeighbors:
		return h.handleFindNeighbors(msg)
	case Ping:
		return h.handlePing(msg)
	case Quit:
		return h.handleQuit(msg)
	default:
		return nil, fmt.Errorf("unknown message type %s", msg.Type)
	}
}

func (h *MessageHandler) handleFindNeighbors(msg *Message) (*Message, error) {
	h.learnSender(msg.Sender)

	response := &Message{
		Type:      FindNeighbors,
		Sender:    h.dht.self,
		Kind:      msg.Kind,
		Neighbors: h.dht.routingTable.ClosePeers(msg.Spec.Target, h.dht.routingTable.cfg.BucketSize),
	}
	if msg.Kind.WantsDigest() && h.digests != nil {
		response.Digest = localDigest(h.digests, msg.Spec, msg.Kind)
	}
	return response, nil
}

func (h *MessageHandler) handlePing(msg *Message) (*Message, error) {
	h.learnSender(msg.Sender)

	response := &Message{
		Type:   Ping,
		Sender: h.dht.self,
	}
	return response, nil
}

func (h *MessageHandler) handleQuit(msg *Message) (*Message, error) {
	if msg.Sender.ID != h.dht.self.ID {
		h.dht.routingTable.MarkOffline(msg.Sender)
	}

	response := &Message{
		Type:   Quit,
		Sender: h.dht.self,
	}
	return response, nil
}

// learnSender adds a peer that contacted us. Firewalled peers cannot be
// reached back, so they are not offered to the table.
func (h *MessageHandler) learnSender(sender types.PeerAddress) {
	if sender.ID.IsZero() || sender.ID == h.dht.self.ID || sender.Flags.Has(types.Firewalled) {
		return
	}
	if _, err := h.dht.routingTable.AddOrUpdate(sender, true); err != nil {
		log.WithError(err).WithField("peer", sender.String()).Debug("Sender not added")
	}
}
