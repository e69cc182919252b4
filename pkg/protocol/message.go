package protocol

import (
	"bytes"
	"crypto/ed25519"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/busybox42/aegis-routing/pkg/types"
)

type MessageType uint8

const (
	FindNeighborsRequest MessageType = iota
	FindNeighborsResponse
	PingRequest
	PingResponse
	QuitRequest
	QuitResponse
	ErrorResponse
)

func (t MessageType) IsRequest() bool {
	return t == FindNeighborsRequest || t == PingRequest || t == QuitRequest
}

func (t MessageType) String() string {
	switch t {
	case FindNeighborsRequest:
		return "find_neighbors_request"
	case FindNeighborsResponse:
		return "find_neighbors_response"
	case PingRequest:
		return "ping_request"
	case PingResponse:
		return "ping_response"
	case QuitRequest:
		return "quit_request"
	case QuitResponse:
		return "quit_response"
	case ErrorResponse:
		return "error_response"
	default:
		return fmt.Sprintf("message_type(%d)", uint8(t))
	}
}

// ErrMalformed is wrapped by every decoding failure.
var ErrMalformed = errors.New("protocol: malformed message")

// PeerInfo is a peer as carried on the wire. Address is host:port.
type PeerInfo struct {
	ID      types.ID
	Address string
	Flags   uint8
}

// Query carries the search parameters of a find-neighbors request.
type Query struct {
	Kind      uint8
	Target    types.ID
	Domain    types.ID
	Content   types.ID
	From      types.VersionKey
	To        types.VersionKey
	Limit     uint32
	Ascending bool
}

// Message is one signed request or response.
type Message struct {
	RequestID uuid.UUID
	Type      MessageType
	SenderKey ed25519.PublicKey
	Sender    PeerInfo
	Query     Query
	Peers     []PeerInfo
	// ResultCount, KeyDigest and ContentDigest carry a responder's digest.
	ResultCount   uint32
	KeyDigest     types.ID
	ContentDigest types.ID
	Error         string
	Timestamp     time.Time
	Signature     []byte
}

// NewMessage starts a request with a fresh request ID.
func NewMessage(msgType MessageType, senderKey ed25519.PublicKey, sender PeerInfo) *Message {
	return &Message{
		RequestID: uuid.New(),
		Type:      msgType,
		SenderKey: senderKey,
		Sender:    sender,
		Timestamp: time.Now().UTC(),
	}
}

// NewResponse answers req, reusing its request ID.
func NewResponse(req *Message, msgType MessageType, senderKey ed25519.PublicKey, sender PeerInfo) *Message {
	m := NewMessage(msgType, senderKey, sender)
	m.RequestID = req.RequestID
	return m
}

func (m *Message) Sign(privateKey ed25519.PrivateKey) error {
	body, err := m.body()
	if err != nil {
		return err
	}
	m.Signature = ed25519.Sign(privateKey, body)
	return nil
}

// Verify checks the signature and that the sender identifier is derived
// from the signing key.
func (m *Message) Verify() bool {
	if len(m.SenderKey) != ed25519.PublicKeySize || len(m.Signature) != ed25519.SignatureSize {
		return false
	}
	if types.HashID(m.SenderKey) != m.Sender.ID {
		return false
	}
	body, err := m.body()
	if err != nil {
		return false
	}
	return ed25519.Verify(m.SenderKey, body, m.Signature)
}

func (m *Message) Serialize() ([]byte, error) {
	body, err := m.body()
	if err != nil {
		return nil, err
	}
	if len(m.Signature) > 0 {
		body = append(body, m.Signature...)
	}
	return body, nil
}

// body encodes everything but the signature; it is what gets signed.
func (m *Message) body() ([]byte, error) {
	buf := new(bytes.Buffer)

	buf.Write(m.RequestID[:])
	buf.WriteByte(byte(m.Type))

	key := m.SenderKey
	if len(key) == 0 {
		key = make([]byte, ed25519.PublicKeySize)
	}
	if len(key) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("sender key must be %d bytes, got %d", ed25519.PublicKeySize, len(key))
	}
	buf.Write(key)

	if err := writePeer(buf, m.Sender); err != nil {
		return nil, fmt.Errorf("failed to write sender: %w", err)
	}

	q := m.Query
	buf.WriteByte(q.Kind)
	buf.Write(q.Target[:])
	buf.Write(q.Domain[:])
	buf.Write(q.Content[:])
	writeVersionKey(buf, q.From)
	writeVersionKey(buf, q.To)
	if err := binary.Write(buf, binary.BigEndian, q.Limit); err != nil {
		return nil, fmt.Errorf("failed to write limit: %w", err)
	}
	if q.Ascending {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}

	if len(m.Peers) > 0xffff {
		return nil, fmt.Errorf("too many peers: %d", len(m.Peers))
	}
	if err := binary.Write(buf, binary.BigEndian, uint16(len(m.Peers))); err != nil {
		return nil, fmt.Errorf("failed to write peer list length: %w", err)
	}
	for _, p := range m.Peers {
		if err := writePeer(buf, p); err != nil {
			return nil, fmt.Errorf("failed to write peer: %w", err)
		}
	}

	if err := binary.Write(buf, binary.BigEndian, m.ResultCount); err != nil {
		return nil, fmt.Errorf("failed to write result count: %w", err)
	}
	buf.Write(m.KeyDigest[:])
	buf.Write(m.ContentDigest[:])

	if err := writeString(buf, m.Error); err != nil {
		return nil, fmt.Errorf("failed to write error: %w", err)
	}
	if err := binary.Write(buf, binary.BigEndian, m.Timestamp.Unix()); err != nil {
		return nil, fmt.Errorf("failed to write timestamp: %w", err)
	}

	return buf.Bytes(), nil
}

func DeserializeMessage(data []byte) (*Message, error) {
	buf := bytes.NewReader(data)
	msg := &Message{}

	if _, err := io.ReadFull(buf, msg.RequestID[:]); err != nil {
		return nil, malformed("request id", err)
	}
	t, err := buf.ReadByte()
	if err != nil {
		return nil, malformed("message type", err)
	}
	msg.Type = MessageType(t)

	msg.SenderKey = make([]byte, ed25519.PublicKeySize)
	if _, err := io.ReadFull(buf, msg.SenderKey); err != nil {
		return nil, malformed("sender key", err)
	}
	if msg.Sender, err = readPeer(buf); err != nil {
		return nil, malformed("sender", err)
	}

	q := &msg.Query
	if q.Kind, err = buf.ReadByte(); err != nil {
		return nil, malformed("query kind", err)
	}
	for _, id := range []*types.ID{&q.Target, &q.Domain, &q.Content} {
		if _, err := io.ReadFull(buf, id[:]); err != nil {
			return nil, malformed("query", err)
		}
	}
	if q.From, err = readVersionKey(buf); err != nil {
		return nil, malformed("range start", err)
	}
	if q.To, err = readVersionKey(buf); err != nil {
		return nil, malformed("range end", err)
	}
	if err := binary.Read(buf, binary.BigEndian, &q.Limit); err != nil {
		return nil, malformed("limit", err)
	}
	asc, err := buf.ReadByte()
	if err != nil {
		return nil, malformed("ascending", err)
	}
	q.Ascending = asc != 0

	var peerCount uint16
	if err := binary.Read(buf, binary.BigEndian, &peerCount); err != nil {
		return nil, malformed("peer list length", err)
	}
	for i := uint16(0); i < peerCount; i++ {
		p, err := readPeer(buf)
		if err != nil {
			return nil, malformed("peer", err)
		}
		msg.Peers = append(msg.Peers, p)
	}

	if err := binary.Read(buf, binary.BigEndian, &msg.ResultCount); err != nil {
		return nil, malformed("result count", err)
	}
	if _, err := io.ReadFull(buf, msg.KeyDigest[:]); err != nil {
		return nil, malformed("key digest", err)
	}
	if _, err := io.ReadFull(buf, msg.ContentDigest[:]); err != nil {
		return nil, malformed("content digest", err)
	}
	if msg.Error, err = readString(buf); err != nil {
		return nil, malformed("error", err)
	}

	var timestamp int64
	if err := binary.Read(buf, binary.BigEndian, &timestamp); err != nil {
		return nil, malformed("timestamp", err)
	}
	msg.Timestamp = time.Unix(timestamp, 0).UTC()

	switch buf.Len() {
	case 0:
	case ed25519.SignatureSize:
		msg.Signature = make([]byte, ed25519.SignatureSize)
		if _, err := io.ReadFull(buf, msg.Signature); err != nil {
			return nil, malformed("signature", err)
		}
	default:
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformed, buf.Len())
	}

	return msg, nil
}

func malformed(field string, err error) error {
	return fmt.Errorf("%w: failed to read %s: %v", ErrMalformed, field, err)
}

func writePeer(buf *bytes.Buffer, p PeerInfo) error {
	buf.Write(p.ID[:])
	buf.WriteByte(p.Flags)
	return writeString(buf, p.Address)
}

func readPeer(r *bytes.Reader) (PeerInfo, error) {
	var p PeerInfo
	if _, err := io.ReadFull(r, p.ID[:]); err != nil {
		return p, err
	}
	flags, err := r.ReadByte()
	if err != nil {
		return p, err
	}
	p.Flags = flags
	p.Address, err = readString(r)
	return p, err
}

func writeString(buf *bytes.Buffer, s string) error {
	if len(s) > 0xffff {
		return fmt.Errorf("string too long: %d bytes", len(s))
	}
	if err := binary.Write(buf, binary.BigEndian, uint16(len(s))); err != nil {
		return err
	}
	buf.WriteString(s)
	return nil
}

func readString(r *bytes.Reader) (string, error) {
	var n uint16
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return "", err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}

func writeVersionKey(buf *bytes.Buffer, k types.VersionKey) {
	buf.Write(k.Location[:])
	buf.Write(k.Domain[:])
	buf.Write(k.Content[:])
	buf.Write(k.Version[:])
}

func readVersionKey(r *bytes.Reader) (types.VersionKey, error) {
	var k types.VersionKey
	for _, id := range []*types.ID{&k.Location, &k.Domain, &k.Content, &k.Version} {
		if _, err := io.ReadFull(r, id[:]); err != nil {
			return k, err
		}
	}
	return k, nil
}
