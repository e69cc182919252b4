package network

import (
	"context"
	"encoding/binary"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/busybox42/aegis-routing/pkg/crypto"
	"github.com/busybox42/aegis-routing/pkg/protocol"
)

func TestPeerConnFraming(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	msg := protocol.NewMessage(protocol.PingRequest, kp.PublicKey, protocol.PeerInfo{ID: kp.ID(), Address: "127.0.0.1:9000"})
	require.NoError(t, msg.Sign(kp.PrivateKey))

	errCh := make(chan error, 1)
	go func() {
		errCh <- (&peerConn{conn: client}).SendMessage(msg)
	}()

	got, err := (&peerConn{conn: server}).ReadMessage()
	require.NoError(t, err)
	require.NoError(t, <-errCh)

	assert.Equal(t, msg.RequestID, got.RequestID)
	assert.Equal(t, protocol.PingRequest, got.Type)
	assert.True(t, got.Verify())
}

func TestPeerConnRejectsOversizedFrame(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		binary.Write(client, binary.BigEndian, uint32(maxMsgSize+1))
	}()

	_, err := (&peerConn{conn: server}).ReadMessage()
	assert.Error(t, err)
}

func TestDialPeerUnreachable(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	_, err = dialPeer(context.Background(), &net.Dialer{Timeout: connTimeout}, addr)
	assert.Error(t, err)
}
