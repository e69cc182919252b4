package network

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	"golang.org/x/net/proxy"

	"github.com/busybox42/aegis-routing/pkg/protocol"
)

// peerConn carries length-prefixed protocol messages over one connection.
type peerConn struct {
	conn net.Conn
}

func dialPeer(ctx context.Context, dialer proxy.Dialer, addr string) (*peerConn, error) {
	var (
		conn net.Conn
		err  error
	)
	if cd, ok := dialer.(proxy.ContextDialer); ok {
		conn, err = cd.DialContext(ctx, "tcp", addr)
	} else {
		conn, err = dialer.Dial("tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("connection failed: %w", err)
	}
	return &peerConn{conn: conn}, nil
}

func (p *peerConn) SendMessage(msg *protocol.Message) error {
	data, err := msg.Serialize()
	if err != nil {
		return fmt.Errorf("serialization error: %w", err)
	}
	if len(data) > maxMsgSize {
		return fmt.Errorf("message of %d bytes exceeds limit", len(data))
	}

	p.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := binary.Write(p.conn, binary.BigEndian, uint32(len(data))); err != nil {
		return fmt.Errorf("failed to write message length: %w", err)
	}
	if _, err := p.conn.Write(data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

func (p *peerConn) ReadMessage() (*protocol.Message, error) {
	p.conn.SetReadDeadline(time.Now().Add(readTimeout))

	var msgLen uint32
	if err := binary.Read(p.conn, binary.BigEndian, &msgLen); err != nil {
		return nil, fmt.Errorf("failed to read message length: %w", err)
	}
	if msgLen == 0 || msgLen > maxMsgSize {
		return nil, fmt.Errorf("invalid message length %d", msgLen)
	}

	msgData := make([]byte, msgLen)
	if _, err := io.ReadFull(p.conn, msgData); err != nil {
		return nil, fmt.Errorf("failed to read message: %w", err)
	}
	return protocol.DeserializeMessage(msgData)
}

// watch closes the connection when ctx ends so blocked reads return.
func (p *peerConn) watch(ctx context.Context) func() {
	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			p.conn.Close()
		case <-stop:
		}
	}()
	return func() { close(stop) }
}

func (p *peerConn) Close() error {
	return p.conn.Close()
}
