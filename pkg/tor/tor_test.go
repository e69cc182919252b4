package tor

import (
	"context"
	"net"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/proxy"
)

func TestSOCKS5Dialer(t *testing.T) {
	dialer, err := SOCKS5Dialer("127.0.0.1:9050")
	require.NoError(t, err)
	require.NotNil(t, dialer)

	_, ok := dialer.(proxy.ContextDialer)
	assert.True(t, ok, "SOCKS5 dialer should honour contexts")
}

func TestSOCKS5DialerUnreachableProxy(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	dialer, err := SOCKS5Dialer(addr)
	require.NoError(t, err)

	_, err = dialer.Dial("tcp", "example.com:80")
	assert.Error(t, err)
}

func TestEmbeddedTor(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping embedded Tor in short mode")
	}
	if _, err := exec.LookPath("tor"); err != nil {
		t.Skip("tor binary not installed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	m, err := Start(ctx, nil)
	if err != nil {
		t.Skipf("Tor not available, skipping test: %v", err)
	}
	defer func() {
		require.NoError(t, m.Close())
	}()

	conn, err := m.dialer.DialContext(ctx, "tcp", "check.torproject.org:80")
	if err != nil {
		t.Skipf("Tor network not reachable, skipping test: %v", err)
	}
	conn.Close()
}
