// Package tor routes outbound peer connections through Tor, either through
// an embedded Tor process or an already running SOCKS5 proxy.
package tor

import (
	"context"
	"fmt"
	"io"

	"github.com/cretz/bine/tor"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"
)

var log logrus.FieldLogger = logrus.WithField("component", "tor")

// Manager owns an embedded Tor process.
type Manager struct {
	tor    *tor.Tor
	dialer *tor.Dialer
}

// Start launches Tor with a temporary data directory and waits until it is
// connected to the network. debug receives Tor's own log when non-nil.
func Start(ctx context.Context, debug io.Writer) (*Manager, error) {
	log.Info("Starting embedded Tor")

	t, err := tor.Start(ctx, &tor.StartConf{DebugWriter: debug})
	if err != nil {
		return nil, fmt.Errorf("failed to start Tor: %w", err)
	}

	if err := t.EnableNetwork(ctx, true); err != nil {
		t.Close()
		return nil, fmt.Errorf("failed to enable Tor network: %w", err)
	}

	dialer, err := t.Dialer(ctx, nil)
	if err != nil {
		t.Close()
		return nil, fmt.Errorf("failed to create Tor dialer: %w", err)
	}

	log.Info("Tor is connected")
	return &Manager{tor: t, dialer: dialer}, nil
}

// Dialer dials through the embedded Tor. It also implements
// proxy.ContextDialer.
func (m *Manager) Dialer() proxy.Dialer {
	return m.dialer
}

// Close stops Tor and removes its data directory.
func (m *Manager) Close() error {
	log.Info("Stopping Tor")
	return m.tor.Close()
}

// SOCKS5Dialer dials through an external Tor SOCKS5 proxy at addr.
func SOCKS5Dialer(addr string) (proxy.Dialer, error) {
	dialer, err := proxy.SOCKS5("tcp", addr, nil, proxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("failed to create SOCKS5 dialer: %w", err)
	}
	return dialer, nil
}
