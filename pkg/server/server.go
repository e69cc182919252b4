// Package server assembles a routing node from its configuration.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"golang.org/x/net/proxy"

	"github.com/busybox42/aegis-routing/internal/config"
	"github.com/busybox42/aegis-routing/internal/store"
	"github.com/busybox42/aegis-routing/pkg/crypto"
	"github.com/busybox42/aegis-routing/pkg/dht"
	"github.com/busybox42/aegis-routing/pkg/network"
	"github.com/busybox42/aegis-routing/pkg/tor"
	"github.com/busybox42/aegis-routing/pkg/types"
)

var ErrNotStarted = errors.New("server not started")

type Server struct {
	cfg *config.Config
	log logrus.FieldLogger

	storage    *store.Local
	keys       *crypto.KeyPair
	tor        *tor.Manager
	transport  *network.Transport
	table      *dht.RoutingTable
	dht        *dht.DHT
	maintainer *dht.Maintainer
	metrics    *http.Server
	metricsLn  net.Listener

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg *config.Config, log logrus.FieldLogger) *Server {
	dht.SetLogger(log)
	network.SetLogger(log)
	return &Server{
		cfg:     cfg,
		log:     log.WithField("component", "server"),
		storage: store.NewLocal(),
	}
}

// Start brings the node up: keys, optional Tor, transport, routing table,
// maintenance and the metrics endpoint. It then bootstraps through the
// configured seeds; a failed bootstrap is logged, not returned, so a first
// node can start alone.
func (s *Server) Start(ctx context.Context) (err error) {
	s.log.WithField("port", s.cfg.Node.Port).Info("Starting Aegis node")
	defer func() {
		if err != nil {
			err = multierr.Append(err, s.stop())
		}
	}()

	if s.keys, err = crypto.LoadOrGenerate(s.cfg.Node.KeyDir, s.cfg.Node.Port); err != nil {
		return fmt.Errorf("failed to initialize keys: %w", err)
	}

	var flags types.PeerFlags
	if s.cfg.Node.Firewalled {
		flags |= types.Firewalled
	}
	dialer, err := s.dialer(ctx)
	if err != nil {
		return err
	}
	if dialer != nil {
		// Tor only carries outbound connections.
		flags |= types.Firewalled
	}

	s.transport = network.NewTransport(&network.Config{
		Host:    s.cfg.Node.Host,
		Port:    s.cfg.Node.Port,
		KeyPair: s.keys,
		Flags:   flags,
		Dialer:  dialer,
	})
	if err := s.transport.Listen(); err != nil {
		return fmt.Errorf("failed to initialize network: %w", err)
	}

	filters := s.cfg.LookupFilters()
	var tableOpts []dht.TableOption
	if filters.Table != nil {
		tableOpts = append(tableOpts, dht.WithTableFilter(filters.Table))
	}
	if s.table, err = dht.NewRoutingTable(s.transport.Self(), s.cfg.Table, tableOpts...); err != nil {
		return err
	}
	s.dht = dht.NewDHT(s.table, s.transport, dht.WithDigestProvider(s.storage), dht.WithFilters(filters))
	if err := s.transport.Serve(dht.NewMessageHandler(s.dht, s.storage)); err != nil {
		return err
	}

	if s.maintainer, err = dht.NewMaintainer(s.table, s.transport, s.cfg.Maintenance); err != nil {
		return err
	}
	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.maintainer.Run(runCtx)
	}()

	if s.cfg.Metrics.Addr != "" {
		if err := s.serveMetrics(); err != nil {
			return err
		}
	}

	s.log.WithFields(logrus.Fields{
		"id":      s.keys.ID().String(),
		"address": s.transport.Self().Addr.String(),
	}).Info("Aegis node is running")

	seeds, err := s.cfg.SeedPeers()
	if err != nil {
		return err
	}
	if len(seeds) > 0 {
		if _, err := s.Bootstrap(ctx, seeds); err != nil {
			s.log.WithError(err).Warn("Bootstrap failed")
		}
	}
	return nil
}

func (s *Server) dialer(ctx context.Context) (proxy.Dialer, error) {
	if !s.cfg.Tor.Enabled {
		return nil, nil
	}
	if s.cfg.Tor.SocksAddr != "" {
		s.log.WithField("socks", s.cfg.Tor.SocksAddr).Info("Dialing peers through Tor proxy")
		return tor.SOCKS5Dialer(s.cfg.Tor.SocksAddr)
	}
	m, err := tor.Start(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Tor: %w", err)
	}
	s.tor = m
	return m.Dialer(), nil
}

func (s *Server) serveMetrics() error {
	listener, err := net.Listen("tcp", s.cfg.Metrics.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen for metrics: %w", err)
	}

	s.metricsLn = listener
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	s.metrics = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.log.WithField("address", listener.Addr().String()).Info("Serving metrics")
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.metrics.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.WithError(err).Error("Metrics server failed")
		}
	}()
	return nil
}

// Self is the node's advertised address.
func (s *Server) Self() types.PeerAddress {
	if s.transport == nil {
		return types.PeerAddress{}
	}
	return s.transport.Self()
}

// MetricsAddr is the bound metrics address, or "" when metrics are off.
func (s *Server) MetricsAddr() string {
	if s.metricsLn == nil {
		return ""
	}
	return s.metricsLn.Addr().String()
}

func (s *Server) Storage() *store.Local {
	return s.storage
}

func (s *Server) RoutingTable() *dht.RoutingTable {
	return s.table
}

// Route looks up target with the configured routing settings.
func (s *Server) Route(ctx context.Context, spec dht.SearchSpec, kind dht.QueryKind) (dht.Outcome, error) {
	if s.dht == nil {
		return dht.Outcome{}, ErrNotStarted
	}
	return s.dht.Route(ctx, spec, kind, s.cfg.Routing).Await(ctx)
}

func (s *Server) Bootstrap(ctx context.Context, seeds []types.PeerAddress) (dht.Outcome, error) {
	if s.dht == nil {
		return dht.Outcome{}, ErrNotStarted
	}
	o, err := s.dht.Bootstrap(ctx, seeds, s.cfg.Bootstrap).Await(ctx)
	if err != nil {
		return o, err
	}
	verified, nonVerified := s.table.Size()
	s.log.WithFields(logrus.Fields{
		"reason":       o.Reason.String(),
		"path":         len(o.RoutingPath),
		"verified":     verified,
		"non_verified": nonVerified,
	}).Info("Bootstrap finished")
	return o, nil
}

// Shutdown tells close peers we are leaving, then stops every component.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	if s.dht != nil {
		if verified, _ := s.table.Size(); verified > 0 {
			if _, qerr := s.dht.Quit(ctx, s.cfg.Routing).Await(ctx); qerr != nil {
				err = multierr.Append(err, fmt.Errorf("quit: %w", qerr))
			}
		}
	}
	return multierr.Append(err, s.stop())
}

func (s *Server) stop() error {
	var err error
	if s.cancel != nil {
		s.cancel()
	}
	if s.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = multierr.Append(err, s.metrics.Shutdown(ctx))
		cancel()
	}
	if s.transport != nil {
		err = multierr.Append(err, s.transport.Stop())
	}
	s.wg.Wait()
	if s.tor != nil {
		err = multierr.Append(err, s.tor.Close())
		s.tor = nil
	}
	if err == nil {
		s.log.Info("Aegis node stopped")
	}
	return err
}
