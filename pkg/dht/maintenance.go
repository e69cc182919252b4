package dht

import (
	"context"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/busybox42/aegis-routing/pkg/metrics"
	"github.com/busybox42/aegis-routing/pkg/types"
)

// Maintainer periodically probes peers the routing table reports as due.
// Probing runs independently of lookups.
type Maintainer struct {
	table   *RoutingTable
	pinger  Pinger
	cfg     MaintenanceConfig
	clock   clock.Clock
	limiter *rate.Limiter
}

func NewMaintainer(table *RoutingTable, pinger Pinger, cfg MaintenanceConfig) (*Maintainer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Maintainer{
		table:   table,
		pinger:  pinger,
		cfg:     cfg,
		clock:   table.clock,
		limiter: rate.NewLimiter(rate.Limit(cfg.ProbesPerSecond), cfg.Concurrency),
	}, nil
}

// Run ticks until ctx is done.
func (m *Maintainer) Run(ctx context.Context) {
	ticker := m.clock.Ticker(m.cfg.Interval)
	defer ticker.Stop()

	log.WithField("interval", m.cfg.Interval).Info("Routing table maintenance started")
	for {
		select {
		case <-ctx.Done():
			log.Info("Routing table maintenance stopped")
			return
		case <-ticker.C:
			m.Tick(ctx)
		}
	}
}

// Tick expires stale hearsay and probes up to MaxProbesPerTick due peers.
// It returns the number of probes issued.
func (m *Maintainer) Tick(ctx context.Context) int {
	if expired := m.table.ExpireNonVerified(); expired > 0 {
		log.WithField("count", expired).Debug("Expired unverified peers")
	}

	exclude := make(map[types.ID]struct{})
	var g errgroup.Group
	g.SetLimit(m.cfg.Concurrency)

	probes := 0
	for probes < m.cfg.MaxProbesPerTick {
		next := m.table.NextForMaintenance(exclude)
		if next == nil {
			break
		}
		exclude[next.Address.ID] = struct{}{}
		if err := m.limiter.Wait(ctx); err != nil {
			break
		}

		peer := next.Address
		probes++
		g.Go(func() error {
			m.probe(ctx, peer)
			return nil
		})
	}
	_ = g.Wait()
	return probes
}

func (m *Maintainer) probe(ctx context.Context, peer types.PeerAddress) {
	pctx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()

	if err := m.pinger.Ping(pctx, peer); err != nil {
		metrics.ProbesTotal.WithLabelValues("failure").Inc()
		removed := m.table.MarkFailed(peer)
		log.WithError(err).WithField("peer", peer.String()).WithField("removed", removed).Debug("Probe failed")
		return
	}
	metrics.ProbesTotal.WithLabelValues("success").Inc()
	if _, err := m.table.AddOrUpdate(peer, true); err != nil {
		log.WithError(err).WithField("peer", peer.String()).Debug("Probed peer not updated")
	}
}
