package dht

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/busybox42/aegis-routing/pkg/digest"
	"github.com/busybox42/aegis-routing/pkg/metrics"
	"github.com/busybox42/aegis-routing/pkg/types"
)

// Transport asks a remote peer for its neighbors close to a target.
type Transport interface {
	FindNeighbors(ctx context.Context, peer types.PeerAddress, spec SearchSpec, kind QueryKind) (*NeighborResponse, error)
}

// Pinger checks whether a peer is alive.
type Pinger interface {
	Ping(ctx context.Context, peer types.PeerAddress) error
}

// QuitNotifier tells a peer the local node is leaving.
type QuitNotifier interface {
	NotifyQuit(ctx context.Context, peer types.PeerAddress) error
}

// DHT coordinates iterative lookups over the routing table.
type DHT struct {
	self         types.PeerAddress
	routingTable *RoutingTable
	transport    Transport
	digests      DigestProvider
	filters      Filters
}

type Option func(*DHT)

// WithDigestProvider lets digest lookups count the local node as a hit.
func WithDigestProvider(p DigestProvider) Option {
	return func(d *DHT) {
		d.digests = p
	}
}

// WithFilters installs the lookup filters. The table filter is applied to
// queued neighbors; the routing table has its own.
func WithFilters(f Filters) Option {
	return func(d *DHT) {
		d.filters = f
	}
}

func NewDHT(table *RoutingTable, transport Transport, opts ...Option) *DHT {
	d := &DHT{
		self:         table.Self(),
		routingTable: table,
		transport:    transport,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *DHT) Self() types.PeerAddress {
	return d.self
}

func (d *DHT) RoutingTable() *RoutingTable {
	return d.routingTable
}

// Route looks up the peers closest to spec.Target. It is best effort: the
// outcome is successful even when no peer answered. The future fails only
// for an invalid configuration or when ctx ends first.
func (d *DHT) Route(ctx context.Context, spec SearchSpec, kind QueryKind, cfg RoutingConfig) *Future {
	if err := cfg.Validate(); err != nil {
		return failedFuture(err)
	}
	if d.transport == nil {
		return failedFuture(ErrNoTransport)
	}

	seeds := d.filters.applyPreRouting(d.routingTable.ClosePeers(spec.Target, 2*cfg.Parallelism))
	state := newLookupState(d.self, spec.Target, cfg.RandomSearch, cfg, d.filters, seeds)
	if kind.WantsDigest() && d.digests != nil {
		if local := localDigest(d.digests, spec, kind); local.HasData() {
			state.addDirectHit(d.self, local)
		}
	}

	f := newFuture()
	go func() {
		err := d.run(ctx, state, spec, kind, cfg)
		f.complete(state.outcome(err == nil), err)
	}()
	return f
}

// Bootstrap joins the network through seeds. The first round looks up the
// local identifier; the second searches randomly so distant peers learn
// about us. The outcome fails with ErrNoRouteFound when no seed answered.
func (d *DHT) Bootstrap(ctx context.Context, seeds []types.PeerAddress, cfg RoutingConfig) *Future {
	if err := cfg.Validate(); err != nil {
		return failedFuture(err)
	}
	if len(seeds) == 0 {
		return failedFuture(ErrNoSeeds)
	}

	others := make([]types.PeerAddress, 0, len(seeds))
	for _, s := range seeds {
		if s.ID != d.self.ID {
			others = append(others, s)
		}
	}
	if len(others) == 0 {
		f := newFuture()
		f.complete(Outcome{
			Success:     true,
			DirectHits:  map[types.PeerAddress]digest.Digest{},
			RoutingPath: []types.PeerAddress{d.self},
			Reason:      TerminatedSelf,
		}, nil)
		return f
	}
	if d.transport == nil {
		return failedFuture(ErrNoTransport)
	}

	f := newFuture()
	go func() {
		spec := SearchSpec{Target: d.self.ID}
		first := newLookupState(d.self, d.self.ID, false, cfg, d.filters, others)
		if err := d.run(ctx, first, spec, QueryNeighbors, cfg); err != nil {
			f.complete(first.outcome(false), err)
			return
		}
		if first.successes == 0 {
			log.WithField("seeds", len(others)).Warn("Bootstrap reached no peer")
			f.complete(first.outcome(false), ErrNoRouteFound)
			return
		}

		randomCfg := cfg
		randomCfg.RandomSearch = true
		second := newLookupState(d.self, d.self.ID, true, randomCfg, d.filters, others)
		err := d.run(ctx, second, spec, QueryNeighbors, randomCfg)
		f.complete(mergeOutcomes(first.outcome(true), second.outcome(err == nil)), err)
	}()
	return f
}

// Quit routes toward the local identifier and tells every peer that answered
// that we are leaving, so they drop us without waiting for failed probes.
func (d *DHT) Quit(ctx context.Context, cfg RoutingConfig) *Future {
	route := d.Route(ctx, SearchSpec{Target: d.self.ID}, QueryNeighbors, cfg)
	notifier, ok := d.transport.(QuitNotifier)
	if !ok {
		return route
	}

	f := newFuture()
	go func() {
		o, err := route.Await(ctx)
		if err != nil {
			f.complete(o, err)
			return
		}

		var g errgroup.Group
		g.SetLimit(cfg.Parallelism)
		for _, p := range o.PotentialHits {
			p := p
			g.Go(func() error {
				qctx, cancel := requestContext(ctx, cfg.RequestTimeout)
				defer cancel()
				if err := notifier.NotifyQuit(qctx, p); err != nil {
					log.WithError(err).WithField("peer", p.String()).Debug("Quit notification failed")
				}
				return nil
			})
		}
		_ = g.Wait()
		f.complete(o, nil)
	}()
	return f
}

type requestResult struct {
	peer types.PeerAddress
	resp *NeighborResponse
	err  error
}

// run drives a lookup until it finishes. At most cfg.Parallelism requests
// are outstanding; the loop wakes on the first one to complete. Results that
// arrive after the lookup finished are dropped into the buffered channel and
// never read.
func (d *DHT) run(ctx context.Context, s *lookupState, spec SearchSpec, kind QueryKind, cfg RoutingConfig) error {
	mode := "nearest"
	if s.random {
		mode = "random"
	}
	start := time.Now()
	logger := log.WithFields(logrus.Fields{
		"target": spec.Target.Short(),
		"mode":   mode,
		"kind":   kind.String(),
	})
	logger.Debug("Lookup started")

	defer func() {
		metrics.LookupsTotal.WithLabelValues(mode, s.reason.String()).Inc()
		metrics.LookupPeersQueried.Observe(float64(len(s.path)))
		metrics.DirectHitsTotal.Add(float64(len(s.direct)))
		logger.WithFields(logrus.Fields{
			"reason":      s.reason.String(),
			"asked":       len(s.path),
			"successes":   s.successes,
			"failures":    s.failures,
			"direct_hits": len(s.direct),
			"elapsed":     time.Since(start),
		}).Debug("Lookup finished")
	}()

	if s.directHitsReached() {
		s.cancel(TerminatedDirectHits)
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var rng *rand.Rand
	if s.random {
		seed := cfg.RandomSeed
		if seed == 0 {
			seed = time.Now().UnixNano()
		}
		rng = rand.New(rand.NewSource(seed))
	}

	results := make(chan requestResult, cfg.Parallelism)
	outstanding := 0
	for {
		if err := ctx.Err(); err != nil {
			s.cancel(TerminatedCancelled)
			return err
		}
		for outstanding < cfg.Parallelism {
			var (
				peer types.PeerAddress
				ok   bool
			)
			if s.random {
				peer, ok = s.pollRandom(rng)
			} else {
				peer, ok = s.pollNearest()
			}
			if !ok {
				break
			}
			req := spec
			if s.random {
				req.Target = peer.ID.Xor(types.MaxID)
			}
			outstanding++
			go d.request(ctx, peer, req, kind, cfg.RequestTimeout, results)
		}

		if outstanding == 0 {
			s.cancel(TerminatedExhausted)
			return nil
		}

		select {
		case <-ctx.Done():
			s.cancel(TerminatedCancelled)
			return ctx.Err()
		case r := <-results:
			outstanding--
			if d.handleResult(s, r, outstanding == 0) {
				s.cancel(s.reason)
				return nil
			}
		}
	}
}

func (d *DHT) handleResult(s *lookupState, r requestResult, isLast bool) bool {
	if r.err != nil {
		metrics.RequestsTotal.WithLabelValues("failure").Inc()
		log.WithError(r.err).WithField("peer", r.peer.String()).Debug("Find neighbors failed")
		d.routingTable.MarkFailed(r.peer)
		return s.recordFailure()
	}

	metrics.RequestsTotal.WithLabelValues("success").Inc()
	d.learn(r.resp)
	return s.recordSuccess(r.resp.Responder, r.resp.Digest(), r.resp.Neighbors, isLast)
}

// learn feeds a response into the routing table: the responder answered us
// directly, its neighbors are hearsay.
func (d *DHT) learn(resp *NeighborResponse) {
	if _, err := d.routingTable.AddOrUpdate(resp.Responder, true); err != nil && !errors.Is(err, ErrRejected) {
		log.WithError(err).WithField("peer", resp.Responder.String()).Debug("Responder not added")
	}
	for _, n := range resp.Neighbors {
		_, _ = d.routingTable.AddOrUpdate(n, false)
	}
}

func (d *DHT) request(ctx context.Context, peer types.PeerAddress, spec SearchSpec, kind QueryKind, timeout time.Duration, out chan<- requestResult) {
	ctx, cancel := requestContext(ctx, timeout)
	defer cancel()

	resp, err := d.transport.FindNeighbors(ctx, peer, spec, kind)
	switch {
	case err != nil:
	case resp == nil:
		err = fmt.Errorf("empty response from %s", peer)
	case resp.Responder.ID != peer.ID:
		err = fmt.Errorf("%w: asked %s, answered by %s", ErrResponderMismatch, peer, resp.Responder)
	}
	out <- requestResult{peer: peer, resp: resp, err: err}
}

func requestContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout > 0 {
		return context.WithTimeout(ctx, timeout)
	}
	return context.WithCancel(ctx)
}

// mergeOutcomes unions two lookup outcomes, keeping the first one's order
// and termination reason.
func mergeOutcomes(a, b Outcome) Outcome {
	out := Outcome{
		Success:    a.Success && b.Success,
		DirectHits: make(map[types.PeerAddress]digest.Digest, len(a.DirectHits)+len(b.DirectHits)),
		Reason:     a.Reason,
	}
	for p, dg := range a.DirectHits {
		out.DirectHits[p] = dg
	}
	for p, dg := range b.DirectHits {
		out.DirectHits[p] = dg
	}

	hit := make(map[types.ID]struct{}, len(out.DirectHits))
	for p := range out.DirectHits {
		hit[p.ID] = struct{}{}
	}
	seen := make(map[types.ID]struct{})
	for _, p := range append(append([]types.PeerAddress(nil), a.PotentialHits...), b.PotentialHits...) {
		if _, ok := hit[p.ID]; ok {
			continue
		}
		if _, ok := seen[p.ID]; ok {
			continue
		}
		seen[p.ID] = struct{}{}
		out.PotentialHits = append(out.PotentialHits, p)
	}

	seen = make(map[types.ID]struct{})
	for _, p := range append(append([]types.PeerAddress(nil), a.RoutingPath...), b.RoutingPath...) {
		if _, ok := seen[p.ID]; ok {
			continue
		}
		seen[p.ID] = struct{}{}
		out.RoutingPath = append(out.RoutingPath, p)
	}
	return out
}
