package dht

import (
	"context"
	"sync"

	"github.com/busybox42/aegis-routing/pkg/digest"
	"github.com/busybox42/aegis-routing/pkg/types"
)

// Outcome is the result of a lookup.
type Outcome struct {
	Success bool
	// DirectHits maps peers that claim matching data to their digest.
	DirectHits map[types.PeerAddress]digest.Digest
	// PotentialHits are responders without matching data, nearest first.
	PotentialHits []types.PeerAddress
	// RoutingPath lists every peer asked, in the order asked.
	RoutingPath []types.PeerAddress
	Reason      Termination
}

// Future delivers an Outcome exactly once to any number of waiters.
type Future struct {
	done    chan struct{}
	once    sync.Once
	outcome Outcome
	err     error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// failedFuture returns a future already completed with err.
func failedFuture(err error) *Future {
	f := newFuture()
	f.complete(Outcome{}, err)
	return f
}

// complete sets the result. Later calls are ignored.
func (f *Future) complete(o Outcome, err error) {
	f.once.Do(func() {
		f.outcome = o
		f.err = err
		close(f.done)
	})
}

// Done is closed once the outcome is available.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Await blocks until the outcome is available or ctx ends.
func (f *Future) Await(ctx context.Context) (Outcome, error) {
	select {
	case <-f.done:
		return f.outcome, f.err
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

