// Package digest implements compact proofs of data possession: the number of
// matching entries plus XOR-folded hashes of their keys and contents. Peers
// exchange digests during routing so a lookup can stop at peers that hold
// the data without transferring it.
package digest

import (
	"sort"
	"sync"

	"github.com/busybox42/aegis-routing/pkg/types"
)

// Digest summarises a set of stored entries. Size <= 0 means no matching data.
type Digest struct {
	Size        int
	KeyHash     types.ID
	ContentHash types.ID
}

// Empty is the digest of nothing.
var Empty = Digest{}

// HasData reports whether the digest asserts at least one matching entry.
func (d Digest) HasData() bool {
	return d.Size > 0
}

// Collector accumulates key to content-hash entries and folds them into a
// Digest on demand. The fold is cached until the next Add.
type Collector struct {
	mu      sync.Mutex
	entries map[types.VersionKey]map[types.ID]struct{}
	folded  *Digest
}

func NewCollector() *Collector {
	return &Collector{
		entries: make(map[types.VersionKey]map[types.ID]struct{}),
	}
}

// Add records that key holds content with the given hash. Adding the same
// pair twice has no effect.
func (c *Collector) Add(key types.VersionKey, contentHash types.ID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	hashes, ok := c.entries[key]
	if !ok {
		hashes = make(map[types.ID]struct{})
		c.entries[key] = hashes
	}
	if _, dup := hashes[contentHash]; dup {
		return
	}
	hashes[contentHash] = struct{}{}
	c.folded = nil
}

// Len returns the number of distinct keys collected.
func (c *Collector) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Keys returns the collected keys in ascending order.
func (c *Collector) Keys() []types.VersionKey {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]types.VersionKey, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Compare(keys[j]) < 0 })
	return keys
}

// Digest folds the collected entries.
func (c *Collector) Digest() Digest {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.folded != nil {
		return *c.folded
	}

	d := Digest{Size: len(c.entries)}
	for key, hashes := range c.entries {
		d.KeyHash = d.KeyHash.Xor(key.Fold())
		for h := range hashes {
			d.ContentHash = d.ContentHash.Xor(h)
		}
	}
	c.folded = &d
	return d
}
