// Package store keeps versioned entries in memory and summarises them as
// digests for routing queries.
package store

import (
	"errors"
	"sort"
	"sync"

	"github.com/busybox42/aegis-routing/pkg/digest"
	"github.com/busybox42/aegis-routing/pkg/types"
)

var ErrNotFound = errors.New("value not found")

// Local is an in-memory store keyed by version key. It implements
// dht.DigestProvider.
type Local struct {
	data map[types.VersionKey][]byte
	mu   sync.RWMutex
}

func NewLocal() *Local {
	return &Local{
		data: make(map[types.VersionKey][]byte),
	}
}

func (s *Local) Store(key types.VersionKey, value []byte) error {
	if value == nil {
		return errors.New("nil value")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = append([]byte(nil), value...)
	return nil
}

func (s *Local) Retrieve(key types.VersionKey) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if value, ok := s.data[key]; ok {
		return append([]byte(nil), value...), nil
	}
	return nil, ErrNotFound
}

func (s *Local) Delete(key types.VersionKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.data[key]
	delete(s.data, key)
	return ok
}

func (s *Local) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// DigestRange summarises the keys in [from, to]. Keys are taken in
// ascending or descending order until limit is reached; limit <= 0 takes
// every key in range.
func (s *Local) DigestRange(from, to types.VersionKey, limit int, ascending bool) digest.Digest {
	s.mu.RLock()
	keys := make([]types.VersionKey, 0)
	for k := range s.data {
		if k.Compare(from) >= 0 && k.Compare(to) <= 0 {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if ascending {
			return keys[i].Compare(keys[j]) < 0
		}
		return keys[i].Compare(keys[j]) > 0
	})
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}

	c := digest.NewCollector()
	for _, k := range keys {
		c.Add(k, types.HashID(s.data[k]))
	}
	s.mu.RUnlock()

	return c.Digest()
}

// DigestFor summarises every version under a content key, or under the
// whole domain when content is zero.
func (s *Local) DigestFor(location, domain, content types.ID) digest.Digest {
	if content.IsZero() {
		from := types.VersionKey{Location: location, Domain: domain}
		to := types.VersionKey{Location: location, Domain: domain, Content: types.MaxID, Version: types.MaxID}
		return s.DigestRange(from, to, 0, true)
	}
	return s.DigestRange(types.MinVersionKey(location, domain, content), types.MaxVersionKey(location, domain, content), 0, true)
}
