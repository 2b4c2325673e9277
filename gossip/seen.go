package gossip

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
)

// seenSet deduplicates messages by id: an incoming message whose id is
// already present is dropped without delivery or relay (spec.md §4.3).
// It is bounded by an LRU cache and additionally swept for TTL expiry,
// so memory is bounded by the LRU size AND staleness is bounded by the
// TTL independently of volume (SPEC_FULL.md §2).
type seenSet struct {
	mu    sync.Mutex
	cache *lru.Cache
	ttl   time.Duration
}

func newSeenSet(size int, ttl time.Duration) *seenSet {
	cache, err := lru.New(size)
	if err != nil {
		// size is always a positive constant from construction; a
		// negative/zero size here is a programming error.
		panic(err)
	}
	return &seenSet{cache: cache, ttl: ttl}
}

// observe records id as seen and reports whether it had already been
// observed (the caller should drop duplicates).
func (s *seenSet) observe(id string) (alreadySeen bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cache.Get(id); ok {
		return true
	}
	s.cache.Add(id, time.Now())
	return false
}

// sweep evicts entries older than the configured TTL.
func (s *seenSet) sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().Add(-s.ttl)
	for _, k := range s.cache.Keys() {
		v, ok := s.cache.Peek(k)
		if !ok {
			continue
		}
		if ts, ok := v.(time.Time); ok && ts.Before(cutoff) {
			s.cache.Remove(k)
		}
	}
}

func (s *seenSet) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache.Len()
}
