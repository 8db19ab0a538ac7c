package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// MemoryStore implements Store with per-actor x/time token buckets.
// Buckets idle longer than the eviction TTL are dropped by a background
// sweep, so the map cannot grow unbounded.
type MemoryStore struct {
	mu       sync.Mutex
	buckets  map[string]*bucket
	ttl      time.Duration
	stopOnce sync.Once
	stop     chan struct{}
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewMemoryStore creates an in-memory limiter store with the given idle
// eviction TTL (defaults to one minute when non-positive).
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = time.Minute
	}
	s := &MemoryStore{
		buckets: make(map[string]*bucket),
		ttl:     ttl,
		stop:    make(chan struct{}),
	}
	go s.evictLoop()
	return s
}

func (s *MemoryStore) evictLoop() {
	ticker := time.NewTicker(s.ttl)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.mu.Lock()
			cutoff := time.Now().Add(-s.ttl)
			for k, b := range s.buckets {
				if b.lastSeen.Before(cutoff) {
					delete(s.buckets, k)
				}
			}
			s.mu.Unlock()
		case <-s.stop:
			return
		}
	}
}

// Close stops the eviction loop.
func (s *MemoryStore) Close() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *MemoryStore) Allow(ctx context.Context, actorID string, policy Policy, cost int) (bool, error) {
	s.mu.Lock()
	b, ok := s.buckets[actorID]
	if !ok {
		burst := policy.Burst
		if burst <= 0 {
			burst = policy.RPM
		}
		b = &bucket{limiter: rate.NewLimiter(rate.Limit(float64(policy.RPM)/60.0), burst)}
		s.buckets[actorID] = b
	}
	b.lastSeen = time.Now()
	s.mu.Unlock()

	return b.limiter.AllowN(time.Now(), cost), nil
}
