package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/victorgomez09/inkwell/internal/auth/models"
)

// MemoryStore keeps buckets in process memory. The map lock is only held to
// find or create an entry; the read-modify-write runs under the entry's own
// lock so unrelated keys never contend.
type MemoryStore struct {
	mu      sync.Mutex
	buckets map[string]*memoryBucket
}

type memoryBucket struct {
	mu      sync.Mutex
	state   models.RateLimitBucket
	removed bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{buckets: make(map[string]*memoryBucket)}
}

func (s *MemoryStore) entry(key string, seed models.RateLimitBucket) *memoryBucket {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.buckets[key]
	if !ok {
		e = &memoryBucket{state: seed}
		s.buckets[key] = e
	}
	return e
}

func (s *MemoryStore) Update(ctx context.Context, key string, seed models.RateLimitBucket, fn func(b *models.RateLimitBucket) error) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		e := s.entry(key, seed)
		e.mu.Lock()
		if e.removed {
			// Collected between lookup and lock; start over with a fresh entry.
			e.mu.Unlock()
			continue
		}
		st := e.state
		err := fn(&st)
		if err == nil {
			e.state = st
		}
		e.mu.Unlock()
		return err
	}
}

// DeleteExpired drops buckets whose expiry lies strictly before now.
func (s *MemoryStore) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for key, e := range s.buckets {
		e.mu.Lock()
		if now.After(e.state.ExpiresAt) {
			e.removed = true
			delete(s.buckets, key)
			n++
		}
		e.mu.Unlock()
	}
	return n, nil
}

// Get returns a snapshot of a bucket.
func (s *MemoryStore) Get(key string) (models.RateLimitBucket, bool) {
	s.mu.Lock()
	e, ok := s.buckets[key]
	s.mu.Unlock()
	if !ok {
		return models.RateLimitBucket{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state, true
}

// Len reports the number of live buckets.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buckets)
}
