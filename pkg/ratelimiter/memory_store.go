package ratelimiter

import (
	"context"
	"sync"
	"time"
)

type bucketState struct {
	tokens     int
	lastRefill time.Time
	lastAccess time.Time
}

// MemoryStore keeps buckets in process. Idle buckets are dropped lazily
// once they would have refilled completely.
type MemoryStore struct {
	mu        sync.Mutex
	buckets   map[string]*bucketState
	lastSweep time.Time
	sweepEach time.Duration
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		buckets:   make(map[string]*bucketState),
		sweepEach: time.Minute,
	}
}

func (ms *MemoryStore) Take(_ context.Context, key string, n int, cfg Config, now time.Time) (int, time.Time, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	ms.sweep(now, cfg.idleTTL())

	b, ok := ms.buckets[key]
	if !ok {
		b = &bucketState{tokens: cfg.Capacity, lastRefill: now}
		ms.buckets[key] = b
	}
	b.lastAccess = now

	if elapsed := now.Sub(b.lastRefill); elapsed >= cfg.RefillInterval {
		// Capped so a long-idle bucket cannot overflow the multiplication.
		intervals := min(int64(elapsed/cfg.RefillInterval), int64(cfg.Capacity/cfg.RefillRate+1))
		b.tokens = min(b.tokens+int(intervals)*cfg.RefillRate, cfg.Capacity)
		b.lastRefill = b.lastRefill.Add(time.Duration(intervals) * cfg.RefillInterval)
		if now.Sub(b.lastRefill) >= cfg.RefillInterval {
			b.lastRefill = now
		}
	}

	remaining := b.tokens - n
	if remaining >= 0 {
		b.tokens = remaining
	}
	return remaining, b.lastRefill.Add(cfg.RefillInterval), nil
}

// Len reports how many buckets are held.
func (ms *MemoryStore) Len() int {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return len(ms.buckets)
}

func (ms *MemoryStore) sweep(now time.Time, idle time.Duration) {
	if now.Sub(ms.lastSweep) < ms.sweepEach {
		return
	}
	ms.lastSweep = now
	for key, b := range ms.buckets {
		if now.Sub(b.lastAccess) > idle {
			delete(ms.buckets, key)
		}
	}
}
