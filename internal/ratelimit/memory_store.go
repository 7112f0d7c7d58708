package ratelimit

import (
	"context"
	"sync"
	"time"
)

// windowLog is the in-memory sliding-window event log for one key.
type windowLog struct {
	mu    sync.Mutex
	times []time.Time
}

// take trims, counts, and records when under the limit.
func (w *windowLog) take(now time.Time, window time.Duration, limit int) (int, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.trim(now, window)
	if len(w.times) >= limit {
		return len(w.times), false
	}
	w.times = append(w.times, now)
	return len(w.times), true
}

func (w *windowLog) count(now time.Time, window time.Duration) int {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.trim(now, window)
	return len(w.times)
}

// trim drops events at or before now-window. Must be called with lock held.
func (w *windowLog) trim(now time.Time, window time.Duration) {
	cutoff := now.Add(-window)
	i := 0
	for i < len(w.times) && !w.times[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.times = append(w.times[:0], w.times[i:]...)
	}
}

// MemoryStore implements an in-memory rate limit store.
// Suitable for single-instance deployments; for clusters use RedisStore.
type MemoryStore struct {
	windows map[string]*windowLog
	buckets map[string]*TokenBucket
	mu      sync.RWMutex

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	closeOnce       sync.Once
}

// NewMemoryStore creates an in-memory store with the default cleanup interval.
func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithCleanup(5 * time.Minute)
}

// NewMemoryStoreWithCleanup creates an in-memory store with a custom cleanup
// interval. A non-positive interval disables cleanup.
func NewMemoryStoreWithCleanup(cleanupInterval time.Duration) *MemoryStore {
	s := &MemoryStore{
		windows:         make(map[string]*windowLog),
		buckets:         make(map[string]*TokenBucket),
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
	}
	if cleanupInterval > 0 {
		go s.cleanupLoop()
	}
	return s
}

// TakeWindowSlot implements Store.
func (s *MemoryStore) TakeWindowSlot(ctx context.Context, key string, now time.Time, window time.Duration, limit int) (int, bool, error) {
	w := s.getWindow(key)
	count, allowed := w.take(now, window, limit)
	return count, allowed, nil
}

// TakeToken implements Store.
func (s *MemoryStore) TakeToken(ctx context.Context, key string, now time.Time, capacity, refillPerSec float64) (bool, float64, error) {
	b := s.getBucket(key, capacity, refillPerSec, now)
	allowed, tokens := b.Take(now)
	return allowed, tokens, nil
}

// WindowCount implements Store.
func (s *MemoryStore) WindowCount(ctx context.Context, key string, now time.Time, window time.Duration) (int, error) {
	s.mu.RLock()
	w, ok := s.windows[key]
	s.mu.RUnlock()
	if !ok {
		return 0, nil
	}
	return w.count(now, window), nil
}

// BucketTokens implements Store.
func (s *MemoryStore) BucketTokens(ctx context.Context, key string, now time.Time, capacity, refillPerSec float64) (float64, error) {
	s.mu.RLock()
	b, ok := s.buckets[key]
	s.mu.RUnlock()
	if !ok {
		return capacity, nil
	}
	return b.Level(now), nil
}

// Reset removes the given keys.
func (s *MemoryStore) Reset(ctx context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		delete(s.windows, key)
		delete(s.buckets, key)
	}
	return nil
}

// Close stops background cleanup.
func (s *MemoryStore) Close() error {
	s.closeOnce.Do(func() { close(s.stopCleanup) })
	return nil
}

func (s *MemoryStore) getWindow(key string) *windowLog {
	s.mu.RLock()
	w, ok := s.windows[key]
	s.mu.RUnlock()
	if ok {
		return w
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok = s.windows[key]; ok {
		return w
	}
	w = &windowLog{}
	s.windows[key] = w
	return w
}

func (s *MemoryStore) getBucket(key string, capacity, refillPerSec float64, now time.Time) *TokenBucket {
	s.mu.RLock()
	b, ok := s.buckets[key]
	s.mu.RUnlock()
	if ok {
		return b
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok = s.buckets[key]; ok {
		return b
	}
	b = NewTokenBucket(capacity, refillPerSec, now)
	s.buckets[key] = b
	return b
}

func (s *MemoryStore) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stopCleanup:
			return
		}
	}
}

// cleanup drops idle state: empty windows and near-full buckets.
func (s *MemoryStore) cleanup() {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, w := range s.windows {
		if w.count(now, time.Minute) == 0 {
			delete(s.windows, key)
		}
	}
	for key, b := range s.buckets {
		if b.Level(now) >= b.capacity*0.95 {
			delete(s.buckets, key)
		}
	}
}
