// Package memory provides in-memory implementations of outbound ports.
package memory

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/freightdesk/trustgate/internal/clock"
	"github.com/freightdesk/trustgate/internal/domain/ratelimit"
)

// RateLimitStore implements ratelimit.Store with an in-memory map.
// Thread-safe for concurrent access. Counters are per process.
// Includes background cleanup to prevent unbounded memory growth.
type RateLimitStore struct {
	records         map[string]ratelimit.Record
	mu              sync.Mutex
	clock           clock.Clock
	stopChan        chan struct{}
	wg              sync.WaitGroup
	once            sync.Once
	cleanupInterval time.Duration
	maxTTL          time.Duration
}

// NewRateLimitStore creates a new in-memory rate limit store with default cleanup settings.
// Default cleanup interval: 5 minutes, default maxTTL: 1 hour.
func NewRateLimitStore() *RateLimitStore {
	return NewRateLimitStoreWithConfig(5*time.Minute, 1*time.Hour)
}

// NewRateLimitStoreWithConfig creates a new in-memory rate limit store with custom cleanup settings.
// cleanupInterval: how often to run cleanup (e.g., 5 minutes)
// maxTTL: how long a record is kept after its window ends (e.g., 1 hour)
func NewRateLimitStoreWithConfig(cleanupInterval, maxTTL time.Duration) *RateLimitStore {
	return &RateLimitStore{
		records:         make(map[string]ratelimit.Record),
		clock:           clock.Real{},
		stopChan:        make(chan struct{}),
		cleanupInterval: cleanupInterval,
		maxTTL:          maxTTL,
	}
}

// SetClock replaces the time source used by cleanup.
func (s *RateLimitStore) SetClock(c clock.Clock) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock = c
}

// Get returns a copy of the record for key.
func (s *RateLimitStore) Get(ctx context.Context, key string) (*ratelimit.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok {
		return nil, ratelimit.ErrRecordNotFound
	}
	return &rec, nil
}

// Put stores a copy of rec.
func (s *RateLimitStore) Put(ctx context.Context, rec *ratelimit.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[rec.Key] = *rec
	return nil
}

// Delete removes the record for key.
func (s *RateLimitStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.records, key)
	return nil
}

// StartCleanup starts the background cleanup goroutine.
// The goroutine periodically removes records whose window ended more than
// maxTTL ago. It stops when ctx is cancelled or Stop() is called.
func (s *RateLimitStore) StartCleanup(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopChan:
				return
			case <-ticker.C:
				s.cleanup()
			}
		}
	}()
}

// cleanup removes stale records from the store.
func (s *RateLimitStore) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.clock.Now().Add(-s.maxTTL)
	cleaned := 0

	for key, rec := range s.records {
		if rec.ExpiresAt().Before(cutoff) {
			delete(s.records, key)
			cleaned++
		}
	}

	if cleaned > 0 {
		slog.Debug("rate limit store cleanup completed",
			"cleaned_keys", cleaned,
			"remaining_keys", len(s.records))
	}
}

// Stop gracefully stops the cleanup goroutine and waits for it to exit.
// Safe to call multiple times.
func (s *RateLimitStore) Stop() {
	s.once.Do(func() {
		close(s.stopChan)
	})
	s.wg.Wait()
}

// Size returns the current number of tracked keys.
func (s *RateLimitStore) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Compile-time interface verification.
var _ ratelimit.Store = (*RateLimitStore)(nil)
