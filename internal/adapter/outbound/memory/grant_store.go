// Package memory provides in-memory implementations of outbound ports.
package memory

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/freightdesk/trustgate/internal/clock"
	"github.com/freightdesk/trustgate/internal/domain/auth"
)

// Default cleanup interval for grant expiration.
const DefaultCleanupInterval = 1 * time.Minute

// GrantStore keeps issued session grants in memory.
// Thread-safe for concurrent access.
// Background cleanup goroutine removes expired grants periodically.
type GrantStore struct {
	grants          map[string]*auth.Grant
	mu              sync.RWMutex
	clock           clock.Clock
	stopChan        chan struct{}
	wg              sync.WaitGroup
	cleanupInterval time.Duration
	once            sync.Once // Prevent double-close panic on Stop()
}

// NewGrantStore creates a new in-memory grant store with default cleanup interval.
func NewGrantStore() *GrantStore {
	return NewGrantStoreWithConfig(DefaultCleanupInterval, clock.Real{})
}

// NewGrantStoreWithConfig creates a new in-memory grant store with custom
// cleanup interval and time source.
func NewGrantStoreWithConfig(cleanupInterval time.Duration, c clock.Clock) *GrantStore {
	if c == nil {
		c = clock.Real{}
	}
	return &GrantStore{
		grants:          make(map[string]*auth.Grant),
		clock:           c,
		stopChan:        make(chan struct{}),
		cleanupInterval: cleanupInterval,
	}
}

// StartCleanup starts the background cleanup goroutine.
// Call Stop() to stop the cleanup goroutine gracefully.
func (s *GrantStore) StartCleanup(ctx context.Context) {
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

// cleanup removes all expired grants from the store.
func (s *GrantStore) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	cleaned := 0
	for id, g := range s.grants {
		if g.IsExpired(now) {
			delete(s.grants, id)
			cleaned++
		}
	}

	if cleaned > 0 {
		slog.Debug("cleaned expired grants", "count", cleaned)
	}
}

// Stop stops the background cleanup goroutine and waits for it to exit.
// Safe to call multiple times.
func (s *GrantStore) Stop() {
	s.once.Do(func() {
		close(s.stopChan)
	})
	s.wg.Wait()
}

// Create stores a new grant.
func (s *GrantStore) Create(ctx context.Context, g *auth.Grant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.grants[g.SessionID] = copyGrant(g)
	return nil
}

// Get retrieves a grant by session ID.
// Returns auth.ErrGrantNotFound if the grant doesn't exist or is expired.
// Expired grants are NOT deleted here; background cleanup handles deletion.
func (s *GrantStore) Get(ctx context.Context, sessionID string) (*auth.Grant, error) {
	s.mu.RLock()
	g, ok := s.grants[sessionID]
	s.mu.RUnlock()

	if !ok || g.IsExpired(s.clock.Now()) {
		return nil, auth.ErrGrantNotFound
	}
	return copyGrant(g), nil
}

// Delete removes a grant.
func (s *GrantStore) Delete(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.grants, sessionID)
	return nil
}

// Size returns the number of grants currently stored.
func (s *GrantStore) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.grants)
}

// copyGrant creates a deep copy of a grant.
func copyGrant(g *auth.Grant) *auth.Grant {
	c := *g
	c.Identity.Permissions = slices.Clone(g.Identity.Permissions)
	return &c
}
