package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/freightdesk/trustgate/internal/adapter/outbound/memory"
	redisstore "github.com/freightdesk/trustgate/internal/adapter/outbound/redis"
	"github.com/freightdesk/trustgate/internal/adapter/outbound/sqlite"
	"github.com/freightdesk/trustgate/internal/adapter/outbound/state"
	"github.com/freightdesk/trustgate/internal/config"
	"github.com/freightdesk/trustgate/internal/domain/ratelimit"
)

// rateLimitBackend is the opened attempt store plus its lifecycle hooks.
type rateLimitBackend struct {
	kind  string
	store ratelimit.Store
	// ping reports store health; nil for in-process stores.
	ping  func(ctx context.Context) error
	size  func() int
	close func() error
}

// openRateLimitStore opens the store named by rate_limit.store and starts
// its cleanup where the backend needs one.
func openRateLimitStore(ctx context.Context, cfg config.RateLimitConfig, logger *slog.Logger) (*rateLimitBackend, error) {
	cleanup := config.Duration(cfg.CleanupInterval, 5*time.Minute)
	maxTTL := config.Duration(cfg.MaxTTL, time.Hour)

	if cfg.Store == "" || cfg.Store == "memory://" {
		st := memory.NewRateLimitStoreWithConfig(cleanup, maxTTL)
		st.StartCleanup(ctx)
		return &rateLimitBackend{
			kind:  "memory",
			store: st,
			size:  st.Size,
			close: func() error { st.Stop(); return nil },
		}, nil
	}

	u, err := url.Parse(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("parse rate_limit.store: %w", err)
	}

	switch u.Scheme {
	case "file":
		st := state.NewFileRateLimitStore(u.Path, logger)
		return &rateLimitBackend{
			kind:  "file",
			store: st,
			close: func() error { return nil },
		}, nil

	case "sqlite":
		st, err := sqlite.Open(u.Path)
		if err != nil {
			return nil, err
		}
		pruneCtx, stopPrune := context.WithCancel(ctx)
		done := make(chan struct{})
		go pruneLoop(pruneCtx, done, cleanup, st, logger)
		return &rateLimitBackend{
			kind:  "sqlite",
			store: st,
			ping:  st.Ping,
			close: func() error {
				stopPrune()
				<-done
				return st.Close()
			},
		}, nil

	case "redis", "rediss":
		openCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		st, err := redisstore.Open(openCtx, cfg.Store)
		if err != nil {
			return nil, err
		}
		return &rateLimitBackend{
			kind:  "redis",
			store: st,
			ping:  st.Ping,
			close: st.Close,
		}, nil

	default:
		return nil, fmt.Errorf("unsupported rate_limit.store scheme %q", u.Scheme)
	}
}

// pruneLoop deletes finished windows until ctx is cancelled. Redis expires
// keys by TTL and the file store prunes on write, so only SQLite needs it.
func pruneLoop(ctx context.Context, done chan<- struct{}, interval time.Duration, st *sqlite.Store, logger *slog.Logger) {
	defer close(done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := st.Prune(ctx, time.Now())
			if err != nil {
				logger.Warn("prune rate limit records failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Debug("pruned rate limit records", "count", n)
			}
		}
	}
}
