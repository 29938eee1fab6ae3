package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/freightdesk/trustgate/internal/clock"
)

// ErrRecordNotFound is returned by a Store when no record exists for a key.
var ErrRecordNotFound = errors.New("rate limit record not found")

// Store persists rate limit records. Implementations: in-memory (dev/test),
// JSON file, SQLite and Redis (outbound adapters).
//
// The store is a single shared table: every call site using a key must see
// the same record.
type Store interface {
	// Get returns the record for key or ErrRecordNotFound.
	Get(ctx context.Context, key string) (*Record, error)

	// Put creates or replaces the record for rec.Key.
	Put(ctx context.Context, rec *Record) error

	// Delete removes the record. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// Updater is implemented by stores that can read-modify-write one record
// atomically across processes sharing the store. fn receives the current
// record, or nil when none exists, and returns the record to write, or nil
// to leave the store unchanged. fn may run more than once when a concurrent
// writer wins; only the last run counts.
type Updater interface {
	Update(ctx context.Context, key string, fn func(*Record) *Record) error
}

// Limiter applies the fixed-window algorithm over a Store. Read-modify-write
// is serialized per process, and across processes when the store is an
// Updater.
type Limiter struct {
	store  Store
	clock  clock.Clock
	logger *slog.Logger

	mu sync.Mutex
}

// LimiterOption configures a Limiter.
type LimiterOption func(*Limiter)

// WithClock sets the time source.
func WithClock(c clock.Clock) LimiterOption {
	return func(l *Limiter) {
		if c != nil {
			l.clock = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) LimiterOption {
	return func(l *Limiter) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// NewLimiter creates a Limiter backed by store.
func NewLimiter(store Store, opts ...LimiterOption) *Limiter {
	l := &Limiter{
		store:  store,
		clock:  clock.Real{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Attempt records an attempt for key under a fixed window.
//
// With no record, or a record whose window has elapsed, the window restarts
// with count 1 and the attempt is allowed. Otherwise the attempt is allowed
// while count < maxAttempts (and count is incremented); beyond that it is
// denied with ResetIn = window - (now - windowStart).
func (l *Limiter) Attempt(ctx context.Context, key string, maxAttempts int, window time.Duration) (Result, error) {
	if err := (Policy{MaxAttempts: maxAttempts, Window: window}).Validate(); err != nil {
		return Result{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now().UTC()
	var res Result
	apply := func(rec *Record) *Record {
		var next *Record
		next, res = advance(rec, key, now, maxAttempts, window)
		return next
	}

	if u, ok := l.store.(Updater); ok {
		if err := u.Update(ctx, key, apply); err != nil {
			return Result{}, fmt.Errorf("update rate limit record: %w", err)
		}
	} else {
		rec, err := l.store.Get(ctx, key)
		if err != nil && !errors.Is(err, ErrRecordNotFound) {
			return Result{}, fmt.Errorf("load rate limit record: %w", err)
		}
		if next := apply(rec); next != nil {
			if err := l.store.Put(ctx, next); err != nil {
				return Result{}, fmt.Errorf("store rate limit record: %w", err)
			}
		}
	}

	if !res.Allowed {
		l.logger.Debug("rate limit exceeded",
			"key", MaskKey(key),
			"max_attempts", maxAttempts,
			"reset_in", res.ResetIn,
		)
	}
	return res, nil
}

// advance applies one attempt to rec at now. It returns the record to store,
// or nil when the attempt is denied and nothing changes.
func advance(rec *Record, key string, now time.Time, maxAttempts int, window time.Duration) (*Record, Result) {
	if rec == nil || rec.Elapsed(now) {
		next := &Record{Key: key, WindowStart: now, Count: 1, MaxAttempts: maxAttempts, Window: window}
		return next, Result{Allowed: true, Remaining: maxAttempts - 1}
	}

	// The record follows the latest policy for this key.
	next := *rec
	next.Key = key
	next.MaxAttempts = maxAttempts
	next.Window = window

	if next.Count < maxAttempts {
		next.Count++
		return &next, Result{Allowed: true, Remaining: maxAttempts - next.Count}
	}
	return nil, Result{Allowed: false, Remaining: 0, ResetIn: next.ResetIn(now)}
}

// Check is Attempt for a Policy, returning a *LimitError when denied.
func (l *Limiter) Check(ctx context.Context, key string, p Policy) error {
	res, err := l.Attempt(ctx, key, p.MaxAttempts, p.Window)
	if err != nil {
		return err
	}
	if !res.Allowed {
		return &LimitError{Key: key, ResetIn: res.ResetIn}
	}
	return nil
}

// Reset clears the record for key regardless of window state.
func (l *Limiter) Reset(ctx context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.store.Delete(ctx, key); err != nil {
		return fmt.Errorf("reset rate limit record: %w", err)
	}
	return nil
}

// Remaining reports max(0, maxAttempts - count) without mutating state. A
// missing or elapsed record reports maxAttempts.
func (l *Limiter) Remaining(ctx context.Context, key string, maxAttempts int) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, err := l.store.Get(ctx, key)
	if errors.Is(err, ErrRecordNotFound) {
		return max(0, maxAttempts), nil
	}
	if err != nil {
		return 0, fmt.Errorf("load rate limit record: %w", err)
	}
	if rec.Elapsed(l.clock.Now().UTC()) {
		return max(0, maxAttempts), nil
	}
	return max(0, maxAttempts-rec.Count), nil
}
