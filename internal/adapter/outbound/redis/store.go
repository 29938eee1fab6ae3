// Package redis provides a Redis-backed rate limit store. Counters kept in
// Redis are shared by every process pointing at the same database.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/freightdesk/trustgate/internal/domain/ratelimit"
	"github.com/redis/go-redis/v9"
)

// DefaultPrefix namespaces rate limit keys.
const DefaultPrefix = "trustgate:ratelimit:"

// maxUpdateRetries bounds optimistic retries when another writer changes a
// watched key between read and write.
const maxUpdateRetries = 8

// ErrContention is returned by Update when every retry lost the race.
var ErrContention = errors.New("rate limit record contended")

// minTTL keeps a just-expired record readable long enough for the limiter
// to see it elapsed rather than missing.
const minTTL = time.Second

// record is the stored JSON document. The raw key is not stored.
type record struct {
	WindowStart time.Time `json:"window_start"`
	Count       int       `json:"count"`
	MaxAttempts int       `json:"max_attempts"`
	WindowMs    int64     `json:"window_ms"`
}

// Store implements ratelimit.Store and ratelimit.Updater on Redis. Each
// record expires with its window via the key TTL. Update runs under
// WATCH/MULTI so limiters in different processes never both take the last
// attempt of a window.
type Store struct {
	client redis.UniversalClient
	prefix string
}

// NewStore creates a Redis rate limit store.
func NewStore(client redis.UniversalClient) *Store {
	return NewStoreWithPrefix(client, DefaultPrefix)
}

// NewStoreWithPrefix creates a Redis rate limit store with a custom key prefix.
func NewStoreWithPrefix(client redis.UniversalClient, prefix string) *Store {
	return &Store{
		client: client,
		prefix: prefix,
	}
}

// Open parses a redis:// URL, connects and pings the server.
func Open(ctx context.Context, rawURL string) (*Store, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewStore(client), nil
}

func (s *Store) key(k string) string {
	return s.prefix + ratelimit.HashKey(k)
}

// Get loads the record for key.
func (s *Store) Get(ctx context.Context, key string) (*ratelimit.Record, error) {
	return s.load(ctx, s.client, key)
}

// getter is the read side shared by the client and a WATCH transaction.
type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *Store) load(ctx context.Context, c getter, key string) (*ratelimit.Record, error) {
	data, err := c.Get(ctx, s.key(key)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ratelimit.ErrRecordNotFound
		}
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var r record
	if err := json.Unmarshal([]byte(data), &r); err != nil {
		return nil, fmt.Errorf("unmarshal rate limit record: %w", err)
	}
	return &ratelimit.Record{
		Key:         key,
		WindowStart: r.WindowStart,
		Count:       r.Count,
		MaxAttempts: r.MaxAttempts,
		Window:      time.Duration(r.WindowMs) * time.Millisecond,
	}, nil
}

// Put stores the record with a TTL covering the rest of its window.
func (s *Store) Put(ctx context.Context, rec *ratelimit.Record) error {
	data, ttl, err := encode(rec)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.key(rec.Key), data, ttl).Err()
}

// Update reads the record for key, applies fn and writes the result in one
// optimistic transaction, retrying when the key changed underneath.
func (s *Store) Update(ctx context.Context, key string, fn func(*ratelimit.Record) *ratelimit.Record) error {
	k := s.key(key)
	txf := func(tx *redis.Tx) error {
		cur, err := s.load(ctx, tx, key)
		if err != nil && !errors.Is(err, ratelimit.ErrRecordNotFound) {
			return err
		}
		next := fn(cur)
		if next == nil {
			return nil
		}
		data, ttl, err := encode(next)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, k, data, ttl)
			return nil
		})
		return err
	}

	for range maxUpdateRetries {
		err := s.client.Watch(ctx, txf, k)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return ErrContention
}

func encode(rec *ratelimit.Record) ([]byte, time.Duration, error) {
	data, err := json.Marshal(record{
		WindowStart: rec.WindowStart.UTC(),
		Count:       rec.Count,
		MaxAttempts: rec.MaxAttempts,
		WindowMs:    rec.Window.Milliseconds(),
	})
	if err != nil {
		return nil, 0, fmt.Errorf("marshal rate limit record: %w", err)
	}
	ttl := time.Until(rec.ExpiresAt())
	if ttl < minTTL {
		ttl = minTTL
	}
	return data, ttl, nil
}

// Delete removes the record.
func (s *Store) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.key(key)).Err()
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

var (
	_ ratelimit.Store   = (*Store)(nil)
	_ ratelimit.Updater = (*Store)(nil)
)
