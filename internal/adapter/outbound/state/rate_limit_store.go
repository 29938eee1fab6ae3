package state

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/freightdesk/trustgate/internal/domain/ratelimit"
)

// FileRateLimitStore implements ratelimit.Store and ratelimit.Updater on top
// of a FileStateStore.
// Every mutation rewrites the file under the cross-process lock, and
// records whose window ended are pruned on the way.
type FileRateLimitStore struct {
	file *FileStateStore
}

// NewFileRateLimitStore creates a store persisting to path.
func NewFileRateLimitStore(path string, logger *slog.Logger) *FileRateLimitStore {
	return &FileRateLimitStore{file: NewFileStateStore(path, logger)}
}

// Get returns the record for key.
func (s *FileRateLimitStore) Get(ctx context.Context, key string) (*ratelimit.Record, error) {
	st, err := s.file.Load()
	if err != nil {
		return nil, err
	}
	rec := recordFor(st, key)
	if rec == nil {
		return nil, ratelimit.ErrRecordNotFound
	}
	return rec, nil
}

// Put creates or replaces the record.
func (s *FileRateLimitStore) Put(ctx context.Context, rec *ratelimit.Record) error {
	return s.file.Update(func(st *RateLimitState) error {
		pruneElapsed(st, time.Now().UTC())
		putRecord(st, rec)
		return nil
	})
}

// Update applies fn to the record for key while holding the file lock, so
// limiters in other processes see every attempt.
func (s *FileRateLimitStore) Update(ctx context.Context, key string, fn func(*ratelimit.Record) *ratelimit.Record) error {
	return s.file.Update(func(st *RateLimitState) error {
		pruneElapsed(st, time.Now().UTC())
		if next := fn(recordFor(st, key)); next != nil {
			putRecord(st, next)
		}
		return nil
	})
}

func recordFor(st *RateLimitState, key string) *ratelimit.Record {
	entry, ok := st.Records[ratelimit.HashKey(key)]
	if !ok {
		return nil
	}
	return &ratelimit.Record{
		Key:         key,
		WindowStart: entry.WindowStart,
		Count:       entry.Count,
		MaxAttempts: entry.MaxAttempts,
		Window:      entry.Window(),
	}
}

func putRecord(st *RateLimitState, rec *ratelimit.Record) {
	st.Records[ratelimit.HashKey(rec.Key)] = RecordEntry{
		Scope:       scopeOf(rec.Key),
		WindowStart: rec.WindowStart.UTC(),
		Count:       rec.Count,
		MaxAttempts: rec.MaxAttempts,
		WindowMs:    rec.Window.Milliseconds(),
	}
}

// Delete removes the record.
func (s *FileRateLimitStore) Delete(ctx context.Context, key string) error {
	return s.file.Update(func(st *RateLimitState) error {
		delete(st.Records, ratelimit.HashKey(key))
		return nil
	})
}

// Path returns the backing file path.
func (s *FileRateLimitStore) Path() string {
	return s.file.Path()
}

func pruneElapsed(st *RateLimitState, now time.Time) {
	for k, e := range st.Records {
		if e.Elapsed(now) {
			delete(st.Records, k)
		}
	}
}

// scopeOf returns "ratelimit:<scope>" for a formatted key.
func scopeOf(key string) string {
	parts := strings.SplitN(key, ":", 3)
	if len(parts) < 3 {
		return ""
	}
	return parts[0] + ":" + parts[1]
}

// Compile-time interface verification.
var (
	_ ratelimit.Store   = (*FileRateLimitStore)(nil)
	_ ratelimit.Updater = (*FileRateLimitStore)(nil)
)
