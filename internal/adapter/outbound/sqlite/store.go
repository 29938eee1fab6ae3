// Package sqlite provides a SQLite-backed rate limit store for single-host
// deployments that need counters to survive restarts.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/freightdesk/trustgate/internal/domain/ratelimit"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS rate_limit_records (
	key_hash      TEXT PRIMARY KEY,
	window_start  INTEGER NOT NULL,
	attempt_count INTEGER NOT NULL,
	max_attempts  INTEGER NOT NULL,
	window_ms     INTEGER NOT NULL,
	expires_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_rate_limit_records_expires_at ON rate_limit_records (expires_at);
`

// Store implements ratelimit.Store and ratelimit.Updater on SQLite. Keys are
// stored as digests. Update takes the database write lock before reading, so
// processes sharing the file never both take the last attempt of a window.
type Store struct {
	sqlDB *sql.DB
}

// Open opens and migrates a rate limit SQLite store.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	cleanPath := filepath.Clean(path)
	dsn := "file:" + cleanPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	if _, err := sqlDB.Exec(schema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close releases the underlying SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.sqlDB.PingContext(ctx)
}

// execer is satisfied by *sql.DB and *sql.Conn.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Get loads the record for key.
func (s *Store) Get(ctx context.Context, key string) (*ratelimit.Record, error) {
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	return getRecord(ctx, s.sqlDB, key)
}

func getRecord(ctx context.Context, db execer, key string) (*ratelimit.Record, error) {
	row := db.QueryRowContext(ctx,
		`SELECT window_start, attempt_count, max_attempts, window_ms
		 FROM rate_limit_records
		 WHERE key_hash = ?`,
		ratelimit.HashKey(key),
	)

	var windowStart, windowMs int64
	rec := &ratelimit.Record{Key: key}
	if err := row.Scan(&windowStart, &rec.Count, &rec.MaxAttempts, &windowMs); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ratelimit.ErrRecordNotFound
		}
		return nil, fmt.Errorf("get rate limit record: %w", err)
	}
	rec.WindowStart = unixMillisToTime(windowStart)
	rec.Window = time.Duration(windowMs) * time.Millisecond
	return rec, nil
}

// Put upserts the record.
func (s *Store) Put(ctx context.Context, rec *ratelimit.Record) error {
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	return putRecord(ctx, s.sqlDB, rec)
}

func putRecord(ctx context.Context, db execer, rec *ratelimit.Record) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO rate_limit_records (key_hash, window_start, attempt_count, max_attempts, window_ms, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(key_hash) DO UPDATE SET
			window_start = excluded.window_start,
			attempt_count = excluded.attempt_count,
			max_attempts = excluded.max_attempts,
			window_ms = excluded.window_ms,
			expires_at = excluded.expires_at`,
		ratelimit.HashKey(rec.Key),
		rec.WindowStart.UTC().UnixMilli(),
		rec.Count,
		rec.MaxAttempts,
		rec.Window.Milliseconds(),
		rec.ExpiresAt().UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("put rate limit record: %w", err)
	}
	return nil
}

// Update applies fn to the record for key inside an IMMEDIATE transaction.
func (s *Store) Update(ctx context.Context, key string, fn func(*ratelimit.Record) *ratelimit.Record) (err error) {
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}

	conn, err := s.sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire sqlite conn: %w", err)
	}
	defer conn.Close()

	// database/sql transactions begin DEFERRED; the write lock has to be
	// held before the read.
	if _, err = conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return fmt.Errorf("begin rate limit update: %w", err)
	}
	defer func() {
		if err != nil {
			_, _ = conn.ExecContext(context.WithoutCancel(ctx), "ROLLBACK")
		}
	}()

	cur, err := getRecord(ctx, conn, key)
	if err != nil && !errors.Is(err, ratelimit.ErrRecordNotFound) {
		return err
	}
	if next := fn(cur); next != nil {
		if err = putRecord(ctx, conn, next); err != nil {
			return err
		}
	}
	if _, err = conn.ExecContext(ctx, "COMMIT"); err != nil {
		return fmt.Errorf("commit rate limit update: %w", err)
	}
	return nil
}

// Delete removes the record.
func (s *Store) Delete(ctx context.Context, key string) error {
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if _, err := s.sqlDB.ExecContext(ctx, `DELETE FROM rate_limit_records WHERE key_hash = ?`, ratelimit.HashKey(key)); err != nil {
		return fmt.Errorf("delete rate limit record: %w", err)
	}
	return nil
}

// Prune deletes records whose window ended before cutoff and returns how
// many were removed.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	if s == nil || s.sqlDB == nil {
		return 0, fmt.Errorf("storage is not configured")
	}
	res, err := s.sqlDB.ExecContext(ctx, `DELETE FROM rate_limit_records WHERE expires_at < ?`, cutoff.UTC().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune rate limit records: %w", err)
	}
	return res.RowsAffected()
}

func unixMillisToTime(value int64) time.Time {
	if value <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(value).UTC()
}

var (
	_ ratelimit.Store   = (*Store)(nil)
	_ ratelimit.Updater = (*Store)(nil)
)
