package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"time"
)

// stateFileMode is the only mode the counters file is written with.
const stateFileMode fs.FileMode = 0o600

// FileStateStore reads and rewrites the counters file. Writers serialize on
// a mutex inside the process and on an flock of path+".lock" across
// processes; every write goes through a temp file and a rename, and the
// previous contents are kept in path+".bak".
type FileStateStore struct {
	path   string
	mu     sync.Mutex
	logger *slog.Logger
}

// NewFileStateStore creates a store for path. The file is created on the
// first write.
func NewFileStateStore(path string, logger *slog.Logger) *FileStateStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileStateStore{path: path, logger: logger}
}

// Load returns the persisted state, or DefaultState if no file exists yet.
func (s *FileStateStore) Load() (*RateLimitState, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return s.DefaultState(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state file: %w", err)
	}
	s.warnIfExposed()

	var st RateLimitState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("parse state file: %w", err)
	}
	if st.Records == nil {
		st.Records = make(map[string]RecordEntry)
	}
	return &st, nil
}

// Save replaces the persisted state with st.
func (s *FileStateStore) Save(st *RateLimitState) error {
	return s.Update(func(current *RateLimitState) error {
		*current = *st
		return nil
	})
}

// Update applies fn to the current on-disk state and persists the result.
// fn sees the state as written by any other process holding the same file.
func (s *FileStateStore) Update(fn func(*RateLimitState) error) error {
	unlock, err := s.lock()
	if err != nil {
		return err
	}
	defer unlock()

	st, err := s.Load()
	if err != nil {
		return err
	}
	if err := fn(st); err != nil {
		return err
	}
	st.UpdatedAt = time.Now().UTC()

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	s.backup()
	if err := replaceFile(s.path, append(data, '\n')); err != nil {
		return err
	}

	s.logger.Debug("rate limit state written", "path", s.path, "records", len(st.Records))
	return nil
}

// lock takes the process mutex and the cross-process file lock.
func (s *FileStateStore) lock() (func(), error) {
	s.mu.Lock()
	lockFile, err := os.OpenFile(s.path+".lock", os.O_CREATE|os.O_RDWR, stateFileMode)
	if err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := flockLock(lockFile.Fd()); err != nil {
		_ = lockFile.Close()
		s.mu.Unlock()
		return nil, fmt.Errorf("acquire file lock: %w", err)
	}
	return func() {
		_ = flockUnlock(lockFile.Fd())
		_ = lockFile.Close()
		s.mu.Unlock()
	}, nil
}

// backup copies the current file to path+".bak". A missing file is not an
// error; other failures are logged and the write proceeds.
func (s *FileStateStore) backup() {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return
	}
	if err := os.WriteFile(s.path+".bak", data, stateFileMode); err != nil {
		s.logger.Warn("rate limit state backup failed", "error", err)
	}
}

// warnIfExposed logs when group or other can read the file. Windows has no
// such permission bits.
func (s *FileStateStore) warnIfExposed() {
	if runtime.GOOS == "windows" {
		return
	}
	info, err := os.Stat(s.path)
	if err != nil {
		return
	}
	if mode := info.Mode().Perm(); mode&0o077 != 0 {
		s.logger.Warn("rate limit state file is readable by other users",
			"path", s.path, "mode", fmt.Sprintf("%04o", mode), "want", fmt.Sprintf("%04o", stateFileMode))
	}
}

// replaceFile writes data next to path, syncs it and renames it into place.
func replaceFile(path string, data []byte) (err error) {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, stateFileMode)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		if err != nil {
			_ = f.Close()
			_ = os.Remove(tmp)
		}
	}()

	if _, err = f.Write(data); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err = f.Sync(); err != nil {
		return fmt.Errorf("fsync temp file: %w", err)
	}
	if err = f.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err = os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename temp to state: %w", err)
	}
	// A stale temp file reopened with O_TRUNC keeps its old mode.
	return os.Chmod(path, stateFileMode)
}

// DefaultState returns an empty state stamped with the current time.
func (s *FileStateStore) DefaultState() *RateLimitState {
	now := time.Now().UTC()
	return &RateLimitState{
		Version:   SchemaVersion,
		Records:   make(map[string]RecordEntry),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Exists reports whether the file has been written.
func (s *FileStateStore) Exists() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

// Path returns the file path.
func (s *FileStateStore) Path() string {
	return s.path
}
