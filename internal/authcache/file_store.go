package authcache

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/natefinch/atomic"
)

const (
	lockRetry   = 50 * time.Millisecond
	lockTimeout = 5 * time.Second
)

type persistedEntries struct {
	Entries map[string]*Entry `json:"entries"`
}

// FileStore keeps a Cache mirrored to a JSON file so a restart does not ask
// the user to sign again. Writes are atomic and serialized across processes
// with a lock file next to the data file.
type FileStore struct {
	*Cache
	path string
	lock *flock.Flock
}

func NewFileStore(path string, opts ...Option) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create authorization dir: %w", err)
	}

	s := &FileStore{
		Cache: New(opts...),
		path:  path,
		lock:  flock.New(path + ".lock"),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileStore) load() error {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read authorizations: %w", err)
	}
	if len(data) == 0 {
		return nil
	}

	var state persistedEntries
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("decode authorizations: %w", err)
	}

	now := s.now()
	for _, entry := range state.Entries {
		if entry == nil || entry.Expired(now) {
			continue
		}
		s.Cache.Put(entry.Scope, entry)
	}
	return nil
}

// Put stores the entry in memory, then rewrites the file.
func (s *FileStore) Put(scope Scope, entry *Entry) error {
	if err := s.Cache.Put(scope, entry); err != nil {
		return err
	}
	return s.Save()
}

// Delete drops the entry in memory, then rewrites the file.
func (s *FileStore) Delete(scope Scope) error {
	if err := s.Cache.Delete(scope); err != nil {
		return err
	}
	return s.Save()
}

// Prune drops expired entries and rewrites the file when any went.
func (s *FileStore) Prune() (int, error) {
	removed, err := s.Cache.Prune()
	if err != nil || removed == 0 {
		return removed, err
	}
	return removed, s.Save()
}

func (s *FileStore) Save() error {
	ctx, cancel := context.WithTimeout(context.Background(), lockTimeout)
	defer cancel()

	locked, err := s.lock.TryLockContext(ctx, lockRetry)
	if err != nil {
		return fmt.Errorf("lock authorizations: %w", err)
	}
	if !locked {
		return fmt.Errorf("authorizations file %s is locked", s.path)
	}
	defer s.lock.Unlock()

	data, err := json.MarshalIndent(persistedEntries{Entries: s.snapshot()}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode authorizations: %w", err)
	}
	return atomic.WriteFile(s.path, bytes.NewReader(data))
}
