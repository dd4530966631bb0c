package session

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/bashlet/bashlet/internal/fslock"
)

const (
	recordExt = ".json"
	lockExt   = ".lock"
	// createLock serializes name-uniqueness checks across processes.
	createLock = ".create.lock"
	// lockGrace keeps recently touched lock files out of pruning; a new
	// session may hold its lock before the record is written.
	lockGrace = time.Minute
)

// Store manages session records on disk, one JSON file per id.
type Store struct {
	dir string
}

// NewStore creates the store directory if needed.
func NewStore(dir string) (*Store, error) {
	if dir == "" {
		return nil, errors.New("session directory is required")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create sessions directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id+recordExt)
}

// Save persists a record atomically: readers see the old file or the
// new one, never a partial write.
func (s *Store) Save(rec *Record) error {
	if err := validID(rec.ID); err != nil {
		return err
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, "."+rec.ID+"-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create session file: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("failed to write session file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("failed to sync session file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write session file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path(rec.ID)); err != nil {
		return fmt.Errorf("failed to commit session file: %w", err)
	}
	committed = true
	return nil
}

// Load reads a session by id.
func (s *Store) Load(id string) (*Record, error) {
	if err := validID(id); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to read session file: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session %s: %w", id, err)
	}
	if rec.ID != id {
		return nil, fmt.Errorf("session file %s holds id %q", s.path(id), rec.ID)
	}
	return &rec, nil
}

// List returns every readable record, newest first. Unreadable files
// are skipped.
func (s *Store) List() ([]*Record, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []*Record{}, nil
		}
		return nil, fmt.Errorf("failed to read sessions directory: %w", err)
	}

	records := []*Record{}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || filepath.Ext(name) != recordExt {
			continue
		}
		rec, err := s.Load(strings.TrimSuffix(name, recordExt))
		if err != nil {
			continue // Skip invalid sessions
		}
		records = append(records, rec)
	}

	slices.SortFunc(records, func(a, b *Record) int {
		if c := cmp.Compare(b.CreatedAt, a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return records, nil
}

// Delete removes a session file. Deleting a missing session is not an
// error.
func (s *Store) Delete(id string) error {
	if err := validID(id); err != nil {
		return err
	}
	if err := os.Remove(s.path(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete session file: %w", err)
	}
	return nil
}

// Lock takes the per-session advisory lock, waiting until ctx ends.
func (s *Store) Lock(ctx context.Context, id string) (*fslock.Lock, error) {
	if err := validID(id); err != nil {
		return nil, err
	}
	return fslock.Acquire(ctx, filepath.Join(s.dir, id+lockExt))
}

// Busy reports whether another holder has the session lock right now.
func (s *Store) Busy(id string) bool {
	if validID(id) != nil {
		return false
	}
	l, ok, err := fslock.TryAcquire(filepath.Join(s.dir, id+lockExt))
	if err != nil {
		return false
	}
	if !ok {
		return true
	}
	_ = l.Release()
	return false
}

func (s *Store) lockCreate(ctx context.Context) (*fslock.Lock, error) {
	return fslock.Acquire(ctx, filepath.Join(s.dir, createLock))
}

// PruneLocks removes lock files whose session no longer exists, that
// nobody holds, and that were not modified within lockGrace.
func (s *Store) PruneLocks() (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("failed to read sessions directory: %w", err)
	}
	removed := 0
	var errs []error
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || filepath.Ext(name) != lockExt {
			continue
		}
		id := strings.TrimSuffix(name, lockExt)
		if _, err := os.Stat(s.path(id)); err == nil {
			continue
		}
		if info, err := entry.Info(); err != nil || time.Since(info.ModTime()) < lockGrace {
			continue
		}
		path := filepath.Join(s.dir, name)
		l, ok, err := fslock.TryAcquire(path)
		if err != nil || !ok {
			continue
		}
		if err := os.Remove(path); err != nil {
			errs = append(errs, err)
		} else {
			removed++
		}
		_ = l.Release()
	}
	return removed, errors.Join(errs...)
}

// Dir returns the session storage directory
func (s *Store) Dir() string {
	return s.dir
}

func validID(id string) error {
	if id == "" || id == "." || id == ".." || strings.HasPrefix(id, ".") || strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("invalid session id %q", id)
	}
	return nil
}
