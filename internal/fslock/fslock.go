// Package fslock provides advisory file locks shared between processes.
//
// Locks are flock(2) locks on a dedicated lock file. flock binds to the
// open file description, so two Acquire calls on the same path conflict
// even inside one process.
package fslock

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
)

// pollInterval is how often a contended lock is retried.
const pollInterval = 25 * time.Millisecond

// Lock is a held advisory lock.
type Lock struct {
	f *os.File
}

// Acquire blocks until the exclusive lock on path is held or ctx ends.
// The lock file and its parent directory are created when missing.
func Acquire(ctx context.Context, path string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		l, ok, err := tryLock(path)
		if err != nil || ok {
			return l, err
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for lock %s: %w", path, ctx.Err())
		case <-ticker.C:
		}
	}
}

// TryAcquire takes the lock without waiting. ok is false if another
// holder has it.
func TryAcquire(path string) (l *Lock, ok bool, err error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, false, fmt.Errorf("failed to create lock directory: %w", err)
	}
	return tryLock(path)
}

// tryLock opens path and takes the lock without blocking. A lock file
// that was unlinked or replaced after it was opened is reopened, so the
// returned lock always guards the file currently at path.
func tryLock(path string) (*Lock, bool, error) {
	for {
		f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
		if err != nil {
			return nil, false, fmt.Errorf("failed to open lock file: %w", err)
		}
		err = unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == unix.EWOULDBLOCK || err == unix.EINTR {
			_ = f.Close()
			return nil, false, nil
		}
		if err != nil {
			_ = f.Close()
			return nil, false, fmt.Errorf("failed to lock %s: %w", path, err)
		}
		if current(f, path) {
			return &Lock{f: f}, true, nil
		}
		_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
		_ = f.Close()
	}
}

// current reports whether f is still the file linked at path.
func current(f *os.File, path string) bool {
	held, err := f.Stat()
	if err != nil {
		return false
	}
	linked, err := os.Stat(path)
	if err != nil {
		return false
	}
	return os.SameFile(held, linked)
}

// Release drops the lock. The lock file is left in place; a waiter that
// already opened it would otherwise have to start over.
func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	if cerr := l.f.Close(); err == nil {
		err = cerr
	}
	l.f = nil
	return err
}
