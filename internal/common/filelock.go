package common

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// FileLock is a non-blocking OS-level exclusive lock tied to a file.
// Scrapers and the checkpoint DB use it so two processes never race on
// the same resource; a second instance aborts silently instead of waiting.
type FileLock struct {
	fl *flock.Flock
}

// NewFileLock creates a lock for the given path, creating parent
// directories as needed.
func NewFileLock(path string) (*FileLock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create lock dir: %w", err)
	}
	return &FileLock{fl: flock.New(path)}, nil
}

// TryLock attempts to acquire the lock without blocking. Returns false if
// another process holds it.
func (l *FileLock) TryLock() (bool, error) {
	ok, err := l.fl.TryLock()
	if err != nil {
		return false, fmt.Errorf("failed to acquire file lock %s: %w", l.fl.Path(), err)
	}
	return ok, nil
}

// Unlock releases the lock.
func (l *FileLock) Unlock() error {
	return l.fl.Unlock()
}

// Path returns the lock file path.
func (l *FileLock) Path() string {
	return l.fl.Path()
}
