package store

import (
	"fmt"

	"github.com/gofrs/flock"
)

// FileLock enforces the single-writer rule for the artifact store. The lock
// is advisory and process-wide; a second pinedocs process opening the same
// store fails fast instead of corrupting a batch.
type FileLock struct {
	fl *flock.Flock
}

// NewFileLock creates a lock on the given path.
func NewFileLock(path string) *FileLock {
	return &FileLock{fl: flock.New(path)}
}

// TryLock acquires the lock without blocking.
func (l *FileLock) TryLock() error {
	ok, err := l.fl.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock %s: %w", l.fl.Path(), err)
	}
	if !ok {
		return fmt.Errorf("lock %s held by another process", l.fl.Path())
	}
	return nil
}

// Unlock releases the lock.
func (l *FileLock) Unlock() error {
	return l.fl.Unlock()
}
