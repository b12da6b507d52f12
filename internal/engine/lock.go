package engine

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// ErrAlreadyRunning means another sync process holds the feed's lock.
// Callers treat it as a benign skip, not a failure.
var ErrAlreadyRunning = errors.New("engine: another sync run holds the feed lock")

// RunLock is an exclusive, per-feed advisory file lock. It guarantees
// at most one sync run per feed on a host; the lock is released by
// Release or, on crash, by the OS closing the descriptor.
type RunLock struct {
	file *os.File
	path string
}

// AcquireRunLock takes the lock for a feed without blocking. It
// returns ErrAlreadyRunning when another process holds it.
func AcquireRunLock(dir, feed string) (*RunLock, error) {
	if dir == "" {
		dir = os.TempDir()
	}
	path := filepath.Join(dir, fmt.Sprintf("dci-analytics-sync-%s.lock", feed))

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("engine: opening lock file %s: %w", path, err)
	}

	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		file.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, ErrAlreadyRunning
		}
		return nil, fmt.Errorf("engine: locking %s: %w", path, err)
	}

	return &RunLock{file: file, path: path}, nil
}

// Release drops the lock. Safe to call once per acquired lock.
func (l *RunLock) Release() error {
	if err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN); err != nil {
		l.file.Close()
		return fmt.Errorf("engine: unlocking %s: %w", l.path, err)
	}
	return l.file.Close()
}

// Path returns the lock file path, for logging.
func (l *RunLock) Path() string {
	return l.path
}
