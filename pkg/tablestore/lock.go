package tablestore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Lock acquisition errors.
var (
	// ErrLockTimeout is returned when the lock could not be acquired
	// within the configured deadline.
	ErrLockTimeout = errors.New("lock acquisition timed out")
)

const (
	// DefaultLockTimeout bounds how long callers wait for a contended
	// resource before failing loudly.
	DefaultLockTimeout = 30 * time.Second

	lockRetryInterval = 50 * time.Millisecond
)

// PathLock is an exclusive advisory lock scoped to a resource path.
//
// The lock is held on a ".lock" sibling of the resource rather than the
// resource itself, so the resource file can be atomically replaced
// (rename) while the lock remains valid. flock coordinates both
// goroutines within one process and separate processes sharing the
// filesystem.
type PathLock struct {
	path string
	file *os.File
}

// AcquireLock acquires an exclusive lock scoped to path, polling until
// the lock is granted, the timeout elapses, or ctx is cancelled.
//
// A timeout of zero uses DefaultLockTimeout.
func AcquireLock(ctx context.Context, path string, timeout time.Duration) (*PathLock, error) {
	if timeout <= 0 {
		timeout = DefaultLockTimeout
	}

	lockPath := path + ".lock"
	if err := os.MkdirAll(filepath.Dir(lockPath), 0755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}

	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	deadline := time.Now().Add(timeout)
	for {
		ok, err := tryLock(f)
		if err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("acquire lock %s: %w", lockPath, err)
		}
		if ok {
			return &PathLock{path: lockPath, file: f}, nil
		}
		if time.Now().After(deadline) {
			_ = f.Close()
			return nil, fmt.Errorf("%w: %s", ErrLockTimeout, lockPath)
		}
		select {
		case <-ctx.Done():
			_ = f.Close()
			return nil, ctx.Err()
		case <-time.After(lockRetryInterval):
		}
	}
}

// TryAcquireLock attempts a single non-blocking acquisition.
//
// Returns (nil, nil) when the lock is currently held elsewhere.
func TryAcquireLock(path string) (*PathLock, error) {
	lockPath := path + ".lock"
	if err := os.MkdirAll(filepath.Dir(lockPath), 0755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}

	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	ok, err := tryLock(f)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("acquire lock %s: %w", lockPath, err)
	}
	if !ok {
		_ = f.Close()
		return nil, nil
	}
	return &PathLock{path: lockPath, file: f}, nil
}

// Release drops the lock. Safe to call on a nil lock.
func (l *PathLock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	if err := unlock(l.file); err != nil {
		_ = l.file.Close()
		return fmt.Errorf("release lock %s: %w", l.path, err)
	}
	err := l.file.Close()
	l.file = nil
	return err
}
