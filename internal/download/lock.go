package download

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
)

const (
	// lockFileName is the advisory lock file inside the cache directory.
	lockFileName = ".cache.lock"
	// lockWaitTimeout bounds how long Fetch waits for another installer.
	lockWaitTimeout = 5 * time.Minute
	// lockPollEvery is the interval between lock attempts.
	lockPollEvery = 200 * time.Millisecond
)

// errLockTimeout is returned when the cache lock stays busy.
var errLockTimeout = errors.New("timed out waiting for the cache lock")

// cacheLock is an exclusive advisory lock on the cache directory.
type cacheLock struct {
	// file holds the flock.
	file *os.File
}

// acquireCacheLock takes the exclusive lock, polling until it is free or ctx ends.
func acquireCacheLock(ctx context.Context, dir string) (*cacheLock, error) {
	if err := os.MkdirAll(dir, cacheDirPermissions); err != nil {
		return nil, err
	}

	path := filepath.Join(dir, lockFileName)

	file, err := os.OpenFile(filepath.Clean(path), os.O_CREATE|os.O_RDWR, cacheFilePermissions)
	if err != nil {
		return nil, fmt.Errorf("open cache lock: %w", err)
	}

	deadline := time.Now().Add(lockWaitTimeout)

	for {
		err = unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB) //nolint:gosec // Fd fits into int.
		if err == nil {
			return &cacheLock{file: file}, nil
		}

		if !errors.Is(err, unix.EWOULDBLOCK) {
			_ = file.Close()
			return nil, fmt.Errorf("lock cache: %w", err)
		}

		if time.Now().After(deadline) {
			_ = file.Close()
			return nil, fmt.Errorf("%w: %s", errLockTimeout, path)
		}

		select {
		case <-ctx.Done():
			_ = file.Close()
			return nil, ctx.Err()
		case <-time.After(lockPollEvery):
		}
	}
}

// release unlocks and closes the lock file.
func (l *cacheLock) release() error {
	if l == nil || l.file == nil {
		return nil
	}

	if err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN); err != nil { //nolint:gosec // Fd fits into int.
		_ = l.file.Close()
		return err
	}

	return l.file.Close()
}
