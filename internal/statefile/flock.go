package statefile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// LockSuffix is appended to a document path to form its lock file path.
const LockSuffix = ".lock"

// FileLock is an advisory flock(2) on the ".lock" sibling of a coordination
// document. Locks are per open file description, so two FileLocks in the
// same process exclude each other just like two processes do.
type FileLock struct {
	path string
	file *os.File
}

// NewFileLock returns an unlocked FileLock for the document at docPath.
func NewFileLock(docPath string) *FileLock {
	return &FileLock{path: docPath + LockSuffix}
}

// Path returns the lock file path.
func (fl *FileLock) Path() string {
	return fl.path
}

// Lock blocks until the exclusive lock is held. The lock file and its
// directory are created when missing.
func (fl *FileLock) Lock() error {
	_, err := fl.acquire(unix.LOCK_EX)
	return err
}

// TryLock takes the lock if it is free and reports whether it did.
func (fl *FileLock) TryLock() (bool, error) {
	return fl.acquire(unix.LOCK_EX | unix.LOCK_NB)
}

func (fl *FileLock) acquire(how int) (bool, error) {
	if fl.file != nil {
		return false, fmt.Errorf("lock %s already held by this FileLock", filepath.Base(fl.path))
	}
	if err := os.MkdirAll(filepath.Dir(fl.path), 0o755); err != nil {
		return false, fmt.Errorf("create lock directory: %w", err)
	}
	f, err := os.OpenFile(fl.path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return false, fmt.Errorf("open lock file: %w", err)
	}

	if err := unix.Flock(int(f.Fd()), how); err != nil {
		_ = f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return false, nil
		}
		return false, fmt.Errorf("flock %s: %w", filepath.Base(fl.path), err)
	}
	fl.file = f
	return true, nil
}

// Unlock releases the lock. Unlocking a FileLock that is not held is a
// no-op.
func (fl *FileLock) Unlock() error {
	f := fl.file
	if f == nil {
		return nil
	}
	fl.file = nil

	unlockErr := unix.Flock(int(f.Fd()), unix.LOCK_UN)
	closeErr := f.Close()
	if unlockErr != nil {
		return fmt.Errorf("funlock %s: %w", filepath.Base(fl.path), unlockErr)
	}
	return closeErr
}

// WithLock runs fn while holding the lock of the document at docPath.
func WithLock(docPath string, fn func() error) error {
	fl := NewFileLock(docPath)
	if err := fl.Lock(); err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	defer func() { _ = fl.Unlock() }()
	return fn()
}
