// Package filelock provides per-file locking and atomic replacement for
// records that several processes read and write concurrently.
//
// Readers take a shared lock and writers an exclusive one on a sidecar
// "<path>.lock" file. Writes go through a temp file and rename, so a reader
// without the lock still never sees a partial record.
package filelock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofrs/flock"
)

const (
	// LockSuffix is appended to a record path to name its lock file.
	LockSuffix = ".lock"
	// TempPrefix starts the name of in-flight temp files.
	TempPrefix = ".tmp-"
	// RecordPerm is the mode of every record file. Records carry browsing
	// traces, so only the owner may read them.
	RecordPerm os.FileMode = 0600
)

// IsAuxiliary reports whether name is a lock or temp file rather than a record.
func IsAuxiliary(name string) bool {
	base := filepath.Base(name)
	return strings.HasPrefix(base, TempPrefix) || strings.HasSuffix(base, LockSuffix)
}

// FileLock wraps a flock file lock for coordinating access to one record.
type FileLock struct {
	flock *flock.Flock
	path  string
}

// NewFileLock creates a lock backed by the file at path.
func NewFileLock(path string) *FileLock {
	return &FileLock{
		flock: flock.New(path),
		path:  path,
	}
}

// Lock acquires an exclusive lock, blocking until it is available.
func (fl *FileLock) Lock() error {
	if err := fl.flock.Lock(); err != nil {
		return fmt.Errorf("failed to acquire lock on %s: %w", fl.path, err)
	}
	return nil
}

// RLock acquires a shared lock, blocking until it is available.
func (fl *FileLock) RLock() error {
	if err := fl.flock.RLock(); err != nil {
		return fmt.Errorf("failed to acquire shared lock on %s: %w", fl.path, err)
	}
	return nil
}

// TryLock attempts an exclusive lock without blocking.
func (fl *FileLock) TryLock() (bool, error) {
	acquired, err := fl.flock.TryLock()
	if err != nil {
		return false, fmt.Errorf("failed to try lock on %s: %w", fl.path, err)
	}
	return acquired, nil
}

// Unlock releases the lock.
func (fl *FileLock) Unlock() error {
	if err := fl.flock.Unlock(); err != nil {
		return fmt.Errorf("failed to release lock on %s: %w", fl.path, err)
	}
	return nil
}

// AtomicWrite replaces the record at path with data. The bytes are staged
// in a temp file beside path and renamed over it, so until the rename the
// previous record stays readable and intact.
func AtomicWrite(path string, data []byte) error {
	staged, err := stage(filepath.Dir(path), data)
	if err != nil {
		return err
	}
	if err := os.Rename(staged, path); err != nil {
		os.Remove(staged)
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}

// stage writes data to a new temp file in dir and returns its name once the
// file is synced and closed. Nothing is left in dir on error.
func stage(dir string, data []byte) (name string, err error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	f, err := os.CreateTemp(dir, TempPrefix+"*")
	if err != nil {
		return "", fmt.Errorf("failed to stage record in %s: %w", dir, err)
	}
	name = f.Name()
	defer func() {
		if err != nil {
			os.Remove(name)
		}
	}()

	if err := f.Chmod(RecordPerm); err != nil {
		return "", errors.Join(fmt.Errorf("failed to set permissions: %w", err), f.Close())
	}
	if _, err := f.Write(data); err != nil {
		return "", errors.Join(fmt.Errorf("failed to write staged record: %w", err), f.Close())
	}
	if err := f.Sync(); err != nil {
		return "", errors.Join(fmt.Errorf("failed to sync staged record: %w", err), f.Close())
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("failed to close staged record: %w", err)
	}
	return name, nil
}

// LockAndWrite writes path atomically while holding its exclusive lock.
func LockAndWrite(path string, data []byte) error {
	lock := NewFileLock(path + LockSuffix)
	if err := lock.Lock(); err != nil {
		return err
	}
	defer lock.Unlock()

	return AtomicWrite(path, data)
}

// LockAndRead reads path while holding its shared lock. A missing file
// returns an error matching os.ErrNotExist.
func LockAndRead(path string) ([]byte, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	lock := NewFileLock(path + LockSuffix)
	if err := lock.RLock(); err != nil {
		return nil, err
	}
	defer lock.Unlock()

	return os.ReadFile(path)
}

// LockAndRemove deletes path and its lock file. Removing a missing file is
// not an error.
func LockAndRemove(path string) error {
	lock := NewFileLock(path + LockSuffix)
	if err := lock.Lock(); err != nil {
		return err
	}
	err := os.Remove(path)
	lock.Unlock()
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove %s: %w", path, err)
	}
	os.Remove(path + LockSuffix)
	return nil
}
