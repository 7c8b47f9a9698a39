package kv

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/harrison/rhythm/internal/filelock"
)

// File is a Surface backed by one file per key in a directory, so separate
// processes can share it. A record file holds the expiry (unix millis, 0 for
// none) on its first line and the value after it.
type File struct {
	dir      string
	maxValue int
	now      func() time.Time
}

var _ Surface = (*File)(nil)

// NewFile opens (creating if needed) a file surface in dir.
func NewFile(dir string, maxValue int) (*File, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("%w: create surface directory: %v", ErrUnavailable, err)
	}
	if maxValue <= 0 {
		maxValue = DefaultMaxValueSize
	}
	return &File{dir: dir, maxValue: maxValue, now: time.Now}, nil
}

// Dir returns the backing directory.
func (f *File) Dir() string {
	return f.dir
}

func (f *File) path(key string) string {
	return filepath.Join(f.dir, url.PathEscape(key))
}

func keyFromName(name string) (string, bool) {
	if filelock.IsAuxiliary(name) {
		return "", false
	}
	key, err := url.PathUnescape(filepath.Base(name))
	if err != nil {
		return "", false
	}
	return key, true
}

func (f *File) read(path string) (string, error) {
	data, err := filelock.LockAndRead(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	header, value, ok := strings.Cut(string(data), "\n")
	if !ok {
		return "", ErrNotFound
	}
	millis, err := strconv.ParseInt(header, 10, 64)
	if err != nil {
		return "", ErrNotFound
	}
	if millis > 0 && !f.now().Before(time.UnixMilli(millis)) {
		filelock.LockAndRemove(path)
		return "", ErrNotFound
	}
	return value, nil
}

// Get returns the value stored under key.
func (f *File) Get(_ context.Context, key string) (string, error) {
	return f.read(f.path(key))
}

// Set stores value under key.
func (f *File) Set(_ context.Context, key, value string, ttl time.Duration) error {
	if len(value) > f.maxValue {
		return fmt.Errorf("%w: %d bytes for %s, limit %d", ErrQuota, len(value), key, f.maxValue)
	}
	var millis int64
	if exp := expiry(f.now(), ttl); !exp.IsZero() {
		millis = exp.UnixMilli()
	}
	data := strconv.FormatInt(millis, 10) + "\n" + value
	if err := filelock.LockAndWrite(f.path(key), []byte(data)); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Delete removes key.
func (f *File) Delete(_ context.Context, key string) error {
	if err := filelock.LockAndRemove(f.path(key)); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Keys lists live keys starting with prefix in sorted order.
func (f *File) Keys(_ context.Context, prefix string) ([]string, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	var keys []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		key, ok := keyFromName(entry.Name())
		if !ok || !strings.HasPrefix(key, prefix) {
			continue
		}
		if _, err := f.read(filepath.Join(f.dir, entry.Name())); err != nil {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

// Watch reports record changes in the directory until ctx is done. Writes
// made through this handle are reported as well.
func (f *File) Watch(ctx context.Context) (<-chan Change, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := watcher.Add(f.dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	out := make(chan Change, watchBuffer)
	go func() {
		defer close(out)
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if c, ok := f.change(event); ok {
					notify(out, c)
				}
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return out, nil
}

func (f *File) change(event fsnotify.Event) (Change, bool) {
	key, ok := keyFromName(event.Name)
	if !ok {
		return Change{}, false
	}
	switch {
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		// A rename away from a record path is a removal; renames onto it
		// arrive as Create.
		return Change{Key: key, Deleted: true}, true
	case event.Has(fsnotify.Create), event.Has(fsnotify.Write):
		value, err := f.read(event.Name)
		if err != nil {
			return Change{Key: key, Deleted: true}, true
		}
		return Change{Key: key, Value: value}, true
	}
	return Change{}, false
}
