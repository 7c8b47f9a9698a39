// Package kv defines the key-value surface sessions are persisted to and
// provides several backends for it.
//
// A Surface models per-origin browser storage: string values, a per-value
// size ceiling, optional TTL, and a change-notification channel observed by
// the other contexts sharing the surface. There is no compare-and-swap and no
// cross-key atomicity; callers must assume any key can change between a read
// and the following write.
package kv

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned for absent or expired keys.
	ErrNotFound = errors.New("key not found")
	// ErrQuota is returned when a value exceeds the surface's size ceiling.
	ErrQuota = errors.New("storage quota exceeded")
	// ErrUnavailable is returned when the surface cannot be used at all.
	ErrUnavailable = errors.New("storage unavailable")
)

// DefaultMaxValueSize is the per-value ceiling used when none is configured.
const DefaultMaxValueSize = 4096

// Change describes a write observed on the surface.
type Change struct {
	Key     string
	Value   string
	Deleted bool
}

// Surface is the storage primitive shared by every tab of an origin.
//
// Watch delivers changes at most once and in no guaranteed order; a slow
// consumer loses changes rather than blocking writers. Backends that can
// identify writers omit the caller's own writes; the others report them too,
// so consumers must tolerate echoes.
type Surface interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context, prefix string) ([]string, error)
	Watch(ctx context.Context) (<-chan Change, error)
}

// watchBuffer is the per-subscriber channel capacity.
const watchBuffer = 64

// notify sends c without blocking; a full subscriber drops the change.
func notify(ch chan Change, c Change) {
	select {
	case ch <- c:
	default:
	}
}

func expiry(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}

func expired(now, expires time.Time) bool {
	return !expires.IsZero() && !now.Before(expires)
}
