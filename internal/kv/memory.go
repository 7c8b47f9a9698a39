package kv

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
)

type memoryEntry struct {
	value   string
	expires time.Time
}

// MemoryOption configures a MemoryBackend.
type MemoryOption func(*MemoryBackend)

// WithMaxValueSize sets the per-value ceiling in bytes.
func WithMaxValueSize(n int) MemoryOption {
	return func(b *MemoryBackend) {
		b.maxValue = n
	}
}

// WithClock sets the clock used for TTL expiry.
func WithClock(now func() time.Time) MemoryOption {
	return func(b *MemoryBackend) {
		b.now = now
	}
}

// MemoryBackend is an in-process storage area shared by several contexts.
// Each context gets its own handle from Context; changes made through one
// handle are reported to the watchers of all the others.
type MemoryBackend struct {
	data     cmap.ConcurrentMap[string, memoryEntry]
	maxValue int
	now      func() time.Time
	disabled atomic.Bool

	mu       sync.Mutex
	nextID   int
	watchers map[int][]chan Change
}

// NewMemoryBackend creates an empty backend.
func NewMemoryBackend(opts ...MemoryOption) *MemoryBackend {
	b := &MemoryBackend{
		data:     cmap.New[memoryEntry](),
		maxValue: DefaultMaxValueSize,
		now:      time.Now,
		watchers: make(map[int][]chan Change),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Context returns a new handle, the equivalent of one tab's view of the
// origin's storage.
func (b *MemoryBackend) Context() *Memory {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	return &Memory{backend: b, id: b.nextID}
}

// SetDisabled makes every operation fail with ErrUnavailable, as storage
// does in some private browsing modes.
func (b *MemoryBackend) SetDisabled(disabled bool) {
	b.disabled.Store(disabled)
}

// Len returns the number of live keys.
func (b *MemoryBackend) Len() int {
	now := b.now()
	n := 0
	for _, e := range b.data.Items() {
		if !expired(now, e.expires) {
			n++
		}
	}
	return n
}

func (b *MemoryBackend) broadcast(from int, c Change) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, chans := range b.watchers {
		if id == from {
			continue
		}
		for _, ch := range chans {
			notify(ch, c)
		}
	}
}

func (b *MemoryBackend) subscribe(id int) chan Change {
	ch := make(chan Change, watchBuffer)
	b.mu.Lock()
	b.watchers[id] = append(b.watchers[id], ch)
	b.mu.Unlock()
	return ch
}

func (b *MemoryBackend) unsubscribe(id int, ch chan Change) {
	b.mu.Lock()
	defer b.mu.Unlock()
	chans := b.watchers[id]
	for i, c := range chans {
		if c == ch {
			b.watchers[id] = append(chans[:i], chans[i+1:]...)
			close(ch)
			break
		}
	}
	if len(b.watchers[id]) == 0 {
		delete(b.watchers, id)
	}
}

// Memory is one context's handle on a MemoryBackend.
type Memory struct {
	backend *MemoryBackend
	id      int
}

var _ Surface = (*Memory)(nil)

// Get returns the value stored under key.
func (m *Memory) Get(_ context.Context, key string) (string, error) {
	b := m.backend
	if b.disabled.Load() {
		return "", ErrUnavailable
	}
	e, ok := b.data.Get(key)
	if !ok {
		return "", ErrNotFound
	}
	if expired(b.now(), e.expires) {
		b.data.RemoveCb(key, func(_ string, v memoryEntry, exists bool) bool {
			return exists && v.expires.Equal(e.expires)
		})
		return "", ErrNotFound
	}
	return e.value, nil
}

// Set stores value under key.
func (m *Memory) Set(_ context.Context, key, value string, ttl time.Duration) error {
	b := m.backend
	if b.disabled.Load() {
		return ErrUnavailable
	}
	if b.maxValue > 0 && len(value) > b.maxValue {
		return fmt.Errorf("%w: %d bytes for %s, limit %d", ErrQuota, len(value), key, b.maxValue)
	}
	b.data.Set(key, memoryEntry{value: value, expires: expiry(b.now(), ttl)})
	b.broadcast(m.id, Change{Key: key, Value: value})
	return nil
}

// Delete removes key.
func (m *Memory) Delete(_ context.Context, key string) error {
	b := m.backend
	if b.disabled.Load() {
		return ErrUnavailable
	}
	if _, ok := b.data.Pop(key); ok {
		b.broadcast(m.id, Change{Key: key, Deleted: true})
	}
	return nil
}

// Keys lists live keys starting with prefix in sorted order.
func (m *Memory) Keys(_ context.Context, prefix string) ([]string, error) {
	b := m.backend
	if b.disabled.Load() {
		return nil, ErrUnavailable
	}
	now := b.now()
	var keys []string
	for key, e := range b.data.Items() {
		if strings.HasPrefix(key, prefix) && !expired(now, e.expires) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Watch reports changes made through other handles until ctx is done.
func (m *Memory) Watch(ctx context.Context) (<-chan Change, error) {
	if m.backend.disabled.Load() {
		return nil, ErrUnavailable
	}
	ch := m.backend.subscribe(m.id)
	go func() {
		<-ctx.Done()
		m.backend.unsubscribe(m.id, ch)
	}()
	return ch, nil
}
