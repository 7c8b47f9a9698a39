package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/harrison/rhythm/internal/kv"
)

// ErrOversize is returned by Persist when a record exceeds the byte cap.
// It is a signal to rotate, not a failure.
var ErrOversize = errors.New("session record exceeds byte cap")

// Options configures a Store.
type Options struct {
	// Prefix starts every slot key; slot n is stored under Prefix+n.
	Prefix string
	// MaxSlots is the size of the slot pool, numbered 1..MaxSlots.
	MaxSlots int
	// ByteCap is the maximum length of a serialized record.
	ByteCap int
	// TTL is the retention of slot records on the surface.
	TTL time.Duration
	// DefaultSlot is reused when every slot stays occupied.
	DefaultSlot int
	// OnDegraded is called once when the surface fails and the store
	// switches to in-memory operation.
	OnDegraded func(err error)
}

// Store maps slots to session records. Storage failures never surface to
// callers: the first one switches the store to a private in-memory map.
type Store struct {
	surface kv.Surface
	opts    Options

	mu       sync.Mutex
	degraded bool
	memory   map[int]string
}

// New creates a Store on surface.
func New(surface kv.Surface, opts Options) *Store {
	if opts.Prefix == "" {
		opts.Prefix = "rhythm_"
	}
	if opts.MaxSlots <= 0 {
		opts.MaxSlots = 5
	}
	if opts.DefaultSlot < 1 || opts.DefaultSlot > opts.MaxSlots {
		opts.DefaultSlot = 1
	}
	return &Store{
		surface: surface,
		opts:    opts,
		memory:  make(map[int]string),
	}
}

// MaxSlots returns the size of the slot pool.
func (s *Store) MaxSlots() int {
	return s.opts.MaxSlots
}

// ByteCap returns the record size limit.
func (s *Store) ByteCap() int {
	return s.opts.ByteCap
}

// Key returns the surface key of slot.
func (s *Store) Key(slot int) string {
	return s.opts.Prefix + strconv.Itoa(slot)
}

// Degraded reports whether the store has fallen back to memory.
func (s *Store) Degraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded
}

func (s *Store) degrade(err error) {
	s.mu.Lock()
	first := !s.degraded
	s.degraded = true
	s.mu.Unlock()
	if first && s.opts.OnDegraded != nil {
		s.opts.OnDegraded(err)
	}
}

// raw reads the line stored in slot.
func (s *Store) raw(ctx context.Context, slot int) (string, bool) {
	if !s.Degraded() {
		line, err := s.surface.Get(ctx, s.Key(slot))
		if err == nil {
			return line, true
		}
		if errors.Is(err, kv.ErrNotFound) {
			return "", false
		}
		s.degrade(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	line, ok := s.memory[slot]
	return line, ok
}

func (s *Store) write(ctx context.Context, slot int, line string) {
	if !s.Degraded() {
		err := s.surface.Set(ctx, s.Key(slot), line, s.opts.TTL)
		if err == nil {
			return
		}
		s.degrade(err)
	}
	s.mu.Lock()
	s.memory[slot] = line
	s.mu.Unlock()
}

// Load returns the session in slot whatever its state. Absent and malformed
// records both report false.
func (s *Store) Load(ctx context.Context, slot int) (*Session, bool) {
	line, ok := s.raw(ctx, slot)
	if !ok {
		return nil, false
	}
	sess, err := ParseLine(line)
	if err != nil {
		return nil, false
	}
	sess.Slot = slot
	return sess, true
}

// Restore returns the session in slot if it can be resumed. Closed,
// absent and malformed records are treated as absent.
func (s *Store) Restore(ctx context.Context, slot int) (*Session, bool) {
	sess, ok := s.Load(ctx, slot)
	if !ok || sess.State == StateClosed {
		return nil, false
	}
	return sess, true
}

// FindFreeSlot scans slots 1..MaxSlots in order and returns the first one
// without a parsable record. The fixed order keeps tabs racing for a slot
// converging on the same choices.
func (s *Store) FindFreeSlot(ctx context.Context) (int, bool) {
	for slot := 1; slot <= s.opts.MaxSlots; slot++ {
		if _, ok := s.Load(ctx, slot); !ok {
			return slot, true
		}
	}
	return 0, false
}

// Allocate assigns sess a slot and persists it there. When every slot is
// taken, reclaim (typically a synchronous batch flush) runs once before a
// second scan; if that frees nothing the default slot is overwritten.
// The returned flag reports that fallback.
func (s *Store) Allocate(ctx context.Context, sess *Session, reclaim func(context.Context)) bool {
	slot, ok := s.FindFreeSlot(ctx)
	if !ok && reclaim != nil {
		reclaim(ctx)
		slot, ok = s.FindFreeSlot(ctx)
	}
	if !ok {
		slot = s.opts.DefaultSlot
	}
	sess.Slot = slot
	s.write(ctx, slot, sess.Line())
	return !ok
}

// Persist writes sess to its slot. A record longer than the byte cap is not
// written and ErrOversize is returned so the caller can rotate.
func (s *Store) Persist(ctx context.Context, sess *Session) error {
	line := sess.Line()
	if s.opts.ByteCap > 0 && len(line) > s.opts.ByteCap {
		return fmt.Errorf("%w: slot %d needs %d bytes, cap %d", ErrOversize, sess.Slot, len(line), s.opts.ByteCap)
	}
	s.write(ctx, sess.Slot, line)
	return nil
}

// MarkClosed rewrites the record in slot with the closed state and returns
// the closed session. The stored flow is kept as is.
func (s *Store) MarkClosed(ctx context.Context, slot int) (*Session, bool) {
	sess, ok := s.Load(ctx, slot)
	if !ok {
		return nil, false
	}
	if sess.State != StateClosed {
		sess.State = StateClosed
		s.write(ctx, slot, sess.Line())
	}
	return sess, true
}

// Remove deletes the record in slot.
func (s *Store) Remove(ctx context.Context, slot int) {
	if !s.Degraded() {
		if err := s.surface.Delete(ctx, s.Key(slot)); err != nil {
			s.degrade(err)
		}
	}
	s.mu.Lock()
	delete(s.memory, slot)
	s.mu.Unlock()
}

// Sessions loads every parsable record in slot order.
func (s *Store) Sessions(ctx context.Context) []*Session {
	var out []*Session
	for slot := 1; slot <= s.opts.MaxSlots; slot++ {
		if sess, ok := s.Load(ctx, slot); ok {
			out = append(out, sess)
		}
	}
	return out
}
