package store

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrison/rhythm/internal/kv"
)

func newTestStore(t *testing.T, byteCap int) (*Store, *kv.MemoryBackend) {
	t.Helper()
	backend := kv.NewMemoryBackend()
	s := New(backend.Context(), Options{
		Prefix:      "rhythm_",
		MaxSlots:    3,
		ByteCap:     byteCap,
		TTL:         time.Hour,
		DefaultSlot: 1,
	})
	return s, backend
}

func openSession(flow string) *Session {
	return &Session{State: StateOpen, Start: time.Unix(1700000000, 0), Flow: flow}
}

func TestFindFreeSlot_FixedOrder(t *testing.T) {
	s, _ := newTestStore(t, 0)
	ctx := context.Background()

	slot, ok := s.FindFreeSlot(ctx)
	require.True(t, ok)
	assert.Equal(t, 1, slot)

	s.Allocate(ctx, openSession(""), nil)
	s.Allocate(ctx, openSession(""), nil)
	s.Remove(ctx, 1)

	slot, ok = s.FindFreeSlot(ctx)
	require.True(t, ok)
	assert.Equal(t, 1, slot, "lowest free slot wins")
}

func TestFindFreeSlot_MalformedCountsAsFree(t *testing.T) {
	s, backend := newTestStore(t, 0)
	ctx := context.Background()
	surface := backend.Context()

	require.NoError(t, surface.Set(ctx, "rhythm_1", "garbage", 0))
	slot, ok := s.FindFreeSlot(ctx)
	require.True(t, ok)
	assert.Equal(t, 1, slot)
}

func TestAllocate_ReclaimThenDefault(t *testing.T) {
	s, _ := newTestStore(t, 0)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		assert.False(t, s.Allocate(ctx, openSession(""), nil))
	}

	// Reclaim frees slot 2.
	sess := openSession("")
	fallback := s.Allocate(ctx, sess, func(ctx context.Context) { s.Remove(ctx, 2) })
	assert.False(t, fallback)
	assert.Equal(t, 2, sess.Slot)

	// Nothing reclaimed: default slot.
	calls := 0
	sess = openSession("!abc")
	fallback = s.Allocate(ctx, sess, func(context.Context) { calls++ })
	assert.True(t, fallback)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, sess.Slot)

	restored, ok := s.Restore(ctx, 1)
	require.True(t, ok)
	assert.Equal(t, "!abc", restored.Flow)
}

func TestPersist_Oversize(t *testing.T) {
	s, _ := newTestStore(t, 40)
	ctx := context.Background()

	sess := openSession("")
	s.Allocate(ctx, sess, nil)
	base := len(sess.Line())

	sess.Flow = strings.Repeat("x", 40-base)
	require.NoError(t, s.Persist(ctx, sess))

	sess.Flow += "y"
	err := s.Persist(ctx, sess)
	assert.ErrorIs(t, err, ErrOversize)

	restored, ok := s.Restore(ctx, sess.Slot)
	require.True(t, ok)
	assert.Equal(t, strings.Repeat("x", 40-base), restored.Flow, "oversize record must not be written")
}

func TestRestore_ClosedIsAbsent(t *testing.T) {
	s, _ := newTestStore(t, 0)
	ctx := context.Background()

	sess := openSession("!yke")
	s.Allocate(ctx, sess, nil)

	_, ok := s.Restore(ctx, sess.Slot)
	assert.True(t, ok)

	closed, ok := s.MarkClosed(ctx, sess.Slot)
	require.True(t, ok)
	assert.Equal(t, StateClosed, closed.State)
	assert.Equal(t, "!yke", closed.Flow)

	_, ok = s.Restore(ctx, sess.Slot)
	assert.False(t, ok)

	loaded, ok := s.Load(ctx, sess.Slot)
	require.True(t, ok)
	assert.Equal(t, StateClosed, loaded.State)
}

func TestRestore_Blocked(t *testing.T) {
	s, _ := newTestStore(t, 0)
	ctx := context.Background()

	sess := openSession("")
	sess.State = StateBlocked
	s.Allocate(ctx, sess, nil)

	restored, ok := s.Restore(ctx, sess.Slot)
	require.True(t, ok)
	assert.Equal(t, StateBlocked, restored.State)
}

func TestDegradesToMemory(t *testing.T) {
	backend := kv.NewMemoryBackend()
	var degradedErr error
	s := New(backend.Context(), Options{
		MaxSlots:   2,
		OnDegraded: func(err error) { degradedErr = err },
	})
	ctx := context.Background()

	backend.SetDisabled(true)
	sess := openSession("!yke")
	s.Allocate(ctx, sess, nil)

	assert.True(t, s.Degraded())
	assert.True(t, errors.Is(degradedErr, kv.ErrUnavailable))

	restored, ok := s.Restore(ctx, sess.Slot)
	require.True(t, ok)
	assert.Equal(t, "!yke", restored.Flow)

	// Recovery of the surface does not flip the store back mid-visit.
	backend.SetDisabled(false)
	sess.Flow = "!yke~3"
	require.NoError(t, s.Persist(ctx, sess))
	assert.Zero(t, backend.Len())

	s.Remove(ctx, sess.Slot)
	_, ok = s.Load(ctx, sess.Slot)
	assert.False(t, ok)
}

func TestQuotaDegrades(t *testing.T) {
	backend := kv.NewMemoryBackend(kv.WithMaxValueSize(30))
	s := New(backend.Context(), Options{MaxSlots: 2})
	ctx := context.Background()

	sess := openSession(strings.Repeat("x", 20))
	s.Allocate(ctx, sess, nil)
	assert.True(t, s.Degraded())
	_, ok := s.Restore(ctx, sess.Slot)
	assert.True(t, ok)
}

func TestSessions(t *testing.T) {
	s, backend := newTestStore(t, 0)
	ctx := context.Background()
	s.Allocate(ctx, openSession("!a"), nil)
	s.Allocate(ctx, openSession("!b"), nil)
	require.NoError(t, backend.Context().Set(ctx, "rhythm_3", "bad", 0))

	sessions := s.Sessions(ctx)
	require.Len(t, sessions, 2)
	assert.Equal(t, 1, sessions[0].Slot)
	assert.Equal(t, "!b", sessions[1].Flow)
}
