package coordinator

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrison/rhythm/internal/kv"
	"github.com/harrison/rhythm/internal/store"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.t = f.t.Add(d)
	f.mu.Unlock()
}

type tab struct {
	surface kv.Surface
	store   *store.Store
	coord   *Coordinator
}

func newTab(backend *kv.MemoryBackend, clock *fakeClock, byteCap int) *tab {
	surface := backend.Context()
	st := store.New(surface, store.Options{Prefix: "rhythm_", MaxSlots: 5, ByteCap: byteCap})
	coord := New(surface, st, Options{
		Prefix:           "rhythm_",
		Recovery:         30 * time.Second,
		ElectionRetries:  2,
		ElectionInterval: 10 * time.Millisecond,
		Now:              clock.Now,
	})
	return &tab{surface: surface, store: st, coord: coord}
}

func newClock() *fakeClock {
	return &fakeClock{t: time.Unix(1700000000, 0)}
}

func TestTabID(t *testing.T) {
	clock := newClock()
	backend := kv.NewMemoryBackend(kv.WithClock(clock.Now))
	a, b := newTab(backend, clock, 4000), newTab(backend, clock, 4000)

	assert.True(t, strings.HasPrefix(a.coord.ID(), "1700000000000-"))
	assert.NotEqual(t, a.coord.ID(), b.coord.ID())
}

func TestIsLastTab(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	backend := kv.NewMemoryBackend(kv.WithClock(clock.Now))
	a, b := newTab(backend, clock, 4000), newTab(backend, clock, 4000)

	require.NoError(t, a.coord.RegisterTab(ctx))
	require.NoError(t, b.coord.RegisterTab(ctx))

	last, err := a.coord.IsLastTab(ctx)
	require.NoError(t, err)
	assert.False(t, last)

	require.NoError(t, b.coord.Unregister(ctx))
	last, err = a.coord.IsLastTab(ctx)
	require.NoError(t, err)
	assert.True(t, last)
}

func TestIsLastTab_SeesLateRegistration(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	backend := kv.NewMemoryBackend(kv.WithClock(clock.Now))
	a, b := newTab(backend, clock, 4000), newTab(backend, clock, 4000)
	a.coord.opts.ElectionInterval = 50 * time.Millisecond
	require.NoError(t, a.coord.RegisterTab(ctx))

	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = b.coord.RegisterTab(ctx)
	}()

	last, err := a.coord.IsLastTab(ctx)
	require.NoError(t, err)
	assert.False(t, last)
}

func TestIsLastTab_ExpiredMarkersIgnored(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	backend := kv.NewMemoryBackend(kv.WithClock(clock.Now))
	a, crashed := newTab(backend, clock, 4000), newTab(backend, clock, 4000)
	require.NoError(t, crashed.coord.RegisterTab(ctx))

	clock.Advance(90*time.Second + time.Millisecond)
	require.NoError(t, a.coord.RegisterTab(ctx))

	last, err := a.coord.IsLastTab(ctx)
	require.NoError(t, err)
	assert.True(t, last)
}

func TestIsLastTab_UnavailableSurfaceCountsAsAlone(t *testing.T) {
	clock := newClock()
	backend := kv.NewMemoryBackend(kv.WithClock(clock.Now))
	a := newTab(backend, clock, 4000)
	backend.SetDisabled(true)

	last, err := a.coord.IsLastTab(context.Background())
	require.NoError(t, err)
	assert.True(t, last)
}

func TestIsLastTab_Canceled(t *testing.T) {
	clock := newClock()
	backend := kv.NewMemoryBackend(kv.WithClock(clock.Now))
	a := newTab(backend, clock, 4000)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	last, err := a.coord.IsLastTab(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, last)
}

func seed(t *testing.T, st *store.Store, slot int, flow string) {
	t.Helper()
	sess := &store.Session{Slot: slot, State: store.StateOpen, Start: time.Unix(1700000000, 0), Flow: flow}
	require.NoError(t, st.Persist(context.Background(), sess))
}

func TestRecordTabSwitch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	clock := newClock()
	backend := kv.NewMemoryBackend(kv.WithClock(clock.Now))
	a, b := newTab(backend, clock, 4000), newTab(backend, clock, 4000)
	seed(t, a.store, 1, "!yke~5*1a1")
	seed(t, b.store, 2, "!1bl6")

	synced := make(chan int, 4)
	require.NoError(t, a.coord.Subscribe(ctx, Handlers{OnSync: func(slot int) { synced <- slot }}))

	wrote, err := a.coord.RecordTabSwitch(ctx, 1)
	require.NoError(t, err)
	assert.False(t, wrote, "no previous tab")

	wrote, err = b.coord.RecordTabSwitch(ctx, 2)
	require.NoError(t, err)
	assert.True(t, wrote)

	sess, ok := a.store.Load(ctx, 1)
	require.True(t, ok)
	assert.Equal(t, "!yke~5*1a1@2", sess.Flow)

	select {
	case slot := <-synced:
		assert.Equal(t, 1, slot)
	case <-time.After(time.Second):
		t.Fatal("owner of slot 1 was not notified")
	}

	value, err := a.surface.Get(ctx, "rhythm_active")
	require.NoError(t, err)
	assert.Equal(t, b.coord.ID()+":2", value)
}

func TestRecordTabSwitch_NoDuplicateReference(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	backend := kv.NewMemoryBackend(kv.WithClock(clock.Now))
	a, b := newTab(backend, clock, 4000), newTab(backend, clock, 4000)
	seed(t, a.store, 1, "!yke")

	for i := 0; i < 2; i++ {
		_, err := a.coord.RecordTabSwitch(ctx, 1)
		require.NoError(t, err)
		_, err = b.coord.RecordTabSwitch(ctx, 2)
		require.NoError(t, err)
	}

	sess, ok := a.store.Load(ctx, 1)
	require.True(t, ok)
	assert.Equal(t, "!yke@2", sess.Flow)
}

func TestRecordTabSwitch_Skips(t *testing.T) {
	tests := []struct {
		name    string
		byteCap int
		closed  bool
		sameTab bool
	}{
		{name: "would exceed byte cap", byteCap: 24},
		{name: "previous session closed", byteCap: 4000, closed: true},
		{name: "same tab", byteCap: 4000, sameTab: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			clock := newClock()
			backend := kv.NewMemoryBackend(kv.WithClock(clock.Now))
			a, b := newTab(backend, clock, tt.byteCap), newTab(backend, clock, tt.byteCap)
			// "1_0_0_0_0_1700000000_0_0_0_!yke" is 31 bytes, already past
			// the smallest cap, so seed it uncapped.
			seed(t, store.New(a.surface, store.Options{Prefix: "rhythm_"}), 1, "!yke")
			if tt.closed {
				a.store.MarkClosed(ctx, 1)
			}

			_, err := a.coord.RecordTabSwitch(ctx, 1)
			require.NoError(t, err)
			next := b
			if tt.sameTab {
				next = a
			}
			wrote, err := next.coord.RecordTabSwitch(ctx, 2)
			require.NoError(t, err)
			assert.False(t, wrote)

			sess, ok := a.store.Load(ctx, 1)
			require.True(t, ok)
			assert.Equal(t, "!yke", sess.Flow)
		})
	}
}

func TestSyncFlow(t *testing.T) {
	tests := []struct {
		name   string
		local  string
		remote string
		want   string
	}{
		{"identical", "!yke~5*1a1", "!yke~5*1a1", "!yke~5*1a1"},
		{"remote extends local", "!yke~5", "!yke~5@2", "!yke~5@2"},
		{"remote is prefix", "!yke~5*1a1", "!yke~5", "!yke~5*1a1"},
		{"both diverged", "!yke~5*1a1~3*1b1", "!yke~5*1a1@2", "!yke~5*1a1~3*1b1@2"},
		{"empty local", "", "!yke", "!yke"},
		{"empty remote", "!yke", "", "!yke"},
		{"appended refs repeat local ending", "!abc@2@3", "!abc@2@3@2@3", "!abc@2@3@2@3"},
		{"appended element repeats local ending", "!abc*2div1~5*2a1", "!abc*2div1~5*2a1~5*2a1", "!abc*2div1~5*2a1~5*2a1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SyncFlow(tt.local, tt.remote)
			assert.Equal(t, tt.want, got)
			// Once the merged flow is stored it is the remote of the next merge.
			assert.Equal(t, got, SyncFlow(got, got))
		})
	}
}
