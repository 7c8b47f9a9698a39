package kv

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testSurfaceContract exercises the behaviour every backend shares.
func testSurfaceContract(t *testing.T, s Surface, maxValue int) {
	t.Helper()
	ctx := context.Background()

	_, err := s.Get(ctx, "rhythm_1")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Set(ctx, "rhythm_1", "1_0_0_0_0_1700000000_0_0_0_", time.Hour))
	require.NoError(t, s.Set(ctx, "rhythm_2", "1_0_0_0_0_1700000000_0_0_0_!yke", 0))
	require.NoError(t, s.Set(ctx, "rhythm_tab_a", "1700000000000", time.Hour))
	require.NoError(t, s.Set(ctx, "other", "x", 0))

	got, err := s.Get(ctx, "rhythm_2")
	require.NoError(t, err)
	assert.Equal(t, "1_0_0_0_0_1700000000_0_0_0_!yke", got)

	keys, err := s.Keys(ctx, "rhythm_")
	require.NoError(t, err)
	assert.Equal(t, []string{"rhythm_1", "rhythm_2", "rhythm_tab_a"}, keys)

	keys, err = s.Keys(ctx, "rhythm_tab_")
	require.NoError(t, err)
	assert.Equal(t, []string{"rhythm_tab_a"}, keys)

	require.NoError(t, s.Delete(ctx, "rhythm_1"))
	_, err = s.Get(ctx, "rhythm_1")
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, s.Delete(ctx, "rhythm_1"), "deleting an absent key is not an error")

	err = s.Set(ctx, "rhythm_3", strings.Repeat("x", maxValue+1), 0)
	assert.ErrorIs(t, err, ErrQuota)
	require.NoError(t, s.Set(ctx, "rhythm_3", strings.Repeat("x", maxValue), 0))
}

func TestMemory_Contract(t *testing.T) {
	b := NewMemoryBackend(WithMaxValueSize(128))
	testSurfaceContract(t, b.Context(), 128)
}

func TestMemory_TTL(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	b := NewMemoryBackend(WithClock(func() time.Time { return now }))
	s := b.Context()
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k", "v", time.Minute))
	now = now.Add(59 * time.Second)
	_, err := s.Get(ctx, "k")
	require.NoError(t, err)

	now = now.Add(time.Second)
	_, err = s.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Zero(t, b.Len())
}

func TestMemory_WatchSkipsOwnWrites(t *testing.T) {
	b := NewMemoryBackend()
	tabA, tabB := b.Context(), b.Context()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changesA, err := tabA.Watch(ctx)
	require.NoError(t, err)
	changesB, err := tabB.Watch(ctx)
	require.NoError(t, err)

	require.NoError(t, tabA.Set(ctx, "rhythm_reset", "a:1", 0))

	select {
	case c := <-changesB:
		assert.Equal(t, Change{Key: "rhythm_reset", Value: "a:1"}, c)
	case <-time.After(time.Second):
		t.Fatal("tab B did not observe tab A's write")
	}
	select {
	case c := <-changesA:
		t.Fatalf("tab A observed its own write: %+v", c)
	default:
	}

	require.NoError(t, tabB.Delete(ctx, "rhythm_reset"))
	c := <-changesA
	assert.True(t, c.Deleted)
}

func TestMemory_WatchClosesOnCancel(t *testing.T) {
	b := NewMemoryBackend()
	ctx, cancel := context.WithCancel(context.Background())
	changes, err := b.Context().Watch(ctx)
	require.NoError(t, err)

	cancel()
	assert.Eventually(t, func() bool {
		_, open := <-changes
		return !open
	}, time.Second, 10*time.Millisecond)
}

func TestMemory_Disabled(t *testing.T) {
	b := NewMemoryBackend()
	s := b.Context()
	ctx := context.Background()
	b.SetDisabled(true)

	assert.ErrorIs(t, s.Set(ctx, "k", "v", 0), ErrUnavailable)
	_, err := s.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrUnavailable)
	_, err = s.Keys(ctx, "")
	assert.ErrorIs(t, err, ErrUnavailable)

	b.SetDisabled(false)
	assert.NoError(t, s.Set(ctx, "k", "v", 0))
}

func TestFile_Contract(t *testing.T) {
	s, err := NewFile(t.TempDir(), 128)
	require.NoError(t, err)
	testSurfaceContract(t, s, 128)
}

func TestFile_TTL(t *testing.T) {
	s, err := NewFile(t.TempDir(), 0)
	require.NoError(t, err)
	now := time.Now()
	s.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "rhythm_tab_x", "1", time.Second))
	now = now.Add(2 * time.Second)

	_, err = s.Get(ctx, "rhythm_tab_x")
	assert.ErrorIs(t, err, ErrNotFound)
	_, statErr := os.Stat(filepath.Join(s.Dir(), "rhythm_tab_x"))
	assert.True(t, os.IsNotExist(statErr), "expired record should be removed")
}

func TestFile_KeysSkipLockAndTempFiles(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFile(dir, 0)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "rhythm_1", "v", 0))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".tmp-999"), []byte("0\nx"), 0644))

	keys, err := s.Keys(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"rhythm_1"}, keys)
}

func TestFile_WatchAcrossHandles(t *testing.T) {
	dir := t.TempDir()
	writer, err := NewFile(dir, 0)
	require.NoError(t, err)
	reader, err := NewFile(dir, 0)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	changes, err := reader.Watch(ctx)
	require.NoError(t, err)

	require.NoError(t, writer.Set(ctx, "rhythm_sync", "2:tab-a:1", 0))

	deadline := time.After(2 * time.Second)
	for {
		select {
		case c := <-changes:
			if c.Key == "rhythm_sync" && !c.Deleted {
				assert.Equal(t, "2:tab-a:1", c.Value)
				return
			}
		case <-deadline:
			t.Fatal("no change observed for rhythm_sync")
		}
	}
}

func TestSQLite_Contract(t *testing.T) {
	s, err := NewSQLite(filepath.Join(t.TempDir(), "surface.db"), 128)
	require.NoError(t, err)
	defer s.Close()
	testSurfaceContract(t, s, 128)
}

func TestSQLite_TTL(t *testing.T) {
	s, err := NewSQLite(":memory:", 0)
	require.NoError(t, err)
	defer s.Close()
	now := time.Now()
	s.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "rhythm_tab_x", "1", time.Second))
	keys, err := s.Keys(ctx, "rhythm_tab_")
	require.NoError(t, err)
	assert.Len(t, keys, 1)

	now = now.Add(2 * time.Second)
	keys, err = s.Keys(ctx, "rhythm_tab_")
	require.NoError(t, err)
	assert.Empty(t, keys)
	_, err = s.Get(ctx, "rhythm_tab_x")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLite_WatchAcrossHandles(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "surface.db")
	tabA, err := NewSQLite(dbPath, 0)
	require.NoError(t, err)
	defer tabA.Close()
	tabB, err := NewSQLite(dbPath, 0)
	require.NoError(t, err)
	defer tabB.Close()
	tabB.SetPollInterval(10 * time.Millisecond)
	tabA.SetPollInterval(10 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	changesA, err := tabA.Watch(ctx)
	require.NoError(t, err)
	changesB, err := tabB.Watch(ctx)
	require.NoError(t, err)

	require.NoError(t, tabA.Set(ctx, "rhythm_reset", "a:1", 0))
	require.NoError(t, tabA.Delete(ctx, "rhythm_reset"))

	select {
	case c := <-changesB:
		assert.Equal(t, Change{Key: "rhythm_reset", Value: "a:1"}, c)
	case <-time.After(2 * time.Second):
		t.Fatal("tab B did not observe tab A's write")
	}
	select {
	case c := <-changesB:
		assert.True(t, c.Deleted)
	case <-time.After(2 * time.Second):
		t.Fatal("tab B did not observe tab A's delete")
	}

	time.Sleep(50 * time.Millisecond)
	select {
	case c := <-changesA:
		t.Fatalf("tab A observed its own write: %+v", c)
	default:
	}
}

func TestRedis_DecodeChange(t *testing.T) {
	r := NewRedisWithClient(redis.NewClient(&redis.Options{Addr: "localhost:0"}), "", 0)
	defer r.Close()

	c, ok := r.decodeChange("other\x00set\x00rhythm_1\x001_0_0_0_0_1_0_0_0_!a\x00b")
	require.True(t, ok)
	assert.Equal(t, Change{Key: "rhythm_1", Value: "1_0_0_0_0_1_0_0_0_!a\x00b"}, c)

	c, ok = r.decodeChange("other\x00del\x00rhythm_1\x00")
	require.True(t, ok)
	assert.True(t, c.Deleted)

	_, ok = r.decodeChange(r.origin + "\x00set\x00rhythm_1\x00v")
	assert.False(t, ok, "own writes are skipped")

	_, ok = r.decodeChange("garbage")
	assert.False(t, ok)
}

func TestEscapeGlob(t *testing.T) {
	assert.Equal(t, `rhythm_`, escapeGlob("rhythm_"))
	assert.Equal(t, `a\*b\?\[c\]`, escapeGlob("a*b?[c]"))
}

func TestRedis_Contract(t *testing.T) {
	url := os.Getenv("RHYTHM_REDIS_URL")
	if url == "" {
		t.Skip("RHYTHM_REDIS_URL not set")
	}
	ctx := context.Background()
	s, err := NewRedis(ctx, url, "rhythm:test:changes", 128)
	require.NoError(t, err)
	defer s.Close()

	for _, key := range []string{"rhythm_1", "rhythm_2", "rhythm_3", "rhythm_tab_a", "other"} {
		s.client.Del(ctx, key)
	}
	testSurfaceContract(t, s, 128)
}
