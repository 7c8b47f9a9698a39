package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrison/rhythm/internal/kv"
)

func receive(t *testing.T, ch <-chan Message) Message {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(time.Second):
		t.Fatal("no message received")
		return Message{}
	}
}

func TestResetAndSync(t *testing.T) {
	backend := kv.NewMemoryBackend()
	a := New(backend.Context(), "rhythm_", "tab-a")
	b := New(backend.Context(), "rhythm_", "tab-b")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	msgs, err := b.Subscribe(ctx)
	require.NoError(t, err)

	require.NoError(t, a.BroadcastReset(ctx))
	msg := receive(t, msgs)
	assert.Equal(t, Reset, msg.Kind)
	assert.Equal(t, "tab-a", msg.Sender)
	assert.Len(t, msg.Nonce, 8)

	require.NoError(t, a.Sync(ctx, 3))
	msg = receive(t, msgs)
	assert.Equal(t, Sync, msg.Kind)
	assert.Equal(t, 3, msg.Slot)
	assert.Equal(t, "tab-a", msg.Sender)
}

func TestRepeatedSignalsAreDistinctWrites(t *testing.T) {
	backend := kv.NewMemoryBackend()
	a := New(backend.Context(), "rhythm_", "tab-a")
	b := New(backend.Context(), "rhythm_", "tab-b")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	msgs, err := b.Subscribe(ctx)
	require.NoError(t, err)

	require.NoError(t, a.Sync(ctx, 2))
	require.NoError(t, a.Sync(ctx, 2))
	first, second := receive(t, msgs), receive(t, msgs)
	assert.NotEqual(t, first.Nonce, second.Nonce)
}

func TestOwnMessagesIgnored(t *testing.T) {
	// A file-style surface reports the writer's own changes; the bus must
	// filter them by sender.
	surface := kv.NewMemoryBackend().Context()
	a := New(surface, "rhythm_", "tab-a")

	msg, ok := a.decode(kv.Change{Key: "rhythm_reset", Value: "tab-a:1234abcd"})
	require.True(t, ok)
	assert.Equal(t, "tab-a", msg.Sender)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	msgs, err := a.Subscribe(ctx)
	require.NoError(t, err)
	require.NoError(t, a.BroadcastReset(ctx))
	select {
	case m := <-msgs:
		t.Fatalf("unexpected own message %+v", m)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDecode(t *testing.T) {
	b := New(nil, "rhythm_", "tab-b")
	tests := []struct {
		name   string
		change kv.Change
		ok     bool
	}{
		{"reset", kv.Change{Key: "rhythm_reset", Value: "tab-a:n"}, true},
		{"sync", kv.Change{Key: "rhythm_sync", Value: "2:tab-a:n"}, true},
		{"deleted", kv.Change{Key: "rhythm_reset", Deleted: true}, false},
		{"foreign key", kv.Change{Key: "rhythm_1", Value: "1_0_0_0_0_0_0_0_0_"}, false},
		{"reset without sender", kv.Change{Key: "rhythm_reset", Value: ":n"}, false},
		{"sync bad slot", kv.Change{Key: "rhythm_sync", Value: "x:tab-a:n"}, false},
		{"sync zero slot", kv.Change{Key: "rhythm_sync", Value: "0:tab-a:n"}, false},
		{"sync short", kv.Change{Key: "rhythm_sync", Value: "2:tab-a"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok := b.decode(tt.change)
			assert.Equal(t, tt.ok, ok)
		})
	}
}
