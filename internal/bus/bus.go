// Package bus carries cross-tab signals over a shared key-value surface.
//
// There are two channels, each a single well-known key:
//
//   - reset: "<sender>:<nonce>" asks every other tab to drop its session.
//   - sync:  "<slot>:<sender>:<nonce>" tells the owner of slot that another
//     tab changed its stored record.
//
// Delivery is at-most-once and unordered: a message is only seen by tabs
// watching when it is written, and a later message on the same channel can
// overwrite an earlier one before it is observed. Receivers must treat
// messages as hints and rely on periodic reconciliation for correctness.
package bus

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/harrison/rhythm/internal/kv"
)

// Kind identifies a channel.
type Kind int

const (
	// Reset is the reset-broadcast channel.
	Reset Kind = iota
	// Sync is the targeted-sync channel.
	Sync
)

// String returns a human-readable representation of the kind.
func (k Kind) String() string {
	switch k {
	case Reset:
		return "reset"
	case Sync:
		return "sync"
	default:
		return "unknown"
	}
}

// messageTTL bounds how long a signal key lingers on the surface.
const messageTTL = time.Minute

// Message is a decoded signal.
type Message struct {
	Kind   Kind
	Sender string
	Slot   int
	Nonce  string
}

// Bus publishes and receives signals for one tab.
type Bus struct {
	surface kv.Surface
	prefix  string
	self    string
}

// New creates a bus for the tab identified by self.
func New(surface kv.Surface, prefix, self string) *Bus {
	return &Bus{surface: surface, prefix: prefix, self: self}
}

func (b *Bus) resetKey() string { return b.prefix + "reset" }
func (b *Bus) syncKey() string  { return b.prefix + "sync" }

// nonce makes every write a change even when the payload repeats.
func nonce() string {
	return uuid.NewString()[:8]
}

// BroadcastReset publishes a reset signal.
func (b *Bus) BroadcastReset(ctx context.Context) error {
	value := b.self + ":" + nonce()
	if err := b.surface.Set(ctx, b.resetKey(), value, messageTTL); err != nil {
		return fmt.Errorf("broadcast reset: %w", err)
	}
	return nil
}

// Sync publishes a targeted signal for the owner of slot.
func (b *Bus) Sync(ctx context.Context, slot int) error {
	value := strconv.Itoa(slot) + ":" + b.self + ":" + nonce()
	if err := b.surface.Set(ctx, b.syncKey(), value, messageTTL); err != nil {
		return fmt.Errorf("sync slot %d: %w", slot, err)
	}
	return nil
}

// Subscribe returns the signals published by other tabs until ctx is done.
func (b *Bus) Subscribe(ctx context.Context) (<-chan Message, error) {
	changes, err := b.surface.Watch(ctx)
	if err != nil {
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	out := make(chan Message, 16)
	go func() {
		defer close(out)
		for c := range changes {
			msg, ok := b.decode(c)
			if !ok || msg.Sender == b.self {
				continue
			}
			select {
			case out <- msg:
			default:
			}
		}
	}()
	return out, nil
}

// decode turns a surface change into a message. Deletions and foreign keys
// are ignored.
func (b *Bus) decode(c kv.Change) (Message, bool) {
	if c.Deleted {
		return Message{}, false
	}
	switch c.Key {
	case b.resetKey():
		sender, n, ok := strings.Cut(c.Value, ":")
		if !ok || sender == "" {
			return Message{}, false
		}
		return Message{Kind: Reset, Sender: sender, Nonce: n}, true
	case b.syncKey():
		parts := strings.SplitN(c.Value, ":", 3)
		if len(parts) != 3 {
			return Message{}, false
		}
		slot, err := strconv.Atoi(parts[0])
		if err != nil || slot < 1 || parts[1] == "" {
			return Message{}, false
		}
		return Message{Kind: Sync, Slot: slot, Sender: parts[1], Nonce: parts[2]}, true
	}
	return Message{}, false
}
