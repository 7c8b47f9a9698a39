// Package coordinator implements advisory coordination between tabs that
// share one key-value surface. Nothing here is a lock: every decision may be
// invalidated by a concurrent writer and is repaired by later batch passes
// and flow merges.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/harrison/rhythm/internal/beat"
	"github.com/harrison/rhythm/internal/bus"
	"github.com/harrison/rhythm/internal/kv"
	"github.com/harrison/rhythm/internal/store"
)

// Default election parameters.
const (
	DefaultElectionRetries  = 2
	DefaultElectionInterval = 120 * time.Millisecond
)

// errAlone keeps the election retrying while no other tab marker is seen.
var errAlone = errors.New("no other tab registered")

// Options configures a Coordinator.
type Options struct {
	Prefix string
	// Recovery is the recovery window; tab markers live three times as long.
	Recovery         time.Duration
	Alphabet         beat.Alphabet
	ElectionRetries  int
	ElectionInterval time.Duration
	Now              func() time.Time
}

// Handlers receive bus messages from other tabs.
type Handlers struct {
	OnReset func(sender string)
	OnSync  func(slot int)
}

// Coordinator is one tab's view of the shared tab registry.
type Coordinator struct {
	surface kv.Surface
	store   *store.Store
	bus     *bus.Bus
	opts    Options
	id      string
}

// New creates a coordinator with a fresh tab id. The tab is not visible to
// others until RegisterTab.
func New(surface kv.Surface, st *store.Store, opts Options) *Coordinator {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Alphabet == (beat.Alphabet{}) {
		opts.Alphabet = beat.DefaultAlphabet()
	}
	if opts.ElectionRetries < 0 {
		opts.ElectionRetries = 0
	}
	if opts.ElectionInterval <= 0 {
		opts.ElectionInterval = DefaultElectionInterval
	}
	id := strconv.FormatInt(opts.Now().UnixMilli(), 10) + "-" + uuid.NewString()
	return &Coordinator{
		surface: surface,
		store:   st,
		bus:     bus.New(surface, opts.Prefix, id),
		opts:    opts,
		id:      id,
	}
}

// ID returns the tab id.
func (c *Coordinator) ID() string {
	return c.id
}

func (c *Coordinator) tabPrefix() string { return c.opts.Prefix + "tab_" }
func (c *Coordinator) tabKey() string    { return c.tabPrefix() + c.id }
func (c *Coordinator) activeKey() string { return c.opts.Prefix + "active" }

func (c *Coordinator) markerTTL() time.Duration {
	return 3 * c.opts.Recovery
}

// RegisterTab writes this tab's marker.
func (c *Coordinator) RegisterTab(ctx context.Context) error {
	return c.Refresh(ctx)
}

// Refresh rewrites the tab marker with the current time.
func (c *Coordinator) Refresh(ctx context.Context) error {
	value := strconv.FormatInt(c.opts.Now().UnixMilli(), 10)
	if err := c.surface.Set(ctx, c.tabKey(), value, c.markerTTL()); err != nil {
		return fmt.Errorf("write tab marker: %w", err)
	}
	return nil
}

// Unregister removes this tab's marker.
func (c *Coordinator) Unregister(ctx context.Context) error {
	if err := c.surface.Delete(ctx, c.tabKey()); err != nil {
		return fmt.Errorf("remove tab marker: %w", err)
	}
	return nil
}

// IsLastTab reports whether no other tab marker exists. Another marker ends
// the election at once; an empty registry is re-checked ElectionRetries times,
// ElectionInterval apart, to give a reloading tab time to register again.
// Unreadable registries count as empty.
func (c *Coordinator) IsLastTab(ctx context.Context) (bool, error) {
	var b backoff.BackOff = backoff.NewConstantBackOff(c.opts.ElectionInterval)
	b = backoff.WithMaxRetries(b, uint64(c.opts.ElectionRetries))
	b = backoff.WithContext(b, ctx)

	err := backoff.Retry(func() error {
		keys, err := c.surface.Keys(ctx, c.tabPrefix())
		if err != nil {
			return errAlone
		}
		for _, k := range keys {
			if k != c.tabKey() {
				return nil
			}
		}
		return errAlone
	}, b)
	if err == nil {
		return false, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return false, ctxErr
	}
	return true, nil
}

// BroadcastReset asks every other tab to drop its session.
func (c *Coordinator) BroadcastReset(ctx context.Context) error {
	return c.bus.BroadcastReset(ctx)
}

// RecordTabSwitch notes that this tab, recording into ownSlot, took over from
// whichever tab held focus before. The previous tab's stored flow gets a
// reference to ownSlot appended, unless it already ends with one or would
// outgrow the byte cap, and its owner is told to merge. It reports whether
// a reference was written.
func (c *Coordinator) RecordTabSwitch(ctx context.Context, ownSlot int) (bool, error) {
	written := false
	if prev, ok := c.active(ctx); ok && prev.tab != c.id && prev.slot != ownSlot {
		ref := beat.Encode([]beat.Unit{{Kind: beat.KindTabRef, Token: strconv.Itoa(ownSlot)}}, c.opts.Alphabet)
		sess, found := c.store.Load(ctx, prev.slot)
		if found && sess.State != store.StateClosed && !strings.HasSuffix(sess.Flow, ref) {
			sess.Flow += ref
			if err := c.store.Persist(ctx, sess); err == nil {
				written = true
				if err := c.bus.Sync(ctx, prev.slot); err != nil {
					return written, err
				}
			}
		}
	}
	value := c.id + ":" + strconv.Itoa(ownSlot)
	if err := c.surface.Set(ctx, c.activeKey(), value, c.markerTTL()); err != nil {
		return written, fmt.Errorf("write active record: %w", err)
	}
	return written, nil
}

type activeRecord struct {
	tab  string
	slot int
}

func (c *Coordinator) active(ctx context.Context) (activeRecord, bool) {
	value, err := c.surface.Get(ctx, c.activeKey())
	if err != nil {
		return activeRecord{}, false
	}
	i := strings.LastIndexByte(value, ':')
	if i <= 0 {
		return activeRecord{}, false
	}
	slot, err := strconv.Atoi(value[i+1:])
	if err != nil || slot < 1 {
		return activeRecord{}, false
	}
	return activeRecord{tab: value[:i], slot: slot}, true
}

// Subscribe routes bus messages from other tabs to h until ctx is done.
func (c *Coordinator) Subscribe(ctx context.Context, h Handlers) error {
	msgs, err := c.bus.Subscribe(ctx)
	if err != nil {
		return err
	}
	go func() {
		for msg := range msgs {
			switch msg.Kind {
			case bus.Reset:
				if h.OnReset != nil {
					h.OnReset(msg.Sender)
				}
			case bus.Sync:
				if h.OnSync != nil {
					h.OnSync(msg.Slot)
				}
			}
		}
	}()
	return nil
}

// SyncFlow merges a remote version of a flow into the local one: the remote
// suffix past the longest common prefix is appended to local. A remote that
// is a prefix of local adds nothing. Callers persist the result, so the next
// merge compares against it.
func SyncFlow(local, remote string) string {
	n := min(len(local), len(remote))
	i := 0
	for i < n && local[i] == remote[i] {
		i++
	}
	if i == len(remote) {
		return local
	}
	return local + remote[i:]
}
