package engine

import (
	"context"
	"fmt"

	"github.com/harrison/rhythm/internal/coordinator"
	"github.com/harrison/rhythm/internal/store"
)

// onReset defers the reset to the next focus or event so background tabs do
// not churn through slots.
func (e *Engine) onReset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active() {
		e.pendingReset = true
	}
}

// onSync merges another tab's change to this tab's slot.
func (e *Engine) onSync(ctx context.Context, slot int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.active() || e.current == nil || e.current.Slot != slot {
		return
	}
	e.merge(ctx)
}

// resolve applies a pending reset: the current session is closed and a
// fresh one opened.
func (e *Engine) resolve(ctx context.Context) {
	if !e.pendingReset {
		return
	}
	e.pendingReset = false
	if e.current != nil {
		e.opts.Logger.LogDebug(fmt.Sprintf("reset from another tab closes slot %d", e.current.Slot))
	}
	e.closeCurrent(ctx)
	e.open(ctx)
}

// merge folds the stored version of this tab's flow into the codec and
// stores the result. Other tabs only ever append to it, so the longest
// common prefix marks where their additions start.
func (e *Engine) merge(ctx context.Context) {
	if !e.opts.Capabilities.Beat {
		return
	}
	stored, ok := e.store.Load(ctx, e.current.Slot)
	if !ok || stored.State == store.StateClosed {
		return
	}
	local := e.codec.Flow()
	if merged := coordinator.SyncFlow(local, stored.Flow); merged != local {
		e.codec.Adopt(merged)
		e.save(ctx)
	}
}
