package engine

import (
	"context"

	"github.com/valyala/bytebufferpool"

	"github.com/harrison/rhythm/internal/store"
)

// BatchResult summarizes one batch pass.
type BatchResult struct {
	// Slots lists the collected slots in scan order.
	Slots []int
	// Sent counts records included in the payload.
	Sent int
	// Discarded counts records deleted without being sent.
	Discarded int
	// Payload is the newline-joined list of sent records.
	Payload string
}

// Batch collects finished sessions and hands them to the sinks. Closed
// sessions are always collected and open ones once they have been idle for
// longer than the recovery window; force collects every session including
// this tab's own. When its own session is collected the tab continues in a
// fresh one.
func (e *Engine) Batch(ctx context.Context, force bool) BatchResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	own := 0
	if e.current != nil {
		own = e.current.Slot
	}
	res := e.batch(ctx, force)
	if own != 0 && e.current == nil && e.started && !e.closed {
		e.open(ctx)
	}
	return res
}

// batch scans slots in numeric order. Every collected slot is removed,
// whatever becomes of the delivery.
func (e *Engine) batch(ctx context.Context, force bool) BatchResult {
	var res BatchResult
	now := e.opts.Now()

	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	for slot := 1; slot <= e.store.MaxSlots(); slot++ {
		own := e.current != nil && e.current.Slot == slot
		if own && !force {
			continue
		}
		sess, ok := e.store.Load(ctx, slot)
		if !ok {
			continue
		}
		if sess.State != store.StateClosed && !force && now.Sub(sess.LastTouched()) <= e.opts.Recovery {
			continue
		}
		res.Slots = append(res.Slots, slot)
		blocked := sess.State == store.StateBlocked
		sess.State = store.StateClosed
		if blocked || sess.Clicks < e.opts.ClickThreshold {
			res.Discarded++
		} else {
			if buf.Len() > 0 {
				buf.WriteByte('\n')
			}
			buf.WriteString(sess.Line())
			res.Sent++
		}
		e.store.Remove(ctx, slot)
		if own {
			e.current = nil
		}
	}

	if len(res.Slots) == 0 {
		return res
	}
	res.Payload = buf.String()
	e.opts.Metrics.Batches.Inc()
	e.opts.Metrics.SessionsSent.Add(float64(res.Sent))
	e.opts.Metrics.SessionsDiscarded.Add(float64(res.Discarded))
	e.opts.Logger.LogBatch(res.Slots, res.Sent, res.Discarded)
	if res.Payload != "" && e.opts.Dispatcher != nil {
		e.opts.Dispatcher.Deliver(ctx, res.Payload)
	}
	return res
}
