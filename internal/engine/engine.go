// Package engine runs the session lifecycle of one tab: it resolves a slot on
// start, funnels events into the BEAT codec and the slot record, rotates on
// overflow, and flushes closed sessions to the sinks.
//
// An Engine is the explicit context of one tab. All of its methods are
// serialized; several engines may share one surface and coordinate only
// through it.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"golang.org/x/net/html"

	"github.com/harrison/rhythm/internal/beat"
	"github.com/harrison/rhythm/internal/classify"
	"github.com/harrison/rhythm/internal/coordinator"
	"github.com/harrison/rhythm/internal/kv"
	"github.com/harrison/rhythm/internal/store"
)

// ErrStarted is returned by Start on an engine that was already started.
var ErrStarted = errors.New("engine already started")

// Engine tracks one tab.
type Engine struct {
	opts  Options
	store *store.Store
	coord *coordinator.Coordinator
	codec *beat.Codec

	mu           sync.Mutex
	page         Page
	current      *store.Session
	started      bool
	closed       bool
	blocked      bool
	pendingReset bool
	cancel       context.CancelFunc
	done         chan struct{}
}

// New creates an engine on the shared surface.
func New(surface kv.Surface, opts Options) *Engine {
	opts.setDefaults()
	e := &Engine{opts: opts}
	e.store = store.New(surface, store.Options{
		Prefix:      opts.Prefix,
		MaxSlots:    opts.MaxSlots,
		ByteCap:     opts.ByteCap,
		TTL:         opts.Retention,
		DefaultSlot: opts.DefaultSlot,
		OnDegraded: func(err error) {
			e.opts.Metrics.Degraded.Inc()
			e.opts.Logger.LogDegraded(err)
		},
	})
	e.coord = coordinator.New(surface, e.store, coordinator.Options{
		Prefix:           opts.Prefix,
		Recovery:         opts.Recovery,
		Alphabet:         opts.Alphabet,
		ElectionRetries:  opts.ElectionRetries,
		ElectionInterval: opts.ElectionInterval,
		Now:              opts.Now,
	})
	e.codec = beat.New(beat.Options{
		Alphabet: opts.Alphabet,
		TickUnit: opts.TickUnit,
		Pages:    opts.Pages,
		Now:      opts.Now,
	})
	return e
}

// TabID returns the id this tab registers under.
func (e *Engine) TabID() string {
	return e.coord.ID()
}

// Store returns the slot store the engine writes through.
func (e *Engine) Store() *store.Store {
	return e.store
}

// Session returns a copy of the current session.
func (e *Engine) Session() (store.Session, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current == nil {
		return store.Session{}, false
	}
	return *e.current, true
}

// Flow returns the flow recorded so far in the current session.
func (e *Engine) Flow() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.codec.Flow()
}

// Blocked reports whether the tab resumed a blocked session, together with
// the configured redirect target.
func (e *Engine) Blocked() (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.opts.BlockedRedirect, e.blocked
}

// Start registers the tab, resolves its session and records the landing
// page. It fails only when ctx is already done.
func (e *Engine) Start(ctx context.Context, page Page) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return ErrStarted
	}
	e.started = true
	e.page = page

	if err := e.coord.RegisterTab(ctx); err != nil {
		e.opts.Logger.LogWarn(fmt.Sprintf("tab %s: %v", e.coord.ID(), err))
	}
	e.recoverOrCreate(ctx)
	if !e.blocked {
		if e.opts.Capabilities.Beat {
			e.codec.RecordPage(page.Path)
		}
		e.save(ctx)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.cancel = cancel
	if e.opts.Capabilities.TabSync {
		err := e.coord.Subscribe(runCtx, coordinator.Handlers{
			OnReset: func(string) { e.onReset() },
			OnSync:  func(slot int) { e.onSync(runCtx, slot) },
		})
		if err != nil {
			e.opts.Logger.LogWarn(fmt.Sprintf("tab %s: cross-tab messages unavailable: %v", e.coord.ID(), err))
		}
	}
	if e.opts.Heartbeat > 0 {
		e.done = make(chan struct{})
		go e.heartbeatLoop(runCtx, e.done)
	}
	return nil
}

func (e *Engine) heartbeatLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(e.opts.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Heartbeat(ctx)
		}
	}
}

// recoverOrCreate cleans up what other tabs left behind, then resumes the
// slot this tab used before a reload if it is still open, or allocates one.
func (e *Engine) recoverOrCreate(ctx context.Context) {
	e.batch(ctx, false)
	if slot, ok := e.localSlot(ctx); ok {
		if sess, ok := e.store.Restore(ctx, slot); ok {
			e.current = sess
			e.codec.Resume(sess.Flow)
			e.blocked = sess.State == store.StateBlocked
			e.opts.Metrics.SessionsResumed.Inc()
			e.opts.Logger.LogSessionOpened(slot, true)
			return
		}
	}
	e.open(ctx)
}

// open allocates a fresh session with an empty flow.
func (e *Engine) open(ctx context.Context) {
	sess := &store.Session{
		State:    store.StateOpen,
		Secure:   e.page.Secure,
		Addons:   e.opts.Capabilities.addons(),
		Device:   classify.Device(e.page.UserAgent),
		Referrer: classify.Referrer(e.page.Referrer, e.page.Host, e.opts.Referrers),
		Start:    e.opts.Now().Truncate(time.Second),
	}
	fallback := e.store.Allocate(ctx, sess, func(ctx context.Context) { e.batch(ctx, false) })
	if fallback {
		e.opts.Logger.LogWarn(fmt.Sprintf("all %d slots busy, overwriting slot %d", e.opts.MaxSlots, sess.Slot))
	}
	e.current = sess
	e.blocked = false
	e.codec.Reset()
	e.setLocalSlot(ctx, sess.Slot)
	e.opts.Metrics.SessionsOpened.Inc()
	e.opts.Logger.LogSessionOpened(sess.Slot, false)
}

func (e *Engine) localKey() string {
	return e.opts.Prefix + "slot"
}

func (e *Engine) localSlot(ctx context.Context) (int, bool) {
	value, err := e.opts.Local.Get(ctx, e.localKey())
	if err != nil {
		return 0, false
	}
	slot, err := strconv.Atoi(value)
	if err != nil || slot < 1 || slot > e.opts.MaxSlots {
		return 0, false
	}
	return slot, true
}

func (e *Engine) setLocalSlot(ctx context.Context, slot int) {
	if err := e.opts.Local.Set(ctx, e.localKey(), strconv.Itoa(slot), 0); err != nil {
		e.opts.Logger.LogDebug(fmt.Sprintf("remember slot %d: %v", slot, err))
	}
}

// save persists the current session, rotating when it no longer fits. It
// reports whether a rotation happened.
func (e *Engine) save(ctx context.Context) bool {
	if err := e.persist(ctx); errors.Is(err, store.ErrOversize) {
		e.rotate(ctx)
		return true
	}
	return false
}

// persist stores the current session with its latest duration and flow.
func (e *Engine) persist(ctx context.Context) error {
	sess := e.current
	if sess == nil {
		return nil
	}
	sess.Duration = e.opts.Now().Sub(sess.Start).Truncate(time.Second)
	if sess.Duration < 0 {
		sess.Duration = 0
	}
	if e.opts.Capabilities.Beat {
		sess.Flow = e.codec.Flow()
	}
	return e.store.Persist(ctx, sess)
}

// rotate closes the current slot, which keeps its last stored record, and
// continues in a fresh slot from an empty flow.
func (e *Engine) rotate(ctx context.Context) {
	from := e.current.Slot
	e.store.MarkClosed(ctx, from)
	e.current = nil
	e.open(ctx)
	e.opts.Metrics.Rotations.Inc()
	e.opts.Logger.LogRotation(from, e.current.Slot)
}

// active reports whether events should be recorded.
func (e *Engine) active() bool {
	return e.started && !e.closed && !e.blocked
}

// tick is the funnel for every mutating event: it applies a pending reset,
// lets record update the session and codec, then persists. An event that
// overflows the record is recorded again as the first event of the session
// the rotation opened.
func (e *Engine) tick(ctx context.Context, record func(sess *store.Session)) {
	if !e.active() {
		return
	}
	e.resolve(ctx)
	if e.current == nil {
		return
	}
	record(e.current)
	if !e.save(ctx) {
		return
	}
	record(e.current)
	if err := e.persist(ctx); errors.Is(err, store.ErrOversize) {
		// A marker that alone exceeds the cap is not recorded.
		e.codec.Reset()
		_ = e.persist(ctx)
	}
}

// Click records an activation of target.
func (e *Engine) Click(ctx context.Context, target *html.Node) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tick(ctx, func(sess *store.Session) {
		sess.Clicks++
		if !e.opts.Capabilities.Beat {
			return
		}
		if token, ok := e.opts.Elements.Token(target); ok {
			e.codec.RecordElement(token)
		}
	})
}

// Scroll counts a scroll event.
func (e *Engine) Scroll(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.opts.Capabilities.Scroll {
		return
	}
	e.tick(ctx, func(sess *store.Session) {
		sess.Scrolls++
	})
}

// Navigate records an in-page navigation to path.
func (e *Engine) Navigate(ctx context.Context, path string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.opts.Capabilities.SPA {
		return
	}
	e.tick(ctx, func(*store.Session) {
		e.page.Path = path
		if e.opts.Capabilities.Beat {
			e.codec.RecordPage(path)
		}
	})
}

// Focus marks the tab as the one the user is looking at. A reset received
// while in the background is applied here.
func (e *Engine) Focus(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.active() {
		return
	}
	e.resolve(ctx)
	if !e.opts.Capabilities.TabSync || e.current == nil {
		return
	}
	if _, err := e.coord.RecordTabSwitch(ctx, e.current.Slot); err != nil {
		e.opts.Logger.LogDebug(fmt.Sprintf("tab switch into slot %d: %v", e.current.Slot, err))
	}
}

// Blur saves the session when the tab loses focus.
func (e *Engine) Blur(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active() {
		e.save(ctx)
	}
}

// Heartbeat keeps the session's duration and the tab marker current, then
// runs a reconciliation pass. Counters and flow are left as they are.
func (e *Engine) Heartbeat(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started || e.closed {
		return
	}
	if e.current != nil {
		if !e.blocked && e.opts.Capabilities.TabSync {
			e.merge(ctx)
		}
		e.save(ctx)
	}
	if err := e.coord.Refresh(ctx); err != nil {
		e.opts.Logger.LogDebug(fmt.Sprintf("refresh tab %s: %v", e.coord.ID(), err))
	}
	e.batch(ctx, false)
}

// Block marks the current session as blocked. It stays in its slot so a
// reloaded tab is redirected instead of recorded.
func (e *Engine) Block(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.active() || e.current == nil {
		return
	}
	e.current.State = store.StateBlocked
	e.blocked = true
	e.save(ctx)
}

// End closes the current session, asks other tabs to do the same and
// continues in a fresh one.
func (e *Engine) End(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started || e.closed {
		return
	}
	e.closeCurrent(ctx)
	if e.opts.Capabilities.TabSync {
		if err := e.coord.BroadcastReset(ctx); err != nil {
			e.opts.Logger.LogDebug(fmt.Sprintf("broadcast reset: %v", err))
		}
	}
	e.pendingReset = false
	e.open(ctx)
}

func (e *Engine) closeCurrent(ctx context.Context) {
	if e.current == nil {
		return
	}
	if !e.blocked {
		e.save(ctx)
	}
	e.store.MarkClosed(ctx, e.current.Slot)
	e.current = nil
}

// Close terminates the tab. The session is saved and the tab unregistered;
// if no other tab is left the session is closed and every slot flushed.
// It fails only with ctx's error when the election is cut short.
func (e *Engine) Close(ctx context.Context) error {
	e.stopLoops()

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started || e.closed {
		return nil
	}
	e.closed = true
	if e.current != nil && !e.blocked {
		e.save(ctx)
	}
	if err := e.coord.Unregister(ctx); err != nil {
		e.opts.Logger.LogDebug(fmt.Sprintf("unregister tab %s: %v", e.coord.ID(), err))
	}
	last, err := e.coord.IsLastTab(ctx)
	if err != nil {
		return err
	}
	if !last {
		return nil
	}
	if e.current != nil && !e.blocked {
		e.store.MarkClosed(ctx, e.current.Slot)
	}
	e.batch(ctx, true)
	return nil
}

// Kill stops the tab's background work without saving or unregistering,
// the way a crashed tab disappears. Its session is left for recovery.
func (e *Engine) Kill() {
	e.stopLoops()
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
}

func (e *Engine) stopLoops() {
	e.mu.Lock()
	cancel, done := e.cancel, e.done
	e.cancel, e.done = nil, nil
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}
