package beat

import (
	"strconv"
	"time"
)

// DefaultTickUnit is the default duration of one tick.
const DefaultTickUnit = 100 * time.Millisecond

// Options configures a Codec.
type Options struct {
	Alphabet Alphabet
	TickUnit time.Duration
	// Pages maps paths to literal tokens used instead of hashes.
	Pages map[string]string
	// Now is the clock; defaults to time.Now.
	Now func() time.Time
}

// Codec incrementally encodes the behavioral trace of one session.
// It is not safe for concurrent use.
type Codec struct {
	alpha Alphabet
	unit  time.Duration
	pages map[string]string
	now   func() time.Time

	last  time.Time
	units []Unit
	table *PageTable
}

// New creates a Codec whose clock starts now.
func New(opts Options) *Codec {
	if opts.TickUnit <= 0 {
		opts.TickUnit = DefaultTickUnit
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Alphabet == (Alphabet{}) {
		opts.Alphabet = DefaultAlphabet()
	}
	c := &Codec{
		alpha: opts.Alphabet,
		unit:  opts.TickUnit,
		pages: opts.Pages,
		now:   opts.Now,
	}
	c.Reset()
	return c
}

// Alphabet returns the codec's marker set.
func (c *Codec) Alphabet() Alphabet {
	return c.alpha
}

// Reset discards the flow and the page table and restarts the clock.
func (c *Codec) Reset() {
	c.units = nil
	c.table = NewPageTable()
	for path, token := range c.pages {
		c.table.Bind(path, token)
	}
	c.last = c.now()
}

// Resume replaces the codec state with a persisted flow. Page tokens found in
// the flow are reserved so newly recorded paths never reuse them.
func (c *Codec) Resume(flow string) {
	c.Reset()
	c.units, _ = Decode(flow, c.alpha)
	for _, u := range c.units {
		if u.Kind == KindPage {
			c.table.Reserve(u.Token)
		}
	}
}

// Adopt replaces the recorded units with those decoded from flow while
// keeping the clock and the page table. It is used to merge a flow another
// tab extended.
func (c *Codec) Adopt(flow string) {
	c.units, _ = Decode(flow, c.alpha)
	for _, u := range c.units {
		if u.Kind == KindPage {
			c.table.Reserve(u.Token)
		}
	}
}

// RecordTime appends the ticks elapsed since the last recorded event and
// returns their count. Nothing is appended below one tick; the remainder is
// carried to the next call so ticks are never lost or counted twice.
func (c *Codec) RecordTime() int {
	now := c.now()
	elapsed := now.Sub(c.last)
	if elapsed < 0 {
		c.last = now
		return 0
	}
	ticks := int(elapsed / c.unit)
	if ticks < 1 {
		return 0
	}
	c.last = c.last.Add(time.Duration(ticks) * c.unit)
	c.units = append(c.units, Unit{Kind: KindTime, Ticks: ticks})
	return ticks
}

// RecordPage records a page view and returns its token.
func (c *Codec) RecordPage(path string) string {
	c.RecordTime()
	token, ok := c.pages[path]
	if !ok {
		token = c.table.Assign(path, HashToken(path), c.alpha.Loop)
	}
	c.fold(Unit{Kind: KindPage, Token: token})
	return token
}

// RecordElement records an element activation with a precomputed token.
func (c *Codec) RecordElement(token string) {
	c.RecordTime()
	c.fold(Unit{Kind: KindElement, Token: token})
}

// RecordTabRef appends a reference to another tab's slot. It does not touch
// the clock.
func (c *Codec) RecordTabRef(slot int) {
	c.units = append(c.units, Unit{Kind: KindTabRef, Token: strconv.Itoa(slot)})
}

// fold appends a marker, merging it into the marker two units back when the
// two are separated only by a time unit.
func (c *Codec) fold(u Unit) {
	if n := len(c.units); n >= 2 {
		gap, prev := c.units[n-1], &c.units[n-2]
		if gap.Kind == KindTime && prev.Kind == u.Kind && prev.Token == u.Token {
			prev.Repeats = append(prev.Repeats, gap.Ticks)
			c.units = c.units[:n-1]
			return
		}
	}
	c.units = append(c.units, u)
}

// Flow returns the serialized trace.
func (c *Codec) Flow() string {
	return Encode(c.units, c.alpha)
}

// Units returns a copy of the recorded units.
func (c *Codec) Units() []Unit {
	out := make([]Unit, len(c.units))
	copy(out, c.units)
	return out
}

// Lookup resolves a page token recorded in this session back to its path.
func (c *Codec) Lookup(token string) (string, bool) {
	return c.table.Lookup(token)
}
