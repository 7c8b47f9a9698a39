package engine

import (
	"time"

	"github.com/harrison/rhythm/internal/beat"
	"github.com/harrison/rhythm/internal/classify"
	"github.com/harrison/rhythm/internal/dom"
	"github.com/harrison/rhythm/internal/kv"
	"github.com/harrison/rhythm/internal/metrics"
	"github.com/harrison/rhythm/internal/sink"
)

// Default operating parameters.
const (
	DefaultMaxSlots       = 5
	DefaultByteCap        = 4000
	DefaultRecovery       = 30 * time.Second
	DefaultClickThreshold = 1
	DefaultPrefix         = "rhythm_"
)

// Capabilities selects the optional recorders. It is resolved once when the
// engine is built.
type Capabilities struct {
	// Beat records the BEAT flow; without it only counters are kept.
	Beat bool
	// TabSync enables tab markers on the bus, tab switch references and
	// flow merging.
	TabSync bool
	// Scroll counts scroll events.
	Scroll bool
	// SPA records in-page navigations.
	SPA bool
}

// AllCapabilities enables every recorder.
func AllCapabilities() Capabilities {
	return Capabilities{Beat: true, TabSync: true, Scroll: true, SPA: true}
}

// addons packs the optional recorders into the record's addon flag.
func (c Capabilities) addons() int {
	flags := 0
	if c.TabSync {
		flags |= 1
	}
	if c.Scroll {
		flags |= 2
	}
	if c.SPA {
		flags |= 4
	}
	return flags
}

// Page describes the document the engine is started on.
type Page struct {
	Path      string
	Host      string
	Referrer  string
	UserAgent string
	Secure    bool
}

// Options configures an Engine.
type Options struct {
	// Local is the tab-private surface remembering the tab's slot across
	// reloads. A private in-memory surface is used when nil.
	Local kv.Surface

	Prefix         string
	MaxSlots       int
	ByteCap        int
	DefaultSlot    int
	Retention      time.Duration
	Recovery       time.Duration
	Heartbeat      time.Duration
	TickUnit       time.Duration
	ClickThreshold int

	// ElectionRetries and ElectionInterval tune the last-tab election.
	ElectionRetries  int
	ElectionInterval time.Duration

	BlockedRedirect string
	Referrers       classify.ReferrerTable
	Pages           map[string]string
	Elements        *dom.Mapper
	Alphabet        beat.Alphabet
	Capabilities    Capabilities

	Dispatcher *sink.Dispatcher
	Logger     Logger
	Metrics    *metrics.Metrics
	Now        func() time.Time
}

func (o *Options) setDefaults() {
	if o.Prefix == "" {
		o.Prefix = DefaultPrefix
	}
	if o.MaxSlots <= 0 {
		o.MaxSlots = DefaultMaxSlots
	}
	if o.ByteCap <= 0 {
		o.ByteCap = DefaultByteCap
	}
	if o.DefaultSlot <= 0 {
		o.DefaultSlot = 1
	}
	if o.Recovery <= 0 {
		o.Recovery = DefaultRecovery
	}
	if o.ElectionRetries == 0 {
		o.ElectionRetries = 2
	}
	if o.Alphabet == (beat.Alphabet{}) {
		o.Alphabet = beat.DefaultAlphabet()
	}
	if o.Local == nil {
		o.Local = kv.NewMemoryBackend().Context()
	}
	if o.Logger == nil {
		o.Logger = nopLogger{}
	}
	if o.Metrics == nil {
		o.Metrics = metrics.New(nil)
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Logger receives engine events.
type Logger interface {
	LogSessionOpened(slot int, resumed bool)
	LogRotation(from, to int)
	LogBatch(slots []int, sent, discarded int)
	LogDegraded(err error)
	LogDebug(message string)
	LogWarn(message string)
}

type nopLogger struct{}

func (nopLogger) LogSessionOpened(int, bool) {}
func (nopLogger) LogRotation(int, int) {}
func (nopLogger) LogBatch([]int, int, int) {}
func (nopLogger) LogDegraded(error) {}
func (nopLogger) LogDebug(string) {}
func (nopLogger) LogWarn(string) {}
