package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/andybalholm/cascadia"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"
	"golang.org/x/net/html"
	"gopkg.in/yaml.v3"

	"github.com/harrison/rhythm/internal/config"
	"github.com/harrison/rhythm/internal/engine"
	"github.com/harrison/rhythm/internal/kv"
	"github.com/harrison/rhythm/internal/logger"
)

// defaultScriptStart is the simulated wall clock at offset 0.
var defaultScriptStart = time.Unix(1700000000, 0).UTC()

// Script describes a browsing session across several tabs.
type Script struct {
	// HTML is the document every tab shows; click targets are CSS selectors into it
	HTML string `yaml:"html"`

	// Start is the RFC3339 time of offset 0
	Start string `yaml:"start"`

	Tabs []ScriptTab `yaml:"tabs"`
}

// ScriptTab is one tab of a script. Tabs sharing Local share their private
// storage, which is how a reload is expressed: kill one tab and open
// another with the same Local.
type ScriptTab struct {
	Name      string        `yaml:"name"`
	Local     string        `yaml:"local"`
	At        string        `yaml:"at"`
	Path      string        `yaml:"path"`
	Host      string        `yaml:"host"`
	Referrer  string        `yaml:"referrer"`
	UserAgent string        `yaml:"user_agent"`
	Secure    bool          `yaml:"secure"`
	Events    []ScriptEvent `yaml:"events"`
}

// ScriptEvent is one event at an offset from the script start.
type ScriptEvent struct {
	At     string `yaml:"at"`
	Do     string `yaml:"do"`
	Target string `yaml:"target"`
	Path   string `yaml:"path"`
}

// step is a parsed event bound to its tab.
type step struct {
	at     time.Duration
	tab    int
	do     string
	target cascadia.Sel
	path   string
}

var scriptActions = map[string]bool{
	"open": true, "click": true, "scroll": true, "navigate": true,
	"focus": true, "blur": true, "heartbeat": true, "block": true,
	"end": true, "batch": true, "flush": true, "close": true, "kill": true,
}

// LoadScript reads and parses a simulation script.
func LoadScript(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read script: %w", err)
	}
	var s Script
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse script: %w", err)
	}
	return &s, nil
}

// steps flattens the script into time order. Events at the same offset keep
// their script order, and each tab opens before its own events.
func (s *Script) steps() ([]step, error) {
	var out []step
	for i, tab := range s.Tabs {
		name := tab.label(i)
		if tab.Path == "" {
			return nil, fmt.Errorf("tab %s: path is required", name)
		}
		openAt, err := parseOffset(tab.At)
		if err != nil {
			return nil, fmt.Errorf("tab %s: %w", name, err)
		}
		out = append(out, step{at: openAt, tab: i, do: "open"})
		for j, ev := range tab.Events {
			at, err := parseOffset(ev.At)
			if err != nil {
				return nil, fmt.Errorf("tab %s event %d: %w", name, j+1, err)
			}
			if at < openAt {
				return nil, fmt.Errorf("tab %s event %d: at %v is before the tab opens", name, j+1, at)
			}
			if !scriptActions[ev.Do] || ev.Do == "open" {
				return nil, fmt.Errorf("tab %s event %d: unknown action %q", name, j+1, ev.Do)
			}
			st := step{at: at, tab: i, do: ev.Do, path: ev.Path}
			switch ev.Do {
			case "click":
				st.target, err = cascadia.Parse(ev.Target)
				if err != nil {
					return nil, fmt.Errorf("tab %s event %d: invalid target %q: %w", name, j+1, ev.Target, err)
				}
			case "navigate":
				if ev.Path == "" {
					return nil, fmt.Errorf("tab %s event %d: navigate needs a path", name, j+1)
				}
			}
			out = append(out, st)
		}
	}
	sort.SliceStable(out, func(a, b int) bool { return out[a].at < out[b].at })
	return out, nil
}

func (t ScriptTab) label(i int) string {
	if t.Name != "" {
		return t.Name
	}
	return fmt.Sprintf("#%d", i+1)
}

func parseOffset(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid offset %q: %w", s, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("negative offset %q", s)
	}
	return d, nil
}

// simClock is the clock every simulated tab reads.
type simClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *simClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *simClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

// NewSimulateCommand creates the simulate command
func NewSimulateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "simulate <script.yaml>",
		Short: "Replay a scripted multi-tab session",
		Long: `Replay the tabs of a YAML script against the configured surface with a
simulated clock, and print every payload the tabs send.

Actions: click (target: CSS selector), scroll, navigate (path), focus, blur,
heartbeat, block, end, batch, flush (forced batch), close, kill. Tabs still open when the script
ends are closed in order unless --leave-open is set.

Example script:
  html: <html><body><button id="buy">Buy</button></body></html>
  tabs:
    - name: shop
      path: /products/laptop
      referrer: https://www.google.com/
      events:
        - {at: 2s, do: click, target: "#buy"}
        - {at: 5s, do: close}`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			script, err := LoadScript(args[0])
			if err != nil {
				return err
			}
			leaveOpen, _ := cmd.Flags().GetBool("leave-open")
			settle, _ := cmd.Flags().GetDuration("settle")
			showMetrics, _ := cmd.Flags().GetBool("metrics")
			return runSimulation(cmd.Context(), cfg, script, simulateOptions{
				out:       cmd.OutOrStdout(),
				diag:      cmd.ErrOrStderr(),
				leaveOpen: leaveOpen,
				settle:    settle,
				metrics:   showMetrics,
			})
		},
	}

	cmd.Flags().Bool("leave-open", false, "Do not close the tabs still open at the end")
	cmd.Flags().Duration("settle", 10*time.Millisecond, "Real time to wait after each event for cross-tab messages")
	cmd.Flags().Bool("metrics", false, "Print engine counters after the run")

	return cmd
}

type simulateOptions struct {
	out       io.Writer
	diag      io.Writer
	leaveOpen bool
	settle    time.Duration
	metrics   bool
}

// tabState is one running tab of a simulation.
type tabState struct {
	engine *engine.Engine
	open   bool
}

func runSimulation(ctx context.Context, cfg *config.Config, script *Script, o simulateOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	steps, err := script.steps()
	if err != nil {
		return err
	}
	doc, err := html.Parse(strings.NewReader(script.HTML))
	if err != nil {
		return fmt.Errorf("failed to parse script html: %w", err)
	}
	start := defaultScriptStart
	if script.Start != "" {
		start, err = time.Parse(time.RFC3339, script.Start)
		if err != nil {
			return fmt.Errorf("invalid script start %q: %w", script.Start, err)
		}
	}

	clock := &simClock{t: start}
	log, closeLog, err := buildLogger(cfg, o.diag, clock.Now)
	if err != nil {
		return err
	}
	defer closeLog()
	m, reg := newMetrics()
	dispatcher, err := buildDispatcher(cfg, o.out, m, log)
	if err != nil {
		return err
	}
	defer dispatcher.Close()

	opts, err := engineOptions(cfg)
	if err != nil {
		return err
	}
	// Heartbeats are script events; a real ticker would ignore the simulated clock.
	opts.Heartbeat = 0
	opts.Dispatcher = dispatcher
	opts.Logger = log
	opts.Metrics = m
	opts.Now = clock.Now

	handles := newSurfaces(cfg, clock.Now)
	defer handles.Close()
	locals := make(map[string]*kv.MemoryBackend)
	tabs := make([]tabState, len(script.Tabs))

	for _, st := range steps {
		clock.Set(start.Add(st.at))
		tab := &tabs[st.tab]
		def := script.Tabs[st.tab]
		name := def.label(st.tab)

		if st.do == "open" {
			surface, err := handles.Open(ctx)
			if err != nil {
				return fmt.Errorf("tab %s: %w", name, err)
			}
			localName := def.Local
			if localName == "" {
				localName = name
			}
			if locals[localName] == nil {
				locals[localName] = kv.NewMemoryBackend()
			}
			tabOpts := opts
			tabOpts.Local = locals[localName].Context()
			tab.engine = engine.New(surface, tabOpts)
			err = tab.engine.Start(ctx, engine.Page{
				Path:      def.Path,
				Host:      def.Host,
				Referrer:  def.Referrer,
				UserAgent: def.UserAgent,
				Secure:    def.Secure,
			})
			if err != nil {
				return fmt.Errorf("tab %s: %w", name, err)
			}
			tab.open = true
			if redirect, blocked := tab.engine.Blocked(); blocked {
				log.LogWarn(fmt.Sprintf("tab %s is blocked, redirecting to %q", name, redirect))
			}
		} else if tab.open {
			if err := applyStep(ctx, tab, st, doc, log, name); err != nil {
				return err
			}
		}
		if o.settle > 0 {
			time.Sleep(o.settle)
		}
	}

	if !o.leaveOpen {
		for i := range tabs {
			if !tabs[i].open {
				continue
			}
			if err := tabs[i].engine.Close(ctx); err != nil {
				return fmt.Errorf("close tab %s: %w", script.Tabs[i].label(i), err)
			}
			tabs[i].open = false
		}
	} else {
		for i := range tabs {
			if tabs[i].open {
				tabs[i].engine.Kill()
			}
		}
	}
	dispatcher.Wait()

	if o.metrics {
		families, err := reg.Gather()
		if err != nil {
			return err
		}
		enc := expfmt.NewEncoder(o.diag, expfmt.NewFormat(expfmt.TypeTextPlain))
		for _, mf := range families {
			if err := enc.Encode(mf); err != nil {
				return err
			}
		}
	}
	return nil
}

func applyStep(ctx context.Context, tab *tabState, st step, doc *html.Node, log logger.Logger, name string) error {
	e := tab.engine
	switch st.do {
	case "click":
		target := cascadia.Query(doc, st.target)
		if target == nil {
			log.LogWarn(fmt.Sprintf("tab %s: click target matches nothing", name))
		}
		e.Click(ctx, target)
	case "scroll":
		e.Scroll(ctx)
	case "navigate":
		e.Navigate(ctx, st.path)
	case "focus":
		e.Focus(ctx)
	case "blur":
		e.Blur(ctx)
	case "heartbeat":
		e.Heartbeat(ctx)
	case "block":
		e.Block(ctx)
	case "end":
		e.End(ctx)
	case "batch":
		e.Batch(ctx, false)
	case "flush":
		e.Batch(ctx, true)
	case "close":
		tab.open = false
		if err := e.Close(ctx); err != nil {
			return fmt.Errorf("close tab %s: %w", name, err)
		}
	case "kill":
		tab.open = false
		e.Kill()
	}
	return nil
}
