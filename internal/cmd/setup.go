package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/harrison/rhythm/internal/classify"
	"github.com/harrison/rhythm/internal/config"
	"github.com/harrison/rhythm/internal/dom"
	"github.com/harrison/rhythm/internal/engine"
	"github.com/harrison/rhythm/internal/kv"
	"github.com/harrison/rhythm/internal/logger"
	"github.com/harrison/rhythm/internal/metrics"
	"github.com/harrison/rhythm/internal/sink"
)

// stdoutSink is the sink target that writes payloads to the command output.
const stdoutSink = "-"

// loadConfig layers the config file, .env and RHYTHM_* variables, and the
// persistent flags, then fills default storage paths and validates.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	configPath, _ := cmd.Flags().GetString("config")
	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadConfig(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load config from %s: %w", configPath, err)
		}
	} else {
		cfg, err = config.LoadConfigFromDir(".")
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
	}

	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}

	// Build flag pointers for merge (only non-default values)
	var backendPtr, pathPtr, levelPtr *string
	var sinksPtr *[]string
	if cmd.Flags().Changed("surface") {
		v, _ := cmd.Flags().GetString("surface")
		backendPtr = &v
	}
	if cmd.Flags().Changed("storage-path") {
		v, _ := cmd.Flags().GetString("storage-path")
		pathPtr = &v
	}
	if cmd.Flags().Changed("log-level") {
		v, _ := cmd.Flags().GetString("log-level")
		levelPtr = &v
	}
	if cmd.Flags().Changed("sink") {
		v, _ := cmd.Flags().GetStringSlice("sink")
		sinksPtr = &v
	}
	cfg.MergeWithFlags(backendPtr, pathPtr, levelPtr, sinksPtr)

	if cfg.Storage.Path == "" {
		switch cfg.Storage.Backend {
		case config.BackendFile:
			cfg.Storage.Path, err = config.GetStorageDir()
		case config.BackendSQLite:
			cfg.Storage.Path, err = config.GetSQLitePath()
		}
		if err != nil {
			return nil, fmt.Errorf("failed to resolve storage path: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// surfaces hands out one surface handle per tab on the configured backend.
// Handles of one surfaces value see each other's writes.
type surfaces struct {
	cfg     *config.Config
	memory  *kv.MemoryBackend
	closers []io.Closer
}

func newSurfaces(cfg *config.Config, now func() time.Time) *surfaces {
	if now == nil {
		now = time.Now
	}
	s := &surfaces{cfg: cfg}
	if cfg.Storage.Backend == config.BackendMemory {
		s.memory = kv.NewMemoryBackend(
			kv.WithMaxValueSize(cfg.Storage.MaxValueSize),
			kv.WithClock(now),
		)
	}
	return s
}

// Open returns a new handle.
func (s *surfaces) Open(ctx context.Context) (kv.Surface, error) {
	st := s.cfg.Storage
	switch st.Backend {
	case config.BackendMemory:
		return s.memory.Context(), nil
	case config.BackendFile:
		return kv.NewFile(st.Path, st.MaxValueSize)
	case config.BackendSQLite:
		db, err := kv.NewSQLite(st.Path, st.MaxValueSize)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, db)
		return db, nil
	case config.BackendRedis:
		r, err := kv.NewRedis(ctx, st.RedisURL, st.RedisChannel, st.MaxValueSize)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, r)
		return r, nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", st.Backend)
	}
}

// Close releases every connection opened so far.
func (s *surfaces) Close() error {
	var errs []error
	for _, c := range s.closers {
		errs = append(errs, c.Close())
	}
	s.closers = nil
	return errors.Join(errs...)
}

// buildLogger returns a console logger on w, plus a run log file when a log
// directory is configured. The returned function closes the file logger.
func buildLogger(cfg *config.Config, w io.Writer, now func() time.Time) (logger.Logger, func(), error) {
	if now == nil {
		now = time.Now
	}
	console := logger.NewConsoleLogger(w, cfg.LogLevel).WithClock(now)
	if cfg.LogDir == "" {
		return console, func() {}, nil
	}
	fl, err := logger.NewFileLoggerWithLevel(cfg.LogDir, cfg.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	fl.WithClock(now)
	return logger.MultiLogger{console, fl}, func() { fl.Close() }, nil
}

// buildDispatcher creates the delivery pool for the configured sinks. With
// no sinks configured, payloads are written to out.
func buildDispatcher(cfg *config.Config, out io.Writer, m *metrics.Metrics, log logger.Logger) (*sink.Dispatcher, error) {
	targets := cfg.Sinks
	if len(targets) == 0 {
		targets = []string{stdoutSink}
	}
	var sinks []sink.Sink
	for _, target := range targets {
		if target == stdoutSink {
			sinks = append(sinks, sink.NewWriterSink(out))
			continue
		}
		s, err := sink.NewHTTPSink(target, cfg.Origin, cfg.SinkTimeout)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, s)
	}
	return sink.NewDispatcher(sinks, sink.DispatcherOptions{
		PoolSize: cfg.DeliveryWorkers,
		Timeout:  cfg.SinkTimeout,
		OnFailure: func(err error) {
			m.DeliveryFailures.Inc()
			log.LogError(fmt.Sprintf("delivery failed: %v", err))
		},
	})
}

// newMetrics registers the engine counters on a private registry so
// repeated command runs in one process do not collide.
func newMetrics() (*metrics.Metrics, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	return metrics.New(reg), reg
}

// engineOptions maps the configuration onto engine options.
func engineOptions(cfg *config.Config) (engine.Options, error) {
	alphabet, err := cfg.BeatAlphabet()
	if err != nil {
		return engine.Options{}, err
	}
	elements, err := dom.NewMapper(cfg.Elements)
	if err != nil {
		return engine.Options{}, err
	}
	return engine.Options{
		Prefix:          cfg.KeyPrefix,
		MaxSlots:        cfg.MaxSlots,
		ByteCap:         cfg.ByteCap,
		DefaultSlot:     cfg.DefaultSlot,
		Retention:       cfg.Retention,
		Recovery:        cfg.Recovery,
		Heartbeat:       cfg.Heartbeat,
		TickUnit:        cfg.TickUnit,
		ClickThreshold:  cfg.ClickThreshold,
		BlockedRedirect: cfg.BlockedRedirect,
		Referrers:       classify.ReferrerTable(cfg.Referrers),
		Pages:           cfg.Pages,
		Elements:        elements,
		Alphabet:        alphabet,
		Capabilities: engine.Capabilities{
			Beat:    cfg.Capabilities.Beat,
			TabSync: cfg.Capabilities.TabSync,
			Scroll:  cfg.Capabilities.Scroll,
			SPA:     cfg.Capabilities.SPA,
		},
	}, nil
}
