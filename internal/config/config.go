package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/harrison/rhythm/internal/beat"
	"github.com/harrison/rhythm/internal/dom"
)

// Storage backends.
const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// minByteCap leaves room for the fixed record fields and a short flow.
const minByteCap = 64

// AlphabetConfig holds the BEAT markers as one-character strings.
type AlphabetConfig struct {
	Page    string `yaml:"page"`
	Element string `yaml:"element"`
	Time    string `yaml:"time"`
	Repeat  string `yaml:"repeat"`
	Loop    string `yaml:"loop"`
	TabRef  string `yaml:"tab_ref"`
}

// CapabilitiesConfig toggles the optional recorders.
type CapabilitiesConfig struct {
	// Beat records the behavioral flow
	Beat bool `yaml:"beat"`

	// TabSync enables cross-tab tracking
	TabSync bool `yaml:"tab_sync"`

	// Scroll enables scroll counting
	Scroll bool `yaml:"scroll"`

	// SPA enables in-page navigation recording
	SPA bool `yaml:"spa"`
}

// StorageConfig selects the key-value surface.
type StorageConfig struct {
	// Backend is one of memory, file, sqlite, redis
	Backend string `yaml:"backend"`

	// Path is the directory (file) or database file (sqlite)
	Path string `yaml:"path"`

	// RedisURL is the connection URL for the redis backend
	RedisURL string `yaml:"redis_url"`

	// RedisChannel carries change notifications between redis clients
	RedisChannel string `yaml:"redis_channel"`

	// MaxValueSize is the per-value ceiling of the surface
	MaxValueSize int `yaml:"max_value_size"`
}

// Config represents rhythm configuration options
type Config struct {
	// TickUnit is the duration of one BEAT tick
	TickUnit time.Duration `yaml:"tick_unit"`

	// MaxSlots is the number of session slots
	MaxSlots int `yaml:"max_slots"`

	// ByteCap is the maximum length of one session record
	ByteCap int `yaml:"byte_cap"`

	// Retention is the TTL of slot records (0 = no expiry)
	Retention time.Duration `yaml:"retention"`

	// Recovery is how long an untouched open session is presumed alive
	Recovery time.Duration `yaml:"recovery"`

	// Heartbeat is the idle save interval (0 = disabled)
	Heartbeat time.Duration `yaml:"heartbeat"`

	// ClickThreshold is the number of clicks below which sessions are discarded
	ClickThreshold int `yaml:"click_threshold"`

	// DefaultSlot is overwritten when every slot stays occupied
	DefaultSlot int `yaml:"default_slot"`

	// KeyPrefix starts every key rhythm writes
	KeyPrefix string `yaml:"key_prefix"`

	// BlockedRedirect is reported to blocked tabs
	BlockedRedirect string `yaml:"blocked_redirect"`

	// Referrers maps referring domains to classes 2..254
	Referrers map[string]int `yaml:"referrers"`

	// Pages maps paths to literal page tokens
	Pages map[string]string `yaml:"pages"`

	// Elements maps CSS selectors to literal element tokens
	Elements map[string]string `yaml:"elements"`

	Alphabet     AlphabetConfig     `yaml:"alphabet"`
	Capabilities CapabilitiesConfig `yaml:"capabilities"`
	Storage      StorageConfig      `yaml:"storage"`

	// Sinks are the delivery targets, absolute or relative to Origin
	Sinks []string `yaml:"sinks"`

	// Origin resolves relative sink targets
	Origin string `yaml:"origin"`

	// SinkTimeout bounds a single delivery
	SinkTimeout time.Duration `yaml:"sink_timeout"`

	// DeliveryWorkers is the size of the delivery pool (0 = synchronous)
	DeliveryWorkers int `yaml:"delivery_workers"`

	// LogLevel sets the logging verbosity (trace, debug, info, warn, error)
	LogLevel string `yaml:"log_level"`

	// LogDir is the directory where run logs are written ("" = console only)
	LogDir string `yaml:"log_dir"`
}

// DefaultConfig returns a Config with sensible default values
func DefaultConfig() *Config {
	a := beat.DefaultAlphabet()
	return &Config{
		TickUnit:       beat.DefaultTickUnit,
		MaxSlots:       5,
		ByteCap:        4000,
		Retention:      7 * 24 * time.Hour,
		Recovery:       30 * time.Second,
		Heartbeat:      10 * time.Second,
		ClickThreshold: 1,
		DefaultSlot:    1,
		KeyPrefix:      "rhythm_",
		Alphabet: AlphabetConfig{
			Page:    string(a.Page),
			Element: string(a.Element),
			Time:    string(a.Time),
			Repeat:  string(a.Repeat),
			Loop:    string(a.Loop),
			TabRef:  string(a.TabRef),
		},
		Capabilities: CapabilitiesConfig{Beat: true, TabSync: true, Scroll: true, SPA: true},
		Storage: StorageConfig{
			Backend:      BackendMemory,
			RedisChannel: "rhythm:changes",
			MaxValueSize: 4096,
		},
		SinkTimeout:     5 * time.Second,
		DeliveryWorkers: 4,
		LogLevel:        "info",
	}
}

// LoadConfig loads configuration from the specified file path
// If the file doesn't exist, returns default configuration without error
// If the file exists but is malformed, returns an error
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Durations are parsed by hand so "30s" style values work
	type yamlConfig struct {
		TickUnit        string            `yaml:"tick_unit"`
		MaxSlots        int               `yaml:"max_slots"`
		ByteCap         int               `yaml:"byte_cap"`
		Retention       string            `yaml:"retention"`
		Recovery        string            `yaml:"recovery"`
		Heartbeat       string            `yaml:"heartbeat"`
		ClickThreshold  *int              `yaml:"click_threshold"`
		DefaultSlot     int               `yaml:"default_slot"`
		KeyPrefix       string            `yaml:"key_prefix"`
		BlockedRedirect string            `yaml:"blocked_redirect"`
		Referrers       map[string]int    `yaml:"referrers"`
		Pages           map[string]string `yaml:"pages"`
		Elements        map[string]string `yaml:"elements"`
		Alphabet        AlphabetConfig    `yaml:"alphabet"`
		Storage         StorageConfig     `yaml:"storage"`
		Sinks           []string          `yaml:"sinks"`
		Origin          string            `yaml:"origin"`
		SinkTimeout     string            `yaml:"sink_timeout"`
		DeliveryWorkers *int              `yaml:"delivery_workers"`
		LogLevel        string            `yaml:"log_level"`
		LogDir          string            `yaml:"log_dir"`
	}

	var yamlCfg yamlConfig
	if err := yaml.Unmarshal(data, &yamlCfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	durations := []struct {
		name  string
		value string
		dst   *time.Duration
	}{
		{"tick_unit", yamlCfg.TickUnit, &cfg.TickUnit},
		{"retention", yamlCfg.Retention, &cfg.Retention},
		{"recovery", yamlCfg.Recovery, &cfg.Recovery},
		{"heartbeat", yamlCfg.Heartbeat, &cfg.Heartbeat},
		{"sink_timeout", yamlCfg.SinkTimeout, &cfg.SinkTimeout},
	}
	for _, d := range durations {
		if d.value == "" {
			continue
		}
		v, err := time.ParseDuration(d.value)
		if err != nil {
			return nil, fmt.Errorf("invalid %s format %q: %w", d.name, d.value, err)
		}
		*d.dst = v
	}

	// Apply non-zero values from file (merging with defaults)
	if yamlCfg.MaxSlots != 0 {
		cfg.MaxSlots = yamlCfg.MaxSlots
	}
	if yamlCfg.ByteCap != 0 {
		cfg.ByteCap = yamlCfg.ByteCap
	}
	if yamlCfg.ClickThreshold != nil {
		cfg.ClickThreshold = *yamlCfg.ClickThreshold
	}
	if yamlCfg.DefaultSlot != 0 {
		cfg.DefaultSlot = yamlCfg.DefaultSlot
	}
	if yamlCfg.KeyPrefix != "" {
		cfg.KeyPrefix = yamlCfg.KeyPrefix
	}
	if yamlCfg.BlockedRedirect != "" {
		cfg.BlockedRedirect = yamlCfg.BlockedRedirect
	}
	if yamlCfg.Referrers != nil {
		cfg.Referrers = yamlCfg.Referrers
	}
	if yamlCfg.Pages != nil {
		cfg.Pages = yamlCfg.Pages
	}
	if yamlCfg.Elements != nil {
		cfg.Elements = yamlCfg.Elements
	}
	mergeAlphabet(&cfg.Alphabet, yamlCfg.Alphabet)
	mergeStorage(&cfg.Storage, yamlCfg.Storage)
	if yamlCfg.Sinks != nil {
		cfg.Sinks = yamlCfg.Sinks
	}
	if yamlCfg.Origin != "" {
		cfg.Origin = yamlCfg.Origin
	}
	if yamlCfg.DeliveryWorkers != nil {
		cfg.DeliveryWorkers = *yamlCfg.DeliveryWorkers
	}
	if yamlCfg.LogLevel != "" {
		cfg.LogLevel = yamlCfg.LogLevel
	}
	if yamlCfg.LogDir != "" {
		cfg.LogDir = yamlCfg.LogDir
	}

	// Capability toggles default to true, so only keys present in the
	// file may turn them off
	var rawMap map[string]interface{}
	if err := yaml.Unmarshal(data, &rawMap); err == nil {
		if section, exists := rawMap["capabilities"]; exists && section != nil {
			var caps CapabilitiesConfig
			raw, _ := yaml.Marshal(section)
			if err := yaml.Unmarshal(raw, &caps); err != nil {
				return nil, fmt.Errorf("failed to parse capabilities: %w", err)
			}
			capsMap, _ := section.(map[string]interface{})
			if _, exists := capsMap["beat"]; exists {
				cfg.Capabilities.Beat = caps.Beat
			}
			if _, exists := capsMap["tab_sync"]; exists {
				cfg.Capabilities.TabSync = caps.TabSync
			}
			if _, exists := capsMap["scroll"]; exists {
				cfg.Capabilities.Scroll = caps.Scroll
			}
			if _, exists := capsMap["spa"]; exists {
				cfg.Capabilities.SPA = caps.SPA
			}
		}
	}

	return cfg, nil
}

func mergeAlphabet(dst *AlphabetConfig, src AlphabetConfig) {
	for _, f := range []struct {
		dst *string
		src string
	}{
		{&dst.Page, src.Page},
		{&dst.Element, src.Element},
		{&dst.Time, src.Time},
		{&dst.Repeat, src.Repeat},
		{&dst.Loop, src.Loop},
		{&dst.TabRef, src.TabRef},
	} {
		if f.src != "" {
			*f.dst = f.src
		}
	}
}

func mergeStorage(dst *StorageConfig, src StorageConfig) {
	if src.Backend != "" {
		dst.Backend = src.Backend
	}
	if src.Path != "" {
		dst.Path = src.Path
	}
	if src.RedisURL != "" {
		dst.RedisURL = src.RedisURL
	}
	if src.RedisChannel != "" {
		dst.RedisChannel = src.RedisChannel
	}
	if src.MaxValueSize != 0 {
		dst.MaxValueSize = src.MaxValueSize
	}
}

// LoadConfigFromDir loads configuration from .rhythm/config.yaml in the specified directory
// If the directory or file doesn't exist, returns default configuration without error
func LoadConfigFromDir(dir string) (*Config, error) {
	configPath := filepath.Join(dir, ".rhythm", "config.yaml")
	return LoadConfig(configPath)
}

// envOverrides lists the settings that may come from the environment.
type envOverrides struct {
	LogLevel     string        `env:"RHYTHM_LOG_LEVEL"`
	LogDir       string        `env:"RHYTHM_LOG_DIR"`
	Backend      string        `env:"RHYTHM_STORAGE"`
	StoragePath  string        `env:"RHYTHM_STORAGE_PATH"`
	RedisURL     string        `env:"RHYTHM_REDIS_URL"`
	Origin       string        `env:"RHYTHM_ORIGIN"`
	Sinks        []string      `env:"RHYTHM_SINKS" envSeparator:","`
	KeyPrefix    string        `env:"RHYTHM_KEY_PREFIX"`
	MaxSlots     int           `env:"RHYTHM_MAX_SLOTS"`
	ByteCap      int           `env:"RHYTHM_BYTE_CAP"`
	Recovery     time.Duration `env:"RHYTHM_RECOVERY"`
	Heartbeat    time.Duration `env:"RHYTHM_HEARTBEAT"`
	SinkTimeout  time.Duration `env:"RHYTHM_SINK_TIMEOUT"`
	MaxValueSize int           `env:"RHYTHM_MAX_VALUE_SIZE"`
}

// ApplyEnv overrides configuration with RHYTHM_* environment variables
// Unset variables leave the configuration unchanged
func (c *Config) ApplyEnv() error {
	var o envOverrides
	if err := env.Parse(&o); err != nil {
		return fmt.Errorf("failed to parse environment: %w", err)
	}
	if o.LogLevel != "" {
		c.LogLevel = o.LogLevel
	}
	if o.LogDir != "" {
		c.LogDir = o.LogDir
	}
	mergeStorage(&c.Storage, StorageConfig{
		Backend:      o.Backend,
		Path:         o.StoragePath,
		RedisURL:     o.RedisURL,
		MaxValueSize: o.MaxValueSize,
	})
	if o.Origin != "" {
		c.Origin = o.Origin
	}
	if len(o.Sinks) > 0 {
		c.Sinks = o.Sinks
	}
	if o.KeyPrefix != "" {
		c.KeyPrefix = o.KeyPrefix
	}
	if o.MaxSlots != 0 {
		c.MaxSlots = o.MaxSlots
	}
	if o.ByteCap != 0 {
		c.ByteCap = o.ByteCap
	}
	if o.Recovery != 0 {
		c.Recovery = o.Recovery
	}
	if o.Heartbeat != 0 {
		c.Heartbeat = o.Heartbeat
	}
	if o.SinkTimeout != 0 {
		c.SinkTimeout = o.SinkTimeout
	}
	return nil
}

// MergeWithFlags merges CLI flags into the configuration
// Non-nil flag values override configuration values
// This allows CLI flags to take precedence over config file settings
func (c *Config) MergeWithFlags(backend *string, storagePath *string, logLevel *string, sinks *[]string) {
	if backend != nil {
		c.Storage.Backend = *backend
	}
	if storagePath != nil {
		c.Storage.Path = *storagePath
	}
	if logLevel != nil {
		c.LogLevel = *logLevel
	}
	if sinks != nil {
		c.Sinks = *sinks
	}
}

// BeatAlphabet converts the configured markers.
func (c *Config) BeatAlphabet() (beat.Alphabet, error) {
	var a beat.Alphabet
	for _, f := range []struct {
		name  string
		value string
		dst   *byte
	}{
		{"page", c.Alphabet.Page, &a.Page},
		{"element", c.Alphabet.Element, &a.Element},
		{"time", c.Alphabet.Time, &a.Time},
		{"repeat", c.Alphabet.Repeat, &a.Repeat},
		{"loop", c.Alphabet.Loop, &a.Loop},
		{"tab_ref", c.Alphabet.TabRef, &a.TabRef},
	} {
		if len(f.value) != 1 {
			return beat.Alphabet{}, fmt.Errorf("alphabet.%s must be a single ASCII character, got %q", f.name, f.value)
		}
		*f.dst = f.value[0]
	}
	if err := a.Validate(); err != nil {
		return beat.Alphabet{}, err
	}
	return a, nil
}

// Validate validates the configuration values
// Returns an error if any values are invalid
func (c *Config) Validate() error {
	validLevels := map[string]bool{
		"trace": true,
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLevels[c.LogLevel] {
		return fmt.Errorf("invalid log_level %q, must be one of: trace, debug, info, warn, error", c.LogLevel)
	}

	if c.TickUnit <= 0 {
		return fmt.Errorf("tick_unit must be > 0, got %v", c.TickUnit)
	}
	if c.MaxSlots < 1 {
		return fmt.Errorf("max_slots must be >= 1, got %d", c.MaxSlots)
	}
	if c.DefaultSlot < 1 || c.DefaultSlot > c.MaxSlots {
		return fmt.Errorf("default_slot must be in 1..%d, got %d", c.MaxSlots, c.DefaultSlot)
	}
	if c.ByteCap < minByteCap {
		return fmt.Errorf("byte_cap must be >= %d, got %d", minByteCap, c.ByteCap)
	}
	if c.Storage.MaxValueSize > 0 && c.ByteCap > c.Storage.MaxValueSize {
		return fmt.Errorf("byte_cap %d exceeds storage.max_value_size %d", c.ByteCap, c.Storage.MaxValueSize)
	}
	if c.Retention < 0 {
		return fmt.Errorf("retention must be >= 0, got %v", c.Retention)
	}
	if c.Recovery <= 0 {
		return fmt.Errorf("recovery must be > 0, got %v", c.Recovery)
	}
	// The heartbeat must fire several times per recovery window or live
	// sessions look abandoned
	if c.Heartbeat < 0 || c.Heartbeat >= c.Recovery {
		return fmt.Errorf("heartbeat must be in [0, recovery), got %v", c.Heartbeat)
	}
	if c.ClickThreshold < 0 {
		return fmt.Errorf("click_threshold must be >= 0, got %d", c.ClickThreshold)
	}
	if c.KeyPrefix == "" {
		return fmt.Errorf("key_prefix cannot be empty")
	}
	if c.DeliveryWorkers < 0 {
		return fmt.Errorf("delivery_workers must be >= 0, got %d", c.DeliveryWorkers)
	}
	if c.SinkTimeout <= 0 {
		return fmt.Errorf("sink_timeout must be > 0, got %v", c.SinkTimeout)
	}

	for domain, class := range c.Referrers {
		if class < 2 || class > 254 {
			return fmt.Errorf("referrers[%q] must be in 2..254, got %d", domain, class)
		}
	}

	alphabet, err := c.BeatAlphabet()
	if err != nil {
		return err
	}
	paths := make([]string, 0, len(c.Pages))
	for path := range c.Pages {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	owners := make(map[string]string, len(paths))
	for _, path := range paths {
		token := c.Pages[path]
		if !alphabet.ValidToken(token) {
			return fmt.Errorf("pages[%q]: token %q is not delimiter-safe", path, token)
		}
		// A token must decode to a single path.
		if other, taken := owners[token]; taken {
			return fmt.Errorf("pages[%q]: token %q is already used by %q", path, token, other)
		}
		owners[token] = path
	}
	for selector, token := range c.Elements {
		if !alphabet.ValidToken(token) {
			return fmt.Errorf("elements[%q]: token %q is not delimiter-safe", selector, token)
		}
	}
	if _, err := dom.NewMapper(c.Elements); err != nil {
		return err
	}

	switch c.Storage.Backend {
	case BackendMemory:
	case BackendFile, BackendSQLite:
		if c.Storage.Path == "" {
			return fmt.Errorf("storage.path cannot be empty for the %s backend", c.Storage.Backend)
		}
	case BackendRedis:
		if c.Storage.RedisURL == "" {
			return fmt.Errorf("storage.redis_url cannot be empty for the redis backend")
		}
	default:
		return fmt.Errorf("invalid storage.backend %q, must be one of: memory, file, sqlite, redis", c.Storage.Backend)
	}

	return nil
}
