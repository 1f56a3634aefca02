package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultConfigFile   = "config.yaml"
	DefaultStoragePath  = ".sensorpress/sensorpress.db"
	DefaultStatePath    = ".sensorpress/state.yaml"
	DefaultFetchTimeout = 30 * time.Second
	DefaultConcurrency  = 1
	DefaultLogLevel     = "info"
	DefaultGhostRPS     = 5.0
	DefaultCacheRetain  = 30
)

// Source kinds understood by the source registry.
const (
	KindRSS    = "rss"
	KindHN     = "hn"
	KindReddit = "reddit"
	KindStocks = "stocks"
	KindScript = "script"
)

// Rate limit policies for sources that are still cooling down.
const (
	PolicySkip = "skip"
	PolicyWait = "wait"
)

// Back ends.
const (
	BackendGhost  = "ghost"
	BackendLocal  = "local"
	BackendSQLite = "sqlite"
	BackendFile   = "file"
)

// Duration wraps time.Duration for YAML unmarshaling from strings like "24h".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

type Config struct {
	Sources []SourceConfig `yaml:"sources"`
	CMS     CMSConfig      `yaml:"cms"`
	State   StateConfig    `yaml:"state"`
	Storage StorageConfig  `yaml:"storage"`
	Sync    SyncConfig     `yaml:"sync"`
	Privacy PrivacyConfig  `yaml:"privacy"`
	Log     LogConfig      `yaml:"log"`
	Metrics MetricsConfig  `yaml:"metrics"`
}

// SourceConfig describes one registered source. Kind selects which of the
// provider blocks applies; exactly that block must be present.
type SourceConfig struct {
	Name         string   `yaml:"name"`
	Kind         string   `yaml:"kind"`
	RequestDelta Duration `yaml:"request_delta"`
	About        string   `yaml:"about"`
	Image        string   `yaml:"image"`

	RSS    *RSSConfig    `yaml:"rss,omitempty"`
	HN     *HNConfig     `yaml:"hn,omitempty"`
	Reddit *RedditConfig `yaml:"reddit,omitempty"`
	Stocks *StocksConfig `yaml:"stocks,omitempty"`
	Script *ScriptConfig `yaml:"script,omitempty"`
}

type RSSConfig struct {
	Feeds        []string `yaml:"feeds"`
	ExtractStory bool     `yaml:"extract_story"`
}

type HNConfig struct {
	MinPoints int `yaml:"min_points"`
}

type RedditConfig struct {
	Subreddits []string `yaml:"subreddits"`
}

type StocksConfig struct {
	ServiceURL string   `yaml:"service_url"` // must contain one %s for the ticker
	Ticks      []string `yaml:"ticks"`
	Image      string   `yaml:"image"`
}

type ScriptConfig struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
}

type CMSConfig struct {
	Backend string      `yaml:"backend"`
	Ghost   GhostConfig `yaml:"ghost"`
}

type GhostConfig struct {
	URL               string  `yaml:"url"`
	AdminKeyEnv       string  `yaml:"admin_key_env"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`

	// Resolved from env var at load time.
	AdminKey string `yaml:"-"`
}

type StateConfig struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
}

type StorageConfig struct {
	Path            string `yaml:"path"`
	CacheRetainDays int    `yaml:"cache_retain_days"`
}

type SyncConfig struct {
	Policy       string   `yaml:"policy"`
	FetchTimeout Duration `yaml:"fetch_timeout"`
	Concurrency  int      `yaml:"concurrency"`
}

type PrivacyConfig struct {
	Redact RedactConfig `yaml:"redact"`
}

type RedactConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Patterns []string `yaml:"patterns"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

type MetricsConfig struct {
	Textfile string `yaml:"textfile"`
}

// Load reads config.yaml from dir, applies defaults, resolves env vars, and validates.
func Load(dir string) (*Config, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("config dir is required")
	}

	path := filepath.Join(dir, DefaultConfigFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(&cfg)
	resolveEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// Source returns the source registered under name.
func (c *Config) Source(name string) (SourceConfig, bool) {
	for _, sc := range c.Sources {
		if sc.Name == name {
			return sc, true
		}
	}
	return SourceConfig{}, false
}

func applyDefaults(cfg *Config) {
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = DefaultStoragePath
	}
	if cfg.Storage.CacheRetainDays == 0 {
		cfg.Storage.CacheRetainDays = DefaultCacheRetain
	}
	if cfg.CMS.Backend == "" {
		cfg.CMS.Backend = BackendLocal
	}
	if cfg.CMS.Ghost.RequestsPerSecond == 0 {
		cfg.CMS.Ghost.RequestsPerSecond = DefaultGhostRPS
	}
	if cfg.State.Backend == "" {
		cfg.State.Backend = BackendSQLite
	}
	if cfg.State.Backend == BackendFile && cfg.State.Path == "" {
		cfg.State.Path = DefaultStatePath
	}
	if cfg.Sync.Policy == "" {
		cfg.Sync.Policy = PolicySkip
	}
	if cfg.Sync.FetchTimeout.Duration == 0 {
		cfg.Sync.FetchTimeout.Duration = DefaultFetchTimeout
	}
	if cfg.Sync.Concurrency == 0 {
		cfg.Sync.Concurrency = DefaultConcurrency
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = DefaultLogLevel
	}
}

func resolveEnv(cfg *Config) {
	if cfg.CMS.Ghost.AdminKeyEnv != "" {
		cfg.CMS.Ghost.AdminKey = os.Getenv(cfg.CMS.Ghost.AdminKeyEnv)
	}
}

func validate(cfg *Config) error {
	if len(cfg.Sources) == 0 {
		return errors.New("sources: at least one source must be configured")
	}

	seen := make(map[string]bool, len(cfg.Sources))
	for i, sc := range cfg.Sources {
		if strings.TrimSpace(sc.Name) == "" {
			return fmt.Errorf("sources[%d]: name is required", i)
		}
		if seen[sc.Name] {
			return fmt.Errorf("sources[%d]: duplicate name %q", i, sc.Name)
		}
		seen[sc.Name] = true

		if sc.RequestDelta.Duration < 0 {
			return fmt.Errorf("sources.%s: request_delta must not be negative", sc.Name)
		}
		if err := validateKind(sc); err != nil {
			return fmt.Errorf("sources.%s: %w", sc.Name, err)
		}
	}

	switch cfg.CMS.Backend {
	case BackendLocal:
	case BackendGhost:
		if cfg.CMS.Ghost.URL == "" {
			return errors.New("cms.ghost.url is required")
		}
		if cfg.CMS.Ghost.AdminKey == "" {
			return fmt.Errorf("cms.ghost: admin key env %q is empty", cfg.CMS.Ghost.AdminKeyEnv)
		}
		if cfg.CMS.Ghost.RequestsPerSecond < 0 {
			return errors.New("cms.ghost.requests_per_second must not be negative")
		}
	default:
		return fmt.Errorf("cms.backend: unknown backend %q (want ghost or local)", cfg.CMS.Backend)
	}

	switch cfg.State.Backend {
	case BackendSQLite, BackendFile:
	default:
		return fmt.Errorf("state.backend: unknown backend %q (want sqlite or file)", cfg.State.Backend)
	}

	switch cfg.Sync.Policy {
	case PolicySkip, PolicyWait:
	default:
		return fmt.Errorf("sync.policy: unknown policy %q (want skip or wait)", cfg.Sync.Policy)
	}
	if cfg.Storage.CacheRetainDays < 0 {
		return errors.New("storage.cache_retain_days must not be negative")
	}
	if cfg.Sync.Concurrency < 1 {
		return errors.New("sync.concurrency must be at least 1")
	}

	return nil
}

// validateKind checks that the provider block matching Kind is the only one set.
func validateKind(sc SourceConfig) error {
	blocks := map[string]bool{
		KindRSS:    sc.RSS != nil,
		KindHN:     sc.HN != nil,
		KindReddit: sc.Reddit != nil,
		KindStocks: sc.Stocks != nil,
		KindScript: sc.Script != nil,
	}
	present, known := blocks[sc.Kind]
	if !known {
		return fmt.Errorf("kind: unknown kind %q", sc.Kind)
	}
	if !present {
		return fmt.Errorf("kind %s: missing %s block", sc.Kind, sc.Kind)
	}
	for kind, set := range blocks {
		if set && kind != sc.Kind {
			return fmt.Errorf("kind %s: unexpected %s block", sc.Kind, kind)
		}
	}
	return nil
}
