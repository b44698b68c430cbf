// Package config loads and validates service configuration from file and
// environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/feedsentry/feedsentry/internal/browser"
	collyextract "github.com/feedsentry/feedsentry/internal/extract/colly"
	domextract "github.com/feedsentry/feedsentry/internal/extract/dom"
	"github.com/feedsentry/feedsentry/internal/scrape"
)

// Config is the root configuration for the service.
type Config struct {
	Server      ServerConfig            `mapstructure:"server"`
	Logging     LoggingConfig           `mapstructure:"logging"`
	Store       StoreConfig             `mapstructure:"store"`
	Checkpoints CheckpointConfig        `mapstructure:"checkpoints"`
	Publisher   PublisherConfig         `mapstructure:"publisher"`
	Proxy       ProxyConfig             `mapstructure:"proxy"`
	Browser     browser.Config          `mapstructure:"browser"`
	Retry       RetryConfig             `mapstructure:"retry"`
	Stream      StreamConfig            `mapstructure:"stream"`
	Dedup       DedupConfig             `mapstructure:"dedup"`
	Events      EventsConfig            `mapstructure:"events"`
	Pollers     map[string]PollerConfig `mapstructure:"pollers"`
	Streams     []StreamSeed            `mapstructure:"streams"`
}

// ServerConfig controls the ops HTTP listener.
type ServerConfig struct {
	Port int `mapstructure:"port"`
	// APIKey, when set, gates every route behind an X-API-Key check.
	APIKey string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// StoreConfig selects the shared KV/lock backend.
type StoreConfig struct {
	// Provider is "memory" or "postgres".
	Provider string `mapstructure:"provider"`
	DSN      string `mapstructure:"dsn"`
	MaxConns int    `mapstructure:"max_conns"`
}

// CheckpointConfig selects where pagination runs persist their state.
type CheckpointConfig struct {
	// Provider is "local" or "gcs".
	Provider string `mapstructure:"provider"`
	BaseDir  string `mapstructure:"base_dir"`
	Bucket   string `mapstructure:"bucket"`
	Prefix   string `mapstructure:"prefix"`
}

// PublisherConfig selects the event publisher backend.
type PublisherConfig struct {
	// Provider is "memory" or "pubsub".
	Provider  string `mapstructure:"provider"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// ProxyConfig controls the proxy health manager.
type ProxyConfig struct {
	URIs                []string `mapstructure:"uris"`
	ProbeURL            string   `mapstructure:"probe_url"`
	BlacklistThreshold  int      `mapstructure:"blacklist_threshold"`
	BlacklistMinutes    int      `mapstructure:"blacklist_minutes"`
	ProbeTimeoutSeconds int      `mapstructure:"probe_timeout_seconds"`
	// AllowDirectFallback lets a tick proceed unproxied when every proxy is
	// blacklisted. Off by default.
	AllowDirectFallback bool `mapstructure:"allow_direct_fallback"`
}

// BlacklistFor converts the blacklist window to a duration.
func (c ProxyConfig) BlacklistFor() time.Duration {
	return time.Duration(c.BlacklistMinutes) * time.Minute
}

// ProbeTimeout converts the probe budget to a duration.
func (c ProxyConfig) ProbeTimeout() time.Duration {
	return time.Duration(c.ProbeTimeoutSeconds) * time.Second
}

// RetryConfig controls the shared retry policy.
type RetryConfig struct {
	MaxRetries  int     `mapstructure:"max_retries"`
	BaseDelayMs int     `mapstructure:"base_delay_ms"`
	MaxDelayMs  int     `mapstructure:"max_delay_ms"`
	Multiplier  float64 `mapstructure:"multiplier"`
}

// BaseDelay converts the initial backoff to a duration.
func (c RetryConfig) BaseDelay() time.Duration {
	return time.Duration(c.BaseDelayMs) * time.Millisecond
}

// MaxDelay converts the backoff ceiling to a duration.
func (c RetryConfig) MaxDelay() time.Duration {
	return time.Duration(c.MaxDelayMs) * time.Millisecond
}

// StreamConfig controls the orchestrator.
type StreamConfig struct {
	LockTTLSeconds     int `mapstructure:"lock_ttl_seconds"`
	PollTimeoutSeconds int `mapstructure:"poll_timeout_seconds"`
}

// LockTTL converts the per-tick lock lease to a duration.
func (c StreamConfig) LockTTL() time.Duration {
	return time.Duration(c.LockTTLSeconds) * time.Second
}

// PollTimeout converts the per-poll budget to a duration.
func (c StreamConfig) PollTimeout() time.Duration {
	return time.Duration(c.PollTimeoutSeconds) * time.Second
}

// DedupConfig controls first-seen record retention.
type DedupConfig struct {
	TTLHours int `mapstructure:"ttl_hours"`
}

// TTL converts the retention window to a duration.
func (c DedupConfig) TTL() time.Duration {
	return time.Duration(c.TTLHours) * time.Hour
}

// EventsConfig controls the event hub.
type EventsConfig struct {
	BufferSize int `mapstructure:"buffer_size"`
	MaxBatch   int `mapstructure:"max_batch"`
	MaxWaitMs  int `mapstructure:"max_wait_ms"`
}

// MaxWait converts the flush interval to a duration.
func (c EventsConfig) MaxWait() time.Duration {
	return time.Duration(c.MaxWaitMs) * time.Millisecond
}

// PollerConfig binds one stream type to its fetch path.
type PollerConfig struct {
	// Mode is "static" (plain HTTP collector) or "browser" (leased session
	// walked by the pagination engine).
	Mode    string                  `mapstructure:"mode"`
	Static  collyextract.Config     `mapstructure:"static"`
	Browser domextract.PollerConfig `mapstructure:"browser"`
}

// StreamSeed declares a stream created and started at boot if no stream with
// the same type and target exists yet.
type StreamSeed struct {
	Type            string `mapstructure:"type"`
	Target          string `mapstructure:"target"`
	IntervalSeconds int    `mapstructure:"interval_seconds"`
	UseProxy        bool   `mapstructure:"use_proxy"`
}

// Interval converts the poll cadence to a duration.
func (s StreamSeed) Interval() time.Duration {
	return time.Duration(s.IntervalSeconds) * time.Second
}

// Poller modes.
const (
	PollerModeStatic  = "static"
	PollerModeBrowser = "browser"
)

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("FEEDSENTRY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", true)
	v.SetDefault("store.provider", "memory")
	v.SetDefault("checkpoints.provider", "local")
	v.SetDefault("checkpoints.base_dir", "checkpoints")
	v.SetDefault("checkpoints.prefix", "runs")
	v.SetDefault("publisher.provider", "memory")
	v.SetDefault("publisher.topic", "feed-events")
	v.SetDefault("proxy.blacklist_threshold", 3)
	v.SetDefault("proxy.blacklist_minutes", 10)
	v.SetDefault("proxy.probe_timeout_seconds", 10)
	v.SetDefault("retry.max_retries", 3)
	v.SetDefault("retry.base_delay_ms", 2000)
	v.SetDefault("retry.max_delay_ms", 60000)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("stream.lock_ttl_seconds", 120)
	v.SetDefault("stream.poll_timeout_seconds", 45)
	v.SetDefault("dedup.ttl_hours", 168)
	v.SetDefault("events.buffer_size", 4096)
	v.SetDefault("events.max_batch", 256)
	v.SetDefault("events.max_wait_ms", 500)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	switch c.Store.Provider {
	case "memory":
	case "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn must be set when store.provider is postgres")
		}
	default:
		return fmt.Errorf("store.provider must be memory or postgres, got %q", c.Store.Provider)
	}
	switch c.Checkpoints.Provider {
	case "local":
		if c.Checkpoints.BaseDir == "" {
			return fmt.Errorf("checkpoints.base_dir must be set when checkpoints.provider is local")
		}
	case "gcs":
		if c.Checkpoints.Bucket == "" {
			return fmt.Errorf("checkpoints.bucket must be set when checkpoints.provider is gcs")
		}
	default:
		return fmt.Errorf("checkpoints.provider must be local or gcs, got %q", c.Checkpoints.Provider)
	}
	switch c.Publisher.Provider {
	case "memory":
	case "pubsub":
		if c.Publisher.ProjectID == "" || c.Publisher.Topic == "" {
			return fmt.Errorf("publisher.project_id and publisher.topic must be set when publisher.provider is pubsub")
		}
	default:
		return fmt.Errorf("publisher.provider must be memory or pubsub, got %q", c.Publisher.Provider)
	}
	if c.Retry.Multiplier != 0 && c.Retry.Multiplier < 1 {
		return fmt.Errorf("retry.multiplier must be >= 1")
	}
	for name, p := range c.Pollers {
		if !scrape.StreamType(name).Valid() {
			return fmt.Errorf("pollers.%s: unknown stream type", name)
		}
		switch p.Mode {
		case PollerModeStatic:
			if p.Static.ItemSelector == "" {
				return fmt.Errorf("pollers.%s: static.item_selector is required", name)
			}
		case PollerModeBrowser:
			if p.Browser.Extract.ItemSelector == "" {
				return fmt.Errorf("pollers.%s: browser.extract.item_selector is required", name)
			}
		default:
			return fmt.Errorf("pollers.%s: mode must be static or browser, got %q", name, p.Mode)
		}
	}
	for i, seed := range c.Streams {
		if !scrape.StreamType(seed.Type).Valid() {
			return fmt.Errorf("streams[%d]: unknown stream type %q", i, seed.Type)
		}
		if strings.TrimSpace(seed.Target) == "" {
			return fmt.Errorf("streams[%d]: target is required", i)
		}
		if _, ok := c.Pollers[seed.Type]; !ok {
			return fmt.Errorf("streams[%d]: no poller configured for type %q", i, seed.Type)
		}
	}
	return nil
}
