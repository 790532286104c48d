package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full runtime configuration of the daemon.
type Config struct {
	LogLevel  string
	LogFormat string
	HTTPAddr  string

	Venues []VenueConfig

	Cache       CacheConfig
	Health      HealthConfig
	Preload     PreloadConfig
	Performance PerformanceConfig
	NATS        NATSConfig
	Secrets     SecretsConfig
	Stream      StreamConfig

	VenueTimeout   time.Duration
	OrderBookDepth int
	LatencyWindow  int
	StatusInterval time.Duration
}

// VenueConfig describes one venue entry. Only enabled venues are
// registered; the venue name must be one the factory knows.
type VenueConfig struct {
	Name       string
	Enabled    bool
	Testnet    bool
	RateBudget int
	RateWindow time.Duration
}

type CacheConfig struct {
	InitialTTL    time.Duration
	MinTTL        time.Duration
	MaxTTL        time.Duration
	SweepInterval time.Duration
}

type HealthConfig struct {
	Interval     time.Duration
	Threshold    int
	ProbeTimeout time.Duration
}

type PreloadConfig struct {
	Enabled  bool
	Interval time.Duration
	Margin   time.Duration
	Workers  int
	Watch    []string // "venue:symbol"
}

type PerformanceConfig struct {
	Interval         time.Duration
	TargetLatency    time.Duration
	HitRateFloor     float64
	SuccessRateFloor float64
	ShrinkFactor     float64
	GrowFactor       float64
}

type NATSConfig struct {
	Enabled       bool
	URL           string
	MaxReconnects int
	ReconnectWait time.Duration
}

// SecretsConfig selects where venue credentials come from.
type SecretsConfig struct {
	Backend string // static, file or vault
	File    FileSecretsConfig
	Vault   VaultSecretsConfig
	Static  map[string]StaticCredentials
}

type FileSecretsConfig struct {
	Path       string
	Passphrase string
}

type VaultSecretsConfig struct {
	Address string
	Token   string
}

type StaticCredentials struct {
	APIKey     string
	APISecret  string
	Passphrase string
}

// StreamConfig toggles the push-based order book feed.
type StreamConfig struct {
	Enabled bool
}

// Load reads the config file at path, applies defaults and environment
// overrides (VENUED_ prefix) and validates the result. An empty path
// loads defaults only.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("VENUED")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{
		LogLevel:  v.GetString("log.level"),
		LogFormat: v.GetString("log.format"),
		HTTPAddr:  v.GetString("http.addr"),
		Cache: CacheConfig{
			InitialTTL:    v.GetDuration("cache.initial_ttl"),
			MinTTL:        v.GetDuration("cache.min_ttl"),
			MaxTTL:        v.GetDuration("cache.max_ttl"),
			SweepInterval: v.GetDuration("cache.sweep_interval"),
		},
		Health: HealthConfig{
			Interval:     v.GetDuration("health.interval"),
			Threshold:    v.GetInt("health.threshold"),
			ProbeTimeout: v.GetDuration("health.probe_timeout"),
		},
		Preload: PreloadConfig{
			Enabled:  v.GetBool("preload.enabled"),
			Interval: v.GetDuration("preload.interval"),
			Margin:   v.GetDuration("preload.margin"),
			Workers:  v.GetInt("preload.workers"),
			Watch:    v.GetStringSlice("preload.watch"),
		},
		Performance: PerformanceConfig{
			Interval:         v.GetDuration("performance.interval"),
			TargetLatency:    v.GetDuration("performance.target_latency"),
			HitRateFloor:     v.GetFloat64("performance.hit_rate_floor"),
			SuccessRateFloor: v.GetFloat64("performance.success_rate_floor"),
			ShrinkFactor:     v.GetFloat64("performance.shrink_factor"),
			GrowFactor:       v.GetFloat64("performance.grow_factor"),
		},
		NATS: NATSConfig{
			Enabled:       v.GetBool("nats.enabled"),
			URL:           v.GetString("nats.url"),
			MaxReconnects: v.GetInt("nats.max_reconnects"),
			ReconnectWait: v.GetDuration("nats.reconnect_wait"),
		},
		Secrets: SecretsConfig{
			Backend: v.GetString("secrets.backend"),
			File: FileSecretsConfig{
				Path:       v.GetString("secrets.file.path"),
				Passphrase: v.GetString("secrets.file.passphrase"),
			},
			Vault: VaultSecretsConfig{
				Address: v.GetString("secrets.vault.address"),
				Token:   v.GetString("secrets.vault.token"),
			},
		},
		Stream: StreamConfig{
			Enabled: v.GetBool("stream.enabled"),
		},
		VenueTimeout:   v.GetDuration("venue_timeout"),
		OrderBookDepth: v.GetInt("orderbook_depth"),
		LatencyWindow:  v.GetInt("latency_window"),
		StatusInterval: v.GetDuration("status_interval"),
	}

	for name := range v.GetStringMap("venues") {
		if !v.GetBool(fmt.Sprintf("venues.%s.enabled", name)) {
			continue
		}
		cfg.Venues = append(cfg.Venues, VenueConfig{
			Name:       name,
			Enabled:    true,
			Testnet:    v.GetBool(fmt.Sprintf("venues.%s.testnet", name)),
			RateBudget: v.GetInt(fmt.Sprintf("venues.%s.rate_budget", name)),
			RateWindow: v.GetDuration(fmt.Sprintf("venues.%s.rate_window", name)),
		})
	}
	sort.Slice(cfg.Venues, func(i, j int) bool { return cfg.Venues[i].Name < cfg.Venues[j].Name })

	for name := range v.GetStringMap("secrets.static") {
		if cfg.Secrets.Static == nil {
			cfg.Secrets.Static = make(map[string]StaticCredentials)
		}
		cfg.Secrets.Static[name] = StaticCredentials{
			APIKey:     v.GetString(fmt.Sprintf("secrets.static.%s.api_key", name)),
			APISecret:  v.GetString(fmt.Sprintf("secrets.static.%s.api_secret", name)),
			Passphrase: v.GetString(fmt.Sprintf("secrets.static.%s.passphrase", name)),
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("http.addr", ":8080")

	v.SetDefault("cache.initial_ttl", 2*time.Second)
	v.SetDefault("cache.min_ttl", 250*time.Millisecond)
	v.SetDefault("cache.max_ttl", 30*time.Second)
	v.SetDefault("cache.sweep_interval", 5*time.Second)

	v.SetDefault("health.interval", 30*time.Second)
	v.SetDefault("health.threshold", 3)
	v.SetDefault("health.probe_timeout", 10*time.Second)

	v.SetDefault("preload.enabled", true)
	v.SetDefault("preload.interval", 100*time.Millisecond)
	v.SetDefault("preload.margin", 200*time.Millisecond)
	v.SetDefault("preload.workers", 4)

	v.SetDefault("performance.interval", 10*time.Second)
	v.SetDefault("performance.target_latency", 250*time.Millisecond)
	v.SetDefault("performance.hit_rate_floor", 0.5)
	v.SetDefault("performance.success_rate_floor", 0.95)
	v.SetDefault("performance.shrink_factor", 0.9)
	v.SetDefault("performance.grow_factor", 1.1)

	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("nats.max_reconnects", -1)
	v.SetDefault("nats.reconnect_wait", time.Second)

	v.SetDefault("secrets.backend", "static")
	v.SetDefault("stream.enabled", false)

	v.SetDefault("venue_timeout", 15*time.Second)
	v.SetDefault("orderbook_depth", 50)
	v.SetDefault("latency_window", 1024)
	v.SetDefault("status_interval", 30*time.Second)
}

// Validate rejects configurations the components cannot run with.
func (c *Config) Validate() error {
	if len(c.Venues) == 0 {
		return fmt.Errorf("no venues enabled")
	}
	for _, vc := range c.Venues {
		if vc.RateBudget <= 0 {
			return fmt.Errorf("venue %s: rate_budget must be positive", vc.Name)
		}
		if vc.RateWindow <= 0 {
			return fmt.Errorf("venue %s: rate_window must be positive", vc.Name)
		}
	}
	if c.Cache.MinTTL <= 0 || c.Cache.MaxTTL < c.Cache.MinTTL {
		return fmt.Errorf("cache ttl bounds invalid: min=%v max=%v", c.Cache.MinTTL, c.Cache.MaxTTL)
	}
	if c.Cache.InitialTTL < c.Cache.MinTTL || c.Cache.InitialTTL > c.Cache.MaxTTL {
		return fmt.Errorf("cache initial_ttl %v outside [%v, %v]", c.Cache.InitialTTL, c.Cache.MinTTL, c.Cache.MaxTTL)
	}
	if c.Performance.ShrinkFactor <= 0 || c.Performance.ShrinkFactor >= 1 {
		return fmt.Errorf("performance shrink_factor must be in (0, 1)")
	}
	if c.Performance.GrowFactor <= 1 {
		return fmt.Errorf("performance grow_factor must be above 1")
	}
	if c.Health.Threshold < 1 {
		return fmt.Errorf("health threshold must be at least 1")
	}
	for _, w := range c.Preload.Watch {
		if !strings.Contains(w, ":") {
			return fmt.Errorf("preload watch entry %q: want venue:symbol", w)
		}
	}
	return nil
}
