// Package ops owns runtime configuration: a TOML file merged with
// CHANNEL_-prefixed environment overrides on top of defaults.
package ops

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	toml "github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix for environment variable overrides.
const EnvPrefix = "CHANNEL_"

// Config is the full runtime configuration.
type Config struct {
	Endpoint  EndpointConfig  `koanf:"endpoint"`
	Transport TransportConfig `koanf:"transport"`
	Manager   ManagerConfig   `koanf:"manager"`
	Cache     CacheConfig     `koanf:"cache"`
	Recorder  RecorderConfig  `koanf:"recorder"`
	Profiling ProfilingConfig `koanf:"profiling"`
}

// EndpointConfig resolves the socket endpoint. URL overrides the derived
// {wss|ws}://host/path form when set.
type EndpointConfig struct {
	URL    string `koanf:"url"`
	Host   string `koanf:"host"`
	Path   string `koanf:"path"`
	Secure bool   `koanf:"secure"`
}

// TransportConfig tunes the socket transport and its state machine.
type TransportConfig struct {
	HeartbeatInterval    time.Duration `koanf:"heartbeat_interval"`
	ConnectionTimeout    time.Duration `koanf:"connection_timeout"`
	MaxReconnectAttempts int           `koanf:"max_reconnect_attempts"`
	Backoff              BackoffConfig `koanf:"backoff"`
}

// BackoffConfig tunes the reconnect pacing.
type BackoffConfig struct {
	Base   time.Duration `koanf:"base"`
	Max    time.Duration `koanf:"max"`
	Factor float64       `koanf:"factor"`
	Jitter float64       `koanf:"jitter"`
}

// ManagerConfig tunes the manager-local retry tier.
type ManagerConfig struct {
	MaxRetries      int           `koanf:"max_retries"`
	RetryDelay      time.Duration `koanf:"retry_delay"`
	QualityInterval time.Duration `koanf:"quality_interval"`
}

// CacheConfig tunes the request cache and retry defaults.
type CacheConfig struct {
	TTL           time.Duration `koanf:"ttl"`
	MaxEntries    int           `koanf:"max_entries"`
	SweepInterval time.Duration `koanf:"sweep_interval"`
	MaxRetries    int           `koanf:"max_retries"`
	RetryDelay    time.Duration `koanf:"retry_delay"`
}

// RecorderConfig tunes the connection-event recorder.
type RecorderConfig struct {
	Enabled       bool          `koanf:"enabled"`
	DSN           string        `koanf:"dsn"`
	QueueSize     int           `koanf:"queue_size"`
	BatchSize     int           `koanf:"batch_size"`
	FlushInterval time.Duration `koanf:"flush_interval"`
}

// ProfilingConfig toggles the pyroscope profiler.
type ProfilingConfig struct {
	Enabled       bool   `koanf:"enabled"`
	ServerAddress string `koanf:"server_address"`
}

// Load reads the TOML config at path (optional) and merges environment
// overrides on top of defaults. Double underscores in variable names
// preserve literal underscores in keys.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	k := koanf.New(".")
	if path != "" {
		if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		s = strings.TrimPrefix(s, EnvPrefix)
		s = strings.ToLower(s)
		s = strings.ReplaceAll(s, "__", "%UNDERSCORE%")
		s = strings.ReplaceAll(s, "_", ".")
		return strings.ReplaceAll(s, "%UNDERSCORE%", "_")
	}), nil); err != nil {
		return nil, fmt.Errorf("load environment overrides: %w", err)
	}

	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{
		DecoderConfig: &mapstructure.DecoderConfig{
			TagName:          "koanf",
			WeaklyTypedInput: true,
			Result:           cfg,
			DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		},
	}); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate rejects configurations the runtime cannot act on.
func (c *Config) Validate() error {
	if c.Endpoint.URL == "" && c.Endpoint.Host == "" {
		return fmt.Errorf("endpoint: url or host is required")
	}
	if c.Transport.MaxReconnectAttempts < 0 {
		return fmt.Errorf("transport: max_reconnect_attempts must be >= 0")
	}
	if c.Transport.Backoff.Jitter < 0 || c.Transport.Backoff.Jitter > 1 {
		return fmt.Errorf("transport: backoff jitter must be in [0,1]")
	}
	if c.Manager.MaxRetries < 0 {
		return fmt.Errorf("manager: max_retries must be >= 0")
	}
	if c.Recorder.Enabled && c.Recorder.DSN == "" {
		return fmt.Errorf("recorder: dsn is required when enabled")
	}
	return nil
}

func defaultConfig() *Config {
	return &Config{
		Endpoint: EndpointConfig{
			Host:   "localhost:8080",
			Path:   "/ws",
			Secure: false,
		},
		Transport: TransportConfig{
			HeartbeatInterval:    30 * time.Second,
			ConnectionTimeout:    10 * time.Second,
			MaxReconnectAttempts: 5,
			Backoff: BackoffConfig{
				Base:   time.Second,
				Max:    30 * time.Second,
				Factor: 2.0,
				Jitter: 0.3,
			},
		},
		Manager: ManagerConfig{
			MaxRetries:      3,
			RetryDelay:      2 * time.Second,
			QualityInterval: 15 * time.Second,
		},
		Cache: CacheConfig{
			TTL:           time.Minute,
			MaxEntries:    256,
			SweepInterval: 30 * time.Second,
			MaxRetries:    3,
			RetryDelay:    time.Second,
		},
		Recorder: RecorderConfig{
			QueueSize:     1024,
			BatchSize:     64,
			FlushInterval: 5 * time.Second,
		},
		Profiling: ProfilingConfig{
			ServerAddress: "http://localhost:4040",
		},
	}
}
