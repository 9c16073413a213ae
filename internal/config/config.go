// Package config loads daemon configuration from a YAML file with
// environment-variable overrides. Defaults are usable out of the box: an
// in-memory backend, JSON logging, and stock run budgets.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/blockflow/blockflow/pkg/errors"
)

// Duration decodes from YAML as either a Go duration string ("90s") or an
// integer nanosecond count.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err != nil {
		return fmt.Errorf("duration must be a string or integer: %w", err)
	}
	*d = Duration(n)
	return nil
}

// Std returns the standard-library duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the full daemon configuration.
type Config struct {
	Backend  BackendConfig  `yaml:"backend"`
	Log      LogConfig      `yaml:"log"`
	Runs     RunsConfig     `yaml:"runs"`
	Fetch    FetchConfig    `yaml:"fetch"`
	Agent    AgentConfig    `yaml:"agent"`
	Location LocationConfig `yaml:"location"`
	Secrets  SecretsConfig  `yaml:"secrets"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Tracing  TracingConfig  `yaml:"tracing"`
}

// BackendConfig selects and configures run persistence.
type BackendConfig struct {
	// Driver is "memory" or "sqlite".
	Driver string `yaml:"driver"`
	// Path is the sqlite database file.
	Path string `yaml:"path,omitempty"`
	// WAL enables write-ahead logging for sqlite.
	WAL bool `yaml:"wal"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	AddSource bool   `yaml:"add_source"`
}

// RunsConfig bounds run execution.
type RunsConfig struct {
	MaxSteps         int      `yaml:"max_steps,omitempty"`
	MaxDuration      Duration `yaml:"max_duration,omitempty"`
	DeferConcurrency int      `yaml:"defer_concurrency,omitempty"`
	DrainTimeout     Duration `yaml:"drain_timeout,omitempty"`
}

// FetchConfig configures the fetch block and the sandbox fetch capability.
type FetchConfig struct {
	// AllowPrivate disables the SSRF guard. Only for isolated deployments.
	AllowPrivate bool `yaml:"allow_private"`
	// RatePerSecond limits sandbox-initiated requests. Zero means the
	// default of 5/s.
	RatePerSecond float64 `yaml:"rate_per_second,omitempty"`
	Burst         int     `yaml:"burst,omitempty"`
}

// AgentConfig configures the agent block's LLM provider.
type AgentConfig struct {
	// APIKey authenticates against the Anthropic API. Empty disables agent
	// blocks.
	APIKey string `yaml:"api_key,omitempty"`
}

// LocationConfig is the fixed location reported by location blocks.
type LocationConfig struct {
	Latitude  float64 `yaml:"latitude"`
	Longitude float64 `yaml:"longitude"`
	Label     string  `yaml:"label,omitempty"`
	Timezone  string  `yaml:"timezone,omitempty"`
}

// SecretsConfig configures secret resolution and paused-state sealing.
type SecretsConfig struct {
	// SealPassphrase protects persisted paused run state. Empty generates a
	// random per-process key, which means paused runs do not survive a
	// restart.
	SealPassphrase string `yaml:"seal_passphrase,omitempty"`
	// UseKeyring enables the OS keychain in the resolver chain.
	UseKeyring bool `yaml:"use_keyring"`
	// Static is the org secret map attached to run contexts.
	Static map[string]string `yaml:"static,omitempty"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Addr is the listen address for /metrics. Empty disables the endpoint.
	Addr string `yaml:"addr,omitempty"`
}

// TracingConfig configures OpenTelemetry span export.
type TracingConfig struct {
	// Enabled turns span export on.
	Enabled bool `yaml:"enabled"`
	// SampleRatio is the fraction of root spans recorded. Out-of-range
	// values mean "record everything".
	SampleRatio float64 `yaml:"sample_ratio,omitempty"`
	// Pretty enables indented JSON span output.
	Pretty bool `yaml:"pretty"`
}

// Default returns the stock configuration.
func Default() *Config {
	return &Config{
		Backend: BackendConfig{Driver: "memory", WAL: true},
		Log:     LogConfig{Level: "info", Format: "json"},
		Runs: RunsConfig{
			MaxSteps:         10000,
			MaxDuration:      Duration(5 * time.Minute),
			DeferConcurrency: 3,
			DrainTimeout:     Duration(30 * time.Second),
		},
	}
}

// Load builds the configuration: defaults, then the YAML file at path (if
// any), then environment overrides. A missing file is not an error when path
// is empty.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, &errors.ConfigError{Key: "config", Reason: "reading config file", Cause: err}
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, &errors.ConfigError{Key: "config", Reason: "parsing config file", Cause: err}
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv layers BLOCKFLOW_* environment variables over the file values.
func applyEnv(cfg *Config) {
	if v := os.Getenv("BLOCKFLOW_BACKEND"); v != "" {
		cfg.Backend.Driver = v
	}
	if v := os.Getenv("BLOCKFLOW_DB_PATH"); v != "" {
		cfg.Backend.Path = v
	}
	if v := os.Getenv("BLOCKFLOW_METRICS_ADDR"); v != "" {
		cfg.Metrics.Addr = v
	}
	if v := os.Getenv("BLOCKFLOW_SEAL_PASSPHRASE"); v != "" {
		cfg.Secrets.SealPassphrase = v
	}
	if v := os.Getenv("BLOCKFLOW_ALLOW_PRIVATE_FETCH"); v != "" {
		if allowed, err := strconv.ParseBool(v); err == nil {
			cfg.Fetch.AllowPrivate = allowed
		}
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" && cfg.Agent.APIKey == "" {
		cfg.Agent.APIKey = v
	}
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch c.Backend.Driver {
	case "memory":
	case "sqlite":
		if c.Backend.Path == "" {
			return &errors.ConfigError{Key: "backend.path", Reason: "sqlite backend requires a database path"}
		}
	default:
		return &errors.ConfigError{Key: "backend.driver", Reason: "must be \"memory\" or \"sqlite\""}
	}
	if c.Runs.MaxSteps < 0 || c.Runs.DeferConcurrency < 0 {
		return &errors.ConfigError{Key: "runs", Reason: "budgets must be non-negative"}
	}
	return nil
}
