// Package config loads the daemon configuration: defaults first, an
// optional YAML file over them, then environment overrides for the
// values that should not live on disk.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML files can say "2.5s" or "1m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Duration returns the underlying time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Config is the complete daemon configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Provider  ProviderConfig  `yaml:"provider"`
	Redis     RedisConfig     `yaml:"redis"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Jobs      JobsConfig      `yaml:"jobs"`
	Events    EventsConfig    `yaml:"events"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	// Addr is the listen address (default: ":8000").
	Addr string `yaml:"addr"`
	// CORSOrigins lists allowed origins. Default allows all.
	CORSOrigins []string `yaml:"cors_origins"`
	// WebhookSecret guards POST /internal/mcp-event. Empty disables
	// the check.
	WebhookSecret string `yaml:"webhook_secret"`
}

// ProviderConfig selects and configures LLM providers. Providers with
// no credentials configured are simply not registered.
type ProviderConfig struct {
	// Default names the provider used when a request does not pick
	// one (default: "mock").
	Default string `yaml:"default"`
	// Temperature and MaxTokens apply to providers that do not set
	// their own.
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`

	OpenAI    OpenAIProviderConfig    `yaml:"openai"`
	Anthropic AnthropicProviderConfig `yaml:"anthropic"`
	ClaudeCLI ClaudeCLIProviderConfig `yaml:"claude_cli"`
}

// OpenAIProviderConfig configures the OpenAI-compatible provider.
type OpenAIProviderConfig struct {
	Model   string `yaml:"model"`
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// AnthropicProviderConfig configures the Anthropic provider.
type AnthropicProviderConfig struct {
	Model   string `yaml:"model"`
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// ClaudeCLIProviderConfig configures the claude CLI provider.
type ClaudeCLIProviderConfig struct {
	// Enabled registers the provider. The binary must be on PATH or
	// named explicitly.
	Enabled bool     `yaml:"enabled"`
	Model   string   `yaml:"model"`
	Binary  string   `yaml:"binary"`
	Timeout Duration `yaml:"timeout"`
}

// RedisConfig enables Redis-backed stores. An empty Addr keeps
// everything in memory.
type RedisConfig struct {
	Addr     string   `yaml:"addr"`
	Password string   `yaml:"password"`
	DB       int      `yaml:"db"`
	Prefix   string   `yaml:"prefix"`
	TTL      Duration `yaml:"ttl"`
}

// PipelineConfig tunes the optimization orchestrator.
type PipelineConfig struct {
	MaxConcurrentRuns       int      `yaml:"max_concurrent_runs"`
	StreamBufferSize        int      `yaml:"stream_buffer_size"`
	ProgressInterval        Duration `yaml:"progress_interval"`
	GracefulShutdownTimeout Duration `yaml:"graceful_shutdown_timeout"`
}

// JobsConfig tunes the background job queue.
type JobsConfig struct {
	Workers       int      `yaml:"workers"`
	ShutdownGrace Duration `yaml:"shutdown_grace"`
}

// EventsConfig tunes the event bus.
type EventsConfig struct {
	Workers     int `yaml:"workers"`
	QueueSize   int `yaml:"queue_size"`
	HistorySize int `yaml:"history_size"`
}

// MetricsConfig controls the Prometheus endpoint. With an empty Addr
// the scrape handler mounts on the API listener at Path; a non-empty
// Addr runs a standalone scrape listener instead.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
	Addr    string `yaml:"addr"`
}

// TelemetryConfig controls OTLP trace export.
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"service_name"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error (default: info).
	Level string `yaml:"level"`
	// Format is "text" or "json" (default: text).
	Format string `yaml:"format"`
}

// DefaultConfig returns a Config with sensible defaults. The result
// runs standalone: mock provider, in-memory stores, no telemetry.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:        ":8000",
			CORSOrigins: []string{"*"},
		},
		Provider: ProviderConfig{
			Default:     "mock",
			Temperature: 0.7,
			MaxTokens:   4096,
			ClaudeCLI: ClaudeCLIProviderConfig{
				Model:   "claude-sonnet-4-20250514",
				Timeout: Duration(120 * time.Second),
			},
		},
		Redis: RedisConfig{
			Prefix: "promptforge",
			TTL:    Duration(7 * 24 * time.Hour),
		},
		Pipeline: PipelineConfig{
			MaxConcurrentRuns:       8,
			StreamBufferSize:        100,
			ProgressInterval:        Duration(2500 * time.Millisecond),
			GracefulShutdownTimeout: Duration(10 * time.Second),
		},
		Jobs: JobsConfig{
			Workers:       3,
			ShutdownGrace: Duration(2 * time.Second),
		},
		Events: EventsConfig{
			Workers:     4,
			QueueSize:   256,
			HistorySize: 256,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Telemetry: TelemetryConfig{
			Enabled:     false,
			ServiceName: "promptforge",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Validate checks that the configuration is coherent.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Provider.Default == "" {
		return fmt.Errorf("provider.default is required")
	}
	if c.Provider.Temperature < 0 || c.Provider.Temperature > 2 {
		return fmt.Errorf("provider.temperature must be between 0 and 2")
	}
	if c.Provider.MaxTokens < 0 {
		return fmt.Errorf("provider.max_tokens must not be negative")
	}
	if c.Pipeline.MaxConcurrentRuns < 1 {
		return fmt.Errorf("pipeline.max_concurrent_runs must be at least 1")
	}
	if c.Pipeline.StreamBufferSize < 1 {
		return fmt.Errorf("pipeline.stream_buffer_size must be at least 1")
	}
	if c.Jobs.Workers < 1 {
		return fmt.Errorf("jobs.workers must be at least 1")
	}
	if c.Events.Workers < 1 {
		return fmt.Errorf("events.workers must be at least 1")
	}
	if c.Events.HistorySize < 1 {
		return fmt.Errorf("events.history_size must be at least 1")
	}
	if c.Telemetry.Enabled && c.Telemetry.Endpoint == "" {
		return fmt.Errorf("telemetry.endpoint is required when telemetry is enabled")
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}
	return nil
}

// LoadFromFile reads a YAML file over the defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return config, nil
}

// Load builds the effective configuration: defaults, then the file at
// path when non-empty, then environment overrides, then validation.
func Load(path string) (*Config, error) {
	config := DefaultConfig()
	if path != "" {
		loaded, err := LoadFromFile(path)
		if err != nil {
			return nil, err
		}
		config = loaded
	}
	config.applyEnv()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}

// applyEnv overlays values that conventionally come from the
// environment instead of a file, credentials above all.
func (c *Config) applyEnv() {
	if v := os.Getenv("PROMPTFORGE_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("PROMPTFORGE_WEBHOOK_SECRET"); v != "" {
		c.Server.WebhookSecret = v
	}
	if v := os.Getenv("PROMPTFORGE_PROVIDER"); v != "" {
		c.Provider.Default = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		c.Provider.OpenAI.APIKey = v
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		c.Provider.Anthropic.APIKey = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("PROMPTFORGE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}
