package config

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"promptbatch/internal/ratelimit"
)

// Config represents the application configuration.
type Config struct {
	Batch       Batch       `yaml:"batch"`
	Limits      Limits      `yaml:"limits"`
	Retry       Retry       `yaml:"retry"`
	Transport   Transport   `yaml:"transport"`
	Idempotency Idempotency `yaml:"idempotency"`
	Archive     Archive     `yaml:"archive"`
	Metrics     Metrics     `yaml:"metrics"`
	LogLevel    string      `yaml:"log_level"`
}

// Batch holds batch-run configuration.
type Batch struct {
	BatchID            string `yaml:"batch_id"`
	InputFile          string `yaml:"input_file"`
	OutputFile         string `yaml:"output_file"`
	FailedFile         string `yaml:"failed_file"`
	CheckpointFile     string `yaml:"checkpoint_file"`
	Concurrency        int    `yaml:"concurrency"`
	QueueSize          int    `yaml:"queue_size"`
	Priority           bool   `yaml:"priority"`
	TaskTimeoutMs      int    `yaml:"task_timeout_ms"`
	CheckpointInterval int    `yaml:"checkpoint_interval"`
	ShutdownTimeoutMs  int    `yaml:"shutdown_timeout_ms"`
	Resume             bool   `yaml:"resume"`
	OnlyFailed         bool   `yaml:"only_failed"`
	SkipCompleted      bool   `yaml:"skip_completed"`
}

// Limits holds rate-limit configuration: defaults plus per-model
// overrides.
type Limits struct {
	Default  ratelimit.Limits            `yaml:"default"`
	PerModel map[string]ratelimit.Limits `yaml:"per_model"`
}

// Retry holds retry and circuit-breaker configuration.
type Retry struct {
	MaxRetries        int     `yaml:"max_retries"`
	BaseDelayMs       int     `yaml:"base_delay_ms"`
	MaxDelayMs        int     `yaml:"max_delay_ms"`
	Multiplier        float64 `yaml:"multiplier"`
	JitterMs          int     `yaml:"jitter_ms"`
	BreakerThreshold  int     `yaml:"breaker_threshold"`
	BreakerCooldownMs int     `yaml:"breaker_cooldown_ms"`
}

// Transport selects and configures the transport backend.
type Transport struct {
	Kind        string  `yaml:"kind"` // simulate, ollama, gemini
	Model       string  `yaml:"model"`
	APIKey      string  `yaml:"api_key"`
	LatencyMs   int     `yaml:"latency_ms"`   // simulate only
	FailureRate float64 `yaml:"failure_rate"` // simulate only
}

// Idempotency configures content-hash deduplication.
type Idempotency struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"` // empty keeps records in memory only
}

// Archive configures artifact upload after a run.
type Archive struct {
	Enabled   bool   `yaml:"enabled"`
	Backend   string `yaml:"backend"` // local, s3
	Directory string `yaml:"directory"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Secure    bool   `yaml:"secure"`
	Bucket    string `yaml:"bucket"`
}

// Metrics configures the prometheus endpoint.
type Metrics struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Load loads configuration from file and command line flags.
func Load(configFile string, flags *pflag.FlagSet) (*Config, error) {
	cfg := &Config{
		LogLevel: "info",
		Batch: Batch{
			OutputFile:         "./output.ndjson",
			FailedFile:         "./failed.ndjson",
			CheckpointFile:     "./checkpoint.json",
			Concurrency:        4,
			QueueSize:          1000,
			TaskTimeoutMs:      60000,
			CheckpointInterval: 10,
			ShutdownTimeoutMs:  30000,
		},
		Limits: Limits{
			Default: ratelimit.Limits{
				RequestsPerMinute: 60,
				Burst:             10,
			},
		},
		Retry: Retry{
			MaxRetries:        3,
			BaseDelayMs:       500,
			MaxDelayMs:        30000,
			Multiplier:        2.0,
			JitterMs:          250,
			BreakerThreshold:  5,
			BreakerCooldownMs: 30000,
		},
		Transport: Transport{
			Kind:  "simulate",
			Model: "default",
		},
		Archive: Archive{
			Backend: "local",
		},
		Metrics: Metrics{
			Addr: ":8080",
		},
	}

	// Load from YAML file if provided
	if configFile != "" {
		if err := loadFromFile(cfg, configFile); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	// Override with command line flags
	if err := loadFromFlags(cfg, flags); err != nil {
		return nil, fmt.Errorf("failed to load flags: %w", err)
	}

	// Validate configuration
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func loadFromFile(cfg *Config, filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return err
	}

	return yaml.Unmarshal(data, cfg)
}

func loadFromFlags(cfg *Config, flags *pflag.FlagSet) error {
	if flags.Changed("input") {
		cfg.Batch.InputFile, _ = flags.GetString("input")
	}
	if flags.Changed("output") {
		cfg.Batch.OutputFile, _ = flags.GetString("output")
	}
	if flags.Changed("failed") {
		cfg.Batch.FailedFile, _ = flags.GetString("failed")
	}
	if flags.Changed("checkpoint") {
		cfg.Batch.CheckpointFile, _ = flags.GetString("checkpoint")
	}
	if flags.Changed("batch-id") {
		cfg.Batch.BatchID, _ = flags.GetString("batch-id")
	}
	if flags.Changed("concurrency") {
		cfg.Batch.Concurrency, _ = flags.GetInt("concurrency")
	}
	if flags.Changed("queue-size") {
		cfg.Batch.QueueSize, _ = flags.GetInt("queue-size")
	}
	if flags.Changed("priority") {
		cfg.Batch.Priority, _ = flags.GetBool("priority")
	}
	if flags.Changed("task-timeout-ms") {
		cfg.Batch.TaskTimeoutMs, _ = flags.GetInt("task-timeout-ms")
	}
	if flags.Changed("checkpoint-interval") {
		cfg.Batch.CheckpointInterval, _ = flags.GetInt("checkpoint-interval")
	}
	if flags.Changed("resume") {
		cfg.Batch.Resume, _ = flags.GetBool("resume")
	}
	if flags.Changed("only-failed") {
		cfg.Batch.OnlyFailed, _ = flags.GetBool("only-failed")
	}
	if flags.Changed("skip-completed") {
		cfg.Batch.SkipCompleted, _ = flags.GetBool("skip-completed")
	}
	if flags.Changed("max-retries") {
		cfg.Retry.MaxRetries, _ = flags.GetInt("max-retries")
	}
	if flags.Changed("retry-backoff-ms") {
		cfg.Retry.BaseDelayMs, _ = flags.GetInt("retry-backoff-ms")
	}
	if flags.Changed("rpm") {
		cfg.Limits.Default.RequestsPerMinute, _ = flags.GetFloat64("rpm")
	}
	if flags.Changed("tpm") {
		cfg.Limits.Default.TokensPerMinute, _ = flags.GetFloat64("tpm")
	}
	if flags.Changed("burst") {
		cfg.Limits.Default.Burst, _ = flags.GetFloat64("burst")
	}
	if flags.Changed("transport") {
		cfg.Transport.Kind, _ = flags.GetString("transport")
	}
	if flags.Changed("model") {
		cfg.Transport.Model, _ = flags.GetString("model")
	}
	if flags.Changed("api-key") {
		cfg.Transport.APIKey, _ = flags.GetString("api-key")
	}
	if flags.Changed("dry-run") {
		if dry, _ := flags.GetBool("dry-run"); dry {
			cfg.Transport.Kind = "simulate"
		}
	}
	if flags.Changed("idempotency") {
		cfg.Idempotency.Enabled, _ = flags.GetBool("idempotency")
	}
	if flags.Changed("idempotency-db") {
		cfg.Idempotency.Path, _ = flags.GetString("idempotency-db")
	}
	if flags.Changed("metrics") {
		cfg.Metrics.Enabled, _ = flags.GetBool("metrics")
	}
	if flags.Changed("metrics-addr") {
		cfg.Metrics.Addr, _ = flags.GetString("metrics-addr")
	}
	if flags.Changed("log-level") {
		cfg.LogLevel, _ = flags.GetString("log-level")
	}

	return nil
}

func (c *Config) validate() error {
	if c.Batch.InputFile == "" {
		return fmt.Errorf("input file is required")
	}
	if c.Batch.Concurrency <= 0 {
		return fmt.Errorf("concurrency must be positive")
	}
	if c.Batch.QueueSize < c.Batch.Concurrency {
		return fmt.Errorf("queue size must be at least the concurrency")
	}
	if c.Batch.OnlyFailed && c.Batch.SkipCompleted {
		return fmt.Errorf("only-failed and skip-completed are mutually exclusive")
	}

	if c.Limits.Default.RequestsPerMinute <= 0 {
		return fmt.Errorf("requests per minute must be positive")
	}
	for model, limits := range c.Limits.PerModel {
		if limits.RequestsPerMinute <= 0 {
			return fmt.Errorf("limits for model %q: requests per minute must be positive", model)
		}
		if limits.TokensPerMinute < 0 {
			return fmt.Errorf("limits for model %q: tokens per minute cannot be negative", model)
		}
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}

	switch c.Transport.Kind {
	case "simulate", "ollama":
	case "gemini":
		if c.Transport.APIKey == "" {
			return fmt.Errorf("gemini transport requires an api key")
		}
	default:
		return fmt.Errorf("unknown transport kind %q", c.Transport.Kind)
	}

	if c.Archive.Enabled {
		switch c.Archive.Backend {
		case "local":
			if c.Archive.Directory == "" {
				return fmt.Errorf("local archive requires a directory")
			}
		case "s3":
			if c.Archive.Endpoint == "" || c.Archive.Bucket == "" {
				return fmt.Errorf("s3 archive requires an endpoint and bucket")
			}
		default:
			return fmt.Errorf("unknown archive backend %q", c.Archive.Backend)
		}
	}

	return nil
}
