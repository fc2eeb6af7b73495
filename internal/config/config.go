package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// SourceConfig holds source database configuration
type SourceConfig struct {
	Name string `yaml:"name"`
	URI  string `yaml:"uri"`
}

// TargetConfig holds target database configuration
type TargetConfig struct {
	Name string `yaml:"name"`
	URI  string `yaml:"uri"`
}

// StoreConfig holds segment store configuration
type StoreConfig struct {
	// Backend is one of: filesystem, s3, memory, passthrough.
	Backend     string `yaml:"backend"`
	Dir         string `yaml:"dir"`
	Bucket      string `yaml:"bucket"`
	Prefix      string `yaml:"prefix"`
	SegmentSize int64  `yaml:"segment_size"`
}

// BackupConfig holds segment producer configuration
type BackupConfig struct {
	TxnsPerSegment int64         `yaml:"txns_per_segment"`
	Parallel       bool          `yaml:"parallel"`
	Workers        int           `yaml:"workers"`
	MaxRetries     int           `yaml:"max_retries"`
	RetryDelay     time.Duration `yaml:"retry_delay"`
}

// RestoreConfig holds consumer and continuous restore configuration
type RestoreConfig struct {
	PollInterval      time.Duration `yaml:"poll_interval"`
	PrefetchBuffer    int           `yaml:"prefetch_buffer"`
	InitialRetryDelay time.Duration `yaml:"initial_retry_delay"`
	MaxRetryDelay     time.Duration `yaml:"max_retry_delay"`
	Verify            *bool         `yaml:"verify"`
	VerifyProbability float64       `yaml:"verify_probability"`
	Blacklist         []string      `yaml:"blacklist"`
}

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config represents the complete configuration for the replicator
type Config struct {
	Source  SourceConfig  `yaml:"source"`
	Target  TargetConfig  `yaml:"target"`
	Store   StoreConfig   `yaml:"store"`
	Backup  BackupConfig  `yaml:"backup"`
	Restore RestoreConfig `yaml:"restore"`
	Metrics MetricsConfig `yaml:"metrics"`
	Logging LoggingConfig `yaml:"logging"`
}

// LoadConfig loads configuration from a file
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	setDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default values for unspecified configuration
func setDefaults(cfg *Config) {
	if cfg.Store.Backend == "" {
		cfg.Store.Backend = "filesystem"
	}
	if cfg.Store.SegmentSize == 0 {
		cfg.Store.SegmentSize = 1000
	}

	if cfg.Backup.TxnsPerSegment == 0 {
		cfg.Backup.TxnsPerSegment = 1000
	}
	if cfg.Backup.Workers == 0 {
		cfg.Backup.Workers = 4
	}
	if cfg.Backup.MaxRetries == 0 {
		cfg.Backup.MaxRetries = 3
	}
	if cfg.Backup.RetryDelay == 0 {
		cfg.Backup.RetryDelay = time.Second
	}

	if cfg.Restore.PollInterval == 0 {
		cfg.Restore.PollInterval = 5 * time.Second
	}
	if cfg.Restore.PrefetchBuffer == 0 {
		cfg.Restore.PrefetchBuffer = 5
	}
	if cfg.Restore.InitialRetryDelay == 0 {
		cfg.Restore.InitialRetryDelay = time.Second
	}
	if cfg.Restore.MaxRetryDelay == 0 {
		cfg.Restore.MaxRetryDelay = 5 * time.Minute
	}
	if cfg.Restore.Verify == nil {
		on := true
		cfg.Restore.Verify = &on
	}
	if cfg.Restore.VerifyProbability == 0 {
		cfg.Restore.VerifyProbability = 0.01
	}

	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9090
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Source.Name == "" {
		return fmt.Errorf("source.name is required")
	}
	if c.Source.URI == "" {
		return fmt.Errorf("source.uri is required")
	}
	if c.Target.URI == "" {
		return fmt.Errorf("target.uri is required")
	}
	switch c.Store.Backend {
	case "filesystem":
		if c.Store.Dir == "" {
			return fmt.Errorf("store.dir is required for the filesystem backend")
		}
	case "s3":
		if c.Store.Bucket == "" {
			return fmt.Errorf("store.bucket is required for the s3 backend")
		}
	case "memory", "passthrough":
	default:
		return fmt.Errorf("unknown store.backend %q", c.Store.Backend)
	}
	if c.Restore.VerifyProbability < 0 || c.Restore.VerifyProbability > 1 {
		return fmt.Errorf("restore.verify_probability must be between 0 and 1")
	}
	if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
		return fmt.Errorf("metrics.port must be between 1 and 65535")
	}
	return nil
}
