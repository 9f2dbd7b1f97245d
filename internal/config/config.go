package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Configuration represents the complete COWFS configuration.
type Configuration struct {
	Global      GlobalConfig      `yaml:"global"`
	Mount       MountConfig       `yaml:"mount"`
	Store       StoreConfig       `yaml:"store"`
	Cache       CacheConfig       `yaml:"cache"`
	WriteBuffer WriteBufferConfig `yaml:"write_buffer"`
	GC          GCConfig          `yaml:"gc"`
	Network     NetworkConfig     `yaml:"network"`
	Monitoring  MonitoringConfig  `yaml:"monitoring"`
}

// GlobalConfig represents global daemon settings.
type GlobalConfig struct {
	LogLevel    string `yaml:"log_level"`
	LogFile     string `yaml:"log_file"`
	MetricsPort int    `yaml:"metrics_port"`
	HealthPort  int    `yaml:"health_port"`

	// LogMaxSizeMB rotates LogFile once it exceeds this size, in
	// megabytes (0 disables size-based rotation). Only meaningful when
	// LogFile is set; a logger writing to stderr is never rotated.
	LogMaxSizeMB int `yaml:"log_max_size_mb"`
	// LogMaxBackups caps the number of rotated log files retained (0
	// keeps them all).
	LogMaxBackups int `yaml:"log_max_backups"`
	// LogMaxAgeDays removes rotated log files older than this many
	// days (0 disables age-based cleanup).
	LogMaxAgeDays int `yaml:"log_max_age_days"`
	// LogCompress gzips rotated log files once they roll over.
	LogCompress bool `yaml:"log_compress"`
}

// MountConfig represents FUSE mount options.
type MountConfig struct {
	MountPoint         string `yaml:"mount_point"`
	Backend            string `yaml:"backend"`
	AllowOther         bool   `yaml:"allow_other"`
	ReadOnly           bool   `yaml:"read_only"`
	MaxConcurrentOps   int    `yaml:"max_concurrent_ops"`
	Debug              bool   `yaml:"debug"`
}

// StoreConfig represents object-store/backend settings.
type StoreConfig struct {
	DigestAlgo   string `yaml:"digest_algo"` // "sha256" or "blake3"
	FormatVersion int   `yaml:"format_version"`
}

// CacheConfig represents the read-side byte-range cache configuration.
type CacheConfig struct {
	MaxSize        string        `yaml:"max_size"`
	TTL            time.Duration `yaml:"ttl"`
	MaxEntries     int           `yaml:"max_entries"`
	EvictionPolicy string        `yaml:"eviction_policy"`
}

// WriteBufferConfig represents the per-inode write-buffer configuration.
type WriteBufferConfig struct {
	FlushInterval time.Duration `yaml:"flush_interval"`
	MaxBuffers    int           `yaml:"max_buffers"`
	MaxMemory     string        `yaml:"max_memory"`
}

// GCConfig represents garbage-collection policy defaults.
type GCConfig struct {
	SafetyWindow time.Duration `yaml:"safety_window"`
	KeepLast     int           `yaml:"keep_last"`
}

// NetworkConfig groups retry/timeout/circuit-breaker settings used by
// the metadata index and object store's I/O paths.
type NetworkConfig struct {
	Timeouts       TimeoutConfig        `yaml:"timeouts"`
	Retry          RetryConfig          `yaml:"retry"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// TimeoutConfig represents timeout settings.
type TimeoutConfig struct {
	Read  time.Duration `yaml:"read"`
	Write time.Duration `yaml:"write"`
}

// RetryConfig represents retry settings.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

// CircuitBreakerConfig represents circuit breaker settings.
type CircuitBreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold int           `yaml:"failure_threshold"`
	Timeout          time.Duration `yaml:"timeout"`
}

// MonitoringConfig represents monitoring settings.
type MonitoringConfig struct {
	Metrics      MetricsConfig      `yaml:"metrics"`
	HealthChecks HealthChecksConfig `yaml:"health_checks"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// MetricsConfig represents metrics settings.
type MetricsConfig struct {
	Enabled      bool              `yaml:"enabled"`
	Prometheus   bool              `yaml:"prometheus"`
	CustomLabels map[string]string `yaml:"custom_labels"`
}

// HealthChecksConfig represents health check settings.
type HealthChecksConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
}

// LoggingConfig represents logging settings.
type LoggingConfig struct {
	Structured bool   `yaml:"structured"`
	Format     string `yaml:"format"`
}

// NewDefault returns a configuration with sensible defaults.
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			LogLevel:      "INFO",
			LogFile:       "",
			MetricsPort:   8080,
			HealthPort:    8081,
			LogMaxSizeMB:  100,
			LogMaxBackups: 5,
			LogMaxAgeDays: 28,
			LogCompress:   true,
		},
		Mount: MountConfig{
			MaxConcurrentOps: 150,
			Debug:            false,
		},
		Store: StoreConfig{
			DigestAlgo:    "sha256",
			FormatVersion: 1,
		},
		Cache: CacheConfig{
			MaxSize:        "256MB",
			TTL:            5 * time.Minute,
			MaxEntries:     100000,
			EvictionPolicy: "lru",
		},
		WriteBuffer: WriteBufferConfig{
			FlushInterval: 30 * time.Second,
			MaxBuffers:    1000,
			MaxMemory:     "512MB",
		},
		GC: GCConfig{
			SafetyWindow: 60 * time.Second,
			KeepLast:     0,
		},
		Network: NetworkConfig{
			Timeouts: TimeoutConfig{
				Read:  30 * time.Second,
				Write: 300 * time.Second,
			},
			Retry: RetryConfig{
				MaxAttempts: 3,
				BaseDelay:   1 * time.Second,
				MaxDelay:    30 * time.Second,
			},
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:          true,
				FailureThreshold: 5,
				Timeout:          60 * time.Second,
			},
		},
		Monitoring: MonitoringConfig{
			Metrics: MetricsConfig{
				Enabled:    true,
				Prometheus: true,
				CustomLabels: map[string]string{
					"service": "cowfs",
				},
			},
			HealthChecks: HealthChecksConfig{
				Enabled:  true,
				Interval: 30 * time.Second,
				Timeout:  5 * time.Second,
			},
			Logging: LoggingConfig{
				Structured: true,
				Format:     "json",
			},
		},
	}
}

// LoadFromFile loads configuration from a YAML file.
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// LoadFromEnv loads configuration from environment variables.
func (c *Configuration) LoadFromEnv() error {
	if val := os.Getenv("COWFS_LOG_LEVEL"); val != "" {
		c.Global.LogLevel = val
	}
	if val := os.Getenv("COWFS_LOG_FILE"); val != "" {
		c.Global.LogFile = val
	}
	if val := os.Getenv("COWFS_METRICS_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			c.Global.MetricsPort = port
		}
	}
	if val := os.Getenv("COWFS_LOG_MAX_SIZE_MB"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Global.LogMaxSizeMB = n
		}
	}
	if val := os.Getenv("COWFS_LOG_MAX_BACKUPS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Global.LogMaxBackups = n
		}
	}
	if val := os.Getenv("COWFS_BACKEND"); val != "" {
		c.Mount.Backend = val
	}
	if val := os.Getenv("COWFS_MOUNT_POINT"); val != "" {
		c.Mount.MountPoint = val
	}
	if val := os.Getenv("COWFS_DIGEST_ALGO"); val != "" {
		c.Store.DigestAlgo = val
	}
	if val := os.Getenv("COWFS_CACHE_SIZE"); val != "" {
		c.Cache.MaxSize = val
	}
	if val := os.Getenv("COWFS_WRITE_BUFFER_MAX_MEMORY"); val != "" {
		c.WriteBuffer.MaxMemory = val
	}
	if val := os.Getenv("COWFS_GC_SAFETY_WINDOW"); val != "" {
		if duration, err := time.ParseDuration(val); err == nil {
			c.GC.SafetyWindow = duration
		}
	}
	if val := os.Getenv("COWFS_ALLOW_OTHER"); val != "" {
		c.Mount.AllowOther = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("COWFS_READ_ONLY"); val != "" {
		c.Mount.ReadOnly = strings.ToLower(val) == "true"
	}

	return nil
}

// SaveToFile saves the configuration to a YAML file.
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate validates the configuration.
func (c *Configuration) Validate() error {
	if c.Mount.MaxConcurrentOps <= 0 {
		return fmt.Errorf("max_concurrent_ops must be greater than 0")
	}

	if c.Store.DigestAlgo != "sha256" && c.Store.DigestAlgo != "blake3" {
		return fmt.Errorf("invalid digest_algo: %s (must be sha256 or blake3)", c.Store.DigestAlgo)
	}

	if c.Global.MetricsPort == c.Global.HealthPort {
		return fmt.Errorf("metrics_port and health_port cannot be the same")
	}

	validLogLevels := []string{"DEBUG", "INFO", "WARN", "ERROR"}
	logLevelValid := false
	for _, level := range validLogLevels {
		if c.Global.LogLevel == level {
			logLevelValid = true
			break
		}
	}
	if !logLevelValid {
		return fmt.Errorf("invalid log_level: %s (must be one of: %s)",
			c.Global.LogLevel, strings.Join(validLogLevels, ", "))
	}

	return nil
}
