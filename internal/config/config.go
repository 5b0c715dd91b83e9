// Package config provides configuration loading and management for Courier.
// It supports loading configuration from YAML files with environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// StorageMode represents the storage backend mode.
type StorageMode string

const (
	// StorageModeMemory uses in-memory implementations for all storage.
	StorageModeMemory StorageMode = "memory"
	// StorageModeStorage uses real storage backends (Kafka, Redis, PostgreSQL).
	StorageModeStorage StorageMode = "storage"
)

// IsValid returns true if the storage mode is valid.
func (m StorageMode) IsValid() bool {
	return m == StorageModeMemory || m == StorageModeStorage
}

// Config represents the complete application configuration.
type Config struct {
	Storage   StorageConfig   `yaml:"storage"`
	Server    ServerConfig    `yaml:"server"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Topics    TopicsConfig    `yaml:"topics"`
	Redis     RedisConfig     `yaml:"redis"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Logger    LoggerConfig    `yaml:"logger"`
}

// StorageConfig holds the storage mode configuration.
type StorageConfig struct {
	Mode StorageMode `yaml:"mode"`
}

// UseMemory returns true if in-memory storage should be used.
func (c *StorageConfig) UseMemory() bool {
	return c.Mode == StorageModeMemory
}

// UseStorage returns true if real storage backends should be used.
func (c *StorageConfig) UseStorage() bool {
	return c.Mode == StorageModeStorage
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// KafkaConfig holds Kafka connection settings.
type KafkaConfig struct {
	Brokers       []string `yaml:"brokers"`
	ConsumerGroup string   `yaml:"consumer_group"`

	// HealthTimeout bounds the broker liveness probe. It must be shorter
	// than the HTTP write timeout so a probe never outlives the request.
	HealthTimeout time.Duration `yaml:"health_timeout"`

	// PublishTimeout bounds a single asynchronous publish.
	PublishTimeout time.Duration `yaml:"publish_timeout"`
}

// TopicsConfig maps logical channels to physical topic names.
type TopicsConfig struct {
	Notifications string `yaml:"notifications"`
	Emails        string `yaml:"emails"`
	SMS           string `yaml:"sms"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// PostgresConfig holds PostgreSQL connection settings.
type PostgresConfig struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	User         string `yaml:"user"`
	Password     string `yaml:"password"`
	Database     string `yaml:"database"`
	SSLMode      string `yaml:"ssl_mode"`
	MaxOpenConns int32  `yaml:"max_open_conns"`
	MaxIdleConns int32  `yaml:"max_idle_conns"`
}

// SchedulerConfig holds retry scheduler settings.
type SchedulerConfig struct {
	Interval    time.Duration `yaml:"interval"`
	BatchSize   int           `yaml:"batch_size"`
	MaxAttempts int           `yaml:"max_attempts"`
	BaseBackoff time.Duration `yaml:"base_backoff"`
	MaxBackoff  time.Duration `yaml:"max_backoff"`

	// ClaimLease is how long a claimed envelope stays invisible to other scheduler instances.
	ClaimLease time.Duration `yaml:"claim_lease"`

	// LockTTL bounds how long the distributed single-flight lock is held.
	LockTTL time.Duration `yaml:"lock_ttl"`
	LockKey string        `yaml:"lock_key"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "text"
}

// Load reads configuration from the specified YAML file path.
// Returns an error if the file cannot be read or parsed, or the result is invalid.
func Load(path string) (*Config, error) {
	// Clean the path to prevent path traversal attacks
	cleanPath := filepath.Clean(path)
	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// A missing .env file is fine; real environment variables still apply.
	// Existing variables are never overwritten by it.
	_ = godotenv.Load()

	return Parse(data)
}

// Parse builds a configuration from YAML bytes, applying environment
// overrides and defaults.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	// Apply defaults for any unset values
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyEnvOverrides replaces file values with COURIER_* environment variables when set.
func applyEnvOverrides(cfg *Config) error {
	if v, ok := os.LookupEnv("COURIER_STORAGE_MODE"); ok {
		cfg.Storage.Mode = StorageMode(v)
	}
	if v, ok := os.LookupEnv("COURIER_KAFKA_BROKERS"); ok {
		var brokers []string
		for _, b := range strings.Split(v, ",") {
			if b = strings.TrimSpace(b); b != "" {
				brokers = append(brokers, b)
			}
		}
		cfg.Kafka.Brokers = brokers
	}
	if v, ok := os.LookupEnv("COURIER_KAFKA_CONSUMER_GROUP"); ok {
		cfg.Kafka.ConsumerGroup = v
	}
	if v, ok := os.LookupEnv("COURIER_REDIS_HOST"); ok {
		cfg.Redis.Host = v
	}
	if v, ok := os.LookupEnv("COURIER_REDIS_PASSWORD"); ok {
		cfg.Redis.Password = v
	}
	if v, ok := os.LookupEnv("COURIER_POSTGRES_HOST"); ok {
		cfg.Postgres.Host = v
	}
	if v, ok := os.LookupEnv("COURIER_POSTGRES_USER"); ok {
		cfg.Postgres.User = v
	}
	if v, ok := os.LookupEnv("COURIER_POSTGRES_PASSWORD"); ok {
		cfg.Postgres.Password = v
	}
	if v, ok := os.LookupEnv("COURIER_POSTGRES_DATABASE"); ok {
		cfg.Postgres.Database = v
	}
	if v, ok := os.LookupEnv("COURIER_LOG_LEVEL"); ok {
		cfg.Logger.Level = v
	}

	ports := []struct {
		key    string
		target *int
	}{
		{"COURIER_SERVER_PORT", &cfg.Server.Port},
		{"COURIER_REDIS_PORT", &cfg.Redis.Port},
		{"COURIER_POSTGRES_PORT", &cfg.Postgres.Port},
	}
	for _, p := range ports {
		v, ok := os.LookupEnv(p.key)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", p.key, err)
		}
		*p.target = n
	}

	return nil
}

// applyDefaults sets sensible default values for configuration fields
// that are not explicitly set in the config file.
func applyDefaults(cfg *Config) {
	// Storage defaults
	if cfg.Storage.Mode == "" {
		cfg.Storage.Mode = StorageModeMemory
	}

	// Server defaults
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 10 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 10 * time.Second
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = 120 * time.Second
	}

	// Kafka defaults
	if len(cfg.Kafka.Brokers) == 0 {
		cfg.Kafka.Brokers = []string{"localhost:9092"}
	}
	if cfg.Kafka.ConsumerGroup == "" {
		cfg.Kafka.ConsumerGroup = "courier-consumer"
	}
	if cfg.Kafka.HealthTimeout == 0 {
		cfg.Kafka.HealthTimeout = 2 * time.Second
	}
	if cfg.Kafka.PublishTimeout == 0 {
		cfg.Kafka.PublishTimeout = 10 * time.Second
	}

	// Topic defaults
	if cfg.Topics.Notifications == "" {
		cfg.Topics.Notifications = "notifications"
	}
	if cfg.Topics.Emails == "" {
		cfg.Topics.Emails = "emails"
	}
	if cfg.Topics.SMS == "" {
		cfg.Topics.SMS = "sms"
	}

	// Redis defaults
	if cfg.Redis.Host == "" {
		cfg.Redis.Host = "localhost"
	}
	if cfg.Redis.Port == 0 {
		cfg.Redis.Port = 6379
	}

	// Postgres defaults
	if cfg.Postgres.Host == "" {
		cfg.Postgres.Host = "localhost"
	}
	if cfg.Postgres.Port == 0 {
		cfg.Postgres.Port = 5432
	}
	if cfg.Postgres.SSLMode == "" {
		cfg.Postgres.SSLMode = "disable"
	}
	if cfg.Postgres.MaxOpenConns == 0 {
		cfg.Postgres.MaxOpenConns = 25
	}
	if cfg.Postgres.MaxIdleConns == 0 {
		cfg.Postgres.MaxIdleConns = 5
	}

	// Scheduler defaults
	if cfg.Scheduler.Interval == 0 {
		cfg.Scheduler.Interval = 30 * time.Second
	}
	if cfg.Scheduler.BatchSize == 0 {
		cfg.Scheduler.BatchSize = 100
	}
	if cfg.Scheduler.MaxAttempts == 0 {
		cfg.Scheduler.MaxAttempts = 10
	}
	if cfg.Scheduler.BaseBackoff == 0 {
		cfg.Scheduler.BaseBackoff = 5 * time.Second
	}
	if cfg.Scheduler.MaxBackoff == 0 {
		cfg.Scheduler.MaxBackoff = 30 * time.Minute
	}
	if cfg.Scheduler.ClaimLease == 0 {
		cfg.Scheduler.ClaimLease = 2 * time.Minute
	}
	if cfg.Scheduler.LockTTL == 0 {
		cfg.Scheduler.LockTTL = 5 * time.Minute
	}
	if cfg.Scheduler.LockKey == "" {
		cfg.Scheduler.LockKey = "courier:retry-scheduler"
	}

	// Logger defaults
	if cfg.Logger.Level == "" {
		cfg.Logger.Level = "info"
	}
	if cfg.Logger.Format == "" {
		cfg.Logger.Format = "json"
	}
}

// Validate checks cross-field constraints that defaults cannot fix.
func (c *Config) Validate() error {
	if !c.Storage.Mode.IsValid() {
		return fmt.Errorf("invalid storage mode %q", c.Storage.Mode)
	}
	if c.Kafka.HealthTimeout >= c.Server.WriteTimeout {
		return errors.New("kafka.health_timeout must be shorter than server.write_timeout")
	}
	if c.Topics.Notifications == "" || c.Topics.Emails == "" || c.Topics.SMS == "" {
		return errors.New("topic names must not be empty")
	}
	if c.Scheduler.BaseBackoff > c.Scheduler.MaxBackoff {
		return errors.New("scheduler.base_backoff must not exceed scheduler.max_backoff")
	}
	if c.Scheduler.ClaimLease >= c.Scheduler.LockTTL {
		return errors.New("scheduler.claim_lease must be shorter than scheduler.lock_ttl")
	}
	if c.Scheduler.BatchSize < 0 || c.Scheduler.MaxAttempts < 0 {
		return errors.New("scheduler batch_size and max_attempts must not be negative")
	}
	return nil
}

// Address returns the full server address in host:port format.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DSN returns the PostgreSQL connection string.
func (c *PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// RedisAddr returns the Redis address in host:port format.
func (c *RedisConfig) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
