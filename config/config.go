package config

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Config holds the application configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Routing   RoutingConfig   `mapstructure:"routing"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Recovery  RecoveryConfig  `mapstructure:"recovery"`
	Fallback  FallbackConfig  `mapstructure:"fallback"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	Host         string        `mapstructure:"host"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig holds database connection configuration
type DatabaseConfig struct {
	URL             string        `mapstructure:"url"`
	MaxConnections  int           `mapstructure:"max_connections"`
	MinConnections  int           `mapstructure:"min_connections"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
}

// RedisConfig holds broker / counter-store connection configuration
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// QueueTargetConfig is one routing-table row: priority tag -> physical queue
type QueueTargetConfig struct {
	Queue    string `mapstructure:"queue"`
	Priority int    `mapstructure:"priority"`
}

// RoutingConfig holds the static priority-tag routing table
type RoutingConfig struct {
	DefaultQueue    string                       `mapstructure:"default_queue"`
	DefaultPriority int                          `mapstructure:"default_priority"`
	Table           map[string]QueueTargetConfig `mapstructure:"table"`
}

// RateLimitPolicy holds quotas for one scope. Non-positive quota or window
// disables the corresponding check.
type RateLimitPolicy struct {
	GlobalQuota       int           `mapstructure:"global_quota"`
	GlobalWindow      time.Duration `mapstructure:"global_window"`
	PerIdentityQuota  int           `mapstructure:"per_identity_quota"`
	PerIdentityWindow time.Duration `mapstructure:"per_identity_window"`
}

// RateLimitConfig maps scope names to their policies
type RateLimitConfig struct {
	Scopes map[string]RateLimitPolicy `mapstructure:"scopes"`
}

// RecoveryConfig tunes the stuck/failed job sweeps
type RecoveryConfig struct {
	Interval   time.Duration `mapstructure:"interval"`
	StuckAfter time.Duration `mapstructure:"stuck_after"`
	MaxRetries int           `mapstructure:"max_retries"`
	Lookback   time.Duration `mapstructure:"lookback"`
	BatchSize  int           `mapstructure:"batch_size"`
}

// FallbackConfig tunes the local fallback queue drain
type FallbackConfig struct {
	DrainInterval time.Duration `mapstructure:"drain_interval"`
	DrainBatch    int           `mapstructure:"drain_batch"`
}

// WorkerConfig holds job-execution settings for the worker process
type WorkerConfig struct {
	Queues       []string      `mapstructure:"queues"`
	Concurrency  int           `mapstructure:"concurrency"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	PipelineURL  string        `mapstructure:"pipeline_url"`
}

// ChannelConfig describes one notification delivery channel
type ChannelConfig struct {
	Name        string   `mapstructure:"name"`
	Kind        string   `mapstructure:"kind"` // "slack" or "pager"
	Enabled     bool     `mapstructure:"enabled"`
	URL         string   `mapstructure:"url"`
	RoutingKey  string   `mapstructure:"routing_key"`
	Levels      []string `mapstructure:"levels"`
	Username    string   `mapstructure:"username"`
	IconEmoji   string   `mapstructure:"icon_emoji"`
	DedupPrefix string   `mapstructure:"dedup_prefix"`
	Source      string   `mapstructure:"source"`
}

// NotifyConfig holds notification dispatcher configuration
type NotifyConfig struct {
	RetentionDays int             `mapstructure:"retention_days"`
	PurgeInterval time.Duration   `mapstructure:"purge_interval"`
	Channels      []ChannelConfig `mapstructure:"channels"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Format  string `mapstructure:"format"`
	NoColor bool   `mapstructure:"no_color"`
}

// TelemetryConfig holds OpenTelemetry export configuration
type TelemetryConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	Endpoint       string `mapstructure:"endpoint"`
	ServiceVersion string `mapstructure:"service_version"`
	Environment    string `mapstructure:"environment"`
}

// Load loads the configuration from file, .env, and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	// Load .env file if present
	if err := loadEnvFile(); err != nil {
		log.Debug().Err(err).Msg(".env file not loaded")
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("GENERATION_SERVICE")

	bindEnvVars(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found, use defaults and env vars
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	return &cfg, nil
}

// loadEnvFile loads a .env file by parsing KEY=VALUE lines into the environment
func loadEnvFile() error {
	envPaths := []string{".", "./config"}

	for _, path := range envPaths {
		envFile := fmt.Sprintf("%s/.env", path)
		if _, err := os.Stat(envFile); err == nil {
			if err := loadDotEnvFile(envFile); err == nil {
				return nil
			}
		}
	}
	return fmt.Errorf("no .env file found")
}

func loadDotEnvFile(filename string) error {
	file, err := os.Open(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) == 2 {
			key := strings.TrimSpace(parts[0])
			value := strings.TrimSpace(parts[1])
			value = strings.Trim(value, "\"'")
			os.Setenv(key, value)
		}
	}
	return scanner.Err()
}

// bindEnvVars binds environment variables to config keys
func bindEnvVars(v *viper.Viper) {
	v.BindEnv("database.url", "DATABASE_URL")

	v.BindEnv("redis.addr", "REDIS_ADDR")
	v.BindEnv("redis.password", "REDIS_PASSWORD")
	v.BindEnv("redis.db", "REDIS_DB")

	v.BindEnv("server.port", "PORT")
	v.BindEnv("server.host", "HOST")

	v.BindEnv("worker.pipeline_url", "PIPELINE_URL")

	v.BindEnv("logging.level", "LOG_LEVEL")

	v.BindEnv("telemetry.enabled", "OTEL_ENABLED")
	v.BindEnv("telemetry.endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 3000)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)

	v.SetDefault("database.max_connections", 25)
	v.SetDefault("database.min_connections", 5)
	v.SetDefault("database.max_conn_lifetime", 1*time.Hour)
	v.SetDefault("database.max_conn_idle_time", 30*time.Minute)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)

	v.SetDefault("routing.default_queue", "generation.default")
	v.SetDefault("routing.default_priority", 5)
	v.SetDefault("routing.table", map[string]QueueTargetConfig{
		"realtime": {Queue: "generation.realtime", Priority: 9},
		"batch":    {Queue: "generation.batch", Priority: 2},
	})

	v.SetDefault("rate_limit.scopes", map[string]RateLimitPolicy{
		"default": {
			GlobalQuota:       100,
			GlobalWindow:      time.Minute,
			PerIdentityQuota:  30,
			PerIdentityWindow: time.Minute,
		},
		"generation": {
			GlobalQuota:       50,
			GlobalWindow:      time.Minute,
			PerIdentityQuota:  10,
			PerIdentityWindow: time.Minute,
		},
	})

	v.SetDefault("recovery.interval", 5*time.Minute)
	v.SetDefault("recovery.stuck_after", 30*time.Minute)
	v.SetDefault("recovery.max_retries", 3)
	v.SetDefault("recovery.lookback", 24*time.Hour)
	v.SetDefault("recovery.batch_size", 100)

	v.SetDefault("fallback.drain_interval", 60*time.Second)
	v.SetDefault("fallback.drain_batch", 50)

	v.SetDefault("worker.queues", []string{"generation.realtime", "generation.default", "generation.batch"})
	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("worker.poll_interval", time.Second)

	v.SetDefault("notify.retention_days", 30)
	v.SetDefault("notify.purge_interval", 6*time.Hour)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.no_color", false)

	v.SetDefault("telemetry.enabled", false)
}
