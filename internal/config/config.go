// Package config provides configuration loading for the Oasis orchestrator.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the orchestrator.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Router    RouterConfig    `mapstructure:"router"`
	Gateway   GatewayConfig   `mapstructure:"gateway"`
	Snapshot  SnapshotConfig  `mapstructure:"snapshot"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	Host         string        `mapstructure:"host"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	Environment  string        `mapstructure:"environment"` // dev, staging, prod
}

// Addr returns the listen address string.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// SchedulerConfig holds control-tick loop tuning.
type SchedulerConfig struct {
	Period           time.Duration `mapstructure:"period"`
	LocalTicks       int           `mapstructure:"local_ticks"`
	Parallel         bool          `mapstructure:"parallel"`
	ParallelLimit    int           `mapstructure:"parallel_limit"`
	AdvanceBudget    time.Duration `mapstructure:"advance_budget"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
	ShutdownGrace    time.Duration `mapstructure:"shutdown_grace"`
}

// RouterConfig holds event router tuning.
type RouterConfig struct {
	Capacity int `mapstructure:"capacity"`
}

// GatewayConfig holds WebSocket gateway tuning. Token lists map connections
// onto roles; empty lists leave every session anonymous.
type GatewayConfig struct {
	ReplayCapacity int      `mapstructure:"replay_capacity"`
	OutboundQueue  int      `mapstructure:"outbound_queue"`
	RatePerMinute  int      `mapstructure:"rate_per_minute"`
	RateBurst      int      `mapstructure:"rate_burst"`
	AdminTokens    []string `mapstructure:"admin_tokens"`
	AuthTokens     []string `mapstructure:"auth_tokens"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// SnapshotConfig selects the optional persistence backend. An empty backend
// disables snapshotting.
type SnapshotConfig struct {
	Backend       string `mapstructure:"backend"` // "", "redis", "postgres"
	RestoreOnBoot bool   `mapstructure:"restore_on_boot"`

	RedisHost     string `mapstructure:"redis_host"`
	RedisPort     int    `mapstructure:"redis_port"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`

	PostgresDSN string `mapstructure:"postgres_dsn"`
}

// RedisAddr returns the Redis address string.
func (c SnapshotConfig) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.RedisHost, c.RedisPort)
}

// Validate rejects configurations the server cannot start with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: invalid server port %d", c.Server.Port)
	}
	switch c.Snapshot.Backend {
	case "", "redis":
	case "postgres":
		if c.Snapshot.PostgresDSN == "" {
			return fmt.Errorf("config: snapshot backend postgres requires postgres_dsn")
		}
	default:
		return fmt.Errorf("config: unknown snapshot backend %q", c.Snapshot.Backend)
	}
	return nil
}

// Load reads configuration from files and environment variables.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/oasis")

	v.SetEnvPrefix("OASIS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// Nested keys need explicit binds for env-only operation.
	v.BindEnv("snapshot.backend", "OASIS_SNAPSHOT_BACKEND")
	v.BindEnv("snapshot.redis_host", "OASIS_SNAPSHOT_REDIS_HOST")
	v.BindEnv("snapshot.redis_password", "OASIS_SNAPSHOT_REDIS_PASSWORD")
	v.BindEnv("snapshot.postgres_dsn", "OASIS_SNAPSHOT_POSTGRES_DSN")

	// Config file not found is fine; defaults and env vars carry it.
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// setDefaults configures default values for all settings.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8765)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.environment", "dev")

	v.SetDefault("scheduler.period", "100ms")
	v.SetDefault("scheduler.local_ticks", 10)
	v.SetDefault("scheduler.parallel", true)
	v.SetDefault("scheduler.parallel_limit", 0) // 0 selects NumCPU
	v.SetDefault("scheduler.advance_budget", "200ms")
	v.SetDefault("scheduler.failure_threshold", 3)
	v.SetDefault("scheduler.shutdown_grace", "200ms")

	v.SetDefault("router.capacity", 10000)

	v.SetDefault("gateway.replay_capacity", 5000)
	v.SetDefault("gateway.outbound_queue", 1024)
	v.SetDefault("gateway.rate_per_minute", 120)
	v.SetDefault("gateway.rate_burst", 40)

	v.SetDefault("snapshot.backend", "")
	v.SetDefault("snapshot.restore_on_boot", true)
	v.SetDefault("snapshot.redis_host", "localhost")
	v.SetDefault("snapshot.redis_port", 6379)
	v.SetDefault("snapshot.redis_password", "")
	v.SetDefault("snapshot.redis_db", 0)
	v.SetDefault("snapshot.postgres_dsn", "")
}
