package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Engine     EngineConfig     `yaml:"engine"`
	Gmail      GmailConfig      `yaml:"gmail"`
	Encryption EncryptionConfig `yaml:"encryption"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port        int      `yaml:"port"`
	Host        string   `yaml:"host"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// GetHost returns the server host, honoring the SERVER_HOST override
// (containers set SERVER_HOST=0.0.0.0).
func (c ServerConfig) GetHost() string {
	if host := os.Getenv("SERVER_HOST"); host != "" {
		return host
	}
	return c.Host
}

// DatabaseConfig holds Postgres connection configuration
type DatabaseConfig struct {
	URL                    string `yaml:"url"`
	MaxOpenConns           int    `yaml:"max_open_conns"`
	MaxIdleConns           int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeMinutes int    `yaml:"conn_max_lifetime_minutes"`
}

// ConnMaxLifetime returns the configured connection lifetime as a duration
func (c DatabaseConfig) ConnMaxLifetime() time.Duration {
	return time.Duration(c.ConnMaxLifetimeMinutes) * time.Minute
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// EngineConfig holds the campaign engine knobs
type EngineConfig struct {
	MaxParallelPerSender int `yaml:"max_parallel_per_sender"`
	MicroDelayMs         int `yaml:"micro_delay_ms"`
	StatusPollInterval   int `yaml:"status_poll_interval"`
	LogCap               int `yaml:"log_cap"`
	ProgressTTLHours     int `yaml:"progress_ttl_hours"`
	DailyLimitDefault    int `yaml:"daily_limit_default"`
}

// MicroDelay returns the per-send smear delay as a duration
func (c EngineConfig) MicroDelay() time.Duration {
	return time.Duration(c.MicroDelayMs) * time.Millisecond
}

// ProgressTTL returns the progress-hash expiry as a duration
func (c EngineConfig) ProgressTTL() time.Duration {
	return time.Duration(c.ProgressTTLHours) * time.Hour
}

// GmailConfig holds Gmail transport configuration
type GmailConfig struct {
	TimeoutSeconds int  `yaml:"timeout_seconds"`
	DisableBreaker bool `yaml:"disable_breaker"`
}

// Timeout returns the configured timeout as a duration
func (c GmailConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// EncryptionConfig holds the credential encryption key
type EncryptionConfig struct {
	Key string `yaml:"key"`
}

// Load reads and parses the configuration file. A missing file is not an
// error: defaults apply and environment overrides fill the rest.
func Load(path string) (*Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, err
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	// Set defaults
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = []string{"*"}
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 50
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 10
	}
	if cfg.Database.ConnMaxLifetimeMinutes == 0 {
		cfg.Database.ConnMaxLifetimeMinutes = 5
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.Engine.MaxParallelPerSender == 0 {
		cfg.Engine.MaxParallelPerSender = 50
	}
	if cfg.Engine.StatusPollInterval == 0 {
		cfg.Engine.StatusPollInterval = 10
	}
	if cfg.Engine.LogCap == 0 {
		cfg.Engine.LogCap = 5000
	}
	if cfg.Engine.ProgressTTLHours == 0 {
		cfg.Engine.ProgressTTLHours = 24
	}
	if cfg.Engine.DailyLimitDefault == 0 {
		cfg.Engine.DailyLimitDefault = 2000
	}
	if cfg.Gmail.TimeoutSeconds == 0 {
		cfg.Gmail.TimeoutSeconds = 30
	}

	return &cfg, nil
}

// LoadFromEnv loads configuration with environment variable overrides.
// It automatically loads a .env file (if present) before reading env vars,
// so secrets can live in .env locally and in real env vars in deployment.
func LoadFromEnv(path string) (*Config, error) {
	// Load .env file if it exists (no error if missing)
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	// Override with environment variables if present
	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = p
		}
	}
	if origins := os.Getenv("CORS_ORIGINS"); origins != "" {
		cfg.Server.CORSOrigins = strings.Split(origins, ",")
	}
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		cfg.Database.URL = dbURL
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Redis.Addr = addr
	}
	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.Redis.Password = password
	}
	if key := os.Getenv("ENCRYPTION_KEY"); key != "" {
		cfg.Encryption.Key = key
	}
	if v := os.Getenv("GMAIL_DISABLE_BREAKER"); v == "1" || v == "true" {
		cfg.Gmail.DisableBreaker = true
	}

	return cfg, nil
}
