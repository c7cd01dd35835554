// Package config loads the engine's static process configuration: ports,
// datastore DSNs, auth secrets, and feature toggles that are fixed for the
// life of the process. The hot-reloadable admission/lifecycle thresholds
// live in runtimeconfig.Config instead, since those must be swappable
// without a restart.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the top-level process configuration, loaded once at startup.
type Config struct {
	Server         ServerConfig         `json:"server"`
	Postgres       PostgresConfig       `json:"postgres"`
	Redis          RedisConfig          `json:"redis"`
	Auth           AuthConfig           `json:"auth"`
	Vault          VaultConfig          `json:"vault"`
	Logging        LoggingConfig        `json:"logging"`
	RuntimeConfig  RuntimeConfigFile    `json:"runtime_config"`
	LifecycleTick  time.Duration        `json:"lifecycle_tick"`
}

// RuntimeConfigFile points at the persisted RuntimeConfig JSON file (C1).
type RuntimeConfigFile struct {
	Path string `json:"path"`
}

type ServerConfig struct {
	Port            int    `json:"port"`
	Host            string `json:"host"`
	AllowedOrigins  string `json:"allowed_origins"`
	ProductionMode  bool   `json:"production_mode"`
	ReadTimeout     int    `json:"read_timeout"`
	WriteTimeout    int    `json:"write_timeout"`
	ShutdownTimeout int    `json:"shutdown_timeout"`
}

type PostgresConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode"`
}

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

type AuthConfig struct {
	Enabled              bool          `json:"enabled"`
	JWTSecret            string        `json:"jwt_secret"`
	AccessTokenDuration  time.Duration `json:"access_token_duration"`
	MinPasswordLength    int           `json:"min_password_length"`
	OperatorUsername     string        `json:"operator_username"`
	OperatorPasswordHash string        `json:"operator_password_hash"`
}

// VaultConfig holds HashiCorp Vault configuration, used to fetch the
// Postgres and Redis passwords instead of storing them in config.json/env
// when enabled.
type VaultConfig struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address"`
	Token      string `json:"token"`
	MountPath  string `json:"mount_path"`
	SecretPath string `json:"secret_path"`
	TLSEnabled bool   `json:"tls_enabled"`
	CACert     string `json:"ca_cert"`
}

type LoggingConfig struct {
	Level       string `json:"level"`
	Output      string `json:"output"`
	JSONFormat  bool   `json:"json_format"`
	IncludeFile bool   `json:"include_file"`
}

// Load reads config.json as the base, then applies environment variable
// overrides on top — env vars always take precedence. The one exception is
// LOG_JSON: JSON log format is on unless LOG_JSON is set to something other
// than "true", whatever config.json says. Secrets (DB/Redis
// passwords, JWT secret) are never given non-empty defaults here; if Vault
// is enabled they are fetched at startup instead (see internal/secrets).
func Load() (*Config, error) {
	cfg, err := loadFromFile("config.json")
	if err != nil {
		cfg = &Config{}
	}
	applyEnvOverrides(cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	cfg.Server.Port = getEnvIntOrDefault("SERVER_PORT", orInt(cfg.Server.Port, 8080))
	cfg.Server.Host = getEnvOrDefault("SERVER_HOST", orStr(cfg.Server.Host, "0.0.0.0"))
	cfg.Server.AllowedOrigins = getEnvOrDefault("SERVER_ALLOWED_ORIGINS", orStr(cfg.Server.AllowedOrigins, "*"))
	cfg.Server.ProductionMode = getEnvOrDefault("SERVER_PRODUCTION_MODE", strconv.FormatBool(cfg.Server.ProductionMode)) == "true"
	cfg.Server.ReadTimeout = getEnvIntOrDefault("SERVER_READ_TIMEOUT", orInt(cfg.Server.ReadTimeout, 30))
	cfg.Server.WriteTimeout = getEnvIntOrDefault("SERVER_WRITE_TIMEOUT", orInt(cfg.Server.WriteTimeout, 30))
	cfg.Server.ShutdownTimeout = getEnvIntOrDefault("SERVER_SHUTDOWN_TIMEOUT", orInt(cfg.Server.ShutdownTimeout, 10))

	cfg.Postgres.Host = getEnvOrDefault("POSTGRES_HOST", orStr(cfg.Postgres.Host, "localhost"))
	cfg.Postgres.Port = getEnvIntOrDefault("POSTGRES_PORT", orInt(cfg.Postgres.Port, 5432))
	cfg.Postgres.User = getEnvOrDefault("POSTGRES_USER", orStr(cfg.Postgres.User, "recoengine"))
	cfg.Postgres.Password = getEnvOrDefault("POSTGRES_PASSWORD", cfg.Postgres.Password)
	cfg.Postgres.Database = getEnvOrDefault("POSTGRES_DATABASE", orStr(cfg.Postgres.Database, "recoengine"))
	cfg.Postgres.SSLMode = getEnvOrDefault("POSTGRES_SSL_MODE", orStr(cfg.Postgres.SSLMode, "disable"))

	cfg.Redis.Enabled = getEnvOrDefault("REDIS_ENABLED", strconv.FormatBool(cfg.Redis.Enabled)) == "true"
	cfg.Redis.Address = getEnvOrDefault("REDIS_ADDRESS", orStr(cfg.Redis.Address, "localhost:6379"))
	cfg.Redis.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.DB = getEnvIntOrDefault("REDIS_DB", cfg.Redis.DB)
	cfg.Redis.PoolSize = getEnvIntOrDefault("REDIS_POOL_SIZE", orInt(cfg.Redis.PoolSize, 10))

	cfg.Auth.Enabled = getEnvOrDefault("AUTH_ENABLED", strconv.FormatBool(cfg.Auth.Enabled)) == "true"
	cfg.Auth.JWTSecret = getEnvOrDefault("AUTH_JWT_SECRET", cfg.Auth.JWTSecret)
	cfg.Auth.AccessTokenDuration = getEnvDurationOrDefault("AUTH_ACCESS_TOKEN_DURATION", orDuration(cfg.Auth.AccessTokenDuration, time.Hour))
	cfg.Auth.MinPasswordLength = getEnvIntOrDefault("AUTH_MIN_PASSWORD_LENGTH", orInt(cfg.Auth.MinPasswordLength, 8))
	cfg.Auth.OperatorUsername = getEnvOrDefault("AUTH_OPERATOR_USERNAME", cfg.Auth.OperatorUsername)
	cfg.Auth.OperatorPasswordHash = getEnvOrDefault("AUTH_OPERATOR_PASSWORD_HASH", cfg.Auth.OperatorPasswordHash)

	cfg.Vault.Enabled = getEnvOrDefault("VAULT_ENABLED", strconv.FormatBool(cfg.Vault.Enabled)) == "true"
	cfg.Vault.Address = getEnvOrDefault("VAULT_ADDR", orStr(cfg.Vault.Address, "http://localhost:8200"))
	cfg.Vault.Token = getEnvOrDefault("VAULT_TOKEN", cfg.Vault.Token)
	cfg.Vault.MountPath = getEnvOrDefault("VAULT_MOUNT_PATH", orStr(cfg.Vault.MountPath, "secret"))
	cfg.Vault.SecretPath = getEnvOrDefault("VAULT_SECRET_PATH", orStr(cfg.Vault.SecretPath, "recoengine/infra"))
	cfg.Vault.TLSEnabled = getEnvOrDefault("VAULT_TLS_ENABLED", strconv.FormatBool(cfg.Vault.TLSEnabled)) == "true"

	cfg.Logging.Level = getEnvOrDefault("LOG_LEVEL", orStr(cfg.Logging.Level, "INFO"))
	cfg.Logging.Output = getEnvOrDefault("LOG_OUTPUT", orStr(cfg.Logging.Output, "stdout"))
	cfg.Logging.JSONFormat = getEnvOrDefault("LOG_JSON", "true") == "true"
	cfg.Logging.IncludeFile = getEnvOrDefault("LOG_INCLUDE_FILE", strconv.FormatBool(cfg.Logging.IncludeFile)) == "true"

	cfg.RuntimeConfig.Path = getEnvOrDefault("RUNTIME_CONFIG_PATH", orStr(cfg.RuntimeConfig.Path, "runtime_config.json"))
	cfg.LifecycleTick = getEnvDurationOrDefault("LIFECYCLE_TICK", orDuration(cfg.LifecycleTick, 2*time.Second))
}

func loadFromFile(filename string) (*Config, error) {
	file, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(file, &cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}
	return &cfg, nil
}

func orStr(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func orInt(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

func orDuration(v, def time.Duration) time.Duration {
	if v == 0 {
		return def
	}
	return v
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
