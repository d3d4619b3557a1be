// Package config provides configuration management for Parley.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all configuration sections for Parley.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Chat     ChatConfig     `mapstructure:"chat"`
	MCP      MCPConfig      `mapstructure:"mcp"`
	Rules    RulesConfig    `mapstructure:"rules"`
	Memory   MemoryConfig   `mapstructure:"memory"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds database connection configuration.
// Driver selects the backend: "memory" (no persistence), "sqlite" (Path),
// or "postgres" (Host/Port/User/Password/DBName/SSLMode).
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Path     string `mapstructure:"path"` // sqlite file path
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// AuthUser is a statically configured login credential.
type AuthUser struct {
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	UserID   string `mapstructure:"userId"`
}

// AuthConfig holds authentication configuration.
// When Enabled is false, requests may carry an X-User-ID header to select
// the acting user; otherwise the default development user is assumed.
type AuthConfig struct {
	Enabled  bool       `mapstructure:"enabled"`
	APIKeys  []string   `mapstructure:"apiKeys"`
	Users    []AuthUser `mapstructure:"users"`
	TokenTTL int        `mapstructure:"tokenTtl"` // in seconds
}

// ChatConfig holds conversation/runtime configuration.
type ChatConfig struct {
	MaxConnections  int `mapstructure:"maxConnections"`
	SessionTimeout  int `mapstructure:"sessionTimeout"`  // in seconds
	CleanupInterval int `mapstructure:"cleanupInterval"` // in seconds
	HITLTimeout     int `mapstructure:"hitlTimeout"`     // in seconds
}

// MCPConfig holds MCP connection pool configuration.
type MCPConfig struct {
	MaxPerUser     int `mapstructure:"maxPerUser"`
	MaxTotal       int `mapstructure:"maxTotal"`
	ConnectTimeout int `mapstructure:"connectTimeout"` // in seconds
}

// RulesConfig holds rule engine configuration.
type RulesConfig struct {
	GlobalDir      string `mapstructure:"globalDir"`
	MaxContentSize int    `mapstructure:"maxContentSize"`
}

// MemoryConfig holds agent memory file configuration.
type MemoryConfig struct {
	Root          string `mapstructure:"root"`
	MultiTenant   bool   `mapstructure:"multiTenant"`
	ProjectMarker string `mapstructure:"projectMarker"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// TokenTTLDuration returns the token lifetime as a time.Duration.
func (a *AuthConfig) TokenTTLDuration() time.Duration {
	return time.Duration(a.TokenTTL) * time.Second
}

// SessionTimeoutDuration returns the session idle timeout as a time.Duration.
func (c *ChatConfig) SessionTimeoutDuration() time.Duration {
	return time.Duration(c.SessionTimeout) * time.Second
}

// CleanupIntervalDuration returns the expiry sweep interval as a time.Duration.
func (c *ChatConfig) CleanupIntervalDuration() time.Duration {
	return time.Duration(c.CleanupInterval) * time.Second
}

// HITLTimeoutDuration returns the approval wait timeout as a time.Duration.
func (c *ChatConfig) HITLTimeoutDuration() time.Duration {
	return time.Duration(c.HITLTimeout) * time.Second
}

// ConnectTimeoutDuration returns the MCP dial timeout as a time.Duration.
func (m *MCPConfig) ConnectTimeoutDuration() time.Duration {
	return time.Duration(m.ConnectTimeout) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	// Check if running in Kubernetes
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}

	// Check for explicit production environment
	if env := os.Getenv("PARLEY_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	// Default to text format for terminal use (more readable than JSON)
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults - in-memory stores unless a driver is configured
	v.SetDefault("database.driver", "memory")
	v.SetDefault("database.path", "parley.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "parley")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "parley")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "parley-client")
	v.SetDefault("nats.maxReconnects", 10)

	// Auth defaults - disabled for local development
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.apiKeys", []string{})
	v.SetDefault("auth.tokenTtl", 86400) // 24 hours

	// Chat defaults
	v.SetDefault("chat.maxConnections", 100)
	v.SetDefault("chat.sessionTimeout", 3600) // 1 hour
	v.SetDefault("chat.cleanupInterval", 300)
	v.SetDefault("chat.hitlTimeout", 300)

	// MCP defaults
	v.SetDefault("mcp.maxPerUser", 10)
	v.SetDefault("mcp.maxTotal", 100)
	v.SetDefault("mcp.connectTimeout", 30)

	// Rules defaults
	v.SetDefault("rules.globalDir", "")
	v.SetDefault("rules.maxContentSize", 50000)

	// Memory defaults
	v.SetDefault("memory.root", "~/.parley/memory")
	v.SetDefault("memory.multiTenant", true)
	v.SetDefault("memory.projectMarker", ".parley")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix PARLEY_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/parley/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	// Populate the process environment from a local .env before viper reads
	// it. Missing files are fine; real env vars win over .env entries.
	_ = godotenv.Load()

	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("PARLEY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys)
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("database.driver", "PARLEY_DATABASE_DRIVER")
	_ = v.BindEnv("database.dbName", "PARLEY_DATABASE_DB_NAME")
	_ = v.BindEnv("chat.sessionTimeout", "PARLEY_CHAT_SESSION_TIMEOUT")
	_ = v.BindEnv("chat.hitlTimeout", "PARLEY_CHAT_HITL_TIMEOUT")
	_ = v.BindEnv("mcp.maxPerUser", "PARLEY_MCP_MAX_PER_USER")
	_ = v.BindEnv("mcp.maxTotal", "PARLEY_MCP_MAX_TOTAL")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/parley/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
// In development mode (default), most fields are optional.
func validate(cfg *Config) error {
	var errs []string

	// Server validation - always required
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	// Database validation
	switch cfg.Database.Driver {
	case "memory":
		// No persistence, nothing to validate
	case "sqlite":
		if cfg.Database.Path == "" {
			errs = append(errs, "database.path is required when database.driver is sqlite")
		}
	case "postgres":
		if cfg.Database.Host == "" {
			errs = append(errs, "database.host is required when database.driver is postgres")
		}
		if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
			errs = append(errs, "database.port must be between 1 and 65535")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required when database.driver is postgres")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required when database.driver is postgres")
		}
	default:
		errs = append(errs, "database.driver must be one of: memory, sqlite, postgres")
	}

	// Auth validation - static keys/users only matter when enabled
	if cfg.Auth.Enabled && len(cfg.Auth.APIKeys) == 0 && len(cfg.Auth.Users) == 0 {
		errs = append(errs, "auth.apiKeys or auth.users is required when auth.enabled is true")
	}
	if cfg.Auth.TokenTTL <= 0 {
		errs = append(errs, "auth.tokenTtl must be positive")
	}

	// Chat validation
	if cfg.Chat.MaxConnections <= 0 {
		errs = append(errs, "chat.maxConnections must be positive")
	}
	if cfg.Chat.SessionTimeout <= 0 {
		errs = append(errs, "chat.sessionTimeout must be positive")
	}
	if cfg.Chat.CleanupInterval <= 0 {
		errs = append(errs, "chat.cleanupInterval must be positive")
	}
	if cfg.Chat.HITLTimeout <= 0 {
		errs = append(errs, "chat.hitlTimeout must be positive")
	}

	// MCP validation
	if cfg.MCP.MaxPerUser <= 0 {
		errs = append(errs, "mcp.maxPerUser must be positive")
	}
	if cfg.MCP.MaxTotal <= 0 {
		errs = append(errs, "mcp.maxTotal must be positive")
	}

	// Rules validation
	if cfg.Rules.MaxContentSize <= 0 {
		errs = append(errs, "rules.maxContentSize must be positive")
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}
