// Package config provides configuration management for the bridge.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the bridge.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Store    StoreConfig    `mapstructure:"store"`
	Agents   AgentsConfig   `mapstructure:"agents"`
	Sessions SessionsConfig `mapstructure:"sessions"`
	Events   EventsConfig   `mapstructure:"events"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host        string `mapstructure:"host"`
	Port        int    `mapstructure:"port"`
	ReadTimeout int    `mapstructure:"readTimeout"` // in seconds
	// WriteTimeout must stay 0 while the server carries SSE streams; a
	// deadline would sever long-lived runs mid-stream.
	WriteTimeout int `mapstructure:"writeTimeout"` // in seconds
}

// AuthConfig holds north-side bearer token configuration.
type AuthConfig struct {
	// Token is the bearer token clients must present. Empty disables
	// authentication.
	Token string `mapstructure:"token"`
}

// StoreConfig holds session store configuration.
type StoreConfig struct {
	Driver string `mapstructure:"driver"` // sqlite, postgres
	Path   string `mapstructure:"path"`   // sqlite database file
	DSN    string `mapstructure:"dsn"`    // postgres connection string
}

// AgentsConfig holds agent catalog and process configuration.
type AgentsConfig struct {
	Path           string        `mapstructure:"path"`           // agent catalog document
	WorkDir        string        `mapstructure:"workDir"`        // cwd handed to agents on session/new
	TerminateGrace time.Duration `mapstructure:"terminateGrace"` // wait between close and SIGKILL
}

// SessionsConfig holds session lifecycle configuration.
type SessionsConfig struct {
	IdleTimeout time.Duration `mapstructure:"idleTimeout"` // reap processes idle longer than this
}

// EventsConfig holds event bus configuration.
type EventsConfig struct {
	Provider string `mapstructure:"provider"` // memory, nats
	NATSURL  string `mapstructure:"natsUrl"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// Address returns the host:port the server binds to.
func (s *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// Enabled reports whether bearer authentication is active.
func (a *AuthConfig) Enabled() bool {
	return a.Token != ""
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
	if env := os.Getenv("ACP2_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	// Default to text format for terminal use (more readable than JSON)
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8001)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 0)

	// Auth defaults - empty token disables authentication
	v.SetDefault("auth.token", "")

	// Store defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", "./acp2.db")
	v.SetDefault("store.dsn", "")

	// Agent defaults
	v.SetDefault("agents.path", "config/agents.json")
	v.SetDefault("agents.workDir", "")
	v.SetDefault("agents.terminateGrace", "5s")

	// Session defaults
	v.SetDefault("sessions.idleTimeout", "30m")

	// Events defaults - memory provider needs no broker
	v.SetDefault("events.provider", "memory")
	v.SetDefault("events.natsUrl", "")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix ACP2_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/acp2/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("ACP2")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for the documented environment surface, whose
	// names predate the config key layout.
	_ = v.BindEnv("auth.token", "ACP2_AUTH_TOKEN")
	_ = v.BindEnv("logging.level", "ACP2_LOG_LEVEL")
	_ = v.BindEnv("store.driver", "ACP2_DB_DRIVER")
	_ = v.BindEnv("store.path", "ACP2_DB_PATH")
	_ = v.BindEnv("store.dsn", "ACP2_DB_DSN")
	_ = v.BindEnv("server.host", "ACP2_BIND_ADDR")
	_ = v.BindEnv("server.port", "ACP2_BIND_PORT")
	_ = v.BindEnv("agents.path", "ACP2_AGENTS_CONFIG")
	_ = v.BindEnv("agents.workDir", "ACP2_WORK_DIR")
	_ = v.BindEnv("sessions.idleTimeout", "ACP2_IDLE_TIMEOUT")
	_ = v.BindEnv("events.provider", "ACP2_EVENTS_PROVIDER")
	_ = v.BindEnv("events.natsUrl", "ACP2_NATS_URL")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/acp2/")

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
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	switch cfg.Store.Driver {
	case "sqlite":
		if cfg.Store.Path == "" {
			errs = append(errs, "store.path is required for the sqlite driver")
		}
	case "postgres":
		if cfg.Store.DSN == "" {
			errs = append(errs, "store.dsn is required for the postgres driver")
		}
	default:
		errs = append(errs, "store.driver must be one of: sqlite, postgres")
	}

	switch cfg.Events.Provider {
	case "memory":
	case "nats":
		if cfg.Events.NATSURL == "" {
			errs = append(errs, "events.natsUrl is required for the nats provider")
		}
	default:
		errs = append(errs, "events.provider must be one of: memory, nats")
	}

	if cfg.Sessions.IdleTimeout <= 0 {
		errs = append(errs, "sessions.idleTimeout must be positive")
	}
	if cfg.Agents.TerminateGrace <= 0 {
		errs = append(errs, "agents.terminateGrace must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
