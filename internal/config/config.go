// Package config provides Viper-based configuration loading for the presence server.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig holds the socket listener settings.
type ServerConfig struct {
	// Host is the bind address for the plain TCP listener.
	Host string `mapstructure:"host"`
	// Port is the TCP port for the plain listener.
	Port int `mapstructure:"port"`
	// AccessStats enables recording of connecting addresses to the store.
	AccessStats bool `mapstructure:"access_stats"`
	// TLS configures the optional TLS listener.
	TLS TLSConfig `mapstructure:"tls"`
}

// TLSConfig holds the optional TLS listener settings.
type TLSConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Port     int    `mapstructure:"port"`
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
}

// Addr returns the "host:port" listen address for the plain listener.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// TLSAddr returns the "host:port" listen address for the TLS listener.
func (s ServerConfig) TLSAddr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.TLS.Port)
}

// WebConfig holds the HTTP surface settings.
type WebConfig struct {
	// Host is the bind address for the HTTP listener.
	Host string `mapstructure:"host"`
	// Port is the TCP port for the HTTP listener.
	Port int `mapstructure:"port"`
	// LogFile is the path served by the /log endpoint.
	LogFile string `mapstructure:"log_file"`
}

// Addr returns the "host:port" HTTP listen address.
func (w WebConfig) Addr() string {
	return fmt.Sprintf("%s:%d", w.Host, w.Port)
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// DSN returns the PostgreSQL connection string.
//
// Precondition: Host, Port, User, and Name must be non-empty.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode,
	)
}

// DirectoryConfig holds the online-directory settings.
type DirectoryConfig struct {
	// RefreshInterval is how often the user directory snapshot is reloaded
	// from the store.
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
	// MaxUserResults caps the number of entries returned by users_online.
	MaxUserResults int `mapstructure:"max_user_results"`
}

// SessionConfig holds per-connection protocol tuning.
type SessionConfig struct {
	// AutoSubscribeDelay is the pause between a successful logon and the
	// implicit subscribe to the logon room.
	AutoSubscribeDelay time.Duration `mapstructure:"auto_subscribe_delay"`
	// WriteTimeout is the per-write deadline for outbound events.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// ReadTimeout is the per-read deadline for inbound records. Zero disables it.
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
}

// HooksConfig holds the Lua extension hook settings.
type HooksConfig struct {
	// ScriptDir is the directory of *.lua hook scripts; empty disables hooks.
	ScriptDir string `mapstructure:"script_dir"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `mapstructure:"level"`
	// Format is the log output format: "json" or "console".
	Format string `mapstructure:"format"`
	// File is an additional log sink path; empty logs to stdout only.
	File string `mapstructure:"file"`
}

// Config is the top-level application configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Web       WebConfig       `mapstructure:"web"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Directory DirectoryConfig `mapstructure:"directory"`
	Session   SessionConfig   `mapstructure:"session"`
	Hooks     HooksConfig     `mapstructure:"hooks"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// Validate checks all configuration invariants.
//
// Postcondition: Returns nil if configuration is valid, or an error describing all violations.
func (c Config) Validate() error {
	var errs []string

	if err := validateServer(c.Server); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateWeb(c.Web); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateDatabase(c.Database); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateDirectory(c.Directory); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateSession(c.Session); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateLogging(c.Logging); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func validateServer(s ServerConfig) error {
	var errs []string
	if s.Port < 1 || s.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server.port must be 1-65535, got %d", s.Port))
	}
	if s.TLS.Enabled {
		if s.TLS.Port < 1 || s.TLS.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server.tls.port must be 1-65535, got %d", s.TLS.Port))
		}
		if s.TLS.CertFile == "" {
			errs = append(errs, "server.tls.cert_file must not be empty when TLS is enabled")
		}
		if s.TLS.KeyFile == "" {
			errs = append(errs, "server.tls.key_file must not be empty when TLS is enabled")
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateWeb(w WebConfig) error {
	if w.Port < 1 || w.Port > 65535 {
		return fmt.Errorf("web.port must be 1-65535, got %d", w.Port)
	}
	return nil
}

func validateDatabase(d DatabaseConfig) error {
	var errs []string
	if d.Host == "" {
		errs = append(errs, "database.host must not be empty")
	}
	if d.Port < 1 || d.Port > 65535 {
		errs = append(errs, fmt.Sprintf("database.port must be 1-65535, got %d", d.Port))
	}
	if d.User == "" {
		errs = append(errs, "database.user must not be empty")
	}
	if d.Name == "" {
		errs = append(errs, "database.name must not be empty")
	}
	validSSL := map[string]bool{"disable": true, "require": true, "verify-ca": true, "verify-full": true}
	if !validSSL[d.SSLMode] {
		errs = append(errs, fmt.Sprintf("database.sslmode must be one of [disable, require, verify-ca, verify-full], got %q", d.SSLMode))
	}
	if d.MaxConns < 1 {
		errs = append(errs, fmt.Sprintf("database.max_conns must be >= 1, got %d", d.MaxConns))
	}
	if d.MinConns < 0 {
		errs = append(errs, fmt.Sprintf("database.min_conns must be >= 0, got %d", d.MinConns))
	}
	if d.MinConns > d.MaxConns {
		errs = append(errs, "database.min_conns must not exceed database.max_conns")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateDirectory(d DirectoryConfig) error {
	var errs []string
	if d.RefreshInterval <= 0 {
		errs = append(errs, "directory.refresh_interval must be positive")
	}
	if d.MaxUserResults < 1 {
		errs = append(errs, fmt.Sprintf("directory.max_user_results must be >= 1, got %d", d.MaxUserResults))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateSession(s SessionConfig) error {
	var errs []string
	if s.AutoSubscribeDelay < 0 {
		errs = append(errs, "session.auto_subscribe_delay must not be negative")
	}
	if s.WriteTimeout < 0 {
		errs = append(errs, "session.write_timeout must not be negative")
	}
	if s.ReadTimeout < 0 {
		errs = append(errs, "session.read_timeout must not be negative")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateLogging(l LoggingConfig) error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[l.Level] {
		return fmt.Errorf("logging.level must be one of [debug, info, warn, error], got %q", l.Level)
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("logging.format must be one of [json, console], got %q", l.Format)
	}
	return nil
}

// Load reads configuration from the given file path, applies environment variable
// overrides, and validates the result.
//
// Precondition: path must be a valid file path to a YAML configuration file.
// Postcondition: Returns a valid Config or a non-nil error.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	// Environment variable overrides with PRESENCE_ prefix
	v.SetEnvPrefix("PRESENCE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 5566)
	v.SetDefault("server.access_stats", false)
	v.SetDefault("server.tls.enabled", false)
	v.SetDefault("server.tls.port", 5567)

	v.SetDefault("web.host", "0.0.0.0")
	v.SetDefault("web.port", 8080)
	v.SetDefault("web.log_file", "server.log")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "presence")
	v.SetDefault("database.password", "presence")
	v.SetDefault("database.name", "presence")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conn_lifetime", "1h")

	v.SetDefault("directory.refresh_interval", "5m")
	v.SetDefault("directory.max_user_results", 100)

	v.SetDefault("session.auto_subscribe_delay", "500ms")
	v.SetDefault("session.write_timeout", "30s")
	v.SetDefault("session.read_timeout", "0")

	v.SetDefault("hooks.script_dir", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file", "")
}
