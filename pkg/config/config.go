// Package config provides the typed YAML configuration tree for
// cmd/adminserver (cmd/mobilesim reads its own scenario file through
// pkg/mobilesim instead), grounded on the teacher's
// config.Load/Config.Validate/Config.GetAddr pattern: parse once with
// gopkg.in/yaml.v3, validate eagerly, hand out a read-only struct
// instead of the teacher's mutable map[string]interface{} tree (that
// generic form never grew typed accessors beyond TODO stubs and is
// replaced outright here, not adapted — see DESIGN.md).
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration tree.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	REST        RESTConfig        `yaml:"rest"`
	KeyStore    KeyStoreConfig    `yaml:"keystore"`
	SessionStore SessionStoreConfig `yaml:"session_store"`
	Scripts     []ScriptConfig    `yaml:"scripts"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Health      HealthConfig      `yaml:"health"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// ServerConfig covers the PSK-TLS listener (C3).
type ServerConfig struct {
	BindHost        string        `yaml:"bind_host"`
	BindPort        int           `yaml:"bind_port"`
	CipherTier      string        `yaml:"cipher_tier"` // production|legacy|debug_only
	AllowDebugNull  bool          `yaml:"allow_debug_null"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	AdminPath       string        `yaml:"admin_path"`
}

// RESTConfig covers the loopback-bound operator façade.
type RESTConfig struct {
	BindHost   string        `yaml:"bind_host"`
	BindPort   int           `yaml:"bind_port"`
	JWTSecret  string        `yaml:"jwt_secret"`
	TokenTTL   time.Duration `yaml:"token_ttl"`
	Operators  []OperatorConfig `yaml:"operators"`
}

// OperatorConfig is one REST operator account.
type OperatorConfig struct {
	Username     string `yaml:"username"`
	PasswordHash string `yaml:"password_hash"` // bcrypt hash, never plaintext
}

// KeyStoreConfig points at the PSK identity/key file.
type KeyStoreConfig struct {
	Path string `yaml:"path"`
}

// SessionStoreConfig selects and configures the persistence backend.
type SessionStoreConfig struct {
	Backend string `yaml:"backend"` // "memory" or "postgres"
	DSN     string `yaml:"dsn"`      // required when backend=postgres
}

// ScriptConfig is one named APDU script loadable at startup.
type ScriptConfig struct {
	Name     string              `yaml:"name"`
	Commands []ScriptCommandConfig `yaml:"commands"`
}

// ScriptCommandConfig is one command of a named script, APDU bytes
// given as hex to keep the YAML human-editable.
type ScriptCommandConfig struct {
	Hex         string  `yaml:"hex"`
	StopOnError bool    `yaml:"stop_on_error"`
	ExpectSW    *string `yaml:"expect_sw"` // 4 hex digits, e.g. "9000"
}

// MetricsConfig selects the MetricsSink implementation.
type MetricsConfig struct {
	Sink string `yaml:"sink"` // currently only "log"
}

// HealthConfig covers the watchdog/status tracker.
type HealthConfig struct {
	CheckInterval   time.Duration `yaml:"check_interval"`
	WatchdogEnabled bool          `yaml:"watchdog_enabled"`
	WatchdogTimeout time.Duration `yaml:"watchdog_timeout"`
}

// LoggingConfig configures internal/logger.
type LoggingConfig struct {
	Path       string `yaml:"path"`
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// ValidationError reports a configuration invariant violation; exit
// code 4 (spec.md §6) is raised for this, never for a bind failure
// (which is a runtime condition, exit code 2).
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

// Load reads and parses a YAML configuration file, applying defaults
// and then validating it.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) applyDefaults() {
	if c.Server.CipherTier == "" {
		c.Server.CipherTier = "production"
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 60 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 30 * time.Second
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = 300 * time.Second
	}
	if c.Server.AdminPath == "" {
		c.Server.AdminPath = "/admin"
	}
	if c.REST.TokenTTL == 0 {
		c.REST.TokenTTL = time.Hour
	}
	if c.SessionStore.Backend == "" {
		c.SessionStore.Backend = "memory"
	}
	if c.Metrics.Sink == "" {
		c.Metrics.Sink = "log"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// Validate enforces the invariants needed before the server can start.
func (c *Config) Validate() error {
	switch c.Server.CipherTier {
	case "production", "legacy", "debug_only":
	default:
		return &ValidationError{Field: "server.cipher_tier", Reason: "must be production, legacy, or debug_only"}
	}
	if c.Server.BindPort <= 0 || c.Server.BindPort > 65535 {
		return &ValidationError{Field: "server.bind_port", Reason: "must be 1-65535"}
	}
	if c.KeyStore.Path == "" {
		return &ValidationError{Field: "keystore.path", Reason: "required"}
	}
	switch c.SessionStore.Backend {
	case "memory":
	case "postgres":
		if c.SessionStore.DSN == "" {
			return &ValidationError{Field: "session_store.dsn", Reason: "required when backend is postgres"}
		}
	default:
		return &ValidationError{Field: "session_store.backend", Reason: "must be memory or postgres"}
	}
	if c.REST.BindPort != 0 && (c.REST.BindPort <= 0 || c.REST.BindPort > 65535) {
		return &ValidationError{Field: "rest.bind_port", Reason: "must be 1-65535"}
	}
	return nil
}

// ServerAddr returns the PSK-TLS listener's bind address.
func (c *Config) ServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.BindHost, c.Server.BindPort)
}

// RESTAddr returns the operator façade's bind address.
func (c *Config) RESTAddr() string {
	return fmt.Sprintf("%s:%d", c.REST.BindHost, c.REST.BindPort)
}
