// Package config loads the gateway's configuration: defaults, overlaid by
// an optional YAML file, overlaid by SL651GW_-prefixed environment
// variables, in that precedence order, via spf13/viper. The result is
// validated with go-playground/validator struct tags before being handed
// to the rest of the program.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const envPrefix = "SL651GW"

// Config is the gateway's complete static configuration.
type Config struct {
	Logging  LoggingConfig  `mapstructure:"logging" yaml:"logging"`
	Link     LinkConfig     `mapstructure:"link" yaml:"link"`
	SL651    SL651Config    `mapstructure:"sl651" yaml:"sl651"`
	Database DatabaseConfig `mapstructure:"database" yaml:"database"`
	Metrics  MetricsConfig  `mapstructure:"metrics" yaml:"metrics"`
	HTTP     HTTPConfig     `mapstructure:"http" yaml:"http"`
}

// LoggingConfig controls the slog-based logger's behavior.
type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// LinkConfig holds the link-manager tunables.
type LinkConfig struct {
	// WorkerCount is the I/O worker pool size; 0 means hardware concurrency.
	WorkerCount int `mapstructure:"worker_count" validate:"gte=0" yaml:"worker_count"`

	// ReconnectBaseDelay/MaxDelay/Jitter are loaded and validated here, but
	// internal/link does not read them: its client-mode exponential backoff
	// uses the built-in ReconnectBaseDelaySec/MaxDelaySec/Jitter constants.
	ReconnectBaseDelay time.Duration `mapstructure:"reconnect_base_delay" validate:"required,gt=0" yaml:"reconnect_base_delay"`
	ReconnectMaxDelay  time.Duration `mapstructure:"reconnect_max_delay" validate:"required,gtefield=ReconnectBaseDelay" yaml:"reconnect_max_delay"`
	ReconnectJitter    float64       `mapstructure:"reconnect_jitter" validate:"gte=0,lte=1" yaml:"reconnect_jitter"`

	DialTimeout time.Duration `mapstructure:"dial_timeout" validate:"required,gt=0" yaml:"dial_timeout"`
}

// SL651Config holds the protocol codec's tunables. They are loaded and
// validated, but internal/sl651 does not read them; it uses its built-in
// MaxBufferSize, MaxSessionCount and SessionTimeoutMs constants.
type SL651Config struct {
	MaxBufferSize    int `mapstructure:"max_buffer_size" validate:"required,gt=0" yaml:"max_buffer_size"`
	MaxSessionCount  int `mapstructure:"max_session_count" validate:"required,gt=0" yaml:"max_session_count"`
	SessionTimeoutMs int `mapstructure:"session_timeout_ms" validate:"required,gt=0" yaml:"session_timeout_ms"`
}

// DatabaseConfig selects and configures the backing store.
type DatabaseConfig struct {
	Type         string `mapstructure:"type" validate:"required,oneof=sqlite postgres" yaml:"type"`
	SQLitePath   string `mapstructure:"sqlite_path" yaml:"sqlite_path"`
	PostgresDSN  string `mapstructure:"postgres_dsn" yaml:"postgres_dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns" validate:"gte=0" yaml:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns" validate:"gte=0" yaml:"max_idle_conns"`
}

// MetricsConfig configures Prometheus metrics collection. No separate
// metrics server is started: /metrics is served by the HTTP API on
// HTTP.Addr, and Port is only reported in the startup log.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	Port    int  `mapstructure:"port" validate:"omitempty,min=1,max=65535" yaml:"port"`
}

// HTTPConfig configures the chi-based status/health surface.
type HTTPConfig struct {
	Addr string `mapstructure:"addr" validate:"required" yaml:"addr"`
}

// Load starts from built-in defaults, overlays configPath (if non-empty
// and it exists), then overlays environment variables prefixed SL651GW_,
// so later sources take precedence, and returns a validated Config.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	found, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}

	cfg := Defaults()
	if found {
		if err := v.Unmarshal(cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
		))); err != nil {
			return nil, fmt.Errorf("config: unmarshal: %w", err)
		}
	}
	applyEnvOverrides(v, cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed: %w", err)
	}
	return cfg, nil
}

// Defaults returns a Config with every field set to its built-in default.
func Defaults() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "INFO", Format: "text", Output: "stdout"},
		Link: LinkConfig{
			WorkerCount:        0,
			ReconnectBaseDelay: 2 * time.Second,
			ReconnectMaxDelay:  300 * time.Second,
			ReconnectJitter:    0.2,
			DialTimeout:        10 * time.Second,
		},
		SL651: SL651Config{
			MaxBufferSize:    65536,
			MaxSessionCount:  100,
			SessionTimeoutMs: 900_000,
		},
		Database: DatabaseConfig{Type: "sqlite", SQLitePath: "sl651gw.db"},
		Metrics:  MetricsConfig{Enabled: true, Port: 9090},
		HTTP:     HTTPConfig{Addr: ":8080"},
	}
}

// Validate checks cfg against its struct tags with go-playground/validator.
func Validate(cfg *Config) error {
	return validator.New().Struct(cfg)
}

// setupViper wires SL651GW_-prefixed environment variable overrides and
// the YAML config-file search path.
func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("sl651gw")
		v.SetConfigType("yaml")
	}
}

// readConfigFile reads the configuration file if present. A missing file
// is not an error: the caller falls back to Defaults().
func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("config: read config file: %w", err)
	}
	return true, nil
}

// applyEnvOverrides applies any SL651GW_-prefixed environment variable on
// top of cfg. AutomaticEnv makes viper resolve these through Get/IsSet
// without a config file present, but viper.Unmarshal only walks keys it
// already knows about from a file, so each overridable leaf is bound and
// checked explicitly here.
func applyEnvOverrides(v *viper.Viper, cfg *Config) {
	for _, key := range []string{
		"logging.level", "logging.format", "logging.output",
		"database.type", "database.sqlite_path", "database.postgres_dsn", "http.addr",
	} {
		_ = v.BindEnv(key)
	}

	bindString(v, "logging.level", &cfg.Logging.Level)
	bindString(v, "logging.format", &cfg.Logging.Format)
	bindString(v, "logging.output", &cfg.Logging.Output)
	bindString(v, "database.type", &cfg.Database.Type)
	bindString(v, "database.sqlite_path", &cfg.Database.SQLitePath)
	bindString(v, "database.postgres_dsn", &cfg.Database.PostgresDSN)
	bindString(v, "http.addr", &cfg.HTTP.Addr)
}

func bindString(v *viper.Viper, key string, dst *string) {
	if v.IsSet(key) {
		*dst = v.GetString(key)
	}
}

// Save writes cfg to path as YAML, creating parent directories as needed.
func Save(cfg *Config, path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("config: create directory: %w", err)
		}
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}
