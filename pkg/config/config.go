// Package config loads and validates server configuration.
//
// Configuration sources, highest precedence first:
//  1. Environment variables (SMBWIRE_*)
//  2. Configuration file (YAML)
//  3. Default values
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config is the static configuration of the server process.
type Config struct {
	// Logging controls log output behavior.
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Server holds transport and lifecycle settings.
	Server ServerConfig `mapstructure:"server" yaml:"server"`

	// Protocol holds negotiation and per-connection protocol settings.
	Protocol ProtocolConfig `mapstructure:"protocol" yaml:"protocol"`

	// Metrics configures the Prometheus metrics endpoint.
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum level to emit: DEBUG, INFO, WARN, ERROR.
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`

	// Format selects the handler: text or json.
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`

	// Output is stdout, stderr, or a file path.
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// ServerConfig holds transport and lifecycle settings.
type ServerConfig struct {
	// ListenAddr is the TCP address to accept connections on.
	// Direct-hosted SMB uses port 445, NBT session service uses 139.
	ListenAddr string `mapstructure:"listen_addr" validate:"required" yaml:"listen_addr"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0" yaml:"shutdown_timeout"`

	// MaxConnections caps concurrent client connections. Zero means
	// unlimited.
	MaxConnections int `mapstructure:"max_connections" validate:"gte=0" yaml:"max_connections"`
}

// ProtocolConfig holds negotiation and per-connection protocol settings.
type ProtocolConfig struct {
	// Dialects restricts the offered dialect set. Entries use the wire
	// notation: "2.0.2", "2.1", "3.0", "3.0.2", "3.1.1".
	// Empty offers everything the engine supports.
	Dialects []string `mapstructure:"dialects" validate:"dive,oneof=2.0.2 2.1 3.0 3.0.2 3.1.1" yaml:"dialects,omitempty"`

	// SigningRequired refuses unsigned traffic from authenticated,
	// non-guest sessions.
	SigningRequired bool `mapstructure:"signing_required" yaml:"signing_required"`

	// MaxTransactSize advertised during negotiation, in bytes.
	MaxTransactSize uint32 `mapstructure:"max_transact_size" validate:"gte=65536" yaml:"max_transact_size"`

	// MaxReadSize advertised during negotiation, in bytes.
	MaxReadSize uint32 `mapstructure:"max_read_size" validate:"gte=65536" yaml:"max_read_size"`

	// MaxWriteSize advertised during negotiation, in bytes.
	MaxWriteSize uint32 `mapstructure:"max_write_size" validate:"gte=65536" yaml:"max_write_size"`

	// InitialCredits seeds each connection's credit window.
	InitialCredits uint32 `mapstructure:"initial_credits" validate:"required,gte=1" yaml:"initial_credits"`

	// MaxCredits caps each connection's credit window.
	MaxCredits uint32 `mapstructure:"max_credits" validate:"required,gtefield=InitialCredits" yaml:"max_credits"`

	// MaxCompound caps the number of chained messages per request.
	MaxCompound int `mapstructure:"max_compound" validate:"required,gte=1" yaml:"max_compound"`

	// MaxAuthRounds bounds session setup continuation rounds.
	MaxAuthRounds int `mapstructure:"max_auth_rounds" validate:"required,gte=1" yaml:"max_auth_rounds"`
}

// MetricsConfig configures the Prometheus metrics HTTP endpoint.
// When Enabled is false no metrics server is started.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Port for the metrics endpoint. Default: 9090.
	Port int `mapstructure:"port" validate:"omitempty,min=1,max=65535" yaml:"port"`
}

// Load reads configuration from file, environment, and defaults.
// An empty configPath uses the default location and falls back to
// defaults when no file exists there.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	found, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}
	if !found {
		return Default(), nil
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// Save writes the configuration to path in YAML form.
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func setupViper(v *viper.Viper, configPath string) {
	// SMBWIRE_LOGGING_LEVEL=DEBUG overrides logging.level, and so on.
	v.SetEnvPrefix("SMBWIRE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(configDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read config file: %w", err)
	}
	return true, nil
}

// durationDecodeHook lets config files use "30s" style durations.
func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		switch d := data.(type) {
		case string:
			return time.ParseDuration(d)
		case int:
			return time.Duration(d), nil
		case int64:
			return time.Duration(d), nil
		case float64:
			return time.Duration(d), nil
		default:
			return data, nil
		}
	}
}

// configDir is $XDG_CONFIG_HOME/smbwire, falling back to ~/.config/smbwire.
func configDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "smbwire")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "smbwire")
}

// DefaultConfigPath returns the default configuration file location.
func DefaultConfigPath() string {
	return filepath.Join(configDir(), "config.yaml")
}
