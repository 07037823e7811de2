package config

import (
	"strings"
	"time"
)

// Default returns a fully populated configuration.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills unset fields with their defaults. Explicit values
// are preserved.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyServerDefaults(&cfg.Server)
	applyProtocolDefaults(&cfg.Protocol)
	applyMetricsDefaults(&cfg.Metrics)
}

func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

func applyServerDefaults(cfg *ServerConfig) {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":445"
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
}

func applyProtocolDefaults(cfg *ProtocolConfig) {
	if cfg.MaxTransactSize == 0 {
		cfg.MaxTransactSize = 8 << 20
	}
	if cfg.MaxReadSize == 0 {
		cfg.MaxReadSize = 8 << 20
	}
	if cfg.MaxWriteSize == 0 {
		cfg.MaxWriteSize = 8 << 20
	}
	if cfg.InitialCredits == 0 {
		cfg.InitialCredits = 64
	}
	if cfg.MaxCredits == 0 {
		cfg.MaxCredits = 8192
	}
	if cfg.MaxCompound == 0 {
		cfg.MaxCompound = 16
	}
	if cfg.MaxAuthRounds == 0 {
		cfg.MaxAuthRounds = 6
	}
}

func applyMetricsDefaults(cfg *MetricsConfig) {
	if cfg.Port == 0 {
		cfg.Port = 9090
	}
}
