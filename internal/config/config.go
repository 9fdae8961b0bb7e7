// File: internal/config/config.go
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds the application configuration. It is unmarshalled from a
// viper-managed file/env set by the CLI and handed to the agent host.
type Config struct {
	Logger   LoggerConfig   `mapstructure:"logger" yaml:"logger"`
	Protocol ProtocolConfig `mapstructure:"protocol" yaml:"protocol"`
}

// LoggerConfig controls the global zap logger.
type LoggerConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Format      string `mapstructure:"format" yaml:"format"`
	AddSource   bool   `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int    `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int    `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool   `mapstructure:"compress" yaml:"compress"`
}

// ProtocolConfig controls the negotiation and telemetry plumbing.
type ProtocolConfig struct {
	// DialTimeout bounds each individual candidate contact during
	// negotiation and the command-channel dial.
	DialTimeout time.Duration `mapstructure:"dial_timeout" yaml:"dial_timeout"`

	// ReservationTimeoutMs is the capacity hold requested from each
	// reserved executor, in milliseconds (the value sent on the wire).
	ReservationTimeoutMs int `mapstructure:"reservation_timeout_ms" yaml:"reservation_timeout_ms"`

	// CommandsPerSecond rate-limits SendCommand; 0 disables the limit.
	CommandsPerSecond float64 `mapstructure:"commands_per_second" yaml:"commands_per_second"`

	// SchemaPath points at the directory holding the .xsd schema set for
	// the one-time version compatibility check. Empty skips the check.
	SchemaPath string `mapstructure:"schema_path" yaml:"schema_path"`
}

// SetDefaults registers every default on the given viper instance so that
// a missing config file still yields a runnable configuration.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.service_name", "malmo")
	v.SetDefault("logger.max_size", 50)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 14)

	v.SetDefault("protocol.dial_timeout", "3s")
	v.SetDefault("protocol.reservation_timeout_ms", 20000)
	v.SetDefault("protocol.commands_per_second", 0)
	v.SetDefault("protocol.schema_path", "")
}

// Validate rejects configurations the host cannot run with.
func (c *Config) Validate() error {
	if c.Protocol.DialTimeout <= 0 {
		return fmt.Errorf("protocol.dial_timeout must be positive, got %s", c.Protocol.DialTimeout)
	}
	if c.Protocol.ReservationTimeoutMs <= 0 {
		return fmt.Errorf("protocol.reservation_timeout_ms must be positive, got %d", c.Protocol.ReservationTimeoutMs)
	}
	if c.Protocol.CommandsPerSecond < 0 {
		return fmt.Errorf("protocol.commands_per_second must not be negative, got %g", c.Protocol.CommandsPerSecond)
	}
	return nil
}

// Default returns the configuration produced by the registered defaults.
func Default() Config {
	v := viper.New()
	SetDefaults(v)
	var cfg Config
	// Defaults are statically known; unmarshalling them cannot fail.
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("default config does not unmarshal: %v", err))
	}
	return cfg
}
