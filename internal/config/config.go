package config

import (
	"errors"
	"fmt"
	"runtime"
	"strings"

	"github.com/spf13/viper"

	"github.com/23skdu/longbow-qlinear/internal/device"
	"github.com/23skdu/longbow-qlinear/internal/dtype"
	"github.com/23skdu/longbow-qlinear/internal/quant"
)

const EnvPrefix = "QLINEAR"

type Config struct {
	Logging LoggingConfig `mapstructure:"logging"`
	Device  DeviceConfig  `mapstructure:"device"`
	Server  ServerConfig  `mapstructure:"server"`
	Quant   QuantConfig   `mapstructure:"quant"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type DeviceConfig struct {
	Count       int   `mapstructure:"count"`
	MemoryLimit int64 `mapstructure:"memory_limit"`
	Threads     int   `mapstructure:"threads"`
}

type ServerConfig struct {
	MetricsAddr string `mapstructure:"metrics_addr"`
	FlightAddr  string `mapstructure:"flight_addr"`
}

type QuantConfig struct {
	ActivationDType string `mapstructure:"activation_dtype"`
	PackKind        string `mapstructure:"pack_kind"`
}

func Default() Config {
	return Config{
		Logging: LoggingConfig{Level: "info", Format: "console"},
		Device:  DeviceConfig{Count: 1, Threads: runtime.NumCPU()},
		Server:  ServerConfig{MetricsAddr: ":9090", FlightAddr: "localhost:3000"},
		Quant:   QuantConfig{ActivationDType: "bf16", PackKind: "s8"},
	}
}

func (c *Config) Validate() error {
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging.level: %q (must be debug, info, warn or error)", c.Logging.Level)
	}
	if c.Logging.Format != "console" && c.Logging.Format != "json" {
		return fmt.Errorf("invalid logging.format: %q (must be console or json)", c.Logging.Format)
	}
	if c.Device.Count <= 0 {
		return fmt.Errorf("invalid device.count: %d (must be positive)", c.Device.Count)
	}
	if c.Device.MemoryLimit < 0 {
		return fmt.Errorf("invalid device.memory_limit: %d (must be non-negative)", c.Device.MemoryLimit)
	}
	if c.Device.Threads <= 0 {
		return fmt.Errorf("invalid device.threads: %d (must be positive)", c.Device.Threads)
	}
	if c.Server.FlightAddr == "" {
		return errors.New("server.flight_addr must be set")
	}
	if _, err := c.ActivationDType(); err != nil {
		return err
	}
	if _, err := c.PackKind(); err != nil {
		return err
	}
	return nil
}

// ActivationDType is the dtype demo and hlo inputs are created in.
func (c *Config) ActivationDType() (dtype.DType, error) {
	dt, err := dtype.Parse(c.Quant.ActivationDType)
	if err != nil || !dt.IsFloat() {
		return dtype.Invalid, fmt.Errorf("invalid quant.activation_dtype: %q (must be f32, bf16 or f16)", c.Quant.ActivationDType)
	}
	return dt, nil
}

// PackKind is the container dtype for packed int4 weights.
func (c *Config) PackKind() (dtype.DType, error) {
	dt, err := dtype.Parse(c.Quant.PackKind)
	if err != nil || !quant.IsPackKind(dt) {
		return dtype.Invalid, fmt.Errorf("invalid quant.pack_kind: %q (must be s8, s16 or s32)", c.Quant.PackKind)
	}
	return dt, nil
}

func (c *Config) DeviceOptions() device.Options {
	return device.Options{
		Devices:     c.Device.Count,
		MemoryLimit: c.Device.MemoryLimit,
		Threads:     c.Device.Threads,
	}
}

// Load reads defaults, then path (or ./qlinear.yaml when path is empty and the
// file exists), then QLINEAR_* environment variables.
func Load(path string) (*Config, error) {
	return LoadViper(viper.New(), path)
}

// LoadViper is Load on a caller-owned viper, so command-line flags bound to v
// take precedence over every other source.
func LoadViper(v *viper.Viper, path string) (*Config, error) {
	cfg := Default()
	setDefaults(v, cfg)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		v.SetConfigType("yaml")
		v.SetConfigName("qlinear")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper, cfg Config) {
	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.format", cfg.Logging.Format)
	v.SetDefault("device.count", cfg.Device.Count)
	v.SetDefault("device.memory_limit", cfg.Device.MemoryLimit)
	v.SetDefault("device.threads", cfg.Device.Threads)
	v.SetDefault("server.metrics_addr", cfg.Server.MetricsAddr)
	v.SetDefault("server.flight_addr", cfg.Server.FlightAddr)
	v.SetDefault("quant.activation_dtype", cfg.Quant.ActivationDType)
	v.SetDefault("quant.pack_kind", cfg.Quant.PackKind)
}
