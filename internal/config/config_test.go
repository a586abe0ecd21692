package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-qlinear/internal/dtype"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, 1, cfg.Device.Count)
	assert.Positive(t, cfg.Device.Threads)

	act, err := cfg.ActivationDType()
	require.NoError(t, err)
	assert.Equal(t, dtype.BF16, act)
	kind, err := cfg.PackKind()
	require.NoError(t, err)
	assert.Equal(t, dtype.S8, kind)

	opts := cfg.DeviceOptions()
	assert.Equal(t, 1, opts.Devices)
	assert.Equal(t, cfg.Device.Threads, opts.Threads)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid config", func(*Config) {}, false},
		{"json logging", func(c *Config) { c.Logging.Format = "json" }, false},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, true},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, true},
		{"zero devices", func(c *Config) { c.Device.Count = 0 }, true},
		{"negative memory limit", func(c *Config) { c.Device.MemoryLimit = -1 }, true},
		{"zero threads", func(c *Config) { c.Device.Threads = 0 }, true},
		{"no flight addr", func(c *Config) { c.Server.FlightAddr = "" }, true},
		{"integer activation", func(c *Config) { c.Quant.ActivationDType = "s8" }, true},
		{"f32 activation", func(c *Config) { c.Quant.ActivationDType = "f32" }, false},
		{"s32 pack kind", func(c *Config) { c.Quant.PackKind = "int32" }, false},
		{"float pack kind", func(c *Config) { c.Quant.PackKind = "bf16" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "qlinear.yaml")
	body := `
logging:
  level: debug
device:
  count: 2
  memory_limit: 1048576
quant:
  activation_dtype: f16
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "console", cfg.Logging.Format)
	assert.Equal(t, 2, cfg.Device.Count)
	assert.Equal(t, int64(1048576), cfg.Device.MemoryLimit)
	assert.Equal(t, "f16", cfg.Quant.ActivationDType)
	assert.Equal(t, "s8", cfg.Quant.PackKind)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("QLINEAR_DEVICE_COUNT", "4")
	t.Setenv("QLINEAR_QUANT_PACK_KIND", "s16")

	cfg, err := Load(filepath.Join(t.TempDir(), "empty.yaml"))
	require.Error(t, err, "an explicit missing file is an error")

	t.Chdir(t.TempDir())
	cfg, err = Load("")
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Device.Count)
	assert.Equal(t, "s16", cfg.Quant.PackKind)
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("device:\n  count: 0\n"), 0o644))
	_, err := Load(path)
	assert.ErrorContains(t, err, "device.count")
}

func TestLoadViperOverride(t *testing.T) {
	t.Chdir(t.TempDir())
	v := viper.New()
	v.Set("device.threads", 3)

	cfg, err := LoadViper(v, "")
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Device.Threads)
}
