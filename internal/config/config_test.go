package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("SFC_CONFIG", "")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "sfc-host", cfg.App.Name)
	assert.Equal(t, 3, cfg.Protocol.MaxAttempts)
	assert.Equal(t, 200, cfg.Protocol.WaitCycles)
	assert.Equal(t, time.Millisecond, cfg.Protocol.WaitCycle)
	assert.Equal(t, 500, cfg.Protocol.BusPolls)
	assert.False(t, cfg.Protocol.VerifyResponseChecksum)
	assert.Equal(t, 50*time.Millisecond, cfg.Poll.Interval)
	assert.Equal(t, time.Minute, cfg.Poll.MCTLogInterval)
	assert.Equal(t, 5*time.Minute, cfg.Poll.SFCLogInterval)
	assert.Equal(t, 0x2000, cfg.Firmware.AppStart)
	assert.Equal(t, 0xEDB8, cfg.Firmware.BootStart)
	assert.Equal(t, 0xEDB8, cfg.Firmware.ChecksumAddr)
	assert.Equal(t, 2*time.Second, cfg.Firmware.EraseSettle)
	assert.False(t, cfg.Database.Enable)
	assert.False(t, cfg.Redis.Enabled)
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sfc.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
transport:
  port: /dev/ttyUSB3
poll:
  interval: 100ms
  mctLogInterval: 30s
  logUnits:
    "0": [1, 3]
    "2": []
firmware:
  eraseSettle: 3s
`), 0o644))
	t.Setenv("SFC_PROTOCOL_MAXATTEMPTS", "5")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/dev/ttyUSB3", cfg.Transport.Port)
	assert.Equal(t, 100*time.Millisecond, cfg.Poll.Interval)
	assert.Equal(t, 30*time.Second, cfg.Poll.MCTLogInterval)
	assert.Equal(t, 3*time.Second, cfg.Firmware.EraseSettle)
	assert.Equal(t, 5, cfg.Protocol.MaxAttempts, "环境变量覆盖")

	units, err := cfg.Poll.Units()
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3}, units[0])
	assert.Empty(t, units[2])
	_, ok := units[1]
	assert.False(t, ok)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
}

func TestValidate(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("SFC_CONFIG", "")
	valid := func() *Config {
		cfg, err := Load("")
		require.NoError(t, err)
		return cfg
	}
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{name: "重试次数为0", mutate: func(c *Config) { c.Protocol.MaxAttempts = 0 }},
		{name: "等待周期为0", mutate: func(c *Config) { c.Protocol.WaitCycles = 0 }},
		{name: "取回次数为0", mutate: func(c *Config) { c.Protocol.BusPolls = 0 }},
		{name: "轮询间隔为0", mutate: func(c *Config) { c.Poll.Interval = 0 }},
		{name: "串号越界", mutate: func(c *Config) { c.Poll.LogUnits = map[string][]int{"4": {1}} }},
		{name: "串号非数字", mutate: func(c *Config) { c.Poll.LogUnits = map[string][]int{"a": {1}} }},
		{name: "单元地址越界", mutate: func(c *Config) { c.Poll.LogUnits = map[string][]int{"0": {11}} }},
		{name: "单元地址为0", mutate: func(c *Config) { c.Poll.LogUnits = map[string][]int{"0": {0}} }},
		{name: "引导区不高于应用区", mutate: func(c *Config) { c.Firmware.BootStart = c.Firmware.AppStart }},
		{name: "记录重试为0", mutate: func(c *Config) { c.Firmware.RecordAttempts = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
	assert.NoError(t, valid().Validate())
}
