package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.True(t, cfg.Server.Reconnect)
	assert.True(t, cfg.Spectrum.Binary8)
	assert.Equal(t, 100, cfg.Spectrum.ReadTimeoutMs)
	assert.Equal(t, 100, cfg.Spectrum.CommandThrottleMs)
	assert.Equal(t, 30, cfg.Spectrum.FrameBuffer)
	assert.Equal(t, float64(14074000), cfg.Spectrum.TunedFreq)
	assert.Equal(t, "usb", cfg.Spectrum.Mode)
	assert.Equal(t, int32(50), cfg.Spectrum.BandwidthLow)
	assert.Equal(t, int32(2700), cfg.Spectrum.BandwidthHigh)
	assert.Equal(t, "127.0.0.1", cfg.API.Bind)
	assert.Equal(t, 8090, cfg.API.Port)
	assert.Equal(t, "spectrum.cap.zst", cfg.Capture.Path)
	assert.Equal(t, "spectrum.parquet", cfg.Recording.Path)
	assert.Equal(t, 1, cfg.Recording.Every)
	assert.Equal(t, "ubersdr/client", cfg.MQTT.TopicPrefix)
	assert.Equal(t, 60, cfg.MQTT.PublishInterval)
	assert.Equal(t, 10, cfg.MQTT.SpectrumPublishInterval)
	assert.Equal(t, 60, cfg.Metrics.Pushgateway.IntervalSeconds)
	assert.Equal(t, 60, cfg.Update.CheckIntervalMinutes)

	// No server URL yet, so the default config alone does not validate.
	assert.Error(t, cfg.Validate())
}

func TestLoadConfigMinimal(t *testing.T) {
	path := writeConfigFile(t, `
server:
  url: ws://sdr.example.com:8073
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "ws://sdr.example.com:8073", cfg.Server.URL)
	assert.True(t, cfg.Server.Reconnect)
	assert.True(t, cfg.Spectrum.Binary8)
	assert.Equal(t, float64(14074000), cfg.Spectrum.TunedFreq)
	assert.Equal(t, "usb", cfg.Spectrum.Mode)
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfigOverrides(t *testing.T) {
	path := writeConfigFile(t, `
server:
  url: https://sdr.example.com
  password: secret
spectrum:
  tuned_freq: 7074000
  mode: lsb
  bandwidth_low: -2700
  bandwidth_high: -50
  frame_buffer: 10
api:
  bind: 0.0.0.0
  port: 9000
mqtt:
  enabled: true
  broker: tcp://mqtt.example.com:1883
  qos: 1
  spectrum_publish_enabled: true
update:
  enabled: true
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "secret", cfg.Server.Password)
	assert.Equal(t, float64(7074000), cfg.Spectrum.TunedFreq)
	assert.Equal(t, "lsb", cfg.Spectrum.Mode)
	assert.Equal(t, int32(-2700), cfg.Spectrum.BandwidthLow)
	assert.Equal(t, int32(-50), cfg.Spectrum.BandwidthHigh)
	assert.Equal(t, 10, cfg.Spectrum.FrameBuffer)
	assert.Equal(t, "0.0.0.0", cfg.API.Bind)
	assert.Equal(t, 9000, cfg.API.Port)
	assert.True(t, cfg.MQTT.Enabled)
	assert.Equal(t, byte(1), cfg.MQTT.QoS)
	assert.True(t, cfg.MQTT.SpectrumPublishEnabled)
	assert.True(t, cfg.Update.Enabled)
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := writeConfigFile(t, "server: [not a mapping")
	_, err = LoadConfig(path)
	assert.Error(t, err)
}

func TestConfigValidate(t *testing.T) {
	valid := func() *Config {
		cfg := DefaultConfig()
		cfg.Server.URL = "ws://sdr.example.com:8073"
		return cfg
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty url", func(c *Config) { c.Server.URL = "" }},
		{"bad scheme", func(c *Config) { c.Server.URL = "ftp://sdr.example.com" }},
		{"no host", func(c *Config) { c.Server.URL = "ws://" }},
		{"read timeout too small", func(c *Config) { c.Spectrum.ReadTimeoutMs = 5 }},
		{"frame buffer zero", func(c *Config) { c.Spectrum.FrameBuffer = 0 }},
		{"tuned freq below range", func(c *Config) { c.Spectrum.TunedFreq = 50000 }},
		{"tuned freq above range", func(c *Config) { c.Spectrum.TunedFreq = 31000000 }},
		{"inverted filter edges", func(c *Config) { c.Spectrum.BandwidthLow = 2700; c.Spectrum.BandwidthHigh = 50 }},
		{"api port zero", func(c *Config) { c.API.Port = 0 }},
		{"api port too big", func(c *Config) { c.API.Port = 70000 }},
		{"mqtt enabled without broker", func(c *Config) { c.MQTT.Enabled = true }},
		{"mqtt qos out of range", func(c *Config) { c.MQTT.Enabled = true; c.MQTT.Broker = "tcp://mqtt:1883"; c.MQTT.QoS = 3 }},
		{"recording every zero", func(c *Config) { c.Recording.Every = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
