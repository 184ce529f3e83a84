package main

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Spectrum  SpectrumConfig  `yaml:"spectrum"`
	API       APIConfig       `yaml:"api"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Capture   CaptureConfig   `yaml:"capture"`
	Recording RecordingConfig `yaml:"recording"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Update    UpdateConfig    `yaml:"update"`
}

// ServerConfig contains the upstream UberSDR server settings
type ServerConfig struct {
	URL       string `yaml:"url"`       // Server base URL (http://, https://, ws:// or wss://)
	Password  string `yaml:"password"`  // Session password (empty = none)
	Reconnect bool   `yaml:"reconnect"` // Reconnect with backoff after disconnects (default: true)
}

// SpectrumConfig contains spectrum stream and default tuning settings
type SpectrumConfig struct {
	Binary8           bool    `yaml:"binary8"`             // Request the compact 8-bit binary encoding (default: true)
	ReadTimeoutMs     int     `yaml:"read_timeout_ms"`     // WebSocket read deadline in milliseconds (default: 100)
	CommandThrottleMs int     `yaml:"command_throttle_ms"` // Minimum spacing between viewport commands in milliseconds (default: 100)
	FrameBuffer       int     `yaml:"frame_buffer"`        // Decoded frame channel depth before drops (default: 30)
	TunedFreq         float64 `yaml:"tuned_freq"`          // Initial tuned frequency in Hz (default: 14074000)
	Mode              string  `yaml:"mode"`                // Initial demodulation mode (default: usb)
	BandwidthLow      int32   `yaml:"bandwidth_low"`       // Initial filter low edge in Hz relative to tuned frequency
	BandwidthHigh     int32   `yaml:"bandwidth_high"`      // Initial filter high edge in Hz relative to tuned frequency
}

// APIConfig contains the local HTTP/WebSocket API settings
type APIConfig struct {
	Bind string `yaml:"bind"` // Listen address (default: 127.0.0.1)
	Port int    `yaml:"port"` // Listen port (default: 8090)
}

// DiscoveryConfig contains mDNS instance discovery settings
type DiscoveryConfig struct {
	Enabled bool `yaml:"enabled"` // Browse for _ubersdr._tcp instances on the LAN
}

// CaptureConfig contains raw stream capture settings
type CaptureConfig struct {
	Enabled bool   `yaml:"enabled"` // Journal every raw inbound message to disk
	Path    string `yaml:"path"`    // Capture file path (default: spectrum.cap.zst)
}

// RecordingConfig contains decoded frame recording settings
type RecordingConfig struct {
	Enabled bool   `yaml:"enabled"` // Write decoded frames to a parquet file
	Path    string `yaml:"path"`    // Parquet file path (default: spectrum.parquet)
	Every   int    `yaml:"every"`   // Record every Nth frame (default: 1 = all frames)
}

// MQTTConfig contains MQTT broker settings
type MQTTConfig struct {
	Enabled                 bool          `yaml:"enabled"`                   // Enable/disable MQTT metrics publishing
	Broker                  string        `yaml:"broker"`                    // MQTT broker URL (e.g., tcp://mqtt.example.com:1883)
	Username                string        `yaml:"username"`                  // MQTT authentication username
	Password                string        `yaml:"password"`                  // MQTT authentication password
	TopicPrefix             string        `yaml:"topic_prefix"`              // Topic prefix for all messages
	PublishInterval         int           `yaml:"publish_interval"`          // Publishing interval for metrics in seconds
	SpectrumPublishEnabled  bool          `yaml:"spectrum_publish_enabled"`  // Enable/disable spectrum data publishing
	SpectrumPublishInterval int           `yaml:"spectrum_publish_interval"` // Publishing interval for spectrum data in seconds
	QoS                     byte          `yaml:"qos"`                       // MQTT Quality of Service level (0, 1, or 2)
	Retain                  bool          `yaml:"retain"`                    // Retain flag for MQTT messages
	TLS                     MQTTTLSConfig `yaml:"tls"`                       // TLS/SSL settings
}

// MQTTTLSConfig contains MQTT TLS/SSL settings
type MQTTTLSConfig struct {
	Enabled    bool   `yaml:"enabled"`     // Enable/disable TLS
	CACert     string `yaml:"ca_cert"`     // Path to CA certificate file
	ClientCert string `yaml:"client_cert"` // Path to client certificate file (optional)
	ClientKey  string `yaml:"client_key"`  // Path to client key file (optional)
}

// MetricsConfig contains Prometheus metrics settings
type MetricsConfig struct {
	Pushgateway PushgatewayConfig `yaml:"pushgateway"` // Pushgateway configuration
}

// PushgatewayConfig contains Prometheus Pushgateway settings
type PushgatewayConfig struct {
	Enabled         bool   `yaml:"enabled"`          // Enable/disable pushing to Pushgateway
	URL             string `yaml:"url"`              // Pushgateway URL (e.g., http://pushgateway:9091)
	Instance        string `yaml:"instance"`         // Instance UUID for grouping and basic auth username
	Token           string `yaml:"token"`            // Token UUID for basic auth password
	IntervalSeconds int    `yaml:"interval_seconds"` // Push interval in seconds (default: 60)
}

// UpdateConfig contains version check settings
type UpdateConfig struct {
	Enabled              bool   `yaml:"enabled"`                // Enable periodic version checks against GitHub
	URL                  string `yaml:"url"`                    // Override URL of the published version.go
	CheckIntervalMinutes int    `yaml:"check_interval_minutes"` // Check interval in minutes (default: 60, minimum: 60)
}

// DefaultConfig returns a config with all defaults applied, used when no
// config file is given and everything comes from flags.
func DefaultConfig() *Config {
	config := &Config{}
	config.applyDefaults()
	return config
}

// LoadConfig loads configuration from a YAML file
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()
	return &config, nil
}

// applyDefaults fills in defaults for anything the file left unset.
func (c *Config) applyDefaults() {
	// Reconnect and Binary8 default to true. YAML booleans default to
	// false, so an explicit "reconnect: false" is indistinguishable from
	// absent here; the --no-reconnect and --no-binary8 flags are the
	// supported way to disable them.
	c.Server.Reconnect = true
	c.Spectrum.Binary8 = true

	if c.Spectrum.ReadTimeoutMs == 0 {
		c.Spectrum.ReadTimeoutMs = 100 // Matches the server's spectrum poll period
	}
	if c.Spectrum.CommandThrottleMs == 0 {
		c.Spectrum.CommandThrottleMs = 100
	}
	if c.Spectrum.FrameBuffer == 0 {
		c.Spectrum.FrameBuffer = 30 // ~3 seconds at the default 10 Hz update rate
	}
	if c.Spectrum.TunedFreq == 0 {
		c.Spectrum.TunedFreq = 14074000 // 20m FT8
	}
	if c.Spectrum.Mode == "" {
		c.Spectrum.Mode = "usb"
	}
	if c.Spectrum.BandwidthLow == 0 && c.Spectrum.BandwidthHigh == 0 {
		c.Spectrum.BandwidthLow = 50
		c.Spectrum.BandwidthHigh = 2700
	}

	if c.API.Bind == "" {
		c.API.Bind = "127.0.0.1"
	}
	if c.API.Port == 0 {
		c.API.Port = 8090
	}

	if c.Capture.Path == "" {
		c.Capture.Path = "spectrum.cap.zst"
	}
	if c.Recording.Path == "" {
		c.Recording.Path = "spectrum.parquet"
	}
	if c.Recording.Every == 0 {
		c.Recording.Every = 1
	}

	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "ubersdr/client"
	}
	if c.MQTT.PublishInterval == 0 {
		c.MQTT.PublishInterval = 60
	}
	if c.MQTT.SpectrumPublishInterval == 0 {
		c.MQTT.SpectrumPublishInterval = 10
	}

	if c.Metrics.Pushgateway.IntervalSeconds == 0 {
		c.Metrics.Pushgateway.IntervalSeconds = 60
	}

	if c.Update.CheckIntervalMinutes == 0 {
		c.Update.CheckIntervalMinutes = 60
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.URL == "" {
		return fmt.Errorf("server.url is required")
	}
	u, err := url.Parse(c.Server.URL)
	if err != nil {
		return fmt.Errorf("server.url is not a valid URL: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https", "ws", "wss":
	default:
		return fmt.Errorf("server.url scheme must be http, https, ws or wss (got %q)", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("server.url has no host")
	}

	if c.Spectrum.ReadTimeoutMs < 10 {
		return fmt.Errorf("spectrum.read_timeout_ms must be at least 10")
	}
	if c.Spectrum.FrameBuffer < 1 {
		return fmt.Errorf("spectrum.frame_buffer must be at least 1")
	}
	if c.Spectrum.TunedFreq < MinFrequencyHz || c.Spectrum.TunedFreq > MaxFrequencyHz {
		return fmt.Errorf("spectrum.tuned_freq must be between %d and %d Hz", MinFrequencyHz, MaxFrequencyHz)
	}
	if c.Spectrum.BandwidthLow >= c.Spectrum.BandwidthHigh {
		return fmt.Errorf("spectrum.bandwidth_low must be below spectrum.bandwidth_high")
	}

	if c.API.Port < 1 || c.API.Port > 65535 {
		return fmt.Errorf("api.port must be between 1 and 65535")
	}

	if c.MQTT.Enabled {
		if c.MQTT.Broker == "" {
			return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
		}
		if c.MQTT.QoS > 2 {
			return fmt.Errorf("mqtt.qos must be 0, 1 or 2")
		}
	}

	if c.Recording.Every < 1 {
		return fmt.Errorf("recording.every must be at least 1")
	}

	return nil
}
