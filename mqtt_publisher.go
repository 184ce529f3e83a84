package main

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// MQTTPublisher pushes the client's metrics and signal measurements to an
// MQTT broker, for dashboards and automations that live on the broker
// rather than on Prometheus.
type MQTTPublisher struct {
	client  mqtt.Client
	config  *MQTTConfig
	manager *ConnectionManager
}

// MetricPayload is one metrics message on the wire.
type MetricPayload struct {
	Timestamp int64              `json:"timestamp"`
	Metrics   map[string]float64 `json:"metrics"`
	Labels    map[string]string  `json:"labels,omitempty"`
}

// generateClientID creates a random client ID for the MQTT connection.
func generateClientID() string {
	bytes := make([]byte, 8)
	rand.Read(bytes)
	return "ubersdr_spectrum_" + hex.EncodeToString(bytes)
}

// loadTLSConfig loads TLS configuration from files.
func loadTLSConfig(tlsConfig MQTTTLSConfig) (*tls.Config, error) {
	if !tlsConfig.Enabled {
		return nil, nil
	}

	config := &tls.Config{}

	if tlsConfig.CACert != "" {
		caCert, err := os.ReadFile(tlsConfig.CACert)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate: %w", err)
		}
		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		config.RootCAs = caCertPool
	}

	if tlsConfig.ClientCert != "" && tlsConfig.ClientKey != "" {
		cert, err := tls.LoadX509KeyPair(tlsConfig.ClientCert, tlsConfig.ClientKey)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		config.Certificates = []tls.Certificate{cert}
	}

	return config, nil
}

// NewMQTTPublisher connects to the broker. The paho client handles its own
// reconnects from here on.
func NewMQTTPublisher(config *MQTTConfig, manager *ConnectionManager) (*MQTTPublisher, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(config.Broker)
	opts.SetClientID(generateClientID())

	if config.Username != "" {
		opts.SetUsername(config.Username)
	}
	if config.Password != "" {
		opts.SetPassword(config.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(10 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)

	if config.TLS.Enabled {
		tlsConfig, err := loadTLSConfig(config.TLS)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS config: %w", err)
		}
		opts.SetTLSConfig(tlsConfig)
	}

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		log.Println("MQTT: Connected to broker")
	})
	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		log.Printf("MQTT: Connection lost: %v", err)
	})
	opts.SetReconnectingHandler(func(client mqtt.Client, opts *mqtt.ClientOptions) {
		log.Println("MQTT: Attempting to reconnect...")
	})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	log.Printf("MQTT: Successfully connected to broker: %s", config.Broker)

	return &MQTTPublisher{
		client:  client,
		config:  config,
		manager: manager,
	}, nil
}

// StartPublisher starts the background publishing goroutines.
func (mp *MQTTPublisher) StartPublisher(ctx context.Context) {
	go mp.startMetricsPublisher(ctx)

	if mp.config.SpectrumPublishEnabled {
		go mp.startSpectrumPublisher(ctx)
	}
}

// startMetricsPublisher publishes gathered client metrics at the
// configured interval.
func (mp *MQTTPublisher) startMetricsPublisher(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(mp.config.PublishInterval) * time.Second)
	defer ticker.Stop()

	log.Printf("MQTT: Metrics publisher started with %d second interval", mp.config.PublishInterval)

	mp.publishClientMetrics()

	for {
		select {
		case <-ctx.Done():
			log.Println("MQTT: Metrics publisher stopped")
			mp.client.Disconnect(250)
			return
		case <-ticker.C:
			mp.publishClientMetrics()
		}
	}
}

// startSpectrumPublisher publishes the latest frame's bins at the
// configured interval.
func (mp *MQTTPublisher) startSpectrumPublisher(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(mp.config.SpectrumPublishInterval) * time.Second)
	defer ticker.Stop()

	log.Printf("MQTT: Spectrum publisher started with %d second interval", mp.config.SpectrumPublishInterval)

	mp.publishSpectrumData()

	for {
		select {
		case <-ctx.Done():
			log.Println("MQTT: Spectrum publisher stopped")
			return
		case <-ticker.C:
			mp.publishSpectrumData()
		}
	}
}

// publishClientMetrics gathers the Prometheus registry and publishes every
// client metric in one payload.
func (mp *MQTTPublisher) publishClientMetrics() {
	timestamp := time.Now().Unix()

	metricFamilies, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		log.Printf("MQTT ERROR: Failed to gather Prometheus metrics: %v", err)
		return
	}

	clientMetrics := make(map[string]float64)
	for _, mf := range metricFamilies {
		metricName := mf.GetName()
		if !strings.HasPrefix(metricName, "ubersdr_client_") {
			continue
		}

		for _, m := range mf.GetMetric() {
			value, ok := extractMetricValue(m)
			if !ok {
				continue
			}

			// Flatten labeled metrics into name_label_value keys.
			key := metricName
			for _, label := range m.GetLabel() {
				key += "_" + label.GetName() + "_" + label.GetValue()
			}
			clientMetrics[key] = value
		}
	}

	mp.publish(mp.config.TopicPrefix+"/metrics", MetricPayload{
		Timestamp: timestamp,
		Metrics:   clientMetrics,
	})
}

// extractMetricValue extracts the numeric value from a Prometheus metric.
func extractMetricValue(m *dto.Metric) (float64, bool) {
	if m.GetGauge() != nil {
		return m.GetGauge().GetValue(), true
	}
	if m.GetCounter() != nil {
		return m.GetCounter().GetValue(), true
	}
	if m.GetHistogram() != nil {
		return m.GetHistogram().GetSampleSum(), true
	}
	if m.GetSummary() != nil {
		return m.GetSummary().GetSampleSum(), true
	}
	return 0, false
}

// publishSpectrumData publishes the latest frame with its viewport and
// signal measurements.
func (mp *MQTTPublisher) publishSpectrumData() {
	update, ok := mp.manager.LatestFrame()
	if !ok {
		return
	}

	s := update.State
	payload := map[string]interface{}{
		"timestamp":     time.Now().Unix(),
		"center_freq":   s.CenterFreq,
		"bin_bandwidth": s.BinBandwidth,
		"bin_count":     len(update.Frame.Bins),
		"start_freq":    s.WindowStart(),
		"end_freq":      s.WindowEnd(),
		"tuned_freq":    s.TunedFreq,
		"data":          update.Frame.Bins,
	}
	if metrics, valid := CurrentSignal(s, update.Frame); valid {
		payload["peak_db"] = metrics.PeakDB
		payload["floor_db"] = metrics.FloorDB
		payload["snr_db"] = metrics.SNRDB
	}

	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("MQTT ERROR: Failed to marshal spectrum payload: %v", err)
		return
	}

	topic := mp.config.TopicPrefix + "/spectrum"
	token := mp.client.Publish(topic, mp.config.QoS, mp.config.Retain, data)
	if token.Wait() && token.Error() != nil {
		log.Printf("MQTT ERROR: Failed to publish to topic %s: %v", topic, token.Error())
	}
}

// publish sends a metrics payload to an MQTT topic.
func (mp *MQTTPublisher) publish(topic string, payload MetricPayload) {
	if len(payload.Metrics) == 0 {
		return
	}

	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("MQTT ERROR: Failed to marshal payload for topic %s: %v", topic, err)
		return
	}

	token := mp.client.Publish(topic, mp.config.QoS, mp.config.Retain, data)
	if token.Wait() && token.Error() != nil {
		log.Printf("MQTT ERROR: Failed to publish to topic %s: %v", topic, token.Error())
		return
	}
}
