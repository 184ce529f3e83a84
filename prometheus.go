package main

import (
	"context"
	"fmt"
	"log"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"
)

// ClientMetrics holds all Prometheus collectors for the spectrum client.
// All methods are safe on a nil receiver, so metrics can be disabled by
// not constructing one.
type ClientMetrics struct {
	// Connection metrics
	connected       prometheus.Gauge
	reconnectsTotal prometheus.Counter

	// Stream metrics
	framesReceivedTotal prometheus.Counter
	framesDroppedTotal  prometheus.Counter
	bytesReceivedTotal  prometheus.Counter
	configsTotal        prometheus.Counter
	decodeErrorsTotal   *prometheus.CounterVec
	serverErrorsTotal   prometheus.Counter
	frameBins           prometheus.Gauge
	frameTimestamp      prometheus.Gauge

	// Command metrics
	commandsSentTotal    *prometheus.CounterVec
	commandsDroppedTotal prometheus.Counter

	// Viewport metrics
	centerFreqHz   prometheus.Gauge
	binBandwidthHz prometheus.Gauge
	tunedFreqHz    prometheus.Gauge
	zoomLevel      prometheus.Gauge

	// Signal metrics, updated per frame
	signalPeakDB  prometheus.Gauge
	signalFloorDB prometheus.Gauge
	signalSNRDB   prometheus.Gauge
	rangeMinDB    prometheus.Gauge
	rangeMaxDB    prometheus.Gauge

	// Resource metrics
	goroutineCount   prometheus.Gauge
	memoryAllocBytes prometheus.Gauge
	memoryHeapBytes  prometheus.Gauge

	// Pushgateway metrics
	pushesTotal       prometheus.Counter
	pushFailuresTotal prometheus.Counter
	lastPushTime      prometheus.Gauge
}

// NewClientMetrics creates and registers all collectors on the default
// registry.
func NewClientMetrics() *ClientMetrics {
	return &ClientMetrics{
		connected: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "ubersdr_client_connected",
			Help: "Whether the spectrum WebSocket is currently connected (1=yes, 0=no)",
		}),
		reconnectsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ubersdr_client_reconnects_total",
			Help: "Total reconnect attempts scheduled after a lost session",
		}),
		framesReceivedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ubersdr_client_frames_received_total",
			Help: "Total spectrum frames decoded and handed to the consumer",
		}),
		framesDroppedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ubersdr_client_frames_dropped_total",
			Help: "Total decoded frames dropped because the frame buffer was full",
		}),
		bytesReceivedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ubersdr_client_bytes_received_total",
			Help: "Total WebSocket payload bytes received",
		}),
		configsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ubersdr_client_configs_total",
			Help: "Total config messages received from the server",
		}),
		decodeErrorsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "ubersdr_client_decode_errors_total",
			Help: "Total messages that failed to decode, by reason",
		}, []string{"reason"}),
		serverErrorsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ubersdr_client_server_errors_total",
			Help: "Total error messages reported by the server",
		}),
		frameBins: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "ubersdr_client_frame_bins",
			Help: "Bin count of the most recent frame",
		}),
		frameTimestamp: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "ubersdr_client_frame_timestamp_seconds",
			Help: "Server capture time of the most recent frame, Unix seconds",
		}),
		commandsSentTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "ubersdr_client_commands_sent_total",
			Help: "Total spectrum commands written to the server, by type",
		}, []string{"type"}),
		commandsDroppedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ubersdr_client_commands_dropped_total",
			Help: "Total commands dropped because the outbound queue was full",
		}),
		centerFreqHz: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "ubersdr_client_center_freq_hz",
			Help: "Current viewport center frequency in Hz",
		}),
		binBandwidthHz: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "ubersdr_client_bin_bandwidth_hz",
			Help: "Current bin bandwidth in Hz",
		}),
		tunedFreqHz: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "ubersdr_client_tuned_freq_hz",
			Help: "Currently tuned frequency in Hz",
		}),
		zoomLevel: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "ubersdr_client_zoom_level",
			Help: "Zoom factor relative to the server default resolution",
		}),
		signalPeakDB: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "ubersdr_client_signal_peak_db",
			Help: "Peak power inside the filter bandwidth, dB",
		}),
		signalFloorDB: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "ubersdr_client_signal_floor_db",
			Help: "Noise floor over the full frame, dB",
		}),
		signalSNRDB: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "ubersdr_client_signal_snr_db",
			Help: "Signal-to-noise ratio inside the filter bandwidth, dB",
		}),
		rangeMinDB: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "ubersdr_client_range_min_db",
			Help: "Auto-range display minimum of the most recent frame, dB",
		}),
		rangeMaxDB: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "ubersdr_client_range_max_db",
			Help: "Auto-range display maximum of the most recent frame, dB",
		}),
		goroutineCount: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "ubersdr_client_goroutines",
			Help: "Current number of goroutines",
		}),
		memoryAllocBytes: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "ubersdr_client_memory_alloc_bytes",
			Help: "Currently allocated bytes",
		}),
		memoryHeapBytes: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "ubersdr_client_memory_heap_bytes",
			Help: "Current heap bytes",
		}),
		pushesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ubersdr_client_pushgateway_pushes_total",
			Help: "Total push attempts to the Pushgateway",
		}),
		pushFailuresTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ubersdr_client_pushgateway_failures_total",
			Help: "Failed pushes to the Pushgateway",
		}),
		lastPushTime: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "ubersdr_client_pushgateway_last_push_timestamp",
			Help: "Unix timestamp of the last successful push",
		}),
	}
}

func (cm *ClientMetrics) SetConnected(connected bool) {
	if cm == nil {
		return
	}
	if connected {
		cm.connected.Set(1)
	} else {
		cm.connected.Set(0)
	}
}

func (cm *ClientMetrics) ReconnectScheduled() {
	if cm == nil {
		return
	}
	cm.reconnectsTotal.Inc()
}

func (cm *ClientMetrics) FrameReceived(bins int) {
	if cm == nil {
		return
	}
	cm.framesReceivedTotal.Inc()
	cm.frameBins.Set(float64(bins))
}

func (cm *ClientMetrics) FrameDropped() {
	if cm == nil {
		return
	}
	cm.framesDroppedTotal.Inc()
}

func (cm *ClientMetrics) BytesRead(n int) {
	if cm == nil {
		return
	}
	cm.bytesReceivedTotal.Add(float64(n))
}

func (cm *ClientMetrics) ConfigReceived() {
	if cm == nil {
		return
	}
	cm.configsTotal.Inc()
}

func (cm *ClientMetrics) DecodeError(reason string) {
	if cm == nil {
		return
	}
	cm.decodeErrorsTotal.WithLabelValues(reason).Inc()
}

func (cm *ClientMetrics) ServerError() {
	if cm == nil {
		return
	}
	cm.serverErrorsTotal.Inc()
}

func (cm *ClientMetrics) CommandSent(kind string) {
	if cm == nil {
		return
	}
	cm.commandsSentTotal.WithLabelValues(kind).Inc()
}

func (cm *ClientMetrics) CommandDropped() {
	if cm == nil {
		return
	}
	cm.commandsDroppedTotal.Inc()
}

// ObserveFrame updates the per-frame gauges: viewport, auto-range and
// signal measurements.
func (cm *ClientMetrics) ObserveFrame(update FrameUpdate) {
	if cm == nil || update.Frame == nil {
		return
	}

	s := update.State
	cm.centerFreqHz.Set(s.CenterFreq)
	cm.binBandwidthHz.Set(s.BinBandwidth)
	cm.tunedFreqHz.Set(s.TunedFreq)
	cm.zoomLevel.Set(s.ZoomLevel())
	if update.Frame.Timestamp > 0 {
		cm.frameTimestamp.Set(float64(update.Frame.Timestamp) / 1000.0)
	}

	minDB, maxDB := AutoRange(update.Frame.Bins)
	if minDB != AutoRangeUnset {
		cm.rangeMinDB.Set(minDB)
		cm.rangeMaxDB.Set(maxDB)
	}

	if metrics, ok := CurrentSignal(s, update.Frame); ok {
		cm.signalPeakDB.Set(metrics.PeakDB)
		cm.signalFloorDB.Set(metrics.FloorDB)
		cm.signalSNRDB.Set(metrics.SNRDB)
	}
}

// StartResourceUpdater refreshes goroutine and memory gauges until the
// context ends.
func (cm *ClientMetrics) StartResourceUpdater(ctx context.Context) {
	if cm == nil {
		return
	}

	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()

		for {
			cm.updateResourceMetrics()
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

func (cm *ClientMetrics) updateResourceMetrics() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	cm.goroutineCount.Set(float64(runtime.NumGoroutine()))
	cm.memoryAllocBytes.Set(float64(m.Alloc))
	cm.memoryHeapBytes.Set(float64(m.HeapAlloc))
}

// StartPushgatewayWorker pushes the default registry to a Pushgateway on
// an interval, for clients running behind NAT where scraping is not an
// option.
func (cm *ClientMetrics) StartPushgatewayWorker(ctx context.Context, cfg *Config) {
	if cm == nil || !cfg.Metrics.Pushgateway.Enabled {
		return
	}

	pgConfig := cfg.Metrics.Pushgateway
	if pgConfig.URL == "" || pgConfig.Instance == "" {
		log.Printf("Pushgateway not fully configured (url or instance missing), skipping push worker")
		return
	}

	interval := time.Duration(pgConfig.IntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 60 * time.Second
	}

	log.Printf("Starting Pushgateway worker: URL=%s, Instance=%s, Interval=%s",
		pgConfig.URL, pgConfig.Instance, interval)

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			cm.pushesTotal.Inc()
			if err := cm.pushToGateway(cfg); err != nil {
				cm.pushFailuresTotal.Inc()
				log.Printf("ERROR: Failed to push metrics to Pushgateway: %v", err)
			} else {
				cm.lastPushTime.Set(float64(time.Now().Unix()))
				if DebugMode {
					log.Printf("DEBUG: Pushed metrics to Pushgateway")
				}
			}

			select {
			case <-ctx.Done():
				log.Printf("Pushgateway worker stopped")
				return
			case <-ticker.C:
			}
		}
	}()
}

func (cm *ClientMetrics) pushToGateway(cfg *Config) error {
	pgConfig := cfg.Metrics.Pushgateway

	const jobName = "ubersdr_spectrum_client"

	pusher := push.New(pgConfig.URL, jobName).
		Gatherer(prometheus.DefaultGatherer).
		Grouping("instance", pgConfig.Instance).
		Grouping("version", Version)
	if pgConfig.Token != "" {
		pusher = pusher.BasicAuth(pgConfig.Instance, pgConfig.Token)
	}

	if err := pusher.Push(); err != nil {
		return fmt.Errorf("failed to push to gateway: %w", err)
	}
	return nil
}
