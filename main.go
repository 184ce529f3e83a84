package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
)

// Global debug flag
var DebugMode bool

// Global stats flag
var StatsMode bool

func main() {
	var (
		configFile = pflag.StringP("config", "c", "", "Configuration file (YAML)")
		serverURL  = pflag.StringP("server", "s", "", "UberSDR server URL (overrides config)")
		password   = pflag.StringP("password", "w", "", "Session password (overrides config)")
		apiPort    = pflag.IntP("api-port", "p", 0, "Local API port (overrides config)")
		tunedFreq  = pflag.Float64P("freq", "f", 0, "Initial tuned frequency in Hz (overrides config)")
		mode       = pflag.StringP("mode", "m", "", "Initial demodulation mode (overrides config)")

		noBinary8   = pflag.Bool("no-binary8", false, "Request the legacy JSON stream instead of binary")
		noReconnect = pflag.Bool("no-reconnect", false, "Exit after the first disconnect")

		capturePath    = pflag.String("capture", "", "Journal the raw inbound stream to this file")
		replayPath     = pflag.String("replay", "", "Replay a capture file through the decoder and exit")
		replayRealtime = pflag.Bool("replay-realtime", false, "Preserve inter-frame timing during replay")
		recordPath     = pflag.String("record", "", "Record decoded frames to this parquet file")
		recordEvery    = pflag.Int("record-every", 0, "Record every Nth frame (with --record)")

		discover        = pflag.BoolP("discover", "D", false, "Discover UberSDR instances on the LAN and exit")
		discoverTimeout = pflag.Int("discover-timeout", 5, "Discovery timeout in seconds")

		debug   = pflag.Bool("debug", false, "Enable debug logging")
		stats   = pflag.Bool("stats", false, "Enable periodic throughput stats")
		version = pflag.BoolP("version", "v", false, "Print version and exit")
	)

	pflag.Parse()

	if *version {
		fmt.Printf("ubersdr-spectrum-client %s\n", Version)
		os.Exit(0)
	}

	DebugMode = *debug
	StatsMode = *stats

	// Replay mode runs entirely offline: no config, no server.
	if *replayPath != "" {
		if err := runReplay(*replayPath, *replayRealtime); err != nil {
			log.Fatalf("Replay failed: %v", err)
		}
		return
	}

	// Discovery-only mode browses the LAN, prints what it finds and exits.
	if *discover {
		runDiscoverMode(time.Duration(*discoverTimeout) * time.Second)
		return
	}

	var cfg *Config
	var err error
	if *configFile != "" {
		cfg, err = LoadConfig(*configFile)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
	} else {
		cfg = DefaultConfig()
	}

	// Flags override file values.
	if *serverURL != "" {
		cfg.Server.URL = *serverURL
	}
	if *password != "" {
		cfg.Server.Password = *password
	}
	if *apiPort != 0 {
		cfg.API.Port = *apiPort
	}
	if *tunedFreq != 0 {
		cfg.Spectrum.TunedFreq = *tunedFreq
	}
	if *mode != "" {
		cfg.Spectrum.Mode = *mode
	}
	if *noBinary8 {
		cfg.Spectrum.Binary8 = false
	}
	if *noReconnect {
		cfg.Server.Reconnect = false
	}
	if *capturePath != "" {
		cfg.Capture.Enabled = true
		cfg.Capture.Path = *capturePath
	}
	if *recordPath != "" {
		cfg.Recording.Enabled = true
		cfg.Recording.Path = *recordPath
	}
	if *recordEvery > 0 {
		cfg.Recording.Every = *recordEvery
	}

	if cfg.Server.URL == "" {
		fmt.Fprintln(os.Stderr, "No server given: pass --server or a --config file (or --discover to find one)")
		pflag.Usage()
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	log.Printf("UberSDR Spectrum Client %s", Version)
	log.Printf("Server: %s", cfg.Server.URL)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics := NewClientMetrics()
	metrics.StartResourceUpdater(ctx)
	metrics.StartPushgatewayWorker(ctx, cfg)

	var capture *CaptureWriter
	if cfg.Capture.Enabled {
		capture, err = NewCaptureWriter(cfg.Capture.Path)
		if err != nil {
			log.Fatalf("Failed to open capture file: %v", err)
		}
	}

	var recorder *FrameRecorder
	if cfg.Recording.Enabled {
		recorder, err = NewFrameRecorder(cfg.Recording.Path, cfg.Recording.Every)
		if err != nil {
			log.Fatalf("Failed to open recording file: %v", err)
		}
	}

	var discovery *InstanceDiscovery
	if cfg.Discovery.Enabled {
		discovery = NewInstanceDiscovery()
		if err := discovery.Start(); err != nil {
			log.Printf("Warning: Instance discovery failed to start: %v", err)
			discovery = nil
		}
	}

	hub := NewSpectrumHub()

	manager := NewConnectionManager(cfg, metrics, capture, recorder, hub)
	manager.Start()

	checker := NewVersionChecker(cfg.Update)
	checker.Start(ctx)

	if cfg.MQTT.Enabled {
		publisher, err := NewMQTTPublisher(&cfg.MQTT, manager)
		if err != nil {
			log.Printf("Warning: MQTT publisher disabled: %v", err)
		} else {
			publisher.StartPublisher(ctx)
		}
	}

	apiServer := NewAPIServer(cfg, manager, discovery, hub, checker)
	go func() {
		if err := apiServer.Start(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("API server failed: %v", err)
		}
	}()

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := apiServer.Stop(shutdownCtx); err != nil {
		log.Printf("Warning: API server shutdown: %v", err)
	}

	manager.Stop()
	discovery.Stop()

	if err := capture.Close(); err != nil {
		log.Printf("Warning: capture close: %v", err)
	}
	if err := recorder.Close(); err != nil {
		log.Printf("Warning: recorder close: %v", err)
	}

	log.Println("Shutdown complete")
}

// runDiscoverMode prints discovered instances in a table and exits.
func runDiscoverMode(timeout time.Duration) {
	fmt.Printf("Browsing for UberSDR instances (%s)...\n", timeout)

	instances, err := DiscoverInstances(timeout)
	if err != nil {
		log.Fatalf("Discovery failed: %v", err)
	}
	if len(instances) == 0 {
		fmt.Println("No instances found")
		return
	}

	for _, inst := range instances {
		fmt.Printf("%-30s %s", inst.Name, inst.ServerURL())
		if inst.Version != "" && inst.Version != "unknown" {
			fmt.Printf("  (version %s)", inst.Version)
		}
		if inst.Description != nil && inst.Description.Receiver.Name != "" {
			fmt.Printf("  %s", inst.Description.Receiver.Name)
		}
		fmt.Println()
	}
	fmt.Printf("%d instance(s) found\n", len(instances))
}
