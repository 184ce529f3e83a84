package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

// ErrorResponse is the JSON body for failed API requests.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// SuccessResponse is the JSON body for simple successful API requests.
type SuccessResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// TuneRequest is the body for POST /api/tune.
type TuneRequest struct {
	Frequency  float64 `json:"frequency"`
	CenterTune bool    `json:"center_tune,omitempty"`
}

// ZoomRequest is the body for POST /api/zoom.
type ZoomRequest struct {
	Frequency      float64 `json:"frequency"`
	TotalBandwidth float64 `json:"total_bandwidth"`
}

// PanRequest is the body for POST /api/pan.
type PanRequest struct {
	Frequency float64 `json:"frequency"`
}

// ModeRequest is the body for POST /api/mode.
type ModeRequest struct {
	Mode string `json:"mode"`
}

// BandwidthRequest is the body for POST /api/bandwidth.
type BandwidthRequest struct {
	Low  int32 `json:"low"`
	High int32 `json:"high"`
}

// spectrumStateView is the JSON shape of the viewport state.
type spectrumStateView struct {
	CenterFreq          float64 `json:"center_freq"`
	BinCount            int     `json:"bin_count"`
	BinBandwidth        float64 `json:"bin_bandwidth"`
	InitialBinBandwidth float64 `json:"initial_bin_bandwidth"`
	TotalBandwidth      float64 `json:"total_bandwidth"`
	WindowStart         float64 `json:"window_start"`
	WindowEnd           float64 `json:"window_end"`
	ZoomLevel           float64 `json:"zoom_level"`
	TunedFreq           float64 `json:"tuned_freq"`
	Mode                string  `json:"mode"`
	BandwidthLow        int32   `json:"bandwidth_low"`
	BandwidthHigh       int32   `json:"bandwidth_high"`
	Configured          bool    `json:"configured"`
}

func stateView(s ClientState) spectrumStateView {
	return spectrumStateView{
		CenterFreq:          s.CenterFreq,
		BinCount:            s.BinCount,
		BinBandwidth:        s.BinBandwidth,
		InitialBinBandwidth: s.InitialBinBandwidth,
		TotalBandwidth:      s.TotalBandwidth(),
		WindowStart:         s.WindowStart(),
		WindowEnd:           s.WindowEnd(),
		ZoomLevel:           s.ZoomLevel(),
		TunedFreq:           s.TunedFreq,
		Mode:                s.Mode,
		BandwidthLow:        s.BandwidthLow,
		BandwidthHigh:       s.BandwidthHigh,
		Configured:          s.Configured(),
	}
}

type systemView struct {
	CPUCores          int     `json:"cpu_cores"`
	LoadAvg1          float64 `json:"load_avg_1"`
	MemoryUsedPercent float64 `json:"memory_used_percent"`
	Goroutines        int     `json:"goroutines"`
	UptimeSeconds     float64 `json:"uptime_seconds"`
}

type statusResponse struct {
	Connected         bool              `json:"connected"`
	ServerURL         string            `json:"server_url"`
	SessionID         string            `json:"session_id"`
	ConnectedAt       *time.Time        `json:"connected_at,omitempty"`
	ReconnectAttempts int               `json:"reconnect_attempts"`
	Bypassed          bool              `json:"bypassed,omitempty"`
	AllowedIQModes    []string          `json:"allowed_iq_modes,omitempty"`
	MaxSessionTime    int               `json:"max_session_time,omitempty"`
	Subscribers       int               `json:"subscribers"`
	Spectrum          spectrumStateView `json:"spectrum"`
	Stats             EngineStats       `json:"stats"`
	System            systemView        `json:"system"`
}

type rangeResponse struct {
	MinDB     float64 `json:"min_db"`
	MaxDB     float64 `json:"max_db"`
	BinCount  int     `json:"bin_count"`
	Timestamp uint64  `json:"timestamp"`
}

type signalResponse struct {
	Valid     bool    `json:"valid"`
	PeakDB    float64 `json:"peak_db"`
	FloorDB   float64 `json:"floor_db"`
	SNRDB     float64 `json:"snr_db"`
	LowHz     int32   `json:"low_hz"`
	HighHz    int32   `json:"high_hz"`
	Timestamp uint64  `json:"timestamp"`
}

type zoomResponse struct {
	Success      bool    `json:"success"`
	Status       string  `json:"status"`
	BinBandwidth float64 `json:"bin_bandwidth"`
	ZoomLevel    float64 `json:"zoom_level"`
}

type frameResponse struct {
	Timestamp uint64            `json:"timestamp"`
	Frequency uint64            `json:"frequency"`
	BinCount  int               `json:"bin_count"`
	Bins      []float32         `json:"bins,omitempty"`
	State     spectrumStateView `json:"state"`
}

// APIServer exposes the client over HTTP: status and signal queries,
// viewport control and a WebSocket rebroadcast of the decoded stream.
type APIServer struct {
	manager   *ConnectionManager
	discovery *InstanceDiscovery
	hub       *SpectrumHub
	checker   *VersionChecker
	router    *mux.Router
	server    *http.Server
	upgrader  websocket.Upgrader
	started   time.Time
}

// NewAPIServer builds the server; discovery, hub and checker may be nil.
func NewAPIServer(cfg *Config, manager *ConnectionManager, discovery *InstanceDiscovery, hub *SpectrumHub, checker *VersionChecker) *APIServer {
	router := mux.NewRouter()

	s := &APIServer{
		manager:   manager,
		discovery: discovery,
		hub:       hub,
		checker:   checker,
		router:    router,
		server: &http.Server{
			Addr:         fmt.Sprintf("%s:%d", cfg.API.Bind, cfg.API.Port),
			Handler:      router,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		started: time.Now(),
	}

	s.setupRoutes()
	return s
}

func (s *APIServer) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/status", s.handleStatus).Methods("GET", "OPTIONS")
	api.HandleFunc("/range", s.handleRange).Methods("GET", "OPTIONS")
	api.HandleFunc("/signal", s.handleSignal).Methods("GET", "OPTIONS")
	api.HandleFunc("/frame", s.handleFrame).Methods("GET", "OPTIONS")
	api.HandleFunc("/tune", s.handleTune).Methods("POST", "OPTIONS")
	api.HandleFunc("/mode", s.handleMode).Methods("POST", "OPTIONS")
	api.HandleFunc("/bandwidth", s.handleBandwidth).Methods("POST", "OPTIONS")
	api.HandleFunc("/zoom", s.handleZoom).Methods("POST", "OPTIONS")
	api.HandleFunc("/zoom/in", s.handleZoomIn).Methods("POST", "OPTIONS")
	api.HandleFunc("/zoom/out", s.handleZoomOut).Methods("POST", "OPTIONS")
	api.HandleFunc("/pan", s.handlePan).Methods("POST", "OPTIONS")
	api.HandleFunc("/instances", s.handleInstances).Methods("GET", "OPTIONS")
	api.HandleFunc("/version", s.handleVersion).Methods("GET", "OPTIONS")

	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	s.router.HandleFunc("/ws", s.handleWebSocket)

	s.router.Use(corsMiddleware)
}

// corsMiddleware adds CORS headers to all responses.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Start runs the HTTP server; blocks until shutdown.
func (s *APIServer) Start() error {
	log.Printf("Starting API server on %s", s.server.Addr)
	return s.server.ListenAndServe()
}

// Stop gracefully stops the HTTP server and its WebSocket subscribers.
func (s *APIServer) Stop(ctx context.Context) error {
	log.Printf("Stopping API server")
	s.hub.CloseAll()
	return s.server.Shutdown(ctx)
}

func (s *APIServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := s.manager.Status()

	resp := statusResponse{
		Connected:         status.Connected,
		ServerURL:         status.ServerURL,
		SessionID:         status.SessionID,
		ReconnectAttempts: status.ReconnectAttempts,
		Bypassed:          status.Bypassed,
		AllowedIQModes:    status.AllowedIQModes,
		MaxSessionTime:    status.MaxSessionTime,
		Subscribers:       s.hub.ClientCount(),
		Spectrum:          stateView(status.State),
		Stats:             status.Stats,
		System:            s.systemInfo(),
	}
	if status.Connected {
		connectedAt := status.ConnectedAt
		resp.ConnectedAt = &connectedAt
	}

	respondJSON(w, http.StatusOK, resp)
}

func (s *APIServer) systemInfo() systemView {
	view := systemView{
		Goroutines:    runtime.NumGoroutine(),
		UptimeSeconds: time.Since(s.started).Seconds(),
	}
	if cores, err := cpu.Counts(true); err == nil {
		view.CPUCores = cores
	}
	if avg, err := load.Avg(); err == nil {
		view.LoadAvg1 = avg.Load1
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		view.MemoryUsedPercent = vm.UsedPercent
	}
	return view
}

func (s *APIServer) handleRange(w http.ResponseWriter, r *http.Request) {
	update, ok := s.manager.LatestFrame()
	if !ok {
		respondError(w, http.StatusNotFound, "No spectrum frame received yet", "")
		return
	}

	minDB, maxDB := AutoRange(update.Frame.Bins)
	respondJSON(w, http.StatusOK, rangeResponse{
		MinDB:     minDB,
		MaxDB:     maxDB,
		BinCount:  len(update.Frame.Bins),
		Timestamp: update.Frame.Timestamp,
	})
}

func (s *APIServer) handleSignal(w http.ResponseWriter, r *http.Request) {
	update, ok := s.manager.LatestFrame()
	if !ok {
		respondError(w, http.StatusNotFound, "No spectrum frame received yet", "")
		return
	}

	low, high := FilterEdges(update.State)
	query := r.URL.Query()
	if query.Get("low") != "" || query.Get("high") != "" {
		lowVal, errLow := strconv.ParseInt(query.Get("low"), 10, 32)
		highVal, errHigh := strconv.ParseInt(query.Get("high"), 10, 32)
		if errLow != nil || errHigh != nil {
			respondError(w, http.StatusBadRequest, "low and high must both be integers (Hz offsets from the tuned frequency)", "")
			return
		}
		low, high = int32(lowVal), int32(highVal)
	}

	metrics, valid := BandwidthSignal(update.State, update.Frame, low, high)
	respondJSON(w, http.StatusOK, signalResponse{
		Valid:     valid,
		PeakDB:    metrics.PeakDB,
		FloorDB:   metrics.FloorDB,
		SNRDB:     metrics.SNRDB,
		LowHz:     low,
		HighHz:    high,
		Timestamp: update.Frame.Timestamp,
	})
}

func (s *APIServer) handleFrame(w http.ResponseWriter, r *http.Request) {
	update, ok := s.manager.LatestFrame()
	if !ok {
		respondError(w, http.StatusNotFound, "No spectrum frame received yet", "")
		return
	}

	resp := frameResponse{
		Timestamp: update.Frame.Timestamp,
		Frequency: update.Frame.Frequency,
		BinCount:  len(update.Frame.Bins),
		State:     stateView(update.State),
	}
	if r.URL.Query().Get("bins") == "true" {
		resp.Bins = update.Frame.Bins
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *APIServer) handleTune(w http.ResponseWriter, r *http.Request) {
	var req TuneRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}

	if err := s.manager.Tune(req.Frequency, req.CenterTune); err != nil {
		respondError(w, errorStatus(err), "Tune failed", err.Error())
		return
	}
	s.respondState(w)
}

func (s *APIServer) handleMode(w http.ResponseWriter, r *http.Request) {
	var req ModeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}

	if err := s.manager.SetMode(req.Mode); err != nil {
		respondError(w, errorStatus(err), "Mode change failed", err.Error())
		return
	}
	s.respondState(w)
}

func (s *APIServer) handleBandwidth(w http.ResponseWriter, r *http.Request) {
	var req BandwidthRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}

	if err := s.manager.SetBandwidth(req.Low, req.High); err != nil {
		respondError(w, errorStatus(err), "Bandwidth change failed", err.Error())
		return
	}
	s.respondState(w)
}

func (s *APIServer) handleZoom(w http.ResponseWriter, r *http.Request) {
	var req ZoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}
	if req.TotalBandwidth <= 0 {
		respondError(w, http.StatusBadRequest, "total_bandwidth must be positive", "")
		return
	}

	if err := s.manager.ZoomTo(req.Frequency, req.TotalBandwidth); err != nil {
		respondError(w, errorStatus(err), "Zoom failed", err.Error())
		return
	}
	s.respondState(w)
}

func (s *APIServer) handleZoomIn(w http.ResponseWriter, r *http.Request) {
	s.respondZoomStep(w, s.manager.ZoomIn)
}

func (s *APIServer) handleZoomOut(w http.ResponseWriter, r *http.Request) {
	s.respondZoomStep(w, s.manager.ZoomOut)
}

func (s *APIServer) respondZoomStep(w http.ResponseWriter, step func() (ZoomStatus, error)) {
	status, err := step()
	if err != nil {
		respondError(w, errorStatus(err), "Zoom failed", err.Error())
		return
	}

	state, _ := s.manager.State()
	respondJSON(w, http.StatusOK, zoomResponse{
		Success:      true,
		Status:       status.String(),
		BinBandwidth: state.BinBandwidth,
		ZoomLevel:    state.ZoomLevel(),
	})
}

func (s *APIServer) handlePan(w http.ResponseWriter, r *http.Request) {
	var req PanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}

	if err := s.manager.PanTo(req.Frequency); err != nil {
		respondError(w, errorStatus(err), "Pan failed", err.Error())
		return
	}
	s.respondState(w)
}

func (s *APIServer) handleInstances(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.discovery.Instances())
}

func (s *APIServer) handleVersion(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.checker.Info())
}

func (s *APIServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade error: %v", err)
		return
	}
	s.hub.Serve(conn)
}

// respondState replies with the post-command viewport state.
func (s *APIServer) respondState(w http.ResponseWriter) {
	state, _ := s.manager.State()
	respondJSON(w, http.StatusOK, struct {
		Success  bool              `json:"success"`
		Spectrum spectrumStateView `json:"spectrum"`
	}{
		Success:  true,
		Spectrum: stateView(state),
	})
}

// errorStatus maps command errors onto HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, ErrNotConnected):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrConfigRequired):
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, error string, message string) {
	respondJSON(w, status, ErrorResponse{
		Error:   error,
		Message: message,
	})
}
