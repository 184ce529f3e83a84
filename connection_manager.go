package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// maxReconnectBackoff caps the exponential reconnect delay.
const maxReconnectBackoff = 60 * time.Second

// connectionCheckTimeout bounds the /connection pre-check request.
const connectionCheckTimeout = 10 * time.Second

// ConnectionCheckRequest is the body posted to the server's /connection
// endpoint before opening the WebSocket.
type ConnectionCheckRequest struct {
	UserSessionID string `json:"user_session_id"`
	Password      string `json:"password,omitempty"`
}

// ConnectionCheckResponse is the server's answer to a connection check.
type ConnectionCheckResponse struct {
	Allowed        bool     `json:"allowed"`
	Reason         string   `json:"reason,omitempty"`
	ClientIP       string   `json:"client_ip,omitempty"`
	SessionTimeout int      `json:"session_timeout"`
	MaxSessionTime int      `json:"max_session_time"`
	Bypassed       bool     `json:"bypassed"`
	AllowedIQModes []string `json:"allowed_iq_modes,omitempty"`
}

// tuningIntent is the user's tuning state, kept outside any single
// connection so it survives reconnects and seeds the next session.
type tuningIntent struct {
	tunedFreq     float64
	mode          string
	bandwidthLow  int32
	bandwidthHigh int32
}

// ManagerStatus is a snapshot of the connection manager for the status API.
type ManagerStatus struct {
	Connected         bool
	ServerURL         string
	SessionID         string
	ConnectedAt       time.Time
	ReconnectAttempts int
	Bypassed          bool
	AllowedIQModes    []string
	MaxSessionTime    int
	State             ClientState
	Stats             EngineStats
}

// ConnectionManager owns connection policy: the session identity, the
// pre-connect permission check, reconnect backoff and the per-session
// lifecycle of transport, engine and negotiator. Each attempt builds all
// three fresh; only the tuning intent carries across.
type ConnectionManager struct {
	cfg      *Config
	metrics  *ClientMetrics
	capture  *CaptureWriter
	recorder *FrameRecorder
	hub      *SpectrumHub

	userSessionID string

	mu             sync.RWMutex
	intent         tuningIntent
	transport      *SpectrumTransport
	engine         *SpectrumEngine
	negotiator     *ViewportNegotiator
	store          *stateStore
	latest         *FrameUpdate
	connectedAt    time.Time
	attempts       int
	bypassed       bool
	allowedIQModes []string
	maxSessionTime int

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewConnectionManager builds a manager with a freshly generated user
// session ID. capture, recorder and hub may be nil.
func NewConnectionManager(cfg *Config, metrics *ClientMetrics, capture *CaptureWriter, recorder *FrameRecorder, hub *SpectrumHub) *ConnectionManager {
	return &ConnectionManager{
		cfg:           cfg,
		metrics:       metrics,
		capture:       capture,
		recorder:      recorder,
		hub:           hub,
		userSessionID: uuid.New().String(),
		intent: tuningIntent{
			tunedFreq:     cfg.Spectrum.TunedFreq,
			mode:          strings.ToLower(cfg.Spectrum.Mode),
			bandwidthLow:  cfg.Spectrum.BandwidthLow,
			bandwidthHigh: cfg.Spectrum.BandwidthHigh,
		},
		stopChan: make(chan struct{}),
	}
}

// SessionID returns the generated user session ID.
func (m *ConnectionManager) SessionID() string {
	return m.userSessionID
}

// Start launches the connection loop in the background.
func (m *ConnectionManager) Start() {
	m.wg.Add(1)
	go m.run()
}

// Stop tears down the current session and stops reconnecting. Blocks until
// the connection loop has exited.
func (m *ConnectionManager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopChan)
	})

	m.mu.RLock()
	engine := m.engine
	transport := m.transport
	m.mu.RUnlock()

	if engine != nil {
		engine.Stop()
	}
	if transport != nil {
		transport.Close()
	}
	m.wg.Wait()
}

// run is the connection loop: connect, serve the session until it ends,
// then back off and try again.
func (m *ConnectionManager) run() {
	defer m.wg.Done()

	for {
		select {
		case <-m.stopChan:
			return
		default:
		}

		connected, err := m.connectOnce()
		if err != nil {
			log.Printf("ERROR: Spectrum session ended: %v", err)
		}

		select {
		case <-m.stopChan:
			return
		default:
		}

		if !m.cfg.Server.Reconnect {
			log.Printf("Reconnect disabled, connection loop exiting")
			return
		}

		m.mu.Lock()
		if connected {
			m.attempts = 0
		}
		m.attempts++
		attempt := m.attempts
		m.mu.Unlock()

		backoff := reconnectBackoff(attempt)
		log.Printf("Reconnecting in %s (attempt %d)", backoff, attempt)
		m.metrics.ReconnectScheduled()

		select {
		case <-time.After(backoff):
		case <-m.stopChan:
			return
		}
	}
}

// connectOnce runs a single session: permission check, connect, receive
// until the connection drops or Stop is called. The returned bool reports
// whether the WebSocket ever came up.
func (m *ConnectionManager) connectOnce() (bool, error) {
	allowed, err := m.checkConnectionAllowed()
	if err != nil {
		log.Printf("Connection check failed: %v (attempting connection anyway)", err)
	} else if !allowed {
		return false, fmt.Errorf("connection rejected by server")
	}

	intent := m.currentIntent()
	store := newStateStore(ClientState{
		TunedFreq:     intent.tunedFreq,
		Mode:          intent.mode,
		BandwidthLow:  intent.bandwidthLow,
		BandwidthHigh: intent.bandwidthHigh,
	})

	readTimeout := time.Duration(m.cfg.Spectrum.ReadTimeoutMs) * time.Millisecond
	throttle := time.Duration(m.cfg.Spectrum.CommandThrottleMs) * time.Millisecond

	transport := NewSpectrumTransport(m.cfg.Server.URL, m.userSessionID, m.cfg.Server.Password, m.cfg.Spectrum.Binary8, readTimeout, m.metrics)
	if err := transport.Connect(); err != nil {
		return false, err
	}

	negotiator := NewViewportNegotiator(store, transport, throttle)
	engine := NewSpectrumEngine(transport, store, negotiator, m.cfg.Spectrum.FrameBuffer, m.capture, m.metrics)

	m.mu.Lock()
	m.transport = transport
	m.engine = engine
	m.negotiator = negotiator
	m.store = store
	m.latest = nil
	m.connectedAt = time.Now()
	m.mu.Unlock()
	m.metrics.SetConnected(true)

	consumerDone := make(chan struct{})
	go m.consumeFrames(engine, consumerDone)

	runErr := engine.Run()

	transport.Close()
	<-consumerDone

	m.mu.Lock()
	m.transport = nil
	m.engine = nil
	m.negotiator = nil
	m.store = nil
	m.mu.Unlock()
	m.metrics.SetConnected(false)

	return true, runErr
}

// consumeFrames is the single consumer of the engine's frame channel. It
// keeps the latest frame for the API, feeds per-frame signal metrics, the
// rebroadcast hub and the recorder.
func (m *ConnectionManager) consumeFrames(engine *SpectrumEngine, done chan struct{}) {
	defer close(done)

	for update := range engine.Frames() {
		u := update
		m.mu.Lock()
		m.latest = &u
		m.mu.Unlock()

		m.metrics.ObserveFrame(update)
		m.hub.Broadcast(update)
		m.recorder.Record(update)
	}
}

// checkConnectionAllowed asks the server whether this session may connect.
// Request transport errors do not block the attempt; an explicit rejection
// does.
func (m *ConnectionManager) checkConnectionAllowed() (bool, error) {
	base, err := httpBaseURL(m.cfg.Server.URL)
	if err != nil {
		return true, err
	}

	reqBody := ConnectionCheckRequest{
		UserSessionID: m.userSessionID,
		Password:      m.cfg.Server.Password,
	}
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return true, err
	}

	req, err := http.NewRequest("POST", base+"/connection", bytes.NewBuffer(jsonData))
	if err != nil {
		return true, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", clientUserAgent)

	client := &http.Client{Timeout: connectionCheckTimeout}
	resp, err := client.Do(req)
	if err != nil {
		return true, err
	}
	defer resp.Body.Close()

	var respData ConnectionCheckResponse
	if err := json.NewDecoder(resp.Body).Decode(&respData); err != nil {
		return true, fmt.Errorf("invalid connection check response: %w", err)
	}

	if !respData.Allowed {
		log.Printf("Connection rejected: %s", respData.Reason)
		return false, nil
	}

	m.mu.Lock()
	m.bypassed = respData.Bypassed
	m.allowedIQModes = respData.AllowedIQModes
	m.maxSessionTime = respData.MaxSessionTime
	m.mu.Unlock()

	clientIP := respData.ClientIP
	if clientIP == "" {
		clientIP = "unknown"
	}
	log.Printf("Connection allowed (client IP: %s, bypassed: %v, max session time: %ds)",
		clientIP, respData.Bypassed, respData.MaxSessionTime)
	return true, nil
}

func (m *ConnectionManager) currentIntent() tuningIntent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.intent
}

// Status assembles a snapshot for the status API.
func (m *ConnectionManager) Status() ManagerStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := ManagerStatus{
		Connected:         m.engine != nil,
		ServerURL:         m.cfg.Server.URL,
		SessionID:         m.userSessionID,
		ReconnectAttempts: m.attempts,
		Bypassed:          m.bypassed,
		AllowedIQModes:    m.allowedIQModes,
		MaxSessionTime:    m.maxSessionTime,
	}
	if m.engine != nil {
		status.ConnectedAt = m.connectedAt
		status.Stats = m.engine.Stats()
	}
	if m.store != nil {
		status.State = m.store.Get()
	} else {
		status.State = ClientState{
			TunedFreq:     m.intent.tunedFreq,
			Mode:          m.intent.mode,
			BandwidthLow:  m.intent.bandwidthLow,
			BandwidthHigh: m.intent.bandwidthHigh,
		}
	}
	return status
}

// State returns the live viewport state; ok is false while disconnected.
func (m *ConnectionManager) State() (ClientState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.store == nil {
		return ClientState{}, false
	}
	return m.store.Get(), true
}

// LatestFrame returns the most recent decoded frame of this session.
func (m *ConnectionManager) LatestFrame() (FrameUpdate, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.latest == nil {
		return FrameUpdate{}, false
	}
	return *m.latest, true
}

// Tune records the tuned frequency and, when connected, lets the viewport
// negotiator decide whether the window has to move. The intent is kept
// either way so the next session starts on it.
func (m *ConnectionManager) Tune(freqHz float64, centerTune bool) error {
	if freqHz < MinFrequencyHz || freqHz > MaxFrequencyHz {
		return fmt.Errorf("frequency %.0f Hz outside tunable range %d-%d Hz", freqHz, MinFrequencyHz, MaxFrequencyHz)
	}

	m.mu.Lock()
	m.intent.tunedFreq = freqHz
	negotiator := m.negotiator
	m.mu.Unlock()

	if negotiator == nil {
		return ErrNotConnected
	}
	return negotiator.Retune(freqHz, centerTune)
}

// SetMode records the demodulation mode used for filter edge calculations.
func (m *ConnectionManager) SetMode(mode string) error {
	mode = strings.ToLower(strings.TrimSpace(mode))
	if mode == "" {
		return fmt.Errorf("mode must not be empty")
	}

	m.mu.Lock()
	m.intent.mode = mode
	store := m.store
	m.mu.Unlock()

	if store != nil {
		store.Update(func(s *ClientState) {
			s.Mode = mode
		})
	}
	return nil
}

// SetBandwidth records the filter edges used for signal measurements.
func (m *ConnectionManager) SetBandwidth(low, high int32) error {
	if low >= high {
		return fmt.Errorf("bandwidth low %d must be below high %d", low, high)
	}

	m.mu.Lock()
	m.intent.bandwidthLow = low
	m.intent.bandwidthHigh = high
	store := m.store
	m.mu.Unlock()

	if store != nil {
		store.Update(func(s *ClientState) {
			s.BandwidthLow = low
			s.BandwidthHigh = high
		})
	}
	return nil
}

// ZoomTo proxies to the live negotiator.
func (m *ConnectionManager) ZoomTo(centerHz, totalBandwidthHz float64) error {
	negotiator := m.liveNegotiator()
	if negotiator == nil {
		return ErrNotConnected
	}
	return negotiator.ZoomTo(centerHz, totalBandwidthHz)
}

// PanTo proxies to the live negotiator.
func (m *ConnectionManager) PanTo(centerHz float64) error {
	negotiator := m.liveNegotiator()
	if negotiator == nil {
		return ErrNotConnected
	}
	return negotiator.PanTo(centerHz)
}

// ZoomIn proxies to the live negotiator.
func (m *ConnectionManager) ZoomIn() (ZoomStatus, error) {
	negotiator := m.liveNegotiator()
	if negotiator == nil {
		return ZoomApplied, ErrNotConnected
	}
	return negotiator.ZoomIn()
}

// ZoomOut proxies to the live negotiator.
func (m *ConnectionManager) ZoomOut() (ZoomStatus, error) {
	negotiator := m.liveNegotiator()
	if negotiator == nil {
		return ZoomApplied, ErrNotConnected
	}
	return negotiator.ZoomOut()
}

func (m *ConnectionManager) liveNegotiator() *ViewportNegotiator {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.negotiator
}

// httpBaseURL maps any accepted server URL scheme onto the HTTP origin used
// for REST calls.
func httpBaseURL(serverURL string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("invalid server URL: %w", err)
	}

	var scheme string
	switch u.Scheme {
	case "http", "ws":
		scheme = "http"
	case "https", "wss":
		scheme = "https"
	default:
		return "", fmt.Errorf("unsupported server URL scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("server URL %q has no host", serverURL)
	}
	return fmt.Sprintf("%s://%s", scheme, u.Host), nil
}

// reconnectBackoff returns the exponential delay before the given attempt.
func reconnectBackoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 10 {
		attempt = 10
	}
	backoff := time.Duration(1<<uint(attempt-1)) * time.Second
	if backoff > maxReconnectBackoff {
		backoff = maxReconnectBackoff
	}
	return backoff
}
