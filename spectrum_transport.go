package main

import (
	"errors"
	"fmt"
	"log"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrNotConnected is returned by transport operations while the socket is
// not open.
var ErrNotConnected = errors.New("spectrum transport not connected")

// commandQueueSize bounds the outbound command queue; commands beyond it
// are dropped rather than blocking the caller.
const commandQueueSize = 16

// SpectrumCommand is one outbound protocol command. Commands are always
// sent as JSON text frames regardless of the inbound encoding.
type SpectrumCommand interface {
	commandType() string
}

// ZoomCommand requests a new bin bandwidth centered on a frequency.
type ZoomCommand struct {
	Frequency    int64
	BinBandwidth float64
}

// PanCommand shifts the window center without changing bin bandwidth.
type PanCommand struct {
	Frequency int64
}

func (ZoomCommand) commandType() string { return "zoom" }
func (PanCommand) commandType() string  { return "pan" }

type zoomCommandWire struct {
	Type         string  `json:"type"`
	Frequency    int64   `json:"frequency"`
	BinBandwidth float64 `json:"binBandwidth"`
}

type panCommandWire struct {
	Type      string `json:"type"`
	Frequency int64  `json:"frequency"`
}

func commandWire(cmd SpectrumCommand) interface{} {
	switch c := cmd.(type) {
	case ZoomCommand:
		return zoomCommandWire{Type: "zoom", Frequency: c.Frequency, BinBandwidth: c.BinBandwidth}
	case PanCommand:
		return panCommandWire{Type: "pan", Frequency: c.Frequency}
	}
	return nil
}

// SpectrumTransport owns exactly one WebSocket connection to the server's
// user-spectrum endpoint. It is deliberately policy-free: no reconnect, no
// retry, no backoff. Connection lifecycle policy lives in ConnectionManager.
//
// Reads happen from the owning receive loop only. Writes are serialized
// through a single writer goroutine fed by a bounded queue, so commands can
// be submitted from any goroutine without touching the socket directly.
type SpectrumTransport struct {
	serverURL     string
	userSessionID string
	password      string
	binary8       bool
	readTimeout   time.Duration

	mu        sync.RWMutex
	conn      *websocket.Conn
	connected bool

	commandChan chan SpectrumCommand
	writerDone  chan struct{}

	metrics *ClientMetrics
}

// NewSpectrumTransport prepares a transport for one server. serverURL
// accepts http(s) or ws(s) schemes; binary8 requests the 8-bit binary
// spectrum encoding.
func NewSpectrumTransport(serverURL, userSessionID, password string, binary8 bool, readTimeout time.Duration, metrics *ClientMetrics) *SpectrumTransport {
	return &SpectrumTransport{
		serverURL:     serverURL,
		userSessionID: userSessionID,
		password:      password,
		binary8:       binary8,
		readTimeout:   readTimeout,
		metrics:       metrics,
	}
}

// buildSpectrumURL maps the server URL onto the user-spectrum WebSocket
// endpoint with session, password and encoding query parameters.
func buildSpectrumURL(serverURL, userSessionID, password string, binary8 bool) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("invalid server URL: %w", err)
	}

	var scheme string
	switch u.Scheme {
	case "http", "ws":
		scheme = "ws"
	case "https", "wss":
		scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported server URL scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("server URL %q has no host", serverURL)
	}

	query := url.Values{}
	if userSessionID != "" {
		query.Set("user_session_id", userSessionID)
	}
	if password != "" {
		query.Set("password", password)
	}
	if binary8 {
		query.Set("mode", "binary8")
	}

	wsURL := fmt.Sprintf("%s://%s/ws/user-spectrum", scheme, u.Host)
	if len(query) > 0 {
		wsURL = fmt.Sprintf("%s?%s", wsURL, query.Encode())
	}
	return wsURL, nil
}

// Connect opens the WebSocket and starts the command writer. Fails if
// already connected; the caller decides whether and when to retry.
func (t *SpectrumTransport) Connect() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.connected {
		return fmt.Errorf("already connected")
	}

	wsURL, err := buildSpectrumURL(t.serverURL, t.userSessionID, t.password, t.binary8)
	if err != nil {
		return err
	}

	u, _ := url.Parse(wsURL)
	log.Printf("Connecting to spectrum WebSocket: %s://%s%s", u.Scheme, u.Host, u.Path)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to spectrum WebSocket: %w", err)
	}

	t.conn = conn
	t.connected = true
	t.commandChan = make(chan SpectrumCommand, commandQueueSize)
	t.writerDone = make(chan struct{})
	go t.commandWriter(conn, t.commandChan, t.writerDone)

	log.Printf("Spectrum WebSocket connected")
	return nil
}

// commandWriter drains the command queue onto the socket. It exits when the
// queue is closed or a write fails.
func (t *SpectrumTransport) commandWriter(conn *websocket.Conn, commands <-chan SpectrumCommand, done chan struct{}) {
	defer close(done)
	for cmd := range commands {
		if err := conn.WriteJSON(commandWire(cmd)); err != nil {
			log.Printf("ERROR: Failed to send %s command: %v", cmd.commandType(), err)
			return
		}
		t.metrics.CommandSent(cmd.commandType())
		if DebugMode {
			log.Printf("DEBUG: Sent spectrum command: %+v", commandWire(cmd))
		}
	}
}

// SendCommand queues a command for transmission. Returns ErrNotConnected
// when the socket is closed; a full queue drops the command, since a
// newer viewport command always supersedes a stale one.
func (t *SpectrumTransport) SendCommand(cmd SpectrumCommand) error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if !t.connected || t.conn == nil {
		return ErrNotConnected
	}

	select {
	case t.commandChan <- cmd:
		return nil
	default:
		log.Printf("Spectrum command queue full, dropping %s command", cmd.commandType())
		t.metrics.CommandDropped()
		return nil
	}
}

// Receive reads one WebSocket message. The read deadline is short so the
// owning loop can observe shutdown promptly; deadline expiry surfaces as a
// timeout error the caller should treat as "no data yet".
func (t *SpectrumTransport) Receive() (messageType int, data []byte, err error) {
	t.mu.RLock()
	conn := t.conn
	connected := t.connected
	t.mu.RUnlock()

	if !connected || conn == nil {
		return 0, nil, ErrNotConnected
	}

	conn.SetReadDeadline(time.Now().Add(t.readTimeout))
	return conn.ReadMessage()
}

// IsConnected reports whether the socket is open.
func (t *SpectrumTransport) IsConnected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connected
}

// Close shuts the connection down and stops the command writer. Safe to
// call more than once.
func (t *SpectrumTransport) Close() error {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return nil
	}
	t.connected = false
	conn := t.conn
	t.conn = nil
	close(t.commandChan)
	writerDone := t.writerDone
	t.mu.Unlock()

	err := conn.Close()
	<-writerDone
	log.Printf("Spectrum WebSocket disconnected")
	return err
}

// isTimeoutError reports whether a read failed only because the deadline
// expired.
func isTimeoutError(err error) bool {
	netErr, ok := err.(net.Error)
	return ok && netErr.Timeout()
}
