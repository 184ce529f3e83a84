package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(serverURL string) *ConnectionManager {
	cfg := DefaultConfig()
	cfg.Server.URL = serverURL
	return NewConnectionManager(cfg, nil, nil, nil, nil)
}

func TestReconnectBackoff(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{6, 32 * time.Second},
		{7, 60 * time.Second},
		{10, 60 * time.Second},
		{25, 60 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, reconnectBackoff(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestHTTPBaseURL(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{"ws", "ws://sdr.example.com:8073", "http://sdr.example.com:8073", false},
		{"wss", "wss://sdr.example.com", "https://sdr.example.com", false},
		{"http", "http://sdr.example.com", "http://sdr.example.com", false},
		{"https", "https://sdr.example.com:8073", "https://sdr.example.com:8073", false},
		{"path ignored", "ws://sdr.example.com/ws/user-spectrum", "http://sdr.example.com", false},
		{"unsupported scheme", "ftp://sdr.example.com", "", true},
		{"no host", "ws://", "", true},
		{"unparseable", "://nope", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := httpBaseURL(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestManagerSessionID(t *testing.T) {
	a := newTestManager("ws://localhost:8073")
	b := newTestManager("ws://localhost:8073")

	_, err := uuid.Parse(a.SessionID())
	assert.NoError(t, err)
	assert.NotEqual(t, a.SessionID(), b.SessionID())
}

func TestManagerTune(t *testing.T) {
	m := newTestManager("ws://localhost:8073")

	assert.Error(t, m.Tune(50000, false))
	assert.Error(t, m.Tune(35000000, false))

	// In range but disconnected: the intent is recorded for the next
	// session even though no command can go out now.
	err := m.Tune(7074000, false)
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Equal(t, float64(7074000), m.Status().State.TunedFreq)
}

func TestManagerSetMode(t *testing.T) {
	m := newTestManager("ws://localhost:8073")

	require.NoError(t, m.SetMode(" USB "))
	assert.Equal(t, "usb", m.Status().State.Mode)

	require.NoError(t, m.SetMode("iq96"))
	assert.Equal(t, "iq96", m.Status().State.Mode)

	assert.Error(t, m.SetMode(""))
	assert.Error(t, m.SetMode("   "))
}

func TestManagerSetBandwidth(t *testing.T) {
	m := newTestManager("ws://localhost:8073")

	assert.Error(t, m.SetBandwidth(2700, 50))
	assert.Error(t, m.SetBandwidth(100, 100))

	// Negative edges are legal (LSB-style passbands).
	require.NoError(t, m.SetBandwidth(-3000, -100))
	s := m.Status().State
	assert.Equal(t, int32(-3000), s.BandwidthLow)
	assert.Equal(t, int32(-100), s.BandwidthHigh)
}

func TestManagerViewportOpsRequireConnection(t *testing.T) {
	m := newTestManager("ws://localhost:8073")

	assert.ErrorIs(t, m.ZoomTo(14100000, 200000), ErrNotConnected)
	assert.ErrorIs(t, m.PanTo(14100000), ErrNotConnected)

	_, err := m.ZoomIn()
	assert.ErrorIs(t, err, ErrNotConnected)
	_, err = m.ZoomOut()
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestManagerStatusDisconnected(t *testing.T) {
	m := newTestManager("ws://localhost:8073")

	status := m.Status()
	assert.False(t, status.Connected)
	assert.Equal(t, "ws://localhost:8073", status.ServerURL)
	assert.Equal(t, m.SessionID(), status.SessionID)

	// Default tuning intent stands in for the missing live state.
	assert.Equal(t, float64(14074000), status.State.TunedFreq)
	assert.Equal(t, "usb", status.State.Mode)
	assert.Equal(t, int32(50), status.State.BandwidthLow)
	assert.Equal(t, int32(2700), status.State.BandwidthHigh)

	_, ok := m.LatestFrame()
	assert.False(t, ok)
	_, ok = m.State()
	assert.False(t, ok)
}

func TestCheckConnectionAllowed(t *testing.T) {
	var gotReq ConnectionCheckRequest
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/connection", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		json.NewEncoder(w).Encode(ConnectionCheckResponse{
			Allowed:        true,
			ClientIP:       "203.0.113.9",
			MaxSessionTime: 7200,
			Bypassed:       true,
			AllowedIQModes: []string{"iq", "iq96"},
		})
	}))
	defer ts.Close()

	u, err := url.Parse(ts.URL)
	require.NoError(t, err)

	m := newTestManager("ws://" + u.Host)
	m.cfg.Server.Password = "hunter2"

	allowed, err := m.checkConnectionAllowed()
	require.NoError(t, err)
	assert.True(t, allowed)

	assert.Equal(t, m.SessionID(), gotReq.UserSessionID)
	assert.Equal(t, "hunter2", gotReq.Password)

	status := m.Status()
	assert.True(t, status.Bypassed)
	assert.Equal(t, []string{"iq", "iq96"}, status.AllowedIQModes)
	assert.Equal(t, 7200, status.MaxSessionTime)
}

func TestCheckConnectionRejected(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(ConnectionCheckResponse{Allowed: false, Reason: "session limit reached"})
	}))
	defer ts.Close()

	u, err := url.Parse(ts.URL)
	require.NoError(t, err)

	m := newTestManager("ws://" + u.Host)
	allowed, err := m.checkConnectionAllowed()
	require.NoError(t, err)
	assert.False(t, allowed)
}

func TestCheckConnectionUnreachableDoesNotBlock(t *testing.T) {
	// A server without the /connection endpoint (or an unreachable one)
	// must not prevent the WebSocket attempt.
	m := newTestManager("ws://127.0.0.1:1")

	allowed, err := m.checkConnectionAllowed()
	assert.True(t, allowed)
	assert.Error(t, err)
}
