package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestAPI serves the API off a disconnected manager; individual tests
// inject frames directly where needed.
func newTestAPI(t *testing.T) (*httptest.Server, *ConnectionManager, *SpectrumHub) {
	t.Helper()

	cfg := DefaultConfig()
	cfg.Server.URL = "ws://localhost:8073"
	manager := NewConnectionManager(cfg, nil, nil, nil, nil)
	hub := NewSpectrumHub()

	srv := NewAPIServer(cfg, manager, nil, hub, nil)
	ts := httptest.NewServer(srv.router)
	t.Cleanup(ts.Close)
	return ts, manager, hub
}

func getJSON(t *testing.T, url string, out interface{}) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func postJSON(t *testing.T, url, body string, out interface{}) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func TestAPIStatusDisconnected(t *testing.T) {
	ts, manager, _ := newTestAPI(t)

	var status statusResponse
	resp := getJSON(t, ts.URL+"/api/status", &status)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))

	assert.False(t, status.Connected)
	assert.Nil(t, status.ConnectedAt)
	assert.Equal(t, manager.SessionID(), status.SessionID)
	assert.Equal(t, "ws://localhost:8073", status.ServerURL)
	assert.Equal(t, 0, status.Subscribers)

	// Disconnected status falls back to the configured tuning intent.
	assert.False(t, status.Spectrum.Configured)
	assert.Equal(t, float64(14074000), status.Spectrum.TunedFreq)
	assert.Equal(t, "usb", status.Spectrum.Mode)
}

func TestAPIRangeAndSignalWithoutFrame(t *testing.T) {
	ts, _, _ := newTestAPI(t)

	var errResp ErrorResponse
	resp := getJSON(t, ts.URL+"/api/range", &errResp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "No spectrum frame received yet", errResp.Error)

	resp = getJSON(t, ts.URL+"/api/signal", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = getJSON(t, ts.URL+"/api/frame", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPISignalAndRangeWithFrame(t *testing.T) {
	ts, manager, _ := newTestAPI(t)

	frame := flatFrame(1024, -110)
	frame.Bins[385] = -60
	manager.latest = &FrameUpdate{Frame: frame, State: signalState()}

	var sig signalResponse
	resp := getJSON(t, ts.URL+"/api/signal", &sig)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, sig.Valid)
	assert.Equal(t, -60.0, sig.PeakDB)
	assert.Equal(t, -110.0, sig.FloorDB)
	assert.Equal(t, 50.0, sig.SNRDB)
	assert.Equal(t, int32(50), sig.LowHz)
	assert.Equal(t, int32(2700), sig.HighHz)

	// Explicit edges override the mode-derived ones.
	resp = getJSON(t, ts.URL+"/api/signal?low=-24000&high=24000", &sig)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(-24000), sig.LowHz)
	assert.Equal(t, int32(24000), sig.HighHz)

	resp = getJSON(t, ts.URL+"/api/signal?low=abc&high=10", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var rng rangeResponse
	resp = getJSON(t, ts.URL+"/api/range", &rng)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1024, rng.BinCount)
	assert.Equal(t, uint64(1700000000000), rng.Timestamp)
	assert.Less(t, rng.MinDB, rng.MaxDB)
}

func TestAPIFrame(t *testing.T) {
	ts, manager, _ := newTestAPI(t)
	manager.latest = &FrameUpdate{Frame: flatFrame(16, -90), State: signalState()}

	var fr frameResponse
	resp := getJSON(t, ts.URL+"/api/frame", &fr)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 16, fr.BinCount)
	assert.Nil(t, fr.Bins, "bins are only included on request")

	resp = getJSON(t, ts.URL+"/api/frame?bins=true", &fr)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, fr.Bins, 16)
}

func TestAPITune(t *testing.T) {
	ts, manager, _ := newTestAPI(t)

	resp := postJSON(t, ts.URL+"/api/tune", "{not json", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = postJSON(t, ts.URL+"/api/tune", `{"frequency":50000}`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Legal frequency without a live connection: intent is stored but
	// the request reports the missing session.
	resp = postJSON(t, ts.URL+"/api/tune", `{"frequency":7074000}`, nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, float64(7074000), manager.Status().State.TunedFreq)
}

func TestAPIModeAndBandwidth(t *testing.T) {
	ts, _, _ := newTestAPI(t)

	resp := postJSON(t, ts.URL+"/api/mode", `{"mode":""}`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = postJSON(t, ts.URL+"/api/mode", `{"mode":"CW"}`, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = postJSON(t, ts.URL+"/api/bandwidth", `{"low":2700,"high":50}`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = postJSON(t, ts.URL+"/api/bandwidth", `{"low":-200,"high":200}`, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var status statusResponse
	getJSON(t, ts.URL+"/api/status", &status)
	assert.Equal(t, "cw", status.Spectrum.Mode)
	assert.Equal(t, int32(-200), status.Spectrum.BandwidthLow)
	assert.Equal(t, int32(200), status.Spectrum.BandwidthHigh)
}

func TestAPIViewportOpsWhileDisconnected(t *testing.T) {
	ts, _, _ := newTestAPI(t)

	resp := postJSON(t, ts.URL+"/api/zoom", `{"frequency":14100000,"total_bandwidth":0}`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var errResp ErrorResponse
	resp = postJSON(t, ts.URL+"/api/zoom", `{"frequency":14100000,"total_bandwidth":200000}`, &errResp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "Zoom failed", errResp.Error)

	resp = postJSON(t, ts.URL+"/api/zoom/in", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp = postJSON(t, ts.URL+"/api/zoom/out", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp = postJSON(t, ts.URL+"/api/pan", `{"frequency":14100000}`, nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestAPIVersion(t *testing.T) {
	ts, _, _ := newTestAPI(t)

	var info VersionInfo
	resp := getJSON(t, ts.URL+"/api/version", &info)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, Version, info.Version)
	assert.False(t, info.UpdateAvailable)
}

func TestAPIInstancesWithoutDiscovery(t *testing.T) {
	ts, _, _ := newTestAPI(t)

	var instances []DiscoveredInstance
	resp := getJSON(t, ts.URL+"/api/instances", &instances)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, instances)
}

func TestAPICORSPreflight(t *testing.T) {
	ts, _, _ := newTestAPI(t)

	req, err := http.NewRequest(http.MethodOptions, ts.URL+"/api/status", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Contains(t, resp.Header.Get("Access-Control-Allow-Methods"), "POST")
	assert.Contains(t, resp.Header.Get("Access-Control-Allow-Headers"), "Content-Type")
}

func TestAPIMetricsEndpoint(t *testing.T) {
	ts, _, _ := newTestAPI(t)

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAPIWebSocketRebroadcast(t *testing.T) {
	ts, _, hub := newTestAPI(t)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 },
		2*time.Second, 10*time.Millisecond)

	hub.Broadcast(FrameUpdate{
		Frame: &SpectrumFrame{Bins: []float32{-100, -90}, Timestamp: 42},
		State: ClientState{CenterFreq: 14100000, BinCount: 2, BinBandwidth: 100000},
	})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg wsSpectrumMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "spectrum", msg.Type)
	assert.Equal(t, uint64(42), msg.Timestamp)
}
