package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildSpectrumURL(t *testing.T) {
	tests := []struct {
		name       string
		serverURL  string
		password   string
		binary8    bool
		wantScheme string
		wantErr    bool
	}{
		{"ws stays ws", "ws://sdr.example.com:8073", "pw", true, "ws", false},
		{"http maps to ws", "http://sdr.example.com", "pw", true, "ws", false},
		{"https maps to wss", "https://sdr.example.com", "", false, "wss", false},
		{"wss stays wss", "wss://sdr.example.com", "", true, "wss", false},
		{"unsupported scheme", "ftp://sdr.example.com", "", true, "", true},
		{"no host", "ws://", "", true, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := buildSpectrumURL(tt.serverURL, "session-1", tt.password, tt.binary8)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)

			u, err := url.Parse(got)
			require.NoError(t, err)
			assert.Equal(t, tt.wantScheme, u.Scheme)
			assert.Equal(t, "/ws/user-spectrum", u.Path)

			q := u.Query()
			assert.Equal(t, "session-1", q.Get("user_session_id"))
			if tt.password != "" {
				assert.Equal(t, tt.password, q.Get("password"))
			} else {
				assert.False(t, q.Has("password"), "empty password must not appear in the URL")
			}
			if tt.binary8 {
				assert.Equal(t, "binary8", q.Get("mode"))
			} else {
				assert.False(t, q.Has("mode"))
			}
		})
	}
}

func TestCommandWireFormat(t *testing.T) {
	zoom, err := json.Marshal(commandWire(ZoomCommand{Frequency: 14074000, BinBandwidth: 195.3125}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"zoom","frequency":14074000,"binBandwidth":195.3125}`, string(zoom))

	pan, err := json.Marshal(commandWire(PanCommand{Frequency: 7074000}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"pan","frequency":7074000}`, string(pan))
}

func TestTransportNotConnected(t *testing.T) {
	tr := NewSpectrumTransport("ws://localhost:8073", "session-1", "", true, 100*time.Millisecond, nil)

	assert.False(t, tr.IsConnected())

	_, _, err := tr.Receive()
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.ErrorIs(t, tr.SendCommand(PanCommand{Frequency: 7074000}), ErrNotConnected)
	assert.NoError(t, tr.Close())
}

func TestTransportConnectRejectsBadURL(t *testing.T) {
	tr := NewSpectrumTransport("ftp://sdr.example.com", "session-1", "", true, 100*time.Millisecond, nil)
	assert.Error(t, tr.Connect())
}

func TestTransportRoundTrip(t *testing.T) {
	upgrader := websocket.Upgrader{}
	binaryMsg := binPacket(frameFullFloat32, 1700000000123, 14074000, float32Payload([]float32{-100, -90}))
	commands := make(chan map[string]interface{}, 1)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/ws/user-spectrum", r.URL.Path)
		q := r.URL.Query()
		assert.Equal(t, "session-1", q.Get("user_session_id"))
		assert.Equal(t, "hunter2", q.Get("password"))
		assert.Equal(t, "binary8", q.Get("mode"))

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		conn.WriteMessage(websocket.TextMessage, []byte(testConfigJSON))
		conn.WriteMessage(websocket.BinaryMessage, binaryMsg)

		var cmd map[string]interface{}
		if err := conn.ReadJSON(&cmd); err == nil {
			commands <- cmd
		}
	}))
	defer ts.Close()

	u, err := url.Parse(ts.URL)
	require.NoError(t, err)

	tr := NewSpectrumTransport("ws://"+u.Host, "session-1", "hunter2", true, 2*time.Second, nil)
	require.NoError(t, tr.Connect())
	assert.True(t, tr.IsConnected())
	assert.Error(t, tr.Connect(), "second connect on a live transport must fail")

	msgType, data, err := tr.Receive()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, msgType)
	assert.Equal(t, []byte(testConfigJSON), data)

	msgType, data, err = tr.Receive()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, msgType)
	assert.Equal(t, binaryMsg, data)

	require.NoError(t, tr.SendCommand(ZoomCommand{Frequency: 14074000, BinBandwidth: 195.3125}))
	select {
	case cmd := <-commands:
		assert.Equal(t, "zoom", cmd["type"])
		assert.Equal(t, float64(14074000), cmd["frequency"])
		assert.Equal(t, 195.3125, cmd["binBandwidth"])
	case <-time.After(2 * time.Second):
		t.Fatal("server never received the zoom command")
	}

	require.NoError(t, tr.Close())
	assert.False(t, tr.IsConnected())
	assert.NoError(t, tr.Close(), "close is idempotent")

	_, _, err = tr.Receive()
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.ErrorIs(t, tr.SendCommand(PanCommand{Frequency: 7074000}), ErrNotConnected)
}

func TestTransportReceiveTimeout(t *testing.T) {
	upgrader := websocket.Upgrader{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		// Send nothing; keep the socket open until the client hangs up.
		conn.ReadMessage()
	}))
	defer ts.Close()

	u, err := url.Parse(ts.URL)
	require.NoError(t, err)

	tr := NewSpectrumTransport("ws://"+u.Host, "session-1", "", true, 50*time.Millisecond, nil)
	require.NoError(t, tr.Connect())
	defer tr.Close()

	_, _, err = tr.Receive()
	require.Error(t, err)
	assert.True(t, isTimeoutError(err), "deadline expiry should surface as a timeout, got %v", err)
}
