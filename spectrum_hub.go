package main

import (
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// hubClientBuffer bounds each subscriber's outbound queue. A subscriber
// that cannot keep up loses frames, never the whole connection.
const hubClientBuffer = 8

// hubWriteTimeout bounds a single WebSocket write to a subscriber.
const hubWriteTimeout = 10 * time.Second

// wsSpectrumMessage is the JSON frame pushed to hub subscribers.
type wsSpectrumMessage struct {
	Type      string    `json:"type"`
	Timestamp uint64    `json:"timestamp"`
	Frequency uint64    `json:"frequency"`
	BinCount  int       `json:"bin_count"`
	Bins      []float32 `json:"bins"`

	CenterFreq   float64 `json:"center_freq"`
	BinBandwidth float64 `json:"bin_bandwidth"`
	TunedFreq    float64 `json:"tuned_freq"`
}

type hubClient struct {
	conn *websocket.Conn
	send chan interface{}
}

// SpectrumHub rebroadcasts decoded frames to local WebSocket subscribers,
// so dashboards and scripts can watch the stream without holding their own
// server session. All methods are safe on a nil hub.
type SpectrumHub struct {
	mu      sync.RWMutex
	clients map[*hubClient]bool
	dropped atomic.Uint64
}

func NewSpectrumHub() *SpectrumHub {
	return &SpectrumHub{
		clients: make(map[*hubClient]bool),
	}
}

// Broadcast fans one frame out to every subscriber. Slow subscribers drop
// the frame; the broadcast itself never blocks.
func (h *SpectrumHub) Broadcast(update FrameUpdate) {
	if h == nil || update.Frame == nil {
		return
	}

	msg := wsSpectrumMessage{
		Type:         "spectrum",
		Timestamp:    update.Frame.Timestamp,
		Frequency:    update.Frame.Frequency,
		BinCount:     len(update.Frame.Bins),
		Bins:         update.Frame.Bins,
		CenterFreq:   update.State.CenterFreq,
		BinBandwidth: update.State.BinBandwidth,
		TunedFreq:    update.State.TunedFreq,
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		select {
		case client.send <- msg:
		default:
			h.dropped.Add(1)
		}
	}
}

// Dropped returns the number of frames discarded because a subscriber's
// queue was full.
func (h *SpectrumHub) Dropped() uint64 {
	if h == nil {
		return 0
	}
	return h.dropped.Load()
}

// ClientCount returns the number of connected subscribers.
func (h *SpectrumHub) ClientCount() int {
	if h == nil {
		return 0
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Serve registers an upgraded connection and blocks until it closes.
func (h *SpectrumHub) Serve(conn *websocket.Conn) {
	if h == nil {
		conn.Close()
		return
	}

	client := &hubClient{
		conn: conn,
		send: make(chan interface{}, hubClientBuffer),
	}

	h.mu.Lock()
	h.clients[client] = true
	count := len(h.clients)
	h.mu.Unlock()
	log.Printf("Spectrum subscriber connected from %s (%d total)", conn.RemoteAddr(), count)

	go h.writePump(client)

	// Inbound messages are ignored; reading only detects disconnect.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	h.remove(client)
}

func (h *SpectrumHub) writePump(client *hubClient) {
	for msg := range client.send {
		client.conn.SetWriteDeadline(time.Now().Add(hubWriteTimeout))
		if err := client.conn.WriteJSON(msg); err != nil {
			if DebugMode {
				log.Printf("DEBUG: Spectrum subscriber write failed: %v", err)
			}
			h.remove(client)
			return
		}
	}
}

func (h *SpectrumHub) remove(client *hubClient) {
	h.mu.Lock()
	if _, ok := h.clients[client]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, client)
	close(client.send)
	count := len(h.clients)
	h.mu.Unlock()

	client.conn.Close()
	log.Printf("Spectrum subscriber disconnected (%d remaining)", count)
}

// CloseAll disconnects every subscriber, used during shutdown.
func (h *SpectrumHub) CloseAll() {
	if h == nil {
		return
	}
	h.mu.Lock()
	clients := make([]*hubClient, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.Unlock()

	for _, client := range clients {
		h.remove(client)
	}
}
