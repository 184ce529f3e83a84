package main

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gorilla/websocket"
)

// statsInterval is the minimum spacing between periodic receive statistics
// log lines when stats mode is enabled.
const statsInterval = 30 * time.Second

// EngineStats is a point-in-time snapshot of receive loop counters.
type EngineStats struct {
	FramesReceived uint64    `json:"frames_received"`
	FramesDropped  uint64    `json:"frames_dropped"`
	FramesBad      uint64    `json:"frames_bad"`
	BytesReceived  uint64    `json:"bytes_received"`
	LastFrameTime  time.Time `json:"last_frame_time"`
}

// SpectrumEngine runs the receive loop for one connected transport: it
// decodes every inbound message, keeps the client state in step with server
// config messages and publishes decoded frames on a bounded channel.
//
// One engine serves exactly one connection. A reconnect means a fresh
// transport, a fresh engine and a fresh decoder; nothing decoded on the old
// connection carries over.
type SpectrumEngine struct {
	transport  *SpectrumTransport
	store      *stateStore
	negotiator *ViewportNegotiator
	decoder    *BinaryDecoder
	capture    *CaptureWriter
	metrics    *ClientMetrics

	frames   chan FrameUpdate
	stopChan chan struct{}
	stopOnce sync.Once

	statsMu        sync.Mutex
	framesReceived uint64
	framesDropped  uint64
	framesBad      uint64
	bytesReceived  uint64
	lastFrameTime  time.Time
	lastStatsLog   time.Time
}

// NewSpectrumEngine wires an engine to an already-constructed transport.
// frameBuffer bounds the decoded frame channel; when the consumer falls
// behind, new frames are dropped rather than blocking the receive loop.
// capture may be nil.
func NewSpectrumEngine(transport *SpectrumTransport, store *stateStore, negotiator *ViewportNegotiator, frameBuffer int, capture *CaptureWriter, metrics *ClientMetrics) *SpectrumEngine {
	if frameBuffer <= 0 {
		frameBuffer = 1
	}
	return &SpectrumEngine{
		transport:  transport,
		store:      store,
		negotiator: negotiator,
		decoder:    NewBinaryDecoder(),
		capture:    capture,
		metrics:    metrics,
		frames:     make(chan FrameUpdate, frameBuffer),
		stopChan:   make(chan struct{}),
	}
}

// Frames returns the decoded frame channel. The engine is the only sender;
// consume from a single goroutine.
func (e *SpectrumEngine) Frames() <-chan FrameUpdate {
	return e.frames
}

// Stop asks the receive loop to exit. Safe to call more than once and from
// any goroutine; Run returns within one read deadline.
func (e *SpectrumEngine) Stop() {
	e.stopOnce.Do(func() {
		close(e.stopChan)
	})
}

// Stats returns a snapshot of the receive counters.
func (e *SpectrumEngine) Stats() EngineStats {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	return EngineStats{
		FramesReceived: e.framesReceived,
		FramesDropped:  e.framesDropped,
		FramesBad:      e.framesBad,
		BytesReceived:  e.bytesReceived,
		LastFrameTime:  e.lastFrameTime,
	}
}

// Run blocks reading the transport until Stop is called or the connection
// fails. The read deadline is short, so the stop channel is observed
// promptly even when the server goes quiet. The frame channel is closed on
// return; Run is the only sender.
func (e *SpectrumEngine) Run() error {
	log.Printf("Spectrum receive loop started")
	defer log.Printf("Spectrum receive loop stopped")
	defer close(e.frames)

	for {
		select {
		case <-e.stopChan:
			return nil
		default:
		}

		msgType, data, err := e.transport.Receive()
		if err != nil {
			if isTimeoutError(err) {
				continue
			}
			select {
			case <-e.stopChan:
				// Close during shutdown surfaces as a read error.
				return nil
			default:
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("ERROR: Spectrum WebSocket closed unexpectedly: %v", err)
			}
			return fmt.Errorf("spectrum receive: %w", err)
		}

		e.noteBytes(len(data))
		e.capture.Record(msgType, data)

		switch msgType {
		case websocket.BinaryMessage:
			e.handleBinaryMessage(data)
		case websocket.TextMessage:
			e.handleTextMessage(data)
		}
	}
}

// handleBinaryMessage dispatches a binary WebSocket message. Binary frames
// carry either the native spectrum encoding or a gzip-compressed JSON
// message from servers that predate it.
func (e *SpectrumEngine) handleBinaryMessage(data []byte) {
	if isBinarySpectrumPacket(data) {
		frame, err := e.decoder.Decode(data)
		if err != nil {
			e.noteBadFrame(err)
			return
		}
		e.publishFrame(frame)
		return
	}

	if isGzipData(data) {
		plain, err := gunzip(data)
		if err != nil {
			log.Printf("ERROR: Failed to decompress spectrum message: %v", err)
			e.metrics.DecodeError("gzip")
			return
		}
		e.handleTextMessage(plain)
		return
	}

	log.Printf("ERROR: Unrecognized binary spectrum message (%d bytes)", len(data))
	e.metrics.DecodeError("unknown")
}

// handleTextMessage parses a JSON server message and applies it.
func (e *SpectrumEngine) handleTextMessage(data []byte) {
	msg, err := decodeServerMessage(data)
	if err != nil {
		log.Printf("ERROR: Failed to parse spectrum message: %v", err)
		e.metrics.DecodeError("json")
		return
	}

	switch m := msg.(type) {
	case ConfigMessage:
		e.handleConfig(m)
	case SpectrumMessage:
		e.handleSpectrum(m)
	case ErrorMessage:
		log.Printf("ERROR: Server reported: %s", m.Message)
		e.metrics.ServerError()
	}
}

// handleConfig applies a server config message. The first config after
// connect also issues the automatic default zoom, so a fresh session starts
// on a 200 kHz window around the tuned frequency instead of the server's
// full span.
func (e *SpectrumEngine) handleConfig(cfg ConfigMessage) {
	firstConfig := false
	e.store.Update(func(s *ClientState) {
		if s.BinCount == 0 && cfg.BinCount > 0 {
			firstConfig = true
		}
		s.CenterFreq = cfg.CenterFreq
		s.BinCount = cfg.BinCount
		s.BinBandwidth = cfg.BinBandwidth
		if s.InitialBinBandwidth == 0 {
			s.InitialBinBandwidth = cfg.BinBandwidth
		}
	})

	// Every config renegotiates the bin layout, so any cached delta base
	// is stale from here on. The server sends a full frame next.
	e.decoder.Reset()
	e.metrics.ConfigReceived()

	log.Printf("Spectrum config: center=%.0f Hz, bins=%d, binBandwidth=%.4f Hz, total=%.0f Hz",
		cfg.CenterFreq, cfg.BinCount, cfg.BinBandwidth, cfg.TotalBandwidth)

	if firstConfig && e.negotiator != nil {
		center := e.store.Get().TunedFreq
		if center <= 0 {
			center = cfg.CenterFreq
		}
		if err := e.negotiator.ZoomTo(center, DefaultSpanHz); err != nil {
			log.Printf("ERROR: Default zoom failed: %v", err)
		}
	}
}

// handleSpectrum converts a JSON spectrum message into a frame. JSON data
// arrives in FFT order and is unwrapped to ascending frequency order here.
func (e *SpectrumEngine) handleSpectrum(msg SpectrumMessage) {
	if len(msg.Data) == 0 {
		return
	}

	frame := &SpectrumFrame{Bins: unwrapFFT(msg.Data)}
	if msg.Timestamp != nil {
		frame.Timestamp = uint64(*msg.Timestamp)
	}
	if msg.Frequency != nil {
		frame.Frequency = uint64(*msg.Frequency)
	}
	e.publishFrame(frame)
}

// publishFrame pairs the frame with a state snapshot and hands it to the
// consumer without ever blocking the receive loop.
func (e *SpectrumEngine) publishFrame(frame *SpectrumFrame) {
	update := FrameUpdate{Frame: frame, State: e.store.Get()}

	select {
	case e.frames <- update:
		e.noteFrame(frame)
	default:
		e.noteDrop()
	}
}

func (e *SpectrumEngine) noteBytes(n int) {
	e.metrics.BytesRead(n)
	e.statsMu.Lock()
	e.bytesReceived += uint64(n)
	e.statsMu.Unlock()
}

func (e *SpectrumEngine) noteFrame(frame *SpectrumFrame) {
	e.metrics.FrameReceived(len(frame.Bins))

	e.statsMu.Lock()
	e.framesReceived++
	e.lastFrameTime = time.Now()
	received := e.framesReceived
	dropped := e.framesDropped
	bytes := e.bytesReceived
	logStats := StatsMode && time.Since(e.lastStatsLog) >= statsInterval
	if logStats {
		e.lastStatsLog = time.Now()
	}
	e.statsMu.Unlock()

	if logStats {
		log.Printf("Spectrum stats: %s frames received, %s dropped, %s read",
			humanize.Comma(int64(received)), humanize.Comma(int64(dropped)), humanize.Bytes(bytes))
	}
}

func (e *SpectrumEngine) noteDrop() {
	e.metrics.FrameDropped()

	e.statsMu.Lock()
	e.framesDropped++
	dropped := e.framesDropped
	e.statsMu.Unlock()

	if dropped%100 == 1 {
		log.Printf("Spectrum frame buffer full, dropped %d frames so far", dropped)
	}
}

func (e *SpectrumEngine) noteBadFrame(err error) {
	switch {
	case errors.Is(err, ErrNoBaseFrame):
		// Expected briefly after a config reset; the server follows every
		// reset with a full frame.
		if DebugMode {
			log.Printf("DEBUG: Dropping delta frame: %v", err)
		}
		e.metrics.DecodeError("no_base")
	case errors.Is(err, ErrEncodingSwitch):
		log.Printf("ERROR: Spectrum encoding changed mid-connection: %v", err)
		e.metrics.DecodeError("encoding_switch")
	default:
		log.Printf("ERROR: Malformed spectrum frame: %v", err)
		e.metrics.DecodeError("malformed")
	}

	e.statsMu.Lock()
	e.framesBad++
	e.statsMu.Unlock()
}
