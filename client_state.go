package main

import (
	"sync"
)

// Legal tuning range enforced on every viewport operation, in Hz.
const (
	MinFrequencyHz = 100000   // 100 kHz
	MaxFrequencyHz = 30000000 // 30 MHz
)

// DefaultSpanHz is the total bandwidth requested by the automatic zoom
// issued after the first config message (200 kHz window).
const DefaultSpanHz = 200000.0

// ClientState holds the negotiated viewport and tuning parameters for one
// spectrum connection. The server's config messages are authoritative for
// center frequency, bin count and bin bandwidth; tuned frequency, mode and
// filter edges are client-side tuning intent.
type ClientState struct {
	CenterFreq          float64 // Viewport center in Hz (server authoritative)
	BinCount            int     // Bins per frame, fixed per negotiation
	BinBandwidth        float64 // Hz per bin
	InitialBinBandwidth float64 // Bin bandwidth from the first config, bounds zoom-out
	TunedFreq           float64 // Frequency being demodulated, distinct from CenterFreq
	BandwidthLow        int32   // Filter edge offset from TunedFreq in Hz (can be negative)
	BandwidthHigh       int32   // Filter edge offset from TunedFreq in Hz
	Mode                string  // Lowercase mode tag ("usb", "cw", "iq96", ...)
}

// TotalBandwidth returns the width of the visible window in Hz.
func (s ClientState) TotalBandwidth() float64 {
	return s.BinBandwidth * float64(s.BinCount)
}

// ZoomLevel returns the zoom factor relative to the server's default
// resolution (1.0 = unzoomed, 2.0 = half the default span, ...).
func (s ClientState) ZoomLevel() float64 {
	if s.BinBandwidth <= 0 {
		return 1.0
	}
	return s.InitialBinBandwidth / s.BinBandwidth
}

// WindowStart returns the lowest visible frequency in Hz.
func (s ClientState) WindowStart() float64 {
	return s.CenterFreq - s.TotalBandwidth()/2
}

// WindowEnd returns the highest visible frequency in Hz.
func (s ClientState) WindowEnd() float64 {
	return s.CenterFreq + s.TotalBandwidth()/2
}

// Configured reports whether a server config has been received yet.
func (s ClientState) Configured() bool {
	return s.BinCount > 0
}

// SpectrumFrame is one decoded spectrum snapshot. Bins are dBFS values in
// ascending frequency order (index 0 = lowest visible frequency); the slice
// is owned by the receiver and never mutated after handoff.
type SpectrumFrame struct {
	Bins      []float32
	Timestamp uint64 // Server capture time, milliseconds
	Frequency uint64 // Center frequency reported with this frame, Hz
}

// FrameUpdate pairs a decoded frame with the state snapshot taken at decode
// time, so consumers never read live state.
type FrameUpdate struct {
	Frame *SpectrumFrame
	State ClientState
}

// stateStore guards ClientState for access from the receive loop (writes)
// and API/negotiator callers (reads plus tuning updates).
type stateStore struct {
	mu sync.RWMutex
	s  ClientState
}

func newStateStore(initial ClientState) *stateStore {
	return &stateStore{s: initial}
}

// Get returns a copy of the current state.
func (st *stateStore) Get() ClientState {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.s
}

// Update applies fn to the state under the write lock.
func (st *stateStore) Update(fn func(*ClientState)) {
	st.mu.Lock()
	defer st.mu.Unlock()
	fn(&st.s)
}
