package main

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAutoRangeFlatFrame(t *testing.T) {
	bins := make([]float32, 512)
	for i := range bins {
		bins[i] = -90
	}

	minDB, maxDB := AutoRange(bins)
	assert.Equal(t, -92.0, minDB)
	assert.Equal(t, -85.0, maxDB)
}

func TestAutoRangeRamp(t *testing.T) {
	// 100 values from -100 to -1 dB: p1 is the lowest value, p99 the
	// 99th, plus the 2/5 dB pads.
	bins := make([]float32, 100)
	for i := range bins {
		bins[i] = float32(-100 + i)
	}

	minDB, maxDB := AutoRange(bins)
	assert.InDelta(t, -102.0, minDB, 1e-9)
	assert.InDelta(t, 3.0, maxDB, 1e-9)
}

func TestAutoRangeIgnoresOutliers(t *testing.T) {
	// One hot bin in a thousand must not stretch the display range.
	bins := make([]float32, 1001)
	for i := range bins {
		bins[i] = -120
	}
	bins[500] = -10

	minDB, maxDB := AutoRange(bins)
	assert.Equal(t, -122.0, minDB)
	assert.Equal(t, -115.0, maxDB)
}

func TestAutoRangeSkipsNonFinite(t *testing.T) {
	nan := float32(math.NaN())
	inf := float32(math.Inf(1))

	minDB, maxDB := AutoRange([]float32{nan, inf, -inf, -90})
	assert.Equal(t, -92.0, minDB)
	assert.Equal(t, -85.0, maxDB)
}

func TestAutoRangeUnset(t *testing.T) {
	tests := []struct {
		name string
		bins []float32
	}{
		{"empty", nil},
		{"all NaN", []float32{float32(math.NaN()), float32(math.NaN())}},
		{"all infinite", []float32{float32(math.Inf(1)), float32(math.Inf(-1))}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			minDB, maxDB := AutoRange(tt.bins)
			assert.Equal(t, AutoRangeUnset, minDB)
			assert.Equal(t, AutoRangeUnset, maxDB)
		})
	}
}

// signalState is the 1024 bin, 200 kHz window used by the signal tests:
// 14.0..14.2 MHz with the tuned frequency at 14.074 MHz.
func signalState() ClientState {
	return ClientState{
		CenterFreq:    14100000,
		BinCount:      1024,
		BinBandwidth:  195.3125,
		TunedFreq:     14074000,
		BandwidthLow:  50,
		BandwidthHigh: 2700,
		Mode:          "usb",
	}
}

// flatFrame returns a frame with every bin at floor dB.
func flatFrame(n int, floor float32) *SpectrumFrame {
	bins := make([]float32, n)
	for i := range bins {
		bins[i] = floor
	}
	return &SpectrumFrame{Bins: bins, Timestamp: 1700000000000, Frequency: 14100000}
}

func TestBandwidthSignalPeakAndFloor(t *testing.T) {
	s := signalState()
	frame := flatFrame(1024, -110)
	// Passband 14074050..14076700 Hz maps to bins 379..391. The peak
	// sits inside it; the deepest bin sits outside and still sets the
	// floor because the floor spans the whole frame.
	frame.Bins[385] = -60
	frame.Bins[10] = -115

	m, ok := BandwidthSignal(s, frame, 50, 2700)
	require.True(t, ok)
	assert.Equal(t, -60.0, m.PeakDB)
	assert.Equal(t, -115.0, m.FloorDB)
	assert.Equal(t, 55.0, m.SNRDB)
}

func TestBandwidthSignalIgnoresPeakOutsidePassband(t *testing.T) {
	s := signalState()
	frame := flatFrame(1024, -110)
	// Strong carrier well below the filter passband.
	frame.Bins[100] = -20

	m, ok := BandwidthSignal(s, frame, 50, 2700)
	require.True(t, ok)
	assert.Equal(t, -110.0, m.PeakDB)
}

func TestBandwidthSignalRejectsOutOfWindow(t *testing.T) {
	tests := []struct {
		name  string
		tuned float64
		low   int32
		high  int32
	}{
		{"passband above window", 15000000, 50, 2700},
		{"low edge below window", 14000000, -2700, -50},
		{"collapses to fewer than one bin", 14074000, 50, 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := signalState()
			s.TunedFreq = tt.tuned

			_, ok := BandwidthSignal(s, flatFrame(1024, -110), tt.low, tt.high)
			assert.False(t, ok)
		})
	}
}

func TestBandwidthSignalRejectsMissingInput(t *testing.T) {
	s := signalState()

	_, ok := BandwidthSignal(s, nil, 50, 2700)
	assert.False(t, ok)

	_, ok = BandwidthSignal(s, &SpectrumFrame{}, 50, 2700)
	assert.False(t, ok)

	_, ok = BandwidthSignal(ClientState{}, flatFrame(1024, -110), 50, 2700)
	assert.False(t, ok)
}

func TestBandwidthSignalAllNonFinite(t *testing.T) {
	s := signalState()
	nan := float32(math.NaN())
	frame := flatFrame(1024, nan)

	_, ok := BandwidthSignal(s, frame, 50, 2700)
	assert.False(t, ok)
}

func TestFilterEdges(t *testing.T) {
	tests := []struct {
		mode     string
		wantLow  int32
		wantHigh int32
	}{
		{"iq", -24000, 24000},
		{"iq48", -24000, 24000},
		{"iq96", -48000, 48000},
		{"iq192", -96000, 96000},
		{"iq384", -192000, 192000},
		{"usb", 50, 2700},
		{"cw", 50, 2700},
		{"", 50, 2700},
	}
	for _, tt := range tests {
		t.Run("mode "+tt.mode, func(t *testing.T) {
			s := signalState()
			s.Mode = tt.mode

			low, high := FilterEdges(s)
			assert.Equal(t, tt.wantLow, low)
			assert.Equal(t, tt.wantHigh, high)
		})
	}
}

func TestCurrentSignalUsesIQBandwidth(t *testing.T) {
	s := signalState()
	s.TunedFreq = 14100000 // centered so the IQ span fits the window
	frame := flatFrame(1024, -110)
	// 41.4 kHz below the tuned frequency: inside the iq96 span, far
	// outside the usb passband.
	frame.Bins[300] = -40

	s.Mode = "iq96"
	m, ok := CurrentSignal(s, frame)
	require.True(t, ok)
	assert.Equal(t, -40.0, m.PeakDB)

	s.Mode = "usb"
	m, ok = CurrentSignal(s, frame)
	require.True(t, ok)
	assert.Equal(t, -110.0, m.PeakDB)
}
