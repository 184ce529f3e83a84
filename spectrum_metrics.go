package main

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// Stateless numeric queries over the latest decoded frame. Nothing here
// mutates state; callers pass the snapshot they were handed.

// Auto-range percentile pads in dB. The asymmetry is deliberate: a little
// headroom below the 1st percentile, more above the 99th so peaks are not
// clipped against the top of the display.
const (
	autoRangeLowPad  = 2.0
	autoRangeHighPad = 5.0
)

// AutoRangeUnset is returned by AutoRange when the frame has no finite
// samples to derive a range from.
const AutoRangeUnset = -1.0

// SignalMetrics is the result of a bandwidth-limited signal query.
type SignalMetrics struct {
	PeakDB  float64 `json:"peak_db"`  // Strongest finite bin inside the filter passband
	FloorDB float64 `json:"floor_db"` // Weakest finite bin across the whole frame
	SNRDB   float64 `json:"snr_db"`   // PeakDB - FloorDB
}

// AutoRange computes a display range from the 1st and 99th percentiles of
// the finite bin values, padded downward and upward. Percentiles rather
// than min/max so a single spiky bin cannot blow out the scale.
func AutoRange(bins []float32) (minDB, maxDB float64) {
	finite := make([]float64, 0, len(bins))
	for _, b := range bins {
		if isFinite(b) {
			finite = append(finite, float64(b))
		}
	}
	if len(finite) == 0 {
		return AutoRangeUnset, AutoRangeUnset
	}

	sort.Float64s(finite)
	p1 := stat.Quantile(0.01, stat.Empirical, finite, nil)
	p99 := stat.Quantile(0.99, stat.Empirical, finite, nil)
	return p1 - autoRangeLowPad, p99 + autoRangeHighPad
}

// BandwidthSignal maps the filter edges tunedFreq+lowHz and tunedFreq+highHz
// onto bin indices and reports peak, floor and SNR. The floor is taken over
// the entire frame, not just the passband, matching the server's noise floor
// reporting. Returns false when the requested range falls partly or wholly
// outside the visible window, or collapses to fewer than one bin.
func BandwidthSignal(s ClientState, frame *SpectrumFrame, lowHz, highHz int32) (SignalMetrics, bool) {
	if frame == nil || len(frame.Bins) == 0 || !s.Configured() {
		return SignalMetrics{}, false
	}
	total := s.TotalBandwidth()
	if total <= 0 {
		return SignalMetrics{}, false
	}

	n := len(frame.Bins)
	windowStart := s.CenterFreq - total/2
	filterLow := s.TunedFreq + float64(lowHz)
	filterHigh := s.TunedFreq + float64(highHz)

	// Matches the frequency-to-bin mapping used by the spectrum display:
	// bin = (freq - window_start) / total_bandwidth * bin_count.
	lowBin := int((filterLow - windowStart) / total * float64(n))
	highBin := int((filterHigh - windowStart) / total * float64(n))
	if lowBin < 0 || highBin > n || lowBin >= highBin {
		return SignalMetrics{}, false
	}

	peak := math.Inf(-1)
	for _, b := range frame.Bins[lowBin:highBin] {
		if isFinite(b) && float64(b) > peak {
			peak = float64(b)
		}
	}
	floor := math.Inf(1)
	for _, b := range frame.Bins {
		if isFinite(b) && float64(b) < floor {
			floor = float64(b)
		}
	}
	if math.IsInf(peak, -1) || math.IsInf(floor, 1) {
		return SignalMetrics{}, false
	}

	return SignalMetrics{
		PeakDB:  peak,
		FloorDB: floor,
		SNRDB:   peak - floor,
	}, true
}

// CurrentSignal runs BandwidthSignal with the filter edges implied by the
// current mode: IQ modes span the full sample rate around the tuned
// frequency, everything else uses the stored filter offsets.
func CurrentSignal(s ClientState, frame *SpectrumFrame) (SignalMetrics, bool) {
	low, high := FilterEdges(s)
	return BandwidthSignal(s, frame, low, high)
}

// FilterEdges returns the effective demodulation filter edges in Hz
// relative to the tuned frequency.
func FilterEdges(s ClientState) (low, high int32) {
	if rate, ok := iqSampleRate(s.Mode); ok {
		half := int32(rate / 2)
		return -half, half
	}
	return s.BandwidthLow, s.BandwidthHigh
}

// iqSampleRate looks up the sample rate for IQ mode tags.
func iqSampleRate(mode string) (float64, bool) {
	switch mode {
	case "iq", "iq48":
		return 48000, true
	case "iq96":
		return 96000, true
	case "iq192":
		return 192000, true
	case "iq384":
		return 384000, true
	}
	return 0, false
}

func isFinite(f float32) bool {
	f64 := float64(f)
	return !math.IsNaN(f64) && !math.IsInf(f64, 0)
}
