package capture

import (
	"math"
	"slices"
)

// silenceDB is the level reported for digital silence.
const silenceDB = -100.0

// RMS returns the root-mean-square amplitude of samples.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s)
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// FrameRMS returns the RMS over all channels of a planar frame.
func FrameRMS(channels [][]float32) float64 {
	var sum float64
	var n int
	for _, ch := range channels {
		for _, s := range ch {
			v := float64(s)
			sum += v * v
		}
		n += len(ch)
	}
	if n == 0 {
		return 0
	}
	return math.Sqrt(sum / float64(n))
}

// DB converts an RMS amplitude to dBFS, clamped at -100 dB.
func DB(rms float64) float64 {
	if rms <= 0 {
		return silenceDB
	}
	return max(20*math.Log10(rms), silenceDB)
}

// MetricsTracker keeps a rolling window of RMS observations and derives a
// noise floor from a low percentile of it. It is not safe for concurrent use;
// the engine calls it only from the capture callback.
type MetricsTracker struct {
	window []float64
	// scratch is reused by NoiseFloor, which runs once per frame.
	scratch    []float64
	pos        int
	full       bool
	percentile float64
	minSamples int
}

// NewMetricsTracker returns a tracker with the given window size, noise-floor
// percentile (0–1) and the minimum number of observations before the noise
// floor is reported.
func NewMetricsTracker(windowSize int, percentile float64, minSamples int) *MetricsTracker {
	if windowSize <= 0 {
		windowSize = 1
	}
	return &MetricsTracker{
		window:     make([]float64, windowSize),
		scratch:    make([]float64, 0, windowSize),
		percentile: percentile,
		minSamples: max(minSamples, 1),
	}
}

// Observe adds one RMS sample to the rolling window.
func (t *MetricsTracker) Observe(rms float64) {
	t.window[t.pos] = rms
	t.pos++
	if t.pos >= len(t.window) {
		t.pos = 0
		t.full = true
	}
}

// Len returns the number of samples currently in the window.
func (t *MetricsTracker) Len() int {
	if t.full {
		return len(t.window)
	}
	return t.pos
}

// NoiseFloor returns the configured percentile of the window using the
// nearest-rank method, or 0 while fewer than the minimum samples exist.
func (t *MetricsTracker) NoiseFloor() float64 {
	n := t.Len()
	if n < t.minSamples {
		return 0
	}
	t.scratch = append(t.scratch[:0], t.window[:n]...)
	sorted := t.scratch
	slices.Sort(sorted)

	idx := int(math.Ceil(t.percentile*float64(n))) - 1
	idx = min(max(idx, 0), n-1)
	return sorted[idx]
}

// Reset discards all observations.
func (t *MetricsTracker) Reset() {
	clear(t.window)
	t.pos = 0
	t.full = false
}
