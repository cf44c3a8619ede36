package capture

import (
	"math"
	"testing"
)

func TestRMS(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		samples []float32
		want    float64
	}{
		{"empty", nil, 0},
		{"constant", []float32{0.5, -0.5, 0.5, -0.5}, 0.5},
		{"silence", []float32{0, 0, 0}, 0},
	}
	for _, tc := range tests {
		if got := RMS(tc.samples); math.Abs(got-tc.want) > 1e-9 {
			t.Errorf("%s: RMS = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestFrameRMS_AllChannels(t *testing.T) {
	t.Parallel()

	got := FrameRMS([][]float32{{1, 1}, {0, 0}})
	if want := math.Sqrt(0.5); math.Abs(got-want) > 1e-9 {
		t.Errorf("FrameRMS = %v, want %v", got, want)
	}
}

func TestDB(t *testing.T) {
	t.Parallel()

	if got := DB(1); got != 0 {
		t.Errorf("DB(1) = %v, want 0", got)
	}
	if got := DB(0); got != silenceDB {
		t.Errorf("DB(0) = %v, want %v", got, silenceDB)
	}
	if got := DB(1e-12); got != silenceDB {
		t.Errorf("DB(1e-12) = %v, want clamp to %v", got, silenceDB)
	}
	if got := DB(0.1); math.Abs(got+20) > 1e-9 {
		t.Errorf("DB(0.1) = %v, want -20", got)
	}
}

func TestMetricsTracker_NoiseFloorPercentile(t *testing.T) {
	t.Parallel()

	tr := NewMetricsTracker(8, 0.25, 1)
	for _, v := range []float64{8, 3, 5, 1, 7, 2, 6, 4} {
		tr.Observe(v)
	}
	// Nearest rank: ceil(0.25*8) = 2nd smallest.
	if got := tr.NoiseFloor(); got != 2 {
		t.Errorf("NoiseFloor = %v, want 2", got)
	}
}

func TestMetricsTracker_MinSamples(t *testing.T) {
	t.Parallel()

	tr := NewMetricsTracker(10, 0.25, 4)
	tr.Observe(0.1)
	tr.Observe(0.1)
	tr.Observe(0.1)
	if got := tr.NoiseFloor(); got != 0 {
		t.Errorf("NoiseFloor with 3 samples = %v, want 0", got)
	}
	tr.Observe(0.1)
	if got := tr.NoiseFloor(); got != 0.1 {
		t.Errorf("NoiseFloor with 4 samples = %v, want 0.1", got)
	}
}

func TestMetricsTracker_RollingWindow(t *testing.T) {
	t.Parallel()

	tr := NewMetricsTracker(3, 0, 1)
	for _, v := range []float64{0.001, 0.5, 0.6, 0.7} {
		tr.Observe(v)
	}
	if tr.Len() != 3 {
		t.Fatalf("Len = %d, want 3", tr.Len())
	}
	// The oldest (smallest) sample has rolled out.
	if got := tr.NoiseFloor(); got != 0.5 {
		t.Errorf("NoiseFloor = %v, want 0.5", got)
	}

	tr.Reset()
	if tr.Len() != 0 || tr.NoiseFloor() != 0 {
		t.Error("Reset did not clear the window")
	}
}

func TestMetricsTracker_NoiseFloorKeepsWindowOrder(t *testing.T) {
	t.Parallel()

	tr := NewMetricsTracker(4, 0, 1)
	for _, v := range []float64{0.4, 0.1, 0.3, 0.2} {
		tr.Observe(v)
	}
	if got := tr.NoiseFloor(); got != 0.1 {
		t.Fatalf("NoiseFloor = %v, want 0.1", got)
	}
	// Overwrites the oldest sample (0.4), then the 0.1 that followed it.
	tr.Observe(0.5)
	tr.Observe(0.6)
	if got := tr.NoiseFloor(); got != 0.2 {
		t.Errorf("NoiseFloor after roll = %v, want 0.2", got)
	}
}

// Not parallel: AllocsPerRun counts allocations process-wide.
func TestMetricsTracker_NoiseFloorDoesNotAllocate(t *testing.T) {
	tr := NewMetricsTracker(50, 0.1, 1)
	for i := range 50 {
		tr.Observe(float64((i*37)%50) / 100)
	}
	want := tr.NoiseFloor()

	var got float64
	allocs := testing.AllocsPerRun(100, func() {
		got = tr.NoiseFloor()
	})
	if allocs != 0 {
		t.Errorf("NoiseFloor allocs per call = %v, want 0", allocs)
	}
	if got != want {
		t.Errorf("NoiseFloor = %v on repeat, want %v", got, want)
	}
}

func TestPreRoll_BoundedAndOrdered(t *testing.T) {
	t.Parallel()

	p := newPreRoll(3)
	for i := range 5 {
		p.push([]byte{byte(i)})
		if p.len() > 3 {
			t.Fatalf("len = %d exceeds capacity", p.len())
		}
	}
	got := p.drain()
	if len(got) != 3 || got[0][0] != 2 || got[1][0] != 3 || got[2][0] != 4 {
		t.Errorf("drain = %v, want [[2] [3] [4]]", got)
	}
	if p.len() != 0 {
		t.Errorf("len after drain = %d, want 0", p.len())
	}
}

func TestPreRoll_ZeroCapacity(t *testing.T) {
	t.Parallel()

	p := newPreRoll(0)
	p.push([]byte{1})
	if got := p.drain(); len(got) != 0 {
		t.Errorf("drain = %v, want empty", got)
	}
}

func TestVAD_Hysteresis(t *testing.T) {
	t.Parallel()

	v := newVAD(VADConfig{BaseThreshold: 0.1, NoiseMultiplier: 1, MaxSilenceFrames: 3})
	const th = 0.1

	if !v.step(0.2, th) {
		t.Fatal("first loud frame did not activate")
	}
	// A single quiet frame between loud ones must not deactivate.
	v.step(0.05, th)
	v.step(0.2, th)
	v.step(0.05, th)
	v.step(0.05, th)
	if !v.active {
		t.Fatal("deactivated before MaxSilenceFrames quiet frames")
	}
	v.step(0.05, th)
	if v.active {
		t.Error("still active after MaxSilenceFrames quiet frames")
	}
}

func TestVAD_BoostRamp(t *testing.T) {
	t.Parallel()

	v := newVAD(VADConfig{BaseThreshold: 0.1, NoiseMultiplier: 1, BoostFrames: 10, BoostStartFactor: 0.3})
	if got := v.threshold(0); got != 0.1 {
		t.Errorf("unboosted threshold = %v, want 0.1", got)
	}

	v.reset(true)
	if got := v.threshold(0); math.Abs(got-0.03) > 1e-9 {
		t.Errorf("threshold right after resume = %v, want 0.03", got)
	}
	for range 5 {
		v.step(0, v.threshold(0))
	}
	if got := v.threshold(0); math.Abs(got-0.065) > 1e-9 {
		t.Errorf("threshold halfway = %v, want 0.065", got)
	}
	for range 5 {
		v.step(0, v.threshold(0))
	}
	if got := v.threshold(0); got != 0.1 {
		t.Errorf("threshold after ramp = %v, want 0.1", got)
	}
}
