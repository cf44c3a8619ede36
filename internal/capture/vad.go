package capture

// VADConfig tunes voice-activity detection. Levels are linear RMS amplitudes
// of float samples in [-1, 1].
type VADConfig struct {
	// BaseThreshold is the lowest threshold ever applied.
	BaseThreshold float64

	// NoiseMultiplier scales the noise floor into a threshold.
	NoiseMultiplier float64

	// MaxSilenceFrames is how many consecutive sub-threshold frames end an
	// active run.
	MaxSilenceFrames int

	// BoostFrames is the length of the post-resume sensitivity ramp.
	BoostFrames int

	// BoostStartFactor is the threshold scale on the first frame after a
	// resume. It ramps linearly to 1.0 over BoostFrames.
	BoostStartFactor float64
}

// vad is the hysteresis state machine. It is owned by the capture callback.
type vad struct {
	cfg VADConfig

	active        bool
	silenceFrames int

	// boostFrame counts frames since the last resume; boosting is over once
	// it reaches cfg.BoostFrames.
	boostFrame int
	boosting   bool
}

func newVAD(cfg VADConfig) *vad {
	return &vad{cfg: cfg}
}

// threshold returns the adaptive threshold for the current frame.
func (v *vad) threshold(noiseFloor float64) float64 {
	th := max(v.cfg.BaseThreshold, noiseFloor*v.cfg.NoiseMultiplier)
	return th * v.boostFactor()
}

func (v *vad) boostFactor() float64 {
	if !v.boosting || v.cfg.BoostFrames <= 0 {
		return 1
	}
	start := v.cfg.BoostStartFactor
	progress := float64(v.boostFrame) / float64(v.cfg.BoostFrames)
	return start + (1-start)*progress
}

// step advances the state machine by one frame and reports whether this
// frame activated voice.
func (v *vad) step(rms, threshold float64) (justActivated bool) {
	if v.boosting {
		v.boostFrame++
		if v.boostFrame >= v.cfg.BoostFrames {
			v.boosting = false
		}
	}

	if rms > threshold {
		v.silenceFrames = 0
		if !v.active {
			v.active = true
			return true
		}
		return false
	}

	if v.active {
		v.silenceFrames++
		if v.silenceFrames >= v.cfg.MaxSilenceFrames {
			v.active = false
			v.silenceFrames = 0
		}
	}
	return false
}

// reset clears activity and starts the sensitivity boost.
func (v *vad) reset(boost bool) {
	v.active = false
	v.silenceFrames = 0
	v.boostFrame = 0
	v.boosting = boost && v.cfg.BoostFrames > 0
}
