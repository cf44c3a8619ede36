// Package capture acquires the microphone, decides frame by frame whether the
// user is speaking, and publishes speech as encoded audio on the event bus.
//
// Every frame passes through the same steps: energy measurement, noise-floor
// tracking while silent, an adaptive threshold (boosted right after a
// resume), hysteresis, and either emission or retention in a bounded
// pre-roll buffer so the first syllable of an utterance is not lost.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/voxlink/internal/eventbus"
	"github.com/MrWong99/voxlink/internal/observe"
	"github.com/MrWong99/voxlink/pkg/audio"
	"github.com/MrWong99/voxlink/pkg/codec"
)

// Events published by the engine.
const (
	// EventAudioData carries one encoded speech frame ([]byte).
	EventAudioData eventbus.EventType = "capture.audio_data"

	// EventInputPaused carries the [Origin] of the pause.
	EventInputPaused eventbus.EventType = "capture.input_paused"

	// EventInputResumed carries the [Origin] of the resume.
	EventInputResumed eventbus.EventType = "capture.input_resumed"

	// EventVoiceMetrics carries a [VoiceActivityState] for every frame.
	EventVoiceMetrics eventbus.EventType = "capture.voice_metrics"

	// EventVoiceStart and EventVoiceEnd mark the edges of an utterance.
	EventVoiceStart eventbus.EventType = "capture.voice_start"
	EventVoiceEnd   eventbus.EventType = "capture.voice_end"
)

// Origin tells who requested a pause or resume.
type Origin string

const (
	OriginLocal  Origin = "local"
	OriginServer Origin = "server"
)

// ErrRunning is returned by [Engine.Configure] while the microphone is open.
var ErrRunning = errors.New("capture: engine is running")

// DeviceError reports that the microphone could not be acquired. It wraps
// [audio.ErrPermissionDenied], [audio.ErrNoDevice] or the driver error.
type DeviceError struct {
	DeviceID string
	Err      error
}

func (e *DeviceError) Error() string {
	id := e.DeviceID
	if id == "" {
		id = "default"
	}
	return fmt.Sprintf("capture: device %q: %v", id, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }

// VoiceActivityState is a snapshot of the detector after the latest frame.
type VoiceActivityState struct {
	Active     bool
	Paused     bool
	RMS        float64
	DB         float64
	NoiseFloor float64
	Threshold  float64
}

// Config configures an [Engine].
type Config struct {
	SampleRate int
	Channels   int
	FrameSize  int

	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool

	// Codec names the wire codec for outgoing frames (see package codec).
	Codec string

	VAD VADConfig

	NoiseWindow     int
	NoisePercentile float64
	NoiseMinSamples int

	MaxPreRollBuffers int
}

// DefaultConfig returns the settings used when nothing is configured:
// 16 kHz mono, 4096-sample frames (256 ms), a three second boost ramp.
func DefaultConfig() Config {
	return Config{
		SampleRate:       16000,
		Channels:         1,
		FrameSize:        4096,
		EchoCancellation: true,
		NoiseSuppression: true,
		AutoGainControl:  true,
		Codec:            codec.PCM16,
		VAD: VADConfig{
			BaseThreshold:    0.01,
			NoiseMultiplier:  2.5,
			MaxSilenceFrames: 6,
			BoostFrames:      12,
			BoostStartFactor: 0.3,
		},
		NoiseWindow:       50,
		NoisePercentile:   0.25,
		NoiseMinSamples:   10,
		MaxPreRollBuffers: 3,
	}
}

// Engine runs the capture pipeline. All exported methods are safe for
// concurrent use.
type Engine struct {
	bus     *eventbus.Bus
	dev     audio.InputDevice
	metrics *observe.Metrics
	log     *slog.Logger

	// lifeMu serialises Initialize, Cleanup and Configure.
	lifeMu sync.Mutex
	stream audio.InputStream

	// mu guards everything the frame callback touches.
	mu      sync.Mutex
	cfg     Config
	running bool
	paused  bool
	enc     codec.Encoder
	tracker *MetricsTracker
	vad     *vad
	preRoll *preRoll
	state   VoiceActivityState
}

// Option configures an [Engine].
type Option func(*Engine)

// WithMetrics sets the metrics instance. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithLogger sets the logger. Default: [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// New creates an idle engine that opens microphones through dev.
func New(bus *eventbus.Bus, dev audio.InputDevice, cfg Config, opts ...Option) *Engine {
	e := &Engine{
		bus: bus,
		dev: dev,
		log: slog.Default(),
	}
	for _, o := range opts {
		o(e)
	}
	if e.metrics == nil {
		e.metrics = observe.DefaultMetrics()
	}
	e.applyConfigLocked(cfg)
	return e
}

func (e *Engine) applyConfigLocked(cfg Config) {
	e.cfg = cfg
	e.tracker = NewMetricsTracker(cfg.NoiseWindow, cfg.NoisePercentile, cfg.NoiseMinSamples)
	e.vad = newVAD(cfg.VAD)
	e.preRoll = newPreRoll(cfg.MaxPreRollBuffers)
	e.state = VoiceActivityState{}
}

// Configure replaces the configuration. It fails with [ErrRunning] while a
// microphone is open.
func (e *Engine) Configure(cfg Config) error {
	e.lifeMu.Lock()
	defer e.lifeMu.Unlock()
	if e.stream != nil {
		return ErrRunning
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.applyConfigLocked(cfg)
	return nil
}

// Initialize opens deviceID (empty for the default device) and starts frame
// processing. It is a no-op when the engine is already running. Acquisition
// failures are returned as *[DeviceError].
func (e *Engine) Initialize(ctx context.Context, deviceID string) error {
	e.lifeMu.Lock()
	defer e.lifeMu.Unlock()
	if e.stream != nil {
		return nil
	}

	e.mu.Lock()
	cfg := e.cfg
	e.mu.Unlock()

	enc, err := codec.NewEncoder(cfg.Codec, audio.Format{SampleRate: cfg.SampleRate, Channels: cfg.Channels})
	if err != nil {
		return fmt.Errorf("capture: %w", err)
	}

	stream, err := e.dev.Open(ctx, audio.Constraints{
		DeviceID:         deviceID,
		SampleRate:       cfg.SampleRate,
		Channels:         cfg.Channels,
		FrameSize:        cfg.FrameSize,
		EchoCancellation: cfg.EchoCancellation,
		NoiseSuppression: cfg.NoiseSuppression,
		AutoGainControl:  cfg.AutoGainControl,
	})
	if err != nil {
		return &DeviceError{DeviceID: deviceID, Err: err}
	}

	e.mu.Lock()
	e.enc = enc
	e.running = true
	e.paused = false
	e.resetDetectorLocked(false)
	e.mu.Unlock()

	if err := stream.Start(e.processFrame); err != nil {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
		_ = stream.Close()
		return &DeviceError{DeviceID: deviceID, Err: err}
	}
	e.stream = stream

	e.log.Info("capture: microphone open",
		"device", deviceID,
		"sample_rate", cfg.SampleRate,
		"channels", cfg.Channels,
		"frame_size", cfg.FrameSize,
		"codec", cfg.Codec,
	)
	return nil
}

// Cleanup closes the microphone and resets all detector state. It is safe to
// call any number of times.
func (e *Engine) Cleanup() {
	e.lifeMu.Lock()
	defer e.lifeMu.Unlock()

	e.mu.Lock()
	e.running = false
	e.paused = false
	e.enc = nil
	e.resetDetectorLocked(false)
	e.state = VoiceActivityState{}
	e.mu.Unlock()

	if e.stream == nil {
		return
	}
	if err := e.stream.Close(); err != nil {
		e.log.Warn("capture: close stream", "err", err)
	}
	e.stream = nil
	e.log.Info("capture: microphone released")
}

// Pause stops emitting frames without releasing the microphone.
func (e *Engine) Pause(origin Origin) {
	e.mu.Lock()
	wasActive := e.vad.active
	e.paused = true
	e.state.Paused = true
	e.state.Active = false
	e.vad.reset(false)
	e.preRoll.clear()
	snap := e.state
	e.mu.Unlock()

	e.log.Debug("capture: input paused", "origin", origin, "cut_utterance", wasActive)
	// Pausing mid-utterance ends it.
	if wasActive {
		e.bus.Publish(EventVoiceEnd, snap)
	}
	e.bus.Publish(EventInputPaused, origin)
}

// Resume continues emission. Detector state and the noise profile start
// fresh and the sensitivity boost ramp begins.
func (e *Engine) Resume(origin Origin) {
	e.mu.Lock()
	e.paused = false
	e.resetDetectorLocked(true)
	e.state.Paused = false
	e.mu.Unlock()

	e.log.Debug("capture: input resumed", "origin", origin)
	e.bus.Publish(EventInputResumed, origin)
}

func (e *Engine) resetDetectorLocked(boost bool) {
	e.vad.reset(boost)
	e.tracker.Reset()
	e.preRoll.clear()
	e.state.Active = false
	e.state.NoiseFloor = 0
}

// AvailableDevices lists the input devices of the underlying driver.
func (e *Engine) AvailableDevices(ctx context.Context) ([]audio.DeviceInfo, error) {
	devices, err := e.dev.Devices(ctx)
	if err != nil {
		return nil, fmt.Errorf("capture: list devices: %w", err)
	}
	return devices, nil
}

// VoiceMetrics returns the detector state after the most recent frame.
func (e *Engine) VoiceMetrics() VoiceActivityState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Running reports whether a microphone is open.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// processFrame is the realtime callback. Drivers call it sequentially, so
// events it publishes keep capture order.
func (e *Engine) processFrame(f audio.Frame) {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}

	rms := FrameRMS(f.Channels)
	e.state.RMS = rms
	e.state.DB = DB(rms)

	if e.paused {
		snap := e.state
		e.mu.Unlock()
		e.bus.Publish(EventVoiceMetrics, snap)
		return
	}

	wasActive := e.vad.active
	if !wasActive {
		e.tracker.Observe(rms)
	}
	floor := e.tracker.NoiseFloor()
	threshold := e.vad.threshold(floor)
	justActivated := e.vad.step(rms, threshold)
	justEnded := wasActive && !e.vad.active

	encoded, err := e.enc.Encode(audio.FloatToPCM16(audio.Interleave(f.Channels)))
	if err != nil {
		e.log.Warn("capture: encode frame", "err", err)
		encoded = nil
	}

	var out [][]byte
	if justActivated {
		out = e.preRoll.drain()
	}
	switch {
	case e.vad.active:
		if len(encoded) > 0 {
			out = append(out, encoded)
		}
	case justEnded:
		e.preRoll.clear()
		fallthrough
	default:
		if len(encoded) > 0 {
			e.preRoll.push(encoded)
		}
	}

	e.state.Active = e.vad.active
	e.state.NoiseFloor = floor
	e.state.Threshold = threshold
	snap := e.state
	codecName := e.cfg.Codec
	e.mu.Unlock()

	ctx := context.Background()
	e.metrics.CaptureFrames.Add(ctx, 1)
	if justActivated {
		e.metrics.VoiceActivations.Add(ctx, 1)
		e.bus.Publish(EventVoiceStart, snap)
	}
	for _, b := range out {
		e.metrics.CaptureBytes.Add(ctx, int64(len(b)), metric.WithAttributes(observe.Attr("codec", codecName)))
		e.bus.Publish(EventAudioData, b)
	}
	if justEnded {
		e.bus.Publish(EventVoiceEnd, snap)
	}
	e.bus.Publish(EventVoiceMetrics, snap)
}
