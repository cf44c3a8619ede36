package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/voxlink/internal/session"
	"github.com/MrWong99/voxlink/pkg/codec"
)

// ValidDriverNames lists the audio drivers shipped with voxlink.
// Used by [Validate] to warn about unrecognised driver names.
var ValidDriverNames = []string{"ffmpeg"}

// opusRates are the sample rates the opus codec accepts.
var opusRates = []int{8000, 12000, 16000, 24000, 48000}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied.
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. Unknown keys are rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills every unset field with the default of the component
// that consumes it. Transport identity fields have no default.
func ApplyDefaults(cfg *Config) {
	def := session.DefaultConfig()

	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Audio.Driver == "" {
		cfg.Audio.Driver = "ffmpeg"
	}

	t := &cfg.Transport
	setDefault(&t.ConnectTimeout, def.Transport.ConnectTimeout)
	setDefault(&t.CloseGracePeriod, def.Transport.CloseGracePeriod)
	setDefault(&t.MaxMessageSize, def.Transport.MaxMessageSize)
	if t.Reconnect.MaxAttempts == nil {
		n := def.Transport.Reconnect.MaxAttempts
		t.Reconnect.MaxAttempts = &n
	}
	setDefault(&t.Reconnect.Delay, def.Transport.Reconnect.Delay)
	setDefault(&t.Reconnect.Multiplier, def.Transport.Reconnect.Multiplier)
	setDefault(&t.Reconnect.MaxDelay, def.Transport.Reconnect.MaxDelay)

	c := &cfg.Capture
	setDefault(&c.SampleRate, def.Capture.SampleRate)
	setDefault(&c.Channels, def.Capture.Channels)
	setDefault(&c.FrameSize, def.Capture.FrameSize)
	setDefault(&c.Codec, def.Capture.Codec)
	setDefaultBool(&c.EchoCancellation, def.Capture.EchoCancellation)
	setDefaultBool(&c.NoiseSuppression, def.Capture.NoiseSuppression)
	setDefaultBool(&c.AutoGainControl, def.Capture.AutoGainControl)
	setDefault(&c.VAD.BaseThreshold, def.Capture.VAD.BaseThreshold)
	setDefault(&c.VAD.NoiseMultiplier, def.Capture.VAD.NoiseMultiplier)
	setDefault(&c.VAD.MaxSilenceFrames, def.Capture.VAD.MaxSilenceFrames)
	setDefault(&c.VAD.BoostFrames, def.Capture.VAD.BoostFrames)
	setDefault(&c.VAD.BoostStartFactor, def.Capture.VAD.BoostStartFactor)
	setDefault(&c.NoiseWindow, def.Capture.NoiseWindow)
	setDefault(&c.NoisePercentile, def.Capture.NoisePercentile)
	setDefault(&c.NoiseMinSamples, def.Capture.NoiseMinSamples)
	setDefault(&c.MaxPreRollBuffers, def.Capture.MaxPreRollBuffers)

	p := &cfg.Playback
	setDefault(&p.MinBufferSize, def.Playback.MinBufferSize)
	setDefault(&p.TargetChunks, def.Playback.TargetChunks)
	setDefault(&p.RelaxedFactor, def.Playback.RelaxedFactor)
	setDefault(&p.RetryDelay, def.Playback.RetryDelay)
	setDefault(&p.MaxStartRetries, def.Playback.MaxStartRetries)
	setDefault(&p.Codec, def.Playback.Codec)
	setDefault(&p.SampleRate, def.Playback.Format.SampleRate)
	setDefault(&p.Channels, def.Playback.Format.Channels)

	setDefault(&cfg.Session.ResumeDebounce, def.ResumeDebounce)
	setDefault(&cfg.Session.ResumeFailsafe, def.ResumeFailsafe)

	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "voxlink"
	}
}

func setDefault[T comparable](field *T, def T) {
	var zero T
	if *field == zero {
		*field = def
	}
}

func setDefaultBool(field **bool, def bool) {
	if *field == nil {
		*field = &def
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Audio
	validateDriverName(cfg.Audio.Driver)
	if cfg.Audio.OutputSampleRate < 0 {
		errs = append(errs, fmt.Errorf("audio.output_sample_rate %d must not be negative", cfg.Audio.OutputSampleRate))
	}

	// Transport
	t := cfg.Transport
	if t.BaseURL == "" {
		errs = append(errs, errors.New("transport.base_url is required"))
	} else if u, err := url.Parse(t.BaseURL); err != nil {
		errs = append(errs, fmt.Errorf("transport.base_url %q: %w", t.BaseURL, err))
	} else if u.Scheme != "ws" && u.Scheme != "wss" {
		errs = append(errs, fmt.Errorf("transport.base_url %q must use ws or wss", t.BaseURL))
	}
	if t.ChatbotID == "" {
		errs = append(errs, errors.New("transport.chatbot_id is required"))
	}
	if t.UserID == "" {
		errs = append(errs, errors.New("transport.user_id is required"))
	}
	if t.ConnectTimeout < 0 {
		errs = append(errs, fmt.Errorf("transport.connect_timeout %s must not be negative", t.ConnectTimeout))
	}
	if t.CloseGracePeriod < 0 {
		errs = append(errs, fmt.Errorf("transport.close_grace_period %s must not be negative", t.CloseGracePeriod))
	}
	if t.Reconnect.MaxAttempts != nil && *t.Reconnect.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("transport.reconnect.max_attempts %d must not be negative", *t.Reconnect.MaxAttempts))
	}
	if t.Reconnect.Multiplier < 0 {
		errs = append(errs, fmt.Errorf("transport.reconnect.multiplier %.2f must not be negative", t.Reconnect.Multiplier))
	}
	if t.Reconnect.MaxDelay > 0 && t.Reconnect.MaxDelay < t.Reconnect.Delay {
		errs = append(errs, fmt.Errorf("transport.reconnect.max_delay %s is shorter than delay %s", t.Reconnect.MaxDelay, t.Reconnect.Delay))
	}

	// Capture
	c := cfg.Capture
	errs = append(errs, validateFormat("capture", c.Codec, c.SampleRate, c.Channels)...)
	if c.FrameSize <= 0 {
		errs = append(errs, fmt.Errorf("capture.frame_size %d must be positive", c.FrameSize))
	}
	if !inUnitRange(c.VAD.BaseThreshold) {
		errs = append(errs, fmt.Errorf("capture.vad.base_threshold %.3f is out of range (0, 1]", c.VAD.BaseThreshold))
	}
	if !inUnitRange(c.VAD.BoostStartFactor) {
		errs = append(errs, fmt.Errorf("capture.vad.boost_start_factor %.2f is out of range (0, 1]", c.VAD.BoostStartFactor))
	}
	if c.VAD.NoiseMultiplier < 1 {
		errs = append(errs, fmt.Errorf("capture.vad.noise_multiplier %.2f must be at least 1", c.VAD.NoiseMultiplier))
	}
	if c.VAD.MaxSilenceFrames < 1 {
		errs = append(errs, fmt.Errorf("capture.vad.max_silence_frames %d must be at least 1", c.VAD.MaxSilenceFrames))
	}
	if !inUnitRange(c.NoisePercentile) {
		errs = append(errs, fmt.Errorf("capture.noise_percentile %.2f is out of range (0, 1]", c.NoisePercentile))
	}
	if c.NoiseMinSamples > c.NoiseWindow {
		errs = append(errs, fmt.Errorf("capture.noise_min_samples %d exceeds noise_window %d", c.NoiseMinSamples, c.NoiseWindow))
	}
	if c.MaxPreRollBuffers < 0 {
		errs = append(errs, fmt.Errorf("capture.max_pre_roll_buffers %d must not be negative", c.MaxPreRollBuffers))
	}

	// Playback
	p := cfg.Playback
	errs = append(errs, validateFormat("playback", p.Codec, p.SampleRate, p.Channels)...)
	if p.MinBufferSize <= 0 {
		errs = append(errs, fmt.Errorf("playback.min_buffer_size %d must be positive", p.MinBufferSize))
	}
	if p.TargetChunks <= 0 {
		errs = append(errs, fmt.Errorf("playback.target_chunks %d must be positive", p.TargetChunks))
	}
	if !inUnitRange(p.RelaxedFactor) {
		errs = append(errs, fmt.Errorf("playback.relaxed_factor %.2f is out of range (0, 1]", p.RelaxedFactor))
	}
	if p.MaxStartRetries < 0 {
		errs = append(errs, fmt.Errorf("playback.max_start_retries %d must not be negative", p.MaxStartRetries))
	}

	// Session
	s := cfg.Session
	if s.ResumeFailsafe > 0 && s.ResumeFailsafe < s.ResumeDebounce {
		errs = append(errs, fmt.Errorf("session.resume_failsafe %s is shorter than resume_debounce %s", s.ResumeFailsafe, s.ResumeDebounce))
	}

	return errors.Join(errs...)
}

func validateFormat(section, name string, rate, channels int) []error {
	var errs []error
	if !codec.Valid(name) {
		errs = append(errs, fmt.Errorf("%s.codec %q is invalid; valid values: %s, %s", section, name, codec.PCM16, codec.Opus))
	}
	if rate < 8000 || rate > 48000 {
		errs = append(errs, fmt.Errorf("%s.sample_rate %d is out of range [8000, 48000]", section, rate))
	} else if name == codec.Opus && !slices.Contains(opusRates, rate) {
		errs = append(errs, fmt.Errorf("%s.sample_rate %d is not supported by opus; valid values: %v", section, rate, opusRates))
	}
	if channels != 1 && channels != 2 {
		errs = append(errs, fmt.Errorf("%s.channels %d is invalid; valid values: 1, 2", section, channels))
	}
	return errs
}

func inUnitRange(v float64) bool {
	return v > 0 && v <= 1
}

// validateDriverName logs a warning if name is not one of [ValidDriverNames].
func validateDriverName(name string) {
	if name == "" || slices.Contains(ValidDriverNames, name) {
		return
	}
	slog.Warn("unknown audio driver; it must be registered before use",
		"name", name,
		"known", ValidDriverNames,
	)
}
