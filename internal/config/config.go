// Package config provides the configuration schema, loader, watcher and
// audio driver registry for the voxlink voice client.
package config

import "time"

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Audio     AudioConfig     `yaml:"audio"`
	Transport TransportConfig `yaml:"transport"`
	Capture   CaptureConfig   `yaml:"capture"`
	Playback  PlaybackConfig  `yaml:"playback"`
	Session   SessionConfig   `yaml:"session"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds the HTTP listener for health and metrics, and logging.
type ServerConfig struct {
	// ListenAddr is the TCP address of the /healthz, /readyz and /metrics
	// endpoints (e.g., ":9090"). Empty disables the listener.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. It is the only setting applied on reload
	// without touching the session.
	LogLevel LogLevel `yaml:"log_level"`
}

// AudioConfig selects the device driver.
type AudioConfig struct {
	// Driver selects the registered driver (see [Registry]). Default: "ffmpeg".
	Driver string `yaml:"driver"`

	// InputDevice is the microphone to open. Empty means the system default.
	InputDevice string `yaml:"input_device"`

	// FFmpegPath and FFplayPath override the binaries used by the ffmpeg
	// driver. Default: looked up in PATH.
	FFmpegPath string `yaml:"ffmpeg_path"`
	FFplayPath string `yaml:"ffplay_path"`

	// OutputSampleRate is the speaker rate. Zero plays at the playback rate.
	OutputSampleRate int `yaml:"output_sample_rate"`
}

// TransportConfig configures the agent socket.
type TransportConfig struct {
	// BaseURL is the ws:// or wss:// agent endpoint.
	BaseURL   string `yaml:"base_url"`
	ChatbotID string `yaml:"chatbot_id"`
	UserID    string `yaml:"user_id"`

	ConnectTimeout   time.Duration `yaml:"connect_timeout"`
	CloseGracePeriod time.Duration `yaml:"close_grace_period"`
	MaxMessageSize   int64         `yaml:"max_message_size"`

	Reconnect ReconnectConfig `yaml:"reconnect"`
}

// ReconnectConfig bounds automatic reconnection after an unexpected close.
type ReconnectConfig struct {
	// MaxAttempts of zero disables reconnection. Default: 5.
	MaxAttempts *int          `yaml:"max_attempts"`
	Delay       time.Duration `yaml:"delay"`
	Multiplier  float64       `yaml:"multiplier"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

// CaptureConfig configures the microphone pipeline.
type CaptureConfig struct {
	SampleRate int    `yaml:"sample_rate"`
	Channels   int    `yaml:"channels"`
	FrameSize  int    `yaml:"frame_size"`
	Codec      string `yaml:"codec"`

	// The processing hints default to true; a nil pointer means unset.
	EchoCancellation *bool `yaml:"echo_cancellation"`
	NoiseSuppression *bool `yaml:"noise_suppression"`
	AutoGainControl  *bool `yaml:"auto_gain_control"`

	VAD VADConfig `yaml:"vad"`

	NoiseWindow       int     `yaml:"noise_window"`
	NoisePercentile   float64 `yaml:"noise_percentile"`
	NoiseMinSamples   int     `yaml:"noise_min_samples"`
	MaxPreRollBuffers int     `yaml:"max_pre_roll_buffers"`
}

// VADConfig tunes the energy-based voice activity detector.
type VADConfig struct {
	BaseThreshold    float64 `yaml:"base_threshold"`
	NoiseMultiplier  float64 `yaml:"noise_multiplier"`
	MaxSilenceFrames int     `yaml:"max_silence_frames"`
	BoostFrames      int     `yaml:"boost_frames"`
	BoostStartFactor float64 `yaml:"boost_start_factor"`
}

// PlaybackConfig configures agent audio buffering.
type PlaybackConfig struct {
	MinBufferSize   int           `yaml:"min_buffer_size"`
	TargetChunks    int           `yaml:"target_chunks"`
	RelaxedFactor   float64       `yaml:"relaxed_factor"`
	RetryDelay      time.Duration `yaml:"retry_delay"`
	MaxStartRetries int           `yaml:"max_start_retries"`
	Codec           string        `yaml:"codec"`
	SampleRate      int           `yaml:"sample_rate"`
	Channels        int           `yaml:"channels"`
}

// SessionConfig configures turn-taking.
type SessionConfig struct {
	ResumeDebounce time.Duration `yaml:"resume_debounce"`
	ResumeFailsafe time.Duration `yaml:"resume_failsafe"`
}

// TelemetryConfig configures the OpenTelemetry resource.
type TelemetryConfig struct {
	ServiceName    string `yaml:"service_name"`
	ServiceVersion string `yaml:"service_version"`
}
