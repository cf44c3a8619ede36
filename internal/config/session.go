package config

import (
	"github.com/MrWong99/voxlink/internal/capture"
	"github.com/MrWong99/voxlink/internal/playback"
	"github.com/MrWong99/voxlink/internal/session"
	"github.com/MrWong99/voxlink/internal/transport"
	"github.com/MrWong99/voxlink/pkg/audio"
)

// SessionConfig maps the loaded file onto the session controller
// configuration. Call it on a config that went through [ApplyDefaults].
func (c *Config) SessionConfig() session.Config {
	maxAttempts := 0
	if c.Transport.Reconnect.MaxAttempts != nil {
		maxAttempts = *c.Transport.Reconnect.MaxAttempts
	}

	return session.Config{
		Capture: capture.Config{
			SampleRate:       c.Capture.SampleRate,
			Channels:         c.Capture.Channels,
			FrameSize:        c.Capture.FrameSize,
			EchoCancellation: boolValue(c.Capture.EchoCancellation),
			NoiseSuppression: boolValue(c.Capture.NoiseSuppression),
			AutoGainControl:  boolValue(c.Capture.AutoGainControl),
			Codec:            c.Capture.Codec,
			VAD: capture.VADConfig{
				BaseThreshold:    c.Capture.VAD.BaseThreshold,
				NoiseMultiplier:  c.Capture.VAD.NoiseMultiplier,
				MaxSilenceFrames: c.Capture.VAD.MaxSilenceFrames,
				BoostFrames:      c.Capture.VAD.BoostFrames,
				BoostStartFactor: c.Capture.VAD.BoostStartFactor,
			},
			NoiseWindow:       c.Capture.NoiseWindow,
			NoisePercentile:   c.Capture.NoisePercentile,
			NoiseMinSamples:   c.Capture.NoiseMinSamples,
			MaxPreRollBuffers: c.Capture.MaxPreRollBuffers,
		},
		Transport: transport.Config{
			BaseURL:        c.Transport.BaseURL,
			ChatbotID:      c.Transport.ChatbotID,
			UserID:         c.Transport.UserID,
			ConnectTimeout: c.Transport.ConnectTimeout,
			Reconnect: transport.ReconnectPolicy{
				MaxAttempts: maxAttempts,
				Delay:       c.Transport.Reconnect.Delay,
				Multiplier:  c.Transport.Reconnect.Multiplier,
				MaxDelay:    c.Transport.Reconnect.MaxDelay,
			},
			CloseGracePeriod: c.Transport.CloseGracePeriod,
			MaxMessageSize:   c.Transport.MaxMessageSize,
		},
		Playback: playback.Config{
			MinBufferSize:   c.Playback.MinBufferSize,
			TargetChunks:    c.Playback.TargetChunks,
			RelaxedFactor:   c.Playback.RelaxedFactor,
			RetryDelay:      c.Playback.RetryDelay,
			MaxStartRetries: c.Playback.MaxStartRetries,
			Codec:           c.Playback.Codec,
			Format:          c.PlaybackFormat(),
		},
		ResumeDebounce: c.Session.ResumeDebounce,
		ResumeFailsafe: c.Session.ResumeFailsafe,
	}
}

// PlaybackFormat is the PCM format decoded agent audio is delivered in.
func (c *Config) PlaybackFormat() audio.Format {
	return audio.Format{SampleRate: c.Playback.SampleRate, Channels: c.Playback.Channels}
}

// OutputFormat is the PCM format the speaker is opened with.
func (c *Config) OutputFormat() audio.Format {
	f := c.PlaybackFormat()
	if c.Audio.OutputSampleRate > 0 {
		f.SampleRate = c.Audio.OutputSampleRate
	}
	return f
}

func boolValue(b *bool) bool {
	return b != nil && *b
}
