package config_test

import (
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/voxlink/internal/config"
)

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	cfg := load(t, sampleYAML)
	d := config.Diff(cfg, load(t, sampleYAML))
	if !d.Empty() {
		t.Errorf("expected empty diff for identical configs, got %+v", d)
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	t.Parallel()
	old := load(t, minimalYAML)
	new := load(t, minimalYAML+"server:\n  log_level: debug\n")

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Error("expected LogLevelChanged=true")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("expected NewLogLevel=debug, got %q", d.NewLogLevel)
	}
	if d.SessionChanged || d.RestartRequired || len(d.Sections) != 0 {
		t.Errorf("log level alone should not touch sections, got %+v", d)
	}
}

func TestDiff_Sections(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*config.Config)
		section string
		session bool
		restart bool
	}{
		{"listen addr", func(c *config.Config) { c.Server.ListenAddr = ":1" }, config.SectionServer, false, true},
		{"driver", func(c *config.Config) { c.Audio.FFplayPath = "/opt/ffplay" }, config.SectionAudio, false, true},
		{"base url", func(c *config.Config) { c.Transport.BaseURL = "wss://other" }, config.SectionTransport, true, false},
		{"reconnect attempts", func(c *config.Config) { n := 9; c.Transport.Reconnect.MaxAttempts = &n }, config.SectionTransport, true, false},
		{"echo cancellation", func(c *config.Config) { off := false; c.Capture.EchoCancellation = &off }, config.SectionCapture, true, false},
		{"vad", func(c *config.Config) { c.Capture.VAD.BoostFrames = 3 }, config.SectionCapture, true, false},
		{"playback", func(c *config.Config) { c.Playback.TargetChunks = 4 }, config.SectionPlayback, true, false},
		{"session", func(c *config.Config) { c.Session.ResumeDebounce = time.Second }, config.SectionSession, true, false},
		{"telemetry", func(c *config.Config) { c.Telemetry.ServiceVersion = "2" }, config.SectionTelemetry, false, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			old := load(t, minimalYAML)
			new := load(t, minimalYAML)
			tc.mutate(new)

			d := config.Diff(old, new)
			if !slices.Equal(d.Sections, []string{tc.section}) {
				t.Errorf("Sections: got %v, want [%s]", d.Sections, tc.section)
			}
			if d.SessionChanged != tc.session {
				t.Errorf("SessionChanged: got %v, want %v", d.SessionChanged, tc.session)
			}
			if d.RestartRequired != tc.restart {
				t.Errorf("RestartRequired: got %v, want %v", d.RestartRequired, tc.restart)
			}
		})
	}
}

func TestDiff_MultipleChanges(t *testing.T) {
	t.Parallel()
	old := load(t, minimalYAML)
	new := load(t, sampleYAML)

	d := config.Diff(old, new)
	want := []string{
		config.SectionServer,
		config.SectionAudio,
		config.SectionTransport,
		config.SectionCapture,
		config.SectionPlayback,
		config.SectionSession,
		config.SectionTelemetry,
	}
	if !slices.Equal(d.Sections, want) {
		t.Errorf("Sections: got %v, want %v", d.Sections, want)
	}
	if !d.LogLevelChanged || !d.SessionChanged || !d.RestartRequired {
		t.Errorf("expected every flag set, got %+v", d)
	}
}
