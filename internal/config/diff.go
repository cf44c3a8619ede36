package config

import "reflect"

// Section names reported by [Diff].
const (
	SectionServer    = "server"
	SectionAudio     = "audio"
	SectionTransport = "transport"
	SectionCapture   = "capture"
	SectionPlayback  = "playback"
	SectionSession   = "session"
	SectionTelemetry = "telemetry"
)

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// SessionChanged is true when any section consumed by the session
	// controller changed. Those apply once no session is connected.
	SessionChanged bool

	// RestartRequired is true when a setting only read at startup changed
	// (the listen address, the audio driver or telemetry).
	RestartRequired bool

	// Sections lists every changed section in schema order. A log level
	// change alone does not list "server".
	Sections []string
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.Sections = append(d.Sections, SectionServer)
		d.RestartRequired = true
	}
	if old.Audio != new.Audio {
		d.Sections = append(d.Sections, SectionAudio)
		d.RestartRequired = true
	}
	if !reflect.DeepEqual(old.Transport, new.Transport) {
		d.Sections = append(d.Sections, SectionTransport)
		d.SessionChanged = true
	}
	if !reflect.DeepEqual(old.Capture, new.Capture) {
		d.Sections = append(d.Sections, SectionCapture)
		d.SessionChanged = true
	}
	if old.Playback != new.Playback {
		d.Sections = append(d.Sections, SectionPlayback)
		d.SessionChanged = true
	}
	if old.Session != new.Session {
		d.Sections = append(d.Sections, SectionSession)
		d.SessionChanged = true
	}
	if old.Telemetry != new.Telemetry {
		d.Sections = append(d.Sections, SectionTelemetry)
		d.RestartRequired = true
	}

	return d
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && len(d.Sections) == 0
}
