// Package audio defines the device ports used by the voice core and the
// sample-format helpers shared by capture, playback and the drivers.
//
// The two primary abstractions are:
//
//   - [InputDevice] opens a microphone and returns an [InputStream] that
//     delivers planar float32 [Frame] values on a realtime callback.
//   - [Player] plays one decoded PCM segment at a time and blocks until the
//     segment has been heard.
//
// Implementations live in driver packages (e.g. audio/ffmpeg). Tests use the
// in-memory doubles in audio/mock.
package audio

import (
	"context"
	"errors"
)

var (
	// ErrPermissionDenied is returned when the operating system or the user
	// refused access to the microphone.
	ErrPermissionDenied = errors.New("audio: microphone permission denied")

	// ErrNoDevice is returned when no input device matches the request.
	ErrNoDevice = errors.New("audio: no input device available")
)

// DeviceInfo describes one selectable input device.
type DeviceInfo struct {
	// ID is the driver-specific identifier passed back in [Constraints.DeviceID].
	ID string

	// Label is a human-readable name. May be empty.
	Label string

	// Default marks the device the driver uses when no ID is requested.
	Default bool
}

// Constraints describe the stream a caller asks an [InputDevice] for.
// Drivers honour what they can and ignore processing flags they do not
// support.
type Constraints struct {
	// DeviceID selects the device. Empty means the driver default.
	DeviceID string

	SampleRate int
	Channels   int

	// FrameSize is the number of samples per channel delivered per callback.
	FrameSize int

	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
}

// InputDevice enumerates and opens microphones.
//
// Implementations must be safe for concurrent use.
type InputDevice interface {
	// Devices lists the available input devices.
	Devices(ctx context.Context) ([]DeviceInfo, error)

	// Open acquires the device described by c. Errors should wrap
	// [ErrPermissionDenied] or [ErrNoDevice] when those apply.
	Open(ctx context.Context, c Constraints) (InputStream, error)
}

// InputStream is an acquired microphone.
type InputStream interface {
	// Start begins delivering frames to fn. fn runs on the driver's realtime
	// goroutine, one frame at a time and in capture order; it must not block.
	Start(fn func(Frame)) error

	// Close stops delivery and releases the device. After Close returns, fn
	// is not called again. Close is idempotent.
	Close() error
}

// Player renders decoded PCM16 little-endian audio.
//
// Play blocks until the whole segment has been played or ctx is cancelled.
// On cancellation it must stop audible output promptly and return ctx.Err().
// Callers never invoke Play concurrently.
type Player interface {
	Play(ctx context.Context, pcm []byte) error
	Close() error
}
