// Package mock provides in-memory implementations of [audio.InputDevice],
// [audio.InputStream] and [audio.Player] for unit tests.
//
// All mocks are safe for concurrent use. They record every call so tests can
// assert on counts and arguments, and expose fields that control results.
//
// Typical usage:
//
//	stream := &mock.Stream{}
//	dev := &mock.Device{OpenResult: stream}
//	// … hand dev to the capture engine, then drive it:
//	stream.Emit(audio.Frame{Channels: [][]float32{samples}})
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/voxlink/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.InputDevice = (*Device)(nil)
	_ audio.InputStream = (*Stream)(nil)
	_ audio.Player      = (*Player)(nil)
)

// ─── Device ───────────────────────────────────────────────────────────────────

// Device is a mock [audio.InputDevice].
type Device struct {
	mu sync.Mutex

	// DevicesResult is returned by Devices.
	DevicesResult []audio.DeviceInfo

	// DevicesError is returned by Devices.
	DevicesError error

	// OpenResult is returned by Open. A fresh [Stream] is created when nil.
	OpenResult *Stream

	// OpenError is returned by Open when non-nil.
	OpenError error

	// OpenCalls records the constraints of every Open call.
	OpenCalls []audio.Constraints
}

// Devices implements [audio.InputDevice].
func (d *Device) Devices(_ context.Context) ([]audio.DeviceInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.DevicesResult, d.DevicesError
}

// Open implements [audio.InputDevice].
func (d *Device) Open(_ context.Context, c audio.Constraints) (audio.InputStream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.OpenCalls = append(d.OpenCalls, c)
	if d.OpenError != nil {
		return nil, d.OpenError
	}
	if d.OpenResult == nil {
		d.OpenResult = &Stream{}
	}
	return d.OpenResult, nil
}

// Stream returns the stream handed out by the last successful Open.
func (d *Device) Stream() *Stream {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.OpenResult
}

// ─── Stream ───────────────────────────────────────────────────────────────────

// Stream is a mock [audio.InputStream]. Frames are pushed with [Stream.Emit]
// and delivered synchronously to the callback given to Start.
type Stream struct {
	mu sync.Mutex

	// StartError is returned by Start when non-nil.
	StartError error

	fn         func(audio.Frame)
	closed     bool
	CloseCalls int
}

// Start implements [audio.InputStream].
func (s *Stream) Start(fn func(audio.Frame)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.StartError != nil {
		return s.StartError
	}
	s.fn = fn
	return nil
}

// Close implements [audio.InputStream].
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCalls++
	s.closed = true
	s.fn = nil
	return nil
}

// Closed reports whether Close has been called.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Emit delivers f to the registered callback. It reports false when the
// stream is closed or not started.
func (s *Stream) Emit(f audio.Frame) bool {
	s.mu.Lock()
	fn := s.fn
	s.mu.Unlock()
	if fn == nil {
		return false
	}
	fn(f)
	return true
}

// ─── Player ───────────────────────────────────────────────────────────────────

// Player is a mock [audio.Player]. Each Play call is recorded; it then waits
// for Delay (or until ctx is cancelled) and returns PlayError.
type Player struct {
	mu sync.Mutex

	// Delay simulates the segment duration.
	Delay time.Duration

	// PlayError is returned by every Play call when non-nil.
	PlayError error

	// FailFirst makes only the first N Play calls return PlayError.
	FailFirst int

	// Gate, when non-nil, blocks every Play until a value is received or ctx
	// is cancelled.
	Gate chan struct{}

	// Started receives the segment of every Play call when non-nil. Sends
	// never block.
	Started chan []byte

	segments      [][]byte
	active        int
	maxActive     int
	cancellations int
	closeCalls    int
}

// Play implements [audio.Player].
func (p *Player) Play(ctx context.Context, pcm []byte) error {
	p.mu.Lock()
	seg := make([]byte, len(pcm))
	copy(seg, pcm)
	p.segments = append(p.segments, seg)
	call := len(p.segments)
	p.active++
	p.maxActive = max(p.maxActive, p.active)
	delay, gate, started := p.Delay, p.Gate, p.Started
	err := p.PlayError
	if p.FailFirst > 0 && call > p.FailFirst {
		err = nil
	}
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.active--
		p.mu.Unlock()
	}()

	if started != nil {
		select {
		case started <- seg:
		default:
		}
	}

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			p.cancelled()
			return ctx.Err()
		}
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			p.cancelled()
			return ctx.Err()
		}
	}
	return err
}

func (p *Player) cancelled() {
	p.mu.Lock()
	p.cancellations++
	p.mu.Unlock()
}

// Close implements [audio.Player].
func (p *Player) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeCalls++
	return nil
}

// Segments returns copies of every segment passed to Play, in call order.
func (p *Player) Segments() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]byte, len(p.segments))
	copy(out, p.segments)
	return out
}

// MaxConcurrent returns the highest number of overlapping Play calls seen.
func (p *Player) MaxConcurrent() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxActive
}

// Cancellations returns how many Play calls ended through ctx cancellation.
func (p *Player) Cancellations() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancellations
}
