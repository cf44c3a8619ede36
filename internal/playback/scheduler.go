// Package playback buffers agent audio as it arrives over the socket and
// plays it back in order with as little perceptible delay as possible.
//
// Incoming chunks accumulate in a FIFO buffer until a fill heuristic says
// there is enough to play without stalling. The whole buffer is then drained
// into one contiguous segment, decoded and handed to an [audio.Player]. A
// single drain goroutine plays segment after segment until the buffer runs
// dry, so at most one segment is ever playing.
package playback

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/voxlink/internal/eventbus"
	"github.com/MrWong99/voxlink/internal/observe"
	"github.com/MrWong99/voxlink/internal/sched"
	"github.com/MrWong99/voxlink/pkg/audio"
	"github.com/MrWong99/voxlink/pkg/codec"
)

// Events published by the scheduler.
const (
	// EventStateChange carries a [StateChange].
	EventStateChange eventbus.EventType = "playback.state_change"

	// EventSegmentStarted carries a [Segment] just before it is played.
	EventSegmentStarted eventbus.EventType = "playback.segment_started"

	// EventCompleted is published once the last segment of a stream marked
	// complete has finished. The payload is nil.
	EventCompleted eventbus.EventType = "playback.completed"

	// EventError carries a *[PlaybackError].
	EventError eventbus.EventType = "playback.error"
)

// State is the playback state.
type State string

const (
	StateIdle      State = "idle"
	StatePlaying   State = "playing"
	StateCompleted State = "completed"
	StateError     State = "error"
)

// StateChange is the payload of [EventStateChange].
type StateChange struct {
	From, To State
}

// Segment describes one contiguous unit of playback.
type Segment struct {
	Seq    int
	Chunks int
	Bytes  int
}

// ErrPlaying is returned by [Scheduler.Configure] while audio is buffered or
// playing.
var ErrPlaying = errors.New("playback: scheduler is busy")

// PlaybackError reports that one segment could not be decoded or played.
// Playback continues with the next segment.
type PlaybackError struct {
	Segment Segment
	Err     error
}

func (e *PlaybackError) Error() string {
	return fmt.Sprintf("playback: segment %d (%d bytes): %v", e.Segment.Seq, e.Segment.Bytes, e.Err)
}

func (e *PlaybackError) Unwrap() error { return e.Err }

// Config configures a [Scheduler].
type Config struct {
	// MinBufferSize is the buffered byte count that starts playback.
	MinBufferSize int

	// TargetChunks is the buffered chunk count that starts playback.
	TargetChunks int

	// RelaxedFactor scales both thresholds once a turn has started playing.
	RelaxedFactor float64

	// RetryDelay is the wait before re-evaluating an unsatisfied buffer.
	RetryDelay time.Duration

	// MaxStartRetries bounds the re-evaluations; after that the buffer is
	// played regardless of its size. Zero disables the bound.
	MaxStartRetries int

	// Codec names the wire codec of incoming chunks (see package codec).
	Codec string

	// Format is the PCM format the decoder produces.
	Format audio.Format
}

// DefaultConfig returns one second of 16 kHz mono PCM16 or sixteen chunks,
// whichever comes first.
func DefaultConfig() Config {
	return Config{
		MinBufferSize:   32000,
		TargetChunks:    16,
		RelaxedFactor:   0.75,
		RetryDelay:      50 * time.Millisecond,
		MaxStartRetries: 20,
		Codec:           codec.PCM16,
		Format:          audio.Format{SampleRate: 16000, Channels: 1},
	}
}

// Scheduler owns the segment buffer and the playback state. All exported
// methods are safe for concurrent use.
type Scheduler struct {
	bus    *eventbus.Bus
	player audio.Player
	log    *slog.Logger
	otel   *observe.Metrics

	mu      sync.Mutex
	cfg     Config
	dec     codec.Decoder
	chunks  [][]byte
	total   int
	firstAt time.Time
	state   State
	// playing is true while a drain goroutine owns playback.
	playing bool
	// turnActive is true once a segment of the current agent turn played.
	turnActive bool
	complete   bool
	retries    int
	seq        int
	// gen changes on every clear so a superseded drain loop can tell.
	gen      uint64
	cancel   context.CancelFunc
	playDone chan struct{}

	retry sched.Task
}

// Option configures a [Scheduler].
type Option func(*Scheduler)

// WithLogger sets the logger. Default: [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.log = l }
}

// WithMetrics sets the metrics instance. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Scheduler) { s.otel = m }
}

// New creates an idle scheduler that plays through player.
func New(bus *eventbus.Bus, player audio.Player, cfg Config, opts ...Option) (*Scheduler, error) {
	dec, err := codec.NewDecoder(cfg.Codec, cfg.Format)
	if err != nil {
		return nil, fmt.Errorf("playback: %w", err)
	}
	s := &Scheduler{
		bus:    bus,
		player: player,
		log:    slog.Default(),
		cfg:    cfg,
		dec:    dec,
		state:  StateIdle,
	}
	for _, o := range opts {
		o(s)
	}
	if s.otel == nil {
		s.otel = observe.DefaultMetrics()
	}
	return s, nil
}

type outEvent struct {
	typ     eventbus.EventType
	payload any
}

func (s *Scheduler) emit(evs []outEvent) {
	for _, ev := range evs {
		s.bus.Publish(ev.typ, ev.payload)
	}
}

func (s *Scheduler) setStateLocked(to State, out []outEvent) []outEvent {
	if s.state == to {
		return out
	}
	from := s.state
	s.state = to
	return append(out, outEvent{EventStateChange, StateChange{From: from, To: to}})
}

// Configure replaces the configuration. It fails with [ErrPlaying] unless
// the scheduler is idle with an empty buffer.
func (s *Scheduler) Configure(cfg Config) error {
	dec, err := codec.NewDecoder(cfg.Codec, cfg.Format)
	if err != nil {
		return fmt.Errorf("playback: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.playing || len(s.chunks) > 0 {
		return ErrPlaying
	}
	s.cfg = cfg
	s.dec = dec
	return nil
}

// HandleIncomingChunk appends chunk to the buffer and starts playback when
// nothing is playing and the buffer is full enough.
func (s *Scheduler) HandleIncomingChunk(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	s.mu.Lock()
	if len(s.chunks) == 0 {
		s.firstAt = time.Now()
	}
	s.chunks = append(s.chunks, chunk)
	s.total += len(chunk)
	out := s.tryStartLocked()
	s.mu.Unlock()
	s.emit(out)
}

// SetStreamComplete marks that no more chunks are expected for the current
// agent turn. Buffered audio is played regardless of the fill thresholds and
// [EventCompleted] follows the last segment. With nothing buffered or
// playing, EventCompleted is published immediately.
func (s *Scheduler) SetStreamComplete() {
	s.mu.Lock()
	s.complete = true
	var out []outEvent
	switch {
	case s.playing:
	case len(s.chunks) == 0:
		out = s.completeLocked(out)
	default:
		out = s.tryStartLocked()
	}
	s.mu.Unlock()
	s.emit(out)
}

// ClearBuffer stops the playing segment, discards everything buffered and
// returns to [StateIdle] before it returns.
func (s *Scheduler) ClearBuffer() {
	s.clear("clear")
}

// Reset is ClearBuffer for session teardown.
func (s *Scheduler) Reset() {
	s.clear("reset")
}

func (s *Scheduler) clear(reason string) {
	s.mu.Lock()
	s.gen++
	s.retry.Cancel()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	dropped := s.total
	s.chunks = nil
	s.total = 0
	s.firstAt = time.Time{}
	s.playing = false
	s.turnActive = false
	s.complete = false
	s.retries = 0
	out := s.setStateLocked(StateIdle, nil)
	s.mu.Unlock()

	s.log.Debug("playback: buffer cleared", "reason", reason, "dropped_bytes", dropped)
	s.emit(out)
}

// State returns the playback state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Buffered returns the number of chunks and bytes waiting to be played.
func (s *Scheduler) Buffered() (chunks, bytes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.chunks), s.total
}

// readyLocked is the fill heuristic.
func (s *Scheduler) readyLocked() bool {
	if len(s.chunks) == 0 {
		return false
	}
	if s.complete {
		return true
	}
	minBytes := float64(s.cfg.MinBufferSize)
	target := float64(s.cfg.TargetChunks)
	if s.turnActive && s.cfg.RelaxedFactor > 0 {
		minBytes *= s.cfg.RelaxedFactor
		target *= s.cfg.RelaxedFactor
	}
	return float64(s.total) >= minBytes || float64(len(s.chunks)) >= target
}

// retriesExhaustedLocked reports whether the retry bound forces playback.
func (s *Scheduler) retriesExhaustedLocked() bool {
	return s.cfg.MaxStartRetries > 0 && s.retries >= s.cfg.MaxStartRetries
}

func (s *Scheduler) tryStartLocked() []outEvent {
	if s.playing || len(s.chunks) == 0 {
		return nil
	}
	if !s.readyLocked() {
		if !s.retriesExhaustedLocked() {
			s.scheduleRetryLocked()
			return nil
		}
		s.log.Debug("playback: starting below fill threshold",
			"chunks", len(s.chunks),
			"bytes", s.total,
			"retries", s.retries,
		)
	}
	return s.startLocked()
}

func (s *Scheduler) scheduleRetryLocked() {
	if s.retry.Pending() {
		return
	}
	s.retries++
	gen := s.gen
	s.retry.Schedule(s.cfg.RetryDelay, func() {
		s.mu.Lock()
		if s.gen != gen {
			s.mu.Unlock()
			return
		}
		out := s.tryStartLocked()
		s.mu.Unlock()
		s.emit(out)
	})
}

func (s *Scheduler) startLocked() []outEvent {
	s.retry.Cancel()
	s.retries = 0
	s.playing = true
	s.turnActive = true

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	gen := s.gen
	prev := s.playDone
	done := make(chan struct{})
	s.playDone = done

	go func() {
		defer close(done)
		// A loop superseded by a clear may still be returning from Play.
		if prev != nil {
			<-prev
		}
		s.drain(ctx, cancel, gen)
	}()
	return s.setStateLocked(StatePlaying, nil)
}

// drain plays segments until the buffer is empty, the fill heuristic asks to
// wait, or a clear supersedes this loop.
func (s *Scheduler) drain(ctx context.Context, cancel context.CancelFunc, gen uint64) {
	defer cancel()
	for {
		s.mu.Lock()
		if s.gen != gen {
			s.mu.Unlock()
			return
		}
		seg, payload := s.takeLocked()
		dec := s.dec
		s.mu.Unlock()

		s.bus.Publish(EventSegmentStarted, seg)
		err := s.play(ctx, dec, payload)

		s.mu.Lock()
		if s.gen != gen {
			s.mu.Unlock()
			s.otel.RecordPlaybackSegment(ctx, "cancelled")
			return
		}
		var out []outEvent
		if err != nil {
			perr := &PlaybackError{Segment: seg, Err: err}
			out = append(out, outEvent{EventError, perr})
			s.otel.RecordPlaybackSegment(ctx, "error")
			s.log.Warn("playback: segment failed", "err", err)
		} else {
			s.otel.RecordPlaybackSegment(ctx, "ok")
		}

		next := len(s.chunks) > 0 && (s.readyLocked() || s.retriesExhaustedLocked())
		if next {
			s.retries = 0
			s.mu.Unlock()
			s.emit(out)
			continue
		}

		s.playing = false
		s.cancel = nil
		switch {
		case len(s.chunks) > 0:
			s.scheduleRetryLocked()
			out = s.setStateLocked(StateIdle, out)
		case s.complete:
			out = s.completeLocked(out)
		case err != nil:
			out = s.setStateLocked(StateError, out)
		default:
			out = s.setStateLocked(StateIdle, out)
		}
		s.mu.Unlock()
		s.emit(out)
		return
	}
}

// takeLocked drains the whole buffer into one contiguous payload.
func (s *Scheduler) takeLocked() (Segment, []byte) {
	s.seq++
	seg := Segment{Seq: s.seq, Chunks: len(s.chunks), Bytes: s.total}
	payload := bytes.Join(s.chunks, nil)
	if !s.firstAt.IsZero() {
		s.otel.PlaybackBufferWait.Record(context.Background(), time.Since(s.firstAt).Seconds())
	}
	s.chunks = nil
	s.total = 0
	s.firstAt = time.Time{}
	return seg, payload
}

func (s *Scheduler) completeLocked(out []outEvent) []outEvent {
	s.complete = false
	s.turnActive = false
	s.retries = 0
	s.retry.Cancel()
	out = s.setStateLocked(StateCompleted, out)
	s.log.Debug("playback: turn completed", "segments", s.seq)
	return append(out, outEvent{EventCompleted, nil})
}

func (s *Scheduler) play(ctx context.Context, dec codec.Decoder, payload []byte) error {
	pcm, err := dec.Decode(payload)
	if err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	if len(pcm) == 0 {
		return nil
	}
	return s.player.Play(ctx, pcm)
}
