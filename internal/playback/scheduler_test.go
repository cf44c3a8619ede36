package playback

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/voxlink/internal/eventbus"
	"github.com/MrWong99/voxlink/pkg/audio"
	"github.com/MrWong99/voxlink/pkg/audio/mock"
	"github.com/MrWong99/voxlink/pkg/codec"
)

type recorder struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func record(bus *eventbus.Bus) *recorder {
	r := &recorder{}
	bus.OnAny(func(ev eventbus.Event) {
		r.mu.Lock()
		r.events = append(r.events, ev)
		r.mu.Unlock()
	})
	return r
}

func (r *recorder) count(t eventbus.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

func (r *recorder) first(t eventbus.EventType) (eventbus.Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.events {
		if ev.Type == t {
			return ev, true
		}
	}
	return eventbus.Event{}, false
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func waitStarted(t *testing.T, p *mock.Player) []byte {
	t.Helper()
	select {
	case seg := <-p.Started:
		return seg
	case <-time.After(3 * time.Second):
		t.Fatal("no segment started")
		return nil
	}
}

// quietConfig never starts on its own: thresholds are out of reach and the
// retry is far in the future.
func quietConfig() Config {
	cfg := DefaultConfig()
	cfg.MinBufferSize = 1 << 30
	cfg.TargetChunks = 1 << 20
	cfg.RetryDelay = time.Hour
	cfg.MaxStartRetries = 0
	return cfg
}

func newTestScheduler(t *testing.T, p *mock.Player, cfg Config) (*Scheduler, *recorder) {
	t.Helper()
	bus := eventbus.New()
	rec := record(bus)
	s, err := New(bus, p, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(s.Reset)
	return s, rec
}

func chunk(n int, b byte) []byte {
	return bytes.Repeat([]byte{b}, n)
}

func TestNew_UnknownCodec(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.Codec = "mp3"
	if _, err := New(eventbus.New(), &mock.Player{}, cfg); !errors.Is(err, codec.ErrUnknownCodec) {
		t.Errorf("New error = %v, want ErrUnknownCodec", err)
	}
}

func TestStart_ByteThresholdBeforeChunkTarget(t *testing.T) {
	t.Parallel()

	p := &mock.Player{Gate: make(chan struct{}), Started: make(chan []byte, 4)}
	cfg := quietConfig()
	cfg.MinBufferSize = 32000
	cfg.TargetChunks = 16
	s, _ := newTestScheduler(t, p, cfg)

	for i := range 7 {
		s.HandleIncomingChunk(chunk(4000, byte(i)))
	}
	if s.State() != StateIdle {
		t.Fatalf("state after 28000 bytes = %s, want idle", s.State())
	}
	if n, b := s.Buffered(); n != 7 || b != 28000 {
		t.Fatalf("buffered = %d chunks / %d bytes, want 7 / 28000", n, b)
	}

	// The eighth chunk reaches 32000 bytes while only 8 of 16 chunks are in.
	s.HandleIncomingChunk(chunk(4000, 7))
	seg := waitStarted(t, p)
	if len(seg) != 32000 {
		t.Errorf("first segment = %d bytes, want 32000", len(seg))
	}
	s.HandleIncomingChunk(chunk(4000, 8))
	s.HandleIncomingChunk(chunk(4000, 9))
	if s.State() != StatePlaying {
		t.Errorf("state = %s, want playing", s.State())
	}
	if n, b := s.Buffered(); n != 2 || b != 8000 {
		t.Errorf("buffered behind the playing segment = %d / %d, want 2 / 8000", n, b)
	}
}

func TestStart_ChunkTarget(t *testing.T) {
	t.Parallel()

	p := &mock.Player{Gate: make(chan struct{}), Started: make(chan []byte, 1)}
	cfg := quietConfig()
	cfg.TargetChunks = 4
	s, _ := newTestScheduler(t, p, cfg)

	for range 4 {
		s.HandleIncomingChunk(chunk(10, 1))
	}
	if seg := waitStarted(t, p); len(seg) != 40 {
		t.Errorf("segment = %d bytes, want 40", len(seg))
	}
}

func TestStart_RetryBoundForcesPlayback(t *testing.T) {
	t.Parallel()

	p := &mock.Player{Started: make(chan []byte, 1)}
	cfg := quietConfig()
	cfg.RetryDelay = 2 * time.Millisecond
	cfg.MaxStartRetries = 3
	s, _ := newTestScheduler(t, p, cfg)

	s.HandleIncomingChunk(chunk(6, 7))
	if seg := waitStarted(t, p); !bytes.Equal(seg, chunk(6, 7)) {
		t.Errorf("segment = %v", seg)
	}
}

func TestStart_RelaxedThresholdWithinTurn(t *testing.T) {
	t.Parallel()

	p := &mock.Player{Gate: make(chan struct{}), Started: make(chan []byte, 4)}
	cfg := quietConfig()
	cfg.MinBufferSize = 4000
	cfg.RelaxedFactor = 0.75
	s, _ := newTestScheduler(t, p, cfg)

	s.HandleIncomingChunk(chunk(4000, 1))
	waitStarted(t, p)

	// Queued behind the playing segment, 3000 bytes is enough once the turn
	// has started.
	s.HandleIncomingChunk(chunk(3000, 2))
	p.Gate <- struct{}{}
	if seg := waitStarted(t, p); len(seg) != 3000 {
		t.Fatalf("second segment = %d bytes, want 3000", len(seg))
	}
	p.Gate <- struct{}{}
	waitFor(t, "idle between segments", func() bool { return s.State() == StateIdle })

	s.HandleIncomingChunk(chunk(2998, 3))
	if s.State() != StateIdle {
		t.Fatalf("state at 2998 bytes = %s, want idle below the relaxed threshold", s.State())
	}
	s.HandleIncomingChunk(chunk(2, 4))
	if seg := waitStarted(t, p); len(seg) != 3000 {
		t.Errorf("third segment = %d bytes, want 3000", len(seg))
	}
}

func TestStart_FullThresholdAfterCompletion(t *testing.T) {
	t.Parallel()

	p := &mock.Player{Started: make(chan []byte, 4)}
	cfg := quietConfig()
	cfg.MinBufferSize = 4000
	cfg.RelaxedFactor = 0.75
	s, rec := newTestScheduler(t, p, cfg)

	s.HandleIncomingChunk(chunk(4000, 1))
	waitStarted(t, p)
	waitFor(t, "idle after first segment", func() bool { return s.State() == StateIdle })
	s.SetStreamComplete()
	if rec.count(EventCompleted) != 1 {
		t.Fatal("turn not completed")
	}

	// A new turn needs the full threshold again.
	s.HandleIncomingChunk(chunk(3000, 2))
	select {
	case seg := <-p.Started:
		t.Fatalf("next turn started at %d bytes, want the full 4000", len(seg))
	case <-time.After(20 * time.Millisecond):
	}
	if n, b := s.Buffered(); n != 1 || b != 3000 {
		t.Fatalf("buffered = %d chunks / %d bytes, want 1 / 3000", n, b)
	}

	s.HandleIncomingChunk(chunk(1000, 3))
	if seg := waitStarted(t, p); len(seg) != 4000 {
		t.Errorf("segment = %d bytes, want 4000", len(seg))
	}
}

func TestStreamComplete_FlushesAndCompletes(t *testing.T) {
	t.Parallel()

	p := &mock.Player{}
	s, rec := newTestScheduler(t, p, quietConfig())

	s.HandleIncomingChunk(chunk(20, 3))
	s.SetStreamComplete()

	waitFor(t, "completed", func() bool { return rec.count(EventCompleted) == 1 })
	if s.State() != StateCompleted {
		t.Errorf("state = %s, want completed", s.State())
	}
	if segs := p.Segments(); len(segs) != 1 || len(segs[0]) != 20 {
		t.Errorf("segments = %v", segs)
	}
}

func TestStreamComplete_NothingBuffered(t *testing.T) {
	t.Parallel()

	s, rec := newTestScheduler(t, &mock.Player{}, quietConfig())

	s.SetStreamComplete()
	if rec.count(EventCompleted) != 1 {
		t.Fatal("EventCompleted not published synchronously for an empty turn")
	}
	if s.State() != StateCompleted {
		t.Errorf("state = %s, want completed", s.State())
	}
}

func TestDrain_FIFOAndSingleSegment(t *testing.T) {
	t.Parallel()

	p := &mock.Player{Delay: 3 * time.Millisecond}
	cfg := quietConfig()
	cfg.TargetChunks = 1
	s, rec := newTestScheduler(t, p, cfg)

	var want [][]byte
	for i := range 40 {
		c := chunk(1+i%7, byte(i))
		want = append(want, c)
		s.HandleIncomingChunk(c)
		if i%5 == 0 {
			time.Sleep(time.Millisecond)
		}
	}
	s.SetStreamComplete()
	waitFor(t, "completed", func() bool { return rec.count(EventCompleted) == 1 })

	if got := bytes.Join(p.Segments(), nil); !bytes.Equal(got, bytes.Join(want, nil)) {
		t.Error("played bytes differ from arrival order")
	}
	if got := p.MaxConcurrent(); got != 1 {
		t.Errorf("MaxConcurrent = %d, want 1", got)
	}
}

func TestClearBuffer_MidPlayback(t *testing.T) {
	t.Parallel()

	p := &mock.Player{Gate: make(chan struct{}), Started: make(chan []byte, 4)}
	cfg := quietConfig()
	cfg.TargetChunks = 1
	s, rec := newTestScheduler(t, p, cfg)

	s.HandleIncomingChunk(chunk(100, 1))
	waitStarted(t, p)
	s.HandleIncomingChunk(chunk(50, 2))
	s.HandleIncomingChunk(chunk(50, 3))

	s.ClearBuffer()
	if s.State() != StateIdle {
		t.Errorf("state right after ClearBuffer = %s, want idle", s.State())
	}
	if n, b := s.Buffered(); n != 0 || b != 0 {
		t.Errorf("buffered after ClearBuffer = %d / %d, want 0 / 0", n, b)
	}
	waitFor(t, "play cancellation", func() bool { return p.Cancellations() == 1 })

	time.Sleep(20 * time.Millisecond)
	if got := len(p.Segments()); got != 1 {
		t.Errorf("segments played = %d, want 1", got)
	}
	if rec.count(EventError) != 0 || rec.count(EventCompleted) != 0 {
		t.Error("cancelled segment surfaced as error or completion")
	}

	// A fresh turn plays normally afterwards.
	s.HandleIncomingChunk(chunk(10, 9))
	if seg := waitStarted(t, p); !bytes.Equal(seg, chunk(10, 9)) {
		t.Errorf("segment after clear = %v", seg)
	}
}

func TestPlaybackError_ContinuesWithNextSegment(t *testing.T) {
	t.Parallel()

	boom := errors.New("device gone")
	p := &mock.Player{
		Gate:      make(chan struct{}),
		Started:   make(chan []byte, 4),
		PlayError: boom,
		FailFirst: 1,
	}
	cfg := quietConfig()
	cfg.TargetChunks = 1
	s, rec := newTestScheduler(t, p, cfg)

	s.HandleIncomingChunk(chunk(10, 1))
	waitStarted(t, p)
	s.HandleIncomingChunk(chunk(10, 2))
	p.Gate <- struct{}{}

	if seg := waitStarted(t, p); !bytes.Equal(seg, chunk(10, 2)) {
		t.Fatalf("second segment = %v", seg)
	}
	s.SetStreamComplete()
	p.Gate <- struct{}{}
	waitFor(t, "completed", func() bool { return rec.count(EventCompleted) == 1 })

	ev, ok := rec.first(EventError)
	if !ok {
		t.Fatal("no EventError")
	}
	perr, ok := ev.Payload.(*PlaybackError)
	if !ok {
		t.Fatalf("payload %T, want *PlaybackError", ev.Payload)
	}
	if !errors.Is(perr, boom) || perr.Segment.Seq != 1 {
		t.Errorf("PlaybackError = %v (seq %d)", perr, perr.Segment.Seq)
	}
	if rec.count(EventError) != 1 {
		t.Errorf("EventError count = %d, want 1", rec.count(EventError))
	}
}

func TestDecodeError_ReportsPlaybackError(t *testing.T) {
	t.Parallel()

	cfg := quietConfig()
	cfg.Codec = codec.Opus
	cfg.Format = audio.Format{SampleRate: 16000, Channels: 1}
	p := &mock.Player{}
	s, rec := newTestScheduler(t, p, cfg)

	s.HandleIncomingChunk([]byte{0, 0})
	s.SetStreamComplete()
	waitFor(t, "completed", func() bool { return rec.count(EventCompleted) == 1 })

	ev, ok := rec.first(EventError)
	if !ok {
		t.Fatal("no EventError")
	}
	if err := ev.Payload.(*PlaybackError); !errors.Is(err, codec.ErrMalformed) {
		t.Errorf("error = %v, want ErrMalformed", err)
	}
	if len(p.Segments()) != 0 {
		t.Error("undecodable segment reached the player")
	}
}

func TestStateChanges_NeverTwoPlaying(t *testing.T) {
	t.Parallel()

	p := &mock.Player{Delay: time.Millisecond}
	cfg := quietConfig()
	cfg.TargetChunks = 2
	s, rec := newTestScheduler(t, p, cfg)

	for i := range 20 {
		s.HandleIncomingChunk(chunk(4, byte(i)))
	}
	s.SetStreamComplete()
	waitFor(t, "completed", func() bool { return rec.count(EventCompleted) == 1 })

	rec.mu.Lock()
	defer rec.mu.Unlock()
	playing := false
	for _, ev := range rec.events {
		if ev.Type != EventStateChange {
			continue
		}
		sc := ev.Payload.(StateChange)
		if sc.To == StatePlaying {
			if playing {
				t.Fatal("entered playing while already playing")
			}
			playing = true
		} else if sc.From == StatePlaying {
			playing = false
		}
	}
}

func TestConfigure_BusyWhileBuffered(t *testing.T) {
	t.Parallel()

	s, _ := newTestScheduler(t, &mock.Player{}, quietConfig())
	if err := s.Configure(quietConfig()); err != nil {
		t.Fatalf("Configure idle: %v", err)
	}
	s.HandleIncomingChunk(chunk(4, 1))
	if err := s.Configure(quietConfig()); !errors.Is(err, ErrPlaying) {
		t.Errorf("Configure with buffered audio = %v, want ErrPlaying", err)
	}
	s.Reset()
	if err := s.Configure(quietConfig()); err != nil {
		t.Errorf("Configure after Reset: %v", err)
	}
}
