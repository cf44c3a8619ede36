// Package session wires capture, transport and playback into one voice
// session and owns turn-taking.
//
// The components never call each other. The [Controller] subscribes to the
// shared event bus once at construction and translates events into calls:
// speech frames go to the socket, agent audio goes to the playback
// scheduler, and server control messages pause or resume the microphone.
// When the agent finishes speaking the microphone is resumed after a short
// debounce, with a failsafe timer in case the debounce never fires.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/voxlink/internal/capture"
	"github.com/MrWong99/voxlink/internal/eventbus"
	"github.com/MrWong99/voxlink/internal/observe"
	"github.com/MrWong99/voxlink/internal/playback"
	"github.com/MrWong99/voxlink/internal/sched"
	"github.com/MrWong99/voxlink/internal/transport"
	"github.com/MrWong99/voxlink/pkg/audio"
)

// Turn tells whose turn it is to speak.
type Turn string

const (
	TurnUser Turn = "user"
	TurnAI   Turn = "ai"
)

// Events published by the controller, in addition to everything the
// components publish on the same bus.
const (
	// EventTurnChange carries the new [Turn].
	EventTurnChange eventbus.EventType = "session.turn_change"

	// EventConnected carries the session ID (string).
	EventConnected eventbus.EventType = "session.connected"

	// EventDisconnected carries the session ID (string) of the ended session.
	EventDisconnected eventbus.EventType = "session.disconnected"
)

// ErrConfigLocked is returned by [Controller.UpdateConfig] while a session is
// connected.
var ErrConfigLocked = errors.New("session: configuration cannot change while connected")

// Config configures a [Controller] and the components it owns.
type Config struct {
	Capture   capture.Config
	Transport transport.Config
	Playback  playback.Config

	// ResumeDebounce is the delay between the end of agent playback and the
	// microphone resuming. Default: 150ms.
	ResumeDebounce time.Duration

	// ResumeFailsafe force-resumes the microphone if the debounce never
	// fires. Default: 10s.
	ResumeFailsafe time.Duration
}

const (
	defaultResumeDebounce = 150 * time.Millisecond
	defaultResumeFailsafe = 10 * time.Second
)

// DefaultConfig returns the default configuration of every component.
// Transport.BaseURL and the session identifiers are left empty.
func DefaultConfig() Config {
	return Config{
		Capture:        capture.DefaultConfig(),
		Transport:      transport.DefaultConfig(),
		Playback:       playback.DefaultConfig(),
		ResumeDebounce: defaultResumeDebounce,
		ResumeFailsafe: defaultResumeFailsafe,
	}
}

func (c Config) withDefaults() Config {
	if c.ResumeDebounce <= 0 {
		c.ResumeDebounce = defaultResumeDebounce
	}
	if c.ResumeFailsafe <= 0 {
		c.ResumeFailsafe = defaultResumeFailsafe
	}
	return c
}

// Controller is the public surface of the voice core. All exported methods
// are safe for concurrent use.
type Controller struct {
	bus  *eventbus.Bus
	log  *slog.Logger
	otel *observe.Metrics

	capture   *capture.Engine
	transport *transport.Connection
	playback  *playback.Scheduler

	// lifeMu serialises Connect, Disconnect and UpdateConfig.
	lifeMu sync.Mutex

	mu        sync.Mutex
	cfg       Config
	connected bool
	closing   bool
	turn      Turn
	sessionID string

	resume   sched.Task
	failsafe sched.Task

	// subs holds the unsubscribe funcs of listeners added through On and
	// Once, so Off never reaches the controller's own wiring.
	subMu   sync.Mutex
	nextSub uint64
	subs    map[eventbus.EventType]map[uint64]func()
}

// Option configures a [Controller].
type Option func(*Controller)

// WithLogger sets the logger handed to every component. Default:
// [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.log = l }
}

// WithMetrics sets the metrics instance handed to every component. Default:
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Controller) { c.otel = m }
}

// New builds a disconnected controller around the given microphone driver
// and speaker. It fails only when the playback codec is unknown.
func New(cfg Config, dev audio.InputDevice, player audio.Player, opts ...Option) (*Controller, error) {
	c := &Controller{
		log:  slog.Default(),
		cfg:  cfg.withDefaults(),
		turn: TurnUser,
	}
	for _, o := range opts {
		o(c)
	}
	if c.otel == nil {
		c.otel = observe.DefaultMetrics()
	}

	c.bus = eventbus.New(eventbus.WithLogger(c.log))
	c.capture = capture.New(c.bus, dev, cfg.Capture,
		capture.WithLogger(c.log),
		capture.WithMetrics(c.otel),
	)
	c.transport = transport.New(c.bus, cfg.Transport,
		transport.WithLogger(c.log),
		transport.WithMetrics(c.otel),
	)
	pb, err := playback.New(c.bus, player, cfg.Playback,
		playback.WithLogger(c.log),
		playback.WithMetrics(c.otel),
	)
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	c.playback = pb

	c.bus.On(capture.EventAudioData, c.onAudioData)
	c.bus.On(transport.EventPlaybackChunk, c.onPlaybackChunk)
	c.bus.On(transport.EventControl, c.onControl)
	c.bus.On(transport.EventStateChange, c.onTransportState)
	c.bus.On(transport.EventError, c.onTransportError)
	c.bus.On(playback.EventCompleted, c.onPlaybackCompleted)
	c.bus.On(playback.EventError, c.onPlaybackError)
	return c, nil
}

// Connect opens the microphone and then the agent socket. A failed socket
// releases the microphone again. It is a no-op while connected.
func (c *Controller) Connect(ctx context.Context, deviceID string) error {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()
	if c.IsConnected() {
		return nil
	}

	id := uuid.NewString()
	ctx = observe.WithSession(ctx, id)
	ctx, span := observe.StartSpan(ctx, "session.connect",
		trace.WithAttributes(
			attribute.String("session.id", id),
			attribute.String("device.id", deviceID),
		),
	)
	defer span.End()
	log := c.log.With("session_id", id)

	if err := c.capture.Initialize(ctx, deviceID); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "capture")
		return fmt.Errorf("session: connect: %w", err)
	}
	if err := c.transport.Connect(ctx); err != nil {
		c.capture.Cleanup()
		span.RecordError(err)
		span.SetStatus(codes.Error, "transport")
		return fmt.Errorf("session: connect: %w", err)
	}

	c.mu.Lock()
	c.connected = true
	c.sessionID = id
	turnChanged := c.turn != TurnUser
	c.turn = TurnUser
	c.mu.Unlock()

	c.otel.ActiveSessions.Add(ctx, 1)
	log.Info("session: connected", "device", deviceID)
	if turnChanged {
		c.bus.Publish(EventTurnChange, TurnUser)
	}
	c.bus.Publish(EventConnected, id)
	return nil
}

// Disconnect ends the session: pending resume timers are cancelled, the
// socket is closed, buffered agent audio is discarded and the microphone is
// released, in that order. It is safe to call repeatedly.
func (c *Controller) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	c.closing = true
	c.mu.Unlock()

	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()
	defer func() {
		c.mu.Lock()
		c.closing = false
		c.mu.Unlock()
	}()

	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil
	}
	id := c.sessionID
	c.mu.Unlock()

	sched.Group{&c.resume, &c.failsafe}.CancelAll()

	var errs []error
	if err := c.transport.Disconnect(ctx); err != nil {
		errs = append(errs, err)
	}
	c.playback.Reset()
	c.capture.Cleanup()

	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()

	c.otel.ActiveSessions.Add(ctx, -1)
	c.log.Info("session: disconnected", "session_id", id)
	c.bus.Publish(EventDisconnected, id)
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("session: disconnect: %w", err)
	}
	return nil
}

// UpdateConfig replaces the configuration of every component. It returns
// [ErrConfigLocked] while connected.
func (c *Controller) UpdateConfig(cfg Config) error {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()
	if c.IsConnected() {
		return ErrConfigLocked
	}

	var errs []error
	if err := c.capture.Configure(cfg.Capture); err != nil {
		errs = append(errs, err)
	}
	if err := c.transport.Configure(cfg.Transport); err != nil {
		errs = append(errs, err)
	}
	if err := c.playback.Configure(cfg.Playback); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("session: update config: %w", err)
	}

	c.mu.Lock()
	c.cfg = cfg.withDefaults()
	c.mu.Unlock()
	return nil
}

// ─── Event wiring ─────────────────────────────────────────────────────────────

func (c *Controller) onAudioData(ev eventbus.Event) {
	data, ok := eventbus.Payload[[]byte](ev)
	if !ok || !c.transport.IsConnected() {
		return
	}
	if err := c.transport.Send(context.Background(), data); err != nil && !errors.Is(err, transport.ErrNotConnected) {
		c.log.Warn("session: send audio", "err", err)
	}
}

func (c *Controller) onPlaybackChunk(ev eventbus.Event) {
	chunk, ok := eventbus.Payload[[]byte](ev)
	if !ok {
		return
	}
	// New agent audio supersedes both resume timers; the next completion
	// arms them again.
	c.cancelResume()
	c.setTurn(TurnAI)
	c.playback.HandleIncomingChunk(chunk)
}

func (c *Controller) onControl(ev eventbus.Event) {
	ctl, ok := eventbus.Payload[transport.Control](ev)
	if !ok {
		return
	}
	switch ctl.Type {
	case transport.ControlAudioComplete:
		c.playback.SetStreamComplete()
	case transport.ControlPauseInput:
		c.cancelResume()
		c.capture.Pause(capture.OriginServer)
		c.setTurn(TurnAI)
	case transport.ControlStartOnHold:
		c.cancelResume()
		c.capture.Pause(capture.OriginServer)
	case transport.ControlResumeInput:
		c.cancelResume()
		c.capture.Resume(capture.OriginServer)
		c.setTurn(TurnUser)
	case transport.ControlStopOnHold:
		c.cancelResume()
		c.capture.Resume(capture.OriginServer)
	case transport.ControlClearBuffer:
		c.playback.ClearBuffer()
	case transport.ControlTranscript:
		c.log.Debug("session: transcript", "text", ctl.Message())
	case transport.ControlStatus:
		c.log.Debug("session: agent status", "status", ctl.Message())
	case transport.ControlError:
		c.log.Warn("session: agent reported an error", "message", ctl.Message())
	}
}

func (c *Controller) onTransportState(ev eventbus.Event) {
	sc, ok := eventbus.Payload[transport.StateChange](ev)
	if !ok || sc.To != transport.StateDisconnected {
		return
	}
	c.mu.Lock()
	drop := c.connected && !c.closing
	c.mu.Unlock()
	if !drop {
		return
	}
	// The server closed the session or reconnection gave up.
	c.log.Info("session: transport ended, closing session", "from", sc.From)
	if err := c.Disconnect(context.Background()); err != nil {
		c.log.Warn("session: disconnect after transport loss", "err", err)
	}
}

func (c *Controller) onTransportError(ev eventbus.Event) {
	if rerr, ok := eventbus.Payload[*transport.RuntimeError](ev); ok {
		c.log.Warn("session: transport error", "code", rerr.Code, "err", rerr.Err)
	}
}

func (c *Controller) onPlaybackCompleted(eventbus.Event) {
	c.mu.Lock()
	debounce, failsafe := c.cfg.ResumeDebounce, c.cfg.ResumeFailsafe
	c.mu.Unlock()

	c.resume.Schedule(debounce, func() { c.resumeAfterPlayback("debounce") })
	c.failsafe.Schedule(failsafe, func() { c.resumeAfterPlayback("failsafe") })
}

func (c *Controller) onPlaybackError(ev eventbus.Event) {
	if perr, ok := eventbus.Payload[*playback.PlaybackError](ev); ok {
		c.log.Warn("session: playback error", "segment", perr.Segment.Seq, "err", perr.Err)
	}
}

func (c *Controller) resumeAfterPlayback(trigger string) {
	c.cancelResume()
	c.log.Debug("session: resuming microphone", "trigger", trigger)
	c.capture.Resume(capture.OriginLocal)
	c.setTurn(TurnUser)
}

func (c *Controller) cancelResume() {
	sched.Group{&c.resume, &c.failsafe}.CancelAll()
}

func (c *Controller) setTurn(t Turn) {
	c.mu.Lock()
	changed := c.turn != t
	c.turn = t
	c.mu.Unlock()
	if changed {
		c.bus.Publish(EventTurnChange, t)
	}
}

// ─── Accessors ────────────────────────────────────────────────────────────────

// On subscribes l to events of type t on the session bus.
func (c *Controller) On(t eventbus.EventType, l eventbus.Listener) (unsubscribe func()) {
	id := c.reserveSub()
	return c.track(t, id, c.bus.On(t, l))
}

// Once subscribes l to the next event of type t.
func (c *Controller) Once(t eventbus.EventType, l eventbus.Listener) (unsubscribe func()) {
	id := c.reserveSub()
	return c.track(t, id, c.bus.Once(t, func(ev eventbus.Event) {
		c.untrack(t, id)
		l(ev)
	}))
}

// OnAny subscribes l to every event.
func (c *Controller) OnAny(l eventbus.Listener) (unsubscribe func()) {
	return c.bus.OnAny(l)
}

// Off removes every listener of type t added through [Controller.On] or
// [Controller.Once]. The controller's own wiring and OnAny listeners stay.
func (c *Controller) Off(t eventbus.EventType) {
	c.subMu.Lock()
	subs := c.subs[t]
	delete(c.subs, t)
	c.subMu.Unlock()

	for _, unsub := range subs {
		unsub()
	}
}

func (c *Controller) reserveSub() uint64 {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	c.nextSub++
	return c.nextSub
}

func (c *Controller) track(t eventbus.EventType, id uint64, unsub func()) func() {
	c.subMu.Lock()
	if c.subs == nil {
		c.subs = make(map[eventbus.EventType]map[uint64]func())
	}
	if c.subs[t] == nil {
		c.subs[t] = make(map[uint64]func())
	}
	c.subs[t][id] = unsub
	c.subMu.Unlock()

	return func() {
		c.untrack(t, id)
		unsub()
	}
}

func (c *Controller) untrack(t eventbus.EventType, id uint64) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	delete(c.subs[t], id)
	if len(c.subs[t]) == 0 {
		delete(c.subs, t)
	}
}

// IsConnected reports whether a session is active.
func (c *Controller) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// SessionID returns the ID of the current or most recent session.
func (c *Controller) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Turn returns whose turn it is.
func (c *Controller) Turn() Turn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.turn
}

// ConnectionMetrics returns the socket counters.
func (c *Controller) ConnectionMetrics() transport.Metrics {
	return c.transport.Metrics()
}

// TransportState returns the socket lifecycle state.
func (c *Controller) TransportState() transport.State {
	return c.transport.State()
}

// VoiceMetrics returns the voice detector state after the latest frame.
func (c *Controller) VoiceMetrics() capture.VoiceActivityState {
	return c.capture.VoiceMetrics()
}

// PlaybackState returns the playback scheduler state.
func (c *Controller) PlaybackState() playback.State {
	return c.playback.State()
}

// AvailableDevices lists the microphones of the input driver.
func (c *Controller) AvailableDevices(ctx context.Context) ([]audio.DeviceInfo, error) {
	return c.capture.AvailableDevices(ctx)
}
