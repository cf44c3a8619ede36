// Package transport maintains the persistent websocket between the voice
// client and the remote conversational agent.
//
// Outbound traffic is binary audio only. Inbound binary messages are agent
// audio and are published as [EventPlaybackChunk]; inbound text messages are
// JSON control envelopes published as [EventControl]. An unexpected close is
// followed by reconnection according to the configured [ReconnectPolicy];
// a caller-requested [Connection.Disconnect] or a server "close" control
// never reconnects.
//
// No keep-alive pings are sent: the agent endpoint rejects any binary frame
// that is not audio.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/voxlink/internal/eventbus"
	"github.com/MrWong99/voxlink/internal/observe"
	"github.com/MrWong99/voxlink/internal/sched"
)

// Events published by a [Connection].
const (
	// EventStateChange carries a [StateChange].
	EventStateChange eventbus.EventType = "transport.state_change"

	// EventPlaybackChunk carries one binary agent audio message ([]byte).
	EventPlaybackChunk eventbus.EventType = "transport.playback_chunk"

	// EventControl carries a recognised [Control].
	EventControl eventbus.EventType = "transport.control"

	// EventServerClose carries the server's goodbye message (string).
	EventServerClose eventbus.EventType = "transport.server_close"

	// EventError carries a *[RuntimeError].
	EventError eventbus.EventType = "transport.error"
)

// State is the lifecycle state of a [Connection].
type State string

const (
	StateDisconnected  State = "disconnected"
	StateConnecting    State = "connecting"
	StateConnected     State = "connected"
	StateDisconnecting State = "disconnecting"
	StateError         State = "error"
)

// StateChange is the payload of [EventStateChange].
type StateChange struct {
	From, To State
}

var (
	// ErrNotConnected is returned by [Connection.Send] when no socket is open.
	ErrNotConnected = errors.New("transport: not connected")

	// ErrConnectionTimeout is wrapped by a [ConnectionError] when the open
	// handshake did not finish within the connect timeout.
	ErrConnectionTimeout = errors.New("transport: connection timeout")

	// ErrConnected is returned by [Connection.Configure] while a socket is
	// open or being opened.
	ErrConnected = errors.New("transport: connection is active")

	errAborted = errors.New("disconnected while connecting")
)

// ConnectionError reports that the socket could not be opened.
type ConnectionError struct {
	URL string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("transport: connect %s: %v", e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// RuntimeError reports that an established connection was lost, or that a
// reconnection attempt failed. Code is the websocket close status, -1 when
// the connection dropped without a close frame.
type RuntimeError struct {
	Code websocket.StatusCode
	Err  error
}

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("transport: connection lost (status %d): %v", e.Code, e.Err)
}

func (e *RuntimeError) Unwrap() error { return e.Err }

// Config configures a [Connection].
type Config struct {
	// BaseURL is the ws:// or wss:// endpoint without session parameters.
	BaseURL   string
	ChatbotID string
	UserID    string

	// ConnectTimeout bounds the open handshake. Default: 10s.
	ConnectTimeout time.Duration

	Reconnect ReconnectPolicy

	// CloseGracePeriod is how long the socket stays open after the server
	// announced a close.
	CloseGracePeriod time.Duration

	// MaxMessageSize limits a single inbound message. Default: 1 MiB.
	MaxMessageSize int64
}

const (
	defaultConnectTimeout = 10 * time.Second
	defaultGracePeriod    = 3 * time.Second
	defaultMaxMessageSize = 1 << 20
)

// DefaultConfig returns a Config with every timing field set. BaseURL and
// the session identifiers are left empty.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout:   defaultConnectTimeout,
		Reconnect:        DefaultReconnectPolicy(),
		CloseGracePeriod: defaultGracePeriod,
		MaxMessageSize:   defaultMaxMessageSize,
	}
}

func (c Config) withDefaults() Config {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = defaultMaxMessageSize
	}
	return c
}

// URL returns BaseURL with chatbot_id and user_id query parameters. Query
// parameters already present in BaseURL are kept.
func (c Config) URL() (string, error) {
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return "", fmt.Errorf("transport: base url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return "", fmt.Errorf("transport: base url %q: unsupported scheme %q", c.BaseURL, u.Scheme)
	}
	q := u.Query()
	q.Set("chatbot_id", c.ChatbotID)
	q.Set("user_id", c.UserID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Metrics is a point-in-time snapshot of connection counters.
type Metrics struct {
	State             State
	BytesSent         int64
	BytesReceived     int64
	MessagesSent      int64
	MessagesReceived  int64
	ReconnectAttempts int
	ConnectedAt       time.Time
	DisconnectedAt    time.Time
	// LastCloseCode is the status of the most recent close, -1 for none.
	LastCloseCode websocket.StatusCode
}

// Connection is the client side of the agent socket. All methods are safe
// for concurrent use.
type Connection struct {
	bus        *eventbus.Bus
	log        *slog.Logger
	otel       *observe.Metrics
	httpClient *http.Client

	mu         sync.Mutex
	cfg        Config
	state      State
	conn       *websocket.Conn
	cancelRead context.CancelFunc
	// gen changes whenever the current socket is replaced or abandoned, so
	// callbacks belonging to an older socket can recognise themselves.
	gen         uint64
	intentional bool
	attempts    int
	stats       Metrics

	reconnect sched.Task
	grace     sched.Task
}

// Option configures a [Connection].
type Option func(*Connection)

// WithLogger sets the logger. Default: [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(c *Connection) { c.log = l }
}

// WithMetrics sets the metrics instance. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Connection) { c.otel = m }
}

// WithHTTPClient sets the client used for the upgrade request.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Connection) { c.httpClient = hc }
}

// New creates a disconnected Connection.
func New(bus *eventbus.Bus, cfg Config, opts ...Option) *Connection {
	c := &Connection{
		bus:   bus,
		log:   slog.Default(),
		cfg:   cfg.withDefaults(),
		state: StateDisconnected,
		stats: Metrics{State: StateDisconnected, LastCloseCode: -1},
	}
	for _, o := range opts {
		o(c)
	}
	if c.otel == nil {
		c.otel = observe.DefaultMetrics()
	}
	return c
}

type outEvent struct {
	typ     eventbus.EventType
	payload any
}

func (c *Connection) emit(evs []outEvent) {
	for _, ev := range evs {
		c.bus.Publish(ev.typ, ev.payload)
	}
}

func (c *Connection) setStateLocked(to State, out []outEvent) []outEvent {
	if c.state == to {
		return out
	}
	from := c.state
	c.state = to
	c.stats.State = to
	return append(out, outEvent{EventStateChange, StateChange{From: from, To: to}})
}

// Configure replaces the configuration. It fails with [ErrConnected] unless
// the connection is disconnected or failed.
func (c *Connection) Configure(cfg Config) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateDisconnected && c.state != StateError {
		return ErrConnected
	}
	c.cfg = cfg.withDefaults()
	return nil
}

// Connect opens the socket and returns once the handshake completed. It is a
// no-op while connected or connecting. A failed first attempt is returned as
// a *[ConnectionError] and is not retried.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateConnected || c.state == StateConnecting {
		c.mu.Unlock()
		return nil
	}
	c.intentional = false
	c.attempts = 0
	gen := c.gen
	out := c.setStateLocked(StateConnecting, nil)
	c.mu.Unlock()
	c.emit(out)

	return c.dial(ctx, gen, false)
}

func (c *Connection) dial(ctx context.Context, gen uint64, reconnect bool) error {
	c.mu.Lock()
	cfg := c.cfg
	c.mu.Unlock()

	u, err := cfg.URL()
	if err != nil {
		return c.dialFailed(gen, reconnect, &ConnectionError{URL: cfg.BaseURL, Err: err})
	}

	ctx, span := observe.StartSpan(ctx, "transport.connect",
		trace.WithAttributes(attribute.Bool("reconnect", reconnect)),
	)
	defer span.End()

	dctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	start := time.Now()
	conn, _, err := websocket.Dial(dctx, u, &websocket.DialOptions{HTTPClient: c.httpClient})
	status := "ok"
	if err != nil {
		status = "error"
	}
	c.otel.ConnectDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(observe.Attr("status", status)),
	)
	if err != nil {
		if errors.Is(dctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("%w after %s: %w", ErrConnectionTimeout, cfg.ConnectTimeout, err)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return c.dialFailed(gen, reconnect, &ConnectionError{URL: u, Err: err})
	}
	conn.SetReadLimit(cfg.MaxMessageSize)

	c.mu.Lock()
	if c.gen != gen || c.intentional {
		c.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "client disconnected")
		return &ConnectionError{URL: u, Err: errAborted}
	}
	c.gen++
	readGen := c.gen
	readCtx, cancelRead := context.WithCancel(context.Background())
	c.conn = conn
	c.cancelRead = cancelRead
	c.attempts = 0
	c.stats.ConnectedAt = time.Now()
	out := c.setStateLocked(StateConnected, nil)
	c.mu.Unlock()

	c.log.Info("transport: connected", "url", u, "reconnect", reconnect)
	c.emit(out)

	go c.readLoop(readCtx, conn, readGen)
	return nil
}

func (c *Connection) dialFailed(gen uint64, reconnect bool, cerr *ConnectionError) error {
	c.mu.Lock()
	if c.gen != gen || c.intentional {
		c.mu.Unlock()
		return cerr
	}
	var out []outEvent
	if reconnect {
		out = c.afterDropLocked(&RuntimeError{Code: -1, Err: cerr}, out)
	} else {
		out = c.setStateLocked(StateError, out)
	}
	c.mu.Unlock()

	c.log.Warn("transport: connect failed", "err", cerr, "reconnect", reconnect)
	c.emit(out)
	return cerr
}

// afterDropLocked decides what follows the loss of a socket: another
// reconnection attempt while the budget lasts, otherwise Disconnected.
func (c *Connection) afterDropLocked(rerr *RuntimeError, out []outEvent) []outEvent {
	if c.intentional {
		return c.setStateLocked(StateDisconnected, out)
	}
	if rerr != nil {
		out = append(out, outEvent{EventError, rerr})
	}

	policy := c.cfg.Reconnect
	if c.attempts >= policy.MaxAttempts {
		c.log.Warn("transport: giving up reconnecting", "attempts", c.attempts)
		return c.setStateLocked(StateDisconnected, out)
	}

	c.attempts++
	c.stats.ReconnectAttempts++
	attempt := c.attempts
	delay := policy.Backoff(attempt)
	gen := c.gen
	c.reconnect.Schedule(delay, func() { c.reconnectAttempt(gen, attempt) })
	c.otel.ReconnectAttempts.Add(context.Background(), 1)
	c.log.Info("transport: reconnect scheduled",
		"attempt", attempt,
		"max_attempts", policy.MaxAttempts,
		"delay", delay,
	)
	return c.setStateLocked(StateConnecting, out)
}

func (c *Connection) reconnectAttempt(gen uint64, attempt int) {
	c.mu.Lock()
	stale := c.gen != gen || c.intentional
	c.mu.Unlock()
	if stale {
		return
	}
	c.log.Info("transport: reconnecting", "attempt", attempt)
	_ = c.dial(context.Background(), gen, true)
}

func (c *Connection) readLoop(ctx context.Context, conn *websocket.Conn, gen uint64) {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			c.handleClose(gen, err)
			return
		}

		c.mu.Lock()
		c.stats.BytesReceived += int64(len(data))
		c.stats.MessagesReceived++
		c.mu.Unlock()

		switch typ {
		case websocket.MessageBinary:
			c.otel.RecordTransfer(ctx, observe.DirectionReceived, "binary", len(data))
			c.bus.Publish(EventPlaybackChunk, data)
		case websocket.MessageText:
			c.otel.RecordTransfer(ctx, observe.DirectionReceived, "control", len(data))
			c.handleControl(ctx, gen, data)
		}
	}
}

func (c *Connection) handleControl(ctx context.Context, gen uint64, raw []byte) {
	ctl, err := ParseControl(raw)
	if err != nil {
		reason := ReasonMalformed
		var perr *ProtocolParseError
		if errors.As(err, &perr) {
			reason = perr.Reason
		}
		c.otel.RecordProtocolDrop(ctx, reason)
		c.log.Warn("transport: dropping control message", "err", err)
		return
	}

	c.bus.Publish(EventControl, ctl)
	if ctl.Type == ControlClose {
		c.serverClose(gen, ctl.Message())
	}
}

// serverClose honours a server "close" control: the goodbye is surfaced
// immediately, the socket is closed after the grace period, and nothing
// reconnects.
func (c *Connection) serverClose(gen uint64, msg string) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	c.intentional = true
	c.reconnect.Cancel()
	grace := c.cfg.CloseGracePeriod
	c.mu.Unlock()

	c.log.Info("transport: server closed the session", "message", msg, "grace", grace)
	c.bus.Publish(EventServerClose, msg)
	c.grace.Schedule(grace, func() {
		c.closeConn(gen, websocket.StatusNormalClosure, "server requested close")
	})
}

func (c *Connection) closeConn(gen uint64, code websocket.StatusCode, reason string) {
	c.mu.Lock()
	if c.gen != gen || c.conn == nil {
		c.mu.Unlock()
		return
	}
	conn := c.conn
	out := c.setStateLocked(StateDisconnecting, nil)
	c.mu.Unlock()
	c.emit(out)

	if err := conn.Close(code, reason); err != nil {
		c.log.Debug("transport: close", "err", err)
	}
}

func (c *Connection) handleClose(gen uint64, err error) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	code := websocket.CloseStatus(err)
	c.gen++
	c.conn = nil
	if c.cancelRead != nil {
		c.cancelRead()
		c.cancelRead = nil
	}
	c.grace.Cancel()
	c.stats.DisconnectedAt = time.Now()
	c.stats.LastCloseCode = code
	intentional := c.intentional
	var rerr *RuntimeError
	if !intentional {
		rerr = &RuntimeError{Code: code, Err: err}
	}
	out := c.afterDropLocked(rerr, nil)
	c.mu.Unlock()

	if intentional {
		c.log.Info("transport: connection closed", "code", code)
	} else {
		c.log.Warn("transport: connection lost", "code", code, "err", err)
	}
	c.emit(out)
}

// Disconnect closes the socket and cancels any pending reconnection or
// grace-period close. The disconnect is marked intentional before the socket
// is touched, so the close that follows never schedules a reconnection. It
// is safe to call repeatedly.
func (c *Connection) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	c.intentional = true
	c.reconnect.Cancel()
	c.grace.Cancel()
	if c.conn == nil && c.state == StateDisconnected {
		c.mu.Unlock()
		return nil
	}
	conn := c.conn
	cancelRead := c.cancelRead
	c.conn, c.cancelRead = nil, nil
	c.gen++
	out := c.setStateLocked(StateDisconnecting, nil)
	c.mu.Unlock()
	c.emit(out)

	var err error
	if conn != nil {
		done := make(chan error, 1)
		go func() { done <- conn.Close(websocket.StatusNormalClosure, "client disconnect") }()
		select {
		case cerr := <-done:
			if cerr != nil {
				c.log.Debug("transport: close", "err", cerr)
			}
		case <-ctx.Done():
			_ = conn.CloseNow()
			err = fmt.Errorf("transport: disconnect: %w", ctx.Err())
		}
	}
	if cancelRead != nil {
		cancelRead()
	}

	c.mu.Lock()
	c.stats.DisconnectedAt = time.Now()
	c.stats.LastCloseCode = websocket.StatusNormalClosure
	out = c.setStateLocked(StateDisconnected, nil)
	c.mu.Unlock()

	c.log.Info("transport: disconnected")
	c.emit(out)
	return err
}

// Send writes one binary audio message. It returns [ErrNotConnected] unless
// the socket is open.
func (c *Connection) Send(ctx context.Context, data []byte) error {
	c.mu.Lock()
	conn := c.conn
	open := conn != nil && c.state == StateConnected
	c.mu.Unlock()
	if !open {
		return ErrNotConnected
	}

	if err := conn.Write(ctx, websocket.MessageBinary, data); err != nil {
		return fmt.Errorf("transport: send: %w", err)
	}

	c.mu.Lock()
	c.stats.BytesSent += int64(len(data))
	c.stats.MessagesSent++
	c.mu.Unlock()
	c.otel.RecordTransfer(ctx, observe.DirectionSent, "binary", len(data))
	return nil
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected reports whether the socket is open.
func (c *Connection) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateConnected && c.conn != nil
}

// Metrics returns a snapshot of the connection counters.
func (c *Connection) Metrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}
