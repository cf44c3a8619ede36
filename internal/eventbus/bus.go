// Package eventbus is the single publish/subscribe channel between the voice
// components. Capture, transport and playback never call each other directly;
// they publish typed events here and the session controller wires reactions.
//
// Delivery is synchronous on the publisher's goroutine. Listeners for one
// event run in subscription order, so events from a single source (frames in
// capture order, chunks in arrival order) are observed in order. Publishers
// must not hold their own locks while publishing.
package eventbus

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// EventType names an event. Each component declares its own constants.
type EventType string

// Event is a single published notification.
type Event struct {
	Type    EventType
	Payload any
	Time    time.Time
}

// Listener receives events. A panicking listener is recovered and logged; it
// does not prevent delivery to the remaining listeners.
type Listener func(Event)

type subscription struct {
	id   uint64
	fn   Listener
	once bool
}

// Bus is an in-process event bus. The zero value is not usable; create one
// with [New].
type Bus struct {
	log *slog.Logger

	mu     sync.Mutex
	nextID uint64
	byType map[EventType][]subscription
	all    []subscription
}

// Option configures a [Bus].
type Option func(*Bus)

// WithLogger sets the logger used to report recovered listener panics.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) { b.log = l }
}

// New creates an empty [Bus].
func New(opts ...Option) *Bus {
	b := &Bus{
		log:    slog.Default(),
		byType: make(map[EventType][]subscription),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// On subscribes l to events of type t. The returned function removes exactly
// this subscription and may be called any number of times.
func (b *Bus) On(t EventType, l Listener) (unsubscribe func()) {
	return b.subscribe(t, l, false)
}

// Once subscribes l to the next event of type t only.
func (b *Bus) Once(t EventType, l Listener) (unsubscribe func()) {
	return b.subscribe(t, l, true)
}

// OnAny subscribes l to every event regardless of type. Wildcard listeners
// run after the typed listeners of the same event.
func (b *Bus) OnAny(l Listener) (unsubscribe func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.all = append(b.all, subscription{id: id, fn: l})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.all = without(b.all, id)
	}
}

// Off removes every listener subscribed to t.
func (b *Bus) Off(t EventType) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.byType, t)
}

// Publish delivers an event of type t carrying payload to all current
// listeners and returns after every listener has returned.
func (b *Bus) Publish(t EventType, payload any) {
	ev := Event{Type: t, Payload: payload, Time: time.Now()}

	b.mu.Lock()
	subs := b.byType[t]
	targets := make([]Listener, 0, len(subs)+len(b.all))
	kept := subs[:0:0]
	for _, s := range subs {
		targets = append(targets, s.fn)
		if !s.once {
			kept = append(kept, s)
		}
	}
	if len(kept) != len(subs) {
		if len(kept) == 0 {
			delete(b.byType, t)
		} else {
			b.byType[t] = kept
		}
	}
	for _, s := range b.all {
		targets = append(targets, s.fn)
	}
	b.mu.Unlock()

	for _, fn := range targets {
		b.deliver(fn, ev)
	}
}

// ListenerCount returns the number of typed listeners subscribed to t.
func (b *Bus) ListenerCount(t EventType) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.byType[t])
}

func (b *Bus) subscribe(t EventType, l Listener, once bool) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.byType[t] = append(b.byType[t], subscription{id: id, fn: l, once: once})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		rest := without(b.byType[t], id)
		if len(rest) == 0 {
			delete(b.byType, t)
			return
		}
		b.byType[t] = rest
	}
}

func (b *Bus) deliver(fn Listener, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("eventbus: listener panicked",
				"event", ev.Type,
				"panic", fmt.Sprint(r),
			)
		}
	}()
	fn(ev)
}

// without returns subs minus the entry with the given id. The input slice is
// never modified in place because Publish may hold a snapshot of it.
func without(subs []subscription, id uint64) []subscription {
	out := make([]subscription, 0, len(subs))
	for _, s := range subs {
		if s.id != id {
			out = append(out, s)
		}
	}
	return out
}

// Payload extracts the typed payload of ev. The boolean is false when the
// payload has a different type.
func Payload[T any](ev Event) (T, bool) {
	v, ok := ev.Payload.(T)
	return v, ok
}
