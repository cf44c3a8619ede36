// Package observe provides application-wide observability primitives for
// voxlink: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all voxlink metrics.
const meterName = "github.com/MrWong99/voxlink"

// Direction attribute values for transport instruments.
const (
	DirectionSent     = "sent"
	DirectionReceived = "received"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Capture ---

	// CaptureFrames counts microphone frames processed by the detector.
	CaptureFrames metric.Int64Counter

	// CaptureBytes counts encoded speech bytes handed to the transport. Use
	// with attribute.String("codec", ...).
	CaptureBytes metric.Int64Counter

	// VoiceActivations counts silent-to-speaking transitions.
	VoiceActivations metric.Int64Counter

	// --- Transport ---

	// TransportBytes counts socket payload bytes. Use with attribute:
	//   attribute.String("direction", "sent"|"received")
	TransportBytes metric.Int64Counter

	// TransportMessages counts socket messages. Use with attributes:
	//   attribute.String("direction", ...), attribute.String("kind", "binary"|"control")
	TransportMessages metric.Int64Counter

	// ReconnectAttempts counts scheduled reconnections.
	ReconnectAttempts metric.Int64Counter

	// ConnectDuration tracks how long the socket open handshake takes. Use
	// with attribute.String("status", "ok"|"error").
	ConnectDuration metric.Float64Histogram

	// ProtocolDropped counts incoming control messages that were dropped.
	// Use with attribute.String("reason", ...).
	ProtocolDropped metric.Int64Counter

	// --- Playback ---

	// PlaybackSegments counts played segments. Use with attribute:
	//   attribute.String("status", "ok"|"error"|"cancelled")
	PlaybackSegments metric.Int64Counter

	// PlaybackBufferWait tracks the time from the first buffered chunk of a
	// segment until it starts playing.
	PlaybackBufferWait metric.Float64Histogram

	// --- Gauges ---

	// ActiveSessions tracks the number of connected voice sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) tuned for
// voice round trips.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Capture.
	if met.CaptureFrames, err = m.Int64Counter("voxlink.capture.frames",
		metric.WithDescription("Microphone frames processed by voice-activity detection."),
	); err != nil {
		return nil, err
	}
	if met.CaptureBytes, err = m.Int64Counter("voxlink.capture.bytes",
		metric.WithDescription("Encoded speech bytes emitted by capture, by codec."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.VoiceActivations, err = m.Int64Counter("voxlink.capture.voice_activations",
		metric.WithDescription("Transitions from silence to speech."),
	); err != nil {
		return nil, err
	}

	// Transport.
	if met.TransportBytes, err = m.Int64Counter("voxlink.transport.bytes",
		metric.WithDescription("Socket payload bytes by direction."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.TransportMessages, err = m.Int64Counter("voxlink.transport.messages",
		metric.WithDescription("Socket messages by direction and kind."),
	); err != nil {
		return nil, err
	}
	if met.ReconnectAttempts, err = m.Int64Counter("voxlink.transport.reconnect_attempts",
		metric.WithDescription("Reconnections scheduled after an unexpected close."),
	); err != nil {
		return nil, err
	}
	if met.ConnectDuration, err = m.Float64Histogram("voxlink.transport.connect.duration",
		metric.WithDescription("Latency of the socket open handshake."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ProtocolDropped, err = m.Int64Counter("voxlink.transport.protocol_dropped",
		metric.WithDescription("Incoming control messages dropped as malformed or unknown."),
	); err != nil {
		return nil, err
	}

	// Playback.
	if met.PlaybackSegments, err = m.Int64Counter("voxlink.playback.segments",
		metric.WithDescription("Played audio segments by outcome."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackBufferWait, err = m.Float64Histogram("voxlink.playback.buffer_wait",
		metric.WithDescription("Time between the first buffered chunk of a segment and its playback start."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("voxlink.active_sessions",
		metric.WithDescription("Number of connected voice sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("voxlink.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordTransfer records one socket message of n bytes.
func (m *Metrics) RecordTransfer(ctx context.Context, direction, kind string, n int) {
	m.TransportMessages.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("direction", direction),
			attribute.String("kind", kind),
		),
	)
	m.TransportBytes.Add(ctx, int64(n),
		metric.WithAttributes(attribute.String("direction", direction)),
	)
}

// RecordProtocolDrop records a dropped control message.
func (m *Metrics) RecordProtocolDrop(ctx context.Context, reason string) {
	m.ProtocolDropped.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordPlaybackSegment records the outcome of one played segment.
func (m *Metrics) RecordPlaybackSegment(ctx context.Context, status string) {
	m.PlaybackSegments.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}
