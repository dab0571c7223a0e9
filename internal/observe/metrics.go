// Package observe provides application-wide observability primitives for
// Voxwire: OpenTelemetry metrics, tracing, structured logging helpers, and
// HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Voxwire metrics.
const meterName = "github.com/voxwire/voxwire"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Audio pipeline ---

	// FramesCaptured counts microphone frames delivered by the capture stage.
	FramesCaptured metric.Int64Counter

	// AudioLevel tracks the RMS loudness of captured frames, in the unit range.
	AudioLevel metric.Float64Histogram

	// ChunksScheduled counts model audio chunks handed to the playback
	// scheduler.
	ChunksScheduled metric.Int64Counter

	// PlaybackInterrupts counts barge-in interruptions that flushed scheduled
	// playback.
	PlaybackInterrupts metric.Int64Counter

	// TransmitDrops counts outbound audio chunks dropped because the transmit
	// queue was full.
	TransmitDrops metric.Int64Counter

	// --- Conversation ---

	// TranscriptItems counts finalized transcript items. Use with attribute:
	//   attribute.String("sender", ...)
	TranscriptItems metric.Int64Counter

	// --- Session lifecycle ---

	// ActiveSessions tracks the number of live call sessions.
	ActiveSessions metric.Int64UpDownCounter

	// TerminalEvents counts session endings. Use with attribute:
	//   attribute.String("kind", "closed"|"errored")
	TerminalEvents metric.Int64Counter

	// SessionDuration tracks how long sessions stayed open.
	SessionDuration metric.Float64Histogram

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// levelBuckets defines histogram bucket boundaries for RMS audio levels.
var levelBuckets = []float64{
	0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.2, 0.4, 0.7, 1,
}

// durationBuckets defines histogram bucket boundaries (in seconds) for
// session lifetimes.
var durationBuckets = []float64{
	1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Audio pipeline.
	if met.FramesCaptured, err = m.Int64Counter("voxwire.capture.frames",
		metric.WithDescription("Total microphone frames delivered by the capture stage."),
	); err != nil {
		return nil, err
	}
	if met.AudioLevel, err = m.Float64Histogram("voxwire.capture.level",
		metric.WithDescription("RMS loudness of captured frames."),
		metric.WithExplicitBucketBoundaries(levelBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ChunksScheduled, err = m.Int64Counter("voxwire.playback.chunks",
		metric.WithDescription("Total model audio chunks handed to the playback scheduler."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackInterrupts, err = m.Int64Counter("voxwire.playback.interrupts",
		metric.WithDescription("Total barge-in interruptions that flushed scheduled playback."),
	); err != nil {
		return nil, err
	}
	if met.TransmitDrops, err = m.Int64Counter("voxwire.transmit.drops",
		metric.WithDescription("Total outbound audio chunks dropped by the full transmit queue."),
	); err != nil {
		return nil, err
	}

	// Conversation.
	if met.TranscriptItems, err = m.Int64Counter("voxwire.transcript.items",
		metric.WithDescription("Total finalized transcript items by sender."),
	); err != nil {
		return nil, err
	}

	// Session lifecycle.
	if met.ActiveSessions, err = m.Int64UpDownCounter("voxwire.active_sessions",
		metric.WithDescription("Number of live call sessions."),
	); err != nil {
		return nil, err
	}
	if met.TerminalEvents, err = m.Int64Counter("voxwire.session.terminal_events",
		metric.WithDescription("Total session endings by kind."),
	); err != nil {
		return nil, err
	}
	if met.SessionDuration, err = m.Float64Histogram("voxwire.session.duration",
		metric.WithDescription("Session lifetime from open to terminal event."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(durationBuckets...),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("voxwire.http.request.duration",
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

// RecordTranscriptItem records one finalized transcript item for sender.
func (m *Metrics) RecordTranscriptItem(ctx context.Context, sender string) {
	m.TranscriptItems.Add(ctx, 1,
		metric.WithAttributes(attribute.String("sender", sender)),
	)
}

// RecordTerminalEvent records a session ending of the given kind together
// with the session's lifetime.
func (m *Metrics) RecordTerminalEvent(ctx context.Context, kind string, lifetime time.Duration) {
	m.TerminalEvents.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
	m.SessionDuration.Record(ctx, lifetime.Seconds())
}
