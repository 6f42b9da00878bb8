// Package observe provides application-wide observability primitives for
// tutorcall: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
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

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all tutorcall metrics.
const meterName = "github.com/MrWong99/tutorcall"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Capture ---

	// FramesProduced counts microphone frames cut by the capture pipeline.
	FramesProduced metric.Int64Counter

	// FramesSent counts frames accepted by the transport.
	FramesSent metric.Int64Counter

	// FramesDropped counts frames that were not transmitted. Use with attribute:
	//   attribute.String("reason", ...)
	FramesDropped metric.Int64Counter

	// --- Playback ---

	// ChunksScheduled counts inbound audio chunks placed on the timeline.
	ChunksScheduled metric.Int64Counter

	// DecodeErrors counts inbound chunks that could not be decoded.
	DecodeErrors metric.Int64Counter

	// Interruptions counts barge-in events.
	Interruptions metric.Int64Counter

	// --- Sessions ---

	// SessionConnects counts connect attempts. Use with attribute:
	//   attribute.String("outcome", ...)
	SessionConnects metric.Int64Counter

	// ActiveSessions tracks the number of connected sessions.
	ActiveSessions metric.Int64UpDownCounter

	// SetupDuration tracks the time from Connect to the transport's open
	// acknowledgement.
	SetupDuration metric.Float64Histogram

	// ProviderErrors counts transport failures. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Recording ---

	// RecordingBytes counts bytes of finalized recording artifacts.
	RecordingBytes metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for session
// setup and HTTP latencies.
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
	if met.FramesProduced, err = m.Int64Counter("tutorcall.capture.frames",
		metric.WithDescription("Microphone frames produced by the capture pipeline."),
	); err != nil {
		return nil, err
	}
	if met.FramesSent, err = m.Int64Counter("tutorcall.capture.frames_sent",
		metric.WithDescription("Microphone frames accepted by the transport."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("tutorcall.capture.frames_dropped",
		metric.WithDescription("Microphone frames not transmitted, by reason."),
	); err != nil {
		return nil, err
	}

	// Playback.
	if met.ChunksScheduled, err = m.Int64Counter("tutorcall.playback.chunks",
		metric.WithDescription("Inbound audio chunks scheduled for playback."),
	); err != nil {
		return nil, err
	}
	if met.DecodeErrors, err = m.Int64Counter("tutorcall.playback.decode_errors",
		metric.WithDescription("Inbound audio chunks dropped because they could not be decoded."),
	); err != nil {
		return nil, err
	}
	if met.Interruptions, err = m.Int64Counter("tutorcall.playback.interruptions",
		metric.WithDescription("Times the user interrupted the model."),
	); err != nil {
		return nil, err
	}

	// Sessions.
	if met.SessionConnects, err = m.Int64Counter("tutorcall.session.connects",
		metric.WithDescription("Session connect attempts by outcome."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("tutorcall.active_sessions",
		metric.WithDescription("Number of connected sessions."),
	); err != nil {
		return nil, err
	}
	if met.SetupDuration, err = m.Float64Histogram("tutorcall.session.setup.duration",
		metric.WithDescription("Latency from connect to transport ready."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("tutorcall.provider.errors",
		metric.WithDescription("Transport errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Recording.
	if met.RecordingBytes, err = m.Int64Counter("tutorcall.recording.bytes",
		metric.WithDescription("Bytes of finalized recordings."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("tutorcall.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
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

// RecordDrop records one dropped capture frame.
func (m *Metrics) RecordDrop(ctx context.Context, reason string) {
	m.FramesDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordConnect records a connect attempt outcome ("ok", "permission",
// "transport", "invalid", "cancelled").
func (m *Metrics) RecordConnect(ctx context.Context, outcome string) {
	m.SessionConnects.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordProviderError records a transport error.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}
