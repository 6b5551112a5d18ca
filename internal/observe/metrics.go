// Package observe provides application-wide observability primitives for
// vistalk: OpenTelemetry metrics, distributed tracing, trace-aware logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and scraped from
// /metrics through the Prometheus exporter installed by [InitProvider]. A
// package-level default [Metrics] instance ([DefaultMetrics]) is provided for
// convenience; tests should use [NewMetrics] with their own
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all vistalk metrics.
const meterName = "github.com/MrWong99/vistalk"

// Direction attribute values for [Metrics.AudioChunks].
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// The underlying OTel types are safe for concurrent use.
type Metrics struct {
	// --- Latency histograms ---

	// SessionDuration tracks the lifetime of relay sessions.
	SessionDuration metric.Float64Histogram

	// BackendConnectDuration tracks live backend handshake latency.
	BackendConnectDuration metric.Float64Histogram

	// LLMDuration tracks summary completion latency.
	LLMDuration metric.Float64Histogram

	// --- Relay counters ---

	// AudioChunks counts audio payloads. Attributes:
	//   attribute.String("direction", ...), attribute.String("outcome", ...)
	AudioChunks metric.Int64Counter

	// VideoFrames counts camera frames by outcome (stored, overwritten,
	// forwarded, failed).
	VideoFrames metric.Int64Counter

	// TextFragments counts backend output-text fragments by outcome
	// (admitted, rejected).
	TextFragments metric.Int64Counter

	// Utterances counts flushed user utterances by trigger (idle, end_of_turn,
	// teardown).
	Utterances metric.Int64Counter

	// Turns counts completed model turns.
	Turns metric.Int64Counter

	// SendTimeouts counts client writes dropped after the send deadline.
	SendTimeouts metric.Int64Counter

	// SessionEnds counts finished sessions by fault kind.
	SessionEnds metric.Int64Counter

	// HistoryErrors counts swallowed message-log failures by operation.
	HistoryErrors metric.Int64Counter

	// ProviderRequests counts provider calls. Attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of open relay sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries in seconds.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// sessionBuckets covers sessions from a few seconds up to the backend's
// session time limit.
var sessionBuckets = []float64{
	1, 5, 15, 30, 60, 120, 300, 600, 900,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.SessionDuration, err = m.Float64Histogram("vistalk.session.duration",
		metric.WithDescription("Lifetime of relay sessions."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(sessionBuckets...),
	); err != nil {
		return nil, err
	}
	if met.BackendConnectDuration, err = m.Float64Histogram("vistalk.backend.connect.duration",
		metric.WithDescription("Latency of the live backend handshake."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMDuration, err = m.Float64Histogram("vistalk.llm.duration",
		metric.WithDescription("Latency of summary completions."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.AudioChunks, err = m.Int64Counter("vistalk.relay.audio_chunks",
		metric.WithDescription("Audio payloads by direction and outcome."),
	); err != nil {
		return nil, err
	}
	if met.VideoFrames, err = m.Int64Counter("vistalk.relay.video_frames",
		metric.WithDescription("Camera frames by outcome."),
	); err != nil {
		return nil, err
	}
	if met.TextFragments, err = m.Int64Counter("vistalk.relay.text_fragments",
		metric.WithDescription("Backend output-text fragments by filter outcome."),
	); err != nil {
		return nil, err
	}
	if met.Utterances, err = m.Int64Counter("vistalk.relay.utterances",
		metric.WithDescription("Flushed user utterances by trigger."),
	); err != nil {
		return nil, err
	}
	if met.Turns, err = m.Int64Counter("vistalk.relay.turns",
		metric.WithDescription("Completed model turns."),
	); err != nil {
		return nil, err
	}
	if met.SendTimeouts, err = m.Int64Counter("vistalk.relay.send_timeouts",
		metric.WithDescription("Client writes dropped after the send deadline."),
	); err != nil {
		return nil, err
	}
	if met.SessionEnds, err = m.Int64Counter("vistalk.session.ends",
		metric.WithDescription("Finished sessions by fault kind."),
	); err != nil {
		return nil, err
	}
	if met.HistoryErrors, err = m.Int64Counter("vistalk.history.errors",
		metric.WithDescription("Swallowed message log failures by operation."),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("vistalk.provider.requests",
		metric.WithDescription("Provider requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}

	if met.ActiveSessions, err = m.Int64UpDownCounter("vistalk.active_sessions",
		metric.WithDescription("Number of open relay sessions."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("vistalk.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails, which does not happen with the global provider.
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

// Attr is a convenience alias for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordAudio counts one audio payload.
func (m *Metrics) RecordAudio(ctx context.Context, direction, outcome string) {
	m.AudioChunks.Add(ctx, 1, metric.WithAttributes(
		attribute.String("direction", direction),
		attribute.String("outcome", outcome),
	))
}

// RecordVideoFrame counts one camera frame outcome.
func (m *Metrics) RecordVideoFrame(ctx context.Context, outcome string) {
	m.VideoFrames.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordTextFragment counts one backend text fragment.
func (m *Metrics) RecordTextFragment(ctx context.Context, admitted bool) {
	outcome := "rejected"
	if admitted {
		outcome = "admitted"
	}
	m.TextFragments.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordUtterance counts one flushed user utterance.
func (m *Metrics) RecordUtterance(ctx context.Context, trigger string) {
	m.Utterances.Add(ctx, 1, metric.WithAttributes(attribute.String("trigger", trigger)))
}

// RecordSessionEnd counts a finished session and its lifetime in seconds.
func (m *Metrics) RecordSessionEnd(ctx context.Context, kind string, seconds float64) {
	m.SessionEnds.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
	m.SessionDuration.Record(ctx, seconds)
}

// RecordHistoryError counts one swallowed message log failure.
func (m *Metrics) RecordHistoryError(ctx context.Context, op string) {
	m.HistoryErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
}

// RecordProviderRequest records a provider request with the standard
// attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}
