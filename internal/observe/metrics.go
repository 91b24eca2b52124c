// Package observe provides application-wide observability primitives for
// Voxtail: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all Voxtail metrics.
const meterName = "github.com/voxtail/voxtail"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// TranscribeDuration tracks transcription backend latency. Use with:
	//   attribute.String("backend", ...)
	TranscribeDuration metric.Float64Histogram

	// WindowDuration tracks end-to-end streaming window processing time,
	// from window launch to transcript emission.
	WindowDuration metric.Float64Histogram

	// DiarizeDuration tracks diarization latency for batch identification.
	DiarizeDuration metric.Float64Histogram

	// --- Counters ---

	// BackendRequests counts transcription backend calls. Use with:
	//   attribute.String("backend", ...), attribute.String("status", ...)
	BackendRequests metric.Int64Counter

	// TranscriptUpdates counts transcript updates emitted to streaming
	// clients, including empty failure updates.
	TranscriptUpdates metric.Int64Counter

	// ChunksDropped counts audio chunks discarded by the session buffer cap.
	ChunksDropped metric.Int64Counter

	// --- Error counters ---

	// StoreAppendFailures counts failed transcript persistence attempts.
	StoreAppendFailures metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live streaming sessions.
	ActiveSessions metric.Int64UpDownCounter

	// InFlightWindows tracks the number of window tasks currently being
	// processed across all sessions.
	InFlightWindows metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.TranscribeDuration, err = m.Float64Histogram("voxtail.transcribe.duration",
		metric.WithDescription("Latency of transcription backend calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.WindowDuration, err = m.Float64Histogram("voxtail.window.duration",
		metric.WithDescription("End-to-end streaming window processing time."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.DiarizeDuration, err = m.Float64Histogram("voxtail.diarize.duration",
		metric.WithDescription("Latency of speaker diarization."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.BackendRequests, err = m.Int64Counter("voxtail.backend.requests",
		metric.WithDescription("Total transcription backend calls by backend and status."),
	); err != nil {
		return nil, err
	}
	if met.TranscriptUpdates, err = m.Int64Counter("voxtail.transcript.updates",
		metric.WithDescription("Total transcript updates emitted to streaming clients."),
	); err != nil {
		return nil, err
	}
	if met.ChunksDropped, err = m.Int64Counter("voxtail.chunks.dropped",
		metric.WithDescription("Total audio chunks discarded by the session buffer cap."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.StoreAppendFailures, err = m.Int64Counter("voxtail.store.append_failures",
		metric.WithDescription("Total failed transcript persistence attempts."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("voxtail.active_sessions",
		metric.WithDescription("Number of live streaming sessions."),
	); err != nil {
		return nil, err
	}
	if met.InFlightWindows, err = m.Int64UpDownCounter("voxtail.inflight_windows",
		metric.WithDescription("Number of window tasks currently being processed."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("voxtail.http.request.duration",
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

// RecordBackendRequest records a transcription backend call with the
// standard attribute set.
func (m *Metrics) RecordBackendRequest(ctx context.Context, backend, status string) {
	m.BackendRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("backend", backend),
			attribute.String("status", status),
		),
	)
}

// RecordTranscriptUpdate records an emitted transcript update.
func (m *Metrics) RecordTranscriptUpdate(ctx context.Context, status string) {
	m.TranscriptUpdates.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordChunkDrop records chunks discarded by the buffer cap.
func (m *Metrics) RecordChunkDrop(ctx context.Context, n int64) {
	m.ChunksDropped.Add(ctx, n)
}

// RecordStoreAppendFailure records a failed transcript persistence attempt.
func (m *Metrics) RecordStoreAppendFailure(ctx context.Context) {
	m.StoreAppendFailures.Add(ctx, 1)
}
