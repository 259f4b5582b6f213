// Package observe provides application-wide observability primitives for
// wecall: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all wecall metrics.
const meterName = "github.com/MrWong99/wecall"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// CallSetupDuration tracks the time from Start to connected or failed,
	// including the ring delay. Use with attribute:
	//   attribute.String("outcome", "connected"|"failed"|"aborted")
	CallSetupDuration metric.Float64Histogram

	// CallDuration tracks how long calls stayed connected.
	CallDuration metric.Float64Histogram

	// --- Counters ---

	// CallsStarted counts accepted Start requests.
	CallsStarted metric.Int64Counter

	// CallsEnded counts calls reaching the ended state. Use with attribute:
	//   attribute.String("reason", "hangup"|"remote_closed"|"remote_error"|"capture_failed"|"setup_failed")
	CallsEnded metric.Int64Counter

	// SetupFailures counts failed setup attempts. Use with attribute:
	//   attribute.String("stage", ...)
	SetupFailures metric.Int64Counter

	// FramesSent counts microphone packets forwarded to the model.
	FramesSent metric.Int64Counter

	// FramesDropped counts microphone frames not forwarded. Use with attribute:
	//   attribute.String("reason", "muted"|"send_error")
	FramesDropped metric.Int64Counter

	// PlaybackBuffers counts decoded model buffers scheduled for playback.
	PlaybackBuffers metric.Int64Counter

	// Interruptions counts barge-in events that flushed playback.
	Interruptions metric.Int64Counter

	// DecodeErrors counts inbound packets dropped as malformed.
	DecodeErrors metric.Int64Counter

	// ResourceErrors counts teardown failures that were swallowed. Use with
	// attribute:
	//   attribute.String("resource", ...)
	ResourceErrors metric.Int64Counter

	// EventsDropped counts status-stream updates dropped because a
	// subscriber fell behind.
	EventsDropped metric.Int64Counter

	// --- Gauges ---

	// ActiveCalls tracks the number of connected calls (0 or 1).
	ActiveCalls metric.Int64UpDownCounter

	// EventSubscribers tracks open status-stream connections.
	EventSubscribers metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for call
// setup, which always includes the multi-second ring delay.
var latencyBuckets = []float64{
	0.1, 0.25, 0.5, 1, 2.5, 4, 5, 7.5, 10, 30,
}

// callBuckets defines histogram bucket boundaries (in seconds) for call length.
var callBuckets = []float64{
	5, 15, 30, 60, 120, 300, 600, 1800,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.CallSetupDuration, err = m.Float64Histogram("wecall.call.setup.duration",
		metric.WithDescription("Time from start to connected or failed, including the ring delay."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.CallDuration, err = m.Float64Histogram("wecall.call.duration",
		metric.WithDescription("Time calls spent connected."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(callBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&met.CallsStarted, "wecall.calls.started", "Total accepted call starts."},
		{&met.CallsEnded, "wecall.calls.ended", "Total calls ended by reason."},
		{&met.SetupFailures, "wecall.call.setup.failures", "Total failed call setups by stage."},
		{&met.FramesSent, "wecall.audio.frames.sent", "Total microphone packets sent to the model."},
		{&met.FramesDropped, "wecall.audio.frames.dropped", "Total microphone frames not sent, by reason."},
		{&met.PlaybackBuffers, "wecall.audio.playback.buffers", "Total model audio buffers scheduled."},
		{&met.Interruptions, "wecall.audio.interruptions", "Total barge-in interruptions."},
		{&met.DecodeErrors, "wecall.audio.decode.errors", "Total malformed inbound audio packets."},
		{&met.ResourceErrors, "wecall.teardown.errors", "Total swallowed teardown failures by resource."},
		{&met.EventsDropped, "wecall.events.dropped", "Total status-stream updates dropped for slow subscribers."},
	}
	for _, c := range counters {
		if *c.dst, err = m.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			return nil, err
		}
	}

	// Gauges (UpDownCounters).
	if met.ActiveCalls, err = m.Int64UpDownCounter("wecall.active_calls",
		metric.WithDescription("Number of connected calls."),
	); err != nil {
		return nil, err
	}
	if met.EventSubscribers, err = m.Int64UpDownCounter("wecall.events.subscribers",
		metric.WithDescription("Number of open status-stream connections."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("wecall.http.request.duration",
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

// RecordCallEnded records a call reaching the ended state.
func (m *Metrics) RecordCallEnded(ctx context.Context, reason string) {
	m.CallsEnded.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordSetup records the outcome and latency of one setup attempt.
func (m *Metrics) RecordSetup(ctx context.Context, outcome string, seconds float64) {
	m.CallSetupDuration.Record(ctx, seconds,
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
}

// RecordSetupFailure records a setup failure at the given stage.
func (m *Metrics) RecordSetupFailure(ctx context.Context, stage string) {
	m.SetupFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage)))
}

// RecordFrameDropped records a microphone frame that was not forwarded.
func (m *Metrics) RecordFrameDropped(ctx context.Context, reason string) {
	m.FramesDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordResourceError records a swallowed teardown failure.
func (m *Metrics) RecordResourceError(ctx context.Context, resource string) {
	m.ResourceErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("resource", resource)))
}
