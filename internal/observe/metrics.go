// Package observe provides application-wide observability primitives for
// Trunkline: OpenTelemetry metrics, distributed tracing, structured logging,
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
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Trunkline metrics.
const meterName = "github.com/MrWong99/trunkline"

// Call direction attribute values.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Counters ---

	// CallsStarted counts media streams that reached the start event. Use
	// with attribute.String("direction", ...).
	CallsStarted metric.Int64Counter

	// CallsEnded counts finished calls. Use with attribute.String("direction", ...).
	CallsEnded metric.Int64Counter

	// MediaFrames counts audio frames forwarded across the bridge. Use with
	// attribute.String("direction", ...): "inbound" is caller → model,
	// "outbound" is model → caller.
	MediaFrames metric.Int64Counter

	// MutedDrops counts assistant audio deltas discarded by the mute bus.
	MutedDrops metric.Int64Counter

	// BargeIns counts barge-in assertions after debouncing.
	BargeIns metric.Int64Counter

	// NumberModeEntries counts entries into the digit-dictation mute window.
	NumberModeEntries metric.Int64Counter

	// AutoPressFires counts do-not-call press attempts. Use with
	// attribute.String("trigger", ...): "phrase" or "cnam".
	AutoPressFires metric.Int64Counter

	// GreetingFallbacks counts greetings forced out by the fallback timer
	// because the model never acknowledged the session update.
	GreetingFallbacks metric.Int64Counter

	// OutboundCommands counts operator chat commands. Use with attributes:
	//   attribute.String("verb", ...), attribute.String("outcome", ...)
	OutboundCommands metric.Int64Counter

	// WebhookRequests counts provider webhook deliveries. Use with
	// attribute.String("hook", ...).
	WebhookRequests metric.Int64Counter

	// --- Gauges ---

	// ActiveCalls tracks the number of live call sessions.
	ActiveCalls metric.Int64UpDownCounter

	// --- Histograms ---

	// CallDuration tracks wall-clock call length from start event to teardown.
	CallDuration metric.Float64Histogram

	// ModelConnectLatency tracks how long the model socket dial took.
	ModelConnectLatency metric.Float64Histogram

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// connection and request latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// callDurationBuckets defines histogram bucket boundaries (in seconds) for
// whole-call lengths.
var callDurationBuckets = []float64{
	5, 15, 30, 60, 120, 300, 600, 1200, 1800, 3600,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Counters.
	if met.CallsStarted, err = m.Int64Counter("trunkline.calls.started",
		metric.WithDescription("Total calls that reached the media start event, by direction."),
	); err != nil {
		return nil, err
	}
	if met.CallsEnded, err = m.Int64Counter("trunkline.calls.ended",
		metric.WithDescription("Total finished calls, by direction."),
	); err != nil {
		return nil, err
	}
	if met.MediaFrames, err = m.Int64Counter("trunkline.media.frames",
		metric.WithDescription("Total audio frames forwarded across the bridge, by direction."),
	); err != nil {
		return nil, err
	}
	if met.MutedDrops, err = m.Int64Counter("trunkline.media.muted_drops",
		metric.WithDescription("Total assistant audio deltas dropped while the mute bus was asserted."),
	); err != nil {
		return nil, err
	}
	if met.BargeIns, err = m.Int64Counter("trunkline.bargein.asserts",
		metric.WithDescription("Total debounced barge-in assertions."),
	); err != nil {
		return nil, err
	}
	if met.NumberModeEntries, err = m.Int64Counter("trunkline.numbermode.entries",
		metric.WithDescription("Total entries into the digit-dictation mute window."),
	); err != nil {
		return nil, err
	}
	if met.AutoPressFires, err = m.Int64Counter("trunkline.autopress.fires",
		metric.WithDescription("Total do-not-call press attempts, by trigger."),
	); err != nil {
		return nil, err
	}
	if met.GreetingFallbacks, err = m.Int64Counter("trunkline.greeting.fallbacks",
		metric.WithDescription("Total greetings forced out by the fallback timer."),
	); err != nil {
		return nil, err
	}
	if met.OutboundCommands, err = m.Int64Counter("trunkline.outbound.commands",
		metric.WithDescription("Total operator chat commands, by verb and outcome."),
	); err != nil {
		return nil, err
	}
	if met.WebhookRequests, err = m.Int64Counter("trunkline.webhook.requests",
		metric.WithDescription("Total provider webhook deliveries, by hook."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveCalls, err = m.Int64UpDownCounter("trunkline.active_calls",
		metric.WithDescription("Number of live call sessions."),
	); err != nil {
		return nil, err
	}

	// Histograms.
	if met.CallDuration, err = m.Float64Histogram("trunkline.call.duration",
		metric.WithDescription("Wall-clock call length from start event to teardown."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(callDurationBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ModelConnectLatency, err = m.Float64Histogram("trunkline.model.connect.duration",
		metric.WithDescription("Model websocket dial latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("trunkline.http.request.duration",
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

// RecordCallStarted records one started call with its direction.
func (m *Metrics) RecordCallStarted(ctx context.Context, direction string) {
	m.CallsStarted.Add(ctx, 1,
		metric.WithAttributes(attribute.String("direction", direction)),
	)
}

// RecordCallEnded records one finished call with its direction and duration.
func (m *Metrics) RecordCallEnded(ctx context.Context, direction string, d time.Duration) {
	attrs := metric.WithAttributes(attribute.String("direction", direction))
	m.CallsEnded.Add(ctx, 1, attrs)
	m.CallDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordMediaFrame records one forwarded audio frame with its direction.
func (m *Metrics) RecordMediaFrame(ctx context.Context, direction string) {
	m.MediaFrames.Add(ctx, 1,
		metric.WithAttributes(attribute.String("direction", direction)),
	)
}

// RecordAutoPress records one do-not-call press attempt with its trigger.
func (m *Metrics) RecordAutoPress(ctx context.Context, trigger string) {
	m.AutoPressFires.Add(ctx, 1,
		metric.WithAttributes(attribute.String("trigger", trigger)),
	)
}

// RecordOutboundCommand records one operator chat command with its verb and
// outcome.
func (m *Metrics) RecordOutboundCommand(ctx context.Context, verb, outcome string) {
	m.OutboundCommands.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("verb", verb),
			attribute.String("outcome", outcome),
		),
	)
}

// RecordWebhook records one provider webhook delivery with its hook name.
func (m *Metrics) RecordWebhook(ctx context.Context, hook string) {
	m.WebhookRequests.Add(ctx, 1,
		metric.WithAttributes(attribute.String("hook", hook)),
	)
}

// RecordModelConnect records one model socket dial latency sample.
func (m *Metrics) RecordModelConnect(ctx context.Context, d time.Duration) {
	m.ModelConnectLatency.Record(ctx, d.Seconds())
}
