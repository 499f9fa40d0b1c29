// Package observe provides OpenTelemetry metrics, the Prometheus exporter
// setup and trace/correlation helpers for the service.
package observe

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/parlancehq/parlance"

// latencyBuckets hold the explicit histogram boundaries in seconds used for
// all duration instruments.
var latencyBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// Metrics bundles all instruments the service records on. Construct via
// NewMetrics or use DefaultMetrics for the globally registered provider.
type Metrics struct {
	// TurnDuration measures a full conversation turn from input to final
	// response, attributed by intent and error state.
	TurnDuration metric.Float64Histogram
	// LLMDuration measures a single model completion or stream.
	LLMDuration metric.Float64Histogram
	// STTDuration measures speech recognition of one utterance.
	STTDuration metric.Float64Histogram
	// TTSDuration measures speech synthesis of one response.
	TTSDuration metric.Float64Histogram
	// ToolExecutionDuration measures one tool invocation, attributed by
	// tool name and success.
	ToolExecutionDuration metric.Float64Histogram
	// HTTPRequestDuration measures inbound HTTP request handling.
	HTTPRequestDuration metric.Float64Histogram

	// Turns counts completed conversation turns by intent.
	Turns metric.Int64Counter
	// ProviderRequests counts outbound LLM provider calls.
	ProviderRequests metric.Int64Counter
	// ProviderErrors counts failed outbound LLM provider calls.
	ProviderErrors metric.Int64Counter
	// ToolCalls counts tool invocations by name and outcome.
	ToolCalls metric.Int64Counter
	// CacheEvents counts tool result cache hits and misses.
	CacheEvents metric.Int64Counter

	// ActiveSessions tracks sessions with recent activity.
	ActiveSessions metric.Int64UpDownCounter
	// ActiveStreams tracks currently running streaming turns.
	ActiveStreams metric.Int64UpDownCounter
}

// NewMetrics creates all instruments on the given meter provider.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter(meterName)
	m := &Metrics{}
	var err error

	if m.TurnDuration, err = meter.Float64Histogram(
		"parlance.turn.duration",
		metric.WithDescription("Duration of a full conversation turn"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if m.LLMDuration, err = meter.Float64Histogram(
		"parlance.llm.duration",
		metric.WithDescription("Duration of one LLM completion"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if m.STTDuration, err = meter.Float64Histogram(
		"parlance.stt.duration",
		metric.WithDescription("Duration of one speech recognition"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if m.TTSDuration, err = meter.Float64Histogram(
		"parlance.tts.duration",
		metric.WithDescription("Duration of one speech synthesis"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if m.ToolExecutionDuration, err = meter.Float64Histogram(
		"parlance.tool_execution.duration",
		metric.WithDescription("Duration of one tool invocation"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if m.HTTPRequestDuration, err = meter.Float64Histogram(
		"parlance.http.request.duration",
		metric.WithDescription("Duration of inbound HTTP requests"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if m.Turns, err = meter.Int64Counter(
		"parlance.turns",
		metric.WithDescription("Completed conversation turns"),
	); err != nil {
		return nil, err
	}
	if m.ProviderRequests, err = meter.Int64Counter(
		"parlance.provider.requests",
		metric.WithDescription("Outbound LLM provider requests"),
	); err != nil {
		return nil, err
	}
	if m.ProviderErrors, err = meter.Int64Counter(
		"parlance.provider.errors",
		metric.WithDescription("Failed outbound LLM provider requests"),
	); err != nil {
		return nil, err
	}
	if m.ToolCalls, err = meter.Int64Counter(
		"parlance.tool.calls",
		metric.WithDescription("Tool invocations"),
	); err != nil {
		return nil, err
	}
	if m.CacheEvents, err = meter.Int64Counter(
		"parlance.tool.cache_events",
		metric.WithDescription("Tool result cache hits and misses"),
	); err != nil {
		return nil, err
	}

	if m.ActiveSessions, err = meter.Int64UpDownCounter(
		"parlance.active_sessions",
		metric.WithDescription("Sessions with recent activity"),
	); err != nil {
		return nil, err
	}
	if m.ActiveStreams, err = meter.Int64UpDownCounter(
		"parlance.active_streams",
		metric.WithDescription("Currently running streaming turns"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns process-wide metrics backed by the global OTel
// meter provider. Instrument creation errors are logged and leave the
// affected instrument nil; the Record helpers tolerate that.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		m, err := NewMetrics(otel.GetMeterProvider())
		if err != nil {
			slog.Warn("could not create metrics instruments", "err", err)
			m = &Metrics{}
		}
		defaultMetrics = m
	})
	return defaultMetrics
}

// Attr builds a single string attribute option.
func Attr(key, value string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String(key, value))
}

// RecordTurn records one completed conversation turn.
func (m *Metrics) RecordTurn(ctx context.Context, d time.Duration, intent, errorState string) {
	if m == nil {
		return
	}
	opts := metric.WithAttributes(
		attribute.String("intent", intent),
		attribute.Bool("error", errorState != ""),
	)
	if m.TurnDuration != nil {
		m.TurnDuration.Record(ctx, d.Seconds(), opts)
	}
	if m.Turns != nil {
		m.Turns.Add(ctx, 1, opts)
	}
}

// RecordLLMRequest records one outbound provider call.
func (m *Metrics) RecordLLMRequest(ctx context.Context, model string, d time.Duration, err error) {
	if m == nil {
		return
	}
	opts := Attr("model", model)
	if m.LLMDuration != nil {
		m.LLMDuration.Record(ctx, d.Seconds(), opts)
	}
	if m.ProviderRequests != nil {
		m.ProviderRequests.Add(ctx, 1, opts)
	}
	if err != nil && m.ProviderErrors != nil {
		m.ProviderErrors.Add(ctx, 1, opts)
	}
}

// RecordToolExecution records one tool invocation.
func (m *Metrics) RecordToolExecution(ctx context.Context, tool string, success bool, d time.Duration) {
	if m == nil {
		return
	}
	opts := metric.WithAttributes(
		attribute.String("tool", tool),
		attribute.Bool("success", success),
	)
	if m.ToolExecutionDuration != nil {
		m.ToolExecutionDuration.Record(ctx, d.Seconds(), opts)
	}
	if m.ToolCalls != nil {
		m.ToolCalls.Add(ctx, 1, opts)
	}
}

// RecordCacheEvent records a tool cache hit or miss.
func (m *Metrics) RecordCacheEvent(ctx context.Context, tool string, hit bool) {
	if m == nil || m.CacheEvents == nil {
		return
	}
	m.CacheEvents.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tool", tool),
		attribute.Bool("hit", hit),
	))
}
