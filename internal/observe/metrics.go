// Package observe wires OpenTelemetry metrics and tracing for lectern.
//
// Metrics are recorded through the OTel metrics API and exported to
// Prometheus by InitProvider. Tests build a Metrics from their own
// MeterProvider with NewMetrics so readings stay isolated.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/kalambet/lectern"

// Metrics holds the instruments recorded by the orchestration core. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	// ProviderRequests counts provider calls by provider, capability and status.
	ProviderRequests metric.Int64Counter
	// ProviderErrors counts failed provider calls by provider and capability.
	ProviderErrors metric.Int64Counter
	// ProviderDuration is the latency of a routed call, fallbacks included.
	ProviderDuration metric.Float64Histogram

	// CacheLookups counts audio cache reservations by result.
	CacheLookups metric.Int64Counter

	// PregenJobs counts scheduler job transitions by priority and status.
	PregenJobs metric.Int64Counter

	// SessionTurns counts conversation turns by intent.
	SessionTurns metric.Int64Counter
	// ActiveSessions tracks live conversation sessions.
	ActiveSessions metric.Int64UpDownCounter

	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets are sized for remote generation calls, which run from tens of
// milliseconds (cache hits) to tens of seconds (long speech synthesis).
var latencyBuckets = []float64{
	0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates all instruments from mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	met := &Metrics{}
	var err error

	if met.ProviderRequests, err = m.Int64Counter("lectern.provider.requests",
		metric.WithDescription("Provider calls by provider, capability and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("lectern.provider.errors",
		metric.WithDescription("Failed provider calls by provider and capability."),
	); err != nil {
		return nil, err
	}
	if met.ProviderDuration, err = m.Float64Histogram("lectern.provider.duration",
		metric.WithDescription("Latency of routed provider calls including fallbacks."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.CacheLookups, err = m.Int64Counter("lectern.cache.lookups",
		metric.WithDescription("Audio cache reservations by result."),
	); err != nil {
		return nil, err
	}
	if met.PregenJobs, err = m.Int64Counter("lectern.pregen.jobs",
		metric.WithDescription("Pre-generation job transitions by priority and status."),
	); err != nil {
		return nil, err
	}
	if met.SessionTurns, err = m.Int64Counter("lectern.session.turns",
		metric.WithDescription("Conversation turns by detected intent."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("lectern.active_sessions",
		metric.WithDescription("Live conversation sessions."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("lectern.http.request.duration",
		metric.WithDescription("HTTP request latency by method and route."),
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

// DefaultMetrics returns a process-wide Metrics built on the global meter
// provider. Call it after InitProvider.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: creating default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// RecordProviderRequest counts one provider call.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, capability, status string) {
	if m == nil {
		return
	}
	m.ProviderRequests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("capability", capability),
		attribute.String("status", status),
	))
}

// RecordProviderError counts one failed provider call.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, capability string) {
	if m == nil {
		return
	}
	m.ProviderErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("capability", capability),
	))
}

// RecordProviderDuration records the latency of a routed call.
func (m *Metrics) RecordProviderDuration(ctx context.Context, capability string, seconds float64) {
	if m == nil {
		return
	}
	m.ProviderDuration.Record(ctx, seconds, metric.WithAttributes(
		attribute.String("capability", capability),
	))
}

// RecordCacheLookup counts a cache reservation outcome.
func (m *Metrics) RecordCacheLookup(ctx context.Context, result string) {
	if m == nil {
		return
	}
	m.CacheLookups.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordPregenJob counts a job entering status.
func (m *Metrics) RecordPregenJob(ctx context.Context, priority, status string) {
	if m == nil {
		return
	}
	m.PregenJobs.Add(ctx, 1, metric.WithAttributes(
		attribute.String("priority", priority),
		attribute.String("status", status),
	))
}

// RecordTurn counts a completed conversation turn.
func (m *Metrics) RecordTurn(ctx context.Context, intent string) {
	if m == nil {
		return
	}
	m.SessionTurns.Add(ctx, 1, metric.WithAttributes(attribute.String("intent", intent)))
}

// AddActiveSessions adjusts the live session gauge by delta.
func (m *Metrics) AddActiveSessions(ctx context.Context, delta int64) {
	if m == nil {
		return
	}
	m.ActiveSessions.Add(ctx, delta)
}
