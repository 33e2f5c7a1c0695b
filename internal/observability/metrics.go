// Package observability wires broadcaster metrics into OpenTelemetry with a
// Prometheus exporter. All recording methods are nil-safe so callers can hold
// a nil *Metrics when metrics are disabled.
package observability

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics records broadcaster activity.
type Metrics struct {
	provider *sdkmetric.MeterProvider
	registry *prometheus.Registry

	eventsBroadcast metric.Int64Counter
	eventsDropped   metric.Int64Counter
	eventsExpired   metric.Int64Counter
	cleanupRuns     metric.Int64Counter
	subscribers     metric.Int64UpDownCounter

	// Gauges are backed by atomics read through observable callbacks.
	sessionsValue atomic.Int64
	memoryValue   atomic.Int64
}

// NewMetrics builds the meter, instruments, and a dedicated Prometheus
// registry for scraping.
func NewMetrics() (*Metrics, error) {
	registry := prometheus.NewRegistry()

	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := provider.Meter("relay")

	m := &Metrics{provider: provider, registry: registry}

	if m.eventsBroadcast, err = meter.Int64Counter(
		"relay.events.broadcast.total",
		metric.WithDescription("Total events broadcast"),
		metric.WithUnit("{event}"),
	); err != nil {
		return nil, fmt.Errorf("create broadcast counter: %w", err)
	}

	if m.eventsDropped, err = meter.Int64Counter(
		"relay.events.dropped.total",
		metric.WithDescription("Frames evicted from full subscriber queues"),
		metric.WithUnit("{event}"),
	); err != nil {
		return nil, fmt.Errorf("create dropped counter: %w", err)
	}

	if m.eventsExpired, err = meter.Int64Counter(
		"relay.events.expired.total",
		metric.WithDescription("History entries removed by TTL expiry"),
		metric.WithUnit("{event}"),
	); err != nil {
		return nil, fmt.Errorf("create expired counter: %w", err)
	}

	if m.cleanupRuns, err = meter.Int64Counter(
		"relay.cleanup.runs.total",
		metric.WithDescription("Completed cleanup cycles"),
		metric.WithUnit("{run}"),
	); err != nil {
		return nil, fmt.Errorf("create cleanup counter: %w", err)
	}

	if m.subscribers, err = meter.Int64UpDownCounter(
		"relay.subscribers.active",
		metric.WithDescription("Currently connected subscribers"),
		metric.WithUnit("{subscriber}"),
	); err != nil {
		return nil, fmt.Errorf("create subscriber counter: %w", err)
	}

	sessions, err := meter.Int64ObservableGauge(
		"relay.sessions.active",
		metric.WithDescription("Sessions currently tracked by the registry"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create sessions gauge: %w", err)
	}

	memory, err := meter.Int64ObservableGauge(
		"relay.memory.estimated.bytes",
		metric.WithDescription("Estimated bytes held by history and queues"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, fmt.Errorf("create memory gauge: %w", err)
	}

	if _, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(sessions, m.sessionsValue.Load())
		o.ObserveInt64(memory, m.memoryValue.Load())
		return nil
	}, sessions, memory); err != nil {
		return nil, fmt.Errorf("register gauge callback: %w", err)
	}

	return m, nil
}

// Handler returns the HTTP handler serving the Prometheus scrape endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Shutdown flushes and stops the meter provider.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m == nil || m.provider == nil {
		return nil
	}
	return m.provider.Shutdown(ctx)
}

// RecordBroadcast counts one broadcast event.
func (m *Metrics) RecordBroadcast(ctx context.Context) {
	if m == nil {
		return
	}
	m.eventsBroadcast.Add(ctx, 1)
}

// RecordDropped counts frames evicted from full queues.
func (m *Metrics) RecordDropped(ctx context.Context, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.eventsDropped.Add(ctx, n)
}

// RecordExpired counts history entries removed by TTL expiry.
func (m *Metrics) RecordExpired(ctx context.Context, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.eventsExpired.Add(ctx, n)
}

// RecordCleanupRun counts one completed cleanup cycle.
func (m *Metrics) RecordCleanupRun(ctx context.Context) {
	if m == nil {
		return
	}
	m.cleanupRuns.Add(ctx, 1)
}

// SubscriberConnected increments the active subscriber counter.
func (m *Metrics) SubscriberConnected(ctx context.Context) {
	if m == nil {
		return
	}
	m.subscribers.Add(ctx, 1)
}

// SubscriberDisconnected decrements the active subscriber counter.
func (m *Metrics) SubscriberDisconnected(ctx context.Context) {
	if m == nil {
		return
	}
	m.subscribers.Add(ctx, -1)
}

// SetSessions updates the session gauge.
func (m *Metrics) SetSessions(n int64) {
	if m == nil {
		return
	}
	m.sessionsValue.Store(n)
}

// SetEstimatedMemory updates the memory gauge.
func (m *Metrics) SetEstimatedMemory(bytes int64) {
	if m == nil {
		return
	}
	m.memoryValue.Store(bytes)
}
