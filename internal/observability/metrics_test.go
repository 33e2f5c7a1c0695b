package observability

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	ctx := context.Background()

	m.RecordBroadcast(ctx)
	m.RecordDropped(ctx, 3)
	m.RecordExpired(ctx, 1)
	m.RecordCleanupRun(ctx)
	m.SubscriberConnected(ctx)
	m.SubscriberDisconnected(ctx)
	m.SetSessions(5)
	m.SetEstimatedMemory(1024)

	require.NoError(t, m.Shutdown(ctx))
	require.NotNil(t, m.Handler())
}

func TestMetricsExposedViaPrometheus(t *testing.T) {
	m, err := NewMetrics()
	require.NoError(t, err)
	defer func() { _ = m.Shutdown(context.Background()) }()

	ctx := context.Background()
	m.RecordBroadcast(ctx)
	m.RecordBroadcast(ctx)
	m.RecordDropped(ctx, 5)
	m.SubscriberConnected(ctx)
	m.SetSessions(3)
	m.SetEstimatedMemory(4096)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)

	out := string(body)
	assert.True(t, strings.Contains(out, "relay_events_broadcast_total"), "missing broadcast counter: %s", out)
	assert.True(t, strings.Contains(out, "relay_events_dropped_total"), "missing dropped counter")
	assert.True(t, strings.Contains(out, "relay_subscribers_active"), "missing subscriber counter")
	assert.True(t, strings.Contains(out, "relay_sessions_active"), "missing sessions gauge")
}
