package telemetry

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"hacoordinator/internal/coordinator"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap/zaptest"
)

func scrape(t *testing.T, h http.Handler) (int, string) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, err := io.ReadAll(rec.Result().Body)
	require.NoError(t, err)
	return rec.Code, string(body)
}

func TestNew_Disabled(t *testing.T) {
	tel, err := New(context.Background(), WithEnabled(false), WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)

	assert.Nil(t, tel.Metrics())
	assert.IsType(t, noop.MeterProvider{}, tel.MeterProvider())

	code, _ := scrape(t, tel.Handler())
	assert.Equal(t, http.StatusNotFound, code)
	assert.NoError(t, tel.Shutdown(context.Background()))
}

func TestNew_ExportsCoordinatorMetrics(t *testing.T) {
	ctx := context.Background()
	tel, err := New(ctx, WithServiceVersion("test"), WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	defer func() { _ = tel.Shutdown(ctx) }()

	metrics := tel.Metrics()
	require.NotNil(t, metrics)
	metrics.RecordRefresh(ctx, "weather", coordinator.KindNone, 200*time.Millisecond)
	metrics.RecordRefresh(ctx, "weather", coordinator.KindTimeout, time.Second)
	metrics.AddListeners(ctx, "weather", 2)

	code, body := scrape(t, tel.Handler())
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "coordinator_refreshes_total")
	assert.Contains(t, body, `outcome="success"`)
	assert.Contains(t, body, `outcome="timeout"`)
	assert.Contains(t, body, `coordinator="weather"`)
	assert.Contains(t, body, "coordinator_refresh_duration_seconds_bucket")
	assert.Contains(t, body, "coordinator_listeners")
	assert.NotContains(t, body, "go_goroutines", "runtime metrics are opt-in")
}

func TestNew_RuntimeMetrics(t *testing.T) {
	ctx := context.Background()
	tel, err := New(ctx, WithRuntimeMetrics(true))
	require.NoError(t, err)
	defer func() { _ = tel.Shutdown(ctx) }()

	_, body := scrape(t, tel.Handler())
	assert.Contains(t, body, "go_goroutines")
}

func TestTelemetry_ShutdownTwice(t *testing.T) {
	ctx := context.Background()
	tel, err := New(ctx)
	require.NoError(t, err)

	require.NoError(t, tel.Shutdown(ctx))
	assert.NoError(t, tel.Shutdown(ctx))
}
