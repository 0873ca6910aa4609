package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"hacoordinator/internal/clock"
	"hacoordinator/internal/coordinator"
	"hacoordinator/internal/entries"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeSource struct {
	coords   []coordinator.Managed
	entries  []entries.Entry
	stopping bool
}

func (f *fakeSource) Coordinators() []coordinator.Managed { return f.coords }
func (f *fakeSource) Entries() []entries.Entry            { return f.entries }
func (f *fakeSource) Stopping() bool                      { return f.stopping }

type reading struct {
	Temp int `json:"temp"`
}

func newTestServer(t *testing.T, opts ...ServerOption) (*Server, *fakeSource, *coordinator.Coordinator[reading], *atomic.Int32) {
	t.Helper()

	var fetches atomic.Int32
	c, err := coordinator.New("weather", func(context.Context) (reading, error) {
		fetches.Add(1)
		return reading{Temp: 20}, nil
	},
		coordinator.WithClock(clock.NewMockClock(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))),
		coordinator.WithLogger(zaptest.NewLogger(t)),
		coordinator.WithUpdateInterval(time.Minute))
	require.NoError(t, err)
	t.Cleanup(c.Shutdown)

	src := &fakeSource{
		coords:  []coordinator.Managed{c},
		entries: []entries.Entry{{ID: "e1", Integration: "fake", Title: "weather", State: entries.StateLoaded}},
	}
	return NewServer(src, zaptest.NewLogger(t), 8080, opts...), src, c, &fetches
}

func serve(s *Server, method, path string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestHandleHealth(t *testing.T) {
	server, src, _, _ := newTestServer(t)

	w := serve(server, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var response map[string]string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	assert.Equal(t, "ok", response["status"])

	src.stopping = true
	w = serve(server, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHandleHealthMethodNotAllowed(t *testing.T) {
	server, _, _, _ := newTestServer(t)

	w := serve(server, http.MethodPost, "/health", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestHandleListCoordinators(t *testing.T) {
	server, _, c, _ := newTestServer(t)
	require.NoError(t, c.Refresh(context.Background()))

	w := serve(server, http.MethodGet, "/api/coordinators", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var statuses []coordinator.Status
	require.NoError(t, json.NewDecoder(w.Body).Decode(&statuses))
	require.Len(t, statuses, 1)
	assert.Equal(t, "weather", statuses[0].Name)
	assert.True(t, statuses[0].HasData)
	assert.Equal(t, "1m0s", statuses[0].UpdateInterval)
}

func TestHandleGetCoordinator(t *testing.T) {
	server, _, c, _ := newTestServer(t)

	w := serve(server, http.MethodGet, "/api/coordinators/weather", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var before map[string]any
	require.NoError(t, json.NewDecoder(w.Body).Decode(&before))
	assert.Equal(t, "weather", before["name"])
	assert.NotContains(t, before, "data")

	require.NoError(t, c.Refresh(context.Background()))
	w = serve(server, http.MethodGet, "/api/coordinators/weather", nil)

	var after map[string]any
	require.NoError(t, json.NewDecoder(w.Body).Decode(&after))
	assert.Equal(t, "fresh", after["availability"])
	assert.Equal(t, map[string]any{"temp": float64(20)}, after["data"])

	w = serve(server, http.MethodGet, "/api/coordinators/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleRefresh(t *testing.T) {
	server, _, c, fetches := newTestServer(t)

	w := serve(server, http.MethodPost, "/api/coordinators/weather/refresh", nil)
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, int32(1), fetches.Load(), "the default debouncer runs the first request immediately")

	w = serve(server, http.MethodPost, "/api/coordinators/missing/refresh", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = serve(server, http.MethodGet, "/api/coordinators/weather/refresh", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)

	c.Shutdown()
	w = serve(server, http.MethodPost, "/api/coordinators/weather/refresh", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestHandleRefreshIgnoresClientDisconnect(t *testing.T) {
	c, err := coordinator.New("weather", func(ctx context.Context) (reading, error) {
		if err := ctx.Err(); err != nil {
			return reading{}, err
		}
		return reading{Temp: 21}, nil
	},
		coordinator.WithClock(clock.NewMockClock(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))),
		coordinator.WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	t.Cleanup(c.Shutdown)
	server := NewServer(&fakeSource{coords: []coordinator.Managed{c}}, zaptest.NewLogger(t), 8080)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, "/api/coordinators/weather/refresh", nil).WithContext(ctx)
	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusAccepted, w.Code)

	var status coordinator.Status
	require.NoError(t, json.NewDecoder(w.Body).Decode(&status))
	assert.True(t, status.HasData)
	data, ok := c.Data()
	require.True(t, ok)
	assert.Equal(t, reading{Temp: 21}, data)
}

func TestHandleListEntries(t *testing.T) {
	server, _, _, _ := newTestServer(t)

	w := serve(server, http.MethodGet, "/api/entries", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var got []entries.Entry
	require.NoError(t, json.NewDecoder(w.Body).Decode(&got))
	require.Len(t, got, 1)
	assert.Equal(t, entries.StateLoaded, got[0].State)
}

func TestHandleMetrics(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("coordinator_refreshes_total 1\n"))
	})

	server, _, _, _ := newTestServer(t, WithMetricsHandler(metrics))
	w := serve(server, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "coordinator_refreshes_total")

	plain, _, _, _ := newTestServer(t)
	w = serve(plain, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleSitemap(t *testing.T) {
	server, _, _, _ := newTestServer(t)

	tests := []struct {
		name        string
		accept      string
		contentType string
		contains    string
	}{
		{"plain text", "", "text/plain; charset=utf-8", "/api/coordinators/{name}/refresh"},
		{"html", "text/html,application/xhtml+xml", "text/html; charset=utf-8", "<h1>Coordinator API</h1>"},
		{"json", "application/json", "application/json", `"path":"/api/entries"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := serve(server, http.MethodGet, "/", map[string]string{"Accept": tt.accept})
			assert.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, tt.contentType, w.Header().Get("Content-Type"))
			assert.Contains(t, w.Body.String(), tt.contains)
		})
	}
}

func TestHandleRecoversPanics(t *testing.T) {
	server, src, _, _ := newTestServer(t)
	src.coords = []coordinator.Managed{panicky{}}

	w := serve(server, http.MethodGet, "/api/coordinators", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

// panicky is a Managed whose Status panics
type panicky struct{ coordinator.Managed }

func (panicky) Status() coordinator.Status { panic(errors.New("status exploded")) }
