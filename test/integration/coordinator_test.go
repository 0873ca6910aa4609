// Package integration runs the coordinator host pieces against a mock
// Home Assistant server.
package integration

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"hacoordinator/internal/api"
	"hacoordinator/internal/clock"
	"hacoordinator/internal/coordinator"
	"hacoordinator/internal/entries"
	"hacoordinator/internal/ha"
	"hacoordinator/internal/ha/hatest"
	"hacoordinator/internal/integrations/hastates"
	"hacoordinator/internal/mqttbridge"
	"hacoordinator/pkg/integration"

	_ "hacoordinator/internal/integrations/sun"

	"github.com/cenkalti/backoff/v5"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const testToken = "test_token_12345"

var start = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type env struct {
	server  *hatest.Server
	clock   *clock.MockClock
	manager *entries.Manager
}

func setup(t *testing.T) *env {
	t.Helper()

	server := hatest.NewServer(t, testToken)
	server.SetState("light.kitchen", "on", map[string]any{"brightness": float64(200)})
	server.SetState("sensor.outdoor_temperature", "18.5", map[string]any{"unit_of_measurement": "°C"})
	server.SetState("switch.garden_pump", "off", nil)

	clk := clock.NewMockClock(start)
	manager := entries.NewManager(integration.Default(),
		entries.WithClock(clk),
		entries.WithLogger(zaptest.NewLogger(t)),
		entries.WithRetryBackOff(func() backoff.BackOff {
			return backoff.NewConstantBackOff(10 * time.Second)
		}))
	t.Cleanup(func() { _ = manager.Stop(context.Background()) })

	return &env{server: server, clock: clk, manager: manager}
}

func (e *env) homeConfig(token string) entries.Config {
	return entries.Config{
		Integration: hastates.Name,
		Title:       "Home",
		Cooldown:    coordinator.DefaultRequestRefreshCooldown,
		Immediate:   true,
		Options: map[string]any{
			"url":     e.server.URL(),
			"token":   token,
			"domains": []any{"light", "sensor"},
		},
	}
}

func statesOf(t *testing.T, m *entries.Manager, name string) (hastates.States, bool) {
	t.Helper()
	for _, c := range m.Coordinators() {
		if c.Name() != name {
			continue
		}
		v, ok := c.Value()
		if !ok {
			return nil, false
		}
		states, ok := v.(hastates.States)
		return states, ok
	}
	return nil, false
}

func TestHAStates_LoadsAndFollowsEvents(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	id, err := e.manager.Add(ctx, e.homeConfig(testToken))
	require.NoError(t, err)

	entry, ok := e.manager.Get(id)
	require.True(t, ok)
	assert.Equal(t, entries.StateLoaded, entry.State)
	assert.Equal(t, 1, e.server.Connections())

	states, ok := statesOf(t, e.manager, "Home")
	require.True(t, ok)
	assert.Equal(t, []string{"light.kitchen", "sensor.outdoor_temperature"}, states.EntityIDs())
	assert.Equal(t, "on", states["light.kitchen"].State)

	t.Run("state change is pushed", func(t *testing.T) {
		e.server.SetState("light.kitchen", "off", nil)
		assert.Eventually(t, func() bool {
			states, _ := statesOf(t, e.manager, "Home")
			return states["light.kitchen"].State == "off"
		}, 2*time.Second, 10*time.Millisecond)
	})

	t.Run("filtered domains are ignored", func(t *testing.T) {
		e.server.SetState("switch.garden_pump", "on", nil)
		e.server.SetState("sensor.outdoor_temperature", "19.0", nil)
		assert.Eventually(t, func() bool {
			states, _ := statesOf(t, e.manager, "Home")
			return states["sensor.outdoor_temperature"].State == "19.0"
		}, 2*time.Second, 10*time.Millisecond)

		states, _ := statesOf(t, e.manager, "Home")
		assert.NotContains(t, states, "switch.garden_pump")
	})

	t.Run("removed entity disappears", func(t *testing.T) {
		e.server.RemoveState("light.kitchen")
		assert.Eventually(t, func() bool {
			states, _ := statesOf(t, e.manager, "Home")
			_, present := states["light.kitchen"]
			return !present
		}, 2*time.Second, 10*time.Millisecond)
	})

	t.Run("unload disconnects", func(t *testing.T) {
		require.NoError(t, e.manager.Unload(ctx, id))
		assert.Empty(t, e.manager.Coordinators())
		assert.Eventually(t, func() bool { return e.server.Connections() == 0 },
			2*time.Second, 10*time.Millisecond)
	})
}

func TestHAStates_NotReadyRetries(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	e.server.FailGetStates(&ha.Error{Code: "home_assistant_error", Message: "starting"})

	id, err := e.manager.Add(ctx, e.homeConfig(testToken))
	require.ErrorIs(t, err, coordinator.ErrNotReady)

	entry, _ := e.manager.Get(id)
	assert.Equal(t, entries.StateSetupRetry, entry.State)
	require.NotNil(t, entry.NextRetry)
	assert.Equal(t, start.Add(10*time.Second), *entry.NextRetry)
	assert.Eventually(t, func() bool { return e.server.Connections() == 0 },
		2*time.Second, 10*time.Millisecond, "a failed setup closes its connection")

	e.server.FailGetStates(nil)
	e.clock.Advance(10 * time.Second)

	entry, _ = e.manager.Get(id)
	assert.Equal(t, entries.StateLoaded, entry.State)
	assert.Equal(t, 2, e.server.GetStatesCalls())
	assert.Equal(t, 2, e.server.AuthAttempts())
}

func TestHAStates_ReauthWithNewToken(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	id, err := e.manager.Add(ctx, e.homeConfig("stale_token"))
	require.ErrorIs(t, err, coordinator.ErrReauthRequired)

	entry, _ := e.manager.Get(id)
	assert.Equal(t, entries.StateReauthRequired, entry.State)
	assert.True(t, entry.ReauthRequested)
	assert.Zero(t, e.clock.Pending(), "rejected credentials are not retried")

	require.NoError(t, e.manager.Reauth(ctx, id, map[string]any{"token": testToken}))

	entry, _ = e.manager.Get(id)
	assert.Equal(t, entries.StateLoaded, entry.State)
	assert.False(t, entry.ReauthRequested)
}

func TestSetupAll_MixedEntries(t *testing.T) {
	e := setup(t)
	lat, lon := 51.5074, -0.1278

	ids, err := e.manager.SetupAll(context.Background(), []entries.Config{
		{Integration: "sun", Title: "London", Options: map[string]any{"latitude": lat, "longitude": lon}},
		e.homeConfig(testToken),
		{Integration: "sun", Title: "Nowhere", Options: map[string]any{"latitude": 120.0, "longitude": lon}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Nowhere")
	require.Len(t, ids, 3)

	byTitle := map[string]entries.State{}
	for _, entry := range e.manager.Entries() {
		byTitle[entry.Title] = entry.State
	}
	assert.Equal(t, map[string]entries.State{
		"Home":    entries.StateLoaded,
		"London":  entries.StateLoaded,
		"Nowhere": entries.StateSetupError,
	}, byTitle)

	names := make([]string, 0, 2)
	for _, c := range e.manager.Coordinators() {
		names = append(names, c.Name())
	}
	assert.ElementsMatch(t, []string{"London", "Home"}, names)
}

func TestAPI_ServesLoadedCoordinators(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	_, err := e.manager.Add(ctx, e.homeConfig(testToken))
	require.NoError(t, err)

	srv := httptest.NewServer(api.NewServer(e.manager, zaptest.NewLogger(t), 0).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/coordinators/Home")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Name         string                     `json:"name"`
		Availability string                     `json:"availability"`
		Data         map[string]json.RawMessage `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "Home", body.Name)
	assert.Equal(t, "fresh", body.Availability)
	assert.Contains(t, body.Data, "light.kitchen")

	before := e.server.GetStatesCalls()
	refresh, err := http.Post(srv.URL+"/api/coordinators/Home/refresh", "application/json", nil)
	require.NoError(t, err)
	refresh.Body.Close()
	assert.Equal(t, http.StatusAccepted, refresh.StatusCode)
	assert.Equal(t, before+1, e.server.GetStatesCalls())

	entriesResp, err := http.Get(srv.URL + "/api/entries")
	require.NoError(t, err)
	defer entriesResp.Body.Close()

	var list []entries.Entry
	require.NoError(t, json.NewDecoder(entriesResp.Body).Decode(&list))
	require.Len(t, list, 1)
	assert.Equal(t, entries.StateLoaded, list[0].State)
}

type doneToken struct{}

func (doneToken) Wait() bool                     { return true }
func (doneToken) WaitTimeout(time.Duration) bool { return true }
func (doneToken) Error() error                   { return nil }
func (doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type memoryBroker struct {
	mu       sync.Mutex
	retained map[string]string
}

func (b *memoryBroker) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.retained == nil {
		b.retained = make(map[string]string)
	}
	switch v := payload.(type) {
	case string:
		b.retained[topic] = v
	case []byte:
		b.retained[topic] = string(v)
	}
	return doneToken{}
}

func (b *memoryBroker) get(topic string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.retained[topic]
}

func TestMQTTBridge_RepublishesPushedStates(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	_, err := e.manager.Add(ctx, e.homeConfig(testToken))
	require.NoError(t, err)

	broker := &memoryBroker{}
	bridge := mqttbridge.New(broker, "hacoordinator", 1, zaptest.NewLogger(t))

	coords := e.manager.Coordinators()
	require.Len(t, coords, 1)
	binding, err := bridge.Bind(coords[0])
	require.NoError(t, err)

	assert.Equal(t, mqttbridge.PayloadOnline, broker.get(binding.AvailabilityTopic()))
	assert.Contains(t, broker.get(binding.StateTopic()), `"light.kitchen"`)

	e.server.SetState("light.kitchen", "off", nil)
	assert.Eventually(t, func() bool {
		var states hastates.States
		if err := json.Unmarshal([]byte(broker.get(binding.StateTopic())), &states); err != nil {
			return false
		}
		return states["light.kitchen"].State == "off"
	}, 2*time.Second, 10*time.Millisecond)

	bridge.Close()
	assert.Equal(t, mqttbridge.PayloadOffline, broker.get(binding.AvailabilityTopic()))
	assert.Equal(t, mqttbridge.PayloadOffline, broker.get(mqttbridge.StatusTopic("hacoordinator")))
}
