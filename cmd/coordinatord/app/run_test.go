package app

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"hacoordinator/internal/clock"
	"hacoordinator/internal/coordinator"
	"hacoordinator/internal/mqttbridge"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

type doneToken struct{}

func (doneToken) Wait() bool                     { return true }
func (doneToken) WaitTimeout(time.Duration) bool { return true }
func (doneToken) Error() error                   { return nil }
func (doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type recordingPublisher struct {
	mu     sync.Mutex
	topics []string
}

func (p *recordingPublisher) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	return doneToken{}
}

func newCoordinator(t *testing.T, name string) *coordinator.Coordinator[int] {
	t.Helper()
	c, err := coordinator.New(name, func(context.Context) (int, error) { return 1, nil },
		coordinator.WithClock(clock.NewMockClock(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))),
		coordinator.WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	t.Cleanup(c.Shutdown)
	return c
}

func boundNames(b *mqttbridge.Bridge) []string {
	names := b.Bound()
	sort.Strings(names)
	return names
}

func TestBinder_Sync(t *testing.T) {
	bridge := mqttbridge.New(&recordingPublisher{}, "home", 0, zaptest.NewLogger(t))
	defer bridge.Close()
	b := newBinder(bridge, zaptest.NewLogger(t))

	sun := newCoordinator(t, "sun")
	states := newCoordinator(t, "states")

	b.sync([]coordinator.Managed{sun})
	assert.Equal(t, []string{"sun"}, boundNames(bridge))

	b.sync([]coordinator.Managed{sun, states})
	assert.Equal(t, []string{"states", "sun"}, boundNames(bridge))

	// A reloaded entry brings a new instance under the same name
	reloaded := newCoordinator(t, "sun")
	b.sync([]coordinator.Managed{reloaded, states})
	assert.Same(t, reloaded, b.bound["sun"])
	assert.Equal(t, 1, reloaded.Status().Listeners)
	assert.Equal(t, 0, sun.Status().Listeners)

	b.sync([]coordinator.Managed{states})
	assert.Equal(t, []string{"states"}, boundNames(bridge))
	assert.Equal(t, 0, reloaded.Status().Listeners)
}

func TestNewLogger(t *testing.T) {
	logger, err := newLogger("warn")
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zap.InfoLevel))
	assert.True(t, logger.Core().Enabled(zap.WarnLevel))

	_, err = newLogger("chatty")
	assert.Error(t, err)
}

func TestConfigPathFromEnv(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	assert.Equal(t, defaultConfigPath, configPathFromEnv())

	t.Setenv("CONFIG_FILE", "/etc/hacoordinator.yaml")
	assert.Equal(t, "/etc/hacoordinator.yaml", configPathFromEnv())
}

func TestVersionCommand(t *testing.T) {
	root := NewRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})

	require.NoError(t, root.Execute())
	assert.Equal(t, "coordinatord dev\n", out.String())
}

func TestRunCommandMissingConfig(t *testing.T) {
	root := NewRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"run", "--config", t.TempDir() + "/missing.yaml"})

	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config")
}
