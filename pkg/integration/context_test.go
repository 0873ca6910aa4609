package integration

import (
	"context"
	"testing"
	"time"

	"hacoordinator/internal/clock"
	"hacoordinator/internal/coordinator"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContext_DecodeOptions(t *testing.T) {
	type sunOptions struct {
		Latitude  float64 `yaml:"latitude"`
		Longitude float64 `yaml:"longitude"`
	}

	t.Run("decodes known fields", func(t *testing.T) {
		ctx := &Context{Title: "Home", Options: map[string]any{"latitude": 52.1, "longitude": 4.3}}
		var opts sunOptions
		require.NoError(t, ctx.DecodeOptions(&opts))
		assert.Equal(t, sunOptions{Latitude: 52.1, Longitude: 4.3}, opts)
	})

	t.Run("empty options keep defaults", func(t *testing.T) {
		ctx := &Context{Title: "Home"}
		opts := sunOptions{Latitude: 1}
		require.NoError(t, ctx.DecodeOptions(&opts))
		assert.Equal(t, 1.0, opts.Latitude)
	})

	t.Run("unknown keys are config errors", func(t *testing.T) {
		ctx := &Context{Title: "Home", Options: map[string]any{"lattitude": 52.1}}
		var opts sunOptions
		err := ctx.DecodeOptions(&opts)
		assert.ErrorIs(t, err, coordinator.ErrConfigError)
		assert.Contains(t, err.Error(), "Home")
	})

	t.Run("wrong types are config errors", func(t *testing.T) {
		ctx := &Context{Title: "Home", Options: map[string]any{"latitude": "north"}}
		var opts sunOptions
		assert.ErrorIs(t, ctx.DecodeOptions(&opts), coordinator.ErrConfigError)
	})
}

func TestContext_CoordinatorOptions(t *testing.T) {
	clk := clock.NewMockClock(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	ictx := &Context{
		Clock:          clk,
		UpdateInterval: 30 * time.Second,
		Cooldown:       time.Second,
		Immediate:      false,
		Stopping:       func() bool { return false },
		Reauth:         func(context.Context, error) {},
	}

	c, err := coordinator.New("test", func(context.Context) (int, error) { return 1, nil },
		ictx.CoordinatorOptions(coordinator.WithJitter(0))...)
	require.NoError(t, err)
	defer c.Shutdown()

	assert.Equal(t, 30*time.Second, c.UpdateInterval())

	c.AddListener(func() {}, nil)
	next := c.Status().NextRefresh
	require.NotNil(t, next)
	assert.Equal(t, clk.Now().Add(30*time.Second), *next)

	// Non-immediate debouncer from the entry settings
	require.NoError(t, c.RequestRefresh(context.Background()))
	_, ok := c.Data()
	assert.False(t, ok)
	clk.Advance(time.Second)
	_, ok = c.Data()
	assert.True(t, ok)
}
