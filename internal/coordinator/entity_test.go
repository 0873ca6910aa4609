package coordinator

import (
	"context"
	"errors"
	"testing"
	"time"

	"hacoordinator/internal/clock"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntity_AttachDetach(t *testing.T) {
	clk := clock.NewMockClock(testStart)
	c := newTestCoordinator(t, clk, script(succeed(1)).Fetch, WithUpdateInterval(time.Minute))

	var updates counter
	e := NewEntity(c, "sensor.temp", updates.Inc)
	assert.False(t, e.Attached())
	assert.Same(t, c, e.Coordinator())

	e.Attach()
	e.Attach()
	assert.True(t, e.Attached())
	assert.Equal(t, 1, c.Status().Listeners)
	assert.Equal(t, 1, clk.Pending())

	require.NoError(t, c.Refresh(context.Background()))
	assert.Equal(t, 1, updates.Load())

	e.Detach()
	e.Detach()
	assert.False(t, e.Attached())
	assert.Equal(t, 0, c.Status().Listeners)
	assert.Equal(t, 0, clk.Pending())

	require.NoError(t, c.Refresh(context.Background()))
	assert.Equal(t, 1, updates.Load())
}

func TestEntity_Availability(t *testing.T) {
	clk := clock.NewMockClock(testStart)
	updateErr := UpdateFailed(errors.New("bad payload"))
	c := newTestCoordinator(t, clk, script(fail(updateErr), succeed(4), fail(updateErr)).Fetch)
	e := NewEntity(c, nil, nil)

	assert.Equal(t, Fresh, e.Availability(), "nothing has failed yet")

	require.NoError(t, c.Refresh(context.Background()))
	assert.False(t, e.Available())
	assert.Equal(t, Unavailable, e.Availability())

	require.NoError(t, c.Refresh(context.Background()))
	assert.True(t, e.Available())
	assert.Equal(t, Fresh, e.Availability())

	require.NoError(t, c.Refresh(context.Background()))
	assert.Equal(t, Stale, e.Availability())
	data, ok := e.Data()
	require.True(t, ok)
	assert.Equal(t, reading{Temp: 4}, data)
	assert.Equal(t, "stale", e.Availability().String())
}

func TestEntity_UpdateRequestsRefresh(t *testing.T) {
	clk := clock.NewMockClock(testStart)
	src := script(succeed(1))
	c := newTestCoordinator(t, clk, src.Fetch)
	e := NewEntity(c, nil, nil)

	require.NoError(t, e.Update(context.Background()))
	require.NoError(t, e.Update(context.Background()))
	assert.Equal(t, 1, src.Calls(), "second update lands in the cooldown window")

	clk.Advance(DefaultRequestRefreshCooldown)
	assert.Equal(t, 2, src.Calls())
}

func TestEntity_UpdateFromCallback(t *testing.T) {
	clk := clock.NewMockClock(testStart)
	src := script(succeed(1), succeed(2))
	c := newTestCoordinator(t, clk, src.Fetch)

	var e *Entity[reading]
	var updates counter
	e = NewEntity(c, nil, func() {
		if updates.Load() == 0 {
			assert.NoError(t, e.Update(context.Background()))
		}
		updates.Inc()
	})
	e.Attach()

	require.NoError(t, c.Refresh(context.Background()))
	assert.Equal(t, 1, src.Calls())

	clk.Advance(DefaultRequestRefreshCooldown)
	assert.Equal(t, 2, src.Calls())
	assert.Equal(t, 2, updates.Load())
}
