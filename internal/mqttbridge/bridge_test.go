package mqttbridge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"hacoordinator/internal/clock"
	"hacoordinator/internal/coordinator"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type doneToken struct {
	err error
}

func (t *doneToken) Wait() bool                     { return true }
func (t *doneToken) WaitTimeout(time.Duration) bool { return true }
func (t *doneToken) Error() error                   { return t.err }
func (t *doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type published struct {
	topic    string
	retained bool
	payload  string
}

type fakePublisher struct {
	mu       sync.Mutex
	messages []published
	err      error
}

func (p *fakePublisher) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	p.mu.Lock()
	defer p.mu.Unlock()

	var body string
	switch v := payload.(type) {
	case string:
		body = v
	case []byte:
		body = string(v)
	}
	p.messages = append(p.messages, published{topic: topic, retained: retained, payload: body})
	return &doneToken{err: p.err}
}

func (p *fakePublisher) on(topic string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []string
	for _, m := range p.messages {
		if m.topic == topic {
			out = append(out, m.payload)
		}
	}
	return out
}

type reading struct {
	Temp int `json:"temp"`
}

func newTestCoordinator(t *testing.T, fetch coordinator.FetchFunc[reading]) *coordinator.Coordinator[reading] {
	t.Helper()
	c, err := coordinator.New("Living Room", fetch,
		coordinator.WithClock(clock.NewMockClock(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))),
		coordinator.WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	t.Cleanup(c.Shutdown)
	return c
}

func TestTopicName(t *testing.T) {
	assert.Equal(t, "living_room", TopicName("Living Room"))
	assert.Equal(t, "a_b_c_d", TopicName("a/b+c#d"))
}

func TestBridge_PublishesStateAndAvailability(t *testing.T) {
	var fetchErr error
	temp := 21
	c := newTestCoordinator(t, func(context.Context) (reading, error) {
		return reading{Temp: temp}, fetchErr
	})
	pub := &fakePublisher{}
	b := New(pub, "hac/", 1, zaptest.NewLogger(t))

	bd, err := b.Bind(c)
	require.NoError(t, err)
	assert.Equal(t, "hac/living_room/state", bd.StateTopic())
	assert.Equal(t, "hac/living_room/availability", bd.AvailabilityTopic())

	// Nothing fetched yet; a fresh coordinator counts as healthy but has no data
	assert.Empty(t, pub.on(bd.StateTopic()))
	assert.Equal(t, []string{PayloadOnline}, pub.on(bd.AvailabilityTopic()))

	require.NoError(t, c.Refresh(context.Background()))
	assert.Equal(t, []string{`{"temp":21}`}, pub.on(bd.StateTopic()))

	fetchErr = coordinator.Transport(errors.New("unreachable"))
	require.NoError(t, c.Refresh(context.Background()))
	assert.Equal(t, []string{PayloadOnline, PayloadOffline}, pub.on(bd.AvailabilityTopic()))
	assert.Equal(t, []string{`{"temp":21}`, `{"temp":21}`}, pub.on(bd.StateTopic()), "stale data stays published")

	fetchErr = nil
	temp = 22
	require.NoError(t, c.Refresh(context.Background()))
	assert.Equal(t, []string{PayloadOnline, PayloadOffline, PayloadOnline}, pub.on(bd.AvailabilityTopic()))
	assert.Equal(t, `{"temp":22}`, pub.on(bd.StateTopic())[2])

	for _, m := range pub.messages {
		assert.True(t, m.retained, "%s is retained", m.topic)
	}
	b.Close()
}

func TestBridge_BindTwice(t *testing.T) {
	c := newTestCoordinator(t, func(context.Context) (reading, error) { return reading{}, nil })
	b := New(&fakePublisher{}, "hac", 0, zaptest.NewLogger(t))
	defer b.Close()

	_, err := b.Bind(c)
	require.NoError(t, err)
	_, err = b.Bind(c)
	assert.ErrorIs(t, err, ErrAlreadyBound)
	assert.Equal(t, []string{"Living Room"}, b.Bound())
}

func TestBridge_UnbindMarksOffline(t *testing.T) {
	c := newTestCoordinator(t, func(context.Context) (reading, error) { return reading{Temp: 1}, nil })
	pub := &fakePublisher{}
	b := New(pub, "hac", 0, zaptest.NewLogger(t))
	defer b.Close()

	bd, err := b.Bind(c)
	require.NoError(t, err)
	assert.Equal(t, 1, c.Status().Listeners, "binding keeps the coordinator polling")

	b.Unbind(c.Name())
	assert.Zero(t, c.Status().Listeners)
	assert.Equal(t, PayloadOffline, pub.on(bd.AvailabilityTopic())[1])

	require.NoError(t, c.Refresh(context.Background()))
	assert.Empty(t, pub.on(bd.StateTopic()), "unbound coordinators are not published")

	b.Unbind(c.Name())
	assert.Empty(t, b.Bound())
}

func TestBridge_Close(t *testing.T) {
	c := newTestCoordinator(t, func(context.Context) (reading, error) { return reading{}, nil })
	pub := &fakePublisher{err: errors.New("broker gone")}
	b := New(pub, "hac", 0, zaptest.NewLogger(t))

	_, err := b.Bind(c)
	require.NoError(t, err)

	b.Close()
	assert.Equal(t, []string{PayloadOffline}, pub.on(StatusTopic("hac")))
	assert.Zero(t, c.Status().Listeners)

	_, err = b.Bind(c)
	assert.ErrorIs(t, err, ErrClosed)

	b.Close()
	assert.Len(t, pub.on(StatusTopic("hac")), 1, "close is idempotent")
}

func TestConnect_RequiresURL(t *testing.T) {
	_, err := Connect(Config{Prefix: "hac"}, zaptest.NewLogger(t))
	assert.Error(t, err)
}
