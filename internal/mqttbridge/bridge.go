// Package mqttbridge publishes coordinator data to an MQTT broker as retained
// JSON, with an availability topic per coordinator.
package mqttbridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"hacoordinator/internal/coordinator"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

const (
	PayloadOnline  = "online"
	PayloadOffline = "offline"

	// DefaultPublishTimeout bounds how long a publish is awaited
	DefaultPublishTimeout = 5 * time.Second
)

var (
	ErrAlreadyBound = errors.New("coordinator already bound")
	ErrClosed       = errors.New("bridge closed")
)

// Publisher is the part of mqtt.Client the bridge uses
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// Config holds the broker connection settings
type Config struct {
	// e.g. tcp://127.0.0.1:1883
	URL      string
	ClientID string
	Username string
	Password string

	// e.g. "hacoordinator"
	Prefix string
	QoS    byte
}

// StatusTopic is where the bridge itself reports online/offline
func StatusTopic(prefix string) string {
	return prefix + "/status"
}

// Connect creates a paho client and connects it. The broker marks the
// bridge offline through the last will when the connection drops.
func Connect(cfg Config, logger *zap.Logger) (mqtt.Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("mqtt url is required")
	}
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "hacoordinator-" + cfg.Prefix
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.URL).
		SetClientID(clientID).
		SetKeepAlive(30*time.Second).
		SetPingTimeout(10*time.Second).
		SetAutoReconnect(true).
		SetOrderMatters(false).
		SetWill(StatusTopic(cfg.Prefix), PayloadOffline, cfg.QoS, true)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	opts.OnConnect = func(client mqtt.Client) {
		logger.Info("MQTT connected", zap.String("broker", cfg.URL))
		client.Publish(StatusTopic(cfg.Prefix), cfg.QoS, true, PayloadOnline).Wait()
	}
	opts.OnConnectionLost = func(client mqtt.Client, err error) {
		logger.Warn("MQTT connection lost", zap.Error(err))
	}

	c := mqtt.NewClient(opts)
	if token := c.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}
	return c, nil
}

// Bridge republishes bound coordinators.
type Bridge struct {
	pub     Publisher
	prefix  string
	qos     byte
	timeout time.Duration
	logger  *zap.Logger

	mu       sync.Mutex
	bindings map[string]*Binding
	closed   bool
	pending  sync.WaitGroup
}

// New creates a bridge publishing under prefix.
func New(pub Publisher, prefix string, qos byte, logger *zap.Logger) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bridge{
		pub:      pub,
		prefix:   strings.TrimSuffix(prefix, "/"),
		qos:      qos,
		timeout:  DefaultPublishTimeout,
		logger:   logger.Named("mqtt"),
		bindings: make(map[string]*Binding),
	}
}

// Bind attaches to c and publishes its current data right away.
func (b *Bridge) Bind(c coordinator.Managed) (*Binding, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}
	if _, ok := b.bindings[c.Name()]; ok {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyBound, c.Name())
	}

	base := b.prefix + "/" + TopicName(c.Name())
	bd := &Binding{
		bridge:            b,
		source:            c,
		stateTopic:        base + "/state",
		availabilityTopic: base + "/availability",
	}
	b.bindings[c.Name()] = bd

	bd.publish()
	bd.listener = c.AddListener(bd.publish, nil)
	return bd, nil
}

// Unbind detaches the named coordinator and marks it offline.
func (b *Bridge) Unbind(name string) {
	b.mu.Lock()
	bd, ok := b.bindings[name]
	delete(b.bindings, name)
	b.mu.Unlock()

	if ok {
		bd.close()
	}
}

// Bound returns the names of the bound coordinators.
func (b *Bridge) Bound() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	names := make([]string, 0, len(b.bindings))
	for name := range b.bindings {
		names = append(names, name)
	}
	return names
}

// Close unbinds everything, reports the bridge offline and waits for
// outstanding publishes.
func (b *Bridge) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	bindings := b.bindings
	b.bindings = make(map[string]*Binding)
	b.mu.Unlock()

	for _, bd := range bindings {
		bd.close()
	}
	b.send(StatusTopic(b.prefix), PayloadOffline)
	b.pending.Wait()
}

func (b *Bridge) send(topic string, payload any) {
	token := b.pub.Publish(topic, b.qos, true, payload)
	b.pending.Add(1)
	go func() {
		defer b.pending.Done()
		if !token.WaitTimeout(b.timeout) {
			b.logger.Warn("MQTT publish timed out", zap.String("topic", topic))
			return
		}
		if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish failed", zap.String("topic", topic), zap.Error(err))
		}
	}()
}

// Binding is one coordinator published through the bridge.
type Binding struct {
	bridge            *Bridge
	source            coordinator.Managed
	stateTopic        string
	availabilityTopic string
	listener          *coordinator.Listener

	mu               sync.Mutex
	closed           bool
	lastAvailability string
}

// StateTopic returns the topic carrying the JSON data
func (bd *Binding) StateTopic() string { return bd.stateTopic }

// AvailabilityTopic returns the topic carrying online/offline
func (bd *Binding) AvailabilityTopic() string { return bd.availabilityTopic }

func (bd *Binding) publish() {
	bd.mu.Lock()
	defer bd.mu.Unlock()
	if bd.closed {
		return
	}

	availability := PayloadOffline
	if coordinator.AvailabilityOf(bd.source) == coordinator.Fresh {
		availability = PayloadOnline
	}

	if value, ok := bd.source.Value(); ok {
		payload, err := json.Marshal(value)
		if err != nil {
			bd.bridge.logger.Error("Failed to encode coordinator data",
				zap.String("coordinator", bd.source.Name()), zap.Error(err))
		} else {
			bd.bridge.send(bd.stateTopic, payload)
		}
	}

	if availability != bd.lastAvailability {
		bd.lastAvailability = availability
		bd.bridge.send(bd.availabilityTopic, availability)
	}
}

func (bd *Binding) close() {
	bd.mu.Lock()
	if bd.closed {
		bd.mu.Unlock()
		return
	}
	bd.closed = true
	bd.mu.Unlock()

	if bd.listener != nil {
		bd.listener.Remove()
	}
	bd.bridge.send(bd.availabilityTopic, PayloadOffline)
}

// TopicName turns a coordinator name into a single topic level.
func TopicName(name string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '/', '+', '#':
			return '_'
		}
		return r
	}, strings.ToLower(name))
}
