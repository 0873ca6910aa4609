package integration

import (
	"bytes"
	"fmt"
	"time"

	"hacoordinator/internal/clock"
	"hacoordinator/internal/coordinator"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Context provides dependencies to an integration instance during creation.
// A new Context is built for every entry, so nothing in it is shared state
// between instances apart from the clock and the metric instruments.
type Context struct {
	// EntryID is the unique id of the config entry being set up.
	EntryID string

	// Title is the user-facing name of the entry. Integrations use it to
	// name their coordinators.
	Title string

	// Logger is already named after the entry.
	Logger *zap.Logger

	Clock clock.Clock

	// Metrics may be nil when metrics are disabled.
	Metrics *coordinator.Metrics

	// UpdateInterval is the polling interval configured for the entry.
	// Zero leaves the choice to the integration.
	UpdateInterval time.Duration

	// Cooldown and Immediate configure the request_refresh debouncer.
	Cooldown  time.Duration
	Immediate bool

	// Options holds the integration-specific settings from the config file.
	Options map[string]any

	// Stopping reports whether the host is shutting down.
	Stopping func() bool

	// Reauth starts the re-authentication flow for this entry.
	Reauth coordinator.ReauthFunc
}

// CoordinatorOptions returns the options every coordinator created for this
// entry should get. Extra options are appended and win on conflict.
func (c *Context) CoordinatorOptions(extra ...Option) []coordinator.Option {
	opts := []coordinator.Option{
		coordinator.WithLogger(c.logger()),
		coordinator.WithMetrics(c.Metrics),
	}
	if c.Clock != nil {
		opts = append(opts, coordinator.WithClock(c.Clock))
	}
	if c.UpdateInterval > 0 {
		opts = append(opts, coordinator.WithUpdateInterval(c.UpdateInterval))
	}
	if c.Cooldown > 0 {
		opts = append(opts, coordinator.WithRequestRefreshCooldown(c.Cooldown, c.Immediate))
	}
	if c.Stopping != nil {
		opts = append(opts, coordinator.WithStopping(c.Stopping))
	}
	if c.Reauth != nil {
		opts = append(opts, coordinator.WithReauthHandler(c.Reauth))
	}
	return append(opts, extra...)
}

// Option is an alias so integrations need not import the coordinator
// package only to pass extra options.
type Option = coordinator.Option

// DecodeOptions decodes Options into out, which must be a pointer to a
// struct with yaml tags. Unknown keys are rejected as configuration errors.
func (c *Context) DecodeOptions(out any) error {
	if len(c.Options) == 0 {
		return nil
	}

	raw, err := yaml.Marshal(c.Options)
	if err != nil {
		return coordinator.ConfigError(fmt.Errorf("encoding options: %w", err))
	}

	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil {
		return coordinator.ConfigError(fmt.Errorf("invalid options for %s: %w", c.Title, err))
	}
	return nil
}

func (c *Context) logger() *zap.Logger {
	if c.Logger == nil {
		return zap.NewNop()
	}
	return c.Logger
}
