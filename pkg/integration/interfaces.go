// Package integration defines how data sources plug into the coordinator
// host. Integrations register a factory with the global registry from an
// init() function, so the set of available integrations is chosen at compile
// time by importing their packages.
package integration

import (
	"context"

	"hacoordinator/internal/coordinator"
)

// Integration is one configured instance of a data source.
type Integration interface {
	// Name returns the integration domain, e.g. "hastates".
	Name() string

	// Setup connects to the source and runs the first refresh of every
	// coordinator. Errors wrapping coordinator.ErrNotReady are retried by
	// the host, coordinator.ErrReauthRequired parks the entry until the
	// user re-authenticates, and anything else fails setup for good.
	Setup(ctx context.Context) error

	// Unload releases connections and subscriptions. The host shuts the
	// coordinators down itself afterwards.
	Unload(ctx context.Context) error

	// Coordinators lists the coordinators owned by this instance.
	Coordinators() []coordinator.Managed
}

// Factory creates a new integration instance given a context.
// Config problems should be reported wrapped in coordinator.ErrConfigError.
type Factory func(ctx *Context) (Integration, error)
