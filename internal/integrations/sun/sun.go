// Package sun provides a coordinator with the sun position and day phase
// for a configured location.
package sun

import (
	"context"
	"fmt"
	"time"

	"hacoordinator/internal/clock"
	"hacoordinator/internal/coordinator"
	"hacoordinator/pkg/integration"

	"go.uber.org/zap"
)

// Name is the integration domain used in config entries.
const Name = "sun"

// DefaultUpdateInterval is used when the entry sets no interval.
const DefaultUpdateInterval = time.Minute

// Options are the entry options of the integration.
type Options struct {
	Latitude   *float64 `yaml:"latitude"`
	Longitude  *float64 `yaml:"longitude"`
	Timezone   string   `yaml:"timezone"`
	NightStart string   `yaml:"night_start"`
}

// Integration publishes sun snapshots for one location.
type Integration struct {
	calc   *Calculator
	clock  clock.Clock
	coord  *coordinator.Coordinator[Snapshot]
	logger *zap.Logger
}

// Factory builds the integration from entry options. Missing or invalid
// coordinates are configuration errors.
func Factory(ctx *integration.Context) (integration.Integration, error) {
	return New(ctx)
}

// New builds the integration.
func New(ctx *integration.Context) (*Integration, error) {
	var opts Options
	if err := ctx.DecodeOptions(&opts); err != nil {
		return nil, err
	}

	calc, err := newCalculator(opts)
	if err != nil {
		return nil, coordinator.ConfigError(fmt.Errorf("%s: %w", ctx.Title, err))
	}

	i := &Integration{
		calc:   calc,
		clock:  ctx.Clock,
		logger: ctx.Logger,
	}
	if i.clock == nil {
		i.clock = clock.NewRealClock()
	}
	if i.logger == nil {
		i.logger = zap.NewNop()
	}

	extra := []integration.Option{
		coordinator.WithSkipUnchanged(func(a, b Snapshot) bool {
			return a.Event == b.Event && a.Phase == b.Phase && a.Date == b.Date
		}),
	}
	if ctx.UpdateInterval <= 0 {
		extra = append(extra, coordinator.WithUpdateInterval(DefaultUpdateInterval))
	}

	coord, err := coordinator.New(ctx.Title, i.fetch, ctx.CoordinatorOptions(extra...)...)
	if err != nil {
		return nil, err
	}
	i.coord = coord
	return i, nil
}

func newCalculator(opts Options) (*Calculator, error) {
	if opts.Latitude == nil || opts.Longitude == nil {
		return nil, fmt.Errorf("latitude and longitude are required")
	}

	location := time.UTC
	if opts.Timezone != "" {
		loc, err := time.LoadLocation(opts.Timezone)
		if err != nil {
			return nil, fmt.Errorf("invalid timezone: %w", err)
		}
		location = loc
	}

	nightStart := 23 * time.Hour
	if opts.NightStart != "" {
		d, err := ParseTimeOfDay(opts.NightStart)
		if err != nil {
			return nil, err
		}
		nightStart = d
	}

	return NewCalculator(*opts.Latitude, *opts.Longitude, location, nightStart)
}

func (i *Integration) fetch(context.Context) (Snapshot, error) {
	s := i.calc.Calculate(i.clock.Now())
	i.logger.Debug("Sun snapshot calculated",
		zap.String("event", string(s.Event)),
		zap.String("phase", string(s.Phase)),
		zap.Time("next_change", s.NextChange))
	return s, nil
}

// Name returns the integration domain.
func (i *Integration) Name() string { return Name }

// Coordinator returns the sun coordinator.
func (i *Integration) Coordinator() *coordinator.Coordinator[Snapshot] { return i.coord }

// Coordinators implements integration.Integration.
func (i *Integration) Coordinators() []coordinator.Managed {
	return []coordinator.Managed{i.coord}
}

// Setup calculates the first snapshot.
func (i *Integration) Setup(ctx context.Context) error {
	return i.coord.FirstRefresh(ctx)
}

// Unload is a no-op; the manager shuts the coordinator down.
func (i *Integration) Unload(context.Context) error { return nil }
