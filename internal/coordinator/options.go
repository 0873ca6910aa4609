package coordinator

import (
	"context"
	"time"

	"hacoordinator/internal/clock"

	"go.uber.org/zap"
)

// ReauthFunc asks the owner of a coordinator to start re-authentication.
type ReauthFunc func(ctx context.Context, err error)

// Option configures a Coordinator.
type Option func(*settings)

type settings struct {
	interval  time.Duration
	clock     clock.Clock
	logger    *zap.Logger
	debouncer *Debouncer
	cooldown  time.Duration
	immediate bool
	setup     SetupFunc
	reauth    ReauthFunc
	stopping  func() bool
	metrics   *Metrics
	equal     any
	jitter    time.Duration
	jitterSet bool
}

// WithUpdateInterval enables periodic refreshes while listeners are attached.
// Zero disables polling.
func WithUpdateInterval(d time.Duration) Option {
	return func(s *settings) { s.interval = d }
}

// WithClock sets the clock used for scheduling.
func WithClock(c clock.Clock) Option {
	return func(s *settings) { s.clock = c }
}

// WithLogger sets the logger. The coordinator names it after itself.
func WithLogger(logger *zap.Logger) Option {
	return func(s *settings) { s.logger = logger }
}

// WithDebouncer replaces the request_refresh debouncer. Its function is
// overwritten by the coordinator.
func WithDebouncer(d *Debouncer) Option {
	return func(s *settings) { s.debouncer = d }
}

// WithRequestRefreshCooldown configures the default debouncer.
func WithRequestRefreshCooldown(cooldown time.Duration, immediate bool) Option {
	return func(s *settings) {
		s.cooldown = cooldown
		s.immediate = immediate
	}
}

// WithSetup registers a hook that runs once before the first refresh.
func WithSetup(fn SetupFunc) Option {
	return func(s *settings) { s.setup = fn }
}

// WithReauthHandler is called once per streak of authentication failures
// seen on the scheduled path.
func WithReauthHandler(fn ReauthFunc) Option {
	return func(s *settings) { s.reauth = fn }
}

// WithStopping reports whether the host process is shutting down. Scheduled
// refreshes are skipped and not rescheduled while it returns true.
func WithStopping(fn func() bool) Option {
	return func(s *settings) { s.stopping = fn }
}

// WithMetrics records refresh outcomes on m.
func WithMetrics(m *Metrics) Option {
	return func(s *settings) { s.metrics = m }
}

// WithJitter fixes the sub-second offset added to every scheduled refresh.
func WithJitter(d time.Duration) Option {
	return func(s *settings) {
		s.jitter = d
		s.jitterSet = true
	}
}

// WithSkipUnchanged suppresses listener notification when a refresh changes
// nothing: success to success with equal data, or failure to failure. T must
// match the coordinator's data type.
func WithSkipUnchanged[T any](equal func(a, b T) bool) Option {
	return func(s *settings) { s.equal = equal }
}
