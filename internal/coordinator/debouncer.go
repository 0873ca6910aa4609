package coordinator

import (
	"context"
	"sync"
	"time"

	"hacoordinator/internal/clock"

	"go.uber.org/zap"
)

// Default request_refresh debounce settings.
const (
	DefaultRequestRefreshCooldown  = 10 * time.Second
	DefaultRequestRefreshImmediate = true
)

// Debouncer collapses bursts of calls into a bounded rate of executions of
// one function. While a cooldown window is open, any number of calls owe at
// most one execution, which runs when the window closes.
type Debouncer struct {
	name      string
	cooldown  time.Duration
	immediate bool
	clock     clock.Clock
	logger    *zap.Logger

	mu           sync.Mutex
	fn           func(ctx context.Context) error
	timer        clock.Timer
	gen          uint64
	executeAtEnd bool
	running      bool
	shutdown     bool

	// busy reports that the owner is calling out and must not be re-entered
	busy func() bool
}

// DebouncerOption configures a Debouncer.
type DebouncerOption func(*Debouncer)

// WithDebouncerClock sets the clock used for the cooldown timer.
func WithDebouncerClock(c clock.Clock) DebouncerOption {
	return func(d *Debouncer) { d.clock = c }
}

// WithDebouncerLogger sets the logger.
func WithDebouncerLogger(logger *zap.Logger) DebouncerOption {
	return func(d *Debouncer) { d.logger = logger }
}

// NewDebouncer creates a debouncer. Its function is set with SetFunction,
// usually by the coordinator that owns it.
func NewDebouncer(name string, cooldown time.Duration, immediate bool, opts ...DebouncerOption) *Debouncer {
	d := &Debouncer{
		name:      name,
		cooldown:  cooldown,
		immediate: immediate,
		clock:     clock.NewRealClock(),
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With(zap.String("debouncer", name))
	return d
}

// SetFunction replaces the wrapped function.
func (d *Debouncer) SetFunction(fn func(ctx context.Context) error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fn = fn
}

// deferWhile makes Call queue its execution for the end of a cooldown window
// instead of running inline whenever busy returns true.
func (d *Debouncer) deferWhile(busy func() bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.busy = busy
}

// Cooldown returns the length of the cooldown window.
func (d *Debouncer) Cooldown() time.Duration { return d.cooldown }

// Call requests an execution of the wrapped function. With immediate set and
// no window open, the function runs on the calling goroutine and its error is
// returned. Otherwise, or while the owner is busy, Call returns at once and
// the execution runs when the cooldown window closes.
func (d *Debouncer) Call(ctx context.Context) error {
	d.mu.Lock()

	if d.shutdown {
		d.mu.Unlock()
		d.logger.Warn("Debouncer call ignored as shutdown has been requested")
		return ErrShutdown
	}

	if d.timer != nil {
		d.executeAtEnd = true
		d.mu.Unlock()
		return nil
	}

	// An execution is in flight; owe one more once its cooldown ends
	if d.running {
		d.executeAtEnd = true
		d.mu.Unlock()
		return nil
	}

	if !d.immediate || (d.busy != nil && d.busy()) {
		d.executeAtEnd = true
		d.scheduleLocked()
		d.mu.Unlock()
		return nil
	}

	fn := d.fn
	d.running = true
	d.mu.Unlock()

	return d.execute(ctx, fn)
}

// execute runs fn and opens a new cooldown window afterwards.
func (d *Debouncer) execute(ctx context.Context, fn func(context.Context) error) error {
	var err error
	if fn != nil {
		err = fn(ctx)
	}

	d.mu.Lock()
	d.running = false
	if !d.shutdown && d.timer == nil {
		d.scheduleLocked()
	}
	d.mu.Unlock()

	return err
}

func (d *Debouncer) scheduleLocked() {
	d.gen++
	gen := d.gen
	d.timer = d.clock.AfterFunc(d.cooldown, func() { d.onTimer(gen) })
}

func (d *Debouncer) onTimer(gen uint64) {
	d.mu.Lock()
	if gen != d.gen {
		// Cancelled or replaced after the timer had already fired
		d.mu.Unlock()
		return
	}
	d.timer = nil

	if d.shutdown || !d.executeAtEnd || d.running {
		d.mu.Unlock()
		return
	}
	d.executeAtEnd = false
	fn := d.fn
	d.running = true
	d.mu.Unlock()

	if err := d.execute(context.Background(), fn); err != nil {
		d.logger.Debug("Debounced call failed", zap.Error(err))
	}
}

// Cancel abandons a pending execution without running it.
func (d *Debouncer) Cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancelLocked()
}

func (d *Debouncer) cancelLocked() {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.gen++
	d.executeAtEnd = false
}

// Shutdown cancels any pending execution and makes later calls fail with
// ErrShutdown.
func (d *Debouncer) Shutdown() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.shutdown = true
	d.cancelLocked()
}
