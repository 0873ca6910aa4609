package coordinator

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"math/rand/v2"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"hacoordinator/internal/clock"

	"go.uber.org/zap"
)

// FetchFunc retrieves fresh data. It enforces its own timeout and reports
// failures with the markers in errors.go.
type FetchFunc[T any] func(ctx context.Context) (T, error)

// SetupFunc prepares a data source before its first fetch.
type SetupFunc func(ctx context.Context) error

// Managed is the data-type independent view of a coordinator used by hosts.
type Managed interface {
	Name() string
	Status() Status
	FirstRefresh(ctx context.Context) error
	RequestRefresh(ctx context.Context) error
	Shutdown()

	LastUpdateSuccess() bool
	Value() (any, bool)
	AddListener(callback func(), context any) *Listener
	RemoveListener(l *Listener)
}

// Status is a point-in-time snapshot of a coordinator
type Status struct {
	Name              string     `json:"name"`
	LastUpdateSuccess bool       `json:"last_update_success"`
	HasData           bool       `json:"has_data"`
	LastError         string     `json:"last_error,omitempty"`
	LastErrorKind     string     `json:"last_error_kind,omitempty"`
	Listeners         int        `json:"listeners"`
	UpdateInterval    string     `json:"update_interval,omitempty"`
	LastSuccessAt     *time.Time `json:"last_success_at,omitempty"`
	NextRefresh       *time.Time `json:"next_refresh,omitempty"`
}

type refreshRequest struct {
	logFailures bool
	scheduled   bool
	propagate   Propagation
}

// Coordinator owns one fetch function, decides when it runs, and tells its
// listeners after every run.
//
// Lock order: fetchMu, notifyMu, listener registry, mu. Listener callbacks and
// the reauth handler run while fetchMu and notifyMu are held. RequestRefresh
// from inside them is queued for the end of the cooldown window; Refresh,
// SetUpdatedData and Shutdown must not be called from them synchronously.
type Coordinator[T any] struct {
	name      string
	fetch     FetchFunc[T]
	setup     SetupFunc
	clock     clock.Clock
	logger    *zap.Logger
	metrics   *Metrics
	debouncer *Debouncer
	reauth    ReauthFunc
	stopping  func() bool
	equal     func(a, b T) bool
	jitter    time.Duration
	listeners *listenerRegistry

	fetchMu  sync.Mutex
	notifyMu sync.Mutex

	// callouts counts listener and reauth rounds in progress
	callouts atomic.Int32

	mu            sync.RWMutex
	interval      time.Duration
	data          T
	hasData       bool
	lastSuccess   bool
	lastErr       error
	lastSuccessAt time.Time
	refreshTimer  clock.Timer
	timerGen      uint64
	nextRefresh   time.Time
	setupDone     bool
	reauthPending bool
	shutdown      bool
}

var _ Managed = (*Coordinator[struct{}])(nil)

// New creates a coordinator for one data source.
func New[T any](name string, fetch FetchFunc[T], opts ...Option) (*Coordinator[T], error) {
	if name == "" {
		return nil, fmt.Errorf("coordinator name cannot be empty")
	}
	if fetch == nil {
		return nil, fmt.Errorf("coordinator %s: fetch function cannot be nil", name)
	}

	s := settings{
		clock:     clock.NewRealClock(),
		logger:    zap.NewNop(),
		cooldown:  DefaultRequestRefreshCooldown,
		immediate: DefaultRequestRefreshImmediate,
	}
	for _, opt := range opts {
		opt(&s)
	}
	if s.interval < 0 {
		return nil, fmt.Errorf("coordinator %s: update interval cannot be negative", name)
	}

	c := &Coordinator[T]{
		name:        name,
		fetch:       fetch,
		setup:       s.setup,
		clock:       s.clock,
		logger:      s.logger.Named("coordinator").With(zap.String("coordinator", name)),
		metrics:     s.metrics,
		reauth:      s.reauth,
		stopping:    s.stopping,
		interval:    s.interval,
		lastSuccess: true,
	}

	if s.equal != nil {
		equal, ok := s.equal.(func(a, b T) bool)
		if !ok {
			return nil, fmt.Errorf("coordinator %s: equality function does not match data type %T", name, c.data)
		}
		c.equal = equal
	}

	if s.jitterSet {
		c.jitter = s.jitter
	} else {
		c.jitter = 50*time.Millisecond + rand.N(450*time.Millisecond)
	}

	c.debouncer = s.debouncer
	if c.debouncer == nil {
		c.debouncer = NewDebouncer(name, s.cooldown, s.immediate,
			WithDebouncerClock(s.clock),
			WithDebouncerLogger(s.logger.Named("debouncer")))
	}
	c.debouncer.SetFunction(func(ctx context.Context) error {
		return c.refresh(ctx, refreshRequest{logFailures: true})
	})
	c.debouncer.deferWhile(func() bool { return c.callouts.Load() > 0 })

	c.listeners = newListenerRegistry(c.logger, c.activate, c.deactivate)
	return c, nil
}

// Name returns the coordinator name.
func (c *Coordinator[T]) Name() string { return c.name }

// Data returns the last successfully fetched value and whether one exists.
// Callers must treat the value as read-only.
func (c *Coordinator[T]) Data() (T, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.data, c.hasData
}

// Value is Data without the type, for hosts that only see Managed.
func (c *Coordinator[T]) Value() (any, bool) {
	v, ok := c.Data()
	if !ok {
		return nil, false
	}
	return v, true
}

// LastUpdateSuccess reports whether the most recent refresh succeeded.
func (c *Coordinator[T]) LastUpdateSuccess() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastSuccess
}

// LastException returns the most recent failure, if any.
func (c *Coordinator[T]) LastException() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

// UpdateInterval returns the polling interval; zero means on demand only.
func (c *Coordinator[T]) UpdateInterval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.interval
}

// SetUpdateInterval changes the polling interval. It takes effect the next
// time a refresh is scheduled.
func (c *Coordinator[T]) SetUpdateInterval(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.interval = d
}

// Status returns a snapshot for display.
func (c *Coordinator[T]) Status() Status {
	listeners := c.listeners.len()

	c.mu.RLock()
	defer c.mu.RUnlock()

	st := Status{
		Name:              c.name,
		LastUpdateSuccess: c.lastSuccess,
		HasData:           c.hasData,
		Listeners:         listeners,
	}
	if c.interval > 0 {
		st.UpdateInterval = c.interval.String()
	}
	if c.lastErr != nil {
		st.LastError = c.lastErr.Error()
		st.LastErrorKind = Classify(c.lastErr).String()
	}
	if !c.lastSuccessAt.IsZero() {
		at := c.lastSuccessAt
		st.LastSuccessAt = &at
	}
	if c.refreshTimer != nil {
		next := c.nextRefresh
		st.NextRefresh = &next
	}
	return st
}

// AddListener registers callback, which runs after every refresh. The first
// listener starts periodic refreshes.
func (c *Coordinator[T]) AddListener(callback func(), context any) *Listener {
	l := c.listeners.add(callback, context, c)
	c.metrics.AddListeners(contextBackground(), c.name, 1)
	return l
}

// RemoveListener detaches l. Removing the last listener stops periodic
// refreshes. Unknown or already removed handles are logged and ignored.
func (c *Coordinator[T]) RemoveListener(l *Listener) {
	if c.listeners.remove(l) {
		c.metrics.AddListeners(contextBackground(), c.name, -1)
	}
}

// Contexts yields the non-nil contexts of the registered listeners, so a
// fetch can limit itself to what is actually observed.
func (c *Coordinator[T]) Contexts() iter.Seq[any] {
	return c.listeners.contexts()
}

// Refresh fetches now and notifies listeners, regardless of outcome. Fetch
// failures are recorded, not returned. The error is non-nil only when the
// refresh was abandoned because of shutdown or a cancelled ctx.
func (c *Coordinator[T]) Refresh(ctx context.Context) error {
	return c.refresh(ctx, refreshRequest{logFailures: true})
}

// RefreshAndPropagate works like Refresh but also returns the fetch error when
// its kind is in p.
func (c *Coordinator[T]) RefreshAndPropagate(ctx context.Context, p Propagation) error {
	return c.refresh(ctx, refreshRequest{logFailures: true, propagate: p})
}

// RequestRefresh asks for a refresh through the debouncer.
func (c *Coordinator[T]) RequestRefresh(ctx context.Context) error {
	return c.debouncer.Call(ctx)
}

// FirstRefresh runs the setup hook and one refresh at integration setup. It
// fails with ErrReauthRequired on authentication failure, ErrSetupFailed on a
// configuration error, and ErrNotReady on any other failure. An unexpected
// error stays reachable with errors.As(err, **UnexpectedError).
func (c *Coordinator[T]) FirstRefresh(ctx context.Context) error {
	if err := c.runSetup(ctx); err != nil {
		return err
	}

	err := c.refresh(ctx, refreshRequest{
		logFailures: false,
		propagate:   PropagateAuthFailed | PropagateConfigError,
	})
	if err != nil {
		return setupError(c.name, err)
	}

	c.mu.RLock()
	success, lastErr := c.lastSuccess, c.lastErr
	c.mu.RUnlock()

	if success {
		return nil
	}
	return setupError(c.name, lastErr)
}

func setupError(name string, err error) error {
	switch {
	case errors.Is(err, ErrShutdown), errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, ErrAuthFailed):
		return fmt.Errorf("%s: %w: %w", name, ErrReauthRequired, err)
	case errors.Is(err, ErrConfigError):
		return fmt.Errorf("%s: %w: %w", name, ErrSetupFailed, err)
	case err == nil:
		return fmt.Errorf("%s: %w", name, ErrNotReady)
	default:
		return fmt.Errorf("%s: %w: %w", name, ErrNotReady, err)
	}
}

func (c *Coordinator[T]) runSetup(ctx context.Context) error {
	c.mu.RLock()
	done := c.setupDone || c.setup == nil
	c.mu.RUnlock()
	if done {
		return nil
	}

	err := c.safeSetup(ctx)

	c.mu.Lock()
	if err == nil {
		c.setupDone = true
		c.mu.Unlock()
		return nil
	}
	kind := Classify(err)
	if kind == KindUnexpected {
		err = asUnexpected(err)
	}
	c.lastErr = err
	c.lastSuccess = false
	c.mu.Unlock()

	if kind == KindUnexpected {
		c.logUnexpected("Unexpected error setting up data source", err)
	}
	return setupError(c.name, err)
}

// SetUpdatedData stores a value obtained outside the fetch function, such as
// a pushed event, marks the coordinator healthy and notifies listeners.
func (c *Coordinator[T]) SetUpdatedData(value T) {
	c.debouncer.Cancel()

	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	c.mu.Lock()
	if c.shutdown {
		c.mu.Unlock()
		c.logger.Debug("Ignoring pushed data after shutdown")
		return
	}
	c.unscheduleLocked()
	c.data = value
	c.hasData = true
	c.lastSuccess = true
	c.lastSuccessAt = c.clock.Now()
	c.reauthPending = false
	c.mu.Unlock()

	c.logger.Debug("Manually updated data")

	c.listeners.whileActive(c.schedule)
	c.callOut(c.listeners.notifyAll)
}

// Shutdown stops scheduling and debouncing. It waits for an in-flight
// notification round to finish; no listener runs after it returns.
func (c *Coordinator[T]) Shutdown() {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	c.mu.Lock()
	if c.shutdown {
		c.mu.Unlock()
		return
	}
	c.shutdown = true
	c.unscheduleLocked()
	c.mu.Unlock()

	c.debouncer.Shutdown()
	c.logger.Debug("Coordinator shut down")
}

func (c *Coordinator[T]) refresh(ctx context.Context, req refreshRequest) error {
	c.mu.Lock()
	c.unscheduleLocked()
	shutdown := c.shutdown
	c.mu.Unlock()

	if shutdown {
		return ErrShutdown
	}
	if req.scheduled && c.isStopping() {
		return nil
	}

	c.fetchMu.Lock()
	defer c.fetchMu.Unlock()

	if c.isShutdown() {
		return ErrShutdown
	}

	// Requests queued before this fetch starts are satisfied by it
	c.debouncer.Cancel()

	start := c.clock.Now()
	value, err := c.safeFetch(ctx)
	elapsed := c.clock.Since(start)

	if err != nil && ctx.Err() != nil && errors.Is(err, context.Canceled) {
		c.logger.Debug("Refresh abandoned", zap.Error(err))
		c.listeners.whileActive(c.schedule)
		return ctx.Err()
	}

	kind := Classify(err)
	if kind == KindUnexpected {
		err = asUnexpected(err)
	}
	c.metrics.RecordRefresh(contextBackground(), c.name, kind, elapsed)

	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	c.mu.Lock()
	if c.shutdown {
		c.mu.Unlock()
		return ErrShutdown
	}

	prevSuccess, prevData, prevHasData := c.lastSuccess, c.data, c.hasData
	transition, recovered := false, false

	switch kind {
	case KindNone:
		c.data = value
		c.hasData = true
		c.lastSuccessAt = c.clock.Now()
		c.reauthPending = false
		if !c.lastSuccess {
			c.lastSuccess = true
			recovered = true
		}
	case KindUnexpected:
		c.lastErr = err
		c.lastSuccess = false
	default:
		c.lastErr = err
		if c.lastSuccess {
			c.lastSuccess = false
			transition = true
		}
	}

	startReauth := kind == KindAuthFailed && !req.propagate.has(kind) && c.reauth != nil && !c.reauthPending
	if startReauth {
		c.reauthPending = true
	}
	notify := c.shouldNotifyLocked(prevSuccess, prevData, prevHasData)
	c.mu.Unlock()

	c.logOutcome(kind, err, transition && req.logFailures, recovered, elapsed)

	if kind != KindAuthFailed && !c.isStopping() {
		c.listeners.whileActive(c.schedule)
	}

	if startReauth {
		c.logger.Info("Requesting re-authentication")
		c.callOut(func() { c.reauth(ctx, err) })
	}

	if notify {
		c.callOut(c.listeners.notifyAll)
	}

	if req.propagate.has(kind) {
		return err
	}
	return nil
}

// callOut runs fn with RequestRefresh deferred to the debouncer cooldown, so
// code called from fn cannot re-enter the locks held around it.
func (c *Coordinator[T]) callOut(fn func()) {
	c.callouts.Add(1)
	defer c.callouts.Add(-1)
	fn()
}

func (c *Coordinator[T]) shouldNotifyLocked(prevSuccess bool, prevData T, prevHasData bool) bool {
	if c.equal == nil {
		return true
	}
	if !c.lastSuccess && !prevSuccess {
		return false
	}
	if c.lastSuccess != prevSuccess || !prevHasData {
		return true
	}
	return !c.equal(prevData, c.data)
}

func (c *Coordinator[T]) logOutcome(kind FailureKind, err error, logFailure, recovered bool, elapsed time.Duration) {
	switch kind {
	case KindNone:
		if recovered {
			c.logger.Info("Fetching data recovered")
		}
	case KindUnexpected:
		c.logUnexpected("Unexpected error fetching data", err)
	default:
		if logFailure {
			c.logger.Error(failureMessage(kind), zap.String("kind", kind.String()), zap.Error(err))
		}
	}

	c.logger.Debug("Finished fetching data",
		zap.Duration("elapsed", elapsed),
		zap.Bool("success", kind == KindNone))
}

func failureMessage(kind FailureKind) string {
	switch kind {
	case KindTimeout:
		return "Timeout fetching data"
	case KindTransport:
		return "Error requesting data"
	case KindAuthFailed:
		return "Authentication failed while fetching data"
	case KindConfigError:
		return "Configuration error while fetching data"
	default:
		return "Error fetching data"
	}
}

func (c *Coordinator[T]) logUnexpected(msg string, err error) {
	fields := []zap.Field{zap.Error(err), zap.Stack("stacktrace")}
	var ue *UnexpectedError
	if errors.As(err, &ue) && len(ue.Stack) > 0 {
		fields = append(fields, zap.ByteString("panic_stack", ue.Stack))
	}
	c.logger.Error(msg, fields...)
}

func (c *Coordinator[T]) safeFetch(ctx context.Context) (value T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &UnexpectedError{Panic: r, Stack: debug.Stack()}
		}
	}()
	return c.fetch(ctx)
}

func (c *Coordinator[T]) safeSetup(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &UnexpectedError{Panic: r, Stack: debug.Stack()}
		}
	}()
	return c.setup(ctx)
}

func asUnexpected(err error) error {
	var ue *UnexpectedError
	if errors.As(err, &ue) {
		return err
	}
	return &UnexpectedError{Err: err}
}

func (c *Coordinator[T]) isStopping() bool {
	return c.stopping != nil && c.stopping()
}

func (c *Coordinator[T]) isShutdown() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.shutdown
}

// activate runs on the 0->1 listener transition.
func (c *Coordinator[T]) activate() {
	c.schedule()
}

// deactivate runs on the 1->0 listener transition.
func (c *Coordinator[T]) deactivate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unscheduleLocked()
}

func (c *Coordinator[T]) schedule() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scheduleLocked()
}

// scheduleLocked arms the single refresh timer, replacing any pending one.
// The deadline is floored to a whole second plus a fixed per-coordinator
// offset so the cadence does not drift with fetch duration.
func (c *Coordinator[T]) scheduleLocked() {
	if c.interval <= 0 || c.shutdown {
		return
	}
	c.unscheduleLocked()

	now := c.clock.Now()
	next := now.Truncate(time.Second).Add(c.interval + c.jitter)
	if !next.After(now) {
		next = now.Add(c.interval)
	}

	c.timerGen++
	gen := c.timerGen
	c.nextRefresh = next
	c.refreshTimer = c.clock.AfterFunc(next.Sub(now), func() { c.handleRefreshInterval(gen) })
}

func (c *Coordinator[T]) unscheduleLocked() {
	if c.refreshTimer != nil {
		c.refreshTimer.Stop()
		c.refreshTimer = nil
	}
	c.timerGen++
	c.nextRefresh = time.Time{}
}

func (c *Coordinator[T]) handleRefreshInterval(gen uint64) {
	c.mu.Lock()
	if gen != c.timerGen {
		c.mu.Unlock()
		return
	}
	c.refreshTimer = nil
	c.mu.Unlock()

	_ = c.refresh(contextBackground(), refreshRequest{logFailures: true, scheduled: true})
}

func contextBackground() context.Context { return context.Background() }
