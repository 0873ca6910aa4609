// Package entries tracks configured integration instances through setup,
// retry and unload.
package entries

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"hacoordinator/internal/clock"
	"hacoordinator/internal/coordinator"
	"hacoordinator/pkg/integration"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// State is the lifecycle state of a config entry.
type State string

const (
	StateNotLoaded       State = "not_loaded"
	StateSetupInProgress State = "setup_in_progress"
	StateLoaded          State = "loaded"
	StateSetupRetry      State = "setup_retry"
	StateSetupError      State = "setup_error"
	StateReauthRequired  State = "reauth_required"
)

var (
	// ErrUnknownEntry is returned for ids the manager does not hold
	ErrUnknownEntry = errors.New("unknown entry")

	// ErrStopping is returned by Add once Stop has been called
	ErrStopping = errors.New("entry manager is stopping")

	// ErrDuplicateTitle is returned by Add when another entry has the same title
	ErrDuplicateTitle = errors.New("duplicate entry title")
)

// Config describes one configured instance of an integration.
type Config struct {
	Integration    string
	Title          string
	UpdateInterval time.Duration
	Cooldown       time.Duration
	Immediate      bool
	Options        map[string]any
}

// Entry is a snapshot of a config entry.
type Entry struct {
	ID              string     `json:"id"`
	Integration     string     `json:"integration"`
	Title           string     `json:"title"`
	State           State      `json:"state"`
	Reason          string     `json:"reason,omitempty"`
	Attempts        int        `json:"attempts"`
	NextRetry       *time.Time `json:"next_retry,omitempty"`
	ReauthRequested bool       `json:"reauth_requested"`
}

type entry struct {
	id string

	// opMu serializes setup, reload and unload of this entry
	opMu sync.Mutex

	// Guarded by Manager.mu
	cfg             Config
	state           State
	reason          string
	instance        integration.Integration
	backoff         backoff.BackOff
	attempts        int
	retryTimer      clock.Timer
	retryGen        uint64
	nextRetry       time.Time
	reauthRequested bool
}

// Option configures a Manager
type Option func(*Manager)

// WithClock sets the clock used for retries and coordinators
func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithMetrics passes coordinator metrics to every integration
func WithMetrics(metrics *coordinator.Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// WithRetryBackOff sets the policy for setup retries. A policy that returns
// backoff.Stop ends retrying with setup_error.
func WithRetryBackOff(newBackOff func() backoff.BackOff) Option {
	return func(m *Manager) { m.newBackOff = newBackOff }
}

// WithSetupConcurrency bounds how many entries SetupAll sets up at once
func WithSetupConcurrency(n int) Option {
	return func(m *Manager) { m.concurrency = n }
}

// Manager is the per-process registry of config entries.
type Manager struct {
	registry    *integration.Registry
	clock       clock.Clock
	logger      *zap.Logger
	metrics     *coordinator.Metrics
	newBackOff  func() backoff.BackOff
	concurrency int

	mu       sync.RWMutex
	entries  map[string]*entry
	order    []string
	stopping atomic.Bool
}

// NewManager creates a manager that builds integrations from registry.
func NewManager(registry *integration.Registry, opts ...Option) *Manager {
	m := &Manager{
		registry: registry,
		clock:    clock.NewRealClock(),
		logger:   zap.NewNop(),
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 5 * time.Second
			b.MaxInterval = 5 * time.Minute
			return b
		},
		entries: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Stopping reports whether Stop has been called.
func (m *Manager) Stopping() bool {
	return m.stopping.Load()
}

// Add creates an entry for cfg and sets it up. The id is returned even when
// setup fails, since a failed entry stays registered for retry or reauth.
func (m *Manager) Add(ctx context.Context, cfg Config) (string, error) {
	if m.stopping.Load() {
		return "", ErrStopping
	}
	if m.registry.Get(cfg.Integration) == nil {
		return "", fmt.Errorf("unknown integration %q", cfg.Integration)
	}
	if cfg.Title == "" {
		cfg.Title = cfg.Integration
	}

	e := &entry{
		id:      uuid.NewString(),
		cfg:     cfg,
		state:   StateNotLoaded,
		backoff: m.newBackOff(),
	}

	m.mu.Lock()
	for _, other := range m.entries {
		if other.cfg.Title == cfg.Title {
			m.mu.Unlock()
			return "", fmt.Errorf("%w: %q", ErrDuplicateTitle, cfg.Title)
		}
	}
	m.entries[e.id] = e
	m.order = append(m.order, e.id)
	m.mu.Unlock()

	e.opMu.Lock()
	defer e.opMu.Unlock()
	return e.id, m.setupLocked(ctx, e)
}

// SetupAll adds every config. Integrations with a lower registry Order are
// set up first; entries in the same order group are set up concurrently.
// One failing entry does not stop the others; all failures are joined.
func (m *Manager) SetupAll(ctx context.Context, cfgs []Config) ([]string, error) {
	ids := make([]string, len(cfgs))
	errs := make([]error, len(cfgs))

	groups := map[int][]int{}
	for i, cfg := range cfgs {
		order := integration.DefaultOrder
		if info := m.registry.Get(cfg.Integration); info != nil {
			order = info.Order
		}
		groups[order] = append(groups[order], i)
	}
	orders := make([]int, 0, len(groups))
	for order := range groups {
		orders = append(orders, order)
	}
	sort.Ints(orders)

	for _, order := range orders {
		var g errgroup.Group
		if m.concurrency > 0 {
			g.SetLimit(m.concurrency)
		}
		for _, i := range groups[order] {
			g.Go(func() error {
				id, err := m.Add(ctx, cfgs[i])
				ids[i] = id
				if err != nil {
					errs[i] = fmt.Errorf("%s: %w", cfgs[i].Title, err)
				}
				return nil
			})
		}
		_ = g.Wait()
	}

	return ids, errors.Join(errs...)
}

func (m *Manager) setupLocked(ctx context.Context, e *entry) error {
	if m.stopping.Load() {
		return ErrStopping
	}

	m.mu.Lock()
	m.cancelRetryLocked(e)
	cfg := e.cfg
	e.state = StateSetupInProgress
	e.reason = ""
	e.attempts++
	m.mu.Unlock()

	logger := m.logger.With(
		zap.String("entry", e.id),
		zap.String("integration", cfg.Integration),
		zap.String("title", cfg.Title))

	ictx := &integration.Context{
		EntryID:        e.id,
		Title:          cfg.Title,
		Logger:         logger,
		Clock:          m.clock,
		Metrics:        m.metrics,
		UpdateInterval: cfg.UpdateInterval,
		Cooldown:       cfg.Cooldown,
		Immediate:      cfg.Immediate,
		Options:        maps.Clone(cfg.Options),
		Stopping:       m.stopping.Load,
		Reauth: func(_ context.Context, err error) {
			m.requestReauth(e.id, err)
		},
	}

	instance, err := m.registry.Create(cfg.Integration, ictx)
	if err == nil {
		err = instance.Setup(ctx)
	}

	if err == nil {
		m.mu.Lock()
		e.instance = instance
		e.state = StateLoaded
		e.attempts = 0
		e.reauthRequested = false
		e.backoff.Reset()
		m.mu.Unlock()
		logger.Info("Entry loaded")
		return nil
	}

	if instance != nil {
		if uerr := unloadInstance(context.WithoutCancel(ctx), instance); uerr != nil {
			logger.Warn("Error cleaning up after failed setup", zap.Error(uerr))
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	e.reason = err.Error()

	switch {
	case errors.Is(err, context.Canceled):
		e.state = StateNotLoaded
	case errors.Is(err, coordinator.ErrReauthRequired):
		e.state = StateReauthRequired
		e.reauthRequested = true
		logger.Warn("Entry requires re-authentication", zap.Error(err))
	case errors.Is(err, coordinator.ErrNotReady):
		delay := e.backoff.NextBackOff()
		if delay == backoff.Stop {
			e.state = StateSetupError
			logger.Error("Entry not ready, giving up", zap.Error(err), zap.Int("attempts", e.attempts))
			break
		}
		e.state = StateSetupRetry
		m.scheduleRetryLocked(e, delay)
		logger.Warn("Entry not ready, retrying", zap.Error(err), zap.Duration("retry_in", delay))
	default:
		e.state = StateSetupError
		logger.Error("Entry setup failed", zap.Error(err))
	}
	return err
}

func (m *Manager) scheduleRetryLocked(e *entry, delay time.Duration) {
	e.retryGen++
	gen := e.retryGen
	e.nextRetry = m.clock.Now().Add(delay)
	e.retryTimer = m.clock.AfterFunc(delay, func() { m.retry(e, gen) })
}

func (m *Manager) cancelRetryLocked(e *entry) {
	if e.retryTimer != nil {
		e.retryTimer.Stop()
		e.retryTimer = nil
	}
	e.retryGen++
	e.nextRetry = time.Time{}
}

func (m *Manager) retry(e *entry, gen uint64) {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	m.mu.Lock()
	current := e.retryGen == gen && e.state == StateSetupRetry && m.entries[e.id] == e
	if current {
		e.retryTimer = nil
	}
	m.mu.Unlock()

	if !current {
		return
	}
	_ = m.setupLocked(context.Background(), e)
}

func (m *Manager) requestReauth(id string, err error) {
	m.mu.Lock()
	e, ok := m.entries[id]
	if ok {
		e.reauthRequested = true
		e.reason = err.Error()
	}
	m.mu.Unlock()

	if ok {
		m.logger.Warn("Re-authentication requested", zap.String("entry", id), zap.Error(err))
	}
}

// Reauth applies new options, typically credentials, and sets the entry up
// again.
func (m *Manager) Reauth(ctx context.Context, id string, options map[string]any) error {
	e := m.lookup(id)
	if e == nil {
		return fmt.Errorf("%w: %s", ErrUnknownEntry, id)
	}

	m.mu.Lock()
	merged := maps.Clone(e.cfg.Options)
	if merged == nil {
		merged = map[string]any{}
	}
	maps.Copy(merged, options)
	e.cfg.Options = merged
	m.mu.Unlock()

	return m.Reload(ctx, id)
}

// Reload unloads a loaded entry and sets it up again.
func (m *Manager) Reload(ctx context.Context, id string) error {
	e := m.lookup(id)
	if e == nil {
		return fmt.Errorf("%w: %s", ErrUnknownEntry, id)
	}

	e.opMu.Lock()
	defer e.opMu.Unlock()

	if err := m.unloadLocked(ctx, e); err != nil {
		m.logger.Warn("Error unloading entry for reload", zap.String("entry", id), zap.Error(err))
	}
	m.mu.Lock()
	e.backoff.Reset()
	e.attempts = 0
	m.mu.Unlock()
	return m.setupLocked(ctx, e)
}

// Unload shuts the entry down and removes it.
func (m *Manager) Unload(ctx context.Context, id string) error {
	e := m.lookup(id)
	if e == nil {
		return fmt.Errorf("%w: %s", ErrUnknownEntry, id)
	}

	e.opMu.Lock()
	defer e.opMu.Unlock()

	err := m.unloadLocked(ctx, e)

	m.mu.Lock()
	delete(m.entries, id)
	for i, other := range m.order {
		if other == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	m.mu.Unlock()

	m.logger.Info("Entry unloaded", zap.String("entry", id))
	return err
}

func (m *Manager) unloadLocked(ctx context.Context, e *entry) error {
	m.mu.Lock()
	m.cancelRetryLocked(e)
	instance := e.instance
	e.instance = nil
	e.state = StateNotLoaded
	m.mu.Unlock()

	if instance == nil {
		return nil
	}
	return unloadInstance(ctx, instance)
}

// Stop marks the host as stopping and unloads every entry.
func (m *Manager) Stop(ctx context.Context) error {
	m.stopping.Store(true)

	m.mu.RLock()
	ids := append([]string(nil), m.order...)
	m.mu.RUnlock()

	var errs []error
	for _, id := range ids {
		if err := m.Unload(ctx, id); err != nil && !errors.Is(err, ErrUnknownEntry) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func unloadInstance(ctx context.Context, instance integration.Integration) error {
	for _, c := range instance.Coordinators() {
		c.Shutdown()
	}
	return instance.Unload(ctx)
}

func (m *Manager) lookup(id string) *entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.entries[id]
}

// Get returns a snapshot of one entry.
func (m *Manager) Get(id string) (Entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entries[id]
	if !ok {
		return Entry{}, false
	}
	return snapshotLocked(e), true
}

// Entries returns snapshots of all entries in the order they were added.
func (m *Manager) Entries() []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Entry, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, snapshotLocked(m.entries[id]))
	}
	return out
}

// Coordinators returns the coordinators of all loaded entries.
func (m *Manager) Coordinators() []coordinator.Managed {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []coordinator.Managed
	for _, id := range m.order {
		if e := m.entries[id]; e.state == StateLoaded && e.instance != nil {
			out = append(out, e.instance.Coordinators()...)
		}
	}
	return out
}

func snapshotLocked(e *entry) Entry {
	s := Entry{
		ID:              e.id,
		Integration:     e.cfg.Integration,
		Title:           e.cfg.Title,
		State:           e.state,
		Reason:          e.reason,
		Attempts:        e.attempts,
		ReauthRequested: e.reauthRequested,
	}
	if !e.nextRetry.IsZero() {
		next := e.nextRetry
		s.NextRetry = &next
	}
	return s
}
