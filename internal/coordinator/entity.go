package coordinator

import (
	"context"
	"sync"
)

// Availability describes how trustworthy an entity's data is.
type Availability int

const (
	// Fresh means the last refresh succeeded.
	Fresh Availability = iota
	// Stale means the last refresh failed but earlier data is still held.
	Stale
	// Unavailable means the last refresh failed and there is no data.
	Unavailable
)

func (a Availability) String() string {
	switch a {
	case Fresh:
		return "fresh"
	case Stale:
		return "stale"
	default:
		return "unavailable"
	}
}

// Entity binds a consumer to a coordinator. It stays registered as a
// listener between Attach and Detach and reads the coordinator's data
// instead of fetching its own.
type Entity[T any] struct {
	coordinator *Coordinator[T]
	context     any
	onUpdate    func()

	mu       sync.Mutex
	listener *Listener
}

// NewEntity creates a detached entity. onUpdate runs after every refresh of c
// while attached.
func NewEntity[T any](c *Coordinator[T], context any, onUpdate func()) *Entity[T] {
	if onUpdate == nil {
		onUpdate = func() {}
	}
	return &Entity[T]{coordinator: c, context: context, onUpdate: onUpdate}
}

// Coordinator returns the coordinator backing the entity.
func (e *Entity[T]) Coordinator() *Coordinator[T] { return e.coordinator }

// Attach registers the entity as a listener. Calling it again is a no-op.
func (e *Entity[T]) Attach() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.listener != nil {
		return
	}
	e.listener = e.coordinator.AddListener(e.onUpdate, e.context)
}

// Detach removes the listener. Calling it again is a no-op.
func (e *Entity[T]) Detach() {
	e.mu.Lock()
	l := e.listener
	e.listener = nil
	e.mu.Unlock()

	if l != nil {
		l.Remove()
	}
}

// Attached reports whether the entity is currently registered.
func (e *Entity[T]) Attached() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.listener != nil
}

// Available is true when the coordinator's last update succeeded.
func (e *Entity[T]) Available() bool {
	return e.coordinator.LastUpdateSuccess()
}

func (e *Entity[T]) Availability() Availability {
	return AvailabilityOf(e.coordinator)
}

// AvailabilityOf classifies the data held by c.
func AvailabilityOf(c Managed) Availability {
	if c.LastUpdateSuccess() {
		return Fresh
	}
	if _, ok := c.Value(); ok {
		return Stale
	}
	return Unavailable
}

// Data reads through to the coordinator.
func (e *Entity[T]) Data() (T, bool) {
	return e.coordinator.Data()
}

// Update asks the coordinator for a debounced refresh.
func (e *Entity[T]) Update(ctx context.Context) error {
	return e.coordinator.RequestRefresh(ctx)
}
