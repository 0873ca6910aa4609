package coordinator

import (
	"iter"
	"sync"

	"go.uber.org/zap"
)

// Listener is the handle returned by AddListener. Removing it more than once
// is safe.
type Listener struct {
	id       uint64
	callback func()
	context  any
	owner    interface{ RemoveListener(*Listener) }
}

// Context returns the opaque value the listener was registered with.
func (l *Listener) Context() any { return l.context }

// Remove detaches the listener from its coordinator.
func (l *Listener) Remove() {
	if l == nil || l.owner == nil {
		return
	}
	l.owner.RemoveListener(l)
}

// listenerRegistry tracks registered callbacks in registration order. The
// activate and deactivate hooks run under the registry lock on the 0->1 and
// 1->0 transitions so they are serialized with add and remove.
type listenerRegistry struct {
	mu         sync.Mutex
	nextID     uint64
	entries    []*Listener
	logger     *zap.Logger
	activate   func()
	deactivate func()
}

func newListenerRegistry(logger *zap.Logger, activate, deactivate func()) *listenerRegistry {
	return &listenerRegistry{
		logger:     logger,
		activate:   activate,
		deactivate: deactivate,
	}
}

func (r *listenerRegistry) add(callback func(), context any, owner interface{ RemoveListener(*Listener) }) *Listener {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	l := &Listener{
		id:       r.nextID,
		callback: callback,
		context:  context,
		owner:    owner,
	}
	r.entries = append(r.entries, l)

	if len(r.entries) == 1 && r.activate != nil {
		r.activate()
	}
	return l
}

// remove reports whether the handle was registered. Unknown handles are
// logged and otherwise ignored.
func (r *listenerRegistry) remove(l *Listener) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if l != nil {
		for i, entry := range r.entries {
			if entry != l {
				continue
			}
			r.entries = append(r.entries[:i], r.entries[i+1:]...)
			if len(r.entries) == 0 && r.deactivate != nil {
				r.deactivate()
			}
			return true
		}
	}

	if l != nil {
		r.logger.Warn("Removing unknown listener", zap.Uint64("listener", l.id))
	} else {
		r.logger.Warn("Removing unknown listener")
	}
	return false
}

func (r *listenerRegistry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// whileActive runs fn under the registry lock if any listener is registered,
// which keeps it ordered against the deactivate hook.
func (r *listenerRegistry) whileActive(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.entries) > 0 {
		fn()
	}
}

func (r *listenerRegistry) snapshot() []*Listener {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Listener, len(r.entries))
	copy(out, r.entries)
	return out
}

// notifyAll calls every listener registered at the time of the call.
// Callbacks may add or remove listeners.
func (r *listenerRegistry) notifyAll() {
	for _, l := range r.snapshot() {
		l.callback()
	}
}

func (r *listenerRegistry) contexts() iter.Seq[any] {
	return func(yield func(any) bool) {
		for _, l := range r.snapshot() {
			if l.context == nil {
				continue
			}
			if !yield(l.context) {
				return
			}
		}
	}
}
