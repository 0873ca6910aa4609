package integration

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Priority constants for integration registration.
// Higher priority values override lower priority integrations with the same name.
const (
	// PriorityDefault is the default priority for bundled integrations.
	PriorityDefault = 0

	// PriorityOverride lets a private build replace a bundled integration
	// of the same name.
	PriorityOverride = 100
)

// DefaultOrder is used when an integration does not set Order.
const DefaultOrder = 50

// Info contains metadata about a registered integration.
type Info struct {
	// Name is the integration domain used in config entries.
	Name string

	// Description is a human-readable description of the integration.
	Description string

	// Priority determines which registration wins for the same name.
	Priority int

	// Factory creates new instances of the integration.
	Factory Factory

	// Order specifies the setup order. Entries of integrations with lower
	// values are set up first; entries sharing a value are set up
	// concurrently.
	Order int
}

// Registry manages integration registration and instantiation.
type Registry struct {
	mu           sync.RWMutex
	integrations map[string]Info
	order        []string
}

// NewRegistry creates a new integration registry.
func NewRegistry() *Registry {
	return &Registry{
		integrations: make(map[string]Info),
		order:        make([]string, 0),
	}
}

// Register adds an integration to the registry.
// If one with the same name already exists, the one with higher
// priority wins. If priorities are equal, the later registration wins.
func (r *Registry) Register(info Info) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if info.Name == "" {
		return fmt.Errorf("integration name cannot be empty")
	}

	if info.Factory == nil {
		return fmt.Errorf("integration %s: factory cannot be nil", info.Name)
	}

	if info.Order == 0 {
		info.Order = DefaultOrder
	}

	logger := zap.L().Named("integration")

	existing, exists := r.integrations[info.Name]
	if exists {
		if info.Priority < existing.Priority {
			logger.Info("Integration registration skipped",
				zap.String("integration", info.Name),
				zap.Int("priority", info.Priority),
				zap.Int("existing_priority", existing.Priority))
			return nil
		}

		logger.Info("Integration being overridden",
			zap.String("integration", info.Name),
			zap.Int("from_priority", existing.Priority),
			zap.Int("to_priority", info.Priority))
	}

	r.integrations[info.Name] = info

	if !exists {
		r.order = append(r.order, info.Name)
	}

	logger.Debug("Integration registered",
		zap.String("integration", info.Name),
		zap.Int("priority", info.Priority),
		zap.Int("order", info.Order),
		zap.String("description", info.Description))

	return nil
}

// Get returns the info for a given name, or nil if not found.
func (r *Registry) Get(name string) *Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	info, ok := r.integrations[name]
	if !ok {
		return nil
	}
	return &info
}

// List returns all registered integrations sorted by their setup order.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Info, 0, len(r.integrations))
	for _, name := range r.order {
		result = append(result, r.integrations[name])
	}

	// Sort by order (lower first), then by name for stability
	sort.SliceStable(result, func(i, j int) bool {
		if result[i].Order != result[j].Order {
			return result[i].Order < result[j].Order
		}
		return result[i].Name < result[j].Name
	})

	return result
}

// Create instantiates the named integration.
func (r *Registry) Create(name string, ctx *Context) (Integration, error) {
	info := r.Get(name)
	if info == nil {
		return nil, fmt.Errorf("unknown integration %q", name)
	}

	integration, err := info.Factory(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create integration %s: %w", name, err)
	}
	return integration, nil
}

// Names returns the names of all registered integrations.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]string, len(r.order))
	copy(result, r.order)
	return result
}

// Clear removes all registered integrations. Useful for testing.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.integrations = make(map[string]Info)
	r.order = make([]string, 0)
}

// Global registry instance
var globalRegistry = NewRegistry()

// Default returns the global registry filled by init() registrations.
func Default() *Registry {
	return globalRegistry
}

// Register adds an integration to the global registry.
// This is typically called from init() functions in integration packages.
func Register(info Info) error {
	return globalRegistry.Register(info)
}

// Get returns integration info from the global registry.
func Get(name string) *Info {
	return globalRegistry.Get(name)
}

// List returns all integrations from the global registry.
func List() []Info {
	return globalRegistry.List()
}

// Names returns all integration names from the global registry.
func Names() []string {
	return globalRegistry.Names()
}

// ClearGlobal clears the global registry. Useful for testing.
func ClearGlobal() {
	globalRegistry.Clear()
}
