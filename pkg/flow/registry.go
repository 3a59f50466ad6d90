package flow

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Priority constants for handler registration.
// Higher priority values override lower priority handlers with the same domain.
const (
	// PriorityDefault is the priority integrations register with from init().
	PriorityDefault = 0

	// PriorityOverride is used to replace a registered handler, for example with
	// a factory built from runtime configuration.
	PriorityOverride = 100
)

// HandlerInfo contains metadata about a registered flow handler.
type HandlerInfo struct {
	// Domain is the integration domain the handler sets up.
	Domain string

	// Description is a human-readable description of the integration.
	Description string

	// Priority determines which factory wins when several register for the
	// same domain. Higher priority wins; equal priority lets the later one win.
	Priority int

	// Factory creates one handler per flow.
	Factory Factory
}

// Registry maps integration domains to flow handler factories.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerInfo
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]HandlerInfo)}
}

// Register adds a handler factory to the registry.
func (r *Registry) Register(info HandlerInfo) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if info.Domain == "" {
		return fmt.Errorf("handler domain cannot be empty")
	}

	if info.Factory == nil {
		return fmt.Errorf("handler %s: factory cannot be nil", info.Domain)
	}

	logger := zap.L().Named("flow")

	if existing, exists := r.handlers[info.Domain]; exists {
		if info.Priority < existing.Priority {
			logger.Debug("Handler registration skipped",
				zap.String("domain", info.Domain),
				zap.Int("priority", info.Priority),
				zap.Int("existing_priority", existing.Priority))
			return nil
		}
		logger.Info("Handler being overridden",
			zap.String("domain", info.Domain),
			zap.Int("priority", info.Priority),
			zap.Int("existing_priority", existing.Priority))
	}

	r.handlers[info.Domain] = info
	return nil
}

// Get returns the handler info for a domain, or nil if not found.
func (r *Registry) Get(domain string) *HandlerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	info, ok := r.handlers[domain]
	if !ok {
		return nil
	}
	return &info
}

// List returns all registered handlers sorted by domain.
func (r *Registry) List() []HandlerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]HandlerInfo, 0, len(r.handlers))
	for _, info := range r.handlers {
		result = append(result, info)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Domain < result[j].Domain
	})
	return result
}

// Domains returns the sorted domains of all registered handlers.
func (r *Registry) Domains() []string {
	list := r.List()
	domains := make([]string, len(list))
	for i, info := range list {
		domains[i] = info.Domain
	}
	return domains
}

// New creates a handler for domain bound to the flow context fc.
func (r *Registry) New(domain string, fc *Context, deps Deps) (Handler, error) {
	info := r.Get(domain)
	if info == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownHandler, domain)
	}

	handler, err := info.Factory(NewBase(domain, fc, deps))
	if err != nil {
		return nil, fmt.Errorf("failed to create handler %s: %w", domain, err)
	}
	return handler, nil
}

// Clear removes all registered handlers. Useful for testing.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.handlers = make(map[string]HandlerInfo)
}

// Global registry instance
var globalRegistry = NewRegistry()

// Default returns the global registry integrations register with.
func Default() *Registry {
	return globalRegistry
}

// Register adds a handler to the global registry.
// This is typically called from init() functions in integration packages.
func Register(info HandlerInfo) error {
	return globalRegistry.Register(info)
}

// Get returns handler info from the global registry.
func Get(domain string) *HandlerInfo {
	return globalRegistry.Get(domain)
}

// Domains returns all domains in the global registry.
func Domains() []string {
	return globalRegistry.Domains()
}
