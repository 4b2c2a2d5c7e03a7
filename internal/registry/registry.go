// Package registry maps plugin names to shared source plugins.
package registry

import (
	"errors"
	"sync"

	"github.com/tinytelemetry/datastream/internal/source"
)

var (
	// ErrEmptyName is returned when registering under an empty name.
	ErrEmptyName = errors.New("registry: empty plugin name")
	// ErrNilPlugin is returned when registering a nil plugin.
	ErrNilPlugin = errors.New("registry: nil plugin")
)

// Registry is a named collection of plugins. Registration may happen while
// sessions resolve names, so access is guarded by a read-mostly lock.
type Registry struct {
	mu      sync.RWMutex
	plugins map[string]source.Plugin
	order   []string
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{plugins: make(map[string]source.Plugin)}
}

// Register binds name to plugin. An existing binding is replaced and keeps
// its position in Names.
func (r *Registry) Register(name string, plugin source.Plugin) error {
	if name == "" {
		return ErrEmptyName
	}
	if plugin == nil {
		return ErrNilPlugin
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.plugins[name]; !exists {
		r.order = append(r.order, name)
	}
	r.plugins[name] = plugin
	return nil
}

// Resolve returns the plugin bound to name.
func (r *Registry) Resolve(name string) (source.Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plugins[name]
	return p, ok
}

// Names returns registered names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, len(r.order))
	copy(names, r.order)
	return names
}

// Len returns the number of registered plugins.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.plugins)
}
