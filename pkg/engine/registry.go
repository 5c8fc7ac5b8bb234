package engine

import (
	"sort"
	"strings"
	"sync"

	"github.com/polisai/polis-dsp/pkg/domain"
	"github.com/polisai/polis-dsp/pkg/engine/runtime"
)

// Registry stores component drivers and alias mappings.
type Registry struct {
	mu      sync.RWMutex
	drivers map[domain.CompType]runtime.Driver
	aliases map[string]domain.CompType
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		drivers: make(map[domain.CompType]runtime.Driver),
		aliases: make(map[string]domain.CompType),
	}
}

// Register adds a driver under its canonical type and any aliases.
func (r *Registry) Register(d runtime.Driver, aliases ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	kind := d.Type()
	r.drivers[kind] = d
	for _, alias := range aliases {
		alias = strings.ToLower(strings.TrimSpace(alias))
		if alias == "" {
			continue
		}
		r.aliases[alias] = kind
	}
}

// Resolve finds the driver for a canonical type or alias.
func (r *Registry) Resolve(raw string) (runtime.Driver, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	key := strings.ToLower(strings.TrimSpace(raw))
	if d, ok := r.drivers[domain.CompType(key)]; ok {
		return d, true
	}
	if kind, ok := r.aliases[key]; ok {
		d, ok := r.drivers[kind]
		return d, ok
	}
	return nil, false
}

// Types lists the canonical driver types.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.drivers))
	for kind := range r.drivers {
		out = append(out, string(kind))
	}
	sort.Strings(out)
	return out
}
