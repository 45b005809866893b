// ABOUTME: Registry of plugin registrations ordered by priority per stage
// ABOUTME: Registration happens at startup; enable/disable is the only runtime mutation

package hooks

import (
	"log/slog"
	"sort"
	"sync"
)

// Registration couples a plugin with its pipeline position.
type Registration struct {
	Plugin   Plugin
	Priority int
	Enabled  bool
}

// Registry holds all plugin registrations. It is read-mostly after startup:
// dispatches snapshot the enabled set under a read lock, so an in-flight
// envelope always completes with the plugin set it started with.
type Registry struct {
	mu      sync.RWMutex
	byName  map[string]*Registration
	byStage map[Stage][]*Registration // sorted by ascending priority
	logger  *slog.Logger
}

// NewRegistry creates an empty plugin registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		byName:  make(map[string]*Registration),
		byStage: make(map[Stage][]*Registration),
		logger:  logger.With("component", "hooks"),
	}
}

// Register adds a plugin with the given priority. Plugins run in ascending
// priority order within each stage they subscribe to. Returns
// ErrPluginAlreadyRegistered on a duplicate name.
func (r *Registry) Register(p Plugin, priority int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[p.Name()]; exists {
		return ErrPluginAlreadyRegistered
	}

	reg := &Registration{Plugin: p, Priority: priority, Enabled: true}
	r.byName[p.Name()] = reg
	for _, stage := range p.Stages() {
		r.byStage[stage] = append(r.byStage[stage], reg)
		sort.SliceStable(r.byStage[stage], func(i, j int) bool {
			return r.byStage[stage][i].Priority < r.byStage[stage][j].Priority
		})
	}

	r.logger.Info("plugin registered",
		"plugin", p.Name(),
		"priority", priority,
		"stages", p.Stages(),
		"total_plugins", len(r.byName),
	)
	return nil
}

// SetEnabled enables or disables a plugin at runtime. Disabled plugins are
// skipped by dispatches that start after the change; in-flight dispatches
// keep their snapshot.
func (r *Registry) SetEnabled(name string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, ok := r.byName[name]
	if !ok {
		return ErrPluginNotFound
	}
	reg.Enabled = enabled

	r.logger.Info("plugin toggled", "plugin", name, "enabled", enabled)
	return nil
}

// snapshot returns the enabled plugins for a stage in priority order.
// The returned slice is a copy and stays valid after registry mutations.
func (r *Registry) snapshot(stage Stage) []Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	regs := r.byStage[stage]
	out := make([]Plugin, 0, len(regs))
	for _, reg := range regs {
		if reg.Enabled {
			out = append(out, reg.Plugin)
		}
	}
	return out
}

// List returns the current registrations for introspection.
func (r *Registry) List() []Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Registration, 0, len(r.byName))
	for _, reg := range r.byName {
		out = append(out, *reg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out
}
