package federation

import (
	"sort"
	"sync"

	"globalconf/pkg/types"
)

// Registry maps an instance identifier to the sources its private
// parameters declare.
type Registry struct {
	mu      sync.RWMutex
	sources map[string][]types.ConfigurationSource
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		sources: make(map[string][]types.ConfigurationSource),
	}
}

// RegisterSources replaces the entry for instanceID. Duplicate sources are
// collapsed; an empty set is recorded as an empty entry.
func (r *Registry) RegisterSources(instanceID string, sources []types.ConfigurationSource) {
	seen := make(map[string]bool, len(sources))
	entry := make([]types.ConfigurationSource, 0, len(sources))
	for _, s := range sources {
		key := s.Key()
		if seen[key] {
			continue
		}
		seen[key] = true
		entry = append(entry, s.Clone())
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[instanceID] = entry
}

// Sources returns a copy of the entry for instanceID.
func (r *Registry) Sources(instanceID string) ([]types.ConfigurationSource, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.sources[instanceID]
	if !ok {
		return nil, false
	}
	return cloneSources(entry), true
}

// Snapshot returns a deep copy of every entry.
func (r *Registry) Snapshot() map[string][]types.ConfigurationSource {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string][]types.ConfigurationSource, len(r.sources))
	for id, entry := range r.sources {
		out[id] = cloneSources(entry)
	}
	return out
}

// Reset drops every entry.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources = make(map[string][]types.ConfigurationSource)
}

// InstanceIdentifiers returns the instances with an entry, sorted.
func (r *Registry) InstanceIdentifiers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.sources))
	for id := range r.sources {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Declared returns every declared source across all entries, ordered by
// declaring instance and declaration order.
func (r *Registry) Declared() []types.ConfigurationSource {
	var out []types.ConfigurationSource
	snapshot := r.Snapshot()
	for _, id := range r.InstanceIdentifiers() {
		out = append(out, snapshot[id]...)
	}
	return out
}

func cloneSources(in []types.ConfigurationSource) []types.ConfigurationSource {
	out := make([]types.ConfigurationSource, 0, len(in))
	for _, s := range in {
		out = append(out, s.Clone())
	}
	return out
}
