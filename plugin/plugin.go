// Package plugin defines the optional per-pool matchmaking hook. A plugin
// can override the target match size and the candidate selection of a pool.
// Plugins register in-process; how a deployment discovers and instantiates
// them is outside this package.
package plugin

import (
	"sync"
)

// Candidate is a read-only snapshot handed to PickMatchCandidates. Index 0
// of the candidates slice is always the ticket the match is being built
// around.
type Candidate struct {
	GlobalID string
	Rating   float64
	State    [][]float32
}

// Plugin is the per-pool hook contract.
type Plugin interface {
	// Name addresses the plugin.
	Name() string
	// HandledTicketPool declares the pool this plugin serves. An empty
	// string makes the plugin a catch-all.
	HandledTicketPool() string
	// MatchSize proposes a match size for a round over ticketCount tickets.
	// Results below 2 are ignored by the caller.
	MatchSize(ticketCount int) int
	// OverrideCandidatePicking reports whether PickMatchCandidates should
	// be consulted during match assembly.
	OverrideCandidatePicking() bool
	// PickMatchCandidates fills picked with indices into candidates. The
	// slice arrives pre-filled with the best-rated picks and may be left
	// untouched. Index 0 is the owning ticket and must never be picked;
	// duplicates and out-of-range indices invalidate the whole match.
	// Returning false means the plugin declined and the defaults apply.
	PickMatchCandidates(candidates []Candidate, picked []int) bool
}

// Registry holds registered plugins and resolves pool bindings. Exactly one
// plugin is bound to a pool on first sighting: the first registered plugin
// whose declared pool equals the pool id, otherwise the first catch-all,
// otherwise none. The binding is then fixed for the registry's lifetime.
type Registry struct {
	mu      sync.Mutex
	plugins []Plugin
	binding map[string]Plugin
}

func NewRegistry() *Registry {
	return &Registry{binding: make(map[string]Plugin)}
}

func (r *Registry) Register(p Plugin) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.plugins = append(r.plugins, p)
}

// ForPool resolves the plugin bound to poolID, or nil.
func (r *Registry) ForPool(poolID string) Plugin {
	r.mu.Lock()
	defer r.mu.Unlock()
	if bound, seen := r.binding[poolID]; seen {
		return bound
	}
	var bound Plugin
	for _, p := range r.plugins {
		if p.HandledTicketPool() == poolID {
			bound = p
			break
		}
	}
	if bound == nil {
		for _, p := range r.plugins {
			if p.HandledTicketPool() == "" {
				bound = p
				break
			}
		}
	}
	r.binding[poolID] = bound
	return bound
}
