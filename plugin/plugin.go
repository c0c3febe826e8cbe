// Package plugin defines the abstract per-pool hook contract a Matchmaker
// worker consults while running the matching algorithm. The native-library
// loader that discovers and binds plugins lives outside this module; this
// package holds only the interface a loaded plugin must satisfy and the
// registry that binds one plugin per pool.
package plugin

import "crymatch/ticket"

// Plugin overrides match sizing and/or candidate selection for the pool it
// is bound to.
type Plugin interface {
	// Name identifies the plugin for logging.
	Name() string
	// HandledTicketPool is the pool id this plugin wants to bind to. Empty
	// string means "catch-all": bound to any pool with no more specific
	// plugin.
	HandledTicketPool() string
	// MatchSize proposes a match size given the pool's current ticket
	// count. A return value < 2 is ignored by the caller (no override).
	MatchSize(ticketCount int) int
	// OverrideCandidatePicking reports whether PickMatchCandidates should
	// be consulted at all; plugins that only override MatchSize return
	// false here.
	OverrideCandidatePicking() bool
	// PickMatchCandidates is given candidates with index 0 fixed to the
	// owning ticket (never itself a pick target) and the default picks
	// (the best-rated candidates, descending) already populated in picked.
	// It may leave picked untouched or overwrite it with its own indices
	// into candidates (never 0, never out of range, no duplicates). It
	// returns false to signal the default should be used unchanged.
	PickMatchCandidates(candidates []*ticket.View, picked []int) bool
}

// Registry binds exactly one Plugin to each pool id, first-sighting-wins:
// the first plugin whose declared pool equals the pool
// id, otherwise the first catch-all, otherwise none.
type Registry struct {
	plugins []Plugin
	bound   map[string]Plugin
}

// NewRegistry constructs a Registry over the given plugin set.
func NewRegistry(plugins []Plugin) *Registry {
	return &Registry{plugins: plugins, bound: make(map[string]Plugin)}
}

// For returns the plugin bound to poolID, caching the binding on first
// lookup. A pool with no matching or catch-all plugin returns nil.
func (r *Registry) For(poolID string) Plugin {
	if p, ok := r.bound[poolID]; ok {
		return p
	}

	var exact, catchAll Plugin
	for _, p := range r.plugins {
		if p.HandledTicketPool() == poolID {
			exact = p
			break
		}
		if catchAll == nil && p.HandledTicketPool() == "" {
			catchAll = p
		}
	}

	bound := exact
	if bound == nil {
		bound = catchAll
	}
	r.bound[poolID] = bound
	return bound
}
