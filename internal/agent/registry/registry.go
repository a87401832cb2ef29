// Package registry holds the process-wide set of known coding agents and
// exposes lookup by id, matching the agent registry component of §4.2.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/kandev/kandev/internal/agent/agents"
)

// Registry maps agent ids to their Agent implementation.
type Registry struct {
	mu    sync.RWMutex
	byID  map[string]agents.Agent
	order []string // registration order, used as a tiebreaker in ListEnabled
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{byID: make(map[string]agents.Agent)}
}

// NewDefault returns a registry pre-populated with the Claude Code, Codex,
// Gemini, OpenCode and Cursor adapters (§4.2), plus the Amp, Copilot and
// Auggie adapters. Registration order is fixed here; ListEnabled sorts by
// DisplayOrder.
func NewDefault() *Registry {
	r := New()
	r.Register(agents.NewClaudeCode())
	r.Register(agents.NewCodex())
	r.Register(agents.NewGemini())
	r.Register(agents.NewOpenCode())
	r.Register(agents.NewCursor())
	r.Register(agents.NewAmp())
	r.Register(agents.NewCopilot())
	r.Register(agents.NewAuggie())
	return r
}

// Register adds or replaces an agent by its ID.
func (r *Registry) Register(a agents.Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byID[a.ID()]; !exists {
		r.order = append(r.order, a.ID())
	}
	r.byID[a.ID()] = a
}

// Get returns the agent registered under id, if any.
func (r *Registry) Get(id string) (agents.Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.byID[id]
	return a, ok
}

// MustGet returns the agent registered under id, or an error naming it.
func (r *Registry) MustGet(id string) (agents.Agent, error) {
	if a, ok := r.Get(id); ok {
		return a, nil
	}
	return nil, fmt.Errorf("agent %q is not registered", id)
}

// ListEnabled returns every registered agent with Enabled() true, ordered
// by DisplayOrder then registration order.
func (r *Registry) ListEnabled() []agents.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]agents.Agent, 0, len(r.order))
	for _, id := range r.order {
		a := r.byID[id]
		if a.Enabled() {
			out = append(out, a)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].DisplayOrder() < out[j].DisplayOrder()
	})
	return out
}

// ListAll returns every registered agent, enabled or not, in registration order.
func (r *Registry) ListAll() []agents.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]agents.Agent, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}
	return out
}
