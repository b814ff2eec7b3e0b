package relay

import "sync"

// Registry tracks the agents that are connected right now, keyed by agent id.
// The durable agent store records every agent that ever signed in; this only
// holds the ones with an open link.
type Registry struct {
	mu    sync.RWMutex
	links map[int64]Link
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{links: make(map[int64]Link)}
}

// Register installs link for agentID. The newest connection wins; the link it
// replaced, if any, is returned so the caller can shut it down.
func (r *Registry) Register(agentID int64, link Link) (previous Link) {
	r.mu.Lock()
	defer r.mu.Unlock()

	previous = r.links[agentID]
	r.links[agentID] = link
	if previous == link {
		return nil
	}
	return previous
}

// Unregister removes whatever link is installed for agentID.
func (r *Registry) Unregister(agentID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.links, agentID)
}

// UnregisterLink removes agentID only while link is still the installed one,
// so a superseded connection shutting down cannot evict its replacement.
func (r *Registry) UnregisterLink(agentID int64, link Link) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.links[agentID]; ok && current == link {
		delete(r.links, agentID)
		return true
	}
	return false
}

// Get returns the link for agentID if the agent is online.
func (r *Registry) Get(agentID int64) (Link, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	link, ok := r.links[agentID]
	return link, ok
}

// IsOnline reports whether agentID has a registered link.
func (r *Registry) IsOnline(agentID int64) bool {
	_, ok := r.Get(agentID)
	return ok
}

// Len returns the number of connected agents.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.links)
}

// Drain removes every link and returns them, for shutdown.
func (r *Registry) Drain() []Link {
	r.mu.Lock()
	defer r.mu.Unlock()

	links := make([]Link, 0, len(r.links))
	for id, link := range r.links {
		links = append(links, link)
		delete(r.links, id)
	}
	return links
}
