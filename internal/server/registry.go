package server

import (
	"sync"

	"github.com/Tyrowin/tuichat/internal/transport"
)

// Registry is the set of hosts with a live connection. It only exists to
// reject a second concurrent connection from the same host.
type Registry struct {
	mu    sync.Mutex
	hosts map[string]struct{}
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{hosts: make(map[string]struct{})}
}

// Add records the host of addr. It returns false if the host is already
// connected.
func (r *Registry) Add(addr string) bool {
	host := transport.Host(addr)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.hosts[host]; exists {
		return false
	}
	r.hosts[host] = struct{}{}
	return true
}

// Remove forgets the host of addr.
func (r *Registry) Remove(addr string) {
	host := transport.Host(addr)

	r.mu.Lock()
	delete(r.hosts, host)
	r.mu.Unlock()
}

// Contains reports whether the host of addr is connected.
func (r *Registry) Contains(addr string) bool {
	host := transport.Host(addr)

	r.mu.Lock()
	defer r.mu.Unlock()
	_, exists := r.hosts[host]
	return exists
}
