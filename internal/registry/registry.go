// Package registry tracks the set of currently open relay connections.
//
// The Registry is the only authority on which peers a broadcast reaches. It
// performs no I/O: callers add a peer when its connection becomes active and
// remove it when the connection's receive loop exits.
package registry

import (
	"errors"
	"sync"
)

// ErrAlreadyRegistered is returned when the same peer is registered twice.
// Each physical connection is registered exactly once, so this indicates a
// logic error in the caller.
var ErrAlreadyRegistered = errors.New("registry: peer already registered")

// ErrNilPeer is returned when Register is called with a nil peer.
var ErrNilPeer = errors.New("registry: nil peer")

// Peer is a connection that can receive broadcast payloads.
type Peer interface {
	ID() string
	Send(payload []byte) error
}

// Registry holds the live peer set. It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	peers map[string]Peer
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{peers: make(map[string]Peer)}
}

// Register adds p to the set.
func (r *Registry) Register(p Peer) error {
	if p == nil {
		return ErrNilPeer
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.peers[p.ID()]; exists {
		return ErrAlreadyRegistered
	}
	r.peers[p.ID()] = p
	return nil
}

// Unregister removes p from the set. It reports whether p was present;
// removing an absent peer is not an error.
func (r *Registry) Unregister(p Peer) bool {
	if p == nil {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	current, exists := r.peers[p.ID()]
	if !exists || current != p {
		return false
	}
	delete(r.peers, p.ID())
	return true
}

// Snapshot returns a copy of the current members. The returned slice is not
// affected by later Register or Unregister calls.
func (r *Registry) Snapshot() []Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	peers := make([]Peer, 0, len(r.peers))
	for _, p := range r.peers {
		peers = append(peers, p)
	}
	return peers
}

// Len returns the number of registered peers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}
