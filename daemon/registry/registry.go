// Package registry tracks peers discovered over multicast: which services
// each one advertises, how long ago it was last heard from, and whether its
// full capability set has arrived yet.
package registry

import (
	"encoding/hex"
	"errors"
	"net"
	"sync"
	"time"
)

// PeerTTL is how long a peer is kept without a fresh announcement before the
// janitor evicts it.
const PeerTTL = 10 * time.Second

// ErrPeerNotFound is returned by Get/Remove for an unknown public key.
var ErrPeerNotFound = errors.New("registry: peer not found")

// Service describes one capability a peer has announced: which UDP ports to
// reach it on for session and chunk traffic, and which QoS contract it
// expects for that service.
type Service struct {
	SchemaHash  [32]byte
	SessionPort uint16
	ChunkPort   uint16
	Contract    uint8
	Index       uint8
}

// Peer is one entry in the registry: a public key, its link-local address,
// and the set of services it has announced so far.
type Peer struct {
	PublicKey   [32]byte
	Addr        net.IP
	DisplayName string

	LastSeen time.Time

	ExpectedServiceCount uint8
	Services             map[[32]byte]Service
}

// IsComplete reports whether every service the peer announced it would
// advertise (the largest ServiceCount seen in its CapabilityAnnouncements) has in fact
// arrived. A peer is usable for handshaking once this is true, though
// individual services can still be dispatched to before that point.
func (p *Peer) IsComplete() bool {
	return p.ExpectedServiceCount > 0 && len(p.Services) >= int(p.ExpectedServiceCount)
}

// Key returns the registry key for a public key: its lowercase hex
// encoding, chosen so Peer entries can be logged and compared without
// carrying the raw key bytes through every log line.
func Key(pub [32]byte) string {
	return hex.EncodeToString(pub[:])
}

// Registry is the concurrent, TTL-expiring peer table fed by the discovery
// listener and consumed by the handshake and dispatch layers.
type Registry struct {
	mu    sync.RWMutex
	peers map[string]*Peer
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{peers: make(map[string]*Peer)}
}

// Observe merges one CapabilityAnnouncement into the registry, creating the
// Peer entry if this is the first time its public key has been seen.
// Re-announcing a service already on file refreshes LastSeen and replaces
// the stored Service entry with the newly announced one, so repeating an
// identical announcement changes nothing but LastSeen.
func (r *Registry) Observe(pub [32]byte, addr net.IP, displayName string, svc Service, serviceCount uint8, now time.Time) *Peer {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := Key(pub)
	p, ok := r.peers[key]
	if !ok {
		p = &Peer{
			PublicKey: pub,
			Services:  make(map[[32]byte]Service),
		}
		r.peers[key] = p
	}

	p.Addr = addr
	if displayName != "" {
		p.DisplayName = displayName
	}
	p.LastSeen = now
	if serviceCount > p.ExpectedServiceCount {
		p.ExpectedServiceCount = serviceCount
	}
	p.Services[svc.SchemaHash] = svc

	return p
}

// Get returns a snapshot of the Peer for a public key. The returned Peer's
// Services map is a copy, safe to range over without racing a concurrent
// Observe.
func (r *Registry) Get(pub [32]byte) (*Peer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.peers[Key(pub)]
	if !ok {
		return nil, ErrPeerNotFound
	}
	return p.snapshot(), nil
}

// snapshot copies a Peer along with its Services map, so a caller holding
// the copy can range over Services after the registry lock is released
// without racing a concurrent Observe on the live entry.
func (p *Peer) snapshot() *Peer {
	cp := *p
	cp.Services = make(map[[32]byte]Service, len(p.Services))
	for k, v := range p.Services {
		cp.Services[k] = v
	}
	return &cp
}

// Remove deletes a peer from the registry, e.g. on receipt of a GONE message
// or explicit trust revocation.
func (r *Registry) Remove(pub [32]byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := Key(pub)
	if _, ok := r.peers[key]; !ok {
		return ErrPeerNotFound
	}
	delete(r.peers, key)
	return nil
}

// List returns a snapshot of every known peer. Each Peer's Services map is
// a copy, safe to range over without racing a concurrent Observe.
func (r *Registry) List() []*Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Peer, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, p.snapshot())
	}
	return out
}

// Count returns the number of known peers.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// EvictStale removes every peer whose LastSeen is older than PeerTTL
// relative to now, returning how many were removed. Intended to be called
// periodically by a janitor goroutine.
func (r *Registry) EvictStale(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := now.Add(-PeerTTL)
	removed := 0
	for key, p := range r.peers {
		if p.LastSeen.Before(cutoff) {
			delete(r.peers, key)
			removed++
		}
	}
	return removed
}
