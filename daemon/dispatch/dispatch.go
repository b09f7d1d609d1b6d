// Package dispatch routes inbound chunks to the service registered for
// their schema_id, mirroring the teacher's one-file-per-concern service
// split but generalized to a pluggable lookup instead of a fixed service
// list.
package dispatch

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// Service is a pluggable handler for one schema_id, receiving activation
// and deactivation hooks alongside its chunks so it can hold per-peer state
// across a session's lifetime.
type Service interface {
	// OnActivate is called the first time a peer's session is live for
	// this schema.
	OnActivate(peerKey [32]byte, sessionID [32]byte)
	// OnChunk delivers one chunk payload already decrypted and
	// trust-gated.
	OnChunk(peerKey [32]byte, sessionID [32]byte, data []byte)
	// OnDeactivate is called when the owning session ends.
	OnDeactivate(peerKey [32]byte, sessionID [32]byte)
}

// Dispatcher maps schema_id to the Service registered for it.
type Dispatcher struct {
	mu       sync.RWMutex
	services map[[32]byte]Service
}

// New creates an empty Dispatcher.
func New() *Dispatcher {
	return &Dispatcher{services: make(map[[32]byte]Service)}
}

// Register installs a Service under a schema hash. Registering a second
// service under the same hash replaces the first.
func (d *Dispatcher) Register(schemaID [32]byte, svc Service) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.services[schemaID] = svc
}

// Activate notifies the service registered for schemaID, if any, that a
// session has come live for it.
func (d *Dispatcher) Activate(schemaID, peerKey, sessionID [32]byte) {
	svc := d.lookup(schemaID)
	if svc == nil {
		return
	}
	svc.OnActivate(peerKey, sessionID)
}

// Deliver routes one chunk to its schema's service. An unknown schema_id is
// logged and otherwise ignored — Summit doesn't treat an unrecognized
// schema as an error, since a peer may legitimately offer services this
// node doesn't implement.
func (d *Dispatcher) Deliver(schemaID, peerKey, sessionID [32]byte, data []byte) {
	svc := d.lookup(schemaID)
	if svc == nil {
		log.Debug().Hex("schema_id", schemaID[:]).Msg("dispatch: no service registered for schema")
		return
	}
	svc.OnChunk(peerKey, sessionID, data)
}

// Deactivate notifies the service registered for schemaID, if any, that a
// session has ended.
func (d *Dispatcher) Deactivate(schemaID, peerKey, sessionID [32]byte) {
	svc := d.lookup(schemaID)
	if svc == nil {
		return
	}
	svc.OnDeactivate(peerKey, sessionID)
}

func (d *Dispatcher) lookup(schemaID [32]byte) Service {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.services[schemaID]
}
