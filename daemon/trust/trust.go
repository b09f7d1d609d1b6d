// Package trust gates inbound chunks by peer trust level: Blocked peers are
// dropped outright, Untrusted peers have their chunks buffered rather than
// dispatched, and Trusted peers flow straight through. Promoting a peer to
// Trusted replays its buffered chunks, in order, into the dispatcher.
package trust

import (
	"sync"
)

// Level is a peer's trust classification.
type Level int

const (
	LevelUntrusted Level = iota
	LevelTrusted
	LevelBlocked
)

func (l Level) String() string {
	switch l {
	case LevelUntrusted:
		return "UNTRUSTED"
	case LevelTrusted:
		return "TRUSTED"
	case LevelBlocked:
		return "BLOCKED"
	default:
		return "UNKNOWN"
	}
}

// Chunk is the minimal payload the trust gate buffers and replays; the
// dispatcher only needs the schema and the raw bytes to route it.
type Chunk struct {
	SchemaID [32]byte
	Data     []byte
}

// maxBufferedPerPeer caps how many chunks an Untrusted peer can have
// buffered before further chunks are dropped, so an unpromoted peer can't
// grow the buffer without bound.
const maxBufferedPerPeer = 256

// Registry tracks trust level and untrusted-buffer state per peer, keyed by
// static public key.
type Registry struct {
	mu         sync.Mutex
	levels     map[[32]byte]Level
	buffers    map[[32]byte][]Chunk
	autoTrust  bool
}

// New creates a Registry. autoTrust, if true, makes newly observed peers
// start Trusted instead of Untrusted — Blocked always wins regardless of
// this setting, since an operator's explicit block must never be overridden
// by a convenience default.
func New(autoTrust bool) *Registry {
	return &Registry{
		levels:    make(map[[32]byte]Level),
		buffers:   make(map[[32]byte][]Chunk),
		autoTrust: autoTrust,
	}
}

// LevelOf returns a peer's current trust level, defaulting new peers to
// Trusted or Untrusted per the registry's auto_trust setting.
func (r *Registry) LevelOf(peerKey [32]byte) Level {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.levelOfLocked(peerKey)
}

func (r *Registry) levelOfLocked(peerKey [32]byte) Level {
	lvl, ok := r.levels[peerKey]
	if !ok {
		if r.autoTrust {
			return LevelTrusted
		}
		return LevelUntrusted
	}
	return lvl
}

// Block marks a peer Blocked, discarding anything buffered for it. Blocked
// overrides any prior Trusted/Untrusted state and auto_trust unconditionally.
func (r *Registry) Block(peerKey [32]byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.levels[peerKey] = LevelBlocked
	delete(r.buffers, peerKey)
}

// Trust promotes a peer to Trusted and returns every chunk buffered for it
// while Untrusted, in arrival order, for the caller to replay into the
// dispatcher. A Blocked peer cannot be trusted directly; callers must first
// call Unblock.
func (r *Registry) Trust(peerKey [32]byte) ([]Chunk, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.levels[peerKey] == LevelBlocked {
		return nil, false
	}
	r.levels[peerKey] = LevelTrusted
	buffered := r.buffers[peerKey]
	delete(r.buffers, peerKey)
	return buffered, true
}

// Unblock clears a Blocked peer back to Untrusted (or Trusted, if
// auto_trust is set), allowing a subsequent Trust call to take effect.
func (r *Registry) Unblock(peerKey [32]byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.levels, peerKey)
}

// Gate is called on every inbound chunk before dispatch. It reports whether
// the chunk should be dispatched now (Trusted), buffered for later replay
// (Untrusted, buffered internally and reported via the bool return), or
// dropped (Blocked).
//
// Returns (dispatchNow, accepted): dispatchNow is true only for Trusted
// peers; accepted is false only when the chunk was neither dispatched nor
// buffered (Blocked, or the Untrusted buffer is full).
func (r *Registry) Gate(peerKey [32]byte, chunk Chunk) (dispatchNow, accepted bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.levelOfLocked(peerKey) {
	case LevelBlocked:
		return false, false
	case LevelTrusted:
		return true, true
	default: // LevelUntrusted
		buf := r.buffers[peerKey]
		if len(buf) >= maxBufferedPerPeer {
			return false, false
		}
		r.buffers[peerKey] = append(buf, chunk)
		return false, true
	}
}
